// Package kvstore implements the DeltaStore on an ordered key-value engine
// (badger or pebble).
//
// Key layout, where <name> is the length-prefixed wave id followed by the
// length-prefixed wavelet id:
//
//	d<name><applied-at be64>  record, checksummed
//	e<name><resulting be64>   applied-at version of the record ending there
//	m<name>                   applied-at version of the last record
//	s<name>                   zstd snapshot
//	w<name>                   existence marker, scanned by Lookup
package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/diskmanager"
	"github.com/devrev/waveletd/internal/util"
	"github.com/devrev/waveletd/internal/wire"
)

const (
	tagDelta    = 'd'
	tagEnd      = 'e'
	tagMeta     = 'm'
	tagSnapshot = 's'
	tagWavelet  = 'w'
)

// Store is a DeltaStore over an Engine
type Store struct {
	engine Engine
	space  diskmanager.SpaceChecker
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewStore creates a store over engine. space may be nil.
func NewStore(engine Engine, space diskmanager.SpaceChecker, logger *zap.Logger) *Store {
	return &Store{engine: engine, space: space, logger: logger}
}

func appendID(b []byte, id string) []byte {
	b = binary.AppendUvarint(b, uint64(len(id)))
	return append(b, id...)
}

func waveKey(tag byte, waveID string) []byte {
	return appendID([]byte{tag}, waveID)
}

func nameKey(tag byte, name model.WaveletName) []byte {
	return appendID(waveKey(tag, name.WaveID), name.WaveletID)
}

func versionKey(tag byte, name model.WaveletName, version uint64) []byte {
	return binary.BigEndian.AppendUint64(nameKey(tag, name), version)
}

// readID reads a length-prefixed id from b
func readID(b []byte) (string, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 || uint64(len(b)-k) < n {
		return "", nil, fmt.Errorf("%w: malformed key", deltastore.ErrCorrupted)
	}
	return string(b[k : k+int(n)]), b[k+int(n):], nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Open implements deltastore.DeltaStore
func (s *Store) Open(ctx context.Context, name model.WaveletName) (deltastore.DeltasAccess, error) {
	if s.isClosed() {
		return nil, deltastore.ErrClosed
	}

	a := &access{store: s, name: name}
	meta, err := s.engine.Get(nameKey(tagMeta, name))
	if errors.Is(err, ErrNotFound) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wavelet metadata: %w", err)
	}
	if len(meta) != 8 {
		return nil, fmt.Errorf("%w: metadata of %s", deltastore.ErrCorrupted, name)
	}

	last, err := a.get(versionKey(tagDelta, name, binary.BigEndian.Uint64(meta)))
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w: last record of %s is missing", deltastore.ErrCorrupted, name)
	}
	a.end = last.ResultingVersion()
	return a, nil
}

// Delete implements deltastore.DeltaStore
func (s *Store) Delete(ctx context.Context, name model.WaveletName) error {
	if s.isClosed() {
		return deltastore.ErrClosed
	}
	if _, err := s.engine.Get(nameKey(tagMeta, name)); errors.Is(err, ErrNotFound) {
		return deltastore.ErrWaveletNotFound
	} else if err != nil {
		return err
	}

	// Hide the wavelet first so a crash half way leaves it empty, not partial.
	err := s.engine.Write([]Mutation{
		{Key: nameKey(tagWavelet, name), Delete: true},
		{Key: nameKey(tagMeta, name), Delete: true},
		{Key: nameKey(tagSnapshot, name), Delete: true},
	})
	if err != nil {
		return fmt.Errorf("failed to delete wavelet %s: %w", name, err)
	}
	for _, tag := range []byte{tagDelta, tagEnd} {
		if err := s.engine.DeletePrefix(nameKey(tag, name)); err != nil {
			return fmt.Errorf("failed to delete wavelet %s: %w", name, err)
		}
	}

	s.logger.Info("Deleted wavelet", zap.String("wavelet", name.String()))
	return nil
}

// Lookup implements deltastore.DeltaStore
func (s *Store) Lookup(ctx context.Context, waveID string) ([]string, error) {
	if s.isClosed() {
		return nil, deltastore.ErrClosed
	}
	prefix := waveKey(tagWavelet, waveID)
	var (
		ids     []string
		scanErr error
	)
	err := s.engine.Scan(prefix, nil, func(key, _ []byte) bool {
		id, _, err := readID(key[len(prefix):])
		if err != nil {
			scanErr = err
			return false
		}
		ids = append(ids, id)
		return true
	})
	if err == nil {
		err = scanErr
	}
	return ids, err
}

// WaveIDs implements deltastore.DeltaStore
func (s *Store) WaveIDs(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, deltastore.ErrClosed
	}
	seen := make(map[string]struct{})
	var scanErr error
	err := s.engine.Scan([]byte{tagWavelet}, nil, func(key, _ []byte) bool {
		id, _, err := readID(key[1:])
		if err != nil {
			scanErr = err
			return false
		}
		seen[id] = struct{}{}
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the engine
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.engine.Close()
}

type access struct {
	store *Store
	name  model.WaveletName

	mu     sync.RWMutex
	end    model.HashedVersion
	closed bool
}

func (a *access) get(key []byte) (*model.DeltaRecord, error) {
	raw, err := a.store.engine.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func decodeValue(raw []byte) (*model.DeltaRecord, error) {
	data, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, fmt.Errorf("%w: checksum mismatch", deltastore.ErrCorrupted)
	}
	r, err := wire.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deltastore.ErrCorrupted, err)
	}
	return r, nil
}

func (a *access) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || a.store.isClosed() {
		return deltastore.ErrClosed
	}
	return nil
}

func (a *access) WaveletName() model.WaveletName {
	return a.name
}

func (a *access) IsEmpty() bool {
	return a.EndVersion().Version == 0
}

func (a *access) EndVersion() model.HashedVersion {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.end
}

func (a *access) Delta(ctx context.Context, version uint64) (*model.DeltaRecord, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return a.get(versionKey(tagDelta, a.name, version))
}

func (a *access) DeltaByEndVersion(ctx context.Context, version uint64) (*model.DeltaRecord, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := a.store.engine.Get(versionKey(tagEnd, a.name, version))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("%w: end index entry at %d", deltastore.ErrCorrupted, version)
	}
	return a.get(versionKey(tagDelta, a.name, binary.BigEndian.Uint64(raw)))
}

func (a *access) LastDelta(ctx context.Context) (*model.DeltaRecord, error) {
	end := a.EndVersion()
	if end.Version == 0 {
		return nil, nil
	}
	return a.DeltaByEndVersion(ctx, end.Version)
}

func (a *access) DeltasInRange(ctx context.Context, start, end uint64, visit func(*model.DeltaRecord) bool) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	var visitErr error
	err := a.store.engine.Scan(nameKey(tagDelta, a.name), versionKey(tagDelta, a.name, start),
		func(_, value []byte) bool {
			if visitErr = ctx.Err(); visitErr != nil {
				return false
			}
			r, err := decodeValue(value)
			if err != nil {
				visitErr = err
				return false
			}
			if r.AppliedAtVersion.Version >= end {
				return false
			}
			return visit(r)
		})
	if err != nil {
		return err
	}
	return visitErr
}

func (a *access) Append(ctx context.Context, records []*model.DeltaRecord) error {
	if len(records) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.store.isClosed() {
		return deltastore.ErrClosed
	}
	if err := deltastore.CheckContiguous(a.end.Version, records); err != nil {
		return err
	}

	batch := make([]Mutation, 0, 2*len(records)+2)
	size := 0
	for _, r := range records {
		value := util.AppendChecksum(wire.EncodeRecord(r))
		size += len(value)
		applied := r.AppliedAtVersion.Version
		batch = append(batch,
			Mutation{Key: versionKey(tagDelta, a.name, applied), Value: value},
			Mutation{Key: versionKey(tagEnd, a.name, r.ResultingVersion().Version), Value: binary.BigEndian.AppendUint64(nil, applied)},
		)
	}
	last := records[len(records)-1].AppliedAtVersion.Version
	batch = append(batch,
		Mutation{Key: nameKey(tagMeta, a.name), Value: binary.BigEndian.AppendUint64(nil, last)},
		Mutation{Key: nameKey(tagWavelet, a.name), Value: []byte{}},
	)

	if a.store.space != nil {
		if err := a.store.space.CheckBeforeWrite(uint64(size)); err != nil {
			return err
		}
	}
	if err := a.store.engine.Write(batch); err != nil {
		return fmt.Errorf("failed to append %d deltas to %s: %w", len(records), a.name, err)
	}
	a.end = records[len(records)-1].ResultingVersion()
	return nil
}

func (a *access) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := a.store.engine.Get(nameKey(tagSnapshot, a.name))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := wire.DecompressSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deltastore.ErrCorrupted, err)
	}
	return s, nil
}

func (a *access) StoreSnapshot(ctx context.Context, snapshot *model.Snapshot) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.IsEmpty() {
		return deltastore.ErrWaveletNotFound
	}
	return a.store.engine.Write([]Mutation{{Key: nameKey(tagSnapshot, a.name), Value: wire.CompressSnapshot(snapshot)}})
}

func (a *access) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
