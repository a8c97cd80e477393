package filestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/util"
	"github.com/devrev/waveletd/internal/wire"
)

const (
	fileFormatVersion   = 1
	recordFormatVersion = 1

	// "WAVE" followed by the file format version
	fileHeaderLength = 8

	// format, applied length, transformed length, checksum
	recordHeaderLength = 16

	indexEntryLength = 8

	// maxRecordPart bounds a single length field so a corrupt header cannot
	// trigger a huge allocation
	maxRecordPart = 64 << 20
)

var fileMagic = []byte("WAVE")

// access is the handle of one wavelet. Reads take the read lock and use
// ReadAt, so they run concurrently with each other.
type access struct {
	store *Store
	name  model.WaveletName
	base  string

	mu     sync.RWMutex
	deltas *os.File // nil until the first append
	index  *os.File
	size   int64 // logical end of the deltas file
	end    model.HashedVersion
	closed bool
}

type recordHeader struct {
	format         uint32
	appliedLen     uint32
	transformedLen uint32
	checksum       uint32
}

func openAccess(s *Store, name model.WaveletName) (*access, error) {
	a := &access{store: s, name: name, base: s.basePath(name)}

	f, err := os.OpenFile(a.base+deltasSuffix, os.O_RDWR, 0644)
	if errors.Is(err, fs.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open deltas file: %w", err)
	}
	a.deltas = f

	if err := a.recover(); err != nil {
		a.closeFiles()
		return nil, err
	}
	return a, nil
}

// recover validates the files of an existing wavelet, drops a torn trailing
// record and rebuilds the index when it does not describe the deltas file
func (a *access) recover() error {
	info, err := a.deltas.Stat()
	if err != nil {
		return err
	}
	a.size = info.Size()

	if a.size < fileHeaderLength {
		// Crashed while creating the file.
		return a.initFiles()
	}
	header := make([]byte, fileHeaderLength)
	if _, err := a.deltas.ReadAt(header, 0); err != nil {
		return err
	}
	if !bytes.Equal(header[:4], fileMagic) || binary.BigEndian.Uint32(header[4:]) != fileFormatVersion {
		return fmt.Errorf("%w: bad deltas file header in %s", deltastore.ErrCorrupted, a.base)
	}

	a.index, err = os.OpenFile(a.base+indexSuffix, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}

	if a.indexConsistent() {
		return nil
	}

	a.store.logger.Warn("Rebuilding delta index",
		zap.String("wavelet", a.name.String()),
		zap.Int64("deltas_size", a.size))
	return a.rebuildIndex()
}

// indexConsistent checks that the last index entry points at a valid record
// ending the history. Bytes past that record are truncated.
func (a *access) indexConsistent() bool {
	info, err := a.index.Stat()
	if err != nil || info.Size()%indexEntryLength != 0 {
		return false
	}
	versions := uint64(info.Size() / indexEntryLength)
	if versions == 0 {
		if a.size == fileHeaderLength {
			a.end = model.HashedVersion{}
			return true
		}
		return false
	}

	offset, _, err := a.readIndex(versions - 1)
	if err != nil {
		return false
	}
	r, next, err := a.readRecord(offset)
	if err != nil || r.ResultingVersion().Version != versions {
		return false
	}

	if next < a.size {
		a.store.logger.Warn("Truncating trailing bytes of deltas file",
			zap.String("wavelet", a.name.String()),
			zap.Int64("offset", next),
			zap.Int64("bytes", a.size-next))
		if err := a.deltas.Truncate(next); err != nil {
			return false
		}
		a.size = next
	}
	a.end = r.ResultingVersion()
	return true
}

// rebuildIndex scans the deltas file from the start, stops at the first
// record that does not validate and truncates everything after it
func (a *access) rebuildIndex() error {
	var (
		entries []byte
		offset  int64 = fileHeaderLength
		end     model.HashedVersion
	)
	for offset < a.size {
		r, next, err := a.readRecord(offset)
		if err != nil || r.AppliedAtVersion.Version != end.Version {
			a.store.logger.Warn("Dropping unreadable tail of deltas file",
				zap.String("wavelet", a.name.String()),
				zap.Int64("offset", offset),
				zap.Error(err))
			break
		}
		entries = appendIndexEntries(entries, offset, r.Transformed.Size())
		end = r.ResultingVersion()
		offset = next
	}

	if offset < a.size {
		if err := a.deltas.Truncate(offset); err != nil {
			return fmt.Errorf("failed to truncate deltas file: %w", err)
		}
		a.size = offset
	}
	if err := a.index.Truncate(0); err != nil {
		return fmt.Errorf("failed to reset index file: %w", err)
	}
	if _, err := a.index.WriteAt(entries, 0); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := a.deltas.Sync(); err != nil {
		return err
	}
	if err := a.index.Sync(); err != nil {
		return err
	}
	a.end = end
	return nil
}

// appendIndexEntries adds the entries of a record of ops operations at
// offset: the first version maps to the offset, the rest to its complement
func appendIndexEntries(b []byte, offset int64, ops int) []byte {
	for i := 0; i < ops; i++ {
		v := offset
		if i > 0 {
			v = ^offset
		}
		b = binary.BigEndian.AppendUint64(b, uint64(v))
	}
	return b
}

// readIndex returns the offset of the record covering version and whether
// the record starts there
func (a *access) readIndex(version uint64) (int64, bool, error) {
	buf := make([]byte, indexEntryLength)
	if _, err := a.index.ReadAt(buf, int64(version)*indexEntryLength); err != nil {
		return 0, false, err
	}
	v := int64(binary.BigEndian.Uint64(buf))
	if v < 0 {
		return ^v, false, nil
	}
	return v, true, nil
}

func (a *access) readRecord(offset int64) (*model.DeltaRecord, int64, error) {
	hb := make([]byte, recordHeaderLength)
	if _, err := a.deltas.ReadAt(hb, offset); err != nil {
		return nil, 0, fmt.Errorf("%w: record header at %d: %v", deltastore.ErrCorrupted, offset, err)
	}
	h := recordHeader{
		format:         binary.BigEndian.Uint32(hb[0:]),
		appliedLen:     binary.BigEndian.Uint32(hb[4:]),
		transformedLen: binary.BigEndian.Uint32(hb[8:]),
		checksum:       binary.BigEndian.Uint32(hb[12:]),
	}
	if h.format != recordFormatVersion || h.appliedLen > maxRecordPart || h.transformedLen > maxRecordPart {
		return nil, 0, fmt.Errorf("%w: invalid record header at %d", deltastore.ErrCorrupted, offset)
	}

	payload := make([]byte, int(h.appliedLen)+int(h.transformedLen))
	if _, err := a.deltas.ReadAt(payload, offset+recordHeaderLength); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("%w: truncated record at %d", deltastore.ErrCorrupted, offset)
		}
		return nil, 0, err
	}
	if !util.ValidateChecksum(h.checksum, payload) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch at %d", deltastore.ErrCorrupted, offset)
	}

	applied, err := wire.DecodeAppliedDelta(payload[:h.appliedLen])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", deltastore.ErrCorrupted, err)
	}
	transformed, err := wire.DecodeTransformedDelta(payload[h.appliedLen:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", deltastore.ErrCorrupted, err)
	}

	r := &model.DeltaRecord{
		AppliedAtVersion: applied.Message.AppliedAtVersion,
		AppliedDelta:     applied,
		Transformed:      transformed,
	}
	return r, offset + recordHeaderLength + int64(len(payload)), nil
}

func encodeRecord(r *model.DeltaRecord) []byte {
	applied := r.AppliedDelta.Bytes
	transformed := wire.EncodeTransformedDelta(r.Transformed)

	b := make([]byte, 0, recordHeaderLength+len(applied)+len(transformed))
	b = binary.BigEndian.AppendUint32(b, recordFormatVersion)
	b = binary.BigEndian.AppendUint32(b, uint32(len(applied)))
	b = binary.BigEndian.AppendUint32(b, uint32(len(transformed)))
	b = binary.BigEndian.AppendUint32(b, util.ComputeChecksum(applied, transformed))
	b = append(b, applied...)
	return append(b, transformed...)
}

// initFiles creates the deltas file header and an empty index
func (a *access) initFiles() error {
	if err := os.MkdirAll(a.store.waveDir(a.name.WaveID), 0755); err != nil {
		return fmt.Errorf("failed to create wave directory: %w", err)
	}
	if a.deltas == nil {
		f, err := os.OpenFile(a.base+deltasSuffix, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("failed to create deltas file: %w", err)
		}
		a.deltas = f
	}
	if a.index == nil {
		f, err := os.OpenFile(a.base+indexSuffix, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("failed to create index file: %w", err)
		}
		a.index = f
	}

	header := make([]byte, 0, fileHeaderLength)
	header = append(header, fileMagic...)
	header = binary.BigEndian.AppendUint32(header, fileFormatVersion)
	if err := a.deltas.Truncate(0); err != nil {
		return err
	}
	if _, err := a.deltas.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to write deltas header: %w", err)
	}
	if err := a.index.Truncate(0); err != nil {
		return err
	}
	if err := a.deltas.Sync(); err != nil {
		return err
	}
	a.size = fileHeaderLength
	a.end = model.HashedVersion{}
	return nil
}

func (a *access) WaveletName() model.WaveletName {
	return a.name
}

func (a *access) IsEmpty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.end.Version == 0
}

func (a *access) EndVersion() model.HashedVersion {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.end
}

func (a *access) Delta(ctx context.Context, version uint64) (*model.DeltaRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, deltastore.ErrClosed
	}
	if version >= a.end.Version {
		return nil, nil
	}
	offset, start, err := a.readIndex(version)
	if err != nil || !start {
		return nil, err
	}
	r, _, err := a.readRecord(offset)
	return r, err
}

func (a *access) DeltaByEndVersion(ctx context.Context, version uint64) (*model.DeltaRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, deltastore.ErrClosed
	}
	if version == 0 || version > a.end.Version {
		return nil, nil
	}
	if version < a.end.Version {
		// version is an end only if the next record starts there
		if _, start, err := a.readIndex(version); err != nil || !start {
			return nil, err
		}
	}
	offset, _, err := a.readIndex(version - 1)
	if err != nil {
		return nil, err
	}
	r, _, err := a.readRecord(offset)
	return r, err
}

func (a *access) LastDelta(ctx context.Context) (*model.DeltaRecord, error) {
	end := a.EndVersion()
	if end.Version == 0 {
		return nil, nil
	}
	return a.DeltaByEndVersion(ctx, end.Version)
}

func (a *access) DeltasInRange(ctx context.Context, start, end uint64, visit func(*model.DeltaRecord) bool) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return deltastore.ErrClosed
	}
	if start >= a.end.Version || start >= end {
		return nil
	}
	offset, isStart, err := a.readIndex(start)
	if err != nil || !isStart {
		return err
	}

	for offset < a.size {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, next, err := a.readRecord(offset)
		if err != nil {
			return err
		}
		if r.AppliedAtVersion.Version >= end || !visit(r) {
			return nil
		}
		offset = next
	}
	return nil
}

func (a *access) Append(ctx context.Context, records []*model.DeltaRecord) error {
	if len(records) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return deltastore.ErrClosed
	}
	if err := deltastore.CheckContiguous(a.end.Version, records); err != nil {
		return err
	}

	var (
		data    []byte
		entries []byte
	)
	offset := a.size
	if a.deltas == nil {
		offset = fileHeaderLength
	}
	for _, r := range records {
		entries = appendIndexEntries(entries, offset+int64(len(data)), r.Transformed.Size())
		data = append(data, encodeRecord(r)...)
	}

	if a.store.space != nil {
		if err := a.store.space.CheckBeforeWrite(uint64(len(data) + len(entries))); err != nil {
			return err
		}
	}

	if a.deltas == nil {
		if err := a.initFiles(); err != nil {
			return err
		}
	}

	if err := a.write(data, entries); err != nil {
		// Roll the files back to the last acknowledged append.
		if terr := a.deltas.Truncate(a.size); terr != nil {
			a.store.logger.Error("Failed to roll back deltas file", zap.Error(terr))
		}
		if terr := a.index.Truncate(int64(a.end.Version) * indexEntryLength); terr != nil {
			a.store.logger.Error("Failed to roll back index file", zap.Error(terr))
		}
		return err
	}

	a.size += int64(len(data))
	a.end = records[len(records)-1].ResultingVersion()
	return nil
}

func (a *access) write(data, entries []byte) error {
	if _, err := a.deltas.WriteAt(data, a.size); err != nil {
		return fmt.Errorf("failed to write deltas: %w", err)
	}
	if err := a.deltas.Sync(); err != nil {
		return fmt.Errorf("failed to sync deltas: %w", err)
	}
	if _, err := a.index.WriteAt(entries, int64(a.end.Version)*indexEntryLength); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := a.index.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	return nil
}

func (a *access) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	err := a.closeFiles()
	a.mu.Unlock()

	a.store.release(a.name)
	return err
}

func (a *access) closeFiles() error {
	var errs []error
	if a.deltas != nil {
		errs = append(errs, a.deltas.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	return errors.Join(errs...)
}
