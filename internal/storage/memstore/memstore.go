// Package memstore is an in-memory DeltaStore. Records are kept in their
// encoded form so readers never share memory with writers.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/wire"
)

// Store keeps wavelet histories in memory
type Store struct {
	wavelets *xsync.MapOf[model.WaveletName, *history]
	closed   atomic.Bool
}

type history struct {
	mu       sync.RWMutex
	records  [][]byte
	applied  []uint64 // applied-at version of records[i]
	byStart  map[uint64]int
	byEnd    map[uint64]int
	end      model.HashedVersion
	snapshot []byte
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		wavelets: xsync.NewMapOf[model.WaveletName, *history](),
	}
}

// Open implements deltastore.DeltaStore
func (s *Store) Open(ctx context.Context, name model.WaveletName) (deltastore.DeltasAccess, error) {
	if s.closed.Load() {
		return nil, deltastore.ErrClosed
	}
	return &access{store: s, name: name}, nil
}

// Delete implements deltastore.DeltaStore
func (s *Store) Delete(ctx context.Context, name model.WaveletName) error {
	if s.closed.Load() {
		return deltastore.ErrClosed
	}
	if _, ok := s.wavelets.LoadAndDelete(name); !ok {
		return deltastore.ErrWaveletNotFound
	}
	return nil
}

// Lookup implements deltastore.DeltaStore
func (s *Store) Lookup(ctx context.Context, waveID string) ([]string, error) {
	if s.closed.Load() {
		return nil, deltastore.ErrClosed
	}
	var ids []string
	s.wavelets.Range(func(name model.WaveletName, _ *history) bool {
		if name.WaveID == waveID {
			ids = append(ids, name.WaveletID)
		}
		return true
	})
	sort.Strings(ids)
	return ids, nil
}

// WaveIDs implements deltastore.DeltaStore
func (s *Store) WaveIDs(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, deltastore.ErrClosed
	}
	seen := make(map[string]struct{})
	s.wavelets.Range(func(name model.WaveletName, _ *history) bool {
		seen[name.WaveID] = struct{}{}
		return true
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements deltastore.DeltaStore
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

type access struct {
	store  *Store
	name   model.WaveletName
	closed atomic.Bool
}

func (a *access) history() *history {
	h, _ := a.store.wavelets.Load(a.name)
	return h
}

func (a *access) WaveletName() model.WaveletName {
	return a.name
}

func (a *access) IsEmpty() bool {
	h := a.history()
	if h == nil {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records) == 0
}

func (a *access) EndVersion() model.HashedVersion {
	h := a.history()
	if h == nil {
		return model.HashedVersion{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.end
}

func (a *access) Delta(ctx context.Context, version uint64) (*model.DeltaRecord, error) {
	return a.lookup(func(h *history) (int, bool) {
		i, ok := h.byStart[version]
		return i, ok
	})
}

func (a *access) DeltaByEndVersion(ctx context.Context, version uint64) (*model.DeltaRecord, error) {
	return a.lookup(func(h *history) (int, bool) {
		i, ok := h.byEnd[version]
		return i, ok
	})
}

func (a *access) LastDelta(ctx context.Context) (*model.DeltaRecord, error) {
	return a.lookup(func(h *history) (int, bool) {
		return len(h.records) - 1, len(h.records) > 0
	})
}

func (a *access) lookup(index func(h *history) (int, bool)) (*model.DeltaRecord, error) {
	if a.closed.Load() {
		return nil, deltastore.ErrClosed
	}
	h := a.history()
	if h == nil {
		return nil, nil
	}
	h.mu.RLock()
	i, ok := index(h)
	var raw []byte
	if ok {
		raw = h.records[i]
	}
	h.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return wire.DecodeRecord(raw)
}

func (a *access) DeltasInRange(ctx context.Context, start, end uint64, visit func(*model.DeltaRecord) bool) error {
	if a.closed.Load() {
		return deltastore.ErrClosed
	}
	h := a.history()
	if h == nil {
		return nil
	}

	h.mu.RLock()
	i, ok := h.byStart[start]
	var raws [][]byte
	if ok {
		for ; i < len(h.records) && h.applied[i] < end; i++ {
			raws = append(raws, h.records[i])
		}
	}
	h.mu.RUnlock()

	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := wire.DecodeRecord(raw)
		if err != nil {
			return err
		}
		if !visit(r) {
			return nil
		}
	}
	return nil
}

func (a *access) Append(ctx context.Context, records []*model.DeltaRecord) error {
	if a.closed.Load() || a.store.closed.Load() {
		return deltastore.ErrClosed
	}
	if len(records) == 0 {
		return nil
	}
	if err := deltastore.CheckContiguous(a.EndVersion().Version, records); err != nil {
		return err
	}

	h, _ := a.store.wavelets.LoadOrCompute(a.name, func() *history {
		return &history{byStart: make(map[uint64]int), byEnd: make(map[uint64]int)}
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := deltastore.CheckContiguous(h.end.Version, records); err != nil {
		return err
	}
	for _, r := range records {
		h.byStart[r.AppliedAtVersion.Version] = len(h.records)
		h.byEnd[r.ResultingVersion().Version] = len(h.records)
		h.applied = append(h.applied, r.AppliedAtVersion.Version)
		h.records = append(h.records, wire.EncodeRecord(r))
		h.end = r.ResultingVersion()
	}
	return nil
}

func (a *access) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	h := a.history()
	if h == nil {
		return nil, nil
	}
	h.mu.RLock()
	raw := h.snapshot
	h.mu.RUnlock()
	if raw == nil {
		return nil, nil
	}
	return wire.DecodeSnapshot(raw)
}

func (a *access) StoreSnapshot(ctx context.Context, snapshot *model.Snapshot) error {
	h := a.history()
	if h == nil {
		return deltastore.ErrWaveletNotFound
	}
	raw := wire.EncodeSnapshot(snapshot)
	h.mu.Lock()
	h.snapshot = raw
	h.mu.Unlock()
	return nil
}

func (a *access) Close() error {
	a.closed.Store(true)
	return nil
}
