// Package wavelet holds the in-memory state of a wavelet and the pipeline
// that applies submitted deltas to it.
package wavelet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/memtable"
	"github.com/devrev/waveletd/internal/util/workerpool"
	"github.com/devrev/waveletd/internal/version"
)

var (
	// ErrNonContiguousAppend is returned when a delta is not applied at the current version
	ErrNonContiguousAppend = errors.New("delta is not applied at the current version")

	// ErrNotDeltaBoundary is returned when a version does not end a delta
	ErrNotDeltaBoundary = errors.New("version is not a delta boundary")

	// ErrStateClosed is returned by a closed state
	ErrStateClosed = errors.New("wavelet state is closed")
)

// DefaultSnapshotEvery is the number of persisted deltas between snapshot writes
const DefaultSnapshotEvery = 250

// StateConfig holds the dependencies shared by wavelet states
type StateConfig struct {
	// Pool runs persistence tasks
	Pool *workerpool.WorkerPool

	// SnapshotEvery is the number of deltas between snapshot writes
	SnapshotEvery int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *StateConfig) setDefaults() {
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// State is the cached state of one wavelet backed by a DeltasAccess.
//
// Records appended to the state stay in the cache until they are persisted
// and flushed. AppendDelta must be serialized by the caller; reads and
// persistence may run concurrently with it.
type State struct {
	name        model.WaveletName
	access      deltastore.DeltasAccess
	snapshots   deltastore.SnapshotAccess // nil if the store keeps no snapshots
	versionZero model.HashedVersion

	pool          *workerpool.WorkerPool
	snapshotEvery int
	metrics       *metrics.Metrics
	logger        *zap.Logger

	// snapshot is nil while the wavelet is empty. It is never mutated once
	// stored.
	snapshot atomic.Pointer[model.Snapshot]

	// cache holds records keyed by applied-at version
	cacheMu sync.RWMutex
	cache   *memtable.SkipList[*model.DeltaRecord]

	persistMu           sync.Mutex
	lastPersisted       model.HashedVersion
	inflight            *PersistFuture
	inflightTarget      model.HashedVersion
	queued              *PersistFuture
	queuedTarget        model.HashedVersion
	queuedSnapshot      *model.Snapshot
	deltasSinceSnapshot int
	tasks               sync.WaitGroup

	// closed is set under persistMu so no task is scheduled after Close
	closed atomic.Bool
}

func newState(access deltastore.DeltasAccess, snapshot *model.Snapshot, cfg StateConfig) *State {
	cfg.setDefaults()
	name := access.WaveletName()
	s := &State{
		name:          name,
		access:        access,
		versionZero:   version.NewFactory().VersionZero(name),
		pool:          cfg.Pool,
		snapshotEvery: cfg.SnapshotEvery,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With(zap.String("wavelet", name.String())),
		cache:         memtable.NewSkipList[*model.DeltaRecord](),
	}
	if sa, ok := access.(deltastore.SnapshotAccess); ok {
		s.snapshots = sa
	}
	s.lastPersisted = access.EndVersion()
	if access.IsEmpty() {
		s.lastPersisted = s.versionZero
	}
	if snapshot != nil {
		s.snapshot.Store(snapshot)
	}
	return s
}

// Name returns the wavelet name
func (s *State) Name() model.WaveletName {
	return s.name
}

// Snapshot returns the current snapshot, or nil if the wavelet is empty
func (s *State) Snapshot() *model.Snapshot {
	return s.snapshot.Load()
}

// CurrentVersion returns the version after the last appended delta
func (s *State) CurrentVersion() model.HashedVersion {
	if snap := s.snapshot.Load(); snap != nil {
		return snap.Version
	}
	return s.versionZero
}

// LastPersistedVersion returns the end version of the durable history
func (s *State) LastPersistedVersion() model.HashedVersion {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.lastPersisted
}

// AppendDelta applies record to the snapshot and caches it. Nothing changes
// if the record cannot be applied.
func (s *State) AppendDelta(record *model.DeltaRecord) error {
	if s.closed.Load() {
		return werrors.PreconditionFailed("cannot append", ErrStateClosed)
	}
	current := s.CurrentVersion()
	if !record.AppliedAtVersion.Equal(current) {
		return werrors.PreconditionFailed(
			fmt.Sprintf("delta applied at %s, current version %s", record.AppliedAtVersion, current),
			ErrNonContiguousAppend)
	}
	if record.IsEmpty() {
		return werrors.PreconditionFailed("cannot append an empty delta", ErrNonContiguousAppend)
	}

	var next *model.Snapshot
	if snap := s.snapshot.Load(); snap == nil {
		built, err := model.BuildFromFirstDelta(s.name, record.Transformed)
		if err != nil {
			return werrors.OperationFailed("failed to build wavelet from first delta", err)
		}
		next = built
	} else {
		next = snap.Clone()
		if err := next.ApplyDelta(record.Transformed); err != nil {
			return werrors.OperationFailed("failed to apply delta", err)
		}
	}

	s.cacheMu.Lock()
	s.cache.Insert(record.AppliedAtVersion.Version, record)
	s.cacheMu.Unlock()
	s.snapshot.Store(next)

	s.metrics.AppendedDeltasTotal.Inc()
	s.metrics.AppendedOpsTotal.Add(float64(record.Transformed.Size()))
	s.metrics.CachedDeltas.Inc()
	return nil
}

// Flush drops cached records that are durable and end at or before version
func (s *State) Flush(version model.HashedVersion) {
	bound := version.Version
	if persisted := s.LastPersistedVersion().Version; persisted < bound {
		bound = persisted
	}

	s.cacheMu.Lock()
	removed := s.cache.DeleteWhile(func(_ uint64, r *model.DeltaRecord) bool {
		return r.ResultingVersion().Version <= bound
	})
	s.cacheMu.Unlock()

	s.metrics.CachedDeltas.Sub(float64(removed))
}

// cachedLen returns the number of cached records
func (s *State) cachedLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

func (s *State) cachedAt(v uint64) *model.DeltaRecord {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	r, _ := s.cache.Search(v)
	return r
}

func (s *State) cachedEndingAt(v uint64) *model.DeltaRecord {
	if v == 0 {
		return nil
	}
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	_, r, ok := s.cache.Floor(v - 1)
	if !ok || r.ResultingVersion().Version != v {
		return nil
	}
	return r
}

// recordAt returns the record applied at v from the cache or the store
func (s *State) recordAt(ctx context.Context, v uint64) (*model.DeltaRecord, error) {
	if r := s.cachedAt(v); r != nil {
		return r, nil
	}
	r, err := s.access.Delta(ctx, v)
	if err != nil {
		return nil, werrors.PersistenceFailed(fmt.Sprintf("failed to read delta at %d", v), err)
	}
	return r, nil
}

// HashedVersion resolves a version number to the hashed version at that
// delta boundary. ok is false if v is not a boundary.
func (s *State) HashedVersion(ctx context.Context, v uint64) (hv model.HashedVersion, ok bool, err error) {
	if v == 0 {
		return s.versionZero, true, nil
	}
	snap := s.snapshot.Load()
	if snap == nil || v > snap.Version.Version {
		return model.HashedVersion{}, false, nil
	}
	if v == snap.Version.Version {
		return snap.Version, true, nil
	}
	r, err := s.recordAt(ctx, v)
	if err != nil || r == nil {
		return model.HashedVersion{}, false, err
	}
	return r.AppliedAtVersion, true, nil
}

// Delta returns the record applied at hv, or nil if there is none
func (s *State) Delta(ctx context.Context, hv model.HashedVersion) (*model.DeltaRecord, error) {
	r, err := s.recordAt(ctx, hv.Version)
	if err != nil || r == nil || !r.AppliedAtVersion.Equal(hv) {
		return nil, err
	}
	return r, nil
}

// DeltaByEndVersion returns the record whose resulting version is hv, or nil
// if there is none
func (s *State) DeltaByEndVersion(ctx context.Context, hv model.HashedVersion) (*model.DeltaRecord, error) {
	if hv.Version == 0 {
		return nil, werrors.PreconditionFailed("end version must be positive", ErrNotDeltaBoundary)
	}
	if s.snapshot.Load() == nil {
		return nil, nil
	}
	r := s.cachedEndingAt(hv.Version)
	if r == nil {
		var err error
		r, err = s.access.DeltaByEndVersion(ctx, hv.Version)
		if err != nil {
			return nil, werrors.PersistenceFailed(fmt.Sprintf("failed to read delta ending at %d", hv.Version), err)
		}
	}
	if r == nil || !r.ResultingVersion().Equal(hv) {
		return nil, nil
	}
	return r, nil
}

// TransformedDeltaHistory visits the transformed deltas between start and end
// until visit returns false
func (s *State) TransformedDeltaHistory(ctx context.Context, start, end model.HashedVersion, visit func(*model.TransformedDelta) bool) error {
	return s.history(ctx, start, end, func(r *model.DeltaRecord) bool {
		return visit(r.Transformed)
	})
}

// AppliedDeltaHistory visits the applied deltas between start and end until
// visit returns false
func (s *State) AppliedDeltaHistory(ctx context.Context, start, end model.HashedVersion, visit func(*model.AppliedDelta) bool) error {
	return s.history(ctx, start, end, func(r *model.DeltaRecord) bool {
		return visit(r.AppliedDelta)
	})
}

// history checks that start and end are delta boundaries and streams the
// records between them
func (s *State) history(ctx context.Context, start, end model.HashedVersion, visit func(*model.DeltaRecord) bool) error {
	if start.Version > end.Version {
		return werrors.InvalidArgument(
			fmt.Sprintf("start version %d is after end version %d", start.Version, end.Version), nil)
	}
	if start.Version == end.Version {
		if !start.Equal(end) {
			return werrors.InvalidHash(end, start)
		}
		return nil
	}
	if r, err := s.Delta(ctx, start); err != nil {
		return err
	} else if r == nil {
		return werrors.UnknownVersion("start version", start.Version)
	}
	if !end.Equal(s.CurrentVersion()) {
		if r, err := s.DeltaByEndVersion(ctx, end); err != nil {
			return err
		} else if r == nil {
			return werrors.UnknownVersion("end version", end.Version)
		}
	}
	return s.readRange(ctx, start.Version, end.Version, visit)
}

// readRange reads as much of [from, end) from the store as it has in one
// request and takes the rest from the cache. Records flushed from the cache
// between the two reads are durable, so the store is asked again.
func (s *State) readRange(ctx context.Context, from, end uint64, visit func(*model.DeltaRecord) bool) error {
	halted := false
	var gap error
	take := func(r *model.DeltaRecord) bool {
		if r.AppliedAtVersion.Version != from {
			gap = werrors.CorruptedData(
				fmt.Sprintf("history of %s has a gap at version %d", s.name, from), nil)
			return false
		}
		from = r.ResultingVersion().Version
		if !visit(r) {
			halted = true
			return false
		}
		return from < end
	}

	for from < end {
		before := from
		if err := s.access.DeltasInRange(ctx, from, end, take); err != nil {
			return werrors.PersistenceFailed("failed to read stored deltas", err)
		}
		if gap != nil {
			return gap
		}
		if halted || from >= end {
			return nil
		}

		cached := s.cachedFrom(from, end)
		if len(cached) > 0 && cached[0].AppliedAtVersion.Version == from {
			for _, r := range cached {
				if !take(r) {
					break
				}
			}
		}
		if gap != nil {
			return gap
		}
		if halted {
			return nil
		}
		if from == before {
			return werrors.CorruptedData(
				fmt.Sprintf("history of %s is missing version %d", s.name, from), nil)
		}
	}
	return nil
}

// cachedFrom copies the cached records applied in [from, end)
func (s *State) cachedFrom(from, end uint64) []*model.DeltaRecord {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	var records []*model.DeltaRecord
	for it := s.cache.Seek(from); it.Next() && it.Key() < end; {
		records = append(records, it.Value())
	}
	return records
}

// Close waits for scheduled persistence and closes the store handle
func (s *State) Close() error {
	s.persistMu.Lock()
	if s.closed.Load() {
		s.persistMu.Unlock()
		return werrors.PreconditionFailed("cannot close", ErrStateClosed)
	}
	s.closed.Store(true)
	s.persistMu.Unlock()
	s.tasks.Wait()

	s.metrics.CachedDeltas.Sub(float64(s.cachedLen()))
	return s.access.Close()
}
