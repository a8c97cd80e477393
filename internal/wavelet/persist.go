package wavelet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/util/workerpool"
)

// PersistFuture completes when a persistence request is durable or has failed
type PersistFuture struct {
	done    chan struct{}
	version model.HashedVersion
	err     error
}

func newPersistFuture() *PersistFuture {
	return &PersistFuture{done: make(chan struct{})}
}

func completedFuture(v model.HashedVersion, err error) *PersistFuture {
	f := newPersistFuture()
	f.complete(v, err)
	return f
}

func (f *PersistFuture) complete(v model.HashedVersion, err error) {
	f.version = v
	f.err = err
	close(f.done)
}

// Done is closed once the future completes
func (f *PersistFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. It returns the
// persisted version.
func (f *PersistFuture) Wait(ctx context.Context) (model.HashedVersion, error) {
	select {
	case <-f.done:
		return f.version, f.err
	case <-ctx.Done():
		return model.HashedVersion{}, ctx.Err()
	}
}

// Persist requests that history up to version is made durable. It never
// blocks on storage. Requests made while a write is in flight are merged
// into a single follow-up write run by the same worker.
func (s *State) Persist(version model.HashedVersion) *PersistFuture {
	if version.Version == 0 {
		return completedFuture(version, werrors.PreconditionFailed("persisted version must be positive", ErrNotDeltaBoundary))
	}
	s.metrics.PersistRequestsTotal.Inc()

	s.persistMu.Lock()
	if s.closed.Load() {
		s.persistMu.Unlock()
		return completedFuture(version, werrors.PreconditionFailed("cannot persist", ErrStateClosed))
	}
	if version.Version <= s.lastPersisted.Version {
		last := s.lastPersisted
		s.persistMu.Unlock()
		if version.Version == last.Version && !version.Equal(last) {
			return completedFuture(version, werrors.InvalidHash(last, version))
		}
		s.metrics.PersistCoalescedTotal.Inc()
		return completedFuture(last, nil)
	}
	if !s.isBoundary(version) {
		s.persistMu.Unlock()
		return completedFuture(version, werrors.PreconditionFailed(
			fmt.Sprintf("cannot persist version %s", version), ErrNotDeltaBoundary))
	}

	switch {
	case s.inflight == nil:
		f := newPersistFuture()
		s.inflight, s.inflightTarget = f, version
		s.tasks.Add(1)
		snap := s.snapshotAt(version)
		s.persistMu.Unlock()
		s.schedule(version, snap, f)
		return f

	case version.Version <= s.inflightTarget.Version:
		f := s.inflight
		s.persistMu.Unlock()
		s.metrics.PersistCoalescedTotal.Inc()
		return f

	default:
		if s.queued == nil {
			s.queued = newPersistFuture()
		} else {
			s.metrics.PersistCoalescedTotal.Inc()
		}
		if version.Version > s.queuedTarget.Version {
			s.queuedTarget = version
			s.queuedSnapshot = s.snapshotAt(version)
		}
		f := s.queued
		s.persistMu.Unlock()
		return f
	}
}

// snapshotAt returns the current snapshot if it is at v. Snapshots are
// immutable, so the pointer stays valid after later appends.
func (s *State) snapshotAt(v model.HashedVersion) *model.Snapshot {
	if snap := s.snapshot.Load(); snap != nil && snap.Version.Equal(v) {
		return snap
	}
	return nil
}

// isBoundary reports whether an unpersisted version ends a cached record
func (s *State) isBoundary(v model.HashedVersion) bool {
	if s.snapshotAt(v) != nil {
		return true
	}
	r := s.cachedEndingAt(v.Version)
	return r != nil && r.ResultingVersion().Equal(v)
}

// schedule hands the write to the pool without blocking the caller. When
// the queue is full the hand-off waits on its own goroutine; at most one
// write per wavelet is ever outstanding, so the order of writes is kept.
func (s *State) schedule(target model.HashedVersion, snap *model.Snapshot, f *PersistFuture) {
	task := workerpool.Task{
		ID: fmt.Sprintf("persist %s@%d", s.name, target.Version),
		Fn: func(ctx context.Context) error {
			defer s.tasks.Done()
			return s.runPersist(ctx, target, snap, f)
		},
	}
	if s.pool.TrySubmit(task) {
		return
	}
	go func() {
		if err := s.pool.Submit(task); err != nil {
			s.abandon(target, f, err)
		}
	}()
}

// abandon fails everything waiting on this wavelet when the pool is stopping
func (s *State) abandon(target model.HashedVersion, f *PersistFuture, cause error) {
	failure := werrors.Unavailable("persistence is shutting down", cause)
	s.persistMu.Lock()
	queued := s.queued
	s.inflight, s.queued = nil, nil
	s.inflightTarget, s.queuedTarget = model.HashedVersion{}, model.HashedVersion{}
	s.queuedSnapshot = nil
	s.persistMu.Unlock()

	f.complete(target, failure)
	if queued != nil {
		queued.complete(target, failure)
	}
	s.tasks.Done()
}

// runPersist writes up to target, then keeps writing while requests were
// queued during the previous write
func (s *State) runPersist(ctx context.Context, target model.HashedVersion, snap *model.Snapshot, f *PersistFuture) error {
	var lastErr error
	for {
		err := s.write(ctx, target, snap)

		s.persistMu.Lock()
		result := target
		if err == nil {
			if target.Version > s.lastPersisted.Version {
				s.lastPersisted = target
			}
		} else {
			result = s.lastPersisted
			lastErr = err
		}
		f.complete(result, err)

		if s.queued == nil {
			s.inflight = nil
			s.inflightTarget = model.HashedVersion{}
			s.persistMu.Unlock()
			return lastErr
		}
		target, f, snap = s.queuedTarget, s.queued, s.queuedSnapshot
		s.inflight, s.inflightTarget = f, target
		s.queued, s.queuedTarget, s.queuedSnapshot = nil, model.HashedVersion{}, nil
		s.persistMu.Unlock()
	}
}

// write appends the cached records between the last persisted version and
// target to the store. snap, when set, is the snapshot at target.
func (s *State) write(ctx context.Context, target model.HashedVersion, snap *model.Snapshot) error {
	last := s.LastPersistedVersion()
	if target.Version <= last.Version {
		return nil
	}

	records := s.cachedFrom(last.Version, target.Version)
	if len(records) == 0 || !records[0].AppliedAtVersion.Equal(last) ||
		!records[len(records)-1].ResultingVersion().Equal(target) {
		return werrors.InternalError(
			fmt.Sprintf("cache does not cover versions %s to %s", last, target), nil)
	}

	start := time.Now()
	s.metrics.PersistTasksTotal.Inc()
	if err := s.access.Append(ctx, records); err != nil {
		s.metrics.PersistFailuresTotal.Inc()
		s.logger.Error("Failed to persist deltas",
			zap.Uint64("applied_at", last.Version),
			zap.Uint64("version", target.Version),
			zap.Error(err))
		if werrors.IsWaveletError(err) {
			return err
		}
		return werrors.PersistenceFailed(fmt.Sprintf("failed to persist %s up to %d", s.name, target.Version), err)
	}
	s.metrics.PersistDuration.Observe(time.Since(start).Seconds())

	s.persistMu.Lock()
	s.deltasSinceSnapshot += len(records)
	due := s.snapshots != nil && s.deltasSinceSnapshot >= s.snapshotEvery
	s.persistMu.Unlock()
	if due {
		s.storeSnapshot(ctx, target, snap)
	}

	s.logger.Debug("Persisted deltas",
		zap.Uint64("applied_at", last.Version),
		zap.Uint64("version", target.Version),
		zap.Int("deltas", len(records)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// storeSnapshot stores snap, or the current snapshot when snap is nil, if
// it matches the durable history. A failed snapshot write leaves the deltas
// durable and is retried after the next write.
func (s *State) storeSnapshot(ctx context.Context, persisted model.HashedVersion, snap *model.Snapshot) {
	if snap == nil {
		snap = s.snapshot.Load()
	}
	if snap == nil || !snap.Version.Equal(persisted) {
		return
	}
	if err := s.snapshots.StoreSnapshot(ctx, snap); err != nil {
		s.logger.Warn("Failed to store snapshot",
			zap.Uint64("version", persisted.Version),
			zap.Error(err))
		return
	}

	s.persistMu.Lock()
	s.deltasSinceSnapshot = 0
	s.persistMu.Unlock()
	s.metrics.SnapshotStoresTotal.Inc()
}
