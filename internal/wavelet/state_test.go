package wavelet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/deltastore/deltastoretest"
	"github.com/devrev/waveletd/internal/storage/memstore"
	"github.com/devrev/waveletd/internal/util/workerpool"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
)

var testName = deltastoretest.Name

func newPool(t *testing.T) *workerpool.WorkerPool {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "persist", MaxWorkers: 2})
	t.Cleanup(func() { pool.Stop(5 * time.Second) })
	return pool
}

func waitPersisted(t require.TestingT, f *PersistFuture) model.HashedVersion {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	return v
}

// gatedAccess holds appends until the gate is closed and can fail the next one
type gatedAccess struct {
	deltastore.DeltasAccess

	started chan int
	gate    chan struct{}

	mu      sync.Mutex
	fail    error
	batches []int
}

func newGatedAccess(t *testing.T) *gatedAccess {
	a, err := memstore.NewStore().Open(context.Background(), testName)
	require.NoError(t, err)
	return &gatedAccess{DeltasAccess: a, started: make(chan int, 16)}
}

func (g *gatedAccess) Append(ctx context.Context, records []*model.DeltaRecord) error {
	g.mu.Lock()
	fail := g.fail
	g.fail = nil
	g.mu.Unlock()

	g.started <- len(records)
	if g.gate != nil {
		<-g.gate
	}
	if fail != nil {
		return fail
	}

	g.mu.Lock()
	g.batches = append(g.batches, len(records))
	g.mu.Unlock()
	return g.DeltasAccess.Append(ctx, records)
}

func (g *gatedAccess) appendBatches() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.batches...)
}

// snapshotGatedAccess is a gatedAccess that also keeps snapshots
type snapshotGatedAccess struct {
	*gatedAccess
	deltastore.SnapshotAccess
}

func appendAll(t *testing.T, s *State, records []*model.DeltaRecord) {
	for _, r := range records {
		require.NoError(t, s.AppendDelta(r))
	}
}

func TestState_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 5, 2)

	assert.Nil(t, s.Snapshot())
	assert.True(t, s.CurrentVersion().Equal(version.NewFactory().VersionZero(testName)))
	appendAll(t, s, records)

	assert.True(t, s.CurrentVersion().Equal(records[4].ResultingVersion()))
	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.HasParticipant(deltastoretest.Author))
	assert.Contains(t, snap.Blips, "b+1")

	r, err := s.Delta(ctx, records[2].AppliedAtVersion)
	require.NoError(t, err)
	assert.Same(t, records[2], r)

	r, err = s.DeltaByEndVersion(ctx, records[2].ResultingVersion())
	require.NoError(t, err)
	assert.Same(t, records[2], r)

	// A known version number with the wrong hash is not a record.
	r, err = s.Delta(ctx, model.HashedVersion{Version: records[2].AppliedAtVersion.Version, HistoryHash: []byte("x")})
	require.NoError(t, err)
	assert.Nil(t, r)

	hv, ok, err := s.HashedVersion(ctx, records[3].AppliedAtVersion.Version)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, hv.Equal(records[3].AppliedAtVersion))

	_, ok, err = s.HashedVersion(ctx, records[3].AppliedAtVersion.Version+1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.DeltaByEndVersion(ctx, model.HashedVersion{})
	assert.ErrorIs(t, err, ErrNotDeltaBoundary)
}

func TestState_AppendRejectsNonContiguous(t *testing.T) {
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 3, 1)
	require.NoError(t, s.AppendDelta(records[0]))

	err := s.AppendDelta(records[2])
	assert.ErrorIs(t, err, ErrNonContiguousAppend)
	assert.Equal(t, werrors.ErrCodePreconditionFailed, werrors.GetCode(err))

	err = s.AppendDelta(records[0])
	assert.ErrorIs(t, err, ErrNonContiguousAppend)
	assert.True(t, s.CurrentVersion().Equal(records[0].ResultingVersion()))
	assert.Equal(t, 1, s.cachedLen())
}

func TestState_AppendInvalidDeltaLeavesStateUnchanged(t *testing.T) {
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 1, 1)
	require.NoError(t, s.AppendDelta(records[0]))
	before := s.Snapshot()

	// The author is already a participant.
	bad := deltastoretest.Record(s.CurrentVersion(), deltastoretest.Author,
		[]model.WaveletOperation{
			{Type: model.OpBlipInsert, BlipID: "b+1", Text: "ok"},
			{Type: model.OpAddParticipant, Participant: deltastoretest.Author},
		}, 2000)
	err := s.AppendDelta(bad)
	assert.Equal(t, werrors.ErrCodeOperationFailed, werrors.GetCode(err))
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	assert.Same(t, before, s.Snapshot())
	assert.NotContains(t, s.Snapshot().Blips, "b+1")
	assert.Equal(t, 1, s.cachedLen())
}

func TestState_PersistCoalesces(t *testing.T) {
	access := newGatedAccess(t)
	access.gate = make(chan struct{})
	m := metrics.NewNop()
	s := newState(access, nil, StateConfig{Pool: newPool(t), Metrics: m})
	records := deltastoretest.Chain(testName, 5, 1)

	require.NoError(t, s.AppendDelta(records[0]))
	first := s.Persist(records[0].ResultingVersion())
	assert.Equal(t, 1, <-access.started)

	appendAll(t, s, records[1:])
	queued := s.Persist(records[1].ResultingVersion())
	for _, r := range records[2:] {
		assert.Same(t, queued, s.Persist(r.ResultingVersion()))
	}
	assert.Same(t, first, s.Persist(records[0].ResultingVersion()))
	assert.NotSame(t, first, queued)

	close(access.gate)
	assert.True(t, waitPersisted(t, first).Equal(records[0].ResultingVersion()))
	assert.True(t, waitPersisted(t, queued).Equal(records[4].ResultingVersion()))

	assert.Equal(t, []int{1, 4}, access.appendBatches())
	assert.True(t, s.LastPersistedVersion().Equal(records[4].ResultingVersion()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PersistTasksTotal))
	assert.True(t, access.EndVersion().Equal(records[4].ResultingVersion()))
}

func TestState_PersistDoesNotBlockOnFullPool(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "persist", MaxWorkers: 1, QueueSize: 1})
	t.Cleanup(func() { pool.Stop(5 * time.Second) })

	gate := make(chan struct{})
	var futures []*PersistFuture
	var want []model.HashedVersion
	for i := 0; i < 3; i++ {
		access := newGatedAccess(t)
		access.gate = gate
		s := newState(access, nil, StateConfig{Pool: pool})
		record := deltastoretest.Chain(testName, 1, 1)[0]
		require.NoError(t, s.AppendDelta(record))

		returned := make(chan *PersistFuture, 1)
		go func() { returned <- s.Persist(record.ResultingVersion()) }()
		select {
		case f := <-returned:
			futures = append(futures, f)
		case <-time.After(time.Second):
			t.Fatalf("persist on wavelet %d blocked on the pool", i)
		}
		want = append(want, record.ResultingVersion())
		if i == 0 {
			// The only worker is now busy with the first wavelet.
			<-access.started
		}
	}

	close(gate)
	for i, f := range futures {
		assert.True(t, waitPersisted(t, f).Equal(want[i]))
	}
}

func TestState_SnapshotStoredUnderSteadyAppends(t *testing.T) {
	inner := newGatedAccess(t)
	inner.gate = make(chan struct{})
	access := &snapshotGatedAccess{gatedAccess: inner, SnapshotAccess: inner.DeltasAccess.(deltastore.SnapshotAccess)}
	s := newState(access, nil, StateConfig{Pool: newPool(t), SnapshotEvery: 1})
	records := deltastoretest.Chain(testName, 4, 1)
	ctx := context.Background()

	require.NoError(t, s.AppendDelta(records[0]))
	first := s.Persist(records[0].ResultingVersion())
	<-inner.started

	// Every write finishes after the next delta is appended.
	require.NoError(t, s.AppendDelta(records[1]))
	second := s.Persist(records[1].ResultingVersion())
	require.NoError(t, s.AppendDelta(records[2]))
	inner.gate <- struct{}{}
	waitPersisted(t, first)

	stored, err := access.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Version.Equal(records[0].ResultingVersion()))

	<-inner.started
	require.NoError(t, s.AppendDelta(records[3]))
	last := s.Persist(records[3].ResultingVersion())
	inner.gate <- struct{}{}
	waitPersisted(t, second)

	stored, err = access.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, stored.Version.Equal(records[1].ResultingVersion()))

	<-inner.started
	close(inner.gate)
	waitPersisted(t, last)
	stored, err = access.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, stored.Version.Equal(records[3].ResultingVersion()))
}

func TestState_PersistAlreadyPersisted(t *testing.T) {
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 2, 1)
	appendAll(t, s, records)
	waitPersisted(t, s.Persist(records[1].ResultingVersion()))

	f := s.Persist(records[0].ResultingVersion())
	select {
	case <-f.Done():
	default:
		t.Fatal("persisting a durable version should complete immediately")
	}
	assert.True(t, waitPersisted(t, f).Equal(records[1].ResultingVersion()))
}

func TestState_PersistRejectsNonBoundary(t *testing.T) {
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 2, 3)
	appendAll(t, s, records)

	for _, v := range []model.HashedVersion{
		{},
		{Version: 2, HistoryHash: records[0].ResultingVersion().HistoryHash},
		{Version: records[1].ResultingVersion().Version, HistoryHash: []byte("bogus")},
	} {
		_, err := s.Persist(v).Wait(context.Background())
		assert.ErrorIs(t, err, ErrNotDeltaBoundary, "version %s", v)
	}
}

func TestState_PersistFailureKeepsCache(t *testing.T) {
	access := newGatedAccess(t)
	boom := errors.New("disk on fire")
	access.fail = boom
	s := newState(access, nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 2, 1)
	appendAll(t, s, records)

	_, err := s.Persist(records[1].ResultingVersion()).Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, werrors.ErrCodePersistenceFailed, werrors.GetCode(err))
	assert.True(t, s.LastPersistedVersion().Equal(version.NewFactory().VersionZero(testName)))
	assert.Equal(t, 2, s.cachedLen())
	assert.True(t, access.IsEmpty())

	assert.True(t, waitPersisted(t, s.Persist(records[1].ResultingVersion())).Equal(records[1].ResultingVersion()))
	assert.Equal(t, []int{2}, access.appendBatches())
}

func TestState_FlushEvictsPersistedOnly(t *testing.T) {
	ctx := context.Background()
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 3, 2)
	appendAll(t, s, records)
	waitPersisted(t, s.Persist(records[1].ResultingVersion()))

	s.Flush(records[2].ResultingVersion())
	assert.Equal(t, 1, s.cachedLen())

	// Evicted records are read back from the store.
	r, err := s.Delta(ctx, records[0].AppliedAtVersion)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, records[0].AppliedDelta.Bytes, r.AppliedDelta.Bytes)

	r, err = s.DeltaByEndVersion(ctx, records[2].ResultingVersion())
	require.NoError(t, err)
	assert.Same(t, records[2], r)
}

func TestState_HistoryAcrossCacheAndStore(t *testing.T) {
	pool := newPool(t)

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		access, err := memstore.NewStore().Open(ctx, testName)
		require.NoError(rt, err)
		s := newState(access, nil, StateConfig{Pool: pool})
		defer s.Close()

		n := rapid.IntRange(1, 12).Draw(rt, "deltas")
		records := deltastoretest.Chain(testName, n, rapid.IntRange(1, 3).Draw(rt, "opsPer"))
		for _, r := range records {
			require.NoError(rt, s.AppendDelta(r))
		}

		if p := rapid.IntRange(0, n).Draw(rt, "persisted"); p > 0 {
			waitPersisted(rt, s.Persist(records[p-1].ResultingVersion()))
		}
		if f := rapid.IntRange(0, n).Draw(rt, "flushed"); f > 0 {
			s.Flush(records[f-1].ResultingVersion())
		}

		i := rapid.IntRange(0, n-1).Draw(rt, "from")
		j := rapid.IntRange(i+1, n).Draw(rt, "to")
		want := records[i:j]

		var applied [][]byte
		err = s.AppliedDeltaHistory(ctx, want[0].AppliedAtVersion, want[len(want)-1].ResultingVersion(),
			func(d *model.AppliedDelta) bool {
				applied = append(applied, d.Bytes)
				return true
			})
		require.NoError(rt, err)
		require.Len(rt, applied, len(want))
		for k, r := range want {
			require.Equal(rt, r.AppliedDelta.Bytes, applied[k])
		}

		var transformed []uint64
		err = s.TransformedDeltaHistory(ctx, want[0].AppliedAtVersion, want[len(want)-1].ResultingVersion(),
			func(d *model.TransformedDelta) bool {
				transformed = append(transformed, d.AppliedAtVersion)
				return len(transformed) < 2
			})
		require.NoError(rt, err)
		require.Len(rt, transformed, min(2, len(want)))
		require.Equal(rt, want[0].AppliedAtVersion.Version, transformed[0])
	})
}

func TestState_HistoryRejectsUnknownBoundaries(t *testing.T) {
	ctx := context.Background()
	s := newState(newGatedAccess(t), nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 2, 2)
	appendAll(t, s, records)
	noop := func(*model.TransformedDelta) bool { return true }

	err := s.TransformedDeltaHistory(ctx, model.HashedVersion{Version: 1}, records[1].ResultingVersion(), noop)
	assert.Equal(t, werrors.ErrCodeUnknownVersion, werrors.GetCode(err))

	err = s.TransformedDeltaHistory(ctx, records[0].AppliedAtVersion, model.HashedVersion{Version: 3}, noop)
	assert.Equal(t, werrors.ErrCodeUnknownVersion, werrors.GetCode(err))

	err = s.TransformedDeltaHistory(ctx, records[1].ResultingVersion(), records[0].AppliedAtVersion, noop)
	assert.Equal(t, werrors.ErrCodeInvalidArgument, werrors.GetCode(err))
}

func TestState_Close(t *testing.T) {
	access := newGatedAccess(t)
	access.gate = make(chan struct{})
	s := newState(access, nil, StateConfig{Pool: newPool(t)})
	records := deltastoretest.Chain(testName, 1, 1)
	appendAll(t, s, records)
	f := s.Persist(records[0].ResultingVersion())
	<-access.started

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
		t.Fatal("close returned while a write was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(access.gate)
	require.NoError(t, <-closed)
	waitPersisted(t, f)

	assert.ErrorIs(t, s.Close(), ErrStateClosed)
	_, err := s.Persist(records[0].ResultingVersion()).Wait(context.Background())
	assert.ErrorIs(t, err, ErrStateClosed)
	assert.ErrorIs(t, s.AppendDelta(records[0]), ErrStateClosed)
}

func TestLoadState_Empty(t *testing.T) {
	m := metrics.NewNop()
	s, err := LoadState(context.Background(), newGatedAccess(t), StateConfig{Pool: newPool(t), Metrics: m})
	require.NoError(t, err)
	assert.Nil(t, s.Snapshot())
	assert.Equal(t, uint64(0), s.CurrentVersion().Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ColdLoadsTotal.WithLabelValues(metrics.LoadEmpty)))
}

// buildHistory persists records one at a time through a state and returns
// the store and the final snapshot
func buildHistory(t *testing.T, pool *workerpool.WorkerPool, snapshotEvery int, records []*model.DeltaRecord) (*memstore.Store, *model.Snapshot) {
	ctx := context.Background()
	store := memstore.NewStore()
	access, err := store.Open(ctx, testName)
	require.NoError(t, err)

	s := newState(access, nil, StateConfig{Pool: pool, SnapshotEvery: snapshotEvery})
	for _, r := range records {
		require.NoError(t, s.AppendDelta(r))
		waitPersisted(t, s.Persist(r.ResultingVersion()))
	}
	snap := s.Snapshot()
	require.NoError(t, s.Close())
	return store, snap
}

func TestLoadState_ReplaysSuffixAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)
	records := deltastoretest.Chain(testName, 5, 2)
	store, want := buildHistory(t, pool, 3, records)

	access, err := store.Open(ctx, testName)
	require.NoError(t, err)
	stored, err := access.(deltastore.SnapshotAccess).LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Version.Equal(records[2].ResultingVersion()))

	m := metrics.NewNop()
	s, err := LoadState(ctx, access, StateConfig{Pool: pool, SnapshotEvery: 3, Metrics: m})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, wire.EncodeSnapshot(want), wire.EncodeSnapshot(s.Snapshot()))
	assert.Equal(t, 2, s.deltasSinceSnapshot)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ColdLoadsTotal.WithLabelValues(metrics.LoadSnapshot)))
	assert.True(t, s.LastPersistedVersion().Equal(records[4].ResultingVersion()))

	// The next persisted delta reaches the threshold and stores a snapshot.
	next := deltastoretest.ChainFrom(s.CurrentVersion(), 1, 1)[0]
	require.NoError(t, s.AppendDelta(next))
	waitPersisted(t, s.Persist(next.ResultingVersion()))
	stored, err = access.(deltastore.SnapshotAccess).LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, stored.Version.Equal(next.ResultingVersion()))
}

func TestLoadState_RebuildsMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)
	records := deltastoretest.Chain(testName, 4, 1)
	store, want := buildHistory(t, pool, 100, records)

	access, err := store.Open(ctx, testName)
	require.NoError(t, err)
	m := metrics.NewNop()
	s, err := LoadState(ctx, access, StateConfig{Pool: pool, Metrics: m})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, wire.EncodeSnapshot(want), wire.EncodeSnapshot(s.Snapshot()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ColdLoadsTotal.WithLabelValues(metrics.LoadReplay)))

	stored, err := access.(deltastore.SnapshotAccess).LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Version.Equal(records[3].ResultingVersion()))
}

func TestLoadState_DiscardsSnapshotAheadOfHistory(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)
	records := deltastoretest.Chain(testName, 4, 1)
	store, ahead := buildHistory(t, pool, 100, records)

	// Keep only the first two deltas next to a snapshot of all four.
	require.NoError(t, store.Delete(ctx, testName))
	access, err := store.Open(ctx, testName)
	require.NoError(t, err)
	require.NoError(t, access.Append(ctx, records[:2]))
	require.NoError(t, access.(deltastore.SnapshotAccess).StoreSnapshot(ctx, ahead))

	s, err := LoadState(ctx, access, StateConfig{Pool: pool})
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.CurrentVersion().Equal(records[1].ResultingVersion()))
}

func TestLoadState_CorruptHistory(t *testing.T) {
	ctx := context.Background()
	access, err := memstore.NewStore().Open(ctx, testName)
	require.NoError(t, err)

	// Both deltas add the same participant, so the history cannot be composed.
	first := deltastoretest.Record(version.NewFactory().VersionZero(testName), deltastoretest.Author,
		[]model.WaveletOperation{{Type: model.OpAddParticipant, Participant: deltastoretest.Author}}, 1)
	second := deltastoretest.Record(first.ResultingVersion(), deltastoretest.Author,
		[]model.WaveletOperation{{Type: model.OpAddParticipant, Participant: deltastoretest.Author}}, 2)
	require.NoError(t, access.Append(ctx, []*model.DeltaRecord{first, second}))

	_, err = LoadState(ctx, access, StateConfig{Pool: newPool(t)})
	assert.Equal(t, werrors.ErrCodeCorruptedData, werrors.GetCode(err))
}
