// Package deltastoretest holds the behaviour every DeltaStore backend must
// share, plus builders for record chains used across tests.
package deltastoretest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
)

// Author is the author of every record built by Chain
const Author model.ParticipantID = "alice@example.com"

// Name is the wavelet used by the suite
var Name = model.NewWaveletName("example.com!w+suite", "example.com!conv+root")

// Record builds the record applying ops at appliedAt
func Record(appliedAt model.HashedVersion, author model.ParticipantID, ops []model.WaveletOperation, ts int64) *model.DeltaRecord {
	delta := &model.WaveletDelta{Author: author, TargetVersion: appliedAt, Ops: ops}
	applied := wire.NewAppliedDelta(model.AppliedDeltaMessage{
		SignedOriginalDelta:  model.SignedDelta{Delta: wire.EncodeDelta(delta)},
		AppliedAtVersion:     appliedAt,
		OperationsApplied:    len(ops),
		ApplicationTimestamp: ts,
	})
	resulting := version.NewFactory().Create(applied.Bytes, appliedAt, len(ops))
	return &model.DeltaRecord{
		AppliedAtVersion: appliedAt,
		AppliedDelta:     applied,
		Transformed: &model.TransformedDelta{
			Author:               author,
			AppliedAtVersion:     appliedAt.Version,
			ResultingVersion:     resulting,
			ApplicationTimestamp: ts,
			Ops:                  ops,
		},
	}
}

// Chain builds n records of opsPer operations each, starting at version
// zero of name. The operations apply cleanly to a snapshot: the first adds
// the author, the rest insert text into one blip.
func Chain(name model.WaveletName, n, opsPer int) []*model.DeltaRecord {
	return ChainFrom(version.NewFactory().VersionZero(name), n, opsPer)
}

// ChainFrom continues a chain built by Chain from at
func ChainFrom(at model.HashedVersion, n, opsPer int) []*model.DeltaRecord {
	records := make([]*model.DeltaRecord, 0, n)
	for i := 0; i < n; i++ {
		ops := make([]model.WaveletOperation, 0, opsPer)
		for j := 0; j < opsPer; j++ {
			if at.Version == 0 && j == 0 {
				ops = append(ops, model.WaveletOperation{Type: model.OpAddParticipant, Participant: Author})
				continue
			}
			ops = append(ops, model.WaveletOperation{
				Type: model.OpBlipInsert, BlipID: "b+1", Position: 0, Text: fmt.Sprintf("%d.%d ", i, j),
			})
		}
		r := Record(at, Author, ops, int64(1000+i))
		records = append(records, r)
		at = r.ResultingVersion()
	}
	return records
}

// Run exercises a DeltaStore backend. newStore must return a fresh store;
// reopen, if not nil, closes the given store and opens it again on the same
// data.
func Run(t *testing.T, newStore func(t *testing.T) deltastore.DeltaStore, reopen func(t *testing.T, s deltastore.DeltaStore) deltastore.DeltaStore) {
	ctx := context.Background()

	t.Run("open unknown is empty", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Open(ctx, Name)
		require.NoError(t, err)
		defer a.Close()

		assert.True(t, a.IsEmpty())
		assert.Equal(t, uint64(0), a.EndVersion().Version)
		last, err := a.LastDelta(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)

		ids, err := s.Lookup(ctx, Name.WaveID)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("append and read", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Open(ctx, Name)
		require.NoError(t, err)
		defer a.Close()

		records := Chain(Name, 5, 2)
		require.NoError(t, a.Append(ctx, records[:2]))
		require.NoError(t, a.Append(ctx, records[2:]))

		assert.False(t, a.IsEmpty())
		assert.True(t, records[4].ResultingVersion().Equal(a.EndVersion()))

		for _, want := range records {
			got, err := a.Delta(ctx, want.AppliedAtVersion.Version)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want.AppliedDelta.Bytes, got.AppliedDelta.Bytes)
			assert.True(t, want.ResultingVersion().Equal(got.ResultingVersion()))

			byEnd, err := a.DeltaByEndVersion(ctx, want.ResultingVersion().Version)
			require.NoError(t, err)
			require.NotNil(t, byEnd)
			assert.Equal(t, want.AppliedAtVersion.Version, byEnd.AppliedAtVersion.Version)
		}

		// Intermediate versions are not boundaries.
		got, err := a.Delta(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, got)
		got, err = a.DeltaByEndVersion(ctx, 3)
		require.NoError(t, err)
		assert.Nil(t, got)

		last, err := a.LastDelta(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, uint64(8), last.AppliedAtVersion.Version)
	})

	t.Run("range reads halt and stop at end", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Open(ctx, Name)
		require.NoError(t, err)
		defer a.Close()

		records := Chain(Name, 6, 1)
		require.NoError(t, a.Append(ctx, records))

		var seen []uint64
		require.NoError(t, a.DeltasInRange(ctx, 1, 4, func(r *model.DeltaRecord) bool {
			seen = append(seen, r.AppliedAtVersion.Version)
			return true
		}))
		assert.Equal(t, []uint64{1, 2, 3}, seen)

		seen = nil
		require.NoError(t, a.DeltasInRange(ctx, 0, 6, func(r *model.DeltaRecord) bool {
			seen = append(seen, r.AppliedAtVersion.Version)
			return len(seen) < 2
		}))
		assert.Equal(t, []uint64{0, 1}, seen)
	})

	t.Run("rejects gaps", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Open(ctx, Name)
		require.NoError(t, err)
		defer a.Close()

		records := Chain(Name, 3, 1)
		err = a.Append(ctx, records[1:])
		assert.ErrorIs(t, err, deltastore.ErrNonContiguous)
		assert.True(t, a.IsEmpty())
	})

	t.Run("lookup and delete", func(t *testing.T) {
		s := newStore(t)
		other := model.NewWaveletName(Name.WaveID, "example.com!user+bob")
		elsewhere := model.NewWaveletName("example.com!w+other", "example.com!conv+root")

		for _, n := range []model.WaveletName{Name, other, elsewhere} {
			a, err := s.Open(ctx, n)
			require.NoError(t, err)
			require.NoError(t, a.Append(ctx, Chain(n, 1, 1)))
			require.NoError(t, a.Close())
		}

		ids, err := s.Lookup(ctx, Name.WaveID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{Name.WaveletID, other.WaveletID}, ids)

		waves, err := s.WaveIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{Name.WaveID, elsewhere.WaveID}, waves)

		require.NoError(t, s.Delete(ctx, other))
		assert.ErrorIs(t, s.Delete(ctx, other), deltastore.ErrWaveletNotFound)

		ids, err = s.Lookup(ctx, Name.WaveID)
		require.NoError(t, err)
		assert.Equal(t, []string{Name.WaveletID}, ids)

		a, err := s.Open(ctx, other)
		require.NoError(t, err)
		assert.True(t, a.IsEmpty())
		require.NoError(t, a.Close())
	})

	t.Run("snapshots", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Open(ctx, Name)
		require.NoError(t, err)
		defer a.Close()

		sa, ok := a.(deltastore.SnapshotAccess)
		if !ok {
			t.Skip("backend does not store snapshots")
		}

		records := Chain(Name, 3, 2)
		require.NoError(t, a.Append(ctx, records))

		snap, err := sa.LoadSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, snap)

		want, err := model.BuildFromFirstDelta(Name, records[0].Transformed)
		require.NoError(t, err)
		for _, r := range records[1:] {
			require.NoError(t, want.ApplyDelta(r.Transformed))
		}
		require.NoError(t, sa.StoreSnapshot(ctx, want))

		got, err := sa.LoadSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	if reopen == nil {
		return
	}

	t.Run("survives reopen", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Open(ctx, Name)
		require.NoError(t, err)
		records := Chain(Name, 4, 3)
		require.NoError(t, a.Append(ctx, records))
		require.NoError(t, a.Close())

		s = reopen(t, s)
		a, err = s.Open(ctx, Name)
		require.NoError(t, err)
		defer a.Close()

		assert.True(t, records[3].ResultingVersion().Equal(a.EndVersion()))
		var n int
		require.NoError(t, a.DeltasInRange(ctx, 0, a.EndVersion().Version, func(r *model.DeltaRecord) bool {
			assert.Equal(t, records[n].AppliedDelta.Bytes, r.AppliedDelta.Bytes)
			n++
			return true
		}))
		assert.Equal(t, 4, n)

		// Appends continue where the previous process stopped.
		require.NoError(t, a.Append(ctx, ChainFrom(a.EndVersion(), 1, 1)))
		assert.Equal(t, uint64(13), a.EndVersion().Version)
	})
}
