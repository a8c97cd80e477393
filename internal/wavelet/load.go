package wavelet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
)

// LoadState builds the state of a wavelet from its stored history. A stored
// snapshot is used when it matches the history, catching up on deltas
// stored after it; otherwise the snapshot is rebuilt from version zero and
// stored again.
func LoadState(ctx context.Context, access deltastore.DeltasAccess, cfg StateConfig) (*State, error) {
	cfg.setDefaults()
	if access.IsEmpty() {
		cfg.Metrics.ColdLoadsTotal.WithLabelValues(metrics.LoadEmpty).Inc()
		return newState(access, nil, cfg), nil
	}

	start := time.Now()
	name := access.WaveletName()
	logger := cfg.Logger.With(zap.String("wavelet", name.String()))

	last, err := access.LastDelta(ctx)
	if err != nil {
		return nil, werrors.PersistenceFailed("failed to read the last stored delta", err)
	}
	if last == nil {
		return nil, werrors.CorruptedData(fmt.Sprintf("wavelet %s has no last delta", name), nil)
	}
	end := last.ResultingVersion()

	snapshots, _ := access.(deltastore.SnapshotAccess)
	source := metrics.LoadSnapshot
	replayed := 0

	var snap *model.Snapshot
	if snapshots != nil {
		stored, err := snapshots.LoadSnapshot(ctx)
		if err != nil {
			logger.Warn("Discarding unreadable snapshot", zap.Error(err))
		} else if stored != nil {
			snap, replayed, err = catchUp(ctx, access, stored, end)
			if err != nil {
				logger.Warn("Discarding stored snapshot",
					zap.Uint64("version", stored.Version.Version),
					zap.Uint64("end_version", end.Version),
					zap.Error(err))
				snap = nil
			}
		}
	}

	if snap == nil {
		source = metrics.LoadReplay
		snap, err = rebuild(ctx, access, end)
		if err != nil {
			return nil, err
		}
		replayed = 0
		if snapshots != nil {
			if err := snapshots.StoreSnapshot(ctx, snap); err != nil {
				logger.Warn("Failed to store rebuilt snapshot", zap.Error(err))
			} else {
				cfg.Metrics.SnapshotStoresTotal.Inc()
			}
		}
	}

	s := newState(access, snap, cfg)
	s.deltasSinceSnapshot = replayed

	cfg.Metrics.ColdLoadsTotal.WithLabelValues(source).Inc()
	cfg.Metrics.ColdLoadDuration.Observe(time.Since(start).Seconds())
	logger.Info("Loaded wavelet",
		zap.String("source", source),
		zap.Uint64("version", end.Version),
		zap.Int("replayed", replayed),
		zap.Duration("duration", time.Since(start)))
	return s, nil
}

// catchUp applies the deltas stored after the snapshot. The snapshot is
// owned by the caller and mutated in place.
func catchUp(ctx context.Context, access deltastore.DeltasAccess, snap *model.Snapshot, end model.HashedVersion) (*model.Snapshot, int, error) {
	if snap.Name != access.WaveletName() {
		return nil, 0, fmt.Errorf("snapshot belongs to %s", snap.Name)
	}
	if snap.Version.Version > end.Version {
		return nil, 0, fmt.Errorf("snapshot at %d is newer than the history", snap.Version.Version)
	}

	replayed := 0
	if snap.Version.Version < end.Version {
		var applyErr error
		err := access.DeltasInRange(ctx, snap.Version.Version, end.Version, func(r *model.DeltaRecord) bool {
			if !r.AppliedAtVersion.Equal(snap.Version) {
				applyErr = fmt.Errorf("delta applied at %s does not follow snapshot at %s", r.AppliedAtVersion, snap.Version)
				return false
			}
			if applyErr = snap.ApplyDelta(r.Transformed); applyErr != nil {
				return false
			}
			replayed++
			return true
		})
		if err != nil {
			return nil, 0, err
		}
		if applyErr != nil {
			return nil, 0, applyErr
		}
	}

	if !snap.Version.Equal(end) {
		return nil, 0, fmt.Errorf("snapshot reaches %s, history ends at %s", snap.Version, end)
	}
	return snap, replayed, nil
}

// rebuild composes the snapshot from the whole history
func rebuild(ctx context.Context, access deltastore.DeltasAccess, end model.HashedVersion) (*model.Snapshot, error) {
	name := access.WaveletName()
	var (
		snap     *model.Snapshot
		applyErr error
	)
	err := access.DeltasInRange(ctx, 0, end.Version, func(r *model.DeltaRecord) bool {
		if snap == nil {
			snap, applyErr = model.BuildFromFirstDelta(name, r.Transformed)
		} else {
			applyErr = snap.ApplyDelta(r.Transformed)
		}
		return applyErr == nil
	})
	if err != nil {
		return nil, werrors.PersistenceFailed("failed to read stored deltas", err)
	}
	if applyErr != nil {
		return nil, werrors.CorruptedData(fmt.Sprintf("failed to compose stored deltas of %s", name), applyErr)
	}
	if snap == nil || !snap.Version.Equal(end) {
		return nil, werrors.CorruptedData(fmt.Sprintf("stored deltas of %s do not reach %s", name, end), nil)
	}
	return snap, nil
}
