package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/wire"
)

// LoadSnapshot implements deltastore.SnapshotAccess
func (a *access) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	raw, err := os.ReadFile(a.base + snapshotSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	s, err := wire.DecompressSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", deltastore.ErrCorrupted, err)
	}
	return s, nil
}

// StoreSnapshot implements deltastore.SnapshotAccess. The snapshot is
// written to a temporary file and renamed over the previous one.
func (a *access) StoreSnapshot(ctx context.Context, snapshot *model.Snapshot) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return deltastore.ErrClosed
	}
	if a.deltas == nil {
		return deltastore.ErrWaveletNotFound
	}

	raw := wire.CompressSnapshot(snapshot)
	if a.store.space != nil {
		if err := a.store.space.CheckBeforeWrite(uint64(len(raw))); err != nil {
			return err
		}
	}

	tmp := filepath.Join(filepath.Dir(a.base), ".tmp-"+uuid.NewString())
	if err := writeSynced(tmp, raw); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, a.base+snapshotSuffix); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install snapshot: %w", err)
	}

	a.store.logger.Debug("Stored snapshot",
		zap.String("wavelet", a.name.String()),
		zap.Uint64("version", snapshot.Version.Version),
		zap.Int("bytes", len(raw)))
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	return f.Close()
}
