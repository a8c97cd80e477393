// Package filestore keeps each wavelet's history in a pair of files under a
// per-wave directory:
//
//	<data dir>/<hex wave id>/<hex wavelet id>.deltas
//	<data dir>/<hex wave id>/<hex wavelet id>.index
//	<data dir>/<hex wave id>/<hex wavelet id>.snapshot
//
// The deltas file is a header followed by checksummed records. The index file
// holds one 8-byte entry per version so both start and end version lookups
// are a single read.
package filestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/diskmanager"
)

const (
	deltasSuffix   = ".deltas"
	indexSuffix    = ".index"
	snapshotSuffix = ".snapshot"
)

// Store is a DeltaStore on the local filesystem
type Store struct {
	dataDir string
	space   diskmanager.SpaceChecker
	logger  *zap.Logger

	mu     sync.Mutex
	open   map[model.WaveletName]*access
	closed bool
}

// NewStore creates a file store rooted at dataDir. space may be nil, in
// which case appends are not checked against free disk space.
func NewStore(dataDir string, space diskmanager.SpaceChecker, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create delta store directory: %w", err)
	}
	return &Store{
		dataDir: dataDir,
		space:   space,
		logger:  logger,
		open:    make(map[model.WaveletName]*access),
	}, nil
}

func (s *Store) waveDir(waveID string) string {
	return filepath.Join(s.dataDir, hex.EncodeToString([]byte(waveID)))
}

func (s *Store) basePath(name model.WaveletName) string {
	return filepath.Join(s.waveDir(name.WaveID), hex.EncodeToString([]byte(name.WaveletID)))
}

// Open implements deltastore.DeltaStore. A wavelet has at most one open
// handle; opening it again while open is an error.
func (s *Store) Open(ctx context.Context, name model.WaveletName) (deltastore.DeltasAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, deltastore.ErrClosed
	}
	if _, ok := s.open[name]; ok {
		return nil, fmt.Errorf("wavelet %s is already open", name)
	}

	a, err := openAccess(s, name)
	if err != nil {
		return nil, err
	}
	s.open[name] = a
	return a, nil
}

func (s *Store) release(name model.WaveletName) {
	s.mu.Lock()
	delete(s.open, name)
	s.mu.Unlock()
}

// Delete implements deltastore.DeltaStore
func (s *Store) Delete(ctx context.Context, name model.WaveletName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return deltastore.ErrClosed
	}
	if _, ok := s.open[name]; ok {
		return fmt.Errorf("cannot delete open wavelet %s", name)
	}

	base := s.basePath(name)
	if _, err := os.Stat(base + deltasSuffix); errors.Is(err, fs.ErrNotExist) {
		return deltastore.ErrWaveletNotFound
	}

	var errs []error
	for _, suffix := range []string{deltasSuffix, indexSuffix, snapshotSuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	// The wave directory goes away with its last wavelet; a non-empty
	// directory makes this fail, which is fine.
	_ = os.Remove(s.waveDir(name.WaveID))

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete wavelet %s: %w", name, err)
	}
	s.logger.Info("Deleted wavelet files", zap.String("wavelet", name.String()))
	return nil
}

// Lookup implements deltastore.DeltaStore
func (s *Store) Lookup(ctx context.Context, waveID string) ([]string, error) {
	entries, err := os.ReadDir(s.waveDir(waveID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list wave %s: %w", waveID, err)
	}

	var ids []string
	for _, e := range entries {
		encoded, ok := strings.CutSuffix(e.Name(), deltasSuffix)
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() <= fileHeaderLength {
			continue
		}
		id, err := hex.DecodeString(encoded)
		if err != nil {
			s.logger.Warn("Skipping unrecognized file in wave directory",
				zap.String("wave", waveID), zap.String("file", e.Name()))
			continue
		}
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return ids, nil
}

// WaveIDs implements deltastore.DeltaStore
func (s *Store) WaveIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := hex.DecodeString(e.Name())
		if err != nil {
			continue
		}
		wavelets, err := s.Lookup(ctx, string(id))
		if err != nil {
			return nil, err
		}
		if len(wavelets) > 0 {
			ids = append(ids, string(id))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes every open handle
func (s *Store) Close() error {
	s.mu.Lock()
	handles := make([]*access, 0, len(s.open))
	for _, a := range s.open {
		handles = append(handles, a)
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, a := range handles {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
