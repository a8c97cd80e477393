package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/util/workerpool"
	"github.com/devrev/waveletd/internal/wavelet"
)

// residentWavelet is a container from the moment it is created until it has
// been closed. A wavelet is never opened twice: a reload waits for closed.
type residentWavelet struct {
	container *wavelet.Container

	once   sync.Once
	err    error
	closed chan struct{}
}

func newResidentCache(cfg *Config) *ttlcache.Cache[string, *residentWavelet] {
	opts := []ttlcache.Option[string, *residentWavelet]{
		ttlcache.WithTTL[string, *residentWavelet](cfg.IdleTTL),
	}
	if cfg.MaxResident > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *residentWavelet](cfg.MaxResident))
	}
	return ttlcache.New[string, *residentWavelet](opts...)
}

func (s *WaveService) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *residentWavelet]) {
	s.metrics.EvictionsTotal.Inc()
	s.logger.Debug("Evicting wavelet",
		zap.String("wavelet", item.Key()),
		zap.Int("reason", int(reason)))

	// Closing waits for pending persistence, so never block the cache
	go func() {
		if err := s.retire(item.Key(), item.Value()); err != nil {
			s.logger.Error("Failed to close evicted wavelet",
				zap.String("wavelet", item.Key()),
				zap.Error(err))
		}
	}()
}

// retire closes the container once. Concurrent callers wait for the first.
func (s *WaveService) retire(key string, rw *residentWavelet) error {
	rw.once.Do(func() {
		rw.err = rw.container.Close()

		s.mu.Lock()
		if s.live[key] == rw {
			delete(s.live, key)
			s.metrics.ResidentWavelets.Dec()
		}
		s.mu.Unlock()
		close(rw.closed)
	})
	return rw.err
}

// container returns the resident container of name, starting a load if the
// wavelet is not resident
func (s *WaveService) container(ctx context.Context, name model.WaveletName) (*wavelet.Container, error) {
	key := name.String()
	for {
		if item := s.resident.Get(key); item != nil {
			return item.Value().container, nil
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, werrors.Unavailable("wave service is closed", nil)
		}
		if rw, ok := s.live[key]; ok {
			if item := s.resident.Get(key); item != nil && item.Value() == rw {
				s.mu.Unlock()
				return rw.container, nil
			}
			s.mu.Unlock()

			// Evicted but not yet closed
			select {
			case <-rw.closed:
				continue
			case <-ctx.Done():
				return nil, werrors.Unavailable("interrupted waiting for wavelet to close", ctx.Err())
			}
		}

		rw := &residentWavelet{
			container: wavelet.NewContainer(name, s.containerConfig()),
			closed:    make(chan struct{}),
		}
		s.live[key] = rw
		s.resident.Set(key, rw, ttlcache.DefaultTTL)
		s.metrics.ResidentWavelets.Inc()
		s.mu.Unlock()

		s.startLoad(rw.container)
		return rw.container, nil
	}
}

func (s *WaveService) startLoad(c *wavelet.Container) {
	name := c.Name()
	task := workerpool.Task{
		ID:      fmt.Sprintf("load-%s", name),
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			done := false
			defer func() {
				if !done {
					c.Loaded(nil, werrors.InternalError("wavelet load aborted", nil))
				}
			}()

			ws, err := s.loadState(ctx, name)
			done = true
			c.Loaded(ws, err)
			return err
		},
	}

	if err := s.loadPool.Submit(task); err != nil {
		c.Loaded(nil, werrors.Unavailable("wavelet load rejected", err))
	}
}

func (s *WaveService) loadState(ctx context.Context, name model.WaveletName) (*wavelet.State, error) {
	access, err := s.store.Open(ctx, name)
	if err != nil {
		return nil, werrors.PersistenceFailed(fmt.Sprintf("failed to open wavelet %s", name), err)
	}

	ws, err := wavelet.LoadState(ctx, access, wavelet.StateConfig{
		Pool:          s.persistPool,
		SnapshotEvery: s.config.SnapshotEvery,
		Metrics:       s.metrics,
		Logger:        s.logger,
	})
	if err != nil {
		if cerr := access.Close(); cerr != nil {
			s.logger.Warn("Failed to close wavelet after failed load",
				zap.String("wavelet", name.String()),
				zap.Error(cerr))
		}
		return nil, err
	}
	return ws, nil
}

// residentContainers returns the containers that are currently live
func (s *WaveService) residentContainers() map[string]*residentWavelet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*residentWavelet, len(s.live))
	for k, rw := range s.live {
		out[k] = rw
	}
	return out
}
