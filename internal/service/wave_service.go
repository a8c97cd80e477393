package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/notify"
	"github.com/devrev/waveletd/internal/ot"
	"github.com/devrev/waveletd/internal/signing"
	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/diskmanager"
	"github.com/devrev/waveletd/internal/util/workerpool"
	"github.com/devrev/waveletd/internal/validation"
	"github.com/devrev/waveletd/internal/wavelet"
	"github.com/devrev/waveletd/internal/wire"
)

// Config holds wave service configuration
type Config struct {
	SnapshotEvery int
	LoadTimeout   time.Duration

	// IdleTTL is how long an untouched wavelet stays resident
	IdleTTL     time.Duration
	MaxResident uint64

	PersistWorkers   int
	PersistQueueSize int
	LoadWorkers      int
	LoadQueueSize    int

	// RequireSignatures rejects unsigned deltas
	RequireSignatures bool

	// EnforceAccess rejects deltas whose author cannot access the wavelet
	EnforceAccess bool

	StopTimeout time.Duration
}

// DefaultConfig returns the defaults used when a field is unset
func DefaultConfig() *Config {
	return &Config{
		SnapshotEvery:    wavelet.DefaultSnapshotEvery,
		LoadTimeout:      wavelet.DefaultLoadTimeout,
		IdleTTL:          10 * time.Minute,
		MaxResident:      10000,
		PersistWorkers:   8,
		PersistQueueSize: 1000,
		LoadWorkers:      4,
		LoadQueueSize:    1000,
		EnforceAccess:    true,
		StopTimeout:      30 * time.Second,
	}
}

// Dependencies are the collaborators of the wave service. Store is
// required; the rest have defaults.
type Dependencies struct {
	Store       deltastore.DeltaStore
	Verifier    signing.Verifier
	Space       diskmanager.SpaceChecker
	Subscriber  notify.Subscriber
	Transformer ot.Transformer
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// WaveService is the entry point for submissions and reads. It keeps
// recently used wavelets resident and loads the others on demand.
type WaveService struct {
	config      *Config
	store       deltastore.DeltaStore
	verifier    signing.Verifier
	space       diskmanager.SpaceChecker
	subscriber  notify.Subscriber
	transformer ot.Transformer
	validator   *validation.Validator
	persistPool *workerpool.WorkerPool
	loadPool    *workerpool.WorkerPool
	metrics     *metrics.Metrics
	logger      *zap.Logger

	resident *ttlcache.Cache[string, *residentWavelet]

	// mu guards live and closed
	mu     sync.Mutex
	live   map[string]*residentWavelet
	closed bool
}

// NewWaveService creates a wave service and starts its worker pools
func NewWaveService(cfg *Config, deps Dependencies) (*WaveService, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("wave service requires a delta store")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Verifier == nil {
		deps.Verifier = signing.NoopVerifier{}
	}
	if deps.Transformer == nil {
		deps.Transformer = ot.NewReference()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Subscriber == nil {
		deps.Subscriber = notify.NewLoggingSubscriber(deps.Logger)
	}

	s := &WaveService{
		config:      cfg,
		store:       deps.Store,
		verifier:    deps.Verifier,
		space:       deps.Space,
		subscriber:  deps.Subscriber,
		transformer: deps.Transformer,
		validator:   validation.NewValidator(),
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		live:        make(map[string]*residentWavelet),
	}

	s.persistPool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "persist",
		MaxWorkers: cfg.PersistWorkers,
		QueueSize:  cfg.PersistQueueSize,
		Logger:     deps.Logger,
	})
	s.loadPool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "load",
		MaxWorkers: cfg.LoadWorkers,
		QueueSize:  cfg.LoadQueueSize,
		Logger:     deps.Logger,
	})
	s.registerPoolMetrics(s.persistPool)
	s.registerPoolMetrics(s.loadPool)

	s.resident = newResidentCache(cfg)
	s.resident.OnEviction(s.onEviction)
	go s.resident.Start()

	return s, nil
}

func (s *WaveService) registerPoolMetrics(pool *workerpool.WorkerPool) {
	name := pool.Name()
	s.metrics.RegisterGaugeFunc("workerpool", name+"_queue_utilization_percent",
		fmt.Sprintf("Queue utilization of the %s worker pool", name),
		func() float64 { return pool.Stats().QueueUtilization() })
	s.metrics.RegisterGaugeFunc("workerpool", name+"_worker_utilization_percent",
		fmt.Sprintf("Worker utilization of the %s worker pool", name),
		func() float64 { return pool.Stats().WorkerUtilization() })
	s.metrics.RegisterGaugeFunc("workerpool", name+"_failed_tasks",
		fmt.Sprintf("Tasks of the %s worker pool that returned an error", name),
		func() float64 { return float64(pool.Stats().FailedTasks) })
}

func (s *WaveService) containerConfig() wavelet.ContainerConfig {
	return wavelet.ContainerConfig{
		Transformer: s.transformer,
		Subscriber:  s.subscriber,
		LoadTimeout: s.config.LoadTimeout,
		Metrics:     s.metrics,
		Logger:      s.logger,
	}
}

// SubmitResponse is the result of a successful submission
type SubmitResponse struct {
	OperationsApplied    int
	ResultingVersion     model.HashedVersion
	ApplicationTimestamp int64
	Outcome              string
}

// SubmitRequest validates, verifies and applies a signed delta. It returns
// once the delta is durable.
func (s *WaveService) SubmitRequest(ctx context.Context, name model.WaveletName, signed *model.SignedDelta) (*SubmitResponse, error) {
	startTime := time.Now()

	delta, err := s.validator.ValidateSubmit(name, signed, wire.DecodeDelta)
	if err != nil {
		s.logger.Warn("Submit validation failed",
			zap.String("wavelet", name.String()),
			zap.Error(err))
		return nil, err
	}

	if err := s.verifySignatures(signed, delta.Author); err != nil {
		s.logger.Warn("Signature verification failed",
			zap.String("wavelet", name.String()),
			zap.String("author", string(delta.Author)),
			zap.Error(err))
		return nil, err
	}

	if s.space != nil {
		if err := s.space.CheckBeforeWrite(validation.EstimateDeltaSize(signed)); err != nil {
			s.logger.Warn("Disk space check failed",
				zap.String("wavelet", name.String()),
				zap.Error(err))
			return nil, err
		}
	}

	c, err := s.container(ctx, name)
	if err != nil {
		return nil, err
	}

	if s.config.EnforceAccess {
		ok, err := c.CheckAccess(ctx, delta.Author)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.AccessDenied(
				fmt.Sprintf("%s is not a participant of %s", delta.Author, name))
		}
	}

	result, err := c.Submit(ctx, signed)
	if err != nil {
		s.logger.Info("Submit failed",
			zap.String("wavelet", name.String()),
			zap.Stringer("target", delta.TargetVersion),
			zap.String("code", errors.GetCode(err).String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("Submit completed",
		zap.String("wavelet", name.String()),
		zap.String("outcome", result.Outcome),
		zap.Uint64("version", result.ResultingVersion().Version),
		zap.Duration("duration", time.Since(startTime)))

	return &SubmitResponse{
		OperationsApplied:    result.OperationsApplied(),
		ResultingVersion:     result.ResultingVersion(),
		ApplicationTimestamp: result.ApplicationTimestamp(),
		Outcome:              result.Outcome,
	}, nil
}

// verifySignatures checks every signature against the author's domain,
// over the bytes exactly as they were submitted
func (s *WaveService) verifySignatures(signed *model.SignedDelta, author model.ParticipantID) error {
	if len(signed.Signatures) == 0 {
		if s.config.RequireSignatures {
			return errors.SignatureInvalid("delta is not signed", nil)
		}
		return nil
	}
	for _, sig := range signed.Signatures {
		if err := s.verifier.Verify(signed.Delta, sig, author.Domain()); err != nil {
			if errors.IsWaveletError(err) {
				return err
			}
			return errors.SignatureInvalid("signature verification failed", err)
		}
	}
	return nil
}

// RequestHistory visits the applied deltas between two versions of a wavelet
func (s *WaveService) RequestHistory(ctx context.Context, name model.WaveletName, start, end model.HashedVersion, visit func(*model.AppliedDelta) bool) error {
	if err := s.validator.ValidateWaveletName(name); err != nil {
		return err
	}
	if start.Version > end.Version {
		return errors.InvalidArgument(
			fmt.Sprintf("start version %d is after end version %d", start.Version, end.Version), nil)
	}

	c, err := s.container(ctx, name)
	if err != nil {
		return err
	}
	return c.RequestHistory(ctx, start, end, visit)
}

// GetSnapshot returns the current snapshot of a wavelet
func (s *WaveService) GetSnapshot(ctx context.Context, name model.WaveletName) (*wavelet.CommittedSnapshot, error) {
	if err := s.validator.ValidateWaveletName(name); err != nil {
		return nil, err
	}
	c, err := s.container(ctx, name)
	if err != nil {
		return nil, err
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Snapshot == nil {
		return nil, errors.WaveletNotFound(name.String())
	}
	return snap, nil
}

// GetVersion returns the current and the committed version of a wavelet
func (s *WaveService) GetVersion(ctx context.Context, name model.WaveletName) (current, committed model.HashedVersion, err error) {
	if err := s.validator.ValidateWaveletName(name); err != nil {
		return model.HashedVersion{}, model.HashedVersion{}, err
	}
	c, err := s.container(ctx, name)
	if err != nil {
		return model.HashedVersion{}, model.HashedVersion{}, err
	}

	if current, err = c.CurrentVersion(ctx); err != nil {
		return model.HashedVersion{}, model.HashedVersion{}, err
	}
	if committed, err = c.LastCommittedVersion(ctx); err != nil {
		return model.HashedVersion{}, model.HashedVersion{}, err
	}
	return current, committed, nil
}

// IsDeltaSigner reports whether signerID signed the delta of a wavelet
// that ends at v
func (s *WaveService) IsDeltaSigner(ctx context.Context, name model.WaveletName, v model.HashedVersion, signerID []byte) (bool, error) {
	if err := s.validator.ValidateWaveletName(name); err != nil {
		return false, err
	}
	c, err := s.container(ctx, name)
	if err != nil {
		return false, err
	}
	return c.IsDeltaSigner(ctx, v, signerID)
}

// DeleteWavelet removes a wavelet and its history
func (s *WaveService) DeleteWavelet(ctx context.Context, name model.WaveletName) error {
	if err := s.validator.ValidateWaveletName(name); err != nil {
		return err
	}
	c, err := s.container(ctx, name)
	if err != nil {
		return err
	}

	empty, err := c.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if empty {
		return errors.WaveletNotFound(name.String())
	}

	if err := c.MarkDeleted(); err != nil {
		s.logger.Warn("Failed to close deleted wavelet",
			zap.String("wavelet", name.String()),
			zap.Error(err))
	}
	if err := s.store.Delete(ctx, name); err != nil && !stderrors.Is(err, deltastore.ErrWaveletNotFound) {
		return errors.PersistenceFailed(fmt.Sprintf("failed to delete wavelet %s", name), err)
	}
	s.resident.Delete(name.String())

	s.logger.Info("Wavelet deleted", zap.String("wavelet", name.String()))
	return nil
}

// Lookup lists the wavelet ids of a wave
func (s *WaveService) Lookup(ctx context.Context, waveID string) ([]string, error) {
	if err := s.validator.ValidateID(waveID, "wave id"); err != nil {
		return nil, err
	}

	ids, err := s.store.Lookup(ctx, waveID)
	if err != nil {
		return nil, errors.PersistenceFailed(fmt.Sprintf("failed to look up wave %s", waveID), err)
	}

	// Resident wavelets may hold deltas whose first write failed
	for _, rw := range s.residentContainers() {
		c := rw.container
		if c.Name().WaveID != waveID || c.State() != wavelet.StateOK {
			continue
		}
		if empty, err := c.IsEmpty(ctx); err == nil && !empty {
			ids = append(ids, c.Name().WaveletID)
		}
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// ListWaves lists every stored wave
func (s *WaveService) ListWaves(ctx context.Context) ([]string, error) {
	ids, err := s.store.WaveIDs(ctx)
	if err != nil {
		return nil, errors.PersistenceFailed("failed to list waves", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// ResidentCount returns the number of resident wavelets
func (s *WaveService) ResidentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close closes every resident wavelet, waiting for pending persistence,
// then stops the worker pools and closes the store
func (s *WaveService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.resident.Stop()

	var g errgroup.Group
	for key, rw := range s.residentContainers() {
		g.Go(func() error {
			return s.retire(key, rw)
		})
	}
	err := g.Wait()
	if err != nil {
		s.logger.Error("Failed to close wavelets", zap.Error(err))
	}

	if perr := s.loadPool.Stop(s.config.StopTimeout); perr != nil && err == nil {
		err = perr
	}
	if perr := s.persistPool.Stop(s.config.StopTimeout); perr != nil && err == nil {
		err = perr
	}
	if serr := s.store.Close(); serr != nil && err == nil {
		err = serr
	}

	s.logger.Info("Wave service closed")
	return err
}
