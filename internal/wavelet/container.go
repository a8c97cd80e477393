package wavelet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/notify"
	"github.com/devrev/waveletd/internal/ot"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
)

// DefaultLoadTimeout bounds how long callers wait for a wavelet to load
const DefaultLoadTimeout = 100 * time.Second

// ContainerState is the lifecycle state of a container
type ContainerState int

const (
	StateLoading ContainerState = iota
	StateOK
	StateCorrupted
	StateDeleted
	StateClosed
)

func (s ContainerState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateOK:
		return "ok"
	case StateCorrupted:
		return "corrupted"
	case StateDeleted:
		return "deleted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ContainerState(%d)", int(s))
	}
}

// stage is the step a submission has reached, for logs
type stage string

const (
	stageAwaitingLock    stage = "awaiting_lock"
	stageTransforming    stage = "transforming"
	stageApplied         stage = "applied"
	stageDeduplicated    stage = "deduplicated"
	stageTransformedAway stage = "transformed_away"
	stageNotifying       stage = "notifying"
	stagePersisting      stage = "persisting"
)

// ContainerConfig holds the collaborators of a container
type ContainerConfig struct {
	Transformer ot.Transformer
	Subscriber  notify.Subscriber
	LoadTimeout time.Duration

	// Clock stamps applied deltas
	Clock func() time.Time

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (c *ContainerConfig) setDefaults() {
	if c.Transformer == nil {
		c.Transformer = ot.NewReference()
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = DefaultLoadTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Subscriber == nil {
		c.Subscriber = notify.NewBus(c.Logger)
	}
}

// SubmitResult is the outcome of a submission
type SubmitResult struct {
	// Record is the applied record, the earlier record a duplicate matched,
	// or an empty record if the delta was transformed away
	Record  *model.DeltaRecord
	Outcome string
}

// OperationsApplied returns the number of operations applied
func (r *SubmitResult) OperationsApplied() int {
	return r.Record.Transformed.Size()
}

// ResultingVersion returns the version after the delta
func (r *SubmitResult) ResultingVersion() model.HashedVersion {
	return r.Record.ResultingVersion()
}

// ApplicationTimestamp returns when the delta was applied, in milliseconds
func (r *SubmitResult) ApplicationTimestamp() int64 {
	return r.Record.Transformed.ApplicationTimestamp
}

// CommittedSnapshot is a snapshot together with the durable version
type CommittedSnapshot struct {
	Snapshot         *model.Snapshot
	CommittedVersion model.HashedVersion
}

// Container serializes submissions to one wavelet and guards its state.
// The state is attached by Loaded once it has been read from storage.
type Container struct {
	name     model.WaveletName
	versions *version.Factory
	cfg      ContainerConfig
	logger   *zap.Logger

	loaded chan struct{}

	// mu is held for writing across transform, append, notify and the
	// persistence request of a submission
	mu      sync.RWMutex
	state   ContainerState
	ws      *State
	loadErr error

	continuations sync.WaitGroup
}

// NewContainer creates a container in the loading state
func NewContainer(name model.WaveletName, cfg ContainerConfig) *Container {
	cfg.setDefaults()
	return &Container{
		name:     name,
		versions: version.NewFactory(),
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("wavelet", name.String())),
		loaded:   make(chan struct{}),
		state:    StateLoading,
	}
}

// Name returns the wavelet name
func (c *Container) Name() model.WaveletName {
	return c.name
}

// State returns the lifecycle state
func (c *Container) State() ContainerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Loaded attaches the loaded state, or marks the container corrupted if
// loading failed. It must be called exactly once.
func (c *Container) Loaded(ws *State, err error) {
	c.mu.Lock()
	switch {
	case c.state != StateLoading:
		c.logger.Warn("Wavelet loaded after leaving the loading state", zap.Stringer("state", c.state))
		if ws != nil {
			ws.Close()
		}
	case err != nil:
		c.logger.Warn("Failed to load wavelet", zap.Error(err))
		c.state, c.loadErr = StateCorrupted, err
	case ws.Name() != c.name:
		c.state = StateCorrupted
		c.loadErr = fmt.Errorf("loaded state belongs to %s", ws.Name())
		ws.Close()
	default:
		c.state, c.ws = StateOK, ws
	}
	c.mu.Unlock()
	close(c.loaded)
}

func (c *Container) awaitLoad(ctx context.Context) error {
	select {
	case <-c.loaded:
		return nil
	default:
	}

	timer := time.NewTimer(c.cfg.LoadTimeout)
	defer timer.Stop()
	select {
	case <-c.loaded:
		return nil
	case <-ctx.Done():
		return werrors.Unavailable("interrupted waiting for wavelet to load", ctx.Err())
	case <-timer.C:
		return werrors.Unavailable(fmt.Sprintf("timed out waiting for wavelet %s to load", c.name), nil)
	}
}

func (c *Container) checkStateOK() error {
	switch c.state {
	case StateOK:
		return nil
	case StateCorrupted:
		return werrors.WaveletCorrupted(c.name.String(), c.loadErr)
	case StateDeleted:
		return werrors.WaveletNotFound(c.name.String())
	default:
		return werrors.Unavailable(fmt.Sprintf("wavelet %s is %s", c.name, c.state), nil)
	}
}

// Submit applies a signed delta, transforming it against deltas applied
// since its target version, and waits until it is durable. Resubmitting an
// applied delta returns the original record.
func (c *Container) Submit(ctx context.Context, signed *model.SignedDelta) (*SubmitResult, error) {
	start := time.Now()
	result, err := c.submit(ctx, signed)

	c.cfg.Metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.cfg.Metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.cfg.Metrics.ErrorsTotal.WithLabelValues(werrors.GetCode(err).String()).Inc()
		return nil, err
	}
	c.cfg.Metrics.SubmissionsTotal.WithLabelValues(result.Outcome).Inc()
	return result, nil
}

func (c *Container) submit(ctx context.Context, signed *model.SignedDelta) (*SubmitResult, error) {
	if err := c.awaitLoad(ctx); err != nil {
		return nil, err
	}
	c.trace(stageAwaitingLock, nil)

	c.mu.Lock()
	if err := c.checkStateOK(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	before := c.ws.CurrentVersion()
	result, err := c.transformAndApply(ctx, signed)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	var future *PersistFuture
	switch result.Outcome {
	case metrics.OutcomeApplied:
		if !result.Record.AppliedAtVersion.Equal(before) {
			c.mu.Unlock()
			return nil, werrors.InternalError("applied delta does not follow the previous version", nil)
		}
		snap := c.ws.Snapshot()
		domains := domainsOf(snap.Participants, model.ParticipantsRemovedBy(result.Record.Transformed.Ops))

		c.trace(stageNotifying, result.Record)
		c.cfg.Subscriber.WaveletUpdate(ctx, snap, []*model.DeltaRecord{result.Record}, domains)

		c.trace(stagePersisting, result.Record)
		future = c.persist(result.Record.ResultingVersion(), domains)

	case metrics.OutcomeDuplicate:
		// The original may not be durable yet, or its write may have failed.
		future = c.ws.Persist(result.Record.ResultingVersion())
	}
	c.mu.Unlock()

	if future != nil {
		if _, err := future.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// persist requests persistence of version. Once it is durable the cache is
// flushed and subscribers are told of the commit.
func (c *Container) persist(v model.HashedVersion, domains []string) *PersistFuture {
	future := c.ws.Persist(v)
	c.continuations.Add(1)
	go func() {
		defer c.continuations.Done()
		<-future.Done()
		_, err := future.Wait(context.Background())
		if err != nil {
			c.logger.Error("Failed to persist wavelet", zap.Uint64("version", v.Version), zap.Error(err))
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.ws.Flush(v)
		if err == nil {
			c.cfg.Subscriber.WaveletCommitted(context.Background(), c.name, v, domains)
		}
	}()
	return future
}

func (c *Container) trace(s stage, r *model.DeltaRecord) {
	if ce := c.logger.Check(zap.DebugLevel, "Submission stage"); ce != nil {
		fields := []zap.Field{zap.String("stage", string(s))}
		if r != nil {
			fields = append(fields,
				zap.Uint64("applied_at", r.AppliedAtVersion.Version),
				zap.Int("ops", r.Transformed.Size()))
		}
		ce.Write(fields...)
	}
}

// transformAndApply must be called with the write lock held
func (c *Container) transformAndApply(ctx context.Context, signed *model.SignedDelta) (*SubmitResult, error) {
	delta, err := wire.DecodeDelta(signed.Delta)
	if err != nil {
		return nil, werrors.InvalidArgument("malformed delta", err)
	}
	if len(delta.Ops) == 0 {
		return nil, werrors.InvalidArgument("empty delta", nil)
	}

	c.trace(stageTransforming, nil)
	transformed, err := c.maybeTransform(ctx, delta)
	if err != nil {
		return nil, err
	}

	now := c.cfg.Clock().UnixMilli()
	current := c.ws.CurrentVersion()

	if len(transformed.Ops) == 0 {
		record := &model.DeltaRecord{
			AppliedAtVersion: transformed.TargetVersion,
			Transformed: &model.TransformedDelta{
				Author:               transformed.Author,
				AppliedAtVersion:     transformed.TargetVersion.Version,
				ResultingVersion:     transformed.TargetVersion,
				ApplicationTimestamp: now,
			},
		}
		c.trace(stageTransformedAway, record)
		return &SubmitResult{Record: record, Outcome: metrics.OutcomeTransformedAway}, nil
	}

	if !transformed.TargetVersion.Equal(current) {
		dup, err := c.ws.Delta(ctx, transformed.TargetVersion)
		if err != nil {
			return nil, err
		}
		if dup == nil {
			return nil, werrors.InternalError(
				fmt.Sprintf("no delta at duplicate version %s", transformed.TargetVersion), nil)
		}
		if dup.Author() != transformed.Author || !model.OpsEqual(dup.Transformed.Ops, transformed.Ops) {
			c.state = StateCorrupted
			c.loadErr = fmt.Errorf("duplicate of the delta at %d does not match it", dup.AppliedAtVersion.Version)
			c.logger.Error("Duplicate delta does not match the applied delta",
				zap.Uint64("applied_at", dup.AppliedAtVersion.Version),
				zap.String("author", string(transformed.Author)),
				zap.String("applied_author", string(dup.Author())))
			return nil, werrors.DuplicateMismatch(fmt.Sprintf(
				"delta duplicates the delta at version %d but author or operations differ",
				dup.AppliedAtVersion.Version))
		}
		c.logger.Info("Duplicate delta", zap.Uint64("applied_at", dup.AppliedAtVersion.Version))
		c.trace(stageDeduplicated, dup)
		return &SubmitResult{Record: dup, Outcome: metrics.OutcomeDuplicate}, nil
	}

	applied := wire.NewAppliedDelta(model.AppliedDeltaMessage{
		SignedOriginalDelta:  *signed,
		AppliedAtVersion:     current,
		OperationsApplied:    len(transformed.Ops),
		ApplicationTimestamp: now,
	})
	record := &model.DeltaRecord{
		AppliedAtVersion: current,
		AppliedDelta:     applied,
		Transformed: &model.TransformedDelta{
			Author:               transformed.Author,
			AppliedAtVersion:     current.Version,
			ResultingVersion:     c.versions.Create(applied.Bytes, current, len(transformed.Ops)),
			ApplicationTimestamp: now,
			Ops:                  transformed.Ops,
		},
	}
	if err := c.ws.AppendDelta(record); err != nil {
		return nil, err
	}
	c.trace(stageApplied, record)
	return &SubmitResult{Record: record, Outcome: metrics.OutcomeApplied}, nil
}

// maybeTransform returns delta unchanged if it targets the current version,
// and otherwise transforms it against the deltas applied since its target.
// The returned delta targets the version it ends up applying at: the
// current version, the version of the delta it duplicates, or the version
// at which it was transformed away.
func (c *Container) maybeTransform(ctx context.Context, delta *model.WaveletDelta) (*model.WaveletDelta, error) {
	target := delta.TargetVersion
	current := c.ws.CurrentVersion()
	if target.Equal(current) {
		return delta, nil
	}
	if target.Version == current.Version {
		c.logger.Warn("Delta targets the current version with a different hash",
			zap.Stringer("expected", current),
			zap.Stringer("target", target))
		return nil, werrors.InvalidHash(current, target)
	}
	if target.Version > current.Version {
		return nil, werrors.VersionMismatch(current.Version, target.Version)
	}

	hv, ok, err := c.ws.HashedVersion(ctx, target.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, werrors.NewWaveletError(werrors.ErrCodeVersionMismatch,
			fmt.Sprintf("delta targets version %d which is not a delta boundary", target.Version), nil).
			WithDetail("target", target.Version)
	}
	if !hv.Equal(target) {
		return nil, werrors.InvalidHash(hv, target)
	}

	var server []*model.TransformedDelta
	err = c.ws.TransformedDeltaHistory(ctx, target, current, func(d *model.TransformedDelta) bool {
		server = append(server, d)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(server) == 0 {
		return nil, werrors.InternalError(fmt.Sprintf("no deltas between %s and %s", target, current), nil)
	}

	ops := delta.Ops
	at := target
	for _, s := range server {
		// Stop where the delta vanished or matched, so that resubmitting it
		// gives the same answer.
		if len(ops) == 0 {
			break
		}
		if s.Author == delta.Author && model.OpsEqual(ops, s.Ops) {
			break
		}
		ops, err = c.cfg.Transformer.Transform(ops, s.Ops)
		if err != nil {
			return nil, werrors.OperationFailed("failed to transform delta", err)
		}
		at = s.ResultingVersion
	}
	c.cfg.Metrics.TransformDepth.Observe(float64(len(server)))

	return &model.WaveletDelta{Author: delta.Author, TargetVersion: at, Ops: ops}, nil
}

func domainsOf(groups ...[]model.ParticipantID) []string {
	var domains []string
	for _, ps := range groups {
		for _, p := range ps {
			domains = append(domains, p.Domain())
		}
	}
	slices.Sort(domains)
	return slices.Compact(domains)
}

// readState waits for the load and returns the state under the read lock.
// Callers must call c.mu.RUnlock.
func (c *Container) readState(ctx context.Context) (*State, error) {
	if err := c.awaitLoad(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	if err := c.checkStateOK(); err != nil {
		c.mu.RUnlock()
		return nil, err
	}
	return c.ws, nil
}

func (c *Container) checkBoundary(ctx context.Context, ws *State, v model.HashedVersion, what string) error {
	actual, ok, err := ws.HashedVersion(ctx, v.Version)
	if err != nil {
		return err
	}
	if !ok || !actual.Equal(v) {
		c.logger.Info("Unrecognized version",
			zap.String("what", what),
			zap.Stringer("version", v))
		return werrors.UnknownVersion(what, v.Version)
	}
	return nil
}

// RequestHistory visits the applied deltas between two delta boundaries
func (c *Container) RequestHistory(ctx context.Context, start, end model.HashedVersion, visit func(*model.AppliedDelta) bool) error {
	ws, err := c.readState(ctx)
	if err != nil {
		return err
	}
	defer c.mu.RUnlock()

	if err := c.checkBoundary(ctx, ws, start, "start version"); err != nil {
		return err
	}
	if err := c.checkBoundary(ctx, ws, end, "end version"); err != nil {
		return err
	}
	return ws.AppliedDeltaHistory(ctx, start, end, visit)
}

// RequestTransformedHistory visits the transformed deltas between two delta
// boundaries
func (c *Container) RequestTransformedHistory(ctx context.Context, start, end model.HashedVersion, visit func(*model.TransformedDelta) bool) error {
	ws, err := c.readState(ctx)
	if err != nil {
		return err
	}
	defer c.mu.RUnlock()

	if err := c.checkBoundary(ctx, ws, start, "start version"); err != nil {
		return err
	}
	if err := c.checkBoundary(ctx, ws, end, "end version"); err != nil {
		return err
	}
	return ws.TransformedDeltaHistory(ctx, start, end, visit)
}

// Snapshot returns the current snapshot and the committed version. The
// snapshot is nil for an empty wavelet.
func (c *Container) Snapshot(ctx context.Context) (*CommittedSnapshot, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return nil, err
	}
	defer c.mu.RUnlock()
	return &CommittedSnapshot{Snapshot: ws.Snapshot(), CommittedVersion: ws.LastPersistedVersion()}, nil
}

// CurrentVersion returns the version after the last applied delta
func (c *Container) CurrentVersion(ctx context.Context) (model.HashedVersion, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return model.HashedVersion{}, err
	}
	defer c.mu.RUnlock()
	return ws.CurrentVersion(), nil
}

// LastCommittedVersion returns the durable version
func (c *Container) LastCommittedVersion(ctx context.Context) (model.HashedVersion, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return model.HashedVersion{}, err
	}
	defer c.mu.RUnlock()
	return ws.LastPersistedVersion(), nil
}

// IsEmpty reports whether no delta has been applied
func (c *Container) IsEmpty(ctx context.Context) (bool, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return false, err
	}
	defer c.mu.RUnlock()
	return ws.Snapshot() == nil, nil
}

// HasParticipant reports whether p is a participant
func (c *Container) HasParticipant(ctx context.Context, p model.ParticipantID) (bool, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return false, err
	}
	defer c.mu.RUnlock()
	snap := ws.Snapshot()
	return snap != nil && snap.HasParticipant(p), nil
}

// CheckAccess reports whether p may access the wavelet. Everyone may access
// an empty wavelet to write its first delta; otherwise p must be a
// participant or the wave's domain must be shared.
func (c *Container) CheckAccess(ctx context.Context, p model.ParticipantID) (bool, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return false, err
	}
	defer c.mu.RUnlock()

	snap := ws.Snapshot()
	if snap == nil {
		return true, nil
	}
	if p != "" && snap.HasParticipant(p) {
		return true, nil
	}
	return snap.HasParticipant(model.SharedDomainParticipant(c.name.Domain())), nil
}

// IsDeltaSigner reports whether signerID signed the delta ending at v
func (c *Container) IsDeltaSigner(ctx context.Context, v model.HashedVersion, signerID []byte) (bool, error) {
	ws, err := c.readState(ctx)
	if err != nil {
		return false, err
	}
	defer c.mu.RUnlock()

	r, err := ws.DeltaByEndVersion(ctx, v)
	if err != nil || r == nil || r.AppliedDelta == nil {
		return false, err
	}
	for _, sig := range r.AppliedDelta.Message.SignedOriginalDelta.Signatures {
		if string(sig.SignerID) == string(signerID) {
			return true, nil
		}
	}
	return false, nil
}

// Close waits for the load and for pending persistence, then closes the
// state
func (c *Container) Close() error {
	return c.shutdown(StateClosed)
}

// MarkDeleted closes the container so that later calls report the wavelet
// as not found
func (c *Container) MarkDeleted() error {
	return c.shutdown(StateDeleted)
}

func (c *Container) shutdown(to ContainerState) error {
	<-c.loaded

	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDeleted {
		c.mu.Unlock()
		return nil
	}
	c.state = to
	ws := c.ws
	c.mu.Unlock()

	var err error
	if ws != nil {
		err = ws.Close()
	}
	c.continuations.Wait()
	return err
}
