package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/signing"
	"github.com/devrev/waveletd/internal/storage/memstore"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
)

const (
	alice model.ParticipantID = "alice@example.com"
	bob   model.ParticipantID = "bob@example.com"
)

var (
	root  = model.NewWaveletName("example.com!w+1", "example.com!conv+root")
	reply = model.NewWaveletName("example.com!w+1", "example.com!conv+reply")
)

type fullDisk struct{}

func (fullDisk) CheckBeforeWrite(uint64) error {
	return errors.DiskFull(99.5, 10)
}

func newTestService(t *testing.T, cfg *Config, deps Dependencies) *WaveService {
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.PersistWorkers, cfg.LoadWorkers = 2, 2
		cfg.StopTimeout = 5 * time.Second
	}
	if deps.Store == nil {
		deps.Store = memstore.NewStore()
	}
	deps.Logger = zap.NewNop()
	deps.Metrics = metrics.NewNop()

	s, err := NewWaveService(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func delta(author model.ParticipantID, target model.HashedVersion, ops ...model.WaveletOperation) *model.SignedDelta {
	return &model.SignedDelta{
		Delta: wire.EncodeDelta(&model.WaveletDelta{Author: author, TargetVersion: target, Ops: ops}),
	}
}

func add(p model.ParticipantID) model.WaveletOperation {
	return model.WaveletOperation{Type: model.OpAddParticipant, Participant: p}
}

func insert(pos int, text string) model.WaveletOperation {
	return model.WaveletOperation{Type: model.OpBlipInsert, BlipID: "b+1", Position: pos, Text: text}
}

func versionZero(name model.WaveletName) model.HashedVersion {
	return version.NewFactory().VersionZero(name)
}

func TestWaveService_SubmitAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil, Dependencies{})

	resp, err := s.SubmitRequest(ctx, root, delta(alice, versionZero(root), add(alice), insert(0, "hi")))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.OperationsApplied)
	assert.Equal(t, uint64(2), resp.ResultingVersion.Version)
	assert.NotZero(t, resp.ApplicationTimestamp)

	resp2, err := s.SubmitRequest(ctx, root, delta(alice, resp.ResultingVersion, insert(2, "!")))
	require.NoError(t, err)

	snap, err := s.GetSnapshot(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "hi!", snap.Snapshot.Blips["b+1"].Content)
	assert.True(t, snap.CommittedVersion.Equal(resp2.ResultingVersion))

	var history []*model.AppliedDelta
	err = s.RequestHistory(ctx, root, versionZero(root), resp2.ResultingVersion, func(d *model.AppliedDelta) bool {
		history = append(history, d)
		return true
	})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	err = s.RequestHistory(ctx, root, resp2.ResultingVersion, versionZero(root), func(*model.AppliedDelta) bool { return true })
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	current, committed, err := s.GetVersion(ctx, root)
	require.NoError(t, err)
	assert.True(t, current.Equal(resp2.ResultingVersion))
	assert.True(t, committed.Equal(current))

	_, err = s.SubmitRequest(ctx, reply, delta(alice, versionZero(reply), add(alice)))
	require.NoError(t, err)

	ids, err := s.Lookup(ctx, root.WaveID)
	require.NoError(t, err)
	assert.Equal(t, []string{reply.WaveletID, root.WaveletID}, ids)

	waves, err := s.ListWaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{root.WaveID}, waves)
}

func TestWaveService_RejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil, Dependencies{})

	_, err := s.SubmitRequest(ctx, model.NewWaveletName("w+1", "conv+root"), delta(alice, model.HashedVersion{}, add(alice)))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = s.SubmitRequest(ctx, root, delta("alice", versionZero(root), add(alice)))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = s.GetSnapshot(ctx, root)
	assert.Equal(t, errors.ErrCodeWaveletNotFound, errors.GetCode(err))

	_, err = s.Lookup(ctx, "no-domain")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestWaveService_EnforcesAccess(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil, Dependencies{})

	resp, err := s.SubmitRequest(ctx, root, delta(alice, versionZero(root), add(alice)))
	require.NoError(t, err)

	_, err = s.SubmitRequest(ctx, root, delta(bob, resp.ResultingVersion, insert(0, "x")))
	assert.Equal(t, errors.ErrCodeAccessDenied, errors.GetCode(err))

	resp, err = s.SubmitRequest(ctx, root, delta(alice, resp.ResultingVersion, add(bob)))
	require.NoError(t, err)
	_, err = s.SubmitRequest(ctx, root, delta(bob, resp.ResultingVersion, insert(0, "x")))
	assert.NoError(t, err)
}

func TestWaveService_VerifiesSignatures(t *testing.T) {
	ctx := context.Background()
	signer, err := signing.NewEd25519Signer(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	ring := signing.NewKeyRing()
	ring.Trust("example.com", signer.PublicKey())

	cfg := DefaultConfig()
	cfg.RequireSignatures = true
	cfg.StopTimeout = 5 * time.Second
	s := newTestService(t, cfg, Dependencies{Verifier: ring})

	unsigned := delta(alice, versionZero(root), add(alice))
	_, err = s.SubmitRequest(ctx, root, unsigned)
	assert.Equal(t, errors.ErrCodeSignatureInvalid, errors.GetCode(err))

	// A signature over different bytes does not verify
	other := delta(alice, versionZero(root), add(bob))
	sigs, err := signer.Sign(other.Delta)
	require.NoError(t, err)
	_, err = s.SubmitRequest(ctx, root, &model.SignedDelta{Delta: unsigned.Delta, Signatures: sigs})
	assert.Equal(t, errors.ErrCodeSignatureInvalid, errors.GetCode(err))

	sigs, err = signer.Sign(unsigned.Delta)
	require.NoError(t, err)
	resp, err := s.SubmitRequest(ctx, root, &model.SignedDelta{Delta: unsigned.Delta, Signatures: sigs})
	require.NoError(t, err)

	var stored []*model.AppliedDelta
	require.NoError(t, s.RequestHistory(ctx, root, versionZero(root), resp.ResultingVersion, func(d *model.AppliedDelta) bool {
		stored = append(stored, d)
		return true
	}))
	require.Len(t, stored, 1)
	original := stored[0].Message.SignedOriginalDelta
	assert.Equal(t, unsigned.Delta, original.Delta)
	assert.NoError(t, ring.Verify(original.Delta, original.Signatures[0], "example.com"))
}

func TestWaveService_RejectsWhenDiskFull(t *testing.T) {
	s := newTestService(t, nil, Dependencies{Space: fullDisk{}})
	_, err := s.SubmitRequest(context.Background(), root, delta(alice, versionZero(root), add(alice)))
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(err))
}

func TestWaveService_EvictsIdleWavelets(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.IdleTTL = 50 * time.Millisecond
	cfg.StopTimeout = 5 * time.Second
	s := newTestService(t, cfg, Dependencies{})

	resp, err := s.SubmitRequest(ctx, root, delta(alice, versionZero(root), add(alice), insert(0, "kept")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ResidentCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	snap, err := s.GetSnapshot(ctx, root)
	require.NoError(t, err)
	assert.True(t, snap.Snapshot.Version.Equal(resp.ResultingVersion))
	assert.Equal(t, "kept", snap.Snapshot.Blips["b+1"].Content)

	_, err = s.SubmitRequest(ctx, root, delta(alice, resp.ResultingVersion, insert(4, "!")))
	assert.NoError(t, err)
}

func TestWaveService_CapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxResident = 1
	cfg.StopTimeout = 5 * time.Second
	s := newTestService(t, cfg, Dependencies{})

	_, err := s.SubmitRequest(ctx, root, delta(alice, versionZero(root), add(alice)))
	require.NoError(t, err)
	_, err = s.SubmitRequest(ctx, reply, delta(alice, versionZero(reply), add(alice)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ResidentCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	current, _, err := s.GetVersion(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), current.Version)
}

func TestWaveService_DeleteWavelet(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil, Dependencies{})

	err := s.DeleteWavelet(ctx, root)
	assert.Equal(t, errors.ErrCodeWaveletNotFound, errors.GetCode(err))

	_, err = s.SubmitRequest(ctx, root, delta(alice, versionZero(root), add(alice)))
	require.NoError(t, err)
	require.NoError(t, s.DeleteWavelet(ctx, root))

	require.Eventually(t, func() bool {
		_, err := s.GetSnapshot(ctx, root)
		return errors.GetCode(err) == errors.ErrCodeWaveletNotFound
	}, 5*time.Second, 10*time.Millisecond)

	ids, err := s.Lookup(ctx, root.WaveID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// A deleted wavelet starts over from version zero
	resp, err := s.SubmitRequest(ctx, root, delta(bob, versionZero(root), add(bob)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.ResultingVersion.Version)
}

func TestWaveService_Close(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil, Dependencies{})

	_, err := s.SubmitRequest(ctx, root, delta(alice, versionZero(root), add(alice)))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.ResidentCount())

	_, err = s.SubmitRequest(ctx, reply, delta(alice, versionZero(reply), add(alice)))
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
}
