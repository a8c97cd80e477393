package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/health"
	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/service"
	"github.com/devrev/waveletd/internal/storage/memstore"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
)

var root = model.NewWaveletName("example.com!w+1", "example.com!conv+root")

func newTestAdmin(t *testing.T) (*AdminServer, *service.WaveService) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)

	cfg := service.DefaultConfig()
	cfg.PersistWorkers, cfg.LoadWorkers = 2, 2
	cfg.StopTimeout = 5 * time.Second
	svc, err := service.NewWaveService(cfg, service.Dependencies{
		Store:   memstore.NewStore(),
		Metrics: m,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	checker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	checker.RunChecks()

	return NewAdminServer(&AdminServerConfig{}, svc, checker, reg, zap.NewNop()), svc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminServer_Waves(t *testing.T) {
	s, svc := newTestAdmin(t)
	ctx := context.Background()

	v0 := version.NewFactory().VersionZero(root)
	_, err := svc.SubmitRequest(ctx, root, &model.SignedDelta{Delta: wire.EncodeDelta(&model.WaveletDelta{
		Author:        "alice@example.com",
		TargetVersion: v0,
		Ops:           []model.WaveletOperation{{Type: model.OpAddParticipant, Participant: "alice@example.com"}},
	})})
	require.NoError(t, err)

	rec := get(t, s.Handler(), "/v1/waves")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"wave_ids":["example.com!w+1"]}`, rec.Body.String())

	rec = get(t, s.Handler(), "/v1/waves/example.com!w+1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"wave_id":"example.com!w+1","wavelet_ids":["example.com!conv+root"]}`, rec.Body.String())

	rec = get(t, s.Handler(), "/v1/waves/example.com!w+1/example.com!conv+root/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, uint64(1), v.Version)
	assert.Equal(t, uint64(1), v.CommittedVersion)
	assert.Len(t, v.HistoryHash, 2*version.HashSize)
}

func TestAdminServer_DeltaSigner(t *testing.T) {
	s, svc := newTestAdmin(t)

	v0 := version.NewFactory().VersionZero(root)
	resp, err := svc.SubmitRequest(context.Background(), root, &model.SignedDelta{
		Delta: wire.EncodeDelta(&model.WaveletDelta{
			Author:        "alice@example.com",
			TargetVersion: v0,
			Ops:           []model.WaveletOperation{{Type: model.OpAddParticipant, Participant: "alice@example.com"}},
		}),
		Signatures: []model.Signature{{SignerID: []byte{0xab, 0xcd}, Bytes: []byte("sig"), Algorithm: "ed25519"}},
	})
	require.NoError(t, err)

	base := "/v1/waves/example.com!w+1/example.com!conv+root/signers/"
	query := fmt.Sprintf("?version=%d&history_hash=%x", resp.ResultingVersion.Version, resp.ResultingVersion.HistoryHash)

	rec := get(t, s.Handler(), base+"abcd"+query)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"signer_id":"abcd","version":1,"signed":true}`, rec.Body.String())

	rec = get(t, s.Handler(), base+"0102"+query)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"signer_id":"0102","version":1,"signed":false}`, rec.Body.String())

	rec = get(t, s.Handler(), base+"xyz"+query)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminServer_Errors(t *testing.T) {
	s, _ := newTestAdmin(t)

	rec := get(t, s.Handler(), "/v1/waves/no-domain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_argument", body.ErrorCode)
	assert.NotEmpty(t, body.RequestID)

	rec = get(t, s.Handler(), "/nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminServer_ProbesAndMetrics(t *testing.T) {
	s, _ := newTestAdmin(t)

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "waveletd_"))
}

func TestMiddleware_Recovery(t *testing.T) {
	h := Chain(Recovery(zap.NewNop()), RequestID)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
}
