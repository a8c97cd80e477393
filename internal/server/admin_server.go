package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/health"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/service"
)

// AdminServer serves metrics, health probes and read-only wavelet
// inspection over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	waves      *service.WaveService
	health     *health.HealthChecker
	logger     *zap.Logger
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// VersionResponse reports the versions of a resident wavelet
type VersionResponse struct {
	WaveID           string `json:"wave_id"`
	WaveletID        string `json:"wavelet_id"`
	Version          uint64 `json:"version"`
	HistoryHash      string `json:"history_hash"`
	CommittedVersion uint64 `json:"committed_version"`
}

// NewAdminServer creates a new admin server. Metrics are served from
// gatherer.
func NewAdminServer(cfg *AdminServerConfig, waves *service.WaveService, checker *health.HealthChecker, gatherer prometheus.Gatherer, logger *zap.Logger) *AdminServer {
	readTimeout, writeTimeout := cfg.ReadTimeout, cfg.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	s := &AdminServer{
		router: mux.NewRouter(),
		waves:  waves,
		health: checker,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.setupRoutes(gatherer)
	return s
}

func (s *AdminServer) setupRoutes(gatherer prometheus.Gatherer) {
	chain := Chain(Recovery(s.logger), RequestID, Logging(s.logger))
	s.router.Use(func(next http.Handler) http.Handler { return chain(next) })

	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/waves", s.listWaves).Methods(http.MethodGet)
	v1.HandleFunc("/waves/{wave_id}", s.lookupWave).Methods(http.MethodGet)
	v1.HandleFunc("/waves/{wave_id}/{wavelet_id}/version", s.waveletVersion).Methods(http.MethodGet)
	v1.HandleFunc("/waves/{wave_id}/{wavelet_id}/signers/{signer_id}", s.deltaSigner).
		Queries("version", "{version:[0-9]+}", "history_hash", "{history_hash}").
		Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "endpoint not found")
	})
}

// Handler returns the root handler, for tests
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start starts the admin server in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the admin server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) listWaves(w http.ResponseWriter, r *http.Request) {
	waves, err := s.waves.ListWaves(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if waves == nil {
		waves = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wave_ids": waves})
}

func (s *AdminServer) lookupWave(w http.ResponseWriter, r *http.Request) {
	waveID := mux.Vars(r)["wave_id"]
	ids, err := s.waves.Lookup(r.Context(), waveID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wave_id": waveID, "wavelet_ids": ids})
}

func (s *AdminServer) waveletVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := model.NewWaveletName(vars["wave_id"], vars["wavelet_id"])

	current, committed, err := s.waves.GetVersion(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{
		WaveID:           name.WaveID,
		WaveletID:        name.WaveletID,
		Version:          current.Version,
		HistoryHash:      fmt.Sprintf("%x", current.HistoryHash),
		CommittedVersion: committed.Version,
	})
}

// deltaSigner reports whether the hex encoded signer signed the delta
// ending at the version given by the query
func (s *AdminServer) deltaSigner(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := model.NewWaveletName(vars["wave_id"], vars["wavelet_id"])

	signerID, err := hex.DecodeString(vars["signer_id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.ErrCodeInvalidArgument.String(), "signer_id must be hex encoded")
		return
	}
	hash, err := hex.DecodeString(vars["history_hash"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.ErrCodeInvalidArgument.String(), "history_hash must be hex encoded")
		return
	}
	v, err := strconv.ParseUint(vars["version"], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.ErrCodeInvalidArgument.String(), "version must be a number")
		return
	}

	signed, err := s.waves.IsDeltaSigner(r.Context(), name, model.HashedVersion{Version: v, HistoryHash: hash}, signerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signer_id": vars["signer_id"], "version": v, "signed": signed})
}

func (s *AdminServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get(RequestIDHeader)),
			zap.Error(err))
	}
	writeError(w, r, status, errors.GetCode(err).String(), err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: r.Header.Get(RequestIDHeader),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
