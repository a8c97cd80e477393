package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/service"
	"github.com/devrev/waveletd/internal/wire"
	"github.com/devrev/waveletd/pkg/api"
)

// DefaultMaxHistoryDeltas caps the deltas returned by one History call
const DefaultMaxHistoryDeltas = 1000

// WaveletHandler implements the gRPC wavelet service
type WaveletHandler struct {
	waveService      *service.WaveService
	maxHistoryDeltas int
	logger           *zap.Logger
}

// NewWaveletHandler creates a new wavelet handler
func NewWaveletHandler(waveSvc *service.WaveService, maxHistoryDeltas int, logger *zap.Logger) *WaveletHandler {
	if maxHistoryDeltas <= 0 {
		maxHistoryDeltas = DefaultMaxHistoryDeltas
	}
	return &WaveletHandler{
		waveService:      waveSvc,
		maxHistoryDeltas: maxHistoryDeltas,
		logger:           logger,
	}
}

// Submit handles delta submissions
func (h *WaveletHandler) Submit(ctx context.Context, req *api.SubmitRequest) (*api.SubmitResponse, error) {
	resp, err := h.waveService.SubmitRequest(ctx, req.WaveletName(), req.SignedDelta())
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}

	return &api.SubmitResponse{
		OperationsApplied:    resp.OperationsApplied,
		ResultingVersion:     api.FromHashedVersion(resp.ResultingVersion),
		ApplicationTimestamp: resp.ApplicationTimestamp,
		Outcome:              resp.Outcome,
	}, nil
}

// History handles history requests. At most the limit of deltas is
// returned; the caller continues from the last resulting version.
func (h *WaveletHandler) History(ctx context.Context, req *api.HistoryRequest) (*api.HistoryResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > h.maxHistoryDeltas {
		limit = h.maxHistoryDeltas
	}

	resp := &api.HistoryResponse{Deltas: [][]byte{}}
	var reached uint64
	err := h.waveService.RequestHistory(ctx, req.WaveletName(), req.Start.Model(), req.End.Model(),
		func(d *model.AppliedDelta) bool {
			resp.Deltas = append(resp.Deltas, d.Bytes)
			reached = d.Message.AppliedAtVersion.Version + uint64(d.Message.OperationsApplied)
			return len(resp.Deltas) < limit
		})
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}

	resp.Truncated = len(resp.Deltas) == limit && reached < req.End.Version
	return resp, nil
}

// Snapshot handles snapshot requests
func (h *WaveletHandler) Snapshot(ctx context.Context, req *api.SnapshotRequest) (*api.SnapshotResponse, error) {
	snap, err := h.waveService.GetSnapshot(ctx, req.WaveletName())
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}

	return &api.SnapshotResponse{
		Snapshot:         wire.EncodeSnapshot(snap.Snapshot),
		Version:          api.FromHashedVersion(snap.Snapshot.Version),
		CommittedVersion: api.FromHashedVersion(snap.CommittedVersion),
	}, nil
}

// Lookup handles wave lookups
func (h *WaveletHandler) Lookup(ctx context.Context, req *api.LookupRequest) (*api.LookupResponse, error) {
	ids, err := h.waveService.Lookup(ctx, req.WaveID)
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return &api.LookupResponse{WaveletIDs: ids}, nil
}

// Delete handles wavelet deletion
func (h *WaveletHandler) Delete(ctx context.Context, req *api.DeleteRequest) (*api.DeleteResponse, error) {
	if err := h.waveService.DeleteWavelet(ctx, req.WaveletName()); err != nil {
		return nil, errors.ToGRPCError(err)
	}

	h.logger.Info("Wavelet deleted via API",
		zap.String("wavelet", req.WaveletName().String()),
		zap.String("request_id", RequestID(ctx)))
	return &api.DeleteResponse{}, nil
}
