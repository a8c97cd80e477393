package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/version"
	"github.com/devrev/waveletd/internal/wire"
	"github.com/devrev/waveletd/pkg/api"
)

// WaveletClient handles communication with a wavelet server
type WaveletClient struct {
	addr   string
	conn   *grpc.ClientConn
	client api.WaveletServiceClient
	hashes *version.Factory
	logger *zap.Logger
}

// NewWaveletClient creates a client for the server at addr
func NewWaveletClient(addr string, logger *zap.Logger, opts ...grpc.DialOption) (*WaveletClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wavelet server at %s: %w", addr, err)
	}

	return &WaveletClient{
		addr:   addr,
		conn:   conn,
		client: api.NewWaveletServiceClient(conn),
		hashes: version.NewFactory(),
		logger: logger,
	}, nil
}

// Close closes the connection
func (c *WaveletClient) Close() error {
	return c.conn.Close()
}

// Submit submits a signed delta to a wavelet
func (c *WaveletClient) Submit(ctx context.Context, name model.WaveletName, signed *model.SignedDelta) (*api.SubmitResponse, error) {
	return c.client.Submit(ctx, &api.SubmitRequest{
		WaveID:     name.WaveID,
		WaveletID:  name.WaveletID,
		Delta:      signed.Delta,
		Signatures: api.FromSignatures(signed.Signatures),
	})
}

// SubmitWithRetry retries submissions rejected as unavailable or rate
// limited. Resubmitting is safe since the server recognizes duplicates.
func (c *WaveletClient) SubmitWithRetry(ctx context.Context, name model.WaveletName, signed *model.SignedDelta, maxRetries int, retryInterval time.Duration) (*api.SubmitResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying submit",
				zap.String("wavelet", name.String()),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryInterval):
			}
		}

		resp, err := c.Submit(ctx, name, signed)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch status.Code(err) {
		case codes.Unavailable, codes.ResourceExhausted:
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("submit failed after %d retries: %w", maxRetries, lastErr)
}

// History fetches the applied deltas between two versions, following
// truncated pages until end is reached
func (c *WaveletClient) History(ctx context.Context, name model.WaveletName, start, end model.HashedVersion, pageSize int) ([]*model.AppliedDelta, error) {
	var out []*model.AppliedDelta
	from := start
	for {
		resp, err := c.client.History(ctx, &api.HistoryRequest{
			WaveID:    name.WaveID,
			WaveletID: name.WaveletID,
			Start:     api.FromHashedVersion(from),
			End:       api.FromHashedVersion(end),
			Limit:     pageSize,
		})
		if err != nil {
			return nil, err
		}

		for _, raw := range resp.Deltas {
			d, err := wire.DecodeAppliedDelta(raw)
			if err != nil {
				return nil, fmt.Errorf("malformed applied delta from server: %w", err)
			}
			out = append(out, d)
		}
		if !resp.Truncated || len(resp.Deltas) == 0 {
			return out, nil
		}

		last := out[len(out)-1]
		from = c.hashes.Create(last.Bytes, last.Message.AppliedAtVersion, last.Message.OperationsApplied)
	}
}

// Snapshot fetches the current snapshot of a wavelet
func (c *WaveletClient) Snapshot(ctx context.Context, name model.WaveletName) (*model.Snapshot, model.HashedVersion, error) {
	resp, err := c.client.Snapshot(ctx, &api.SnapshotRequest{WaveID: name.WaveID, WaveletID: name.WaveletID})
	if err != nil {
		return nil, model.HashedVersion{}, err
	}
	snap, err := wire.DecodeSnapshot(resp.Snapshot)
	if err != nil {
		return nil, model.HashedVersion{}, fmt.Errorf("malformed snapshot from server: %w", err)
	}
	return snap, resp.CommittedVersion.Model(), nil
}

// Lookup lists the wavelets of a wave
func (c *WaveletClient) Lookup(ctx context.Context, waveID string) ([]string, error) {
	resp, err := c.client.Lookup(ctx, &api.LookupRequest{WaveID: waveID})
	if err != nil {
		return nil, err
	}
	return resp.WaveletIDs, nil
}

// Delete deletes a wavelet
func (c *WaveletClient) Delete(ctx context.Context, name model.WaveletName) error {
	_, err := c.client.Delete(ctx, &api.DeleteRequest{WaveID: name.WaveID, WaveletID: name.WaveletID})
	return err
}
