package handler

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devrev/waveletd/internal/metrics"
	"github.com/devrev/waveletd/pkg/api"
)

// NewGRPCServer creates a gRPC server serving h behind the request id,
// observability and rate limiting interceptors
func NewGRPCServer(h *WaveletHandler, limiter *RateLimiter, m *metrics.Metrics, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RequestIDInterceptor(),
		ObservabilityInterceptor(m, logger),
		limiter.UnaryInterceptor(),
	))

	s := grpc.NewServer(opts...)
	api.RegisterWaveletServiceServer(s, h)
	return s
}
