package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/metrics"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "x-request-id"

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id assigned to the request, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RateLimiter rejects requests above a steady rate
type RateLimiter struct {
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with bursts
// of burstSize. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burstSize int, m *metrics.Metrics, logger *zap.Logger) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, burstSize),
		metrics: m,
		logger:  logger,
	}
}

// UnaryInterceptor applies rate limiting to unary calls
func (rl *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.limiter.Allow() {
			rl.metrics.RateLimitedTotal.Inc()
			rl.logger.Warn("Rate limit exceeded",
				zap.String("method", info.FullMethod),
				zap.String("request_id", RequestID(ctx)))
			return nil, errors.ToGRPCError(errors.NewWaveletError(
				errors.ErrCodeResourceExhausted, "request rate limit exceeded", nil))
		}
		return handler(ctx, req)
	}
}

// RequestIDInterceptor assigns every call a request id, taken from the
// incoming metadata when the client sent one
func RequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(RequestIDHeader); len(ids) > 0 {
				requestID = ids[0]
			}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))
		return handler(context.WithValue(ctx, requestIDKey, requestID), req)
	}
}

// ObservabilityInterceptor records metrics and logs every call. Panics are
// turned into internal errors.
func ObservabilityInterceptor(m *metrics.Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.String("method", info.FullMethod),
					zap.String("request_id", RequestID(ctx)))
				resp, err = nil, errors.ToGRPCError(errors.InternalError("internal server error", nil))
			}

			duration := time.Since(start)
			code := status.Code(err)
			m.RequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
			m.RequestDuration.WithLabelValues(info.FullMethod).Observe(duration.Seconds())

			fields := []zap.Field{
				zap.String("method", info.FullMethod),
				zap.String("code", code.String()),
				zap.Duration("duration", duration),
				zap.String("request_id", RequestID(ctx)),
			}
			if err != nil {
				logger.Info("RPC failed", append(fields, zap.Error(err))...)
				return
			}
			logger.Debug("RPC completed", fields...)
		}()

		return handler(ctx, req)
	}
}
