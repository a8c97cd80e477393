// Package notify delivers wavelet events to subscribers such as federation
// or search indexing.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/model"
)

// Subscriber receives wavelet events. Calls are made while the wavelet is
// locked for writing, so implementations must not block.
type Subscriber interface {
	// WaveletUpdate is called once a delta is applied, before it is durable
	WaveletUpdate(ctx context.Context, snapshot *model.Snapshot, records []*model.DeltaRecord, domains []string)

	// WaveletCommitted is called once history up to version is durable
	WaveletCommitted(ctx context.Context, name model.WaveletName, version model.HashedVersion, domains []string)
}

// Bus fans events out to its subscribers in registration order
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	logger      *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

func (b *Bus) snapshot() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers
}

// WaveletUpdate implements Subscriber
func (b *Bus) WaveletUpdate(ctx context.Context, snapshot *model.Snapshot, records []*model.DeltaRecord, domains []string) {
	for _, s := range b.snapshot() {
		b.deliver("update", snapshot.Name, func() { s.WaveletUpdate(ctx, snapshot, records, domains) })
	}
}

// WaveletCommitted implements Subscriber
func (b *Bus) WaveletCommitted(ctx context.Context, name model.WaveletName, version model.HashedVersion, domains []string) {
	for _, s := range b.snapshot() {
		b.deliver("commit", name, func() { s.WaveletCommitted(ctx, name, version, domains) })
	}
}

// deliver runs fn and logs a panic instead of letting it reach the writer
func (b *Bus) deliver(event string, name model.WaveletName, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				zap.String("event", event),
				zap.String("wavelet", name.String()),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// LoggingSubscriber logs every event at debug level
type LoggingSubscriber struct {
	logger *zap.Logger
}

// NewLoggingSubscriber creates a subscriber that logs to logger
func NewLoggingSubscriber(logger *zap.Logger) *LoggingSubscriber {
	return &LoggingSubscriber{logger: logger}
}

func (l *LoggingSubscriber) WaveletUpdate(ctx context.Context, snapshot *model.Snapshot, records []*model.DeltaRecord, domains []string) {
	for _, r := range records {
		l.logger.Debug("Wavelet updated",
			zap.String("wavelet", snapshot.Name.String()),
			zap.Uint64("applied_at", r.AppliedAtVersion.Version),
			zap.Uint64("version", r.ResultingVersion().Version),
			zap.Int("ops", r.Transformed.Size()),
			zap.Strings("domains", domains))
	}
}

func (l *LoggingSubscriber) WaveletCommitted(ctx context.Context, name model.WaveletName, version model.HashedVersion, domains []string) {
	l.logger.Debug("Wavelet committed",
		zap.String("wavelet", name.String()),
		zap.Uint64("version", version.Version),
		zap.Strings("domains", domains))
}
