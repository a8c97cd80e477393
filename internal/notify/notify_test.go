package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devrev/waveletd/internal/model"
)

type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) WaveletUpdate(ctx context.Context, snapshot *model.Snapshot, records []*model.DeltaRecord, domains []string) {
	m.Called(ctx, snapshot, records, domains)
}

func (m *mockSubscriber) WaveletCommitted(ctx context.Context, name model.WaveletName, version model.HashedVersion, domains []string) {
	m.Called(ctx, name, version, domains)
}

var name = model.NewWaveletName("example.com!w+1", "example.com!conv+root")

func TestBus_FansOutInOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(zap.NewNop())
	snap := &model.Snapshot{Name: name}
	domains := []string{"example.com"}
	version := model.HashedVersion{Version: 3, HistoryHash: []byte{1}}

	var order []string
	first, second := &mockSubscriber{}, &mockSubscriber{}
	first.On("WaveletUpdate", ctx, snap, mock.Anything, domains).Run(func(mock.Arguments) { order = append(order, "first") })
	second.On("WaveletUpdate", ctx, snap, mock.Anything, domains).Run(func(mock.Arguments) { order = append(order, "second") })
	first.On("WaveletCommitted", ctx, name, version, domains).Return()
	second.On("WaveletCommitted", ctx, name, version, domains).Return()
	bus.Subscribe(first)
	bus.Subscribe(second)

	bus.WaveletUpdate(ctx, snap, nil, domains)
	bus.WaveletCommitted(ctx, name, version, domains)

	assert.Equal(t, []string{"first", "second"}, order)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestBus_RecoversPanickingSubscriber(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.ErrorLevel)
	bus := NewBus(zap.New(core))

	bad, good := &mockSubscriber{}, &mockSubscriber{}
	bad.On("WaveletCommitted", mock.Anything, name, mock.Anything, mock.Anything).Panic("boom")
	good.On("WaveletCommitted", mock.Anything, name, mock.Anything, mock.Anything).Return()
	bus.Subscribe(bad)
	bus.Subscribe(good)

	assert.NotPanics(t, func() { bus.WaveletCommitted(ctx, name, model.HashedVersion{Version: 1}, nil) })
	good.AssertNumberOfCalls(t, "WaveletCommitted", 1)
	assert.Equal(t, 1, logs.FilterMessage("Subscriber panicked").Len())
}

func TestLoggingSubscriber(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sub := NewLoggingSubscriber(zap.New(core))

	record := &model.DeltaRecord{
		AppliedAtVersion: model.HashedVersion{Version: 2},
		Transformed: &model.TransformedDelta{
			ResultingVersion: model.HashedVersion{Version: 4},
			Ops:              make([]model.WaveletOperation, 2),
		},
	}
	sub.WaveletUpdate(context.Background(), &model.Snapshot{Name: name}, []*model.DeltaRecord{record}, []string{"example.com"})
	sub.WaveletCommitted(context.Background(), name, model.HashedVersion{Version: 4}, nil)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "Wavelet updated", entries[0].Message)
		assert.Equal(t, uint64(4), entries[0].ContextMap()["version"])
		assert.Equal(t, "Wavelet committed", entries[1].Message)
	}
}
