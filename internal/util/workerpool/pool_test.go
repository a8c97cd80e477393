package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_StopDrainsQueue(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 16})

	release := make(chan struct{})
	var ran int32
	require.NoError(t, pool.Submit(Task{ID: "block", Fn: func(context.Context) error {
		<-release
		atomic.AddInt32(&ran, 1)
		return nil
	}}))
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}}))
	}

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(5 * time.Second) }()
	close(release)

	require.NoError(t, <-stopped)
	assert.Equal(t, int32(11), atomic.LoadInt32(&ran))
	assert.Equal(t, uint64(11), pool.Stats().CompletedTasks)
}

func TestWorkerPool_RejectsAfterStop(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2})
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(Task{Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, pool.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(2), pool.Stats().RejectedTasks)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1})

	require.NoError(t, pool.Submit(Task{ID: "panic", Fn: func(context.Context) error { panic("boom") }}))
	require.NoError(t, pool.Submit(Task{ID: "fail", Fn: func(context.Context) error { return errors.New("failed") }}))
	done := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "ok", Fn: func(context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats.FailedTasks)
	assert.Equal(t, uint64(1), stats.CompletedTasks)
}

func TestWorkerPool_TrySubmitFullQueue(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.True(t, pool.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))
	assert.False(t, pool.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.SubmitWithContext(ctx, Task{Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 100.0, pool.Stats().QueueUtilization())
	close(release)
}
