package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	var processed int32
	done := make(chan struct{}, 3)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&processed, 1)
		assert.NotEmpty(t, job.ID)
		done <- struct{}{}
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Job{Type: "noop"}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&processed))
}

func TestQueueRetriesFailures(t *testing.T) {
	var attempts int32
	done := make(chan struct{})
	q := NewQueue("retry", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, QueueConfig{MaxRetries: 3, RetryDelay: 10 * time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "flaky"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueueRejectsBeforeStart(t *testing.T) {
	q := NewQueue("idle", func(context.Context, Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{}))
	assert.Error(t, q.TryEnqueue(Job{}))
}

func TestTryEnqueueReportsFullBuffer(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue("full", func(ctx context.Context, job Job) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})
	q.Start(context.Background())
	defer q.Stop()
	defer close(block)

	require.NoError(t, q.Enqueue(Job{}))
	// the worker may or may not have taken the first job yet
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = q.TryEnqueue(Job{})
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSchedulerFiresImmediatelyAndOnTick(t *testing.T) {
	fired := make(chan string, 8)
	q := NewQueue("maintenance", func(ctx context.Context, job Job) error {
		fired <- job.Type
		return nil
	}, QueueConfig{})
	q.Start(context.Background())
	defer q.Stop()

	s := NewScheduler(q, "cleanup", 20*time.Millisecond, nil)
	s.Start(context.Background(), true)
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case jobType := <-fired:
			assert.Equal(t, "cleanup", jobType)
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not fire")
		}
	}
}
