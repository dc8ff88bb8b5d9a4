package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otlvideo/otl/pkg/queue"
	"github.com/otlvideo/otl/pkg/workerpool"
)

func TestPoolProcessesAllPushedItems(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	var (
		mu  sync.Mutex
		got []int
	)

	pool := workerpool.New(zerolog.Nop(), "test", q, 1, 4, 10*time.Millisecond, func(batch []int) {
		mu.Lock()
		got = append(got, batch...)
		mu.Unlock()
	}, nil)
	pool.Start(2)
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		q.Push(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 20
	}, time.Second, 5*time.Millisecond)
}

func TestInitFnRunsOncePerWorker(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	var inits int32

	pool := workerpool.New(zerolog.Nop(), "test", q, 1, 1, 5*time.Millisecond, func([]int) {}, func() {
		atomic.AddInt32(&inits, 1)
	})
	pool.Start(3)
	defer pool.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&inits))
}

func TestStopJoinsWorkersAfterQueueStop(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	pool := workerpool.New(zerolog.Nop(), "test", q, 1, 1, 50*time.Millisecond, func([]int) {}, nil)
	pool.Start(4)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after workers should have joined")
	}
}

func TestPanickingHandlerDropsBatchAndKeepsWorkerAlive(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	var processed int32

	pool := workerpool.New(zerolog.Nop(), "test", q, 1, 1, 5*time.Millisecond, func(batch []int) {
		if batch[0] == 1 {
			panic("boom")
		}

		atomic.AddInt32(&processed, 1)
	}, nil)
	pool.Start(1)
	defer pool.Stop()

	q.Push(1)
	q.Push(2)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&processed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushWaitsForQueueToDrain(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	var processed int32

	pool := workerpool.New(zerolog.Nop(), "test", q, 1, 1, 5*time.Millisecond, func(batch []int) {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&processed, int32(len(batch)))
	}, nil)
	pool.Start(1)
	defer pool.Stop()

	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	pool.Flush()
	assert.Equal(t, 0, q.Size())
	assert.EqualValues(t, 5, atomic.LoadInt32(&processed),
		"Flush must wait for the last popped batch's handler to finish, not just for the queue to empty")
}
