package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otlvideo/otl/pkg/queue"
)

func TestPushPopFrontBasic(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	q.Push(1)
	q.Push(2)
	q.Push(3)

	batch, ok, timedOut := q.PopFront(1, 10, time.Second)
	require.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, []int{1, 2, 3}, batch)
}

func TestPopFrontRespectsMaxN(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	q.PushBulk([]int{1, 2, 3, 4, 5})

	batch, ok, _ := q.PopFront(1, 2, time.Second)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, batch)
	assert.Equal(t, 3, q.Size())
}

func TestIdleFalseUntilPoppedBatchIsMarkedDone(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	assert.True(t, q.Idle(), "empty, untouched queue is idle")

	q.Push(1)
	assert.False(t, q.Idle(), "queue holding an item is not idle")

	batch, ok, _ := q.PopFront(1, 10, time.Second)
	require.True(t, ok)
	assert.Equal(t, []int{1}, batch)
	assert.False(t, q.Idle(), "popped batch not yet marked done is still in flight")

	q.Done()
	assert.True(t, q.Idle(), "idle again once the in-flight batch is marked done")
}

func TestPopFrontTimesOutWhenBelowMinN(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	q.Push(1)

	start := time.Now()
	batch, ok, timedOut := q.PopFront(5, 10, 30*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.True(t, timedOut)
	assert.Nil(t, batch)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestPopFrontUnblocksWhenMinNSatisfiedLate(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(1)
		q.Push(2)
	}()

	batch, ok, timedOut := q.PopFront(2, 10, time.Second)
	assert.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, []int{1, 2}, batch)
}

func TestStopUnblocksWaitersImmediately(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 0)

	done := make(chan struct{})
	go func() {
		_, ok, timedOut := q.PopFront(5, 10, time.Hour)
		assert.False(t, ok)
		assert.True(t, timedOut)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock PopFront")
	}

	_, ok, timedOut := q.PopFront(1, 1, time.Second)
	assert.False(t, ok)
	assert.True(t, timedOut)
}

func TestOverflowDropsOldestHalfInFIFOOrder(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 4)

	var (
		mu      sync.Mutex
		dropped []int
	)

	q.SetDropFn(func(item int) {
		mu.Lock()
		dropped = append(dropped, item)
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		q.Push(i)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, 3, q.Size())
}

func TestNoDropFnBlocksProducerUntilSpaceFrees(t *testing.T) {
	q := queue.New[int](zerolog.Nop(), "test", 2)

	q.Push(1)
	q.Push(2)

	pushed := make(chan struct{})
	go func() {
		q.Push(3)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push should have blocked at limit with no drop fn")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok, _ := q.PopFront(1, 1, time.Second)
	require.True(t, ok)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push never unblocked after PopFront drained a slot")
	}
}
