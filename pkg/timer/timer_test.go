package timer_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otlvideo/otl/pkg/timer"
)

func newQueue(t *testing.T) *timer.Queue {
	t.Helper()

	q := timer.New(zerolog.Nop())
	go q.RunLoop()
	t.Cleanup(q.Stop)

	return q
}

func TestOneShotFiresOnce(t *testing.T) {
	q := newQueue(t)

	var fires int32

	done := make(chan struct{})

	_, err := q.CreateTimer(10*time.Millisecond, 0, func() {
		if atomic.AddInt32(&fires, 1) == 1 {
			close(done)
		}
	}, 0)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fires))
	assert.Equal(t, 0, q.Count())
}

func TestUnlimitedRepeatsUntilDeleted(t *testing.T) {
	q := newQueue(t)

	var fires int32

	id, err := q.CreateTimer(5*time.Millisecond, 0, func() {
		atomic.AddInt32(&fires, 1)
	}, timer.Unlimited)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, q.DeleteTimer(id))
	countAfterDelete := atomic.LoadInt32(&fires)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAfterDelete, atomic.LoadInt32(&fires), "no more fires after delete")
	assert.Greater(t, countAfterDelete, int32(3))
}

func TestRepeatKFiresInitialPlusKMinusOneFollowups(t *testing.T) {
	q := newQueue(t)

	var fires int32

	done := make(chan struct{})

	_, err := q.CreateTimer(5*time.Millisecond, 0, func() {
		if atomic.AddInt32(&fires, 1) == 3 {
			close(done)
		}
	}, 3)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected 3 fires, got %d", atomic.LoadInt32(&fires))
	}

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&fires))
	assert.Equal(t, 0, q.Count())
}

func TestDeleteTimerUnknownID(t *testing.T) {
	q := newQueue(t)

	err := q.DeleteTimer(999)
	assert.ErrorIs(t, err, timer.ErrNotFound)
}

func TestCreateTimerNilCallback(t *testing.T) {
	q := newQueue(t)

	_, err := q.CreateTimer(time.Millisecond, 0, nil, 0)
	assert.ErrorIs(t, err, timer.ErrNilCallback)
}

func TestPanicInCallbackIsSwallowed(t *testing.T) {
	q := newQueue(t)

	done := make(chan struct{})

	_, err := q.CreateTimer(5*time.Millisecond, 0, func() {
		defer close(done)
		panic("boom")
	}, 0)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking timer never ran")
	}

	// Loop must still be alive to service further timers.
	var fired int32

	done2 := make(chan struct{})

	_, err = q.CreateTimer(5*time.Millisecond, 0, func() {
		atomic.StoreInt32(&fired, 1)
		close(done2)
	}, 0)
	require.NoError(t, err)

	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("queue died after panicking callback")
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

// TestFiftyTimersAtSkewOrdering checks that 50 timers scheduled at
// k*1ms skew apart all fire, in nondecreasing due-time order.
func TestFiftyTimersAtSkewOrdering(t *testing.T) {
	q := newQueue(t)

	const n = 50

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	wg.Add(n)

	for k := range n {
		k := k

		_, err := q.CreateTimer(0, time.Duration(k)*time.Millisecond, func() {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
			wg.Done()
		}, 0)
		require.NoError(t, err)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("not all timers fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)

	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i-1], order[i], "timers must fire in nondecreasing skew order")
	}
}

func TestStopIsIdempotentAndUnblocksRunLoop(t *testing.T) {
	q := timer.New(zerolog.Nop())

	done := make(chan struct{})
	go func() {
		q.RunLoop()
		close(done)
	}()

	_, err := q.CreateTimer(time.Hour, time.Hour, func() {}, timer.Unlimited)
	require.NoError(t, err)

	q.Stop()
	q.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunLoop did not exit after Stop")
	}
}
