// Package queue implements a generic bounded blocking queue with
// batched dequeue and an overflow policy of dropping the oldest half
// rather than blocking the producer once a drop function is
// registered. It is grounded on original_source/otl_pipeline.h's
// queue usage inside InferencePipe and generalized from the
// AVPacketQueue rotate/overflow idiom seen in
// other_examples/q191201771-lal__avpacket_queue.go, using a condition
// variable (sync.Cond) the way
// other_examples/KouChongYang-rtmpServerStudy__que.go's que type
// pairs one with a mutex for its own bounded blocking queue, rather
// than the C++ original's raw mutex+cv pair.
package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// BulkQueue is a FIFO queue supporting bulk push and batched,
// timed-wait pop. The zero value is not usable; construct with New.
type BulkQueue[T any] struct {
	log zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	items []T
	limit int // <= 0 means unbounded
	dropFn func(T)

	warningThreshold int
	lastWarnMs       int64

	stopped  bool
	inFlight int // batches popped via PopFront but not yet marked Done
}

// New returns a BulkQueue with the given capacity limit (<=0 for
// unbounded). name is used only for log context.
func New[T any](log zerolog.Logger, name string, limit int) *BulkQueue[T] {
	q := &BulkQueue[T]{
		log:   log.With().Str("pkg", "queue").Str("queue", name).Logger(),
		limit: limit,
	}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// SetDropFn installs the callback invoked, in FIFO order, on elements
// dropped by overflow. Without a drop function, Push blocks instead
// of dropping.
func (q *BulkQueue[T]) SetDropFn(fn func(T)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropFn = fn
}

// SetWarningThreshold configures the size above which Push logs a
// warning, throttled to once per second.
func (q *BulkQueue[T]) SetWarningThreshold(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.warningThreshold = n
}

// Push enqueues one item, applying the overflow policy if the queue
// is at its limit.
func (q *BulkQueue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushLocked(item)
	q.cond.Broadcast()
}

// PushBulk enqueues items as a single critical section, applying the
// overflow policy after each item so a limit is never exceeded even
// mid-batch.
func (q *BulkQueue[T]) PushBulk(items []T) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range items {
		q.pushLocked(item)
	}

	q.cond.Broadcast()
}

// pushLocked assumes q.mu is held.
func (q *BulkQueue[T]) pushLocked(item T) {
	for !q.stopped && q.limit > 0 && len(q.items) >= q.limit {
		if q.dropFn == nil {
			// No drop policy: block the producer until PopFront drains
			// below the limit and broadcasts.
			q.cond.Wait()

			continue
		}

		q.dropOldestHalfLocked()

		break
	}

	q.items = append(q.items, item)
	q.maybeWarnLocked()
}

// dropOldestHalfLocked removes floor(limit/2) oldest elements, calling
// dropFn on each in FIFO order. Caller must hold q.mu.
func (q *BulkQueue[T]) dropOldestHalfLocked() {
	n := q.limit / 2
	if n <= 0 {
		n = 1
	}

	if n > len(q.items) {
		n = len(q.items)
	}

	dropped := slices.Clone(q.items[:n])
	q.items = slices.Delete(q.items, 0, n)

	for _, item := range dropped {
		if q.dropFn != nil {
			q.dropFn(item)
		}
	}

	q.log.Warn().Int("dropped", n).Msg("queue overflow, dropped oldest half")
}

// maybeWarnLocked logs at most once per second once the size exceeds
// warningThreshold. Caller must hold q.mu.
func (q *BulkQueue[T]) maybeWarnLocked() {
	if q.warningThreshold <= 0 || len(q.items) <= q.warningThreshold {
		return
	}

	now := time.Now().UnixMilli()
	if now-q.lastWarnMs < 1000 {
		return
	}

	q.lastWarnMs = now
	q.log.Warn().Int("size", len(q.items)).Int("threshold", q.warningThreshold).
		Msg("queue size exceeds warning threshold")
}

// PopFront waits up to wait for at least minN items to be available,
// then drains up to maxN of them into a freshly allocated slice. ok
// reports whether at least minN items were obtained; timedOut reports
// whether the wait bound elapsed (or the queue was stopped) before
// that condition was met.
func (q *BulkQueue[T]) PopFront(minN, maxN int, wait time.Duration) (batch []T, ok, timedOut bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(wait)

	for len(q.items) < minN && !q.stopped {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, true
		}

		q.waitTimeoutLocked(remaining)
	}

	if q.stopped && len(q.items) < minN {
		return nil, false, true
	}

	n := len(q.items)
	if n > maxN {
		n = maxN
	}

	batch = append(batch, q.items[:n]...)
	q.items = q.items[n:]
	q.inFlight++
	q.cond.Broadcast() // wake producers blocked on a full, drop-fn-less queue

	return batch, true, false
}

// Done marks one batch previously returned by a successful PopFront as
// fully handled. Callers must call Done exactly once per such batch;
// Idle (and thus a caller's flush loop) will otherwise never see the
// queue as drained even after the batch has been processed.
func (q *BulkQueue[T]) Done() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
}

// Idle reports whether the queue holds no items and no popped batch is
// still awaiting a Done call, atomically with respect to PopFront and
// Push so a caller polling it cannot observe a false-empty window
// between an item leaving the queue and its batch being marked done.
func (q *BulkQueue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) == 0 && q.inFlight == 0
}

// waitTimeoutLocked releases q.mu, waits up to d for a broadcast, and
// reacquires q.mu. sync.Cond has no native timed wait, so a private
// wake-channel is layered on top instead of spin-polling.
func (q *BulkQueue[T]) waitTimeoutLocked(d time.Duration) {
	woken := make(chan struct{})

	go func() {
		q.mu.Lock()
		q.cond.Wait()
		q.mu.Unlock()
		close(woken)
	}()

	q.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-woken:
	case <-timer.C:
		// The helper may not have reached Wait yet, so keep waking it
		// until it has returned.
		for {
			q.cond.Broadcast() // unstick the helper goroutine above
			select {
			case <-woken:
			case <-time.After(time.Millisecond):
				continue
			}

			break
		}
	}

	q.mu.Lock()
}

// Size returns the current element count.
func (q *BulkQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Stop wakes all waiters; subsequent PopFront calls return
// immediately with timedOut set.
func (q *BulkQueue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	q.cond.Broadcast()
}

// Stopped reports whether Stop has been called.
func (q *BulkQueue[T]) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.stopped
}
