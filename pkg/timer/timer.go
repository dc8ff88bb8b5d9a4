// Package timer implements a single-threaded, cooperative min-heap
// timer queue: O(log n) scheduling, O(1) lazy deletion via
// tombstoning, and condition-style wakeups tuned for low idle CPU.
//
// It is grounded on original_source/otl_timer.cpp's TimerQueueImpl,
// with an explicit three-way repeat convention (-1 unlimited, 0
// one-shot, k initial-plus-follow-ups), and reimplemented with a wake
// channel instead of a spin loop: the C++ source busy-waits with
// msleep(1) when the heap is empty or the head isn't due yet, which a
// close-and-replace wake channel avoids entirely.
package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otlvideo/otl/pkg/otltime"
)

// ErrNilCallback is returned by CreateTimer when callback is nil.
var ErrNilCallback = errors.New("timer: callback must not be nil")

// ErrNotFound is returned by DeleteTimer when id does not name a live timer.
var ErrNotFound = errors.New("timer: id not found")

// Unlimited requests indefinite repetition when passed as `repeat` to
// CreateTimer.
const Unlimited = -1

// entry is one scheduled callback. It is tombstoned rather than
// removed from the heap on deletion: deletion drops it from the id
// index immediately, but the heap slot is only reclaimed lazily when
// it reaches the top.
type entry struct {
	callback  func()
	nextDueMs int64
	intervalM int64
	repeat    int // -1 unlimited, 0 one-shot-remaining, k>0 fires left including this one
	id        uint64
	seq       uint64 // insertion order, breaks ties at equal nextDueMs
	valid     bool
}

// minHeap orders entries by (nextDueMs, seq) ascending, giving a
// stable tie-break by creation order for timers due at the same
// millisecond.
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].nextDueMs != h[j].nextDueMs {
		return h[i].nextDueMs < h[j].nextDueMs
	}

	return h[i].seq < h[j].seq
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(*entry)) //nolint:forcetypeassert // internal use only.
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return item
}

// Queue is a single-loop timer service. The zero value is not usable;
// construct with New.
type Queue struct {
	log zerolog.Logger

	mu      sync.Mutex
	heap    minHeap
	byID    map[uint64]*entry
	nextID  uint64
	nextSeq uint64

	wake chan struct{} // replaced every time state changes, closed to broadcast
	stop chan struct{}
	done chan struct{}
}

// New returns a ready-to-run Queue. Call RunLoop from the goroutine
// that should drive callback firing; call Stop from any other
// goroutine to end it.
func New(log zerolog.Logger) *Queue {
	return &Queue{
		log:  log.With().Str("pkg", "timer").Logger(),
		byID: make(map[uint64]*entry),
		wake: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// broadcastLocked wakes RunLoop. Caller must hold q.mu.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// CreateTimer schedules callback to first fire at now+initialSkew,
// then every delay thereafter. Unlimited (-1) never stops on its own,
// 0 fires only the initial event, k>0 fires the initial event plus
// k-1 more.
func (q *Queue) CreateTimer(delay, initialSkew time.Duration, callback func(), repeat int) (uint64, error) {
	if callback == nil {
		return 0, ErrNilCallback
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := q.nextID
	q.nextSeq++

	e := &entry{
		callback:  callback,
		nextDueMs: otltime.NowMsec() + initialSkew.Milliseconds(),
		intervalM: delay.Milliseconds(),
		repeat:    repeat,
		id:        id,
		seq:       q.nextSeq,
		valid:     true,
	}

	q.byID[id] = e
	heap.Push(&q.heap, e)
	q.broadcastLocked()

	return id, nil
}

// DeleteTimer tombstones the entry for id, if it is still live. It
// returns ErrNotFound if id is unknown or already deleted.
func (q *Queue) DeleteTimer(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}

	e.valid = false
	delete(q.byID, id)
	q.broadcastLocked()

	return nil
}

// Count returns the number of live (non-tombstoned) timers.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.byID)
}

// popTombstonesLocked discards invalidated entries sitting at the top
// of the heap. Caller must hold q.mu.
func (q *Queue) popTombstonesLocked() {
	for len(q.heap) > 0 && !q.heap[0].valid {
		heap.Pop(&q.heap)
	}
}

// RunLoop blocks the calling goroutine, firing due callbacks until
// Stop is called. Exactly one goroutine should call RunLoop.
func (q *Queue) RunLoop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		q.popTombstonesLocked()

		if len(q.heap) == 0 {
			wake := q.wake
			q.mu.Unlock()

			select {
			case <-wake:
				continue
			case <-q.stop:
				return
			}
		}

		head := q.heap[0]
		now := otltime.NowMsec()

		if now < head.nextDueMs {
			wake := q.wake
			wait := time.Duration(head.nextDueMs-now) * time.Millisecond
			q.mu.Unlock()

			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-wake:
				timer.Stop()
			case <-q.stop:
				timer.Stop()

				return
			}

			continue
		}

		heap.Pop(&q.heap)

		fire := head.valid
		if fire {
			q.advanceLocked(head)
		}

		q.mu.Unlock()

		if fire {
			q.invoke(head)
		}
	}
}

// advanceLocked updates repeat/nextDueMs and re-pushes head if it
// should fire again. Caller must hold q.mu.
func (q *Queue) advanceLocked(e *entry) {
	switch e.repeat {
	case Unlimited:
		e.nextDueMs += e.intervalM
		heap.Push(&q.heap, e)
	case 0:
		delete(q.byID, e.id)
	default:
		e.repeat--
		if e.repeat == 0 {
			// This was the last scheduled follow-up: fire it like a
			// one-shot rather than rescheduling once more.
			delete(q.byID, e.id)
		} else {
			e.nextDueMs += e.intervalM
			heap.Push(&q.heap, e)
		}
	}
}

// invoke runs a callback outside the mutex, so long callbacks never
// starve CreateTimer/DeleteTimer callers. Panics are caught, logged,
// and dropped rather than propagated to the run loop.
func (q *Queue) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Uint64("timerID", e.id).
				Msg("timer callback panicked, dropping")
		}
	}()

	e.callback()
}

// Stop idempotently ends RunLoop; it is safe to call multiple times.
// The first call blocks until RunLoop has run and returned, so it does
// not return if RunLoop is never started.
func (q *Queue) Stop() {
	q.mu.Lock()
	select {
	case <-q.stop:
		q.mu.Unlock()

		return
	default:
		close(q.stop)
	}
	q.mu.Unlock()

	<-q.done
}
