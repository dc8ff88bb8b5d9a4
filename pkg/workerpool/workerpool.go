// Package workerpool runs N goroutines pulling batches from a
// queue.BulkQueue and invoking a caller-supplied handler on each
// batch. It is grounded on original_source/otl_pipeline.h's
// InferencePipe stage workers, which pair one BulkQueue with a fixed
// thread count and a handler closure per stage.
package workerpool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otlvideo/otl/pkg/queue"
)

// Handler processes one batch dequeued from the pool's queue.
type Handler[T any] func(batch []T)

// Pool owns a fixed number of worker goroutines draining a shared
// queue.BulkQueue.
type Pool[T any] struct {
	log zerolog.Logger

	q       *queue.BulkQueue[T]
	minN    int
	maxN    int
	wait    time.Duration
	handler Handler[T]
	initFn  func()

	wg      sync.WaitGroup
	started bool
}

// New builds a pool of n workers pulling batches of [minBatch,
// maxBatch] items from q, waiting up to wait per attempt, and passing
// each nonempty batch to handler. initFn, if non-nil, runs once per
// worker before its poll loop starts.
func New[T any](log zerolog.Logger, name string, q *queue.BulkQueue[T], minBatch, maxBatch int, wait time.Duration, handler Handler[T], initFn func()) *Pool[T] {
	return &Pool[T]{
		log:     log.With().Str("pkg", "workerpool").Str("pool", name).Logger(),
		q:       q,
		minN:    minBatch,
		maxN:    maxBatch,
		wait:    wait,
		handler: handler,
		initFn:  initFn,
	}
}

// Start launches the pool's n workers. It is safe to call only once.
func (p *Pool[T]) Start(n int) {
	if p.started {
		return
	}

	p.started = true

	for i := 0; i < n; i++ {
		p.wg.Add(1)

		go p.run(i)
	}
}

func (p *Pool[T]) run(workerIdx int) {
	defer p.wg.Done()

	if p.initFn != nil {
		p.initFn()
	}

	for {
		batch, ok, timedOut := p.q.PopFront(p.minN, p.maxN, p.wait)
		if !ok {
			if timedOut && p.q.Stopped() {
				return
			}

			continue
		}

		p.invoke(workerIdx, batch)
		p.q.Done()
	}
}

// invoke calls the handler with panic recovery: a panicking handler
// logs and drops the batch rather than killing the worker.
func (p *Pool[T]) invoke(workerIdx int, batch []T) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("worker", workerIdx).Int("batchSize", len(batch)).
				Msg("worker handler panicked, dropping batch")
		}
	}()

	p.handler(batch)
}

// Flush blocks until the owning queue has drained to empty and every
// popped batch has finished running through the handler, polling at a
// fine grain. It does not stop the pool; workers keep running
// afterward.
func (p *Pool[T]) Flush() {
	for !p.q.Idle() {
		time.Sleep(time.Millisecond)
	}
}

// Stop signals the underlying queue to stop, which unblocks all
// workers' PopFront calls, then joins them.
func (p *Pool[T]) Stop() {
	p.q.Stop()
	p.wg.Wait()
}
