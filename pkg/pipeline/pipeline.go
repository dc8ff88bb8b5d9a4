// Package pipeline chains three workerpool stages — preprocess,
// forward, postprocess — into a single inference pipeline, wiring
// each stage's handler output into the next stage's queue. It is
// grounded on original_source/otl_pipeline.h's InferencePipe.
package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/otlvideo/otl/pkg/meter"
	"github.com/otlvideo/otl/pkg/queue"
	"github.com/otlvideo/otl/pkg/workerpool"
)

// defaultWait bounds how long a stage worker waits for min items
// before draining whatever is available, matching the source's
// short-poll worker loop.
const defaultWait = 20 * time.Millisecond

// Param configures queue sizes, thread counts, and batching for a
// pipeline, mirroring original_source/otl_pipeline.h's DetectorParam.
type Param struct {
	PreprocessQueueSize   int
	PreprocessThreadNum   int
	InferenceQueueSize    int
	InferenceThreadNum    int
	PostprocessQueueSize  int
	PostprocessThreadNum  int
	BatchNum              int
}

// DefaultParam matches the source's DetectorParam field defaults.
func DefaultParam() Param {
	return Param{
		PreprocessQueueSize:  5,
		PreprocessThreadNum:  4,
		InferenceQueueSize:   5,
		InferenceThreadNum:   1,
		PostprocessQueueSize: 5,
		PostprocessThreadNum: 2,
		BatchNum:             1,
	}
}

// Delegate is the set of caller-supplied stage functions, modeled as
// a record of function values per the observer-to-callback
// generalization used throughout this module rather than as an
// interface with optional methods.
type Delegate[T any] struct {
	// Initialize runs once before any stage starts.
	Initialize func() error
	// Preprocess transforms one input item; returning ok=false drops it.
	Preprocess func(item T) (out T, ok bool)
	// Forward runs inference over a full batch, returning one output
	// item per surviving input (order need not be preserved 1:1).
	Forward func(batch []T) []T
	// Postprocess transforms one forward-stage output.
	Postprocess func(item T) (out T, ok bool)
	// Detected receives every item that reaches the end of the pipeline.
	Detected func(item T)
}

// StageStatis is a snapshot of one stage's queue occupancy and
// throughput, matching the source's PipeStatus fields.
type StageStatis struct {
	Capacity int
	Current  int
	FPS      float64
}

// Pipeline runs three chained stages: preprocess, forward,
// postprocess.
type Pipeline[T any] struct {
	log zerolog.Logger

	preQueue  *queue.BulkQueue[T]
	fwdQueue  *queue.BulkQueue[T]
	postQueue *queue.BulkQueue[T]

	prePool  *workerpool.Pool[T]
	fwdPool  *workerpool.Pool[T]
	postPool *workerpool.Pool[T]

	preMeter  *meter.Meter
	fwdMeter  *meter.Meter
	postMeter *meter.Meter

	param    Param
	delegate Delegate[T]
}

// New builds and starts a three-stage pipeline. The forward stage
// uses min_batch = max_batch = param.BatchNum; preprocess and
// postprocess use min = 1, max = 8, per this module's fixed batching
// rule for the inference stage.
func New[T any](log zerolog.Logger, param Param, delegate Delegate[T]) (*Pipeline[T], error) {
	log = log.With().Str("pkg", "pipeline").Logger()

	if delegate.Initialize != nil {
		if err := delegate.Initialize(); err != nil {
			return nil, err
		}
	}

	p := &Pipeline[T]{
		log:       log,
		preQueue:  queue.New[T](log, "preprocess", param.PreprocessQueueSize),
		fwdQueue:  queue.New[T](log, "forward", param.InferenceQueueSize),
		postQueue: queue.New[T](log, "postprocess", param.PostprocessQueueSize),
		preMeter:  meter.New(0),
		fwdMeter:  meter.New(0),
		postMeter: meter.New(0),
		param:     param,
		delegate:  delegate,
	}

	p.prePool = workerpool.New(log, "preprocess", p.preQueue, 1, 8, defaultWait, p.runPreprocess, nil)
	p.fwdPool = workerpool.New(log, "forward", p.fwdQueue, param.BatchNum, param.BatchNum, defaultWait, p.runForward, nil)
	p.postPool = workerpool.New(log, "postprocess", p.postQueue, 1, 8, defaultWait, p.runPostprocess, nil)

	p.prePool.Start(param.PreprocessThreadNum)
	p.fwdPool.Start(param.InferenceThreadNum)
	p.postPool.Start(param.PostprocessThreadNum)

	return p, nil
}

func (p *Pipeline[T]) runPreprocess(batch []T) {
	for _, item := range batch {
		p.preMeter.Update(1)

		if p.delegate.Preprocess == nil {
			p.fwdQueue.Push(item)

			continue
		}

		out, ok := p.delegate.Preprocess(item)
		if ok {
			p.fwdQueue.Push(out)
		}
	}
}

func (p *Pipeline[T]) runForward(batch []T) {
	p.fwdMeter.Update(uint64(len(batch)))

	var out []T
	if p.delegate.Forward != nil {
		out = p.delegate.Forward(batch)
	} else {
		out = batch
	}

	p.postQueue.PushBulk(out)
}

func (p *Pipeline[T]) runPostprocess(batch []T) {
	for _, item := range batch {
		p.postMeter.Update(1)

		out := item

		ok := true
		if p.delegate.Postprocess != nil {
			out, ok = p.delegate.Postprocess(item)
		}

		if ok && p.delegate.Detected != nil {
			p.delegate.Detected(out)
		}
	}
}

// PushFrame enqueues one item at the head of the pipeline.
func (p *Pipeline[T]) PushFrame(item T) {
	p.preQueue.Push(item)
}

// Flush waits for emptiness stage by stage: preprocess, then forward,
// then postprocess, matching the source's drain ordering.
func (p *Pipeline[T]) Flush() {
	p.prePool.Flush()
	p.fwdPool.Flush()
	p.postPool.Flush()
}

// Statis returns a (capacity, current, fps) snapshot per stage.
func (p *Pipeline[T]) Statis() (pre, forward, post StageStatis) {
	pre = StageStatis{Capacity: p.param.PreprocessQueueSize, Current: p.preQueue.Size(), FPS: p.preMeter.Speed()}
	forward = StageStatis{Capacity: p.param.InferenceQueueSize, Current: p.fwdQueue.Size(), FPS: p.fwdMeter.Speed()}
	post = StageStatis{Capacity: p.param.PostprocessQueueSize, Current: p.postQueue.Size(), FPS: p.postMeter.Speed()}

	return pre, forward, post
}

// Stop tears down all three stage pools.
func (p *Pipeline[T]) Stop() {
	p.prePool.Stop()
	p.fwdPool.Stop()
	p.postPool.Stop()
}
