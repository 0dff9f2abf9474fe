package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"screen-inspector/src/analysis"
	"screen-inspector/src/capture"
	"screen-inspector/src/eventloop"
	"screen-inspector/src/logutil"
)

// AnalyzeFunc does the work for one capture. ctx carries the worker's owner
// key (eventloop.OwnerFrom).
type AnalyzeFunc func(ctx context.Context, image []byte) (analysis.Result, error)

// ResultCallback is invoked on completion, from a worker goroutine.
// The caller should pass a closure that posts back into its own loop.
type ResultCallback func(req capture.Request, res analysis.Result, err error)

// Pool is a fixed-size worker pool with a 1-slot input queue (strict back-pressure).
type Pool struct {
	jobs    chan job
	wg      sync.WaitGroup
	analyze AnalyzeFunc
	logger  *slog.Logger
	size    int
	busy    atomic.Int32
	closeMu sync.Once
}

type job struct {
	ctx context.Context
	req capture.Request
	cb  ResultCallback
}

// New creates a worker pool. Size defaults to NumCPU when size<=0.
func New(size int, analyze AnalyzeFunc, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = logutil.NewNop()
	}
	p := &Pool{
		jobs:    make(chan job, 1),
		analyze: analyze,
		logger:  logger.With("component", "worker"),
		size:    size,
	}
	p.start(size)
	return p
}

func (p *Pool) start(n int) {
	for i := 1; i <= n; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.run(owner, j)
			}
		}()
	}
}

func (p *Pool) run(owner string, j job) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	log := p.logger.With("worker", owner, "request_id", j.req.ID)
	log.Debug("analysis started", "bytes", len(j.req.Image.Data), "capture", j.req.Image.Metadata.CaptureType)

	res, err := p.analyze(eventloop.WithOwner(j.ctx, owner), j.req.Image.Data)
	if err != nil {
		log.Warn("analysis failed", "err", err)
	} else {
		log.Debug("analysis completed")
	}
	if j.cb != nil {
		j.cb(j.req, res, err)
	}
}

// Submit enqueues a job if the single-slot queue is free. Returns false if dropped.
func (p *Pool) Submit(ctx context.Context, req capture.Request, cb ResultCallback) bool {
	select {
	case p.jobs <- job{ctx: ctx, req: req, cb: cb}:
		return true
	default:
		return false
	}
}

// Busy is the number of jobs being analyzed right now.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

func (p *Pool) Size() int { return p.size }

// Close stops the pool after draining current work.
func (p *Pool) Close() {
	p.closeMu.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
