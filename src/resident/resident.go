// Package resident is the single-goroutine coordinator of serve mode: it
// takes delegated capture requests, hands them to the worker pool and
// answers each client when its analysis finishes.
package resident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"screen-inspector/src/analysis"
	"screen-inspector/src/apierr"
	"screen-inspector/src/capture"
	"screen-inspector/src/inspect"
	"screen-inspector/src/logutil"
	"screen-inspector/src/singleinstance"
	"screen-inspector/src/worker"
)

// ErrBusy is sent to clients while a capture is in flight.
var ErrBusy = errors.New("Busy, please retry")

const DefaultDeadline = 60 * time.Second

type Options struct {
	Server   singleinstance.Server
	Pool     *worker.Pool
	Provider capture.Provider
	Reporter apierr.Reporter
	Logger   *slog.Logger
	Deadline time.Duration
}

// Loop must be driven by a single Run call.
type Loop struct {
	srv      singleinstance.Server
	pool     *worker.Pool
	provider capture.Provider
	reporter apierr.Reporter
	logger   *slog.Logger
	deadline time.Duration

	busy    bool
	results chan result
}

type result struct {
	req    capture.Request
	res    analysis.Result
	err    error
	target inspect.DelegatedTarget
	cancel context.CancelFunc
}

func New(opts Options) (*Loop, error) {
	if opts.Server == nil || opts.Pool == nil || opts.Provider == nil {
		return nil, errors.New("resident: Server, Pool and Provider are required")
	}
	if opts.Reporter == nil {
		opts.Reporter = apierr.NopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = logutil.NewNop()
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	return &Loop{
		srv:      opts.Server,
		pool:     opts.Pool,
		provider: opts.Provider,
		reporter: opts.Reporter,
		logger:   opts.Logger.With("component", "resident"),
		deadline: opts.Deadline,
		results:  make(chan result, 1),
	}, nil
}

// Run starts the server and processes client requests until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.srv.Start(ctx); err != nil {
		return err
	}
	l.logger.Info("resident listening", "port", l.srv.Port())
	defer l.srv.Close()

	// Accept loop in background to avoid blocking result handling
	reqCh := make(chan singleinstance.Conn, 4)
	go func() {
		defer close(reqCh)
		for {
			conn, err := l.srv.Next(ctx)
			if err != nil {
				return
			}
			select {
			case reqCh <- conn:
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case conn, ok := <-reqCh:
			if !ok {
				return nil
			}
			l.handleConn(ctx, conn)
		case res := <-l.results:
			l.handleResult(ctx, res)
		}
	}
}

func (l *Loop) handleConn(ctx context.Context, conn singleinstance.Conn) {
	target := inspect.DelegatedTarget{Conn: conn, Format: conn.Request().Format}
	if l.busy {
		l.logger.Info("busy, rejecting request")
		_ = target.OnFailure(ErrBusy)
		_ = conn.Close()
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, l.deadline)
	img, err := l.provider.CaptureActiveWindow(jobCtx)
	if err != nil {
		cancel()
		e := apierr.From(err, "capture failed")
		l.reporter.Report(ctx, apierr.NewReport("Capturing screen", e))
		_ = target.OnFailure(fmt.Errorf("Failed to capture screen: %w", err))
		_ = conn.Close()
		return
	}

	l.busy = true
	req := capture.NewRequest(img)
	submitted := l.pool.Submit(jobCtx, req, func(req capture.Request, res analysis.Result, err error) {
		select {
		case l.results <- result{req: req, res: res, err: err, target: target, cancel: cancel}:
		case <-ctx.Done():
			cancel()
			_ = conn.Close()
		}
	})
	if !submitted {
		cancel()
		l.busy = false
		_ = target.OnFailure(ErrBusy)
		_ = conn.Close()
	}
}

func (l *Loop) handleResult(ctx context.Context, r result) {
	defer func() {
		l.busy = false
		r.cancel()
		_ = r.target.Conn.Close()
	}()
	_, _ = inspect.Deliver(ctx, r.req, r.res, r.err, r.target, l.reporter, l.logger)
}
