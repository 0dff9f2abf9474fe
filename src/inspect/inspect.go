// Package inspect runs one capture through analysis and hands the outcome to
// a Target.
package inspect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"screen-inspector/src/analysis"
	"screen-inspector/src/apierr"
	"screen-inspector/src/capture"
	"screen-inspector/src/logutil"
)

// DefaultDeadline bounds one Execute call when Options.Deadline is unset.
const DefaultDeadline = 60 * time.Second

// AnalyzeFunc routes an image to the backend. (*router.Router).Send fits it.
type AnalyzeFunc func(ctx context.Context, image []byte) (analysis.Result, error)

// Outcome is a finished analysis.
type Outcome struct {
	RequestID string           `json:"request_id"`
	Result    analysis.Result  `json:"result"`
	Metadata  capture.Metadata `json:"metadata"`
	Elapsed   time.Duration    `json:"elapsed_ns"`
}

// Target receives the outcome of one Execute call. Exactly one of its
// methods is called.
type Target interface {
	OnSuccess(out Outcome) error
	OnFailure(err error) error
}

type Options struct {
	Provider capture.Provider
	Analyze  AnalyzeFunc
	Target   Target
	Deadline time.Duration
	// Reporter receives capture and delivery failures. Analysis failures are
	// reported by the router itself.
	Reporter apierr.Reporter
	Logger   *slog.Logger
}

// Execute captures an image, analyzes it and delivers the outcome.
func Execute(ctx context.Context, opts Options) (Outcome, error) {
	if opts.Provider == nil {
		return Outcome{}, errors.New("Provider is required")
	}
	if opts.Analyze == nil {
		return Outcome{}, errors.New("Analyze is required")
	}
	if opts.Target == nil {
		return Outcome{}, errors.New("Target is required")
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = apierr.NopReporter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logutil.NewNop()
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	img, err := opts.Provider.CaptureActiveWindow(ctx)
	if err != nil {
		e := apierr.From(err, "capture failed")
		reporter.Report(ctx, apierr.NewReport("Capturing screen", e))
		_ = opts.Target.OnFailure(e)
		return Outcome{}, e
	}
	return Analyze(ctx, capture.NewRequest(img), opts.Analyze, opts.Target, reporter, logger)
}

// Analyze runs an already captured request and delivers its outcome.
func Analyze(ctx context.Context, req capture.Request, analyze AnalyzeFunc, target Target, reporter apierr.Reporter, logger *slog.Logger) (Outcome, error) {
	res, err := analyze(ctx, req.Image.Data)
	return Deliver(ctx, req, res, err, target, reporter, logger)
}

// Deliver hands an analysis result, or the error that replaced it, to target.
// Analysis errors are passed through unreported; a failing OnSuccess is
// reported and then given to OnFailure.
func Deliver(ctx context.Context, req capture.Request, res analysis.Result, err error, target Target, reporter apierr.Reporter, logger *slog.Logger) (Outcome, error) {
	if reporter == nil {
		reporter = apierr.NopReporter{}
	}
	if logger == nil {
		logger = logutil.NewNop()
	}
	log := logger.With("request_id", req.ID, "capture", req.Image.Metadata.CaptureType)

	if err != nil {
		log.Warn("analysis failed", "err", err)
		_ = target.OnFailure(err)
		return Outcome{}, err
	}
	out := Outcome{
		RequestID: req.ID,
		Result:    res,
		Metadata:  req.Image.Metadata,
		Elapsed:   time.Since(req.SubmittedAt),
	}
	if err := target.OnSuccess(out); err != nil {
		log.Error("delivering result failed", "err", err)
		reporter.Report(ctx, apierr.NewReport("Delivering result", err))
		_ = target.OnFailure(err)
		return Outcome{}, err
	}
	log.Info("analysis delivered", "elapsed", out.Elapsed)
	return out, nil
}
