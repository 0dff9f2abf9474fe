package apierr

import "context"

// OccurredInClient is the origin tag attached to reports raised by this
// application.
const OccurredInClient = "front-end"

// Report is the structured error event handed to the error log sink.
type Report struct {
	OccurredWhile string
	Message       string
	OccurredIn    string
}

// Reporter receives every terminal error produced by the core. Implementations
// must not block the caller for long and must not report their own failures
// back through themselves.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report)

func (f ReporterFunc) Report(ctx context.Context, r Report) { f(ctx, r) }

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) Report(context.Context, Report) {}

// NewReport builds a client-side report for err.
func NewReport(while string, err error) Report {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Report{OccurredWhile: while, Message: msg, OccurredIn: OccurredInClient}
}
