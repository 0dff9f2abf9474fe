package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"screen-inspector/src/apierr"
	"screen-inspector/src/logutil"
)

const reportTimeout = 10 * time.Second

// errorLog is the body of the backend's log-error endpoint, with its field
// spelling.
type errorLog struct {
	OccurredWhile string `json:"occured_while"`
	ErrorMessage  string `json:"error_message"`
	OccurredIn    string `json:"occured_in"`
}

// ErrorReporter posts error reports to the backend. Delivery failures are
// logged and dropped.
type ErrorReporter struct {
	url    string
	apiKey string
	http   *http.Client
	logger *slog.Logger
}

func NewErrorReporter(url, apiKey string, client *http.Client, logger *slog.Logger) *ErrorReporter {
	if client == nil {
		client = &http.Client{Timeout: reportTimeout}
	}
	if logger == nil {
		logger = logutil.NewNop()
	}
	return &ErrorReporter{url: url, apiKey: apiKey, http: client, logger: logger.With("component", "error-reporter")}
}

// Report implements apierr.Reporter.
func (r *ErrorReporter) Report(ctx context.Context, rep apierr.Report) {
	r.logger.Error("reporting error", "while", rep.OccurredWhile, "message", rep.Message)
	if r.url == "" {
		return
	}

	body, err := json.Marshal(errorLog{
		OccurredWhile: rep.OccurredWhile,
		ErrorMessage:  rep.Message,
		OccurredIn:    rep.OccurredIn,
	})
	if err != nil {
		r.logger.Warn("encode error report", "err", err)
		return
	}

	// The report outlives a cancelled request context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("build error report", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("x-api-key", r.apiKey)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn("error report not delivered", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.logger.Warn("error report rejected", "status", resp.StatusCode)
	}
}
