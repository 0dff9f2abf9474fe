// Package rest is the synchronous request/response path to the analysis
// backend.
package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"screen-inspector/src/analysis"
	"screen-inspector/src/apierr"
	"screen-inspector/src/logutil"
)

const (
	DefaultTimeout = 60 * time.Second
	initialDelay   = 500 * time.Millisecond
	maxErrorBody   = 512
)

type UserMessage struct {
	Type  string   `json:"type"`
	Image []string `json:"image"`
}

type Attachment struct {
	Type         string   `json:"type"`
	Base64String []string `json:"base64String"`
}

type HistoryEntry struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
}

type ChatRequest struct {
	SessionID           string         `json:"session_id"`
	UserMessage         UserMessage    `json:"user_message"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

type ChatResponse struct {
	AssistantMessage *string `json:"assistant_message"`
}

type Options struct {
	URL    string
	APIKey string
	Prompt string
	// Timeout bounds one request when the caller's context has no deadline.
	Timeout     time.Duration
	DialRetries int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client posts screenshots to the chat endpoint.
type Client struct {
	url         string
	apiKey      string
	prompt      string
	timeout     time.Duration
	dialRetries int
	http        *http.Client
	logger      *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("rest: URL is required")
	}
	if opts.Prompt == "" {
		opts.Prompt = analysis.DefaultPrompt
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logutil.NewNop()
	}
	return &Client{
		url:         opts.URL,
		apiKey:      opts.APIKey,
		prompt:      opts.Prompt,
		timeout:     opts.Timeout,
		dialRetries: opts.DialRetries,
		http:        opts.HTTPClient,
		logger:      opts.Logger.With("component", "rest"),
	}, nil
}

// Analyze sends image and parses the assistant message of the reply.
func (c *Client) Analyze(ctx context.Context, image []byte) (analysis.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	encoded := base64.StdEncoding.EncodeToString(image)
	body, err := json.Marshal(ChatRequest{
		SessionID:   uuid.NewString(),
		UserMessage: UserMessage{Type: "image", Image: []string{encoded}},
		ConversationHistory: []HistoryEntry{{
			Role:        "user",
			Content:     c.prompt,
			Attachments: []Attachment{{Type: "file", Base64String: []string{encoded}}},
		}},
	})
	if err != nil {
		return analysis.Result{}, apierr.Wrap(apierr.Unexpected, "encode request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.dialRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(initialDelay) * (1.5 * float64(attempt)))
			select {
			case <-ctx.Done():
				return analysis.Result{}, apierr.Wrap(apierr.KindOf(ctx.Err()), "analysis request", ctx.Err())
			case <-time.After(delay):
			}
		}

		text, err := c.post(ctx, body)
		if err == nil {
			return analysis.Parse(text), nil
		}
		lastErr = err
		if !isDialError(err) {
			break
		}
		c.logger.Warn("analysis endpoint unreachable", "attempt", attempt+1, "err", err)
	}
	return analysis.Result{}, lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", apierr.Wrap(apierr.Unexpected, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apierr.Wrap(apierr.KindOf(ctx.Err()), "analysis request", ctx.Err())
		}
		return "", apierr.Wrap(apierr.Unexpected, "analysis request", err)
	}
	defer resp.Body.Close()
	c.logger.Debug("analysis response", "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", statusError(resp.StatusCode, snippet)
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return "", apierr.Wrap(apierr.KindOf(ctx.Err()), "read response", ctx.Err())
		}
		return "", apierr.Wrap(apierr.MalformedResponse, "decode response", err)
	}
	if out.AssistantMessage == nil {
		return "", apierr.New(apierr.MalformedResponse, "response has no assistant_message")
	}
	return *out.AssistantMessage, nil
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("analysis endpoint returned %d", status)
	if len(bytes.TrimSpace(body)) > 0 {
		msg += ": " + string(bytes.TrimSpace(body))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierr.New(apierr.Unauthorized, msg)
	case status >= 500:
		return apierr.New(apierr.ServerError, msg)
	default:
		return apierr.New(apierr.Unexpected, msg)
	}
}

func isDialError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}
