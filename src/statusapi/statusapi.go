// Package statusapi serves the resident instance's health, status, metrics
// and routing-mode endpoints.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"screen-inspector/src/logutil"
	"screen-inspector/src/metrics"
	"screen-inspector/src/router"
	"screen-inspector/src/session"
)

// Session is the part of the session connection the status view reads.
type Session interface {
	State() session.State
	LastError() error
	KeepAlive() session.KeepAliveState
}

// Router is the part of the router the status view reads and toggles.
type Router interface {
	PreferSession() bool
	SetPreferSession(bool)
	LastPath() router.Path
}

// Workers reports worker pool occupancy.
type Workers interface {
	Busy() int
	Size() int
}

type Deps struct {
	Session Session
	Router  Router
	Pending interface{ Len() int }
	Workers Workers
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Status is the GET /status body.
type Status struct {
	SessionState  string                 `json:"session_state"`
	SessionError  string                 `json:"session_error,omitempty"`
	PreferSession bool                   `json:"prefer_session"`
	LastPath      string                 `json:"last_path,omitempty"`
	Pending       int                    `json:"pending"`
	KeepAlive     session.KeepAliveState `json:"keepalive"`
	WorkersBusy   int                    `json:"workers_busy"`
	Workers       int                    `json:"workers"`
}

type modeRequest struct {
	PreferSession *bool `json:"prefer_session"`
}

type server struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler builds the chi router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logutil.NewNop()
	}
	s := &server{deps: deps, logger: deps.Logger.With("component", "statusapi")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Post("/mode", s.mode)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	return r
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Router == nil {
		http.Error(w, "router not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, s.snapshot())
}

func (s *server) mode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		http.Error(w, "router not ready", http.StatusServiceUnavailable)
		return
	}
	var body modeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PreferSession == nil {
		http.Error(w, `Invalid request body: want {"prefer_session": bool}`, http.StatusBadRequest)
		return
	}
	s.deps.Router.SetPreferSession(*body.PreferSession)
	writeJSON(w, s.logger, http.StatusOK, s.snapshot())
}

func (s *server) snapshot() Status {
	st := Status{SessionState: session.Disconnected.String()}
	if s.deps.Session != nil {
		st.SessionState = s.deps.Session.State().String()
		if err := s.deps.Session.LastError(); err != nil {
			st.SessionError = err.Error()
		}
		st.KeepAlive = s.deps.Session.KeepAlive()
	}
	if s.deps.Router != nil {
		st.PreferSession = s.deps.Router.PreferSession()
		st.LastPath = string(s.deps.Router.LastPath())
	}
	if s.deps.Pending != nil {
		st.Pending = s.deps.Pending.Len()
	}
	if s.deps.Workers != nil {
		st.WorkersBusy = s.deps.Workers.Busy()
		st.Workers = s.deps.Workers.Size()
	}
	return st
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response", "err", err)
	}
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = logutil.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status api listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("status api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Fetch reads /status from a running instance.
func Fetch(ctx context.Context, addr string) (Status, error) {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("query status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
