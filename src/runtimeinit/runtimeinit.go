package runtimeinit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"screen-inspector/src/apierr"
	"screen-inspector/src/config"
	"screen-inspector/src/eventloop"
	"screen-inspector/src/logutil"
	"screen-inspector/src/metrics"
	"screen-inspector/src/pending"
	"screen-inspector/src/rest"
	"screen-inspector/src/router"
	"screen-inspector/src/session"
	"screen-inspector/src/socketio"
)

const restDialRetries = 2

type Options struct {
	LoadOptions config.LoadOptions
	// Verbose forces debug logging.
	Verbose bool
	// Connect opens the session before Bootstrap returns. A failed connect
	// is logged and the app runs on the synchronous path.
	Connect bool
	Stderr  io.Writer
	// Dial replaces the Socket.IO dialer, for tests.
	Dial session.DialFunc
}

// App is the wired transport layer.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Pending  *pending.Registry
	Session  *session.Conn
	Loops    *eventloop.Registry
	REST     *rest.Client
	Reporter apierr.Reporter
	Router   *router.Router

	logCloser io.Closer
}

func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	logger, closer, err := logutil.New(logutil.Options{
		Level:             level,
		EnableFileLogging: cfg.EnableFileLogging,
		Stderr:            opts.Stderr,
	})
	if err != nil {
		return nil, err
	}

	if cfg.APIKey == "" {
		_ = closer.Close()
		return nil, fmt.Errorf("%s is required. Checked key file %s and %s env var", config.APIKeyEnvVar, cfg.APIKeyPath, config.APIKeyEnvVar)
	}
	logger.Info("configuration loaded",
		"rest_url", cfg.RESTURL,
		"session_url", cfg.SessionURL,
		"api_key", logutil.RedactKey(cfg.APIKey),
		"prefer_session", cfg.PreferSession,
	)

	app := &App{Config: cfg, Logger: logger, Metrics: metrics.New(), logCloser: closer}
	requestTimeout := time.Duration(cfg.RequestTimeoutSec) * time.Second

	app.Pending = pending.New(pending.WithTimeout(requestTimeout), pending.WithLogger(logger))
	app.Metrics.TrackPending(app.Pending.Len)

	httpClient := &http.Client{}
	app.REST, err = rest.New(rest.Options{
		URL:         cfg.RESTURL,
		APIKey:      cfg.APIKey,
		Prompt:      cfg.Prompt,
		Timeout:     requestTimeout,
		DialRetries: restDialRetries,
		HTTPClient:  httpClient,
		Logger:      logger,
	})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	app.Reporter = apierr.NopReporter{}
	if cfg.LogErrorURL != "" {
		app.Reporter = rest.NewErrorReporter(cfg.LogErrorURL, cfg.APIKey, httpClient, logger)
	}

	var sessionPath router.SessionPath
	if cfg.SessionURL != "" {
		dial := opts.Dial
		if dial == nil {
			header := http.Header{}
			header.Set("x-api-key", cfg.APIKey)
			dial = session.SocketIODialer(socketio.Options{
				URL:       cfg.SessionURL,
				Path:      cfg.SocketIOPath,
				Namespace: cfg.Namespace,
				Header:    header,
			})
		}
		app.Session, err = session.New(session.Options{
			Dial:                dial,
			RequestEvent:        cfg.RequestEvent,
			ResultEvent:         cfg.ResultEvent,
			Prompt:              cfg.Prompt,
			ConnectAttempts:     cfg.ConnectAttempts,
			ReconnectDelay:      time.Duration(cfg.ReconnectDelayMs) * time.Millisecond,
			ReconnectDelayMax:   time.Duration(cfg.ReconnectDelayMaxMs) * time.Millisecond,
			PingInterval:        time.Duration(cfg.PingIntervalSec) * time.Second,
			MissedPongThreshold: cfg.MissedPongThreshold,
			Registry:            app.Pending,
			Logger:              logger,
			Metrics:             app.Metrics,
		})
		if err != nil {
			_ = closer.Close()
			return nil, err
		}
		app.Session.OnStateChange(func(tr session.Transition) {
			logger.Info("session state", "from", tr.From, "to", tr.To, "err", tr.Err)
		})
		sessionPath = app.Session
	}

	app.Loops = eventloop.NewRegistry(eventloop.WithLogger(logger))
	app.Router, err = router.New(router.Options{
		Session:       sessionPath,
		Sync:          app.REST,
		Loops:         app.Loops,
		Reporter:      app.Reporter,
		PreferSession: cfg.PreferSession,
		Logger:        logger,
		Metrics:       app.Metrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	if opts.Connect && app.Session != nil && cfg.PreferSession {
		if !app.Session.Connect(ctx) {
			logger.Warn("session unavailable, using synchronous path", "err", app.Session.LastError())
		}
	}
	return app, nil
}

// Close disconnects the session and tears the loops down.
func (a *App) Close() error {
	if a.Session != nil {
		a.Session.Disconnect()
	}
	if a.Loops != nil {
		a.Loops.Close()
	}
	var err error
	if a.logCloser != nil {
		err = a.logCloser.Close()
		a.logCloser = nil
	}
	return err
}

// FollowMode connects the session whenever routing switches to prefer it
// while the session is down. It returns when ctx is done.
func (a *App) FollowMode(ctx context.Context) {
	if a.Session == nil {
		return
	}
	events, unsubscribe := a.Router.Subscribe(4)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != router.ModeChanged || !a.Router.PreferSession() {
				continue
			}
			switch a.Session.State() {
			case session.Disconnected, session.Failed:
				if !a.Session.Connect(ctx) {
					a.Logger.Warn("session unavailable after mode change", "err", a.Session.LastError())
				}
			}
		}
	}
}
