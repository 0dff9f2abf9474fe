package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"screen-inspector/src/capture"
	"screen-inspector/src/resident"
	"screen-inspector/src/router"
	"screen-inspector/src/runtimeinit"
	"screen-inspector/src/singleinstance"
	"screen-inspector/src/statusapi"
	"screen-inspector/src/worker"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run resident: keep the session open and answer delegated captures",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lo := g.loadOptions(nil, false)
			lo.StatusAddr = statusAddr
			app, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{
				LoadOptions: lo,
				Verbose:     g.verbose,
				Connect:     true,
				Stderr:      cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer app.Close()
			return serve(ctx, app, capture.ScreenProvider{})
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Status API listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, app *runtimeinit.App, provider capture.Provider) error {
	pool := worker.New(app.Config.Workers, app.Router.Send, app.Logger)
	defer pool.Close()

	loop, err := resident.New(resident.Options{
		Server:   singleinstance.NewServer(app.Logger),
		Pool:     pool,
		Provider: provider,
		Reporter: app.Reporter,
		Logger:   app.Logger,
		Deadline: executeDeadline(app),
	})
	if err != nil {
		return err
	}

	deps := statusapi.Deps{
		Router:  app.Router,
		Pending: app.Pending,
		Workers: pool,
		Metrics: app.Metrics,
		Logger:  app.Logger,
	}
	if app.Session != nil {
		deps.Session = app.Session
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return statusapi.Serve(ctx, app.Config.StatusAddr, statusapi.NewHandler(deps), app.Logger) })
	g.Go(func() error {
		app.FollowMode(ctx)
		return nil
	})
	g.Go(func() error {
		logRouterEvents(ctx, app)
		return nil
	})
	return g.Wait()
}

// logRouterEvents surfaces transport switches the way the desktop client
// showed them as notifications.
func logRouterEvents(ctx context.Context, app *runtimeinit.App) {
	events, unsubscribe := app.Router.Subscribe(16)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case router.TransportDegraded:
				app.Logger.Warn(ev.Message, "event", ev.Kind, "err", ev.Err)
			default:
				app.Logger.Info(ev.Message, "event", ev.Kind, "path", ev.Path)
			}
		}
	}
}
