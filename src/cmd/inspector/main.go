package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"screen-inspector/src/config"
	"screen-inspector/src/runtimeinit"
)

type globalOptions struct {
	configPath string
	apiKeyPath string
	verbose    bool
}

func main() {
	if err := runWithArgs(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWithArgs(args []string, in io.Reader, out, errOut io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.Execute()
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "inspector",
		Short:         "Analyze vehicle inspection screenshots over a persistent session or REST",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to inspector.toml")
	cmd.PersistentFlags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging to stderr")

	cmd.AddCommand(newAnalyzeCmd(opts), newCaptureCmd(opts), newServeCmd(opts), newStatusCmd(opts))
	return cmd
}

// loadOptions builds config overrides for one-shot commands, which stay
// quiet unless --verbose is given.
func (o *globalOptions) loadOptions(preferSession *bool, quiet bool) config.LoadOptions {
	lo := config.LoadOptions{
		ConfigPath:         o.configPath,
		APIKeyPathOverride: o.apiKeyPath,
		PreferSession:      preferSession,
	}
	if quiet && !o.verbose {
		lo.LogLevel = "error"
	}
	return lo
}

func (o *globalOptions) bootstrap(cmd *cobra.Command, preferSession *bool, connect, quiet bool) (*runtimeinit.App, error) {
	return runtimeinit.Bootstrap(cmd.Context(), runtimeinit.Options{
		LoadOptions: o.loadOptions(preferSession, quiet),
		Verbose:     o.verbose,
		Connect:     connect,
		Stderr:      cmd.ErrOrStderr(),
	})
}

// executeDeadline bounds a one-shot analysis: connect plus one request.
func executeDeadline(app *runtimeinit.App) time.Duration {
	return 2 * time.Duration(app.Config.RequestTimeoutSec) * time.Second
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
