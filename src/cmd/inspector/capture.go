package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"screen-inspector/src/capture"
	"screen-inspector/src/inspect"
	"screen-inspector/src/singleinstance"
)

const delegateTimeout = 90 * time.Second

func newCaptureCmd(g *globalOptions) *cobra.Command {
	var (
		jsonOutput  bool
		toClipboard bool
		local       bool
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture the screen and analyze it, through the resident instance when one runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if !local {
				delegated, err := delegate(ctx, cmd.OutOrStdout(), jsonOutput)
				if delegated || err != nil {
					return err
				}
			}

			app, err := g.bootstrap(cmd, nil, true, true)
			if err != nil {
				return err
			}
			defer app.Close()

			var target inspect.Target = inspect.StdoutTarget{Writer: cmd.OutOrStdout(), JSON: jsonOutput}
			if toClipboard {
				target = inspect.ClipboardTarget{}
			}
			_, err = inspect.Execute(ctx, inspect.Options{
				Provider: capture.ScreenProvider{},
				Analyze:  app.Router.Send,
				Target:   target,
				Deadline: executeDeadline(app),
				Reporter: app.Reporter,
				Logger:   app.Logger,
			})
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&toClipboard, "clipboard", false, "Copy the result to the clipboard instead of printing it (local capture only)")
	cmd.Flags().BoolVar(&local, "local", false, "Never delegate to a resident instance")
	return cmd
}

func delegate(ctx context.Context, out io.Writer, jsonOutput bool) (bool, error) {
	format := singleinstance.FormatText
	if jsonOutput {
		format = singleinstance.FormatJSON
	}
	ctx, cancel := context.WithTimeout(ctx, delegateTimeout)
	defer cancel()

	delegated, body, err := singleinstance.NewClient().Delegate(ctx, format)
	if !delegated {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("resident: %w", err)
	}
	_, err = io.WriteString(out, body)
	return true, err
}
