package main

import (
	"github.com/spf13/cobra"

	"screen-inspector/src/capture"
	"screen-inspector/src/inspect"
)

func newAnalyzeCmd(g *globalOptions) *cobra.Command {
	var (
		file       string
		jsonOutput bool
		useSession bool
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a PNG file once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := g.bootstrap(cmd, &useSession, useSession, true)
			if err != nil {
				return err
			}
			defer app.Close()

			_, err = inspect.Execute(commandContext(cmd), inspect.Options{
				Provider: capture.FileProvider{Path: file, Stdin: cmd.InOrStdin()},
				Analyze:  app.Router.Send,
				Target:   inspect.StdoutTarget{Writer: cmd.OutOrStdout(), JSON: jsonOutput},
				Deadline: executeDeadline(app),
				Reporter: app.Reporter,
				Logger:   app.Logger,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to PNG file (use '-' for stdin)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&useSession, "session", false, "Connect the persistent session and prefer it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
