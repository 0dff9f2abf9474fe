package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"screen-inspector/src/config"
	"screen-inspector/src/statusapi"
)

func newStatusCmd(g *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resident instance's transport status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.LoadWithOptions(g.loadOptions(nil, true))
				if err != nil {
					return err
				}
				addr = cfg.StatusAddr
			}
			st, err := statusapi.Fetch(commandContext(cmd), addr)
			if err != nil {
				return fmt.Errorf("no resident instance at %s: %w", addr, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Status API address (defaults to status_addr from config)")
	return cmd
}

func renderStatus(st statusapi.Status) string {
	mode := "high accuracy"
	if st.PreferSession {
		mode = "low latency"
	}
	rows := [][]string{
		{"Session", st.SessionState},
		{"Mode", mode},
		{"Last path", valueOr(st.LastPath, "-")},
		{"Pending requests", strconv.Itoa(st.Pending)},
		{"Workers busy", fmt.Sprintf("%d/%d", st.WorkersBusy, st.Workers)},
		{"Missed pongs", strconv.Itoa(st.KeepAlive.MissedCount)},
		{"Last ping", formatTime(st.KeepAlive.LastPingSentAt)},
		{"Last pong", formatTime(st.KeepAlive.LastPongReceivedAt)},
	}
	if st.SessionError != "" {
		rows = append(rows, []string{"Session error", st.SessionError})
	}
	return renderTable("Inspector status", []string{"Field", "Value"}, rows)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.TimeOnly)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
