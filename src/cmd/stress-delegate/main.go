package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"screen-inspector/src/resident"
	"screen-inspector/src/singleinstance"
)

var errNoResident = errors.New("no resident instance answered")

type stressOptions struct {
	n        int
	format   string
	deadline time.Duration
}

type tally struct {
	ok, busy, failed, absent atomic.Int32

	mu        sync.Mutex
	latencies []time.Duration
}

func main() {
	if err := newRootCmd(&stressOptions{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(opts *stressOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stress-delegate",
		Short:         "Fire concurrent delegated captures at a resident inspector",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithOptions(cmd.OutOrStdout(), *opts)
		},
	}

	cmd.Flags().IntVar(&opts.n, "n", 50, "number of clients to launch")
	cmd.Flags().StringVar(&opts.format, "format", "text", "text|json: reply format requested from the resident")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 5*time.Second, "per-client timeout")

	return cmd
}

func runWithOptions(out io.Writer, opts stressOptions) error {
	format := singleinstance.FormatText
	switch strings.ToLower(opts.format) {
	case "text":
	case "json":
		format = singleinstance.FormatJSON
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	t := &tally{}
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < opts.n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), opts.deadline)
			defer cancel()
			began := time.Now()
			delegated, _, err := singleinstance.NewClient().Delegate(ctx, format)
			t.record(delegated, err, time.Since(began))
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Fprintf(out, "launched=%d ok=%d busy=%d err=%d absent=%d p50=%s max=%s elapsed=%s\n",
		opts.n, t.ok.Load(), t.busy.Load(), t.failed.Load(), t.absent.Load(),
		t.percentile(0.5), t.percentile(1), elapsed.Round(time.Millisecond))
	if opts.n > 0 && int(t.absent.Load()) == opts.n {
		return errNoResident
	}
	return nil
}

func (t *tally) record(delegated bool, err error, took time.Duration) {
	switch {
	case !delegated:
		t.absent.Add(1)
		return
	case err == nil:
		t.ok.Add(1)
	case err.Error() == resident.ErrBusy.Error():
		t.busy.Add(1)
	default:
		t.failed.Add(1)
	}
	t.mu.Lock()
	t.latencies = append(t.latencies, took)
	t.mu.Unlock()
}

func (t *tally) percentile(p float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), t.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	i := int(p*float64(len(sorted))+0.5) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i].Round(time.Millisecond)
}
