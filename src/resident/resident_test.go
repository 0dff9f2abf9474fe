package resident

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screen-inspector/src/analysis"
	"screen-inspector/src/capture"
	"screen-inspector/src/singleinstance"
	"screen-inspector/src/worker"
)

type fakeProvider struct{ err error }

func (p fakeProvider) CaptureActiveWindow(context.Context) (capture.Image, error) {
	if p.err != nil {
		return capture.Image{}, p.err
	}
	return capture.Image{Data: []byte("png"), Metadata: capture.Metadata{CaptureType: capture.TypeScreen}}, nil
}

func usePort(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	t.Setenv(singleinstance.PortStartEnvVar, strconv.Itoa(port))
	t.Setenv(singleinstance.PortEndEnvVar, strconv.Itoa(port))
}

func startLoop(t *testing.T, provider capture.Provider, analyze worker.AnalyzeFunc) context.Context {
	t.Helper()
	usePort(t)
	pool := worker.New(1, analyze, nil)
	l, err := New(Options{Server: singleinstance.NewServer(nil), Pool: pool, Provider: provider, Deadline: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		pool.Close()
	})
	require.Eventually(t, func() bool {
		_, ok := singleinstance.DetectResidentPort(context.Background())
		return ok
	}, 2*time.Second, 20*time.Millisecond)
	return ctx
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestDelegatedCapture(t *testing.T) {
	startLoop(t, fakeProvider{}, func(ctx context.Context, image []byte) (analysis.Result, error) {
		return analysis.Result{InspectorNotes: "clean", FaultAccident: string(image)}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delegated, body, err := singleinstance.NewClient().Delegate(ctx, singleinstance.FormatJSON)
	require.NoError(t, err)
	assert.True(t, delegated)
	assert.Contains(t, body, `"inspector_notes": "clean"`)
	assert.Contains(t, body, `"fault_accident": "png"`)

	_, body, err = singleinstance.NewClient().Delegate(ctx, singleinstance.FormatText)
	require.NoError(t, err)
	assert.Contains(t, body, analysis.LabelInspectorNotes+"\nclean")
}

func TestBusyWhileAnalyzing(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	startLoop(t, fakeProvider{}, func(ctx context.Context, _ []byte) (analysis.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return analysis.Result{InspectorNotes: "slow"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := make(chan error, 1)
	go func() {
		_, _, err := singleinstance.NewClient().Delegate(ctx, singleinstance.FormatText)
		first <- err
	}()
	<-started

	delegated, _, err := singleinstance.NewClient().Delegate(ctx, singleinstance.FormatText)
	assert.True(t, delegated)
	assert.EqualError(t, err, ErrBusy.Error())

	close(release)
	assert.NoError(t, <-first)
}

func TestCaptureFailureAnswersError(t *testing.T) {
	startLoop(t, fakeProvider{err: capture.ErrNoDisplay}, func(context.Context, []byte) (analysis.Result, error) {
		return analysis.Result{}, errors.New("not reached")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := singleinstance.NewClient().Delegate(ctx, singleinstance.FormatText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), capture.ErrNoDisplay.Error())
}

func TestAnalysisFailureAnswersError(t *testing.T) {
	startLoop(t, fakeProvider{}, func(context.Context, []byte) (analysis.Result, error) {
		return analysis.Result{}, errors.New("analysis endpoint returned 502")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := singleinstance.NewClient().Delegate(ctx, singleinstance.FormatText)
	assert.EqualError(t, err, "analysis endpoint returned 502")
}
