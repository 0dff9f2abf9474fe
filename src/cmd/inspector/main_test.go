package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screen-inspector/src/analysis"
	"screen-inspector/src/capture"
	"screen-inspector/src/config"
	"screen-inspector/src/inspect"
	"screen-inspector/src/router"
	"screen-inspector/src/runtimeinit"
	"screen-inspector/src/session"
	"screen-inspector/src/singleinstance"
	"screen-inspector/src/statusapi"
	"screen-inspector/src/testsupport"
)

func setEnv(t *testing.T, sessionURL, restURL string) {
	t.Helper()
	t.Setenv(config.ConfigPathEnvVar, "")
	t.Setenv(config.DotenvPathEnvVar, "")
	t.Setenv(config.APIKeyPathEnvVar, filepath.Join(t.TempDir(), "missing"))
	t.Setenv(config.APIKeyEnvVar, "cli-key")
	t.Setenv("SESSION_URL", sessionURL)
	t.Setenv("REST_URL", restURL)
	t.Setenv("LOG_ERROR_URL", "")
	t.Setenv("CONNECT_ATTEMPTS", "2")
	t.Setenv("RECONNECT_DELAY_MS", "5")
	t.Setenv("RECONNECT_DELAY_MAX_MS", "10")
	t.Setenv("PREFER_SESSION", "")
	t.Setenv("ENABLE_FILE_LOGGING", "")
	t.Setenv("STATUS_ADDR", "")
}

func writePNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	path := filepath.Join(t.TempDir(), "dash.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := runWithArgs(args, strings.NewReader(""), &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestAnalyzeOverREST(t *testing.T) {
	restBackend := testsupport.NewRESTBackend(t, "**Inspector Notes:** tyres worn")
	setEnv(t, "", restBackend.ChatURL())

	out, _, err := run(t, "analyze", "--file", writePNG(t))
	require.NoError(t, err)
	assert.Contains(t, out, "tyres worn")
	assert.Len(t, restBackend.Requests(), 1)
	assert.Equal(t, []string{"cli-key"}, restBackend.APIKeys())
}

func TestAnalyzeJSONOverSession(t *testing.T) {
	backend := testsupport.NewBackend(t, testsupport.WithReply("**Faults, Precautions, or Accident Information:** none"))
	restBackend := testsupport.NewRESTBackend(t, "**Inspector Notes:** over rest")
	setEnv(t, backend.URL(), restBackend.ChatURL())

	out, _, err := run(t, "analyze", "--file", writePNG(t), "--json", "--session")
	require.NoError(t, err)

	var got inspect.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "none", got.Result.FaultAccident)
	assert.Equal(t, "dash.png", got.Metadata.Title)
	assert.Empty(t, restBackend.Requests())
	assert.Len(t, backend.Received(testsupport.RequestEvent), 1)
}

func TestAnalyzeRequiresFile(t *testing.T) {
	_, _, err := run(t, "analyze")
	assert.ErrorContains(t, err, "file")
}

func TestAnalyzeRejectsNonPNG(t *testing.T) {
	restBackend := testsupport.NewRESTBackend(t, "unused")
	setEnv(t, "", restBackend.ChatURL())
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	_, _, err := run(t, "analyze", "--file", path)
	assert.ErrorIs(t, err, capture.ErrNotPNG)
	assert.Empty(t, restBackend.Requests())
}

func TestCaptureDelegatesToResident(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	t.Setenv(singleinstance.PortStartEnvVar, strconv.Itoa(port))
	t.Setenv(singleinstance.PortEndEnvVar, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := singleinstance.NewServer(nil)
	if err := srv.Start(ctx); err != nil {
		t.Skipf("loopback unavailable: %v", err)
	}
	defer srv.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := srv.Next(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		assert.Equal(t, singleinstance.FormatJSON, conn.Request().Format)
		_ = conn.RespondSuccess(`{"request_id":"from-resident"}`)
	}()

	out, _, err := run(t, "capture", "--json")
	require.NoError(t, err)
	assert.Equal(t, `{"request_id":"from-resident"}`, out)
	wg.Wait()
}

type stubSession struct{}

func (stubSession) State() session.State              { return session.Connected }
func (stubSession) LastError() error                  { return nil }
func (stubSession) KeepAlive() session.KeepAliveState { return session.KeepAliveState{Running: true} }

type stubRouter struct{}

func (stubRouter) PreferSession() bool   { return true }
func (stubRouter) SetPreferSession(bool) {}
func (stubRouter) LastPath() router.Path { return router.PathSession }

func TestStatusTable(t *testing.T) {
	srv := httptest.NewServer(statusapi.NewHandler(statusapi.Deps{Session: stubSession{}, Router: stubRouter{}}))
	defer srv.Close()

	out, _, err := run(t, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Inspector status")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "low latency")
	assert.Contains(t, out, "session")
}

func TestStatusWithoutResident(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, _, err = run(t, "status", "--addr", addr)
	assert.ErrorContains(t, err, "no resident instance")
}

type fakeProvider struct{}

func (fakeProvider) CaptureActiveWindow(context.Context) (capture.Image, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		return capture.Image{}, err
	}
	return capture.Image{Data: buf.Bytes(), Metadata: capture.Metadata{CaptureType: capture.TypeScreen}}, nil
}

func TestServeAnswersDelegatedCaptureAndStatus(t *testing.T) {
	backend := testsupport.NewBackend(t, testsupport.WithReply("**Inspector Notes:** resident ok"))
	restBackend := testsupport.NewRESTBackend(t, "**Inspector Notes:** over rest")
	setEnv(t, backend.URL(), restBackend.ChatURL())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	statusLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	statusAddr := statusLn.Addr().String()
	require.NoError(t, ln.Close())
	require.NoError(t, statusLn.Close())
	t.Setenv(singleinstance.PortStartEnvVar, strconv.Itoa(port))
	t.Setenv(singleinstance.PortEndEnvVar, strconv.Itoa(port))
	t.Setenv("STATUS_ADDR", statusAddr)

	ctx, cancel := context.WithCancel(context.Background())
	app, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{Connect: true, Stderr: io.Discard})
	require.NoError(t, err)
	defer app.Close()
	require.Equal(t, session.Connected, app.Session.State())

	done := make(chan error, 1)
	go func() { done <- serve(ctx, app, fakeProvider{}) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		_, ok := singleinstance.DetectResidentPort(context.Background())
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	out, _, err := run(t, "capture")
	require.NoError(t, err)
	assert.Contains(t, out, analysis.LabelInspectorNotes+"\nresident ok")
	assert.Empty(t, restBackend.Requests())

	require.Eventually(t, func() bool {
		st, err := statusapi.Fetch(context.Background(), statusAddr)
		return err == nil && st.SessionState == "connected" && st.LastPath == "session"
	}, 3*time.Second, 20*time.Millisecond)
}
