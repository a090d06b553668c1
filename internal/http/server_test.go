package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/codecmux/internal/http/handlers"
	"github.com/jmylchreest/codecmux/internal/http/middleware"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/recorder"
)

type fakeSession struct {
	mu     sync.Mutex
	status recorder.Status
}

func (f *fakeSession) Status() recorder.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State != recorder.StateRecording {
		return fmt.Errorf("pause while %s: %w", f.status.State, media.ErrInvalidState)
	}
	f.status.State = recorder.StatePaused
	return nil
}

func (f *fakeSession) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.State != recorder.StatePaused {
		return fmt.Errorf("resume while %s: %w", f.status.State, media.ErrInvalidState)
	}
	f.status.State = recorder.StateRecording
	return nil
}

func newTestServer(session handlers.Session) *Server {
	s := NewServer(DefaultServerConfig(), nil, "1.2.3")
	handlers.NewHealthHandler("1.2.3").Register(s.API())
	handlers.NewRecordingHandler(session).Register(s.API())
	return s
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(&fakeSession{})

	rec := do(t, s, http.MethodGet, "/livez")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, stripSchema(t, rec.Body.Bytes()))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Positive(t, health.CPUInfo.Cores)
	assert.Positive(t, health.Goroutines)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(&fakeSession{})

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codecmux_writer_bytes_written_total")
}

func TestServer_RequestIDIsPropagated(t *testing.T) {
	s := newTestServer(&fakeSession{})
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(middleware.RequestIDHeader))
}

func TestServer_Recording(t *testing.T) {
	session := &fakeSession{status: recorder.Status{
		SessionID: "5f0c",
		Output:    "out.mp4",
		State:     recorder.StateRecording,
		Started:   time.Now().Add(-time.Second),
		Bytes:     3 << 20,
	}}
	s := newTestServer(session)

	rec := do(t, s, http.MethodGet, "/api/v1/recording")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handlers.RecordingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "5f0c", resp.SessionID)
	assert.Equal(t, recorder.StateRecording, resp.State)
	assert.Equal(t, "3.0 MiB", resp.Size)
	assert.GreaterOrEqual(t, resp.ElapsedSeconds, 1.0)

	tests := []struct {
		path  string
		code  int
		state string
	}{
		{path: "/api/v1/recording/resume", code: http.StatusConflict, state: recorder.StateRecording},
		{path: "/api/v1/recording/pause", code: http.StatusOK, state: recorder.StatePaused},
		{path: "/api/v1/recording/pause", code: http.StatusConflict, state: recorder.StatePaused},
		{path: "/api/v1/recording/resume", code: http.StatusOK, state: recorder.StateRecording},
	}
	for _, tt := range tests {
		rec := do(t, s, http.MethodPost, tt.path)
		assert.Equal(t, tt.code, rec.Code, tt.path)
		assert.Equal(t, tt.state, session.Status().State, tt.path)
	}
}

func TestServer_ListenAndServe(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Listen = "127.0.0.1:0"
	s := NewServer(cfg, nil, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-errc)

	t.Run("context cancel", func(t *testing.T) {
		s := NewServer(cfg, nil, "")
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- s.ListenAndServe(ctx) }()
		time.Sleep(100 * time.Millisecond)
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	})
}

// stripSchema drops the $schema link huma adds to JSON bodies.
func stripSchema(t *testing.T, body []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	delete(m, "$schema")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}
