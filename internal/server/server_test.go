package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"bitriver-relay/internal/api"
	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/auth/oauth"
	"bitriver-relay/internal/broadcast"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/serverutil"
	"bitriver-relay/internal/session"
	"bitriver-relay/internal/uploads"
)

type stubStreams struct {
	mu     sync.Mutex
	starts int
}

func (s *stubStreams) StartStream(context.Context, broadcast.StartRequest, oauth2.TokenSource) (broadcast.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return broadcast.StartResult{BroadcastURL: "https://youtube.com/watch?v=b-1", BroadcastID: "b-1", StreamID: "s-1"}, nil
}

func (s *stubStreams) StopStream(string) bool             { return false }
func (s *stubStreams) IsStreaming(string) bool            { return false }
func (s *stubStreams) State(string) (session.State, bool) { return 0, false }
func (s *stubStreams) Sessions() []session.Snapshot       { return nil }
func (s *stubStreams) ActiveCount() int                   { return 0 }

type stubOAuth struct{}

func (stubOAuth) Begin(string) (oauth.BeginResult, error) {
	return oauth.BeginResult{URL: "https://accounts.example.com/auth?state=s", State: "s"}, nil
}

func (stubOAuth) Complete(context.Context, string, string) (oauth.Completion, error) {
	return oauth.Completion{}, oauth.ErrStateInvalid
}

func (stubOAuth) Cancel(string) (string, error) { return "", oauth.ErrStateInvalid }

func (stubOAuth) TokenSource(token *oauth2.Token) oauth2.TokenSource {
	return oauth2.StaticTokenSource(token)
}

type testDeps struct {
	handler  *api.Handler
	sessions *auth.SessionManager
	streams  *stubStreams
}

func newTestHandler(t *testing.T) testDeps {
	t.Helper()
	sessions, err := auth.NewSessionManager(time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager error: %v", err)
	}
	store, err := uploads.NewStore(uploads.Config{Dir: filepath.Join(t.TempDir(), "uploads")})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	streams := &stubStreams{}
	handler, err := api.NewHandler(api.Config{
		Sessions:    sessions,
		OAuth:       stubOAuth{},
		Streams:     streams,
		Uploads:     store,
		FrontendURL: "https://studio.example.com",
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	return testDeps{handler: handler, sessions: sessions, streams: streams}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, deps testDeps, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(deps.handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func (d testDeps) signIn(t *testing.T) string {
	t.Helper()
	token, _, err := d.sessions.Create(context.Background(), auth.Credentials{
		Subject: "UC123",
		Token:   &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return token
}

func startStreamBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("title", "Show"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	part, err := writer.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="video"; filename="a.mp4"`},
		"Content-Type":        {"video/mp4"},
	})
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	media := make([]byte, 256)
	copy(media, []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'})
	if _, err := part.Write(media); err != nil {
		t.Fatalf("write media: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsInvalidOrigin(t *testing.T) {
	t.Parallel()

	deps := newTestHandler(t)
	if _, err := New(deps.handler, Config{CORS: CORSConfig{AllowedOrigins: []string{"studio.example.com"}}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestHealthAndRootRoutes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newTestHandler(t), Config{})
	for _, path := range []string{"/", "/health"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("GET %s: expected X-Request-Id header", path)
		}
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newTestHandler(t), Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %v", payload["success"])
	}
}

func TestWrongMethodReturns405(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newTestHandler(t), Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	t.Parallel()

	deps := newTestHandler(t)
	srv := newTestServer(t, deps, Config{})
	routes := []struct{ method, path string }{
		{http.MethodPost, "/start-stream"},
		{http.MethodPost, "/stop-stream/s-1"},
		{http.MethodGet, "/stream/s-1/status"},
		{http.MethodGet, "/streams"},
		{http.MethodPost, "/cleanup"},
	}
	for _, route := range routes {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(route.method, route.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, rec.Code)
		}
	}

	token := deps.signIn(t)
	req := httptest.NewRequest(http.MethodGet, "/stream/s-1/status", nil)
	req.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a session, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"isStreaming":false`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newTestHandler(t), Config{})
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bitriver_relay_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestStartStreamRateLimited(t *testing.T) {
	t.Parallel()

	deps := newTestHandler(t)
	srv := newTestServer(t, deps, Config{RateLimit: RateLimitConfig{StartStreamLimit: 1, Window: time.Minute}})
	token := deps.signIn(t)

	send := func() *httptest.ResponseRecorder {
		body, contentType := startStreamBody(t)
		req := httptest.NewRequest(http.MethodPost, "/start-stream", body)
		req.Header.Set("Content-Type", contentType)
		req.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: token})
		req.RemoteAddr = "203.0.113.7:4242"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After=60, got %q", rec.Header().Get("Retry-After"))
	}
	if deps.streams.starts != 1 {
		t.Fatalf("expected one pipeline run, got %d", deps.streams.starts)
	}
}

func TestRecovererReturnsJSON500(t *testing.T) {
	t.Parallel()

	handler := recoverer(discardLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error_type":"server_error"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestShouldTraceSkipsProbes(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{"/": false, "/health": false, "/metrics": false, "/start-stream": true} {
		if got := shouldTrace(httptest.NewRequest(http.MethodGet, path, nil)); got != want {
			t.Fatalf("shouldTrace(%s) = %v, want %v", path, got, want)
		}
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newTestHandler(t), Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestRunServesAndDrains(t *testing.T) {
	srv := newTestServer(t, newTestHandler(t), Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan net.Addr, 1)
	drained := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, func(addr net.Addr) { ready <- addr }, serverutil.DrainStep{
			Name: "encoders",
			Run: func(context.Context) error {
				close(drained)
				return nil
			},
		})
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	select {
	case <-drained:
	default:
		t.Fatal("expected drain step to run")
	}
}
