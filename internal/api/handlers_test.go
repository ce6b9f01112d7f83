package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/auth/oauth"
	"bitriver-relay/internal/broadcast"
	"bitriver-relay/internal/session"
	"bitriver-relay/internal/uploads"
	"bitriver-relay/internal/youtube"
)

type fakeStreams struct {
	mu           sync.Mutex
	result       broadcast.StartResult
	startErr     error
	requests     []broadcast.StartRequest
	accessTokens []string
	mediaExisted []bool
	states       map[string]session.State
	stopped      []string
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		result: broadcast.StartResult{
			BroadcastURL: "https://youtube.com/watch?v=b-1",
			BroadcastID:  "b-1",
			StreamID:     "s-1",
		},
		states: make(map[string]session.State),
	}
}

func (f *fakeStreams) StartStream(_ context.Context, req broadcast.StartRequest, creds oauth2.TokenSource) (broadcast.StartResult, error) {
	tok, err := creds.Token()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err == nil {
		f.accessTokens = append(f.accessTokens, tok.AccessToken)
	}
	_, statErr := os.Stat(req.MediaPath)
	f.mediaExisted = append(f.mediaExisted, statErr == nil)
	if f.startErr != nil {
		return broadcast.StartResult{}, f.startErr
	}
	return f.result, nil
}

func (f *fakeStreams) StopStream(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	_, ok := f.states[id]
	delete(f.states, id)
	return ok
}

func (f *fakeStreams) IsStreaming(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.states[id]
	return ok
}

func (f *fakeStreams) State(id string) (session.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	return state, ok
}

func (f *fakeStreams) Sessions() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Snapshot, 0, len(f.states))
	for id, state := range f.states {
		out = append(out, session.Snapshot{ID: id, State: state.String()})
	}
	return out
}

func (f *fakeStreams) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

func (f *fakeStreams) setActive(id string, state session.State) {
	f.mu.Lock()
	f.states[id] = state
	f.mu.Unlock()
}

type fakeOAuth struct {
	mu          sync.Mutex
	states      map[string]string
	next        int
	token       *oauth2.Token
	completeErr error
	source      oauth2.TokenSource
}

func newFakeOAuth() *fakeOAuth {
	return &fakeOAuth{
		states: make(map[string]string),
		token:  &oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)},
	}
}

func (f *fakeOAuth) Begin(returnTo string) (oauth.BeginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	state := fmt.Sprintf("state-%d", f.next)
	f.states[state] = returnTo
	return oauth.BeginResult{URL: "https://accounts.example.com/o/oauth2/auth?state=" + state, State: state}, nil
}

func (f *fakeOAuth) Complete(_ context.Context, state, code string) (oauth.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	returnTo, ok := f.states[state]
	if !ok {
		return oauth.Completion{}, oauth.ErrStateInvalid
	}
	delete(f.states, state)
	completion := oauth.Completion{ReturnTo: returnTo}
	if code == "" {
		return completion, oauth.ErrCodeMissing
	}
	if f.completeErr != nil {
		return completion, f.completeErr
	}
	completion.Token = f.token
	return completion, nil
}

func (f *fakeOAuth) Cancel(state string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	returnTo, ok := f.states[state]
	if !ok {
		return "", oauth.ErrStateInvalid
	}
	delete(f.states, state)
	return returnTo, nil
}

func (f *fakeOAuth) TokenSource(token *oauth2.Token) oauth2.TokenSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source != nil {
		return f.source
	}
	return oauth2.StaticTokenSource(token)
}

type fakeChannels struct {
	mu      sync.Mutex
	channel youtube.Channel
	err     error
	calls   int
}

func (f *fakeChannels) MyChannel(_ context.Context, ts oauth2.TokenSource) (youtube.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if _, err := ts.Token(); err != nil {
		return youtube.Channel{}, err
	}
	if f.err != nil {
		return youtube.Channel{}, f.err
	}
	return f.channel, nil
}

type testEnv struct {
	handler  *Handler
	sessions *auth.SessionManager
	oauth    *fakeOAuth
	streams  *fakeStreams
	channels *fakeChannels
	uploads  *uploads.Store
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	sessions, err := auth.NewSessionManager(time.Hour)
	require.NoError(t, err)
	store, err := uploads.NewStore(uploads.Config{Dir: filepath.Join(t.TempDir(), "uploads"), MaxBytes: maxBytes})
	require.NoError(t, err)
	env := &testEnv{
		sessions: sessions,
		oauth:    newFakeOAuth(),
		streams:  newFakeStreams(),
		channels: &fakeChannels{channel: youtube.Channel{ID: "UC123", Title: "Relay Channel", Thumbnail: "https://img.example.com/a.jpg"}},
		uploads:  store,
	}
	handler, err := NewHandler(Config{
		Sessions:    sessions,
		OAuth:       env.oauth,
		Streams:     env.streams,
		Channels:    env.channels,
		Uploads:     store,
		FrontendURL: "https://studio.example.com",
		Cookies:     DefaultSessionCookiePolicy(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	env.handler = handler
	return env
}

func (e *testEnv) signIn(t *testing.T) string {
	t.Helper()
	token, _, err := e.sessions.Create(context.Background(), auth.Credentials{
		Subject: "UC123",
		Token:   &oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)},
	})
	require.NoError(t, err)
	return token
}

func (e *testEnv) protected(h http.HandlerFunc) http.Handler {
	return e.handler.RequireSession(h)
}

func mp4Content(size int) []byte {
	body := make([]byte, size)
	copy(body, []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'})
	return body
}

type uploadPart struct {
	title       *string
	fileName    string
	contentType string
	content     []byte
}

func strPtr(s string) *string { return &s }

func startStreamRequest(t *testing.T, token string, part uploadPart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if part.title != nil {
		require.NoError(t, writer.WriteField("title", *part.title))
	}
	if part.content != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, part.fileName))
		header.Set("Content-Type", part.contentType)
		w, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = w.Write(part.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/start-stream", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload
}

func withStreamID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("streamId", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func uploadCount(t *testing.T, store *uploads.Store) int {
	t.Helper()
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	return len(entries)
}

func TestNewHandlerReportsMissingDependencies(t *testing.T) {
	_, err := NewHandler(Config{})
	require.Error(t, err)
	for _, dep := range []string{"session manager", "oauth service", "stream service", "upload store"} {
		assert.Contains(t, err.Error(), dep)
	}
}

func TestStartStreamRequiresSession(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := httptest.NewRecorder()
	req := startStreamRequest(t, "", uploadPart{title: strPtr("Show"), fileName: "a.mp4", contentType: "video/mp4", content: mp4Content(64)})

	env.protected(env.handler.StartStream).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "auth_error", body["error_type"])
	assert.Empty(t, env.streams.requests)
}

func TestStartStreamRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := httptest.NewRecorder()
	req := startStreamRequest(t, "forged-token", uploadPart{title: strPtr("Show"), fileName: "a.mp4", contentType: "video/mp4", content: mp4Content(64)})

	env.protected(env.handler.StartStream).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	cookie := findCookie(t, rec.Result().Cookies(), SessionCookieName)
	assert.Negative(t, cookie.MaxAge)
}

func TestStartStreamGoesLive(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.signIn(t)
	rec := httptest.NewRecorder()
	req := startStreamRequest(t, token, uploadPart{title: strPtr("  Launch Day  "), fileName: "launch.mp4", contentType: "video/mp4", content: mp4Content(2048)})

	env.protected(env.handler.StartStream).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "https://youtube.com/watch?v=b-1", body["broadcast_url"])
	assert.Equal(t, "s-1", body["stream_id"])

	require.Len(t, env.streams.requests, 1)
	got := env.streams.requests[0]
	assert.Equal(t, "Launch Day", got.Title)
	assert.Equal(t, env.uploads.Dir(), filepath.Dir(got.MediaPath))
	assert.True(t, env.streams.mediaExisted[0], "media must be on disk when the pipeline starts")
	assert.Equal(t, []string{"access-1"}, env.streams.accessTokens)
}

func TestStartStreamAcceptsTitleAfterVideo(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.signIn(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="video"; filename="clip.mp4"`)
	header.Set("Content-Type", "video/mp4")
	w, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = w.Write(mp4Content(512))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("title", "Late Title"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/start-stream", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	rec := httptest.NewRecorder()

	env.protected(env.handler.StartStream).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Late Title", env.streams.requests[0].Title)
}

func TestStartStreamValidation(t *testing.T) {
	cases := []struct {
		name     string
		maxBytes int64
		part     uploadPart
		status   int
	}{
		{
			name:   "missing video",
			part:   uploadPart{title: strPtr("Show")},
			status: http.StatusBadRequest,
		},
		{
			name:   "missing title",
			part:   uploadPart{fileName: "a.mp4", contentType: "video/mp4", content: mp4Content(128)},
			status: http.StatusBadRequest,
		},
		{
			name:   "title of markup only",
			part:   uploadPart{title: strPtr("<>"), fileName: "a.mp4", contentType: "video/mp4", content: mp4Content(128)},
			status: http.StatusBadRequest,
		},
		{
			name:   "unsupported type",
			part:   uploadPart{title: strPtr("Show"), fileName: "a.txt", contentType: "text/plain", content: []byte("hello")},
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "content is not video",
			part:   uploadPart{title: strPtr("Show"), fileName: "a.mp4", contentType: "video/mp4", content: []byte("#!/bin/sh\necho hi\n")},
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:     "too large",
			maxBytes: 1024,
			part:     uploadPart{title: strPtr("Show"), fileName: "a.mp4", contentType: "video/mp4", content: mp4Content(4096)},
			status:   http.StatusRequestEntityTooLarge,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.maxBytes)
			token := env.signIn(t)
			rec := httptest.NewRecorder()

			env.protected(env.handler.StartStream).ServeHTTP(rec, startStreamRequest(t, token, tc.part))

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			assert.Equal(t, "validation_error", body["error_type"])
			assert.Empty(t, env.streams.requests)
			assert.Zero(t, uploadCount(t, env.uploads), "rejected uploads must not stay on disk")
		})
	}
}

func TestStartStreamErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		errorType string
		stage     string
	}{
		{
			name:      "transition failure",
			err:       &broadcast.TransitionError{Target: youtube.StatusLive, BroadcastID: "b-1", StreamID: "s-1", Err: fmt.Errorf("boom")},
			status:    http.StatusBadGateway,
			errorType: "stream_error",
			stage:     broadcast.StageTransition,
		},
		{
			name:      "encoder start failure",
			err:       &broadcast.EncoderStartError{StreamID: "s-1", Err: fmt.Errorf("ffmpeg missing")},
			status:    http.StatusBadGateway,
			errorType: "stream_error",
			stage:     broadcast.StageEncoderStart,
		},
		{
			name:      "platform rejects credentials",
			err:       &broadcast.ProvisioningError{Resource: "broadcast", Err: &youtube.APIError{Status: http.StatusUnauthorized, Message: "invalid credentials"}},
			status:    http.StatusUnauthorized,
			errorType: "auth_error",
			stage:     broadcast.StageProvisioning,
		},
		{
			name:      "platform quota",
			err:       &broadcast.ProvisioningError{Resource: "stream", Err: &youtube.APIError{Status: http.StatusForbidden, Reason: "quotaExceeded"}},
			status:    http.StatusBadGateway,
			errorType: "stream_error",
			stage:     broadcast.StageProvisioning,
		},
		{
			name:      "no slot",
			err:       fmt.Errorf("wait for stream slot: %w", context.DeadlineExceeded),
			status:    http.StatusServiceUnavailable,
			errorType: "server_error",
		},
		{
			name:      "shutting down",
			err:       broadcast.ErrShuttingDown,
			status:    http.StatusServiceUnavailable,
			errorType: "server_error",
		},
		{
			name:      "aborted by shutdown",
			err:       fmt.Errorf("%w: %w", broadcast.ErrShuttingDown, &broadcast.EncoderStartError{StreamID: "s-1", Err: context.Canceled}),
			status:    http.StatusServiceUnavailable,
			errorType: "server_error",
			stage:     broadcast.StageEncoderStart,
		},
		{
			name:      "invalid request",
			err:       fmt.Errorf("%w: title is required", broadcast.ErrInvalidRequest),
			status:    http.StatusBadRequest,
			errorType: "validation_error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			env.streams.startErr = tc.err
			token := env.signIn(t)
			rec := httptest.NewRecorder()
			req := startStreamRequest(t, token, uploadPart{title: strPtr("Show"), fileName: "a.mp4", contentType: "video/mp4", content: mp4Content(256)})

			env.protected(env.handler.StartStream).ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.errorType, body["error_type"])
			if tc.stage != "" {
				assert.Equal(t, tc.stage, body["stage"])
			} else {
				assert.NotContains(t, body, "stage")
			}
		})
	}
}

func TestStopStream(t *testing.T) {
	env := newTestEnv(t, 0)
	env.streams.setActive("s-1", session.StateLive)

	rec := httptest.NewRecorder()
	env.handler.StopStream(rec, withStreamID(httptest.NewRequest(http.MethodPost, "/stop-stream/s-1", nil), "s-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Stream stopped", body["message"])

	rec = httptest.NewRecorder()
	env.handler.StopStream(rec, withStreamID(httptest.NewRequest(http.MethodPost, "/stop-stream/s-1", nil), "s-1"))
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Stream not found", body["message"])
}

func TestStreamStatus(t *testing.T) {
	env := newTestEnv(t, 0)
	env.streams.setActive("s-1", session.StateTesting)

	rec := httptest.NewRecorder()
	env.handler.StreamStatus(rec, withStreamID(httptest.NewRequest(http.MethodGet, "/stream/s-1/status", nil), "s-1"))
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["isStreaming"])
	assert.Equal(t, "testing", body["state"])

	rec = httptest.NewRecorder()
	env.handler.StreamStatus(rec, withStreamID(httptest.NewRequest(http.MethodGet, "/stream/nope/status", nil), "nope"))
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["isStreaming"])
	assert.NotContains(t, body, "state")
}

func TestStreamsListsActiveSessions(t *testing.T) {
	env := newTestEnv(t, 0)
	env.streams.setActive("s-1", session.StateLive)

	rec := httptest.NewRecorder()
	env.handler.Streams(rec, httptest.NewRequest(http.MethodGet, "/streams", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Streams []session.Snapshot `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Streams, 1)
	assert.Equal(t, "s-1", payload.Streams[0].ID)
	assert.Equal(t, "live", payload.Streams[0].State)
}

func TestCleanupRefusesWhileStreaming(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.uploads.Save(bytes.NewReader(mp4Content(64)), "a.mp4", "video/mp4")
	require.NoError(t, err)
	env.streams.setActive("s-1", session.StateLive)

	rec := httptest.NewRecorder()
	env.handler.Cleanup(rec, httptest.NewRequest(http.MethodPost, "/cleanup", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody(t, rec)["error_type"])
	assert.Equal(t, 1, uploadCount(t, env.uploads))
}

func TestCleanupRemovesUploads(t *testing.T) {
	env := newTestEnv(t, 0)
	for i := 0; i < 2; i++ {
		_, err := env.uploads.Save(bytes.NewReader(mp4Content(64)), "a.mp4", "video/mp4")
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	env.handler.Cleanup(rec, httptest.NewRequest(http.MethodPost, "/cleanup", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["removed"])
	assert.Zero(t, uploadCount(t, env.uploads))
}

func TestHealthReportsComponents(t *testing.T) {
	env := newTestEnv(t, 0)
	env.streams.setActive("s-1", session.StateLive)

	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["activeStreams"])
}

func TestHealthDegradesWhenUploadDirMissing(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, os.RemoveAll(env.uploads.Dir()))

	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeBody(t, rec)["status"])
}

func TestRootIsAlwaysOK(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := httptest.NewRecorder()
	env.handler.Root(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
