package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/observability/logging"
)

type contextKey string

const sessionContextKey contextKey = "relaySession"

const tokenPersistTimeout = 5 * time.Second

type requestSession struct {
	token string
	creds auth.Credentials
}

func contextWithSession(ctx context.Context, s requestSession) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

func sessionFromContext(ctx context.Context) (requestSession, bool) {
	s, ok := ctx.Value(sessionContextKey).(requestSession)
	return s, ok
}

// RequireSession rejects requests without a valid session with 401 and
// places the session on the request context otherwise.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, errorTypeAuth, "Authentication required")
			return
		}
		creds, _, ok, err := h.sessions.Validate(r.Context(), token)
		if err != nil {
			logging.WithContext(r.Context(), h.logger).Error("session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, errorTypeServer, "Internal server error")
			return
		}
		if !ok {
			clearSessionCookie(w, r, h.cookies)
			writeError(w, http.StatusUnauthorized, errorTypeAuth, "Authentication required")
			return
		}
		ctx := contextWithSession(r.Context(), requestSession{token: token, creds: creds})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenSource returns a refreshing source for the session that writes
// refreshed tokens back to the session store.
func (h *Handler) tokenSource(s requestSession) oauth2.TokenSource {
	return &persistingSource{
		base:     h.oauth.TokenSource(s.creds.Token),
		sessions: h.sessions,
		token:    s.token,
		creds:    s.creds,
		last:     s.creds.Token.AccessToken,
		logger:   h.logger,
	}
}

type persistingSource struct {
	base     oauth2.TokenSource
	sessions *auth.SessionManager
	token    string
	logger   *slog.Logger

	mu    sync.Mutex
	creds auth.Credentials
	last  string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken
	updated := p.creds
	refreshed := *tok
	if refreshed.RefreshToken == "" && updated.Token != nil {
		refreshed.RefreshToken = updated.Token.RefreshToken
	}
	updated.Token = &refreshed
	p.creds = updated

	ctx, cancel := context.WithTimeout(context.Background(), tokenPersistTimeout)
	defer cancel()
	if err := p.sessions.Update(ctx, p.token, updated); err != nil {
		p.logger.Warn("persist refreshed token", "error", err)
	}
	return tok, nil
}
