// Package oauth drives the Google authorisation code flow that grants the
// relay access to a user's YouTube channel.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrStateInvalid is returned when the state parameter is missing or expired.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

// ErrCodeMissing is returned when the callback carries no authorisation code.
var ErrCodeMissing = errors.New("authorization code is required")

// Service exposes the operations required by the HTTP handlers to drive an
// OAuth 2.0 authorisation code flow.
type Service interface {
	Begin(returnTo string) (BeginResult, error)
	Complete(ctx context.Context, state, code string) (Completion, error)
	Cancel(state string) (string, error)
	TokenSource(token *oauth2.Token) oauth2.TokenSource
}

// BeginResult is returned when an authorisation request is constructed.
type BeginResult struct {
	URL   string
	State string
}

// Completion contains the outcome of a successful OAuth flow.
type Completion struct {
	Token    *oauth2.Token
	ReturnTo string
}

// Manager coordinates OAuth flows against a single Google client.
type Manager struct {
	config   *oauth2.Config
	state    StateStore
	client   *http.Client
	stateTTL time.Duration
}

// Option customises the OAuth manager.
type Option func(*Manager)

// WithStateStore injects a custom state store.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.state = store
		}
	}
}

// WithHTTPClient overrides the HTTP client used for token exchanges and refreshes.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithStateTTL adjusts how long state parameters remain valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

// NewManager constructs an OAuth manager for the provided configuration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := &Manager{
		config:   cfg.oauth2Config(),
		state:    NewMemoryStateStore(DefaultMaxPendingFlows),
		client:   &http.Client{Timeout: 10 * time.Second},
		stateTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Begin initialises an OAuth flow. Offline access is requested so the grant
// carries a refresh token, and the request is bound to a PKCE verifier.
func (m *Manager) Begin(returnTo string) (BeginResult, error) {
	state, err := newState()
	if err != nil {
		return BeginResult{}, err
	}
	verifier := oauth2.GenerateVerifier()
	if err := m.state.Put(state, Flow{ReturnTo: returnTo, Verifier: verifier}, m.stateTTL); err != nil {
		return BeginResult{}, err
	}
	authURL := m.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
	return BeginResult{URL: authURL, State: state}, nil
}

// Complete redeems state and exchanges the authorisation code for a token.
func (m *Manager) Complete(ctx context.Context, state, code string) (Completion, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return Completion{}, ErrStateInvalid
	}
	flow, ok := m.state.Take(state)
	if !ok {
		return Completion{}, ErrStateInvalid
	}
	completion := Completion{ReturnTo: flow.ReturnTo}
	code = strings.TrimSpace(code)
	if code == "" {
		return completion, ErrCodeMissing
	}
	var exchangeOpts []oauth2.AuthCodeOption
	if flow.Verifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(flow.Verifier))
	}
	token, err := m.config.Exchange(m.clientContext(ctx), code, exchangeOpts...)
	if err != nil {
		return completion, fmt.Errorf("exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return completion, fmt.Errorf("token response missing access_token")
	}
	completion.Token = token
	return completion, nil
}

// Cancel invalidates the provided state token and returns the saved return URL.
func (m *Manager) Cancel(state string) (string, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", ErrStateInvalid
	}
	flow, ok := m.state.Take(state)
	if !ok {
		return "", ErrStateInvalid
	}
	return flow.ReturnTo, nil
}

// TokenSource returns a source that refreshes token when it expires. Refresh
// requests are not tied to any request context.
func (m *Manager) TokenSource(token *oauth2.Token) oauth2.TokenSource {
	return m.config.TokenSource(m.clientContext(context.Background()), token)
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}
