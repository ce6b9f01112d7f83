package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// SessionStore defines the persistence contract for session tokens. Stores
// receive raw tokens and decide how to key them.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, token string) (SessionRecord, bool, error)
	Delete(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// SessionRecord captures a session row retrieved from the backing store.
// Bundle holds the sealed Credentials.
type SessionRecord struct {
	Token             string
	Subject           string
	Bundle            []byte
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithSealer sets the sealer used to encrypt credential bundles.
func WithSealer(sealer *Sealer) SessionOption {
	return func(m *SessionManager) {
		if sealer != nil {
			m.sealer = sealer
		}
	}
}

// WithTokenLength sets the token length used for newly created sessions.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout enables idle session expiration by specifying the duration a session
// remains valid without activity. When set, Validate refreshes the session expiry up to
// the absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// SessionManager maps opaque session tokens to sealed OAuth credentials.
type SessionManager struct {
	store        SessionStore
	sealer       *Sealer
	absoluteTTL  time.Duration
	idleTimeout  time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
}

// NewSessionManager constructs a SessionManager with the provided absolute TTL and options.
// The manager defaults to a 7-day TTL, an in-memory store and an ephemeral sealing key
// when those are not supplied.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) (*SessionManager, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL:  ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	if manager.sealer == nil {
		sealer, err := NewEphemeralSealer()
		if err != nil {
			return nil, err
		}
		manager.sealer = sealer
	}
	return manager, nil
}

// Create issues a new session token holding creds.
func (m *SessionManager) Create(ctx context.Context, creds Credentials) (string, time.Time, error) {
	if err := creds.validate(); err != nil {
		return "", time.Time{}, err
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	if creds.IssuedAt.IsZero() {
		creds.IssuedAt = now.UTC()
	}
	absoluteExpiresAt := now.Add(m.absoluteTTL)
	expiresAt := absoluteExpiresAt
	if m.idleTimeout > 0 {
		expiresAt = now.Add(m.idleTimeout)
		if expiresAt.After(absoluteExpiresAt) {
			expiresAt = absoluteExpiresAt
		}
	}
	record, err := m.seal(token, creds, expiresAt, absoluteExpiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := m.store.Save(ctx, record); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate checks the backing store for the provided token and returns the
// credentials it holds when valid.
func (m *SessionManager) Validate(ctx context.Context, token string) (Credentials, time.Time, bool, error) {
	if token == "" {
		return Credentials{}, time.Time{}, false, nil
	}
	record, ok, err := m.store.Get(ctx, token)
	if err != nil {
		return Credentials{}, time.Time{}, false, err
	}
	if !ok {
		return Credentials{}, time.Time{}, false, nil
	}
	now := time.Now()
	absoluteExpiresAt := record.AbsoluteExpiresAt
	if absoluteExpiresAt.IsZero() {
		absoluteExpiresAt = record.ExpiresAt
	}
	if now.After(record.ExpiresAt) || now.After(absoluteExpiresAt) {
		_ = m.store.Delete(ctx, token)
		return Credentials{}, time.Time{}, false, nil
	}
	creds, err := m.sealer.openCredentials(record.Bundle, bundleAAD(token))
	if err != nil {
		// A bundle sealed under a rotated secret cannot be recovered.
		_ = m.store.Delete(ctx, token)
		return Credentials{}, time.Time{}, false, nil
	}
	expiresAt := record.ExpiresAt
	if m.idleTimeout > 0 {
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(absoluteExpiresAt) {
			refreshTo = absoluteExpiresAt
		}
		if refreshTo.After(record.ExpiresAt) {
			record.ExpiresAt = refreshTo.UTC()
			record.AbsoluteExpiresAt = absoluteExpiresAt.UTC()
			if err := m.store.Save(ctx, record); err != nil {
				return Credentials{}, time.Time{}, false, err
			}
			expiresAt = refreshTo
		}
	}
	return creds, expiresAt, true, nil
}

// Update replaces the credentials held by an existing session, typically
// after the OAuth token was refreshed. Expiry is left untouched.
func (m *SessionManager) Update(ctx context.Context, token string, creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	record, ok, err := m.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	updated, err := m.seal(token, creds, record.ExpiresAt, record.AbsoluteExpiresAt)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, updated)
}

// Revoke deletes the session token from the backing store.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, token)
}

// PurgeExpired removes any expired sessions from the backing store.
func (m *SessionManager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, time.Now())
}

// Ping verifies the underlying session store is reachable when it exposes a ping method.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (m *SessionManager) seal(token string, creds Credentials, expiresAt, absoluteExpiresAt time.Time) (SessionRecord, error) {
	bundle, err := m.sealer.sealCredentials(creds, bundleAAD(token))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("seal session: %w", err)
	}
	return SessionRecord{
		Token:             token,
		Subject:           creds.Subject,
		Bundle:            bundle,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	}, nil
}

// bundleAAD binds a sealed bundle to the session it was issued for.
func bundleAAD(token string) string {
	hashed, err := hashSessionToken(token)
	if err != nil {
		return ""
	}
	return hashed
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ErrSessionNotFound is returned when updating a session that does not exist.
var ErrSessionNotFound = errors.New("session not found")
