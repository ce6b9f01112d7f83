package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxPendingFlows caps unredeemed flows held by the memory store.
const DefaultMaxPendingFlows = 4096

// ErrTooManyFlows is returned when the store is full of unexpired flows.
var ErrTooManyFlows = errors.New("too many pending oauth flows")

// Flow is an authorisation request waiting for its callback.
type Flow struct {
	ReturnTo string
	// Verifier is the PKCE code verifier sent with the token exchange.
	Verifier string
	Expires  time.Time
}

func (f Flow) expired(now time.Time) bool {
	return !f.Expires.IsZero() && now.After(f.Expires)
}

// StateStore holds pending flows keyed by their state parameter. Take
// redeems a state at most once.
type StateStore interface {
	Put(state string, flow Flow, ttl time.Duration) error
	Take(state string) (Flow, bool)
}

type memoryStateStore struct {
	mu    sync.Mutex
	flows map[string]Flow
	limit int
	now   func() time.Time
}

// NewMemoryStateStore keeps up to limit pending flows in memory. A
// non-positive limit uses DefaultMaxPendingFlows.
func NewMemoryStateStore(limit int) StateStore {
	if limit <= 0 {
		limit = DefaultMaxPendingFlows
	}
	return &memoryStateStore{flows: make(map[string]Flow), limit: limit, now: time.Now}
}

func (s *memoryStateStore) Put(state string, flow Flow, ttl time.Duration) error {
	if state == "" {
		return fmt.Errorf("state token is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, exists := s.flows[state]; !exists && len(s.flows) >= s.limit {
		s.pruneLocked(now)
		if len(s.flows) >= s.limit {
			return ErrTooManyFlows
		}
	}
	flow.Expires = now.Add(ttl)
	s.flows[state] = flow
	return nil
}

func (s *memoryStateStore) Take(state string) (Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[state]
	if !ok {
		return Flow{}, false
	}
	delete(s.flows, state)
	if flow.expired(s.now()) {
		return Flow{}, false
	}
	return flow, true
}

func (s *memoryStateStore) pruneLocked(now time.Time) {
	for key, flow := range s.flows {
		if flow.expired(now) {
			delete(s.flows, key)
		}
	}
}

// newState returns 128 random bits, URL-safe encoded.
func newState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
