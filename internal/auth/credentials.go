package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ErrMissingToken is returned when attempting to create a session without an
// OAuth token.
var ErrMissingToken = errors.New("oauth token is required")

// Credentials is the OAuth grant held by a browser session. Platform calls
// only ever see it through a TokenSource.
type Credentials struct {
	Subject  string        `json:"subject,omitempty"`
	Token    *oauth2.Token `json:"token"`
	IssuedAt time.Time     `json:"issued_at"`
}

// StaticSource returns a TokenSource that never refreshes.
func (c Credentials) StaticSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(c.Token)
}

func (c Credentials) validate() error {
	if c.Token == nil || c.Token.AccessToken == "" {
		return ErrMissingToken
	}
	return nil
}

func (s *Sealer) sealCredentials(creds Credentials, aad string) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return s.Seal(raw, []byte(aad))
}

func (s *Sealer) openCredentials(sealed []byte, aad string) (Credentials, error) {
	raw, err := s.Open(sealed, []byte(aad))
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
