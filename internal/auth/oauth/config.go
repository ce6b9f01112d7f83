package oauth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ScopeYouTubeForceSSL grants management of the user's live broadcasts.
const ScopeYouTubeForceSSL = "https://www.googleapis.com/auth/youtube.force-ssl"

// Config describes the Google OAuth client used to authorise YouTube access.
type Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	// AuthURL and TokenURL override Google's endpoint; tests point them at a
	// local server.
	AuthURL  string `yaml:"auth_url"`
	TokenURL string `yaml:"token_url"`
}

// Validate ensures the client is usable.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client secret")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		missing = append(missing, "redirect url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("oauth client misconfigured: missing %s", strings.Join(missing, ", "))
	}
	if (c.AuthURL == "") != (c.TokenURL == "") {
		return errors.New("oauth client misconfigured: auth and token url overrides must be set together")
	}
	return nil
}

func (c Config) oauth2Config() *oauth2.Config {
	endpoint := google.Endpoint
	if c.AuthURL != "" {
		endpoint = oauth2.Endpoint{AuthURL: c.AuthURL, TokenURL: c.TokenURL}
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeYouTubeForceSSL}
	}
	return &oauth2.Config{
		ClientID:     strings.TrimSpace(c.ClientID),
		ClientSecret: strings.TrimSpace(c.ClientSecret),
		RedirectURL:  strings.TrimSpace(c.RedirectURL),
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}
