// Package config resolves relay settings from defaults, an optional YAML
// file, BITRIVER_RELAY_* environment variables and command-line flags, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bitriver-relay/internal/broadcast"
	"bitriver-relay/internal/encoder"
	"bitriver-relay/internal/uploads"
	"bitriver-relay/internal/youtube"
)

// EnvPrefix prefixes every environment variable the relay reads.
const EnvPrefix = "BITRIVER_RELAY_"

// Session store drivers.
const (
	SessionStoreMemory   = "memory"
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
)

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Google    GoogleConfig     `yaml:"google"`
	Session   SessionConfig    `yaml:"session"`
	Uploads   UploadsConfig    `yaml:"uploads"`
	Encoder   EncoderConfig    `yaml:"encoder"`
	Pacing    broadcast.Pacing `yaml:"pacing"`
	Limits    LimitsConfig     `yaml:"limits"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	FrontendURL     string        `yaml:"frontend_url"`
	CookieDomain    string        `yaml:"cookie_domain"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// PipelineTimeout bounds one stream attempt once the upload is stored.
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	APIBaseURL   string `yaml:"api_base_url"`
	WatchBaseURL string `yaml:"watch_base_url"`
}

type SessionConfig struct {
	Store         string        `yaml:"store"`
	Secret        string        `yaml:"secret"`
	TTL           time.Duration `yaml:"ttl"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisUsername string        `yaml:"redis_username"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

type UploadsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type EncoderConfig struct {
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

type LimitsConfig struct {
	MaxConcurrentStreams int64 `yaml:"max_concurrent_streams"`
	// StartStreamPerMinute caps start-stream requests per client IP.
	StartStreamPerMinute int `yaml:"start_stream_per_minute"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":5000",
			FrontendURL:     "http://localhost:3000",
			CookieSecure:    true,
			ShutdownTimeout: 15 * time.Second,
			PipelineTimeout: 5 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Google: GoogleConfig{
			RedirectURL:  "http://localhost:5000/auth/callback",
			APIBaseURL:   youtube.DefaultBaseURL,
			WatchBaseURL: broadcast.DefaultWatchBaseURL,
		},
		Session: SessionConfig{
			Store:         SessionStoreMemory,
			TTL:           24 * time.Hour,
			PurgeInterval: 15 * time.Minute,
		},
		Uploads: UploadsConfig{Dir: uploads.DefaultDir, MaxBytes: uploads.DefaultMaxBytes},
		Encoder: EncoderConfig{FFmpegPath: "ffmpeg", StartupTimeout: encoder.DefaultStartupTimeout},
		Pacing:  broadcast.DefaultPacing(),
		Limits: LimitsConfig{
			MaxConcurrentStreams: broadcast.DefaultMaxConcurrentStreams,
			StartStreamPerMinute: 6,
		},
		Telemetry: TelemetryConfig{SamplingRate: 1},
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	require(c.Server.Addr, "server.addr")
	require(c.Google.ClientID, "google.client_id")
	require(c.Google.ClientSecret, "google.client_secret")
	require(c.Google.RedirectURL, "google.redirect_url")
	require(c.Session.Secret, "session.secret")
	if c.Session.Secret != "" && len(c.Session.Secret) < 16 {
		errs = append(errs, errors.New("session.secret must be at least 16 characters"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	for name, raw := range map[string]string{
		"server.frontend_url":   c.Server.FrontendURL,
		"google.redirect_url":   c.Google.RedirectURL,
		"google.api_base_url":   c.Google.APIBaseURL,
		"google.watch_base_url": c.Google.WatchBaseURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch c.Session.Store {
	case SessionStoreMemory:
	case SessionStorePostgres:
		require(c.Session.PostgresDSN, "session.postgres_dsn")
	case SessionStoreRedis:
		require(c.Session.RedisAddr, "session.redis_addr")
	default:
		errs = append(errs, fmt.Errorf("session.store %q is not one of memory, postgres, redis", c.Session.Store))
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, errors.New("uploads.max_bytes must be positive"))
	}
	if c.Limits.MaxConcurrentStreams <= 0 {
		errs = append(errs, errors.New("limits.max_concurrent_streams must be positive"))
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, errors.New("telemetry.sampling_rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}
