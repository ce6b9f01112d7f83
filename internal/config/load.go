package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// setting binds one Config field to a flag name and an environment variable.
type setting struct {
	flag    string
	env     string
	usage   string
	isBool  bool
	aliases []string
	// fromAlias converts values read from an alias variable.
	fromAlias func(string) string
	set       func(string) error
}

func (s setting) envName() string {
	return EnvPrefix + s.env
}

func settings(cfg *Config) []setting {
	return []setting{
		{flag: "addr", env: "ADDR", usage: "HTTP listen address", aliases: []string{"PORT"}, fromAlias: portAddr, set: stringInto(&cfg.Server.Addr)},
		{flag: "tls-cert", env: "TLS_CERT", usage: "path to TLS certificate file", set: stringInto(&cfg.Server.TLSCert)},
		{flag: "tls-key", env: "TLS_KEY", usage: "path to TLS private key file", set: stringInto(&cfg.Server.TLSKey)},
		{flag: "frontend-url", env: "FRONTEND_URL", usage: "origin of the browser frontend", aliases: []string{"FRONTEND_URL"}, set: stringInto(&cfg.Server.FrontendURL)},
		{flag: "cookie-domain", env: "COOKIE_DOMAIN", usage: "domain attribute for the session cookie", set: stringInto(&cfg.Server.CookieDomain)},
		{flag: "cookie-secure", env: "COOKIE_SECURE", usage: "mark the session cookie Secure", isBool: true, set: boolInto(&cfg.Server.CookieSecure)},
		{flag: "shutdown-timeout", env: "SHUTDOWN_TIMEOUT", usage: "grace period for in-flight requests on shutdown", set: durationInto(&cfg.Server.ShutdownTimeout)},
		{flag: "pipeline-timeout", env: "PIPELINE_TIMEOUT", usage: "upper bound for one start-stream pipeline", set: durationInto(&cfg.Server.PipelineTimeout)},

		{flag: "log-level", env: "LOG_LEVEL", usage: "log level (debug, info, warn, error)", set: stringInto(&cfg.Log.Level)},
		{flag: "log-format", env: "LOG_FORMAT", usage: "log format (json or text)", set: stringInto(&cfg.Log.Format)},

		{flag: "google-client-id", env: "GOOGLE_CLIENT_ID", usage: "Google OAuth client ID", aliases: []string{"YOUTUBE_CLIENT_ID"}, set: stringInto(&cfg.Google.ClientID)},
		{flag: "google-client-secret", env: "GOOGLE_CLIENT_SECRET", usage: "Google OAuth client secret", aliases: []string{"YOUTUBE_CLIENT_SECRET"}, set: stringInto(&cfg.Google.ClientSecret)},
		{flag: "google-redirect-url", env: "GOOGLE_REDIRECT_URL", usage: "OAuth callback URL registered with Google", aliases: []string{"CALLBACK_URL"}, set: stringInto(&cfg.Google.RedirectURL)},
		{flag: "youtube-api-base-url", env: "YOUTUBE_API_BASE_URL", usage: "YouTube Data API base URL", set: stringInto(&cfg.Google.APIBaseURL)},
		{flag: "youtube-watch-base-url", env: "YOUTUBE_WATCH_BASE_URL", usage: "base URL for public watch links", set: stringInto(&cfg.Google.WatchBaseURL)},

		{flag: "session-store", env: "SESSION_STORE", usage: "session store driver (memory, postgres or redis)", set: stringInto(&cfg.Session.Store)},
		{flag: "session-secret", env: "SESSION_SECRET", usage: "secret used to seal stored credentials", set: stringInto(&cfg.Session.Secret)},
		{flag: "session-ttl", env: "SESSION_TTL", usage: "absolute session lifetime", set: durationInto(&cfg.Session.TTL)},
		{flag: "session-idle-timeout", env: "SESSION_IDLE_TIMEOUT", usage: "idle session timeout (0 disables)", set: durationInto(&cfg.Session.IdleTimeout)},
		{flag: "session-purge-interval", env: "SESSION_PURGE_INTERVAL", usage: "interval between expired session sweeps", set: durationInto(&cfg.Session.PurgeInterval)},
		{flag: "session-postgres-dsn", env: "SESSION_POSTGRES_DSN", usage: "Postgres DSN for the session store", aliases: []string{"DATABASE_URL"}, set: stringInto(&cfg.Session.PostgresDSN)},
		{flag: "session-redis-addr", env: "SESSION_REDIS_ADDR", usage: "Redis address for the session store", set: stringInto(&cfg.Session.RedisAddr)},
		{flag: "session-redis-username", env: "SESSION_REDIS_USERNAME", usage: "Redis username for the session store", set: stringInto(&cfg.Session.RedisUsername)},
		{flag: "session-redis-password", env: "SESSION_REDIS_PASSWORD", usage: "Redis password for the session store", set: stringInto(&cfg.Session.RedisPassword)},
		{flag: "session-redis-db", env: "SESSION_REDIS_DB", usage: "Redis database index for the session store", set: intInto(&cfg.Session.RedisDB)},

		{flag: "upload-dir", env: "UPLOAD_DIR", usage: "directory for uploaded media", set: stringInto(&cfg.Uploads.Dir)},
		{flag: "upload-max-bytes", env: "UPLOAD_MAX_BYTES", usage: "maximum upload size in bytes", set: int64Into(&cfg.Uploads.MaxBytes)},

		{flag: "ffmpeg-path", env: "FFMPEG_PATH", usage: "ffmpeg binary", set: stringInto(&cfg.Encoder.FFmpegPath)},
		{flag: "encoder-startup-timeout", env: "ENCODER_STARTUP_TIMEOUT", usage: "time allowed for ffmpeg to report progress", set: durationInto(&cfg.Encoder.StartupTimeout)},

		{flag: "pacing-before-bind", env: "PACING_BEFORE_BIND", usage: "delay before binding broadcast and stream", set: durationInto(&cfg.Pacing.BeforeBind)},
		{flag: "pacing-after-bind", env: "PACING_AFTER_BIND", usage: "delay after binding broadcast and stream", set: durationInto(&cfg.Pacing.AfterBind)},
		{flag: "pacing-after-encoder-start", env: "PACING_AFTER_ENCODER_START", usage: "delay after the encoder starts", set: durationInto(&cfg.Pacing.AfterEncoderStart)},
		{flag: "pacing-before-testing", env: "PACING_BEFORE_TESTING", usage: "delay before the testing transition", set: durationInto(&cfg.Pacing.BeforeTesting)},
		{flag: "pacing-before-live", env: "PACING_BEFORE_LIVE", usage: "delay before the live transition", set: durationInto(&cfg.Pacing.BeforeLive)},
		{flag: "pacing-poll-readiness", env: "PACING_POLL_READINESS", usage: "poll ingest health instead of sleeping", isBool: true, set: boolInto(&cfg.Pacing.PollReadiness)},

		{flag: "max-concurrent-streams", env: "MAX_CONCURRENT_STREAMS", usage: "streams allowed to run at once", set: int64Into(&cfg.Limits.MaxConcurrentStreams)},
		{flag: "start-stream-per-minute", env: "START_STREAM_PER_MINUTE", usage: "start-stream requests per client IP per minute (0 disables)", set: intInto(&cfg.Limits.StartStreamPerMinute)},

		{flag: "otlp-endpoint", env: "OTLP_ENDPOINT", usage: "OTLP/HTTP trace collector endpoint", set: stringInto(&cfg.Telemetry.OTLPEndpoint)},
		{flag: "otlp-insecure", env: "OTLP_INSECURE", usage: "send traces without TLS", isBool: true, set: boolInto(&cfg.Telemetry.OTLPInsecure)},
		{flag: "trace-sampling-rate", env: "TRACE_SAMPLING_RATE", usage: "fraction of traces to sample", set: floatInto(&cfg.Telemetry.SamplingRate)},
	}
}

// pendingFlag records a raw flag value so it can be applied after the YAML
// file and environment.
type pendingFlag struct {
	isBool bool
	raw    string
	set    bool
}

func (p *pendingFlag) String() string { return p.raw }

func (p *pendingFlag) Set(value string) error {
	p.raw = value
	p.set = true
	return nil
}

func (p *pendingFlag) IsBoolFlag() bool { return p.isBool }

// Load resolves the configuration from args and the environment. The YAML file
// named by -config or BITRIVER_RELAY_CONFIG is applied over the defaults, then
// environment variables, then flags. The result is not validated.
func Load(args []string, lookup LookupFunc, output io.Writer) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	table := settings(&cfg)

	fs := flag.NewFlagSet("bitriver-relay", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	configPath := fs.String("config", "", "path to a YAML configuration file")
	pending := make([]*pendingFlag, len(table))
	for i, s := range table {
		pending[i] = &pendingFlag{isBool: s.isBool}
		fs.Var(pending[i], s.flag, s.usage+" (env "+s.envName()+")")
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	envPath, _ := lookup(EnvPrefix + "CONFIG")
	if path := firstNonEmpty(*configPath, envPath); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	var errs []error
	for _, s := range table {
		raw, name, ok := lookupSetting(s, lookup)
		if !ok {
			continue
		}
		if err := s.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for i, s := range table {
		if !pending[i].set {
			continue
		}
		if err := s.set(pending[i].raw); err != nil {
			errs = append(errs, fmt.Errorf("-%s: %w", s.flag, err))
		}
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// lookupSetting prefers the prefixed variable over legacy aliases.
func lookupSetting(s setting, lookup LookupFunc) (string, string, bool) {
	if raw, ok := lookup(s.envName()); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw), s.envName(), true
	}
	for _, alias := range s.aliases {
		raw, ok := lookup(alias)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		if s.fromAlias != nil {
			raw = s.fromAlias(raw)
		}
		return raw, alias, true
	}
	return "", "", false
}

func portAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func stringInto(target *string) func(string) error {
	return func(raw string) error {
		*target = strings.TrimSpace(raw)
		return nil
	}
}

func boolInto(target *bool) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*target = value
		return nil
	}
}

func intInto(target *int) func(string) error {
	return func(raw string) error {
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*target = value
		return nil
	}
}

func int64Into(target *int64) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return err
		}
		*target = value
		return nil
	}
}

func floatInto(target *float64) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		*target = value
		return nil
	}
}

func durationInto(target *time.Duration) func(string) error {
	return func(raw string) error {
		value, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*target = value
		return nil
	}
}
