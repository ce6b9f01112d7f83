package main

import (
	"net/url"
	"strings"

	"bitriver-relay/internal/config"
)

const redacted = "*****"

// startupSummary describes the effective configuration without secrets.
type startupSummary struct {
	server    map[string]any
	session   map[string]any
	uploads   map[string]any
	encoder   map[string]any
	limits    map[string]any
	telemetry map[string]any
}

func newStartupSummary(cfg config.Config) startupSummary {
	session := map[string]any{
		"driver":       cfg.Session.Store,
		"ttl":          cfg.Session.TTL.String(),
		"idle_timeout": cfg.Session.IdleTimeout.String(),
	}
	switch cfg.Session.Store {
	case config.SessionStorePostgres:
		session["dsn"] = redactDSN(cfg.Session.PostgresDSN)
	case config.SessionStoreRedis:
		session["addr"] = cfg.Session.RedisAddr
		session["db"] = cfg.Session.RedisDB
	}

	rateLimiter := "memory"
	if cfg.Session.Store == config.SessionStoreRedis {
		rateLimiter = "redis"
	}

	return startupSummary{
		server: map[string]any{
			"addr":             cfg.Server.Addr,
			"tls":              cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "",
			"frontend_url":     cfg.Server.FrontendURL,
			"pipeline_timeout": cfg.Server.PipelineTimeout.String(),
		},
		session: session,
		uploads: map[string]any{
			"dir":       cfg.Uploads.Dir,
			"max_bytes": cfg.Uploads.MaxBytes,
		},
		encoder: map[string]any{
			"ffmpeg":          cfg.Encoder.FFmpegPath,
			"startup_timeout": cfg.Encoder.StartupTimeout.String(),
		},
		limits: map[string]any{
			"max_concurrent_streams":  cfg.Limits.MaxConcurrentStreams,
			"start_stream_per_minute": cfg.Limits.StartStreamPerMinute,
			"rate_limiter":            rateLimiter,
		},
		telemetry: map[string]any{
			"tracing":       cfg.Telemetry.OTLPEndpoint != "",
			"endpoint":      cfg.Telemetry.OTLPEndpoint,
			"sampling_rate": cfg.Telemetry.SamplingRate,
		},
	}
}

// LogArgs returns slog key/value pairs.
func (s startupSummary) LogArgs() []any {
	return []any{
		"version", version,
		"server", s.server,
		"session_store", s.session,
		"uploads", s.uploads,
		"encoder", s.encoder,
		"limits", s.limits,
		"telemetry", s.telemetry,
	}
}

// redactDSN masks the password in URL-style DSNs and every password=
// setting in keyword/value DSNs.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		if parsed.User != nil {
			if _, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(parsed.User.Username(), redacted)
			}
		}
		query := parsed.Query()
		if query.Has("password") {
			query.Set("password", redacted)
			parsed.RawQuery = query.Encode()
		}
		return parsed.String()
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if key, _, ok := strings.Cut(field, "="); ok && strings.EqualFold(key, "password") {
			fields[i] = key + "=" + redacted
		}
	}
	return strings.Join(fields, " ")
}
