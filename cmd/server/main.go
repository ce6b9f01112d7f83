// Command server starts the BitRiver Relay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bitriver-relay/internal/api"
	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/auth/oauth"
	"bitriver-relay/internal/broadcast"
	"bitriver-relay/internal/config"
	"bitriver-relay/internal/encoder"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/observability/tracing"
	"bitriver-relay/internal/server"
	"bitriver-relay/internal/serverutil"
	"bitriver-relay/internal/session"
	"bitriver-relay/internal/uploads"
	"bitriver-relay/internal/youtube"
)

const serviceName = "bitriver-relay"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	upstreamTimeout = 30 * time.Second
	// writeTimeoutSlack leaves room to write the response after a pipeline
	// that used its whole budget.
	writeTimeoutSlack = time.Minute
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, lookup config.LookupFunc, stderr io.Writer) error {
	cfg, err := config.Load(args, lookup, stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stderr})
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	provider, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.OTLPInsecure,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ServiceName:    serviceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("initialise tracing: %w", err)
	}

	sessionStore, closeSessionStore, err := openSessionStore(ctx, cfg.Session)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return err
	}
	app, err := buildApp(cfg, logger, recorder, provider, sessionStore)
	if err != nil {
		_ = closeSessionStore(context.Background())
		_ = provider.Shutdown(context.Background())
		return err
	}

	// Abort attempts in flight as soon as shutdown starts so their handlers
	// return and their rollback runs while the HTTP server drains.
	stopCloseHook := context.AfterFunc(ctx, app.streams.BeginClose)
	defer stopCloseHook()

	purgeStop := startSessionPurgeWorker(ctx, logging.WithComponent(logger, "session-purger"), app.sessions, cfg.Session.PurgeInterval)
	logger.Info("BitRiver Relay starting", newStartupSummary(cfg).LogArgs()...)

	return app.server.Run(ctx, nil,
		serverutil.DrainStep{Name: "session purger", Run: func(context.Context) error {
			purgeStop()
			return nil
		}},
		serverutil.DrainStep{Name: "pipelines", Run: app.streams.Close},
		serverutil.DrainStep{Name: "encoders", Run: func(ctx context.Context) error {
			app.encoders.StopAll(ctx)
			return nil
		}},
		serverutil.DrainStep{Name: "stream watchers", Run: app.streams.Wait},
		serverutil.DrainStep{Name: "session store", Run: closeSessionStore},
		serverutil.DrainStep{Name: "tracing", Run: provider.Shutdown},
	)
}

type app struct {
	server   *server.Server
	sessions *auth.SessionManager
	encoders *encoder.Manager
	streams  *broadcast.Service
}

func buildApp(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, provider *tracing.Provider, store auth.SessionStore) (*app, error) {
	sealer, err := auth.NewSealer(cfg.Session.Secret)
	if err != nil {
		return nil, fmt.Errorf("configure session sealer: %w", err)
	}
	sessions, err := auth.NewSessionManager(cfg.Session.TTL,
		auth.WithStore(store),
		auth.WithSealer(sealer),
		auth.WithIdleTimeout(cfg.Session.IdleTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("configure sessions: %w", err)
	}

	upstream := &http.Client{
		Timeout:   upstreamTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	oauthManager, err := oauth.NewManager(oauth.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
	}, oauth.WithHTTPClient(upstream))
	if err != nil {
		return nil, fmt.Errorf("configure oauth: %w", err)
	}
	platform := youtube.NewClient(youtube.Config{
		BaseURL:    cfg.Google.APIBaseURL,
		HTTPClient: upstream,
		Logger:     logging.WithComponent(logger, "youtube"),
	})

	uploadStore, err := uploads.NewStore(uploads.Config{
		Dir:      cfg.Uploads.Dir,
		MaxBytes: cfg.Uploads.MaxBytes,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure uploads: %w", err)
	}

	registry := session.NewRegistry()
	encoders := encoder.NewManager(registry, encoder.Config{
		Binary:         cfg.Encoder.FFmpegPath,
		StartupTimeout: cfg.Encoder.StartupTimeout,
		Logger:         logging.WithComponent(logger, "encoder"),
		Metrics:        recorder,
	})
	streams, err := broadcast.NewService(broadcast.Config{
		Platform:             platform,
		Encoder:              broadcast.ManagerEncoder(encoders),
		Registry:             registry,
		Pacing:               cfg.Pacing,
		WatchBaseURL:         cfg.Google.WatchBaseURL,
		MaxConcurrentStreams: cfg.Limits.MaxConcurrentStreams,
		RemoveMedia:          uploadStore.Remove,
		Logger:               logger,
		Metrics:              recorder,
		Tracer:               provider.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("configure stream service: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Sessions:        sessions,
		OAuth:           oauthManager,
		Streams:         streams,
		Channels:        platform,
		Uploads:         uploadStore,
		FrontendURL:     cfg.Server.FrontendURL,
		Cookies:         cookiePolicy(cfg.Server),
		PipelineTimeout: cfg.Server.PipelineTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("configure api: %w", err)
	}

	srv, err := server.New(handler, server.Config{
		Addr:            cfg.Server.Addr,
		TLS:             server.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey},
		CORS:            server.CORSConfig{AllowedOrigins: []string{cfg.Server.FrontendURL}},
		RateLimit:       rateLimitConfig(cfg),
		Security:        securityConfig(cfg.Server),
		Logger:          logger,
		Metrics:         recorder,
		ServiceName:     serviceName,
		WriteTimeout:    cfg.Server.PipelineTimeout + writeTimeoutSlack,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("configure server: %w", err)
	}
	return &app{server: srv, sessions: sessions, encoders: encoders, streams: streams}, nil
}

// openSessionStore connects the configured session backend and returns a
// closer for shutdown.
func openSessionStore(ctx context.Context, cfg config.SessionConfig) (auth.SessionStore, func(context.Context) error, error) {
	switch cfg.Store {
	case config.SessionStorePostgres:
		store, err := auth.NewPostgresSessionStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres session store: %w", err)
		}
		return store, store.Close, nil
	case config.SessionStoreRedis:
		store, err := auth.NewRedisSessionStore(ctx, auth.RedisConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis session store: %w", err)
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case config.SessionStoreMemory, "":
		return auth.NewMemorySessionStore(), func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", cfg.Store)
	}
}

func cookiePolicy(cfg config.ServerConfig) api.SessionCookiePolicy {
	policy := api.DefaultSessionCookiePolicy()
	policy.Domain = cfg.CookieDomain
	if !cfg.CookieSecure {
		policy.SecureMode = api.SessionCookieSecureAuto
	}
	return policy
}

// rateLimitConfig shares start-stream counters through Redis whenever the
// sessions already live there.
func rateLimitConfig(cfg config.Config) server.RateLimitConfig {
	rl := server.RateLimitConfig{
		StartStreamLimit: cfg.Limits.StartStreamPerMinute,
		Window:           time.Minute,
	}
	if cfg.Session.Store == config.SessionStoreRedis {
		rl.RedisAddr = cfg.Session.RedisAddr
		rl.RedisUsername = cfg.Session.RedisUsername
		rl.RedisPassword = cfg.Session.RedisPassword
		rl.RedisDB = cfg.Session.RedisDB
	}
	return rl
}

func securityConfig(cfg config.ServerConfig) server.SecurityConfig {
	var sec server.SecurityConfig
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		sec.HSTSMaxAge = int((180 * 24 * time.Hour).Seconds())
	}
	return sec
}
