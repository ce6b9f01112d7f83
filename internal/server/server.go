package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bitriver-relay/internal/api"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/serverutil"
)

const defaultServiceName = "bitriver-relay"

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	CORS        CORSConfig
	RateLimit   RateLimitConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	ServiceName string
	// WriteTimeout must cover a full start-stream pipeline.
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer      *http.Server
	router          chi.Router
	logger          *slog.Logger
	limiter         *startLimiter
	tlsCertFile     string
	tlsKeyFile      string
	shutdownTimeout time.Duration
}

// New builds the router and HTTP server for handler.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	corsMiddleware, err := newCORSMiddleware(cfg.CORS, logger)
	if err != nil {
		return nil, err
	}
	limiter, err := newStartLimiter(cfg.RateLimit, logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(newRequestID))
	r.Use(recoverer(logger))
	r.Use(tracingMiddleware(serviceName))
	r.Use(metrics.HTTPMiddleware(recorder))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	r.Use(securityHeadersMiddleware(cfg.Security))
	r.Use(corsMiddleware)
	r.NotFound(api.NotFound)
	r.MethodNotAllowed(api.MethodNotAllowed)

	r.Get("/", handler.Root)
	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/youtube", handler.AuthYouTube)
		r.Get("/callback", handler.AuthCallback)
		r.Get("/status", handler.AuthStatus)
		r.Post("/logout", handler.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireSession)
		r.With(limiter.middleware()).Post("/start-stream", handler.StartStream)
		r.Post("/stop-stream/{streamId}", handler.StopStream)
		r.Get("/stream/{streamId}/status", handler.StreamStatus)
		r.Get("/streams", handler.Streams)
		r.Post("/cleanup", handler.Cleanup)
	})

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 6 * time.Minute
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:      httpServer,
		router:          r,
		logger:          logger,
		limiter:         limiter,
		tlsCertFile:     strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:      strings.TrimSpace(cfg.TLS.KeyFile),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts the listener down and runs
// drain in order followed by closing the rate limiter.
func (s *Server) Run(ctx context.Context, ready func(net.Addr), drain ...serverutil.DrainStep) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	steps := append(append([]serverutil.DrainStep(nil), drain...), serverutil.DrainStep{
		Name: "rate limiter",
		Run:  func(context.Context) error { return s.limiter.Close() },
	})
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		Logger:          s.logger,
		Ready: func(addr net.Addr) {
			s.logger.Info("listening", "addr", addr.String(), "tls", s.tlsCertFile != "")
			if ready != nil {
				ready(addr)
			}
		},
		Drain: steps,
	})
}

// Shutdown stops accepting requests, waits for in-flight ones and releases
// the rate limiter's Redis connection.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.limiter.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.WithContext(r.Context(), logger).Error("panic serving request",
					"panic", fmt.Sprint(rec), "method", r.Method, "path", r.URL.Path)
				api.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// tracingMiddleware starts a server span per request. Spans are named by
// method only because the route is not resolved yet when the span starts.
func tracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "HTTP " + r.Method
			}),
		)
	}
}

func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/", "/health", "/metrics":
		return false
	}
	return true
}
