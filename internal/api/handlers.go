package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/auth/oauth"
	"bitriver-relay/internal/broadcast"
	"bitriver-relay/internal/session"
	"bitriver-relay/internal/uploads"
	"bitriver-relay/internal/youtube"
)

const defaultPipelineTimeout = 5 * time.Minute

// StreamService runs stream attempts. *broadcast.Service satisfies it.
type StreamService interface {
	StartStream(ctx context.Context, req broadcast.StartRequest, creds oauth2.TokenSource) (broadcast.StartResult, error)
	StopStream(id string) bool
	IsStreaming(id string) bool
	State(id string) (session.State, bool)
	Sessions() []session.Snapshot
	ActiveCount() int
}

// ChannelLookup fetches the signed-in user's channel profile.
type ChannelLookup interface {
	MyChannel(ctx context.Context, ts oauth2.TokenSource) (youtube.Channel, error)
}

// UploadMetrics counts upload outcomes.
type UploadMetrics interface {
	ObserveUpload(outcome string)
}

type noopUploadMetrics struct{}

func (noopUploadMetrics) ObserveUpload(string) {}

// Config wires a Handler.
type Config struct {
	Sessions *auth.SessionManager
	OAuth    oauth.Service
	Streams  StreamService
	Channels ChannelLookup
	Uploads  *uploads.Store
	// FrontendURL receives the browser after the OAuth callback.
	FrontendURL     string
	Cookies         SessionCookiePolicy
	PipelineTimeout time.Duration
	Logger          *slog.Logger
	Metrics         UploadMetrics
}

// Handler serves the relay's HTTP routes.
type Handler struct {
	sessions        *auth.SessionManager
	oauth           oauth.Service
	streams         StreamService
	channels        ChannelLookup
	uploads         *uploads.Store
	frontendURL     string
	cookies         SessionCookiePolicy
	pipelineTimeout time.Duration
	logger          *slog.Logger
	metrics         UploadMetrics
}

// NewHandler validates cfg and constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	var errs []error
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("session manager is required"))
	}
	if cfg.OAuth == nil {
		errs = append(errs, errors.New("oauth service is required"))
	}
	if cfg.Streams == nil {
		errs = append(errs, errors.New("stream service is required"))
	}
	if cfg.Uploads == nil {
		errs = append(errs, errors.New("upload store is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	cookies := cfg.Cookies
	if cookies.SameSite == 0 {
		cookies.SameSite = DefaultSessionCookiePolicy().SameSite
	}
	timeout := cfg.PipelineTimeout
	if timeout <= 0 {
		timeout = defaultPipelineTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopUploadMetrics{}
	}
	return &Handler{
		sessions:        cfg.Sessions,
		oauth:           cfg.OAuth,
		streams:         cfg.Streams,
		channels:        cfg.Channels,
		uploads:         cfg.Uploads,
		frontendURL:     strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/"),
		cookies:         cookies,
		pipelineTimeout: timeout,
		logger:          logger.With("component", "api"),
		metrics:         metrics,
	}, nil
}
