// Package broadcast orchestrates a stream attempt: it provisions the remote
// broadcast and ingest stream, starts the local encoder, advances the
// broadcast to live, and compensates everything created when any step
// fails.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"bitriver-relay/internal/encoder"
	"bitriver-relay/internal/session"
)

const (
	DefaultWatchBaseURL         = "https://youtube.com"
	DefaultMaxConcurrentStreams = 8
)

// EncodeHandle is a started encode process.
type EncodeHandle interface {
	ID() string
	Events() *encoder.EventStream
}

// Encoder starts and stops encode processes keyed by stream id.
type Encoder interface {
	Start(ctx context.Context, mediaPath string, target encoder.Target, id string) (EncodeHandle, error)
	Stop(id string) bool
	IsActive(id string) bool
}

// Metrics receives orchestration outcomes.
type Metrics interface {
	ObserveStage(stage, outcome string, duration time.Duration)
	StreamStarted()
	StreamEnded(outcome string)
	CompensationFailed(step string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStage(string, string, time.Duration) {}
func (noopMetrics) StreamStarted()                             {}
func (noopMetrics) StreamEnded(string)                         {}
func (noopMetrics) CompensationFailed(string)                  {}

// Config wires a Service.
type Config struct {
	Platform             Platform
	Encoder              Encoder
	Registry             *session.Registry
	Pacing               Pacing
	WatchBaseURL         string
	MaxConcurrentStreams int64
	CompensationTimeout  time.Duration
	CallTimeout          time.Duration
	// RemoveMedia deletes a local media file. Missing files must not be
	// reported as errors.
	RemoveMedia func(path string) error
	Logger      *slog.Logger
	Metrics     Metrics
	Tracer      trace.Tracer
}

// StartRequest is one stream attempt.
type StartRequest struct {
	Title         string
	MediaPath     string
	Privacy       string
	Format        string
	IngestionType string
}

// StartResult is returned once the broadcast is live.
type StartResult struct {
	BroadcastURL string `json:"broadcast_url"`
	BroadcastID  string `json:"broadcast_id"`
	StreamID     string `json:"stream_id"`
}

// Service runs stream attempts. It is safe for concurrent use; attempts for
// different streams never block each other beyond the concurrency cap.
type Service struct {
	platform     Platform
	encoder      Encoder
	registry     *session.Registry
	provisioner  *provisioner
	transitioner *transitioner
	pacing       Pacing
	watchBase    string
	slots        *semaphore.Weighted
	compTimeout  time.Duration
	removeMedia  func(string) error
	logger       *slog.Logger
	metrics      Metrics
	tracer       trace.Tracer

	mu          sync.Mutex
	closing     bool
	closed      context.Context
	signalClose context.CancelFunc
	pipelines   sync.WaitGroup
	watchers    sync.WaitGroup
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Platform == nil {
		return nil, errors.New("broadcast platform is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broadcast")
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("bitriver-relay/broadcast")
	}
	watchBase := strings.TrimRight(strings.TrimSpace(cfg.WatchBaseURL), "/")
	if watchBase == "" {
		watchBase = DefaultWatchBaseURL
	}
	limit := cfg.MaxConcurrentStreams
	if limit <= 0 {
		limit = DefaultMaxConcurrentStreams
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	remove := cfg.RemoveMedia
	if remove == nil {
		remove = removeFile
	}
	pacing := cfg.Pacing.Normalize()
	closed, signalClose := context.WithCancel(context.Background())

	return &Service{
		platform: cfg.Platform,
		encoder:  cfg.Encoder,
		registry: cfg.Registry,
		provisioner: &provisioner{
			platform: cfg.Platform,
			pacing:   pacing,
			logger:   logger,
			tracer:   tracer,
			timeout:  cfg.CompensationTimeout,
		},
		transitioner: &transitioner{
			platform:    cfg.Platform,
			registry:    cfg.Registry,
			pacing:      pacing,
			logger:      logger,
			tracer:      tracer,
			callTimeout: callTimeout,
			metrics:     metrics,
		},
		pacing:      pacing,
		watchBase:   watchBase,
		slots:       semaphore.NewWeighted(limit),
		compTimeout: cfg.CompensationTimeout,
		removeMedia: remove,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		closed:      closed,
		signalClose: signalClose,
	}, nil
}

// StartStream provisions, binds, encodes and advances a broadcast to live.
// On any failure every resource created during the attempt is deleted and
// the media file is removed before the error is returned. On success the
// media file is removed once the encode process ends. Once the service
// begins closing, new attempts fail with ErrShuttingDown and attempts in
// flight are aborted and rolled back.
func (s *Service) StartStream(ctx context.Context, req StartRequest, creds oauth2.TokenSource) (StartResult, error) {
	req.Title = strings.TrimSpace(req.Title)
	if strings.TrimSpace(req.MediaPath) == "" {
		return StartResult{}, fmt.Errorf("%w: media path is required", ErrInvalidRequest)
	}
	if req.Title == "" {
		s.discardMedia(ctx, req.MediaPath)
		return StartResult{}, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if creds == nil {
		s.discardMedia(ctx, req.MediaPath)
		return StartResult{}, fmt.Errorf("%w: credentials are required", ErrInvalidRequest)
	}
	if !s.enter() {
		s.discardMedia(ctx, req.MediaPath)
		return StartResult{}, ErrShuttingDown
	}
	defer s.pipelines.Done()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopOnClose := context.AfterFunc(s.closed, func() { cancel(ErrShuttingDown) })
	defer stopOnClose()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.discardMedia(ctx, req.MediaPath)
		return StartResult{}, fmt.Errorf("wait for stream slot: %w", contextCause(ctx, err))
	}
	defer s.slots.Release(1)

	ctx, span := s.tracer.Start(ctx, "broadcast.StartStream", trace.WithAttributes(attribute.String("broadcast.title", req.Title)))
	defer span.End()

	began := time.Now()
	res, rb, err := s.provisioner.Provision(ctx, creds, Request{
		Title:         req.Title,
		Privacy:       req.Privacy,
		Format:        req.Format,
		IngestionType: req.IngestionType,
	})
	rb.finally("remove media file", func(context.Context) error {
		return s.removeMedia(req.MediaPath)
	})
	if err != nil {
		return StartResult{}, s.abort(ctx, span, rb, err, began)
	}
	s.metrics.ObserveStage(StageProvisioning, "ok", time.Since(began))
	logger := s.logger.With("broadcast_id", res.BroadcastID, "stream_id", res.StreamID)

	if err := sleepContext(ctx, s.pacing.AfterBind-time.Since(res.BoundAt)); err != nil {
		return StartResult{}, s.abort(ctx, span, rb, &EncoderStartError{BroadcastID: res.BroadcastID, StreamID: res.StreamID, Err: err}, began)
	}

	handle, err := s.encoder.Start(ctx, req.MediaPath, encoder.Target{URL: res.IngestURL, Protocol: res.IngestionType}, res.StreamID)
	if err != nil {
		return StartResult{}, s.abort(ctx, span, rb, &EncoderStartError{BroadcastID: res.BroadcastID, StreamID: res.StreamID, Err: err}, began)
	}
	startedAt := time.Now()
	streamID := res.StreamID
	rb.push("stop encoder", func(context.Context) error {
		s.encoder.Stop(streamID)
		return nil
	})
	logger.Info("encoder confirmed", "stage", StageEncoderStart)

	events, unsubscribe := handle.Events().Subscribe()
	err = s.transitioner.Advance(ctx, creds, res, events, startedAt)
	unsubscribe()
	if err != nil {
		return StartResult{}, s.abort(ctx, span, rb, err, began)
	}

	result := StartResult{
		BroadcastURL: fmt.Sprintf("%s/watch?v=%s", s.watchBase, res.BroadcastID),
		BroadcastID:  res.BroadcastID,
		StreamID:     res.StreamID,
	}
	s.metrics.StreamStarted()
	s.metrics.ObserveStage("live", "ok", time.Since(began))
	span.SetAttributes(attribute.String("broadcast.id", res.BroadcastID), attribute.String("stream.id", res.StreamID))
	logger.Info("stream live", "broadcast_url", result.BroadcastURL, "elapsed_ms", time.Since(began).Milliseconds())

	s.watch(handle, req.MediaPath, logger)
	return result, nil
}

// StopStream force-stops the encode process for id. It reports whether a
// process was running and never fails.
func (s *Service) StopStream(id string) bool {
	stopped := s.encoder.Stop(strings.TrimSpace(id))
	if stopped {
		s.logger.Info("stream stop requested", "stream_id", id)
	}
	return stopped
}

// IsStreaming reports whether id currently has an encode process.
func (s *Service) IsStreaming(id string) bool {
	return s.encoder.IsActive(strings.TrimSpace(id))
}

// State returns the lifecycle state recorded for an active stream.
func (s *Service) State(id string) (session.State, bool) {
	return s.registry.State(strings.TrimSpace(id))
}

// Sessions lists active streams.
func (s *Service) Sessions() []session.Snapshot {
	return s.registry.Snapshots()
}

// ActiveCount reports how many streams are encoding.
func (s *Service) ActiveCount() int {
	return s.registry.Len()
}

// BeginClose stops the service accepting attempts and aborts those in
// flight. It does not wait; see Close.
func (s *Service) BeginClose() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signalClose()
}

// Close begins closing and blocks until every attempt in flight has
// finished its rollback or ctx ends. Post-live streams are left running.
func (s *Service) Close(ctx context.Context) error {
	s.BeginClose()
	return waitGroup(ctx, &s.pipelines)
}

// Wait blocks until every attempt in flight and every post-live watcher
// has finished, or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	if err := waitGroup(ctx, &s.pipelines); err != nil {
		return err
	}
	return waitGroup(ctx, &s.watchers)
}

// enter registers an attempt unless the service is closing.
func (s *Service) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.pipelines.Add(1)
	return true
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contextCause marks err as a shutdown abort when ctx was cancelled by
// BeginClose.
func contextCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrShuttingDown) && !errors.Is(err, ErrShuttingDown) {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	return err
}

func (s *Service) abort(ctx context.Context, span trace.Span, rb *rollback, cause error, began time.Time) error {
	cause = contextCause(ctx, cause)
	stage := Stage(cause)
	s.metrics.ObserveStage(stage, "error", time.Since(began))
	span.RecordError(cause)
	span.SetStatus(codes.Error, stage)
	s.logger.Error("stream attempt failed", "stage", stage, "error", cause)

	for _, warning := range rb.run(ctx) {
		s.metrics.CompensationFailed(warning.Step)
		span.AddEvent("compensation_warning", trace.WithAttributes(attribute.String("step", warning.Step)))
	}
	return cause
}

func (s *Service) discardMedia(ctx context.Context, path string) {
	rb := newRollback(s.logger, s.compTimeout)
	rb.finally("remove media file", func(context.Context) error {
		return s.removeMedia(path)
	})
	for _, warning := range rb.run(ctx) {
		s.metrics.CompensationFailed(warning.Step)
	}
}

// watch removes the media file once the live encode process ends and
// reports how it ended.
func (s *Service) watch(handle EncodeHandle, mediaPath string, logger *slog.Logger) {
	events, unsubscribe := handle.Events().Subscribe()
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer unsubscribe()
		for evt := range events {
			if !evt.Terminal() {
				continue
			}
			switch {
			case evt.Kind == encoder.EventFailed:
				s.metrics.StreamEnded("failed")
				logger.Error("encoder failed after live", "stage", StageEncoderRuntime, "error", evt.Err)
			case evt.Stopped:
				s.metrics.StreamEnded("stopped")
				logger.Info("stream stopped")
			default:
				s.metrics.StreamEnded("ended")
				logger.Info("stream ended")
			}
			if err := s.removeMedia(mediaPath); err != nil {
				logger.Warn("remove media file", "path", mediaPath, "error", err)
			}
			return
		}
	}()
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
