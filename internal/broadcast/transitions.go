package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"bitriver-relay/internal/encoder"
	"bitriver-relay/internal/session"
	"bitriver-relay/internal/youtube"
)

// Minimum waits between lifecycle steps. The platform needs this long to
// notice incoming media; shorter waits make transitions fail intermittently.
const (
	MinBeforeBind        = 2 * time.Second
	MinAfterBind         = 2 * time.Second
	MinAfterEncoderStart = 5 * time.Second
	MinBeforeTesting     = 3 * time.Second
	MinBeforeLive        = 5 * time.Second

	defaultPollInterval     = time.Second
	defaultReadinessTimeout = 30 * time.Second
	defaultCallTimeout      = 30 * time.Second
)

// Pacing holds the waits between lifecycle steps. Each wait is measured
// from the previous acknowledged step.
type Pacing struct {
	BeforeBind        time.Duration `yaml:"before_bind"`
	AfterBind         time.Duration `yaml:"after_bind"`
	AfterEncoderStart time.Duration `yaml:"after_encoder_start"`
	BeforeTesting     time.Duration `yaml:"before_testing"`
	BeforeLive        time.Duration `yaml:"before_live"`
	// PollReadiness waits for the ingest stream to report active before the
	// first transition.
	PollReadiness    bool          `yaml:"poll_readiness"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	// AllowShortDelays disables the minimums. Tests only.
	AllowShortDelays bool `yaml:"-"`
}

// DefaultPacing returns the minimum waits with readiness polling enabled.
func DefaultPacing() Pacing {
	return Pacing{
		BeforeBind:        MinBeforeBind,
		AfterBind:         MinAfterBind,
		AfterEncoderStart: MinAfterEncoderStart,
		BeforeTesting:     MinBeforeTesting,
		BeforeLive:        MinBeforeLive,
		PollReadiness:     true,
		PollInterval:      defaultPollInterval,
		ReadinessTimeout:  defaultReadinessTimeout,
	}
}

// Normalize raises every wait to its minimum and fills poll defaults.
func (p Pacing) Normalize() Pacing {
	if !p.AllowShortDelays {
		p.BeforeBind = atLeast(p.BeforeBind, MinBeforeBind)
		p.AfterBind = atLeast(p.AfterBind, MinAfterBind)
		p.AfterEncoderStart = atLeast(p.AfterEncoderStart, MinAfterEncoderStart)
		p.BeforeTesting = atLeast(p.BeforeTesting, MinBeforeTesting)
		p.BeforeLive = atLeast(p.BeforeLive, MinBeforeLive)
	}
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	if p.ReadinessTimeout <= 0 {
		p.ReadinessTimeout = defaultReadinessTimeout
	}
	return p
}

func atLeast(value, min time.Duration) time.Duration {
	if value < min {
		return min
	}
	return value
}

// errEncoderExited is reported when the process ends cleanly before live.
var errEncoderExited = errors.New("encoder exited before broadcast went live")

type step struct {
	target youtube.TransitionStatus
	wait   time.Duration
	state  session.State
	poll   bool
}

type transitioner struct {
	platform    Platform
	registry    *session.Registry
	pacing      Pacing
	logger      *slog.Logger
	tracer      trace.Tracer
	callTimeout time.Duration
	metrics     Metrics
}

// Advance drives the broadcast through ready, testing and live. Each
// transition is issued only after its wait has elapsed since the previous
// acknowledgement, and never if the encoder has already exited.
func (t *transitioner) Advance(ctx context.Context, ts oauth2.TokenSource, res Resources, events <-chan encoder.Event, startedAt time.Time) error {
	steps := []step{
		{target: youtube.StatusReady, wait: t.pacing.AfterEncoderStart, state: session.StateReady, poll: t.pacing.PollReadiness},
		{target: youtube.StatusTesting, wait: t.pacing.BeforeTesting, state: session.StateTesting},
		{target: youtube.StatusLive, wait: t.pacing.BeforeLive, state: session.StateLive},
	}
	mark := startedAt
	for _, st := range steps {
		if err := t.waitSince(ctx, mark, st.wait, events); err != nil {
			return t.fail(res, st.target, err)
		}
		if st.poll {
			if err := t.awaitActive(ctx, ts, res, events); err != nil {
				return t.fail(res, st.target, err)
			}
		}
		began := time.Now()
		if err := t.transition(ctx, ts, res, st.target); err != nil {
			t.metrics.ObserveStage(StageTransition, "error", time.Since(began))
			return t.fail(res, st.target, err)
		}
		t.metrics.ObserveStage(StageTransition, "ok", time.Since(began))
		mark = time.Now()
		t.registry.SetState(res.StreamID, st.state)
		t.logger.Info("broadcast transitioned", "broadcast_id", res.BroadcastID, "stream_id", res.StreamID, "stage", StageTransition, "status", string(st.target))
	}
	return nil
}

// transition issues one call. Once issued it runs to completion regardless
// of ctx, bounded by the call timeout.
func (t *transitioner) transition(ctx context.Context, ts oauth2.TokenSource, res Resources, target youtube.TransitionStatus) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.callTimeout)
	defer cancel()
	callCtx, span := t.tracer.Start(callCtx, "broadcast.transition", trace.WithAttributes(
		attribute.String("broadcast.id", res.BroadcastID),
		attribute.String("broadcast.status", string(target)),
	))
	defer span.End()
	if err := t.platform.Transition(callCtx, ts, res.BroadcastID, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, StageTransition)
		return err
	}
	return nil
}

func (t *transitioner) fail(res Resources, target youtube.TransitionStatus, err error) error {
	var runtimeErr *encoder.RuntimeError
	if errors.As(err, &runtimeErr) {
		return err
	}
	return &TransitionError{Target: target, BroadcastID: res.BroadcastID, StreamID: res.StreamID, Err: err}
}

// waitSince blocks until d has elapsed since mark, returning early when ctx
// ends or the encoder exits.
func (t *transitioner) waitSince(ctx context.Context, mark time.Time, d time.Duration, events <-chan encoder.Event) error {
	remaining := d - time.Since(mark)
	if remaining <= 0 {
		return exitedEarly(events)
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case evt, ok := <-events:
			if err := terminalError(evt, ok); err != nil {
				return err
			}
		}
	}
}

// awaitActive polls the ingest stream until the platform reports media
// arriving.
func (t *transitioner) awaitActive(ctx context.Context, ts oauth2.TokenSource, res Resources, events <-chan encoder.Event) error {
	deadline := time.Now().Add(t.pacing.ReadinessTimeout)
	for {
		status, err := t.platform.StreamStatus(ctx, ts, res.StreamID)
		if err == nil && status == youtube.StreamStatusActive {
			return nil
		}
		if err != nil {
			t.logger.Debug("stream status poll failed", "stream_id", res.StreamID, "error", err)
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("ingest stream never became active: %w", err)
			}
			return fmt.Errorf("ingest stream never became active, last status %q", status)
		}
		if err := t.waitSince(ctx, time.Now(), t.pacing.PollInterval, events); err != nil {
			return err
		}
	}
}

func exitedEarly(events <-chan encoder.Event) error {
	for {
		select {
		case evt, ok := <-events:
			if err := terminalError(evt, ok); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func terminalError(evt encoder.Event, ok bool) error {
	if !ok {
		return errEncoderExited
	}
	switch evt.Kind {
	case encoder.EventFailed:
		if evt.Err != nil {
			return evt.Err
		}
		return errEncoderExited
	case encoder.EventEnded:
		return errEncoderExited
	}
	return nil
}
