package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"bitriver-relay/internal/youtube"
)

const (
	DefaultPrivacy       = "public"
	DefaultFormat        = "1080p"
	DefaultIngestionType = "rtmp"
)

// Platform is the remote broadcast API the relay drives.
type Platform interface {
	CreateBroadcast(ctx context.Context, ts oauth2.TokenSource, spec youtube.BroadcastSpec) (youtube.Broadcast, error)
	CreateStream(ctx context.Context, ts oauth2.TokenSource, spec youtube.StreamSpec) (youtube.LiveStream, error)
	Bind(ctx context.Context, ts oauth2.TokenSource, broadcastID, streamID string) error
	Transition(ctx context.Context, ts oauth2.TokenSource, broadcastID string, status youtube.TransitionStatus) error
	DeleteBroadcast(ctx context.Context, ts oauth2.TokenSource, id string) error
	DeleteStream(ctx context.Context, ts oauth2.TokenSource, id string) error
	StreamStatus(ctx context.Context, ts oauth2.TokenSource, id string) (string, error)
}

// Request describes the remote resources for one stream attempt.
type Request struct {
	Title         string
	Privacy       string
	Format        string
	IngestionType string
}

// Resources are the provisioned and bound remote resources.
type Resources struct {
	BroadcastID   string
	StreamID      string
	IngestURL     string
	// IngestionType is the protocol the platform assigned to the stream.
	IngestionType string
	BoundAt       time.Time
}

type provisioner struct {
	platform Platform
	pacing   Pacing
	logger   *slog.Logger
	tracer   trace.Tracer
	timeout  time.Duration
}

// Provision creates the broadcast and ingest stream concurrently, waits for
// the platform to settle, then binds them. Each created resource is pushed
// onto the returned rollback as soon as its create returns, so the caller
// can compensate whatever exists when an error is returned.
func (p *provisioner) Provision(ctx context.Context, ts oauth2.TokenSource, req Request) (Resources, *rollback, error) {
	rb := newRollback(p.logger, p.timeout)
	ctx, span := p.tracer.Start(ctx, "broadcast.provision")
	defer span.End()

	var (
		created youtube.Broadcast
		stream  youtube.LiveStream
	)
	var group errgroup.Group
	group.Go(func() error {
		b, err := p.platform.CreateBroadcast(ctx, ts, broadcastSpec(req))
		if err != nil {
			return &ProvisioningError{Resource: "broadcast", Err: err}
		}
		created = b
		rb.identify(b.ID, "")
		rb.push("delete broadcast", func(ctx context.Context) error {
			return p.platform.DeleteBroadcast(ctx, ts, b.ID)
		})
		p.logger.Info("broadcast created", "broadcast_id", b.ID, "stage", StageProvisioning)
		return nil
	})
	group.Go(func() error {
		s, err := p.platform.CreateStream(ctx, ts, streamSpec(req))
		if err != nil {
			return &ProvisioningError{Resource: "ingest stream", Err: err}
		}
		stream = s
		rb.identify("", s.ID)
		rb.push("delete ingest stream", func(ctx context.Context) error {
			return p.platform.DeleteStream(ctx, ts, s.ID)
		})
		p.logger.Info("ingest stream created", "stream_id", s.ID, "stage", StageProvisioning)
		return nil
	})
	if err := group.Wait(); err != nil {
		var provErr *ProvisioningError
		if errors.As(err, &provErr) {
			provErr.BroadcastID = created.ID
			provErr.StreamID = stream.ID
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, StageProvisioning)
		return Resources{}, rb, err
	}

	if stream.IngestionType == "" {
		stream.IngestionType = streamSpec(req).IngestionType
	}
	res := Resources{BroadcastID: created.ID, StreamID: stream.ID, IngestURL: stream.IngestURL(), IngestionType: stream.IngestionType}
	span.SetAttributes(attribute.String("broadcast.id", res.BroadcastID), attribute.String("stream.id", res.StreamID))
	if res.IngestURL == "" {
		err := &ProvisioningError{Resource: "ingest stream", BroadcastID: res.BroadcastID, StreamID: res.StreamID, Err: errors.New("platform returned no ingestion address")}
		span.RecordError(err)
		span.SetStatus(codes.Error, StageProvisioning)
		return res, rb, err
	}

	if err := sleepContext(ctx, p.pacing.BeforeBind); err != nil {
		bindErr := &BindingError{BroadcastID: res.BroadcastID, StreamID: res.StreamID, Err: err}
		span.RecordError(bindErr)
		span.SetStatus(codes.Error, StageBinding)
		return res, rb, bindErr
	}
	if err := p.platform.Bind(ctx, ts, res.BroadcastID, res.StreamID); err != nil {
		bindErr := &BindingError{BroadcastID: res.BroadcastID, StreamID: res.StreamID, Err: err}
		span.RecordError(bindErr)
		span.SetStatus(codes.Error, StageBinding)
		return res, rb, bindErr
	}
	res.BoundAt = time.Now()
	p.logger.Info("broadcast bound", "broadcast_id", res.BroadcastID, "stream_id", res.StreamID, "stage", StageBinding)
	return res, rb, nil
}

func broadcastSpec(req Request) youtube.BroadcastSpec {
	return youtube.BroadcastSpec{
		Title:              req.Title,
		Description:        fmt.Sprintf("Stream of %s", req.Title),
		ScheduledStartTime: time.Now().UTC(),
		Privacy:            firstNonEmpty(req.Privacy, DefaultPrivacy),
		MadeForKids:        false,
		EnableAutoStart:    true,
		EnableAutoStop:     true,
		EnableDVR:          true,
		EnableEmbed:        true,
		RecordFromStart:    true,
		MonitorStream:      true,
		MonitorDelayMs:     0,
	}
}

func streamSpec(req Request) youtube.StreamSpec {
	return youtube.StreamSpec{
		Title:         "Stream",
		Description:   fmt.Sprintf("Stream for %s", req.Title),
		Format:        firstNonEmpty(req.Format, DefaultFormat),
		IngestionType: firstNonEmpty(req.IngestionType, DefaultIngestionType),
		Resolution:    "variable",
		FrameRate:     "variable",
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
