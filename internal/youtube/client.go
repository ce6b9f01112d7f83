// Package youtube talks to the YouTube Data API v3 live streaming
// endpoints on behalf of an OAuth-authenticated user.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	ytapi "google.golang.org/api/youtube/v3"
)

const (
	// DefaultBaseURL is the API root; resources live under youtube/v3.
	DefaultBaseURL       = "https://youtube.googleapis.com/"
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
)

var (
	broadcastParts = []string{"snippet", "status", "contentDetails"}
	streamParts    = []string{"snippet", "cdn", "status"}
)

// Config configures a Client. A nil HTTPClient lets the API library build
// its own authenticated transport.
type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

// Client issues live streaming calls. Every call takes the caller's token
// source so one Client serves all users.
type Client struct {
	baseURL       string
	http          *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// NewClient constructs a Client with defaults applied.
func NewClient(cfg Config) *Client {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	interval := cfg.RetryInterval
	if interval < 0 {
		interval = 0
	} else if interval == 0 {
		interval = defaultRetryInterval
	}
	return &Client{
		baseURL:       base,
		http:          cfg.HTTPClient,
		logger:        logger.With("component", "youtube"),
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

// CreateBroadcast inserts a liveBroadcast.
func (c *Client) CreateBroadcast(ctx context.Context, ts oauth2.TokenSource, spec BroadcastSpec) (Broadcast, error) {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return Broadcast{}, err
	}
	body := &ytapi.LiveBroadcast{
		Snippet: &ytapi.LiveBroadcastSnippet{
			Title:       spec.Title,
			Description: spec.Description,
		},
		Status: &ytapi.LiveBroadcastStatus{
			PrivacyStatus:           spec.Privacy,
			SelfDeclaredMadeForKids: spec.MadeForKids,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
		ContentDetails: &ytapi.LiveBroadcastContentDetails{
			EnableAutoStart: spec.EnableAutoStart,
			EnableAutoStop:  spec.EnableAutoStop,
			EnableDvr:       spec.EnableDVR,
			EnableEmbed:     spec.EnableEmbed,
			RecordFromStart: spec.RecordFromStart,
			MonitorStream: &ytapi.MonitorStreamInfo{
				EnableMonitorStream:    &spec.MonitorStream,
				BroadcastStreamDelayMs: spec.MonitorDelayMs,
				ForceSendFields:        []string{"EnableMonitorStream", "BroadcastStreamDelayMs"},
			},
			ForceSendFields: []string{"EnableAutoStart", "EnableAutoStop", "EnableDvr", "EnableEmbed", "RecordFromStart"},
		},
	}
	if !spec.ScheduledStartTime.IsZero() {
		body.Snippet.ScheduledStartTime = spec.ScheduledStartTime.UTC().Format(time.RFC3339)
	}

	var created *ytapi.LiveBroadcast
	err = c.doWithRetry(ctx, "liveBroadcasts.insert", func() (err error) {
		created, err = svc.LiveBroadcasts.Insert(broadcastParts, body).Context(ctx).Do()
		return err
	})
	if err != nil {
		return Broadcast{}, fmt.Errorf("insert broadcast: %w", err)
	}
	if created == nil || created.Id == "" {
		return Broadcast{}, errors.New("insert broadcast: response missing id")
	}
	out := Broadcast{ID: created.Id}
	if created.Snippet != nil {
		out.Title = created.Snippet.Title
	}
	if created.Status != nil {
		out.LifeCycleStatus = created.Status.LifeCycleStatus
		out.PrivacyStatus = created.Status.PrivacyStatus
	}
	return out, nil
}

// CreateStream inserts a liveStream and returns its ingestion info.
func (c *Client) CreateStream(ctx context.Context, ts oauth2.TokenSource, spec StreamSpec) (LiveStream, error) {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return LiveStream{}, err
	}
	body := &ytapi.LiveStream{
		Snippet: &ytapi.LiveStreamSnippet{
			Title:       spec.Title,
			Description: spec.Description,
		},
		Cdn: &ytapi.CdnSettings{
			Format:        spec.Format,
			IngestionType: spec.IngestionType,
			Resolution:    spec.Resolution,
			FrameRate:     spec.FrameRate,
		},
	}

	var created *ytapi.LiveStream
	err = c.doWithRetry(ctx, "liveStreams.insert", func() (err error) {
		created, err = svc.LiveStreams.Insert(streamParts, body).Context(ctx).Do()
		return err
	})
	if err != nil {
		return LiveStream{}, fmt.Errorf("insert stream: %w", err)
	}
	if created == nil || created.Id == "" {
		return LiveStream{}, errors.New("insert stream: response missing id")
	}
	return toLiveStream(created), nil
}

// Bind attaches streamID to broadcastID.
func (c *Client) Bind(ctx context.Context, ts oauth2.TokenSource, broadcastID, streamID string) error {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return err
	}
	err = c.doWithRetry(ctx, "liveBroadcasts.bind", func() error {
		_, err := svc.LiveBroadcasts.Bind(broadcastID, []string{"id", "contentDetails"}).StreamId(streamID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("bind broadcast %s to stream %s: %w", broadcastID, streamID, err)
	}
	return nil
}

// Transition moves broadcastID to status.
func (c *Client) Transition(ctx context.Context, ts oauth2.TokenSource, broadcastID string, status TransitionStatus) error {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return err
	}
	err = c.doWithRetry(ctx, "liveBroadcasts.transition", func() error {
		_, err := svc.LiveBroadcasts.Transition(string(status), broadcastID, []string{"status"}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("transition broadcast %s to %s: %w", broadcastID, status, err)
	}
	return nil
}

// DeleteBroadcast removes a liveBroadcast. A missing broadcast is not an
// error.
func (c *Client) DeleteBroadcast(ctx context.Context, ts oauth2.TokenSource, id string) error {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return err
	}
	err = c.doWithRetry(ctx, "liveBroadcasts.delete", func() error {
		return svc.LiveBroadcasts.Delete(id).Context(ctx).Do()
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete broadcast %s: %w", id, err)
	}
	return nil
}

// DeleteStream removes a liveStream. A missing stream is not an error.
func (c *Client) DeleteStream(ctx context.Context, ts oauth2.TokenSource, id string) error {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return err
	}
	err = c.doWithRetry(ctx, "liveStreams.delete", func() error {
		return svc.LiveStreams.Delete(id).Context(ctx).Do()
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete stream %s: %w", id, err)
	}
	return nil
}

// StreamStatus reports status.streamStatus for a liveStream.
func (c *Client) StreamStatus(ctx context.Context, ts oauth2.TokenSource, id string) (string, error) {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return "", err
	}
	var list *ytapi.LiveStreamListResponse
	err = c.doWithRetry(ctx, "liveStreams.list", func() (err error) {
		list, err = svc.LiveStreams.List([]string{"status"}).Id(id).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get stream %s: %w", id, err)
	}
	if list == nil || len(list.Items) == 0 || list.Items[0].Status == nil {
		return "", &APIError{Status: http.StatusNotFound, Reason: "liveStreamNotFound", Message: "stream " + id + " not found"}
	}
	return list.Items[0].Status.StreamStatus, nil
}

// MyChannel returns the authenticated user's channel profile.
func (c *Client) MyChannel(ctx context.Context, ts oauth2.TokenSource) (Channel, error) {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return Channel{}, err
	}
	var list *ytapi.ChannelListResponse
	err = c.doWithRetry(ctx, "channels.list", func() (err error) {
		list, err = svc.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
		return err
	})
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	if list == nil || len(list.Items) == 0 {
		return Channel{}, ErrNoChannel
	}
	item := list.Items[0]
	channel := Channel{ID: item.Id}
	if item.Snippet != nil {
		channel.Title = item.Snippet.Title
		channel.Thumbnail = thumbnailURL(item.Snippet.Thumbnails)
	}
	return channel, nil
}

func thumbnailURL(details *ytapi.ThumbnailDetails) string {
	if details == nil {
		return ""
	}
	for _, thumb := range []*ytapi.Thumbnail{details.Default, details.Medium, details.High} {
		if thumb != nil && thumb.Url != "" {
			return thumb.Url
		}
	}
	return ""
}

func toLiveStream(res *ytapi.LiveStream) LiveStream {
	stream := LiveStream{ID: res.Id}
	if res.Cdn != nil {
		stream.IngestionType = res.Cdn.IngestionType
		if info := res.Cdn.IngestionInfo; info != nil {
			stream.StreamName = info.StreamName
			stream.IngestionAddress = info.IngestionAddress
			stream.BackupIngestionAddress = info.BackupIngestionAddress
		}
	}
	if res.Status != nil {
		stream.StreamStatus = res.Status.StreamStatus
	}
	return stream
}
