package youtube

import (
	"strings"
	"time"
)

// TransitionStatus is a broadcast lifecycle target accepted by the
// transition endpoint.
type TransitionStatus string

const (
	StatusReady    TransitionStatus = "ready"
	StatusTesting  TransitionStatus = "testing"
	StatusLive     TransitionStatus = "live"
	StatusComplete TransitionStatus = "complete"
)

// Ingestion protocols accepted by liveStreams.insert.
const (
	IngestionRTMP = "rtmp"
	IngestionHLS  = "hls"
	IngestionDASH = "dash"
)

// StreamStatusActive is reported once the ingest endpoint receives media.
const StreamStatusActive = "active"

// BroadcastSpec describes a liveBroadcast to insert.
type BroadcastSpec struct {
	Title              string
	Description        string
	ScheduledStartTime time.Time
	Privacy            string
	MadeForKids        bool
	EnableAutoStart    bool
	EnableAutoStop     bool
	EnableDVR          bool
	EnableEmbed        bool
	RecordFromStart    bool
	MonitorStream      bool
	MonitorDelayMs     int64
}

// Broadcast is the subset of a liveBroadcast resource the relay reads.
type Broadcast struct {
	ID              string
	Title           string
	LifeCycleStatus string
	PrivacyStatus   string
}

// StreamSpec describes a liveStream to insert.
type StreamSpec struct {
	Title         string
	Description   string
	Format        string
	IngestionType string
	Resolution    string
	FrameRate     string
}

// LiveStream is the subset of a liveStream resource the relay reads.
type LiveStream struct {
	ID                     string
	IngestionType          string
	StreamName             string
	IngestionAddress       string
	BackupIngestionAddress string
	StreamStatus           string
}

// IngestURL is where the encoder pushes media. RTMP addresses take the
// stream name as a path segment. HTTP ingestion addresses already carry
// the stream id in their query and end in "file=", which names the
// manifest the encoder writes.
func (s LiveStream) IngestURL() string {
	address := strings.TrimSpace(s.IngestionAddress)
	if address == "" {
		return ""
	}
	switch strings.ToLower(s.IngestionType) {
	case IngestionHLS:
		return httpIngestURL(address, "master.m3u8")
	case IngestionDASH:
		return httpIngestURL(address, "manifest.mpd")
	}
	name := strings.TrimSpace(s.StreamName)
	if name == "" {
		return ""
	}
	return strings.TrimRight(address, "/") + "/" + name
}

func httpIngestURL(address, manifest string) string {
	if strings.HasSuffix(address, "file=") {
		return address + manifest
	}
	return address
}

// Channel is the authenticated user's channel profile.
type Channel struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
}
