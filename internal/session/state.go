package session

import (
	"strings"
	"time"
)

// State is the lifecycle position of a stream attempt.
type State int

const (
	StateCreated State = iota
	StateProvisioned
	StateBound
	StateEncoding
	StateReady
	StateTesting
	StateLive
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	StateCreated:     "created",
	StateProvisioned: "provisioned",
	StateBound:       "bound",
	StateEncoding:    "encoding",
	StateReady:       "ready",
	StateTesting:     "testing",
	StateLive:        "live",
	StateEnded:       "ended",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// ParseState resolves a state name case-insensitively.
func ParseState(name string) (State, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for idx, candidate := range stateNames {
		if candidate == name {
			return State(idx), true
		}
	}
	return StateCreated, false
}

// Session is one stream attempt. ID is the platform-assigned ingest stream
// id and stays empty until provisioning succeeds.
type Session struct {
	ID          string    `json:"id"`
	BroadcastID string    `json:"broadcastId,omitempty"`
	IngestID    string    `json:"ingestId,omitempty"`
	IngestURL   string    `json:"-"`
	MediaPath   string    `json:"-"`
	Title       string    `json:"title,omitempty"`
	State       State     `json:"-"`
	StartedAt   time.Time `json:"startedAt"`
}

// Snapshot is the read-only view of a registered session.
type Snapshot struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}
