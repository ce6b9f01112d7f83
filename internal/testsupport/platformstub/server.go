package platformstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Operation names recorded by the stub and accepted by Options.Fail.
const (
	OpInsertBroadcast = "insertBroadcast"
	OpInsertStream    = "insertStream"
	OpBind            = "bind"
	OpTransition      = "transition"
	OpDeleteBroadcast = "deleteBroadcast"
	OpDeleteStream    = "deleteStream"
	OpListStreams     = "listStreams"
	OpListChannels    = "listChannels"
)

// Failure makes an operation answer with Status. When Target is set only
// calls naming that target fail (the transition status, for example).
// Times limits how many calls fail; zero fails every call.
type Failure struct {
	Status int
	Reason string
	Target string
	Times  int
}

// Options describes how the fake platform should behave.
type Options struct {
	// AccessToken, when set, is required as the bearer token on every call.
	AccessToken string

	ChannelID    string
	ChannelTitle string
	Thumbnail    string

	// IngestionAddress is returned for every inserted stream.
	IngestionAddress string

	// InactivePolls is how many stream status reads report "ready" before
	// the stream turns "active".
	InactivePolls int

	// Fail maps an operation name to the failure it should produce.
	Fail map[string]Failure
}

// Operation represents a recorded API interaction.
type Operation struct {
	Kind      string
	ID        string
	Target    string
	Status    int
	Timestamp time.Time
}

type broadcast struct {
	title     string
	privacy   string
	lifecycle string
	boundTo   string
}

// Platform hosts a single httptest.Server serving the API subset the relay
// uses.
type Platform struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	broadcasts map[string]*broadcast
	streams    map[string]int
	failed     map[string]int
	nextID     int
}

// Start spins up a new platform stub using the provided options.
func Start(opts Options) *Platform {
	if opts.IngestionAddress == "" {
		opts.IngestionAddress = "rtmp://ingest.invalid/live2"
	}
	if opts.ChannelID == "" {
		opts.ChannelID = "UC-stub"
	}
	p := &Platform{
		opts:       opts,
		broadcasts: make(map[string]*broadcast),
		streams:    make(map[string]int),
		failed:     make(map[string]int),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// Close shuts down the underlying HTTP server.
func (p *Platform) Close() {
	if p.server != nil {
		p.server.Close()
	}
}

// URL is the API root to hand to the client. Resources are served under
// /youtube/v3 beneath it, as on the real endpoint.
func (p *Platform) URL() string {
	return p.server.URL + "/"
}

// Operations returns a copy of the recorded calls.
func (p *Platform) Operations() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Operation(nil), p.operations...)
}

// Kinds lists recorded operation kinds in call order, with the target
// appended after a colon when present.
func (p *Platform) Kinds() []string {
	ops := p.Operations()
	kinds := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.Target != "" {
			kinds = append(kinds, op.Kind+":"+op.Target)
			continue
		}
		kinds = append(kinds, op.Kind)
	}
	return kinds
}

// Remaining reports how many broadcasts and streams still exist.
func (p *Platform) Remaining() (broadcasts, streams int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.broadcasts), len(p.streams)
}

// Lifecycle returns the lifecycle status of a broadcast.
func (p *Platform) Lifecycle(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.broadcasts[id]
	if !ok {
		return "", false
	}
	return b.lifecycle, true
}

const apiPrefix = "/youtube/v3"

func (p *Platform) handle(w http.ResponseWriter, r *http.Request) {
	if want := p.opts.AccessToken; want != "" {
		if r.Header.Get("Authorization") != "Bearer "+want {
			writeError(w, http.StatusUnauthorized, "authError", "invalid credentials")
			return
		}
	}
	query := r.URL.Query()
	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	switch {
	case r.Method == http.MethodPost && path == "/liveBroadcasts":
		p.insertBroadcast(w, r)
	case r.Method == http.MethodPost && path == "/liveStreams":
		p.insertStream(w, r)
	case r.Method == http.MethodPost && path == "/liveBroadcasts/bind":
		p.bind(w, query.Get("id"), query.Get("streamId"))
	case r.Method == http.MethodPost && path == "/liveBroadcasts/transition":
		p.transition(w, query.Get("id"), query.Get("broadcastStatus"))
	case r.Method == http.MethodDelete && path == "/liveBroadcasts":
		p.deleteBroadcast(w, query.Get("id"))
	case r.Method == http.MethodDelete && path == "/liveStreams":
		p.deleteStream(w, query.Get("id"))
	case r.Method == http.MethodGet && path == "/liveStreams":
		p.listStreams(w, query.Get("id"))
	case r.Method == http.MethodGet && path == "/channels":
		p.listChannels(w)
	default:
		writeError(w, http.StatusNotFound, "notFound", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	}
}

// begin records an operation and applies any configured failure. It
// returns the operation's index, or false when the failure response has
// been written.
func (p *Platform) begin(w http.ResponseWriter, kind, id, target string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := Operation{Kind: kind, ID: id, Target: target, Status: http.StatusOK, Timestamp: time.Now()}
	if failure, ok := p.opts.Fail[kind]; ok && (failure.Target == "" || failure.Target == target) {
		if failure.Times == 0 || p.failed[kind] < failure.Times {
			p.failed[kind]++
			op.Status = failure.Status
			p.operations = append(p.operations, op)
			writeError(w, failure.Status, failure.Reason, kind+" failed")
			return 0, false
		}
	}
	p.operations = append(p.operations, op)
	return len(p.operations) - 1, true
}

func (p *Platform) newID(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s%d", prefix, p.nextID)
}

func (p *Platform) insertBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		Status struct {
			PrivacyStatus string `json:"privacyStatus"`
		} `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Snippet.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalidTitle", "title is required")
		return
	}
	idx, ok := p.begin(w, OpInsertBroadcast, "", "")
	if !ok {
		return
	}
	p.mu.Lock()
	id := p.newID("B")
	p.broadcasts[id] = &broadcast{title: body.Snippet.Title, privacy: body.Status.PrivacyStatus, lifecycle: "created"}
	p.operations[idx].ID = id
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"snippet": map[string]any{"title": body.Snippet.Title},
		"status":  map[string]any{"privacyStatus": body.Status.PrivacyStatus, "lifeCycleStatus": "created"},
	})
}

func (p *Platform) insertStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
		CDN struct {
			IngestionType string `json:"ingestionType"`
		} `json:"cdn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalidRequest", err.Error())
		return
	}
	ingestion := body.CDN.IngestionType
	if ingestion == "" {
		ingestion = "rtmp"
	}
	idx, ok := p.begin(w, OpInsertStream, "", "")
	if !ok {
		return
	}
	p.mu.Lock()
	id := p.newID("S")
	p.streams[id] = 0
	p.operations[idx].ID = id
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"snippet": map[string]any{"title": body.Snippet.Title},
		"cdn": map[string]any{
			"ingestionType": ingestion,
			"ingestionInfo": map[string]any{
				"streamName":       "key-" + id,
				"ingestionAddress": p.opts.IngestionAddress,
			},
		},
		"status": map[string]any{"streamStatus": "ready"},
	})
}

func (p *Platform) bind(w http.ResponseWriter, broadcastID, streamID string) {
	if _, ok := p.begin(w, OpBind, broadcastID, streamID); !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.broadcasts[broadcastID]
	if !ok {
		writeError(w, http.StatusNotFound, "liveBroadcastNotFound", "broadcast not found")
		return
	}
	if _, ok := p.streams[streamID]; !ok {
		writeError(w, http.StatusNotFound, "liveStreamNotFound", "stream not found")
		return
	}
	b.boundTo = streamID
	writeJSON(w, http.StatusOK, map[string]any{"id": broadcastID})
}

func (p *Platform) transition(w http.ResponseWriter, broadcastID, status string) {
	if _, ok := p.begin(w, OpTransition, broadcastID, status); !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.broadcasts[broadcastID]
	if !ok {
		writeError(w, http.StatusNotFound, "liveBroadcastNotFound", "broadcast not found")
		return
	}
	if b.boundTo == "" {
		writeError(w, http.StatusForbidden, "invalidTransition", "broadcast is not bound to a stream")
		return
	}
	b.lifecycle = status
	writeJSON(w, http.StatusOK, map[string]any{"id": broadcastID, "status": map[string]any{"lifeCycleStatus": status}})
}

func (p *Platform) deleteBroadcast(w http.ResponseWriter, id string) {
	if _, ok := p.begin(w, OpDeleteBroadcast, id, ""); !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.broadcasts[id]; !ok {
		writeError(w, http.StatusNotFound, "liveBroadcastNotFound", "broadcast not found")
		return
	}
	delete(p.broadcasts, id)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Platform) deleteStream(w http.ResponseWriter, id string) {
	if _, ok := p.begin(w, OpDeleteStream, id, ""); !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[id]; !ok {
		writeError(w, http.StatusNotFound, "liveStreamNotFound", "stream not found")
		return
	}
	delete(p.streams, id)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Platform) listStreams(w http.ResponseWriter, id string) {
	if _, ok := p.begin(w, OpListStreams, id, ""); !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	polls, ok := p.streams[id]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	status := "ready"
	if polls >= p.opts.InactivePolls {
		status = "active"
	}
	p.streams[id] = polls + 1
	writeJSON(w, http.StatusOK, map[string]any{"items": []any{
		map[string]any{"id": id, "status": map[string]any{"streamStatus": status}},
	}})
}

func (p *Platform) listChannels(w http.ResponseWriter) {
	if _, ok := p.begin(w, OpListChannels, "", ""); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": []any{
		map[string]any{
			"id": p.opts.ChannelID,
			"snippet": map[string]any{
				"title":      p.opts.ChannelTitle,
				"thumbnails": map[string]any{"default": map[string]any{"url": p.opts.Thumbnail}},
			},
		},
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"errors":  []any{map[string]any{"reason": reason, "message": message}},
		},
	})
}
