// Package session tracks which streams currently own an encode process.
//
// The Registry is the single source of truth for "is this stream active":
// an id is present exactly while an encode process started for it is
// running. It is created by the caller and handed to the encoder manager and
// the broadcast service, so its lifetime is explicit.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrAlreadyRegistered is returned when an id already owns an active handle.
var ErrAlreadyRegistered = errors.New("stream already registered")

// ErrInvalidID is returned for blank stream ids.
var ErrInvalidID = errors.New("stream id is required")

// Handle is the registry's view of a running encode process.
type Handle interface {
	// Kill forcibly terminates the process. It must be safe to call more
	// than once.
	Kill() error
}

type entry struct {
	handle    Handle
	state     State
	startedAt time.Time
}

// Registry maps stream ids to their active encode handle and session state.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

// Register records handle as the active process for id with state Encoding.
func (r *Registry) Register(id string, handle Handle) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	if handle == nil {
		return errors.New("handle is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return ErrAlreadyRegistered
	}
	r.entries[id] = &entry{handle: handle, state: StateEncoding, startedAt: r.now()}
	return nil
}

// Unregister removes id and returns the handle it held, if any.
func (r *Registry) Unregister(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return current.handle, true
}

// UnregisterHandle removes id only while it still maps to handle. Exit
// watchers use it so a late exit never evicts a newer process.
func (r *Registry) UnregisterHandle(id string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[id]
	if !ok || current.handle != handle {
		return false
	}
	delete(r.entries, id)
	return true
}

// Lookup returns the handle registered for id.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return current.handle, true
}

// SetState updates the state for a registered id. It returns false when the
// id is not registered.
func (r *Registry) SetState(id string, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[id]
	if !ok {
		return false
	}
	current.state = state
	return true
}

// State returns the recorded state for id.
func (r *Registry) State(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.entries[id]
	if !ok {
		return StateCreated, false
	}
	return current.state, true
}

// Len reports how many streams are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshots lists registered sessions ordered by start time.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.entries))
	for id, current := range r.entries {
		out = append(out, Snapshot{ID: id, State: current.state.String(), StartedAt: current.startedAt})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// IDs lists the registered stream ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
