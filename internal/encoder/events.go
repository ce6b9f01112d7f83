package encoder

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventKind distinguishes progress reports from terminal events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventEnded
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventEnded:
		return "ended"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is one block of ffmpeg -progress output.
type Progress struct {
	Frame     int64
	FPS       float64
	OutTime   time.Duration
	TotalSize int64
	Bitrate   string
	Speed     string
}

// Event is delivered to subscribers of a process. Exactly one event with
// kind EventEnded or EventFailed is published per process.
type Event struct {
	Kind     EventKind
	StreamID string
	At       time.Time
	Progress Progress
	// Stopped is set on EventEnded when the process was killed on request.
	Stopped bool
	Err     *RuntimeError
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventEnded || e.Kind == EventFailed
}

const subscriberBuffer = 16

// EventStream fans events out to any number of subscribers. Progress is
// best effort and dropped for slow consumers; one buffer slot per
// subscriber is held back so the terminal event is always delivered.
type EventStream struct {
	mu       sync.Mutex
	subs     map[int]chan Event
	next     int
	terminal *Event
	done     chan struct{}
}

// NewEventStream returns a stream with no subscribers.
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[int]chan Event), done: make(chan struct{})}
}

// Subscribe returns a channel that receives future events and is closed
// after the terminal event. Subscribing after termination yields the
// terminal event alone. The returned func detaches the subscriber.
func (s *EventStream) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		ch <- *s.terminal
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Subscribers reports how many consumers are attached.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Done is closed once the terminal event has been published.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Terminal returns the terminal event once published.
func (s *EventStream) Terminal() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		return Event{}, false
	}
	return *s.terminal, true
}

// Publish delivers evt. Events after the terminal one are ignored.
func (s *EventStream) Publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return
	}
	if evt.Terminal() {
		s.terminal = &evt
		for id, ch := range s.subs {
			ch <- evt
			close(ch)
			delete(s.subs, id)
		}
		close(s.done)
		return
	}
	for _, ch := range s.subs {
		// Sends happen under mu, so len cannot grow between check and send.
		if len(ch) < cap(ch)-1 {
			ch <- evt
		}
	}
}

// progressParser accumulates key=value lines until a progress= marker.
type progressParser struct {
	current Progress
}

// feed consumes one line and reports a completed block.
func (p *progressParser) feed(line string) (Progress, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return Progress{}, false
	}
	value = strings.TrimSpace(value)
	switch key {
	case "frame":
		p.current.Frame, _ = strconv.ParseInt(value, 10, 64)
	case "fps":
		p.current.FPS, _ = strconv.ParseFloat(value, 64)
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.current.OutTime = time.Duration(us) * time.Microsecond
		}
	case "total_size":
		p.current.TotalSize, _ = strconv.ParseInt(value, 10, 64)
	case "bitrate":
		p.current.Bitrate = value
	case "speed":
		p.current.Speed = value
	case "progress":
		block := p.current
		p.current = Progress{}
		return block, true
	}
	return Progress{}, false
}
