// Package encoder supervises the ffmpeg processes that push media files to
// an ingest endpoint.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bitriver-relay/internal/session"
)

const (
	defaultBinary          = "ffmpeg"
	DefaultStartupTimeout  = 15 * time.Second
	defaultKillWait        = 5 * time.Second
	defaultDiagnosticLines = 64
)

// Metrics receives encoder lifecycle counters.
type Metrics interface {
	EncoderStarted()
	EncoderStartFailed()
	EncoderExited(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) EncoderStarted()      {}
func (noopMetrics) EncoderStartFailed()  {}
func (noopMetrics) EncoderExited(string) {}

// Config tunes a Manager. Zero values select defaults.
type Config struct {
	Binary          string
	StartupTimeout  time.Duration
	KillWait        time.Duration
	DiagnosticLines int
	Logger          *slog.Logger
	Metrics         Metrics
}

// Manager starts, tracks, and stops encode processes. Active processes are
// recorded in the shared session registry.
type Manager struct {
	registry        *session.Registry
	binary          string
	startupTimeout  time.Duration
	killWait        time.Duration
	diagnosticLines int
	logger          *slog.Logger
	metrics         Metrics

	startMu sync.Mutex
	pending map[string]struct{}
}

// NewManager constructs a Manager bound to registry.
func NewManager(registry *session.Registry, cfg Config) *Manager {
	if registry == nil {
		registry = session.NewRegistry()
	}
	m := &Manager{
		registry:        registry,
		binary:          strings.TrimSpace(cfg.Binary),
		startupTimeout:  cfg.StartupTimeout,
		killWait:        cfg.KillWait,
		diagnosticLines: cfg.DiagnosticLines,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		pending:         make(map[string]struct{}),
	}
	if m.binary == "" {
		m.binary = defaultBinary
	}
	if m.startupTimeout <= 0 {
		m.startupTimeout = DefaultStartupTimeout
	}
	if m.killWait <= 0 {
		m.killWait = defaultKillWait
	}
	if m.diagnosticLines <= 0 {
		m.diagnosticLines = defaultDiagnosticLines
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "encoder")
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	return m
}

// Registry exposes the registry this manager records processes in.
func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// Process is a running ffmpeg instance.
type Process struct {
	id      string
	cmd     *exec.Cmd
	events  *EventStream
	stderr  *LineRing
	started chan struct{}
	exited  chan struct{}
	exitErr error
	stopped atomic.Bool

	startOnce sync.Once
	killOnce  sync.Once
	killErr   error
	logger    *slog.Logger
	metrics   Metrics
	registry  *session.Registry
}

// ID returns the stream id the process pushes to.
func (p *Process) ID() string { return p.id }

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Events returns the process's event stream.
func (p *Process) Events() *EventStream { return p.events }

// Diagnostics returns the most recent stderr lines.
func (p *Process) Diagnostics() []string { return p.stderr.LastN(0) }

// Done is closed once the terminal event has been published.
func (p *Process) Done() <-chan struct{} { return p.events.Done() }

// Kill terminates the process group and marks the exit as requested.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		p.stopped.Store(true)
		p.killErr = killProcessGroup(p.cmd)
	})
	return p.killErr
}

func (p *Process) markStarted() {
	p.startOnce.Do(func() { close(p.started) })
}

// Start launches ffmpeg for id and returns once ffmpeg confirms it is
// running: either its first progress block or its output banner. A process
// that exits or stays silent past the startup timeout is killed and
// reported as a StartupError.
func (m *Manager) Start(ctx context.Context, mediaPath string, target Target, id string) (*Process, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, session.ErrInvalidID
	}
	if strings.TrimSpace(target.URL) == "" {
		return nil, fmt.Errorf("ingest url is required")
	}
	info, err := os.Stat(mediaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, mediaPath)
		}
		return nil, fmt.Errorf("stat media source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceMissing, mediaPath)
	}

	if err := m.reserve(id); err != nil {
		return nil, err
	}
	defer m.release(id)

	logger := m.logger.With("stream_id", id)
	cmd := exec.Command(m.binary, BuildArgs(mediaPath, target)...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{StreamID: id, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartupError{StreamID: id, Err: err}
	}

	proc := &Process{
		id:       id,
		cmd:      cmd,
		events:   NewEventStream(),
		stderr:   NewLineRing(m.diagnosticLines),
		started:  make(chan struct{}),
		exited:   make(chan struct{}),
		logger:   logger,
		metrics:  m.metrics,
		registry: m.registry,
	}

	if err := cmd.Start(); err != nil {
		m.metrics.EncoderStartFailed()
		return nil, &StartupError{StreamID: id, Err: err}
	}
	logger.Info("encoder process spawned", "pid", proc.PID(), "binary", m.binary)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		proc.readProgress(stdout)
	}()
	go func() {
		defer readers.Done()
		proc.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		proc.exitErr = cmd.Wait()
		close(proc.exited)
	}()

	timer := time.NewTimer(m.startupTimeout)
	defer timer.Stop()

	var startErr error
	select {
	case <-proc.started:
	case <-proc.exited:
		startErr = ErrExitedEarly
		if proc.exitErr != nil {
			startErr = fmt.Errorf("%w: %v", ErrExitedEarly, proc.exitErr)
		}
	case <-timer.C:
		startErr = ErrStartupTimeout
	case <-ctx.Done():
		startErr = ctx.Err()
	}
	if startErr != nil {
		m.abort(proc)
		m.metrics.EncoderStartFailed()
		logger.Warn("encoder failed to start", "error", startErr)
		return nil, &StartupError{StreamID: id, Diagnostics: proc.Diagnostics(), Err: startErr}
	}

	if err := m.registry.Register(id, proc); err != nil {
		m.abort(proc)
		m.metrics.EncoderStartFailed()
		if errors.Is(err, session.ErrAlreadyRegistered) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, id)
		}
		return nil, err
	}
	m.metrics.EncoderStarted()
	logger.Info("encoder started", "pid", proc.PID())

	go proc.supervise()
	return proc, nil
}

// Stop kills the process registered for id. It reports whether a process
// was found and never fails.
func (m *Manager) Stop(id string) bool {
	handle, ok := m.registry.Unregister(id)
	if !ok {
		return false
	}
	if err := handle.Kill(); err != nil {
		m.logger.Warn("kill encoder process group", "stream_id", id, "error", err)
	}
	m.logger.Info("encoder stopped", "stream_id", id)
	return true
}

// IsActive reports whether id currently owns a process.
func (m *Manager) IsActive(id string) bool {
	_, ok := m.registry.Lookup(id)
	return ok
}

// Lookup returns the running process for id.
func (m *Manager) Lookup(id string) (*Process, bool) {
	handle, ok := m.registry.Lookup(id)
	if !ok {
		return nil, false
	}
	proc, ok := handle.(*Process)
	return proc, ok
}

// StopAll kills every registered process and waits for their terminal
// events until ctx expires.
func (m *Manager) StopAll(ctx context.Context) {
	var waiting []*Process
	for _, id := range m.registry.IDs() {
		if proc, ok := m.Lookup(id); ok {
			waiting = append(waiting, proc)
		}
		m.Stop(id)
	}
	for _, proc := range waiting {
		select {
		case <-proc.Done():
		case <-ctx.Done():
			m.logger.Warn("gave up waiting for encoder exit", "stream_id", proc.ID(), "error", ctx.Err())
			return
		}
	}
}

func (m *Manager) reserve(id string) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if _, busy := m.pending[id]; busy {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	if _, active := m.registry.Lookup(id); active {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	m.pending[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.startMu.Lock()
	delete(m.pending, id)
	m.startMu.Unlock()
}

func (m *Manager) abort(proc *Process) {
	_ = proc.Kill()
	select {
	case <-proc.exited:
	case <-time.After(m.killWait):
		proc.logger.Error("encoder did not exit after kill", "pid", proc.PID())
	}
}

// supervise waits for exit, drops the registry entry, and publishes the
// single terminal event.
func (p *Process) supervise() {
	<-p.exited
	p.registry.UnregisterHandle(p.id, p)

	evt := Event{StreamID: p.id, At: time.Now().UTC()}
	switch {
	case p.stopped.Load():
		evt.Kind = EventEnded
		evt.Stopped = true
		p.metrics.EncoderExited("stopped")
		p.logger.Info("encoder exited after stop")
	case p.exitErr == nil:
		evt.Kind = EventEnded
		p.metrics.EncoderExited("ended")
		p.logger.Info("encoder exited cleanly")
	default:
		evt.Kind = EventFailed
		evt.Err = &RuntimeError{
			StreamID:    p.id,
			ExitCode:    exitCode(p.exitErr),
			Diagnostics: p.Diagnostics(),
			Err:         p.exitErr,
		}
		p.metrics.EncoderExited("failed")
		p.logger.Error("encoder exited unexpectedly", "exit_code", evt.Err.ExitCode, "error", p.exitErr, "stderr_tail", lastLine(evt.Err.Diagnostics))
	}
	p.events.Publish(evt)
}

func (p *Process) readProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	var parser progressParser
	for scanner.Scan() {
		block, complete := parser.feed(scanner.Text())
		if !complete {
			continue
		}
		p.markStarted()
		if p.events.Subscribers() > 0 {
			p.events.Publish(Event{Kind: EventProgress, StreamID: p.id, At: time.Now().UTC(), Progress: block})
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.stderr.Add(line)
		p.logger.Debug("ffmpeg", "line", line)
		if isStartupBanner(line) {
			p.markStarted()
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

func isStartupBanner(line string) bool {
	return strings.HasPrefix(line, "Output #0") || strings.HasPrefix(line, "Press [q]")
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
