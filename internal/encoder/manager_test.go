package encoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitriver-relay/internal/session"
)

var ingest = Target{URL: "rtmp://ingest.local/live2/key", Protocol: "rtmp"}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	failed   int
	outcomes []string
}

func (r *recordingMetrics) EncoderStarted() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingMetrics) EncoderStartFailed() {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
}

func (r *recordingMetrics) EncoderExited(outcome string) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recordingMetrics) snapshot() (int, int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.failed, append([]string(nil), r.outcomes...)
}

func newTestManager(t *testing.T, mode string, startupTimeout time.Duration) (*Manager, *recordingMetrics) {
	t.Helper()
	t.Setenv(fakeModeEnv, mode)
	metrics := &recordingMetrics{}
	mgr := NewManager(session.NewRegistry(), Config{
		Binary:         os.Args[0],
		StartupTimeout: startupTimeout,
		KillWait:       5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.StopAll(ctx)
	})
	return mgr, metrics
}

func writeMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o600))
	return path
}

func waitTerminal(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed without terminal event")
			}
			if evt.Terminal() {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event")
		}
	}
}

func TestStartConfirmsOnProgressAndRegisters(t *testing.T) {
	mgr, metrics := newTestManager(t, "progress", 5*time.Second)

	proc, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.NoError(t, err)
	assert.True(t, mgr.IsActive("S1"))

	state, ok := mgr.Registry().State("S1")
	require.True(t, ok)
	assert.Equal(t, session.StateEncoding, state)

	events, cancel := proc.Events().Subscribe()
	defer cancel()
	select {
	case evt := <-events:
		assert.Equal(t, EventProgress, evt.Kind)
		assert.Positive(t, evt.Progress.Frame)
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a progress event")
	}

	started, _, _ := metrics.snapshot()
	assert.Equal(t, 1, started)
}

func TestStartConfirmsOnStderrBanner(t *testing.T) {
	mgr, _ := newTestManager(t, "banner", 5*time.Second)

	proc, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.NoError(t, err)
	assert.Contains(t, proc.Diagnostics(), "Output #0, flv, to 'rtmp://ingest.local/live2/key':")
}

func TestStartRejectsMissingSource(t *testing.T) {
	mgr, _ := newTestManager(t, "progress", time.Second)

	_, err := mgr.Start(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), ingest, "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceMissing))
	assert.False(t, mgr.IsActive("S1"))

	_, err = mgr.Start(context.Background(), t.TempDir(), ingest, "S1")
	assert.True(t, errors.Is(err, ErrSourceMissing))
}

func TestStartRejectsSecondProcessForSameStream(t *testing.T) {
	mgr, _ := newTestManager(t, "progress", 5*time.Second)
	media := writeMedia(t)

	_, err := mgr.Start(context.Background(), media, ingest, "S1")
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), media, ingest, "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyActive))
	assert.Equal(t, 1, mgr.Registry().Len())
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	mgr, metrics := newTestManager(t, "exit-early", 5*time.Second)

	_, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExitedEarly))

	var startErr *StartupError
	require.True(t, errors.As(err, &startErr))
	assert.Contains(t, startErr.Diagnostics, "rtmp://ingest.local/live2/key: Connection refused")
	assert.False(t, mgr.IsActive("S1"))

	_, failed, _ := metrics.snapshot()
	assert.Equal(t, 1, failed)
}

func TestStartTimesOutSilentProcess(t *testing.T) {
	mgr, _ := newTestManager(t, "silent", 200*time.Millisecond)

	begin := time.Now()
	_, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartupTimeout))
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.False(t, mgr.IsActive("S1"))
}

func TestStartHonoursContextCancellation(t *testing.T) {
	mgr, _ := newTestManager(t, "silent", 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := mgr.Start(ctx, writeMedia(t), ingest, "S1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStopPublishesStoppedEndAndIsIdempotent(t *testing.T) {
	mgr, metrics := newTestManager(t, "progress", 5*time.Second)

	proc, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.NoError(t, err)

	first, cancelFirst := proc.Events().Subscribe()
	defer cancelFirst()
	second, cancelSecond := proc.Events().Subscribe()
	defer cancelSecond()

	assert.True(t, mgr.Stop("S1"))
	assert.False(t, mgr.IsActive("S1"))
	assert.False(t, mgr.Stop("S1"), "second stop must be a no-op")

	for _, events := range []<-chan Event{first, second} {
		evt := waitTerminal(t, events)
		assert.Equal(t, EventEnded, evt.Kind)
		assert.True(t, evt.Stopped)
	}

	late, _ := proc.Events().Subscribe()
	evt := <-late
	assert.Equal(t, EventEnded, evt.Kind)
	_, open := <-late
	assert.False(t, open)

	_, _, outcomes := metrics.snapshot()
	assert.Equal(t, []string{"stopped"}, outcomes)
}

func TestCleanExitPublishesEnded(t *testing.T) {
	mgr, _ := newTestManager(t, "finish", 5*time.Second)

	proc, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.NoError(t, err)
	events, cancel := proc.Events().Subscribe()
	defer cancel()

	evt := waitTerminal(t, events)
	assert.Equal(t, EventEnded, evt.Kind)
	assert.False(t, evt.Stopped)
	assert.Nil(t, evt.Err)
	<-proc.Done()
	assert.False(t, mgr.IsActive("S1"))
}

func TestCrashPublishesRuntimeError(t *testing.T) {
	mgr, _ := newTestManager(t, "crash", 5*time.Second)

	proc, err := mgr.Start(context.Background(), writeMedia(t), ingest, "S1")
	require.NoError(t, err)
	events, cancel := proc.Events().Subscribe()
	defer cancel()

	evt := waitTerminal(t, events)
	require.Equal(t, EventFailed, evt.Kind)
	require.NotNil(t, evt.Err)
	assert.Equal(t, 3, evt.Err.ExitCode)
	assert.True(t, errors.Is(evt.Err, ErrRuntime))
	assert.Contains(t, evt.Err.Diagnostics, "av_interleaved_write_frame(): Broken pipe")

	<-proc.Done()
	assert.False(t, mgr.IsActive("S1"))
}

func TestStopAllKillsEveryProcess(t *testing.T) {
	mgr, _ := newTestManager(t, "progress", 5*time.Second)
	media := writeMedia(t)

	var procs []*Process
	for _, id := range []string{"S1", "S2", "S3"} {
		proc, err := mgr.Start(context.Background(), media, ingest, id)
		require.NoError(t, err)
		procs = append(procs, proc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr.StopAll(ctx)

	assert.Equal(t, 0, mgr.Registry().Len())
	for _, proc := range procs {
		select {
		case <-proc.Done():
		default:
			t.Fatalf("process %s still running after StopAll", proc.ID())
		}
	}
}
