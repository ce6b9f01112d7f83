package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCompensationTimeout = 30 * time.Second

type undoStep struct {
	name string
	undo func(context.Context) error
}

// rollback collects undo steps as resources are created and replays them
// newest first. The final step runs after every other step.
type rollback struct {
	mu          sync.Mutex
	steps       []undoStep
	final       *undoStep
	timeout     time.Duration
	logger      *slog.Logger
	broadcastID string
	streamID    string
}

func newRollback(logger *slog.Logger, timeout time.Duration) *rollback {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultCompensationTimeout
	}
	return &rollback{logger: logger, timeout: timeout}
}

func (r *rollback) push(name string, undo func(context.Context) error) {
	r.mu.Lock()
	r.steps = append(r.steps, undoStep{name: name, undo: undo})
	r.mu.Unlock()
}

func (r *rollback) finally(name string, undo func(context.Context) error) {
	r.mu.Lock()
	r.final = &undoStep{name: name, undo: undo}
	r.mu.Unlock()
}

func (r *rollback) identify(broadcastID, streamID string) {
	r.mu.Lock()
	if broadcastID != "" {
		r.broadcastID = broadcastID
	}
	if streamID != "" {
		r.streamID = streamID
	}
	r.mu.Unlock()
}

func (r *rollback) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// run executes every step on a context detached from ctx's cancellation so
// compensation completes even when the request that failed is gone. Step
// failures become warnings and never stop the remaining steps.
func (r *rollback) run(ctx context.Context) []*CompensationWarning {
	r.mu.Lock()
	steps := make([]undoStep, 0, len(r.steps)+1)
	for i := len(r.steps) - 1; i >= 0; i-- {
		steps = append(steps, r.steps[i])
	}
	if r.final != nil {
		steps = append(steps, *r.final)
	}
	r.steps = nil
	r.final = nil
	broadcastID, streamID := r.broadcastID, r.streamID
	r.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var warnings []*CompensationWarning
	for _, step := range steps {
		if err := step.undo(runCtx); err != nil {
			warning := &CompensationWarning{Step: step.name, BroadcastID: broadcastID, StreamID: streamID, Err: err}
			r.logger.Warn("compensation step failed", "step", step.name, "broadcast_id", broadcastID, "stream_id", streamID, "error", err)
			warnings = append(warnings, warning)
			continue
		}
		r.logger.Debug("compensation step completed", "step", step.name, "broadcast_id", broadcastID, "stream_id", streamID)
	}
	return warnings
}
