package broadcast

import (
	"errors"
	"fmt"

	"bitriver-relay/internal/encoder"
	"bitriver-relay/internal/youtube"
)

var (
	ErrInvalidRequest = errors.New("invalid stream request")
	ErrProvisioning   = errors.New("provisioning failed")
	ErrBinding        = errors.New("binding failed")
	ErrEncoderStart   = errors.New("encoder start failed")
	ErrEncoderRuntime = encoder.ErrRuntime
	ErrTransition     = errors.New("transition failed")
	ErrShuttingDown   = errors.New("stream service is shutting down")
)

// Stage names reported to callers and metrics.
const (
	StageProvisioning   = "provisioning"
	StageBinding        = "binding"
	StageEncoderStart   = "encoder_start"
	StageEncoderRuntime = "encoder_runtime"
	StageTransition     = "transition"
	StageCompensation   = "compensation"
)

// EncoderRuntimeError is an encode process exiting after confirmed start.
type EncoderRuntimeError = encoder.RuntimeError

// ProvisioningError reports a failed broadcast or ingest stream create.
type ProvisioningError struct {
	Resource    string
	BroadcastID string
	StreamID    string
	Err         error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("create %s: %v", e.Resource, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

// BindingError reports a failed bind after both resources exist.
type BindingError struct {
	BroadcastID string
	StreamID    string
	Err         error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind broadcast %s to stream %s: %v", e.BroadcastID, e.StreamID, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }

func (e *BindingError) Is(target error) bool { return target == ErrBinding }

// EncoderStartError reports an encode process that never confirmed start.
type EncoderStartError struct {
	BroadcastID string
	StreamID    string
	Err         error
}

func (e *EncoderStartError) Error() string {
	return fmt.Sprintf("start encoder for stream %s: %v", e.StreamID, e.Err)
}

func (e *EncoderStartError) Unwrap() error { return e.Err }

func (e *EncoderStartError) Is(target error) bool { return target == ErrEncoderStart }

// TransitionError reports a failed lifecycle transition, or a wait before
// one that could not complete.
type TransitionError struct {
	Target      youtube.TransitionStatus
	BroadcastID string
	StreamID    string
	Err         error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition broadcast %s to %s: %v", e.BroadcastID, e.Target, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func (e *TransitionError) Is(target error) bool { return target == ErrTransition }

// CompensationWarning records a rollback step that failed. It is logged and
// counted, never returned to the caller.
type CompensationWarning struct {
	Step        string
	BroadcastID string
	StreamID    string
	Err         error
}

func (w *CompensationWarning) Error() string {
	return fmt.Sprintf("compensation step %q: %v", w.Step, w.Err)
}

func (w *CompensationWarning) Unwrap() error { return w.Err }

// Stage maps a StartStream error to the stage that produced it.
func Stage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProvisioning):
		return StageProvisioning
	case errors.Is(err, ErrBinding):
		return StageBinding
	case errors.Is(err, ErrEncoderStart):
		return StageEncoderStart
	case errors.Is(err, ErrTransition):
		return StageTransition
	case errors.Is(err, ErrEncoderRuntime):
		return StageEncoderRuntime
	default:
		return ""
	}
}
