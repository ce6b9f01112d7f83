package encoder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceMissing is returned when the media file is absent.
	ErrSourceMissing = errors.New("media source missing")
	// ErrAlreadyActive is returned when the stream id already owns a process.
	ErrAlreadyActive = errors.New("encoder already active for stream")
	// ErrStartupTimeout is returned when ffmpeg never reports that it started.
	ErrStartupTimeout = errors.New("encoder startup timed out")
	// ErrExitedEarly is returned when ffmpeg exits before reporting startup.
	ErrExitedEarly = errors.New("encoder exited before startup")
	// ErrRuntime matches every RuntimeError.
	ErrRuntime = errors.New("encoder exited unexpectedly")
)

// StartupError describes an encode process that never reached a confirmed
// start. Diagnostics holds the tail of ffmpeg's stderr.
type StartupError struct {
	StreamID    string
	Diagnostics []string
	Err         error
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("start encoder for stream %s: %v", e.StreamID, e.Err)
	if tail := lastLine(e.Diagnostics); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Err }

// RuntimeError reports a confirmed encode process that later exited with a
// failure.
type RuntimeError struct {
	StreamID    string
	ExitCode    int
	Diagnostics []string
	Err         error
}

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("encoder for stream %s exited with code %d", e.StreamID, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func (e *RuntimeError) Is(target error) bool { return target == ErrRuntime }

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
