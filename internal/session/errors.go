package session

import (
	"fmt"
	"time"

	"github.com/mikeyg42/capturekit/internal/hardware"
)

// Stable reason codes carried by session errors and events.
const (
	CodeBindFailed       = "bind_failed"
	CodeInitCancelled    = "init_cancelled"
	CodePhotoFailed      = "photo_failed"
	CodeVideoStartFailed = "video_start_failed"
	CodeVideoStopFailed  = "video_stop_failed"
	CodePublishFailed    = "publish_failed"
	CodeInvalidState     = "invalid_state"
	CodeDurationLimit    = "duration_limit"
	CodeFileSizeLimit    = "file_size_limit"
)

// InitError reports that a session could not bind its camera. The machine is
// back in Idle when Reason is CodeBindFailed and Start may be retried.
type InitError struct {
	Reason string
	Err    error
}

func (e *InitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session init failed: %s", e.Reason)
	}
	return fmt.Sprintf("session init failed: %s: %v", e.Reason, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
func (e *InitError) Code() string  { return e.Reason }

// CaptureError reports a failed photo or video operation. The session stays
// open.
type CaptureError struct {
	Op     string
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
func (e *CaptureError) Code() string  { return e.Reason }

// StateError is returned for an operation that is not valid in the current
// state. Nothing changes.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Code() string { return CodeInvalidState }

// LimitReachedError describes a recording that ended on its duration or
// size cap. It is a completion reason, not a failure.
type LimitReachedError struct {
	Reason        hardware.StopReason
	DurationLimit time.Duration
	FileSizeLimit int64
}

func (e *LimitReachedError) Error() string {
	switch e.Reason {
	case hardware.StopDurationLimit:
		return fmt.Sprintf("recording reached its duration limit of %s", e.DurationLimit)
	case hardware.StopFileSizeLimit:
		return fmt.Sprintf("recording reached its size limit of %d bytes", e.FileSizeLimit)
	default:
		return fmt.Sprintf("recording stopped: %s", e.Reason)
	}
}

func (e *LimitReachedError) Code() string {
	if e.Reason == hardware.StopFileSizeLimit {
		return CodeFileSizeLimit
	}
	return CodeDurationLimit
}
