// Package hardware is the contract between a capture session and the camera:
// binding, still photos, recordings and the live frame feed.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

var (
	ErrUnknownHandle     = errors.New("unknown hardware handle")
	ErrUnknownRecording  = errors.New("unknown recording")
	ErrAlreadyRecording  = errors.New("a recording is already active on this handle")
	ErrRecordingFinished = errors.New("recording already finished")
	ErrNoFrames          = errors.New("no frames were recorded")
	ErrNoFrame           = errors.New("no frame available")
)

// Facing is the direction a camera points.
type Facing int

const (
	FacingUnknown Facing = iota
	FacingFront
	FacingBack
	FacingExternal
)

func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingBack:
		return "back"
	case FacingExternal:
		return "external"
	default:
		return "unknown"
	}
}

// StopReason says why a recording ended.
type StopReason int

const (
	StopUser StopReason = iota
	StopDurationLimit
	StopFileSizeLimit
	StopSessionClosed
	StopLifecycle
)

func (r StopReason) String() string {
	switch r {
	case StopUser:
		return "user"
	case StopDurationLimit:
		return "duration_limit"
	case StopFileSizeLimit:
		return "file_size_limit"
	case StopSessionClosed:
		return "session_closed"
	case StopLifecycle:
		return "lifecycle"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// IsLimit reports whether the recording hit a configured cap.
func (r StopReason) IsLimit() bool {
	return r == StopDurationLimit || r == StopFileSizeLimit
}

// StreamInfo describes a bound camera.
type StreamInfo struct {
	DeviceID      string
	Label         string
	Facing        Facing
	MaxResolution quality.Resolution
	FrameRate     float64
	HasFlash      bool
}

// Handle is an active binding to a camera.
type Handle interface {
	ID() string
	Info() StreamInfo
	// SupportedQualities lists the recording tiers the camera can deliver.
	SupportedQualities() []quality.Tier
}

// Recording is an in-progress video.
type Recording interface {
	ID() string
	Path() string
}

// PhotoRequest describes one still capture.
type PhotoRequest struct {
	ID               string
	Path             string
	JPEGQuality      int
	HorizontalMirror capture.MirrorMode
	VerticalMirror   capture.MirrorMode
	Flash            capture.FlashMode
	Latency          capture.LatencyMode
	Location         *media.Location
}

// VideoRequest describes one recording. Zero limits mean unlimited.
type VideoRequest struct {
	ID            string
	Path          string
	Quality       quality.Tier
	BitRate       int
	DurationLimit time.Duration
	FileSizeLimit int64
	Mirror        capture.MirrorMode
	Location      *media.Location
}

// LimitFunc is called once, from a hardware goroutine, when a recording hits
// its duration or size limit. No frames are written after that point.
type LimitFunc func(reason StopReason)

// Hardware is implemented by camera backends.
type Hardware interface {
	Bind(ctx context.Context, cfg *capture.Config) (Handle, error)
	CapturePhoto(ctx context.Context, h Handle, req PhotoRequest) (media.FileMetaData, error)
	StartVideo(ctx context.Context, h Handle, req VideoRequest, onLimit LimitFunc) (Recording, error)
	StopVideo(ctx context.Context, rec Recording, reason StopReason) (media.FileMetaData, error)
	// SubscribeFrames calls fn for every frame until the returned cancel
	// function is called or the handle is unbound. fn must not block.
	SubscribeFrames(h Handle, fn func(media.Frame)) (cancel func())
	Unbind(h Handle) error
}

// ParseStopReason accepts the reasons a caller may request. Limit and
// session-closed reasons are produced internally and are rejected here.
func ParseStopReason(s string) (StopReason, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return StopUser, nil
	case "lifecycle":
		return StopLifecycle, nil
	default:
		return StopUser, fmt.Errorf("unsupported stop reason %q", s)
	}
}
