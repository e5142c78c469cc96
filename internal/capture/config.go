// Package capture defines the immutable per-session capture configuration and
// the builder that validates it.
package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

// Mode selects what a session does when the host requests a capture.
type Mode int

const (
	ModeTakePhoto Mode = iota + 1
	ModeTakeVideo
	ModeImageAnalysis
)

func (m Mode) String() string {
	switch m {
	case ModeTakePhoto:
		return "take_photo"
	case ModeTakeVideo:
		return "take_video"
	case ModeImageAnalysis:
		return "image_analysis"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch normalize(s) {
	case "take_photo", "photo":
		return ModeTakePhoto, nil
	case "take_video", "video":
		return ModeTakeVideo, nil
	case "image_analysis", "analysis":
		return ModeImageAnalysis, nil
	default:
		return 0, fmt.Errorf("unknown capture mode %q", s)
	}
}

// FlashMode is the flash policy for photos, or a continuous torch.
type FlashMode int

const (
	FlashAuto FlashMode = iota
	FlashOn
	FlashOff
	FlashTorch
)

func (f FlashMode) String() string {
	switch f {
	case FlashAuto:
		return "auto"
	case FlashOn:
		return "on"
	case FlashOff:
		return "off"
	case FlashTorch:
		return "torch"
	default:
		return fmt.Sprintf("flash(%d)", int(f))
	}
}

func ParseFlashMode(s string) (FlashMode, error) {
	switch normalize(s) {
	case "", "auto":
		return FlashAuto, nil
	case "on":
		return FlashOn, nil
	case "off":
		return FlashOff, nil
	case "torch":
		return FlashTorch, nil
	default:
		return 0, fmt.Errorf("unknown flash mode %q", s)
	}
}

// MirrorMode decides whether output is flipped. The zero value mirrors only
// front-facing cameras.
type MirrorMode int

const (
	MirrorOnFrontOnly MirrorMode = iota
	MirrorOn
	MirrorOff
)

func (m MirrorMode) String() string {
	switch m {
	case MirrorOnFrontOnly:
		return "on_front_only"
	case MirrorOn:
		return "on"
	case MirrorOff:
		return "off"
	default:
		return fmt.Sprintf("mirror(%d)", int(m))
	}
}

// Applies reports whether output from a camera facing the user should be flipped.
func (m MirrorMode) Applies(frontFacing bool) bool {
	switch m {
	case MirrorOn:
		return true
	case MirrorOnFrontOnly:
		return frontFacing
	default:
		return false
	}
}

func ParseMirrorMode(s string) (MirrorMode, error) {
	switch normalize(s) {
	case "", "on_front_only", "front_only":
		return MirrorOnFrontOnly, nil
	case "on":
		return MirrorOn, nil
	case "off":
		return MirrorOff, nil
	default:
		return 0, fmt.Errorf("unknown mirror mode %q", s)
	}
}

// LatencyMode trades photo latency against image quality.
type LatencyMode int

const (
	MinimizeLatency LatencyMode = iota
	MaximizeQuality
)

func (l LatencyMode) String() string {
	if l == MaximizeQuality {
		return "maximize_quality"
	}
	return "minimize_latency"
}

func ParseLatencyMode(s string) (LatencyMode, error) {
	switch normalize(s) {
	case "", "minimize_latency", "latency":
		return MinimizeLatency, nil
	case "maximize_quality", "quality":
		return MaximizeQuality, nil
	default:
		return 0, fmt.Errorf("unknown latency mode %q", s)
	}
}

// VideoLimits configures recordings. Zero durations and sizes mean unlimited.
type VideoLimits struct {
	EncodingBitRate int
	DurationLimit   time.Duration
	FileSizeLimit   int64
	Quality         quality.Tier
	Persistent      bool
	Mirror          MirrorMode
}

// ImageLimits configures still photos.
type ImageLimits struct {
	JPEGQuality      int
	HorizontalMirror MirrorMode
	VerticalMirror   MirrorMode
	Latency          LatencyMode
}

// Config is the validated, read-only configuration of one session. Build one
// with a Builder or from a Spec.
type Config struct {
	cacheDir   string
	mode       Mode
	flash      FlashMode
	targetSize quality.Resolution
	video      VideoLimits
	image      ImageLimits
	location   *media.Location
}

// CacheDir is where the hardware writes files before they are published.
func (c *Config) CacheDir() string { return c.cacheDir }

func (c *Config) Mode() Mode       { return c.mode }
func (c *Config) Flash() FlashMode { return c.flash }

// TargetSize is the preferred frame size. Zero means the device default.
func (c *Config) TargetSize() quality.Resolution { return c.targetSize }

func (c *Config) Video() VideoLimits { return c.video }
func (c *Config) Image() ImageLimits { return c.image }

// Location returns a copy of the geotag, if one was configured.
func (c *Config) Location() (media.Location, bool) {
	if c.location == nil {
		return media.Location{}, false
	}
	return *c.location, true
}

func (c *Config) String() string {
	return fmt.Sprintf("mode=%s flash=%s size=%s quality=%s jpeg=%d", c.mode, c.flash, c.targetSize, c.video.Quality, c.image.JPEGQuality)
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}
