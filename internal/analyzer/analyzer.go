// Package analyzer runs pluggable per-frame analysis for sessions in image
// analysis mode.
package analyzer

import (
	"context"
	"image"
	"time"

	"github.com/mikeyg42/capturekit/internal/media"
)

// Result is what an analyzer concluded about one frame.
type Result struct {
	Detected   bool              `json:"detected"`
	Label      string            `json:"label,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Regions    []image.Rectangle `json:"regions,omitempty"`

	FrameSequence int64         `json:"frame_sequence"`
	FrameTime     time.Time     `json:"frame_time"`
	Latency       time.Duration `json:"latency"`
}

// Analyzer inspects frames. Implementations are never called concurrently
// by a Runner.
type Analyzer interface {
	ProcessFrame(ctx context.Context, frame media.Frame) (Result, error)
}

// Func adapts a function to Analyzer.
type Func func(ctx context.Context, frame media.Frame) (Result, error)

func (f Func) ProcessFrame(ctx context.Context, frame media.Frame) (Result, error) {
	return f(ctx, frame)
}

// Slot holds the analyzer bound to a session. The zero value is Empty.
type Slot struct {
	analyzer Analyzer
}

// Empty is a slot whose analyzer never detects anything.
func Empty() Slot { return Slot{} }

// Bound wraps a. A nil analyzer yields Empty.
func Bound(a Analyzer) Slot { return Slot{analyzer: a} }

func (s Slot) IsEmpty() bool { return s.analyzer == nil }

// Analyzer returns the bound analyzer, or one that never detects.
func (s Slot) Analyzer() Analyzer {
	if s.analyzer == nil {
		return noDetection{}
	}
	return s.analyzer
}

func (s Slot) String() string {
	if s.analyzer == nil {
		return "empty"
	}
	return "bound"
}

type noDetection struct{}

func (noDetection) ProcessFrame(_ context.Context, frame media.Frame) (Result, error) {
	return Result{Label: "none"}, nil
}
