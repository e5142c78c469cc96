// Package synthetic provides a camera that renders a moving test pattern.
// It backs the demo when no device is attached and drives the tests.
package synthetic

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

// Source produces frames of Width x Height at FrameRate.
type Source struct {
	Width     int
	Height    int
	FrameRate float64
	Facing    hardware.Facing
	HasFlash  bool
}

var _ hardware.FrameSource = (*Source)(nil)

func (s *Source) Open(ctx context.Context, cfg *capture.Config) (hardware.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := s.Width, s.Height
	if ts := cfg.TargetSize(); ts.Width > 0 && ts.Height > 0 {
		w, h = ts.Width, ts.Height
	}
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	fps := s.FrameRate
	if fps <= 0 {
		fps = 15
	}

	return &stream{
		info: hardware.StreamInfo{
			DeviceID:      "synthetic",
			Label:         "Test pattern",
			Facing:        s.Facing,
			MaxResolution: quality.Resolution{Width: w, Height: h},
			FrameRate:     fps,
			HasFlash:      s.HasFlash,
		},
		ticker: time.NewTicker(time.Duration(float64(time.Second) / fps)),
		closed: make(chan struct{}),
	}, nil
}

type stream struct {
	info   hardware.StreamInfo
	ticker *time.Ticker
	seq    int64

	once   sync.Once
	closed chan struct{}
}

func (s *stream) Info() hardware.StreamInfo { return s.info }

func (s *stream) Read(ctx context.Context) (media.Frame, error) {
	select {
	case <-ctx.Done():
		return media.Frame{}, ctx.Err()
	case <-s.closed:
		return media.Frame{}, io.EOF
	case now := <-s.ticker.C:
		s.seq++
		return media.Frame{
			Image:     Pattern(s.info.MaxResolution.Width, s.info.MaxResolution.Height, s.seq),
			Timestamp: now,
			Sequence:  s.seq,
		}, nil
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}

// Pattern draws a gradient background with a bright square whose position
// depends on seq, so consecutive frames differ.
func Pattern(w, h int, seq int64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x * 255 / max(w-1, 1))
			img.Pix[i+1] = uint8(y * 255 / max(h-1, 1))
			img.Pix[i+2] = 96
			img.Pix[i+3] = 255
		}
	}

	side := max(min(w, h)/6, 1)
	span := max(w-side, 1)
	x0 := int(seq*4) % span
	y0 := (h - side) / 2
	sq := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for y := y0; y < y0+side && y < h; y++ {
		for x := x0; x < x0+side && x < w; x++ {
			img.SetRGBA(x, y, sq)
		}
	}
	return img
}
