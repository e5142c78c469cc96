// Package camera is the hardware.FrameSource backed by a local video device
// through pion/mediadevices. A driver must be registered by the binary, e.g.
// with a blank import of github.com/pion/mediadevices/pkg/driver/camera.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/hardware"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

var ErrNoCamera = errors.New("no camera found")

// Device describes an attached camera.
type Device struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

// List returns the video inputs known to the registered drivers.
func List() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		label := d.Label
		if label == "" {
			label = d.DeviceID
		}
		out = append(out, Device{DeviceID: d.DeviceID, Label: label})
	}
	return out
}

// Source opens cameras with fixed capture constraints. A capture config's
// target size, when set, overrides Width and Height.
type Source struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
	Facing    hardware.Facing
	HasFlash  bool
	Logger    capturelog.Logger
}

var _ hardware.FrameSource = (*Source)(nil)

func (s *Source) Open(ctx context.Context, cfg *capture.Config) (hardware.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = capturelog.L().Named("camera")
	}

	dev, err := s.resolveDevice()
	if err != nil {
		return nil, err
	}

	width, height := s.Width, s.Height
	if ts := cfg.TargetSize(); ts.Width > 0 && ts.Height > 0 {
		width, height = ts.Width, ts.Height
	}
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	fps := s.FrameRate
	if fps <= 0 {
		fps = 15
	}

	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(dev.DeviceID)
			c.Width = prop.IntExact(width)
			c.Height = prop.IntExact(height)
			c.FrameRate = prop.FloatExact(fps)
		},
	}
	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("failed to get user media: %w", err)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("camera %s returned no video tracks", dev.DeviceID)
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range tracks {
			_ = t.Close()
		}
		return nil, fmt.Errorf("track is not a video track: %T", tracks[0])
	}

	logger.Info("Camera opened",
		capturelog.String("device_id", dev.DeviceID),
		capturelog.String("label", dev.Label),
		capturelog.Int("width", width),
		capturelog.Int("height", height),
		capturelog.Float64("fps", fps))

	return &stream{
		track:  vt,
		reader: vt.NewReader(false),
		info: hardware.StreamInfo{
			DeviceID:      dev.DeviceID,
			Label:         dev.Label,
			Facing:        s.Facing,
			MaxResolution: quality.Resolution{Width: width, Height: height},
			FrameRate:     fps,
			HasFlash:      s.HasFlash,
		},
	}, nil
}

func (s *Source) resolveDevice() (Device, error) {
	devices := List()
	if s.DeviceID == "" {
		if len(devices) == 0 {
			return Device{}, ErrNoCamera
		}
		return devices[0], nil
	}
	for _, d := range devices {
		if d.DeviceID == s.DeviceID {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrNoCamera, s.DeviceID)
}

type stream struct {
	track  *mediadevices.VideoTrack
	reader video.Reader
	info   hardware.StreamInfo

	mu     sync.Mutex
	closed bool
}

func (s *stream) Info() hardware.StreamInfo { return s.info }

// Read copies the next frame out of the driver buffer before releasing it.
func (s *stream) Read(ctx context.Context) (media.Frame, error) {
	if err := ctx.Err(); err != nil {
		return media.Frame{}, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return media.Frame{}, io.EOF
	}

	img, release, err := s.reader.Read()
	if err != nil {
		return media.Frame{}, err
	}
	defer func() {
		if release != nil {
			release()
		}
	}()
	if img == nil {
		return media.Frame{}, errors.New("camera returned an empty frame")
	}
	return media.Frame{Image: hardware.CloneImage(img)}, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.track.Close()
}
