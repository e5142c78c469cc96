package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/capturekit/internal/capture"
	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

// FrameSource opens camera streams. Backends only need to deliver frames;
// Device builds photos, recordings and fan-out on top.
type FrameSource interface {
	Open(ctx context.Context, cfg *capture.Config) (Stream, error)
}

// Stream is an open camera. Read blocks for the next frame and returns
// io.EOF once the stream is closed. Returned frames are owned by the caller.
type Stream interface {
	Info() StreamInfo
	Read(ctx context.Context) (media.Frame, error)
	Close() error
}

// Device implements Hardware on top of a FrameSource.
type Device struct {
	source       FrameSource
	logger       capturelog.Logger
	frameTimeout time.Duration
	unbindWait   time.Duration

	mu       sync.Mutex
	bindings map[string]*binding
}

var _ Hardware = (*Device)(nil)

// DeviceOption configures a Device.
type DeviceOption func(*Device)

func WithLogger(l capturelog.Logger) DeviceOption {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithFrameTimeout bounds how long a photo waits for a frame.
func WithFrameTimeout(t time.Duration) DeviceOption {
	return func(d *Device) {
		if t > 0 {
			d.frameTimeout = t
		}
	}
}

func NewDevice(source FrameSource, opts ...DeviceOption) *Device {
	d := &Device{
		source:       source,
		logger:       capturelog.L().Named("hardware"),
		frameTimeout: 3 * time.Second,
		unbindWait:   2 * time.Second,
		bindings:     make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bind opens the camera described by cfg and starts pumping frames.
func (d *Device) Bind(ctx context.Context, cfg *capture.Config) (Handle, error) {
	stream, err := d.source.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	b := &binding{
		id:     uuid.NewString(),
		stream: stream,
		info:   stream.Info(),
		ctx:    pumpCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]func(media.Frame)),
	}
	b.logger = d.logger.With(capturelog.String("binding_id", b.id))

	if cfg.Flash() == capture.FlashTorch && !b.info.HasFlash {
		b.logger.Debug("Torch requested but camera has no flash")
	}

	d.mu.Lock()
	d.bindings[b.id] = b
	d.mu.Unlock()

	go b.pump()

	b.logger.Info("Camera bound",
		capturelog.String("device_id", b.info.DeviceID),
		capturelog.Stringer("facing", b.info.Facing),
		capturelog.Stringer("max_resolution", b.info.MaxResolution))
	return b, nil
}

func (d *Device) lookup(h Handle) (*binding, error) {
	b, ok := h.(*binding)
	if !ok || b == nil {
		return nil, ErrUnknownHandle
	}
	d.mu.Lock()
	_, live := d.bindings[b.id]
	d.mu.Unlock()
	if !live {
		return nil, ErrUnknownHandle
	}
	return b, nil
}

// CapturePhoto encodes one frame as JPEG at req.Path. With MinimizeLatency
// the most recent frame is used; otherwise the next frame is awaited.
func (d *Device) CapturePhoto(ctx context.Context, h Handle, req PhotoRequest) (media.FileMetaData, error) {
	b, err := d.lookup(h)
	if err != nil {
		return media.FileMetaData{}, err
	}

	frame, ok := media.Frame{}, false
	if req.Latency == capture.MinimizeLatency {
		frame, ok = b.latestFrame()
	}
	if !ok {
		if frame, err = b.nextFrame(ctx, d.frameTimeout); err != nil {
			return media.FileMetaData{}, err
		}
	}

	if (req.Flash == capture.FlashOn || req.Flash == capture.FlashTorch) && !b.info.HasFlash {
		b.logger.Debug("Flash requested but camera has no flash", capturelog.Stringer("flash", req.Flash))
	}

	front := b.info.Facing == FacingFront
	img := transform(frame.Image, req.HorizontalMirror.Applies(front), req.VerticalMirror.Applies(front))
	q := req.JPEGQuality
	if q <= 0 {
		q = capture.DefaultJPEGQuality
	}
	data, err := encodeJPEG(img, q)
	if err != nil {
		return media.FileMetaData{}, err
	}
	if err := ctx.Err(); err != nil {
		return media.FileMetaData{}, err
	}
	if err := writeFile(req.Path, data); err != nil {
		return media.FileMetaData{}, err
	}

	bounds := img.Bounds()
	return media.FileMetaData{
		ID:          req.ID,
		Kind:        media.KindImage,
		Path:        req.Path,
		SizeBytes:   int64(len(data)),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		ContentType: media.KindImage.ContentType(),
		CapturedAt:  frame.Timestamp,
		Location:    req.Location,
	}, nil
}

// StartVideo begins recording every subsequent frame into req.Path.
func (d *Device) StartVideo(ctx context.Context, h Handle, req VideoRequest, onLimit LimitFunc) (Recording, error) {
	b, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recorder != nil {
		return nil, ErrAlreadyRecording
	}

	front := b.info.Facing == FacingFront
	rec, err := newMJPEGRecorder(req, b.info, req.Mirror.Applies(front), onLimit, b.logger.With(capturelog.String("recording_id", req.ID)))
	if err != nil {
		return nil, err
	}
	rec.owner = b
	b.recorder = rec

	b.logger.Info("Recording started",
		capturelog.String("recording_id", req.ID),
		capturelog.Stringer("quality", req.Quality),
		capturelog.Duration("duration_limit", req.DurationLimit),
		capturelog.Int64("file_size_limit", req.FileSizeLimit))
	return rec, nil
}

// StopVideo finalizes rec. The reason is only logged; callers carry it.
func (d *Device) StopVideo(_ context.Context, rec Recording, reason StopReason) (media.FileMetaData, error) {
	r, ok := rec.(*mjpegRecorder)
	if !ok || r == nil {
		return media.FileMetaData{}, ErrUnknownRecording
	}
	if b := r.owner; b != nil {
		b.mu.Lock()
		if b.recorder == r {
			b.recorder = nil
		}
		b.mu.Unlock()
	}

	meta, err := r.Close()
	if err != nil {
		return media.FileMetaData{}, err
	}
	d.logger.Info("Recording stopped",
		capturelog.String("recording_id", r.id),
		capturelog.Stringer("reason", reason),
		capturelog.Duration("duration", meta.Duration),
		capturelog.Int64("size", meta.SizeBytes))
	return meta, nil
}

func (d *Device) SubscribeFrames(h Handle, fn func(media.Frame)) func() {
	b, err := d.lookup(h)
	if err != nil || fn == nil {
		return func() {}
	}
	return b.subscribe(fn)
}

// Unbind stops the frame pump and closes the stream. An active recording is
// finalized so its file is not left truncated.
func (d *Device) Unbind(h Handle) error {
	b, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.bindings, b.id)
	d.mu.Unlock()

	b.cancel()
	closeErr := b.stream.Close()

	select {
	case <-b.done:
	case <-time.After(d.unbindWait):
		b.logger.Warn("Frame pump did not stop in time")
	}

	b.mu.Lock()
	rec := b.recorder
	b.recorder = nil
	b.subs = map[int]func(media.Frame){}
	b.mu.Unlock()
	if rec != nil {
		if _, err := rec.Close(); err != nil && !errors.Is(err, ErrNoFrames) {
			b.logger.Warn("Failed to finalize recording on unbind", capturelog.Error(err))
		}
	}

	b.logger.Info("Camera unbound", capturelog.Uint64("frames", b.frames.Load()))
	if closeErr != nil {
		return fmt.Errorf("failed to close camera stream: %w", closeErr)
	}
	return nil
}

// binding is the Handle returned by Device.Bind.
type binding struct {
	id     string
	stream Stream
	info   StreamInfo
	logger capturelog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	frames atomic.Uint64

	mu       sync.Mutex
	latest   media.Frame
	waiters  []chan media.Frame
	subs     map[int]func(media.Frame)
	nextSub  int
	recorder *mjpegRecorder
}

func (b *binding) ID() string       { return b.id }
func (b *binding) Info() StreamInfo { return b.info }

func (b *binding) SupportedQualities() []quality.Tier {
	return quality.SupportedFor(b.info.MaxResolution.Width, b.info.MaxResolution.Height)
}

const maxConsecutiveReadErrors = 50

func (b *binding) pump() {
	defer close(b.done)

	var seq int64
	failures := 0
	for {
		f, err := b.stream.Read(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			failures++
			if failures >= maxConsecutiveReadErrors {
				b.logger.Error("Giving up on camera stream", capturelog.Error(err))
				return
			}
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		failures = 0

		seq++
		if f.Sequence == 0 {
			f.Sequence = seq
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		b.frames.Add(1)
		b.dispatch(f)
	}
}

func (b *binding) dispatch(f media.Frame) {
	b.mu.Lock()
	b.latest = f
	waiters := b.waiters
	b.waiters = nil
	subs := make([]func(media.Frame), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	rec := b.recorder
	b.mu.Unlock()

	for _, w := range waiters {
		w <- f
	}
	if rec != nil {
		rec.WriteFrame(f)
	}
	for _, fn := range subs {
		fn(f)
	}
}

func (b *binding) latestFrame() (media.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.latest.Image != nil
}

func (b *binding) nextFrame(ctx context.Context, timeout time.Duration) (media.Frame, error) {
	ch := make(chan media.Frame, 1)
	b.mu.Lock()
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return media.Frame{}, ctx.Err()
	case <-b.done:
		return media.Frame{}, ErrNoFrame
	case <-timer.C:
		return media.Frame{}, fmt.Errorf("%w within %s", ErrNoFrame, timeout)
	}
}

func (b *binding) subscribe(fn func(media.Frame)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
