package hardware

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/media"
	"github.com/mikeyg42/capturekit/internal/quality"
)

// blockOverhead approximates the container bytes added around each frame.
const blockOverhead = 16

// mjpegRecorder writes frames as motion-JPEG into a Matroska container and
// enforces the duration and size limits of its request.
type mjpegRecorder struct {
	id          string
	path        string
	jpegQuality int
	maxRes      quality.Resolution
	mirror      bool
	frameRate   float64
	durLimit    time.Duration
	sizeLimit   int64
	onLimit     LimitFunc
	location    *media.Location
	logger      capturelog.Logger
	owner       *binding

	mu        sync.Mutex
	file      *notifyFile
	writer    webm.BlockWriteCloser
	width     int
	height    int
	first     time.Time
	last      time.Duration
	bytes     int64
	frames    int64
	limited   bool
	closed    bool
	startedAt time.Time
}

func newMJPEGRecorder(req VideoRequest, info StreamInfo, mirror bool, onLimit LimitFunc, logger capturelog.Logger) (*mjpegRecorder, error) {
	profile, ok := quality.ProfileFor(req.Quality)
	if !ok {
		profile, _ = quality.ProfileFor(quality.DefaultTier)
	}

	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(req.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	return &mjpegRecorder{
		id:          req.ID,
		path:        req.Path,
		jpegQuality: profile.JPEGQuality,
		maxRes:      profile.Resolution,
		mirror:      mirror,
		frameRate:   info.FrameRate,
		durLimit:    req.DurationLimit,
		sizeLimit:   req.FileSizeLimit,
		onLimit:     onLimit,
		location:    req.Location,
		logger:      logger,
		file:        newNotifyFile(f),
		startedAt:   time.Now(),
	}, nil
}

func (r *mjpegRecorder) ID() string   { return r.id }
func (r *mjpegRecorder) Path() string { return r.path }

// WriteFrame appends one frame unless the recorder is finished or a limit
// has been reached.
func (r *mjpegRecorder) WriteFrame(f media.Frame) {
	r.mu.Lock()
	if r.closed || r.limited || f.Image == nil {
		r.mu.Unlock()
		return
	}
	if r.first.IsZero() {
		r.first = f.Timestamp
	}
	ts := f.Timestamp.Sub(r.first)
	if r.durLimit > 0 && ts >= r.durLimit {
		r.limited = true
		r.mu.Unlock()
		r.signal(StopDurationLimit)
		return
	}

	img := transform(fitTo(f.Image, r.maxRes), r.mirror, false)
	data, err := encodeJPEG(img, r.jpegQuality)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("Dropping unencodable frame", capturelog.Int64("sequence", f.Sequence), capturelog.Error(err))
		return
	}
	if r.sizeLimit > 0 && r.bytes+int64(len(data))+blockOverhead > r.sizeLimit {
		r.limited = true
		r.mu.Unlock()
		r.signal(StopFileSizeLimit)
		return
	}

	if r.writer == nil {
		if err := r.openWriter(img.Bounds().Dx(), img.Bounds().Dy()); err != nil {
			r.limited = true
			r.mu.Unlock()
			r.logger.Error("Failed to start matroska writer", capturelog.String("path", r.path), capturelog.Error(err))
			return
		}
	}

	if _, err := r.writer.Write(true, ts.Milliseconds(), data); err != nil {
		r.mu.Unlock()
		r.logger.Warn("Failed to write frame", capturelog.Int64("sequence", f.Sequence), capturelog.Error(err))
		return
	}
	r.bytes += int64(len(data)) + blockOverhead
	r.frames++
	r.last = ts
	r.mu.Unlock()
}

func (r *mjpegRecorder) openWriter(width, height int) error {
	entry := webm.TrackEntry{
		Name:        "Video",
		TrackNumber: 1,
		TrackUID:    rand.Uint64(),
		CodecID:     "V_MJPEG",
		TrackType:   1,
		Video: &webm.Video{
			PixelWidth:  uint64(width),
			PixelHeight: uint64(height),
		},
	}
	if r.frameRate > 0 {
		entry.DefaultDuration = uint64(float64(time.Second) / r.frameRate)
	}

	ws, err := webm.NewSimpleBlockWriter(r.file, []webm.TrackEntry{entry})
	if err != nil {
		return err
	}
	r.writer = ws[0]
	r.width, r.height = width, height
	return nil
}

func (r *mjpegRecorder) signal(reason StopReason) {
	r.logger.Info("Recording limit reached",
		capturelog.String("recording_id", r.id),
		capturelog.Stringer("reason", reason))
	if r.onLimit != nil {
		go r.onLimit(reason)
	}
}

// Close finalizes the container and describes the file. A recording that
// never received a frame is deleted and reported as ErrNoFrames.
func (r *mjpegRecorder) Close() (media.FileMetaData, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return media.FileMetaData{}, ErrRecordingFinished
	}
	r.closed = true

	var closeErr error
	if r.writer != nil {
		closeErr = r.writer.Close()
	} else {
		closeErr = r.file.Close()
	}
	frames, last, width, height := r.frames, r.last, r.width, r.height
	r.mu.Unlock()

	if err := r.file.wait(5 * time.Second); err != nil && closeErr == nil {
		closeErr = err
	}

	if frames == 0 {
		_ = os.Remove(r.path)
		return media.FileMetaData{}, ErrNoFrames
	}
	if closeErr != nil {
		return media.FileMetaData{}, fmt.Errorf("failed to finalize recording: %w", closeErr)
	}

	st, err := os.Stat(r.path)
	if err != nil {
		return media.FileMetaData{}, fmt.Errorf("failed to stat recording: %w", err)
	}

	return media.FileMetaData{
		ID:          r.id,
		Kind:        media.KindVideo,
		Path:        r.path,
		SizeBytes:   st.Size(),
		Duration:    last,
		Width:       width,
		Height:      height,
		ContentType: media.KindVideo.ContentType(),
		CapturedAt:  r.startedAt,
		Location:    r.location,
	}, nil
}

// Frames returns how many frames were written so far.
func (r *mjpegRecorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// notifyFile lets Close wait until the container writer has closed the file.
type notifyFile struct {
	*os.File
	once   sync.Once
	done   chan struct{}
	result error
}

func newNotifyFile(f *os.File) *notifyFile {
	return &notifyFile{File: f, done: make(chan struct{})}
}

func (n *notifyFile) Close() error {
	n.once.Do(func() {
		n.result = n.File.Close()
		close(n.done)
	})
	return n.result
}

func (n *notifyFile) wait(timeout time.Duration) error {
	select {
	case <-n.done:
		if errors.Is(n.result, os.ErrClosed) {
			return nil
		}
		return n.result
	case <-time.After(timeout):
		return errors.New("timed out waiting for recording file to close")
	}
}
