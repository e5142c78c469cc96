// Package vision provides OpenCV-backed analyzers: background-subtraction
// motion detection and Haar-cascade face detection.
package vision

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/media"
)

// MotionConfig tunes the motion analyzer.
type MotionConfig struct {
	// MinimumArea is the smallest contour area, in pixels, that counts as motion.
	MinimumArea int `yaml:"minimum_area" json:"minimum_area"`
	// Threshold binarizes the foreground mask.
	Threshold int `yaml:"threshold" json:"threshold"`
	// BlurSize must be odd.
	BlurSize     int `yaml:"blur_size" json:"blur_size"`
	DilationSize int `yaml:"dilation_size" json:"dilation_size"`
	// MinConsecutiveFrames of motion within the window report a detection.
	MinConsecutiveFrames int `yaml:"min_consecutive_frames" json:"min_consecutive_frames"`
	Window               int `yaml:"window" json:"window"`
}

// DefaultMotionConfig returns settings that suit a 720p indoor camera.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		MinimumArea:          3000,
		Threshold:            25,
		BlurSize:             21,
		DilationSize:         3,
		MinConsecutiveFrames: 3,
		Window:               5,
	}
}

// MotionStats summarizes what the analyzer has seen.
type MotionStats struct {
	FramesProcessed   int64
	MotionFrames      int64
	LastMotionTime    time.Time
	AverageMotionArea float64
	MaxMotionArea     float64
	ProcessingTime    time.Duration
}

// Motion detects movement with MOG2 background subtraction.
type Motion struct {
	cfg  MotionConfig
	mog2 gocv.BackgroundSubtractorMOG2

	mu     sync.Mutex
	window []bool
	next   int
	stats  MotionStats
	closed bool
}

var _ analyzer.Analyzer = (*Motion)(nil)

func NewMotion(cfg MotionConfig) (*Motion, error) {
	if cfg.BlurSize%2 == 0 {
		return nil, fmt.Errorf("blur size must be odd, got %d", cfg.BlurSize)
	}
	if cfg.Window <= 0 || cfg.MinConsecutiveFrames <= 0 || cfg.MinConsecutiveFrames > cfg.Window {
		return nil, fmt.Errorf("invalid motion window %d/%d", cfg.MinConsecutiveFrames, cfg.Window)
	}
	return &Motion{
		cfg:    cfg,
		mog2:   gocv.NewBackgroundSubtractorMOG2(),
		window: make([]bool, cfg.Window),
	}, nil
}

func (m *Motion) ProcessFrame(ctx context.Context, frame media.Frame) (analyzer.Result, error) {
	if err := ctx.Err(); err != nil {
		return analyzer.Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return analyzer.Result{}, fmt.Errorf("motion analyzer closed")
	}

	start := time.Now()
	defer func() { m.stats.ProcessingTime = time.Since(start) }()

	src, err := frameToMat(frame)
	if err != nil {
		return analyzer.Result{}, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(m.cfg.BlurSize, m.cfg.BlurSize), 0, 0, gocv.BorderDefault)

	fgMask := gocv.NewMat()
	defer fgMask.Close()
	m.mog2.Apply(blurred, &fgMask)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(fgMask, &thresh, float32(m.cfg.Threshold), 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(m.cfg.DilationSize, m.cfg.DilationSize))
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(thresh, &dilated, kernel)

	contours := gocv.FindContours(dilated, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var (
		totalArea float64
		regions   []image.Rectangle
	)
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < float64(m.cfg.MinimumArea) {
			continue
		}
		totalArea += area
		regions = append(regions, gocv.BoundingRect(c))
	}
	moving := len(regions) > 0

	m.stats.FramesProcessed++
	if moving {
		m.stats.MotionFrames++
		m.stats.LastMotionTime = frame.Timestamp
		m.stats.AverageMotionArea += (totalArea - m.stats.AverageMotionArea) / float64(m.stats.MotionFrames)
		if totalArea > m.stats.MaxMotionArea {
			m.stats.MaxMotionArea = totalArea
		}
	}

	m.window[m.next] = moving
	m.next = (m.next + 1) % len(m.window)
	hits := 0
	for _, v := range m.window {
		if v {
			hits++
		}
	}

	frameArea := float64(frame.Bounds().Dx() * frame.Bounds().Dy())
	confidence := 0.0
	if frameArea > 0 {
		confidence = totalArea / frameArea
		if confidence > 1 {
			confidence = 1
		}
	}

	return analyzer.Result{
		Detected:   hits >= m.cfg.MinConsecutiveFrames,
		Label:      "motion",
		Confidence: confidence,
		Regions:    regions,
	}, nil
}

func (m *Motion) Stats() MotionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close releases the background model.
func (m *Motion) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.mog2.Close()
}

func frameToMat(frame media.Frame) (gocv.Mat, error) {
	if frame.Image == nil {
		return gocv.NewMat(), fmt.Errorf("frame %d has no image", frame.Sequence)
	}
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert frame %d: %w", frame.Sequence, err)
	}
	return mat, nil
}
