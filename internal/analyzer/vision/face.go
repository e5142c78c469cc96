package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/capturekit/internal/analyzer"
	"github.com/mikeyg42/capturekit/internal/media"
)

// Face detects faces with a Haar cascade, e.g. haarcascade_frontalface_default.xml.
type Face struct {
	classifier gocv.CascadeClassifier
	minSize    int

	mu     sync.Mutex
	closed bool
}

var _ analyzer.Analyzer = (*Face)(nil)

// NewFace loads the cascade at path. Faces smaller than minSize pixels on
// either side are ignored.
func NewFace(path string, minSize int) (*Face, error) {
	c := gocv.NewCascadeClassifier()
	if !c.Load(path) {
		c.Close()
		return nil, fmt.Errorf("failed to load cascade %s", path)
	}
	return &Face{classifier: c, minSize: minSize}, nil
}

func (f *Face) ProcessFrame(ctx context.Context, frame media.Frame) (analyzer.Result, error) {
	if err := ctx.Err(); err != nil {
		return analyzer.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return analyzer.Result{}, fmt.Errorf("face analyzer closed")
	}

	src, err := frameToMat(frame)
	if err != nil {
		return analyzer.Result{}, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	var faces []image.Rectangle
	for _, r := range f.classifier.DetectMultiScale(gray) {
		if r.Dx() < f.minSize || r.Dy() < f.minSize {
			continue
		}
		faces = append(faces, r)
	}

	res := analyzer.Result{Label: "face", Regions: faces}
	if len(faces) > 0 {
		res.Detected = true
		res.Confidence = 1
	}
	return res, nil
}

func (f *Face) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.classifier.Close()
}
