// Package media holds the value types passed between the hardware, the
// session machine, storage and the host.
package media

import (
	"fmt"
	"image"
	"time"
)

// Kind identifies what a capture produced.
type Kind int

const (
	KindImage Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ContentType is the MIME type of files the hardware writes for this kind.
func (k Kind) ContentType() string {
	switch k {
	case KindImage:
		return "image/jpeg"
	case KindVideo:
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

// Extension is the file extension, including the dot.
func (k Kind) Extension() string {
	switch k {
	case KindImage:
		return ".jpg"
	case KindVideo:
		return ".mkv"
	default:
		return ".bin"
	}
}

// Location is a geotag attached to captures.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Altitude  float64 `json:"altitude,omitempty" yaml:"altitude,omitempty"`
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// FileMetaData describes one finished capture. Duration is zero for images.
type FileMetaData struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	URI         string        `json:"uri"`
	Path        string        `json:"path,omitempty"`
	SizeBytes   int64         `json:"size_bytes"`
	Duration    time.Duration `json:"duration,omitempty"`
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	ContentType string        `json:"content_type"`
	CapturedAt  time.Time     `json:"captured_at"`
	Location    *Location     `json:"location,omitempty"`
}

// DurationMillis is the recorded duration in milliseconds.
func (m FileMetaData) DurationMillis() int64 {
	return m.Duration.Milliseconds()
}

// Frame is one decoded camera frame. Image is owned by the receiver and must
// not be mutated.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Sequence  int64
}

// Bounds returns the frame dimensions, or zero for an empty frame.
func (f Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}
