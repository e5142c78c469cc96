package hardware

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/mikeyg42/capturekit/internal/quality"
)

// CloneImage copies img so the caller may release the source buffer.
func CloneImage(img image.Image) image.Image {
	switch src := img.(type) {
	case *image.RGBA:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	case *image.YCbCr:
		dst := *src
		dst.Y = append([]byte(nil), src.Y...)
		dst.Cb = append([]byte(nil), src.Cb...)
		dst.Cr = append([]byte(nil), src.Cr...)
		return &dst
	case *image.Gray:
		dst := *src
		dst.Pix = append([]byte(nil), src.Pix...)
		return &dst
	default:
		b := img.Bounds()
		dst := image.NewRGBA(b)
		draw.Draw(dst, b, img, b.Min, draw.Src)
		return dst
	}
}

// transform flips img as requested, returning img itself when nothing changes.
func transform(img image.Image, horizontal, vertical bool) image.Image {
	if !horizontal && !vertical {
		return img
	}
	b := img.Bounds()
	src := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)

	dst := image.NewRGBA(src.Bounds())
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		sy := y
		if vertical {
			sy = h - 1 - y
		}
		srow := src.Pix[sy*src.Stride : sy*src.Stride+w*4]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		if !horizontal {
			copy(drow, srow)
			continue
		}
		for x := 0; x < w; x++ {
			copy(drow[x*4:x*4+4], srow[(w-1-x)*4:(w-x)*4])
		}
	}
	return dst
}

// fitTo scales img down, keeping its aspect ratio, so it fits within max.
// Images already small enough are returned unchanged.
func fitTo(img image.Image, max quality.Resolution) image.Image {
	b := img.Bounds()
	if max.Width <= 0 || max.Height <= 0 || (b.Dx() <= max.Width && b.Dy() <= max.Height) {
		return img
	}
	w, h := max.Width, b.Dy()*max.Width/b.Dx()
	if h > max.Height {
		w, h = b.Dx()*max.Height/b.Dy(), max.Height
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFile writes data to path atomically through a temporary sibling.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}
