// Package capture produces the PNG images that get analyzed, either from the
// screen or from a file.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"
)

// Capture types recorded in Metadata.
const (
	TypeScreen = "screen"
	TypeRegion = "region"
	TypeFile   = "file"
)

// DefaultMaxDimension bounds the longest side of a screen capture.
const DefaultMaxDimension = 1024

var ErrNoDisplay = errors.New("no active displays found")

type Metadata struct {
	Title       string          `json:"title"`
	CaptureType string          `json:"capture_type"`
	Bounds      image.Rectangle `json:"bounds"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// Image is PNG-encoded image data plus where it came from.
type Image struct {
	Data     []byte
	Metadata Metadata
}

// Provider yields the image to analyze.
type Provider interface {
	CaptureActiveWindow(ctx context.Context) (Image, error)
}

// Request is one submitted capture.
type Request struct {
	ID          string
	Image       Image
	SubmittedAt time.Time
}

func NewRequest(img Image) Request {
	return Request{ID: uuid.NewString(), Image: img, SubmittedAt: time.Now()}
}

// ScreenProvider captures a display, or a region of the virtual screen when
// Region is set.
type ScreenProvider struct {
	Display int
	Region  image.Rectangle
	// MaxDimension of 0 means DefaultMaxDimension; negative disables scaling.
	MaxDimension int
}

func (p ScreenProvider) CaptureActiveWindow(ctx context.Context) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	bounds, kind, err := p.bounds()
	if err != nil {
		return Image{}, err
	}

	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return Image{}, fmt.Errorf("capture %v: %w", bounds, err)
	}

	limit := p.MaxDimension
	if limit == 0 {
		limit = DefaultMaxDimension
	}
	data, err := EncodePNG(Downscale(img, limit))
	if err != nil {
		return Image{}, err
	}

	return Image{
		Data: data,
		Metadata: Metadata{
			Title:       fmt.Sprintf("display %d", p.Display),
			CaptureType: kind,
			Bounds:      bounds,
			CapturedAt:  time.Now(),
		},
	}, nil
}

func (p ScreenProvider) bounds() (image.Rectangle, string, error) {
	if !p.Region.Empty() {
		return p.Region, TypeRegion, nil
	}
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, "", ErrNoDisplay
	}
	if p.Display < 0 || p.Display >= n {
		return image.Rectangle{}, "", fmt.Errorf("display %d out of range (0..%d)", p.Display, n-1)
	}
	return screenshot.GetDisplayBounds(p.Display), TypeScreen, nil
}

// Downscale returns img scaled so its longest side is at most limit. img is
// returned unchanged when it already fits or limit <= 0.
func Downscale(img image.Image, limit int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if limit <= 0 || (w <= limit && h <= limit) {
		return img
	}
	if w >= h {
		h = h * limit / w
		w = limit
	} else {
		w = w * limit / h
		h = limit
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image as PNG: %w", err)
	}
	return buf.Bytes(), nil
}
