package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"
)

// MaxFileSize caps images read by FileProvider.
const MaxFileSize = 10 << 20

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

var (
	ErrNotPNG   = errors.New("not a PNG image")
	ErrTooLarge = fmt.Errorf("image exceeds %d bytes", MaxFileSize)
)

// FileProvider reads a PNG from Path, or from Stdin when Path is "-".
type FileProvider struct {
	Path  string
	Stdin io.Reader
}

func (p FileProvider) CaptureActiveWindow(ctx context.Context) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}

	var (
		r     io.Reader
		title string
	)
	switch p.Path {
	case "":
		return Image{}, errors.New("no image path given")
	case "-":
		r = p.Stdin
		if r == nil {
			r = os.Stdin
		}
		title = "stdin"
	default:
		f, err := os.Open(p.Path)
		if err != nil {
			return Image{}, fmt.Errorf("open image: %w", err)
		}
		defer f.Close()
		r = f
		title = filepath.Base(p.Path)
	}

	data, err := ReadPNG(r)
	if err != nil {
		return Image{}, fmt.Errorf("%s: %w", title, err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%s: %w: %w", title, ErrNotPNG, err)
	}

	return Image{
		Data: data,
		Metadata: Metadata{
			Title:       title,
			CaptureType: TypeFile,
			Bounds:      image.Rect(0, 0, cfg.Width, cfg.Height),
			CapturedAt:  time.Now(),
		},
	}, nil
}

// ReadPNG reads at most MaxFileSize bytes and checks the PNG signature.
func ReadPNG(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrTooLarge
	}
	if !bytes.HasPrefix(data, pngMagic) {
		return nil, ErrNotPNG
	}
	return data, nil
}
