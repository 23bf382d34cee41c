// Package clip adapts external video writers to a frames-in, file-out
// interface. Encoding itself is done by the adapters' backends.
package clip

import (
	"fmt"
	"image"
)

// Writer receives frames for one open clip file.
type Writer interface {
	WriteFrame(img *image.RGBA) error
	Close() error
}

// Encoder opens clip files at a fixed frame rate and resolution.
type Encoder interface {
	// Ext is the file extension including the dot.
	Ext() string
	Open(path string, fps float64, size image.Point) (Writer, error)
}

// Options select and tune an encoder.
type Options struct {
	Kind        string // "ffmpeg" or "mjpeg"
	FFmpegPath  string
	JPEGQuality int
}

// New returns the encoder named by opts.Kind.
func New(opts Options) (Encoder, error) {
	switch opts.Kind {
	case "", "ffmpeg":
		path := opts.FFmpegPath
		if path == "" {
			path = "ffmpeg"
		}
		return &FFmpeg{Path: path, Quality: opts.JPEGQuality}, nil
	case "mjpeg":
		return &MJPEG{Quality: opts.JPEGQuality}, nil
	default:
		return nil, fmt.Errorf("unknown encoder %q", opts.Kind)
	}
}

// rgbaRows returns img's pixel bytes without row padding.
func rgbaRows(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen && b.Min == (image.Point{}) {
		return img.Pix[:rowLen*b.Dy()]
	}
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[off:off+rowLen]...)
	}
	return out
}
