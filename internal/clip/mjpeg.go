package clip

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"os"
)

// MJPEG writes a bare concatenation of JPEG images. It needs no external
// process; players must be told the rate (ffplay -framerate N clip.mjpeg).
type MJPEG struct {
	Quality int
}

func (m *MJPEG) Ext() string { return ".mjpeg" }

func (m *MJPEG) Open(path string, _ float64, size image.Point) (Writer, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid clip size %v", size)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create clip: %w", err)
	}
	q := m.Quality
	if q <= 0 || q > 100 {
		q = 80
	}
	return &mjpegWriter{f: f, bw: bufio.NewWriterSize(f, 256<<10), opts: &jpeg.Options{Quality: q}}, nil
}

type mjpegWriter struct {
	f    *os.File
	bw   *bufio.Writer
	opts *jpeg.Options
}

func (w *mjpegWriter) WriteFrame(img *image.RGBA) error {
	if err := jpeg.Encode(w.bw, img, w.opts); err != nil {
		return fmt.Errorf("jpeg encode: %w", err)
	}
	return nil
}

func (w *mjpegWriter) Close() error {
	flushErr := w.bw.Flush()
	syncErr := w.f.Sync()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close clip: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush clip: %w", flushErr)
	}
	return syncErr
}
