package clip

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// FFmpeg pipes raw RGBA frames into an ffmpeg child process that writes an
// MJPEG AVI file.
type FFmpeg struct {
	Path    string
	Quality int // 1..100, mapped onto ffmpeg's -q:v 2..31 scale
}

func (f *FFmpeg) Ext() string { return ".avi" }

func (f *FFmpeg) args(path string, fps float64, size image.Point) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-r", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", "-",
		"-an",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(qscale(f.Quality)),
		path,
	}
}

// qscale maps a JPEG quality onto ffmpeg's inverted 2 (best) .. 31 scale.
func qscale(quality int) int {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return 2 + (100-quality)*29/99
}

func (f *FFmpeg) Open(path string, fps float64, size image.Point) (Writer, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid clip size %v", size)
	}
	cmd := exec.Command(f.Path, f.args(path, fps, size)...)
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", f.Path, err)
	}
	return &ffmpegWriter{cmd: cmd, stdin: stdin, stderr: stderr, size: size}, nil
}

type ffmpegWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	size   image.Point
}

func (w *ffmpegWriter) WriteFrame(img *image.RGBA) error {
	if got := img.Bounds().Size(); got != w.size {
		return fmt.Errorf("frame size %v does not match clip size %v", got, w.size)
	}
	if _, err := w.stdin.Write(rgbaRows(img)); err != nil {
		return fmt.Errorf("ffmpeg write: %w%s", err, w.stderr.suffix())
	}
	return nil
}

func (w *ffmpegWriter) Close() error {
	closeErr := w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w%s", err, w.stderr.suffix())
	}
	return closeErr
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if extra := t.buf.Len() - t.limit; extra > 0 {
		t.buf.Next(extra)
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(t.buf.String())
	if s == "" {
		return ""
	}
	return ": " + s
}
