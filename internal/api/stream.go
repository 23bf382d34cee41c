package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
)

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

var (
	blankOnce sync.Once
	blankData []byte
)

// blankJPEG renders color bars shown before the first frame arrives.
func blankJPEG() []byte {
	blankOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))

		// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
		colors := []color.RGBA{
			{R: 255, G: 255, B: 255, A: 255},
			{R: 255, G: 255, B: 0, A: 255},
			{R: 0, G: 255, B: 255, A: 255},
			{R: 0, G: 255, B: 0, A: 255},
			{R: 255, G: 0, B: 255, A: 255},
			{R: 255, G: 0, B: 0, A: 255},
			{R: 0, G: 0, B: 255, A: 255},
			{R: 0, G: 0, B: 0, A: 255},
		}

		barWidth := 640 / len(colors)
		for y := range 480 {
			for x := range 640 {
				img.SetRGBA(x, y, colors[min(x/barWidth, len(colors)-1)])
			}
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
			logger.Error("HTTP", "Blank frame encode failed: %v", err)
			return
		}
		blankData = buf.Bytes()
	})
	return blankData
}

type jpegProvider func() ([]byte, bool)

// frameEncoder caches the JPEG of the latest frame by sequence number so
// concurrent viewers share one encode per frame.
type frameEncoder struct {
	source  Recorder
	quality int

	mu   sync.Mutex
	seq  uint64
	data []byte
}

func (e *frameEncoder) latest() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img, seq := e.source.LatestFrame()
	if img == nil {
		return nil, false
	}
	if seq == e.seq && e.data != nil {
		return e.data, true
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		logger.Warn("HTTP", "Preview encode failed: %v", err)
		return nil, false
	}
	e.seq, e.data = seq, buf.Bytes()
	return e.data, true
}

// streamMJPEG writes provider frames at interval until the client leaves.
func streamMJPEG(ctx context.Context, w http.ResponseWriter, interval time.Duration, provider jpegProvider) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	blank := blankJPEG()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jpegData := blank
		if provider != nil {
			if data, ok := provider(); ok {
				jpegData = data
			}
		}

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
