package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
)

// MJPEG reads a multipart/x-mixed-replace JPEG stream and reconnects with
// backoff when it ends.
type MJPEG struct {
	url        string
	client     *http.Client
	backoffMin time.Duration
	backoffMax time.Duration
	log        logger.Module
}

// NewMJPEG returns a reader for url.
func NewMJPEG(url string) *MJPEG {
	return &MJPEG{
		url: url,
		client: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 5 * time.Second,
		}},
		backoffMin: 500 * time.Millisecond,
		backoffMax: 5 * time.Second,
		log:        logger.For("Source"),
	}
}

func (m *MJPEG) Run(ctx context.Context, sink Sink) error {
	backoff := m.backoffMin
	for {
		frames, err := m.read(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if frames > 0 {
			backoff = m.backoffMin
		}
		m.log.Warn("Feed %s ended after %d frames: %v; retrying in %v", m.url, frames, err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*3/2, m.backoffMax)
	}
}

// read consumes one connection and returns how many frames it delivered.
func (m *MJPEG) read(ctx context.Context, sink Sink) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return ReadMultipart(resp.Header.Get("Content-Type"), resp.Body, sink)
}

// ReadMultipart decodes every JPEG part of body into sink. Parts that fail
// to decode are skipped.
func ReadMultipart(contentType string, body io.Reader, sink Sink) (int, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, fmt.Errorf("content type %q: %w", contentType, err)
	}
	boundary := params["boundary"]
	if mediaType != "multipart/x-mixed-replace" || boundary == "" {
		return 0, fmt.Errorf("content type %q is not an mjpeg stream", contentType)
	}

	mr := multipart.NewReader(body, boundary)
	frames := 0
	var buf bytes.Buffer
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return frames, io.EOF
		}
		if err != nil {
			return frames, err
		}
		buf.Reset()
		_, err = buf.ReadFrom(part)
		part.Close()
		if err != nil {
			return frames, err
		}
		img, err := jpeg.Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			logger.Debug("Source", "Skipping undecodable part: %v", err)
			continue
		}
		sink.PushFrame(img, time.Now())
		frames++
	}
}
