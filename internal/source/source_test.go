package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	frames []image.Image
}

func (s *memSink) PushFrame(img image.Image, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, img)
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// mjpegBody builds a stream with the given parts, all using the "frame"
// boundary.
func mjpegBody(t *testing.T, parts ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.SetBoundary("frame"))
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"image/jpeg"}})
		require.NoError(t, err)
		_, err = w.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	src, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = Parse("pattern")
	require.NoError(t, err)
	assert.IsType(t, &Pattern{}, src)

	src, err = Parse("pattern:30")
	require.NoError(t, err)
	assert.Equal(t, time.Second/30, src.(*Pattern).interval)

	src, err = Parse("mjpeg:http://127.0.0.1:7447/video_feed")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7447/video_feed", src.(*MJPEG).url)

	for _, bad := range []string{"pattern:0", "pattern:fast", "mjpeg:/dev/video0", "v4l2:/dev/video0"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestPatternSweepMoves(t *testing.T) {
	p := NewPattern(64, 8, 10)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	f0 := p.Frame(0)
	f20 := p.Frame(20)
	assert.Equal(t, image.Pt(64, 8), f0.Bounds().Size())
	assert.Equal(t, white, f20.RGBAAt(20, 3))
	assert.NotEqual(t, f0.RGBAAt(20, 3), f20.RGBAAt(20, 3))
}

func TestPatternRunStopsOnCancel(t *testing.T) {
	sink := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPattern(16, 16, 100).Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pattern did not stop")
	}
}

func TestReadMultipartSkipsBadParts(t *testing.T) {
	body := mjpegBody(t, jpegBytes(t, 8, 6), []byte("not a jpeg"), jpegBytes(t, 8, 6))
	sink := &memSink{}

	n, err := ReadMultipart("multipart/x-mixed-replace; boundary=frame", bytes.NewReader(body), sink)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
	require.Len(t, sink.frames, 2)
	assert.Equal(t, image.Pt(8, 6), sink.frames[0].Bounds().Size())
}

func TestReadMultipartRejectsOtherContent(t *testing.T) {
	_, err := ReadMultipart("image/jpeg", bytes.NewReader(nil), &memSink{})
	assert.Error(t, err)
	_, err = ReadMultipart("multipart/x-mixed-replace", bytes.NewReader(nil), &memSink{})
	assert.Error(t, err, "boundary required")
}

func TestMJPEGReconnects(t *testing.T) {
	body := mjpegBody(t, jpegBytes(t, 4, 4), jpegBytes(t, 4, 4))
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m := NewMJPEG(srv.URL)
	m.backoffMin, m.backoffMax = 5*time.Millisecond, 10*time.Millisecond
	sink := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return hits.Load() >= 2 && sink.count() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop")
	}
}
