package recorder

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/clip"
	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
)

const idlePoll = 20 * time.Millisecond

// StateSource reports whether recording is wanted and which recording
// interval is current.
type StateSource interface {
	Snapshot() (recording bool, epoch uint64)
}

// WriterConfig configures a StreamWriter.
type WriterConfig struct {
	Dir         string // active session directory
	FallbackDir string // used when Dir cannot be created
	MinDuration time.Duration
	FillGaps    bool
	FillMaxGap  time.Duration // <= 0 means unbounded
	DequeueWait time.Duration
}

// ClipStatus describes the clip currently open, if any.
type ClipStatus struct {
	Open   bool
	File   string
	Path   string
	FPS    float64
	Size   image.Point
	Frames uint64
	Filled uint64
	Opened time.Time
}

type openClip struct {
	w      clip.Writer
	name   string
	path   string
	fps    float64
	period time.Duration
	size   image.Point
	opened time.Time
	epoch  uint64
	frames atomic.Uint64
	filled atomic.Uint64
}

// StreamWriter drains the FrameQueue into one clip per recording interval,
// replaying the previous frame across timing gaps.
type StreamWriter struct {
	cfg     WriterConfig
	queue   *FrameQueue
	fps     *FPSEstimator
	state   StateSource
	encoder clip.Encoder
	metrics *metrics.Metrics
	log     logger.Module
	now     func() time.Time

	mu   sync.RWMutex // guards clip pointer for Status
	clip *openClip

	// Timeline of the open clip; touched only by the Run goroutine.
	prev     *image.RGBA
	lastEmit time.Time
	hasLast  bool

	openFailures int
}

// NewStreamWriter wires a writer. fps is consulted once per clip open.
func NewStreamWriter(cfg WriterConfig, q *FrameQueue, fps *FPSEstimator, state StateSource, enc clip.Encoder, m *metrics.Metrics) *StreamWriter {
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.New()
	}
	return &StreamWriter{
		cfg:     cfg,
		queue:   q,
		fps:     fps,
		state:   state,
		encoder: enc,
		metrics: m,
		log:     logger.For("Writer"),
		now:     time.Now,
	}
}

// Status returns a snapshot of the open clip.
func (w *StreamWriter) Status() ClipStatus {
	w.mu.RLock()
	c := w.clip
	w.mu.RUnlock()
	if c == nil {
		return ClipStatus{}
	}
	return ClipStatus{
		Open:   true,
		File:   c.name,
		Path:   c.path,
		FPS:    c.fps,
		Size:   c.size,
		Frames: c.frames.Load(),
		Filled: c.filled.Load(),
		Opened: c.opened,
	}
}

// Run drains the queue until ctx is done, then closes any open clip.
func (w *StreamWriter) Run(ctx context.Context) {
	defer func() {
		w.closeClip("shutdown")
		w.queue.Drain()
	}()

	for ctx.Err() == nil {
		recording, epoch := w.state.Snapshot()
		if !recording {
			w.closeClip("stopped")
			if n := w.queue.Drain(); n > 0 {
				w.log.Debug("Discarded %d queued frames after stop", n)
			}
			select {
			case <-ctx.Done():
			case <-time.After(idlePoll):
			}
			continue
		}

		if c := w.current(); c != nil && c.epoch != epoch {
			// Idle and back to Recording between two looks at the state.
			w.closeClip("interval ended")
		}

		e, ok := w.queue.Pop(ctx, w.cfg.DequeueWait)
		if !ok {
			continue
		}
		if rec, ep := w.state.Snapshot(); !rec || ep != epoch {
			continue
		}
		w.handle(e, epoch)
	}
}

func (w *StreamWriter) current() *openClip {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.clip
}

// handle writes one dequeued entry, opening a clip first when needed.
func (w *StreamWriter) handle(e Entry, epoch uint64) {
	c := w.current()
	if c == nil {
		if c = w.open(e, epoch); c == nil {
			return
		}
	}

	frame := e.Frame
	if frame.Bounds().Size() != c.size {
		frame = Resize(frame, c.size)
		w.metrics.FramesResized.Add(1)
	}

	if w.cfg.FillGaps && w.hasLast && w.prev != nil {
		threshold := time.Duration(float64(c.period) * 1.1)
		for gap := e.TS.Sub(w.lastEmit); gap > threshold && (w.cfg.FillMaxGap <= 0 || gap < w.cfg.FillMaxGap); gap = e.TS.Sub(w.lastEmit) {
			if err := c.w.WriteFrame(w.prev); err != nil {
				w.metrics.WriteErrors.Add(1)
				w.log.Error("Repeat frame write failed: %v", err)
				break
			}
			c.filled.Add(1)
			w.metrics.FramesFilled.Add(1)
			w.lastEmit = w.lastEmit.Add(c.period)
		}
	}

	if err := c.w.WriteFrame(frame); err != nil {
		w.metrics.WriteErrors.Add(1)
		w.log.Error("Frame write failed: %v", err)
	} else {
		c.frames.Add(1)
		w.metrics.FramesWritten.Add(1)
	}
	w.prev = frame
	w.lastEmit = e.TS
	w.hasLast = true
}

// open starts a clip sized to e's frame. On failure it returns nil and the
// next entry tries again.
func (w *StreamWriter) open(e Entry, epoch uint64) *openClip {
	fps := w.fps.Estimate()
	size := e.Frame.Bounds().Size()
	opened := w.now()

	dir := w.cfg.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil && w.cfg.FallbackDir != "" {
		w.log.Warn("Session directory %s unavailable (%v); using %s", dir, err, w.cfg.FallbackDir)
		dir = w.cfg.FallbackDir
	}
	name := uniqueName(dir, "rec_"+opened.Format("20060102_150405"), w.encoder.Ext())
	path := filepath.Join(dir, name)

	cw, err := w.encoder.Open(path, fps, size)
	if err != nil {
		w.openFailures++
		w.metrics.OpenFailures.Add(1)
		if w.openFailures == 1 || w.openFailures%100 == 0 {
			w.log.Error("Clip open failed (attempt %d), retrying on next frame: %v", w.openFailures, err)
		}
		return nil
	}
	w.openFailures = 0

	c := &openClip{
		w:      cw,
		name:   name,
		path:   path,
		fps:    fps,
		period: time.Duration(float64(time.Second) / fps),
		size:   size,
		opened: opened,
		epoch:  epoch,
	}
	w.mu.Lock()
	w.clip = c
	w.mu.Unlock()
	w.resetTimeline()
	w.metrics.ClipsOpened.Add(1)
	w.log.Info("Recording started: %s @ %.2ffps %dx%d -> %s", name, fps, size.X, size.Y, dir)
	return c
}

// closeClip closes the open clip and deletes it when it is shorter than
// the minimum duration.
func (w *StreamWriter) closeClip(reason string) {
	w.mu.Lock()
	c := w.clip
	w.clip = nil
	w.mu.Unlock()
	w.resetTimeline()
	if c == nil {
		return
	}

	if err := c.w.Close(); err != nil {
		w.metrics.WriteErrors.Add(1)
		w.log.Error("Clip close failed for %s: %v", c.name, err)
	}

	duration := w.now().Sub(c.opened)
	if duration < w.cfg.MinDuration {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			w.log.Error("Failed to delete short clip %s: %v", c.name, err)
		}
		w.metrics.ClipsDiscarded.Add(1)
		w.log.Info("Short clip discarded: %s (%.2fs < %.2fs)", c.name, duration.Seconds(), w.cfg.MinDuration.Seconds())
		return
	}
	w.metrics.ClipsKept.Add(1)
	w.log.Info("Recording %s: %s kept (%.2fs, %d frames, %d filled)",
		reason, c.name, duration.Seconds(), c.frames.Load(), c.filled.Load())
}

func (w *StreamWriter) resetTimeline() {
	w.prev = nil
	w.lastEmit = time.Time{}
	w.hasLast = false
}

// uniqueName returns base+ext, or base_N+ext when that file exists.
func uniqueName(dir, base, ext string) string {
	name := base + ext
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return name
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}
