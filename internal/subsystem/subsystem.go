// Package subsystem owns the recorder's shared state and the lifecycle of
// its background loops.
package subsystem

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/clip"
	"github.com/dj-oyu/clary-camera/recorder/internal/config"
	"github.com/dj-oyu/clary-camera/recorder/internal/control"
	"github.com/dj-oyu/clary-camera/recorder/internal/gpio"
	"github.com/dj-oyu/clary-camera/recorder/internal/keepalive"
	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
	"github.com/dj-oyu/clary-camera/recorder/internal/pwm"
	"github.com/dj-oyu/clary-camera/recorder/internal/recorder"
	"github.com/dj-oyu/clary-camera/recorder/internal/session"
)

// ErrStopped is returned by Start after Stop: a process runs one session.
var ErrStopped = errors.New("subsystem already stopped")

// Options wires the subsystem's collaborators. Nil fields get defaults
// where one exists; a nil Dispatcher disables the duty decoder.
type Options struct {
	Config     config.Config
	Backend    gpio.Backend
	Encoder    clip.Encoder
	Dispatcher pwm.Dispatcher
	Metrics    *metrics.Metrics
}

// Status is the recording status exposed to the control surface.
type Status struct {
	Recording      bool    `json:"recording"`
	CurrentFile    *string `json:"current_file"`
	CurrentSession string  `json:"current_session"`
	FPS            float64 `json:"fps"`
	Resolution     []int   `json:"resolution"`
	ManualOverride bool    `json:"manual_override"`
	QueueDepth     int     `json:"queue_depth"`
	DroppedFrames  uint64  `json:"dropped_frames"`
}

// Subsystem is the single context object shared by the frame producer,
// the writer, the GPIO loops and the control surface.
type Subsystem struct {
	cfg        config.Config
	backend    gpio.Backend
	encoder    clip.Encoder
	dispatcher pwm.Dispatcher
	metrics    *metrics.Metrics
	log        logger.Module

	ctrl  *control.Controller
	queue *recorder.FrameQueue
	fps   *recorder.FPSEstimator
	store *session.Store

	frameMu sync.RWMutex
	last    *image.RGBA
	lastTS  time.Time
	seq     uint64

	lifeMu   sync.Mutex
	started  bool
	stopped  bool
	session  session.Session
	writer   *recorder.StreamWriter
	decoder  *pwm.Decoder
	stopWr   context.CancelFunc
	stopHW   context.CancelFunc
	writerWG sync.WaitGroup
	hwWG     sync.WaitGroup
}

// New builds an idle subsystem. Nothing runs until Start.
func New(opts Options) (*Subsystem, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	enc := opts.Encoder
	if enc == nil {
		var err error
		enc, err = clip.New(clip.Options{
			Kind:        cfg.Recording.Encoder,
			FFmpegPath:  cfg.Recording.FFmpegPath,
			JPEGQuality: cfg.Recording.JPEGQuality,
		})
		if err != nil {
			return nil, err
		}
	}
	backend := opts.Backend
	if backend == nil {
		backend = gpio.CdevBackend{}
	}

	r := cfg.Recording
	s := &Subsystem{
		cfg:        cfg,
		backend:    backend,
		encoder:    enc,
		dispatcher: opts.Dispatcher,
		metrics:    m,
		log:        logger.For("Subsystem"),
		ctrl:       control.NewController(m),
		queue:      recorder.NewFrameQueue(r.QueueCapacity, m),
		fps:        recorder.NewFPSEstimator(r.FPSHistory, r.FPSMinSamples, r.DefaultFPS, r.MinFPS, r.MaxFPS),
		store:      session.NewStore(r.RecordsRoot, r.SessionPrefix),
	}
	m.SetQueueDepthFunc(s.queue.Len)
	return s, nil
}

// Controller returns the recording state machine.
func (s *Subsystem) Controller() *control.Controller { return s.ctrl }

// Store returns the session store.
func (s *Subsystem) Store() *session.Store { return s.store }

// Metrics returns the metrics sink.
func (s *Subsystem) Metrics() *metrics.Metrics { return s.metrics }

// Session returns the active session; empty before Start.
func (s *Subsystem) Session() session.Session {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.session
}

// Decoder returns the duty decoder, or nil when it is disabled.
func (s *Subsystem) Decoder() *pwm.Decoder {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.decoder
}

// Start creates the session and launches the writer, the trigger watcher,
// the duty decoder and the keep-alive puller. Calling it again is a no-op.
func (s *Subsystem) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	r := s.cfg.Recording
	s.session = s.store.Create()
	s.writer = recorder.NewStreamWriter(recorder.WriterConfig{
		Dir:         s.session.Dir,
		FallbackDir: s.store.Root(),
		MinDuration: r.MinDuration.D(),
		FillGaps:    r.FillGaps,
		FillMaxGap:  r.FillMaxGap.D(),
		DequeueWait: r.DequeueWait.D(),
	}, s.queue, s.fps, s.ctrl, s.encoder, s.metrics)

	wctx, wcancel := context.WithCancel(context.Background())
	hctx, hcancel := context.WithCancel(context.Background())
	s.stopWr, s.stopHW = wcancel, hcancel

	s.writerWG.Add(1)
	go func() {
		defer s.writerWG.Done()
		s.writer.Run(wctx)
	}()

	watcher := control.NewWatcher(control.WatcherConfig{
		Line:         r.Line,
		ActiveLow:    r.ActiveLow,
		EdgeTimeout:  r.EdgeTimeout.D(),
		PollInterval: r.PollInterval.D(),
		Heartbeat:    r.Heartbeat.D(),
	}, s.backend, s.ctrl)
	s.goHW(func() { watcher.Run(hctx) })

	if s.cfg.PWM.Enabled && s.dispatcher != nil {
		s.decoder = pwm.NewDecoder(pwm.FromConfig(s.cfg.PWM), s.backend, s.dispatcher, s.metrics)
		s.goHW(func() { s.decoder.Run(hctx) })
	} else {
		s.log.Info("Duty decoder disabled")
	}

	if r.FeedURL != "" {
		puller := keepalive.New(keepalive.Config{
			URL:        r.FeedURL,
			BackoffMin: r.FeedBackoffMin.D(),
			BackoffMax: r.FeedBackoffMax.D(),
		}, s.ctrl, s.metrics)
		s.goHW(func() { puller.Run(hctx) })
	}

	s.started = true
	s.log.Info("Started: session %s (%s), queue %d, min clip %s",
		s.session.Name, s.session.Dir, s.queue.Cap(), r.MinDuration.D())
	return nil
}

func (s *Subsystem) goHW(fn func()) {
	s.hwWG.Add(1)
	go func() {
		defer s.hwWG.Done()
		fn()
	}()
}

// Stop closes the writer, then releases the GPIO lines, then clears the
// recording and override flags. Calling it again is a no-op.
func (s *Subsystem) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if !s.started {
		return
	}

	s.stopWr()
	s.writerWG.Wait()
	s.stopHW()
	s.hwWG.Wait()
	s.ctrl.Reset()
	s.log.Info("Stopped")
}

// PushFrame hands one captured frame to the subsystem. It never blocks on
// the writer; a full queue drops the frame. A zero ts means now.
func (s *Subsystem) PushFrame(img image.Image, ts time.Time) {
	if img == nil {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	frame := recorder.CopyFrame(img)

	s.frameMu.Lock()
	s.last = frame
	s.lastTS = ts
	s.seq++
	s.frameMu.Unlock()

	s.metrics.FramesPushed.Add(1)
	s.fps.Observe(ts)
	if s.ctrl.Recording() {
		s.queue.TryPush(recorder.Entry{Frame: frame, TS: ts})
	}
}

// LatestFrame returns a copy of the last pushed frame and its sequence
// number, or nil before the first frame.
func (s *Subsystem) LatestFrame() (*image.RGBA, uint64) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	if s.last == nil {
		return nil, 0
	}
	return recorder.CopyFrame(s.last), s.seq
}

// FrameSeq returns the sequence number of the last pushed frame.
func (s *Subsystem) FrameSeq() uint64 {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.seq
}

// FrameSize returns the last frame's size.
func (s *Subsystem) FrameSize() (image.Point, bool) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	if s.last == nil {
		return image.Point{}, false
	}
	return s.last.Bounds().Size(), true
}

// Status reports the recording state and the open clip.
func (s *Subsystem) Status() Status {
	s.lifeMu.Lock()
	w := s.writer
	sess := s.session.Name
	s.lifeMu.Unlock()

	st := Status{
		Recording:      s.ctrl.Recording(),
		CurrentSession: sess,
		FPS:            s.cfg.Recording.DefaultFPS,
		ManualOverride: s.ctrl.ManualOverride(),
		QueueDepth:     s.queue.Len(),
		DroppedFrames:  s.metrics.FramesDropped.Load(),
	}
	if w != nil {
		if cs := w.Status(); cs.Open {
			name := cs.File
			st.CurrentFile = &name
			st.FPS = cs.FPS
			st.Resolution = []int{cs.Size.X, cs.Size.Y}
		}
	}
	if st.Resolution == nil {
		if size, ok := s.FrameSize(); ok {
			st.Resolution = []int{size.X, size.Y}
		}
	}
	return st
}

// ManualStart forces Recording and ignores the trigger line.
func (s *Subsystem) ManualStart() { s.ctrl.ManualStart() }

// ManualStop forces Idle and ignores the trigger line.
func (s *Subsystem) ManualStop() { s.ctrl.ManualStop() }

// ClearOverride returns control to the trigger line.
func (s *Subsystem) ClearOverride() { s.ctrl.ClearOverride() }
