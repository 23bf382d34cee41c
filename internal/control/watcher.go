package control

import (
	"context"
	"errors"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/gpio"
	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
)

// WatcherConfig configures the trigger-line watcher.
type WatcherConfig struct {
	Line         string
	ActiveLow    bool
	EdgeTimeout  time.Duration
	PollInterval time.Duration
	Heartbeat    time.Duration
}

// Watcher feeds trigger-line edges into a Controller.
type Watcher struct {
	cfg     WatcherConfig
	backend gpio.Backend
	ctrl    *Controller
	log     logger.Module
}

// NewWatcher returns a watcher for cfg.Line.
func NewWatcher(cfg WatcherConfig, backend gpio.Backend, ctrl *Controller) *Watcher {
	if cfg.EdgeTimeout <= 0 {
		cfg.EdgeTimeout = time.Second
	}
	return &Watcher{cfg: cfg, backend: backend, ctrl: ctrl, log: logger.For("GPIO")}
}

// Run owns the line until ctx is done. When the line cannot be opened it
// logs and returns; the controller then only changes through manual control.
func (w *Watcher) Run(ctx context.Context) {
	line, err := gpio.OpenSpec(w.backend, w.cfg.Line, gpio.Options{
		Consumer:     "clary-rec",
		Edges:        true,
		ActiveLow:    w.cfg.ActiveLow,
		PollInterval: w.cfg.PollInterval,
	})
	if err != nil {
		w.log.Error("Trigger line unavailable, hardware control disabled: %v", err)
		return
	}
	defer func() {
		if err := line.Release(); err != nil {
			w.log.Warn("Release %s: %v", w.cfg.Line, err)
		} else {
			w.log.Info("Trigger line %s released", w.cfg.Line)
		}
	}()

	level, err := line.Value()
	if err != nil {
		w.log.Warn("Initial level read failed, assuming LOW: %v", err)
		level = 0
	}
	w.ctrl.ApplyLevel(level == 1)
	w.log.Info("Watching trigger line %s", w.cfg.Line)

	lastBeat := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := line.WaitEdge(ctx, w.cfg.EdgeTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.log.Error("Edge wait failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.EdgeTimeout):
			}
			continue
		}
		for _, e := range events {
			w.ctrl.HandleEdge(e.Edge == gpio.Rising)
		}

		if w.cfg.Heartbeat > 0 && time.Since(lastBeat) >= w.cfg.Heartbeat {
			mode := "GPIO"
			if w.ctrl.ManualOverride() {
				mode = "MANUAL"
			}
			w.log.Info("rec hb: state=%s, mode=%s", w.ctrl.State(), mode)
			lastBeat = time.Now()
		}
	}
}
