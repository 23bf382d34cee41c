package control

import (
	"sync"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
)

// State is the recording state.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Controller holds RecordingState and ManualOverride, each behind its own
// lock. The override lock is always taken before the state lock.
type Controller struct {
	overrideMu sync.Mutex
	override   bool

	stateMu sync.RWMutex
	state   State
	epoch   uint64 // incremented on every Idle->Recording transition

	metrics *metrics.Metrics
	log     logger.Module
}

// NewController returns an idle controller without override.
func NewController(m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.New()
	}
	return &Controller{metrics: m, log: logger.For("Control")}
}

// State returns the current recording state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Snapshot returns the state and the recording epoch together. Two
// snapshots with equal epochs while Recording belong to the same interval.
func (c *Controller) Snapshot() (recording bool, epoch uint64) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state == Recording, c.epoch
}

// Recording reports whether the state is Recording.
func (c *Controller) Recording() bool {
	return c.State() == Recording
}

// ManualOverride reports whether hardware edges are being ignored.
func (c *Controller) ManualOverride() bool {
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	return c.override
}

// setState must be called with overrideMu held.
func (c *Controller) setState(s State) bool {
	c.stateMu.Lock()
	changed := c.state != s
	if changed && s == Recording {
		c.epoch++
	}
	c.state = s
	c.stateMu.Unlock()
	metrics.SetFlag(&c.metrics.RecordingActive, s == Recording)
	return changed
}

// ApplyLevel sets the state from a line level unless override is active.
// It is used for the initial level at startup.
func (c *Controller) ApplyLevel(high bool) bool {
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	if c.override {
		c.log.Info("Initial line level ignored (manual override active)")
		return false
	}
	s := Idle
	if high {
		s = Recording
	}
	c.setState(s)
	c.log.Info("Initial line level %s: %s", levelName(high), s)
	return true
}

// HandleEdge applies a rising (Recording) or falling (Idle) edge. Edges are
// ignored while override is active; the return value reports whether the
// edge was applied.
func (c *Controller) HandleEdge(rising bool) bool {
	c.metrics.EdgesSeen.Add(1)
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	if c.override {
		c.metrics.EdgesIgnored.Add(1)
		c.log.Debug("%s edge ignored (manual override)", levelName(rising))
		return false
	}
	s := Idle
	if rising {
		s = Recording
	}
	if c.setState(s) {
		c.log.Info("%s edge: %s", levelName(rising), s)
	}
	return true
}

// ManualStart sets override and starts recording regardless of the line.
func (c *Controller) ManualStart() {
	c.manual(Recording)
}

// ManualStop sets override and stops recording regardless of the line.
func (c *Controller) ManualStop() {
	c.manual(Idle)
}

func (c *Controller) manual(s State) {
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	c.override = true
	metrics.SetFlag(&c.metrics.ManualOverride, true)
	c.setState(s)
	c.log.Info("Manual %s", s)
}

// ClearOverride hands control back to the line. The state is left as is
// until the next edge.
func (c *Controller) ClearOverride() {
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	c.override = false
	metrics.SetFlag(&c.metrics.ManualOverride, false)
	c.log.Info("Manual override cleared; next edge decides")
}

// Reset clears both flags. Used at the end of shutdown.
func (c *Controller) Reset() {
	c.overrideMu.Lock()
	defer c.overrideMu.Unlock()
	c.override = false
	metrics.SetFlag(&c.metrics.ManualOverride, false)
	c.setState(Idle)
}

func levelName(high bool) string {
	if high {
		return "HIGH"
	}
	return "LOW"
}
