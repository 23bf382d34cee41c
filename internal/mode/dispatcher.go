// Package mode runs the maintenance actions behind decoded duty-cycle codes.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
)

// ErrUnknownCode is reported when no action is registered for a code.
var ErrUnknownCode = errors.New("unknown mode code")

// Result is the outcome of one dispatch.
type Result struct {
	ID       string        `json:"id"`
	Code     string        `json:"code"`
	Duty     float64       `json:"duty"`
	OK       bool          `json:"ok"`
	Message  string        `json:"message"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
}

// Action performs one mode change and returns a short message.
type Action func(ctx context.Context) (string, error)

// Journal persists dispatch outcomes.
type Journal interface {
	Record(ctx context.Context, r Result) error
}

// Dispatcher maps mode codes to actions. Calls are serialized: a second
// code arriving while an action runs waits for it.
type Dispatcher struct {
	run sync.Mutex // serializes actions

	mu      sync.Mutex
	actions map[string]Action
	timeout time.Duration
	journal Journal
	log     logger.Module
	now     func() time.Time
}

// NewDispatcher returns a dispatcher with no actions. timeout bounds each
// action; j may be nil.
func NewDispatcher(timeout time.Duration, j Journal) *Dispatcher {
	return &Dispatcher{
		actions: make(map[string]Action),
		timeout: timeout,
		journal: j,
		log:     logger.For("Mode"),
		now:     time.Now,
	}
}

// Register binds code to a.
func (d *Dispatcher) Register(code string, a Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions[code] = a
}

// Has reports whether an action is registered for code.
func (d *Dispatcher) Has(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.actions[code]
	return ok
}

// Dispatch runs the action for code and records the outcome. It never
// panics out: a panicking action is reported as a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, code string, duty float64) (res Result) {
	d.run.Lock()
	defer d.run.Unlock()

	res = Result{ID: uuid.NewString(), Code: code, Duty: duty, Started: d.now()}
	defer func() {
		if p := recover(); p != nil {
			res.OK = false
			res.Message = fmt.Sprintf("action panicked: %v", p)
		}
		res.Duration = d.now().Sub(res.Started)
		d.finish(ctx, res)
	}()

	d.mu.Lock()
	action, ok := d.actions[code]
	d.mu.Unlock()
	if !ok {
		res.Message = fmt.Errorf("%w: %s", ErrUnknownCode, code).Error()
		return res
	}

	d.log.Warn("Mode %s triggered (duty %.1f%%, id %s)", code, duty, res.ID)
	actx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	msg, err := action(actx)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.OK = true
	res.Message = msg
	return res
}

func (d *Dispatcher) finish(ctx context.Context, res Result) {
	if res.OK {
		d.log.Info("Mode %s done in %s: %s", res.Code, res.Duration.Round(time.Millisecond), res.Message)
	} else {
		d.log.Error("Mode %s failed after %s: %s", res.Code, res.Duration.Round(time.Millisecond), res.Message)
	}
	if d.journal == nil {
		return
	}
	// The action's context may already be cancelled at shutdown.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.journal.Record(jctx, res); err != nil {
		d.log.Warn("Journal write failed for %s: %v", res.ID, err)
	}
}
