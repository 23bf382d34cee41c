package pwm

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
	"github.com/dj-oyu/clary-camera/recorder/internal/gpio"
	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
	"github.com/dj-oyu/clary-camera/recorder/internal/mode"
)

// Dispatcher runs the action behind a mode code.
type Dispatcher interface {
	Dispatch(ctx context.Context, code string, duty float64) mode.Result
}

// Config configures a Decoder.
type Config struct {
	Line           string
	ActiveLow      bool
	Samples        int
	SampleInterval time.Duration
	CycleInterval  time.Duration
	SharedCooldown time.Duration
	Bands          []Band
}

// FromConfig converts the PWM section of the daemon config.
func FromConfig(c config.PWM) Config {
	return Config{
		Line:           c.Line,
		ActiveLow:      c.ActiveLow,
		Samples:        c.Samples,
		SampleInterval: c.SampleInterval.D(),
		CycleInterval:  c.CycleInterval.D(),
		SharedCooldown: c.SharedCooldown.D(),
		Bands:          BandsFromConfig(c.Bands),
	}
}

// Cycle is the outcome of one decode cycle.
type Cycle struct {
	Reading    Reading
	Duty       float64
	Band       Band
	Matched    bool
	Remaining  time.Duration // cooldown left when suppressed
	Dispatched bool
	Result     mode.Result
}

// Decoder samples the PWM line, classifies the duty and dispatches mode
// codes. It never touches recording state.
type Decoder struct {
	cfg        Config
	backend    gpio.Backend
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        logger.Module
	sampler    Sampler
	now        func() time.Time

	mu        sync.Mutex
	cooldowns *Cooldowns
	last      Cycle
}

// NewDecoder returns a decoder for cfg.Line.
func NewDecoder(cfg Config, backend gpio.Backend, d Dispatcher, m *metrics.Metrics) *Decoder {
	if cfg.Samples <= 0 {
		cfg.Samples = 50
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Decoder{
		cfg:        cfg,
		backend:    backend,
		dispatcher: d,
		metrics:    m,
		log:        logger.For("PWM"),
		sampler:    Sampler{Count: cfg.Samples, Interval: cfg.SampleInterval},
		now:        time.Now,
		cooldowns:  NewCooldowns(cfg.SharedCooldown),
	}
}

// Last returns the most recent cycle.
func (d *Decoder) Last() Cycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Run owns the PWM line until ctx is done. An unavailable line disables
// the decoder without affecting anything else.
func (d *Decoder) Run(ctx context.Context) {
	line, err := gpio.OpenSpec(d.backend, d.cfg.Line, gpio.Options{
		Consumer:  "clary-pwm",
		ActiveLow: d.cfg.ActiveLow,
	})
	if err != nil {
		d.log.Error("PWM line unavailable, mode decoding disabled: %v", err)
		return
	}
	defer func() {
		if err := line.Release(); err != nil {
			d.log.Warn("Release %s: %v", d.cfg.Line, err)
		} else {
			d.log.Info("PWM line %s released", d.cfg.Line)
		}
	}()

	for _, b := range d.cfg.Bands {
		d.log.Info("Band %s: %.0f%% +/- %.0f%%", b.Code, b.Center, b.Tolerance)
	}
	d.log.Info("Sampling %s: %d reads every %s", d.cfg.Line, d.cfg.Samples, d.cfg.SampleInterval)

	for ctx.Err() == nil {
		d.Decode(ctx, line)
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.CycleInterval):
		}
	}
}

// Decode runs one sample window, classification and, when due, dispatch.
func (d *Decoder) Decode(ctx context.Context, r Reader) Cycle {
	reading := d.sampler.Sample(ctx, r)
	d.metrics.DecodeCycles.Add(1)
	d.metrics.SampleFailures.Add(uint64(reading.Failed))

	c := Cycle{Reading: reading}
	defer func() {
		d.mu.Lock()
		d.last = c
		d.mu.Unlock()
	}()

	if !reading.Valid() {
		d.metrics.NoReadingCycles.Add(1)
		d.log.Warn("No reading: %d/%d samples failed", reading.Failed, d.cfg.Samples)
		return c
	}
	if ctx.Err() != nil {
		return c
	}
	c.Duty = reading.Duty()
	d.metrics.SetDuty(c.Duty)

	band, ok := Classify(d.cfg.Bands, c.Duty)
	if !ok {
		d.log.Debug("Duty %.1f%%: no band", c.Duty)
		return c
	}
	c.Band, c.Matched = band, true

	now := d.now()
	d.mu.Lock()
	left := d.cooldowns.Remaining(band, now)
	if left == 0 {
		d.cooldowns.Arm(band, now)
	}
	d.mu.Unlock()
	if left > 0 {
		c.Remaining = left
		d.metrics.CooldownSuppressed.Add(1)
		d.log.Info("Duty %.1f%% -> %s, cooling down (%.0fs left)", c.Duty, band.Code, left.Seconds())
		return c
	}

	d.log.Warn("Duty %.1f%% -> %s", c.Duty, band.Code)
	c.Dispatched = true
	c.Result = d.dispatcher.Dispatch(ctx, band.Code, c.Duty)
	d.metrics.Dispatches.Add(1)
	if !c.Result.OK {
		d.metrics.DispatchFailures.Add(1)
	}
	return c
}
