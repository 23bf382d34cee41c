package pwm

import (
	"math"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
)

// Band is one recognized duty range.
type Band struct {
	Code      string
	Center    float64
	Tolerance float64
	// Cooldown > 0 gives the band a private timer.
	Cooldown time.Duration
}

// Contains reports |duty-center| <= tolerance.
func (b Band) Contains(duty float64) bool {
	return math.Abs(duty-b.Center) <= b.Tolerance
}

// BandsFromConfig keeps the configured priority order.
func BandsFromConfig(cfg []config.Band) []Band {
	out := make([]Band, 0, len(cfg))
	for _, b := range cfg {
		out = append(out, Band{Code: b.Code, Center: b.Center, Tolerance: b.Tolerance, Cooldown: b.Cooldown.D()})
	}
	return out
}

// Classify returns the first band in order containing duty.
func Classify(bands []Band, duty float64) (Band, bool) {
	for _, b := range bands {
		if b.Contains(duty) {
			return b, true
		}
	}
	return Band{}, false
}

// Cooldowns tracks the shared timer and the private per-band timers. Every
// band is gated by the shared timer; a band with a private cooldown is also
// gated by its own and arms only that one when it fires.
type Cooldowns struct {
	shared      time.Duration
	sharedUntil time.Time
	private     map[string]time.Time
}

// NewCooldowns returns idle timers.
func NewCooldowns(shared time.Duration) *Cooldowns {
	return &Cooldowns{shared: shared, private: make(map[string]time.Time)}
}

// Remaining returns how long b stays blocked at now, or 0.
func (c *Cooldowns) Remaining(b Band, now time.Time) time.Duration {
	left := c.sharedUntil.Sub(now)
	if b.Cooldown > 0 {
		if p := c.private[b.Code].Sub(now); p > left {
			left = p
		}
	}
	if left < 0 {
		return 0
	}
	return left
}

// Arm starts the timer that b fires.
func (c *Cooldowns) Arm(b Band, now time.Time) {
	if b.Cooldown > 0 {
		c.private[b.Code] = now.Add(b.Cooldown)
		return
	}
	c.sharedUntil = now.Add(c.shared)
}
