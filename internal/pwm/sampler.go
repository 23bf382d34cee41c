// Package pwm decodes maintenance-mode codes from the duty cycle of a
// slow PWM signal on a digital input line.
package pwm

import (
	"context"
	"time"
)

// Reader is the part of a gpio.Line the sampler needs.
type Reader interface {
	Value() (int, error)
}

// Reading is one sampling window.
type Reading struct {
	High   int
	Total  int // successful reads
	Failed int
}

// Valid reports whether at least one read succeeded.
func (r Reading) Valid() bool { return r.Total > 0 }

// Duty returns high/total*100, or 0 for an invalid reading.
func (r Reading) Duty() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.High) / float64(r.Total) * 100
}

// Sampler reads a line Count times, sleeping Interval after every read.
type Sampler struct {
	Count    int
	Interval time.Duration
	Sleep    func(time.Duration)
}

// Sample runs one window. A failed read is left out of the total; the
// window stops early when ctx is done.
func (s Sampler) Sample(ctx context.Context, r Reader) Reading {
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var out Reading
	for i := 0; i < s.Count && ctx.Err() == nil; i++ {
		v, err := r.Value()
		switch {
		case err != nil:
			out.Failed++
		case v == 1:
			out.High++
			out.Total++
		default:
			out.Total++
		}
		if s.Interval > 0 {
			sleep(s.Interval)
		}
	}
	return out
}
