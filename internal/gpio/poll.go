package gpio

import (
	"context"
	"sync"
	"time"
)

// ValueReader is the part of a line the polling fallback needs.
type ValueReader interface {
	Value() (int, error)
	Release() error
}

// PollingLine synthesizes edges by sampling the level at a fixed interval.
type PollingLine struct {
	src      ValueReader
	interval time.Duration

	mu     sync.Mutex
	last   int
	primed bool
}

// NewPollingLine wraps src. A non-positive interval defaults to 10ms.
func NewPollingLine(src ValueReader, interval time.Duration) *PollingLine {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &PollingLine{src: src, interval: interval}
}

// Value reads the level and makes it the baseline for edge detection.
func (p *PollingLine) Value() (int, error) {
	v, err := p.src.Value()
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.last, p.primed = v, true
	p.mu.Unlock()
	return v, nil
}

// observe records v and reports the edge it represents, if any.
func (p *PollingLine) observe(v int) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.primed {
		p.last, p.primed = v, true
		return Event{}, false
	}
	if v == p.last {
		return Event{}, false
	}
	p.last = v
	e := Event{Edge: Falling, Time: time.Now()}
	if v != 0 {
		e.Edge = Rising
	}
	return e, true
}

func (p *PollingLine) WaitEdge(ctx context.Context, timeout time.Duration) ([]Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		v, err := p.src.Value()
		if err != nil {
			return nil, err
		}
		if e, ok := p.observe(v); ok {
			return []Event{e}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

func (p *PollingLine) Release() error {
	return p.src.Release()
}
