package gpio

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
)

var log = logger.For("GPIO")

// CdevBackend requests lines through the Linux GPIO character device.
type CdevBackend struct{}

// Open requests an input line. When edge detection is asked for but the
// kernel refuses it, the line is re-requested as a plain input and wrapped
// in a polling line.
func (CdevBackend) Open(chip string, offset int, opts Options) (Line, error) {
	base := []gpiocdev.LineReqOption{gpiocdev.AsInput}
	if opts.Consumer != "" {
		base = append(base, gpiocdev.WithConsumer(opts.Consumer))
	}
	if opts.ActiveLow {
		base = append(base, gpiocdev.AsActiveLow)
	}

	if opts.Edges {
		cl := &cdevLine{events: make(chan Event, MaxEventsPerWait)}
		reqOpts := append(append([]gpiocdev.LineReqOption{}, base...),
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(cl.handle))
		l, err := gpiocdev.RequestLine(chip, offset, reqOpts...)
		if err == nil {
			cl.line, cl.read = l, l.Value
			return cl, nil
		}
		log.Warn("Edge detection unavailable on %s:%d (%v); falling back to polling", chip, offset, err)
	}

	l, err := gpiocdev.RequestLine(chip, offset, base...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%d: %v", ErrUnavailable, chip, offset, err)
	}
	cl := &cdevLine{line: l, read: l.Value}
	if opts.Edges {
		return NewPollingLine(cl, opts.PollInterval), nil
	}
	return cl, nil
}

type cdevLine struct {
	line   *gpiocdev.Line
	read   func() (int, error)
	events chan Event
	// overflow is set when handle had to drop an edge.
	overflow atomic.Bool
}

func (c *cdevLine) handle(evt gpiocdev.LineEvent) {
	e := Event{Edge: Falling, Time: time.Now()}
	if evt.Type == gpiocdev.LineEventRisingEdge {
		e.Edge = Rising
	}
	select {
	case c.events <- e:
	default:
		c.overflow.Store(true)
		log.Warn("Edge buffer full, dropping %s", e.Edge)
	}
}

func (c *cdevLine) Value() (int, error) {
	return c.read()
}

// WaitEdge returns the queued edges. After an overflow the line level is
// re-read once the queue is empty and a synthetic edge is appended if the
// last delivered edge disagrees with it.
func (c *cdevLine) WaitEdge(ctx context.Context, timeout time.Duration) ([]Event, error) {
	if c.events == nil {
		return nil, fmt.Errorf("line was requested without edge detection")
	}
	out, err := drainEvents(ctx, c.events, timeout)
	if err != nil || len(c.events) > 0 || !c.overflow.Swap(false) {
		return out, err
	}

	v, err := c.read()
	if err != nil {
		log.Warn("Resync after dropped edges failed: %v", err)
		return out, nil
	}
	edge := Falling
	if v != 0 {
		edge = Rising
	}
	if len(out) == 0 || out[len(out)-1].Edge != edge {
		log.Warn("Resynced line level after dropped edges: %s", edge)
		out = append(out, Event{Edge: edge, Time: time.Now()})
	}
	return out, nil
}

func (c *cdevLine) Release() error {
	return c.line.Close()
}

// drainEvents waits for the first event, then collects whatever else is
// already queued, up to MaxEventsPerWait.
func drainEvents(ctx context.Context, ch <-chan Event, timeout time.Duration) ([]Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first Event
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case first = <-ch:
	}

	out := []Event{first}
	for len(out) < MaxEventsPerWait {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out, nil
		}
	}
	return out, nil
}
