package gpio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/config"
)

// ErrUnavailable wraps every failure to open a chip or request a line.
var ErrUnavailable = errors.New("gpio line unavailable")

// MaxEventsPerWait bounds how many queued edges one WaitEdge call returns.
const MaxEventsPerWait = 1024

// Edge is the direction of a level change.
type Edge int

const (
	Falling Edge = iota
	Rising
)

func (e Edge) String() string {
	if e == Rising {
		return "RISING"
	}
	return "FALLING"
}

// Event is one observed edge.
type Event struct {
	Edge Edge
	Time time.Time
}

// Line is an exclusively owned input line.
type Line interface {
	// Value returns the logical level, 0 or 1.
	Value() (int, error)
	// WaitEdge blocks until at least one edge is pending, the timeout
	// elapses (nil, nil) or ctx is done.
	WaitEdge(ctx context.Context, timeout time.Duration) ([]Event, error)
	// Release returns the line to the kernel.
	Release() error
}

// Options configure a line request.
type Options struct {
	Consumer  string
	Edges     bool
	ActiveLow bool
	// PollInterval is used by the polling fallback when edge detection
	// cannot be requested.
	PollInterval time.Duration
}

// Backend opens lines on one platform.
type Backend interface {
	Open(chip string, offset int, opts Options) (Line, error)
}

// OpenSpec opens a "/dev/gpiochipN:OFFSET" line through b.
func OpenSpec(b Backend, spec string, opts Options) (Line, error) {
	chip, offset, err := config.ParseLineSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return b.Open(chip, offset, opts)
}
