package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeLine is an in-memory Line for tests and bench runs without hardware.
type FakeLine struct {
	mu       sync.Mutex
	level    int
	script   []int
	readErr  error
	reads    int
	released bool
	events   chan Event
}

// NewFakeLine returns a line sitting at level.
func NewFakeLine(level int) *FakeLine {
	return &FakeLine{level: level, events: make(chan Event, MaxEventsPerWait)}
}

// Script queues values returned by the next Value calls before falling
// back to the steady level.
func (f *FakeLine) Script(values ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, values...)
}

// FailReads makes every Value call fail with err until cleared with nil.
func (f *FakeLine) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// Emit changes the level and queues the matching edge.
func (f *FakeLine) Emit(e Edge) {
	f.mu.Lock()
	if e == Rising {
		f.level = 1
	} else {
		f.level = 0
	}
	f.mu.Unlock()
	f.events <- Event{Edge: e, Time: time.Now()}
}

// Reads returns how many Value calls were made.
func (f *FakeLine) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Released reports whether Release was called.
func (f *FakeLine) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *FakeLine) Value() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.script) > 0 {
		v := f.script[0]
		f.script = f.script[1:]
		return v, nil
	}
	return f.level, nil
}

func (f *FakeLine) WaitEdge(ctx context.Context, timeout time.Duration) ([]Event, error) {
	return drainEvents(ctx, f.events, timeout)
}

func (f *FakeLine) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

// FakeBackend hands out registered FakeLines by "chip:offset".
type FakeBackend struct {
	mu    sync.Mutex
	lines map[string]*FakeLine
}

// NewFakeBackend returns an empty backend; unregistered lines fail to open.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{lines: make(map[string]*FakeLine)}
}

// Add registers line under chip:offset.
func (b *FakeBackend) Add(chip string, offset int, line *FakeLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[fmt.Sprintf("%s:%d", chip, offset)] = line
}

func (b *FakeBackend) Open(chip string, offset int, _ Options) (Line, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.lines[fmt.Sprintf("%s:%d", chip, offset)]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%d", ErrUnavailable, chip, offset)
	}
	return l, nil
}
