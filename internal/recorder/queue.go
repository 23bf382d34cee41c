package recorder

import (
	"context"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
)

// FrameQueue is a bounded FIFO between the frame producer and the writer.
// Enqueue never blocks: when the queue is full the arriving entry is
// dropped and the queued entries are left untouched.
type FrameQueue struct {
	ch      chan Entry
	metrics *metrics.Metrics
}

// NewFrameQueue returns a queue holding at most capacity entries.
func NewFrameQueue(capacity int, m *metrics.Metrics) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if m == nil {
		m = metrics.New()
	}
	return &FrameQueue{ch: make(chan Entry, capacity), metrics: m}
}

// TryPush enqueues e without blocking and reports whether it was kept.
func (q *FrameQueue) TryPush(e Entry) bool {
	select {
	case q.ch <- e:
		q.metrics.FramesEnqueued.Add(1)
		return true
	default:
		q.metrics.FramesDropped.Add(1)
		return false
	}
}

// Pop waits up to wait for the next entry.
func (q *FrameQueue) Pop(ctx context.Context, wait time.Duration) (Entry, bool) {
	select {
	case e := <-q.ch:
		return e, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case e := <-q.ch:
		return e, true
	case <-timer.C:
		return Entry{}, false
	case <-ctx.Done():
		return Entry{}, false
	}
}

// Drain discards everything queued and returns how many entries it dropped.
func (q *FrameQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued entries.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.ch) }
