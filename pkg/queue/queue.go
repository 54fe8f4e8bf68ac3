// Package queue holds admitted task handles in a bounded in-memory FIFO.
// Durability of the intent to process lives in storage; the queue only
// orders work for the worker pool.
package queue

import (
	"errors"
	"time"

	"github.com/IvanSolovey/transcription-api/pkg/metrics"
	"github.com/IvanSolovey/transcription-api/pkg/types"
)

// reservedSlots are kept free beyond the soft admission limit so recovery
// and in-flight submissions never hit the hard capacity.
const reservedSlots = 5

// ErrOverloaded is returned when admission is refused
var ErrOverloaded = errors.New("queue overloaded")

// Queue is a bounded FIFO of task handles. Safe for concurrent producers
// and consumers.
type Queue struct {
	ch        chan *types.TaskHandle
	softLimit int
}

// New creates a queue with the given hard capacity. The soft admission
// limit is capacity minus the reserved slots.
func New(capacity int) *Queue {
	soft := capacity - reservedSlots
	if soft < 1 {
		soft = 1
	}
	return &Queue{
		ch:        make(chan *types.TaskHandle, capacity),
		softLimit: soft,
	}
}

// Len returns the current queue depth
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the hard capacity
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// AtSoftLimit reports whether admission would currently be refused
func (q *Queue) AtSoftLimit() bool {
	return len(q.ch) >= q.softLimit
}

// TryEnqueue admits a handle without blocking. Returns ErrOverloaded once
// the soft limit is reached.
func (q *Queue) TryEnqueue(h *types.TaskHandle) error {
	if q.AtSoftLimit() {
		return ErrOverloaded
	}
	select {
	case q.ch <- h:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		return ErrOverloaded
	}
}

// Enqueue admits a handle, refusing only at the hard capacity. Used after
// the task row is already persisted, where the reserved slots absorb the
// race between the soft-limit check and this call.
func (q *Queue) Enqueue(h *types.TaskHandle) error {
	select {
	case q.ch <- h:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		return ErrOverloaded
	}
}

// Dequeue blocks until a handle is available, the wait elapses, or stopCh
// closes. Returns (nil, false) on timeout or stop; workers use the timeout
// as an idle wake for periodic memory reclaim.
func (q *Queue) Dequeue(stopCh <-chan struct{}, wait time.Duration) (*types.TaskHandle, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case h := <-q.ch:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return h, true
	case <-timer.C:
		return nil, false
	case <-stopCh:
		return nil, false
	}
}
