package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/yourorg/audit-pipeline/internal/model"
)

var (
	// ErrQueueClosed is returned by Enqueue after the producer side has been
	// closed (drain began or the run reached a terminal state).
	ErrQueueClosed = errors.New("ingest queue closed")

	// ErrQueueFull is returned by TryEnqueue when the bounded capacity is
	// exceeded. It is the primary backpressure signal; callers should back
	// off and retry.
	ErrQueueFull = errors.New("ingest queue full")
)

// IngestQueue is the bounded handoff point between audit workers and the
// run coordinator. Multiple producers may enqueue concurrently; a single
// consumer drains. Capacity is fixed at construction and closing is the
// only way ingestion terminates.
type IngestQueue struct {
	ch        chan *model.UnitResult
	done      chan struct{}
	closeOnce sync.Once
}

func NewIngestQueue(depth int) *IngestQueue {
	if depth < 1 {
		depth = 1
	}
	return &IngestQueue{
		ch:   make(chan *model.UnitResult, depth),
		done: make(chan struct{}),
	}
}

// Enqueue hands a result to the pipeline, blocking while the queue is at
// capacity. It returns ErrQueueClosed once the queue is closed, or the
// context error if ctx ends first.
func (q *IngestQueue) Enqueue(ctx context.Context, r *model.UnitResult) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- r:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue is the non-blocking variant: it returns ErrQueueFull instead
// of waiting so producers can apply their own backoff.
func (q *IngestQueue) TryEnqueue(r *model.UnitResult) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- r:
		return nil
	case <-q.done:
		return ErrQueueClosed
	default:
		return ErrQueueFull
	}
}

// Close signals that no more results will be produced. Already-queued
// results remain drainable via Next. Idempotent.
func (q *IngestQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Done is closed once the queue is closed.
func (q *IngestQueue) Done() <-chan struct{} { return q.done }

// Next blocks for the next queued result. It returns ok=false with a nil
// error once the queue is closed and fully drained, or the context error if
// ctx ends while waiting. Single consumer only; the sequence is not
// restartable.
func (q *IngestQueue) Next(ctx context.Context) (*model.UnitResult, bool, error) {
	// Cancellation wins over queued work: a cancelled run records what is
	// left as dropped instead of draining it.
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	// Fast path: queued items take priority over the close signal so the
	// drain finishes what producers already handed off.
	select {
	case r := <-q.ch:
		return r, true, nil
	default:
	}
	select {
	case r := <-q.ch:
		return r, true, nil
	case <-q.done:
		select {
		case r := <-q.ch:
			return r, true, nil
		default:
			return nil, false, nil
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// TryNext returns the next queued result without blocking.
func (q *IngestQueue) TryNext() (*model.UnitResult, bool) {
	select {
	case r := <-q.ch:
		return r, true
	default:
		return nil, false
	}
}

// Len reports how many results are queued but not yet consumed.
func (q *IngestQueue) Len() int {
	return len(q.ch)
}
