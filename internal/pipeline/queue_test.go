package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yourorg/audit-pipeline/internal/model"
)

func unit(id string) *model.UnitResult {
	return &model.UnitResult{ID: id, URL: "https://example.com/", Device: "mobile", AuditType: "performance", Status: model.StatusSuccess}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := NewIngestQueue(4)
	q.Close()
	if err := q.Enqueue(context.Background(), unit("a")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
	if err := q.TryEnqueue(unit("b")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("TryEnqueue after Close = %v, want ErrQueueClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := NewIngestQueue(1)
	q.Close()
	q.Close()
}

func TestTryEnqueueFull(t *testing.T) {
	q := NewIngestQueue(1)
	if err := q.TryEnqueue(unit("a")); err != nil {
		t.Fatalf("first TryEnqueue: %v", err)
	}
	if err := q.TryEnqueue(unit("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second TryEnqueue = %v, want ErrQueueFull", err)
	}
}

// Two producers race a capacity-1 queue: exactly one succeeds immediately,
// the other observes backpressure until the first result is drained.
func TestBackpressureBlocksSecondProducer(t *testing.T) {
	q := NewIngestQueue(1)
	if err := q.TryEnqueue(unit("first")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), unit("second"))
	}()

	select {
	case err := <-done:
		t.Fatalf("second producer completed before drain: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	r, ok, err := q.Next(context.Background())
	if err != nil || !ok || r.ID != "first" {
		t.Fatalf("Next = %v, %v, %v", r, ok, err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second producer: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second producer still blocked after drain")
	}
}

func TestNextDrainsQueuedResultsAfterClose(t *testing.T) {
	q := NewIngestQueue(4)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.TryEnqueue(unit(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	q.Close()

	ctx := context.Background()
	var got []string
	for {
		r, ok, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, r.ID)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("drained %v, want [a b c]", got)
	}
}

func TestEnqueueHonorsContext(t *testing.T) {
	q := NewIngestQueue(1)
	if err := q.TryEnqueue(unit("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, unit("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue = %v, want context.DeadlineExceeded", err)
	}
}

func TestNextReportsCancellationOverQueuedWork(t *testing.T) {
	q := NewIngestQueue(2)
	if err := q.TryEnqueue(unit("a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next = %v, want context.Canceled", err)
	}
}
