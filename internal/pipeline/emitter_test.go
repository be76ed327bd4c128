package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/yourorg/audit-pipeline/internal/model"
)

func decodeEvents(t *testing.T, raw []byte) []model.ProgressEvent {
	t.Helper()
	var out []model.ProgressEvent
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var ev model.ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event line %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestEmitterSequencesAreContiguous(t *testing.T) {
	var buf bytes.Buffer
	em := NewEmitter(&buf, "run-test")

	em.Emit(model.EventRunStarted, model.RunStartedPayload{OutputDir: "/tmp/out"})
	em.Emit(model.EventUnitCompleted, model.UnitCompletedPayload{UnitID: "u1"})
	em.Emit(model.EventRunCompleted, model.RunCompletedPayload{UnitCount: 1})

	events := decodeEvents(t, buf.Bytes())
	if len(events) != 3 {
		t.Fatalf("emitted %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
		if ev.RunID != "run-test" {
			t.Fatalf("event %d has runId %q", i, ev.RunID)
		}
		if ev.TS.IsZero() {
			t.Fatalf("event %d has zero timestamp", i)
		}
	}
	if events[0].Type != model.EventRunStarted || events[2].Type != model.EventRunCompleted {
		t.Fatalf("event types = %s..%s", events[0].Type, events[2].Type)
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("pipe closed")
}

// A dead consumer must not take the run down: emission stays best-effort
// and sequence numbers keep advancing without gaps.
func TestEmitterToleratesBrokenStream(t *testing.T) {
	w := &failingWriter{}
	em := NewEmitter(w, "run-test")

	ev1 := em.Emit(model.EventRunStarted, nil)
	ev2 := em.Emit(model.EventRunFailed, model.RunFailedPayload{Reason: "x"})

	if ev1.Seq != 1 || ev2.Seq != 2 {
		t.Fatalf("seqs = %d, %d, want 1, 2", ev1.Seq, ev2.Seq)
	}
	if w.writes != 2 {
		t.Fatalf("writer saw %d writes, want 2", w.writes)
	}
}

type captureSink struct{ events []model.ProgressEvent }

func (s *captureSink) Record(ev model.ProgressEvent) { s.events = append(s.events, ev) }

func TestEmitterForwardsToSinks(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{}
	em := NewEmitter(&buf, "run-test", sink)

	em.Emit(model.EventRunStarted, nil)
	em.Emit(model.EventRunCompleted, nil)

	if len(sink.events) != 2 || sink.events[1].Seq != 2 {
		t.Fatalf("sink saw %+v", sink.events)
	}
}
