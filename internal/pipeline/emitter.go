package pipeline

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/yourorg/audit-pipeline/internal/model"
)

// EventSink receives a best-effort copy of every emitted event, e.g. for
// mirroring into SQL. Implementations must not block for long and must
// swallow their own errors.
type EventSink interface {
	Record(ev model.ProgressEvent)
}

// Emitter serializes lifecycle and progress events onto the outbound
// stream, one JSON object per line. Sequence numbers start at 1 and are
// strictly increasing with no gaps. Emit is called only from the
// coordinator's consumer goroutine, synchronously with the state transition
// each event reports, so observers never see claimed progress that has not
// been durably recorded.
//
// Delivery is best-effort: if the consumer side of the stream is gone,
// failures are logged and the run carries on — run correctness lives in the
// run index, not the event stream.
type Emitter struct {
	out   io.Writer
	runID string
	seq   uint64
	now   func() time.Time
	sinks []EventSink
}

func NewEmitter(out io.Writer, runID string, sinks ...EventSink) *Emitter {
	return &Emitter{out: out, runID: runID, now: time.Now, sinks: sinks}
}

// Emit assigns the next sequence number and timestamp, then writes the
// serialized event. The returned event is the exact record written.
func (e *Emitter) Emit(eventType string, payload any) model.ProgressEvent {
	e.seq++
	ev := model.ProgressEvent{
		Seq:     e.seq,
		TS:      e.now().UTC(),
		Type:    eventType,
		RunID:   e.runID,
		Payload: payload,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		log.Printf("run %s: marshal event seq=%d: %v", e.runID, ev.Seq, err)
		return ev
	}
	line = append(line, '\n')
	if _, err := e.out.Write(line); err != nil {
		log.Printf("run %s: emit event seq=%d: %v", e.runID, ev.Seq, err)
	}
	for _, s := range e.sinks {
		s.Record(ev)
	}
	return ev
}

// Seq returns the sequence number of the last emitted event.
func (e *Emitter) Seq() uint64 { return e.seq }
