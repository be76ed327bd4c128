package pipeline

import (
	"bufio"
	"container/heap"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/yourorg/audit-pipeline/internal/model"
)

// Rough per-entry bookkeeping cost charged on top of retained payload bytes.
const entryOverheadBytes = 256

// metricState is one metric's Welford accumulator. Mean and variance are
// updated incrementally so no samples are retained.
type metricState struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
	sum   float64
}

func (m *metricState) add(v float64) {
	m.count++
	if m.count == 1 {
		m.min, m.max = v, v
	} else {
		if v < m.min {
			m.min = v
		}
		if v > m.max {
			m.max = v
		}
	}
	m.sum += v
	delta := v - m.mean
	m.mean += delta / float64(m.count)
	m.m2 += delta * (v - m.mean)
}

func (m *metricState) snapshot() model.MetricStats {
	s := model.MetricStats{
		Count: m.count,
		Min:   m.min,
		Max:   m.max,
		Sum:   m.sum,
		Mean:  m.mean,
	}
	if m.count > 1 {
		s.StdDev = math.Sqrt(m.m2 / float64(m.count-1))
	}
	return s
}

// offenderEntry is one candidate in the bounded worst-offender structure.
// The raw payload is retained for reporting until evicted or spilled.
type offenderEntry struct {
	model.Offender
	seq     int64 // ingest order, used for tie-breaks
	payload []byte
	spilled bool
}

// offenderHeap is a min-heap whose root is the weakest retained entry:
// lowest value, and among exact ties the later-ingested one (so earlier
// results win ties and survive eviction).
type offenderHeap []*offenderEntry

func (h offenderHeap) Len() int { return len(h) }
func (h offenderHeap) Less(i, j int) bool {
	if h[i].Value != h[j].Value {
		return h[i].Value < h[j].Value
	}
	return h[i].seq > h[j].seq
}
func (h offenderHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *offenderHeap) Push(x any) { *h = append(*h, x.(*offenderEntry)) }
func (h *offenderHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Aggregator folds a stream of unit results into compact running state.
// Single-writer: only the coordinator's consumer goroutine may call Ingest
// or Spill; Snapshot returns copies and is safe to hand out.
type Aggregator struct {
	topN      int
	seq       int64
	total     int
	byStatus  map[string]int
	metrics   map[string]*metricState
	offenders offenderHeap

	retainedBytes int64
	spilledUnits  int
}

func NewAggregator(topN int) *Aggregator {
	if topN < 1 {
		topN = 1
	}
	return &Aggregator{
		topN:     topN,
		byStatus: make(map[string]int),
		metrics:  make(map[string]*metricState),
	}
}

// Ingest folds one result into the running state. O(1) amortized; the only
// growth is the fixed-capacity offender heap (O(log k) admission). The
// result is not referenced after Ingest returns — only its payload bytes may
// be retained, and only while it ranks in the top N.
func (a *Aggregator) Ingest(r *model.UnitResult, ex MetricExtractor) {
	a.seq++
	a.total++
	a.byStatus[r.Status]++

	if r.Status == model.StatusFailed {
		return
	}

	values := ex.Extract(r)
	for name, v := range values {
		st, ok := a.metrics[name]
		if !ok {
			st = &metricState{}
			a.metrics[name] = st
		}
		st.add(v)
	}

	ranking := ex.RankingMetric()
	v, ok := values[ranking]
	if !ok {
		return
	}
	a.admit(&offenderEntry{
		Offender: model.Offender{
			UnitID: r.ID,
			URL:    r.URL,
			Device: r.Device,
			Metric: ranking,
			Value:  v,
		},
		seq:     a.seq,
		payload: r.Payload,
	})
}

// charge is what an entry costs against the memory ceiling. Spilled
// entries cost nothing: their payload lives on disk and the remaining
// metadata is part of the fixed O(k) baseline.
func charge(e *offenderEntry) int64 {
	if e.spilled {
		return 0
	}
	return entryOverheadBytes + int64(len(e.payload))
}

func (a *Aggregator) admit(e *offenderEntry) {
	if a.offenders.Len() < a.topN {
		heap.Push(&a.offenders, e)
		a.retainedBytes += charge(e)
		return
	}
	weakest := a.offenders[0]
	// The candidate always carries the latest seq, so on an exact value tie
	// the incumbent wins.
	if e.Value <= weakest.Value {
		return
	}
	a.retainedBytes -= charge(weakest)
	a.offenders[0] = e
	heap.Fix(&a.offenders, 0)
	a.retainedBytes += charge(e)
}

// EstimatedBytes is the running byte-size estimate charged against the
// memory ceiling: retained offender payloads plus fixed per-entry overhead.
func (a *Aggregator) EstimatedBytes() int64 {
	return a.retainedBytes
}

// spillRecord is one line of the on-disk spill file.
type spillRecord struct {
	UnitID  string          `json:"unitId"`
	Metric  string          `json:"metric"`
	Value   float64         `json:"value"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Spill appends every retained offender payload to the spill file and
// releases the memory. Ranking metadata stays in memory (O(k)), so later
// snapshots are identical to a run that never spilled. Returns how many
// entries were flushed.
func (a *Aggregator) Spill(path string) (int, error) {
	var pending []*offenderEntry
	for _, e := range a.offenders {
		if !e.spilled {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open spill file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range pending {
		rec := spillRecord{UnitID: e.UnitID, Metric: e.Metric, Value: e.Value, Payload: e.payload}
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("write spill record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("flush spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close spill file: %w", err)
	}

	for _, e := range pending {
		a.retainedBytes -= charge(e)
		e.payload = nil
		e.spilled = true
		a.spilledUnits++
	}
	return len(pending), nil
}

// Snapshot returns an immutable copy of the running summary. Two calls with
// no intervening Ingest return equal values.
func (a *Aggregator) Snapshot() model.SummarySnapshot {
	snap := model.SummarySnapshot{
		Total:          a.total,
		Success:        a.byStatus[model.StatusSuccess],
		Partial:        a.byStatus[model.StatusPartial],
		Failed:         a.byStatus[model.StatusFailed],
		Metrics:        make(map[string]model.MetricStats, len(a.metrics)),
		EstimatedBytes: a.retainedBytes,
		SpilledUnits:   a.spilledUnits,
	}
	for name, st := range a.metrics {
		snap.Metrics[name] = st.snapshot()
	}

	// Strongest first; ties broken toward the earlier-ingested result.
	ordered := make([]*offenderEntry, len(a.offenders))
	copy(ordered, a.offenders)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Value != ordered[j].Value {
			return ordered[i].Value > ordered[j].Value
		}
		return ordered[i].seq < ordered[j].seq
	})
	snap.WorstOffenders = make([]model.Offender, len(ordered))
	for i, e := range ordered {
		snap.WorstOffenders[i] = e.Offender
	}
	return snap
}
