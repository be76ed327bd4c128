package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/yourorg/audit-pipeline/internal/model"
)

func perfResult(id string, loadTimeMs float64) *model.UnitResult {
	payload := fmt.Sprintf(`{"metrics":{"loadTimeMs":%g}}`, loadTimeMs)
	return &model.UnitResult{
		ID:        id,
		URL:       "https://example.com/" + id,
		Device:    "mobile",
		AuditType: "performance",
		Status:    model.StatusSuccess,
		Payload:   json.RawMessage(payload),
	}
}

func perfExtractor() MetricExtractor {
	return NewRegistry().Resolve("performance")
}

func TestAggregatorScenarioThreeResults(t *testing.T) {
	agg := NewAggregator(2)
	ex := perfExtractor()
	for i, v := range []float64{10, 20, 30} {
		agg.Ingest(perfResult(fmt.Sprintf("u%d", i), v), ex)
	}

	snap := agg.Snapshot()
	if snap.Total != 3 || snap.Success != 3 {
		t.Fatalf("counts = %+v, want total=3 success=3", snap)
	}
	st := snap.Metrics["loadTimeMs"]
	if st.Count != 3 || st.Mean != 20 || st.Min != 10 || st.Max != 30 || st.Sum != 60 {
		t.Fatalf("loadTimeMs stats = %+v", st)
	}
	// Sample stddev of {10,20,30} is exactly 10.
	if math.Abs(st.StdDev-10) > 1e-9 {
		t.Fatalf("stddev = %v, want 10", st.StdDev)
	}
	if len(snap.WorstOffenders) != 2 {
		t.Fatalf("offenders = %+v, want 2 entries", snap.WorstOffenders)
	}
	if snap.WorstOffenders[0].Value != 30 || snap.WorstOffenders[1].Value != 20 {
		t.Fatalf("offender values = %v/%v, want 30/20",
			snap.WorstOffenders[0].Value, snap.WorstOffenders[1].Value)
	}
}

func TestOffenderTieBreakPrefersEarlierIngest(t *testing.T) {
	agg := NewAggregator(2)
	ex := perfExtractor()
	agg.Ingest(perfResult("first", 5), ex)
	agg.Ingest(perfResult("second", 5), ex)
	agg.Ingest(perfResult("third", 5), ex)

	snap := agg.Snapshot()
	if len(snap.WorstOffenders) != 2 {
		t.Fatalf("offenders = %+v", snap.WorstOffenders)
	}
	if snap.WorstOffenders[0].UnitID != "first" || snap.WorstOffenders[1].UnitID != "second" {
		t.Fatalf("offenders = %s/%s, want first/second",
			snap.WorstOffenders[0].UnitID, snap.WorstOffenders[1].UnitID)
	}
}

func TestOffenderEvictionKeepsStrongest(t *testing.T) {
	agg := NewAggregator(2)
	ex := perfExtractor()
	for i, v := range []float64{3, 1, 9, 7, 5} {
		agg.Ingest(perfResult(fmt.Sprintf("u%d", i), v), ex)
	}
	snap := agg.Snapshot()
	if snap.WorstOffenders[0].Value != 9 || snap.WorstOffenders[1].Value != 7 {
		t.Fatalf("offenders = %+v, want values 9/7", snap.WorstOffenders)
	}
}

// Memory stays bounded by the top-N structure no matter how many results
// flow through.
func TestEstimateBoundedByTopN(t *testing.T) {
	const topN = 4
	agg := NewAggregator(topN)
	ex := perfExtractor()

	pad := strings.Repeat("x", 1024)
	var ceiling int64 = topN * (entryOverheadBytes + 2048)
	for i := 0; i < 500; i++ {
		payload := fmt.Sprintf(`{"metrics":{"loadTimeMs":%d},"pad":%q}`, i, pad)
		r := perfResult(fmt.Sprintf("u%d", i), float64(i))
		r.Payload = json.RawMessage(payload)
		agg.Ingest(r, ex)
		if est := agg.EstimatedBytes(); est > ceiling {
			t.Fatalf("estimate %d exceeded ceiling %d after %d ingests", est, ceiling, i+1)
		}
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	agg := NewAggregator(3)
	ex := perfExtractor()
	for i, v := range []float64{4, 8, 15, 16, 23, 42} {
		agg.Ingest(perfResult(fmt.Sprintf("u%d", i), v), ex)
	}
	a := agg.Snapshot()
	b := agg.Snapshot()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", a, b)
	}
}

func TestFailedResultsCountButDoNotRank(t *testing.T) {
	agg := NewAggregator(3)
	ex := perfExtractor()
	agg.Ingest(perfResult("ok", 10), ex)
	failed := perfResult("broken", 999)
	failed.Status = model.StatusFailed
	agg.Ingest(failed, ex)

	snap := agg.Snapshot()
	if snap.Total != 2 || snap.Failed != 1 || snap.Success != 1 {
		t.Fatalf("counts = %+v", snap)
	}
	if len(snap.WorstOffenders) != 1 || snap.WorstOffenders[0].UnitID != "ok" {
		t.Fatalf("offenders = %+v, want only ok", snap.WorstOffenders)
	}
}

func TestSpillReleasesMemoryAndPreservesSummary(t *testing.T) {
	agg := NewAggregator(2)
	ex := perfExtractor()
	for i, v := range []float64{10, 20, 30} {
		agg.Ingest(perfResult(fmt.Sprintf("u%d", i), v), ex)
	}
	before := agg.Snapshot()

	spillPath := filepath.Join(t.TempDir(), "offenders.spill.ndjson")
	n, err := agg.Spill(spillPath)
	if err != nil {
		t.Fatalf("Spill: %v", err)
	}
	if n != 2 {
		t.Fatalf("spilled %d entries, want 2", n)
	}
	if est := agg.EstimatedBytes(); est != 0 {
		t.Fatalf("estimate after spill = %d, want 0", est)
	}

	after := agg.Snapshot()
	if !reflect.DeepEqual(before.WorstOffenders, after.WorstOffenders) {
		t.Fatalf("offenders changed across spill:\n%+v\n%+v", before.WorstOffenders, after.WorstOffenders)
	}
	if !reflect.DeepEqual(before.Metrics, after.Metrics) {
		t.Fatalf("metrics changed across spill")
	}
	if after.SpilledUnits != 2 {
		t.Fatalf("SpilledUnits = %d, want 2", after.SpilledUnits)
	}

	raw, err := os.ReadFile(spillPath)
	if err != nil {
		t.Fatalf("read spill file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("spill file has %d lines, want 2", len(lines))
	}
	var rec spillRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("spill record: %v", err)
	}
	if rec.Metric != "loadTimeMs" || len(rec.Payload) == 0 {
		t.Fatalf("spill record = %+v", rec)
	}

	// Nothing retained, nothing to spill.
	if n, err := agg.Spill(spillPath); err != nil || n != 0 {
		t.Fatalf("second Spill = %d, %v, want 0, nil", n, err)
	}
}

func TestSpillFailsOnUnwritablePath(t *testing.T) {
	agg := NewAggregator(1)
	agg.Ingest(perfResult("a", 1), perfExtractor())
	if _, err := agg.Spill(filepath.Join(t.TempDir(), "missing", "spill.ndjson")); err == nil {
		t.Fatal("Spill into missing directory succeeded, want error")
	}
}
