package pipeline

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/yourorg/audit-pipeline/internal/model"
)

func TestRegistryStockTypes(t *testing.T) {
	reg := NewRegistry()

	want := []string{"accessibility", "performance", "security", "seo"}
	if got := reg.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Types = %v, want %v", got, want)
	}
	if m := reg.Resolve("performance").RankingMetric(); m != "loadTimeMs" {
		t.Errorf("performance ranking = %s", m)
	}
	if m := reg.Resolve("accessibility").RankingMetric(); m != "issueCount" {
		t.Errorf("accessibility ranking = %s", m)
	}
}

func TestRegistryUnknownTypeFallsBack(t *testing.T) {
	reg := NewRegistry()
	ex := reg.Resolve("bespoke-audit")
	if ex == nil {
		t.Fatal("Resolve returned nil for unknown type")
	}
	if m := ex.RankingMetric(); m != "loadTimeMs" {
		t.Errorf("fallback ranking = %s", m)
	}
}

type fixedExtractor struct{}

func (fixedExtractor) Extract(*model.UnitResult) map[string]float64 {
	return map[string]float64{"score": 1}
}
func (fixedExtractor) RankingMetric() string { return "score" }

func TestRegistryRegisterOverrides(t *testing.T) {
	reg := NewRegistry()
	reg.Register("performance", fixedExtractor{})
	if m := reg.Resolve("performance").RankingMetric(); m != "score" {
		t.Fatalf("override ranking = %s", m)
	}
}

func TestGenericExtractorReadsMetricsObject(t *testing.T) {
	reg := NewRegistry()
	ex := reg.Resolve("performance")

	r := &model.UnitResult{
		AuditType: "performance",
		Payload:   json.RawMessage(`{"metrics":{"loadTimeMs":1200,"requestCount":34}}`),
	}
	got := ex.Extract(r)
	want := map[string]float64{"loadTimeMs": 1200, "requestCount": 34}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Extract = %v, want %v", got, want)
	}
}

func TestGenericExtractorToleratesBadPayloads(t *testing.T) {
	ex := NewRegistry().Resolve("performance")
	cases := []struct {
		name    string
		payload json.RawMessage
	}{
		{"empty", nil},
		{"not json", json.RawMessage(`{broken`)},
		{"no metrics key", json.RawMessage(`{"other":1}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &model.UnitResult{Payload: tc.payload}
			if got := ex.Extract(r); len(got) != 0 {
				t.Fatalf("Extract = %v, want empty", got)
			}
		})
	}
}
