package pipeline

import (
	"encoding/json"
	"sort"

	"github.com/yourorg/audit-pipeline/internal/model"
)

// MetricExtractor pulls the numeric metrics out of a unit result's payload
// for aggregation. Implementations are registered per audit type at startup
// and resolved once before the run enters Running; there is no runtime
// re-registration.
type MetricExtractor interface {
	Extract(r *model.UnitResult) map[string]float64
	// RankingMetric names the metric used to rank worst offenders for this
	// audit type.
	RankingMetric() string
}

// genericExtractor reads a flat "metrics" object from the payload. It is the
// fallback for audit types with no dedicated extractor.
type genericExtractor struct{ ranking string }

func (g genericExtractor) Extract(r *model.UnitResult) map[string]float64 {
	if len(r.Payload) == 0 {
		return nil
	}
	var doc struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal(r.Payload, &doc); err != nil {
		return nil
	}
	return doc.Metrics
}

func (g genericExtractor) RankingMetric() string { return g.ranking }

// Registry maps audit-type names to extractors. Built once, read-only
// afterwards.
type Registry struct {
	byType   map[string]MetricExtractor
	fallback MetricExtractor
}

// NewRegistry returns a registry preloaded with the engine's stock audit
// types. Performance audits rank by total load time, the rest by their
// weighted issue count.
func NewRegistry() *Registry {
	return &Registry{
		byType: map[string]MetricExtractor{
			"performance":   genericExtractor{ranking: "loadTimeMs"},
			"accessibility": genericExtractor{ranking: "issueCount"},
			"seo":           genericExtractor{ranking: "issueCount"},
			"security":      genericExtractor{ranking: "issueCount"},
		},
		fallback: genericExtractor{ranking: "loadTimeMs"},
	}
}

// Register installs an extractor for an audit type. Call before the run
// starts; the coordinator resolves extractors exactly once per result.
func (reg *Registry) Register(auditType string, ex MetricExtractor) {
	reg.byType[auditType] = ex
}

// Resolve returns the extractor for an audit type, falling back to the
// generic extractor for unknown types.
func (reg *Registry) Resolve(auditType string) MetricExtractor {
	if ex, ok := reg.byType[auditType]; ok {
		return ex
	}
	return reg.fallback
}

// Types lists the registered audit types, sorted for stable logging.
func (reg *Registry) Types() []string {
	names := make([]string, 0, len(reg.byType))
	for name := range reg.byType {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
