package model

import "time"

// Run statuses persisted in run.json and mirrored to SQL.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunDraining  = "draining"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunContext identifies one execution of the pipeline. Owned exclusively by
// the coordinator; only CompletedAt and Status change after creation, once,
// at the terminal transition.
type RunContext struct {
	RunID         string     `json:"runId"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Status        string     `json:"status"`
	OutputDir     string     `json:"outputDir"`
	ExpectedUnits int        `json:"expectedUnits,omitempty"` // 0 = unknown/streaming
}

// MetricStats is the serialized form of one metric's running aggregation.
// Mean and stddev come from Welford's method so no samples are retained.
type MetricStats struct {
	Count  int64   `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// Offender is one entry of the bounded worst-offender ranking.
type Offender struct {
	UnitID string  `json:"unitId"`
	URL    string  `json:"url"`
	Device string  `json:"device"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// SummarySnapshot is an immutable copy of the aggregator's running state,
// safe to serialize. Only compact O(k) data appears here; the full result
// set is never retained.
type SummarySnapshot struct {
	Total          int                    `json:"total"`
	Success        int                    `json:"success"`
	Partial        int                    `json:"partial"`
	Failed         int                    `json:"failed"`
	Metrics        map[string]MetricStats `json:"metrics"`
	WorstOffenders []Offender             `json:"worstOffenders"`
	EstimatedBytes int64                  `json:"estimatedBytes"`
	SpilledUnits   int                    `json:"spilledUnits"`
}

// ManifestEntry records one artifact file actually written to disk.
// Appended by the artifact writer; immutable once appended.
type ManifestEntry struct {
	UnitID       string `json:"unitId"`
	Kind         string `json:"kind"`
	RelativePath string `json:"relativePath"`
	SizeBytes    int64  `json:"sizeBytes"`
}

// RunIndex is the final persisted record of a run, written once via
// temp-file-then-rename so readers never observe a partial document.
type RunIndex struct {
	SchemaVersion int             `json:"schemaVersion"`
	RunID         string          `json:"runId"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   time.Time       `json:"completedAt"`
	Status        string          `json:"status"`
	OutputDir     string          `json:"outputDir"`
	UnitCount     int             `json:"unitCount"`
	Summary       SummarySnapshot `json:"summary"`
	Artifacts     []ManifestEntry `json:"artifacts"`
	FailedUnits   []string        `json:"failedUnits"`
	DroppedUnits  []string        `json:"droppedUnits"`
	ErrorMsg      string          `json:"error,omitempty"`
}

// RunIndexFile is the file name of the run index inside the output directory.
const RunIndexFile = "run.json"
