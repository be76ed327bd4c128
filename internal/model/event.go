package model

import "time"

// Event types on the outbound stream. Consumers must tolerate unknown
// future values.
const (
	EventRunStarted     = "run-started"
	EventUnitCompleted  = "unit-completed"
	EventMemoryPressure = "memory-pressure"
	EventSpillTriggered = "spill-triggered"
	EventRunCompleted   = "run-completed"
	EventRunFailed      = "run-failed"
)

// ProgressEvent is one record of the outbound stream, serialized as a single
// JSON line. Seq is strictly increasing and gap-free within a run; events
// are never retracted or reordered.
type ProgressEvent struct {
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	RunID   string    `json:"runId"`
	Payload any       `json:"payload,omitempty"`
}

// Event payloads. Kept as named structs so the wire shape is explicit.

type RunStartedPayload struct {
	OutputDir     string `json:"outputDir"`
	ExpectedUnits int    `json:"expectedUnits,omitempty"`
}

type UnitCompletedPayload struct {
	UnitID    string `json:"unitId"`
	URL       string `json:"url"`
	Device    string `json:"device"`
	AuditType string `json:"auditType"`
	Status    string `json:"status"`
	Artifacts int    `json:"artifacts"`
	Processed int    `json:"processed"`
}

type MemoryPressurePayload struct {
	EstimatedBytes int64 `json:"estimatedBytes"`
	SoftLimitBytes int64 `json:"softLimitBytes"`
}

type SpillTriggeredPayload struct {
	EstimatedBytes int64  `json:"estimatedBytes"`
	HardLimitBytes int64  `json:"hardLimitBytes"`
	SpilledUnits   int    `json:"spilledUnits"`
	SpillPath      string `json:"spillPath"`
}

type RunCompletedPayload struct {
	UnitCount int    `json:"unitCount"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
	IndexPath string `json:"indexPath"`
}

type RunFailedPayload struct {
	Reason string `json:"reason"`
}
