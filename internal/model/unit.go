package model

import "encoding/json"

// Unit statuses as reported by the audit engine.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// ArtifactRef points at artifact data produced by a worker that has not been
// written into the run's output directory yet. Either Bytes or SourcePath is
// set; large files arrive as a SourcePath so they can be streamed instead of
// held in memory.
type ArtifactRef struct {
	Kind       string `json:"kind"`
	Bytes      []byte `json:"bytes,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`
}

// UnitResult is the completed outcome of auditing one url × device ×
// audit-type combination. Produced by external workers, handed into the
// pipeline by ownership transfer, and never mutated afterwards.
type UnitResult struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Device    string          `json:"device"`
	AuditType string          `json:"auditType"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Artifacts []ArtifactRef   `json:"artifacts,omitempty"`
	ErrorMsg  string          `json:"error,omitempty"`
}

// PayloadSize is the byte-size estimate charged against the memory ceiling
// for this result. It counts the payload at ingestion time rather than
// inspecting runtime memory.
func (u *UnitResult) PayloadSize() int64 {
	return int64(len(u.Payload))
}
