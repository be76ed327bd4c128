// Package runstore mirrors run state into Postgres so orchestrators can
// query runs without touching output directories. The store is optional:
// the pipeline's source of truth stays the run index on disk, SQL only gets
// the compact summary and the event ledger.
package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yourorg/audit-pipeline/internal/model"
)

const batchSize = 100

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

func (s *Store) notifyRunChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('run_events', $1)`, id)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_runs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL CHECK (status IN ('pending','running','draining','completed','failed')),
  output_dir TEXT NOT NULL,
  worker_id TEXT,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ,
  unit_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  dropped_count INTEGER NOT NULL DEFAULT 0,
  summary_json JSONB,
  index_bucket TEXT,
  index_key TEXT,
  error_msg TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_events (
  run_id TEXT NOT NULL,
  seq BIGINT NOT NULL,
  ts TIMESTAMPTZ NOT NULL,
  type TEXT NOT NULL,
  payload JSONB,
  PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS run_artifacts (
  run_id TEXT NOT NULL,
  unit_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  relative_path TEXT NOT NULL,
  size_bytes BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (run_id, unit_id, kind)
);

CREATE TABLE IF NOT EXISTS run_units (
  run_id TEXT NOT NULL,
  unit_id TEXT NOT NULL,
  outcome TEXT NOT NULL CHECK (outcome IN ('failed','dropped')),
  PRIMARY KEY (run_id, unit_id)
);

CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, seq);
CREATE INDEX IF NOT EXISTS idx_run_artifacts_run ON run_artifacts (run_id);
`)
	return err
}

// InsertRun registers a run when it starts.
func (s *Store) InsertRun(ctx context.Context, runID, outputDir, workerID string, startedAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_runs (id, status, output_dir, worker_id, started_at)
		VALUES ($1, 'running', $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, runID, outputDir, workerID, startedAt)
	return err
}

// InsertEvent appends one emitted event to the run's event ledger.
func (s *Store) InsertEvent(ctx context.Context, ev model.ProgressEvent) error {
	payload, _ := json.Marshal(ev.Payload)
	_, err := s.Pool.Exec(ctx, `
        INSERT INTO run_events (run_id, seq, ts, type, payload)
        VALUES ($1, $2, $3, $4, $5::jsonb)
        ON CONFLICT (run_id, seq) DO NOTHING
    `, ev.RunID, int64(ev.Seq), ev.TS, ev.Type, string(payload))
	return err
}

// MarkDone records a completed run's summary. The full index stays on disk
// (and in object storage when mirroring is on); SQL keeps only the compact
// snapshot.
func (s *Store) MarkDone(ctx context.Context, idx *model.RunIndex, indexBucket, indexKey string) error {
	summaryJSON, _ := json.Marshal(idx.Summary)
	_, err := s.Pool.Exec(ctx, `
		UPDATE audit_runs
		SET status='completed', finished_at=$2,
		    unit_count=$3, failed_count=$4, dropped_count=$5,
		    summary_json=$6::jsonb, index_bucket=$7, index_key=$8
		WHERE id=$1
	`, idx.RunID, idx.CompletedAt, idx.UnitCount, len(idx.FailedUnits), len(idx.DroppedUnits),
		string(summaryJSON), nullableString(indexBucket), nullableString(indexKey))
	if err == nil {
		s.notifyRunChanged(ctx, idx.RunID)
	}
	return err
}

func (s *Store) MarkFailed(ctx context.Context, runID, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audit_runs
		SET status='failed', finished_at=now(), error_msg=$2
		WHERE id=$1
		  AND status IN ('pending','running','draining')
	`, runID, errMsg)
	if err == nil {
		s.notifyRunChanged(ctx, runID)
	}
	return err
}

// ReplaceRunArtifacts deletes old rows and batch-inserts the manifest and
// failed/dropped ledger from a run index. Inserts are grouped into
// multi-value batches of up to 100 rows for throughput on large runs.
func (s *Store) ReplaceRunArtifacts(ctx context.Context, idx *model.RunIndex) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM run_artifacts WHERE run_id=$1`, idx.RunID); err != nil {
		return fmt.Errorf("delete run_artifacts: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM run_units WHERE run_id=$1`, idx.RunID); err != nil {
		return fmt.Errorf("delete run_units: %w", err)
	}

	if err := batchInsertArtifacts(ctx, tx, idx.RunID, idx.Artifacts); err != nil {
		return err
	}
	if err := batchInsertUnits(ctx, tx, idx.RunID, "failed", idx.FailedUnits); err != nil {
		return err
	}
	if err := batchInsertUnits(ctx, tx, idx.RunID, "dropped", idx.DroppedUnits); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func batchInsertArtifacts(ctx context.Context, tx pgx.Tx, runID string, entries []model.ManifestEntry) error {
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO run_artifacts (run_id, unit_id, kind, relative_path, size_bytes) VALUES `)
		args := make([]any, 0, len(chunk)*5)
		for i, e := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			n := i * 5
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
			args = append(args, runID, e.UnitID, e.Kind, e.RelativePath, e.SizeBytes)
		}
		sb.WriteString(` ON CONFLICT (run_id, unit_id, kind) DO NOTHING`)
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert run_artifacts batch: %w", err)
		}
	}
	return nil
}

func batchInsertUnits(ctx context.Context, tx pgx.Tx, runID, outcome string, unitIDs []string) error {
	for start := 0; start < len(unitIDs); start += batchSize {
		end := start + batchSize
		if end > len(unitIDs) {
			end = len(unitIDs)
		}
		chunk := unitIDs[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO run_units (run_id, unit_id, outcome) VALUES `)
		args := make([]any, 0, len(chunk)*3)
		for i, id := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			n := i * 3
			fmt.Fprintf(&sb, "($%d, $%d, $%d)", n+1, n+2, n+3)
			args = append(args, runID, id, outcome)
		}
		sb.WriteString(` ON CONFLICT (run_id, unit_id) DO NOTHING`)
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert run_units batch: %w", err)
		}
	}
	return nil
}

// BackfillRun is a completed run on disk that SQL has not ingested yet.
type BackfillRun struct {
	ID        string
	IndexPath string
}

// MissingRuns filters candidate run IDs down to those absent from SQL.
func (s *Store) MissingRuns(ctx context.Context, candidates []BackfillRun) ([]BackfillRun, error) {
	var missing []BackfillRun
	for _, cand := range candidates {
		var exists bool
		err := s.Pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM audit_runs WHERE id=$1 AND status IN ('completed','failed'))`,
			cand.ID).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, cand)
		}
	}
	return missing, nil
}

// IngestIndex upserts a run row straight from a run index document, used by
// the backfill command.
func (s *Store) IngestIndex(ctx context.Context, idx *model.RunIndex) error {
	summaryJSON, _ := json.Marshal(idx.Summary)
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_runs (id, status, output_dir, started_at, finished_at,
		                        unit_count, failed_count, dropped_count, summary_json, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		ON CONFLICT (id) DO UPDATE
		SET status=EXCLUDED.status, finished_at=EXCLUDED.finished_at,
		    unit_count=EXCLUDED.unit_count, failed_count=EXCLUDED.failed_count,
		    dropped_count=EXCLUDED.dropped_count, summary_json=EXCLUDED.summary_json,
		    error_msg=EXCLUDED.error_msg
	`, idx.RunID, idx.Status, idx.OutputDir, idx.StartedAt, idx.CompletedAt,
		idx.UnitCount, len(idx.FailedUnits), len(idx.DroppedUnits),
		string(summaryJSON), nullableString(idx.ErrorMsg))
	if err != nil {
		return err
	}
	return s.ReplaceRunArtifacts(ctx, idx)
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// EventInserter appends one emitted event to the run's event ledger.
// Satisfied by Store.
type EventInserter interface {
	InsertEvent(ctx context.Context, ev model.ProgressEvent) error
}

const recorderBacklog = 256

// EventRecorder adapts the store to the emitter's best-effort sink. Record
// never blocks the consumer loop: events go through a buffered channel to a
// background goroutine that does the inserts, and when the backlog is full
// (database down or slow) events are dropped with a log line. Close flushes
// the backlog; Record must not be called after Close.
type EventRecorder struct {
	events chan model.ProgressEvent
	done   chan struct{}
}

func NewEventRecorder(ins EventInserter) *EventRecorder {
	r := &EventRecorder{
		events: make(chan model.ProgressEvent, recorderBacklog),
		done:   make(chan struct{}),
	}
	go r.loop(ins)
	return r
}

func (r *EventRecorder) Record(ev model.ProgressEvent) {
	select {
	case r.events <- ev:
	default:
		log.Printf("run %s: event ledger backlog full, dropping seq=%d", ev.RunID, ev.Seq)
	}
}

// Close stops accepting events and waits for the backlog to flush.
func (r *EventRecorder) Close() {
	close(r.events)
	<-r.done
}

func (r *EventRecorder) loop(ins EventInserter) {
	defer close(r.done)
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ins.InsertEvent(ctx, ev); err != nil {
			log.Printf("run %s: record event seq=%d: %v", ev.RunID, ev.Seq, err)
		}
		cancel()
	}
}
