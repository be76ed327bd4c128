package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/audit-pipeline/internal/artifact"
	"github.com/yourorg/audit-pipeline/internal/config"
	"github.com/yourorg/audit-pipeline/internal/model"
)

// ArtifactSink persists one unit's artifacts and tracks the manifest.
// Satisfied by artifact.Writer.
type ArtifactSink interface {
	WriteUnit(ctx context.Context, r *model.UnitResult) ([]model.ManifestEntry, error)
	Manifest() []model.ManifestEntry
}

// Coordinator owns a run's state machine and drives the queue, aggregator,
// governor, artifact sink, and emitter. A single consumer goroutine (the
// one inside Run) performs all mutation of the run context, summary, and
// manifest, so the hot aggregation path needs no locks; the state field is
// the only thing read from outside and sits behind its own mutex.
type Coordinator struct {
	cfg   config.Config
	run   model.RunContext
	queue *IngestQueue
	agg   *Aggregator
	gov   *Governor
	em    *Emitter
	reg   *Registry
	sink  ArtifactSink

	mu        sync.Mutex
	state     string
	processed int

	failedUnits  []string
	droppedUnits []string
	index        *model.RunIndex

	// Seam for crash-safety tests; defaults to os.Rename.
	rename func(oldpath, newpath string) error
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithExpectedUnits sets the expected unit count when it is known up front
// (URL-mode runs expand pages × devices before starting). Zero means
// streaming/unknown.
func WithExpectedUnits(n int) Option {
	return func(c *Coordinator) { c.run.ExpectedUnits = n }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(c *Coordinator) { c.run.RunID = id }
}

// New validates the configuration and assembles a run. Validation failures
// surface here, before the run ever enters Running.
func New(cfg config.Config, events io.Writer, sink ArtifactSink, reg *Registry, sinks []EventSink, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if reg == nil {
		reg = NewRegistry()
	}
	c := &Coordinator{
		cfg: cfg,
		run: model.RunContext{
			RunID:     "run-" + uuid.NewString(),
			StartedAt: time.Now().UTC(),
			Status:    model.RunPending,
			OutputDir: cfg.OutputDir,
		},
		queue:  NewIngestQueue(cfg.MaxQueueDepth),
		agg:    NewAggregator(cfg.TopNWorstOffenders),
		reg:    reg,
		sink:   sink,
		state:  model.RunPending,
		rename: os.Rename,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.em = NewEmitter(events, c.run.RunID, sinks...)
	c.gov = NewGovernor(cfg.SoftLimitBytes, cfg.HardLimitBytes,
		filepath.Join(cfg.OutputDir, "tmp", "offenders.spill.ndjson"))
	return c, nil
}

// RunID returns the run identifier.
func (c *Coordinator) RunID() string { return c.run.RunID }

// State returns the current state of the run's state machine.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Processed returns how many results the consumer loop has handled.
func (c *Coordinator) Processed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// Index returns the final run index, or nil before the run terminates.
func (c *Coordinator) Index() *model.RunIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Submit hands a completed result to the pipeline, blocking under
// backpressure. Safe for concurrent producers.
func (c *Coordinator) Submit(ctx context.Context, r *model.UnitResult) error {
	return c.queue.Enqueue(ctx, r)
}

// TrySubmit is the non-blocking variant; ErrQueueFull tells the producer to
// back off.
func (c *Coordinator) TrySubmit(r *model.UnitResult) error {
	return c.queue.TryEnqueue(r)
}

// CloseInput signals that no more results will be produced. Queued results
// continue processing; the run drains toward Completed. Idempotent.
func (c *Coordinator) CloseInput() {
	c.mu.Lock()
	if c.state == model.RunRunning {
		c.state = model.RunDraining
		c.run.Status = model.RunDraining
	}
	c.mu.Unlock()
	c.queue.Close()
}

var allowedTransitions = map[string][]string{
	model.RunPending:  {model.RunRunning, model.RunFailed},
	model.RunRunning:  {model.RunDraining, model.RunCompleted, model.RunFailed},
	model.RunDraining: {model.RunCompleted, model.RunFailed},
}

func (c *Coordinator) transition(to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, next := range allowedTransitions[c.state] {
		if next == to {
			c.state = to
			c.run.Status = to
			return nil
		}
	}
	return fmt.Errorf("illegal state transition %s -> %s", c.state, to)
}

// Run executes the consumer loop until the queue drains (Completed) or a
// fatal condition ends the run (Failed). It returns nil only when the run
// index has been written and run-completed emitted; every other outcome
// emits run-failed and returns the cause. Exactly one terminal event is
// emitted either way.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(c.cfg.OutputDir, "tmp"), 0o755); err != nil {
		return c.fail(fmt.Errorf("create output dir: %w", err))
	}

	if c.cfg.MaxRunDurationMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.MaxRunDurationMS)*time.Millisecond)
		defer cancel()
	}

	if err := c.transition(model.RunRunning); err != nil {
		return c.fail(err)
	}
	c.em.Emit(model.EventRunStarted, model.RunStartedPayload{
		OutputDir:     c.run.OutputDir,
		ExpectedUnits: c.run.ExpectedUnits,
	})
	log.Printf("run %s: started (outputDir=%s queueDepth=%d topN=%d)",
		c.run.RunID, c.run.OutputDir, c.cfg.MaxQueueDepth, c.cfg.TopNWorstOffenders)

	for {
		r, ok, err := c.queue.Next(ctx)
		if err != nil {
			// The in-flight unit (if any) already finished its artifact
			// writes: processing is synchronous in this loop and
			// cancellation is only observed between units.
			c.recordDropped(fmt.Sprintf("cancelled: %v", err))
			return c.fail(fmt.Errorf("run cancelled: %w", err))
		}
		if !ok {
			return c.complete()
		}
		if err := c.process(ctx, r); err != nil {
			return c.fail(err)
		}
	}
}

// process routes one result through the artifact sink, the aggregator, and
// the governor, then emits unit-completed. The event goes out last so
// observers never see more progress than has been durably recorded.
func (c *Coordinator) process(ctx context.Context, r *model.UnitResult) error {
	var artifactCount int
	switch r.Status {
	case model.StatusFailed:
		c.failedUnits = append(c.failedUnits, r.ID)
		log.Printf("run %s: unit %s failed upstream: %s", c.run.RunID, r.ID, r.ErrorMsg)
	default:
		entries, err := c.sink.WriteUnit(ctx, r)
		if err != nil {
			if errors.Is(err, artifact.ErrDuplicateUnit) {
				return fmt.Errorf("contract violation: %w", err)
			}
			// Per-unit artifact I/O failure: record, continue.
			c.failedUnits = append(c.failedUnits, r.ID)
			log.Printf("run %s: unit %s artifact write failed: %v", c.run.RunID, r.ID, err)
		} else {
			artifactCount = len(entries)
		}
	}

	c.agg.Ingest(r, c.reg.Resolve(r.AuditType))
	if err := c.gov.Observe(c.agg, c.em); err != nil {
		return err
	}

	c.mu.Lock()
	c.processed++
	processed := c.processed
	c.mu.Unlock()

	c.em.Emit(model.EventUnitCompleted, model.UnitCompletedPayload{
		UnitID:    r.ID,
		URL:       r.URL,
		Device:    r.Device,
		AuditType: r.AuditType,
		Status:    r.Status,
		Artifacts: artifactCount,
		Processed: processed,
	})
	return nil
}

// recordDropped closes the queue and marks everything still queued as
// dropped so the run index accounts for it.
func (c *Coordinator) recordDropped(reason string) {
	c.queue.Close()
	for {
		r, ok := c.queue.TryNext()
		if !ok {
			break
		}
		c.droppedUnits = append(c.droppedUnits, r.ID)
	}
	if n := len(c.droppedUnits); n > 0 {
		log.Printf("run %s: dropped %d queued units (%s)", c.run.RunID, n, reason)
	}
}

func (c *Coordinator) complete() error {
	idx := c.buildIndex(model.RunCompleted, "")
	if err := c.writeIndex(idx); err != nil {
		return c.fail(fmt.Errorf("write run index: %w", err))
	}
	if err := c.transition(model.RunCompleted); err != nil {
		return c.fail(err)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	c.run.CompletedAt = &now
	c.index = idx
	c.mu.Unlock()

	c.em.Emit(model.EventRunCompleted, model.RunCompletedPayload{
		UnitCount: idx.UnitCount,
		Failed:    len(idx.FailedUnits),
		Dropped:   len(idx.DroppedUnits),
		IndexPath: filepath.Join(c.run.OutputDir, model.RunIndexFile),
	})
	log.Printf("run %s: completed (units=%d failed=%d dropped=%d)",
		c.run.RunID, idx.UnitCount, len(idx.FailedUnits), len(idx.DroppedUnits))
	return nil
}

// fail is the single funnel into the Failed terminal state. It still tries
// to leave a valid run index behind (with the dropped/failed ledger), but a
// failure there is only logged: the atomic rename means a broken write can
// never leave a corrupt index, only a stale or absent one.
func (c *Coordinator) fail(cause error) error {
	if err := c.transition(model.RunFailed); err != nil {
		// Already terminal; keep the original cause.
		log.Printf("run %s: %v", c.run.RunID, err)
		return cause
	}

	idx := c.buildIndex(model.RunFailed, cause.Error())
	if err := c.writeIndex(idx); err != nil {
		log.Printf("run %s: write run index after failure: %v", c.run.RunID, err)
	} else {
		now := time.Now().UTC()
		c.mu.Lock()
		c.run.CompletedAt = &now
		c.index = idx
		c.mu.Unlock()
	}

	c.em.Emit(model.EventRunFailed, model.RunFailedPayload{Reason: cause.Error()})
	log.Printf("run %s: failed: %v", c.run.RunID, cause)
	return cause
}

func (c *Coordinator) buildIndex(status, errMsg string) *model.RunIndex {
	manifest := c.sink.Manifest()
	units := make(map[string]bool, len(manifest))
	for _, e := range manifest {
		units[e.UnitID] = true
	}
	return &model.RunIndex{
		SchemaVersion: 1,
		RunID:         c.run.RunID,
		StartedAt:     c.run.StartedAt,
		CompletedAt:   time.Now().UTC(),
		Status:        status,
		OutputDir:     c.run.OutputDir,
		UnitCount:     len(units) + len(c.failedUnits) + len(c.droppedUnits),
		Summary:       c.agg.Snapshot(),
		Artifacts:     manifest,
		FailedUnits:   append([]string{}, c.failedUnits...),
		DroppedUnits:  append([]string{}, c.droppedUnits...),
		ErrorMsg:      errMsg,
	}
}

// writeIndex persists run.json via temp-file-then-rename so a concurrent
// reader never observes a partially written index.
func (c *Coordinator) writeIndex(idx *model.RunIndex) error {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	dst := filepath.Join(c.run.OutputDir, model.RunIndexFile)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := c.rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
