package pipeline

import (
	"fmt"
	"log"

	"github.com/yourorg/audit-pipeline/internal/model"
)

// Governor watches the aggregator's byte estimate after every ingest and
// enforces the two memory ceilings: crossing the soft limit reports
// pressure and continues; crossing the hard limit forces a spill before the
// next ingest is accepted. A failed spill is fatal — data is never silently
// dropped.
type Governor struct {
	softLimit int64
	hardLimit int64
	spillPath string

	softReported bool
}

func NewGovernor(softLimit, hardLimit int64, spillPath string) *Governor {
	return &Governor{softLimit: softLimit, hardLimit: hardLimit, spillPath: spillPath}
}

// Observe runs synchronously on the coordinator's consumer goroutine.
// Events go through the emitter so ordering relative to unit-completed is
// preserved.
func (g *Governor) Observe(agg *Aggregator, em *Emitter) error {
	est := agg.EstimatedBytes()

	if est >= g.hardLimit {
		spilled, err := agg.Spill(g.spillPath)
		if err != nil {
			return fmt.Errorf("spill to %s: %w", g.spillPath, err)
		}
		log.Printf("governor: spilled %d entries at %dB (hard limit %dB)", spilled, est, g.hardLimit)
		em.Emit(model.EventSpillTriggered, model.SpillTriggeredPayload{
			EstimatedBytes: est,
			HardLimitBytes: g.hardLimit,
			SpilledUnits:   spilled,
			SpillPath:      g.spillPath,
		})
		g.softReported = false
		return nil
	}

	if est >= g.softLimit {
		// One event per crossing, not one per ingest.
		if !g.softReported {
			g.softReported = true
			em.Emit(model.EventMemoryPressure, model.MemoryPressurePayload{
				EstimatedBytes: est,
				SoftLimitBytes: g.softLimit,
			})
		}
		return nil
	}

	g.softReported = false
	return nil
}
