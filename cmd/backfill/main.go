package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/yourorg/audit-pipeline/internal/config"
	"github.com/yourorg/audit-pipeline/internal/model"
	"github.com/yourorg/audit-pipeline/internal/runstore"
)

// cmd/backfill walks <OUTPUT_DIR>/runs for finished run.json indexes that
// never made it into Postgres (e.g. the store was down mid-run) and ingests
// them.
func main() {
	var (
		maxRuns = flag.Int("max-runs", 0, "maximum runs to ingest (0 = unlimited)")
	)
	flag.Parse()

	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.OutputDir == "" {
		log.Fatal("OUTPUT_DIR is required")
	}
	if !cfg.StoreEnabled() {
		log.Fatal("DATABASE_URL is required")
	}
	ctx := context.Background()

	store, err := runstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer store.Pool.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		if isInsufficientPrivilege(err) {
			log.Printf("ensure schema skipped due insufficient privilege: %v", err)
		} else {
			log.Fatalf("ensure schema: %v", err)
		}
	}

	candidates, err := listRunIndexes(filepath.Join(cfg.OutputDir, "runs"))
	if err != nil {
		log.Fatalf("list runs: %v", err)
	}

	listCtx, listCancel := context.WithTimeout(ctx, 20*time.Second)
	missing, err := store.MissingRuns(listCtx, candidates)
	listCancel()
	if err != nil {
		log.Fatalf("list missing runs: %v", err)
	}

	var total, okCount, failCount int
	for _, cand := range missing {
		if *maxRuns > 0 && total >= *maxRuns {
			break
		}
		total++
		if err := ingestOne(ctx, store, &cand); err != nil {
			failCount++
			log.Printf("backfill run %s failed: %v", cand.ID, err)
			continue
		}
		okCount++
	}

	log.Printf("backfill complete: processed=%d ok=%d failed=%d", total, okCount, failCount)
}

// listRunIndexes finds every run directory containing a run index.
func listRunIndexes(runsDir string) ([]runstore.BackfillRun, error) {
	dirs, err := os.ReadDir(runsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []runstore.BackfillRun
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		idxPath := filepath.Join(runsDir, d.Name(), model.RunIndexFile)
		if _, err := os.Stat(idxPath); err != nil {
			continue
		}
		out = append(out, runstore.BackfillRun{ID: d.Name(), IndexPath: idxPath})
	}
	return out, nil
}

func ingestOne(ctx context.Context, store *runstore.Store, cand *runstore.BackfillRun) error {
	raw, err := os.ReadFile(cand.IndexPath)
	if err != nil {
		return err
	}

	var idx model.RunIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	if idx.RunID == "" {
		idx.RunID = cand.ID
	}

	ingestCtx, ingestCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer ingestCancel()
	if err := store.IngestIndex(ingestCtx, &idx); err != nil {
		return err
	}

	log.Printf("backfill run %s ingested (units=%d artifacts=%d)", idx.RunID, idx.UnitCount, len(idx.Artifacts))
	return nil
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
