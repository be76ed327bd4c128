package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/yourorg/audit-pipeline/internal/artifact"
	"github.com/yourorg/audit-pipeline/internal/config"
	"github.com/yourorg/audit-pipeline/internal/history"
	"github.com/yourorg/audit-pipeline/internal/model"
	"github.com/yourorg/audit-pipeline/internal/objstore"
	"github.com/yourorg/audit-pipeline/internal/pipeline"
	"github.com/yourorg/audit-pipeline/internal/runstore"
)

// cmd/pipeline reads completed unit results as NDJSON on stdin and writes
// the ordered event stream to stdout, the way the desktop shell consumes
// the engine. Everything durable lands under <OUTPUT_DIR>/runs/<runId>.
func main() {
	// Load environment variables from .env files if present. This helps
	// local dev. Try current directory and one level up (in case run from
	// cmd/pipeline).
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.OutputDir == "" {
		log.Fatal("OUTPUT_DIR is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var store *runstore.Store
	if cfg.StoreEnabled() {
		var err error
		store, err = runstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal(err)
		}
		if err := store.Ping(ctx); err != nil {
			log.Fatal(err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			if isInsufficientPrivilege(err) {
				log.Printf("ensure schema skipped due insufficient privilege: %v", err)
			} else {
				log.Fatal(err)
			}
		}
	}

	var objc *objstore.Client
	if cfg.MirrorEnabled() {
		var err error
		objc, err = objstore.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			log.Fatal(err)
		}
	}

	// healthz — checks DB connectivity with a 2s timeout; returns 503 if
	// unreachable
	if addr := cfg.HTTPAddr; addr != "" {
		go serveHealthz(ctx, addr, store)
	}

	runID := "run-" + uuid.NewString()
	runDir := filepath.Join(cfg.OutputDir, "runs", runID)
	runCfg := cfg
	runCfg.OutputDir = runDir

	writer, err := artifact.NewWriter(runDir, cfg.StreamThresholdBytes)
	if err != nil {
		log.Fatal(err)
	}
	if objc != nil {
		writer = writer.WithMirror(objc, cfg.ReportsBucket, runID)
	}

	var sinks []pipeline.EventSink
	var recorder *runstore.EventRecorder
	if store != nil {
		recorder = runstore.NewEventRecorder(store)
		sinks = append(sinks, recorder)
	}

	coord, err := pipeline.New(runCfg, os.Stdout, writer, pipeline.NewRegistry(), sinks,
		pipeline.WithRunID(runID))
	if err != nil {
		log.Fatal(err)
	}

	if store != nil {
		if err := store.InsertRun(ctx, runID, runDir, workerID(), time.Now().UTC()); err != nil {
			log.Printf("run %s: insert run row: %v", runID, err)
		}
	}
	if err := history.Append(filepath.Join(cfg.OutputDir, "history.json"), history.Entry{
		ID:        runID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Mode:      "stdin",
		Target:    "-",
		OutputDir: runDir,
	}); err != nil {
		log.Printf("run %s: append history: %v", runID, err)
	}

	log.Printf("run %s starting (outputDir=%s)", runID, runDir)

	go produceFromStdin(ctx, coord)

	runErr := coord.Run(ctx)
	if recorder != nil {
		recorder.Close()
	}
	finalize(coord.Index(), store, objc, cfg, runID, runErr)

	if runErr != nil {
		os.Exit(1)
	}
}

// produceFromStdin parses one UnitResult per line and feeds the queue,
// blocking under backpressure. EOF is the producer completion signal.
func produceFromStdin(ctx context.Context, coord *pipeline.Coordinator) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r model.UnitResult
		if err := json.Unmarshal(line, &r); err != nil {
			log.Printf("skipping malformed result line: %v", err)
			continue
		}
		if r.ID == "" {
			n++
			r.ID = fmt.Sprintf("unit-%04d", n)
		}
		if err := coord.Submit(ctx, &r); err != nil {
			log.Printf("submit %s: %v", r.ID, err)
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.Printf("stdin: %v", err)
	}
	coord.CloseInput()
}

// finalize mirrors the terminal state to SQL and object storage. Both are
// best-effort: the run index on disk is already the source of truth.
func finalize(idx *model.RunIndex, store *runstore.Store, objc *objstore.Client, cfg config.Config, runID string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var indexKey string
	if idx != nil && objc != nil {
		indexKey = runID + "/" + model.RunIndexFile
		local := filepath.Join(idx.OutputDir, model.RunIndexFile)
		if err := objc.UploadFile(ctx, cfg.ReportsBucket, indexKey, local, "application/json"); err != nil {
			log.Printf("run %s: upload index: %v", runID, err)
			indexKey = ""
		}
	}

	if store == nil {
		return
	}
	if runErr != nil {
		if err := store.MarkFailed(ctx, runID, runErr.Error()); err != nil {
			log.Printf("run %s: mark failed: %v", runID, err)
		}
		return
	}
	if idx == nil {
		return
	}
	if err := store.ReplaceRunArtifacts(ctx, idx); err != nil {
		log.Printf("run %s: store artifacts: %v", runID, err)
	}
	bucket := ""
	if indexKey != "" {
		bucket = cfg.ReportsBucket
	}
	if err := store.MarkDone(ctx, idx, bucket, indexKey); err != nil {
		log.Printf("run %s: mark done: %v", runID, err)
	}
}

func serveHealthz(ctx context.Context, addr string, store *runstore.Store) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if store != nil {
			dbCtx, dbCancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer dbCancel()
			if err := store.Ping(dbCtx); err != nil {
				log.Printf("healthz: db ping failed: %v", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	s := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shctx)
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("health server: %v", err)
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}

func isInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
