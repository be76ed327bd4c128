package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/yourorg/audit-pipeline/internal/model"
)

// ErrDuplicateUnit is returned when artifacts for a unit id are written a
// second time. That is a programming-contract violation, not an I/O
// failure: the caller fails fast instead of silently overwriting.
var ErrDuplicateUnit = errors.New("artifacts already written for unit")

// Uploader mirrors written artifact files into object storage. Satisfied by
// objstore.Client.
type Uploader interface {
	UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error
}

// Writer persists per-unit artifacts under <outputDir>/artifacts/<unitId>/
// and keeps the append-only manifest of what actually landed on disk.
// Single-writer: only the coordinator's consumer goroutine calls WriteUnit.
type Writer struct {
	outputDir       string
	streamThreshold int64

	manifest []model.ManifestEntry
	seen     map[string]bool

	// Optional mirror; best-effort, never fails a unit.
	uploader Uploader
	bucket   string
	prefix   string
}

func NewWriter(outputDir string, streamThreshold int64) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(outputDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Writer{
		outputDir:       outputDir,
		streamThreshold: streamThreshold,
		seen:            make(map[string]bool),
	}, nil
}

// WithMirror enables best-effort upload of every written artifact to object
// storage under <prefix>/artifacts/....
func (w *Writer) WithMirror(up Uploader, bucket, prefix string) *Writer {
	w.uploader = up
	w.bucket = bucket
	w.prefix = prefix
	return w
}

// WriteUnit persists the unit's raw payload as unit.json plus every declared
// artifact ref, each via temp-file-then-rename so no partial file is ever
// visible. On any I/O failure the unit's already-written entries are
// withdrawn (files best-effort removed) and an error is returned; the caller
// records the unit as failed without aborting the run.
func (w *Writer) WriteUnit(ctx context.Context, r *model.UnitResult) ([]model.ManifestEntry, error) {
	if w.seen[r.ID] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUnit, r.ID)
	}
	w.seen[r.ID] = true

	unitDir := filepath.Join(w.outputDir, "artifacts", r.ID)
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return nil, fmt.Errorf("create unit dir: %w", err)
	}

	payload := r.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	body := make([]byte, 0, len(payload)+1)
	body = append(body, payload...)
	body = append(body, '\n')
	refs := make([]model.ArtifactRef, 0, len(r.Artifacts)+1)
	refs = append(refs, model.ArtifactRef{Kind: "unit", Bytes: body})
	refs = append(refs, r.Artifacts...)

	var entries []model.ManifestEntry
	kindCount := make(map[string]int, len(refs))
	for _, ref := range refs {
		kindCount[ref.Kind]++
		entry, err := w.writeRef(unitDir, r.ID, ref, kindCount[ref.Kind])
		if err != nil {
			w.withdraw(r.ID, entries)
			return nil, fmt.Errorf("unit %s artifact %q: %w", r.ID, ref.Kind, err)
		}
		entries = append(entries, entry)
	}

	w.manifest = append(w.manifest, entries...)
	w.mirrorEntries(ctx, entries)
	return entries, nil
}

func (w *Writer) writeRef(unitDir, unitID string, ref model.ArtifactRef, ordinal int) (model.ManifestEntry, error) {
	name := fileName(ref.Kind, ordinal)
	dst := filepath.Join(unitDir, name)
	tmp := dst + ".tmp"

	var size int64
	var err error
	switch {
	case ref.SourcePath != "":
		size, err = copyFile(tmp, ref.SourcePath, w.streamThreshold)
	default:
		size = int64(len(ref.Bytes))
		err = os.WriteFile(tmp, ref.Bytes, 0o644)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return model.ManifestEntry{}, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return model.ManifestEntry{}, err
	}

	rel := filepath.ToSlash(filepath.Join("artifacts", unitID, name))
	return model.ManifestEntry{
		UnitID:       unitID,
		Kind:         ref.Kind,
		RelativePath: rel,
		SizeBytes:    size,
	}, nil
}

// copyFile streams src into tmp. Above the threshold it copies through a
// fixed buffer so large screenshots and traces never sit in memory whole.
func copyFile(tmp, src string, threshold int64) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	var n int64
	if st.Size() > threshold {
		buf := make([]byte, 256<<10)
		n, err = io.CopyBuffer(out, in, buf)
	} else {
		n, err = io.Copy(out, in)
	}
	if err != nil {
		_ = out.Close()
		return n, err
	}
	return n, out.Close()
}

// withdraw removes a unit's manifest entries and files after a mid-unit
// failure. A unit is never both failed and successfully manifested.
func (w *Writer) withdraw(unitID string, entries []model.ManifestEntry) {
	for _, e := range entries {
		_ = os.Remove(filepath.Join(w.outputDir, filepath.FromSlash(e.RelativePath)))
	}
	kept := w.manifest[:0]
	for _, e := range w.manifest {
		if e.UnitID != unitID {
			kept = append(kept, e)
		}
	}
	w.manifest = kept
}

func (w *Writer) mirrorEntries(ctx context.Context, entries []model.ManifestEntry) {
	if w.uploader == nil {
		return
	}
	for _, e := range entries {
		key := w.prefix + "/" + e.RelativePath
		local := filepath.Join(w.outputDir, filepath.FromSlash(e.RelativePath))
		upCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err := retry(upCtx, 3, 200*time.Millisecond, func() error {
			return w.uploader.UploadFile(upCtx, w.bucket, key, local, contentType(e.Kind))
		})
		cancel()
		if err != nil {
			log.Printf("mirror %s: %v", key, err)
		}
	}
}

// Manifest returns a copy of the manifest as written so far.
func (w *Writer) Manifest() []model.ManifestEntry {
	out := make([]model.ManifestEntry, len(w.manifest))
	copy(out, w.manifest)
	return out
}

// fileName maps an artifact kind to its on-disk name. Repeated kinds within
// one unit get an ordinal suffix so a second ref never clobbers the first.
func fileName(kind string, ordinal int) string {
	var base, ext string
	switch kind {
	case "unit", "raw", "trace":
		base, ext = kind, ".json"
	case "screenshot":
		base, ext = "screenshot", ".png"
	case "html":
		base, ext = "page", ".html"
	default:
		base, ext = kind, ".bin"
	}
	if ordinal > 1 {
		return fmt.Sprintf("%s-%d%s", base, ordinal, ext)
	}
	return base + ext
}

func contentType(kind string) string {
	switch kind {
	case "unit", "raw", "trace":
		return "application/json"
	case "screenshot":
		return "image/png"
	case "html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
