package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
)

const maxLexicalPages = 9999

// RunState is the cumulative ledger of one run. It is owned by the caller:
// WritePage takes a state and returns the next one without mutating its
// input, so two runs never share hidden counters.
type RunState struct {
	IngestionDate string                `json:"ingestion_date"`
	RunID         string                `json:"run_id"`
	TotalRecords  int                   `json:"total_records"`
	TotalPages    int                   `json:"total_pages"`
	Pages         []ingestion.PageEntry `json:"pages"`
}

// RunSummary reports cumulative totals without finalizing the run.
type RunSummary struct {
	RunDir       string `json:"run_dir"`
	TotalPages   int    `json:"total_pages"`
	TotalRecords int    `json:"total_records"`
}

// RawWriter persists extracted pages into the bronze layer as immutable
// gzip NDJSON files, one file per page, under a run-scoped directory:
//
//	<root>/ingestion_date=YYYY-MM-DD/run_id=YYYYMMDD_HHMMSS/page=NNNN.jsonl.gz
//
// A single writer per run directory is assumed.
type RawWriter struct {
	root          string
	ingestionDate string
	runID         string
	now           func() time.Time
	log           *logging.Logger
	metrics       *metrics.Collector
}

type RawWriterOption func(*RawWriter)

func WithIngestionDate(date string) RawWriterOption {
	return func(w *RawWriter) { w.ingestionDate = date }
}

func WithRunID(runID string) RawWriterOption {
	return func(w *RawWriter) { w.runID = runID }
}

func WithClock(now func() time.Time) RawWriterOption {
	return func(w *RawWriter) { w.now = now }
}

func WithLogger(l *logging.Logger) RawWriterOption {
	return func(w *RawWriter) { w.log = l }
}

func WithMetrics(m *metrics.Collector) RawWriterOption {
	return func(w *RawWriter) { w.metrics = m }
}

// NewRawWriter creates a writer rooted at root. Ingestion date and run id
// default to the current UTC date and timestamp.
func NewRawWriter(root string, opts ...RawWriterOption) *RawWriter {
	w := &RawWriter{
		root: root,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logging.OrNop(w.log)
	started := w.now().UTC()
	if w.ingestionDate == "" {
		w.ingestionDate = started.Format(ingestion.IngestionDateFmt)
	}
	if w.runID == "" {
		w.runID = started.Format(ingestion.RunIDFmt)
	}
	return w
}

func (w *RawWriter) IngestionDate() string { return w.ingestionDate }
func (w *RawWriter) RunID() string         { return w.runID }

// RunDir returns the run directory path without touching the filesystem.
func (w *RawWriter) RunDir() string {
	return ingestion.RunDir(w.root, w.ingestionDate, w.runID)
}

// ResolveRunDirectory creates the run directory if needed. Safe to call any
// number of times.
func (w *RawWriter) ResolveRunDirectory() (string, error) {
	dir := w.RunDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ioFail("mkdir", dir, err)
	}
	return dir, nil
}

// NewRunState returns an empty ledger for this writer's run.
func (w *RawWriter) NewRunState() RunState {
	return RunState{IngestionDate: w.ingestionDate, RunID: w.runID, Pages: []ingestion.PageEntry{}}
}

// WritePage serializes records to page=<NNNN>.jsonl.gz and returns the
// updated run state plus the ledger entry for this page. With addMetadata
// each record is copied and tagged with _ingestion_date, _run_id and
// _ingested_at; the caller's maps are left untouched.
func (w *RawWriter) WritePage(state RunState, records []ingestion.Record, page int, addMetadata bool) (RunState, ingestion.PageEntry, error) {
	if err := w.checkState(state); err != nil {
		return state, ingestion.PageEntry{}, err
	}
	dir, err := w.ResolveRunDirectory()
	if err != nil {
		return state, ingestion.PageEntry{}, err
	}
	if page > maxLexicalPages {
		w.log.Warn("page number exceeds 4-digit padding; lexical order no longer matches page order", "page", page)
	}

	name := ingestion.PageFileName(page)
	final := filepath.Join(dir, name)
	size, err := writeGzipNDJSON(final, w.tag(records, addMetadata))
	if err != nil {
		return state, ingestion.PageEntry{}, err
	}

	entry := ingestion.PageEntry{Page: page, File: name, RecordCount: len(records), ByteSize: size}
	next := state
	next.Pages = append(append(make([]ingestion.PageEntry, 0, len(state.Pages)+1), state.Pages...), entry)
	next.TotalPages = state.TotalPages + 1
	next.TotalRecords = state.TotalRecords + len(records)

	if w.metrics != nil {
		w.metrics.RecordWritten(int64(len(records)))
		w.metrics.BytesWritten(size)
	}
	w.log.Info("wrote raw page", "page", page, "records", len(records), "bytes", size, "path", final)
	return next, entry, nil
}

// Summary returns the current totals for state.
func (w *RawWriter) Summary(state RunState) RunSummary {
	return RunSummary{RunDir: w.RunDir(), TotalPages: state.TotalPages, TotalRecords: state.TotalRecords}
}

// WriteManifest writes _manifest.json with the cumulative totals of state
// and any extra keys merged in. Calling it again overwrites the file.
func (w *RawWriter) WriteManifest(state RunState, extra map[string]any) (string, error) {
	if err := w.checkState(state); err != nil {
		return "", err
	}
	dir, err := w.ResolveRunDirectory()
	if err != nil {
		return "", err
	}
	m := ingestion.Manifest{
		IngestionDate: w.ingestionDate,
		RunID:         w.runID,
		TotalRecords:  state.TotalRecords,
		TotalPages:    state.TotalPages,
		Pages:         state.Pages,
		WrittenAt:     w.now().UTC().Format(time.RFC3339Nano),
		Extra:         extra,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	path := filepath.Join(dir, ingestion.ManifestFile)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	w.log.Info("wrote manifest", "path", path, "total_records", state.TotalRecords, "total_pages", state.TotalPages)
	return path, nil
}

func (w *RawWriter) checkState(state RunState) error {
	if state.RunID != w.runID || state.IngestionDate != w.ingestionDate {
		return fmt.Errorf("run state belongs to %s/%s, writer is %s/%s",
			state.IngestionDate, state.RunID, w.ingestionDate, w.runID)
	}
	return nil
}

func (w *RawWriter) tag(records []ingestion.Record, addMetadata bool) []ingestion.Record {
	if !addMetadata {
		return records
	}
	ingestedAt := w.now().UTC().Format(time.RFC3339Nano)
	out := make([]ingestion.Record, len(records))
	for i, rec := range records {
		c := rec.Clone()
		c[ingestion.MetaIngestionDate] = w.ingestionDate
		c[ingestion.MetaRunID] = w.runID
		c[ingestion.MetaIngestedAt] = ingestedAt
		out[i] = c
	}
	return out
}

// writeGzipNDJSON writes through a temp file and renames it into place so a
// failed write never leaves a truncated page behind. Returns the on-disk size.
func writeGzipNDJSON[T any](path string, records []T) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return 0, ioFail("create", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	bw := bufio.NewWriter(tmp)
	gz := gzip.NewWriter(bw)
	enc := json.NewEncoder(gz)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			cleanup()
			return 0, fmt.Errorf("encoding record: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return 0, ioFail("gzip", path, err)
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return 0, ioFail("write", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, ioFail("sync", path, err)
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return 0, ioFail("stat", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, ioFail("close", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, ioFail("rename", path, err)
	}
	return info.Size(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return ioFail("create", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ioFail("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ioFail("close", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return ioFail("rename", path, err)
	}
	return nil
}
