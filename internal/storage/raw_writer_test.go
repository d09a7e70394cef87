package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
)

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestWriter(t *testing.T, opts ...RawWriterOption) (*RawWriter, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]RawWriterOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewRawWriter(root, opts...), root
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var out []map[string]any
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRawWriterDefaults(t *testing.T) {
	w, root := newTestWriter(t)
	assert.Equal(t, "2024-01-15", w.IngestionDate())
	assert.Equal(t, "20240115_103000", w.RunID())
	assert.Equal(t, filepath.Join(root, "ingestion_date=2024-01-15", "run_id=20240115_103000"), w.RunDir())

	_, err := os.Stat(w.RunDir())
	assert.True(t, os.IsNotExist(err), "run dir is created lazily")

	dir, err := w.ResolveRunDirectory()
	require.NoError(t, err)
	again, err := w.ResolveRunDirectory()
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestWritePageRoundTrip(t *testing.T) {
	w, _ := newTestWriter(t)
	in := []ingestion.Record{{"id": "a"}, {"id": "b"}}

	state, entry, err := w.WritePage(w.NewRunState(), in, 1, true)
	require.NoError(t, err)

	assert.Equal(t, "page=0001.jsonl.gz", entry.File)
	assert.Equal(t, 2, entry.RecordCount)
	assert.Positive(t, entry.ByteSize)

	lines := readLines(t, filepath.Join(w.RunDir(), entry.File))
	require.Len(t, lines, 2)
	for i, line := range lines {
		assert.Equal(t, in[i]["id"], line["id"])
		assert.Equal(t, "2024-01-15", line["_ingestion_date"])
		assert.Equal(t, "20240115_103000", line["_run_id"])
		assert.Contains(t, line, "_ingested_at")
	}
	assert.NotContains(t, in[0], "_run_id", "caller records are not modified")

	assert.Equal(t, 2, state.TotalRecords)
	assert.Equal(t, 1, state.TotalPages)
	assert.Equal(t, []ingestion.PageEntry{entry}, state.Pages)
}

func TestWritePageWithoutMetadata(t *testing.T) {
	w, _ := newTestWriter(t)
	_, entry, err := w.WritePage(w.NewRunState(), []ingestion.Record{{"id": "a", "name": "Ölbräu Zürich 🍺"}}, 3, false)
	require.NoError(t, err)

	lines := readLines(t, filepath.Join(w.RunDir(), entry.File))
	require.Len(t, lines, 1)
	assert.Equal(t, map[string]any{"id": "a", "name": "Ölbräu Zürich 🍺"}, lines[0])
}

func TestWritePageEmpty(t *testing.T) {
	w, _ := newTestWriter(t)
	state, entry, err := w.WritePage(w.NewRunState(), nil, 1, true)
	require.NoError(t, err)

	assert.Equal(t, 0, entry.RecordCount)
	assert.Equal(t, 1, state.TotalPages)
	assert.Empty(t, readLines(t, filepath.Join(w.RunDir(), entry.File)))
}

func TestWritePageStateIsExplicit(t *testing.T) {
	w, _ := newTestWriter(t)
	s0 := w.NewRunState()
	s1, _, err := w.WritePage(s0, []ingestion.Record{{"id": "a"}}, 1, true)
	require.NoError(t, err)
	s2, _, err := w.WritePage(s1, []ingestion.Record{{"id": "b"}, {"id": "c"}}, 2, true)
	require.NoError(t, err)

	assert.Equal(t, 0, s0.TotalRecords)
	assert.Empty(t, s0.Pages)
	assert.Equal(t, 1, s1.TotalRecords)
	assert.Len(t, s1.Pages, 1)
	assert.Equal(t, 3, s2.TotalRecords)
	assert.Equal(t, 2, s2.TotalPages)

	assert.Equal(t, RunSummary{RunDir: w.RunDir(), TotalPages: 2, TotalRecords: 3}, w.Summary(s2))

	other := NewRawWriter(t.TempDir(), WithRunID("other"), WithIngestionDate("2024-01-15"))
	_, _, err = other.WritePage(s2, nil, 3, true)
	assert.Error(t, err, "a state from another run is rejected")
}

func TestWritePageWidePageNumbers(t *testing.T) {
	w, _ := newTestWriter(t)
	_, entry, err := w.WritePage(w.NewRunState(), []ingestion.Record{{"id": "a"}}, 12345, true)
	require.NoError(t, err)
	assert.Equal(t, "page=12345.jsonl.gz", entry.File)
}

func TestWritePageFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "bronze")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	w := NewRawWriter(blocker)
	_, _, err := w.WritePage(w.NewRunState(), []ingestion.Record{{"id": "a"}}, 1, true)
	require.Error(t, err)
	assert.True(t, IsIOFailure(err))
}

func TestWriteManifest(t *testing.T) {
	m := metrics.NewCollector()
	w, _ := newTestWriter(t, WithMetrics(m))
	state := w.NewRunState()
	var err error
	for page, n := range []int{50, 50, 37} {
		recs := make([]ingestion.Record, n)
		for i := range recs {
			recs[i] = ingestion.Record{"id": i}
		}
		state, _, err = w.WritePage(state, recs, page+1, true)
		require.NoError(t, err)
	}

	path, err := w.WriteManifest(state, map[string]any{
		"source":        "openbrewerydb",
		"total_records": 999,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.RunDir(), ingestion.ManifestFile), path)

	got, err := ingestion.ReadManifest(w.RunDir())
	require.NoError(t, err)
	assert.Equal(t, 137, got.TotalRecords, "extra keys never override core keys")
	assert.Equal(t, 3, got.TotalPages)
	require.Len(t, got.Pages, 3)
	assert.Equal(t, 37, got.Pages[2].RecordCount)
	assert.Equal(t, "openbrewerydb", got.Extra["source"])

	// rewriting overwrites
	_, err = w.WriteManifest(state, nil)
	require.NoError(t, err)
	got, err = ingestion.ReadManifest(w.RunDir())
	require.NoError(t, err)
	assert.NotContains(t, got.Extra, "source")

	assert.EqualValues(t, 137, m.Snapshot().RecordsWritten)

	recs, err := ingestion.ReadRun(w.RunDir())
	require.NoError(t, err)
	assert.Len(t, recs, 137)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	w, _ := newTestWriter(t)
	state, _, err := w.WritePage(w.NewRunState(), []ingestion.Record{{"id": "a"}}, 1, true)
	require.NoError(t, err)
	_, err = w.WriteManifest(state, nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(w.RunDir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"_manifest.json", "page=0001.jsonl.gz"}, names)
}
