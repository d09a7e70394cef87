package ingestion

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RunInfo describes one run directory found under the bronze root.
type RunInfo struct {
	IngestionDate string `json:"ingestion_date"`
	RunID         string `json:"run_id"`
	Path          string `json:"path"`
	PageCount     int    `json:"page_count"`
	HasManifest   bool   `json:"has_manifest"`
}

// ListRuns returns every run under root, newest first. A missing root is
// not an error; it simply has no runs.
func ListRuns(root string) ([]RunInfo, error) {
	dateDirs, err := filepath.Glob(filepath.Join(root, dateDirPrefix+"*"))
	if err != nil {
		return nil, fmt.Errorf("listing bronze dates: %w", err)
	}
	var runs []RunInfo
	for _, dd := range dateDirs {
		runDirs, err := filepath.Glob(filepath.Join(dd, runDirPrefix+"*"))
		if err != nil {
			return nil, fmt.Errorf("listing bronze runs: %w", err)
		}
		for _, rd := range runDirs {
			pages, _ := filepath.Glob(filepath.Join(rd, pageFilePattern))
			_, statErr := os.Stat(filepath.Join(rd, ManifestFile))
			runs = append(runs, RunInfo{
				IngestionDate: strings.TrimPrefix(filepath.Base(dd), dateDirPrefix),
				RunID:         strings.TrimPrefix(filepath.Base(rd), runDirPrefix),
				Path:          rd,
				PageCount:     len(pages),
				HasManifest:   statErr == nil,
			})
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].IngestionDate != runs[j].IngestionDate {
			return runs[i].IngestionDate > runs[j].IngestionDate
		}
		return runs[i].RunID > runs[j].RunID
	})
	return runs, nil
}

// ErrNoCompletedRun is returned when no run under the root has a manifest.
var ErrNoCompletedRun = errors.New("no completed bronze run found")

// LatestRun returns the newest run that has a manifest. Runs without one
// never finished and are skipped.
func LatestRun(root string) (RunInfo, error) {
	runs, err := ListRuns(root)
	if err != nil {
		return RunInfo{}, err
	}
	for _, r := range runs {
		if r.HasManifest {
			return r, nil
		}
	}
	return RunInfo{}, fmt.Errorf("%w in %s", ErrNoCompletedRun, root)
}

// ReadManifest loads _manifest.json from a run directory.
func ReadManifest(runDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ManifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

// ReadPageFile decodes one gzip NDJSON page file.
func ReadPageFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening page %s: %w", path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer gz.Close()

	var records []Record
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return records, nil
}

// ReadRun reads every page of a run directory in page order.
func ReadRun(runDir string) ([]Record, error) {
	src := NewBronzeSource(runDir)
	if err := src.Open(context.Background()); err != nil {
		return nil, err
	}
	defer src.Close()
	var all []Record
	for {
		b, err := src.ReadBatch(context.Background())
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, b.Records...)
	}
}

// BronzeSource replays one persisted run page by page. It implements Source
// and supports checkpoint/resume by page index.
type BronzeSource struct {
	runDir string
	files  []string
	offset int
	mu     sync.Mutex
}

// NewBronzeSource creates a source over a run directory.
func NewBronzeSource(runDir string) *BronzeSource {
	return &BronzeSource{runDir: runDir}
}

func (s *BronzeSource) Name() string { return "bronze:" + filepath.Base(s.runDir) }

func (s *BronzeSource) Open(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(s.runDir, pageFilePattern))
	if err != nil {
		return fmt.Errorf("listing pages in %s: %w", s.runDir, err)
	}
	// Sort numerically so runs past 9999 pages still replay in page order.
	sort.Slice(files, func(i, j int) bool {
		return pageNumber(files[i]) < pageNumber(files[j])
	})
	s.mu.Lock()
	s.files = files
	s.mu.Unlock()
	return nil
}

func (s *BronzeSource) ReadBatch(ctx context.Context) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.offset >= len(s.files) {
		return nil, io.EOF
	}
	path := s.files[s.offset]
	records, err := ReadPageFile(path)
	if err != nil {
		return nil, err
	}
	s.offset++
	return &Batch{
		Records:   records,
		Source:    s.Name(),
		CreatedAt: time.Now(),
		Page:      pageNumber(path),
	}, nil
}

func (s *BronzeSource) Close() error { return nil }

func (s *BronzeSource) Checkpoint() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(strconv.Itoa(s.offset)), nil
}

// Resume restores a checkpoint produced by Checkpoint.
func (s *BronzeSource) Resume(state []byte) error {
	n, err := strconv.Atoi(strings.TrimSpace(string(state)))
	if err != nil || n < 0 {
		return fmt.Errorf("invalid checkpoint %q", state)
	}
	s.mu.Lock()
	s.offset = n
	s.mu.Unlock()
	return nil
}

func pageNumber(path string) int {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "page="), ".jsonl.gz")
	n, err := strconv.Atoi(name)
	if err != nil {
		return -1
	}
	return n
}
