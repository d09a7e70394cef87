package storage

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

// PartitionFile is the single data file inside each partition directory.
const PartitionFile = "part-0000.jsonl.gz"

// Partition identifies one country/state_province directory.
type Partition struct {
	Country       string `json:"country"`
	StateProvince string `json:"state_province"`
	Path          string `json:"path"`
	Rows          int    `json:"rows"`
	Bytes         int64  `json:"bytes"`
}

// PartitionSummary describes one full write of the curated table.
type PartitionSummary struct {
	Root       string      `json:"root"`
	TotalRows  int         `json:"total_rows"`
	Partitions []Partition `json:"partitions"`
}

// PartitionWriter lays the curated table out as hive-style partitions:
//
//	<root>/country=<c>/state_province=<s>/part-0000.jsonl.gz
//
// Every write replaces the whole dataset. Partitions are written in parallel
// into a staging directory which is then swapped with root.
type PartitionWriter struct {
	root    string
	workers int
	log     *logging.Logger
	metrics *metrics.Collector
}

type PartitionOption func(*PartitionWriter)

func WithPartitionWorkers(n int) PartitionOption {
	return func(w *PartitionWriter) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithPartitionLogger(l *logging.Logger) PartitionOption {
	return func(w *PartitionWriter) { w.log = l }
}

func WithPartitionMetrics(m *metrics.Collector) PartitionOption {
	return func(w *PartitionWriter) { w.metrics = m }
}

func NewPartitionWriter(root string, opts ...PartitionOption) *PartitionWriter {
	w := &PartitionWriter{root: root, workers: 4}
	for _, opt := range opts {
		opt(w)
	}
	w.log = logging.OrNop(w.log)
	return w
}

func (w *PartitionWriter) Root() string { return w.root }

// Write replaces the dataset under root with t. Row order inside each
// partition follows t.
func (w *PartitionWriter) Write(ctx context.Context, t *transform.Table) (PartitionSummary, error) {
	start := time.Now()
	groups, order := partitionRows(t)

	parent := filepath.Dir(filepath.Clean(w.root))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return PartitionSummary{}, ioFail("mkdir", parent, err)
	}
	staging, err := os.MkdirTemp(parent, ".staging-"+filepath.Base(w.root)+"-*")
	if err != nil {
		return PartitionSummary{}, ioFail("mkdir", parent, err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	parts := make([]Partition, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for i, key := range order {
		i, key := i, key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel := partitionPath(key.country, key.state)
			dir := filepath.Join(staging, rel)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return ioFail("mkdir", dir, err)
			}
			size, err := writeGzipNDJSON(filepath.Join(dir, PartitionFile), groups[key])
			if err != nil {
				return err
			}
			parts[i] = Partition{
				Country:       key.country,
				StateProvince: key.state,
				Path:          filepath.Join(rel, PartitionFile),
				Rows:          len(groups[key]),
				Bytes:         size,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PartitionSummary{}, eris.Wrap(err, "silver: write partitions")
	}

	if err := swapDir(staging, w.root); err != nil {
		return PartitionSummary{}, eris.Wrap(err, "silver: publish partitions")
	}
	committed = true

	if w.metrics != nil {
		w.metrics.TrackStageDuration("silver.partition_write", time.Since(start))
	}
	w.log.Info("wrote curated partitions", "root", w.root, "partitions", len(parts), "rows", t.Len())
	return PartitionSummary{Root: w.root, TotalRows: t.Len(), Partitions: parts}, nil
}

type partitionKey struct{ country, state string }

// partitionRows groups rows by partition, returning keys in sorted order.
func partitionRows(t *transform.Table) (map[partitionKey][]transform.Row, []partitionKey) {
	groups := make(map[partitionKey][]transform.Row)
	t.Each(func(_ int, r transform.Row) {
		k := partitionKey{country: deref(r.Country), state: deref(r.StateProvince)}
		groups[k] = append(groups[k], r)
	})
	order := make([]partitionKey, 0, len(groups))
	for k := range groups {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].country != order[j].country {
			return order[i].country < order[j].country
		}
		return order[i].state < order[j].state
	})
	return groups, order
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return transform.UnknownPartition
	}
	return *s
}

func partitionPath(country, state string) string {
	return filepath.Join(
		transform.ColCountry+"="+url.PathEscape(country),
		transform.ColStateProvince+"="+url.PathEscape(state),
	)
}

// swapDir replaces dst with src. dst may not exist yet.
func swapDir(src, dst string) error {
	var old string
	if _, err := os.Stat(dst); err == nil {
		old = fmt.Sprintf("%s.old-%d", dst, time.Now().UnixNano())
		if err := os.Rename(dst, old); err != nil {
			return ioFail("rename", dst, err)
		}
	} else if !os.IsNotExist(err) {
		return ioFail("stat", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		if old != "" {
			os.Rename(old, dst)
		}
		return ioFail("rename", src, err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return ioFail("remove", old, err)
		}
	}
	return nil
}

// ReadPartitions loads every partition under root back into a table.
// Partitions are read in path order. A missing root yields an empty table.
func ReadPartitions(root string) (*transform.Table, error) {
	files, err := filepath.Glob(filepath.Join(root, transform.ColCountry+"=*", transform.ColStateProvince+"=*", PartitionFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var rows []transform.Row
	for _, f := range files {
		got, err := readRowFile(f)
		if err != nil {
			return nil, err
		}
		rows = append(rows, got...)
	}
	return transform.NewTable(rows), nil
}

// ListPartitions returns the partition directories under root.
func ListPartitions(root string) ([]Partition, error) {
	files, err := filepath.Glob(filepath.Join(root, transform.ColCountry+"=*", transform.ColStateProvince+"=*", PartitionFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	out := make([]Partition, 0, len(files))
	for _, f := range files {
		stateDir := filepath.Dir(f)
		country, err := url.PathUnescape(strings.TrimPrefix(filepath.Base(filepath.Dir(stateDir)), transform.ColCountry+"="))
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", f, err)
		}
		state, err := url.PathUnescape(strings.TrimPrefix(filepath.Base(stateDir), transform.ColStateProvince+"="))
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", f, err)
		}
		info, err := os.Stat(f)
		if err != nil {
			return nil, ioFail("stat", f, err)
		}
		rel, _ := filepath.Rel(root, f)
		out = append(out, Partition{Country: country, StateProvince: state, Path: rel, Bytes: info.Size()})
	}
	return out, nil
}

func readRowFile(path string) ([]transform.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioFail("open", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	defer gz.Close()

	var rows []transform.Row
	dec := json.NewDecoder(gz)
	for {
		var r transform.Row
		if err := dec.Decode(&r); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}
