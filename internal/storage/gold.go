package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
)

// Gold layer files.
const (
	GoldSummaryFile = "_summary.json"
	GoldStatsFile   = "_stats.json"
)

// WriteGold writes the summary and stats documents into dir, replacing any
// previous ones.
func WriteGold(dir string, s aggregate.GoldSummary, stats aggregate.AggregationStats) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(ioFail("mkdir", dir, err), "gold: write")
	}
	docs := []struct {
		name string
		v    any
	}{
		{GoldSummaryFile, s},
		{GoldStatsFile, stats},
	}
	for _, d := range docs {
		data, err := json.MarshalIndent(d.v, "", "  ")
		if err != nil {
			return eris.Wrapf(err, "gold: encode %s", d.name)
		}
		if err := writeFileAtomic(filepath.Join(dir, d.name), data); err != nil {
			return eris.Wrapf(err, "gold: write %s", d.name)
		}
	}
	return nil
}

// ReadGold loads the documents written by WriteGold.
func ReadGold(dir string) (aggregate.GoldSummary, aggregate.AggregationStats, error) {
	var (
		s     aggregate.GoldSummary
		stats aggregate.AggregationStats
	)
	for name, v := range map[string]any{GoldSummaryFile: &s, GoldStatsFile: &stats} {
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p)
		if err != nil {
			return s, stats, ioFail("read", p, err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return s, stats, eris.Wrapf(err, "gold: decode %s", name)
		}
	}
	return s, stats, nil
}
