// Package quality checks each medallion layer after it is written.
package quality

import (
	"fmt"
	"os"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/storage"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

// Layer names.
const (
	Bronze = "bronze"
	Silver = "silver"
	Gold   = "gold"
)

// minRecordsRatio is how much of the bronze row count silver must keep.
const minRecordsRatio = 0.9

// Check is one named assertion about a layer.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// LayerReport collects the checks run against one layer.
type LayerReport struct {
	Layer        string   `json:"layer"`
	Passed       bool     `json:"passed"`
	RecordCount  int      `json:"record_count"`
	Checks       []Check  `json:"checks"`
	FailedChecks []string `json:"failed_checks"`
}

func (r *LayerReport) add(name string, passed bool, format string, args ...any) bool {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Message: fmt.Sprintf(format, args...)})
	return passed
}

func (r *LayerReport) finish() LayerReport {
	r.Passed = len(r.Checks) > 0
	r.FailedChecks = []string{}
	for _, c := range r.Checks {
		if !c.Passed {
			r.Passed = false
			r.FailedChecks = append(r.FailedChecks, c.Name)
		}
	}
	return *r
}

// Report is the result of ValidateAll.
type Report struct {
	Passed bool        `json:"passed"`
	Bronze LayerReport `json:"bronze"`
	Silver LayerReport `json:"silver"`
	Gold   LayerReport `json:"gold"`
}

// FailedChecks lists failures across all layers as "layer.check".
func (r Report) FailedChecks() []string {
	var out []string
	for _, lr := range []LayerReport{r.Bronze, r.Silver, r.Gold} {
		for _, name := range lr.FailedChecks {
			out = append(out, lr.Layer+"."+name)
		}
	}
	return out
}

// Validator runs the layer checks. Think of it as the inspector at the end
// of each line: it never fixes anything, it only reports.
type Validator struct {
	log *logging.Logger
}

func NewValidator(log *logging.Logger) *Validator {
	return &Validator{log: logging.OrNop(log)}
}

// ValidateBronze inspects the newest run under root.
func (v *Validator) ValidateBronze(root string) LayerReport {
	r := LayerReport{Layer: Bronze}
	defer v.logReport(&r)

	if !r.add("directory_exists", dirExists(root), "bronze root %s", root) {
		return r.finish()
	}
	runs, err := ingestion.ListRuns(root)
	if !r.add("has_runs", err == nil && len(runs) > 0, "found %d run(s)", len(runs)) {
		return r.finish()
	}

	latest := runs[0]
	if !r.add("manifest_exists", latest.HasManifest, "newest run %s/%s", latest.IngestionDate, latest.RunID) {
		return r.finish()
	}
	m, err := ingestion.ReadManifest(latest.Path)
	if !r.add("manifest_readable", err == nil, "%v", errOrOK(err)) {
		return r.finish()
	}
	r.RecordCount = m.TotalRecords

	r.add("has_records", m.TotalRecords > 0, "total records: %d", m.TotalRecords)

	sum := 0
	for _, p := range m.Pages {
		sum += p.RecordCount
	}
	r.add("totals_consistent", sum == m.TotalRecords && len(m.Pages) == m.TotalPages,
		"pages=%d/%d records=%d/%d", len(m.Pages), m.TotalPages, sum, m.TotalRecords)

	r.add("pages_present", latest.PageCount == m.TotalPages,
		"page files=%d manifest pages=%d", latest.PageCount, m.TotalPages)

	expected, known := expectedTotal(m)
	_, finished := m.Extra["finished_at"]
	completed := m.TotalRecords > 0 && finished && (!known || expected == m.TotalRecords)
	r.add("ingestion_completed", completed, "records=%d expected=%s finished=%t",
		m.TotalRecords, expectedLabel(expected, known), finished)

	return r.finish()
}

// ValidateSilver inspects the partitioned curated table under root.
// expectedMin is the bronze record count; zero skips the volume check.
func (v *Validator) ValidateSilver(root string, expectedMin int) LayerReport {
	r := LayerReport{Layer: Silver}
	defer v.logReport(&r)

	if !r.add("directory_exists", dirExists(root), "silver root %s", root) {
		return r.finish()
	}
	parts, err := storage.ListPartitions(root)
	if !r.add("has_partitions", err == nil && len(parts) > 0, "found %d partition(s)", len(parts)) {
		return r.finish()
	}
	t, err := storage.ReadPartitions(root)
	if !r.add("readable", err == nil, "%v", errOrOK(err)) {
		return r.finish()
	}
	r.RecordCount = t.Len()
	r.add("has_records", t.Len() > 0, "total records: %d", t.Len())

	if expectedMin > 0 {
		threshold := int(float64(expectedMin) * minRecordsRatio)
		r.add("minimum_records", t.Len() >= threshold, "expected >= %d, got %d", threshold, t.Len())
	}

	var nullIDs, dupIDs, badCoords, blankPartition int
	seen := make(map[string]struct{}, t.Len())
	t.Each(func(_ int, row transform.Row) {
		if row.ID == nil {
			nullIDs++
		} else if _, dup := seen[*row.ID]; dup {
			dupIDs++
		} else {
			seen[*row.ID] = struct{}{}
		}
		if (row.Latitude != nil && (*row.Latitude < -90 || *row.Latitude > 90)) ||
			(row.Longitude != nil && (*row.Longitude < -180 || *row.Longitude > 180)) {
			badCoords++
		}
		if row.Country == nil || *row.Country == "" || row.StateProvince == nil || *row.StateProvince == "" {
			blankPartition++
		}
	})
	r.add("no_null_ids", nullIDs == 0, "null ids: %d", nullIDs)
	r.add("no_duplicate_ids", dupIDs == 0, "duplicate ids: %d", dupIDs)
	r.add("valid_coordinates", badCoords == 0, "invalid coordinates: %d", badCoords)
	r.add("partition_columns_filled", blankPartition == 0, "rows with blank partition columns: %d", blankPartition)

	return r.finish()
}

// ValidateGold inspects the gold documents in dir. expectedTotal is the
// silver row count; zero skips the total checks.
func (v *Validator) ValidateGold(dir string, expectedTotal int) LayerReport {
	r := LayerReport{Layer: Gold}
	defer v.logReport(&r)

	if !r.add("directory_exists", dirExists(dir), "gold dir %s", dir) {
		return r.finish()
	}
	s, stats, err := storage.ReadGold(dir)
	if !r.add("summary_exists", err == nil, "%v", errOrOK(err)) {
		return r.finish()
	}
	main := s.ByTypeAndLocation
	r.RecordCount = main.Len()
	r.add("has_aggregations", main.Len() > 0, "aggregation rows: %d", main.Len())

	if expectedTotal > 0 {
		r.add("total_matches", s.TotalBreweries == int64(expectedTotal),
			"expected %d, got %d", expectedTotal, s.TotalBreweries)
		r.add("country_sum_matches", s.ByCountry.Total() == int64(expectedTotal),
			"expected %d, got %d", expectedTotal, s.ByCountry.Total())
		r.add("main_sum_bounded", main.Total() <= int64(expectedTotal),
			"main aggregation sums to %d of %d rows", main.Total(), expectedTotal)
	}

	zero := 0
	for _, res := range []aggregate.Result{main, s.ByType, s.ByCountry, s.ByState} {
		for _, row := range res.Rows {
			if row.BreweryCount <= 0 {
				zero++
			}
		}
	}
	r.add("no_zero_counts", zero == 0, "zero or negative counts: %d", zero)
	r.add("stats_consistent", stats.TotalBreweries == main.Total() && stats.TotalGroups == main.Len(),
		"stats report %d breweries in %d groups", stats.TotalBreweries, stats.TotalGroups)

	return r.finish()
}

// Paths locates the three layers for ValidateAll.
type Paths struct {
	Bronze string
	Silver string
	Gold   string
}

// ValidateAll chains the layers, feeding each layer's count into the next.
func (v *Validator) ValidateAll(p Paths) Report {
	b := v.ValidateBronze(p.Bronze)
	s := v.ValidateSilver(p.Silver, b.RecordCount)
	g := v.ValidateGold(p.Gold, s.RecordCount)
	return Report{
		Passed: b.Passed && s.Passed && g.Passed,
		Bronze: b,
		Silver: s,
		Gold:   g,
	}
}

func (v *Validator) logReport(r *LayerReport) {
	for _, c := range r.Checks {
		if !c.Passed {
			v.log.Warn("quality check failed", "layer", r.Layer, "check", c.Name, "detail", c.Message)
		}
	}
	v.log.Info("layer validated", "layer", r.Layer, "passed", r.Passed, "records", r.RecordCount)
}

// expectedTotal reads the upstream total the bronze stage recorded, if any.
func expectedTotal(m ingestion.Manifest) (int, bool) {
	switch v := m.Extra["expected_total"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func expectedLabel(n int, known bool) string {
	if !known {
		return "unknown"
	}
	return fmt.Sprint(n)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func errOrOK(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
