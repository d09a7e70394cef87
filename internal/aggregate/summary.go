package aggregate

import (
	"context"
	"strconv"

	"github.com/cockroachdb/apd/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

// TopStatesLimit caps GoldSummary.TopStates.
const TopStatesLimit = 10

// GoldSummary bundles every aggregation of one curated table.
type GoldSummary struct {
	TotalBreweries    int64      `json:"total_breweries"`
	TotalCountries    int        `json:"total_countries"`
	TotalStates       int        `json:"total_states"`
	TotalTypes        int        `json:"total_types"`
	ByType            Result     `json:"by_type"`
	ByCountry         Result     `json:"by_country"`
	ByState           Result     `json:"by_state"`
	ByTypeAndLocation Result     `json:"by_type_and_location"`
	TopStates         []CountRow `json:"top_states"`
}

// CreateGoldSummary computes the four aggregations concurrently. The output
// does not depend on scheduling.
func CreateGoldSummary(ctx context.Context, t *transform.Table) (GoldSummary, error) {
	var s GoldSummary
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		s.ByTypeAndLocation, err = ByTypeAndLocation(t)
		return err
	})
	g.Go(func() error {
		s.ByType = ByType(t)
		return ctx.Err()
	})
	g.Go(func() error {
		s.ByCountry = ByCountry(t)
		return ctx.Err()
	})
	g.Go(func() error {
		s.ByState = ByState(t, "")
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return GoldSummary{}, eris.Wrap(err, "gold summary")
	}

	s.TotalBreweries = int64(t.Len())
	s.TotalCountries = s.ByCountry.Len()
	s.TotalStates = distinctStates(t)
	s.TotalTypes = s.ByType.Len()

	top := s.ByState.Rows
	if len(top) > TopStatesLimit {
		top = top[:TopStatesLimit]
	}
	s.TopStates = append([]CountRow{}, top...)
	return s, nil
}

// AggregationStats is a fixed-key health check over the main aggregation.
type AggregationStats struct {
	TotalRows            int     `json:"total_rows"`
	TotalGroups          int     `json:"total_groups"`
	TotalBreweries       int64   `json:"total_breweries"`
	UniqueCountries      int     `json:"unique_countries"`
	UniqueStates         int     `json:"unique_states"`
	UniqueTypes          int     `json:"unique_types"`
	AvgBreweriesPerGroup float64 `json:"avg_breweries_per_group"`
	MaxBreweriesInGroup  int64   `json:"max_breweries_in_group"`
	MinBreweriesInGroup  int64   `json:"min_breweries_in_group"`
	RowsWithCoordinates  int     `json:"rows_with_coordinates"`
}

// GetAggregationStats summarizes ByTypeAndLocation over t. An empty table
// reports zero everywhere.
func GetAggregationStats(t *transform.Table) AggregationStats {
	main, _ := ByTypeAndLocation(t)
	st := AggregationStats{
		TotalRows:      t.Len(),
		TotalGroups:    main.Len(),
		TotalBreweries: main.Total(),
	}

	for i, r := range main.Rows {
		if i == 0 || r.BreweryCount > st.MaxBreweriesInGroup {
			st.MaxBreweriesInGroup = r.BreweryCount
		}
		if i == 0 || r.BreweryCount < st.MinBreweriesInGroup {
			st.MinBreweriesInGroup = r.BreweryCount
		}
	}
	st.UniqueCountries = ByCountry(t).Len()
	st.UniqueStates = distinctStates(t)
	st.UniqueTypes = ByType(t).Len()
	st.AvgBreweriesPerGroup = average(st.TotalBreweries, int64(st.TotalGroups))

	t.Each(func(_ int, r transform.Row) {
		if r.Latitude != nil && r.Longitude != nil {
			st.RowsWithCoordinates++
		}
	})
	return st
}

// distinctStates counts distinct non-null state_province values. A state
// name shared by two countries counts once, as does the Unknown sentinel.
func distinctStates(t *transform.Table) int {
	seen := make(map[string]struct{})
	for _, v := range t.Column(transform.ColStateProvince) {
		if v != nil {
			seen[*v] = struct{}{}
		}
	}
	return len(seen)
}

// average returns sum/n rounded half-up to two decimals, or 0 when n is 0.
func average(sum, n int64) float64 {
	if n == 0 {
		return 0
	}
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp

	var q, rounded apd.Decimal
	if _, err := ctx.Quo(&q, apd.New(sum, 0), apd.New(n, 0)); err != nil {
		return float64(sum) / float64(n)
	}
	if _, err := ctx.Quantize(&rounded, &q, -2); err != nil {
		return float64(sum) / float64(n)
	}
	f, err := strconv.ParseFloat(rounded.String(), 64)
	if err != nil {
		return float64(sum) / float64(n)
	}
	return f
}
