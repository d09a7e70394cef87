package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

func openTestWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	w, err := OpenWarehouse(context.Background(), filepath.Join(t.TempDir(), "wh", "brewery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWarehouseSilverRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := openTestWarehouse(t)
	table := sampleCurated(t)

	require.NoError(t, w.ReplaceSilver(ctx, table))
	n, err := w.CountRows(ctx, TableSilver)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	back, err := w.LoadSilver(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.Rows(), back.Rows(), "curated rows are already ordered by id")

	// full overwrite, not append
	require.NoError(t, w.ReplaceSilver(ctx, transform.EmptyTable()))
	n, err = w.CountRows(ctx, TableSilver)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWarehouseGold(t *testing.T) {
	ctx := context.Background()
	w := openTestWarehouse(t)
	table := sampleCurated(t)

	s, err := aggregate.CreateGoldSummary(ctx, table)
	require.NoError(t, err)
	stats := aggregate.GetAggregationStats(table)

	require.NoError(t, w.ReplaceGold(ctx, s, stats))
	require.NoError(t, w.ReplaceGold(ctx, s, stats))

	got, err := w.LoadAggregation(ctx, TableByTypeAndLocation, aggregate.DefaultLocationColumns...)
	require.NoError(t, err)
	assert.Equal(t, s.ByTypeAndLocation.Rows, got.Rows)

	byCountry, err := w.LoadAggregation(ctx, TableByCountry, transform.ColCountry)
	require.NoError(t, err)
	assert.Equal(t, s.ByCountry.Total(), byCountry.Total())

	payload, err := w.LoadPayload(ctx, "stats")
	require.NoError(t, err)
	var back aggregate.AggregationStats
	require.NoError(t, json.Unmarshal(payload, &back))
	assert.Equal(t, stats, back)

	missing, err := w.LoadPayload(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGoldFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gold")
	table := sampleCurated(t)
	s, err := aggregate.CreateGoldSummary(context.Background(), table)
	require.NoError(t, err)
	stats := aggregate.GetAggregationStats(table)

	require.NoError(t, WriteGold(dir, s, stats))

	gotSummary, gotStats, err := ReadGold(dir)
	require.NoError(t, err)
	assert.Equal(t, stats, gotStats)
	assert.Equal(t, s.TotalBreweries, gotSummary.TotalBreweries)
	assert.Equal(t, s.ByType.Rows, gotSummary.ByType.Rows)
	assert.Equal(t, s.TopStates, gotSummary.TopStates)
}
