package transform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
)

func sampleRecords() ingestion.Records {
	return ingestion.Records{
		{"id": "b1", "name": " Hop House ", "brewery_type": "Micro", "country": "United States",
			"state_province": "Oregon", "latitude": "45.52", "longitude": "-122.67", "_run_id": "r"},
		{"id": "b2", "name": "Liffey Ales", "brewery_type": "brewpub", "country": "Ireland",
			"state_province": "", "latitude": "95.0", "longitude": "-6.26"},
		{"id": "b1", "name": "Hop House duplicate", "brewery_type": "micro", "country": "United States"},
		{"id": nil, "name": "Ghost Brewing"},
		{"id": "b3", "name": "Mystery", "brewery_type": "taproom", "country": "   ", "latitude": "abc"},
	}
}

func TestEngineRun(t *testing.T) {
	m := metrics.NewCollector()
	table, rep, err := NewEngine(WithEngineMetrics(m)).Run(context.Background(), sampleRecords())
	require.NoError(t, err)

	require.Equal(t, 3, table.Len())
	rows := table.Rows()

	assert.Equal(t, "b1", *rows[0].ID)
	assert.Equal(t, "Hop House", *rows[0].Name)
	assert.Equal(t, "micro", *rows[0].BreweryType)
	assert.InDelta(t, 45.52, *rows[0].Latitude, 1e-9)

	assert.Equal(t, "Ireland", *rows[1].Country)
	assert.Equal(t, UnknownPartition, *rows[1].StateProvince)
	assert.Nil(t, rows[1].Latitude)
	assert.NotNil(t, rows[1].Longitude)

	assert.Equal(t, UnknownPartition, *rows[2].Country)
	assert.Equal(t, "taproom", *rows[2].BreweryType)

	assert.Equal(t, 5, rep.InputCount)
	assert.Equal(t, 3, rep.OutputCount)
	assert.Equal(t, 1, rep.NullIDsRemoved)
	assert.Equal(t, 1, rep.DuplicatesRemoved)
	assert.Equal(t, 1, rep.InvalidCoordinates)
	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, "b3", rep.Warnings[0].ID)

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.DuplicatesRemoved)
	assert.EqualValues(t, 1, snap.ValidationWarns)
	assert.Contains(t, snap.AvgStageDuration, "curation."+StepDeduplicate)
}

func TestEngineRunInvariants(t *testing.T) {
	table, _, err := NewEngine().Run(context.Background(), sampleRecords())
	require.NoError(t, err)

	seen := map[string]bool{}
	table.Each(func(_ int, r Row) {
		require.NotNil(t, r.ID)
		assert.False(t, seen[*r.ID], "duplicate id %s", *r.ID)
		seen[*r.ID] = true
		require.NotNil(t, r.Country)
		require.NotNil(t, r.StateProvince)
		assert.NotEmpty(t, *r.Country)
		assert.NotEmpty(t, *r.StateProvince)
	})
}

func TestEngineEmptyInput(t *testing.T) {
	table, rep, err := NewEngine().Run(context.Background(), ingestion.Records{})
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
	assert.Len(t, table.Schema(), len(Schema))
	assert.Equal(t, 0, rep.OutputCount)

	table, _, err = NewEngine().Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
}

func TestEngineWorkersPreserveOrder(t *testing.T) {
	var recs ingestion.Records
	for i := 0; i < 257; i++ {
		recs = append(recs, ingestion.Record{
			"id":             fmt.Sprintf("id-%03d", i),
			"name":           fmt.Sprintf("  brewery %d ", i),
			"brewery_type":   "nano",
			"state_province": "",
		})
	}

	serial, _, err := NewEngine().Run(context.Background(), recs)
	require.NoError(t, err)
	parallel, _, err := NewEngine(WithWorkers(8)).Run(context.Background(), recs)
	require.NoError(t, err)

	assert.Equal(t, serial.Rows(), parallel.Rows())
}

func TestEngineAcceptsColumnarTable(t *testing.T) {
	table, err := TransformRawToCurated(ingestion.NewTable(sampleRecords()))
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())
}

func TestEngineCustomStage(t *testing.T) {
	e := NewEngine()
	e.AddStage("drop_closed", func(_ context.Context, rows []Row, _ *Report) ([]Row, error) {
		var out []Row
		for _, r := range rows {
			if r.BreweryType == nil || *r.BreweryType != "closed" {
				out = append(out, r)
			}
		}
		return out, nil
	})
	assert.Equal(t, "drop_closed", e.StepNames()[len(e.StepNames())-1])

	table, _, err := e.Run(context.Background(), ingestion.Records{
		{"id": "1", "brewery_type": "CLOSED"},
		{"id": "2", "brewery_type": "micro"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())
	assert.Equal(t, "2", table.Rows()[0].Identifier())
}

func TestEngineStepErrorAndCancellation(t *testing.T) {
	boom := errors.New("boom")
	e := NewEngine()
	e.AddStage("explode", func(context.Context, []Row, *Report) ([]Row, error) { return nil, boom })

	_, _, err := e.Run(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "explode")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = NewEngine().Run(ctx, sampleRecords())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineRejectsUnknownDedupKey(t *testing.T) {
	table, _, err := NewEngine(WithDedupKeys("nme")).Run(context.Background(), sampleRecords())
	require.Error(t, err)
	assert.Nil(t, table)
	assert.Contains(t, err.Error(), "unknown dedup key")

	table, rep, err := NewEngine(WithDedupKeys(ColName)).Run(context.Background(), sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, 1, rep.DuplicatesRemoved)
}

func TestGetTransformationSummary(t *testing.T) {
	t.Run("counts only", func(t *testing.T) {
		s := GetTransformationSummary(10, 7)
		assert.Equal(t, TransformationSummary{InputCount: 10, OutputCount: 7, RecordsRemoved: 3}, s)
	})

	t.Run("with report and table", func(t *testing.T) {
		table, rep, err := NewEngine().Run(context.Background(), sampleRecords())
		require.NoError(t, err)

		s := GetTransformationSummary(rep.InputCount, table.Len(), FromReport(rep), FromTable(table))
		assert.Equal(t, TransformationSummary{
			InputCount:         5,
			OutputCount:        3,
			RecordsRemoved:     2,
			DuplicatesRemoved:  1,
			NullIDsRemoved:     1,
			InvalidCoordinates: 1,
			UnknownCategories:  1,
			UniqueCountries:    3,
			UniqueStates:       2,
			UniqueTypes:        3,
		}, s)
	})
}
