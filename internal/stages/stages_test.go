package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/brewery-pipeline/internal/config"
	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
	"github.com/acme-corp/brewery-pipeline/internal/storage"
)

const (
	testDate  = "2024-05-01"
	testRunID = "20240501_120000"
)

var catalog = []map[string]any{
	{"id": "a1", "name": "Pelican", "brewery_type": "brewpub", "country": "United States", "state_province": "Oregon", "latitude": "45.2", "longitude": "-123.9"},
	{"id": "a2", "name": "Golden Road", "brewery_type": "large", "country": "United States", "state_province": "California"},
	{"id": "a3", "name": "Lagunitas", "brewery_type": "large", "country": "United States", "state_province": "California"},
	{"id": "a4", "name": "Galway Bay", "brewery_type": "micro", "country": "Ireland", "state_province": "Galway"},
	{"id": "a5", "name": "Boneyard", "brewery_type": "micro", "country": "United States", "state_province": "Oregon"},
}

type fakeAPI struct {
	perPage  int
	failPage int
	failMeta bool
	calls    atomic.Int32
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/breweries/meta":
		if f.failMeta {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"total":"%d","page":"1","per_page":"%d"}`, len(catalog), f.perPage)
	case "/breweries":
		f.calls.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == f.failPage {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		start := (page - 1) * f.perPage
		end := start + f.perPage
		if start > len(catalog) {
			start = len(catalog)
		}
		if end > len(catalog) {
			end = len(catalog)
		}
		json.NewEncoder(w).Encode(catalog[start:end])
	default:
		http.NotFound(w, r)
	}
}

func newEnv(t *testing.T, api *fakeAPI) (*Env, *storage.RawWriter) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	cfg := &config.PipelineConfig{
		API: ingestion.APIConfig{BaseURL: srv.URL, PerPage: api.perPage, TimeoutSeconds: 5},
		Paths: config.PathsConfig{
			Bronze: filepath.Join(root, "bronze"),
			Silver: filepath.Join(root, "silver"),
			Gold:   filepath.Join(root, "gold"),
		},
		Curation: config.CurationConfig{Workers: 2},
	}
	m := metrics.NewCollector()
	env := &Env{
		Config:        cfg,
		Client:        ingestion.NewClient(cfg.API, ingestion.WithMetrics(m)),
		Metrics:       m,
		CorrelationID: "corr-1",
		Now:           func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	w := storage.NewRawWriter(cfg.Paths.Bronze,
		storage.WithIngestionDate(testDate), storage.WithRunID(testRunID), storage.WithMetrics(m))
	return env, w
}

func TestBronzeWritesPagesAndManifest(t *testing.T) {
	api := &fakeAPI{perPage: 2}
	env, w := newEnv(t, api)

	res, err := Bronze(context.Background(), env, w, ingestion.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalRecords)
	assert.Equal(t, 3, res.TotalPages)
	assert.Equal(t, 5, res.ExpectedTotal)
	assert.EqualValues(t, 3, api.calls.Load(), "a short page ends pagination")

	m, err := ingestion.ReadManifest(res.RunDir)
	require.NoError(t, err)
	assert.Equal(t, 5, m.TotalRecords)
	assert.Equal(t, SourceName, m.Extra["source"])
	assert.Equal(t, "corr-1", m.Extra["correlation_id"])
	assert.Equal(t, StatusCompleted, m.Extra["status"])
	assert.EqualValues(t, 5, m.Extra["expected_total"])
	assert.Equal(t, "2024-05-01T12:00:00Z", m.Extra["finished_at"])

	run, err := ingestion.LatestRun(env.Config.Paths.Bronze)
	require.NoError(t, err)
	assert.Equal(t, testRunID, run.RunID)
}

func TestBronzeMetadataFailureIsNotFatal(t *testing.T) {
	api := &fakeAPI{perPage: 2, failMeta: true}
	env, w := newEnv(t, api)

	res, err := Bronze(context.Background(), env, w, ingestion.Filters{})
	require.NoError(t, err)
	assert.Equal(t, unknownTotal, res.ExpectedTotal)

	m, err := ingestion.ReadManifest(res.RunDir)
	require.NoError(t, err)
	assert.Equal(t, unknownTotal, m.Extra["expected_total"])
}

func TestBronzePageFailureLeavesNoManifest(t *testing.T) {
	api := &fakeAPI{perPage: 2, failPage: 2}
	env, w := newEnv(t, api)

	_, err := Bronze(context.Background(), env, w, ingestion.Filters{})
	require.Error(t, err)
	assert.True(t, ingestion.IsUpstream(err))

	_, statErr := os.Stat(filepath.Join(w.RunDir(), ingestion.ManifestFile))
	assert.True(t, os.IsNotExist(statErr))
	assert.FileExists(t, filepath.Join(w.RunDir(), ingestion.PageFileName(1)))

	_, err = ingestion.LatestRun(env.Config.Paths.Bronze)
	assert.ErrorIs(t, err, ingestion.ErrNoCompletedRun)
}

func TestSilverWithoutBronzeRun(t *testing.T) {
	env, _ := newEnv(t, &fakeAPI{perPage: 2})
	_, err := Silver(context.Background(), env)
	assert.ErrorIs(t, err, ingestion.ErrNoCompletedRun)
}

func TestAllStagesEndToEnd(t *testing.T) {
	ctx := context.Background()
	env, w := newEnv(t, &fakeAPI{perPage: 2})

	wh, err := storage.OpenWarehouse(ctx, filepath.Join(t.TempDir(), "brewery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })
	env.Warehouse = wh

	_, err = Bronze(ctx, env, w, ingestion.Filters{})
	require.NoError(t, err)

	silver, err := Silver(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 5, silver.Summary.InputCount)
	assert.Equal(t, 5, silver.Summary.OutputCount)
	assert.Equal(t, 2, silver.Summary.UniqueCountries)
	assert.Len(t, silver.Partitions.Partitions, 3)

	n, err := wh.CountRows(ctx, storage.TableSilver)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	gold, err := Gold(ctx, env)
	require.NoError(t, err)
	assert.EqualValues(t, 5, gold.Summary.TotalBreweries)
	assert.EqualValues(t, 5, gold.Summary.ByTypeAndLocation.Total())
	require.NotEmpty(t, gold.Summary.ByCountry.Rows)
	assert.Equal(t, "United States", gold.Summary.ByCountry.Rows[0].Keys["country"])
	assert.EqualValues(t, 4, gold.Summary.ByCountry.Rows[0].BreweryCount)

	n, err = wh.CountRows(ctx, storage.TableByTypeAndLocation)
	require.NoError(t, err)
	assert.Equal(t, gold.Summary.ByTypeAndLocation.Len(), n)

	rep, err := Validate(ctx, env)
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Empty(t, rep.FailedChecks())
}

func TestValidateFailsOnEmptyLayers(t *testing.T) {
	env, _ := newEnv(t, &fakeAPI{perPage: 2})
	rep, err := Validate(context.Background(), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQualityFailed)
	assert.False(t, rep.Passed)
	assert.Contains(t, rep.FailedChecks(), "bronze.directory_exists")
}
