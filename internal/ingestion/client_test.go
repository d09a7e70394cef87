package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/brewery-pipeline/internal/metrics"
)

type pageServer struct {
	sizes []int
	mu    sync.Mutex
	reqs  []*http.Request
}

func (s *pageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.reqs = append(s.reqs, r)
	s.mu.Unlock()

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	n := 0
	if page >= 1 && page <= len(s.sizes) {
		n = s.sizes[page-1]
	}
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": fmt.Sprintf("p%d-%d", page, i), "latitude": 45.5}
	}
	json.NewEncoder(w).Encode(out)
}

func (s *pageServer) requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.reqs...)
}

func newTestClient(t *testing.T, h http.Handler, perPage int, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(APIConfig{BaseURL: srv.URL, PerPage: perPage, TimeoutSeconds: 5}, opts...)
}

func TestAPIConfigDefaults(t *testing.T) {
	cfg := NewAPIConfig(APIConfig{PerPage: 20})
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, 20, cfg.PerPage)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
}

func TestFetchAllPagesStopsOnShortPage(t *testing.T) {
	srv := &pageServer{sizes: []int{50, 50, 37}}
	m := metrics.NewCollector()
	c := newTestClient(t, srv, 50, WithMetrics(m))

	var seen []int
	pages, err := c.FetchAllPages(context.Background(), Filters{}, func(page int, records []Record) error {
		seen = append(seen, page)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Len(t, srv.requests(), 3, "no request after the short page")

	snap := m.Snapshot()
	assert.EqualValues(t, 137, snap.RecordsRead)
	assert.EqualValues(t, 3, snap.PagesFetched)
}

func TestFetchAllExactMultipleNeedsEmptyPage(t *testing.T) {
	srv := &pageServer{sizes: []int{10, 10}}
	c := newTestClient(t, srv, 10)

	all, err := c.FetchAll(context.Background(), Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 20)
	assert.Len(t, srv.requests(), 3)
	assert.Equal(t, "p1-0", all[0]["id"])
	assert.Equal(t, "p2-9", all[19]["id"])
}

func TestFetchPagePassesFilters(t *testing.T) {
	srv := &pageServer{sizes: []int{1}}
	c := newTestClient(t, srv, 50)

	recs, err := c.FetchPage(context.Background(), 1, 0, Filters{ByState: "new_york", ByType: "micro"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, json.Number("45.5"), recs[0]["latitude"], "numbers stay as decoded text")

	q := srv.requests()[0].URL.Query()
	assert.Equal(t, "new_york", q.Get("by_state"))
	assert.Equal(t, "micro", q.Get("by_type"))
	assert.Equal(t, "50", q.Get("per_page"))
	assert.Equal(t, "/breweries", srv.requests()[0].URL.Path)
}

func TestFetchPageUpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		timeout bool
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			status:  http.StatusServiceUnavailable,
		},
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			status:  http.StatusNotFound,
		},
		{
			name:    "bad body",
			handler: func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"not":"a list"}`) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewCollector()
			c := newTestClient(t, tt.handler, 50, WithMetrics(m))
			_, err := c.FetchPage(context.Background(), 1, 50, Filters{})
			require.Error(t, err)

			var ue *UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, "fetch_page", ue.Op)
			assert.Equal(t, tt.status, ue.StatusCode)
			assert.Equal(t, tt.timeout, ue.Timeout)
		})
	}
}

func TestFetchPageTimeout(t *testing.T) {
	block := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	m := metrics.NewCollector()
	c := NewClient(APIConfig{BaseURL: srv.URL}, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}), WithMetrics(m))
	_, err := c.FetchPage(context.Background(), 1, 10, Filters{})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Timeout)
	assert.True(t, IsUpstream(err))
	assert.EqualValues(t, 1, m.Snapshot().UpstreamErrors)
}

func TestFetchMetadata(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/breweries/meta", r.URL.Path)
		assert.Equal(t, "ohio", r.URL.Query().Get("by_state"))
		fmt.Fprint(w, `{"total":"8153","page":"1","per_page":50}`)
	})
	c := newTestClient(t, h, 50)

	meta, err := c.FetchMetadata(context.Background(), Filters{ByState: "ohio"})
	require.NoError(t, err)
	assert.Equal(t, Metadata{Total: 8153, Page: 1, PerPage: 50}, meta)
}

func TestFetchByID(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/breweries/b-42" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"id":"b-42","name":"Answer Ales","latitude":null}`)
	})
	c := newTestClient(t, h, 50)

	rec, err := c.FetchByID(context.Background(), " b-42 ")
	require.NoError(t, err)
	name, ok := rec.String("name")
	assert.True(t, ok)
	assert.Equal(t, "Answer Ales", name)
	v, present := rec["latitude"]
	assert.True(t, present)
	assert.Nil(t, v)

	_, err = c.FetchByID(context.Background(), "missing")
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
}

func TestFetchAllPagesHandlerErrorStops(t *testing.T) {
	srv := &pageServer{sizes: []int{5, 5, 5}}
	c := newTestClient(t, srv, 5)

	boom := fmt.Errorf("disk full")
	pages, err := c.FetchAllPages(context.Background(), Filters{}, func(page int, _ []Record) error {
		if page == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, pages)
	assert.Len(t, srv.requests(), 2)
}

func TestFetchAllPagesCancelled(t *testing.T) {
	srv := &pageServer{sizes: []int{5, 5}}
	c := newTestClient(t, srv, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchAllPages(ctx, Filters{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, srv.requests())
}
