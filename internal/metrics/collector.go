package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector gathers pipeline metrics using atomic counters for lock-free
// updates. Think of it as the dashboard gauges on a factory floor: each stage
// bumps its own counter, and the collector shows the totals.
//
// Every counter is mirrored into a private Prometheus registry so the same
// numbers can be scraped while a long run is in progress.
type Collector struct {
	recordsRead       atomic.Int64
	recordsWritten    atomic.Int64
	recordsFailed     atomic.Int64
	recordsFiltered   atomic.Int64
	duplicatesRemoved atomic.Int64
	validationWarns   atomic.Int64
	pagesFetched      atomic.Int64
	upstreamErrors    atomic.Int64
	bytesWritten      atomic.Int64

	stageDurations map[string]*durationTracker
	mu             sync.RWMutex

	startTime time.Time

	registry   *prometheus.Registry
	records    *prometheus.CounterVec
	pages      prometheus.Counter
	upstream   prometheus.Counter
	bytes      prometheus.Counter
	stageHisto *prometheus.HistogramVec
}

type durationTracker struct {
	total time.Duration
	count int64
	mu    sync.Mutex
}

func NewCollector() *Collector {
	c := &Collector{
		stageDurations: make(map[string]*durationTracker),
		startTime:      time.Now(),
		registry:       prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brewery_pipeline_records_total",
			Help: "Records seen by the pipeline, by outcome.",
		}, []string{"outcome"}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewery_pipeline_pages_fetched_total",
			Help: "Upstream pages fetched.",
		}),
		upstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewery_pipeline_upstream_errors_total",
			Help: "Failed upstream calls (timeouts, transport errors, non-2xx).",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewery_pipeline_bytes_written_total",
			Help: "Compressed bytes written to the bronze layer.",
		}),
		stageHisto: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "brewery_pipeline_stage_duration_seconds",
			Help:    "Duration of named pipeline stages and steps.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
	}
	c.registry.MustRegister(c.records, c.pages, c.upstream, c.bytes, c.stageHisto)
	return c
}

func (c *Collector) RecordRead(n int64) {
	c.recordsRead.Add(n)
	c.records.WithLabelValues("read").Add(float64(n))
}

func (c *Collector) RecordWritten(n int64) {
	c.recordsWritten.Add(n)
	c.records.WithLabelValues("written").Add(float64(n))
}

func (c *Collector) RecordFailed(n int64) {
	c.recordsFailed.Add(n)
	c.records.WithLabelValues("failed").Add(float64(n))
}

func (c *Collector) RecordFiltered(n int64) {
	c.recordsFiltered.Add(n)
	c.records.WithLabelValues("filtered").Add(float64(n))
}

func (c *Collector) DuplicatesRemoved(n int64) {
	c.duplicatesRemoved.Add(n)
	c.records.WithLabelValues("duplicate").Add(float64(n))
}

func (c *Collector) ValidationWarnings(n int64) {
	c.validationWarns.Add(n)
	c.records.WithLabelValues("warning").Add(float64(n))
}

func (c *Collector) PageFetched() {
	c.pagesFetched.Add(1)
	c.pages.Inc()
}

func (c *Collector) UpstreamError() {
	c.upstreamErrors.Add(1)
	c.upstream.Inc()
}

func (c *Collector) BytesWritten(n int64) {
	c.bytesWritten.Add(n)
	c.bytes.Add(float64(n))
}

// TrackStageDuration records how long a named stage took.
func (c *Collector) TrackStageDuration(stage string, d time.Duration) {
	c.mu.RLock()
	tracker, ok := c.stageDurations[stage]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		// Double-check after acquiring write lock
		if tracker, ok = c.stageDurations[stage]; !ok {
			tracker = &durationTracker{}
			c.stageDurations[stage] = tracker
		}
		c.mu.Unlock()
	}

	tracker.mu.Lock()
	tracker.total += d
	tracker.count++
	tracker.mu.Unlock()

	c.stageHisto.WithLabelValues(stage).Observe(d.Seconds())
}

// Snapshot represents a point-in-time view of pipeline metrics.
type Snapshot struct {
	RecordsRead       int64             `json:"records_read"`
	RecordsWritten    int64             `json:"records_written"`
	RecordsFailed     int64             `json:"records_failed"`
	RecordsFiltered   int64             `json:"records_filtered"`
	DuplicatesRemoved int64             `json:"duplicates_removed"`
	ValidationWarns   int64             `json:"validation_warnings"`
	PagesFetched      int64             `json:"pages_fetched"`
	UpstreamErrors    int64             `json:"upstream_errors"`
	BytesWritten      int64             `json:"bytes_written"`
	Uptime            string            `json:"uptime"`
	Throughput        float64           `json:"records_per_second"`
	AvgStageDuration  map[string]string `json:"avg_stage_duration_ms"`
}

// Snapshot returns a consistent view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	elapsed := time.Since(c.startTime)

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(c.recordsRead.Load()) / elapsed.Seconds()
	}

	avgDurations := make(map[string]string)
	c.mu.RLock()
	for stage, tracker := range c.stageDurations {
		tracker.mu.Lock()
		if tracker.count > 0 {
			avg := tracker.total / time.Duration(tracker.count)
			avgDurations[stage] = fmt.Sprintf("%.2fms", float64(avg.Microseconds())/1000)
		}
		tracker.mu.Unlock()
	}
	c.mu.RUnlock()

	return Snapshot{
		RecordsRead:       c.recordsRead.Load(),
		RecordsWritten:    c.recordsWritten.Load(),
		RecordsFailed:     c.recordsFailed.Load(),
		RecordsFiltered:   c.recordsFiltered.Load(),
		DuplicatesRemoved: c.duplicatesRemoved.Load(),
		ValidationWarns:   c.validationWarns.Load(),
		PagesFetched:      c.pagesFetched.Load(),
		UpstreamErrors:    c.upstreamErrors.Load(),
		BytesWritten:      c.bytesWritten.Load(),
		Uptime:            elapsed.Round(time.Second).String(),
		Throughput:        throughput,
		AvgStageDuration:  avgDurations,
	}
}

// JSON returns the snapshot as formatted JSON.
func (c *Collector) JSON() (string, error) {
	snap := c.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Registry exposes the Prometheus registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
