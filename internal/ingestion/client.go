package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/metrics"
)

const (
	DefaultBaseURL        = "https://api.openbrewerydb.org/v1"
	DefaultPerPage        = 50
	DefaultTimeoutSeconds = 30
	DefaultMaxRetries     = 3

	userAgent = "brewery-pipeline/1.0"
)

// APIConfig configures the extraction client. Zero-valued fields mean
// "not set" and are filled from DefaultAPIConfig by Merge.
type APIConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	PerPage        int    `yaml:"per_page" json:"per_page"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	// MaxRetries is not used by the client itself; the orchestrator reads it.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

func DefaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:        DefaultBaseURL,
		PerPage:        DefaultPerPage,
		TimeoutSeconds: DefaultTimeoutSeconds,
		MaxRetries:     DefaultMaxRetries,
	}
}

// Merge returns c with every field that override sets replaced.
func (c APIConfig) Merge(override APIConfig) APIConfig {
	if s := strings.TrimSpace(override.BaseURL); s != "" {
		c.BaseURL = s
	}
	if override.PerPage > 0 {
		c.PerPage = override.PerPage
	}
	if override.TimeoutSeconds > 0 {
		c.TimeoutSeconds = override.TimeoutSeconds
	}
	if override.MaxRetries > 0 {
		c.MaxRetries = override.MaxRetries
	}
	return c
}

// NewAPIConfig applies override on top of the defaults.
func NewAPIConfig(override APIConfig) APIConfig {
	return DefaultAPIConfig().Merge(override)
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Filters restricts the catalog query. Values are sent to the API unmodified.
type Filters struct {
	ByState string `json:"by_state,omitempty"`
	ByType  string `json:"by_type,omitempty"`
}

func (f Filters) apply(q url.Values) {
	if f.ByState != "" {
		q.Set("by_state", f.ByState)
	}
	if f.ByType != "" {
		q.Set("by_type", f.ByType)
	}
}

// Metadata is the pagination summary reported by the API.
type Metadata struct {
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// PageHandler receives each page as soon as it is fetched. Returning an error
// stops pagination.
type PageHandler func(page int, records []Record) error

// Client talks to the catalog API. Calls are sequential and blocking;
// the client never retries on its own.
type Client struct {
	cfg     APIConfig
	http    *http.Client
	log     *logging.Logger
	metrics *metrics.Collector
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client from cfg merged over the defaults.
func NewClient(cfg APIConfig, opts ...ClientOption) *Client {
	cfg = NewAPIConfig(cfg)
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout()},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log)
	return c
}

func (c *Client) Config() APIConfig { return c.cfg }

// FetchMetadata returns the total count and pagination info for filters.
func (c *Client) FetchMetadata(ctx context.Context, filters Filters) (Metadata, error) {
	q := url.Values{}
	filters.apply(q)
	body, err := c.get(ctx, "fetch_metadata", "/breweries/meta", q)
	if err != nil {
		return Metadata{}, err
	}
	var raw struct {
		Total   flexInt `json:"total"`
		Page    flexInt `json:"page"`
		PerPage flexInt `json:"per_page"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Metadata{}, &UpstreamError{Op: "fetch_metadata", URL: c.endpoint("/breweries/meta", q), Err: fmt.Errorf("decode metadata: %v", err)}
	}
	return Metadata{Total: int(raw.Total), Page: int(raw.Page), PerPage: int(raw.PerPage)}, nil
}

// FetchPage returns one page of records in upstream order. perPage <= 0 uses
// the configured page size.
func (c *Client) FetchPage(ctx context.Context, page, perPage int, filters Filters) ([]Record, error) {
	if perPage <= 0 {
		perPage = c.cfg.PerPage
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	filters.apply(q)

	body, err := c.get(ctx, "fetch_page", "/breweries", q)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(body)
	if err != nil {
		return nil, &UpstreamError{Op: "fetch_page", URL: c.endpoint("/breweries", q), Err: err}
	}
	if c.metrics != nil {
		c.metrics.PageFetched()
		c.metrics.RecordRead(int64(len(records)))
	}
	c.log.Debug("fetched page", "page", page, "per_page", perPage, "records", len(records))
	return records, nil
}

// FetchByID returns a single entity.
func (c *Client) FetchByID(ctx context.Context, id string) (Record, error) {
	path := "/breweries/" + url.PathEscape(strings.TrimSpace(id))
	body, err := c.get(ctx, "fetch_by_id", path, nil)
	if err != nil {
		return nil, err
	}
	var rec Record
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, &UpstreamError{Op: "fetch_by_id", URL: c.endpoint(path, nil), Err: fmt.Errorf("decode entity: %v", err)}
	}
	return rec, nil
}

// FetchAllPages walks pages from 1 and hands each to fn. It stops after the
// first page holding fewer than per_page records, including an empty page.
// The metadata total is deliberately not consulted.
func (c *Client) FetchAllPages(ctx context.Context, filters Filters, fn PageHandler) (pages int, err error) {
	perPage := c.cfg.PerPage
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		records, err := c.FetchPage(ctx, page, perPage, filters)
		if err != nil {
			return pages, err
		}
		pages++
		if fn != nil {
			if err := fn(page, records); err != nil {
				return pages, err
			}
		}
		if len(records) < perPage {
			c.log.Info("last page reached", "page", page, "records", len(records))
			return pages, nil
		}
	}
}

// FetchAll concatenates every page in page order.
func (c *Client) FetchAll(ctx context.Context, filters Filters) ([]Record, error) {
	var all []Record
	_, err := c.FetchAllPages(ctx, filters, func(_ int, records []Record) error {
		all = append(all, records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	u := c.endpoint(path, q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &UpstreamError{Op: op, URL: u, Err: fmt.Errorf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordUpstreamError()
		ue := newTransportError(op, u, err)
		c.log.Error("upstream request failed", "op", op, "url", u, "timeout", ue.Timeout, "error", err)
		return nil, ue
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordUpstreamError()
		c.log.Error("upstream returned error status", "op", op, "url", u, "status", resp.StatusCode)
		return nil, &UpstreamError{Op: op, URL: u, StatusCode: resp.StatusCode}
	}
	if err != nil {
		c.recordUpstreamError()
		return nil, newTransportError(op, u, err)
	}
	return body, nil
}

func (c *Client) recordUpstreamError() {
	if c.metrics != nil {
		c.metrics.UpstreamError()
	}
}

func decodeRecords(body []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode page: %v", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// flexInt accepts both 42 and "42"; the meta endpoint has returned both.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*f = flexInt(n)
	return nil
}
