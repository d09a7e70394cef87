package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
	"github.com/acme-corp/brewery-pipeline/internal/storage"
	"github.com/acme-corp/brewery-pipeline/internal/transform"
)

const (
	DefaultConfigPath = "config/config.yaml"
	maxPerPage        = 200

	defaultBronzeDir     = "data/bronze"
	defaultSilverDir     = "data/silver"
	defaultGoldDir       = "data/gold"
	defaultWarehousePath = "data/warehouse/brewery.db"
	defaultLogMode       = "dev"
	defaultBackoff       = 2.0
	defaultMaxDelay      = time.Minute
	defaultWorkers       = 4
)

// PipelineConfig holds all configuration for the brewery pipeline.
type PipelineConfig struct {
	API           ingestion.APIConfig
	BackoffFactor float64
	Paths         PathsConfig
	WarehousePath string
	Postgres      storage.PostgresConfig
	ObjectStore   storage.ObjectStoreConfig
	Retry         RetryConfig
	Curation      CurationConfig
	LogMode       string
	MetricsAddr   string
	ConfigPath    string
	StrictConfig  bool
}

// PathsConfig locates the three medallion layers.
type PathsConfig struct {
	Bronze string `yaml:"bronze"`
	Silver string `yaml:"silver"`
	Gold   string `yaml:"gold"`
}

// RetryConfig drives the stage runner's backoff loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type CurationConfig struct {
	Workers   int      `yaml:"workers"`
	DedupKeys []string `yaml:"dedup_keys"`
}

// fileConfig mirrors config.yaml. Pointers tell "unset" from zero.
type fileConfig struct {
	API struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"api"`
	Params struct {
		PerPage       *int     `yaml:"per_page"`
		MaxRetries    *int     `yaml:"max_retries"`
		BackoffFactor *float64 `yaml:"backoff_factor"`
		Timeout       *int     `yaml:"timeout"`
	} `yaml:"params"`
	Paths     PathsConfig `yaml:"paths"`
	Warehouse struct {
		Path string `yaml:"path"`
	} `yaml:"warehouse"`
	Postgres    storage.PostgresConfig    `yaml:"postgres"`
	ObjectStore storage.ObjectStoreConfig `yaml:"object_store"`
	Retry       struct {
		MaxRetries *int   `yaml:"max_retries"`
		BaseDelay  string `yaml:"base_delay"`
		MaxDelay   string `yaml:"max_delay"`
	} `yaml:"retry"`
	Curation CurationConfig `yaml:"curation"`
	Log      struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. An empty path falls back to CONFIG_PATH and then
// DefaultConfigPath. A missing or unreadable file means defaults unless
// STRICT_CONFIG is set.
func Load(path string, log *logging.Logger) (*PipelineConfig, error) {
	log = logging.OrNop(log)
	cfg := &PipelineConfig{
		ConfigPath:   firstNonEmpty(path, os.Getenv("CONFIG_PATH"), DefaultConfigPath),
		StrictConfig: parseBoolEnv("STRICT_CONFIG"),
	}

	fc, err := loadFile(cfg.ConfigPath)
	if err != nil {
		if cfg.StrictConfig {
			return nil, eris.Wrapf(err, "config load failed (%s)", cfg.ConfigPath)
		}
		log.Warn("config load failed, using defaults", "path", cfg.ConfigPath, "error", err)
	}

	if err := cfg.apply(fc); err != nil {
		return nil, eris.Wrap(err, "invalid config")
	}
	if err := cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return fc, nil
}

// apply layers env over file values. Defaults are filled by validate.
func (c *PipelineConfig) apply(fc fileConfig) error {
	api := ingestion.APIConfig{
		BaseURL:        firstNonEmpty(os.Getenv("BREWERY_API_BASE_URL"), fc.API.BaseURL),
		PerPage:        -1,
		TimeoutSeconds: -1,
		MaxRetries:     -1,
	}
	var err error
	if api.PerPage, err = intSetting("BREWERY_PER_PAGE", fc.Params.PerPage); err != nil {
		return err
	}
	if api.TimeoutSeconds, err = intSetting("BREWERY_TIMEOUT_SECONDS", fc.Params.Timeout); err != nil {
		return err
	}
	if api.MaxRetries, err = intSetting("BREWERY_MAX_RETRIES", fc.Params.MaxRetries); err != nil {
		return err
	}
	c.API = api

	c.BackoffFactor = -1
	if fc.Params.BackoffFactor != nil {
		c.BackoffFactor = *fc.Params.BackoffFactor
	}

	c.Paths = PathsConfig{
		Bronze: firstNonEmpty(os.Getenv("BRONZE_DIR"), fc.Paths.Bronze, defaultBronzeDir),
		Silver: firstNonEmpty(os.Getenv("SILVER_DIR"), fc.Paths.Silver, defaultSilverDir),
		Gold:   firstNonEmpty(os.Getenv("GOLD_DIR"), fc.Paths.Gold, defaultGoldDir),
	}
	c.WarehousePath = firstNonEmpty(os.Getenv("WAREHOUSE_PATH"), fc.Warehouse.Path, defaultWarehousePath)

	c.Postgres = fc.Postgres
	c.Postgres.DSN = firstNonEmpty(os.Getenv("POSTGRES_DSN"), c.Postgres.DSN)
	c.Postgres.Schema = firstNonEmpty(os.Getenv("POSTGRES_SCHEMA"), c.Postgres.Schema)

	c.ObjectStore = fc.ObjectStore
	c.ObjectStore.Endpoint = firstNonEmpty(os.Getenv("MINIO_ENDPOINT"), c.ObjectStore.Endpoint)
	c.ObjectStore.AccessKey = firstNonEmpty(os.Getenv("MINIO_ACCESS_KEY"), c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = firstNonEmpty(os.Getenv("MINIO_SECRET_KEY"), c.ObjectStore.SecretKey)
	c.ObjectStore.Bucket = firstNonEmpty(os.Getenv("MINIO_BUCKET"), c.ObjectStore.Bucket)
	c.ObjectStore.Prefix = firstNonEmpty(os.Getenv("MINIO_PREFIX"), c.ObjectStore.Prefix)
	if v := os.Getenv("MINIO_SSL"); v != "" {
		c.ObjectStore.UseSSL = parseBoolEnv("MINIO_SSL")
	}

	c.Retry.MaxRetries = -1
	if fc.Retry.MaxRetries != nil {
		c.Retry.MaxRetries = *fc.Retry.MaxRetries
	}
	if c.Retry.BaseDelay, err = parseDuration("retry.base_delay", fc.Retry.BaseDelay); err != nil {
		return err
	}
	if c.Retry.MaxDelay, err = parseDuration("retry.max_delay", fc.Retry.MaxDelay); err != nil {
		return err
	}

	c.Curation = fc.Curation
	c.LogMode = firstNonEmpty(os.Getenv("LOG_MODE"), fc.Log.Mode, defaultLogMode)
	c.MetricsAddr = firstNonEmpty(os.Getenv("METRICS_ADDR"), fc.Metrics.Addr)
	return nil
}

// validate fills defaults for unset values and rejects nonsense.
func (c *PipelineConfig) validate() error {
	defaults := ingestion.DefaultAPIConfig()
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaults.BaseURL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL)
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	switch {
	case c.API.PerPage == -1:
		c.API.PerPage = defaults.PerPage
	case c.API.PerPage <= 0 || c.API.PerPage > maxPerPage:
		return fmt.Errorf("params.per_page must be between 1 and %d, got %d", maxPerPage, c.API.PerPage)
	}
	switch {
	case c.API.TimeoutSeconds == -1:
		c.API.TimeoutSeconds = defaults.TimeoutSeconds
	case c.API.TimeoutSeconds <= 0:
		return fmt.Errorf("params.timeout must be positive, got %d", c.API.TimeoutSeconds)
	}
	switch {
	case c.API.MaxRetries == -1:
		c.API.MaxRetries = defaults.MaxRetries
	case c.API.MaxRetries < 0:
		return fmt.Errorf("params.max_retries must not be negative, got %d", c.API.MaxRetries)
	}

	switch {
	case c.BackoffFactor == -1:
		c.BackoffFactor = defaultBackoff
	case c.BackoffFactor < 1:
		return fmt.Errorf("params.backoff_factor must be at least 1, got %v", c.BackoffFactor)
	}

	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = c.API.MaxRetries
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultMaxDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay is shorter than retry.base_delay")
	}

	if c.Curation.Workers <= 0 {
		c.Curation.Workers = defaultWorkers
	}
	if err := transform.CheckKeys(c.Curation.DedupKeys); err != nil {
		return fmt.Errorf("curation.dedup_keys: %w", err)
	}
	switch c.LogMode {
	case "dev", "prod":
	default:
		return fmt.Errorf("log.mode must be dev or prod, got %q", c.LogMode)
	}
	return nil
}

func intSetting(env string, file *int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s=%q is not an integer", env, v)
		}
		return n, nil
	}
	if file != nil {
		return *file, nil
	}
	return -1, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
