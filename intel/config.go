package intel

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the pipeline. Zero values take defaults.
type Config struct {
	// DBPath is the SQLite file. Default: data/intel.db.
	DBPath string `yaml:"db"`
	// SourcesPath is the YAML catalog synced at startup; empty uses the
	// built-in catalog.
	SourcesPath string `yaml:"sources"`

	// Retention.
	TTLDays           int `yaml:"ttl_days"`
	MaxItems          int `yaml:"max_items"`
	MaxItemsPerSource int `yaml:"max_items_per_source"`

	// Enrichment.
	EnrichBatchSize   int  `yaml:"enrich_batch_size"`
	EnrichConcurrency int  `yaml:"enrich_concurrency"`
	AIForFeeds        bool `yaml:"ai_for_feeds"` // let feed items reach the AI link too

	// Ingestion.
	SourceConcurrency int           `yaml:"source_concurrency"`
	ItemConcurrency   int           `yaml:"item_concurrency"`
	MaxFailCount      int           `yaml:"max_fail_count"` // failure streak that starts backoff
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	ResolveTimeout    time.Duration `yaml:"resolve_timeout"`
	UserAgent         string        `yaml:"user_agent"`

	// AI extraction. Without an API key the AI link is left out of the chain.
	AIModel       string        `yaml:"ai_model"`
	AITimeout     time.Duration `yaml:"ai_timeout"`
	AIRate        float64       `yaml:"ai_rate"`
	OpenAIAPIKey  string        `yaml:"-"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`

	// Serve mode.
	IngestInterval  time.Duration `yaml:"ingest_interval"`
	EnrichInterval  time.Duration `yaml:"enrich_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	Port            string        `yaml:"port"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed,
	// comma-separated. Empty trusts none.
	TrustedProxies string `yaml:"trusted_proxies"`
	LogLevel       string `yaml:"log_level"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/intel.db"
	}
	if c.TTLDays <= 0 {
		c.TTLDays = 7
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 10000
	}
	if c.MaxItemsPerSource <= 0 {
		c.MaxItemsPerSource = 1000
	}
	if c.EnrichBatchSize <= 0 {
		c.EnrichBatchSize = 50
	}
	if c.EnrichConcurrency <= 0 {
		c.EnrichConcurrency = 4
	}
	if c.SourceConcurrency <= 0 {
		c.SourceConcurrency = 4
	}
	if c.ItemConcurrency <= 0 {
		c.ItemConcurrency = 8
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 6 * time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "intelfeed/1.0 (+https://github.com/hazyhaar/intelfeed)"
	}
	if c.AIModel == "" {
		c.AIModel = "gpt-4o-mini"
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 20 * time.Second
	}
	if c.AIRate <= 0 {
		c.AIRate = 2
	}
	if c.IngestInterval <= 0 {
		c.IngestInterval = 10 * time.Minute
	}
	if c.EnrichInterval <= 0 {
		c.EnrichInterval = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 6 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.Port == "" {
		c.Port = "8090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// TTL is the retention age limit.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// LoadConfigFile reads a YAML config. Fields absent from the file keep
// their zero value and take defaults when the service is built.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &c, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv. A malformed value is an error naming its key.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" || firstErr != nil {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			firstErr = fmt.Errorf("config: %s: invalid integer %q", key, v)
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || v == "" || firstErr != nil {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			firstErr = fmt.Errorf("config: %s: invalid number %q", key, v)
			return
		}
		*dst = f
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" || firstErr != nil {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			firstErr = fmt.Errorf("config: %s: invalid duration %q", key, v)
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" || firstErr != nil {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			firstErr = fmt.Errorf("config: %s: invalid boolean %q", key, v)
			return
		}
		*dst = b
	}

	str("INTEL_DB", &c.DBPath)
	str("INTEL_SOURCES", &c.SourcesPath)
	integer("INTEL_TTL_DAYS", &c.TTLDays)
	integer("INTEL_MAX_ITEMS", &c.MaxItems)
	integer("INTEL_MAX_ITEMS_PER_SOURCE", &c.MaxItemsPerSource)
	integer("INTEL_ENRICH_BATCH_SIZE", &c.EnrichBatchSize)
	integer("INTEL_ENRICH_CONCURRENCY", &c.EnrichConcurrency)
	boolean("INTEL_AI_FOR_FEEDS", &c.AIForFeeds)
	integer("INTEL_SOURCE_CONCURRENCY", &c.SourceConcurrency)
	integer("INTEL_ITEM_CONCURRENCY", &c.ItemConcurrency)
	integer("INTEL_MAX_FAIL_COUNT", &c.MaxFailCount)
	duration("INTEL_BACKOFF_BASE", &c.BackoffBase)
	duration("INTEL_BACKOFF_MAX", &c.BackoffMax)
	duration("INTEL_FETCH_TIMEOUT", &c.FetchTimeout)
	duration("INTEL_RESOLVE_TIMEOUT", &c.ResolveTimeout)
	str("INTEL_USER_AGENT", &c.UserAgent)
	str("INTEL_AI_MODEL", &c.AIModel)
	duration("INTEL_AI_TIMEOUT", &c.AITimeout)
	float("INTEL_AI_RATE", &c.AIRate)
	str("OPENAI_API_KEY", &c.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	duration("INTEL_INGEST_INTERVAL", &c.IngestInterval)
	duration("INTEL_ENRICH_INTERVAL", &c.EnrichInterval)
	duration("INTEL_CLEANUP_INTERVAL", &c.CleanupInterval)
	duration("INTEL_SWEEP_INTERVAL", &c.SweepInterval)
	str("PORT", &c.Port)
	str("INTEL_TRUSTED_PROXIES", &c.TrustedProxies)
	str("LOG_LEVEL", &c.LogLevel)
	return firstErr
}
