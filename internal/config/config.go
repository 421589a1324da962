// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/strategy"
)

// Backend names accepted by the storage, lock and queue sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Auth      AuthConfig         `mapstructure:"auth"`
	Logging   LoggingConfig      `mapstructure:"logging"`
	Telemetry TelemetryConfig    `mapstructure:"telemetry"`
	Crawler   CrawlerConfig      `mapstructure:"crawler"`
	HTTP      HTTPConfig         `mapstructure:"http"`
	Headless  HeadlessConfig     `mapstructure:"headless"`
	Breaker   BreakerConfig      `mapstructure:"breaker"`
	RateLimit RateLimitConfig    `mapstructure:"rate_limit"`
	Lock      LockConfig         `mapstructure:"lock"`
	Redis     RedisConfig        `mapstructure:"redis"`
	Database  DatabaseConfig     `mapstructure:"database"`
	Storage   StorageConfig      `mapstructure:"storage"`
	Queue     QueueConfig        `mapstructure:"queue"`
	PubSub    PubSubConfig       `mapstructure:"pubsub"`
	Proxies   ProxiesConfig      `mapstructure:"proxies"`
	Domains   []DomainRule       `mapstructure:"domains"`
	Retailers []crawler.Retailer `mapstructure:"retailers"`
	Inline    InlineConfig       `mapstructure:"inline"`
	Progress  ProgressConfig     `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig enables trace and metric export to Google Cloud.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
	Region      string `mapstructure:"region"`
}

// CrawlerConfig governs workers and job retries.
type CrawlerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	UserAgent       string        `mapstructure:"user_agent"`
	RespectRobots   bool          `mapstructure:"respect_robots"`
	DefaultStrategy string        `mapstructure:"default_strategy"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	// PagesPerJob is how many pages one submitted crawl walks by default.
	PagesPerJob int `mapstructure:"pages_per_job"`
}

// HTTPConfig configures the lightweight fetch executor.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HeadlessConfig configures the browser pool and its executor.
type HeadlessConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	PoolSize             int           `mapstructure:"pool_size"`
	MaxLeasesPerInstance int           `mapstructure:"max_leases_per_instance"`
	NavTimeout           time.Duration `mapstructure:"nav_timeout"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	RelaunchDead         bool          `mapstructure:"relaunch_dead"`
	ExecPath             string        `mapstructure:"exec_path"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	ScrollDelay          time.Duration `mapstructure:"scroll_delay"`
	// PromoteSPA retries lightweight fetches that return an unrendered shell
	// through the browser executor.
	PromoteSPA         bool `mapstructure:"promote_spa"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// BreakerConfig tunes the per-domain circuit breaker.
type BreakerConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MinObservations int           `mapstructure:"min_observations"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
}

// RateLimitConfig sets per-domain politeness.
type RateLimitConfig struct {
	DefaultRPS   float64          `mapstructure:"default_rps"`
	DefaultBurst int              `mapstructure:"default_burst"`
	Domains      []DomainRateRule `mapstructure:"domains"`
}

// DomainRateRule overrides pacing for one domain. Domains are listed rather
// than keyed because Viper splits keys on dots.
type DomainRateRule struct {
	Domain string  `mapstructure:"domain"`
	RPS    float64 `mapstructure:"rps"`
	Burst  int     `mapstructure:"burst"`
}

// LockConfig configures the product scrape lock.
type LockConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	FailOpen  bool          `mapstructure:"fail_open"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// RedisConfig locates the cache backing the lock.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DatabaseConfig selects and configures the progress/product store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig sets where raw pages are archived.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// QueueConfig selects the job queue.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// PubSubConfig names the Pub/Sub resources.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	JobsTopic        string `mapstructure:"jobs_topic"`
	JobsSubscription string `mapstructure:"jobs_subscription"`
	EventsTopic      string `mapstructure:"events_topic"`
	Buffer           int    `mapstructure:"buffer"`
}

// ProxiesConfig lists upstream proxies; an empty list fetches directly.
type ProxiesConfig struct {
	List        []crawler.Proxy `mapstructure:"list"`
	MaxFailures int             `mapstructure:"max_failures"`
	Cooldown    time.Duration   `mapstructure:"cooldown"`
}

// DomainRule pins a fetch strategy for a domain.
type DomainRule struct {
	Domain   string `mapstructure:"domain"`
	Strategy string `mapstructure:"strategy"`
}

// InlineConfig bounds API-triggered product scrapes.
type InlineConfig struct {
	// Deadline is how long the API waits before answering 202.
	Deadline time.Duration `mapstructure:"deadline"`
	// ScrapeTimeout bounds the scrape itself, which keeps running after the
	// deadline.
	ScrapeTimeout time.Duration `mapstructure:"scrape_timeout"`
}

// ProgressConfig controls crawl status reporting.
type ProgressConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Retailers = cfg.RetailerDomains()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "retail-crawl-coordinator")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.default_strategy", string(crawler.StrategyLightweight))
	v.SetDefault("crawler.max_attempts", 5)
	v.SetDefault("crawler.retry_delay", "5s")
	v.SetDefault("crawler.max_retry_delay", "5m")
	v.SetDefault("crawler.pages_per_job", 1)
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.pool_size", 2)
	v.SetDefault("headless.max_leases_per_instance", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.health_check_interval", "30s")
	v.SetDefault("headless.relaunch_dead", true)
	v.SetDefault("headless.promote_spa", false)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("breaker.window", "5m")
	v.SetDefault("breaker.min_observations", 4)
	v.SetDefault("breaker.failure_ratio", 0.5)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.ttl", "120s")
	v.SetDefault("lock.fail_open", true)
	v.SetDefault("lock.key_prefix", "scrape_lock:")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("pubsub.jobs_topic", "scrape-jobs")
	v.SetDefault("pubsub.jobs_subscription", "scrape-jobs-workers")
	v.SetDefault("pubsub.events_topic", "scrape-events")
	v.SetDefault("pubsub.buffer", 8)
	v.SetDefault("proxies.max_failures", 3)
	v.SetDefault("proxies.cooldown", "1m")
	v.SetDefault("inline.deadline", "8s")
	v.SetDefault("inline.scrape_timeout", "60s")
	v.SetDefault("progress.stale_after", "24h")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.PoolSize <= 0 {
		return fmt.Errorf("headless.pool_size must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be within (0, 1]")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if _, _, err := c.StrategyTable(); err != nil {
		return err
	}
	return c.validateRetailers()
}

func (c Config) validateBackends() error {
	switch backendOr(c.Database.Backend) {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	switch backendOr(c.Lock.Backend) {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("lock.backend %q is not supported", c.Lock.Backend)
	}
	switch backendOr(c.Storage.Backend) {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch backendOr(c.Queue.Backend) {
	case BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.JobsTopic == "" || c.PubSub.JobsSubscription == "" {
			return fmt.Errorf("pubsub.project_id, jobs_topic and jobs_subscription are required for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	return nil
}

func (c Config) validateRetailers() error {
	seen := make(map[string]bool, len(c.Retailers))
	for i, r := range c.Retailers {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		switch {
		case name == "":
			return fmt.Errorf("retailers[%d].name is required", i)
		case seen[name]:
			return fmt.Errorf("retailers[%d]: duplicate retailer %q", i, r.Name)
		case r.SearchURL == "":
			return fmt.Errorf("retailer %q: search_url is required", r.Name)
		case r.ScrollBased && !strings.Contains(r.SearchURL, "{offset}") && r.ScrollSteps <= 0:
			return fmt.Errorf("retailer %q: scroll_based needs an {offset} placeholder or scroll_steps", r.Name)
		}
		seen[name] = true
	}
	return nil
}

// StrategyTable parses the domain rules and the default strategy.
func (c Config) StrategyTable() (map[string]crawler.Strategy, crawler.Strategy, error) {
	fallback := crawler.StrategyLightweight
	if c.Crawler.DefaultStrategy != "" {
		s, err := crawler.ParseStrategy(c.Crawler.DefaultStrategy)
		if err != nil {
			return nil, "", fmt.Errorf("crawler.default_strategy: %w", err)
		}
		fallback = s
	}
	table := make(map[string]crawler.Strategy, len(c.Domains))
	for i, rule := range c.Domains {
		domain := strategy.NormalizeDomain(rule.Domain)
		if domain == "" {
			return nil, "", fmt.Errorf("domains[%d].domain is required", i)
		}
		s, err := crawler.ParseStrategy(rule.Strategy)
		if err != nil {
			return nil, "", fmt.Errorf("domains[%d]: %w", i, err)
		}
		table[domain] = s
	}
	return table, fallback, nil
}

// RetailerDomains normalizes each retailer's Domain, deriving it from the
// search URL when unset.
func (c Config) RetailerDomains() []crawler.Retailer {
	out := make([]crawler.Retailer, len(c.Retailers))
	for i, r := range c.Retailers {
		if r.Domain == "" {
			r.Domain = r.SearchURL
		}
		r.Domain = strategy.NormalizeDomain(r.Domain)
		out[i] = r
	}
	return out
}

func backendOr(b string) string {
	if b == "" {
		return BackendMemory
	}
	return strings.ToLower(b)
}
