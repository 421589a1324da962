package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

const sampleYAML = `
server:
  port: 9090
crawler:
  concurrency: 8
  default_strategy: headless
domains:
  - domain: www.Flipkart.com
    strategy: lightweight
  - domain: amazon.in
    strategy: headless
rate_limit:
  default_rps: 0.5
  domains:
    - domain: amazon.in
      rps: 0.2
      burst: 1
retailers:
  - name: amazon
    search_url: "https://www.amazon.in/s?k={query}&page={page}"
    selectors:
      item: "div.s-result-item"
      id_attr: "data-asin"
  - name: myntra
    domain: www.Myntra.com
    search_url: "https://www.myntra.com/{query}?offset={offset}"
    scroll_based: true
inline:
  deadline: 3s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Crawler.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Inline.Deadline)
	assert.Equal(t, 24*time.Hour, cfg.Progress.StaleAfter, "default stale_after")
	assert.Equal(t, BackendMemory, cfg.Database.Backend)
	require.Len(t, cfg.Retailers, 2)
	assert.Equal(t, "div.s-result-item", cfg.Retailers[0].Selectors.Item)
	assert.Equal(t, "myntra.com", cfg.Retailers[1].Domain, "configured domains are normalized")
	require.Len(t, cfg.RateLimit.Domains, 1)
	assert.Equal(t, "amazon.in", cfg.RateLimit.Domains[0].Domain)

	table, fallback, err := cfg.StrategyTable()
	require.NoError(t, err)
	assert.Equal(t, crawler.StrategyBrowser, fallback)
	assert.Equal(t, crawler.StrategyLightweight, table["flipkart.com"])
	assert.Equal(t, crawler.StrategyBrowser, table["amazon.in"])

	retailers := cfg.RetailerDomains()
	assert.Equal(t, "amazon.in", retailers[0].Domain)
	assert.Equal(t, "myntra.com", retailers[1].Domain)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Crawler.MaxAttempts)
	assert.Equal(t, 8*time.Second, cfg.Inline.Deadline)
	assert.Equal(t, "scrape_lock:", cfg.Lock.KeyPrefix)
	assert.True(t, cfg.Lock.FailOpen)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COORDINATOR_SERVER_PORT", "7070")
	t.Setenv("COORDINATOR_CRAWLER_CONCURRENCY", "2")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Crawler.Concurrency)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"http timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"headless pool", func(c *Config) { c.Headless.Enabled = true; c.Headless.PoolSize = 0 }, "headless.pool_size"},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"failure ratio", func(c *Config) { c.Breaker.FailureRatio = 1.5 }, "breaker.failure_ratio"},
		{"zero failure ratio", func(c *Config) { c.Breaker.FailureRatio = 0 }, "breaker.failure_ratio"},
		{"postgres dsn", func(c *Config) { c.Database.Backend = BackendPostgres }, "database.dsn"},
		{"database backend", func(c *Config) { c.Database.Backend = "mysql" }, "database.backend"},
		{"lock backend", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.bucket"},
		{"local dir", func(c *Config) { c.Storage.Backend = BackendLocal }, "storage.local_dir"},
		{"pubsub project", func(c *Config) { c.Queue.Backend = BackendPubSub }, "pubsub.project_id"},
		{"default strategy", func(c *Config) { c.Crawler.DefaultStrategy = "teleport" }, "crawler.default_strategy"},
		{"domain strategy", func(c *Config) {
			c.Domains = []DomainRule{{Domain: "example.com", Strategy: "bogus"}}
		}, "domains[0]"},
		{"domain missing", func(c *Config) {
			c.Domains = []DomainRule{{Strategy: "headless"}}
		}, "domains[0].domain"},
		{"retailer name", func(c *Config) {
			c.Retailers = []crawler.Retailer{{SearchURL: "https://x/{query}"}}
		}, "retailers[0].name"},
		{"retailer duplicate", func(c *Config) {
			c.Retailers = []crawler.Retailer{
				{Name: "amazon", SearchURL: "https://x/{query}"},
				{Name: "Amazon", SearchURL: "https://y/{query}"},
			}
		}, "duplicate retailer"},
		{"retailer search url", func(c *Config) {
			c.Retailers = []crawler.Retailer{{Name: "amazon"}}
		}, "search_url"},
		{"scroll retailer", func(c *Config) {
			c.Retailers = []crawler.Retailer{{Name: "myntra", SearchURL: "https://x/{query}", ScrollBased: true}}
		}, "scroll_based"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	require.NoError(t, valid().Validate())
}
