// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrCapacity marks transient capacity failures (no browser available). Callers
// retry after a backoff; the target itself is not at fault.
var ErrCapacity = errors.New("scrape capacity unavailable")

// Strategy is the fetch mechanism assigned to a domain.
type Strategy string

// Supported strategies.
const (
	StrategyLightweight Strategy = "lightweight_fetch"
	StrategyBrowser     Strategy = "browser_automation"
)

// ParseStrategy converts configuration text into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lightweight", "lightweight_fetch", "http":
		return StrategyLightweight, nil
	case "browser", "browser_automation", "headless":
		return StrategyBrowser, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Proxy identifies an upstream proxy endpoint handed out by a provider.
type Proxy struct {
	ID        string  `json:"id" mapstructure:"id"`
	Host      string  `json:"host" mapstructure:"host"`
	Port      int     `json:"port" mapstructure:"port"`
	Username  string  `json:"-" mapstructure:"username"`
	Password  string  `json:"-" mapstructure:"password"`
	Region    string  `json:"region,omitempty" mapstructure:"region"`
	CostPerGB float64 `json:"cost_per_gb" mapstructure:"cost_per_gb"`
}

// Direct reports whether the proxy is the "no proxy" placeholder.
func (p Proxy) Direct() bool {
	return p.Host == ""
}

// Address returns host:port, or empty for direct connections.
func (p Proxy) Address() string {
	if p.Direct() {
		return ""
	}
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// URL renders the proxy as an http URL including credentials.
func (p Proxy) URL() *url.URL {
	if p.Direct() {
		return nil
	}
	u := &url.URL{Scheme: "http", Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// FetchRequest captures everything an executor needs to fetch a URL.
type FetchRequest struct {
	URL          string
	Domain       string
	Headers      http.Header
	Timeout      time.Duration
	WaitSelector string
	ScrollSteps  int
}

// RawResult is the executor-level outcome of a single fetch. Target failures
// are reported through Success=false and Error, not through a Go error.
type RawResult struct {
	Success    bool
	URL        string
	StatusCode int
	Headers    http.Header
	HTML       []byte
	Error      string
	BytesUsed  int64
	Duration   time.Duration
	ProxyID    string
	InstanceID string
}

// ScrapeMetadata accompanies every orchestrated scrape.
type ScrapeMetadata struct {
	Strategy   Strategy  `json:"strategy"`
	Domain     string    `json:"domain"`
	BytesUsed  int64     `json:"bytes_used"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
	ProxyID    string    `json:"proxy_id,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	RetryAfter int64     `json:"retry_after_ms,omitempty"`
	BackedOff  bool      `json:"backed_off,omitempty"`
	Capacity   bool      `json:"capacity,omitempty"`
	// Promoted is set when a lightweight fetch was re-run in a browser.
	Promoted bool `json:"promoted,omitempty"`
}

// ScrapeData is the payload of a successful scrape.
type ScrapeData struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	HTML       []byte      `json:"-"`
}

// ScrapeResult is the structured outcome returned by the orchestrator.
type ScrapeResult struct {
	Success  bool           `json:"success"`
	Data     *ScrapeData    `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata ScrapeMetadata `json:"metadata"`
}

// ParsedProduct is a product record extracted from retailer markup.
type ParsedProduct struct {
	ExternalID string            `json:"external_id"`
	Title      string            `json:"title"`
	URL        string            `json:"url"`
	ImageURL   string            `json:"image_url,omitempty"`
	PriceMinor int64             `json:"price_minor"`
	Currency   string            `json:"currency,omitempty"`
	Rating     float64           `json:"rating,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Selectors are CSS selectors describing a retailer's listing and detail markup.
type Selectors struct {
	Item        string `mapstructure:"item" json:"item"`
	ID          string `mapstructure:"id" json:"id"`
	IDAttr      string `mapstructure:"id_attr" json:"id_attr"`
	Title       string `mapstructure:"title" json:"title"`
	Link        string `mapstructure:"link" json:"link"`
	Price       string `mapstructure:"price" json:"price"`
	Image       string `mapstructure:"image" json:"image"`
	Rating      string `mapstructure:"rating" json:"rating"`
	DetailRoot  string `mapstructure:"detail_root" json:"detail_root"`
	DetailTitle string `mapstructure:"detail_title" json:"detail_title"`
	DetailPrice string `mapstructure:"detail_price" json:"detail_price"`
	DetailImage string `mapstructure:"detail_image" json:"detail_image"`
	Attributes  string `mapstructure:"attributes" json:"attributes"`
}

// Retailer describes a configured target site.
type Retailer struct {
	Name        string    `mapstructure:"name" json:"name"`
	Domain      string    `mapstructure:"domain" json:"domain"`
	BaseURL     string    `mapstructure:"base_url" json:"base_url"`
	SearchURL   string    `mapstructure:"search_url" json:"search_url"`
	DetailURL   string    `mapstructure:"detail_url" json:"detail_url"`
	PageSize    int       `mapstructure:"page_size" json:"page_size"`
	ScrollBased bool      `mapstructure:"scroll_based" json:"scroll_based"`
	ScrollSteps int       `mapstructure:"scroll_steps" json:"scroll_steps"`
	Currency    string    `mapstructure:"currency" json:"currency"`
	Selectors   Selectors `mapstructure:"selectors" json:"selectors"`
}

// SearchURLFor expands the search template. Supported placeholders are
// {query}, {page} and {offset}.
func (r Retailer) SearchURLFor(query string, page, offset int) string {
	return strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{page}", strconv.Itoa(page),
		"{offset}", strconv.Itoa(offset),
	).Replace(r.SearchURL)
}

// DetailURLFor expands the detail template's {id} placeholder.
func (r Retailer) DetailURLFor(externalID string) string {
	return strings.ReplaceAll(r.DetailURL, "{id}", url.PathEscape(externalID))
}

// JobKind distinguishes the work a queued job represents.
type JobKind string

// Job kinds understood by the worker.
const (
	JobCrawlPage     JobKind = "crawl_page"
	JobProductDetail JobKind = "product_detail"
)

// ScrapeJob is the unit of queued work.
type ScrapeJob struct {
	ID         string    `json:"id"`
	Kind       JobKind   `json:"kind"`
	Retailer   string    `json:"retailer"`
	Query      string    `json:"query,omitempty"`
	Pages      int       `json:"pages,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Attempt    int       `json:"attempt"`
	Submitted  time.Time `json:"submitted_at"`
}

// Validate checks the fields required for the job kind.
func (j ScrapeJob) Validate() error {
	if j.Retailer == "" {
		return errors.New("retailer required")
	}
	switch j.Kind {
	case JobCrawlPage:
		if strings.TrimSpace(j.Query) == "" {
			return errors.New("query required for crawl_page job")
		}
	case JobProductDetail:
		if j.ExternalID == "" {
			return errors.New("external_id required for product_detail job")
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

// ScrapeEvent is published after a crawl page has been persisted.
type ScrapeEvent struct {
	JobID      string    `json:"job_id"`
	Retailer   string    `json:"retailer"`
	QueryHash  string    `json:"query_hash"`
	Page       int       `json:"page"`
	Products   int       `json:"products"`
	NewLinks   int       `json:"new_links"`
	BlobURI    string    `json:"blob_uri,omitempty"`
	Exhausted  bool      `json:"exhausted"`
	OccurredAt time.Time `json:"occurred_at"`
}
