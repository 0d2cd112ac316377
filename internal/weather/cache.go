package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// Logger defines the logging interface used by the Cache.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// WeatherStore is the slice of the persistent store the cache consumes.
type WeatherStore interface {
	GetWeather(ctx context.Context, postal, country string) (*store.WeatherEntry, error)
	UpsertWeather(ctx context.Context, postal, country string, fetchedAt int64, payload []byte) error
}

// RefreshFunc is invoked after a successful upstream refresh so derived
// state (user weather fields) can be recomputed.
type RefreshFunc func(postal, country string, payload state.Value)

// Config holds Cache tuning.
type Config struct {
	// UpstreamURL is the weather provider endpoint.
	UpstreamURL string

	// TTL is how long a cached payload is served before refetching.
	TTL time.Duration

	// FetchTimeout bounds one upstream request.
	FetchTimeout time.Duration
}

// Cache is a TTL-gated proxy to the upstream weather provider.
//
// Lookups for a (postal, country) pair within the TTL are served from
// the store without touching the upstream. Fetch failures fall back to
// stale cached data when present and never poison the cache. IP-form
// queries bypass the cache entirely.
type Cache struct {
	store     WeatherStore
	client    *http.Client
	cfg       Config
	logger    Logger
	onRefresh RefreshFunc
	now       func() time.Time
}

// NewCache creates a weather cache over the given store.
func NewCache(ws WeatherStore, cfg Config) *Cache {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &Cache{
		store:  ws,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		cfg:    cfg,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// SetOnRefresh registers the propagation hook run after a successful
// upstream refresh.
func (c *Cache) SetOnRefresh(fn RefreshFunc) {
	c.onRefresh = fn
}

// Lookup resolves a device weather query of the form "94107,US",
// "94107", or a bare IP address. It returns (nil, nil) when the
// upstream fails and nothing is cached; the transport turns that into
// an upstream-unavailable response.
func (c *Cache) Lookup(ctx context.Context, query string) (state.Value, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty weather query")
	}

	// IP-form queries are location lookups the upstream resolves itself;
	// they bypass the cache.
	if net.ParseIP(query) != nil {
		payload, err := c.fetch(ctx, query, "")
		if err != nil {
			c.logger.Warn("upstream weather fetch failed for IP query", "query", query, "error", err)
			return nil, nil
		}
		return payload, nil
	}

	postal, country := splitQuery(query)

	cached, err := c.store.GetWeather(ctx, postal, country)
	if err != nil {
		c.logger.Warn("weather cache read failed", "postal", postal, "error", err)
		cached = nil
	}
	if cached != nil && c.now().UnixMilli()-cached.FetchedAt < c.cfg.TTL.Milliseconds() {
		return parsePayload(cached.Payload)
	}

	payload, err := c.fetch(ctx, postal, country)
	if err != nil {
		c.logger.Warn("upstream weather fetch failed", "postal", postal, "country", country, "error", err)
		if cached != nil {
			// Serve stale rather than nothing; the entry keeps its old
			// fetched_at so the next lookup retries the upstream.
			return parsePayload(cached.Payload)
		}
		return nil, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling weather payload: %w", err)
	}
	if err := c.store.UpsertWeather(ctx, postal, country, c.now().UnixMilli(), raw); err != nil {
		c.logger.Warn("weather cache write failed", "postal", postal, "error", err)
	}

	if c.onRefresh != nil {
		go c.onRefresh(postal, country, state.CloneValue(payload))
	}

	return payload, nil
}

// fetch performs one upstream request.
func (c *Cache) fetch(ctx context.Context, query, country string) (state.Value, error) {
	if c.cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("no upstream weather provider configured")
	}

	u, err := url.Parse(c.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	q := u.Query()
	q.Set("query", query)
	if country != "" {
		q.Set("country", country)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	return parsePayload(body)
}

// splitQuery parses "postal,country" with a US default country.
func splitQuery(query string) (postal, country string) {
	parts := strings.SplitN(query, ",", 2)
	postal = strings.TrimSpace(parts[0])
	country = "US"
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		country = strings.ToUpper(strings.TrimSpace(parts[1]))
	}
	return postal, country
}

// parsePayload decodes a stored or fetched weather document.
func parsePayload(raw []byte) (state.Value, error) {
	var payload state.Value
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing weather payload: %w", err)
	}
	return payload, nil
}
