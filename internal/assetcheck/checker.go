// Package assetcheck probes image URLs over HTTP. A Checker is the fetcher
// behind lazy loaders when the service runs headless: a load succeeds when
// the asset answers a HEAD request with an image.
package assetcheck

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/httpclient"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultValidationTTL = 15 * time.Minute
	// DefaultNegativeTTL is how long a failed probe is remembered
	DefaultNegativeTTL   = time.Minute
	DefaultMaxConcurrent = 8

	cacheBusterParam = "t"
)

// Options configures a Checker
type Options struct {
	Client        *httpclient.Client
	Timeout       time.Duration
	ValidationTTL time.Duration
	NegativeTTL   time.Duration
	RateLimit     float64 // requests per second, 0 disables limiting
	Burst         int
	MaxConcurrent int64
	UserAgent     string
	// BaseURL resolves relative asset URLs. Without it relative URLs are not
	// checked and count as loaded.
	BaseURL string
	Logger  logger.Logger
	Metrics *metrics.CacheMetrics
}

// Stats contains probe statistics
type Stats struct {
	Cached   int    `json:"cached"`
	Probes   uint64 `json:"probes"`
	Failures uint64 `json:"failures"`
	Hits     uint64 `json:"hits"`
	Busted   uint64 `json:"busted"`
	Skipped  uint64 `json:"skipped"`
}

type result struct {
	ok        bool
	status    int
	checkedAt time.Time
	reason    string
}

// Checker validates image URLs with HEAD requests and caches the outcome
type Checker struct {
	client      *httpclient.Client
	ownsClient  bool
	timeout     time.Duration
	negativeTTL time.Duration
	base        *url.URL

	results *cache.Cache
	busted  *cache.Cache
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	probes   atomic.Uint64
	failures atomic.Uint64
	hits     atomic.Uint64
	bustedN  atomic.Uint64
	skipped  atomic.Uint64

	logger  logger.Logger
	metrics *metrics.CacheMetrics
}

// New creates a Checker. Without a client it creates one with the configured
// user agent and closes it in Close.
func New(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ValidationTTL <= 0 {
		opts.ValidationTTL = DefaultValidationTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("assetcheck")
	}

	c := &Checker{
		client:      opts.Client,
		timeout:     opts.Timeout,
		negativeTTL: opts.NegativeTTL,
		results:     cache.New(opts.ValidationTTL, opts.ValidationTTL*2),
		busted:      cache.New(opts.ValidationTTL, opts.ValidationTTL*2),
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if c.client == nil {
		c.client = httpclient.New(&httpclient.Config{
			DefaultTimeout: opts.Timeout,
			UserAgent:      opts.UserAgent,
		})
		c.ownsClient = true
	}
	if opts.BaseURL != "" {
		if u, err := url.Parse(opts.BaseURL); err == nil && u.IsAbs() {
			c.base = u
		} else {
			c.logger.Warn("ignoring asset base url", logger.String("base_url", opts.BaseURL))
		}
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	c.results.OnEvicted(func(string, any) {
		c.metrics.SetSize(c.results.ItemCount())
	})
	return c
}

// Fetch reports whether rawURL serves an image. It satisfies lazyload.Fetcher.
func (c *Checker) Fetch(ctx context.Context, rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.Newf("empty asset url").
			Component("assetcheck").
			Category(errors.CategoryMissingSource).
			Build()
	}
	abs, ok := c.resolve(rawURL)
	if !ok {
		c.skipped.Add(1)
		c.logger.Trace("asset url cannot be checked", logger.String("url", rawURL))
		return nil
	}
	key := StripCacheBuster(abs)
	explicitBust := key != abs

	if !explicitBust {
		if v, ok := c.results.Get(key); ok {
			c.hits.Add(1)
			c.metrics.IncrementHits()
			return c.resultError(rawURL, v.(result))
		}
	}
	c.metrics.IncrementMisses()

	target := abs
	if _, marked := c.busted.Get(key); marked && !explicitBust {
		target = AddCacheBuster(abs)
		c.busted.Delete(key)
		c.bustedN.Add(1)
	}

	res, err := c.probe(ctx, target)
	c.metrics.RecordFetch(err)
	if err != nil {
		// transport failures are not cached; the next load retries
		return err
	}

	ttl := cache.DefaultExpiration
	if !res.ok {
		ttl = c.negativeTTL
	}
	c.results.Set(key, res, ttl)
	c.metrics.SetSize(c.results.ItemCount())
	return c.resultError(rawURL, res)
}

// resolve returns the absolute http(s) URL to check for rawURL. Relative URLs
// need a base URL; other schemes cannot be checked.
func (c *Checker) resolve(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		// let the request report the malformed URL
		return rawURL, true
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		return rawURL, true
	case u.Scheme != "":
		return "", false
	case c.base == nil:
		return "", false
	}
	return c.base.ResolveReference(u).String(), true
}

func (c *Checker) probe(ctx context.Context, target string) (result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return result{}, errors.New(err).
				Component("assetcheck").
				Category(errors.CategoryLimit).
				Context("operation", "rate_limiter_wait").
				Build()
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return result{}, errors.New(err).
			Component("assetcheck").
			Category(errors.CategoryTimeout).
			Context("operation", "acquire_probe_slot").
			Build()
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	c.probes.Add(1)
	resp, err := c.client.Head(ctx, target)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp, err = c.rangeGet(ctx, target)
	}
	if err != nil {
		c.failures.Add(1)
		return result{}, errors.New(err).
			Component("assetcheck").
			Category(errors.CategoryNetworkLoad).
			Context("url", target).
			Timing("probe", time.Since(start)).
			Build()
	}

	res := result{status: resp.StatusCode, checkedAt: time.Now()}
	contentType := resp.Header.Get("Content-Type")
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		res.reason = fmt.Sprintf("status %d", resp.StatusCode)
	case contentType != "" && !strings.HasPrefix(contentType, "image/"):
		res.reason = "content type " + contentType
	default:
		res.ok = true
	}
	if !res.ok {
		c.failures.Add(1)
	}
	c.logger.Trace("probed asset",
		logger.String("url", target),
		logger.Int("status", resp.StatusCode),
		logger.Bool("ok", res.ok),
		logger.Duration("duration", time.Since(start)))
	return res, nil
}

// rangeGet asks for a single byte when the origin refuses HEAD
func (c *Checker) rangeGet(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	return resp, nil
}

func (c *Checker) resultError(rawURL string, res result) error {
	if res.ok {
		return nil
	}
	return errors.Newf("asset unavailable: %s", res.reason).
		Component("assetcheck").
		Category(errors.CategoryNetworkLoad).
		Priority(errors.PriorityLow).
		Context("url", rawURL).
		Context("status_code", res.status).
		Build()
}

// Invalidate drops the cached result for rawURL
func (c *Checker) Invalidate(rawURL string) {
	if abs, ok := c.resolve(rawURL); ok {
		c.results.Delete(StripCacheBuster(abs))
	}
}

// InvalidateProduct drops cached results whose URL contains productID. The
// next probe of each dropped URL carries a cache buster so intermediaries
// revalidate. It returns the number of results dropped.
func (c *Checker) InvalidateProduct(productID string) int {
	if productID == "" {
		return 0
	}
	n := 0
	for key := range c.results.Items() {
		if strings.Contains(key, productID) {
			c.results.Delete(key)
			c.busted.SetDefault(key, struct{}{})
			n++
		}
	}
	if n > 0 {
		c.metrics.SetSize(c.results.ItemCount())
		c.logger.Debug("invalidated asset probes",
			logger.String("product_id", productID),
			logger.Int("count", n))
	}
	return n
}

// Stats returns probe statistics
func (c *Checker) Stats() Stats {
	return Stats{
		Cached:   c.results.ItemCount(),
		Probes:   c.probes.Load(),
		Failures: c.failures.Load(),
		Hits:     c.hits.Load(),
		Busted:   c.bustedN.Load(),
		Skipped:  c.skipped.Load(),
	}
}

// Close releases the HTTP client if the Checker created it
func (c *Checker) Close() {
	if c.ownsClient {
		c.client.Close()
	}
}

// AddCacheBuster returns rawURL with a t=<unix ms> query parameter. URLs that
// do not parse are returned unchanged.
func AddCacheBuster(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(cacheBusterParam, strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// StripCacheBuster removes the t parameter added by AddCacheBuster. Other
// parameters keep their order.
func StripCacheBuster(rawURL string) string {
	base, query, found := strings.Cut(rawURL, "?")
	if !found {
		return rawURL
	}
	query, fragment, hasFragment := strings.Cut(query, "#")

	parts := strings.Split(query, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == cacheBusterParam || strings.HasPrefix(p, cacheBusterParam+"=") {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == len(parts) {
		return rawURL
	}

	out := base
	if len(kept) > 0 {
		out += "?" + strings.Join(kept, "&")
	}
	if hasFragment {
		out += "#" + fragment
	}
	return out
}
