package assetcheck

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/httpclient"
	"github.com/catalogkit/assetview/internal/lazyload"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

const (
	imageURL   = "https://cdn.example.com/p1_desktop_320x260.webp"
	missingURL = "https://cdn.example.com/p2_desktop_320x260.webp"
)

var _ lazyload.Fetcher = (*Checker)(nil)

func imageResponder(status int) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(status, "")
		resp.Header.Set("Content-Type", "image/webp")
		return resp, nil
	}
}

func newTestChecker(t *testing.T, opts Options) (*Checker, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	opts.Client = httpclient.New(&httpclient.Config{Transport: transport, UserAgent: "assetview-test"})
	opts.Logger = logger.NewDiscardLogger()
	c := New(opts)
	t.Cleanup(c.Close)
	return c, transport
}

func TestFetch_CachesSuccess(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, imageURL, imageResponder(http.StatusOK))

	require.NoError(t, c.Fetch(t.Context(), imageURL))
	require.NoError(t, c.Fetch(t.Context(), imageURL))

	assert.Equal(t, 1, transport.GetTotalCallCount())
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Probes)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Cached)
}

func TestFetch_NegativeResultsAreCached(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, missingURL, httpmock.NewStringResponder(http.StatusNotFound, ""))

	for range 2 {
		err := c.Fetch(t.Context(), missingURL)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryNetworkLoad))
		assert.Contains(t, err.Error(), "status 404")
	}
	assert.Equal(t, 1, transport.GetTotalCallCount())
	assert.Equal(t, uint64(1), c.Stats().Failures)
}

func TestFetch_RejectsNonImages(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, imageURL, func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "")
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	})

	err := c.Fetch(t.Context(), imageURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content type text/html")
}

func TestFetch_FallsBackToRangeGet(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, imageURL, httpmock.NewStringResponder(http.StatusMethodNotAllowed, ""))
	transport.RegisterResponder(http.MethodGet, imageURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "bytes=0-0", req.Header.Get("Range"))
		resp := httpmock.NewStringResponse(http.StatusPartialContent, "x")
		resp.Header.Set("Content-Type", "image/webp")
		return resp, nil
	})

	require.NoError(t, c.Fetch(t.Context(), imageURL))
	info := transport.GetCallCountInfo()
	assert.Equal(t, 1, info["HEAD "+imageURL])
	assert.Equal(t, 1, info["GET "+imageURL])
}

func TestFetch_TransportErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, imageURL, httpmock.NewErrorResponder(fmt.Errorf("connection reset")))

	for range 2 {
		err := c.Fetch(t.Context(), imageURL)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryNetworkLoad))
	}
	assert.Equal(t, 2, transport.GetTotalCallCount())
	assert.Equal(t, 0, c.Stats().Cached)
}

func TestFetch_EmptyURL(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	err := c.Fetch(t.Context(), "  ")
	assert.True(t, errors.IsCategory(err, errors.CategoryMissingSource))
	assert.Equal(t, 0, transport.GetTotalCallCount())
}

func TestFetch_RelativeURLsResolveAgainstBase(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{BaseURL: "https://shop.example.com/catalog/"})
	transport.RegisterResponder(http.MethodHead, "https://shop.example.com/static/fallback.png", imageResponder(http.StatusOK))
	transport.RegisterResponder(http.MethodHead, "https://shop.example.com/catalog/a.jpg", imageResponder(http.StatusOK))
	transport.RegisterResponder(http.MethodHead, "https://shop.example.com/catalog/gone.jpg", httpmock.NewStringResponder(http.StatusNotFound, ""))

	require.NoError(t, c.Fetch(t.Context(), "/static/fallback.png"))
	require.NoError(t, c.Fetch(t.Context(), "a.jpg"))
	err := c.Fetch(t.Context(), "gone.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	assert.Equal(t, 3, transport.GetTotalCallCount())
	assert.Equal(t, 3, c.Stats().Cached)

	c.Invalidate("a.jpg")
	assert.Equal(t, 2, c.Stats().Cached)
}

func TestFetch_RelativeURLsWithoutBaseAreNotChecked(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})

	require.NoError(t, c.Fetch(t.Context(), "a.jpg"))
	require.NoError(t, c.Fetch(t.Context(), "/static/fallback.png"))
	require.NoError(t, c.Fetch(t.Context(), "data:image/png;base64,iVBORw0KGgo="))

	assert.Equal(t, 0, transport.GetTotalCallCount())
	assert.Equal(t, uint64(3), c.Stats().Skipped)
	assert.Zero(t, c.Stats().Probes)
}

func TestFetch_RateLimited(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{RateLimit: 0.001, Burst: 1})
	transport.RegisterResponder(http.MethodHead, `=~^https://cdn\.example\.com/`, imageResponder(http.StatusOK))

	require.NoError(t, c.Fetch(t.Context(), imageURL))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := c.Fetch(ctx, missingURL)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLimit))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestInvalidateProduct_BustsNextProbe(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var queries []string
	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, `=~^https://cdn\.example\.com/`, func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		queries = append(queries, req.URL.RawQuery)
		mu.Unlock()
		return imageResponder(http.StatusOK)(req)
	})

	require.NoError(t, c.Fetch(t.Context(), imageURL))
	require.NoError(t, c.Fetch(t.Context(), missingURL))

	assert.Equal(t, 1, c.InvalidateProduct("p1"))
	assert.Equal(t, 0, c.InvalidateProduct(""))
	assert.Equal(t, 1, c.Stats().Cached)

	require.NoError(t, c.Fetch(t.Context(), imageURL))
	require.NoError(t, c.Fetch(t.Context(), imageURL), "result is cached again")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 3)
	assert.Empty(t, queries[0])
	assert.Regexp(t, regexp.MustCompile(`^t=\d+$`), queries[2])
	assert.Equal(t, uint64(1), c.Stats().Busted)
}

func TestFetch_ExplicitCacheBusterBypassesCache(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, `=~^https://cdn\.example\.com/`, imageResponder(http.StatusOK))

	require.NoError(t, c.Fetch(t.Context(), imageURL))
	require.NoError(t, c.Fetch(t.Context(), AddCacheBuster(imageURL)))
	require.NoError(t, c.Fetch(t.Context(), imageURL))

	assert.Equal(t, 2, transport.GetTotalCallCount())

	c.Invalidate(AddCacheBuster(imageURL))
	assert.Equal(t, 0, c.Stats().Cached)
}

func TestFetch_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewCacheMetrics(reg, "assetcheck")
	require.NoError(t, err)

	c, transport := newTestChecker(t, Options{Metrics: m})
	transport.RegisterResponder(http.MethodHead, imageURL, imageResponder(http.StatusOK))
	transport.RegisterResponder(http.MethodHead, missingURL, httpmock.NewErrorResponder(fmt.Errorf("refused")))

	require.NoError(t, c.Fetch(t.Context(), imageURL))
	require.NoError(t, c.Fetch(t.Context(), imageURL))
	require.Error(t, c.Fetch(t.Context(), missingURL))

	assert.InDelta(t, 1, testutil.ToFloat64(m.Hits), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Misses), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Fetches), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FetchErrors), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Size), 0)
}

func TestCacheBuster(t *testing.T) {
	t.Parallel()

	busted := AddCacheBuster("https://cdn.example.com/a.jpg?w=100")
	assert.Regexp(t, `^https://cdn\.example\.com/a\.jpg\?t=\d+&w=100$`, busted)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no query", "https://cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg"},
		{"only buster", "https://cdn.example.com/a.jpg?t=1", "https://cdn.example.com/a.jpg"},
		{"keeps order", "https://cdn.example.com/a.jpg?z=1&t=2&b=3", "https://cdn.example.com/a.jpg?z=1&b=3"},
		{"keeps fragment", "https://cdn.example.com/a.jpg?t=2#top", "https://cdn.example.com/a.jpg#top"},
		{"similar name kept", "https://cdn.example.com/a.jpg?tt=2", "https://cdn.example.com/a.jpg?tt=2"},
		{"round trip", busted, "https://cdn.example.com/a.jpg?w=100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCacheBuster(tt.in))
		})
	}
}

func TestChecker_DrivesLazyLoader(t *testing.T) {
	t.Parallel()

	c, transport := newTestChecker(t, Options{})
	transport.RegisterResponder(http.MethodHead, missingURL, httpmock.NewStringResponder(http.StatusNotFound, ""))
	transport.RegisterResponder(http.MethodHead, imageURL, imageResponder(http.StatusOK))

	var mu sync.Mutex
	var loaded []string
	l := lazyload.New(lazyload.Options{
		Source:         missingURL,
		FallbackSource: imageURL,
		Eager:          true,
		Fetcher:        c,
		Logger:         logger.NewDiscardLogger(),
		OnLoad: func(url string, _ uint64) {
			mu.Lock()
			loaded = append(loaded, url)
			mu.Unlock()
		},
	})
	l.Mount()
	l.Wait()
	l.Unmount()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{imageURL}, loaded)
	assert.Equal(t, lazyload.PhaseLoaded, l.Render().Phase)
}
