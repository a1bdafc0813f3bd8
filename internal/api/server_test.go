package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/session"
	"github.com/catalogkit/assetview/internal/timer"
)

type failingFetcher struct {
	mu      sync.Mutex
	failing map[string]bool
}

func (f *failingFetcher) Fetch(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[url] {
		return errors.Newf("load failed").Category(errors.CategoryNetworkLoad).Build()
	}
	return nil
}

type testServer struct {
	server  *Server
	session *session.Session
	clock   *timer.Manual
}

func newTestServer(t *testing.T, cfg *Config, failing ...string) *testServer {
	t.Helper()

	fetcher := &failingFetcher{failing: make(map[string]bool)}
	for _, u := range failing {
		fetcher.failing[u] = true
	}
	clock := timer.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	settings := conf.Defaults()
	settings.Resolver.DeviceClass = "mobile"
	sess, err := session.New(settings, session.Deps{
		Logger:    logger.NewDiscardLogger(),
		Scheduler: clock,
		Fetcher:   fetcher,
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	if cfg == nil {
		cfg = DefaultConfig()
	}
	srv, err := New(cfg, sess,
		WithLogger(logger.NewDiscardLogger()),
		WithMetricsHandler(sess.Metrics().Handler()),
		WithVersion("test"))
	require.NoError(t, err)
	return &testServer{server: srv, session: sess, clock: clock}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const productJSON = `{"id":"sku-1","image_primary":"https://cdn.example.com/sku-1/primary.jpg","thumbnails":{"mobile":"https://cdn.example.com/sku-1/mobile.jpg"}}`

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestResolve(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/resolve",
		`{"items":[{"product":`+productJSON+`},{"product":`+productJSON+`,"variant":"desktop"},{"product":{"id":"sku-2"}}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ResolveResponse](t, rec)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, ResolveResult{
		ProductID: "sku-1",
		Variant:   imageresolver.VariantResponsive,
		URL:       "https://cdn.example.com/sku-1/mobile.jpg",
		Source:    imageresolver.SourceThumbnail,
	}, resp.Results[0])
	assert.Equal(t, imageresolver.SourcePrimary, resp.Results[1].Source)
	assert.Equal(t, imageresolver.SourcePlaceholder, resp.Results[2].Source)
	assert.Equal(t, conf.DefaultPlaceholderURL, resp.Results[2].URL)
}

func TestResolveRejectsBadRequests(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"items":`},
		{"no items", `{"items":[]}`},
		{"unknown variant", `{"items":[{"product":` + productJSON + `,"variant":"poster"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/resolve", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), resp.CorrelationID)
		})
	}
}

func TestRenderSettles(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, "https://cdn.example.com/sku-1/mobile.jpg")

	rec := ts.do(t, http.MethodPost, "/api/v1/render", `{"product":`+productJSON+`,"variant":"mobile"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[RenderResponse](t, rec)
	assert.True(t, resp.Settled)
	assert.Equal(t, imageresolver.RenderLoaded, resp.Render)
	assert.Equal(t, "https://cdn.example.com/sku-1/primary.jpg", resp.URL)
}

func TestRenderReportsUnsettledSlot(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RenderTimeout = 50 * time.Millisecond
	ts := newTestServer(t, cfg,
		"https://cdn.example.com/sku-1/mobile.jpg",
		"https://cdn.example.com/sku-1/primary.jpg")

	rec := ts.do(t, http.MethodPost, "/api/v1/render", `{"product":`+productJSON+`,"variant":"mobile"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[RenderResponse](t, rec)
	assert.False(t, resp.Settled)
	assert.Equal(t, imageresolver.RenderLoading, resp.Render)
}

func TestSlotLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/slots",
		`{"element":"card-1","product":`+productJSON+`,"variant":"mobile","slot":{"lazy":true}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mounted := decode[SlotResponse](t, rec)
	require.NotEmpty(t, mounted.ID)
	assert.Equal(t, imageresolver.RenderLoading, mounted.Status.Render)

	rec = ts.do(t, http.MethodPost, "/api/v1/visibility",
		`{"entries":[{"element":"card-1","intersecting":true,"ratio":0.75}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/slots/"+mounted.ID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		return decode[SlotResponse](t, rec).Status.Render == imageresolver.RenderLoaded
	}, 2*time.Second, 5*time.Millisecond)

	rec = ts.do(t, http.MethodDelete, "/api/v1/slots/"+mounted.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/slots/"+mounted.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/slots/"+mounted.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMountHonorsSafetyTimeoutMs(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/slots",
		`{"element":"card-9","product":`+productJSON+`,"variant":"mobile","slot":{"lazy":true,"safety_timeout_ms":800}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mounted := decode[SlotResponse](t, rec)

	status := func() imageresolver.RenderPhase {
		rec := ts.do(t, http.MethodGet, "/api/v1/slots/"+mounted.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[SlotResponse](t, rec).Status.Render
	}

	ts.clock.Advance(799 * time.Millisecond)
	assert.Equal(t, imageresolver.RenderLoading, status(), "still waiting for visibility")

	ts.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		return status() == imageresolver.RenderLoaded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMountRequiresElement(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/slots", `{"product":`+productJSON+`}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVisibilityValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/visibility", `{"entries":[{"element":"","intersecting":true}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/visibility", `{"entries":[{"element":"a","ratio":1.5}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateProduct(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/slots", `{"element":"card-1","product":`+productJSON+`}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/products/sku-1/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, InvalidateResponse{ProductID: "sku-1", ResetSlots: 1}, decode[InvalidateResponse](t, rec))
}

func TestRegenerationEventIsPublished(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/v1/events/regeneration",
		`{"product_id":"sku-1","phase":"thumbnails_ready","thumbnails":{"mobile":"https://cdn.example.com/sku-1/mobile-v2.jpg"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[EventResponse](t, rec)
	assert.True(t, resp.Accepted)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", resp.ID.String())

	require.Eventually(t, func() bool {
		return ts.session.Stats().Bridge.Received == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegenerationEventValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	for _, body := range []string{
		`{"phase":"thumbnails_ready"}`,
		`{"product_id":"sku-1","phase":"finished"}`,
		`not json`,
	} {
		rec := ts.do(t, http.MethodPost, "/api/v1/events/regeneration", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	for _, key := range []string{"pool", "engine", "bus", "bridge", "phase_cache"} {
		assert.Contains(t, stats, key)
	}

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "assetview_pool_entries")
}

func TestUnknownRouteUsesErrorShape(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RenderTimeout = cfg.WriteTimeout
	assert.Error(t, cfg.Validate())

	settings := conf.Defaults()
	settings.WebServer.Listen = ":9090"
	cfg = ConfigFromSettings(settings)
	assert.Equal(t, ":9090", cfg.Listen)
	require.NoError(t, cfg.Validate())
	assert.Greater(t, cfg.RenderTimeout, settings.Loader.FetchTimeout)

	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}
