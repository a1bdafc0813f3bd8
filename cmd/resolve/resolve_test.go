package resolve

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/imageresolver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

const catalogYAML = `
products:
  - id: sku-1
    thumbnails:
      desktop: https://cdn.example.com/sku-1_desktop_1200x1200.jpg
  - id: sku-2
    thumbnail_url: https://cdn.example.com/sku-2.jpg
  - id: sku-3
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testSettings() *conf.Settings {
	s := conf.Defaults()
	s.Resolver.DeviceClass = "desktop"
	s.Resolver.RetryDelay = 10 * time.Millisecond
	s.AssetCheck.RateLimit = 0
	return s
}

func TestReadCatalog(t *testing.T) {
	t.Parallel()

	catalog, err := ReadCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)
	require.Len(t, catalog.Products, 3)
	assert.Equal(t, "sku-1", catalog.Products[0].ID)
	assert.Equal(t, "https://cdn.example.com/sku-2.jpg", catalog.Products[1].ThumbnailURL)
}

func TestReadCatalogSlotOptions(t *testing.T) {
	t.Parallel()

	catalog, err := ReadCatalog(writeCatalog(t, catalogYAML+`
slot:
  priority: true
  safety_timeout_ms: 800
  static_fallback_url: /static/fallback.png
`))
	require.NoError(t, err)
	assert.True(t, catalog.Slot.Priority)
	assert.Equal(t, 800*time.Millisecond, catalog.Slot.SafetyTimeout())
	assert.Equal(t, "/static/fallback.png", catalog.Slot.StaticFallbackURL)
}

func TestReadCatalogErrors(t *testing.T) {
	t.Parallel()

	_, err := ReadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = ReadCatalog(writeCatalog(t, "products: [unterminated"))
	require.Error(t, err)
}

func TestRunPrintsCandidates(t *testing.T) {
	t.Parallel()

	catalog, err := ReadCatalog(writeCatalog(t, catalogYAML))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Run(t.Context(), testSettings(), catalog, Options{Variant: "responsive"}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "thumbnail")
	assert.Contains(t, lines[1], "sku-1_desktop_1200x1200.jpg")
	assert.Contains(t, lines[2], "thumbnail_url")
	assert.Contains(t, lines[3], imageresolver.DefaultPlaceholderURL)
}

func TestRunRejectsUnknownVariant(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Run(t.Context(), testSettings(), &Catalog{}, Options{Variant: "poster"}, &out)
	require.Error(t, err)
}

func TestRunRenderReportsLoadedURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	catalog := &Catalog{Products: []imageresolver.Product{
		{ID: "good", Thumbnails: imageresolver.Thumbnails{Desktop: srv.URL + "/ok.jpg"}},
		{ID: "recovers", Thumbnails: imageresolver.Thumbnails{Desktop: srv.URL + "/gone.jpg"}, PrimaryURL: srv.URL + "/ok.jpg"},
	}}

	var out bytes.Buffer
	require.NoError(t, Run(t.Context(), testSettings(), catalog, Options{
		Variant: "desktop",
		Render:  true,
		Timeout: 5 * time.Second,
	}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "loaded")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "/ok.jpg"), lines[2])
	assert.NotContains(t, lines[2], "unsettled")
}
