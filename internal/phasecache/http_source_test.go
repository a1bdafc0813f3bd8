package phasecache

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/httpclient"
	"github.com/catalogkit/assetview/internal/logger"
)

func TestHTTPSource(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	client := httpclient.New(&httpclient.Config{Transport: transport})
	src, err := NewHTTPSource(client, "https://pipeline.example.com/api/")
	require.NoError(t, err)

	transport.RegisterResponder(http.MethodGet, "https://pipeline.example.com/api/products/p1/phase",
		httpmock.NewStringResponder(http.StatusOK,
			`{"thumbnail_url":"https://cdn.example.com/p1.webp","thumbnails":{"mobile":"https://cdn.example.com/p1_mobile_190x153.webp"}}`))
	transport.RegisterResponder(http.MethodGet, "https://pipeline.example.com/api/products/p2/phase",
		httpmock.NewStringResponder(http.StatusNotFound, ``))
	transport.RegisterResponder(http.MethodGet, "https://pipeline.example.com/api/products/p3/phase",
		httpmock.NewStringResponder(http.StatusInternalServerError, ``))

	data, err := src.FetchPhase(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/p1.webp", data.ThumbnailURL)
	assert.Equal(t, "https://cdn.example.com/p1_mobile_190x153.webp", data.Thumbnails.Mobile)

	data, err = src.FetchPhase(t.Context(), "p2")
	require.NoError(t, err)
	assert.True(t, data.IsZero())

	_, err = src.FetchPhase(t.Context(), "p3")
	assert.True(t, errors.IsCategory(err, errors.CategoryHTTP))

	t.Run("through the cache", func(t *testing.T) {
		c := New(src, Options{Logger: logger.NewDiscardLogger()})
		defer c.Close()

		assert.True(t, c.Lookup("p1", ready).Loading)
		c.Wait()
		snap := c.Lookup("p1", ready)
		require.NotNil(t, snap.Data)
		assert.Equal(t, "https://cdn.example.com/p1.webp", snap.Data.ThumbnailURL)
	})
}

func TestNewHTTPSource_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "pipeline", "://bad"} {
		_, err := NewHTTPSource(nil, raw)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration), raw)
	}
}
