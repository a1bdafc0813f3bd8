package phasecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

const ready = imageresolver.PhaseThumbnailsReady

// stubSource returns canned data and counts calls. A non-nil gate blocks
// every fetch until it is closed.
type stubSource struct {
	mu    sync.Mutex
	data  map[string]imageresolver.PhaseData
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (s *stubSource) FetchPhase(ctx context.Context, productID string) (imageresolver.PhaseData, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return imageresolver.PhaseData{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return imageresolver.PhaseData{}, s.err
	}
	return s.data[productID], nil
}

func (s *stubSource) set(productID string, d imageresolver.PhaseData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string]imageresolver.PhaseData{}
	}
	s.data[productID] = d
}

func thumbs(id string) imageresolver.PhaseData {
	return imageresolver.PhaseData{Thumbnails: imageresolver.Thumbnails{
		Mobile:  fmt.Sprintf("https://cdn.example.com/%s_mobile_190x153.webp", id),
		Desktop: fmt.Sprintf("https://cdn.example.com/%s_desktop_320x260.webp", id),
	}}
}

func newTestCache(t *testing.T, src Source) *Cache {
	t.Helper()
	c := New(src, Options{Logger: logger.NewDiscardLogger()})
	t.Cleanup(c.Close)
	return c
}

func TestLookup_MissStartsOneFetch(t *testing.T) {
	t.Parallel()

	src := &stubSource{gate: make(chan struct{})}
	src.set("p1", thumbs("p1"))
	c := newTestCache(t, src)

	for range 5 {
		snap := c.Lookup("p1", ready)
		assert.True(t, snap.Loading)
		assert.Nil(t, snap.Data)
	}
	assert.Equal(t, 1, c.Stats().Inflight)

	close(src.gate)
	c.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	snap := c.Lookup("p1", ready)
	require.NotNil(t, snap.Data)
	assert.False(t, snap.Loading)
	assert.Equal(t, thumbs("p1"), *snap.Data)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(5), stats.Misses)
	assert.Equal(t, 0, stats.Inflight)
}

func TestLookup_KeyIncludesPhase(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set("p1", thumbs("p1"))
	c := newTestCache(t, src)

	c.Store("p1", imageresolver.PhaseProcessing, imageresolver.PhaseData{})
	assert.Nil(t, c.Lookup("p1", imageresolver.PhaseProcessing).Data, "empty data reads as no data")

	assert.True(t, c.Lookup("p1", ready).Loading, "new phase refetches")
	c.Wait()
	assert.NotNil(t, c.Lookup("p1", ready).Data)
}

func TestLookup_EmptyIDAndNoSource(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	assert.Equal(t, imageresolver.Snapshot{}, c.Lookup("", ready))
	assert.Equal(t, imageresolver.Snapshot{}, c.Lookup("p1", ready))

	_, _, err := c.Refresh(context.Background(), "p1", ready)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestRefresh_UnchangedSignatureDoesNotNotify(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewCacheMetrics(reg, "phasecache")
	require.NoError(t, err)

	src := &stubSource{}
	src.set("p1", thumbs("p1"))
	c := New(src, Options{Logger: logger.NewDiscardLogger(), Metrics: m})
	t.Cleanup(c.Close)

	var updates []Update
	remove := c.OnUpdate(func(u Update) { updates = append(updates, u) })

	_, changed, err := c.Refresh(context.Background(), "p1", ready)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = c.Refresh(context.Background(), "p1", ready)
	require.NoError(t, err)
	assert.False(t, changed)
	require.Len(t, updates, 1)
	assert.Equal(t, "p1", updates[0].ProductID)
	assert.Equal(t, ready, updates[0].Phase)
	assert.False(t, updates[0].Stored)

	src.set("p1", thumbs("p1-v2"))
	_, changed, err = c.Refresh(context.Background(), "p1", ready)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, updates, 2)

	remove()
	c.Store("p1", ready, thumbs("p1-v3"))
	assert.Len(t, updates, 2)

	assert.Equal(t, uint64(1), c.Stats().Unchanged)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Unchanged), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.Fetches), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Size), 0)
}

func TestRefresh_FetchError(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: fmt.Errorf("upstream 503")}
	c := newTestCache(t, src)

	_, _, err := c.Refresh(context.Background(), "p1", ready)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageFetch))
	assert.Equal(t, uint64(1), c.Stats().FetchErrors)

	// failures are not cached
	assert.True(t, c.Lookup("p1", ready).Loading)
	c.Wait()
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestStore(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	assert.False(t, c.Store("", ready, thumbs("x")))
	assert.True(t, c.Store("p1", ready, thumbs("p1")))
	assert.False(t, c.Store("p1", ready, thumbs("p1")))
	assert.True(t, c.Store("p1", ready, thumbs("p1-v2")))

	snap := c.Lookup("p1", ready)
	require.NotNil(t, snap.Data)
	assert.Equal(t, thumbs("p1-v2"), *snap.Data)
}

func TestStoreMarksUpdatesAsStored(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	var updates []Update
	c.OnUpdate(func(u Update) { updates = append(updates, u) })

	require.True(t, c.Store("p1", ready, thumbs("p1")))
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Stored)
	assert.Equal(t, thumbs("p1"), updates[0].Data)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	c.Store("p1", ready, thumbs("p1"))
	c.Store("p1", imageresolver.PhaseProcessing, imageresolver.PhaseData{})
	c.Store("p10", ready, thumbs("p10"))
	c.SetPhase("p1", ready)

	assert.Equal(t, 2, c.Invalidate("p1"))
	assert.Equal(t, 0, c.Invalidate("p1"))
	assert.Equal(t, 0, c.Invalidate(""))

	assert.Nil(t, c.Lookup("p1", ready).Data)
	assert.NotNil(t, c.Lookup("p10", ready).Data, "prefix match stops at the separator")

	phase, ok := c.Phase("p1")
	assert.True(t, ok, "phase survives invalidation")
	assert.Equal(t, ready, phase)
}

func TestInvalidate_DiscardsInflightResult(t *testing.T) {
	t.Parallel()

	src := &stubSource{gate: make(chan struct{})}
	src.set("p1", thumbs("p1"))
	c := newTestCache(t, src)

	var notified atomic.Int32
	c.OnUpdate(func(Update) { notified.Add(1) })

	assert.True(t, c.Lookup("p1", ready).Loading)
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Invalidate("p1")
	close(src.gate)
	c.Wait()

	assert.Equal(t, int32(0), notified.Load())
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestPhase(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	_, ok := c.Phase("p1")
	assert.False(t, ok)

	c.SetPhase("", ready)
	c.SetPhase("p1", imageresolver.PhaseProcessing)
	c.SetPhase("p1", ready)

	phase, ok := c.Phase("p1")
	require.True(t, ok)
	assert.Equal(t, ready, phase)
	assert.Equal(t, 1, c.Stats().Phases)
}

func TestClose_CancelsBackgroundFetches(t *testing.T) {
	t.Parallel()

	src := &stubSource{gate: make(chan struct{})}
	c := New(src, Options{Logger: logger.NewDiscardLogger()})

	assert.True(t, c.Lookup("p1", ready).Loading)
	c.Close()
	c.Close()

	assert.Equal(t, imageresolver.Snapshot{}, c.Lookup("p2", ready))
	assert.Equal(t, 0, c.Stats().Inflight)
}

func TestCache_ServesEngine(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set("p1", imageresolver.PhaseData{Thumbnails: imageresolver.Thumbnails{
		Mobile: "https://cdn.example.com/p1_mobile_190x153.webp",
	}})
	c := newTestCache(t, src)
	r := imageresolver.NewResolver("", imageresolver.VariantDesktop, c)

	p := imageresolver.Product{ID: "p1", PrimaryURL: "https://cdn.example.com/p1.jpg", Phase: ready}
	assert.Equal(t, imageresolver.SourcePrimary, r.Resolve(p, imageresolver.VariantMobile).Source)

	c.Wait()
	got := r.Resolve(p, imageresolver.VariantMobile)
	assert.Equal(t, imageresolver.SourcePhaseData, got.Source)
	assert.Equal(t, "https://cdn.example.com/p1_mobile_190x153.webp", got.URL)
}
