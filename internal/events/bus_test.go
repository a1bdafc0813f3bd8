package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

func newTestBus(t *testing.T, cfg *Config) *Bus {
	t.Helper()
	b := NewBus(cfg, logger.NewDiscardLogger())
	t.Cleanup(func() { _ = b.Shutdown(time.Second) })
	return b
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, &Config{BufferSize: 10, Workers: 1})

	var mu sync.Mutex
	got := map[string][]string{}
	for _, name := range []string{"a", "b"} {
		_, err := b.Subscribe(name, func(e RegenerationEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], e.ProductID)
			return nil
		})
		require.NoError(t, err)
	}

	require.True(t, b.TryPublish(NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)))
	require.True(t, b.TryPublish(NewRegenerationEvent("p2", imageresolver.PhaseThumbnailsReady)))

	require.Eventually(t, func() bool {
		return b.Stats().EventsProcessed == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p1", "p2"}, got["a"])
	assert.Equal(t, []string{"p1", "p2"}, got["b"])
}

func TestBus_DuplicateSubscriber(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	_, err := b.Subscribe("bridge", func(RegenerationEvent) error { return nil })
	require.NoError(t, err)

	_, err = b.Subscribe("bridge", func(RegenerationEvent) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryBroadcast))

	_, err = b.Subscribe("nil", nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestBus_NoSubscribersFastPath(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	assert.False(t, b.TryPublish(NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)))
	assert.Equal(t, uint64(1), b.Stats().FastPathHits)
	assert.Equal(t, uint64(0), b.Stats().EventsReceived)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	unsubscribe, err := b.Subscribe("x", func(RegenerationEvent) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().Subscribers)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.Stats().Subscribers)

	// the name is free again
	_, err = b.Subscribe("x", func(RegenerationEvent) error { return nil })
	require.NoError(t, err)
}

func TestBus_DropsWhenFull(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewRegenerationMetrics(reg)
	require.NoError(t, err)

	b := newTestBus(t, &Config{BufferSize: 1, Workers: 1, Metrics: m})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	_, err = b.Subscribe("slow", func(RegenerationEvent) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)

	// first event occupies the worker, second fills the buffer
	require.True(t, b.TryPublish(NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)))
	<-entered
	require.True(t, b.TryPublish(NewRegenerationEvent("p2", imageresolver.PhaseThumbnailsReady)))
	assert.False(t, b.TryPublish(NewRegenerationEvent("p3", imageresolver.PhaseThumbnailsReady)))

	close(release)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.EventsDropped)
	assert.Equal(t, uint64(2), stats.EventsReceived)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Dropped), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Published), 0)
}

func TestBus_ConsumerErrorsAndPanics(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, &Config{BufferSize: 10, Workers: 1})

	var healthy atomic.Int32
	_, err := b.Subscribe("failing", func(RegenerationEvent) error { return fmt.Errorf("boom") })
	require.NoError(t, err)
	_, err = b.Subscribe("panicking", func(RegenerationEvent) error { panic("kaboom") })
	require.NoError(t, err)
	_, err = b.Subscribe("healthy", func(RegenerationEvent) error {
		healthy.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.True(t, b.TryPublish(NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)))

	require.Eventually(t, func() bool { return healthy.Load() == 1 }, time.Second, 5*time.Millisecond)
	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.ConsumerErrors)
	assert.Equal(t, uint64(1), stats.EventsProcessed)
}

func TestBus_Shutdown(t *testing.T) {
	t.Parallel()

	b := NewBus(&Config{BufferSize: 4, Workers: 3}, logger.NewDiscardLogger())
	_, err := b.Subscribe("x", func(RegenerationEvent) error { return nil })
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(time.Second))
	require.NoError(t, b.Shutdown(time.Second), "second shutdown is a no-op")
	assert.False(t, b.TryPublish(NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)))
}

func TestBus_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	b := NewBus(&Config{BufferSize: 1, Workers: 1}, logger.NewDiscardLogger())
	release := make(chan struct{})
	entered := make(chan struct{})
	_, err := b.Subscribe("stuck", func(RegenerationEvent) error {
		close(entered)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.True(t, b.TryPublish(NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)))
	<-entered

	err = b.Shutdown(10 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	close(release)
	b.wg.Wait()
}

func TestRegenerationEvent_PhaseData(t *testing.T) {
	t.Parallel()

	e := NewRegenerationEvent("p1", imageresolver.PhaseThumbnailsReady)
	assert.NotEqual(t, uuid.Nil, e.ID)
	_, ok := e.PhaseData()
	assert.False(t, ok)

	e.Thumbnails.Mobile = "https://cdn.example.com/p1_mobile_190x153.webp"
	d, ok := e.PhaseData()
	require.True(t, ok)
	assert.Equal(t, e.Thumbnails, d.Thumbnails)
}
