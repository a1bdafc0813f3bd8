package viewport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionLatchesVisible(t *testing.T) {
	t.Parallel()

	pool, _ := trackingPool(t, 4)
	sub := NewSubscription(pool, "hero", Config{RootMargin: "50px"})

	assert.False(t, sub.Visible())

	pool.Dispatch(IntersectionEntry{Element: "hero", IsIntersecting: false})
	assert.False(t, sub.Visible())

	pool.Dispatch(IntersectionEntry{Element: "hero", IsIntersecting: true, Ratio: 0.5})
	assert.True(t, sub.Visible())
	assert.True(t, sub.Intersecting())

	pool.Dispatch(IntersectionEntry{Element: "hero", IsIntersecting: false})
	assert.True(t, sub.Visible(), "visibility latches")
	assert.False(t, sub.Intersecting())
}

func TestSubscriptionOnVisibleRunsOnce(t *testing.T) {
	t.Parallel()

	pool, _ := trackingPool(t, 4)
	sub := NewSubscription(pool, "card", Config{})

	calls := 0
	sub.OnVisible(func() { calls++ })

	pool.Dispatch(IntersectionEntry{Element: "card", IsIntersecting: true})
	pool.Dispatch(IntersectionEntry{Element: "card", IsIntersecting: true})
	assert.Equal(t, 1, calls)

	late := 0
	sub.OnVisible(func() { late++ })
	assert.Equal(t, 1, late, "registering after visibility runs immediately")
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	t.Parallel()

	pool, _ := trackingPool(t, 4)
	sub := NewSubscription(pool, "card", Config{})
	calls := 0
	sub.OnVisible(func() { calls++ })

	sub.Unsubscribe()
	sub.Unsubscribe()

	pool.Dispatch(IntersectionEntry{Element: "card", IsIntersecting: true})
	assert.Equal(t, 0, calls)
	assert.False(t, sub.Visible())
	assert.False(t, pool.IsObserved("card"))
}
