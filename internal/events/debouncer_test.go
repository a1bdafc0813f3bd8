package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogkit/assetview/internal/testutil"
	"github.com/catalogkit/assetview/internal/timer"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *fireRecorder) fire(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, key+"="+value)
}

func (r *fireRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func TestDebouncer_CoalescesWithinWindow(t *testing.T) {
	t.Parallel()

	clock := timer.NewManual(time.Unix(0, 0))
	rec := &fireRecorder{}
	d := NewDebouncer(300*time.Millisecond, clock, rec.fire)

	assert.False(t, d.Trigger("p1", "v1"))
	clock.Advance(100 * time.Millisecond)
	assert.True(t, d.Trigger("p1", "v2"))
	clock.Advance(100 * time.Millisecond)
	assert.True(t, d.Trigger("p1", "v3"))
	assert.Empty(t, rec.get())

	// window is not extended by later triggers
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"p1=v3"}, rec.get())

	stats := d.Stats()
	assert.Equal(t, uint64(3), stats.Triggered)
	assert.Equal(t, uint64(2), stats.Coalesced)
	assert.Equal(t, uint64(1), stats.Fired)
	assert.Equal(t, 0, stats.Pending)
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := timer.NewManual(time.Unix(0, 0))
	rec := &fireRecorder{}
	d := NewDebouncer(300*time.Millisecond, clock, rec.fire)

	d.Trigger("p1", "a")
	clock.Advance(200 * time.Millisecond)
	d.Trigger("p2", "b")
	assert.Equal(t, 2, d.Pending())

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"p1=a"}, rec.get())

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"p1=a", "p2=b"}, rec.get())

	// a new window opens after firing
	assert.False(t, d.Trigger("p1", "c"))
	clock.Advance(300 * time.Millisecond)
	assert.Equal(t, []string{"p1=a", "p2=b", "p1=c"}, rec.get())
}

func TestDebouncer_CancelAndStop(t *testing.T) {
	t.Parallel()

	clock := timer.NewManual(time.Unix(0, 0))
	rec := &fireRecorder{}
	d := NewDebouncer(300*time.Millisecond, clock, rec.fire)

	var pending []int
	d.OnPendingChange(func(n int) { pending = append(pending, n) })

	d.Trigger("p1", "a")
	d.Trigger("p2", "b")
	assert.True(t, d.Cancel("p1"))
	assert.False(t, d.Cancel("p1"))

	d.Stop()
	d.Stop()
	assert.False(t, d.Trigger("p3", "c"))

	clock.Advance(time.Second)
	assert.Empty(t, rec.get())
	assert.Equal(t, 0, clock.Pending())
	assert.Equal(t, []int{1, 2, 1, 0}, pending)
	assert.Equal(t, uint64(2), d.Stats().Cancelled)
}

func TestDebouncer_RealScheduler(t *testing.T) {
	t.Parallel()

	done := make(chan string, 1)
	d := NewDebouncer(5*time.Millisecond, nil, func(_ string, v int) {
		done <- time.Duration(v).String()
	})
	d.Trigger("k", 1)
	d.Trigger("k", 2)

	got := testutil.WaitForValue(t, done, testutil.ShortTestTimeout, "debouncer did not fire")
	require.Equal(t, time.Duration(2).String(), got)
}
