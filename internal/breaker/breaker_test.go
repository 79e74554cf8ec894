package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *Breaker {
	s := DefaultSettings("test")
	s.Now = clock.Now
	return New(s)
}

func TestNew_Defaults(t *testing.T) {
	b := New(Settings{Name: "admission", MaxFailures: -1})

	assert.Equal(t, "admission", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 10, b.settings.MaxFailures)
	assert.Equal(t, 60*time.Second, b.settings.Window)
	assert.Equal(t, 120*time.Second, b.settings.CoolDown)
}

func TestBreaker_StaysClosedAtMaxFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	b := newTestBreaker(clock)

	for range 10 {
		b.RecordFailure()
		clock.Advance(time.Second)
	}

	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

// Scenario D: 11 failures inside a minute open the breaker, the next admission
// is refused, and 120 quiet seconds later admissions resume.
func TestBreaker_OpensAndRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	var transitions []State
	s := DefaultSettings("admission")
	s.Now = clock.Now
	s.OnStateChange = func(_ string, _, to State) { transitions = append(transitions, to) }
	b := New(s)

	for range 11 {
		b.RecordFailure()
		clock.Advance(2 * time.Second)
	}
	require.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(60 * time.Second)
	require.ErrorIs(t, b.Allow(), ErrOpen, "still inside cool-down")

	clock.Advance(60 * time.Second)
	require.NoError(t, b.Allow())

	snap := b.Snapshot()
	assert.False(t, snap.Open)
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, int64(11), snap.TotalFailures)
	assert.Equal(t, int64(2), snap.TotalRejected)
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	b := newTestBreaker(clock)

	for range 20 {
		b.RecordFailure()
		clock.Advance(7 * time.Second)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.LessOrEqual(t, b.Snapshot().FailureCount, 10)
}

func TestBreaker_FailureWhileOpenExtendsCoolDown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	b := newTestBreaker(clock)

	for range 11 {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(100 * time.Second)
	b.RecordFailure()
	clock.Advance(100 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(20 * time.Second)
	assert.Equal(t, StateClosed, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b := New(DefaultSettings("concurrent"))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				b.RecordFailure()
				_ = b.Allow()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int64(400), b.Snapshot().TotalFailures)
}
