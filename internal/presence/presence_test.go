package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu        sync.Mutex
	persisted []persistUpdate
	stale     []registry.UserID
	marked    [][]registry.UserID
	markErr   error
}

func (s *fakeStore) PersistPresence(_ context.Context, u registry.UserID, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, persistUpdate{userID: u, online: online, at: at})
	return nil
}

func (s *fakeStore) StaleOnlineUsers(context.Context, time.Time) ([]registry.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale, nil
}

func (s *fakeStore) MarkOffline(_ context.Context, users []registry.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, users)
	return nil
}

func (s *fakeStore) persistedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

func newTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func TestHeartbeatReportsOnlineTransition(t *testing.T) {
	tr := newTracker(t, Options{})

	assert.True(t, tr.Heartbeat(1))
	assert.False(t, tr.Heartbeat(1))
	assert.True(t, tr.Status(1).Online)

	_, ok := tr.MarkOffline(1)
	assert.True(t, ok)
	_, ok = tr.MarkOffline(1)
	assert.False(t, ok)
	_, ok = tr.MarkOffline(2)
	assert.False(t, ok)
	assert.True(t, tr.Heartbeat(1), "coming back after offline is a transition")
}

func TestSweepRespectsTimeoutBoundary(t *testing.T) {
	c := newClock()
	var notified []registry.UserID
	tr := newTracker(t, Options{
		Now:      c.Now,
		Notifier: func(u registry.UserID, st Status) { notified = append(notified, u); assert.False(t, st.Online) },
	})

	tr.Heartbeat(7)
	c.Advance(DefaultOfflineTimeout)
	expired, err := tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired, "exactly at the timeout the user is still online")
	assert.True(t, tr.Status(7).Online)

	c.Advance(time.Nanosecond)
	expired, err = tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []registry.UserID{7}, expired)
	assert.False(t, tr.Status(7).Online)
	assert.Equal(t, []registry.UserID{7}, notified)

	expired, err = tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestOfflineUsersLeaveTheTable(t *testing.T) {
	c := newClock()
	var last Status
	tr := newTracker(t, Options{Now: c.Now, Notifier: func(_ registry.UserID, st Status) { last = st }})
	tracked := func() int {
		tr.mu.RLock()
		defer tr.mu.RUnlock()
		return len(tr.users)
	}

	for u := registry.UserID(1); u <= 1000; u++ {
		tr.Heartbeat(u)
	}
	seen := c.Now()
	for u := registry.UserID(1); u <= 500; u++ {
		st, ok := tr.MarkOffline(u)
		require.True(t, ok)
		assert.False(t, st.Online)
		assert.Equal(t, seen, st.LastActivity)
	}
	assert.Equal(t, 500, tracked())

	c.Advance(2 * time.Minute)
	expired, err := tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, expired, 500)
	assert.Equal(t, seen, last.LastActivity, "notifier sees the last activity")
	assert.Zero(t, tracked())
	assert.Empty(t, tr.Online())
	assert.Equal(t, Status{}, tr.Status(1))
}

func TestHeartbeatKeepsUserOnline(t *testing.T) {
	c := newClock()
	tr := newTracker(t, Options{Now: c.Now})

	tr.Heartbeat(1)
	for range 5 {
		c.Advance(40 * time.Second)
		tr.Heartbeat(1)
		expired, err := tr.Sweep(context.Background())
		require.NoError(t, err)
		assert.Empty(t, expired)
	}
}

func TestSweepIsolatesNotifierPanics(t *testing.T) {
	c := newClock()
	var mu sync.Mutex
	var seen []registry.UserID
	tr := newTracker(t, Options{Now: c.Now, Notifier: func(u registry.UserID, _ Status) {
		if u == 1 {
			panic("boom")
		}
		mu.Lock()
		seen = append(seen, u)
		mu.Unlock()
	}})

	tr.Heartbeat(1)
	tr.Heartbeat(2)
	c.Advance(2 * time.Minute)

	expired, err := tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []registry.UserID{1, 2}, expired)
	assert.Equal(t, []registry.UserID{2}, seen)
}

func TestSweepPersistsAndReportsStoreErrors(t *testing.T) {
	c := newClock()
	store := &fakeStore{}
	tr := newTracker(t, Options{Now: c.Now, Store: store})

	tr.Heartbeat(3)
	c.Advance(2 * time.Minute)
	_, err := tr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]registry.UserID{{3}}, store.marked)

	store.markErr = errors.New("db down")
	tr.Heartbeat(4)
	c.Advance(2 * time.Minute)
	expired, err := tr.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, []registry.UserID{4}, expired)
	assert.False(t, tr.Status(4).Online)
}

func TestReconcileSkipsUsersOnlineInMemory(t *testing.T) {
	c := newClock()
	store := &fakeStore{stale: []registry.UserID{1, 2, 3}}
	var notified []registry.UserID
	tr := newTracker(t, Options{
		Now:      c.Now,
		Store:    store,
		Notifier: func(u registry.UserID, _ Status) { notified = append(notified, u) },
	})
	tr.Heartbeat(2)

	offline, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []registry.UserID{1, 3}, offline)
	assert.Equal(t, [][]registry.UserID{{1, 3}}, store.marked)
	assert.Equal(t, []registry.UserID{1, 3}, notified)
}

func TestReconcileWithoutStoreIsNoop(t *testing.T) {
	tr := newTracker(t, Options{})
	offline, err := tr.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, offline)
}

func TestInvalidReconcileSchedule(t *testing.T) {
	_, err := New(Options{ReconcileSchedule: "every now and then"})
	require.Error(t, err)
}

func TestPersistIsAsynchronous(t *testing.T) {
	store := &fakeStore{}
	tr := newTracker(t, Options{Store: store})
	require.NoError(t, tr.Start(context.Background()))

	tr.Heartbeat(1)
	tr.MarkOffline(1)

	require.Eventually(t, func() bool { return store.persistedCount() == 2 }, time.Second, 5*time.Millisecond)
	tr.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.True(t, store.persisted[0].online)
	assert.False(t, store.persisted[1].online)
}

func TestFullPersistBufferDropsWithoutBlocking(t *testing.T) {
	store := &fakeStore{}
	tr := newTracker(t, Options{Store: store, PersistBuffer: 1})

	done := make(chan struct{})
	go func() {
		for u := registry.UserID(1); u <= 10; u++ {
			tr.Heartbeat(u)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat blocked on a full persist buffer")
	}
	assert.Len(t, tr.persistCh, 1)
}

func TestSweepLoopRuns(t *testing.T) {
	var mu sync.Mutex
	var notified []registry.UserID
	tr := newTracker(t, Options{
		OfflineTimeout: 10 * time.Millisecond,
		SweepInterval:  5 * time.Millisecond,
		Notifier: func(u registry.UserID, _ Status) {
			mu.Lock()
			notified = append(notified, u)
			mu.Unlock()
		},
	})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Stop()

	tr.Heartbeat(11)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.Online())
}
