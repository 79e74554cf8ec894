package registry

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	code   int
}

func (f *fakeTransport) WriteFrame(context.Context, []byte) error { return nil }

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sortedUsers(in []UserID) []UserID {
	sort.Slice(in, func(i, j int) bool { return in[i] < in[j] })
	return in
}

func TestAdmitIndexesUserAndChannel(t *testing.T) {
	r := New(Options{MaxConnections: 10})

	conn, err := r.Admit(1, 7, ClassChat, &fakeTransport{})
	require.NoError(t, err)
	require.NotEmpty(t, conn.ID)

	assert.True(t, r.IsConnected(1))
	assert.Equal(t, []UserID{1}, r.ChannelMembers(7))
	ch, ok := r.ChannelOf(conn.ID)
	require.True(t, ok)
	assert.Equal(t, ChannelID(7), ch)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 1, stats.Channels)
}

func TestAdmitWithoutChannelCreatesNoChannelEntry(t *testing.T) {
	r := New(Options{})

	_, err := r.Admit(1, NoChannel, ClassNotifications, &fakeTransport{})
	require.NoError(t, err)

	assert.Equal(t, 0, r.Stats().Channels)
	assert.Empty(t, r.ChannelMembers(NoChannel))
}

// Scenario A: capacity 10, channel with three members, one more joins.
func TestAdmitIntoOccupiedChannel(t *testing.T) {
	r := New(Options{MaxConnections: 10})
	for u := UserID(1); u <= 3; u++ {
		_, err := r.Admit(u, 42, ClassChat, &fakeTransport{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.ChannelCount(42))

	_, err := r.Admit(4, 42, ClassChat, &fakeTransport{})
	require.NoError(t, err)
	assert.Equal(t, 4, r.ChannelCount(42))
}

func TestRemoveIsIdempotent(t *testing.T) {
	var hooks int
	r := New(Options{OnRemove: func(Removal) { hooks++ }})
	tr := &fakeTransport{}
	_, err := r.Admit(1, 3, ClassChat, tr)
	require.NoError(t, err)

	first := r.Remove(1, 3)
	require.Len(t, first.Removed, 1)
	assert.Equal(t, []UserID{1}, first.LastForUser)
	assert.True(t, tr.isClosed())

	second := r.Remove(1, 3)
	assert.True(t, second.Empty())
	assert.Equal(t, 1, hooks, "hook must not fire for a no-op removal")
	assert.Equal(t, 0, r.Stats().Channels, "empty channel entry must be deleted")
}

func TestRemoveScopedToChannelKeepsOtherConnections(t *testing.T) {
	r := New(Options{})
	_, err := r.Admit(1, 3, ClassChat, &fakeTransport{})
	require.NoError(t, err)
	_, err = r.Admit(1, 4, ClassVoice, &fakeTransport{})
	require.NoError(t, err)

	removal := r.Remove(1, 3)
	require.Len(t, removal.Removed, 1)
	assert.Empty(t, removal.LastForUser)
	assert.True(t, r.IsConnected(1))
	assert.Empty(t, r.ChannelMembers(3))
	assert.Equal(t, []UserID{1}, r.ChannelMembers(4))
}

func TestRemoveWithoutChannelDropsEveryConnection(t *testing.T) {
	r := New(Options{})
	_, _ = r.Admit(1, 3, ClassChat, &fakeTransport{})
	_, _ = r.Admit(1, NoChannel, ClassNotifications, &fakeTransport{})

	removal := r.Remove(1, NoChannel)
	assert.Len(t, removal.Removed, 2)
	assert.Equal(t, []UserID{1}, removal.LastForUser)
	assert.False(t, r.IsConnected(1))
}

func TestRemoveConnReportsLastForUser(t *testing.T) {
	r := New(Options{})
	a, _ := r.Admit(1, 3, ClassChat, &fakeTransport{})
	b, _ := r.Admit(1, 3, ClassChat, &fakeTransport{})

	first := r.RemoveConn(a.ID, ReasonSendFailed)
	assert.Empty(t, first.LastForUser)
	assert.Equal(t, []UserID{1}, r.ChannelMembers(3))

	second := r.RemoveConn(b.ID, ReasonSendFailed)
	assert.Equal(t, []UserID{1}, second.LastForUser)
	assert.Empty(t, r.ChannelMembers(3))

	assert.True(t, r.RemoveConn(b.ID, ReasonSendFailed).Empty())
}

func TestMoveReindexesChannel(t *testing.T) {
	r := New(Options{})
	c, _ := r.Admit(1, 3, ClassChat, &fakeTransport{})

	from, ok := r.Move(c.ID, 9)
	require.True(t, ok)
	assert.Equal(t, ChannelID(3), from)
	assert.Empty(t, r.ChannelMembers(3))
	assert.Equal(t, []UserID{1}, r.ChannelMembers(9))

	from, ok = r.Move(c.ID, NoChannel)
	require.True(t, ok)
	assert.Equal(t, ChannelID(9), from)
	assert.Equal(t, 0, r.Stats().Channels)

	_, ok = r.Move("missing", 1)
	assert.False(t, ok)
}

func TestAdmitEvictsStaleConnectionsWhenFull(t *testing.T) {
	clock := newManualClock()
	var removed []Removal
	r := New(Options{
		MaxConnections: 2,
		StaleAfter:     5 * time.Minute,
		Now:            clock.Now,
		OnRemove:       func(rm Removal) { removed = append(removed, rm) },
	})

	stale := &fakeTransport{}
	_, err := r.Admit(1, 5, ClassChat, stale)
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	_, err = r.Admit(2, 5, ClassChat, &fakeTransport{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = r.Admit(3, 5, ClassChat, &fakeTransport{})
	require.NoError(t, err)

	assert.True(t, stale.isClosed())
	assert.Equal(t, CloseGoingAway, stale.code)
	assert.False(t, r.IsConnected(1))
	require.Len(t, removed, 1)
	assert.Equal(t, ReasonEvicted, removed[0].Reason)
	assert.Equal(t, []UserID{1}, removed[0].LastForUser)
	assert.Equal(t, []UserID{2, 3}, sortedUsers(r.ChannelMembers(5)))
}

func TestAdmitRejectsWhenNothingEvictable(t *testing.T) {
	r := New(Options{MaxConnections: 1})
	_, err := r.Admit(1, NoChannel, ClassChat, &fakeTransport{})
	require.NoError(t, err)

	_, err = r.Admit(2, NoChannel, ClassChat, &fakeTransport{})
	require.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 1, r.Stats().Connections)
}

func TestTouchKeepsConnectionFromEviction(t *testing.T) {
	clock := newManualClock()
	r := New(Options{Now: clock.Now})
	c, _ := r.Admit(1, NoChannel, ClassChat, &fakeTransport{})

	clock.Advance(3 * time.Minute)
	r.Touch(1)
	clock.Advance(3 * time.Minute)

	removal := r.EvictIdle(5 * time.Minute)
	assert.True(t, removal.Empty())
	assert.True(t, clock.Now().Add(-3*time.Minute).Equal(c.LastActivity()))

	removal = r.EvictIdle(2 * time.Minute)
	assert.Len(t, removal.Removed, 1)
}

func TestCloseAllEmptiesRegistry(t *testing.T) {
	r := New(Options{})
	trs := []*fakeTransport{{}, {}, {}}
	for i, tr := range trs {
		_, err := r.Admit(UserID(i+1), ChannelID(i%2+1), ClassChat, tr)
		require.NoError(t, err)
	}

	removal := r.CloseAll()
	assert.Len(t, removal.Removed, 3)
	assert.Len(t, removal.LastForUser, 3)
	for _, tr := range trs {
		assert.True(t, tr.isClosed())
	}
	assert.Equal(t, Stats{PeakConnections: 3, MaxConnections: defaultMaxConnections}, r.Stats())
}

// Random admit/remove/move sequences must keep the user and channel indices
// in agreement with a naive model.
func TestIndicesStayConsistentUnderRandomOperations(t *testing.T) {
	r := New(Options{MaxConnections: 5000})
	rng := rand.New(rand.NewSource(7))

	type entry struct {
		user    UserID
		channel ChannelID
	}
	model := map[ConnID]entry{}

	for i := 0; i < 2000; i++ {
		user := UserID(rng.Intn(20) + 1)
		channel := ChannelID(rng.Intn(5))
		switch rng.Intn(4) {
		case 0, 1:
			c, err := r.Admit(user, channel, ClassChat, &fakeTransport{})
			require.NoError(t, err)
			model[c.ID] = entry{user, channel}
		case 2:
			r.Remove(user, channel)
			for id, e := range model {
				if e.user == user && (channel == NoChannel || e.channel == channel) {
					delete(model, id)
				}
			}
		case 3:
			for id, e := range model {
				_, ok := r.Move(id, channel)
				require.True(t, ok)
				model[id] = entry{e.user, channel}
				break
			}
		}

		if i%100 != 0 {
			continue
		}
		want := map[ChannelID]map[UserID]bool{}
		for _, e := range model {
			if e.channel == NoChannel {
				continue
			}
			if want[e.channel] == nil {
				want[e.channel] = map[UserID]bool{}
			}
			want[e.channel][e.user] = true
		}
		for ch := ChannelID(1); ch < 5; ch++ {
			var expected []UserID
			for u := range want[ch] {
				expected = append(expected, u)
			}
			assert.ElementsMatch(t, expected, r.ChannelMembers(ch), "channel %d", ch)
		}
		assert.Equal(t, len(model), r.Stats().Connections)
		assert.Equal(t, len(want), r.Stats().Channels)
	}
}

func TestConcurrentAdmitAndRemove(t *testing.T) {
	r := New(Options{MaxConnections: 10000})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				u := UserID(g*1000 + i)
				c, err := r.Admit(u, ChannelID(i%3+1), ClassChat, &fakeTransport{})
				if err != nil {
					t.Errorf("admit: %v", err)
					return
				}
				r.TouchConn(c.ID)
				r.ChannelMembers(ChannelID(i%3 + 1))
				r.RemoveConn(c.ID, ReasonDisconnect)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Stats().Connections)
	assert.Equal(t, 0, r.Stats().Channels)
}
