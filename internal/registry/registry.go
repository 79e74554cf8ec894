package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Close codes used when the registry tears a transport down.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Removal reasons reported to the OnRemove hook.
const (
	ReasonDisconnect = "disconnect"
	ReasonEvicted    = "evicted_idle"
	ReasonSendFailed = "send_failed"
	ReasonShutdown   = "shutdown"
)

// ErrCapacity is returned by Admit when the registry is full and nothing
// could be evicted.
var ErrCapacity = errors.New("registry: connection capacity exceeded")

const (
	defaultMaxConnections = 1000
	defaultStaleAfter     = 5 * time.Minute
)

// Options configures a Registry.
type Options struct {
	MaxConnections int
	StaleAfter     time.Duration

	// OnRemove runs after every removal, outside the registry lock.
	OnRemove func(Removal)

	Now    func() time.Time
	Logger *zap.Logger
}

// Registry maps users and channels to live connections. The three indices are
// guarded by one RWMutex and are always mutually consistent once a method
// returns.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	byID      map[ConnID]*Connection
	byUser    map[UserID]map[ConnID]*Connection
	byChannel map[ChannelID]map[UserID]map[ConnID]*Connection
	peak      int
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		opts:      opts,
		byID:      make(map[ConnID]*Connection),
		byUser:    make(map[UserID]map[ConnID]*Connection),
		byChannel: make(map[ChannelID]map[UserID]map[ConnID]*Connection),
	}
}

// SetOnRemove replaces the removal hook. It must be called before the
// registry is shared between goroutines.
func (r *Registry) SetOnRemove(fn func(Removal)) {
	r.opts.OnRemove = fn
}

// Admit inserts a new connection for userID. When the registry is full it
// first evicts connections idle past StaleAfter; if that frees nothing the
// call fails with ErrCapacity and the caller must close the transport.
func (r *Registry) Admit(userID UserID, channelID ChannelID, class Class, t Transport) (*Connection, error) {
	now := r.opts.Now()
	conn := &Connection{
		ID:          ConnID(uuid.NewString()),
		UserID:      userID,
		Class:       class,
		ConnectedAt: now,
		channelID:   channelID,
		transport:   t,
	}
	conn.touch(now)

	r.mu.Lock()
	var evicted Removal
	if len(r.byID) >= r.opts.MaxConnections {
		evicted = r.evictIdleLocked(now, r.opts.StaleAfter)
	}
	if len(r.byID) >= r.opts.MaxConnections {
		r.mu.Unlock()
		r.finish(evicted)
		return nil, ErrCapacity
	}
	r.insertLocked(conn)
	total := len(r.byID)
	r.mu.Unlock()

	r.finish(evicted)
	r.opts.Logger.Debug("connection admitted",
		zap.String("conn_id", string(conn.ID)),
		zap.Int64("user_id", int64(userID)),
		zap.Int64("channel_id", int64(channelID)),
		zap.String("class", string(class)),
		zap.Int("total", total))
	return conn, nil
}

// Remove drops userID's connections scoped to channelID, or every connection
// of the user when channelID is NoChannel. It is idempotent.
func (r *Registry) Remove(userID UserID, channelID ChannelID) Removal {
	r.mu.Lock()
	var targets []*Connection
	for _, c := range r.byUser[userID] {
		if channelID == NoChannel || c.channelID == channelID {
			targets = append(targets, c)
		}
	}
	removal := r.removeLocked(targets, ReasonDisconnect)
	r.mu.Unlock()

	r.finish(removal)
	return removal
}

// RemoveConn drops a single connection. Unknown ids are a no-op.
func (r *Registry) RemoveConn(id ConnID, reason string) Removal {
	r.mu.Lock()
	var removal Removal
	if c, ok := r.byID[id]; ok {
		removal = r.removeLocked([]*Connection{c}, reason)
	}
	r.mu.Unlock()

	r.finish(removal)
	return removal
}

// Move re-scopes a live connection to channelID (NoChannel leaves any
// channel). It returns the previous channel.
func (r *Registry) Move(id ConnID, channelID ChannelID) (ChannelID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return NoChannel, false
	}
	from := c.channelID
	if from == channelID {
		return from, true
	}
	r.unindexChannelLocked(c)
	c.channelID = channelID
	r.indexChannelLocked(c)
	return from, true
}

// EvictIdle removes every connection idle for longer than olderThan.
func (r *Registry) EvictIdle(olderThan time.Duration) Removal {
	r.mu.Lock()
	removal := r.evictIdleLocked(r.opts.Now(), olderThan)
	r.mu.Unlock()

	r.finish(removal)
	return removal
}

// CloseAll removes every connection; used on shutdown.
func (r *Registry) CloseAll() Removal {
	r.mu.Lock()
	all := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		all = append(all, c)
	}
	removal := r.removeLocked(all, ReasonShutdown)
	r.mu.Unlock()

	r.finish(removal)
	return removal
}

// Touch stamps activity on every connection of userID.
func (r *Registry) Touch(userID UserID) {
	now := r.opts.Now()
	r.mu.RLock()
	for _, c := range r.byUser[userID] {
		c.touch(now)
	}
	r.mu.RUnlock()
}

// TouchConn stamps activity on a single connection.
func (r *Registry) TouchConn(id ConnID) {
	now := r.opts.Now()
	r.mu.RLock()
	if c, ok := r.byID[id]; ok {
		c.touch(now)
	}
	r.mu.RUnlock()
}

// ChannelMembers returns a snapshot of the users subscribed to channelID.
// Members may leave before the caller sends; send failures absorb that.
func (r *Registry) ChannelMembers(channelID ChannelID) []UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byChannel[channelID]
	out := make([]UserID, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	return out
}

// Users returns a snapshot of every connected user.
func (r *Registry) Users() []UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserID, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

// Connections returns a snapshot of userID's live connections.
func (r *Registry) Connections(userID UserID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Conn looks a connection up by id.
func (r *Registry) Conn(id ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ChannelOf returns the channel a connection is currently scoped to.
func (r *Registry) ChannelOf(id ConnID) (ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return NoChannel, false
	}
	return c.channelID, true
}

// IsConnected reports whether userID has at least one live connection.
func (r *Registry) IsConnected(userID UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ChannelCount returns the number of distinct users in channelID.
func (r *Registry) ChannelCount(channelID ChannelID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channelID])
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections:     len(r.byID),
		Users:           len(r.byUser),
		Channels:        len(r.byChannel),
		PeakConnections: r.peak,
		MaxConnections:  r.opts.MaxConnections,
	}
}

func (r *Registry) insertLocked(c *Connection) {
	r.byID[c.ID] = c
	conns, ok := r.byUser[c.UserID]
	if !ok {
		conns = make(map[ConnID]*Connection)
		r.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
	r.indexChannelLocked(c)
	if len(r.byID) > r.peak {
		r.peak = len(r.byID)
	}
}

func (r *Registry) indexChannelLocked(c *Connection) {
	if c.channelID == NoChannel {
		return
	}
	members, ok := r.byChannel[c.channelID]
	if !ok {
		members = make(map[UserID]map[ConnID]*Connection)
		r.byChannel[c.channelID] = members
	}
	conns, ok := members[c.UserID]
	if !ok {
		conns = make(map[ConnID]*Connection)
		members[c.UserID] = conns
	}
	conns[c.ID] = c
}

func (r *Registry) unindexChannelLocked(c *Connection) {
	if c.channelID == NoChannel {
		return
	}
	members, ok := r.byChannel[c.channelID]
	if !ok {
		return
	}
	if conns, ok := members[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(members, c.UserID)
		}
	}
	if len(members) == 0 {
		delete(r.byChannel, c.channelID)
	}
}

func (r *Registry) removeLocked(targets []*Connection, reason string) Removal {
	removal := Removal{Reason: reason}
	touched := make(map[UserID]struct{})
	for _, c := range targets {
		if _, ok := r.byID[c.ID]; !ok {
			continue
		}
		delete(r.byID, c.ID)
		if conns, ok := r.byUser[c.UserID]; ok {
			delete(conns, c.ID)
			if len(conns) == 0 {
				delete(r.byUser, c.UserID)
			}
		}
		r.unindexChannelLocked(c)
		removal.Removed = append(removal.Removed, c)
		touched[c.UserID] = struct{}{}
	}
	for u := range touched {
		if _, still := r.byUser[u]; !still {
			removal.LastForUser = append(removal.LastForUser, u)
		}
	}
	return removal
}

func (r *Registry) evictIdleLocked(now time.Time, olderThan time.Duration) Removal {
	var idle []*Connection
	for _, c := range r.byID {
		if now.Sub(c.LastActivity()) > olderThan {
			idle = append(idle, c)
		}
	}
	return r.removeLocked(idle, ReasonEvicted)
}

// finish closes removed transports and runs the hook. Never call with r.mu held.
func (r *Registry) finish(removal Removal) {
	if removal.Empty() {
		return
	}
	code := CloseNormal
	if removal.Reason == ReasonEvicted || removal.Reason == ReasonShutdown {
		code = CloseGoingAway
	}
	for _, c := range removal.Removed {
		if c.transport == nil {
			continue
		}
		if err := c.transport.Close(code, removal.Reason); err != nil {
			r.opts.Logger.Debug("closing removed transport",
				zap.String("conn_id", string(c.ID)), zap.Error(err))
		}
	}
	if removal.Reason != ReasonDisconnect {
		r.opts.Logger.Info("connections removed",
			zap.String("reason", removal.Reason),
			zap.Int("count", len(removal.Removed)))
	}
	if r.opts.OnRemove != nil {
		r.opts.OnRemove(removal)
	}
}
