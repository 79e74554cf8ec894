// Package presence tracks which users are online. Activity signals arrive as
// heartbeats; a periodic sweep declares users offline once they have been
// quiet for longer than the offline timeout. State is persisted to the store
// asynchronously and never blocks a heartbeat.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Status is the presence of one user.
type Status struct {
	Online       bool
	LastActivity time.Time
}

// Store persists presence. A nil Store keeps presence in memory only.
type Store interface {
	PersistPresence(ctx context.Context, userID registry.UserID, online bool, lastActivity time.Time) error
	StaleOnlineUsers(ctx context.Context, cutoff time.Time) ([]registry.UserID, error)
	MarkOffline(ctx context.Context, userIDs []registry.UserID) error
}

// StatusNotifier is told about every offline transition made by a sweep.
type StatusNotifier func(userID registry.UserID, status Status)

// Options configures a Tracker.
type Options struct {
	OfflineTimeout time.Duration
	SweepInterval  time.Duration
	SweepBackoff   time.Duration
	// ReconcileSchedule is a cron expression or descriptor for the store
	// reconcile sweep. Empty disables it.
	ReconcileSchedule string
	PersistBuffer     int
	PersistTimeout    time.Duration

	Store    Store
	Notifier StatusNotifier
	Now      func() time.Time
	Logger   *zap.Logger
}

// Defaults.
const (
	DefaultOfflineTimeout    = time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultSweepBackoff      = 5 * time.Second
	DefaultReconcileSchedule = "@every 30s"
	defaultPersistBuffer     = 1024
	defaultPersistTimeout    = 5 * time.Second
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

type persistUpdate struct {
	userID registry.UserID
	online bool
	at     time.Time
}

// Tracker owns the in-memory presence table.
type Tracker struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	users map[registry.UserID]Status

	persistCh chan persistUpdate
	cron      *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker. An invalid ReconcileSchedule is reported here.
func New(opts Options) (*Tracker, error) {
	if opts.OfflineTimeout <= 0 {
		opts.OfflineTimeout = DefaultOfflineTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SweepBackoff <= 0 {
		opts.SweepBackoff = DefaultSweepBackoff
	}
	if opts.PersistBuffer <= 0 {
		opts.PersistBuffer = defaultPersistBuffer
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconcileSchedule != "" {
		if _, err := cronParser.Parse(opts.ReconcileSchedule); err != nil {
			return nil, fmt.Errorf("presence: invalid reconcile schedule: %w", err)
		}
	}
	return &Tracker{
		opts:      opts,
		log:       opts.Logger,
		users:     make(map[registry.UserID]Status),
		persistCh: make(chan persistUpdate, opts.PersistBuffer),
	}, nil
}

// SetNotifier replaces the offline notifier. Call before Start.
func (t *Tracker) SetNotifier(fn StatusNotifier) { t.opts.Notifier = fn }

// Heartbeat records activity for userID and reports whether the user was
// offline (or unknown) before this call.
func (t *Tracker) Heartbeat(userID registry.UserID) bool {
	now := t.opts.Now()

	t.mu.Lock()
	prev, known := t.users[userID]
	t.users[userID] = Status{Online: true, LastActivity: now}
	t.mu.Unlock()

	t.queuePersist(persistUpdate{userID: userID, online: true, at: now})
	return !known || !prev.Online
}

// MarkOffline sets userID offline and returns the final status. Offline users
// are dropped from the table. It reports false if the user was not online.
func (t *Tracker) MarkOffline(userID registry.UserID) (Status, bool) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || !st.Online {
		t.mu.Unlock()
		return Status{}, false
	}
	delete(t.users, userID)
	t.mu.Unlock()

	st.Online = false
	t.queuePersist(persistUpdate{userID: userID, online: false, at: st.LastActivity})
	return st, true
}

// Status returns the presence of userID. Unknown users are offline.
func (t *Tracker) Status(userID registry.UserID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID]
}

// Online returns the users currently online.
func (t *Tracker) Online() []registry.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]registry.UserID, 0, len(t.users))
	for u, st := range t.users {
		if st.Online {
			out = append(out, u)
		}
	}
	return out
}

// Sweep marks every user quiet for longer than the offline timeout as offline
// and returns them. A user exactly at the timeout stays online.
func (t *Tracker) Sweep(ctx context.Context) ([]registry.UserID, error) {
	now := t.opts.Now()

	t.mu.Lock()
	var expired []registry.UserID
	var last []Status
	for u, st := range t.users {
		if now.Sub(st.LastActivity) > t.opts.OfflineTimeout {
			delete(t.users, u)
			st.Online = false
			expired = append(expired, u)
			last = append(last, st)
		}
	}
	t.mu.Unlock()

	if len(expired) == 0 {
		return nil, nil
	}
	for i, u := range expired {
		t.notify(u, last[i])
	}
	t.log.Info("presence sweep", zap.Int("offline", len(expired)))

	if t.opts.Store == nil {
		return expired, nil
	}
	if err := t.opts.Store.MarkOffline(ctx, expired); err != nil {
		return expired, fmt.Errorf("presence: persist sweep: %w", err)
	}
	return expired, nil
}

// Reconcile marks users the store still holds online, but whose last
// activity predates the timeout and who are not online in memory, as
// offline. It catches users whose connections died without a clean
// disconnect, including those of a previous process.
func (t *Tracker) Reconcile(ctx context.Context) ([]registry.UserID, error) {
	if t.opts.Store == nil {
		return nil, nil
	}
	cutoff := t.opts.Now().Add(-t.opts.OfflineTimeout)
	stale, err := t.opts.Store.StaleOnlineUsers(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("presence: load stale users: %w", err)
	}

	t.mu.RLock()
	var offline []registry.UserID
	for _, u := range stale {
		if st, ok := t.users[u]; ok && st.Online {
			continue
		}
		offline = append(offline, u)
	}
	t.mu.RUnlock()

	if len(offline) == 0 {
		return nil, nil
	}
	if err := t.opts.Store.MarkOffline(ctx, offline); err != nil {
		return nil, fmt.Errorf("presence: mark stale users offline: %w", err)
	}
	for _, u := range offline {
		t.notify(u, Status{})
	}
	t.log.Info("presence reconciled", zap.Int("offline", len(offline)))
	return offline, nil
}

func (t *Tracker) notify(userID registry.UserID, st Status) {
	if t.opts.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("status notifier panicked",
				zap.Int64("user_id", int64(userID)), zap.Any("panic", r))
		}
	}()
	t.opts.Notifier(userID, st)
}

func (t *Tracker) queuePersist(u persistUpdate) {
	if t.opts.Store == nil {
		return
	}
	select {
	case t.persistCh <- u:
	default:
		t.log.Warn("presence persist buffer full, dropping update",
			zap.Int64("user_id", int64(u.userID)), zap.Bool("online", u.online))
	}
}

// Start launches the sweep loop, the persist writer and the reconcile job.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	if t.opts.ReconcileSchedule != "" && t.opts.Store != nil {
		t.cron = cron.New(cron.WithParser(cronParser))
		if _, err := t.cron.AddFunc(t.opts.ReconcileSchedule, func() {
			if _, err := t.Reconcile(ctx); err != nil {
				t.log.Warn("presence reconcile failed", zap.Error(err))
			}
		}); err != nil {
			t.cancel()
			return fmt.Errorf("presence: schedule reconcile: %w", err)
		}
		t.cron.Start()
	}

	t.wg.Add(2)
	go t.sweepLoop(ctx)
	go t.persistLoop(ctx)
	return nil
}

// Stop ends the background loops and waits for them.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
	t.wg.Wait()
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()

	wait := t.opts.SweepInterval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := t.Sweep(ctx); err != nil {
			t.log.Warn("presence sweep failed", zap.Error(err))
			wait = t.opts.SweepBackoff
			continue
		}
		wait = t.opts.SweepInterval
	}
}

func (t *Tracker) persistLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			t.drainPersist()
			return
		case u := <-t.persistCh:
			t.persist(context.Background(), u)
		}
	}
}

func (t *Tracker) drainPersist() {
	for {
		select {
		case u := <-t.persistCh:
			t.persist(context.Background(), u)
		default:
			return
		}
	}
}

func (t *Tracker) persist(parent context.Context, u persistUpdate) {
	ctx, cancel := context.WithTimeout(parent, t.opts.PersistTimeout)
	defer cancel()
	if err := t.opts.Store.PersistPresence(ctx, u.userID, u.online, u.at); err != nil {
		t.log.Warn("presence persist failed",
			zap.Int64("user_id", int64(u.userID)), zap.Error(err))
	}
}
