// Package batcher coalesces outbound envelopes per recipient so that many
// small sends become one write per user per flush.
package batcher

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"go.uber.org/zap"
)

// Priority orders messages inside one recipient's batch; higher goes first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 100 * time.Millisecond
	defaultSettleDelay   = 5 * time.Millisecond
)

// Message is one encoded envelope addressed to a set of recipients.
type Message struct {
	ChannelID  registry.ChannelID
	Payload    []byte
	Recipients []registry.UserID
	Priority   Priority
	EnqueuedAt time.Time
}

// Batch is what the sink receives: every payload pending for one user, in
// delivery order.
type Batch struct {
	UserID   registry.UserID
	Payloads [][]byte
}

// Sink consumes flushed batches. It is called outside the batcher lock and
// never concurrently with itself.
type Sink func(Batch)

// Options configures a Batcher.
//
// A flush window opens with the first entry added to an empty batcher and
// closes FlushInterval later. Once any recipient holds BatchSize entries the
// batcher flushes as soon as Add has been quiet for SettleDelay, so a burst
// that crosses BatchSize still leaves as one batch.
type Options struct {
	Name          string
	BatchSize     int
	FlushInterval time.Duration
	SettleDelay   time.Duration
	Sink          Sink
	Now           func() time.Time
	Logger        *zap.Logger
}

type entry struct {
	payload    []byte
	priority   Priority
	enqueuedAt time.Time
	seq        uint64
}

// Batcher holds pending entries per recipient until the next flush.
type Batcher struct {
	opts Options

	mu      sync.Mutex
	pending map[registry.UserID][]entry
	total   int
	lastAdd time.Time

	// flushMu serializes flushes so a recipient never sees two batches
	// delivered out of order.
	flushMu sync.Mutex

	seq     atomic.Uint64
	flushes atomic.Int64
	arm     chan struct{}
	full    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Batcher. Start must be called for timed flushing.
func New(opts Options) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.SettleDelay > opts.FlushInterval {
		opts.SettleDelay = opts.FlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = func(Batch) {}
	}
	return &Batcher{
		opts:    opts,
		pending: make(map[registry.UserID][]entry),
		arm:     make(chan struct{}, 1),
		full:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Add fans msg out to one pending entry per recipient. The first entry opens
// a flush window; a recipient reaching BatchSize asks for an early flush once
// the burst settles.
func (b *Batcher) Add(msg Message) {
	if len(msg.Recipients) == 0 || len(msg.Payload) == 0 {
		return
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.opts.Now()
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	e := entry{
		payload:    msg.Payload,
		priority:   msg.Priority,
		enqueuedAt: msg.EnqueuedAt,
		seq:        b.seq.Add(1),
	}

	full := false
	b.mu.Lock()
	opened := b.total == 0
	b.lastAdd = time.Now()
	for _, u := range msg.Recipients {
		b.pending[u] = append(b.pending[u], e)
		b.total++
		if len(b.pending[u]) >= b.opts.BatchSize {
			full = true
		}
	}
	b.mu.Unlock()

	if opened {
		signal(b.arm)
	}
	if full {
		signal(b.full)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *Batcher) quietFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastAdd)
}

// Pending returns the number of queued entries across all recipients.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Flushes returns how many non-empty flushes have run.
func (b *Batcher) Flushes() int64 { return b.flushes.Load() }

// Flush drains every pending entry to the sink and returns the number of
// batches produced. Nothing pending means no sink call.
func (b *Batcher) Flush() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.total == 0 {
		b.mu.Unlock()
		return 0
	}
	drained := b.pending
	b.pending = make(map[registry.UserID][]entry, len(drained))
	b.total = 0
	b.mu.Unlock()

	users := make([]registry.UserID, 0, len(drained))
	for u, entries := range drained {
		if len(entries) > 0 {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	for _, u := range users {
		entries := drained[u]
		sort.SliceStable(entries, func(i, j int) bool {
			a, c := entries[i], entries[j]
			if a.priority != c.priority {
				return a.priority > c.priority
			}
			if !a.enqueuedAt.Equal(c.enqueuedAt) {
				return a.enqueuedAt.Before(c.enqueuedAt)
			}
			return a.seq < c.seq
		})
		payloads := make([][]byte, len(entries))
		for i, e := range entries {
			payloads[i] = e.payload
		}
		b.deliver(Batch{UserID: u, Payloads: payloads})
	}
	b.flushes.Add(1)
	return len(users)
}

func (b *Batcher) deliver(batch Batch) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.Logger.Error("batch sink panicked",
				zap.String("batcher", b.opts.Name),
				zap.Int64("user_id", int64(batch.UserID)),
				zap.Any("panic", r))
		}
	}()
	b.opts.Sink(batch)
}

// Start launches the flush loop. It flushes when a window expires and when
// a full recipient's burst has settled.
func (b *Batcher) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		go b.run(ctx)
	})
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	var window, settle *time.Timer
	var windowC, settleC <-chan time.Time
	openWindow := func() {
		if windowC == nil {
			window = time.NewTimer(b.opts.FlushInterval)
			windowC = window.C
		}
	}
	closeWindow := func() {
		if window != nil {
			window.Stop()
		}
		if settle != nil {
			settle.Stop()
		}
		window, settle, windowC, settleC = nil, nil, nil, nil
	}
	flush := func() {
		closeWindow()
		b.Flush()
		// Entries added while flushing may have found the old window open.
		if b.Pending() > 0 {
			openWindow()
		}
	}

	for {
		select {
		case <-ctx.Done():
			closeWindow()
			b.Flush()
			return
		case <-b.arm:
			openWindow()
		case <-b.full:
			openWindow()
			if settleC == nil {
				settle = time.NewTimer(b.opts.SettleDelay)
				settleC = settle.C
			}
		case <-windowC:
			flush()
		case <-settleC:
			if quiet := b.quietFor(); quiet < b.opts.SettleDelay {
				settle.Reset(b.opts.SettleDelay - quiet)
				continue
			}
			flush()
		}
	}
}

// Stop ends the flush loop after a final drain. It is a no-op when the
// batcher was never started.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			b.Flush()
			return
		}
		b.cancel()
		<-b.done
		b.opts.Logger.Debug("batcher stopped", zap.String("batcher", b.opts.Name))
	})
}
