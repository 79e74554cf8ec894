// Package dispatch is the entry point of the realtime subsystem. A Service owns
// the connection registry, presence tracker, batchers, send queue, admission
// breaker and health monitor; the HTTP layer hands it admitted transports and
// inbound frames.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/batcher"
	"github.com/Tyrowin/gochat-presence/internal/breaker"
	"github.com/Tyrowin/gochat-presence/internal/health"
	"github.com/Tyrowin/gochat-presence/internal/presence"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/Tyrowin/gochat-presence/internal/relay"
	"github.com/Tyrowin/gochat-presence/internal/sendqueue"
	"github.com/Tyrowin/gochat-presence/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Store is the persistence collaborator.
type Store interface {
	ChannelMembers(ctx context.Context, channelID registry.ChannelID) ([]registry.UserID, error)
	PersistPresence(ctx context.Context, userID registry.UserID, online bool, lastActivity time.Time) error
	StaleOnlineUsers(ctx context.Context, cutoff time.Time) ([]registry.UserID, error)
	MarkOffline(ctx context.Context, userIDs []registry.UserID) error
	PersistMessage(ctx context.Context, msg store.NewMessage) (*store.Message, error)
	PersistReaction(ctx context.Context, change store.ReactionChange) (*store.Reaction, error)
}

// Options configures a Service. Zero values fall back to each component's
// defaults.
type Options struct {
	Registry registry.Options
	Presence presence.Options
	Chat     batcher.Options
	Voice    batcher.Options
	Queue    sendqueue.Options
	Breaker  breaker.Settings
	Monitor  health.MonitorOptions

	// Store defaults to an in-memory store.
	Store Store
	// Relay is optional; nil keeps dispatch local to this process.
	Relay       relay.Relay
	RelayBuffer int
	NodeID      string

	// Metrics defaults to a set registered on a private registry.
	Metrics *health.Metrics

	Now    func() time.Time
	Logger *zap.Logger
}

const (
	defaultVoiceFlushInterval = 50 * time.Millisecond
	defaultRelayBuffer        = 1024
	relayPublishTimeout       = 5 * time.Second
	storeTimeout              = 5 * time.Second
)

// Service is safe for concurrent use once New returns.
type Service struct {
	log  *zap.Logger
	now  func() time.Time
	node string

	registry *registry.Registry
	presence *presence.Tracker
	chat     *batcher.Batcher
	voice    *batcher.Batcher
	queue    *sendqueue.Queue
	breaker  *breaker.Breaker
	metrics  *health.Metrics
	monitor  *health.Monitor
	store    Store
	relay    relay.Relay

	relayCh chan relay.Event

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Service. Send workers start immediately; flush loops, sweeps
// and the monitor start with Start.
func New(opts Options) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = health.NewMetrics(prometheus.NewRegistry())
	}
	if opts.RelayBuffer <= 0 {
		opts.RelayBuffer = defaultRelayBuffer
	}

	s := &Service{
		log:     opts.Logger.With(zap.String("node", opts.NodeID)),
		now:     opts.Now,
		node:    opts.NodeID,
		metrics: opts.Metrics,
		store:   opts.Store,
		relay:   opts.Relay,
		relayCh: make(chan relay.Event, opts.RelayBuffer),
	}

	po := opts.Presence
	po.Store = opts.Store
	po.Notifier = s.onPresenceOffline
	po.Now = orNow(po.Now, opts.Now)
	po.Logger = orLogger(po.Logger, s.log.Named("presence"))
	tracker, err := presence.New(po)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	s.presence = tracker

	ro := opts.Registry
	ro.OnRemove = s.onRemove
	ro.Now = orNow(ro.Now, opts.Now)
	ro.Logger = orLogger(ro.Logger, s.log.Named("registry"))
	s.registry = registry.New(ro)

	bs := opts.Breaker
	if bs.Name == "" {
		bs.Name = "admission"
	}
	bs.Now = orNow(bs.Now, opts.Now)
	if bs.OnStateChange == nil {
		bs.OnStateChange = s.onBreakerChange
	}
	s.breaker = breaker.New(bs)

	qo := opts.Queue
	qo.OnResult = s.onResult
	qo.Logger = orLogger(qo.Logger, s.log.Named("sendqueue"))
	s.queue = sendqueue.New(s.registry, qo)

	co := opts.Chat
	if co.Name == "" {
		co.Name = "chat"
	}
	co.Sink = s.flushBatch
	co.Now = orNow(co.Now, opts.Now)
	co.Logger = orLogger(co.Logger, s.log.Named("batcher"))
	s.chat = batcher.New(co)

	vo := opts.Voice
	if vo.Name == "" {
		vo.Name = "voice"
	}
	if vo.FlushInterval <= 0 {
		vo.FlushInterval = defaultVoiceFlushInterval
	}
	vo.Sink = s.flushBatch
	vo.Now = orNow(vo.Now, opts.Now)
	vo.Logger = orLogger(vo.Logger, s.log.Named("batcher"))
	s.voice = batcher.New(vo)

	mo := opts.Monitor
	mo.Logger = orLogger(mo.Logger, s.log.Named("health"))
	s.monitor = health.NewMonitor(s.metrics, s.registry, s.breaker, s.queue, mo)

	return s, nil
}

func orNow(fn, def func() time.Time) func() time.Time {
	if fn != nil {
		return fn
	}
	return def
}

func orLogger(l, def *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return def
}

// Start launches the background loops. It returns an error if the relay
// subscription cannot be established.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.presence.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("dispatch: start presence: %w", err)
	}
	s.chat.Start(ctx)
	s.voice.Start(ctx)
	s.monitor.Start(ctx)

	if s.relay != nil {
		if err := s.relay.Subscribe(ctx, s.onRelayEvent); err != nil {
			cancel()
			s.chat.Stop()
			s.voice.Stop()
			s.monitor.Stop()
			s.presence.Stop()
			return fmt.Errorf("dispatch: subscribe relay: %w", err)
		}
		s.wg.Add(1)
		go s.publishLoop(ctx)
	}

	s.log.Info("dispatch service started", zap.Bool("relay", s.relay != nil))
	return nil
}

// Shutdown stops admitting connections, flushes pending batches, drains the
// send queue within ctx and closes every connection.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.voice.Stop()
	s.chat.Stop()
	queueErr := s.queue.Stop(ctx)
	if queueErr != nil {
		s.log.Warn("send queue did not drain", zap.Error(queueErr))
	}

	removal := s.registry.CloseAll()
	s.presence.Stop()
	s.monitor.Stop()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.log.Warn("closing relay", zap.Error(err))
		}
	}

	s.log.Info("dispatch service stopped", zap.Int("closed_connections", len(removal.Removed)))
	return queueErr
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Registry exposes the connection registry for read-only inspection.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Presence exposes the presence tracker.
func (s *Service) Presence() *presence.Tracker { return s.presence }

// Breaker exposes the admission breaker.
func (s *Service) Breaker() *breaker.Breaker { return s.breaker }

// Metrics returns the metrics the service records into.
func (s *Service) Metrics() *health.Metrics { return s.metrics }

// NodeID identifies this process on the relay.
func (s *Service) NodeID() string { return s.node }

// Snapshot is the JSON body of /metrics/snapshot.
type Snapshot struct {
	Node            string           `json:"node"`
	Connections     int              `json:"connections"`
	Users           int              `json:"users"`
	Channels        int              `json:"channels"`
	PeakConnections int              `json:"peak_connections"`
	MaxConnections  int              `json:"max_connections"`
	OnlineUsers     int              `json:"online_users"`
	Counters        health.Counters  `json:"counters"`
	Breaker         breaker.Snapshot `json:"circuit_breaker"`
	Queue           sendqueue.Stats  `json:"send_queue"`
	PendingBatched  int              `json:"pending_batched"`
	MemoryPercent   float64          `json:"memory_percent"`
	CPUPercent      float64          `json:"cpu_percent"`
}

// Snapshot collects the current counters.
func (s *Service) Snapshot() Snapshot {
	st := s.registry.Stats()
	last := s.monitor.Last()
	return Snapshot{
		Node:            s.node,
		Connections:     st.Connections,
		Users:           st.Users,
		Channels:        st.Channels,
		PeakConnections: st.PeakConnections,
		MaxConnections:  st.MaxConnections,
		OnlineUsers:     len(s.presence.Online()),
		Counters:        s.metrics.Counters(),
		Breaker:         s.breaker.Snapshot(),
		Queue:           s.queue.Stats(),
		PendingBatched:  s.chat.Pending() + s.voice.Pending(),
		MemoryPercent:   last.MemoryPercent,
		CPUPercent:      last.CPUPercent,
	}
}

func (s *Service) onBreakerChange(name string, from, to breaker.State) {
	s.log.Warn("circuit breaker state changed",
		zap.String("breaker", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}
