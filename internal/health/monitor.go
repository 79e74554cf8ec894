package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/breaker"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultInterval            = 10 * time.Second
	DefaultMemoryHighWatermark = 80.0
	DefaultPressureStaleAfter  = 2 * time.Minute
)

// Registry is the part of the connection registry the monitor needs.
type Registry interface {
	Stats() registry.Stats
	EvictIdle(olderThan time.Duration) registry.Removal
}

// Breaker is evaluated on every tick so an idle breaker still closes.
type Breaker interface {
	Evaluate() breaker.State
}

// Queue reports send queue depth.
type Queue interface {
	Depth() int
}

// Probe samples a system resource as a percentage.
type Probe func(ctx context.Context) (float64, error)

// MemoryProbe reads virtual memory usage through gopsutil.
func MemoryProbe(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// CPUProbe reads overall CPU usage since the previous call through gopsutil.
func CPUProbe(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("read cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Interval            time.Duration
	MemoryHighWatermark float64 // percent
	PressureStaleAfter  time.Duration

	MemoryProbe Probe
	CPUProbe    Probe
	Logger      *zap.Logger
}

// Report is the outcome of one monitor tick.
type Report struct {
	Registry      registry.Stats
	Counters      Counters
	BreakerState  breaker.State
	QueueDepth    int
	MemoryPercent float64
	CPUPercent    float64
	Evicted       int
}

// Monitor samples the system every Interval.
type Monitor struct {
	opts     MonitorOptions
	metrics  *Metrics
	registry Registry
	breaker  Breaker
	queue    Queue
	log      *zap.Logger

	mu   sync.Mutex
	last Report

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor wires a monitor to the components it watches. queue may be nil.
func NewMonitor(m *Metrics, reg Registry, br Breaker, q Queue, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MemoryHighWatermark <= 0 {
		opts.MemoryHighWatermark = DefaultMemoryHighWatermark
	}
	if opts.PressureStaleAfter <= 0 {
		opts.PressureStaleAfter = DefaultPressureStaleAfter
	}
	if opts.MemoryProbe == nil {
		opts.MemoryProbe = MemoryProbe
	}
	if opts.CPUProbe == nil {
		opts.CPUProbe = CPUProbe
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{
		opts:     opts,
		metrics:  m,
		registry: reg,
		breaker:  br,
		queue:    q,
		log:      opts.Logger,
		done:     make(chan struct{}),
	}
}

// Tick runs one monitoring pass.
func (m *Monitor) Tick(ctx context.Context) Report {
	r := Report{
		BreakerState: m.breaker.Evaluate(),
		Counters:     m.metrics.Counters(),
	}
	if m.queue != nil {
		r.QueueDepth = m.queue.Depth()
	}

	if pct, err := m.opts.MemoryProbe(ctx); err != nil {
		m.log.Debug("memory probe failed", zap.Error(err))
	} else {
		r.MemoryPercent = pct
	}
	if pct, err := m.opts.CPUProbe(ctx); err != nil {
		m.log.Debug("cpu probe failed", zap.Error(err))
	} else {
		r.CPUPercent = pct
	}

	if r.MemoryPercent > m.opts.MemoryHighWatermark {
		removal := m.registry.EvictIdle(m.opts.PressureStaleAfter)
		r.Evicted = len(removal.Removed)
		m.log.Warn("high memory usage, evicted idle connections",
			zap.Float64("memory_percent", r.MemoryPercent),
			zap.Int("evicted", r.Evicted))
	}
	r.Registry = m.registry.Stats()

	m.metrics.Connections.Set(float64(r.Registry.Connections))
	m.metrics.Users.Set(float64(r.Registry.Users))
	m.metrics.Channels.Set(float64(r.Registry.Channels))
	m.metrics.QueueDepth.Set(float64(r.QueueDepth))
	m.metrics.MemoryPercent.Set(r.MemoryPercent)
	m.metrics.CPUPercent.Set(r.CPUPercent)
	m.metrics.AvgLatency.Set(r.Counters.AvgLatencySeconds)
	if r.BreakerState == breaker.StateOpen {
		m.metrics.BreakerOpen.Set(1)
	} else {
		m.metrics.BreakerOpen.Set(0)
	}

	m.log.Info("health",
		zap.Int("connections", r.Registry.Connections),
		zap.Int("users", r.Registry.Users),
		zap.Int("channels", r.Registry.Channels),
		zap.Int64("messages_sent", r.Counters.MessagesSent),
		zap.Int64("messages_received", r.Counters.MessagesReceived),
		zap.Float64("avg_latency_s", r.Counters.AvgLatencySeconds),
		zap.Int("queue_depth", r.QueueDepth),
		zap.Stringer("breaker", r.BreakerState),
		zap.Float64("memory_percent", r.MemoryPercent),
		zap.Float64("cpu_percent", r.CPUPercent))

	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
	return r
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Start runs Tick every Interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tickSafely(ctx)
			}
		}
	}()
}

func (m *Monitor) tickSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("health tick panicked", zap.Any("panic", r))
		}
	}()
	m.Tick(ctx)
}

// Stop ends the loop and waits for it.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
