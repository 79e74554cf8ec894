package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/breaker"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct{}

func (nopTransport) WriteFrame(context.Context, []byte) error { return nil }
func (nopTransport) Close(int, string) error                  { return nil }

type depth int

func (d depth) Depth() int { return int(d) }

func fixedProbe(v float64) Probe {
	return func(context.Context) (float64, error) { return v, nil }
}

func TestMessageSentUpdatesMovingAverage(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.MessageSent(10, time.Second)
	assert.InDelta(t, 0.1, m.AvgLatencySeconds(), 1e-9)
	m.MessageSent(10, time.Second)
	assert.InDelta(t, 0.19, m.AvgLatencySeconds(), 1e-9)

	c := m.Counters()
	assert.Equal(t, int64(2), c.MessagesSent)
	assert.Equal(t, int64(20), c.BytesSent)
	assert.InDelta(t, 2, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("outbound")), 0)
	assert.InDelta(t, 20, testutil.ToFloat64(m.BytesTotal.WithLabelValues("outbound")), 0)
}

func TestFailureCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SendFailed("timeout")
	m.ConnectionError()
	m.JobDropped()
	m.MessageReceived(5)

	c := m.Counters()
	assert.Equal(t, int64(2), c.ConnectionErrors)
	assert.Equal(t, int64(1), c.DroppedJobs)
	assert.Equal(t, int64(5), c.BytesReceived)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SendResults.WithLabelValues("timeout")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ConnectionErrors), 0)
}

func TestTickPublishesGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	reg := registry.New(registry.Options{})
	_, _ = reg.Admit(1, 4, registry.ClassChat, nopTransport{})
	_, _ = reg.Admit(2, 4, registry.ClassChat, nopTransport{})

	br := breaker.New(breaker.DefaultSettings("admission"))
	for range 11 {
		br.RecordFailure()
	}

	mon := NewMonitor(m, reg, br, depth(7), MonitorOptions{
		MemoryProbe: fixedProbe(40),
		CPUProbe:    fixedProbe(12),
	})
	r := mon.Tick(context.Background())

	assert.Equal(t, 2, r.Registry.Connections)
	assert.Equal(t, breaker.StateOpen, r.BreakerState)
	assert.Equal(t, 0, r.Evicted)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Connections), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Channels), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.QueueDepth), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BreakerOpen), 0)
	assert.InDelta(t, 40, testutil.ToFloat64(m.MemoryPercent), 0)
	assert.Equal(t, r, mon.Last())
}

func TestTickEvictsIdleConnectionsUnderMemoryPressure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := registry.New(registry.Options{Now: clock})
	_, _ = reg.Admit(1, 1, registry.ClassChat, nopTransport{})
	now = now.Add(3 * time.Minute)
	_, _ = reg.Admit(2, 1, registry.ClassChat, nopTransport{})

	mon := NewMonitor(NewMetrics(prometheus.NewRegistry()), reg,
		breaker.New(breaker.DefaultSettings("admission")), nil,
		MonitorOptions{MemoryProbe: fixedProbe(91), CPUProbe: fixedProbe(0)})
	r := mon.Tick(context.Background())

	assert.Equal(t, 1, r.Evicted)
	assert.False(t, reg.IsConnected(1))
	assert.True(t, reg.IsConnected(2))
	assert.Equal(t, 1, r.Registry.Connections)
}

func TestTickToleratesProbeErrors(t *testing.T) {
	failing := func(context.Context) (float64, error) { return 0, errors.New("no /proc") }
	mon := NewMonitor(NewMetrics(prometheus.NewRegistry()), registry.New(registry.Options{}),
		breaker.New(breaker.DefaultSettings("admission")), nil,
		MonitorOptions{MemoryProbe: failing, CPUProbe: failing})

	r := mon.Tick(context.Background())
	assert.Zero(t, r.MemoryPercent)
	assert.Zero(t, r.Evicted)
}

func TestMonitorLoopClosesBreaker(t *testing.T) {
	var nowNanos atomic.Int64
	settings := breaker.DefaultSettings("admission")
	settings.Now = func() time.Time { return time.Unix(0, nowNanos.Load()) }
	br := breaker.New(settings)
	for range 11 {
		br.RecordFailure()
	}
	nowNanos.Store(int64(3 * time.Minute))

	m := NewMetrics(prometheus.NewRegistry())
	m.BreakerOpen.Set(1)
	mon := NewMonitor(m, registry.New(registry.Options{}), br, nil, MonitorOptions{
		Interval:    5 * time.Millisecond,
		MemoryProbe: fixedProbe(10),
		CPUProbe:    fixedProbe(10),
	})
	mon.Start(context.Background())
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return mon.Last().Registry.MaxConnections > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, breaker.StateClosed, mon.Last().BreakerState)
	assert.InDelta(t, 0, testutil.ToFloat64(m.BreakerOpen), 0)
}
