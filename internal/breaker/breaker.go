// Package breaker implements the admission circuit breaker: it counts send
// and admission failures in a sliding window, opens when they spike, and
// closes again after a quiet cool-down period.
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed State = iota // Admitting normally
	StateOpen                // Rejecting new admissions
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures a Breaker.
type Settings struct {
	// Name identifies this breaker in logs.
	Name string

	// MaxFailures is the number of failures tolerated inside Window; one more
	// opens the breaker.
	MaxFailures int

	// Window is the sliding window failures are counted in.
	Window time.Duration

	// CoolDown is how long the breaker stays open after the last failure.
	CoolDown time.Duration

	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)

	Now func() time.Time
}

// DefaultSettings returns the production thresholds.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:        name,
		MaxFailures: 10,
		Window:      60 * time.Second,
		CoolDown:    120 * time.Second,
	}
}

// Snapshot is a copy of the breaker state.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Open          bool      `json:"open"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at"`
	TotalFailures int64     `json:"total_failures"`
	TotalRejected int64     `json:"total_rejected"`
}

// Breaker is safe for concurrent use. Critical sections are limited to
// slice/counter updates.
type Breaker struct {
	settings Settings

	mu            sync.Mutex
	state         State
	failures      []time.Time
	lastFailureAt time.Time

	totalFailures atomic.Int64
	totalRejected atomic.Int64
}

// New creates a breaker, replacing invalid settings with defaults.
func New(settings Settings) *Breaker {
	def := DefaultSettings(settings.Name)
	if settings.MaxFailures <= 0 {
		settings.MaxFailures = def.MaxFailures
	}
	if settings.Window <= 0 {
		settings.Window = def.Window
	}
	if settings.CoolDown <= 0 {
		settings.CoolDown = def.CoolDown
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{settings: settings, state: StateClosed}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.settings.Name }

// Allow returns ErrOpen while the breaker is open.
func (b *Breaker) Allow() error {
	if b.Evaluate() == StateOpen {
		b.totalRejected.Add(1)
		return ErrOpen
	}
	return nil
}

// RecordFailure counts one failure and opens the breaker when the window
// holds more than MaxFailures.
func (b *Breaker) RecordFailure() {
	b.totalFailures.Add(1)
	now := b.settings.Now()

	b.mu.Lock()
	b.failures = append(b.failures, now)
	b.lastFailureAt = now
	b.pruneLocked(now)
	from, to, changed := b.state, b.state, false
	if b.state == StateClosed && len(b.failures) > b.settings.MaxFailures {
		to, changed = b.setStateLocked(StateOpen)
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// Evaluate applies time-based transitions and returns the resulting state.
// The health monitor calls it on every tick.
func (b *Breaker) Evaluate() State {
	now := b.settings.Now()

	b.mu.Lock()
	from, to, changed := b.state, b.state, false
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailureAt) >= b.settings.CoolDown {
			b.failures = b.failures[:0]
			to, changed = b.setStateLocked(StateClosed)
		}
	case StateClosed:
		b.pruneLocked(now)
	}
	state := b.state
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return state
}

// State returns the current state after applying time-based transitions.
func (b *Breaker) State() State { return b.Evaluate() }

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	state := b.Evaluate()

	b.mu.Lock()
	count := len(b.failures)
	last := b.lastFailureAt
	b.mu.Unlock()

	return Snapshot{
		Name:          b.settings.Name,
		State:         state.String(),
		Open:          state == StateOpen,
		FailureCount:  count,
		LastFailureAt: last,
		TotalFailures: b.totalFailures.Load(),
		TotalRejected: b.totalRejected.Load(),
	}
}

// pruneLocked drops failures older than the window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.settings.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) setStateLocked(to State) (State, bool) {
	if b.state == to {
		return to, false
	}
	b.state = to
	return to, true
}

func (b *Breaker) notify(from, to State) {
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
