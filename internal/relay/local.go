package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Bus is an in-process fan-out shared by Local relays. It lets several
// dispatchers in one process (tests, single-binary demos) behave like nodes.
type Bus struct {
	mu       sync.RWMutex
	handlers map[*Local]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[*Local]Handler)}
}

// Local is a Relay on a Bus.
type Local struct {
	bus  *Bus
	node string
	log  *zap.Logger
}

// Join returns a relay for node on the bus.
func (b *Bus) Join(node string, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{bus: b, node: node, log: logger}
}

func (l *Local) Publish(_ context.Context, ev Event) error {
	data, err := encode(l.node, ev)
	if err != nil {
		return err
	}
	l.bus.mu.RLock()
	handlers := make([]Handler, 0, len(l.bus.handlers))
	for _, h := range l.bus.handlers {
		handlers = append(handlers, h)
	}
	l.bus.mu.RUnlock()

	for _, h := range handlers {
		deliver(l.log, l.node, data, h)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, h Handler) error {
	l.bus.mu.Lock()
	l.bus.handlers[l] = h
	l.bus.mu.Unlock()
	return nil
}

func (l *Local) Close() error {
	l.bus.mu.Lock()
	delete(l.bus.handlers, l)
	l.bus.mu.Unlock()
	return nil
}
