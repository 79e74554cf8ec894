// Package relay republishes channel and broadcast dispatches to peer nodes.
// Each node delivers relayed events to its own local connections only and
// ignores events it published itself.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Kinds of relay backends.
const (
	KindNone  = "none"
	KindRedis = "redis"
	KindNATS  = "nats"
)

// Scope is what a relayed event targets on the receiving node.
type Scope string

const (
	ScopeChannel   Scope = "channel"
	ScopeBroadcast Scope = "broadcast"
	ScopeUser      Scope = "user"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("relay closed")

// Event is the cross-node wire format.
type Event struct {
	Node      string          `json:"node"`
	Scope     Scope           `json:"scope"`
	ChannelID int64           `json:"channel_id,omitempty"`
	UserID    int64           `json:"user_id,omitempty"`
	Exclude   []int64         `json:"exclude,omitempty"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
}

// Handler receives events published by other nodes.
type Handler func(Event)

// Relay is a pub/sub transport between nodes.
type Relay interface {
	// Publish sends ev to every other node. The node id is filled in.
	Publish(ctx context.Context, ev Event) error
	// Subscribe starts delivering remote events to h. It returns once the
	// subscription is established.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind      string
	Topic     string
	RedisAddr string
	RedisDB   int
	RedisPass string
	NATSURL   string
}

// DefaultTopic is the redis channel / NATS subject events travel on.
const DefaultTopic = "gochat.dispatch"

// New builds the configured relay. KindNone (or empty) returns nil.
func New(ctx context.Context, cfg Config, node string, logger *zap.Logger) (Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindRedis:
		r, err := NewRedis(ctx, cfg, node, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case KindNATS:
		n, err := NewNATS(cfg, node, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("relay: unknown kind %q", cfg.Kind)
	}
}

func encode(node string, ev Event) ([]byte, error) {
	ev.Node = node
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("relay: encode event: %w", err)
	}
	return data, nil
}

// decode parses data and reports whether it should be delivered locally.
func decode(node string, data []byte) (Event, bool, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false, fmt.Errorf("relay: decode event: %w", err)
	}
	if ev.Node == node {
		return ev, false, nil
	}
	return ev, true, nil
}

func deliver(log *zap.Logger, node string, data []byte, h Handler) {
	ev, ok, err := decode(node, data)
	if err != nil {
		log.Warn("dropping relay event", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("relay handler panicked", zap.Any("panic", r))
		}
	}()
	h(ev)
}
