package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS relays events over a NATS subject.
type NATS struct {
	conn  *nats.Conn
	topic string
	node  string
	log   *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATS connects to cfg.NATSURL.
func NewNATS(cfg Config, node string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("relay", KindNATS))
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("gochat-"+node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect %s: %w", cfg.NATSURL, err)
	}
	return NewNATSWithConn(nc, cfg.Topic, node, logger), nil
}

// NewNATSWithConn wraps an existing connection.
func NewNATSWithConn(nc *nats.Conn, topic, node string, logger *zap.Logger) *NATS {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: nc, topic: topic, node: node, log: logger.With(zap.String("relay", KindNATS))}
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	data, err := encode(n.node, ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.topic, data); err != nil {
		return fmt.Errorf("relay: nats publish: %w", err)
	}
	return nil
}

func (n *NATS) Subscribe(_ context.Context, h Handler) error {
	sub, err := n.conn.Subscribe(n.topic, func(msg *nats.Msg) {
		deliver(n.log, n.node, msg.Data, h)
	})
	if err != nil {
		return fmt.Errorf("relay: nats subscribe %s: %w", n.topic, err)
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("relay: nats flush: %w", err)
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	n.log.Debug("subscribed to relay subject", zap.String("subject", n.topic))
	return nil
}

func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return nil
	}
	n.mu.Lock()
	sub := n.sub
	n.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			n.log.Debug("nats unsubscribe", zap.Error(err))
		}
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("relay: nats drain: %w", err)
	}
	return nil
}
