package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis relays events over a redis pub/sub channel.
type Redis struct {
	client *redis.Client
	topic  string
	node   string
	log    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewRedis connects to cfg.RedisAddr and verifies it with PING.
func NewRedis(ctx context.Context, cfg Config, node string, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay: redis ping %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisWithClient(client, cfg.Topic, node, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, topic, node string, logger *zap.Logger) *Redis {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, topic: topic, node: node, log: logger.With(zap.String("relay", KindRedis))}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := encode(r.node, ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.topic, data).Err(); err != nil {
		return fmt.Errorf("relay: redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	pubsub := r.client.Subscribe(ctx, r.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("relay: redis subscribe %s: %w", r.topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.pubsub = pubsub
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	r.log.Debug("subscribed to relay channel", zap.String("channel", r.topic))

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver(r.log, r.node, []byte(msg.Payload), h)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pubsub, cancel, done := r.pubsub, r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var firstErr error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			firstErr = err
		}
		<-done
	}
	if err := r.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
