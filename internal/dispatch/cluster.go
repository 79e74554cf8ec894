package dispatch

import (
	"context"
	"encoding/json"

	"github.com/Tyrowin/gochat-presence/internal/batcher"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/Tyrowin/gochat-presence/internal/relay"
	"github.com/Tyrowin/gochat-presence/internal/sendqueue"
	"go.uber.org/zap"
)

// publish hands ev to the relay loop without blocking the caller. Events are
// dropped when no relay is configured or the buffer is full.
func (s *Service) publish(ev relay.Event) {
	if s.relay == nil {
		return
	}
	select {
	case s.relayCh <- ev:
	default:
		s.log.Warn("relay buffer full, dropping event", zap.String("scope", string(ev.Scope)))
	}
}

func (s *Service) publishLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.relayCh:
			s.publishNow(ev)
		case <-ctx.Done():
			// Offline notifications raised during shutdown still go out.
			for {
				select {
				case ev := <-s.relayCh:
					s.publishNow(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) publishNow(ev relay.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := s.relay.Publish(ctx, ev); err != nil {
		s.log.Warn("relay publish failed", zap.String("scope", string(ev.Scope)), zap.Error(err))
	}
}

// onRelayEvent delivers an event published by another node to the local
// connections it targets. It never republishes.
func (s *Service) onRelayEvent(ev relay.Event) {
	priority := batcher.Priority(ev.Priority)
	payload := []byte(ev.Payload)
	if !json.Valid(payload) {
		s.log.Warn("relay event with invalid payload", zap.String("from", ev.Node))
		return
	}
	switch ev.Scope {
	case relay.ScopeChannel:
		s.deliverChannel(context.Background(), registry.ChannelID(ev.ChannelID), payload, priority, toUserIDs(ev.Exclude))
	case relay.ScopeBroadcast:
		s.deliverBroadcast(payload, priority, toUserIDs(ev.Exclude))
	case relay.ScopeUser:
		user := registry.UserID(ev.UserID)
		if !s.registry.IsConnected(user) {
			return
		}
		if priority == batcher.PriorityHigh {
			s.voice.Add(batcher.Message{Payload: payload, Recipients: []registry.UserID{user}, Priority: priority})
			return
		}
		_ = s.enqueue(sendqueue.Job{UserID: user, Frame: payload})
	default:
		s.log.Warn("relay event with unknown scope", zap.String("scope", string(ev.Scope)))
	}
}
