package dispatch

import (
	"context"
	"errors"

	"github.com/Tyrowin/gochat-presence/internal/batcher"
	"github.com/Tyrowin/gochat-presence/internal/protocol"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/Tyrowin/gochat-presence/internal/relay"
	"github.com/Tyrowin/gochat-presence/internal/sendqueue"
	"go.uber.org/zap"
)

// SendToUser queues payload for every connection of userID, bypassing the
// batcher. A user that is not connected here is reached through the relay.
func (s *Service) SendToUser(userID registry.UserID, payload []byte) error {
	if !s.registry.IsConnected(userID) {
		s.publish(relay.Event{Scope: relay.ScopeUser, UserID: int64(userID), Payload: payload})
		return nil
	}
	return s.enqueue(sendqueue.Job{UserID: userID, Frame: payload})
}

// SendToConn queues payload for one connection only.
func (s *Service) SendToConn(conn *registry.Connection, payload []byte) error {
	return s.enqueue(sendqueue.Job{UserID: conn.UserID, ConnID: conn.ID, Frame: payload})
}

// sendToConn is SendToConn for replies where a drop is only logged.
func (s *Service) sendToConn(conn *registry.Connection, payload []byte) {
	_ = s.SendToConn(conn, payload)
}

func (s *Service) enqueue(job sendqueue.Job) error {
	err := s.queue.TryEnqueue(job)
	if err == nil {
		return nil
	}
	if errors.Is(err, sendqueue.ErrQueueFull) {
		s.metrics.JobDropped()
		s.log.Warn("send queue full, dropping frame",
			zap.Int64("user_id", int64(job.UserID)),
			zap.Int("bytes", len(job.Frame)))
	}
	return err
}

// SendToChannel fans payload out to the members of channelID, except the
// excluded users, through the chat batcher.
func (s *Service) SendToChannel(ctx context.Context, channelID registry.ChannelID, payload []byte, priority batcher.Priority, exclude ...registry.UserID) {
	s.deliverChannel(ctx, channelID, payload, priority, exclude)
	s.publish(relay.Event{
		Scope:     relay.ScopeChannel,
		ChannelID: int64(channelID),
		Exclude:   toInt64s(exclude),
		Priority:  int(priority),
		Payload:   payload,
	})
}

// Broadcast fans payload out to every connected user except the excluded
// ones.
func (s *Service) Broadcast(payload []byte, priority batcher.Priority, exclude ...registry.UserID) {
	s.deliverBroadcast(payload, priority, exclude)
	s.publish(relay.Event{
		Scope:    relay.ScopeBroadcast,
		Exclude:  toInt64s(exclude),
		Priority: int(priority),
		Payload:  payload,
	})
}

// signal forwards a voice signaling envelope to one user through the voice
// batcher.
func (s *Service) signal(target registry.UserID, payload []byte) {
	if !s.registry.IsConnected(target) {
		s.publish(relay.Event{
			Scope:    relay.ScopeUser,
			UserID:   int64(target),
			Priority: int(batcher.PriorityHigh),
			Payload:  payload,
		})
		return
	}
	s.voice.Add(batcher.Message{
		Payload:    payload,
		Recipients: []registry.UserID{target},
		Priority:   batcher.PriorityHigh,
	})
}

func (s *Service) deliverChannel(ctx context.Context, channelID registry.ChannelID, payload []byte, priority batcher.Priority, exclude []registry.UserID) {
	members := s.channelRecipients(ctx, channelID)
	s.chat.Add(batcher.Message{
		ChannelID:  channelID,
		Payload:    payload,
		Recipients: without(members, exclude),
		Priority:   priority,
	})
}

func (s *Service) deliverBroadcast(payload []byte, priority batcher.Priority, exclude []registry.UserID) {
	s.chat.Add(batcher.Message{
		Payload:    payload,
		Recipients: without(s.registry.Users(), exclude),
		Priority:   priority,
	})
}

// channelRecipients resolves the local members of channelID. When no local
// connection is scoped to the channel the stored membership is intersected
// with the connected users instead.
func (s *Service) channelRecipients(ctx context.Context, channelID registry.ChannelID) []registry.UserID {
	if members := s.registry.ChannelMembers(channelID); len(members) > 0 {
		return members
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	stored, err := s.store.ChannelMembers(ctx, channelID)
	if err != nil {
		s.log.Warn("loading channel members",
			zap.Int64("channel_id", int64(channelID)), zap.Error(err))
		return nil
	}
	out := stored[:0:0]
	for _, u := range stored {
		if s.registry.IsConnected(u) {
			out = append(out, u)
		}
	}
	return out
}

// flushBatch is the sink of both batchers.
func (s *Service) flushBatch(b batcher.Batch) {
	frame := protocol.EncodeBatch(b.Payloads, s.now())
	_ = s.enqueue(sendqueue.Job{UserID: b.UserID, Frame: frame})
}

func without(users, exclude []registry.UserID) []registry.UserID {
	if len(exclude) == 0 {
		return users
	}
	skip := make(map[registry.UserID]struct{}, len(exclude))
	for _, u := range exclude {
		skip[u] = struct{}{}
	}
	out := make([]registry.UserID, 0, len(users))
	for _, u := range users {
		if _, ok := skip[u]; !ok {
			out = append(out, u)
		}
	}
	return out
}

func toInt64s(users []registry.UserID) []int64 {
	if len(users) == 0 {
		return nil
	}
	out := make([]int64, len(users))
	for i, u := range users {
		out[i] = int64(u)
	}
	return out
}

func toUserIDs(ids []int64) []registry.UserID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]registry.UserID, len(ids))
	for i, id := range ids {
		out[i] = registry.UserID(id)
	}
	return out
}
