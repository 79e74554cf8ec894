package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/Tyrowin/gochat-presence/internal/batcher"
	"github.com/Tyrowin/gochat-presence/internal/presence"
	"github.com/Tyrowin/gochat-presence/internal/protocol"
	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/Tyrowin/gochat-presence/internal/store"
	"go.uber.org/zap"
)

// Error messages sent back to the originating connection.
const (
	errInvalidJSON      = "Invalid JSON format"
	errChannelNotFound  = "Channel not found"
	errMessageNotFound  = "Message not found"
	errSendFailed       = "Failed to send message"
	errReactionFailed   = "Failed to update reaction"
	errTargetRequired   = "target_id is required"
	errChannelRequired  = "channel ID is required"
	errUnknownTypeLabel = "Unknown message type: "
)

// Touch records activity for conn without an inbound envelope, e.g. on a
// WebSocket pong control frame.
func (s *Service) Touch(conn *registry.Connection) {
	s.registry.TouchConn(conn.ID)
	if s.presence.Heartbeat(conn.UserID) {
		s.broadcastStatus(conn.UserID, presence.Status{Online: true, LastActivity: s.now()})
	}
}

// Ping queues an application ping envelope for conn.
func (s *Service) Ping(conn *registry.Connection) error {
	return s.SendToConn(conn, protocol.MustEncode(protocol.TypePing, nil, s.now()))
}

// HandleInbound routes one client frame received on conn. Invalid frames are
// answered with an error envelope on conn only; the connection is kept.
func (s *Service) HandleInbound(ctx context.Context, conn *registry.Connection, raw []byte) {
	s.metrics.MessageReceived(len(raw))
	s.Touch(conn)

	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			s.replyError(conn, errUnknownTypeLabel+string(in.Type))
		default:
			s.replyError(conn, errInvalidJSON)
		}
		return
	}

	switch in.Type {
	case protocol.TypeChatMessage:
		s.handleChat(ctx, conn, in)
	case protocol.TypeTyping:
		s.handleTyping(ctx, conn, in)
	case protocol.TypeHeartbeat:
		s.sendToConn(conn, protocol.MustEncode(protocol.TypePong, nil, s.now()))
	case protocol.TypePong:
		// activity already recorded
	case protocol.TypeJoinChannel:
		s.handleJoin(ctx, conn, in)
	case protocol.TypeLeaveChannel:
		s.handleLeave(ctx, conn, in)
	case protocol.TypeReactionAdd, protocol.TypeReactionRemove:
		s.handleReaction(ctx, conn, in)
	default:
		if protocol.IsSignaling(in.Type) {
			s.handleSignal(conn, in)
		}
	}
}

func (s *Service) replyError(conn *registry.Connection, msg string) {
	s.sendToConn(conn, protocol.EncodeError(msg, s.now()))
}

func (s *Service) handleChat(ctx context.Context, conn *registry.Connection, in protocol.Inbound) {
	ok, err := in.ValidateChat()
	if err != nil {
		s.replyError(conn, err.Error())
		return
	}
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	msg, err := s.store.PersistMessage(ctx, store.NewMessage{
		ChannelID:   registry.ChannelID(in.ChannelID),
		AuthorID:    conn.UserID,
		Content:     strings.TrimSpace(in.Content),
		Attachments: in.Attachments,
		ReplyToID:   in.ReplyToID,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.replyError(conn, errChannelNotFound)
			return
		}
		s.log.Error("persisting chat message",
			zap.Int64("user_id", int64(conn.UserID)),
			zap.Int64("channel_id", in.ChannelID),
			zap.Error(err))
		s.replyError(conn, errSendFailed)
		return
	}

	payload := protocol.MustEncode(protocol.TypeNewMessage, msg, s.now())
	s.SendToChannel(ctx, registry.ChannelID(in.ChannelID), payload, batcher.PriorityNormal)
	s.log.Debug("chat message dispatched",
		zap.Int64("message_id", msg.ID),
		zap.Int64("channel_id", in.ChannelID))
}

func (s *Service) handleTyping(ctx context.Context, conn *registry.Connection, in protocol.Inbound) {
	if in.ChannelID == 0 {
		return
	}
	payload := protocol.MustEncode(protocol.TypeTyping, protocol.TypingData{
		User:      protocol.UserRef{ID: int64(conn.UserID)},
		ChannelID: in.ChannelID,
	}, s.now())
	s.SendToChannel(ctx, registry.ChannelID(in.ChannelID), payload, batcher.PriorityLow, conn.UserID)
}

func (s *Service) handleJoin(ctx context.Context, conn *registry.Connection, in protocol.Inbound) {
	if in.ChannelID == 0 {
		s.replyError(conn, errChannelRequired)
		return
	}
	to := registry.ChannelID(in.ChannelID)
	from, ok := s.registry.Move(conn.ID, to)
	if !ok || from == to {
		return
	}
	if from != registry.NoChannel {
		s.notifyMembership(ctx, protocol.TypeUserLeftChannel, conn.UserID, from)
	}
	s.notifyMembership(ctx, protocol.TypeUserJoinedChannel, conn.UserID, to)
}

// handleLeave only acts when conn is currently scoped to the named channel.
func (s *Service) handleLeave(ctx context.Context, conn *registry.Connection, in protocol.Inbound) {
	if in.ChannelID == 0 {
		s.replyError(conn, errChannelRequired)
		return
	}
	ch := registry.ChannelID(in.ChannelID)
	if cur, ok := s.registry.ChannelOf(conn.ID); !ok || cur != ch {
		return
	}
	s.registry.Move(conn.ID, registry.NoChannel)
	s.notifyMembership(ctx, protocol.TypeUserLeftChannel, conn.UserID, ch)
}

func (s *Service) notifyMembership(ctx context.Context, t protocol.Type, userID registry.UserID, ch registry.ChannelID) {
	payload := protocol.MustEncode(t, protocol.ChannelMembershipData{
		User:      protocol.UserRef{ID: int64(userID)},
		ChannelID: int64(ch),
	}, s.now())
	s.SendToChannel(ctx, ch, payload, batcher.PriorityNormal, userID)
}

func (s *Service) handleReaction(ctx context.Context, conn *registry.Connection, in protocol.Inbound) {
	if in.MessageID == 0 || in.Emoji == "" {
		return
	}
	remove := in.Type == protocol.TypeReactionRemove

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	r, err := s.store.PersistReaction(ctx, store.ReactionChange{
		MessageID: in.MessageID,
		UserID:    conn.UserID,
		Emoji:     in.Emoji,
		Remove:    remove,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.replyError(conn, errMessageNotFound)
			return
		}
		s.log.Error("persisting reaction",
			zap.Int64("user_id", int64(conn.UserID)),
			zap.Int64("message_id", in.MessageID),
			zap.Error(err))
		s.replyError(conn, errReactionFailed)
		return
	}

	t := protocol.TypeReactionAdded
	if remove {
		t = protocol.TypeReactionRemoved
	}
	payload := protocol.MustEncode(t, protocol.ReactionData{
		MessageID: r.MessageID,
		ChannelID: int64(r.ChannelID),
		Emoji:     r.Emoji,
		User:      protocol.UserRef{ID: int64(conn.UserID)},
	}, s.now())
	s.SendToChannel(ctx, r.ChannelID, payload, batcher.PriorityNormal)
}

func (s *Service) handleSignal(conn *registry.Connection, in protocol.Inbound) {
	if in.TargetID == 0 {
		s.replyError(conn, errTargetRequired)
		return
	}
	payload := protocol.MustEncode(in.Type, protocol.SignalData{
		From:      int64(conn.UserID),
		ChannelID: in.ChannelID,
		Payload:   in.Payload,
	}, s.now())
	s.signal(registry.UserID(in.TargetID), payload)
}
