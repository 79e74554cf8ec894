// Package store persists presence, chat messages and reactions. The SQL
// implementation runs on SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq);
// the memory implementation serves development and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownDriver = errors.New("unknown store driver")
)

// NewMessage is a chat message to persist.
type NewMessage struct {
	ChannelID   registry.ChannelID
	AuthorID    registry.UserID
	Content     string
	Attachments []json.RawMessage
	ReplyToID   *int64
}

// Message is a persisted chat message.
type Message struct {
	ID          int64             `json:"id"`
	ChannelID   int64             `json:"channel_id"`
	AuthorID    int64             `json:"author_id"`
	Content     string            `json:"content"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	ReplyToID   *int64            `json:"reply_to_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ReactionChange adds or removes one emoji reaction.
type ReactionChange struct {
	MessageID int64
	UserID    registry.UserID
	Emoji     string
	Remove    bool
}

// Reaction is the stored result of a ReactionChange. ChannelID is resolved
// from the reacted message.
type Reaction struct {
	MessageID int64
	ChannelID registry.ChannelID
	UserID    registry.UserID
	Emoji     string
	Removed   bool
	At        time.Time
}

// Store is implemented by SQLStore and MemoryStore.
type Store interface {
	ChannelMembers(ctx context.Context, channelID registry.ChannelID) ([]registry.UserID, error)
	PersistPresence(ctx context.Context, userID registry.UserID, online bool, lastActivity time.Time) error
	StaleOnlineUsers(ctx context.Context, cutoff time.Time) ([]registry.UserID, error)
	MarkOffline(ctx context.Context, userIDs []registry.UserID) error
	PersistMessage(ctx context.Context, msg NewMessage) (*Message, error)
	PersistReaction(ctx context.Context, change ReactionChange) (*Reaction, error)
	CreateChannel(ctx context.Context, channelID registry.ChannelID, name string) error
	AddMember(ctx context.Context, channelID registry.ChannelID, userID registry.UserID) error
	Close() error
}

func validateMessage(msg NewMessage) error {
	if msg.ChannelID == registry.NoChannel || msg.AuthorID == 0 {
		return ErrInvalidInput
	}
	return nil
}

func validateReaction(change ReactionChange) error {
	if change.MessageID == 0 || change.Emoji == "" || change.UserID == 0 {
		return ErrInvalidInput
	}
	return nil
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
