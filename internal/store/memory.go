package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
)

type memoryPresence struct {
	online bool
	last   time.Time
}

type reactionKey struct {
	messageID int64
	userID    registry.UserID
	emoji     string
}

// MemoryStore is an in-process Store. Every channel is accepted as existing.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	presence  map[registry.UserID]memoryPresence
	channels  map[registry.ChannelID]string
	members   map[registry.ChannelID]map[registry.UserID]struct{}
	messages  map[int64]*Message
	reactions map[reactionKey]time.Time
	nextID    int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		presence:  make(map[registry.UserID]memoryPresence),
		channels:  make(map[registry.ChannelID]string),
		members:   make(map[registry.ChannelID]map[registry.UserID]struct{}),
		messages:  make(map[int64]*Message),
		reactions: make(map[reactionKey]time.Time),
	}
}

func (s *MemoryStore) ChannelMembers(_ context.Context, channelID registry.ChannelID) ([]registry.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.UserID, 0, len(s.members[channelID]))
	for u := range s.members[channelID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) PersistPresence(_ context.Context, userID registry.UserID, online bool, lastActivity time.Time) error {
	s.mu.Lock()
	s.presence[userID] = memoryPresence{online: online, last: lastActivity}
	s.mu.Unlock()
	return nil
}

// Presence reports the stored presence of userID.
func (s *MemoryStore) Presence(userID registry.UserID) (online bool, lastActivity time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	return p.online, p.last, ok
}

func (s *MemoryStore) StaleOnlineUsers(_ context.Context, cutoff time.Time) ([]registry.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.UserID
	for u, p := range s.presence {
		if p.online && p.last.Before(cutoff) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userIDs []registry.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		if p, ok := s.presence[u]; ok {
			p.online = false
			s.presence[u] = p
		}
	}
	return nil
}

func (s *MemoryStore) PersistMessage(_ context.Context, msg NewMessage) (*Message, error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := &Message{
		ID:          s.nextID,
		ChannelID:   int64(msg.ChannelID),
		AuthorID:    int64(msg.AuthorID),
		Content:     msg.Content,
		Attachments: msg.Attachments,
		ReplyToID:   msg.ReplyToID,
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
	}
	s.messages[m.ID] = m
	return m, nil
}

func (s *MemoryStore) PersistReaction(_ context.Context, change ReactionChange) (*Reaction, error) {
	if err := validateReaction(change); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[change.MessageID]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", change.MessageID, ErrNotFound)
	}
	key := reactionKey{messageID: change.MessageID, userID: change.UserID, emoji: change.Emoji}
	now := s.now().UTC()
	if change.Remove {
		delete(s.reactions, key)
	} else if _, exists := s.reactions[key]; !exists {
		s.reactions[key] = now
	}
	return &Reaction{
		MessageID: change.MessageID,
		ChannelID: registry.ChannelID(m.ChannelID),
		UserID:    change.UserID,
		Emoji:     change.Emoji,
		Removed:   change.Remove,
		At:        now,
	}, nil
}

// ReactionCount returns how many users reacted to messageID with emoji.
func (s *MemoryStore) ReactionCount(messageID int64, emoji string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.reactions {
		if k.messageID == messageID && k.emoji == emoji {
			n++
		}
	}
	return n
}

func (s *MemoryStore) CreateChannel(_ context.Context, channelID registry.ChannelID, name string) error {
	s.mu.Lock()
	s.channels[channelID] = name
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, channelID registry.ChannelID, userID registry.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[channelID]
	if !ok {
		members = make(map[registry.UserID]struct{})
		s.members[channelID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
