// Package registry is the authoritative in-memory index of live connections,
// keyed by user and by channel. All mutation goes through Registry methods;
// the rest of the system holds identifiers, never raw transports.
package registry

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// UserID identifies an authenticated user.
type UserID int64

// ChannelID identifies a topic channel. NoChannel marks a connection that is
// not scoped to any channel.
type ChannelID int64

// ConnID identifies a single admitted connection.
type ConnID string

// NoChannel is the zero ChannelID.
const NoChannel ChannelID = 0

func (u UserID) String() string    { return strconv.FormatInt(int64(u), 10) }
func (c ChannelID) String() string { return strconv.FormatInt(int64(c), 10) }

// Class is the connection class declared by the client at upgrade time.
type Class string

const (
	ClassChat          Class = "chat"
	ClassVoice         Class = "voice"
	ClassNotifications Class = "notifications"
)

// ParseClass maps a raw query value onto a Class, defaulting to chat.
func ParseClass(raw string) Class {
	switch Class(raw) {
	case ClassVoice:
		return ClassVoice
	case ClassNotifications:
		return ClassNotifications
	default:
		return ClassChat
	}
}

// Transport is the write side of a bidirectional endpoint. Implementations
// must make Close idempotent and must fail WriteFrame fast once closed.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// Connection is a registry entry. Its channel scope is only read and written
// under the registry lock (see Registry.ChannelOf); the last-activity stamp
// is updated atomically so touches never take the write lock.
type Connection struct {
	ID          ConnID
	UserID      UserID
	Class       Class
	ConnectedAt time.Time

	channelID    ChannelID
	lastActivity atomic.Int64
	transport    Transport
}

// LastActivity returns the last time traffic was observed on the connection.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Transport returns the underlying endpoint for the duration of one send.
func (c *Connection) Transport() Transport { return c.transport }

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// Removal describes the outcome of a removal call. LastForUser lists users
// that no longer have any connection once the call returned.
type Removal struct {
	Removed     []*Connection
	LastForUser []UserID
	Reason      string
}

// Empty reports whether nothing was removed.
func (r Removal) Empty() bool { return len(r.Removed) == 0 }

// Stats is a point-in-time count of registry contents.
type Stats struct {
	Connections     int
	Users           int
	Channels        int
	PeakConnections int
	MaxConnections  int
}
