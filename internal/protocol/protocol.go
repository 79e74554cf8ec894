// Package protocol defines the JSON envelopes exchanged with clients over the
// WebSocket connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type names an envelope.
type Type string

// Inbound types.
const (
	TypeChatMessage    Type = "chat_message"
	TypeTyping         Type = "typing"
	TypeHeartbeat      Type = "heartbeat"
	TypePong           Type = "pong"
	TypeJoinChannel    Type = "join_channel"
	TypeLeaveChannel   Type = "leave_channel"
	TypeReactionAdd    Type = "reaction_add"
	TypeReactionRemove Type = "reaction_remove"
)

// Voice signaling types, forwarded verbatim to the target user.
const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypeMute         Type = "mute"
	TypeDeafen       Type = "deafen"
	TypeSpeaking     Type = "speaking"
)

// Outbound types.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypeNewMessage            Type = "new_message"
	TypeUserStatusChanged     Type = "user_status_changed"
	TypeUserJoinedChannel     Type = "user_joined_channel"
	TypeUserLeftChannel       Type = "user_left_channel"
	TypeReactionAdded         Type = "reaction_added"
	TypeReactionRemoved       Type = "reaction_removed"
	TypeBatch                 Type = "batch"
	TypePing                  Type = "ping"
	TypeError                 Type = "error"
)

// Limits applied to inbound chat messages.
const (
	MaxContentLength = 5000
	MaxAttachments   = 3
)

var (
	// ErrMalformed wraps JSON decoding failures.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes with an unrouted type.
	ErrUnknownType = errors.New("unknown message type")
)

var inboundTypes = map[Type]struct{}{
	TypeChatMessage:    {},
	TypeTyping:         {},
	TypeHeartbeat:      {},
	TypePong:           {},
	TypeJoinChannel:    {},
	TypeLeaveChannel:   {},
	TypeReactionAdd:    {},
	TypeReactionRemove: {},
	TypeOffer:          {},
	TypeAnswer:         {},
	TypeICECandidate:   {},
	TypeMute:           {},
	TypeDeafen:         {},
	TypeSpeaking:       {},
}

// IsSignaling reports whether t is a voice signaling type.
func IsSignaling(t Type) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeMute, TypeDeafen, TypeSpeaking:
		return true
	}
	return false
}

// Inbound is a client event. Besides the generic channel/target/payload
// fields it carries the flattened chat and reaction fields web clients send.
type Inbound struct {
	Type        Type              `json:"type"`
	ChannelID   int64             `json:"channel_id,omitempty"`
	TargetID    int64             `json:"target_id,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Content     string            `json:"content,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	ReplyToID   *int64            `json:"reply_to_id,omitempty"`
	MessageID   int64             `json:"message_id,omitempty"`
	Emoji       string            `json:"emoji,omitempty"`
}

// DecodeInbound parses raw into an Inbound. Syntax errors wrap ErrMalformed;
// types that are not routed wrap ErrUnknownType.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return in, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if _, ok := inboundTypes[in.Type]; !ok {
		return in, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)
	}
	return in, nil
}

// ValidateChat checks a chat_message. The returned bool is false for an
// empty message, which is dropped without an error reply.
func (in Inbound) ValidateChat() (bool, error) {
	if in.ChannelID == 0 {
		return false, errors.New("channel ID is required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return false, nil
	}
	if len([]rune(content)) > MaxContentLength {
		return false, fmt.Errorf("message too long (max %d characters)", MaxContentLength)
	}
	if len(in.Attachments) > MaxAttachments {
		return false, fmt.Errorf("too many attachments (max %d)", MaxAttachments)
	}
	return true, nil
}

// Outbound is the server envelope.
type Outbound struct {
	Type      Type    `json:"type"`
	Data      any     `json:"data,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Timestamp converts t to fractional unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Encode marshals an outbound envelope.
func Encode(t Type, data any, now time.Time) ([]byte, error) {
	return json.Marshal(Outbound{Type: t, Data: data, Timestamp: Timestamp(now)})
}

// MustEncode is Encode for data known to marshal.
func MustEncode(t Type, data any, now time.Time) []byte {
	b, err := Encode(t, data, now)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %s: %v", t, err))
	}
	return b
}

// ErrorData is the body of an error envelope.
type ErrorData struct {
	Message string `json:"message"`
}

// EncodeError builds an error envelope.
func EncodeError(msg string, now time.Time) []byte {
	return MustEncode(TypeError, ErrorData{Message: msg}, now)
}

// EncodeBatch wraps already encoded envelopes into one batch frame. A single
// payload is returned unchanged.
func EncodeBatch(payloads [][]byte, now time.Time) []byte {
	if len(payloads) == 1 {
		return payloads[0]
	}
	msgs := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		msgs[i] = p
	}
	return MustEncode(TypeBatch, msgs, now)
}

// UserRef identifies the acting user inside outbound data.
type UserRef struct {
	ID int64 `json:"id"`
}

// StatusData is the body of user_status_changed.
type StatusData struct {
	UserID       int64   `json:"user_id"`
	Status       string  `json:"status"`
	LastActivity float64 `json:"last_activity,omitempty"`
}

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// WelcomeData is the body of connection_established.
type WelcomeData struct {
	ConnectionID string `json:"connection_id"`
	UserID       int64  `json:"user_id"`
	ChannelID    int64  `json:"channel_id,omitempty"`
	Class        string `json:"class"`
}

// TypingData is the body of typing.
type TypingData struct {
	User      UserRef `json:"user"`
	ChannelID int64   `json:"channel_id"`
}

// ChannelMembershipData is the body of user_joined_channel and
// user_left_channel.
type ChannelMembershipData struct {
	User      UserRef `json:"user"`
	ChannelID int64   `json:"channel_id"`
}

// ReactionData is the body of reaction_added and reaction_removed.
type ReactionData struct {
	MessageID int64   `json:"message_id"`
	ChannelID int64   `json:"channel_id"`
	Emoji     string  `json:"emoji"`
	User      UserRef `json:"user"`
}

// SignalData is the body of a forwarded signaling envelope.
type SignalData struct {
	From      int64           `json:"from"`
	ChannelID int64           `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
