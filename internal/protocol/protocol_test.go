package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		want    Type
	}{
		{"chat", `{"type":"chat_message","channel_id":3,"content":"hi"}`, nil, TypeChatMessage},
		{"signaling", `{"type":"offer","target_id":9,"payload":{"sdp":"x"}}`, nil, TypeOffer},
		{"bad json", `{"type":`, ErrMalformed, ""},
		{"missing type", `{"channel_id":1}`, ErrMalformed, ""},
		{"unknown", `{"type":"teleport"}`, ErrUnknownType, "teleport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := DecodeInbound([]byte(tt.raw))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, in.Type)
		})
	}
}

func TestValidateChat(t *testing.T) {
	attachments := func(n int) []json.RawMessage {
		out := make([]json.RawMessage, n)
		for i := range out {
			out[i] = json.RawMessage(`{}`)
		}
		return out
	}

	tests := []struct {
		name    string
		in      Inbound
		ok      bool
		wantErr string
	}{
		{"valid", Inbound{ChannelID: 1, Content: "hello"}, true, ""},
		{"attachment only", Inbound{ChannelID: 1, Attachments: attachments(1)}, true, ""},
		{"missing channel", Inbound{Content: "hello"}, false, "channel ID is required"},
		{"blank", Inbound{ChannelID: 1, Content: "   "}, false, ""},
		{"too long", Inbound{ChannelID: 1, Content: strings.Repeat("a", MaxContentLength+1)}, false, "too long"},
		{"max length", Inbound{ChannelID: 1, Content: strings.Repeat("é", MaxContentLength)}, true, ""},
		{"too many attachments", Inbound{ChannelID: 1, Content: "x", Attachments: attachments(4)}, false, "attachments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.in.ValidateChat()
			assert.Equal(t, tt.ok, ok)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEncodeBatch(t *testing.T) {
	now := time.Unix(100, 0)
	a := MustEncode(TypeTyping, TypingData{User: UserRef{ID: 1}, ChannelID: 2}, now)
	b := EncodeError("nope", now)

	assert.Equal(t, a, EncodeBatch([][]byte{a}, now))

	var env struct {
		Type Type              `json:"type"`
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(EncodeBatch([][]byte{a, b}, now), &env))
	assert.Equal(t, TypeBatch, env.Type)
	require.Len(t, env.Data, 2)
	assert.JSONEq(t, string(a), string(env.Data[0]))
	assert.JSONEq(t, string(b), string(env.Data[1]))
}

func TestIsSignaling(t *testing.T) {
	assert.True(t, IsSignaling(TypeICECandidate))
	assert.True(t, IsSignaling(TypeSpeaking))
	assert.False(t, IsSignaling(TypeChatMessage))
}

func TestTimestamp(t *testing.T) {
	assert.InDelta(t, 1.5, Timestamp(time.Unix(1, int64(500*time.Millisecond))), 1e-9)
}
