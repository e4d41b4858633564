package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOutbound(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	tests := []struct {
		name  string
		frame Outbound
		want  string
	}{
		{"success response", Success(ActionLogin, "login successful"), `{"success":true,"message":"login successful","action":"login"}`},
		{"failure response", Failure(ActionRegister, "user already exists"), `{"success":false,"message":"user already exists","action":"register"}`},
		{"ping", NewPing(), `{"type":"ping"}`},
		{"chat", NewMessage("alice", "hi", at), `{"type":"message","sender":"alice","content":"hi","timestamp":1700000000123}`},
		{"empty offline batch", NewOfflineMessages(nil), `{"type":"offline-messages","messages":[]}`},
		{"empty roster", NewOnlineUsersList(nil), `{"type":"online-users-list","users":[],"count":0}`},
		{"sorted accounts", NewAllUsersList([]string{"carol", "alice", "bob"}), `{"type":"all-users-list","users":["alice","bob","carol"],"count":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestUserListDoesNotAliasInput(t *testing.T) {
	users := []string{"b", "a"}
	list := NewOnlineUsersList(users)
	assert.Equal(t, []string{"b", "a"}, users)
	assert.Equal(t, []string{"a", "b"}, list.Users)
}

func TestMessageSameAs(t *testing.T) {
	at := time.UnixMilli(42)
	m := NewMessage("alice", "hi", at)

	assert.True(t, m.SameAs(NewMessage("alice", "hi", at)))
	assert.False(t, m.SameAs(NewMessage("bob", "hi", at)))
	assert.False(t, m.SameAs(NewMessage("alice", "hi!", at)))
	assert.False(t, m.SameAs(NewMessage("alice", "hi", at.Add(time.Millisecond))))
}

func TestFrameTypes(t *testing.T) {
	assert.Equal(t, "response", Success("login", "").FrameType())
	assert.Equal(t, TypePing, NewPing().FrameType())
	assert.Equal(t, TypeOnlineUsersList, NewOnlineUsersList(nil).FrameType())
	assert.Equal(t, TypeAllUsersList, NewAllUsersList(nil).FrameType())
	assert.Equal(t, TypeOfflineMessages, NewOfflineMessages(nil).FrameType())
}

func TestBatchMessagesFitLimit(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	var messages []Message
	for i := 0; i < 50; i++ {
		messages = append(messages, NewMessage("alice", strings.Repeat("x", 100), at.Add(time.Duration(i)*time.Millisecond)))
	}

	const limit = 2048
	batches := BatchMessages(messages, limit)
	require.Greater(t, len(batches), 1)

	total := 0
	for _, batch := range batches {
		frame, err := Encode(NewOfflineMessages(batch))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(frame), limit)
		total += len(batch)
	}
	assert.Equal(t, len(messages), total)
	assert.Equal(t, messages[0], batches[0][0])
}

func TestBatchMessagesSingleFrame(t *testing.T) {
	messages := []Message{NewMessage("alice", "hi", time.UnixMilli(1))}
	assert.Equal(t, [][]Message{messages}, BatchMessages(messages, MaxPushFrameSize))
	assert.Empty(t, BatchMessages(nil, MaxPushFrameSize))

	huge := []Message{NewMessage("alice", strings.Repeat("x", 500), time.UnixMilli(1))}
	assert.Equal(t, [][]Message{huge}, BatchMessages(huge, 100), "oversized message still gets its own batch")
}
