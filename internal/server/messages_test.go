package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponses(t *testing.T) {
	tests := []struct {
		name     string
		msg      *ServerMessage
		wantId   int
		wantCode int
		wantErr  string
	}{
		{"ok", NoErrOK(1, "data"), 1, http.StatusOK, ""},
		{"accepted", NoErrAccepted(2, nil), 2, http.StatusAccepted, ""},
		{"bad request", ErrBadRequest(3, "invalid status"), 3, http.StatusBadRequest, "invalid status"},
		{"forbidden", ErrForbidden(4, "access denied to conversation"), 4, http.StatusForbidden, "access denied to conversation"},
		{"not found", ErrNotFound(5, "callee offline"), 5, http.StatusNotFound, "callee offline"},
		{"internal", ErrInternalError(6), 6, http.StatusInternalServerError, "internal server error"},
		{"invalid message negative id", ErrInvalidMessage(-1), 0, http.StatusBadRequest, "invalid message format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.msg.Response)
			assert.Nil(t, tt.msg.Event)
			assert.Equal(t, tt.wantId, tt.msg.Id)
			assert.Equal(t, tt.wantCode, tt.msg.Response.ResponseCode)
			assert.Equal(t, tt.wantErr, tt.msg.Response.Error)
			assert.WithinDuration(t, time.Now(), tt.msg.Timestamp, time.Second)
		})
	}
}

func TestEventMessage(t *testing.T) {
	ev := NewEvent(KindTyping, "user_typing", RoomTarget("conv-1"), TypingPayload{UserId: "u1"})
	ev.From = "u1"
	ev.RoomId = "conv-1"

	msg := eventMessage(ev)
	require.NotNil(t, msg.Event)
	assert.Nil(t, msg.Response)
	assert.NotEmpty(t, msg.Event.Id)
	assert.Equal(t, ev.Id, msg.Event.Id)
	assert.Equal(t, KindTyping, msg.Event.Kind)
	assert.Equal(t, "user_typing", msg.Event.Name)
	assert.Equal(t, "u1", msg.Event.From)
	assert.Equal(t, "conv-1", msg.Event.RoomId)
}

func TestNewEvent_UniqueIds(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		ev := NewEvent(KindMessage, "new_message", AllTarget(), nil)
		_, dup := seen[ev.Id]
		assert.False(t, dup, "duplicate event id %q", ev.Id)
		seen[ev.Id] = struct{}{}
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "Sent a media file", preview(""))
	assert.Equal(t, "short", preview("short"))
	assert.Equal(t, strings.Repeat("é", 50), preview(strings.Repeat("é", 60)))
	assert.Equal(t, "hi", DirectMessagePayload{Content: "hi"}.Preview())
}

func TestNow(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Equal(t, 0, now.Nanosecond()%int(time.Millisecond))
}
