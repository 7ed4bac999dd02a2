package server

import (
	"net/http"
	"time"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Event is the wire form of an OutboundEvent.
type Event struct {
	Id      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	Name    string    `json:"name"`
	From    string    `json:"from,omitempty"`
	RoomId  string    `json:"room_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

type PresencePayload struct {
	UserId    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Status    Status    `json:"status"`
	Previous  Status    `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagePayload struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content"`
	MediaUrl       string    `json:"media_url,omitempty"`
	MediaType      string    `json:"media_type,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageNotificationPayload tells a conversation participant that a new
// message arrived, whether or not they have the conversation open.
type MessageNotificationPayload struct {
	MessageId      string    `json:"message_id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Excerpt        string    `json:"preview"`
	Timestamp      time.Time `json:"timestamp"`
}

func (p MessageNotificationPayload) Preview() string {
	return p.Excerpt
}

type DirectMessagePayload struct {
	From      string    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (p DirectMessagePayload) Preview() string {
	return preview(p.Content)
}

type TypingPayload struct {
	UserId         string `json:"user_id"`
	Username       string `json:"username,omitempty"`
	ConversationId string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type ReadReceiptPayload struct {
	MessageId      string    `json:"message_id"`
	ConversationId string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadByName     string    `json:"read_by_name,omitempty"`
	ReadAt         time.Time `json:"read_at"`
}

// CallPayload carries call signaling between two users. Signal holds the
// client's offer, answer or ICE candidate untouched.
type CallPayload struct {
	From       string    `json:"from"`
	FromName   string    `json:"from_name,omitempty"`
	FromAvatar string    `json:"from_avatar,omitempty"`
	CallType   string    `json:"call_type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Signal     any       `json:"signal,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type StoryViewPayload struct {
	StoryId      string    `json:"story_id"`
	ViewerId     string    `json:"viewer_id"`
	ViewerName   string    `json:"viewer_name,omitempty"`
	ViewerAvatar string    `json:"viewer_avatar,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type PostUpdatePayload struct {
	PostId    string    `json:"post_id"`
	Action    string    `json:"action"`
	UserId    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ShutdownPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return response(id, http.StatusAccepted, "", data)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return response(id, http.StatusBadRequest, reason, nil)
}

func ErrForbidden(id int, reason string) *ServerMessage {
	return response(id, http.StatusForbidden, reason, nil)
}

func ErrNotFound(id int, reason string) *ServerMessage {
	return response(id, http.StatusNotFound, reason, nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

func eventMessage(ev OutboundEvent) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: &Event{
			Id:      ev.Id,
			Kind:    ev.Kind,
			Name:    ev.Name,
			From:    ev.From,
			RoomId:  ev.RoomId,
			Payload: ev.Payload,
		},
	}
}

func preview(content string) string {
	if content == "" {
		return "Sent a media file"
	}
	r := []rune(content)
	if len(r) > 50 {
		return string(r[:50])
	}
	return content
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
