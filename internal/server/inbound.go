package server

import (
	"encoding/json"
	"errors"

	"github.com/npezzotti/go-presence/internal/database"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type conversationRequest struct {
	ConversationId string `json:"conversation_id"`
}

type sendMessageRequest struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	MediaUrl       string `json:"media_url"`
	MediaType      string `json:"media_type"`
	TempId         string `json:"temp_id"`
}

type sendDirectRequest struct {
	TargetUserId string `json:"target_user_id"`
	Content      string `json:"content"`
}

type messageReadRequest struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type callRequest struct {
	TargetUserId string          `json:"target_user_id"`
	CallType     string          `json:"call_type"`
	Reason       string          `json:"reason"`
	Signal       json.RawMessage `json:"signal"`
}

type storyViewRequest struct {
	StoryId string `json:"story_id"`
	OwnerId string `json:"owner_id"`
}

type postUpdateRequest struct {
	PostId string `json:"post_id"`
	Action string `json:"action"`
}

type inboundFrame struct {
	id   int
	typ  string
	data gjson.Result
}

func (f inboundFrame) decode(v any) bool {
	if !f.data.Exists() || !f.data.IsObject() {
		return false
	}
	return json.Unmarshal([]byte(f.data.Raw), v) == nil
}

type inboundHandler func(cs *ChatServer, c *Client, f inboundFrame)

var inboundHandlers = map[string]inboundHandler{
	"join_conversation":  handleJoin,
	"leave_conversation": handleLeave,
	"send_message":       handleSendMessage,
	"send_direct":        handleSendDirect,
	"message_read":       handleMessageRead,
	"typing_start":       handleTyping(true),
	"typing_stop":        handleTyping(false),
	"status_update":      handleStatus,
	"call_initiate":      handleCallInitiate,
	"call_answer":        handleCallSignal((*SignalingRelay).CallAnswer),
	"call_reject":        handleCallSignal((*SignalingRelay).CallReject),
	"call_end":           handleCallSignal((*SignalingRelay).CallEnd),
	"ice_candidate":      handleCallSignal((*SignalingRelay).IceCandidate),
	"story_view":         handleStoryView,
	"post_like":          handlePostUpdate,
	"manual_disconnect":  handleManualDisconnect,
}

// handleInbound dispatches one client frame. Frames from a connection are
// handled in the order they were read.
func (cs *ChatServer) handleInbound(c *Client, raw []byte) {
	if !gjson.ValidBytes(raw) {
		c.queueMessage(ErrInvalidMessage(0))
		return
	}

	frame := gjson.ParseBytes(raw)
	f := inboundFrame{
		id:   int(frame.Get("id").Int()),
		typ:  frame.Get("type").String(),
		data: frame.Get("data"),
	}

	handler, ok := inboundHandlers[f.typ]
	if !ok {
		c.log.Debug("unknown message type", zap.String("type", f.typ))
		c.queueMessage(ErrBadRequest(f.id, "unknown message type"))
		return
	}

	handler(cs, c, f)
}

func (c *Client) origin() Origin {
	return Origin{UserId: c.user.UserId, ConnId: c.id}
}

func handleJoin(cs *ChatServer, c *Client, f inboundFrame) {
	var req conversationRequest
	if !f.decode(&req) || req.ConversationId == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	if err := cs.JoinRoom(c.ctx, c.id, req.ConversationId); err != nil {
		switch {
		case errors.Is(err, ErrAccessDenied):
			c.queueMessage(ErrForbidden(f.id, "access denied to conversation"))
		case errors.Is(err, ErrNotConnected):
			c.queueMessage(ErrBadRequest(f.id, "not connected"))
		default:
			c.log.Error("join failed", zap.String("room_id", req.ConversationId), zap.Error(err))
			c.queueMessage(ErrInternalError(f.id))
		}
		return
	}

	c.queueMessage(NoErrOK(f.id, map[string]string{"conversation_id": req.ConversationId}))
}

func handleLeave(cs *ChatServer, c *Client, f inboundFrame) {
	var req conversationRequest
	if !f.decode(&req) || req.ConversationId == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	if err := cs.LeaveRoom(c.id, req.ConversationId); err != nil {
		c.queueMessage(ErrBadRequest(f.id, "not connected"))
		return
	}
	c.queueMessage(NoErrOK(f.id, map[string]string{"conversation_id": req.ConversationId}))
}

// handleSendMessage persists a conversation message, fans it out to the
// conversation room and notifies the other participants.
func handleSendMessage(cs *ChatServer, c *Client, f inboundFrame) {
	var req sendMessageRequest
	if !f.decode(&req) || req.ConversationId == "" || (req.Content == "" && req.MediaUrl == "") {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	if !cs.rooms.IsMember(c.id, req.ConversationId) {
		c.queueMessage(ErrForbidden(f.id, "conversation not joined"))
		return
	}

	msg, err := cs.db.CreateMessage(c.ctx, database.CreateMessageParams{
		ConversationId: req.ConversationId,
		SenderId:       c.user.UserId,
		Content:        req.Content,
		MediaUrl:       req.MediaUrl,
		MediaType:      req.MediaType,
	})
	if err != nil {
		c.log.Error("failed to persist message", zap.String("room_id", req.ConversationId), zap.Error(err))
		c.queueMessage(ErrInternalError(f.id))
		return
	}

	report, err := cs.SendToRoom(c.id, req.ConversationId, MessagePayload{
		Id:             msg.Id,
		ConversationId: msg.ConversationId,
		SenderId:       msg.SenderId,
		SenderName:     c.user.DisplayName,
		Content:        msg.Content,
		MediaUrl:       msg.MediaUrl,
		MediaType:      msg.MediaType,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, ErrNotInRoom) {
			c.queueMessage(ErrForbidden(f.id, "conversation not joined"))
		}
		return
	}

	if _, err := cs.NotifyParticipants(c.ctx, c.id, req.ConversationId, MessageNotificationPayload{
		MessageId:      msg.Id,
		ConversationId: msg.ConversationId,
		SenderId:       msg.SenderId,
		SenderName:     c.user.DisplayName,
		Excerpt:        preview(msg.Content),
		Timestamp:      msg.CreatedAt,
	}); err != nil {
		c.log.Warn("failed to notify participants", zap.String("room_id", req.ConversationId), zap.Error(err))
	}

	c.queueMessage(NoErrAccepted(f.id, map[string]any{
		"message_id": msg.Id,
		"temp_id":    req.TempId,
		"delivered":  len(report.Delivered),
	}))
}

func handleSendDirect(cs *ChatServer, c *Client, f inboundFrame) {
	var req sendDirectRequest
	if !f.decode(&req) || req.TargetUserId == "" || req.Content == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	report, err := cs.SendToUser(c.id, req.TargetUserId, DirectMessagePayload{
		From:      c.user.UserId,
		FromName:  c.user.DisplayName,
		Content:   req.Content,
		Timestamp: Now(),
	})
	if err != nil {
		return
	}

	c.queueMessage(NoErrAccepted(f.id, map[string]any{
		"delivered": len(report.Delivered),
		"offline":   len(report.Offline) > 0,
	}))
}

func handleMessageRead(cs *ChatServer, c *Client, f inboundFrame) {
	var req messageReadRequest
	if !f.decode(&req) || req.MessageId == "" || req.ConversationId == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}
	if !cs.rooms.IsMember(c.id, req.ConversationId) {
		return
	}

	updated, err := cs.db.MarkMessageRead(c.ctx, database.MarkReadParams{
		MessageId:      req.MessageId,
		ConversationId: req.ConversationId,
		ReaderId:       c.user.UserId,
	})
	if err != nil {
		c.log.Error("failed to mark message read", zap.String("message_id", req.MessageId), zap.Error(err))
		return
	}
	if !updated {
		return
	}

	cs.relay.ReadReceipt(c.origin(), req.ConversationId, ReadReceiptPayload{
		MessageId:      req.MessageId,
		ConversationId: req.ConversationId,
		ReadBy:         c.user.UserId,
		ReadByName:     c.user.DisplayName,
		ReadAt:         Now(),
	})
}

func handleTyping(isTyping bool) inboundHandler {
	return func(cs *ChatServer, c *Client, f inboundFrame) {
		var req conversationRequest
		if !f.decode(&req) || req.ConversationId == "" {
			return
		}
		if !cs.rooms.IsMember(c.id, req.ConversationId) {
			return
		}

		cs.relay.Typing(c.origin(), req.ConversationId, TypingPayload{
			UserId:         c.user.UserId,
			Username:       c.user.Username,
			ConversationId: req.ConversationId,
			IsTyping:       isTyping,
		})
	}
}

func handleStatus(cs *ChatServer, c *Client, f inboundFrame) {
	var req statusRequest
	if !f.decode(&req) {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	status, err := ParseStatus(req.Status)
	if err == nil {
		err = cs.UpdateStatus(c.id, status)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			c.queueMessage(ErrBadRequest(f.id, "invalid status"))
		}
		return
	}

	c.queueMessage(NoErrOK(f.id, map[string]string{"status": string(status)}))
}

func (c *Client) callPayload(req callRequest) CallPayload {
	p := CallPayload{
		FromName:   c.user.DisplayName,
		FromAvatar: c.user.ProfilePicture,
		CallType:   req.CallType,
		Reason:     req.Reason,
		Timestamp:  Now(),
	}
	if len(req.Signal) > 0 {
		p.Signal = req.Signal
	}
	return p
}

func handleCallInitiate(cs *ChatServer, c *Client, f inboundFrame) {
	var req callRequest
	if !f.decode(&req) || req.TargetUserId == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	if _, err := cs.relay.CallOffer(c.origin(), req.TargetUserId, c.callPayload(req)); err != nil {
		c.queueMessage(ErrNotFound(f.id, "callee offline"))
		return
	}

	c.queueMessage(NoErrAccepted(f.id, map[string]string{"target_user_id": req.TargetUserId}))
}

func handleCallSignal(relay func(*SignalingRelay, Origin, string, CallPayload)) inboundHandler {
	return func(cs *ChatServer, c *Client, f inboundFrame) {
		var req callRequest
		if !f.decode(&req) || req.TargetUserId == "" {
			c.queueMessage(ErrInvalidMessage(f.id))
			return
		}
		relay(cs.relay, c.origin(), req.TargetUserId, c.callPayload(req))
	}
}

func handleStoryView(cs *ChatServer, c *Client, f inboundFrame) {
	var req storyViewRequest
	if !f.decode(&req) || req.StoryId == "" || req.OwnerId == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}

	cs.relay.StoryView(c.origin(), req.OwnerId, StoryViewPayload{
		StoryId:      req.StoryId,
		ViewerId:     c.user.UserId,
		ViewerName:   c.user.DisplayName,
		ViewerAvatar: c.user.ProfilePicture,
		Timestamp:    Now(),
	})
}

func handlePostUpdate(cs *ChatServer, c *Client, f inboundFrame) {
	var req postUpdateRequest
	if !f.decode(&req) || req.PostId == "" {
		c.queueMessage(ErrInvalidMessage(f.id))
		return
	}
	if req.Action == "" {
		req.Action = "like"
	}

	cs.relay.PostUpdate(c.origin(), cs.presence.Audience(c.user.UserId), PostUpdatePayload{
		PostId:    req.PostId,
		Action:    req.Action,
		UserId:    c.user.UserId,
		Username:  c.user.Username,
		Timestamp: Now(),
	})
}

func handleManualDisconnect(cs *ChatServer, c *Client, _ inboundFrame) {
	cs.Disconnect(c.id)
}
