package server

import (
	"go.uber.org/zap"
)

const (
	eventIncomingCall = "incoming_call"
	eventCallAnswered = "call_answered"
	eventCallRejected = "call_rejected"
	eventCallEnded    = "call_ended"
	eventIceCandidate = "ice_candidate"
	eventUserTyping   = "user_typing"
	eventMessageRead  = "message_read"
	eventStoryViewed  = "story_viewed"
	eventPostUpdated  = "post_updated"
)

// Origin identifies the connection a relayed signal came from.
type Origin struct {
	UserId string
	ConnId string
}

// SignalingRelay forwards ephemeral signals. Apart from call offers nothing
// is reported back to the sender and nothing is retained.
type SignalingRelay struct {
	out Deliverer
	log *zap.Logger
}

func NewSignalingRelay(out Deliverer, logger *zap.Logger) *SignalingRelay {
	return &SignalingRelay{
		out: out,
		log: logger.With(zap.String("component", "signaling")),
	}
}

// CallOffer rings every connection of calleeId. ErrCalleeOffline is returned
// when the callee has no live connection.
func (r *SignalingRelay) CallOffer(from Origin, calleeId string, payload CallPayload) (DeliveryReport, error) {
	report := r.toUser(from, eventIncomingCall, calleeId, payload)
	if len(report.Offline) > 0 {
		return report, ErrCalleeOffline
	}
	return report, nil
}

func (r *SignalingRelay) CallAnswer(from Origin, callerId string, payload CallPayload) {
	r.toUser(from, eventCallAnswered, callerId, payload)
}

func (r *SignalingRelay) CallReject(from Origin, callerId string, payload CallPayload) {
	r.toUser(from, eventCallRejected, callerId, payload)
}

func (r *SignalingRelay) CallEnd(from Origin, peerId string, payload CallPayload) {
	r.toUser(from, eventCallEnded, peerId, payload)
}

func (r *SignalingRelay) IceCandidate(from Origin, peerId string, payload CallPayload) {
	r.toUser(from, eventIceCandidate, peerId, payload)
}

// Typing tells the other members of roomId that from started or stopped typing.
func (r *SignalingRelay) Typing(from Origin, roomId string, payload TypingPayload) {
	r.toRoom(from, KindTyping, eventUserTyping, roomId, payload)
}

func (r *SignalingRelay) ReadReceipt(from Origin, roomId string, payload ReadReceiptPayload) {
	r.toRoom(from, KindReadReceipt, eventMessageRead, roomId, payload)
}

func (r *SignalingRelay) StoryView(from Origin, ownerId string, payload StoryViewPayload) {
	if ownerId == from.UserId {
		return
	}
	ev := NewEvent(KindStoryView, eventStoryViewed, UserTarget(ownerId), payload)
	ev.From = from.UserId
	r.out.Deliver(ev)
}

// PostUpdate broadcasts a post interaction to audience, except the
// connection it came from.
func (r *SignalingRelay) PostUpdate(from Origin, audience Target, payload PostUpdatePayload) DeliveryReport {
	ev := NewEvent(KindPostUpdate, eventPostUpdated, audience, payload)
	ev.From = from.UserId
	ev.ExcludeConn = from.ConnId
	return r.out.Deliver(ev)
}

func (r *SignalingRelay) toUser(from Origin, name, userId string, payload CallPayload) DeliveryReport {
	payload.From = from.UserId
	if payload.Timestamp.IsZero() {
		payload.Timestamp = Now()
	}

	ev := NewEvent(KindCallSignal, name, UserTarget(userId), payload)
	ev.From = from.UserId
	report := r.out.Deliver(ev)

	r.log.Debug("relayed call signal",
		zap.String("event", name),
		zap.String("from", from.UserId),
		zap.String("to", userId),
		zap.Int("delivered", len(report.Delivered)),
	)
	return report
}

func (r *SignalingRelay) toRoom(from Origin, kind EventKind, name, roomId string, payload any) {
	ev := NewEvent(kind, name, RoomTarget(roomId), payload)
	ev.From = from.UserId
	ev.RoomId = roomId
	ev.ExcludeConn = from.ConnId
	r.out.Deliver(ev)
}
