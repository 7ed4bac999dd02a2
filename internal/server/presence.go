package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// ParseStatus accepts the statuses a client may set on itself.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

const (
	eventUserOnline        = "user_online"
	eventUserOffline       = "user_offline"
	eventUserStatusChanged = "user_status_changed"
)

// Deliverer resolves and queues an outbound event.
type Deliverer interface {
	Deliver(ev OutboundEvent) DeliveryReport
}

type presenceSubject struct {
	username string
	audience []string
}

// PresenceInfo is a point-in-time view of one user's presence.
type PresenceInfo struct {
	UserId      string    `json:"user_id"`
	Status      Status    `json:"status"`
	ChangedAt   time.Time `json:"changed_at,omitempty"`
	Connections int       `json:"connections"`
}

// PresenceTracker derives online/offline transitions from the session
// registry and broadcasts them. Mutations for one user are serialized on a
// per-user stripe, and the broadcast is queued before the stripe is
// released, so observers see transitions in the order they happened.
type PresenceTracker struct {
	registry       *SessionRegistry
	out            Deliverer
	followersScope bool
	log            *zap.Logger

	locks    [numShards]sync.Mutex
	subjects [numShards]map[string]*presenceSubject
}

func NewPresenceTracker(registry *SessionRegistry, out Deliverer, followersScope bool, logger *zap.Logger) *PresenceTracker {
	p := &PresenceTracker{
		registry:       registry,
		out:            out,
		followersScope: followersScope,
		log:            logger.With(zap.String("component", "presence")),
	}
	for i := range p.subjects {
		p.subjects[i] = make(map[string]*presenceSubject)
	}
	return p
}

// Connect registers connId for the user and announces the user online if it
// was the first connection. audience is only consulted in followers scope.
func (p *PresenceTracker) Connect(userId, username, connId string, audience []string) bool {
	i := shardFor(userId)
	p.locks[i].Lock()
	defer p.locks[i].Unlock()

	first := p.registry.Register(userId, connId)
	if !first {
		return false
	}

	subj := &presenceSubject{username: username, audience: audience}
	p.subjects[i][userId] = subj
	p.emit(userId, subj, StatusOnline, StatusOffline, connId)

	return true
}

// Disconnect deregisters connId and reports whether the user went offline.
// The offline transition is only broadcast when announce is set.
func (p *PresenceTracker) Disconnect(userId, connId string, announce bool) bool {
	i := shardFor(userId)
	p.locks[i].Lock()
	defer p.locks[i].Unlock()

	prev, _, _ := p.registry.Status(userId)
	last := p.registry.Deregister(userId, connId)
	if !last {
		return false
	}

	subj, ok := p.subjects[i][userId]
	if !ok {
		subj = &presenceSubject{}
	}
	delete(p.subjects[i], userId)

	if announce {
		p.emit(userId, subj, StatusOffline, prev, connId)
	}

	return true
}

// UpdateStatus sets a self-declared status. Setting the current status again
// is a no-op.
func (p *PresenceTracker) UpdateStatus(userId string, status Status, originConn string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	i := shardFor(userId)
	p.locks[i].Lock()
	defer p.locks[i].Unlock()

	prev, err := p.registry.SetStatus(userId, status)
	if err != nil {
		return err
	}
	if prev == status {
		return nil
	}

	subj, ok := p.subjects[i][userId]
	if !ok {
		subj = &presenceSubject{}
	}
	p.emit(userId, subj, status, prev, originConn)

	return nil
}

func (p *PresenceTracker) Presence(userId string) PresenceInfo {
	status, changedAt, n := p.registry.Status(userId)
	return PresenceInfo{
		UserId:      userId,
		Status:      status,
		ChangedAt:   changedAt,
		Connections: n,
	}
}

// Audience returns the broadcast target for updates originating from userId.
func (p *PresenceTracker) Audience(userId string) Target {
	if !p.followersScope {
		return AllTarget()
	}

	i := shardFor(userId)
	p.locks[i].Lock()
	defer p.locks[i].Unlock()

	subj, ok := p.subjects[i][userId]
	if !ok {
		return UserTarget()
	}
	return UserTarget(subj.audience...)
}

func (p *PresenceTracker) emit(userId string, subj *presenceSubject, status, prev Status, originConn string) {
	name := eventUserStatusChanged
	switch status {
	case StatusOnline:
		if prev == StatusOffline {
			name = eventUserOnline
		}
	case StatusOffline:
		name = eventUserOffline
	}

	target := AllTarget()
	if p.followersScope {
		if len(subj.audience) == 0 {
			p.log.Debug("no presence audience", zap.String("user_id", userId), zap.String("event", name))
			return
		}
		target = UserTarget(subj.audience...)
	}

	ev := NewEvent(KindPresence, name, target, PresencePayload{
		UserId:    userId,
		Username:  subj.username,
		Status:    status,
		Previous:  prev,
		Timestamp: Now(),
	})
	ev.From = userId
	ev.ExcludeConn = originConn

	report := p.out.Deliver(ev)
	p.log.Debug("presence change",
		zap.String("user_id", userId),
		zap.String("event", name),
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("failed", len(report.Failed)),
	)
}
