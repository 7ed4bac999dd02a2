package server

import (
	"sync"
	"time"
)

type presenceEntry struct {
	conns     map[string]struct{}
	status    Status
	changedAt time.Time
}

type registryShard struct {
	mu    sync.RWMutex
	users map[string]*presenceEntry
}

// SessionRegistry maps each online user to the set of its live connections.
// A user is present in the registry if and only if that set is non-empty.
type SessionRegistry struct {
	shards [numShards]registryShard
}

func NewSessionRegistry() *SessionRegistry {
	r := &SessionRegistry{}
	for i := range r.shards {
		r.shards[i].users = make(map[string]*presenceEntry)
	}
	return r
}

func (r *SessionRegistry) shard(userId string) *registryShard {
	return &r.shards[shardFor(userId)]
}

// Register adds connId to the user's set and reports whether it is the
// user's first live connection.
func (r *SessionRegistry) Register(userId, connId string) bool {
	s := r.shard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		e = &presenceEntry{
			conns:     make(map[string]struct{}),
			status:    StatusOnline,
			changedAt: Now(),
		}
		s.users[userId] = e
	}
	e.conns[connId] = struct{}{}

	return !ok
}

// Deregister removes connId and reports whether it was the user's last
// connection. Unknown connections are ignored.
func (r *SessionRegistry) Deregister(userId, connId string) bool {
	s := r.shard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return false
	}
	if _, ok := e.conns[connId]; !ok {
		return false
	}

	delete(e.conns, connId)
	if len(e.conns) == 0 {
		delete(s.users, userId)
		return true
	}

	return false
}

// ListConnections returns a snapshot of the user's connection ids.
func (r *SessionRegistry) ListConnections(userId string) []string {
	s := r.shard(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.users[userId]
	if !ok {
		return nil
	}

	conns := make([]string, 0, len(e.conns))
	for id := range e.conns {
		conns = append(conns, id)
	}
	return conns
}

func (r *SessionRegistry) IsOnline(userId string) bool {
	s := r.shard(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[userId]
	return ok
}

// Status returns the user's current status and when it last changed.
// Absent users are offline.
func (r *SessionRegistry) Status(userId string) (Status, time.Time, int) {
	s := r.shard(userId)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.users[userId]
	if !ok {
		return StatusOffline, time.Time{}, 0
	}
	return e.status, e.changedAt, len(e.conns)
}

// SetStatus records a new status for an online user and returns the previous one.
func (r *SessionRegistry) SetStatus(userId string, status Status) (Status, error) {
	s := r.shard(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userId]
	if !ok {
		return StatusOffline, ErrNotConnected
	}

	prev := e.status
	if prev != status {
		e.status = status
		e.changedAt = Now()
	}
	return prev, nil
}

// AllConnections returns every live connection id. Each shard is read under
// its own lock so the result is not a global point-in-time view.
func (r *SessionRegistry) AllConnections() []string {
	var conns []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.users {
			for id := range e.conns {
				conns = append(conns, id)
			}
		}
		s.mu.RUnlock()
	}
	return conns
}

func (r *SessionRegistry) OnlineUsers() []string {
	var users []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.users {
			users = append(users, id)
		}
		s.mu.RUnlock()
	}
	return users
}
