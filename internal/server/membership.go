package server

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const personalRoomPrefix = "user:"

// PersonalRoom names the room every connection of userId joins on connect.
func PersonalRoom(userId string) string {
	return personalRoomPrefix + userId
}

// Authorizer decides whether a user may join a conversation room.
type Authorizer interface {
	IsConversationParticipant(ctx context.Context, accountId, conversationId string) (bool, error)
}

type connRooms struct {
	userId string
	rooms  map[string]struct{}
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]*connRooms
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

// MembershipManager tracks which connections have joined which rooms. Both
// directions of the relation are kept; a connection shard lock is always
// taken before a room shard lock.
type MembershipManager struct {
	authz Authorizer
	log   *zap.Logger

	connShards [numShards]connShard
	roomShards [numShards]roomShard
}

func NewMembershipManager(authz Authorizer, logger *zap.Logger) *MembershipManager {
	m := &MembershipManager{
		authz: authz,
		log:   logger.With(zap.String("component", "membership")),
	}
	for i := range m.connShards {
		m.connShards[i].conns = make(map[string]*connRooms)
		m.roomShards[i].rooms = make(map[string]map[string]struct{})
	}
	return m
}

func (m *MembershipManager) connShard(connId string) *connShard {
	return &m.connShards[shardFor(connId)]
}

func (m *MembershipManager) roomShard(roomId string) *roomShard {
	return &m.roomShards[shardFor(roomId)]
}

// Open starts tracking a live connection. Joins are refused for connections
// that were never opened or have been cleared.
func (m *MembershipManager) Open(connId, userId string) {
	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.conns[connId]; ok {
		return
	}
	cs.conns[connId] = &connRooms{userId: userId, rooms: make(map[string]struct{})}
}

func (m *MembershipManager) owner(connId string) (string, bool) {
	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connId]
	if !ok {
		return "", false
	}
	return e.userId, true
}

// Join authorizes and adds connId to roomId. Personal rooms are only open to
// their owner. The authorization check runs without locks held; if the
// connection closed meanwhile ErrNotConnected is returned and nothing is added.
func (m *MembershipManager) Join(ctx context.Context, connId, roomId string) error {
	userId, ok := m.owner(connId)
	if !ok {
		return ErrNotConnected
	}
	if roomId == "" {
		return ErrAccessDenied
	}

	if strings.HasPrefix(roomId, personalRoomPrefix) {
		if roomId != PersonalRoom(userId) {
			return ErrAccessDenied
		}
	} else {
		allowed, err := m.authz.IsConversationParticipant(ctx, userId, roomId)
		if err != nil {
			return fmt.Errorf("authorize join %s: %w", roomId, err)
		}
		if !allowed {
			return ErrAccessDenied
		}
	}

	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connId]
	if !ok {
		return ErrNotConnected
	}
	e.rooms[roomId] = struct{}{}

	rs := m.roomShard(roomId)
	rs.mu.Lock()
	members, ok := rs.rooms[roomId]
	if !ok {
		members = make(map[string]struct{})
		rs.rooms[roomId] = members
	}
	members[connId] = struct{}{}
	rs.mu.Unlock()

	m.log.Debug("joined room", zap.String("conn_id", connId), zap.String("room_id", roomId))
	return nil
}

// Leave removes connId from roomId. Leaving a room the connection is not in
// is a no-op.
func (m *MembershipManager) Leave(connId, roomId string) {
	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connId]
	if !ok {
		return
	}
	if _, ok := e.rooms[roomId]; !ok {
		return
	}
	delete(e.rooms, roomId)
	m.removeMember(roomId, connId)
}

// ClearConnection removes connId from every room and stops tracking it.
// It returns the rooms that were left.
func (m *MembershipManager) ClearConnection(connId string) []string {
	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connId]
	if !ok {
		return nil
	}
	delete(cs.conns, connId)

	rooms := make([]string, 0, len(e.rooms))
	for roomId := range e.rooms {
		m.removeMember(roomId, connId)
		rooms = append(rooms, roomId)
	}
	return rooms
}

// removeMember must be called with the connection's shard lock held.
func (m *MembershipManager) removeMember(roomId, connId string) {
	rs := m.roomShard(roomId)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	members, ok := rs.rooms[roomId]
	if !ok {
		return
	}
	delete(members, connId)
	if len(members) == 0 {
		delete(rs.rooms, roomId)
	}
}

// MembersOf returns a snapshot of the connections in roomId.
func (m *MembershipManager) MembersOf(roomId string) []string {
	rs := m.roomShard(roomId)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	members := make([]string, 0, len(rs.rooms[roomId]))
	for connId := range rs.rooms[roomId] {
		members = append(members, connId)
	}
	return members
}

func (m *MembershipManager) RoomsOf(connId string) []string {
	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connId]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for roomId := range e.rooms {
		rooms = append(rooms, roomId)
	}
	return rooms
}

func (m *MembershipManager) IsMember(connId, roomId string) bool {
	cs := m.connShard(connId)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.conns[connId]
	if !ok {
		return false
	}
	_, ok = e.rooms[roomId]
	return ok
}
