package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/npezzotti/go-presence/internal/config"
	"github.com/npezzotti/go-presence/internal/database"
	"github.com/npezzotti/go-presence/internal/notify"
	"github.com/npezzotti/go-presence/internal/stats"
	"go.uber.org/zap"
)

const (
	backgroundTimeout = 5 * time.Second

	eventNewMessageNotification = "new_message_notification"
)

type Options struct {
	PresenceScope  string
	SendBufferSize int
}

// ChatServer owns the connection lifecycle and is the entry point for every
// realtime operation.
type ChatServer struct {
	log      *zap.Logger
	auth     auth.Verifier
	db       database.Repository
	notifier notify.Notifier
	stats    stats.Provider

	registry *SessionRegistry
	presence *PresenceTracker
	rooms    *MembershipManager
	fanout   *FanoutEngine
	relay    *SignalingRelay

	clients     map[string]*Client
	clientsLock sync.RWMutex

	sendBuffer     int
	followersScope bool
	shuttingDown   atomic.Bool

	// lifecycle orders registration and goroutine accounting against
	// Shutdown. Holders of the read lock may register clients and add to
	// pumps or bg; Shutdown takes the write lock to flip shuttingDown and
	// draining.
	lifecycle sync.RWMutex
	draining  bool

	pumps sync.WaitGroup
	bg    sync.WaitGroup
}

func NewChatServer(logger *zap.Logger, verifier auth.Verifier, db database.Repository, notifier notify.Notifier, su stats.Provider, opts Options) (*ChatServer, error) {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	cs := &ChatServer{
		log:            logger,
		auth:           verifier,
		db:             db,
		notifier:       notifier,
		stats:          su,
		clients:        make(map[string]*Client),
		sendBuffer:     opts.SendBufferSize,
		followersScope: opts.PresenceScope == config.PresenceScopeFollowers,
	}

	cs.registry = NewSessionRegistry()
	cs.rooms = NewMembershipManager(db, logger)
	cs.fanout = NewFanoutEngine(cs.registry, cs.rooms, cs, su, logger)
	cs.presence = NewPresenceTracker(cs.registry, cs.fanout, cs.followersScope, logger)
	cs.relay = NewSignalingRelay(cs.fanout, logger)

	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.OnlineUsers)
	su.RegisterMetric(stats.RejectedConnections)
	su.RegisterMetric(stats.PushFailures)

	return cs, nil
}

// Lookup implements ConnLookup over the live client index.
func (cs *ChatServer) Lookup(connId string) (Pusher, bool) {
	c, ok := cs.client(connId)
	if !ok {
		return nil, false
	}
	return c, true
}

func (cs *ChatServer) client(connId string) (*Client, bool) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	c, ok := cs.clients[connId]
	return c, ok
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c.id] = c
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c.id)
}

func (cs *ChatServer) snapshotClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// Connect authenticates credential and brings a new connection online. On
// authentication failure nothing is registered and the error is returned
// unchanged. The caller attaches a transport with Client.Serve.
func (cs *ChatServer) Connect(ctx context.Context, credential string) (*Client, error) {
	if cs.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	c := newClient(cs, cs.sendBuffer)

	ident, err := cs.auth.Verify(ctx, credential)
	if err != nil {
		c.setState(StateClosed)
		c.stopClient("authentication failed")
		cs.stats.Incr(stats.RejectedConnections)
		cs.log.Info("rejected connection", zap.String("conn_id", c.id), zap.Error(err))
		return nil, err
	}
	c.user = ident
	c.log = c.log.With(zap.String("user_id", ident.UserId))

	var audience []string
	if cs.followersScope {
		audience, err = cs.db.ListFollowerIds(ctx, ident.UserId)
		if err != nil {
			c.log.Warn("failed to load presence audience", zap.Error(err))
		}
	}

	c.setState(StateAuthenticated)
	first, err := cs.register(ctx, c, audience)
	if err != nil {
		return nil, err
	}

	c.log.Info("client connected", zap.String("username", ident.Username), zap.Bool("first", first))

	return c, nil
}

// register indexes an authenticated client and brings its user online. It
// runs under the lifecycle read lock, so a client is either registered before
// Shutdown snapshots the connections or refused.
func (cs *ChatServer) register(ctx context.Context, c *Client, audience []string) (bool, error) {
	cs.lifecycle.RLock()
	defer cs.lifecycle.RUnlock()

	if cs.shuttingDown.Load() {
		c.setState(StateClosed)
		c.stopClient("server shutdown")
		return false, ErrShuttingDown
	}

	userId := c.user.UserId
	cs.stats.Incr(stats.ActiveConnections)
	cs.addClient(c)
	cs.rooms.Open(c.id, userId)
	first := cs.presence.Connect(userId, c.user.Username, c.id, audience)
	if first {
		cs.stats.Incr(stats.OnlineUsers)
	}

	// A close that won markClosed before the entries above existed could
	// not remove them.
	if c.State() == StateClosed {
		cs.rooms.ClearConnection(c.id)
		if cs.presence.Disconnect(userId, c.id, true) {
			cs.stats.Decr(stats.OnlineUsers)
		}
		cs.removeClient(c)
		return false, ErrConnectionClosed
	}

	if err := cs.rooms.Join(ctx, c.id, PersonalRoom(userId)); err != nil {
		c.log.Error("failed to join personal room", zap.Error(err))
	}

	cs.startBackground(cs.touchLastActiveFn(userId))

	return first, nil
}

// Disconnect closes connId and runs the teardown sequence. Calling it for an
// unknown or already closed connection does nothing.
func (cs *ChatServer) Disconnect(connId string) {
	c, ok := cs.client(connId)
	if !ok {
		return
	}
	cs.closeClient(c, "client disconnected", !cs.shuttingDown.Load())
}

// closeClient stops c, clears its rooms, deregisters it and, if it was the
// user's last connection, announces the user offline when announce is set.
func (cs *ChatServer) closeClient(c *Client, reason string, announce bool) {
	if !c.markClosed() {
		return
	}

	c.stopClient(reason)
	cs.rooms.ClearConnection(c.id)
	last := cs.presence.Disconnect(c.user.UserId, c.id, announce)
	cs.removeClient(c)

	cs.stats.Decr(stats.ActiveConnections)
	if last {
		cs.stats.Decr(stats.OnlineUsers)
		cs.goBackground(cs.touchLastActiveFn(c.user.UserId))
	}

	c.log.Info("client disconnected",
		zap.String("reason", reason),
		zap.Bool("last", last),
		zap.Duration("connected_for", time.Since(c.ConnectedAt())),
	)
}

// Terminate force-closes a single connection.
func (cs *ChatServer) Terminate(connId, reason string) bool {
	c, ok := cs.client(connId)
	if !ok {
		return false
	}
	cs.closeClient(c, reason, !cs.shuttingDown.Load())
	return true
}

// TerminateUser force-closes every connection of userId and returns how many
// were closed.
func (cs *ChatServer) TerminateUser(userId, reason string) int {
	n := 0
	for _, connId := range cs.registry.ListConnections(userId) {
		if cs.Terminate(connId, reason) {
			n++
		}
	}
	return n
}

func (cs *ChatServer) JoinRoom(ctx context.Context, connId, roomId string) error {
	if _, ok := cs.client(connId); !ok {
		return ErrNotConnected
	}
	return cs.rooms.Join(ctx, connId, roomId)
}

func (cs *ChatServer) LeaveRoom(connId, roomId string) error {
	if _, ok := cs.client(connId); !ok {
		return ErrNotConnected
	}
	cs.rooms.Leave(connId, roomId)
	return nil
}

// SendToRoom delivers payload to every connection in roomId, the sender's
// included. The sending connection must have joined the room.
func (cs *ChatServer) SendToRoom(connId, roomId string, payload any) (DeliveryReport, error) {
	c, ok := cs.client(connId)
	if !ok {
		return DeliveryReport{}, ErrNotConnected
	}
	if !cs.rooms.IsMember(connId, roomId) {
		return DeliveryReport{}, ErrNotInRoom
	}

	ev := NewEvent(KindMessage, "new_message", RoomTarget(roomId), payload)
	ev.From = c.user.UserId
	ev.RoomId = roomId

	return cs.fanout.Deliver(ev), nil
}

// SendToUser delivers payload to every connection of targetUserId. If the
// target is offline an offline notice is handed to the notifier.
func (cs *ChatServer) SendToUser(connId, targetUserId string, payload any) (DeliveryReport, error) {
	c, ok := cs.client(connId)
	if !ok {
		return DeliveryReport{}, ErrNotConnected
	}

	ev := NewEvent(KindMessage, "direct_message", UserTarget(targetUserId), payload)
	ev.From = c.user.UserId

	report := cs.fanout.Deliver(ev)
	for _, userId := range report.Offline {
		cs.notifyOffline(userId, ev)
	}
	return report, nil
}

// NotifyParticipants tells every other participant of conversationId about a
// new message on all of their connections, joined to the conversation or not.
// Participants without a live connection are handed to the offline notifier.
func (cs *ChatServer) NotifyParticipants(ctx context.Context, connId, conversationId string, payload MessageNotificationPayload) (DeliveryReport, error) {
	c, ok := cs.client(connId)
	if !ok {
		return DeliveryReport{}, ErrNotConnected
	}

	participants, err := cs.db.ListConversationParticipants(ctx, conversationId)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("list participants: %w", err)
	}

	others := make([]string, 0, len(participants))
	for _, userId := range participants {
		if userId != c.user.UserId {
			others = append(others, userId)
		}
	}
	if len(others) == 0 {
		return DeliveryReport{}, nil
	}

	ev := NewEvent(KindNotice, eventNewMessageNotification, UserTarget(others...), payload)
	ev.From = c.user.UserId
	ev.RoomId = conversationId

	report := cs.fanout.Deliver(ev)
	for _, userId := range report.Offline {
		cs.notifyOffline(userId, ev)
	}
	return report, nil
}

func (cs *ChatServer) UpdateStatus(connId string, status Status) error {
	c, ok := cs.client(connId)
	if !ok {
		return ErrNotConnected
	}
	return cs.presence.UpdateStatus(c.user.UserId, status, connId)
}

func (cs *ChatServer) IsOnline(userId string) bool {
	return cs.registry.IsOnline(userId)
}

func (cs *ChatServer) Presence(userId string) PresenceInfo {
	return cs.presence.Presence(userId)
}

func (cs *ChatServer) ConnectionCount() int {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return len(cs.clients)
}

// Shutdown announces the shutdown to every connection, closes them without
// presence broadcasts and waits for their pumps and background work until
// ctx is done.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.lifecycle.Lock()
	if cs.shuttingDown.Load() {
		cs.lifecycle.Unlock()
		return errors.New("shutdown already in progress")
	}
	cs.shuttingDown.Store(true)
	cs.lifecycle.Unlock()

	cs.log.Info("received shutdown signal",
		zap.Int("connections", cs.ConnectionCount()),
		zap.Int("online_users", len(cs.registry.OnlineUsers())),
	)

	report := cs.fanout.Deliver(NewEvent(KindShutdown, "server_shutdown", AllTarget(), ShutdownPayload{
		Message:   "server is shutting down",
		Timestamp: Now(),
	}))
	cs.log.Info("shutdown notice sent", zap.Int("delivered", len(report.Delivered)), zap.Int("failed", len(report.Failed)))

	for _, c := range cs.snapshotClients() {
		cs.closeClient(c, "server shutdown", false)
	}

	// Nothing adds to pumps or bg once draining is set.
	cs.lifecycle.Lock()
	cs.draining = true
	cs.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		cs.pumps.Wait()
		cs.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cs.log.Info("all connections closed")
		return nil
	case <-ctx.Done():
		cs.log.Warn("shutdown deadline exceeded", zap.Int("remaining", cs.ConnectionCount()))
		return ctx.Err()
	}
}

func (cs *ChatServer) touchLastActiveFn(userId string) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := cs.db.TouchLastActive(ctx, userId, time.Now().UTC()); err != nil {
			cs.log.Warn("failed to update last active", zap.String("user_id", userId), zap.Error(err))
		}
	}
}

func (cs *ChatServer) notifyOffline(userId string, ev OutboundEvent) {
	notice := notify.Notice{
		UserId:    userId,
		Kind:      string(ev.Kind),
		Name:      ev.Name,
		From:      ev.From,
		RoomId:    ev.RoomId,
		Timestamp: Now(),
	}
	if p, ok := ev.Payload.(interface{ Preview() string }); ok {
		notice.Preview = p.Preview()
	}

	cs.goBackground(func(ctx context.Context) {
		if err := cs.notifier.NotifyOffline(ctx, notice); err != nil {
			cs.log.Warn("failed to send offline notice", zap.String("user_id", userId), zap.Error(err))
		}
	})
}

func (cs *ChatServer) goBackground(fn func(ctx context.Context)) {
	cs.lifecycle.RLock()
	defer cs.lifecycle.RUnlock()
	cs.startBackground(fn)
}

// startBackground runs fn on its own goroutine tracked by bg. The caller holds
// the lifecycle read lock. Once Shutdown is draining fn runs inline instead.
func (cs *ChatServer) startBackground(fn func(ctx context.Context)) {
	if cs.draining {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
		return
	}

	cs.bg.Add(1)
	go func() {
		defer cs.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
