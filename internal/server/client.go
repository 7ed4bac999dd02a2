package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-presence/internal/auth"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one live connection. Events reach the client through Push, which
// only ever enqueues; the write pump owns the socket.
type Client struct {
	id          string
	user        auth.Identity
	connectedAt time.Time
	cs          *ChatServer
	log         *zap.Logger

	conn  *websocket.Conn
	send  chan *ServerMessage
	state atomic.Int32

	// ctx is cancelled when the client stops so in-flight lookups made on
	// its behalf are abandoned.
	ctx    context.Context
	cancel context.CancelFunc

	stop        chan struct{}
	stopOnce    sync.Once
	closeReason string
}

func newClient(cs *ChatServer, bufferSize int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:          uuid.NewString(),
		connectedAt: Now(),
		cs:          cs,
		send:        make(chan *ServerMessage, bufferSize),
		stop:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.log = cs.log.With(zap.String("conn_id", c.id))
	c.setState(StateConnecting)
	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() auth.Identity {
	return c.user
}

func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

// markClosed moves an authenticated client to closed. Only the first caller wins.
func (c *Client) markClosed() bool {
	return c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateClosed))
}

// Push enqueues msg without blocking. It fails once the client is stopped or
// when the send buffer is full.
func (c *Client) Push(msg *ServerMessage) error {
	select {
	case <-c.stop:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	if err := c.Push(msg); err != nil {
		c.log.Debug("failed to queue message", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) stopClient(reason string) {
	c.stopOnce.Do(func() {
		c.closeReason = reason
		c.cancel()
		close(c.stop)
	})
}

// Serve runs the read and write pumps for conn. Both are tracked by the
// server so shutdown can wait for them. A client that was closed before its
// transport arrived, or a server that is shutting down, gets conn closed with
// a going away frame and no pumps.
func (c *Client) Serve(conn *websocket.Conn) error {
	if err := c.startPumps(conn); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return err
	}
	return nil
}

func (c *Client) startPumps(conn *websocket.Conn) error {
	c.cs.lifecycle.RLock()
	defer c.cs.lifecycle.RUnlock()

	switch {
	case c.cs.shuttingDown.Load():
		return ErrShuttingDown
	case c.State() != StateAuthenticated:
		return ErrConnectionClosed
	}

	c.conn = conn
	c.cs.pumps.Add(2)
	go func() {
		defer c.cs.pumps.Done()
		c.Write()
	}()
	go func() {
		defer c.cs.pumps.Done()
		c.Read()
	}()
	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeMessage(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			c.sendClose()
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever was queued before the client stopped.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeMessage(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) sendClose() {
	reason := c.closeReason
	if len(reason) > 120 {
		reason = reason[:120]
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cs.Disconnect(c.id)
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Info("ws read failed", zap.Error(err))
			}
			return
		}

		c.cs.handleInbound(c, raw)
	}
}

func (c *Client) writeMessage(msg *ServerMessage) bool {
	bytes, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to serialize message", zap.Error(err))
		return true
	}
	return c.sendMessage(websocket.TextMessage, bytes)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Info("ws write failed", zap.Error(err))
		}
		return false
	}

	return true
}
