package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClient_Push(t *testing.T) {
	t.Run("queues message", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  zaptest.NewLogger(t),
		}

		assert.NoError(t, c.Push(&ServerMessage{}))
		assert.Len(t, c.send, 1, "expected a message to be queued")
	})

	t.Run("buffer full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  zaptest.NewLogger(t),
		}

		c.send <- &ServerMessage{}
		assert.ErrorIs(t, c.Push(&ServerMessage{}), ErrSendBufferFull)
		assert.False(t, c.queueMessage(&ServerMessage{}), "expected queueMessage to return false when channel is full")
	})

	t.Run("stopped client", func(t *testing.T) {
		ts := newTestChatServer(t, "")
		c := newClient(ts.ChatServer, 4)

		c.stopClient("bye")
		c.stopClient("again")
		assert.ErrorIs(t, c.Push(&ServerMessage{}), ErrConnectionClosed)
		assert.Equal(t, "bye", c.closeReason, "expected first close reason to stick")
		assert.Error(t, c.ctx.Err(), "expected client context to be cancelled")
	})
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := json.Marshal(message)
	assert.NoError(t, err)
	assert.JSONEq(t, expected, string(bytes))
}

func TestClient_Serve(t *testing.T) {
	ts := newTestChatServer(t, "")
	ts.verifier.On("Verify", mock.Anything, "token-u1").Return(auth.Identity{UserId: "u1", Username: "alice"}, nil)
	sender := ts.connect(t, "u2")

	served := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ts.Connect(r.Context(), "token-u1")
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ts.Disconnect(c.Id())
			return
		}
		c.Serve(conn)
		served <- c
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var c *Client
	select {
	case c = <-served:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be served")
	}

	_, err = ts.SendToUser(sender.Id(), "u1", DirectMessagePayload{From: "u2", Content: "hi"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Event)
	assert.Equal(t, "direct_message", msg.Event.Name)
	assert.Equal(t, KindMessage, msg.Event.Kind)

	// Frames queued before termination are flushed ahead of the close frame.
	_, err = ts.SendToUser(sender.Id(), "u1", DirectMessagePayload{From: "u2", Content: "bye"})
	require.NoError(t, err)
	require.True(t, ts.Terminate(c.Id(), "terminated by admin"))

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "direct_message", msg.Event.Name)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "terminated by admin", closeErr.Text)

	assert.Eventually(t, func() bool {
		return !ts.IsOnline("u1")
	}, time.Second, 10*time.Millisecond)
}

func TestClient_ReadDispatchesFrames(t *testing.T) {
	ts := newTestChatServer(t, "")
	ts.verifier.On("Verify", mock.Anything, "token-u1").Return(auth.Identity{UserId: "u1", Username: "alice"}, nil)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ts.Connect(r.Context(), "token-u1")
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ts.Disconnect(c.Id())
			return
		}
		c.Serve(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"type":"status_update","data":{"status":"away"}}`)))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Response)
	assert.Equal(t, 7, msg.Id)
	assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	assert.Equal(t, StatusAway, ts.Presence("u1").Status)

	// Closing the socket tears the connection down.
	conn.Close()
	assert.Eventually(t, func() bool {
		return !ts.IsOnline("u1")
	}, time.Second, 10*time.Millisecond)
}

// serveOverSocket upgrades one websocket connection, hands it to c.Serve and
// returns the close frame the peer received along with Serve's result.
func serveOverSocket(t *testing.T, c *Client) (*websocket.CloseError, error) {
	t.Helper()

	served := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			served <- err
			return
		}
		served <- c.Serve(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var serveErr error
	select {
	case serveErr = <-served:
	case <-time.After(time.Second):
		t.Fatal("expected Serve to return")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	return closeErr, serveErr
}

func TestClient_ServeRefused(t *testing.T) {
	t.Run("client closed before the transport arrived", func(t *testing.T) {
		ts := newTestChatServer(t, "")
		c := ts.connect(t, "u1")
		require.True(t, ts.Terminate(c.Id(), "terminated by admin"))

		closeErr, err := serveOverSocket(t, c)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
		assert.Nil(t, c.conn, "expected no pumps to be started")
	})

	t.Run("server shutting down", func(t *testing.T) {
		ts := newTestChatServer(t, "")
		c := ts.connect(t, "u1")
		require.NoError(t, ts.Shutdown(context.Background()))

		closeErr, err := serveOverSocket(t, c)
		assert.ErrorIs(t, err, ErrShuttingDown)
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
		assert.Equal(t, ErrShuttingDown.Error(), closeErr.Text)
		assert.Nil(t, c.conn)
	})
}
