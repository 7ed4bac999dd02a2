package server

import (
	"context"
	"sync"
	"testing"

	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/npezzotti/go-presence/internal/config"
	"github.com/npezzotti/go-presence/internal/database"
	"github.com/npezzotti/go-presence/internal/notify"
	"github.com/npezzotti/go-presence/internal/stats"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingDeliverer captures events instead of delivering them.
type recordingDeliverer struct {
	mu     sync.Mutex
	events []OutboundEvent
}

func (r *recordingDeliverer) Deliver(ev OutboundEvent) DeliveryReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return DeliveryReport{EventId: ev.Id}
}

func (r *recordingDeliverer) named(name string) []OutboundEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []OutboundEvent
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fakePusher struct {
	mu   sync.Mutex
	msgs []*ServerMessage
	err  error
}

func (p *fakePusher) Push(msg *ServerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePusher) eventNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for _, m := range p.msgs {
		if m.Event != nil {
			names = append(names, m.Event.Name)
		}
	}
	return names
}

type fakeLookup map[string]Pusher

func (l fakeLookup) Lookup(connId string) (Pusher, bool) {
	p, ok := l[connId]
	return p, ok
}

type testServer struct {
	*ChatServer
	db       *database.MockRepository
	verifier *auth.MockVerifier
	su       *stats.MockProvider
}

func newTestChatServer(t *testing.T, scope string) *testServer {
	t.Helper()

	db := &database.MockRepository{}
	db.On("TouchLastActive", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	su := &stats.MockProvider{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	verifier := &auth.MockVerifier{}

	if scope == "" {
		scope = config.PresenceScopeAll
	}
	cs, err := NewChatServer(zaptest.NewLogger(t), verifier, db, notify.Nop{}, su, Options{
		PresenceScope:  scope,
		SendBufferSize: 16,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		cs.pumps.Wait()
		cs.bg.Wait()
	})

	return &testServer{ChatServer: cs, db: db, verifier: verifier, su: su}
}

// connect authenticates a new connection for userId with the credential
// "token-<userId>".
func (ts *testServer) connect(t *testing.T, userId string) *Client {
	t.Helper()

	ts.verifier.On("Verify", mock.Anything, "token-"+userId).
		Return(auth.Identity{UserId: userId, Username: "user-" + userId, DisplayName: "User " + userId}, nil).Maybe()

	c, err := ts.Connect(context.Background(), "token-"+userId)
	require.NoError(t, err)
	return c
}

// drain returns every message queued on c so far.
func drain(c *Client) []*ServerMessage {
	var msgs []*ServerMessage
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func eventNames(msgs []*ServerMessage) []string {
	var names []string
	for _, m := range msgs {
		if m.Event != nil {
			names = append(names, m.Event.Name)
		}
	}
	return names
}
