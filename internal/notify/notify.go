package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notice describes an event a user missed because they had no live connection.
type Notice struct {
	UserId    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	From      string    `json:"from,omitempty"`
	RoomId    string    `json:"room_id,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Notifier interface {
	NotifyOffline(ctx context.Context, notice Notice) error
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NatsNotifier hands offline notices to an asynchronous notification service
// listening on <prefix>.<userId>.
type NatsNotifier struct {
	pub    publisher
	prefix string
	log    *zap.Logger
}

func NewNatsNotifier(nc *nats.Conn, prefix string, logger *zap.Logger) *NatsNotifier {
	return newNatsNotifier(nc, prefix, logger)
}

func newNatsNotifier(pub publisher, prefix string, logger *zap.Logger) *NatsNotifier {
	return &NatsNotifier{
		pub:    pub,
		prefix: prefix,
		log:    logger.With(zap.String("component", "notify")),
	}
}

// Connect dials NATS with unlimited reconnects.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("go-presence"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}

func (n *NatsNotifier) NotifyOffline(_ context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	subject := n.prefix + "." + notice.UserId
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	n.log.Debug("published offline notice", zap.String("subject", subject), zap.String("event", notice.Name))
	return nil
}

// Nop drops every notice. Used when no NATS url is configured.
type Nop struct{}

func (Nop) NotifyOffline(context.Context, Notice) error { return nil }
