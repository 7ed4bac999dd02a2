package server

import (
	"context"
	"time"

	"github.com/npezzotti/go-presence/internal/stats"
	"github.com/teris-io/shortid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type EventKind string

const (
	KindMessage     EventKind = "message"
	KindNotice      EventKind = "notification"
	KindPresence    EventKind = "presence-change"
	KindTyping      EventKind = "typing"
	KindReadReceipt EventKind = "read-receipt"
	KindCallSignal  EventKind = "call-signal"
	KindStoryView   EventKind = "story-view"
	KindShutdown    EventKind = "broadcast-shutdown"
	KindPostUpdate  EventKind = "post-update"
)

type TargetKind int

const (
	TargetUsers TargetKind = iota
	TargetRoom
	TargetAll
)

// Target selects the connections an event is delivered to.
type Target struct {
	Kind    TargetKind
	UserIds []string
	RoomId  string
}

func UserTarget(userIds ...string) Target {
	return Target{Kind: TargetUsers, UserIds: userIds}
}

func RoomTarget(roomId string) Target {
	return Target{Kind: TargetRoom, RoomId: roomId}
}

func AllTarget() Target {
	return Target{Kind: TargetAll}
}

type OutboundEvent struct {
	Id          string
	Kind        EventKind
	Name        string
	Target      Target
	From        string
	RoomId      string
	ExcludeConn string
	Payload     any
}

func NewEvent(kind EventKind, name string, target Target, payload any) OutboundEvent {
	return OutboundEvent{
		Id:      shortid.MustGenerate(),
		Kind:    kind,
		Name:    name,
		Target:  target,
		Payload: payload,
	}
}

type PushFailure struct {
	ConnId string
	Err    error
}

// DeliveryReport records the outcome of one Deliver call. Delivered means
// queued on the connection, not acknowledged by the client. Offline lists
// targeted users that had no live connection.
type DeliveryReport struct {
	EventId   string
	Delivered []string
	Failed    []PushFailure
	Offline   []string
}

type Pusher interface {
	Push(msg *ServerMessage) error
}

type ConnLookup interface {
	Lookup(connId string) (Pusher, bool)
}

// FanoutEngine resolves targets to connections and queues events on each.
// A failing connection never prevents delivery to the others.
type FanoutEngine struct {
	registry *SessionRegistry
	rooms    *MembershipManager
	conns    ConnLookup
	stats    stats.Provider
	log      *zap.Logger

	delivered metric.Int64Counter
	failed    metric.Int64Counter
	offline   metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewFanoutEngine(registry *SessionRegistry, rooms *MembershipManager, conns ConnLookup, su stats.Provider, logger *zap.Logger) *FanoutEngine {
	meter := otel.Meter("go-presence")
	delivered, _ := meter.Int64Counter("fanout_delivered_total",
		metric.WithDescription("Events queued on a connection"))
	failed, _ := meter.Int64Counter("fanout_failed_total",
		metric.WithDescription("Events that could not be queued on a connection"))
	offline, _ := meter.Int64Counter("fanout_offline_total",
		metric.WithDescription("Targeted users with no live connection"))
	duration, _ := meter.Float64Histogram("fanout_duration_seconds",
		metric.WithDescription("Time to resolve and queue one event"))

	return &FanoutEngine{
		registry:  registry,
		rooms:     rooms,
		conns:     conns,
		stats:     su,
		log:       logger.With(zap.String("component", "fanout")),
		delivered: delivered,
		failed:    failed,
		offline:   offline,
		duration:  duration,
	}
}

// Deliver queues ev on every connection its target resolves to, skipping
// ev.ExcludeConn. Queueing is non-blocking so the call never waits on a
// slow client. Events queued by successive calls reach any single
// connection in call order.
func (f *FanoutEngine) Deliver(ev OutboundEvent) DeliveryReport {
	start := time.Now()
	report := DeliveryReport{EventId: ev.Id}

	targets := f.resolve(ev.Target, &report)
	msg := eventMessage(ev)

	for _, connId := range targets {
		if connId == ev.ExcludeConn {
			continue
		}

		p, ok := f.conns.Lookup(connId)
		if !ok {
			report.Failed = append(report.Failed, PushFailure{ConnId: connId, Err: ErrConnectionGone})
			continue
		}
		if err := p.Push(msg); err != nil {
			report.Failed = append(report.Failed, PushFailure{ConnId: connId, Err: err})
			continue
		}
		report.Delivered = append(report.Delivered, connId)
	}

	f.record(ev, report, time.Since(start))
	return report
}

func (f *FanoutEngine) resolve(t Target, report *DeliveryReport) []string {
	switch t.Kind {
	case TargetRoom:
		return f.rooms.MembersOf(t.RoomId)
	case TargetAll:
		return f.registry.AllConnections()
	}

	var conns []string
	seen := make(map[string]struct{}, len(t.UserIds))
	for _, userId := range t.UserIds {
		if _, ok := seen[userId]; ok {
			continue
		}
		seen[userId] = struct{}{}

		userConns := f.registry.ListConnections(userId)
		if len(userConns) == 0 {
			report.Offline = append(report.Offline, userId)
			continue
		}
		conns = append(conns, userConns...)
	}
	return conns
}

func (f *FanoutEngine) record(ev OutboundEvent, report DeliveryReport, elapsed time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("kind", string(ev.Kind)))

	f.delivered.Add(ctx, int64(len(report.Delivered)), attrs)
	f.failed.Add(ctx, int64(len(report.Failed)), attrs)
	f.offline.Add(ctx, int64(len(report.Offline)), attrs)
	f.duration.Record(ctx, elapsed.Seconds(), attrs)

	for range report.Failed {
		f.stats.Incr(stats.PushFailures)
	}

	if len(report.Failed) > 0 {
		f.log.Warn("fanout push failures",
			zap.String("event_id", ev.Id),
			zap.String("event", ev.Name),
			zap.Int("failed", len(report.Failed)),
			zap.Error(report.Failed[0].Err),
		)
	}

	f.log.Debug("fanout",
		zap.String("event_id", ev.Id),
		zap.String("event", ev.Name),
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("offline", len(report.Offline)),
		zap.Duration("elapsed", elapsed),
	)
}
