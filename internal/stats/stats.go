package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

const (
	ActiveConnections   = "NumActiveConnections"
	OnlineUsers         = "NumOnlineUsers"
	RejectedConnections = "NumRejectedConnections"
	PushFailures        = "NumPushFailures"

	uptime = "UptimeMillis"
)

// Provider receives gauge changes from the realtime core.
type Provider interface {
	RegisterMetric(name string)
	Incr(name string)
	Decr(name string)
}

// Gauges keeps named counters in an expvar.Map that is not published to the
// global registry, so several sets can coexist in one process. Updates are
// atomic and safe from any goroutine.
type Gauges struct {
	vars    *expvar.Map
	started time.Time
}

// NewGauges creates an empty gauge set and serves it on GET /debug/vars.
func NewGauges(mux *http.ServeMux) *Gauges {
	g := &Gauges{
		vars:    new(expvar.Map).Init(),
		started: time.Now(),
	}
	g.vars.Set(uptime, expvar.Func(func() any {
		return time.Since(g.started).Milliseconds()
	}))
	mux.Handle("GET /debug/vars", g)

	return g
}

// RegisterMetric makes name visible at zero before its first update.
func (g *Gauges) RegisterMetric(name string) {
	if g.vars.Get(name) == nil {
		g.vars.Set(name, new(expvar.Int))
	}
}

func (g *Gauges) Incr(name string) {
	g.vars.Add(name, 1)
}

func (g *Gauges) Decr(name string) {
	g.vars.Add(name, -1)
}

// Snapshot returns the current value of every gauge.
func (g *Gauges) Snapshot() map[string]any {
	out := make(map[string]any)
	g.vars.Do(func(kv expvar.KeyValue) {
		var v any
		if err := json.Unmarshal([]byte(kv.Value.String()), &v); err == nil {
			out[kv.Key] = v
		}
	})
	return out
}

func (g *Gauges) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(g.Snapshot())
}
