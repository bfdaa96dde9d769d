package odyssea

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client-side prometheus collectors. A nil *Metrics is
// valid everywhere and records nothing, so instrumentation stays optional.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	ReconnectsTotal    prometheus.Counter
	CommandsDropped    prometheus.Counter
	CacheWriteFailures prometheus.Counter
	RoomRestores       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssea",
			Subsystem: "chat",
			Name:      "events_total",
			Help:      "Inbound transport events processed, by event name.",
		}, []string{"event"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odyssea",
			Subsystem: "chat",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled by the transport.",
		}),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odyssea",
			Subsystem: "chat",
			Name:      "commands_dropped_total",
			Help:      "Outbound commands dropped because the transport was disconnected.",
		}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odyssea",
			Subsystem: "chat",
			Name:      "cache_write_failures_total",
			Help:      "Durable cache writes that failed and were logged.",
		}),
		RoomRestores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "odyssea",
			Subsystem: "chat",
			Name:      "room_restores_total",
			Help:      "Room restore fetches triggered by events for unknown rooms.",
		}),
	}
	reg.MustRegister(m.EventsTotal, m.ReconnectsTotal, m.CommandsDropped, m.CacheWriteFailures, m.RoomRestores)
	return m
}

func (m *Metrics) eventProcessed(name string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Metrics) commandDropped() {
	if m == nil {
		return
	}
	m.CommandsDropped.Inc()
}

func (m *Metrics) cacheWriteFailed() {
	if m == nil {
		return
	}
	m.CacheWriteFailures.Inc()
}

func (m *Metrics) roomRestored() {
	if m == nil {
		return
	}
	m.RoomRestores.Inc()
}
