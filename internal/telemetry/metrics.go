package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/energizer-project/gatekeeper/internal/events"
)

// Metrics holds the gatekeeper Prometheus collectors. Values are derived
// from bus events so the gateway never touches collectors directly.
type Metrics struct {
	Logins         *prometheus.CounterVec
	Handoffs       *prometheus.CounterVec
	SessionsClosed *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	Connections    prometheus.Gauge
	ChannelPlayers *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// Panics if registration fails (following prometheus convention).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_login_attempts_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		Handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_session_handoffs_total",
			Help: "Character handoff attempts by coordinator result",
		}, []string{"result"}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_sessions_closed_total",
			Help: "Sessions closed, split by forced closure",
		}, []string{"forced"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_protocol_errors_total",
			Help: "Connections dropped for undecodable frames",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_client_connections",
			Help: "Open client connections",
		}),
		ChannelPlayers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_channel_players",
			Help: "Players last reported per channel",
		}, []string{"world", "channel"}),
	}

	reg.MustRegister(m.Logins, m.Handoffs, m.SessionsClosed, m.ProtocolErrors, m.Connections, m.ChannelPlayers)
	return m
}

// Attach subscribes the collectors to bus.
func (m *Metrics) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventLoginAttempt, "metrics.login", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.LoginPayload); ok {
			m.Logins.WithLabelValues(p.Outcome).Inc()
		}
		return nil
	})
	bus.Subscribe(events.EventSessionHandoff, "metrics.handoff", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.HandoffPayload); ok {
			m.Handoffs.WithLabelValues(p.Result).Inc()
		}
		return nil
	})
	bus.Subscribe(events.EventSessionClosed, "metrics.closed", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.SessionClosedPayload); ok {
			m.SessionsClosed.WithLabelValues(strconv.FormatBool(p.Forced)).Inc()
		}
		return nil
	})
	bus.Subscribe(events.EventProtocolError, "metrics.protocol", func(ctx context.Context, e events.Event) error {
		m.ProtocolErrors.Inc()
		return nil
	})
	bus.Subscribe(events.EventClientConnected, "metrics.connected", func(ctx context.Context, e events.Event) error {
		m.Connections.Inc()
		return nil
	})
	bus.Subscribe(events.EventClientDisconnected, "metrics.disconnected", func(ctx context.Context, e events.Event) error {
		m.Connections.Dec()
		return nil
	})
	bus.Subscribe(events.EventChannelStatus, "metrics.channel", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.ChannelStatusPayload); ok {
			m.ChannelPlayers.WithLabelValues(strconv.Itoa(p.World), strconv.Itoa(p.Channel)).Set(float64(p.Players))
		}
		return nil
	})
}
