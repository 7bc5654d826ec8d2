package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting broker metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Requests by action and how they finished
//   - Decisions arriving from approval surfaces
//   - Routes currently awaiting a decision
//   - Channel reconnects and dropped duplicate decisions
//
// A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RequestFinished("connect", "approved")
type Metrics struct {
	// RequestCounter counts requests by terminal outcome.
	// Labels: action (connect|process|unknown), outcome
	RequestCounter *prometheus.CounterVec

	// DecisionCounter counts decisions received from approval surfaces.
	// Labels: channel, outcome (approved|rejected|dropped)
	DecisionCounter *prometheus.CounterVec

	// ActiveRoutes is the number of routes awaiting a decision.
	ActiveRoutes prometheus.Gauge

	// ApprovalsOpened counts approval surfaces opened.
	// Labels: action
	ApprovalsOpened *prometheus.CounterVec

	// ChannelReconnects counts reconnect attempts per channel.
	// Labels: channel
	ChannelReconnects *prometheus.CounterVec

	// DroppedDecisions counts decisions that had no route.
	// Labels: channel
	DroppedDecisions *prometheus.CounterVec
}

// NewMetrics creates the broker metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletbroker_requests_total",
				Help: "Total number of requests by action and outcome",
			},
			[]string{"action", "outcome"},
		),

		DecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletbroker_decisions_total",
				Help: "Total number of approval decisions by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		ActiveRoutes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletbroker_routes_active",
				Help: "Current number of routes awaiting a decision",
			},
		),

		ApprovalsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletbroker_approvals_opened_total",
				Help: "Total number of approval surfaces opened by action",
			},
			[]string{"action"},
		),

		ChannelReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletbroker_channel_reconnects_total",
				Help: "Total number of channel reconnect attempts",
			},
			[]string{"channel"},
		),

		DroppedDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletbroker_dropped_decisions_total",
				Help: "Total number of decisions dropped because no route matched",
			},
			[]string{"channel"},
		),
	}
}

// RequestFinished records the terminal outcome of one request.
//
// Example:
//
//	metrics.RequestFinished("process", "invalid_params")
func (m *Metrics) RequestFinished(action, outcome string) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(action, outcome).Inc()
}

// DecisionReceived records one decision arriving on channel.
func (m *Metrics) DecisionReceived(channel, outcome string) {
	if m == nil {
		return
	}
	m.DecisionCounter.WithLabelValues(channel, outcome).Inc()
}

// DecisionDropped records a decision with no route.
func (m *Metrics) DecisionDropped(channel string) {
	if m == nil {
		return
	}
	m.DroppedDecisions.WithLabelValues(channel).Inc()
	m.DecisionCounter.WithLabelValues(channel, "dropped").Inc()
}

// SetActiveRoutes sets the route gauge.
func (m *Metrics) SetActiveRoutes(n int) {
	if m == nil {
		return
	}
	m.ActiveRoutes.Set(float64(n))
}

// ApprovalOpened records one approval surface launch.
func (m *Metrics) ApprovalOpened(action string) {
	if m == nil {
		return
	}
	m.ApprovalsOpened.WithLabelValues(action).Inc()
}

// ChannelReconnecting records a reconnect attempt.
func (m *Metrics) ChannelReconnecting(channel string) {
	if m == nil {
		return
	}
	m.ChannelReconnects.WithLabelValues(channel).Inc()
}
