// Package metrics holds the Prometheus collectors updated by the trade
// machine, the sync actors and the level engine.
//
//   - tradeguard_trade_transitions_total{to}       trade state changes
//   - tradeguard_funding_rejections_total{code}    refused Draft -> Funded
//   - tradeguard_broker_errors_total{op}           failed venue calls
//   - tradeguard_sync_cycles_total{result}         reconciliation cycles (ok|error)
//   - tradeguard_sync_events_total{kind}           events applied by the actors
//   - tradeguard_broker_connected{account}         1 while the account's venue is reachable
//   - tradeguard_level_changes_total{actor}        applied level transitions
//   - tradeguard_account_level{account}            current level
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	transitions       *prometheus.CounterVec
	fundingRejections *prometheus.CounterVec
	brokerErrors      *prometheus.CounterVec
	syncCycles        *prometheus.CounterVec
	syncEvents        *prometheus.CounterVec
	connected         *prometheus.GaugeVec
	levelChanges      *prometheus.CounterVec
	accountLevel      *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_trade_transitions_total",
			Help: "Trade state transitions by target state.",
		}, []string{"to"}),
		fundingRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_funding_rejections_total",
			Help: "Funding requests refused by a risk gate.",
		}, []string{"code"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_broker_errors_total",
			Help: "Failed broker calls by operation.",
		}, []string{"op"}),
		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_sync_cycles_total",
			Help: "Reconciliation cycles by result.",
		}, []string{"result"}),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_sync_events_total",
			Help: "Broker events emitted by the sync actors.",
		}, []string{"kind"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeguard_broker_connected",
			Help: "1 while the broker is reachable for the account.",
		}, []string{"account"}),
		levelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_level_changes_total",
			Help: "Applied risk-level transitions by actor.",
		}, []string{"actor"}),
		accountLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeguard_account_level",
			Help: "Current risk level of the account.",
		}, []string{"account"}),
	}
	m.reg.MustRegister(
		m.transitions, m.fundingRejections, m.brokerErrors,
		m.syncCycles, m.syncEvents, m.connected,
		m.levelChanges, m.accountLevel,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) FundingRejected(code string) {
	if m == nil {
		return
	}
	m.fundingRejections.WithLabelValues(code).Inc()
}

func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SyncCycle(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.syncCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) SyncEvent(kind string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Connected(account string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connected.WithLabelValues(account).Set(v)
}

func (m *Metrics) LevelChanged(account, actor string, level int) {
	if m == nil {
		return
	}
	m.levelChanges.WithLabelValues(actor).Inc()
	m.accountLevel.WithLabelValues(account).Set(float64(level))
}
