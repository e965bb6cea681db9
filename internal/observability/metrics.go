package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
)

// Metrics groups all Prometheus instruments used by the bridge.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SwitchConnected    prometheus.Gauge
	ReconnectsTotal    prometheus.Counter
	ConnectFailures    *prometheus.CounterVec
	CommandsTotal      *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ProjectionErrors   *prometheus.CounterVec
	BroadcastsTotal    *prometheus.CounterVec
	AcceptOutcomes     *prometheus.CounterVec
	OperatorClients    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics registers the instruments on a fresh registry so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SwitchConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "switch_connected",
			Help:      "1 while the management session to the switch is logged in.",
		}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled by the supervisor.",
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_connect_failures_total",
			Help:      "Session failures by reason.",
		}, []string{"reason"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_commands_total",
			Help:      "Commands sent to the switch by action and outcome.",
		}, []string{"action", "outcome"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Switch notifications handled by the projector, by kind.",
		}, []string{"kind"}),
		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_errors_total",
			Help:      "Failed projection steps by kind and step.",
		}, []string{"kind", "step"}),
		BroadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Operator broadcasts by event and outcome.",
		}, []string{"event", "outcome"}),
		AcceptOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_accept_outcomes_total",
			Help:      "Floor accept attempts by outcome.",
		}, []string{"outcome"}),
		OperatorClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operator_clients",
			Help:      "Connected operator websocket clients.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.SwitchConnected.Set(1)
	} else {
		m.SwitchConnected.Set(0)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

func (m *Metrics) ConnectFailed(reason string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

// ObserveCommand classifies err into ok, timeout, rejected or error.
func (m *Metrics) ObserveCommand(action string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ami.ErrCommandTimeout):
		outcome = "timeout"
	case errors.Is(err, ami.ErrCommandRejected):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	m.CommandsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProjectionError(kind, step string) {
	if m == nil {
		return
	}
	m.ProjectionErrors.WithLabelValues(kind, step).Inc()
}

func (m *Metrics) Broadcast(event string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BroadcastsTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) AcceptOutcome(outcome string) {
	if m == nil {
		return
	}
	m.AcceptOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOperatorClients(n int) {
	if m == nil {
		return
	}
	m.OperatorClients.Set(float64(n))
}
