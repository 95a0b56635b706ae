package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the daemon.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dialVolume        *prometheus.GaugeVec
	dialMuted         *prometheus.GaugeVec
	dialBoundStreams  *prometheus.GaugeVec
	streamApplyErrors *prometheus.CounterVec

	commandsExecuted     *prometheus.CounterVec
	reconciles           prometheus.Counter
	reconcileChanged     prometheus.Counter
	subscriptionErrors   prometheus.Counter
	actionsDiscarded     prometheus.Counter
	queueDepth           prometheus.Gauge
	coordinatorState     *prometheus.GaugeVec
	notificationsDropped *prometheus.CounterVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.dialVolume = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialmixer_dial_volume_percent",
			Help: "Current volume of each dial in percent",
		},
		[]string{"dial"},
	)

	m.dialMuted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialmixer_dial_muted",
			Help: "Whether the dial is muted (1) or not (0)",
		},
		[]string{"dial"},
	)

	m.dialBoundStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialmixer_dial_bound_streams",
			Help: "Number of live streams currently bound to each dial",
		},
		[]string{"dial"},
	)

	m.streamApplyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialmixer_stream_apply_errors_total",
			Help: "Per-stream volume or mute changes rejected by the audio server",
		},
		[]string{"op"},
	)

	m.commandsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialmixer_commands_executed_total",
			Help: "Commands executed by the coordinator worker",
		},
		[]string{"kind", "status"},
	)

	m.reconciles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialmixer_reconciles_total",
		Help: "Reconcile passes run by the coordinator worker",
	})

	m.reconcileChanged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialmixer_reconcile_dial_changes_total",
		Help: "Dials whose bound stream set changed during a reconcile",
	})

	m.subscriptionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialmixer_subscription_errors_total",
		Help: "Audio server subscription failures",
	})

	m.actionsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dialmixer_actions_discarded_total",
		Help: "Queued actions dropped at shutdown",
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dialmixer_queue_depth",
		Help: "Actions waiting for the coordinator worker",
	})

	m.coordinatorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dialmixer_coordinator_state",
			Help: "Current coordinator state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.notificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialmixer_notifications_dropped_total",
			Help: "Status or health notifications dropped because no reader kept up",
		},
		[]string{"kind"},
	)

	m.collectors = []prometheus.Collector{
		m.dialVolume,
		m.dialMuted,
		m.dialBoundStreams,
		m.streamApplyErrors,
		m.commandsExecuted,
		m.reconciles,
		m.reconcileChanged,
		m.subscriptionErrors,
		m.actionsDiscarded,
		m.queueDepth,
		m.coordinatorState,
		m.notificationsDropped,
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RegisterHandlers registers the metrics endpoint with mux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
}

// ObserveDial records the current state of one dial.
func (m *Metrics) ObserveDial(name string, volume int, muted bool, bound int) {
	if m == nil {
		return
	}
	m.dialVolume.WithLabelValues(name).Set(float64(volume))
	m.dialMuted.WithLabelValues(name).Set(boolToFloat(muted))
	m.dialBoundStreams.WithLabelValues(name).Set(float64(bound))
}

// StreamApplyFailed counts one rejected per-stream change. op is "gain" or "mute".
func (m *Metrics) StreamApplyFailed(op string) {
	if m == nil {
		return
	}
	m.streamApplyErrors.WithLabelValues(op).Inc()
}

// CommandExecuted counts one executed command.
func (m *Metrics) CommandExecuted(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.commandsExecuted.WithLabelValues(kind, status).Inc()
}

// ReconcileRan counts one reconcile pass and the dials it changed.
func (m *Metrics) ReconcileRan(changed int) {
	if m == nil {
		return
	}
	m.reconciles.Inc()
	m.reconcileChanged.Add(float64(changed))
}

func (m *Metrics) SubscriptionFailed() {
	if m == nil {
		return
	}
	m.subscriptionErrors.Inc()
}

func (m *Metrics) ActionsDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.actionsDiscarded.Add(float64(n))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetState marks current as the only active coordinator state.
func (m *Metrics) SetState(current CoordinatorState) {
	if m == nil {
		return
	}
	for _, s := range coordinatorStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.coordinatorState.WithLabelValues(s.String()).Set(v)
	}
}

// NotificationDropped counts a status or health update that was not delivered.
func (m *Metrics) NotificationDropped(kind string) {
	if m == nil {
		return
	}
	m.notificationsDropped.WithLabelValues(kind).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
