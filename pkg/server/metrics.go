package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/sigsync/pkg/patch"
	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "sigsync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: a new private registry, so several servers can coexist in
	// one process.
	Registry prometheus.Registerer
}

// MetricsOption configures Metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics holds the Prometheus collectors for a server and its registry.
// It implements registry.Observer. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessionsActive    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	sessionsRejected  prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	protocolErrors    *prometheus.CounterVec
	signals           *prometheus.GaugeVec
	mutations         *prometheus.CounterVec
	rejectedPatches   *prometheus.CounterVec
	resyncs           prometheus.Counter
	queueDrops        *prometheus.CounterVec
	channelDeliveries prometheus.Counter
}

var _ registry.Observer = (*Metrics)(nil)

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{Namespace: "sigsync"}
	for _, opt := range opts {
		opt(&config)
	}

	var gatherer prometheus.Gatherer
	if config.Registry == nil {
		reg := prometheus.NewRegistry()
		config.Registry = reg
		gatherer = reg
	} else if g, ok := config.Registry.(prometheus.Gatherer); ok {
		gatherer = g
	}

	factory := promauto.With(config.Registry)
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &Metrics{
		gatherer: gatherer,

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts(counterOpts(
			"sessions_active", "Number of open sessions"))),
		sessionsTotal: factory.NewCounter(counterOpts(
			"sessions_total", "Total number of sessions accepted")),
		sessionsRejected: factory.NewCounter(counterOpts(
			"sessions_rejected_total", "Total number of streams refused because the session limit was reached")),
		framesReceived: factory.NewCounterVec(counterOpts(
			"frames_received_total", "Total number of frames received from clients"), []string{"type"}),
		framesSent: factory.NewCounterVec(counterOpts(
			"frames_sent_total", "Total number of frames sent to clients"), []string{"type"}),
		bytesReceived: factory.NewCounter(counterOpts(
			"received_bytes_total", "Total bytes received from clients")),
		bytesSent: factory.NewCounter(counterOpts(
			"sent_bytes_total", "Total bytes sent to clients")),
		protocolErrors: factory.NewCounterVec(counterOpts(
			"protocol_errors_total", "Total number of Error messages sent to clients"), []string{"code"}),
		signals: factory.NewGaugeVec(prometheus.GaugeOpts(counterOpts(
			"signals", "Number of signals in the registry")), []string{"kind"}),
		mutations: factory.NewCounterVec(counterOpts(
			"mutations_total", "Total number of accepted signal changes"), []string{"origin"}),
		rejectedPatches: factory.NewCounterVec(counterOpts(
			"rejected_patches_total", "Total number of client patches refused"), []string{"reason"}),
		resyncs: factory.NewCounter(counterOpts(
			"resyncs_total", "Total number of ResyncRequired directives issued")),
		queueDrops: factory.NewCounterVec(counterOpts(
			"queue_dropped_total", "Total number of outbound messages discarded by queue overflow"), []string{"type"}),
		channelDeliveries: factory.NewCounter(counterOpts(
			"channel_deliveries_total", "Total number of channel messages delivered to subscribers")),
	}
}

// Gatherer returns the gatherer backing the collectors, or nil if the
// configured registry cannot gather.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

// SignalCreated implements registry.Observer.
func (m *Metrics) SignalCreated(_ string, kind protocol.Kind) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind.String()).Inc()
}

// Mutated implements registry.Observer.
func (m *Metrics) Mutated(_ string, _ uint64, remote bool) {
	if m == nil {
		return
	}
	origin := "local"
	if remote {
		origin = "remote"
	}
	m.mutations.WithLabelValues(origin).Inc()
}

// Rejected implements registry.Observer.
func (m *Metrics) Rejected(_ string, err error) {
	if m == nil {
		return
	}
	reason := "other"
	var ae *patch.ApplyError
	switch {
	case errors.Is(err, registry.ErrVersionConflict):
		reason = "conflict"
	case errors.As(err, &ae):
		reason = "apply"
	}
	m.rejectedPatches.WithLabelValues(reason).Inc()
}

// ChannelDelivered implements registry.Observer.
func (m *Metrics) ChannelDelivered(_ string, recipients int) {
	if m == nil {
		return
	}
	m.channelDeliveries.Add(float64(recipients))
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) sessionRejected() {
	if m == nil {
		return
	}
	m.sessionsRejected.Inc()
}

func (m *Metrics) frameReceived(mt protocol.MessageType, n int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(mt.String()).Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) frameSent(mt protocol.MessageType, n int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(mt.String()).Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) protocolError(code protocol.ErrorCode) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) resync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) queueDrop(msg *protocol.Message) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(msg.Type.String()).Inc()
}
