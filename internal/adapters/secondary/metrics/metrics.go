package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
)

const namespace = "relay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Relay records relay observations as Prometheus metrics.
type Relay struct {
	eventsReceived    *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	eventsDropped     *prometheus.CounterVec
	messagesBroadcast *prometheus.CounterVec
	sessionsReached   prometheus.Histogram
	sessionDrops      prometheus.Counter
	sessionsCurrent   prometheus.Gauge
	sessionsClosed    *prometheus.CounterVec
	upgradeFailures   prometheus.Counter
}

// Ensure Relay implements the RelayMetrics interface.
var _ ports.RelayMetrics = (*Relay)(nil)

// NewRelay registers the relay collectors with reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)

	return &Relay{
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Change notifications received by channel",
		}, []string{"channel"}),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_decode_failures_total",
			Help:      "Change notifications skipped because they could not be decoded",
		}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Change events dropped because the event queue was full",
		}, []string{"channel"}),
		messagesBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_broadcast_total",
			Help:      "Messages fanned out by message type",
		}, []string{"type"}),
		sessionsReached: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_sessions_reached",
			Help:      "Sessions that accepted each broadcast message",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		sessionDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_messages_dropped_total",
			Help:      "Queued messages discarded because a session fell behind",
		}),
		sessionsCurrent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_current",
			Help:      "Current number of open websocket sessions",
		}),
		sessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed websocket sessions by reason",
		}, []string{"reason"}),
		upgradeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_failures_total",
			Help:      "Websocket upgrade attempts that failed the handshake",
		}),
	}
}

func (m *Relay) EventReceived(channel domain.ChannelName) {
	m.eventsReceived.WithLabelValues(string(channel)).Inc()
}

func (m *Relay) EventDecodeFailed() {
	m.decodeFailures.Inc()
}

func (m *Relay) EventQueueDropped(channel domain.ChannelName) {
	m.eventsDropped.WithLabelValues(string(channel)).Inc()
}

func (m *Relay) MessageBroadcast(messageType domain.MessageType, reached int) {
	m.messagesBroadcast.WithLabelValues(string(messageType)).Inc()
	m.sessionsReached.Observe(float64(reached))
}

func (m *Relay) SessionMessageDropped() {
	m.sessionDrops.Inc()
}

func (m *Relay) SessionOpened() {
	m.sessionsCurrent.Inc()
}

// SessionClosed is paired with SessionOpened; sessions closed before Start
// report neither.
func (m *Relay) SessionClosed(reason string) {
	m.sessionsCurrent.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Relay) UpgradeFailed() {
	m.upgradeFailures.Inc()
}
