package monitoring

import (
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ ports.Metrics = (*PrometheusCollector)(nil)

var roomKinds = []domain.RoomKind{
	domain.RoomKindConversation,
	domain.RoomKindCall,
	domain.RoomKindPersonal,
	domain.RoomKindGlobal,
}

type PrometheusCollector struct {
	// Connections
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionLifetime prometheus.Histogram
	authFailures       prometheus.Counter

	// Events
	eventsReceived  *prometheus.CounterVec
	eventsRejected  *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	joinRefusals    *prometheus.CounterVec

	// Rooms and presence
	rooms            *prometheus.GaugeVec
	onlineIdentities prometheus.Gauge

	// Calls
	callsActive  prometheus.Gauge
	callsStarted *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callRecords  *prometheus.CounterVec

	// Collaborators
	directoryLookups        *prometheus.CounterVec
	directoryLookupDuration prometheus.Histogram
}

// NewPrometheusCollector registers the relay metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Number of authenticated WebSocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total number of authenticated WebSocket connections",
		}),

		connectionLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_connection_lifetime_seconds",
			Help:    "Lifetime of WebSocket connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_auth_failures_total",
			Help: "Total number of failed connection handshakes",
		}),

		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_received_total",
			Help: "Inbound client events by type",
		}, []string{"type"}),

		eventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_rejected_total",
			Help: "Inbound client events refused, by type and error code",
		}, []string{"type", "code"}),

		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_delivered_total",
			Help: "Outbound frames enqueued to connections, by event type",
		}, []string{"type"}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_dropped_total",
			Help: "Outbound frames dropped on full or closed send queues, by event type",
		}, []string{"type"}),

		joinRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_join_refusals_total",
			Help: "Refused room joins by room kind",
		}, []string{"kind"}),

		rooms: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatrelay_rooms",
			Help: "Number of non-empty rooms by kind",
		}, []string{"kind"}),

		onlineIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_identities",
			Help: "Number of identities with at least one connection",
		}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_calls_active",
			Help: "Number of calls not yet ended",
		}),

		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_calls_started_total",
			Help: "Total number of calls created, by call type",
		}, []string{"type"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_call_duration_seconds",
			Help:    "Duration of ended calls measured from activation",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"type"}),

		callRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_call_records_total",
			Help: "Call record writes by result",
		}, []string{"result"}),

		directoryLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_directory_lookups_total",
			Help: "Conversation membership lookups by result",
		}, []string{"result"}),

		directoryLookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_directory_lookup_duration_seconds",
			Help:    "Latency of conversation membership lookups",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed(lifetime time.Duration) {
	p.connectionsActive.Dec()
	p.connectionLifetime.Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) AuthFailed() {
	p.authFailures.Inc()
}

func (p *PrometheusCollector) EventReceived(eventType string) {
	p.eventsReceived.WithLabelValues(eventType).Inc()
}

func (p *PrometheusCollector) EventRejected(eventType, code string) {
	if eventType == "" {
		eventType = "undecoded"
	}
	p.eventsRejected.WithLabelValues(eventType, code).Inc()
}

func (p *PrometheusCollector) Relayed(eventType string, delivered, dropped int) {
	if delivered > 0 {
		p.eventsDelivered.WithLabelValues(eventType).Add(float64(delivered))
	}
	if dropped > 0 {
		p.eventsDropped.WithLabelValues(eventType).Add(float64(dropped))
	}
}

func (p *PrometheusCollector) JoinRefused(kind domain.RoomKind) {
	p.joinRefusals.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SetRooms(byKind map[domain.RoomKind]int) {
	for _, kind := range roomKinds {
		p.rooms.WithLabelValues(string(kind)).Set(float64(byKind[kind]))
	}
}

func (p *PrometheusCollector) SetOnlineIdentities(n int) {
	p.onlineIdentities.Set(float64(n))
}

func (p *PrometheusCollector) CallStarted(callType domain.CallType) {
	p.callsActive.Inc()
	p.callsStarted.WithLabelValues(string(callType)).Inc()
}

func (p *PrometheusCollector) CallEnded(callType domain.CallType, duration time.Duration, recorded bool) {
	p.callsActive.Dec()
	if duration > 0 {
		p.callDuration.WithLabelValues(string(callType)).Observe(duration.Seconds())
	}
	if !recorded {
		p.callRecords.WithLabelValues("skipped").Inc()
	}
}

func (p *PrometheusCollector) CallRecordWrite(err error) {
	p.callRecords.WithLabelValues(result(err)).Inc()
}

func (p *PrometheusCollector) DirectoryLookup(err error, elapsed time.Duration) {
	p.directoryLookups.WithLabelValues(result(err)).Inc()
	p.directoryLookupDuration.Observe(elapsed.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
