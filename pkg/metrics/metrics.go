package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Analysis metrics
	AnalysisFramesProcessed *prometheus.CounterVec
	AnalysisSnapshotsSent   *prometheus.CounterVec
	AnalysisInterruptions   *prometheus.CounterVec
	AnalysisTickDuration    *prometheus.HistogramVec

	// Peer connection metrics
	PeerStateTransitions *prometheus.CounterVec
	PeerReconnects       prometheus.Counter
	SignalingLatency     *prometheus.HistogramVec
	MediaPacketsSent     *prometheus.CounterVec
	MediaBytesSent       *prometheus.CounterVec

	// Telemetry channel metrics
	ChannelEventsSent     *prometheus.CounterVec
	ChannelEventsReceived *prometheus.CounterVec
	ChannelEventsDropped  *prometheus.CounterVec
	ChannelReconnects     prometheus.Counter
	ChannelConnected      prometheus.Gauge

	// War room metrics
	ActiveCalls   prometheus.Gauge
	ActiveBattles prometheus.Gauge
	Spectators    prometheus.Gauge

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionErrors  prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		AnalysisFramesProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_analysis_frames_processed_total",
				Help: "Total number of audio frames processed by the voice analyzer",
			},
			[]string{"session_id"},
		)

		AnalysisSnapshotsSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_analysis_snapshots_sent_total",
				Help: "Total number of voice metrics snapshots published outbound",
			},
			[]string{"session_id"},
		)

		AnalysisInterruptions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_analysis_interruptions_total",
				Help: "Total number of interruptions detected",
			},
			[]string{"session_id"},
		)

		AnalysisTickDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warroom_analysis_tick_duration_seconds",
				Help:    "Duration of a single analysis tick",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"session_id"},
		)

		PeerStateTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_peer_state_transitions_total",
				Help: "Total number of peer connection state transitions",
			},
			[]string{"from", "to"},
		)

		PeerReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warroom_peer_reconnect_attempts_total",
				Help: "Total number of peer connection reconnect attempts",
			},
		)

		SignalingLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warroom_signaling_latency_seconds",
				Help:    "Latency of signaling round trips (offer to answer)",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		)

		MediaPacketsSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_media_packets_sent_total",
				Help: "Total number of media packets transmitted",
			},
			[]string{"session_id"},
		)

		MediaBytesSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_media_bytes_sent_total",
				Help: "Total number of media bytes transmitted",
			},
			[]string{"session_id"},
		)

		ChannelEventsSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_channel_events_sent_total",
				Help: "Total number of events sent over the telemetry channel",
			},
			[]string{"type"},
		)

		ChannelEventsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_channel_events_received_total",
				Help: "Total number of events received over the telemetry channel",
			},
			[]string{"type"},
		)

		ChannelEventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_channel_events_dropped_total",
				Help: "Total number of inbound events dropped as malformed or unroutable",
			},
			[]string{"reason"},
		)

		ChannelReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warroom_channel_reconnect_attempts_total",
				Help: "Total number of telemetry channel reconnect attempts",
			},
		)

		ChannelConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warroom_channel_connected",
				Help: "Whether the telemetry channel is currently connected (1) or not (0)",
			},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warroom_active_calls",
				Help: "Number of call sessions currently mirrored in the registry",
			},
		)

		ActiveBattles = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warroom_active_battles",
				Help: "Number of battles currently active",
			},
		)

		Spectators = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warroom_spectators",
				Help: "Total number of spectator subscriptions across all calls",
			},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warroom_amqp_published_messages_total",
				Help: "Total number of analytics messages published to AMQP",
			},
			[]string{"status"},
		)

		AMQPConnectionErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warroom_amqp_connection_errors_total",
				Help: "Total number of AMQP connection errors",
			},
		)

		registry.MustRegister(
			AnalysisFramesProcessed,
			AnalysisSnapshotsSent,
			AnalysisInterruptions,
			AnalysisTickDuration,
			PeerStateTransitions,
			PeerReconnects,
			SignalingLatency,
			MediaPacketsSent,
			MediaBytesSent,
			ChannelEventsSent,
			ChannelEventsReceived,
			ChannelEventsDropped,
			ChannelReconnects,
			ChannelConnected,
			ActiveCalls,
			ActiveBattles,
			Spectators,
			AMQPPublishedMessages,
			AMQPConnectionErrors,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// Handler returns the HTTP handler that serves the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// SetMetricsEnabled toggles metric recording at runtime
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// RecordAnalysisTick observes the duration of an analysis tick; call the
// returned function when the tick completes.
func RecordAnalysisTick(sessionID string) func() {
	if !metricsEnabled || AnalysisTickDuration == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		AnalysisTickDuration.WithLabelValues(sessionID).Observe(time.Since(start).Seconds())
	}
}

// RecordPeerTransition records a peer connection state transition
func RecordPeerTransition(from, to string) {
	if !metricsEnabled || PeerStateTransitions == nil {
		return
	}
	PeerStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordChannelEvent records a sent or received channel event by type
func RecordChannelEvent(direction, eventType string) {
	if !metricsEnabled {
		return
	}
	switch direction {
	case "out":
		if ChannelEventsSent != nil {
			ChannelEventsSent.WithLabelValues(eventType).Inc()
		}
	case "in":
		if ChannelEventsReceived != nil {
			ChannelEventsReceived.WithLabelValues(eventType).Inc()
		}
	}
}

// RecordChannelReconnect counts one telemetry channel reconnect attempt
func RecordChannelReconnect() {
	if !metricsEnabled || ChannelReconnects == nil {
		return
	}
	ChannelReconnects.Inc()
}

// RecordPeerReconnect counts one peer connection reconnect attempt
func RecordPeerReconnect() {
	if !metricsEnabled || PeerReconnects == nil {
		return
	}
	PeerReconnects.Inc()
}

// RecordDroppedEvent records an inbound event dropped at the protocol boundary
func RecordDroppedEvent(reason string) {
	if !metricsEnabled || ChannelEventsDropped == nil {
		return
	}
	ChannelEventsDropped.WithLabelValues(reason).Inc()
}

// SetChannelConnected flips the channel connectivity gauge
func SetChannelConnected(connected bool) {
	if !metricsEnabled || ChannelConnected == nil {
		return
	}
	if connected {
		ChannelConnected.Set(1)
	} else {
		ChannelConnected.Set(0)
	}
}

// RecordAMQPPublish records an AMQP publish outcome
func RecordAMQPPublish(status string) {
	if !metricsEnabled || AMQPPublishedMessages == nil {
		return
	}
	AMQPPublishedMessages.WithLabelValues(status).Inc()
}
