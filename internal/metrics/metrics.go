package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// WebSocket connection metrics
	// ============================================
	WSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watcher_ws_connection_status",
		Help: "WebSocket connection status (1=connected, 0=disconnected)",
	})

	WSReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_ws_reconnects_total",
		Help: "Total number of successful WebSocket reconnections",
	})

	WSEndpointFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_ws_endpoint_failures_total",
			Help: "Total number of failed connection attempts per endpoint",
		},
		[]string{"endpoint"},
	)

	WSHeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_ws_heartbeats_sent_total",
		Help: "Total number of heartbeat RPC calls sent",
	})

	// ============================================
	// Subscription metrics
	// ============================================
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watcher_active_subscriptions",
		Help: "Number of active eth_subscribe log subscriptions",
	})

	SubscriptionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_subscription_timeouts_total",
		Help: "Total number of subscription ack timeouts",
	})

	SubscriptionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_subscription_errors_total",
			Help: "Total number of subscription errors",
		},
		[]string{"error_type"},
	)

	// ============================================
	// Transfer / matching metrics
	// ============================================
	TransfersDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_transfers_detected_total",
			Help: "Total number of decoded transfer events toward the receiver",
		},
		[]string{"token", "source"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_decode_errors_total",
			Help: "Total number of dropped undecodable messages",
		},
		[]string{"reason"},
	)

	MatchScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watcher_match_score",
		Help:    "Score distribution of payment matching attempts",
		Buckets: []float64{0, 20, 40, 60, 80, 90, 100},
	})

	PaymentsConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_payments_confirmed_total",
			Help: "Total number of confirmed payments",
		},
		[]string{"token"},
	)

	PaymentsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_payments_timed_out_total",
		Help: "Total number of payment monitors that expired unconfirmed",
	})

	ActivePaymentMonitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watcher_active_payment_monitors",
		Help: "Number of payment monitors currently awaiting a transfer",
	})

	// ============================================
	// NATS metrics
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watcher_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject_kind"},
	)

	// ============================================
	// Fallback scanner metrics
	// ============================================
	ScannerBlocksScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_scanner_blocks_scanned_total",
		Help: "Total number of blocks walked by the fallback scanner",
	})

	ScannerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_scanner_errors_total",
		Help: "Total number of fallback scanner poll errors",
	})
)
