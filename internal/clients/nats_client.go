package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/metrics"
)

// NATSClient publishes watcher events to NATS so downstream services
// (order backends, notification workers) can react to detected payments.
type NATSClient struct {
	conn    *nats.Conn
	network string
}

// NewNATSClient connects to the configured NATS server. Connection state is
// mirrored into metrics via the reconnect handlers.
func NewNATSClient(cfg config.NATSConfig, network string) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ NATS disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %s: %w", cfg.URL, err)
	}

	metrics.NATSConnectionStatus.Set(1)
	log.Printf("✅ NATS connected: %s", cfg.URL)
	return &NATSClient{conn: conn, network: network}, nil
}

// subject scheme: watcher.<network>.<token>.<event>
func (c *NATSClient) subject(token, event string) string {
	network := c.network
	if network == "" {
		network = "unknown"
	}
	return fmt.Sprintf("watcher.%s.%s.%s",
		strings.ToLower(network), strings.ToLower(token), event)
}

// PublishTransferDetected publishes one decoded transfer.
func (c *NATSClient) PublishTransferDetected(token string, payload interface{}) error {
	return c.publish(c.subject(token, "TransferDetected"), "transfer_detected", payload)
}

// PublishPaymentConfirmed publishes one confirmed payment.
func (c *NATSClient) PublishPaymentConfirmed(token string, payload interface{}) error {
	return c.publish(c.subject(token, "PaymentConfirmed"), "payment_confirmed", payload)
}

func (c *NATSClient) publish(subject, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.NATSMessagesPublished.WithLabelValues(kind).Inc()
	return nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
		metrics.NATSConnectionStatus.Set(0)
	}
}
