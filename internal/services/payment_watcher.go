package services

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/jackyvictory/stablecoin-watcher/internal/clients"
	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/endpoints"
	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
	"github.com/jackyvictory/stablecoin-watcher/internal/monitor"
	"github.com/jackyvictory/stablecoin-watcher/internal/repository"
	"github.com/jackyvictory/stablecoin-watcher/internal/scanner"
	"github.com/jackyvictory/stablecoin-watcher/internal/wsrpc"
)

// PaymentWatcher wires the detection pipeline together: endpoint registry →
// connection manager → subscription manager → decoder → matcher → monitor
// registry, plus the optional fallback scanner, persistence and NATS fan-out.
type PaymentWatcher struct {
	cfg      *config.Config
	bus      *events.Bus
	registry *endpoints.Registry
	subs     *wsrpc.SubscriptionManager
	conn     *wsrpc.ConnectionManager
	monitors *monitor.Registry
	matcher  *monitor.Matcher
	scanner  *scanner.BlockScanner
	nats     *clients.NATSClient
	repo     repository.PaymentEventRepository
}

// NewPaymentWatcher builds the full pipeline. repo and natsClient are
// optional; pass nil to disable persistence and NATS fan-out.
func NewPaymentWatcher(cfg *config.Config, repo repository.PaymentEventRepository, natsClient *clients.NATSClient) *PaymentWatcher {
	bus := events.NewBus()
	monitors := monitor.NewRegistry()
	matcher := monitor.NewMatcher(monitors, bus)

	w := &PaymentWatcher{
		cfg:      cfg,
		bus:      bus,
		monitors: monitors,
		matcher:  matcher,
		nats:     natsClient,
		repo:     repo,
	}

	w.subs = wsrpc.NewSubscriptionManager(
		cfg.Watcher.Tokens,
		cfg.Watcher.ReceiverAddress,
		cfg.Watcher.AckTimeoutDuration(),
		bus,
		matcher.HandleTransfer,
	)
	w.registry = endpoints.NewRegistry(cfg.Watcher.Endpoints, cfg.Watcher.APIKey != "")
	w.conn = wsrpc.NewConnectionManager(w.registry, w.subs, bus, wsrpc.ConnectionManagerConfig{
		HeartbeatInterval:    cfg.Watcher.HeartbeatIntervalDuration(),
		ReconnectInterval:    cfg.Watcher.ReconnectIntervalDuration(),
		MaxReconnectAttempts: cfg.Watcher.MaxReconnectAttempts,
	})

	if cfg.Scanner.Enabled {
		w.scanner = scanner.NewBlockScanner(
			cfg.Scanner, cfg.Watcher.Tokens, cfg.Watcher.ReceiverAddress,
			bus, matcher.HandleTransfer,
		)
	}

	w.registerSinks()
	return w
}

// registerSinks attaches persistence and NATS fan-out to the event bus.
func (w *PaymentWatcher) registerSinks() {
	w.bus.On(events.TransferDetected, func(evt events.Event) {
		record, ok := evt.Payload.(*models.TransferRecord)
		if !ok {
			return
		}
		if w.nats != nil {
			if err := w.nats.PublishTransferDetected(record.TokenSymbol, record); err != nil {
				log.Printf("⚠️ NATS publish transfer failed: %v", err)
			}
		}
		if w.repo != nil {
			row := &models.EventTransferDetected{
				Network:         w.cfg.Watcher.Network,
				TokenSymbol:     record.TokenSymbol,
				TokenContract:   record.TokenContract,
				TransactionHash: record.TransactionHash,
				LogIndex:        record.LogIndex,
				BlockNumber:     record.BlockNumber,
				BlockHash:       record.BlockHash,
				FromAddress:     record.FromAddress,
				ToAddress:       record.ToAddress,
				AmountRaw:       record.AmountRaw.String(),
				Decimals:        record.Decimals,
				Source:          transferSource(record),
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.repo.UpsertTransfer(ctx, row); err != nil {
				log.Printf("⚠️ Persist transfer failed: %v", err)
			}
		}
	})

	w.bus.On(events.PaymentDetected, func(evt events.Event) {
		conf, ok := evt.Payload.(*monitor.PaymentConfirmation)
		if !ok {
			return
		}
		if w.nats != nil {
			if err := w.nats.PublishPaymentConfirmed(conf.Transfer.TokenSymbol, map[string]interface{}{
				"paymentId":       conf.PaymentID,
				"transactionHash": conf.Transfer.TransactionHash,
				"blockNumber":     conf.Transfer.BlockNumber,
				"amount":          conf.Transfer.Amount().FloatString(8),
				"score":           conf.Result.Score,
			}); err != nil {
				log.Printf("⚠️ NATS publish payment failed: %v", err)
			}
		}
		if w.repo != nil {
			row := &models.EventPaymentConfirmed{
				PaymentID:       conf.PaymentID,
				Network:         w.cfg.Watcher.Network,
				TokenSymbol:     conf.Transfer.TokenSymbol,
				ExpectedAmount:  conf.Monitor.ExpectedAmount.FloatString(8),
				ReceiverAddress: conf.Monitor.ReceiverAddress,
				TransactionHash: conf.Transfer.TransactionHash,
				BlockNumber:     conf.Transfer.BlockNumber,
				MatchScore:      conf.Result.Score,
				Confirmations:   conf.Transfer.Confirmations,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.repo.SaveConfirmedPayment(ctx, row); err != nil {
				log.Printf("⚠️ Persist confirmed payment failed: %v", err)
			}
		}
	})
}

func transferSource(record *models.TransferRecord) string {
	if record.Confirmations > 1 {
		return "scanner"
	}
	return "subscription"
}

// Start launches the WebSocket pipeline and, when enabled, the fallback
// scanner.
func (w *PaymentWatcher) Start() {
	log.Printf("🚀 Starting payment watcher (network=%s, receiver=%s)",
		w.cfg.Watcher.Network, w.cfg.Watcher.ReceiverAddress)
	for _, ep := range w.registry.All() {
		log.Printf("🔌 Endpoint candidate %s (priority=%d)", ep.Name, ep.Priority)
	}
	if w.registry.Len() > 0 {
		go w.conn.Start()
	}
	if w.scanner != nil {
		w.scanner.Start()
	}
}

// Stop tears down every component. Active payment monitors are cancelled.
func (w *PaymentWatcher) Stop() {
	log.Printf("🛑 Stopping payment watcher...")
	w.conn.Stop()
	if w.scanner != nil {
		w.scanner.Stop()
	}
	w.monitors.StopAll()
	log.Printf("✅ Payment watcher stopped")
}

// Bus exposes the event bus for additional listeners.
func (w *PaymentWatcher) Bus() *events.Bus {
	return w.bus
}

// StartPaymentRequest parameters for one monitored payment.
type StartPaymentRequest struct {
	PaymentID             string
	TokenSymbol           string
	ExpectedAmount        string // decimal string, parsed exactly
	ReceiverAddress       string
	RequiredConfirmations uint64
	StartBlock            uint64 // 0 = latest block observed on the node
	TimeoutMs             int64
	Callbacks             monitor.Callbacks
}

// StartPaymentMonitoring registers a payment expectation. Returns the
// paymentId, generated when the caller omitted one.
func (w *PaymentWatcher) StartPaymentMonitoring(req StartPaymentRequest) (string, error) {
	paymentID := req.PaymentID
	if paymentID == "" {
		paymentID = uuid.NewString()
	}

	if !w.tokenConfigured(req.TokenSymbol) {
		return "", fmt.Errorf("token %q is not configured", req.TokenSymbol)
	}

	expected, ok := new(big.Rat).SetString(req.ExpectedAmount)
	if !ok {
		return "", fmt.Errorf("invalid expectedAmount %q", req.ExpectedAmount)
	}

	receiver := req.ReceiverAddress
	if receiver == "" {
		receiver = w.cfg.Watcher.ReceiverAddress
	}

	timeout := w.cfg.Watcher.DefaultPaymentTimeoutDuration()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	startBlock := req.StartBlock
	if startBlock == 0 {
		startBlock = w.subs.LatestBlock()
	}

	err := w.monitors.Start(paymentID, monitor.Config{
		TokenSymbol:           req.TokenSymbol,
		ExpectedAmount:        expected,
		ReceiverAddress:       receiver,
		RequiredConfirmations: req.RequiredConfirmations,
		StartBlock:            startBlock,
		Timeout:               timeout,
		Callbacks:             req.Callbacks,
	})
	if err != nil {
		return "", err
	}
	return paymentID, nil
}

func (w *PaymentWatcher) tokenConfigured(symbol string) bool {
	for _, t := range w.cfg.Watcher.Tokens {
		if t.Symbol == symbol {
			return true
		}
	}
	return false
}

// StopPaymentMonitoring cancels one payment monitor.
func (w *PaymentWatcher) StopPaymentMonitoring(paymentID string) bool {
	return w.monitors.Stop(paymentID)
}

// StopAllPaymentMonitoring cancels every payment monitor.
func (w *PaymentWatcher) StopAllPaymentMonitoring() int {
	return w.monitors.StopAll()
}

// ActiveMonitorCount returns the number of payments currently awaited.
func (w *PaymentWatcher) ActiveMonitorCount() int {
	return w.monitors.Count()
}

// GetConnectionStatus returns the connection snapshot for the API layer.
func (w *PaymentWatcher) GetConnectionStatus() models.ConnectionStatus {
	return w.conn.Status()
}
