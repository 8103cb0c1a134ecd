package monitor

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/jackyvictory/stablecoin-watcher/internal/metrics"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

// ErrMonitorExists returned when a paymentId is already being monitored.
var ErrMonitorExists = errors.New("payment monitor already active for this paymentId")

// ErrMonitoringCancelled delivered to OnError when a still-awaited payment is
// cancelled by a bulk stop, typically shutdown.
var ErrMonitoringCancelled = errors.New("payment monitoring cancelled")

const (
	defaultRequiredConfirmations = 1
	defaultTimeout               = 30 * time.Minute
)

// Callbacks caller-supplied hooks for one monitored payment.
type Callbacks struct {
	OnProgress func(paymentID string, transfer *models.TransferRecord, result *models.MatchResult)
	OnSuccess  func(paymentID string, transfer *models.TransferRecord, result *models.MatchResult)
	OnError    func(paymentID string, err error)
	OnTimeout  func(paymentID string)
}

// Config parameters for one payment monitor.
type Config struct {
	TokenSymbol           string
	ExpectedAmount        *big.Rat
	ReceiverAddress       string
	RequiredConfirmations uint64
	StartBlock            uint64
	Timeout               time.Duration
	Callbacks             Callbacks
}

// Monitor one registered payment expectation awaiting a matching transfer.
type Monitor struct {
	PaymentID             string
	TokenSymbol           string
	ExpectedAmount        *big.Rat
	ReceiverAddress       string
	RequiredConfirmations uint64
	StartTime             time.Time
	StartBlock            uint64
	Timeout               time.Duration
	Callbacks             Callbacks

	// transaction hash -> confirmations at the time of acceptance. A hash
	// re-observed with more confirmations is not a duplicate: that is how a
	// multi-confirmation monitor progresses from seen to confirmed.
	processedTxHashes map[string]uint64
	timer             *time.Timer
}

// Registry holds the set of currently awaited payments. It is the single
// owner of monitor state; the matcher mutates monitors only through it.
type Registry struct {
	mu       sync.Mutex
	monitors map[string]*Monitor
	order    []string // insertion order, for deterministic matching
}

// NewRegistry creates an empty payment monitor registry.
func NewRegistry() *Registry {
	return &Registry{
		monitors: make(map[string]*Monitor),
	}
}

// Start registers a payment monitor and schedules its expiry timer.
// Duplicate active paymentIds are rejected.
func (r *Registry) Start(paymentID string, cfg Config) error {
	if paymentID == "" {
		return fmt.Errorf("paymentId is required")
	}
	if cfg.ExpectedAmount == nil || cfg.ExpectedAmount.Sign() <= 0 {
		return fmt.Errorf("expectedAmount must be positive")
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = defaultRequiredConfirmations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	r.mu.Lock()
	if _, exists := r.monitors[paymentID]; exists {
		r.mu.Unlock()
		return ErrMonitorExists
	}

	m := &Monitor{
		PaymentID:             paymentID,
		TokenSymbol:           cfg.TokenSymbol,
		ExpectedAmount:        cfg.ExpectedAmount,
		ReceiverAddress:       cfg.ReceiverAddress,
		RequiredConfirmations: cfg.RequiredConfirmations,
		StartTime:             time.Now(),
		StartBlock:            cfg.StartBlock,
		Timeout:               cfg.Timeout,
		Callbacks:             cfg.Callbacks,
		processedTxHashes:     make(map[string]uint64),
	}
	m.timer = time.AfterFunc(cfg.Timeout, func() {
		r.expire(paymentID)
	})
	r.monitors[paymentID] = m
	r.order = append(r.order, paymentID)
	count := len(r.monitors)
	r.mu.Unlock()

	metrics.ActivePaymentMonitors.Set(float64(count))
	log.Printf("👀 Monitoring payment %s: %s %s -> %s (confirmations=%d, timeout=%v)",
		paymentID, cfg.ExpectedAmount.FloatString(6), cfg.TokenSymbol,
		cfg.ReceiverAddress, cfg.RequiredConfirmations, cfg.Timeout)
	return nil
}

// expire fires when a monitor's deadline passes while it is still active.
func (r *Registry) expire(paymentID string) {
	r.mu.Lock()
	m, ok := r.monitors[paymentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(paymentID)
	count := len(r.monitors)
	r.mu.Unlock()

	metrics.ActivePaymentMonitors.Set(float64(count))
	metrics.PaymentsTimedOut.Inc()
	log.Printf("⏰ Payment %s timed out after %v", paymentID, m.Timeout)
	if m.Callbacks.OnTimeout != nil {
		m.Callbacks.OnTimeout(paymentID)
	}
}

// Stop cancels a payment's timer and removes the monitor. Idempotent:
// returns whether anything was removed.
func (r *Registry) Stop(paymentID string) bool {
	r.mu.Lock()
	_, ok := r.monitors[paymentID]
	if ok {
		r.removeLocked(paymentID)
	}
	count := len(r.monitors)
	r.mu.Unlock()

	if ok {
		metrics.ActivePaymentMonitors.Set(float64(count))
		log.Printf("🛑 Stopped monitoring payment %s", paymentID)
	}
	return ok
}

// StopAll removes every monitor and returns the count removed. Each cancelled
// monitor's OnError callback is notified.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	removed := make([]*Monitor, 0, len(r.monitors))
	for id, m := range r.monitors {
		removed = append(removed, m)
		r.removeLocked(id)
	}
	r.mu.Unlock()

	metrics.ActivePaymentMonitors.Set(0)
	for _, m := range removed {
		if m.Callbacks.OnError != nil {
			m.Callbacks.OnError(m.PaymentID, ErrMonitoringCancelled)
		}
	}
	if len(removed) > 0 {
		log.Printf("🛑 Stopped %d payment monitors", len(removed))
	}
	return len(removed)
}

func (r *Registry) removeLocked(paymentID string) {
	m, ok := r.monitors[paymentID]
	if !ok {
		return
	}
	m.timer.Stop()
	delete(r.monitors, paymentID)
	for i, id := range r.order {
		if id == paymentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Count returns the number of active monitors.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// Get returns a monitor by paymentID.
func (r *Registry) Get(paymentID string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[paymentID]
	return m, ok
}

// snapshot returns active monitors in insertion order.
func (r *Registry) snapshot() []*Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Monitor, 0, len(r.monitors))
	for _, id := range r.order {
		if m, ok := r.monitors[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// markProcessed records an accepted transaction hash against a monitor's
// dedupe set together with the confirmations it was observed at.
func (r *Registry) markProcessed(m *Monitor, txHash string, confirmations uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := m.processedTxHashes[txHash]; !ok || confirmations > prev {
		m.processedTxHashes[txHash] = confirmations
	}
}

// isDuplicate reports whether the hash was already accepted at this many
// confirmations or more.
func (r *Registry) isDuplicate(m *Monitor, txHash string, confirmations uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := m.processedTxHashes[txHash]
	return ok && confirmations <= prev
}
