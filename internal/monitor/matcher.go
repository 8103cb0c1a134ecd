package monitor

import (
	"log"
	"math/big"
	"strings"

	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/metrics"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

const matchThreshold = 80

var (
	// Absolute tolerance floor and relative tolerance factor, both exact.
	toleranceFloor  = new(big.Rat).SetFrac64(1, 1000) // 0.001
	toleranceFactor = new(big.Rat).SetFrac64(1, 1000) // 0.1% of expected
	ratTenth        = new(big.Rat).SetFrac64(1, 10)
	ratHalf         = new(big.Rat).SetFrac64(1, 2)
)

// Matcher scores decoded transfers against active payment monitors and
// drives confirmation.
type Matcher struct {
	registry *Registry
	bus      *events.Bus
}

// NewMatcher creates a matcher over the given registry.
func NewMatcher(registry *Registry, bus *events.Bus) *Matcher {
	return &Matcher{registry: registry, bus: bus}
}

// Match scores one transfer against one monitor. Hard rejects short-circuit;
// soft penalties only lower the score. A successful match records the
// transaction hash and its confirmations in the monitor's dedupe set: the
// same observation can match at most once, while a re-observation carrying
// strictly more confirmations is eligible again so a multi-confirmation
// monitor can eventually confirm.
func (ma *Matcher) Match(transfer *models.TransferRecord, m *Monitor) *models.MatchResult {
	result := ma.score(transfer, m)
	if result.IsMatch {
		ma.registry.markProcessed(m, transfer.TransactionHash, transfer.Confirmations)
	}
	return result
}

// score is the side-effect-free part of Match.
func (ma *Matcher) score(transfer *models.TransferRecord, m *Monitor) *models.MatchResult {
	result := &models.MatchResult{
		Reasons: []string{},
		Details: map[string]interface{}{
			"paymentId":       m.PaymentID,
			"transactionHash": transfer.TransactionHash,
		},
	}

	if transfer.TokenSymbol != m.TokenSymbol {
		result.Reasons = append(result.Reasons, "token mismatch")
		return result
	}
	result.Score += 30
	result.Reasons = append(result.Reasons, "token match")

	if !strings.EqualFold(transfer.ToAddress, m.ReceiverAddress) {
		result.Reasons = append(result.Reasons, "address mismatch")
		return result
	}
	result.Score += 30
	result.Reasons = append(result.Reasons, "receiver match")

	actual := transfer.Amount()
	tolerance := amountTolerance(m.ExpectedAmount)
	diff := new(big.Rat).Sub(actual, m.ExpectedAmount)
	diff.Abs(diff)

	result.Details["expectedAmount"] = m.ExpectedAmount.FloatString(8)
	result.Details["actualAmount"] = actual.FloatString(8)
	result.Details["tolerance"] = tolerance.FloatString(8)

	if diff.Cmp(tolerance) > 0 {
		result.Reasons = append(result.Reasons, "amount mismatch")
		return result
	}
	switch {
	case diff.Sign() == 0:
		result.Score += 40
		result.Reasons = append(result.Reasons, "amount exact")
	case diff.Cmp(new(big.Rat).Mul(tolerance, ratTenth)) <= 0:
		result.Score += 35
		result.Reasons = append(result.Reasons, "amount within 10% of tolerance")
	case diff.Cmp(new(big.Rat).Mul(tolerance, ratHalf)) <= 0:
		result.Score += 30
		result.Reasons = append(result.Reasons, "amount within 50% of tolerance")
	default:
		result.Score += 20
		result.Reasons = append(result.Reasons, "amount within tolerance")
	}

	if !transfer.ObservedAt.IsZero() && transfer.ObservedAt.Before(m.StartTime) {
		result.Score -= 10
		result.Reasons = append(result.Reasons, "observed before monitoring started")
	}
	if m.StartBlock > 0 && transfer.BlockNumber < m.StartBlock {
		result.Score -= 5
		result.Reasons = append(result.Reasons, "block before monitoring started")
	}

	if ma.registry.isDuplicate(m, transfer.TransactionHash, transfer.Confirmations) {
		result.Score = 0
		result.IsMatch = false
		result.Reasons = append(result.Reasons, "duplicate transaction")
		return result
	}

	result.IsMatch = result.Score >= matchThreshold
	return result
}

// amountTolerance computes max(0.001, expected * 0.001).
func amountTolerance(expected *big.Rat) *big.Rat {
	relative := new(big.Rat).Mul(expected, toleranceFactor)
	if relative.Cmp(toleranceFloor) < 0 {
		return new(big.Rat).Set(toleranceFloor)
	}
	return relative
}

// HandleTransfer matches one decoded transfer against every active monitor.
// The highest-scoring matching monitor wins; ties break toward the earliest
// registered monitor. Only the winner's dedupe set is touched, so a losing
// monitor stays eligible for a later observation of the same transaction.
// On a confirmed match the monitor is removed and the success callback
// fires; with insufficient confirmations the monitor stays active and the
// progress callback fires instead.
func (ma *Matcher) HandleTransfer(transfer *models.TransferRecord) {
	var best *Monitor
	var bestResult *models.MatchResult

	for _, m := range ma.registry.snapshot() {
		result := ma.score(transfer, m)
		metrics.MatchScore.Observe(float64(result.Score))
		if !result.IsMatch {
			log.Printf("🔍 Payment %s not matched by tx %s (score=%d, reasons=%v)",
				m.PaymentID, transfer.TransactionHash, result.Score, result.Reasons)
			continue
		}
		if best == nil || result.Score > bestResult.Score {
			best = m
			bestResult = result
		}
	}

	if best == nil {
		return
	}
	ma.registry.markProcessed(best, transfer.TransactionHash, transfer.Confirmations)

	if transfer.Confirmations >= best.RequiredConfirmations {
		ma.confirm(best, transfer, bestResult)
		return
	}

	log.Printf("⏳ Payment %s matched by tx %s, awaiting confirmations (%d/%d)",
		best.PaymentID, transfer.TransactionHash, transfer.Confirmations, best.RequiredConfirmations)
	if best.Callbacks.OnProgress != nil {
		best.Callbacks.OnProgress(best.PaymentID, transfer, bestResult)
	}
}

func (ma *Matcher) confirm(m *Monitor, transfer *models.TransferRecord, result *models.MatchResult) {
	ma.registry.Stop(m.PaymentID)

	metrics.PaymentsConfirmed.WithLabelValues(m.TokenSymbol).Inc()
	log.Printf("🎉 Payment %s confirmed: %s %s tx=%s score=%d",
		m.PaymentID, transfer.Amount().FloatString(6), m.TokenSymbol,
		transfer.TransactionHash, result.Score)

	ma.bus.Emit(events.PaymentDetected, &PaymentConfirmation{
		PaymentID: m.PaymentID,
		Monitor:   m,
		Transfer:  transfer,
		Result:    result,
	})
	if m.Callbacks.OnSuccess != nil {
		m.Callbacks.OnSuccess(m.PaymentID, transfer, result)
	}
}

// PaymentConfirmation payload of the paymentDetected event.
type PaymentConfirmation struct {
	PaymentID string
	Monitor   *Monitor
	Transfer  *models.TransferRecord
	Result    *models.MatchResult
}
