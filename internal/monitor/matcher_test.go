package monitor

import (
	"math/big"
	"testing"
	"time"

	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

const matcherReceiver = "0xE27577B0e3920659C3fFef8b101F9bd69FeDef6B"

// usdtTransfer builds a transfer of raw/10^3 USDT toward the test receiver.
// Three decimals keep the tolerance boundary amounts exact.
func usdtTransfer(txHash string, raw int64) *models.TransferRecord {
	return &models.TransferRecord{
		TransactionHash: txHash,
		BlockNumber:     1000,
		FromAddress:     "0x1111111111111111111111111111111111111111",
		ToAddress:       matcherReceiver,
		AmountRaw:       big.NewInt(raw),
		TokenSymbol:     "USDT",
		TokenContract:   "0x55d398326f99059fF775485246999027B3197955",
		Decimals:        3,
		Confirmations:   1,
		ObservedAt:      time.Now(),
	}
}

func startPayment(t *testing.T, r *Registry, id, amount string) *Monitor {
	t.Helper()
	if err := r.Start(id, paymentConfig(amount)); err != nil {
		t.Fatalf("Start(%s) error = %v", id, err)
	}
	m, _ := r.Get(id)
	return m
}

func TestMatchScoring(t *testing.T) {
	// Expected 10 USDT, tolerance = max(0.001, 10*0.001) = 0.01.
	tests := []struct {
		name      string
		raw       int64
		wantScore int
		wantMatch bool
	}{
		{"exact amount", 10000, 100, true},
		{"within 10% of tolerance", 10001, 95, true},
		{"within 50% of tolerance", 10004, 90, true},
		{"at the tolerance edge", 10010, 80, true},
		{"just above tolerance", 10011, 60, false},
		{"short payment inside tolerance", 9991, 80, true},
		{"short payment outside tolerance", 9989, 60, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			ma := NewMatcher(r, events.NewBus())
			m := startPayment(t, r, "p1", "10")

			result := ma.Match(usdtTransfer("0xtx1", tt.raw), m)
			if result.Score != tt.wantScore {
				t.Errorf("Score = %d, want %d (reasons=%v)", result.Score, tt.wantScore, result.Reasons)
			}
			if result.IsMatch != tt.wantMatch {
				t.Errorf("IsMatch = %v, want %v (reasons=%v)", result.IsMatch, tt.wantMatch, result.Reasons)
			}
		})
	}
}

func TestMatchHardRejects(t *testing.T) {
	r := NewRegistry()
	ma := NewMatcher(r, events.NewBus())
	m := startPayment(t, r, "p1", "10")

	t.Run("token mismatch scores zero", func(t *testing.T) {
		transfer := usdtTransfer("0xtx1", 10000)
		transfer.TokenSymbol = "USDC"
		result := ma.Match(transfer, m)
		if result.Score != 0 || result.IsMatch {
			t.Errorf("got score=%d match=%v, want 0/false", result.Score, result.IsMatch)
		}
	})

	t.Run("receiver mismatch stops scoring", func(t *testing.T) {
		transfer := usdtTransfer("0xtx1", 10000)
		transfer.ToAddress = "0x2222222222222222222222222222222222222222"
		result := ma.Match(transfer, m)
		if result.Score != 30 || result.IsMatch {
			t.Errorf("got score=%d match=%v, want 30/false", result.Score, result.IsMatch)
		}
	})

	t.Run("receiver comparison is case-insensitive", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())
		m := startPayment(t, r, "p2", "10")
		transfer := usdtTransfer("0xtx2", 10000)
		transfer.ToAddress = "0xe27577b0e3920659c3ffef8b101f9bd69fedef6b"
		if result := ma.Match(transfer, m); !result.IsMatch {
			t.Errorf("lowercased receiver did not match: %v", result.Reasons)
		}
	})
}

func TestMatchToleranceFloor(t *testing.T) {
	// Expected 0.5 USDT: relative tolerance 0.0005 is below the 0.001 floor.
	r := NewRegistry()
	ma := NewMatcher(r, events.NewBus())
	m := startPayment(t, r, "p1", "1/2")

	if result := ma.Match(usdtTransfer("0xtx1", 501), m); !result.IsMatch {
		t.Errorf("0.501 against expected 0.5 should match via floor: %v", result.Reasons)
	}
	if result := ma.Match(usdtTransfer("0xtx2", 502), m); result.IsMatch {
		t.Errorf("0.502 against expected 0.5 should miss: %v", result.Reasons)
	}
}

func TestMatchSoftPenalties(t *testing.T) {
	t.Run("pre-monitoring observation lowers the score", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())
		m := startPayment(t, r, "p1", "10")

		transfer := usdtTransfer("0xtx1", 10000)
		transfer.ObservedAt = time.Now().Add(-time.Hour)
		result := ma.Match(transfer, m)
		if result.Score != 90 || !result.IsMatch {
			t.Errorf("got score=%d match=%v, want 90/true", result.Score, result.IsMatch)
		}
	})

	t.Run("penalties can take a weak match below the threshold", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())
		cfg := paymentConfig("10")
		cfg.StartBlock = 2000
		if err := r.Start("p1", cfg); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		m, _ := r.Get("p1")

		transfer := usdtTransfer("0xtx1", 10010) // +20 amount grade
		transfer.ObservedAt = time.Now().Add(-time.Hour)
		transfer.BlockNumber = 1500
		result := ma.Match(transfer, m)
		if result.Score != 65 || result.IsMatch {
			t.Errorf("got score=%d match=%v, want 65/false", result.Score, result.IsMatch)
		}
	})
}

func TestMatchDeduplication(t *testing.T) {
	r := NewRegistry()
	ma := NewMatcher(r, events.NewBus())
	m := startPayment(t, r, "p1", "10")

	first := ma.Match(usdtTransfer("0xtx1", 10000), m)
	if !first.IsMatch {
		t.Fatalf("first match rejected: %v", first.Reasons)
	}
	second := ma.Match(usdtTransfer("0xtx1", 10000), m)
	if second.IsMatch || second.Score != 0 {
		t.Errorf("replayed tx got score=%d match=%v, want 0/false (reasons=%v)",
			second.Score, second.IsMatch, second.Reasons)
	}

	// A different transaction for the same monitor is still eligible.
	if result := ma.Match(usdtTransfer("0xtx2", 10000), m); !result.IsMatch {
		t.Errorf("fresh tx rejected: %v", result.Reasons)
	}

	// The same transaction observed again with more confirmations is not a
	// duplicate: that observation carries new information.
	deeper := usdtTransfer("0xtx1", 10000)
	deeper.Confirmations = 4
	if result := ma.Match(deeper, m); !result.IsMatch {
		t.Errorf("higher-confirmation replay rejected: %v", result.Reasons)
	}
}

func TestHandleTransfer(t *testing.T) {
	t.Run("confirmed payment fires success and removes the monitor", func(t *testing.T) {
		r := NewRegistry()
		bus := events.NewBus()
		ma := NewMatcher(r, bus)

		var confirmed *PaymentConfirmation
		bus.On(events.PaymentDetected, func(evt events.Event) {
			confirmed = evt.Payload.(*PaymentConfirmation)
		})

		var successID string
		cfg := paymentConfig("5")
		cfg.Callbacks.OnSuccess = func(paymentID string, transfer *models.TransferRecord, result *models.MatchResult) {
			successID = paymentID
		}
		if err := r.Start("p1", cfg); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		ma.HandleTransfer(usdtTransfer("0xtx1", 5000))

		if successID != "p1" {
			t.Errorf("OnSuccess paymentID = %q, want p1", successID)
		}
		if confirmed == nil || confirmed.PaymentID != "p1" {
			t.Errorf("paymentDetected payload = %+v, want PaymentID p1", confirmed)
		}
		if r.Count() != 0 {
			t.Errorf("Count() = %d after confirmation, want 0", r.Count())
		}
	})

	t.Run("insufficient confirmations fires progress and keeps the monitor", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())

		var progressed, succeeded bool
		cfg := paymentConfig("5")
		cfg.RequiredConfirmations = 3
		cfg.Callbacks.OnProgress = func(string, *models.TransferRecord, *models.MatchResult) { progressed = true }
		cfg.Callbacks.OnSuccess = func(string, *models.TransferRecord, *models.MatchResult) { succeeded = true }
		if err := r.Start("p1", cfg); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		ma.HandleTransfer(usdtTransfer("0xtx1", 5000))

		if !progressed || succeeded {
			t.Errorf("progressed=%v succeeded=%v, want true/false", progressed, succeeded)
		}
		if r.Count() != 1 {
			t.Errorf("Count() = %d, want 1", r.Count())
		}
	})

	t.Run("monitor progresses to confirmation as the same tx gains depth", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())

		var progressed, succeeded int
		cfg := paymentConfig("5")
		cfg.RequiredConfirmations = 3
		cfg.Callbacks.OnProgress = func(string, *models.TransferRecord, *models.MatchResult) { progressed++ }
		cfg.Callbacks.OnSuccess = func(string, *models.TransferRecord, *models.MatchResult) { succeeded++ }
		if err := r.Start("p1", cfg); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		first := usdtTransfer("0xtx1", 5000)
		ma.HandleTransfer(first)
		if progressed != 1 || succeeded != 0 || r.Count() != 1 {
			t.Fatalf("after shallow observation: progressed=%d succeeded=%d monitors=%d, want 1/0/1",
				progressed, succeeded, r.Count())
		}

		// A replay at the same depth is a duplicate and does nothing.
		replay := usdtTransfer("0xtx1", 5000)
		ma.HandleTransfer(replay)
		if progressed != 1 || succeeded != 0 {
			t.Fatalf("after same-depth replay: progressed=%d succeeded=%d, want 1/0", progressed, succeeded)
		}

		// The block scanner re-observes the same tx with real confirmations.
		deeper := usdtTransfer("0xtx1", 5000)
		deeper.Confirmations = 3
		ma.HandleTransfer(deeper)
		if succeeded != 1 {
			t.Errorf("succeeded = %d after deep observation, want 1", succeeded)
		}
		if r.Count() != 0 {
			t.Errorf("Count() = %d after confirmation, want 0", r.Count())
		}
	})

	t.Run("losing monitor's dedupe set stays clean", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())

		near := paymentConfig("10.005")
		exact := paymentConfig("10")
		r.Start("near", near)
		r.Start("exact", exact)

		transfer := usdtTransfer("0xtx1", 10000)
		ma.HandleTransfer(transfer)

		loser, ok := r.Get("near")
		if !ok {
			t.Fatal("losing monitor was removed")
		}
		if r.isDuplicate(loser, transfer.TransactionHash, transfer.Confirmations) {
			t.Error("losing monitor inherited the winner's transaction hash")
		}
	})

	t.Run("highest scoring monitor wins", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())

		var winner string
		onSuccess := func(paymentID string, _ *models.TransferRecord, _ *models.MatchResult) {
			winner = paymentID
		}
		near := paymentConfig("10.005")
		near.Callbacks.OnSuccess = onSuccess
		exact := paymentConfig("10")
		exact.Callbacks.OnSuccess = onSuccess
		r.Start("near", near)
		r.Start("exact", exact)

		ma.HandleTransfer(usdtTransfer("0xtx1", 10000))

		if winner != "exact" {
			t.Errorf("winner = %q, want exact", winner)
		}
		if r.Count() != 1 {
			t.Errorf("Count() = %d, want 1", r.Count())
		}
	})

	t.Run("ties break toward the earliest monitor", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())

		var winner string
		onSuccess := func(paymentID string, _ *models.TransferRecord, _ *models.MatchResult) {
			winner = paymentID
		}
		for _, id := range []string{"first", "second"} {
			cfg := paymentConfig("10")
			cfg.Callbacks.OnSuccess = onSuccess
			r.Start(id, cfg)
		}

		ma.HandleTransfer(usdtTransfer("0xtx1", 10000))

		if winner != "first" {
			t.Errorf("winner = %q, want first", winner)
		}
	})

	t.Run("unmatched transfer leaves everything untouched", func(t *testing.T) {
		r := NewRegistry()
		ma := NewMatcher(r, events.NewBus())
		var succeeded bool
		cfg := paymentConfig("10")
		cfg.Callbacks.OnSuccess = func(string, *models.TransferRecord, *models.MatchResult) { succeeded = true }
		r.Start("p1", cfg)

		transfer := usdtTransfer("0xtx1", 10000)
		transfer.TokenSymbol = "BUSD"
		ma.HandleTransfer(transfer)

		if succeeded {
			t.Error("OnSuccess fired for an unmatched transfer")
		}
		if r.Count() != 1 {
			t.Errorf("Count() = %d, want 1", r.Count())
		}
	})
}
