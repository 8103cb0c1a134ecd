package wsrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

type fakeSender struct {
	mu       sync.Mutex
	requests []Request
	failWith error
}

func (f *fakeSender) WriteJSON(v interface{}) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, v.(Request))
	return nil
}

func (f *fakeSender) sent() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func testTokens() []config.TokenConfig {
	return []config.TokenConfig{
		{Symbol: "USDT", Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "USDC", Contract: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
		{Symbol: "BUSD", Contract: "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56", Decimals: 18},
	}
}

func newTestManager(ackTimeout time.Duration, onTransfer func(*models.TransferRecord)) (*SubscriptionManager, *events.Bus) {
	bus := events.NewBus()
	m := NewSubscriptionManager(testTokens(), testReceiver, ackTimeout, bus, onTransfer)
	return m, bus
}

func ackFrame(id uint64, subID string) *Frame {
	result, _ := json.Marshal(subID)
	return &Frame{Kind: FrameAck, ID: id, Result: result}
}

func TestSubscribeAll(t *testing.T) {
	t.Run("one subscribe request per token with distinct increasing ids", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		sender := &fakeSender{}
		m.SubscribeAll(sender)

		reqs := sender.sent()
		if len(reqs) != 3 {
			t.Fatalf("sent %d requests, want 3", len(reqs))
		}
		seen := make(map[uint64]bool)
		var last uint64
		for _, req := range reqs {
			if req.Method != "eth_subscribe" {
				t.Errorf("method = %s, want eth_subscribe", req.Method)
			}
			if seen[req.ID] {
				t.Errorf("duplicate request id %d", req.ID)
			}
			if req.ID <= last {
				t.Errorf("request ids not strictly increasing: %d after %d", req.ID, last)
			}
			seen[req.ID] = true
			last = req.ID
		}
	})

	t.Run("filter targets the transfer topic and padded receiver", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		sender := &fakeSender{}
		m.SubscribeAll(sender)

		req := sender.sent()[0]
		if req.Params[0] != "logs" {
			t.Fatalf("params[0] = %v, want logs", req.Params[0])
		}
		filter := req.Params[1].(LogFilter)
		if filter.Topics[0] != TransferTopic.Hex() {
			t.Errorf("topics[0] = %v, want transfer topic", filter.Topics[0])
		}
		if filter.Topics[1] != nil {
			t.Errorf("topics[1] = %v, want nil wildcard", filter.Topics[1])
		}
		if filter.Topics[2] != PaddedAddressTopic(testReceiver) {
			t.Errorf("topics[2] = %v, want padded receiver", filter.Topics[2])
		}
	})

	t.Run("send failure emits subscriptionError and keeps going", func(t *testing.T) {
		m, bus := newTestManager(time.Second, nil)
		var errCount int
		var mu sync.Mutex
		bus.On(events.SubscriptionError, func(events.Event) {
			mu.Lock()
			errCount++
			mu.Unlock()
		})

		m.SubscribeAll(&fakeSender{failWith: errors.New("broken pipe")})

		mu.Lock()
		defer mu.Unlock()
		if errCount != 3 {
			t.Errorf("subscriptionError events = %d, want 3", errCount)
		}
	})
}

func TestAckHandling(t *testing.T) {
	t.Run("ack promotes pending subscription to active", func(t *testing.T) {
		m, bus := newTestManager(time.Second, nil)
		var confirmed []string
		var mu sync.Mutex
		bus.On(events.SubscriptionConfirmed, func(evt events.Event) {
			payload := evt.Payload.(map[string]interface{})
			mu.Lock()
			confirmed = append(confirmed, payload["token"].(string))
			mu.Unlock()
		})

		sender := &fakeSender{}
		m.SubscribeAll(sender)
		m.HandleFrame(ackFrame(sender.sent()[0].ID, "0xsub-usdt"))

		if m.ActiveCount() != 1 {
			t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
		}
		mu.Lock()
		defer mu.Unlock()
		if len(confirmed) != 1 || confirmed[0] != "USDT" {
			t.Errorf("confirmed = %v, want [USDT]", confirmed)
		}
	})

	t.Run("acks may arrive out of order", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		sender := &fakeSender{}
		m.SubscribeAll(sender)

		reqs := sender.sent()
		for i := len(reqs) - 1; i >= 0; i-- {
			m.HandleFrame(ackFrame(reqs[i].ID, fmt.Sprintf("0xsub-%d", i)))
		}
		if m.ActiveCount() != 3 {
			t.Errorf("ActiveCount() = %d, want 3", m.ActiveCount())
		}
	})

	t.Run("ack for unknown id is dropped", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		m.HandleFrame(ackFrame(999, "0xsub"))
		if m.ActiveCount() != 0 {
			t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
		}
	})
}

func TestAckTimeout(t *testing.T) {
	t.Run("pending subscription expires exactly once", func(t *testing.T) {
		m, bus := newTestManager(30*time.Millisecond, nil)
		var timeouts int
		var mu sync.Mutex
		bus.On(events.SubscriptionTimeout, func(events.Event) {
			mu.Lock()
			timeouts++
			mu.Unlock()
		})

		sender := &fakeSender{}
		m.subscribeToken(sender, testTokens()[0])
		time.Sleep(120 * time.Millisecond)

		mu.Lock()
		got := timeouts
		mu.Unlock()
		if got != 1 {
			t.Errorf("subscriptionTimeout events = %d, want exactly 1", got)
		}
		if m.ActiveCount() != 0 {
			t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
		}
	})

	t.Run("ack before the deadline cancels the timer", func(t *testing.T) {
		m, bus := newTestManager(30*time.Millisecond, nil)
		var timeouts int
		var mu sync.Mutex
		bus.On(events.SubscriptionTimeout, func(events.Event) {
			mu.Lock()
			timeouts++
			mu.Unlock()
		})

		sender := &fakeSender{}
		m.subscribeToken(sender, testTokens()[0])
		m.HandleFrame(ackFrame(sender.sent()[0].ID, "0xsub"))
		time.Sleep(120 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if timeouts != 0 {
			t.Errorf("subscriptionTimeout events = %d, want 0", timeouts)
		}
	})

	t.Run("clear cancels outstanding ack timers", func(t *testing.T) {
		m, bus := newTestManager(30*time.Millisecond, nil)
		var timeouts int
		var mu sync.Mutex
		bus.On(events.SubscriptionTimeout, func(events.Event) {
			mu.Lock()
			timeouts++
			mu.Unlock()
		})

		m.SubscribeAll(&fakeSender{})
		m.Clear()
		time.Sleep(120 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if timeouts != 0 {
			t.Errorf("subscriptionTimeout events after Clear() = %d, want 0", timeouts)
		}
	})
}

func TestNotificationHandling(t *testing.T) {
	t.Run("notification for active subscription decodes and forwards", func(t *testing.T) {
		var got *models.TransferRecord
		var mu sync.Mutex
		m, _ := newTestManager(time.Second, func(r *models.TransferRecord) {
			mu.Lock()
			got = r
			mu.Unlock()
		})

		sender := &fakeSender{}
		m.SubscribeAll(sender)
		m.HandleFrame(ackFrame(sender.sent()[0].ID, "0xsub-usdt"))

		m.HandleFrame(&Frame{
			Kind:           FrameNotification,
			SubscriptionID: "0xsub-usdt",
			Log:            transferLogEntry(testReceiver, "0x4563918244f40000"),
		})

		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			t.Fatal("transfer was not forwarded")
		}
		if got.TokenSymbol != "USDT" {
			t.Errorf("TokenSymbol = %s, want USDT", got.TokenSymbol)
		}
		if got.Amount().FloatString(2) != "5.00" {
			t.Errorf("Amount = %s, want 5.00", got.Amount().FloatString(2))
		}
	})

	t.Run("notification for unknown subscription is dropped", func(t *testing.T) {
		var calls int
		m, _ := newTestManager(time.Second, func(*models.TransferRecord) { calls++ })
		m.HandleFrame(&Frame{
			Kind:           FrameNotification,
			SubscriptionID: "0xnope",
			Log:            transferLogEntry(testReceiver, "0x01"),
		})
		if calls != 0 {
			t.Errorf("onTransfer called %d times, want 0", calls)
		}
	})

	t.Run("removed log is skipped", func(t *testing.T) {
		var calls int
		m, _ := newTestManager(time.Second, func(*models.TransferRecord) { calls++ })
		sender := &fakeSender{}
		m.SubscribeAll(sender)
		m.HandleFrame(ackFrame(sender.sent()[0].ID, "0xsub"))

		entry := transferLogEntry(testReceiver, "0x01")
		entry.Removed = true
		m.HandleFrame(&Frame{Kind: FrameNotification, SubscriptionID: "0xsub", Log: entry})
		if calls != 0 {
			t.Errorf("onTransfer called %d times for removed log, want 0", calls)
		}
	})

	t.Run("transfer to another recipient is dropped silently", func(t *testing.T) {
		var calls int
		m, _ := newTestManager(time.Second, func(*models.TransferRecord) { calls++ })
		sender := &fakeSender{}
		m.SubscribeAll(sender)
		m.HandleFrame(ackFrame(sender.sent()[0].ID, "0xsub"))

		m.HandleFrame(&Frame{
			Kind:           FrameNotification,
			SubscriptionID: "0xsub",
			Log:            transferLogEntry("0x3333333333333333333333333333333333333333", "0x01"),
		})
		if calls != 0 {
			t.Errorf("onTransfer called %d times, want 0", calls)
		}
	})
}

func TestUnsubscribeAll(t *testing.T) {
	m, _ := newTestManager(time.Second, nil)
	sender := &fakeSender{}
	m.SubscribeAll(sender)
	reqs := sender.sent()
	for i, req := range reqs {
		m.HandleFrame(ackFrame(req.ID, fmt.Sprintf("0xsub-%d", i)))
	}

	m.UnsubscribeAll(sender)

	var unsubs int
	for _, req := range sender.sent() {
		if req.Method == "eth_unsubscribe" {
			unsubs++
		}
	}
	if unsubs != 3 {
		t.Errorf("eth_unsubscribe requests = %d, want 3", unsubs)
	}
}

func TestHeartbeatIDs(t *testing.T) {
	m, _ := newTestManager(time.Second, nil)
	sender := &fakeSender{}
	m.SubscribeAll(sender)

	hb := m.NextRequestID()
	m.RegisterHeartbeat(hb)

	// A heartbeat reply must not be mistaken for a subscription ack.
	m.HandleFrame(ackFrame(hb, "0x38"))
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after heartbeat reply, want 0", m.ActiveCount())
	}
}

func TestLatestBlock(t *testing.T) {
	heartbeatReply := func(m *SubscriptionManager, blockHex string) {
		hb := m.NextRequestID()
		m.RegisterHeartbeat(hb)
		m.HandleFrame(ackFrame(hb, blockHex))
	}

	t.Run("heartbeat replies raise the latest block", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		heartbeatReply(m, "0x64")
		if m.LatestBlock() != 100 {
			t.Errorf("LatestBlock() = %d, want 100", m.LatestBlock())
		}
	})

	t.Run("latest block never goes backwards", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		heartbeatReply(m, "0xc8")
		heartbeatReply(m, "0x64")
		if m.LatestBlock() != 200 {
			t.Errorf("LatestBlock() = %d after stale reply, want 200", m.LatestBlock())
		}
	})

	t.Run("notifications raise the latest block", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		sender := &fakeSender{}
		m.SubscribeAll(sender)
		m.HandleFrame(ackFrame(sender.sent()[0].ID, "0xsub"))
		m.HandleFrame(&Frame{
			Kind:           FrameNotification,
			SubscriptionID: "0xsub",
			Log:            transferLogEntry(testReceiver, "0x01"),
		})
		if m.LatestBlock() == 0 {
			t.Error("LatestBlock() = 0 after notification, want the log's block height")
		}
	})

	t.Run("survives a connection teardown", func(t *testing.T) {
		m, _ := newTestManager(time.Second, nil)
		heartbeatReply(m, "0x64")
		m.Clear()
		if m.LatestBlock() != 100 {
			t.Errorf("LatestBlock() = %d after Clear, want 100", m.LatestBlock())
		}
	})
}
