package wsrpc

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/metrics"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

// Sender writes one outbound JSON value to the live socket.
type Sender interface {
	WriteJSON(v interface{}) error
}

// Request outbound JSON-RPC 2.0 request frame
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// LogFilter eth_subscribe "logs" filter
type LogFilter struct {
	Address string        `json:"address"`
	Topics  []interface{} `json:"topics"`
}

// Subscription one tracked eth_subscribe request
type Subscription struct {
	RequestID      uint64
	TokenSymbol    string
	TokenContract  string
	Decimals       uint8
	Filter         LogFilter
	Status         models.SubscriptionStatus
	SubscriptionID string
	CreatedAt      time.Time
}

// SubscriptionManager issues and tracks per-token log subscriptions over an
// established connection. Request ids are unique and strictly increasing for
// the lifetime of one connection; subscriptions do not survive a socket
// replacement and are re-issued via ResubscribeAll.
type SubscriptionManager struct {
	mu          sync.Mutex
	nextID      uint64
	byRequestID map[uint64]*Subscription
	bySubID     map[string]*Subscription
	ackTimers   map[uint64]*time.Timer
	heartbeats  map[uint64]bool
	latestBlock uint64

	tokens     []config.TokenConfig
	receiver   string
	ackTimeout time.Duration
	bus        *events.Bus
	onTransfer func(*models.TransferRecord)
}

// NewSubscriptionManager creates a subscription manager for the configured
// token set. onTransfer receives every decoded transfer toward the receiver.
func NewSubscriptionManager(tokens []config.TokenConfig, receiver string, ackTimeout time.Duration, bus *events.Bus, onTransfer func(*models.TransferRecord)) *SubscriptionManager {
	return &SubscriptionManager{
		byRequestID: make(map[uint64]*Subscription),
		bySubID:     make(map[string]*Subscription),
		ackTimers:   make(map[uint64]*time.Timer),
		heartbeats:  make(map[uint64]bool),
		tokens:      tokens,
		receiver:    receiver,
		ackTimeout:  ackTimeout,
		bus:         bus,
		onTransfer:  onTransfer,
	}
}

// NextRequestID allocates a fresh request id. Shared with the connection
// manager's heartbeat calls so ids stay unique per connection.
func (m *SubscriptionManager) NextRequestID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// RegisterHeartbeat marks a request id as an in-flight heartbeat so its
// reply is not mistaken for a subscription ack.
func (m *SubscriptionManager) RegisterHeartbeat(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[id] = true
}

// SubscribeAll sends one eth_subscribe per configured token and records each
// subscription as pending. A send failure on one token is a SubscriptionError
// event, not a connection fault; the remaining tokens are still attempted.
func (m *SubscriptionManager) SubscribeAll(send Sender) {
	for _, token := range m.tokens {
		m.subscribeToken(send, token)
	}
}

func (m *SubscriptionManager) subscribeToken(send Sender, token config.TokenConfig) {
	id := m.NextRequestID()
	filter := LogFilter{
		Address: strings.ToLower(token.Contract),
		Topics:  []interface{}{TransferTopic.Hex(), nil, PaddedAddressTopic(m.receiver)},
	}
	sub := &Subscription{
		RequestID:     id,
		TokenSymbol:   token.Symbol,
		TokenContract: token.Contract,
		Decimals:      token.Decimals,
		Filter:        filter,
		Status:        models.SubscriptionPending,
		CreatedAt:     time.Now(),
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "eth_subscribe",
		Params:  []interface{}{"logs", filter},
	}

	m.mu.Lock()
	m.byRequestID[id] = sub
	m.mu.Unlock()

	if err := send.WriteJSON(req); err != nil {
		log.Printf("❌ Subscribe request for %s failed to send: %v", token.Symbol, err)
		m.mu.Lock()
		delete(m.byRequestID, id)
		m.mu.Unlock()
		metrics.SubscriptionErrors.WithLabelValues("send_failed").Inc()
		m.bus.Emit(events.SubscriptionError, map[string]interface{}{
			"token": token.Symbol,
			"error": err.Error(),
		})
		return
	}

	log.Printf("📡 Subscribed to %s transfers (contract=%s, requestId=%d)",
		token.Symbol, filter.Address, id)
	m.scheduleAckTimeout(id)
}

func (m *SubscriptionManager) scheduleAckTimeout(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackTimers[id] = time.AfterFunc(m.ackTimeout, func() {
		m.expirePending(id)
	})
}

func (m *SubscriptionManager) expirePending(id uint64) {
	m.mu.Lock()
	sub, ok := m.byRequestID[id]
	if !ok || sub.Status != models.SubscriptionPending {
		m.mu.Unlock()
		return
	}
	delete(m.byRequestID, id)
	delete(m.ackTimers, id)
	m.mu.Unlock()

	log.Printf("⏰ Subscription ack timeout for %s (requestId=%d)", sub.TokenSymbol, id)
	metrics.SubscriptionTimeouts.Inc()
	m.bus.Emit(events.SubscriptionTimeout, map[string]interface{}{
		"token":     sub.TokenSymbol,
		"requestId": id,
	})
}

// UnsubscribeAll sends eth_unsubscribe for every active subscription. Best
// effort, used on graceful shutdown only: the server drops subscriptions with
// the socket anyway. Replies are registered as heartbeats so the acks are
// swallowed instead of being mistaken for subscribe acks.
func (m *SubscriptionManager) UnsubscribeAll(send Sender) {
	m.mu.Lock()
	subIDs := make([]string, 0, len(m.bySubID))
	for id := range m.bySubID {
		subIDs = append(subIDs, id)
	}
	m.mu.Unlock()

	for _, subID := range subIDs {
		id := m.NextRequestID()
		m.RegisterHeartbeat(id)
		req := Request{JSONRPC: "2.0", ID: id, Method: "eth_unsubscribe", Params: []interface{}{subID}}
		if err := send.WriteJSON(req); err != nil {
			log.Printf("⚠️ Unsubscribe %s failed to send: %v", subID, err)
			return
		}
	}
}

// ResubscribeAll drops all tracked subscriptions and re-issues the full
// batch. Used after reconnection: server-side subscriptions die with the
// socket they were created on.
func (m *SubscriptionManager) ResubscribeAll(send Sender) {
	m.Clear()
	m.SubscribeAll(send)
}

// Clear cancels all outstanding ack timers and forgets every tracked
// subscription and heartbeat. Called on every connection teardown so a fast
// reconnect cannot observe spurious timeout events from the dead socket.
func (m *SubscriptionManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.ackTimers {
		timer.Stop()
		delete(m.ackTimers, id)
	}
	m.byRequestID = make(map[uint64]*Subscription)
	m.bySubID = make(map[string]*Subscription)
	m.heartbeats = make(map[uint64]bool)
	metrics.ActiveSubscriptions.Set(0)
}

// LatestBlock returns the highest block height observed on this node, from
// heartbeat replies and log notifications. Chain state, not connection
// state: it survives Clear.
func (m *SubscriptionManager) LatestBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestBlock
}

// ActiveCount returns the number of acknowledged subscriptions.
func (m *SubscriptionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySubID)
}

// HandleFrame processes one classified inbound frame.
func (m *SubscriptionManager) HandleFrame(frame *Frame) {
	switch frame.Kind {
	case FrameAck:
		m.handleAck(frame)
	case FrameNotification:
		m.handleNotification(frame)
	case FrameRPCError:
		m.handleRPCError(frame)
	default:
		metrics.DecodeErrors.WithLabelValues("unknown_frame").Inc()
		log.Printf("❓ Dropping unrecognized frame")
	}
}

func (m *SubscriptionManager) handleAck(frame *Frame) {
	m.mu.Lock()
	if m.heartbeats[frame.ID] {
		delete(m.heartbeats, frame.ID)
		// Heartbeats are eth_blockNumber calls; the reply refreshes the
		// latest known block height.
		var blockHex string
		if err := json.Unmarshal(frame.Result, &blockHex); err == nil {
			if block, err := hexutil.DecodeUint64(blockHex); err == nil && block > m.latestBlock {
				m.latestBlock = block
			}
		}
		m.mu.Unlock()
		return
	}

	sub, ok := m.byRequestID[frame.ID]
	if !ok {
		m.mu.Unlock()
		log.Printf("❓ Ack for unknown requestId=%d, dropping", frame.ID)
		return
	}

	var subID string
	if err := json.Unmarshal(frame.Result, &subID); err != nil || subID == "" {
		m.mu.Unlock()
		log.Printf("❌ Ack for requestId=%d carried no subscription id", frame.ID)
		metrics.SubscriptionErrors.WithLabelValues("bad_ack").Inc()
		return
	}

	sub.Status = models.SubscriptionActive
	sub.SubscriptionID = subID
	m.bySubID[subID] = sub
	if timer, ok := m.ackTimers[frame.ID]; ok {
		timer.Stop()
		delete(m.ackTimers, frame.ID)
	}
	active := len(m.bySubID)
	m.mu.Unlock()

	metrics.ActiveSubscriptions.Set(float64(active))
	log.Printf("✅ Subscription confirmed for %s (subscriptionId=%s)", sub.TokenSymbol, subID)
	m.bus.Emit(events.SubscriptionConfirmed, map[string]interface{}{
		"token":          sub.TokenSymbol,
		"subscriptionId": subID,
	})
}

func (m *SubscriptionManager) handleNotification(frame *Frame) {
	m.mu.Lock()
	sub, ok := m.bySubID[frame.SubscriptionID]
	m.mu.Unlock()

	if !ok {
		log.Printf("❓ Notification for unknown subscriptionId=%s, dropping", frame.SubscriptionID)
		return
	}
	if frame.Log == nil {
		metrics.DecodeErrors.WithLabelValues("missing_log").Inc()
		return
	}
	if frame.Log.Removed {
		// Reorged-out log, the node retracts it rather than confirming it.
		log.Printf("↩️ Removed log for %s tx=%s, skipping", sub.TokenSymbol, frame.Log.TransactionHash)
		return
	}

	token := config.TokenConfig{Symbol: sub.TokenSymbol, Contract: sub.TokenContract, Decimals: sub.Decimals}
	record, err := DecodeTransferLog(frame.Log, token, m.receiver)
	if err != nil {
		if err == ErrNotForReceiver {
			return
		}
		log.Printf("❌ Transfer log decode failed: %v", err)
		metrics.DecodeErrors.WithLabelValues("bad_transfer_log").Inc()
		return
	}

	m.mu.Lock()
	if record.BlockNumber > m.latestBlock {
		m.latestBlock = record.BlockNumber
	}
	m.mu.Unlock()

	metrics.TransfersDetected.WithLabelValues(record.TokenSymbol, "subscription").Inc()
	log.Printf("💸 Transfer detected: %s %s from=%s tx=%s block=%d",
		record.Amount().FloatString(6), record.TokenSymbol, record.FromAddress,
		record.TransactionHash, record.BlockNumber)

	m.bus.Emit(events.TransferDetected, record)
	if m.onTransfer != nil {
		m.onTransfer(record)
	}
}

func (m *SubscriptionManager) handleRPCError(frame *Frame) {
	m.mu.Lock()
	if m.heartbeats[frame.ID] {
		delete(m.heartbeats, frame.ID)
		m.mu.Unlock()
		log.Printf("❌ Heartbeat RPC error: %d %s", frame.Error.Code, frame.Error.Message)
		m.bus.Emit(events.RPCError, frame.Error)
		return
	}

	sub, ok := m.byRequestID[frame.ID]
	if ok {
		sub.Status = models.SubscriptionFailed
		delete(m.byRequestID, frame.ID)
		if timer, tok := m.ackTimers[frame.ID]; tok {
			timer.Stop()
			delete(m.ackTimers, frame.ID)
		}
	}
	m.mu.Unlock()

	if ok {
		log.Printf("❌ Subscribe request for %s rejected: %d %s", sub.TokenSymbol, frame.Error.Code, frame.Error.Message)
		metrics.SubscriptionErrors.WithLabelValues("rpc_error").Inc()
		m.bus.Emit(events.SubscriptionError, map[string]interface{}{
			"token": sub.TokenSymbol,
			"error": frame.Error.Message,
		})
	}
	m.bus.Emit(events.RPCError, frame.Error)
}
