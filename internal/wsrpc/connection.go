package wsrpc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jackyvictory/stablecoin-watcher/internal/endpoints"
	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/metrics"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

const (
	maxReconnectDelay = 30 * time.Second
	// Wait applied after the whole candidate set has been exhausted before
	// starting over with a reset attempt counter.
	exhaustedSetDelay = 30 * time.Second

	candidateMaxErrors = 3
)

// writeSerializer guards outbound frames with a mutex: gorilla/websocket
// allows at most one concurrent writer per connection, and subscribe batches,
// heartbeats and shutdown unsubscribes run on different goroutines.
type writeSerializer struct {
	mu   sync.Mutex
	dest Sender
}

func (w *writeSerializer) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dest.WriteJSON(v)
}

// ConnectionManagerConfig tunables for the connection lifecycle.
type ConnectionManagerConfig struct {
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration // base for exponential backoff
	MaxReconnectAttempts int           // per endpoint before rotating
}

// ConnectionManager owns at most one live WebSocket connection and drives
// the connect/disconnect/reconnect state machine. All shared state is
// guarded by mu; socket events are checked against the currently held
// socket so a stale connection cannot mutate state during an overlapping
// reconnect sequence.
type ConnectionManager struct {
	mu     sync.Mutex
	state  models.ConnectionState
	conn   *websocket.Conn
	writer *writeSerializer

	registry *endpoints.Registry
	subs     *SubscriptionManager
	bus      *events.Bus
	cfg      ConnectionManagerConfig

	currentEndpoint    *endpoints.Endpoint
	reconnectAttempts  int
	totalReconnects    int
	lastConnectionTime time.Time

	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer
	stopped        bool
	wg             sync.WaitGroup
}

// NewConnectionManager creates a connection manager in the disconnected state.
func NewConnectionManager(registry *endpoints.Registry, subs *SubscriptionManager, bus *events.Bus, cfg ConnectionManagerConfig) *ConnectionManager {
	return &ConnectionManager{
		state:    models.StateDisconnected,
		registry: registry,
		subs:     subs,
		bus:      bus,
		cfg:      cfg,
	}
}

// Start attempts the initial connection. A failed first attempt schedules a
// reconnect instead of returning an error: the manager retries indefinitely
// until Stop is called.
func (c *ConnectionManager) Start() {
	if !c.Connect() {
		c.scheduleReconnect(c.cfg.ReconnectInterval)
	}
}

// Connect builds the candidate list and tries each endpoint sequentially,
// never concurrently, so priority order is respected and providers are not
// hammered in parallel. Returns true on the first successful open.
func (c *ConnectionManager) Connect() bool {
	c.mu.Lock()
	if c.stopped || c.state == models.StateConnected || c.state == models.StateConnecting {
		connected := c.state == models.StateConnected
		c.mu.Unlock()
		return connected
	}
	c.state = models.StateConnecting
	c.mu.Unlock()

	// The best-scored endpoint leads the walk; SelectEndpoint also resets
	// the health counters when the whole set is exhausted.
	best := c.registry.SelectEndpoint()
	if best == nil {
		c.mu.Lock()
		c.state = models.StateDisconnected
		c.mu.Unlock()
		log.Printf("❌ No WebSocket endpoints configured")
		return false
	}
	candidates := []*endpoints.Endpoint{best}
	for _, ep := range c.registry.Candidates(candidateMaxErrors) {
		if ep != best {
			candidates = append(candidates, ep)
		}
	}

	for _, ep := range candidates {
		conn, err := c.attemptEndpoint(ep)
		if err != nil {
			c.registry.RecordFailure(ep, err)
			metrics.WSEndpointFailures.WithLabelValues(ep.Name).Inc()
			c.bus.Emit(events.EndpointFailed, map[string]interface{}{
				"endpoint": ep.Name,
				"error":    err.Error(),
			})
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		writer := &writeSerializer{dest: conn}
		c.conn = conn
		c.writer = writer
		c.currentEndpoint = ep
		c.state = models.StateConnected
		c.reconnectAttempts = 0
		c.lastConnectionTime = time.Now()
		heartbeatStop := make(chan struct{})
		c.heartbeatStop = heartbeatStop
		c.mu.Unlock()

		metrics.WSConnectionStatus.Set(1)
		log.Printf("🔗 Connected to %s", ep.Name)
		c.bus.Emit(events.Connected, map[string]interface{}{"endpoint": ep.Name})

		c.wg.Add(2)
		go c.heartbeatLoop(conn, writer, heartbeatStop)
		go c.readLoop(conn)

		// Server-side subscriptions died with any previous socket; drop the
		// stale set and issue a fresh batch.
		c.subs.ResubscribeAll(writer)
		return true
	}

	c.mu.Lock()
	c.state = models.StateDisconnected
	c.mu.Unlock()
	metrics.WSConnectionStatus.Set(0)
	log.Printf("❌ All %d candidate endpoints failed", len(candidates))
	return false
}

// attemptEndpoint opens one socket with the endpoint's own timeout.
func (c *ConnectionManager) attemptEndpoint(ep *endpoints.Endpoint) (*websocket.Conn, error) {
	log.Printf("🔌 Trying endpoint %s (priority=%d, errors=%d)", ep.Name, ep.Priority, ep.ErrorCount)

	dialer := websocket.Dialer{
		HandshakeTimeout:  ep.Timeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.Dial(ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.URL, err)
	}
	return conn, nil
}

// readLoop pumps inbound frames from one socket until it dies. Frames are
// processed strictly in delivery order.
func (c *ConnectionManager) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.subs.HandleFrame(DecodeFrame(data))
	}
}

// handleClose tears down connection state and schedules a reconnect. Only
// the close of the currently held socket is processed; a stale socket's
// close event during an overlapping reconnect is ignored.
func (c *ConnectionManager) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.writer = nil
	c.state = models.StateDisconnected
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	stopped := c.stopped
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	conn.Close()
	c.subs.Clear()
	metrics.WSConnectionStatus.Set(0)

	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}
	log.Printf("🔌 Disconnected: %s", reason)
	c.bus.Emit(events.Disconnected, map[string]interface{}{"reason": reason})

	if stopped {
		return
	}
	c.scheduleReconnect(reconnectDelay(c.cfg.ReconnectInterval, attempts))
}

// reconnectDelay computes min(base * 2^attempts, 30s).
func reconnectDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

func (c *ConnectionManager) scheduleReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	log.Printf("⏳ Reconnecting in %v (attempt %d)", delay, c.reconnectAttempts+1)
	c.reconnectTimer = time.AfterFunc(delay, c.handleReconnect)
}

// handleReconnect runs one reconnect round: rotate past an exhausted
// endpoint, try to connect, and on failure back off — a longer fixed delay
// with a reset counter once the whole candidate set has been exhausted.
func (c *ConnectionManager) handleReconnect() {
	c.mu.Lock()
	if c.stopped || c.state == models.StateConnecting || c.state == models.StateConnected {
		c.mu.Unlock()
		return
	}

	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		exhausted := c.currentEndpoint
		c.reconnectAttempts = 0
		c.mu.Unlock()
		if exhausted != nil {
			// The recorded failure pushes the endpoint down the selection
			// score, so the next Connect leads with a different provider.
			log.Printf("🔁 Endpoint %s exhausted its reconnect budget, rotating", exhausted.Name)
			c.registry.RecordFailure(exhausted, fmt.Errorf("exhausted %d reconnect attempts", c.cfg.MaxReconnectAttempts))
		}
		c.mu.Lock()
	}

	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.state = models.StateReconnecting
	c.mu.Unlock()

	log.Printf("🔄 Reconnect attempt %d/%d", attempts, c.cfg.MaxReconnectAttempts)

	// Connect requires the disconnected state to proceed.
	c.mu.Lock()
	c.state = models.StateDisconnected
	c.mu.Unlock()

	if c.Connect() {
		c.mu.Lock()
		c.reconnectAttempts = 0
		c.totalReconnects++
		c.mu.Unlock()
		metrics.WSReconnectsTotal.Inc()
		log.Printf("✅ Reconnected")
		c.bus.Emit(events.Reconnected, nil)
		return
	}

	if attempts >= c.cfg.MaxReconnectAttempts {
		c.mu.Lock()
		c.reconnectAttempts = 0
		c.mu.Unlock()
		c.scheduleReconnect(exhaustedSetDelay)
		return
	}
	c.scheduleReconnect(c.cfg.ReconnectInterval)
}

// heartbeatLoop sends a cheap eth_blockNumber call on a fixed interval. A
// send failure is treated as a dead connection; replies keep the latest
// block height fresh for new payment monitors.
func (c *ConnectionManager) heartbeatLoop(conn *websocket.Conn, send Sender, stop chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			id := c.subs.NextRequestID()
			c.subs.RegisterHeartbeat(id)
			req := Request{JSONRPC: "2.0", ID: id, Method: "eth_blockNumber", Params: []interface{}{}}
			if err := send.WriteJSON(req); err != nil {
				log.Printf("💔 Heartbeat send failed: %v", err)
				c.handleClose(conn, fmt.Errorf("heartbeat: %w", err))
				return
			}
			metrics.WSHeartbeatsSent.Inc()
		}
	}
}

// Stop tears the connection down for good: cancels the reconnect timer,
// stops the heartbeat, clears subscriptions and closes the socket.
func (c *ConnectionManager) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	writer := c.writer
	c.conn = nil
	c.writer = nil
	c.state = models.StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.subs.UnsubscribeAll(writer)
		conn.Close()
	}
	c.subs.Clear()
	metrics.WSConnectionStatus.Set(0)
	c.wg.Wait()
	log.Printf("🛑 Connection manager stopped")
}

// Status returns a snapshot for the API layer.
func (c *ConnectionManager) Status() models.ConnectionStatus {
	c.mu.Lock()
	state := c.state
	endpoint := ""
	if c.currentEndpoint != nil {
		endpoint = c.currentEndpoint.Name
	}
	attempts := c.reconnectAttempts
	total := c.totalReconnects
	connected := c.state == models.StateConnected
	c.mu.Unlock()

	readyState := "closed"
	if connected {
		readyState = "open"
	}
	return models.ConnectionStatus{
		IsConnected:         connected,
		ConnectionState:     string(state),
		CurrentEndpoint:     endpoint,
		ReconnectAttempts:   attempts,
		TotalReconnects:     total,
		ActiveSubscriptions: c.subs.ActiveCount(),
		ErrorCounts:         c.registry.ErrorCounts(),
		ReadyState:          readyState,
	}
}

