package scanner

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/events"
	"github.com/jackyvictory/stablecoin-watcher/internal/metrics"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
	"github.com/jackyvictory/stablecoin-watcher/internal/wsrpc"
)

const rpcCallTimeout = 10 * time.Second

// BlockScanner is the fallback detection path: instead of log subscriptions
// it polls recent blocks for Transfer logs toward the receiver. Lower
// priority than the WebSocket path; normally disabled.
type BlockScanner struct {
	rpcEndpoints []string
	pollInterval time.Duration
	tokens       []config.TokenConfig
	receiver     string
	bus          *events.Bus
	onTransfer   func(*models.TransferRecord)

	client    *ethclient.Client
	lastBlock uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewBlockScanner creates a block scanner from configuration.
func NewBlockScanner(cfg config.ScannerConfig, tokens []config.TokenConfig, receiver string, bus *events.Bus, onTransfer func(*models.TransferRecord)) *BlockScanner {
	return &BlockScanner{
		rpcEndpoints: cfg.RPCEndpoints,
		pollInterval: time.Duration(cfg.PollInterval) * time.Second,
		tokens:       tokens,
		receiver:     receiver,
		bus:          bus,
		onTransfer:   onTransfer,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the polling loop.
func (s *BlockScanner) Start() {
	log.Printf("🚀 Starting fallback block scanner (interval=%v, endpoints=%d)",
		s.pollInterval, len(s.rpcEndpoints))
	s.wg.Add(1)
	go s.pollLoop()
}

// Stop terminates the polling loop.
func (s *BlockScanner) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	log.Printf("🛑 Block scanner stopped")
}

func (s *BlockScanner) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.poll()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

// poll walks blocks since the last scanned one. The first poll only anchors
// the cursor so a restart does not replay history.
func (s *BlockScanner) poll() {
	client, err := s.dial()
	if err != nil {
		log.Printf("❌ Scanner: no reachable RPC endpoint: %v", err)
		metrics.ScannerErrors.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	latest, err := client.BlockNumber(ctx)
	cancel()
	if err != nil {
		log.Printf("❌ Scanner: fetch latest block failed: %v", err)
		metrics.ScannerErrors.Inc()
		s.dropClient()
		return
	}

	if s.lastBlock == 0 {
		s.lastBlock = latest
		return
	}
	if latest <= s.lastBlock {
		return
	}

	from := s.lastBlock + 1
	contracts := make([]common.Address, 0, len(s.tokens))
	for _, t := range s.tokens {
		contracts = append(contracts, common.HexToAddress(t.Contract))
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: contracts,
		Topics: [][]common.Hash{
			{wsrpc.TransferTopic},
			nil,
			{common.HexToHash(s.receiver)},
		},
	}

	ctx, cancel = context.WithTimeout(context.Background(), rpcCallTimeout)
	logs, err := client.FilterLogs(ctx, query)
	cancel()
	if err != nil {
		log.Printf("❌ Scanner: filter logs %d..%d failed: %v", from, latest, err)
		metrics.ScannerErrors.Inc()
		s.dropClient()
		return
	}

	metrics.ScannerBlocksScanned.Add(float64(latest - s.lastBlock))
	s.lastBlock = latest

	for i := range logs {
		s.handleLog(&logs[i], latest)
	}
}

func (s *BlockScanner) handleLog(lg *types.Log, latest uint64) {
	if lg.Removed || len(lg.Topics) < 3 {
		return
	}
	token, ok := s.tokenForContract(lg.Address)
	if !ok {
		return
	}

	amount := new(big.Int)
	if len(lg.Data) > 0 {
		amount.SetBytes(lg.Data)
	}

	record := &models.TransferRecord{
		TransactionHash: lg.TxHash.Hex(),
		BlockNumber:     lg.BlockNumber,
		BlockHash:       lg.BlockHash.Hex(),
		LogIndex:        uint64(lg.Index),
		FromAddress:     common.BytesToAddress(lg.Topics[1].Bytes()[12:]).Hex(),
		ToAddress:       common.BytesToAddress(lg.Topics[2].Bytes()[12:]).Hex(),
		AmountRaw:       amount,
		TokenSymbol:     token.Symbol,
		TokenContract:   token.Contract,
		Decimals:        token.Decimals,
		Confirmations:   latest - lg.BlockNumber + 1,
		ObservedAt:      time.Now(),
	}

	metrics.TransfersDetected.WithLabelValues(record.TokenSymbol, "scanner").Inc()
	log.Printf("💸 Scanner transfer: %s %s tx=%s confirmations=%d",
		record.Amount().FloatString(6), record.TokenSymbol,
		record.TransactionHash, record.Confirmations)

	s.bus.Emit(events.TransferDetected, record)
	if s.onTransfer != nil {
		s.onTransfer(record)
	}
}

func (s *BlockScanner) tokenForContract(addr common.Address) (config.TokenConfig, bool) {
	for _, t := range s.tokens {
		if common.HexToAddress(t.Contract) == addr {
			return t, true
		}
	}
	return config.TokenConfig{}, false
}

// dial returns a cached client, or walks the endpoint list until one answers.
func (s *BlockScanner) dial() (*ethclient.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	var lastErr error
	for _, url := range s.rpcEndpoints {
		client, err := ethclient.Dial(url)
		if err != nil {
			lastErr = err
			continue
		}
		s.client = client
		log.Printf("🔗 Scanner connected to %s", url)
		return client, nil
	}
	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return nil, lastErr
}

func (s *BlockScanner) dropClient() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}
