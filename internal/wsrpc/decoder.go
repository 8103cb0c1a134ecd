package wsrpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/jackyvictory/stablecoin-watcher/internal/config"
	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

// TransferTopic is the Keccak-256 selector of Transfer(address,address,uint256).
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// FrameKind classification of one inbound JSON-RPC frame
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameAck
	FrameNotification
	FrameRPCError
)

// RPCErrorBody JSON-RPC error object
type RPCErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LogEntry one eth_subscription log payload as delivered by the node
type LogEntry struct {
	Address          string   `json:"address"`
	BlockHash        string   `json:"blockHash"`
	BlockNumber      string   `json:"blockNumber"`
	Data             string   `json:"data"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
	Topics           []string `json:"topics"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
}

// Frame one classified inbound message
type Frame struct {
	Kind           FrameKind
	ID             uint64
	Result         json.RawMessage
	Error          *RPCErrorBody
	SubscriptionID string
	Log            *LogEntry
}

type rawFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCErrorBody   `json:"error"`
	Params  *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// DecodeFrame classifies one inbound message into the tagged frame union.
// Unknown shapes are returned as FrameUnknown, never as an error: a malformed
// frame costs one dropped message, nothing more.
func DecodeFrame(raw []byte) *Frame {
	var rf rawFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return &Frame{Kind: FrameUnknown}
	}

	if strings.EqualFold(rf.Method, "eth_subscription") && rf.Params != nil {
		frame := &Frame{
			Kind:           FrameNotification,
			SubscriptionID: rf.Params.Subscription,
		}
		var entry LogEntry
		if err := json.Unmarshal(rf.Params.Result, &entry); err == nil {
			frame.Log = &entry
		}
		return frame
	}

	if rf.ID != nil && rf.Error != nil {
		return &Frame{Kind: FrameRPCError, ID: *rf.ID, Error: rf.Error}
	}
	if rf.ID != nil && len(rf.Result) > 0 {
		return &Frame{Kind: FrameAck, ID: *rf.ID, Result: rf.Result}
	}
	return &Frame{Kind: FrameUnknown}
}

// DecodeError a log entry that could not be decoded into a transfer
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode transfer log: " + e.Reason
}

// ErrNotForReceiver marks logs whose recipient is not the configured
// receiver. Callers drop these silently rather than treating them as faults.
var ErrNotForReceiver = &DecodeError{Reason: "recipient is not the configured receiver"}

// DecodeTransferLog decodes one Transfer log into a TransferRecord. Pure:
// the same log, token and receiver always yield the same record. Logs with
// fewer than three topics and unparsable numeric fields yield a DecodeError.
func DecodeTransferLog(entry *LogEntry, token config.TokenConfig, receiver string) (*models.TransferRecord, error) {
	if entry == nil {
		return nil, &DecodeError{Reason: "nil log entry"}
	}
	if len(entry.Topics) < 3 {
		return nil, &DecodeError{Reason: fmt.Sprintf("expected >=3 topics, got %d", len(entry.Topics))}
	}

	from := common.BytesToAddress(common.HexToHash(entry.Topics[1]).Bytes()[12:])
	to := common.BytesToAddress(common.HexToHash(entry.Topics[2]).Bytes()[12:])

	if !strings.EqualFold(to.Hex(), receiver) {
		return nil, ErrNotForReceiver
	}

	// Log data arrives zero-padded to 32 bytes, which hexutil.DecodeBig
	// rejects, so the amount is parsed as plain base-16.
	amount := new(big.Int)
	data := strings.TrimSpace(strings.TrimPrefix(entry.Data, "0x"))
	if data != "" {
		parsed, ok := new(big.Int).SetString(data, 16)
		if !ok || parsed.Sign() < 0 {
			return nil, &DecodeError{Reason: fmt.Sprintf("unparsable amount data %q", entry.Data)}
		}
		amount = parsed
	}

	blockNumber, err := hexutil.DecodeUint64(entry.BlockNumber)
	if err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("unparsable block number %q", entry.BlockNumber)}
	}

	var logIndex uint64
	if entry.LogIndex != "" {
		logIndex, err = hexutil.DecodeUint64(entry.LogIndex)
		if err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("unparsable log index %q", entry.LogIndex)}
		}
	}

	return &models.TransferRecord{
		TransactionHash: entry.TransactionHash,
		BlockNumber:     blockNumber,
		BlockHash:       entry.BlockHash,
		LogIndex:        logIndex,
		FromAddress:     from.Hex(),
		ToAddress:       to.Hex(),
		AmountRaw:       amount,
		TokenSymbol:     token.Symbol,
		TokenContract:   token.Contract,
		Decimals:        token.Decimals,
		// Subscription-sourced events carry a single confirmation; the node
		// does not re-emit logs as blocks pile on top.
		Confirmations: 1,
		ObservedAt:    time.Now(),
	}, nil
}

// PaddedAddressTopic left-pads a 20-byte address to the 32-byte topic form.
func PaddedAddressTopic(address string) string {
	return strings.ToLower(common.HexToHash(address).Hex())
}
