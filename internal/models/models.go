package models

import (
	"math/big"
	"time"
)

// ConnectionState state of the single WebSocket connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// SubscriptionStatus lifecycle of one eth_subscribe request
type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionFailed  SubscriptionStatus = "failed"
)

// TransferRecord one decoded ERC-20 Transfer log. Immutable once constructed.
type TransferRecord struct {
	TransactionHash string
	BlockNumber     uint64
	BlockHash       string
	LogIndex        uint64
	FromAddress     string
	ToAddress       string
	AmountRaw       *big.Int
	TokenSymbol     string
	TokenContract   string
	Decimals        uint8
	Confirmations   uint64
	ObservedAt      time.Time
}

// Amount returns the token amount scaled by decimals as an exact rational.
// Tolerance comparisons downstream must never go through floating point.
func (t *TransferRecord) Amount() *big.Rat {
	if t.AmountRaw == nil {
		return new(big.Rat)
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil)
	return new(big.Rat).SetFrac(new(big.Int).Set(t.AmountRaw), denom)
}

// MatchResult outcome of one matching attempt. Transient, never persisted.
type MatchResult struct {
	IsMatch bool
	Score   int
	Reasons []string
	Details map[string]interface{}
}

// ConnectionStatus snapshot exposed to the API layer
type ConnectionStatus struct {
	IsConnected         bool           `json:"isConnected"`
	ConnectionState     string         `json:"connectionState"`
	CurrentEndpoint     string         `json:"currentEndpoint"`
	ReconnectAttempts   int            `json:"reconnectAttempts"`
	TotalReconnects     int            `json:"totalReconnects"`
	ActiveSubscriptions int            `json:"activeSubscriptions"`
	ErrorCounts         map[string]int `json:"errorCounts"`
	ReadyState          string         `json:"readyState"`
}

// ============ persisted event rows (optional, gorm) ============

// EventTransferDetected a transfer observed on-chain toward the receiver address
type EventTransferDetected struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Network         string    `gorm:"type:varchar(32);index" json:"network"`
	TokenSymbol     string    `gorm:"type:varchar(16);index" json:"token_symbol"`
	TokenContract   string    `gorm:"type:varchar(42)" json:"token_contract"`
	TransactionHash string    `gorm:"type:varchar(66);uniqueIndex:idx_transfer_tx_log" json:"transaction_hash"`
	LogIndex        uint64    `gorm:"uniqueIndex:idx_transfer_tx_log" json:"log_index"`
	BlockNumber     uint64    `gorm:"index" json:"block_number"`
	BlockHash       string    `gorm:"type:varchar(66)" json:"block_hash"`
	FromAddress     string    `gorm:"type:varchar(42);index" json:"from_address"`
	ToAddress       string    `gorm:"type:varchar(42);index" json:"to_address"`
	AmountRaw       string    `gorm:"type:varchar(80)" json:"amount_raw"`
	Decimals        uint8     `json:"decimals"`
	Source          string    `gorm:"type:varchar(16)" json:"source"` // subscription | scanner
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName table name for transfer events
func (EventTransferDetected) TableName() string {
	return "event_transfer_detected"
}

// EventPaymentConfirmed a payment monitor confirmed against a transfer
type EventPaymentConfirmed struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID       string    `gorm:"type:varchar(64);uniqueIndex" json:"payment_id"`
	Network         string    `gorm:"type:varchar(32)" json:"network"`
	TokenSymbol     string    `gorm:"type:varchar(16)" json:"token_symbol"`
	ExpectedAmount  string    `gorm:"type:varchar(80)" json:"expected_amount"`
	ReceiverAddress string    `gorm:"type:varchar(42)" json:"receiver_address"`
	TransactionHash string    `gorm:"type:varchar(66);index" json:"transaction_hash"`
	BlockNumber     uint64    `json:"block_number"`
	MatchScore      int       `json:"match_score"`
	Confirmations   uint64    `json:"confirmations"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName table name for confirmed payments
func (EventPaymentConfirmed) TableName() string {
	return "event_payment_confirmed"
}
