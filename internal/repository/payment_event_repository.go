package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

// PaymentEventRepository defines data access for detected transfer and
// confirmed payment rows.
type PaymentEventRepository interface {
	// UpsertTransfer inserts a transfer keyed by (transaction_hash, log_index),
	// updating the existing row when the same log is observed again.
	UpsertTransfer(ctx context.Context, event *models.EventTransferDetected) error
	FindTransfersByToken(ctx context.Context, tokenSymbol string, page, limit int) ([]*models.EventTransferDetected, int64, error)
	FindTransferByTxHash(ctx context.Context, txHash string) ([]*models.EventTransferDetected, error)

	SaveConfirmedPayment(ctx context.Context, event *models.EventPaymentConfirmed) error
	GetConfirmedPayment(ctx context.Context, paymentID string) (*models.EventPaymentConfirmed, error)
}

type paymentEventRepository struct {
	db *gorm.DB
}

// NewPaymentEventRepository creates a PaymentEventRepository instance.
func NewPaymentEventRepository(db *gorm.DB) PaymentEventRepository {
	return &paymentEventRepository{db: db}
}

func (r *paymentEventRepository) UpsertTransfer(ctx context.Context, event *models.EventTransferDetected) error {
	var existing models.EventTransferDetected
	err := r.db.WithContext(ctx).
		Where("transaction_hash = ? AND log_index = ?", event.TransactionHash, event.LogIndex).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(event).Error
	}
	if err != nil {
		return err
	}

	event.ID = existing.ID
	return r.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"block_number": event.BlockNumber,
		"block_hash":   event.BlockHash,
		"amount_raw":   event.AmountRaw,
		"source":       event.Source,
	}).Error
}

func (r *paymentEventRepository) FindTransfersByToken(ctx context.Context, tokenSymbol string, page, limit int) ([]*models.EventTransferDetected, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var events []*models.EventTransferDetected
	var total int64

	query := r.db.WithContext(ctx).Model(&models.EventTransferDetected{}).
		Where("token_symbol = ?", tokenSymbol)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Order("block_number DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&events).Error
	return events, total, err
}

func (r *paymentEventRepository) FindTransferByTxHash(ctx context.Context, txHash string) ([]*models.EventTransferDetected, error) {
	var events []*models.EventTransferDetected
	err := r.db.WithContext(ctx).
		Where("transaction_hash = ?", txHash).
		Find(&events).Error
	return events, err
}

func (r *paymentEventRepository) SaveConfirmedPayment(ctx context.Context, event *models.EventPaymentConfirmed) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *paymentEventRepository) GetConfirmedPayment(ctx context.Context, paymentID string) (*models.EventPaymentConfirmed, error) {
	var event models.EventPaymentConfirmed
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}
