// Package repository contains the persistence interfaces and their
// PostgreSQL implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paylane-backend/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// isUniqueViolation reports whether err is a PostgreSQL duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ReceiptRepository persists canonical receipts keyed by (chainId, receiptId).
type ReceiptRepository interface {
	Create(ctx context.Context, receipt *models.Receipt) error
	GetByKey(ctx context.Context, chainID uint64, receiptID string) (*models.Receipt, error)
	// FindByAnyKey resolves a receipt by receiptId, userOpHash or txHash.
	FindByAnyKey(ctx context.Context, chainID uint64, key string) (*models.Receipt, error)
	// UpsertReconciled writes reconciled amounts idempotently: repeated calls
	// with the same row leave exactly one record, and a terminal row is never
	// downgraded back to PENDING.
	UpsertReconciled(ctx context.Context, receipt *models.Receipt) error
	ListByOwner(ctx context.Context, chainID uint64, ownerEoa string, limit int) ([]models.Receipt, error)
}

type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a PostgreSQL-backed ReceiptRepository.
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

func (r *receiptRepository) Create(ctx context.Context, receipt *models.Receipt) error {
	if err := r.db.WithContext(ctx).Create(receipt).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: receipt %d/%s", ErrAlreadyExists, receipt.ChainID, receipt.ReceiptID)
		}
		return err
	}
	return nil
}

func (r *receiptRepository) GetByKey(ctx context.Context, chainID uint64, receiptID string) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND receipt_id = ?", chainID, receiptID).
		First(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *receiptRepository) FindByAnyKey(ctx context.Context, chainID uint64, key string) (*models.Receipt, error) {
	var receipt models.Receipt
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND (receipt_id = ? OR user_op_hash = ? OR tx_hash = ?)", chainID, key, key, key).
		First(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// reconciledColumns is every receipts column an upsert overwrites on
// conflict, which is everything except the identity key and created_at.
var reconciledColumns = []string{
	"user_op_hash", "tx_hash", "status", "success", "lane", "fee_mode",
	"token", "to", "sender", "owner_eoa",
	"amount_raw", "net_amount_raw", "fee_amount_raw",
	"meta", "updated_at",
}

func (r *receiptRepository) UpsertReconciled(ctx context.Context, receipt *models.Receipt) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Receipt
		err := tx.Where("chain_id = ? AND receipt_id = ?", receipt.ChainID, receipt.ReceiptID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		case err != nil:
			return err
		case existing.Status.Terminal() && !receipt.Status.Terminal():
			return nil
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_id"}, {Name: "receipt_id"}},
			DoUpdates: clause.AssignmentColumns(reconciledColumns),
		}).Create(receipt).Error
	})
}

func (r *receiptRepository) ListByOwner(ctx context.Context, chainID uint64, ownerEoa string, limit int) ([]models.Receipt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var receipts []models.Receipt
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND owner_eoa = ?", chainID, ownerEoa).
		Order("created_at DESC").
		Limit(limit).
		Find(&receipts).Error
	return receipts, err
}
