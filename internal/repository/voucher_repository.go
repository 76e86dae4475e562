package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"paylane-backend/internal/models"
)

// VoucherRepository tracks issued stipend vouchers and hands out their
// single-use nonces.
type VoucherRepository interface {
	Create(ctx context.Context, record *models.StipendVoucherRecord) error
	// NextNonce returns the next unused voucher nonce for a chain. A
	// concurrent caller racing to the same nonce fails Create on the unique
	// index and retries.
	NextNonce(ctx context.Context, chainID uint64) (uint64, error)
	MarkSubmitted(ctx context.Context, id uint64, userOpHash, status string) error
}

type voucherRepository struct {
	db *gorm.DB
}

// NewVoucherRepository creates a PostgreSQL-backed VoucherRepository.
func NewVoucherRepository(db *gorm.DB) VoucherRepository {
	return &voucherRepository{db: db}
}

func (r *voucherRepository) Create(ctx context.Context, record *models.StipendVoucherRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: voucher nonce %d on chain %d", ErrAlreadyExists, record.Nonce, record.ChainID)
		}
		return err
	}
	return nil
}

func (r *voucherRepository) NextNonce(ctx context.Context, chainID uint64) (uint64, error) {
	var maxNonce uint64
	err := r.db.WithContext(ctx).
		Model(&models.StipendVoucherRecord{}).
		Where("chain_id = ?", chainID).
		Select("COALESCE(MAX(nonce), 0)").
		Scan(&maxNonce).Error
	if err != nil {
		return 0, err
	}
	return maxNonce + 1, nil
}

func (r *voucherRepository) MarkSubmitted(ctx context.Context, id uint64, userOpHash, status string) error {
	return r.db.WithContext(ctx).
		Model(&models.StipendVoucherRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"user_op_hash": userOpHash,
			"status":       status,
		}).Error
}
