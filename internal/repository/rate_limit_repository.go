package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"paylane-backend/internal/models"
)

// RateLimitRepository maintains fixed-window request counters in the
// database so every API replica sees the same counts.
type RateLimitRepository interface {
	// Increment bumps the counter for (scope, windowStart) and returns the
	// count after the increment.
	Increment(ctx context.Context, scope string, windowStart time.Time) (int64, error)
	// PruneBefore deletes windows that ended before the cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) error
}

type rateLimitRepository struct {
	db *gorm.DB
}

// NewRateLimitRepository creates a PostgreSQL-backed RateLimitRepository.
func NewRateLimitRepository(db *gorm.DB) RateLimitRepository {
	return &rateLimitRepository{db: db}
}

func (r *rateLimitRepository) Increment(ctx context.Context, scope string, windowStart time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO rate_limit_counters (scope, window_start, count, updated_at)
		VALUES (?, ?, 1, NOW())
		ON CONFLICT (scope, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1, updated_at = NOW()
		RETURNING count`,
		scope, windowStart,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *rateLimitRepository) PruneBefore(ctx context.Context, cutoff time.Time) error {
	return r.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&models.RateLimitCounter{}).Error
}
