// Package lease hands workable claims to exactly one settlement worker at a time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/daget/src/types"
)

// DefaultDuration is how long a worker owns a claim before others may take it.
const DefaultDuration = 5 * time.Minute

type Repository struct {
	db       *gorm.DB
	duration time.Duration
}

func NewRepository(db *gorm.DB, duration time.Duration) *Repository {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Repository{db: db, duration: duration}
}

func workable(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where("status IN ?", types.WorkableStatuses).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Where("locked_until IS NULL OR locked_until <= ?", now)
}

// Acquire leases up to limit workable claims, oldest first. Rows are stamped with a
// fresh lease token under the same predicate, so only this call's rows come back even
// on engines that ignore SKIP LOCKED.
func (r *Repository) Acquire(ctx context.Context, limit int, now time.Time) ([]types.Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()
	until := now.Add(r.duration)

	var claims []types.Claim
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := workable(tx.Model(&types.Claim{}), now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("created_at ASC").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := workable(tx.Model(&types.Claim{}).Where("id IN ?", ids), now).
			Updates(map[string]any{"locked_until": until, "lease_token": token}).Error; err != nil {
			return err
		}
		return tx.Where("lease_token = ?", token).Order("created_at ASC").Find(&claims).Error
	})
	if err != nil {
		return nil, fmt.Errorf("lease: acquire: %w", err)
	}
	return claims, nil
}

// Release clears the lease on a claim if it is still held under leaseToken.
func (r *Repository) Release(ctx context.Context, claimID, leaseToken string) error {
	err := r.db.WithContext(ctx).Model(&types.Claim{}).
		Where("id = ? AND lease_token = ?", claimID, leaseToken).
		Updates(map[string]any{"locked_until": nil, "lease_token": nil}).Error
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", claimID, err)
	}
	return nil
}
