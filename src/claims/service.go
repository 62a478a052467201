// Package claims exposes claim status and the operator actions on stuck claims.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/metrics"
	"github.com/stake-plus/daget/src/settlement"
	"github.com/stake-plus/daget/src/types"
)

var (
	ErrClaimNotFound     = errors.New("claims: claim not found")
	ErrInvalidTransition = errors.New("claims: transition not allowed from current status")
)

type StatusView struct {
	ClaimID      string            `json:"claim_id"`
	CampaignID   string            `json:"daget_id"`
	ClaimantID   string            `json:"-"`
	Status       types.ClaimStatus `json:"status"`
	Amount       int64             `json:"amount"`
	TxSignature  string            `json:"tx_signature,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	LastError    string            `json:"last_error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func viewOf(c types.Claim) StatusView {
	v := StatusView{
		ClaimID:      c.ID,
		CampaignID:   c.CampaignID,
		ClaimantID:   c.ClaimantID,
		Status:       c.Status,
		Amount:       c.Amount,
		AttemptCount: c.AttemptCount,
		LastError:    c.LastError,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.TxSignature != nil {
		v.TxSignature = *c.TxSignature
	}
	return v
}

type Service struct {
	db      *gorm.DB
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewService(db *gorm.DB, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, metrics: m, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) load(ctx context.Context, id string) (types.Claim, error) {
	var c types.Claim
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	if err != nil {
		return c, fmt.Errorf("claims: load %s: %w", id, err)
	}
	return c, nil
}

func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(c), nil
}

// Retry puts a failed_permanent claim back in the settlement queue with a fresh
// attempt budget.
func (s *Service) Retry(ctx context.Context, id string) (StatusView, error) {
	return s.operate(ctx, id, "retry", func(st settlement.FailedPermanent, now time.Time) settlement.State {
		return st.Retry(now)
	})
}

// Release gives up on a failed_permanent claim. Its amount returns to the pool; the slot
// stays taken.
func (s *Service) Release(ctx context.Context, id string) (StatusView, error) {
	return s.operate(ctx, id, "release", func(st settlement.FailedPermanent, now time.Time) settlement.State {
		return st.Release(now)
	})
}

func (s *Service) operate(ctx context.Context, id, action string, next func(settlement.FailedPermanent, time.Time) settlement.State) (StatusView, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	st, err := settlement.FromClaim(c)
	if err != nil {
		return StatusView{}, err
	}
	failed, ok := st.(settlement.FailedPermanent)
	if !ok {
		return StatusView{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, c.Status)
	}
	to := next(failed, s.now())
	if err := settlement.Save(ctx, s.db, c, to); err != nil {
		if errors.Is(err, settlement.ErrStaleClaim) {
			return StatusView{}, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
		}
		return StatusView{}, err
	}
	s.metrics.Transition(string(to.Status()))
	s.log.Info("claims: operator "+action, "claim", id, "from", c.Status, "to", to.Status())
	return s.Status(ctx, id)
}
