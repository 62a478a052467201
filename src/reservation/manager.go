// Package reservation atomically reserves one slot of a campaign for a claimant.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/daget/src/distribution"
	"github.com/stake-plus/daget/src/idempotency"
	"github.com/stake-plus/daget/src/metrics"
	"github.com/stake-plus/daget/src/types"
)

// Endpoint scopes reservation idempotency keys.
const Endpoint = "reserve"

const maxContendedRetries = 3

// Eligibility decides whether a claimant may take part in a campaign.
type Eligibility interface {
	IsEligible(ctx context.Context, claimantID string, campaign types.Campaign) (bool, error)
}

// Idempotency is the replay store used for keyed requests.
type Idempotency interface {
	Begin(ctx context.Context, scope idempotency.Scope, fingerprint string) (*idempotency.Record, func(), error)
	Save(ctx context.Context, scope idempotency.Scope, fingerprint string, rec idempotency.Record) error
}

type Request struct {
	Slug           string
	ClaimantID     string
	Address        string
	IdempotencyKey string
}

type Result struct {
	ClaimID  string            `json:"claim_id"`
	Status   types.ClaimStatus `json:"status"`
	Amount   int64             `json:"amount"`
	Replayed bool              `json:"-"`
}

// outcome is what gets stored under an idempotency key.
type outcome struct {
	Result  *Result `json:"result,omitempty"`
	Reason  Reason  `json:"reason,omitempty"`
	ClaimID string  `json:"claim_id,omitempty"`
}

type Manager struct {
	db      *gorm.DB
	idem    Idempotency
	oracle  Eligibility
	source  distribution.Source
	metrics *metrics.Metrics
	log     *slog.Logger
}

type Option func(*Manager)

func WithEligibility(e Eligibility) Option { return func(m *Manager) { m.oracle = e } }

func WithIdempotency(s Idempotency) Option { return func(m *Manager) { m.idem = s } }

func WithSource(s distribution.Source) Option { return func(m *Manager) { m.source = s } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		source: distribution.CryptoSource{},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve assigns the claimant a slot and an amount, or returns a *RejectError.
// Keyed requests replay their first outcome.
func (m *Manager) Reserve(ctx context.Context, req Request) (Result, error) {
	req.Slug = strings.TrimSpace(req.Slug)
	req.ClaimantID = strings.TrimSpace(req.ClaimantID)
	req.Address = strings.TrimSpace(req.Address)
	if req.Slug == "" || req.ClaimantID == "" || req.Address == "" {
		return Result{}, ErrInvalidRequest
	}

	if m.idem == nil || req.IdempotencyKey == "" {
		res, err := m.reserve(ctx, req)
		m.observe(res, err)
		return res, err
	}

	scope := idempotency.Scope{Key: req.IdempotencyKey, Identity: req.ClaimantID, Endpoint: Endpoint}
	fp, err := idempotency.Fingerprint(struct {
		Slug    string `json:"slug"`
		Address string `json:"address"`
	}{req.Slug, req.Address})
	if err != nil {
		return Result{}, err
	}
	rec, release, err := m.idem.Begin(ctx, scope, fp)
	if err != nil {
		m.metrics.Reservation(outcomeLabel(err))
		return Result{}, err
	}
	defer release()
	if rec != nil {
		res, err := decodeOutcome(rec.Body)
		m.metrics.Reservation("replayed")
		return res, err
	}

	res, err := m.reserve(ctx, req)
	m.observe(res, err)
	if stored, ok := encodeOutcome(res, err); ok {
		if serr := m.idem.Save(ctx, scope, fp, stored); serr != nil {
			m.log.Error("reservation: store idempotent outcome failed", "slug", req.Slug, "claimant", req.ClaimantID, "err", serr)
		}
	}
	return res, err
}

func (m *Manager) reserve(ctx context.Context, req Request) (Result, error) {
	var campaign types.Campaign
	err := m.db.WithContext(ctx).Where("slug = ?", req.Slug).First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, reject(ReasonCampaignNotActive)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reservation: load campaign: %w", err)
	}

	if m.oracle != nil {
		ok, err := m.oracle.IsEligible(ctx, req.ClaimantID, campaign)
		if err != nil {
			return Result{}, fmt.Errorf("reservation: eligibility: %w", err)
		}
		if !ok {
			return Result{}, reject(ReasonNotEligible)
		}
	}

	for attempt := 0; ; attempt++ {
		res, err := m.reserveTx(ctx, req)
		switch {
		case errors.Is(err, errContended) && attempt < maxContendedRetries:
			continue
		case errors.Is(err, errDuplicate):
			return Result{}, m.duplicateReason(ctx, campaign.ID, req)
		}
		return res, err
	}
}

func (m *Manager) reserveTx(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c types.Campaign
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("slug = ?", req.Slug).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reject(ReasonCampaignNotActive)
		}
		if err != nil {
			return err
		}
		if c.Status != types.CampaignActive {
			return reject(ReasonCampaignNotActive)
		}
		if c.ClaimedCount >= c.TotalWinners {
			return reject(ReasonFullyClaimed)
		}

		var existing types.Claim
		err = tx.Select("id").Where("campaign_id = ? AND claimant_id = ?", c.ID, req.ClaimantID).First(&existing).Error
		if err == nil {
			return &RejectError{Reason: ReasonAlreadyClaimed, ClaimID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var addressTaken int64
		if err := tx.Model(&types.Claim{}).Where("campaign_id = ? AND receiving_address = ?", c.ID, req.Address).Count(&addressTaken).Error; err != nil {
			return err
		}
		if addressTaken > 0 {
			return reject(ReasonAddressAlreadyUsed)
		}

		var used int64
		if err := tx.Model(&types.Claim{}).
			Where("campaign_id = ? AND status NOT IN ?", c.ID, types.UncommittedStatuses).
			Select("COALESCE(SUM(amount), 0)").Scan(&used).Error; err != nil {
			return err
		}
		amount, err := distribution.Compute(distribution.StateOf(c, used), m.source)
		if err != nil {
			return err
		}

		claim := types.Claim{
			ID:               uuid.NewString(),
			CampaignID:       c.ID,
			ClaimantID:       req.ClaimantID,
			ReceivingAddress: req.Address,
			Amount:           amount,
			Status:           types.ClaimCreated,
			IdempotencyKey:   req.IdempotencyKey,
		}
		if err := tx.Create(&claim).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicate
			}
			return err
		}

		status := c.Status
		if c.ClaimedCount+1 == c.TotalWinners {
			status = types.CampaignClosed
		}
		upd := tx.Model(&types.Campaign{}).
			Where("id = ? AND claimed_count = ?", c.ID, c.ClaimedCount).
			Updates(map[string]any{
				"claimed_count": gorm.Expr("claimed_count + 1"),
				"status":        status,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected != 1 {
			return errContended
		}

		res = Result{ClaimID: claim.ID, Status: claim.Status, Amount: claim.Amount}
		return nil
	})
	if err == nil {
		m.log.Info("reservation: claim created", "campaign", req.Slug, "claim_id", res.ClaimID, "claimant", req.ClaimantID, "amount", res.Amount)
	}
	return res, err
}

// duplicateReason resolves a unique violation raised by a racing insert.
func (m *Manager) duplicateReason(ctx context.Context, campaignID string, req Request) error {
	var existing types.Claim
	err := m.db.WithContext(ctx).Select("id").Where("campaign_id = ? AND claimant_id = ?", campaignID, req.ClaimantID).First(&existing).Error
	if err == nil {
		return &RejectError{Reason: ReasonAlreadyClaimed, ClaimID: existing.ID}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reject(ReasonAddressAlreadyUsed)
	}
	return err
}

func (m *Manager) observe(res Result, err error) {
	if err == nil {
		m.metrics.Reservation("created")
		return
	}
	m.metrics.Reservation(outcomeLabel(err))
	if _, ok := AsReject(err); ok {
		m.log.Debug("reservation: rejected", "err", err)
	}
}

func outcomeLabel(err error) string {
	if re, ok := AsReject(err); ok {
		return string(re.Reason)
	}
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		return "key_reused"
	case errors.Is(err, idempotency.ErrInFlight):
		return "in_flight"
	}
	return "error"
}

// encodeOutcome keeps successes and business rejections; infrastructure errors are not replayed.
func encodeOutcome(res Result, err error) (idempotency.Record, bool) {
	var o outcome
	status := http.StatusCreated
	switch re, ok := AsReject(err); {
	case err == nil:
		r := res
		o.Result = &r
	case ok:
		o.Reason, o.ClaimID = re.Reason, re.ClaimID
		status = re.Reason.HTTPStatus()
	default:
		return idempotency.Record{}, false
	}
	body, merr := json.Marshal(o)
	if merr != nil {
		return idempotency.Record{}, false
	}
	return idempotency.Record{StatusCode: status, Body: body}, true
}

func decodeOutcome(body []byte) (Result, error) {
	var o outcome
	if err := json.Unmarshal(body, &o); err != nil {
		return Result{}, fmt.Errorf("reservation: decode stored outcome: %w", err)
	}
	if o.Reason != "" {
		return Result{}, &RejectError{Reason: o.Reason, ClaimID: o.ClaimID, Replayed: true}
	}
	if o.Result == nil {
		return Result{}, errors.New("reservation: empty stored outcome")
	}
	res := *o.Result
	res.Replayed = true
	return res, nil
}
