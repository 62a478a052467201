package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/types"
)

// ErrStaleClaim means the row changed under us: another worker took the lease or an
// operator moved the claim.
var ErrStaleClaim = errors.New("settlement: claim changed concurrently")

// State is the typed settlement state of a claim. Legal transitions are methods on the
// source state, so there is no way to express an edge the lifecycle does not have.
type State interface {
	Status() types.ClaimStatus
	columns() map[string]any
}

// Previous identifies an earlier submission whose outcome is still unknown. Since is the
// finalized height it was built at, 0 when unknown.
type Previous struct {
	Signature string
	Nonce     uint64
	Since     uint64
}

// Tx is a signed transfer about to be broadcast.
type Tx struct {
	Signature string
	Nonce     uint64
	Since     uint64
}

func (t Tx) previous() *Previous {
	return &Previous{Signature: t.Signature, Nonce: t.Nonce, Since: t.Since}
}

type Created struct {
	Attempts int
}

type Submitted struct {
	Tx
	Attempts    int
	SubmittedAt time.Time
	NextPollAt  time.Time
}

type Confirmed struct {
	Signature   string
	ConfirmedAt time.Time
}

type FailedRetryable struct {
	Attempts    int
	Reason      string
	NextRetryAt time.Time
	Previous    *Previous
}

type FailedPermanent struct {
	Attempts int
	Reason   string
	FailedAt time.Time
	Previous *Previous
}

type Released struct {
	ReleasedAt time.Time
}

func (Created) Status() types.ClaimStatus         { return types.ClaimCreated }
func (Submitted) Status() types.ClaimStatus       { return types.ClaimSubmitted }
func (Confirmed) Status() types.ClaimStatus       { return types.ClaimConfirmed }
func (FailedRetryable) Status() types.ClaimStatus { return types.ClaimFailedRetryable }
func (FailedPermanent) Status() types.ClaimStatus { return types.ClaimFailedPermanent }
func (Released) Status() types.ClaimStatus        { return types.ClaimReleased }

func submit(attempts int, tx Tx, now, pollAt time.Time) Submitted {
	return Submitted{Tx: tx, Attempts: attempts + 1, SubmittedAt: now, NextPollAt: pollAt}
}

// Submit records a freshly signed transfer. The attempt counter moves here.
func (s Created) Submit(tx Tx, now, pollAt time.Time) Submitted {
	return submit(s.Attempts, tx, now, pollAt)
}

// Fail schedules another try after a failure that happened before anything was sent.
func (s Created) Fail(reason string, retryAt time.Time) FailedRetryable {
	return FailedRetryable{Attempts: s.Attempts + 1, Reason: reason, NextRetryAt: retryAt}
}

func (s Created) Escalate(reason string, now time.Time) FailedPermanent {
	return FailedPermanent{Attempts: s.Attempts + 1, Reason: reason, FailedAt: now}
}

func (s FailedRetryable) Submit(tx Tx, now, pollAt time.Time) Submitted {
	return submit(s.Attempts, tx, now, pollAt)
}

// Confirm covers a previous submission that turned out to have landed.
func (s FailedRetryable) Confirm(now time.Time) Confirmed {
	c := Confirmed{ConfirmedAt: now}
	if s.Previous != nil {
		c.Signature = s.Previous.Signature
	}
	return c
}

// ConfirmEarlier confirms the claim through an older submission of the same claim.
func (s FailedRetryable) ConfirmEarlier(signature string, now time.Time) Confirmed {
	return Confirmed{Signature: signature, ConfirmedAt: now}
}

func (s FailedRetryable) Fail(reason string, retryAt time.Time) FailedRetryable {
	return FailedRetryable{Attempts: s.Attempts + 1, Reason: reason, NextRetryAt: retryAt, Previous: s.Previous}
}

func (s FailedRetryable) Escalate(reason string, now time.Time) FailedPermanent {
	return FailedPermanent{Attempts: s.Attempts + 1, Reason: reason, FailedAt: now, Previous: s.Previous}
}

func (s Submitted) Confirm(now time.Time) Confirmed {
	return Confirmed{Signature: s.Signature, ConfirmedAt: now}
}

// ConfirmEarlier confirms the claim through an older submission that landed in place of
// the current one.
func (s Submitted) ConfirmEarlier(signature string, now time.Time) Confirmed {
	return Confirmed{Signature: signature, ConfirmedAt: now}
}

// Defer keeps the claim submitted and pushes the next confirmation poll out.
func (s Submitted) Defer(pollAt time.Time) Submitted {
	s.NextPollAt = pollAt
	return s
}

func (s Submitted) Fail(reason string, retryAt time.Time) FailedRetryable {
	return FailedRetryable{
		Attempts:    s.Attempts,
		Reason:      reason,
		NextRetryAt: retryAt,
		Previous:    s.previous(),
	}
}

func (s Submitted) Escalate(reason string, now time.Time) FailedPermanent {
	return FailedPermanent{
		Attempts: s.Attempts,
		Reason:   reason,
		FailedAt: now,
		Previous: s.previous(),
	}
}

// Retry puts an escalated claim back in the queue with a fresh attempt budget. The claim
// row drops its last signature; the engine still checks every recorded submission before
// it signs again.
func (s FailedPermanent) Retry(now time.Time) FailedRetryable {
	return FailedRetryable{Reason: s.Reason, NextRetryAt: now}
}

// Release gives the claim's amount back to the pool.
func (s FailedPermanent) Release(now time.Time) Released {
	return Released{ReleasedAt: now}
}

func (s Submitted) columns() map[string]any {
	return map[string]any{
		"status":         types.ClaimSubmitted,
		"tx_signature":   s.Signature,
		"tx_nonce":       s.Nonce,
		"tx_since_block": s.Since,
		"attempt_count":  s.Attempts,
		"submitted_at":   s.SubmittedAt,
		"next_retry_at":  s.NextPollAt,
	}
}

func (s Confirmed) columns() map[string]any {
	cols := map[string]any{
		"status":        types.ClaimConfirmed,
		"confirmed_at":  s.ConfirmedAt,
		"next_retry_at": nil,
		"last_error":    "",
	}
	if s.Signature != "" {
		cols["tx_signature"] = s.Signature
	}
	return cols
}

func (s FailedRetryable) columns() map[string]any {
	cols := map[string]any{
		"status":         types.ClaimFailedRetryable,
		"attempt_count":  s.Attempts,
		"last_error":     s.Reason,
		"next_retry_at":  s.NextRetryAt,
		"tx_signature":   nil,
		"tx_nonce":       nil,
		"tx_since_block": nil,
	}
	if s.Previous != nil {
		cols["tx_signature"] = s.Previous.Signature
		cols["tx_nonce"] = s.Previous.Nonce
		cols["tx_since_block"] = s.Previous.Since
	}
	return cols
}

func (s FailedPermanent) columns() map[string]any {
	return map[string]any{
		"status":        types.ClaimFailedPermanent,
		"attempt_count": s.Attempts,
		"last_error":    s.Reason,
		"failed_at":     s.FailedAt,
		"next_retry_at": nil,
	}
}

func (s Released) columns() map[string]any {
	return map[string]any{
		"status":        types.ClaimReleased,
		"released_at":   s.ReleasedAt,
		"next_retry_at": nil,
	}
}

// Created is never a transition target.
func (Created) columns() map[string]any { return nil }

// FromClaim lifts a stored row into its typed state.
func FromClaim(c types.Claim) (State, error) {
	var prev *Previous
	if c.TxSignature != nil && *c.TxSignature != "" {
		prev = &Previous{Signature: *c.TxSignature}
		if c.TxNonce != nil {
			prev.Nonce = *c.TxNonce
		}
		if c.TxSinceBlock != nil {
			prev.Since = *c.TxSinceBlock
		}
	}
	switch c.Status {
	case types.ClaimCreated:
		return Created{Attempts: c.AttemptCount}, nil
	case types.ClaimSubmitted:
		if prev == nil {
			return nil, fmt.Errorf("settlement: claim %s submitted without signature", c.ID)
		}
		s := Submitted{Tx: Tx{Signature: prev.Signature, Nonce: prev.Nonce, Since: prev.Since}, Attempts: c.AttemptCount}
		if c.SubmittedAt != nil {
			s.SubmittedAt = *c.SubmittedAt
		}
		if c.NextRetryAt != nil {
			s.NextPollAt = *c.NextRetryAt
		}
		return s, nil
	case types.ClaimConfirmed:
		s := Confirmed{}
		if prev != nil {
			s.Signature = prev.Signature
		}
		if c.ConfirmedAt != nil {
			s.ConfirmedAt = *c.ConfirmedAt
		}
		return s, nil
	case types.ClaimFailedRetryable:
		s := FailedRetryable{Attempts: c.AttemptCount, Reason: c.LastError, Previous: prev}
		if c.NextRetryAt != nil {
			s.NextRetryAt = *c.NextRetryAt
		}
		return s, nil
	case types.ClaimFailedPermanent:
		s := FailedPermanent{Attempts: c.AttemptCount, Reason: c.LastError, Previous: prev}
		if c.FailedAt != nil {
			s.FailedAt = *c.FailedAt
		}
		return s, nil
	case types.ClaimReleased:
		s := Released{}
		if c.ReleasedAt != nil {
			s.ReleasedAt = *c.ReleasedAt
		}
		return s, nil
	default:
		return nil, fmt.Errorf("settlement: claim %s has unknown status %q", c.ID, c.Status)
	}
}

// Save writes next over the stored claim. The update only applies while the row still has
// the status c was read with and, for leased claims, the same lease token.
func Save(ctx context.Context, db *gorm.DB, c types.Claim, next State) error {
	cols := next.columns()
	if cols == nil {
		return fmt.Errorf("settlement: %s is not a transition target", next.Status())
	}
	q := db.WithContext(ctx).Model(&types.Claim{}).Where("id = ? AND status = ?", c.ID, c.Status)
	if c.LeaseToken != nil {
		q = q.Where("lease_token = ?", *c.LeaseToken)
	}
	res := q.Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("settlement: save claim %s: %w", c.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: claim %s", ErrStaleClaim, c.ID)
	}
	return nil
}
