package reservation

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is a business rejection of a reservation.
type Reason string

const (
	ReasonCampaignNotActive  Reason = "CAMPAIGN_NOT_ACTIVE"
	ReasonFullyClaimed       Reason = "FULLY_CLAIMED"
	ReasonAlreadyClaimed     Reason = "ALREADY_CLAIMED"
	ReasonAddressAlreadyUsed Reason = "ADDRESS_ALREADY_USED"
	ReasonNotEligible        Reason = "NOT_ELIGIBLE"
)

// HTTPStatus is the response code a rejection maps to.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonAlreadyClaimed, ReasonAddressAlreadyUsed:
		return http.StatusConflict
	case ReasonCampaignNotActive, ReasonFullyClaimed:
		return http.StatusGone
	case ReasonNotEligible:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

// RejectError carries the reason a reservation was refused. ClaimID is set for
// ALREADY_CLAIMED so the caller can look up the existing claim. Replayed marks a
// rejection read back from an earlier request with the same idempotency key.
type RejectError struct {
	Reason   Reason
	ClaimID  string
	Replayed bool
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("reservation rejected: %s", e.Reason)
}

func reject(r Reason) *RejectError { return &RejectError{Reason: r} }

// AsReject unwraps a *RejectError.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

var (
	ErrInvalidRequest = errors.New("reservation: slug, claimant and address are required")

	errDuplicate = errors.New("reservation: unique constraint")
	errContended = errors.New("reservation: campaign counter moved")
)
