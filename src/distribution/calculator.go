// Package distribution computes how many token units a single claim receives.
package distribution

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/stake-plus/daget/src/types"
)

// BpsDenominator is the basis-point scale of MinBps/MaxBps.
const BpsDenominator = 10000

// ScalarScale is the fixed-point scale of a Source draw: a draw of ScalarScale is +1.0,
// -ScalarScale is -1.0.
const ScalarScale int64 = 1 << 30

var (
	ErrInvalidState  = errors.New("distribution: invalid campaign state")
	ErrPoolExhausted = errors.New("distribution: pool cannot fund remaining claimers")
)

// Source draws the variance scalar s in [-ScalarScale, ScalarScale].
type Source interface {
	Scalar() (int64, error)
}

// CryptoSource draws every scalar fresh from crypto/rand.
type CryptoSource struct{}

func (CryptoSource) Scalar() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("distribution: read random: %w", err)
	}
	span := uint64(2*ScalarScale + 1)
	return int64(binary.BigEndian.Uint64(buf[:])%span) - ScalarScale, nil
}

// CampaignState is the slice of campaign data the calculator needs. ClaimedCount is the
// number of slots already taken, so it is also the 0-based index of the next claimant.
type CampaignState struct {
	Mode         types.DistributionMode
	TotalAmount  int64
	TotalWinners int
	ClaimedCount int
	UsedAmount   int64
	MinBps       int
	MaxBps       int
}

// StateOf builds a CampaignState from a campaign row and its committed amount.
func StateOf(c types.Campaign, used int64) CampaignState {
	st := CampaignState{
		Mode:         c.Mode,
		TotalAmount:  c.TotalAmount,
		TotalWinners: c.TotalWinners,
		ClaimedCount: c.ClaimedCount,
		UsedAmount:   used,
	}
	if c.MinBps != nil {
		st.MinBps = *c.MinBps
	}
	if c.MaxBps != nil {
		st.MaxBps = *c.MaxBps
	}
	return st
}

// Compute returns the amount for the next claimant. The result is always >= 1, never
// more than the remaining pool, and the final claimant gets exactly what is left.
func Compute(st CampaignState, src Source) (int64, error) {
	if st.TotalWinners <= 0 || st.ClaimedCount < 0 || st.ClaimedCount >= st.TotalWinners || st.TotalAmount <= 0 {
		return 0, fmt.Errorf("%w: winners=%d claimed=%d total=%d", ErrInvalidState, st.TotalWinners, st.ClaimedCount, st.TotalAmount)
	}
	switch st.Mode {
	case types.ModeFixed:
		return fixedAmount(st)
	case types.ModeRandom:
		return randomAmount(st, src)
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidState, st.Mode)
	}
}

func fixedAmount(st CampaignState) (int64, error) {
	winners := int64(st.TotalWinners)
	perClaim := st.TotalAmount / winners
	if perClaim < 1 {
		return 0, ErrPoolExhausted
	}
	if st.ClaimedCount == st.TotalWinners-1 {
		return st.TotalAmount - perClaim*(winners-1), nil
	}
	return perClaim, nil
}

func randomAmount(st CampaignState, src Source) (int64, error) {
	if st.MinBps < 1 || st.MaxBps > BpsDenominator || st.MinBps > st.MaxBps {
		return 0, fmt.Errorf("%w: bps envelope %d..%d", ErrInvalidState, st.MinBps, st.MaxBps)
	}
	remainingPool := st.TotalAmount - st.UsedAmount
	remainingClaimers := int64(st.TotalWinners - st.ClaimedCount)
	if remainingPool < remainingClaimers {
		return 0, ErrPoolExhausted
	}
	if remainingClaimers == 1 {
		return remainingPool, nil
	}

	fairShare := remainingPool / remainingClaimers
	s, err := src.Scalar()
	if err != nil {
		return 0, err
	}
	if s < -ScalarScale || s > ScalarScale {
		return 0, fmt.Errorf("distribution: scalar %d out of range", s)
	}

	// floor(fair * (max-min)/10000 * s/ScalarScale), exact in big integers.
	num := new(big.Int).SetInt64(fairShare)
	num.Mul(num, big.NewInt(int64(st.MaxBps-st.MinBps)))
	num.Mul(num, big.NewInt(s))
	den := new(big.Int).Mul(big.NewInt(BpsDenominator), big.NewInt(ScalarScale))
	fluctuation := new(big.Int).Div(num, den).Int64()

	amount := fairShare + fluctuation
	if amount < 1 {
		amount = 1
	}
	if ceiling := remainingPool - (remainingClaimers - 1); amount > ceiling {
		amount = ceiling
	}
	return amount, nil
}
