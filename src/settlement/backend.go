package settlement

import (
	"context"
	"errors"
)

// ErrPreviousSubmissionLanded is returned by BuildTransfer when the nonce of the previous
// attempt was consumed by that very submission. The claim must be confirmed, not re-sent.
var ErrPreviousSubmissionLanded = errors.New("settlement: previous submission already landed")

// ErrPermanent marks a backend error that no retry can fix.
var ErrPermanent = errors.New("settlement: permanent failure")

type TransferRequest struct {
	From   string
	To     string
	Token  string
	Amount int64
	// Previous is the last submission whose outcome is not known yet. Backends reuse its
	// nonce while that nonce is unconsumed so two signatures can never both land.
	Previous *Previous
}

// UnsignedTx is a transfer ready to be signed. Body is backend specific. Since is the
// finalized height at build time; 0 when the backend does not know it.
type UnsignedTx struct {
	Nonce uint64
	Since uint64
	Body  any
}

// SignedTx carries the encoded transfer. Signature is derived from Raw, so it is known
// before the bytes leave the process.
type SignedTx struct {
	Signature string
	Nonce     uint64
	Since     uint64
	Raw       []byte
}

type ConfirmationState int

const (
	Pending ConfirmationState = iota
	FinalizedOK
	FinalizedErr
)

func (s ConfirmationState) String() string {
	switch s {
	case FinalizedOK:
		return "finalized_ok"
	case FinalizedErr:
		return "finalized_err"
	default:
		return "pending"
	}
}

type Confirmation struct {
	State ConfirmationState
	// Error is the on-chain failure for FinalizedErr.
	Error string
	Block uint64
}

// Rewinder is implemented by backends whose confirmation index starts at a recent block.
// Rewind extends the index so every finalized block after height is covered.
type Rewinder interface {
	Rewind(ctx context.Context, height uint64) error
}

// Backend builds, signs, sends and tracks transfers on one chain.
type Backend interface {
	BuildTransfer(ctx context.Context, req TransferRequest) (UnsignedTx, error)
	Sign(ctx context.Context, tx UnsignedTx, secret []byte) (SignedTx, error)
	Broadcast(ctx context.Context, tx SignedTx) error
	ConfirmationStatus(ctx context.Context, signature string) (Confirmation, error)
}
