package settlement

import (
	"errors"

	"github.com/stake-plus/daget/src/logging"
)

// fatalPatterns match chain and node errors that fail the same way on every retry.
var fatalPatterns = []string{
	"invalid account",
	"account not found",
	"insufficient funds",
	"insufficient balance",
	"insufficientbalance",
	"fundsunavailable",
	"inability to pay",
	"cannot pay",
	"program error",
	"validation error",
	"bad signature",
	"badproof",
	"bad proof",
	"invalid signature",
	"nonce already",
	"expendability",
	"balances.keepalive",
	"existentialdeposit",
	"below minimum",
	"unknown asset",
}

// IsFatal reports whether err should move a claim straight to failed_permanent.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermanent) || logging.MatchesAny(err, fatalPatterns...)
}

// stalePatterns match a node refusing a transfer because its nonce is already used on
// chain. With a reused nonce that usually means an earlier submission got in first.
var stalePatterns = []string{
	"transaction is outdated",
	"invalidtransaction::stale",
}

// IsStaleNonce reports whether err is a broadcast refused for an already used nonce.
func IsStaleNonce(err error) bool {
	return err != nil && logging.MatchesAny(err, stalePatterns...)
}
