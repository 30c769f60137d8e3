package engine

import (
	"errors"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/pool"
)

// Error taxonomy of the policy engine. Every failure is terminal for the
// current operation and surfaced verbatim; nothing is retried internally.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrPolicyExpired     = errors.New("policy expired")
	ErrAlreadyClaimed    = errors.New("policy already claimed")
	ErrThresholdNotMet   = errors.New("trigger threshold not met")
	ErrNoData            = errors.New("no oracle data")

	// ErrInsufficientFunds aliases the pool sentinel so callers can match
	// either package.
	ErrInsufficientFunds = pool.ErrInsufficientFunds
)

// Code maps a taxonomy error to its stable wire code. Unknown errors map
// to INTERNAL.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidParameters):
		return "INVALID_PARAMETERS"
	case errors.Is(err, ErrPolicyNotFound):
		return "POLICY_NOT_FOUND"
	case errors.Is(err, ErrPolicyExpired):
		return "POLICY_EXPIRED"
	case errors.Is(err, ErrAlreadyClaimed):
		return "ALREADY_CLAIMED"
	case errors.Is(err, ErrThresholdNotMet):
		return "THRESHOLD_NOT_MET"
	case errors.Is(err, ErrNoData):
		return "NO_DATA"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	default:
		return "INTERNAL"
	}
}

// Retriable reports whether a caller could usefully retry the same claim
// later, after another oracle submission.
func Retriable(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrThresholdNotMet)
}
