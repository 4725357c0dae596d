package spvtypes

import "errors"

// Sentinel errors, one family per §7 error kind.
var (
	// Transient I/O.
	ErrPayloadMissing = errors.New("spv: payload missing")

	// Data integrity.
	ErrCheckpointMismatch = errors.New("spv: checkpoint mismatch")
	ErrFilterDecode       = errors.New("spv: gcs decode failed")
	ErrBlockHashMismatch  = errors.New("spv: block does not hash to expected id")

	// Database failure.
	ErrCommitFailed = errors.New("spv: database commit failed")

	// Policy failure (Spend Proposal Builder).
	ErrInsufficientFunds = errors.New("spv: insufficient funds")
	ErrSignFailed        = errors.New("spv: signature could not be produced")
	ErrInvalidRecipient  = errors.New("spv: invalid recipient")
	ErrNoUTXOAvailable   = errors.New("spv: no utxo satisfies policy")

	// Fatal invariant violations — never expected in correct execution.
	ErrInvariantViolation = errors.New("spv: invariant violation")
)
