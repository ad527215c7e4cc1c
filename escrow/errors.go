package escrow

import "errors"

// Domain error kinds. Structural errors are surfaced immediately and never
// retried; ErrPayoutFailed is retryable and leaves the escrow in its last
// valid state with a recorded fault.
var (
	ErrInvalidAmount     = errors.New("escrow: amount must be positive")
	ErrSameParty         = errors.New("escrow: payer and payee must differ")
	ErrFraudRejected     = errors.New("escrow: rejected by fraud detection")
	ErrInvalidTransition = errors.New("escrow: invalid state transition")
	ErrPaymentMismatch   = errors.New("escrow: payment does not match escrow amount")
	ErrConditionsNotMet  = errors.New("escrow: release conditions not met")
	ErrApprovalRequired  = errors.New("escrow: held escrow requires approval before funding")
	ErrPayoutFailed      = errors.New("escrow: payout failed")
	ErrNotFound          = errors.New("escrow: not found")
)
