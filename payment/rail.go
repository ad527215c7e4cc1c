package payment

import (
	"context"
	"errors"
	"time"
)

// ErrRailUnavailable signals a transport-level failure talking to the rail.
// Callers treat it as retryable.
var ErrRailUnavailable = errors.New("payment: rail unavailable")

// Invoice is a payable reference issued by the rail.
type Invoice struct {
	// Ref is the stable identifier used to poll payment status
	// (the payment hash on a Lightning rail).
	Ref string
	// Request is the payable artifact handed to the payer (bolt11).
	Request string
	// AmountSats is the invoiced amount in the smallest denomination.
	AmountSats int64
	CreatedAt  time.Time
}

// PaymentStatus reports whether an invoice has settled.
type PaymentStatus struct {
	Paid       bool
	AmountSats int64
	PaidAt     time.Time
}

// PayoutResult reports the outcome of pushing funds out over the rail.
type PayoutResult struct {
	Success bool
	Ref     string
	Reason  string
}

// Rail is the external settlement mechanism. The escrow engine treats it as
/// fallible, retryable and the sole source of truth for money movement: funding
// is never assumed from a caller assertion alone.
type Rail interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error)
	CheckPaid(ctx context.Context, ref string) (PaymentStatus, error)
	Payout(ctx context.Context, destination string, amountSats int64) (PayoutResult, error)
}
