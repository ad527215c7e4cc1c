package escrow

import "time"

// Status is the escrow state-machine value. Transitions are monotonic:
// created -> funded -> {released | refunded | disputed}; disputed -> resolved.
// released, refunded and resolved are terminal.
type Status string

const (
	StatusCreated  Status = "created"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	default:
		return false
	}
}

// ConditionTimeoutElapsed is the built-in release condition satisfied once the
// release window since funding has passed.
const ConditionTimeoutElapsed = "timeout_elapsed"

// Condition is one release predicate. All conditions must hold before funds
// move to the payee.
type Condition struct {
	Name  string     `json:"name"`
	Met   bool       `json:"met"`
	MetAt *time.Time `json:"met_at,omitempty"`
}

// Transaction is the escrow record. It is exclusively owned and mutated by
// the Manager; other components receive read-only snapshots.
type Transaction struct {
	ID         string
	Payer      string
	Payee      string
	Arbitrator *string
	AmountSats int64
	FeeSats    int64
	Conditions []Condition
	Status     Status

	// Hold marks an escrow flagged by fraud detection; funding requires an
	// explicit approval first.
	Hold bool

	// InvoiceRef and InvoiceRequest are set once the rail issues the funding
	// invoice; repeated invoice requests return the same pair.
	InvoiceRef     *string
	InvoiceRequest *string

	// PayoutAttempts and PayoutFault track failed payout deliveries. A
	// faulted escrow stays funded and is eligible for retry.
	PayoutAttempts int
	PayoutFault    *string

	RefundReason *string

	CreatedAt  time.Time
	FundedAt   *time.Time
	ResolvedAt *time.Time
}

// PayeeProceeds is the amount delivered to the payee on release.
func (t Transaction) PayeeProceeds() int64 {
	return t.AmountSats - t.FeeSats
}

// ConditionsMet reports whether every release condition holds at now. The
// timeout condition is evaluated against the funding time and the release
// window; every other condition must have been explicitly marked met.
func (t Transaction) ConditionsMet(now time.Time, releaseWindow time.Duration) bool {
	for _, c := range t.Conditions {
		if c.Met {
			continue
		}
		if c.Name == ConditionTimeoutElapsed && t.FundedAt != nil && !now.Before(t.FundedAt.Add(releaseWindow)) {
			continue
		}
		return false
	}
	return true
}

// Timeline event types recorded for every state change.
const (
	EventCreated       = "ESCROW_CREATED"
	EventInvoiceIssued = "INVOICE_ISSUED"
	EventFunded        = "ESCROW_FUNDED"
	EventHoldApproved  = "HOLD_APPROVED"
	EventConditionMet  = "CONDITION_MET"
	EventReleased      = "ESCROW_RELEASED"
	EventRefunded      = "ESCROW_REFUNDED"
	EventDisputed      = "ESCROW_DISPUTED"
	EventResolved      = "ESCROW_RESOLVED"
	EventPayoutFaulted = "PAYOUT_FAULTED"
)

// Outbox topics published alongside state changes.
const (
	TopicCreated  = "escrow.created"
	TopicFunded   = "escrow.funded"
	TopicReleased = "escrow.released"
	TopicRefunded = "escrow.refunded"
	TopicDisputed = "escrow.disputed"
	TopicResolved = "escrow.resolved"
)
