package fraud

import "time"

// Recommendation is the detector's verdict on a candidate transaction.
type Recommendation string

const (
	RecommendAllow Recommendation = "allow"
	RecommendHold  Recommendation = "hold"
	RecommendBlock Recommendation = "block"
)

// Signal names used in assessment breakdowns.
const (
	SignalVelocity      = "velocity"
	SignalAmountAnomaly = "amount_anomaly"
	SignalNewParty      = "new_party"
	SignalDisputeRate   = "dispute_rate"
	SignalTrustFloor    = "trust_floor"
)

// Assessment is the immutable outcome of one risk evaluation. A fresh record
// is produced per evaluation and retained for audit.
type Assessment struct {
	ID             string
	TransactionID  string
	Score          float64
	Signals        map[string]float64
	Recommendation Recommendation
	EvaluatedAt    time.Time
}

// Candidate describes the transaction under evaluation.
type Candidate struct {
	TransactionID string
	Payer         string
	Payee         string
	AmountSats    int64
}

// PartyHistory is the snapshot of one party's prior behaviour that the
// detector scores against. It is assembled by the caller so the detector
// stays a pure function.
type PartyHistory struct {
	// OpenedInWindow counts escrows the party opened inside the velocity
	// window.
	OpenedInWindow int
	// Completed counts the party's terminal escrows.
	Completed int
	// AmountMean and AmountStddev summarise the party's historical amounts.
	AmountMean   float64
	AmountStddev float64
	// DisputeRate is the fraction of the party's terminal escrows that went
	// through a dispute.
	DisputeRate float64
	// TrustScore is the party's composite trust score.
	TrustScore float64
}

// History bundles both parties' snapshots.
type History struct {
	Payer PartyHistory
	Payee PartyHistory
}
