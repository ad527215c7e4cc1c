package dispute

import "time"

// Phase is the nested lifecycle a dispute moves through while its escrow sits
// in the disputed state.
type Phase string

const (
	PhaseOpen               Phase = "open"
	PhaseEvidenceCollection Phase = "evidence_collection"
	PhaseArbitratorAssigned Phase = "arbitrator_assigned"
	PhaseRuled              Phase = "ruled"
	PhaseEnforced           Phase = "enforced"
)

// Outcome is the direction of a ruling.
type Outcome string

const (
	OutcomeFavorPayer Outcome = "favor_payer"
	OutcomeFavorPayee Outcome = "favor_payee"
	OutcomeSplit      Outcome = "split"
)

// Ruling is an arbitrator's decision. For a split outcome PayeeShareBps is
// the payee's share of the escrowed amount in basis points; favor_payer and
// favor_payee are the degenerate 0 and 10000 cases.
type Ruling struct {
	Outcome       Outcome
	PayeeShareBps int
}

// Share returns the payee's share in basis points regardless of outcome form.
func (r Ruling) Share() int {
	switch r.Outcome {
	case OutcomeFavorPayer:
		return 0
	case OutcomeFavorPayee:
		return 10_000
	default:
		return r.PayeeShareBps
	}
}

// Evidence is one submitted evidence record. Records are append-only and
// ordered by sequence.
type Evidence struct {
	ID          string
	DisputeID   string
	Seq         int
	Submitter   string
	PayloadRef  string
	SubmittedAt time.Time
}

// Dispute is the contested-escrow record. Party identities are copied from
// the escrow at open time so the resolver never reaches back into escrow
// storage.
type Dispute struct {
	ID           string
	EscrowID     string
	Payer        string
	Payee        string
	OpenedBy     string
	Reason       string
	Phase        Phase
	Arbitrator   *string
	Ruling       *Ruling
	WindowEndsAt time.Time
	OpenedAt     time.Time
	ResolvedAt   *time.Time
}

// Respondent returns the party who did not open the dispute.
func (d Dispute) Respondent() string {
	if d.OpenedBy == d.Payer {
		return d.Payee
	}
	return d.Payer
}

// Status collapses the nested phase into the coarse open / awaiting-ruling /
// resolved view served to callers.
func (d Dispute) Status() string {
	switch d.Phase {
	case PhaseOpen, PhaseEvidenceCollection:
		return "open"
	case PhaseArbitratorAssigned:
		return "awaiting_ruling"
	default:
		return "resolved"
	}
}
