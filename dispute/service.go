package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/intrinsicinvestment91/bitagent/trust"
)

var (
	// ErrNotFound signals an unknown dispute id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrWindowClosed signals evidence submitted outside the collection window.
	ErrWindowClosed = errors.New("dispute: evidence window closed")
	// ErrNoArbitratorAvailable signals an exhausted arbitrator pool.
	ErrNoArbitratorAvailable = errors.New("dispute: no arbitrator available")
	// ErrInvalidPhase signals an operation invalid in the dispute's phase.
	ErrInvalidPhase = errors.New("dispute: invalid phase for operation")
	// ErrNotAssignedArbitrator signals a ruling from the wrong identity.
	ErrNotAssignedArbitrator = errors.New("dispute: ruling not issued by assigned arbitrator")
	// ErrInvalidRuling signals a malformed ruling.
	ErrInvalidRuling = errors.New("dispute: invalid ruling")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Selector picks an arbitrator from the configured pool, preferring higher
// trust scores and skipping the excluded identities.
type Selector interface {
	Select(ctx context.Context, exclude []string) (string, error)
}

// TrustRecorder is the slice of the trust ledger the resolver needs.
type TrustRecorder interface {
	RecordOutcome(ctx context.Context, agentID string, dim trust.Dimension, value float64) (trust.Record, error)
}

// Enforcer applies a ruling against escrow funds. Implemented by the escrow
// manager and wired in after construction to keep the dependency one-way.
type Enforcer interface {
	EnforceRuling(ctx context.Context, escrowID string, ruling Ruling) error
}

// Resolver manages the contested-escrow lifecycle: evidence collection,
// arbitrator assignment, ruling and enforcement.
type Resolver struct {
	pool           TxBeginner
	store          Store
	selector       Selector
	trust          TrustRecorder
	enforcer       Enforcer
	evidenceWindow time.Duration
	log            *slog.Logger
	nowFn          func() time.Time
}

// NewResolver constructs a resolver. The enforcer is attached afterwards via
// SetEnforcer because the escrow manager is built on top of the resolver.
func NewResolver(pool TxBeginner, store Store, selector Selector, trustRec TrustRecorder, evidenceWindow time.Duration, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		pool:           pool,
		store:          store,
		selector:       selector,
		trust:          trustRec,
		evidenceWindow: evidenceWindow,
		log:            log,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// SetEnforcer wires the escrow-side enforcement hook.
func (r *Resolver) SetEnforcer(e Enforcer) { r.enforcer = e }

// SetNowFunc overrides the clock, for deterministic tests.
func (r *Resolver) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	r.nowFn = now
}

// OpenParams carries the escrow context copied into the new dispute.
type OpenParams struct {
	EscrowID string
	Payer    string
	Payee    string
	OpenedBy string
	Reason   string
}

// OpenInTx creates the dispute inside the caller's transaction so the escrow
// transition to disputed and the dispute row commit or roll back together.
// The evidence window starts immediately.
func (r *Resolver) OpenInTx(ctx context.Context, tx pgx.Tx, params OpenParams) (Dispute, error) {
	if params.EscrowID == "" || params.OpenedBy == "" {
		return Dispute{}, fmt.Errorf("dispute: escrow id and opener required")
	}
	if params.OpenedBy != params.Payer && params.OpenedBy != params.Payee {
		return Dispute{}, fmt.Errorf("dispute: opener %s is not a party to the escrow", params.OpenedBy)
	}

	now := r.nowFn()
	d := Dispute{
		ID:           uuid.NewString(),
		EscrowID:     params.EscrowID,
		Payer:        params.Payer,
		Payee:        params.Payee,
		OpenedBy:     params.OpenedBy,
		Reason:       params.Reason,
		Phase:        PhaseEvidenceCollection,
		WindowEndsAt: now.Add(r.evidenceWindow),
		OpenedAt:     now,
	}
	if err := r.store.Insert(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// SubmitEvidence appends an evidence record. Accepted only while the
// collection window is open.
func (r *Resolver) SubmitEvidence(ctx context.Context, disputeID, submitter, payloadRef string) (Evidence, error) {
	if submitter == "" || payloadRef == "" {
		return Evidence{}, fmt.Errorf("dispute: submitter and payload required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Evidence{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := r.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Evidence{}, err
	}
	now := r.nowFn()
	if d.Phase != PhaseEvidenceCollection || !now.Before(d.WindowEndsAt) {
		return Evidence{}, ErrWindowClosed
	}

	ev := Evidence{
		ID:          uuid.NewString(),
		DisputeID:   disputeID,
		Submitter:   submitter,
		PayloadRef:  payloadRef,
		SubmittedAt: now,
	}
	if err := r.store.AppendEvidence(ctx, tx, ev); err != nil {
		return Evidence{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return ev, nil
}

// AssignArbitrator moves the dispute to arbitrator_assigned. An exhausted
// pool escalates to the documented favor-refund default instead of blocking
// the escrow indefinitely.
func (r *Resolver) AssignArbitrator(ctx context.Context, disputeID string) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := r.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Phase != PhaseEvidenceCollection {
		return Dispute{}, fmt.Errorf("%w: %s", ErrInvalidPhase, d.Phase)
	}

	arbitrator, err := r.selector.Select(ctx, []string{d.Payer, d.Payee})
	if err != nil {
		if !errors.Is(err, ErrNoArbitratorAvailable) {
			return Dispute{}, err
		}
		// Policy: an empty pool rules favor-refund by default. Logged for
		// audit, not treated as an ordinary error.
		r.log.Warn("arbitrator pool exhausted, applying favor-refund default",
			"dispute_id", d.ID, "escrow_id", d.EscrowID)
		ruling := Ruling{Outcome: OutcomeFavorPayer}
		if err := r.store.SetRuling(ctx, tx, d.ID, ruling, PhaseRuled, nil); err != nil {
			return Dispute{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Dispute{}, fmt.Errorf("dispute: commit default ruling: %w", err)
		}
		d.Ruling = &ruling
		d.Phase = PhaseRuled
		if err := r.enforce(ctx, d); err != nil {
			return Dispute{}, err
		}
		return r.store.Get(ctx, d.ID)
	}

	if err := r.store.SetArbitrator(ctx, tx, d.ID, arbitrator); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit arbitrator: %w", err)
	}
	d.Arbitrator = &arbitrator
	d.Phase = PhaseArbitratorAssigned
	return d, nil
}

// Rule records the arbitrator's decision and enforces it against the escrow.
// Re-ruling an already ruled dispute retries enforcement only.
func (r *Resolver) Rule(ctx context.Context, disputeID, arbitratorID string, ruling Ruling) (Dispute, error) {
	switch ruling.Outcome {
	case OutcomeFavorPayer, OutcomeFavorPayee:
	case OutcomeSplit:
		if ruling.PayeeShareBps < 0 || ruling.PayeeShareBps > 10_000 {
			return Dispute{}, fmt.Errorf("%w: split share %d out of range", ErrInvalidRuling, ruling.PayeeShareBps)
		}
	default:
		return Dispute{}, fmt.Errorf("%w: outcome %q", ErrInvalidRuling, ruling.Outcome)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := r.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	switch d.Phase {
	case PhaseArbitratorAssigned:
		if d.Arbitrator == nil || *d.Arbitrator != arbitratorID {
			return Dispute{}, ErrNotAssignedArbitrator
		}
		if err := r.store.SetRuling(ctx, tx, d.ID, ruling, PhaseRuled, nil); err != nil {
			return Dispute{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Dispute{}, fmt.Errorf("dispute: commit ruling: %w", err)
		}
		d.Ruling = &ruling
		d.Phase = PhaseRuled
	case PhaseRuled:
		// Prior enforcement attempt failed; fall through and retry it.
	case PhaseEnforced:
		return d, nil
	default:
		return Dispute{}, fmt.Errorf("%w: %s", ErrInvalidPhase, d.Phase)
	}

	if err := r.enforce(ctx, d); err != nil {
		return Dispute{}, err
	}
	return r.store.Get(ctx, d.ID)
}

// ExpireWindows applies the silence default to disputes whose evidence window
// has lapsed: a respondent who never submitted evidence forfeits, and the
// ruling defaults to favor-opener. Disputes with contested evidence proceed
// to arbitrator assignment instead.
func (r *Resolver) ExpireWindows(ctx context.Context, limit int) (int, error) {
	ids, err := r.store.ListExpiredWindows(ctx, r.nowFn(), limit)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, id := range ids {
		if err := r.expireOne(ctx, id); err != nil {
			r.log.Error("expire evidence window", "dispute_id", id, "err", err)
			continue
		}
		handled++
	}
	return handled, nil
}

func (r *Resolver) expireOne(ctx context.Context, disputeID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := r.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Phase != PhaseEvidenceCollection || r.nowFn().Before(d.WindowEndsAt) {
		return tx.Commit(ctx)
	}

	respondentEvidence, err := r.store.CountEvidenceBy(ctx, tx, d.ID, d.Respondent())
	if err != nil {
		return err
	}
	if respondentEvidence > 0 {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("dispute: commit: %w", err)
		}
		_, err := r.AssignArbitrator(ctx, d.ID)
		return err
	}

	// Policy: silence from the responding party defaults the ruling to
	// favor-opener. Logged for audit, not treated as an ordinary error.
	ruling := Ruling{Outcome: OutcomeFavorPayer}
	if d.OpenedBy == d.Payee {
		ruling = Ruling{Outcome: OutcomeFavorPayee}
	}
	r.log.Warn("evidence window expired with silent respondent, applying favor-opener default",
		"dispute_id", d.ID, "escrow_id", d.EscrowID, "opened_by", d.OpenedBy)

	if err := r.store.SetRuling(ctx, tx, d.ID, ruling, PhaseRuled, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit default ruling: %w", err)
	}
	d.Ruling = &ruling
	d.Phase = PhaseRuled
	return r.enforce(ctx, d)
}

// enforce applies the recorded ruling against escrow funds, marks the dispute
// enforced and records the dispute-rate reputation signal for both parties.
func (r *Resolver) enforce(ctx context.Context, d Dispute) error {
	if r.enforcer == nil {
		return fmt.Errorf("dispute: enforcer not configured")
	}
	if d.Ruling == nil {
		return fmt.Errorf("dispute: no ruling to enforce")
	}
	if err := r.enforcer.EnforceRuling(ctx, d.EscrowID, *d.Ruling); err != nil {
		return fmt.Errorf("dispute: enforce ruling: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.nowFn()
	if err := r.store.SetRuling(ctx, tx, d.ID, *d.Ruling, PhaseEnforced, &now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit enforcement: %w", err)
	}

	// Going through a dispute is a reputation signal for both parties,
	// whatever the outcome.
	for _, party := range []string{d.Payer, d.Payee} {
		if _, err := r.trust.RecordOutcome(ctx, party, trust.DimensionDisputeRate, 1.0); err != nil {
			r.log.Error("record dispute-rate outcome", "agent_id", party, "err", err)
		}
	}
	return nil
}

// Get returns the dispute snapshot.
func (r *Resolver) Get(ctx context.Context, disputeID string) (Dispute, error) {
	return r.store.Get(ctx, disputeID)
}

// GetByEscrow returns the dispute attached to an escrow, if any.
func (r *Resolver) GetByEscrow(ctx context.Context, escrowID string) (Dispute, error) {
	return r.store.GetByEscrow(ctx, escrowID)
}

// Evidence returns the ordered evidence list for a dispute.
func (r *Resolver) Evidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	return r.store.ListEvidence(ctx, disputeID)
}
