package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/intrinsicinvestment91/bitagent/config"
	"github.com/intrinsicinvestment91/bitagent/dispute"
	"github.com/intrinsicinvestment91/bitagent/fraud"
	"github.com/intrinsicinvestment91/bitagent/observability"
	"github.com/intrinsicinvestment91/bitagent/payment"
	"github.com/intrinsicinvestment91/bitagent/trust"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RiskAssessor scores a candidate transaction against party history.
type RiskAssessor interface {
	Assess(candidate fraud.Candidate, history fraud.History) fraud.Assessment
}

// RiskStore persists assessments and assembles party history snapshots.
type RiskStore interface {
	Insert(ctx context.Context, a fraud.Assessment) error
	Snapshot(ctx context.Context, agentID string, velocityWindow time.Duration) (fraud.PartyHistory, error)
}

// TrustRecorder is the slice of the trust ledger the manager needs.
type TrustRecorder interface {
	RecordOutcome(ctx context.Context, agentID string, dim trust.Dimension, value float64) (trust.Record, error)
	CompositeScore(ctx context.Context, agentID string) (float64, error)
}

// DisputeOpener creates the dispute record inside the manager's transaction
// so the status change and the dispute row commit together.
type DisputeOpener interface {
	OpenInTx(ctx context.Context, tx pgx.Tx, params dispute.OpenParams) (dispute.Dispute, error)
}

// PayoutDirectory resolves an agent id to a rail destination.
type PayoutDirectory interface {
	PayoutDestination(ctx context.Context, agentID string) (string, error)
}

// Manager owns the escrow state machine. Every mutation runs inside a single
// transaction that takes the escrow's row lock first, so concurrent operations
// on one escrow serialize and the first committer wins.
type Manager struct {
	pool      TxBeginner
	store     Store
	rail      payment.Rail
	detector  RiskAssessor
	risk      RiskStore
	trust     TrustRecorder
	disputes  DisputeOpener
	directory PayoutDirectory

	cfg            config.Escrow
	velocityWindow time.Duration
	metrics        *observability.EscrowMetrics
	log            *slog.Logger
	nowFn          func() time.Time
}

// ManagerParams bundles the manager's collaborators.
type ManagerParams struct {
	Pool           TxBeginner
	Store          Store
	Rail           payment.Rail
	Detector       RiskAssessor
	Risk           RiskStore
	Trust          TrustRecorder
	Disputes       DisputeOpener
	Directory      PayoutDirectory
	Config         config.Escrow
	VelocityWindow time.Duration
	Logger         *slog.Logger
}

// NewManager constructs the escrow manager.
func NewManager(p ManagerParams) *Manager {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		pool:           p.Pool,
		store:          p.Store,
		rail:           p.Rail,
		detector:       p.Detector,
		risk:           p.Risk,
		trust:          p.Trust,
		disputes:       p.Disputes,
		directory:      p.Directory,
		cfg:            p.Config,
		velocityWindow: p.VelocityWindow,
		metrics:        observability.Escrow(),
		log:            log,
		nowFn:          func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now == nil {
		m.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	m.nowFn = now
}

func (m *Manager) observe(op string, start time.Time) {
	m.metrics.OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// CreateParams describes a new escrow. FeeSats below zero selects the
// configured default fee.
type CreateParams struct {
	Payer      string
	Payee      string
	AmountSats int64
	FeeSats    int64
	Conditions []string
}

// Create validates the request, runs it through fraud detection and persists
// the escrow in created state. A block verdict rejects the escrow outright; a
// hold verdict persists it flagged, so funding requires approval first.
func (m *Manager) Create(ctx context.Context, p CreateParams) (Transaction, error) {
	defer m.observe("create", m.nowFn())

	if p.AmountSats <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if p.Payer == "" || p.Payee == "" || p.Payer == p.Payee {
		return Transaction{}, ErrSameParty
	}
	fee := p.FeeSats
	if fee < 0 {
		fee = p.AmountSats * int64(m.cfg.DefaultFeeBps) / 10_000
	}
	if fee >= p.AmountSats {
		return Transaction{}, fmt.Errorf("%w: fee %d swallows amount %d", ErrInvalidAmount, fee, p.AmountSats)
	}

	txn := Transaction{
		ID:         uuid.NewString(),
		Payer:      p.Payer,
		Payee:      p.Payee,
		AmountSats: p.AmountSats,
		FeeSats:    fee,
		Status:     StatusCreated,
		CreatedAt:  m.nowFn(),
	}
	for _, name := range p.Conditions {
		txn.Conditions = append(txn.Conditions, Condition{Name: name})
	}

	history, err := m.assembleHistory(ctx, p.Payer, p.Payee)
	if err != nil {
		return Transaction{}, err
	}
	assessment := m.detector.Assess(fraud.Candidate{
		TransactionID: txn.ID,
		Payer:         p.Payer,
		Payee:         p.Payee,
		AmountSats:    p.AmountSats,
	}, history)
	if err := m.risk.Insert(ctx, assessment); err != nil {
		return Transaction{}, err
	}
	switch assessment.Recommendation {
	case fraud.RecommendBlock:
		return Transaction{}, fmt.Errorf("%w: score %.2f", ErrFraudRejected, assessment.Score)
	case fraud.RecommendHold:
		txn.Hold = true
		m.log.Warn("escrow flagged for manual approval",
			"escrow_id", txn.ID, "score", assessment.Score, "signals", assessment.Signals)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := m.store.Insert(ctx, tx, txn); err != nil {
		return Transaction{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventCreated, map[string]any{
		"payer": txn.Payer, "payee": txn.Payee,
		"amount_sats": txn.AmountSats, "fee_sats": txn.FeeSats,
		"hold": txn.Hold,
	}); err != nil {
		return Transaction{}, err
	}
	if err := m.store.EnqueueOutbox(ctx, tx, TopicCreated, map[string]any{
		"escrow_id": txn.ID, "payer": txn.Payer, "payee": txn.Payee,
	}); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	m.metrics.Transitions.WithLabelValues(string(StatusCreated)).Inc()
	return txn, nil
}

// RequestInvoice asks the rail for a funding invoice. Repeated calls on the
// same escrow return the previously issued invoice.
func (m *Manager) RequestInvoice(ctx context.Context, id string) (payment.Invoice, error) {
	defer m.observe("request_invoice", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return payment.Invoice{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return payment.Invoice{}, err
	}
	if txn.Status != StatusCreated {
		return payment.Invoice{}, fmt.Errorf("%w: invoice in %s", ErrInvalidTransition, txn.Status)
	}
	if txn.InvoiceRef != nil {
		return payment.Invoice{Ref: *txn.InvoiceRef, Request: *txn.InvoiceRequest, AmountSats: txn.AmountSats}, nil
	}

	inv, err := m.rail.CreateInvoice(ctx, txn.AmountSats, fmt.Sprintf("escrow %s funding", txn.ID))
	if err != nil {
		return payment.Invoice{}, fmt.Errorf("escrow: create invoice: %w", err)
	}
	if err := m.store.SetInvoice(ctx, tx, txn.ID, inv.Ref, inv.Request); err != nil {
		return payment.Invoice{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventInvoiceIssued, map[string]any{
		"invoice_ref": inv.Ref,
	}); err != nil {
		return payment.Invoice{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return payment.Invoice{}, fmt.Errorf("escrow: commit invoice: %w", err)
	}
	return inv, nil
}

// ConfirmFunding verifies settlement with the rail and moves the escrow to
// funded. The rail is the source of truth: a caller assertion without a
// settled invoice is rejected. Confirming an already funded escrow is a no-op.
func (m *Manager) ConfirmFunding(ctx context.Context, id string) (Transaction, error) {
	defer m.observe("confirm_funding", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status == StatusFunded {
		return txn, nil
	}
	if txn.Status != StatusCreated {
		return Transaction{}, fmt.Errorf("%w: funding in %s", ErrInvalidTransition, txn.Status)
	}
	if txn.Hold {
		return Transaction{}, ErrApprovalRequired
	}
	if txn.InvoiceRef == nil {
		return Transaction{}, fmt.Errorf("%w: no invoice issued", ErrPaymentMismatch)
	}

	status, err := m.rail.CheckPaid(ctx, *txn.InvoiceRef)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: check payment: %w", err)
	}
	if !status.Paid {
		return Transaction{}, fmt.Errorf("%w: invoice unpaid", ErrPaymentMismatch)
	}
	// The settled amount must match exactly. A zero from the rail means it
	// could not attribute the payment and is treated as a mismatch too.
	if status.AmountSats != txn.AmountSats {
		return Transaction{}, fmt.Errorf("%w: paid %d, expected %d", ErrPaymentMismatch, status.AmountSats, txn.AmountSats)
	}

	now := m.nowFn()
	if err := m.store.MarkFunded(ctx, tx, txn.ID, now); err != nil {
		return Transaction{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventFunded, map[string]any{
		"invoice_ref": *txn.InvoiceRef, "amount_sats": txn.AmountSats,
	}); err != nil {
		return Transaction{}, err
	}
	if err := m.store.EnqueueOutbox(ctx, tx, TopicFunded, map[string]any{
		"escrow_id": txn.ID, "amount_sats": txn.AmountSats,
	}); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit funding: %w", err)
	}
	m.metrics.Transitions.WithLabelValues(string(StatusFunded)).Inc()

	txn.Status = StatusFunded
	txn.FundedAt = &now
	return txn, nil
}

// Approve clears the fraud hold so funding can proceed.
func (m *Manager) Approve(ctx context.Context, id, approver string) error {
	defer m.observe("approve", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if txn.Status != StatusCreated || !txn.Hold {
		return fmt.Errorf("%w: approve in %s hold=%v", ErrInvalidTransition, txn.Status, txn.Hold)
	}
	if err := m.store.ClearHold(ctx, tx, txn.ID); err != nil {
		return err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventHoldApproved, map[string]any{
		"approver": approver,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit approval: %w", err)
	}
	return nil
}

// MarkConditionMet records satisfaction of a named release condition.
func (m *Manager) MarkConditionMet(ctx context.Context, id, name, actor string) (Transaction, error) {
	defer m.observe("mark_condition", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status != StatusFunded {
		return Transaction{}, fmt.Errorf("%w: condition in %s", ErrInvalidTransition, txn.Status)
	}

	now := m.nowFn()
	found := false
	for i := range txn.Conditions {
		if txn.Conditions[i].Name != name {
			continue
		}
		found = true
		if txn.Conditions[i].Met {
			return txn, nil
		}
		txn.Conditions[i].Met = true
		txn.Conditions[i].MetAt = &now
	}
	if !found {
		return Transaction{}, fmt.Errorf("escrow: unknown condition %q", name)
	}

	if err := m.store.UpdateConditions(ctx, tx, txn.ID, txn.Conditions); err != nil {
		return Transaction{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventConditionMet, map[string]any{
		"condition": name, "actor": actor,
	}); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit condition: %w", err)
	}
	return txn, nil
}

// Release pays the payee their proceeds and finalizes the escrow. The row
// lock is held across the rail call so a concurrent dispute either commits
// first and wins, or waits and sees a released escrow. Releasing an already
// released escrow is a no-op.
func (m *Manager) Release(ctx context.Context, id string) (Transaction, error) {
	defer m.observe("release", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status == StatusReleased {
		return txn, nil
	}
	if txn.Status != StatusFunded {
		return Transaction{}, fmt.Errorf("%w: release in %s", ErrInvalidTransition, txn.Status)
	}
	if !txn.ConditionsMet(m.nowFn(), m.cfg.ReleaseWindow.Duration) {
		return Transaction{}, ErrConditionsNotMet
	}

	destination, err := m.directory.PayoutDestination(ctx, txn.Payee)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: resolve payee destination: %w", err)
	}
	if err := m.deliver(ctx, txn, destination, txn.PayeeProceeds()); err != nil {
		if errors.Is(err, ErrPayoutFailed) {
			return Transaction{}, m.payoutFault(ctx, tx, txn.ID, err)
		}
		return Transaction{}, err
	}

	now := m.nowFn()
	if err := m.store.MarkTerminal(ctx, tx, txn.ID, StatusReleased, now, nil); err != nil {
		return Transaction{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventReleased, map[string]any{
		"payee": txn.Payee, "proceeds_sats": txn.PayeeProceeds(), "fee_sats": txn.FeeSats,
	}); err != nil {
		return Transaction{}, err
	}
	if err := m.store.EnqueueOutbox(ctx, tx, TopicReleased, map[string]any{
		"escrow_id": txn.ID, "proceeds_sats": txn.PayeeProceeds(),
	}); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	m.metrics.Transitions.WithLabelValues(string(StatusReleased)).Inc()

	// A clean release vouches for both sides: the payer settled the
	// invoice and the payee delivered.
	m.recordOutcome(ctx, txn.Payer, trust.DimensionPaymentReliability, 1.0)
	m.recordOutcome(ctx, txn.Payee, trust.DimensionPaymentReliability, 1.0)
	m.recordOutcome(ctx, txn.Payee, trust.DimensionServiceQuality, 1.0)

	txn.Status = StatusReleased
	txn.ResolvedAt = &now
	return txn, nil
}

// Refund returns held funds to the payer. Funded escrows push the full amount
// back over the rail; unfunded escrows just close, since no money moved.
func (m *Manager) Refund(ctx context.Context, id, reason string) (Transaction, error) {
	defer m.observe("refund", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status == StatusRefunded {
		return txn, nil
	}
	if txn.Status != StatusFunded && txn.Status != StatusCreated {
		return Transaction{}, fmt.Errorf("%w: refund in %s", ErrInvalidTransition, txn.Status)
	}

	if txn.Status == StatusFunded {
		destination, err := m.directory.PayoutDestination(ctx, txn.Payer)
		if err != nil {
			return Transaction{}, fmt.Errorf("escrow: resolve payer destination: %w", err)
		}
		if err := m.deliver(ctx, txn, destination, txn.AmountSats); err != nil {
			if errors.Is(err, ErrPayoutFailed) {
				return Transaction{}, m.payoutFault(ctx, tx, txn.ID, err)
			}
			return Transaction{}, err
		}
	}

	now := m.nowFn()
	if err := m.store.MarkTerminal(ctx, tx, txn.ID, StatusRefunded, now, &reason); err != nil {
		return Transaction{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventRefunded, map[string]any{
		"reason": reason,
	}); err != nil {
		return Transaction{}, err
	}
	if err := m.store.EnqueueOutbox(ctx, tx, TopicRefunded, map[string]any{
		"escrow_id": txn.ID, "reason": reason,
	}); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit refund: %w", err)
	}
	m.metrics.Transitions.WithLabelValues(string(StatusRefunded)).Inc()

	if txn.Status == StatusFunded {
		m.recordOutcome(ctx, txn.Payee, trust.DimensionServiceQuality, 0.0)
	}

	txn.Status = StatusRefunded
	txn.ResolvedAt = &now
	txn.RefundReason = &reason
	return txn, nil
}

// Dispute freezes a funded escrow and opens the dispute record in the same
// transaction. A dispute that commits first preempts any in-flight release;
// the release waiting on the row lock then observes disputed and fails.
func (m *Manager) Dispute(ctx context.Context, id, openedBy, reason string) (dispute.Dispute, error) {
	defer m.observe("dispute", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return dispute.Dispute{}, err
	}
	if txn.Status != StatusFunded {
		return dispute.Dispute{}, fmt.Errorf("%w: dispute in %s", ErrInvalidTransition, txn.Status)
	}

	if err := m.store.MarkDisputed(ctx, tx, txn.ID); err != nil {
		return dispute.Dispute{}, err
	}
	d, err := m.disputes.OpenInTx(ctx, tx, dispute.OpenParams{
		EscrowID: txn.ID,
		Payer:    txn.Payer,
		Payee:    txn.Payee,
		OpenedBy: openedBy,
		Reason:   reason,
	})
	if err != nil {
		return dispute.Dispute{}, err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventDisputed, map[string]any{
		"dispute_id": d.ID, "opened_by": openedBy, "reason": reason,
	}); err != nil {
		return dispute.Dispute{}, err
	}
	if err := m.store.EnqueueOutbox(ctx, tx, TopicDisputed, map[string]any{
		"escrow_id": txn.ID, "dispute_id": d.ID,
	}); err != nil {
		return dispute.Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return dispute.Dispute{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	m.metrics.Transitions.WithLabelValues(string(StatusDisputed)).Inc()
	return d, nil
}

// EnforceRuling settles a disputed escrow per the ruling: the payee receives
// their basis-point share of the proceeds, the payer the remainder. The fee
// is retained. Enforcing an already resolved escrow is a no-op, so a failed
// enforcement can be retried.
func (m *Manager) EnforceRuling(ctx context.Context, escrowID string, ruling dispute.Ruling) error {
	defer m.observe("enforce_ruling", m.nowFn())

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := m.store.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if txn.Status.Terminal() {
		return nil
	}
	if txn.Status != StatusDisputed {
		return fmt.Errorf("%w: enforce in %s", ErrInvalidTransition, txn.Status)
	}

	share := int64(ruling.Share())
	distributable := txn.PayeeProceeds()
	payeeCut := distributable * share / 10_000
	payerCut := distributable - payeeCut

	if payeeCut > 0 {
		destination, err := m.directory.PayoutDestination(ctx, txn.Payee)
		if err != nil {
			return fmt.Errorf("escrow: resolve payee destination: %w", err)
		}
		if err := m.deliver(ctx, txn, destination, payeeCut); err != nil {
			if errors.Is(err, ErrPayoutFailed) {
				return m.payoutFault(ctx, tx, txn.ID, err)
			}
			return err
		}
	}
	if payerCut > 0 {
		destination, err := m.directory.PayoutDestination(ctx, txn.Payer)
		if err != nil {
			return fmt.Errorf("escrow: resolve payer destination: %w", err)
		}
		if err := m.deliver(ctx, txn, destination, payerCut); err != nil {
			if errors.Is(err, ErrPayoutFailed) {
				return m.payoutFault(ctx, tx, txn.ID, err)
			}
			return err
		}
	}

	now := m.nowFn()
	if err := m.store.MarkTerminal(ctx, tx, txn.ID, StatusResolved, now, nil); err != nil {
		return err
	}
	if err := m.store.AppendEvent(ctx, tx, txn.ID, EventResolved, map[string]any{
		"outcome": string(ruling.Outcome), "payee_sats": payeeCut, "payer_sats": payerCut,
	}); err != nil {
		return err
	}
	if err := m.store.EnqueueOutbox(ctx, tx, TopicResolved, map[string]any{
		"escrow_id": txn.ID, "outcome": string(ruling.Outcome),
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit resolution: %w", err)
	}
	m.metrics.Transitions.WithLabelValues(string(StatusResolved)).Inc()

	// The payee's quality signal scales with how much of the ruling went
	// their way.
	m.recordOutcome(ctx, txn.Payee, trust.DimensionServiceQuality, float64(share)/10_000)
	return nil
}

// Query returns the escrow snapshot.
func (m *Manager) Query(ctx context.Context, id string) (Transaction, error) {
	return m.store.Get(ctx, id)
}

// deliver pushes a payout over the rail with bounded retries. It never
// touches the store; on exhaustion the caller rolls its transaction back
// and records the fault through payoutFault.
func (m *Manager) deliver(ctx context.Context, txn Transaction, destination string, amountSats int64) error {
	var lastErr error
	attempts := m.cfg.PayoutAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := m.rail.Payout(ctx, destination, amountSats)
		if err == nil && res.Success {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("rail rejected payout: %s", res.Reason)
		}
		if attempt == attempts {
			break
		}
		m.metrics.PayoutRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PayoutBackoff.Duration):
		}
	}

	m.metrics.PayoutFaults.Inc()
	m.log.Error("payout exhausted retries", "escrow_id", txn.ID, "attempts", attempts, "err", lastErr)
	return fmt.Errorf("%w: %s", ErrPayoutFailed, lastErr)
}

// payoutFault records an exhausted payout after releasing the operation's
// row lock. RecordPayoutFault writes on its own connection and would wait
// forever behind the FOR UPDATE lock this transaction still holds.
func (m *Manager) payoutFault(ctx context.Context, tx pgx.Tx, id string, deliverErr error) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		m.log.Error("rollback faulted payout", "escrow_id", id, "err", err)
	}
	attempts := m.cfg.PayoutAttempts
	if attempts <= 0 {
		attempts = 1
	}
	if err := m.store.RecordPayoutFault(ctx, id, attempts, deliverErr.Error()); err != nil {
		m.log.Error("record payout fault", "escrow_id", id, "err", err)
	}
	return deliverErr
}

func (m *Manager) assembleHistory(ctx context.Context, payer, payee string) (fraud.History, error) {
	var h fraud.History
	var err error
	if h.Payer, err = m.partyHistory(ctx, payer); err != nil {
		return h, err
	}
	if h.Payee, err = m.partyHistory(ctx, payee); err != nil {
		return h, err
	}
	return h, nil
}

func (m *Manager) partyHistory(ctx context.Context, agentID string) (fraud.PartyHistory, error) {
	h, err := m.risk.Snapshot(ctx, agentID, m.velocityWindow)
	if err != nil {
		return h, err
	}
	score, err := m.trust.CompositeScore(ctx, agentID)
	if err != nil {
		return h, err
	}
	h.TrustScore = score
	return h, nil
}

func (m *Manager) recordOutcome(ctx context.Context, agentID string, dim trust.Dimension, value float64) {
	if _, err := m.trust.RecordOutcome(ctx, agentID, dim, value); err != nil {
		m.log.Error("record trust outcome", "agent_id", agentID, "dimension", string(dim), "err", err)
	}
}
