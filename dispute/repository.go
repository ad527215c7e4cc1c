package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence surface the Resolver drives. Mutations run inside
// a Resolver-owned transaction; GetForUpdate's row lock serializes all work
// on one dispute.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	GetByEscrow(ctx context.Context, escrowID string) (Dispute, error)
	SetPhase(ctx context.Context, tx pgx.Tx, id string, phase Phase) error
	SetArbitrator(ctx context.Context, tx pgx.Tx, id, arbitrator string) error
	SetRuling(ctx context.Context, tx pgx.Tx, id string, ruling Ruling, phase Phase, resolvedAt *time.Time) error
	AppendEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)
	CountEvidenceBy(ctx context.Context, tx pgx.Tx, disputeID, submitter string) (int, error)
	ListExpiredWindows(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// PGStore implements Store against Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds a store over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const disputeColumns = `
	id, escrow_id, payer, payee, opened_by, reason, phase, arbitrator,
	ruling_outcome, ruling_share_bps, window_ends_at, opened_at, resolved_at
`

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const q = `
		INSERT INTO disputes (id, escrow_id, payer, payee, opened_by, reason, phase, window_ends_at, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.Exec(ctx, q,
		d.ID, d.EscrowID, d.Payer, d.Payee, d.OpenedBy, d.Reason,
		string(d.Phase), d.WindowEndsAt, d.OpenedAt,
	); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1 FOR UPDATE`, id)
	return scanDispute(row)
}

func (s *PGStore) Get(ctx context.Context, id string) (Dispute, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1`, id)
	return scanDispute(row)
}

func (s *PGStore) GetByEscrow(ctx context.Context, escrowID string) (Dispute, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id=$1`, escrowID)
	return scanDispute(row)
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d        Dispute
		phase    string
		outcome  *string
		shareBps *int
	)
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.Payer, &d.Payee, &d.OpenedBy, &d.Reason,
		&phase, &d.Arbitrator, &outcome, &shareBps,
		&d.WindowEndsAt, &d.OpenedAt, &d.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: scan: %w", err)
	}
	d.Phase = Phase(phase)
	if outcome != nil {
		ruling := Ruling{Outcome: Outcome(*outcome)}
		if shareBps != nil {
			ruling.PayeeShareBps = *shareBps
		}
		d.Ruling = &ruling
	}
	return d, nil
}

func (s *PGStore) SetPhase(ctx context.Context, tx pgx.Tx, id string, phase Phase) error {
	if _, err := tx.Exec(ctx, `UPDATE disputes SET phase=$2 WHERE id=$1`, id, string(phase)); err != nil {
		return fmt.Errorf("dispute: set phase: %w", err)
	}
	return nil
}

func (s *PGStore) SetArbitrator(ctx context.Context, tx pgx.Tx, id, arbitrator string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET arbitrator=$2, phase=$3 WHERE id=$1
	`, id, arbitrator, string(PhaseArbitratorAssigned)); err != nil {
		return fmt.Errorf("dispute: set arbitrator: %w", err)
	}
	return nil
}

func (s *PGStore) SetRuling(ctx context.Context, tx pgx.Tx, id string, ruling Ruling, phase Phase, resolvedAt *time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET ruling_outcome=$2, ruling_share_bps=$3, phase=$4, resolved_at=coalesce($5, resolved_at)
		WHERE id=$1
	`, id, string(ruling.Outcome), ruling.Share(), string(phase), resolvedAt); err != nil {
		return fmt.Errorf("dispute: set ruling: %w", err)
	}
	return nil
}

func (s *PGStore) AppendEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) error {
	const q = `
		INSERT INTO dispute_evidence (id, dispute_id, seq, submitter, payload_ref, submitted_at)
		VALUES ($1, $2, (SELECT coalesce(max(seq),0)+1 FROM dispute_evidence WHERE dispute_id=$2), $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, q, ev.ID, ev.DisputeID, ev.Submitter, ev.PayloadRef, ev.SubmittedAt); err != nil {
		return fmt.Errorf("dispute: append evidence: %w", err)
	}
	return nil
}

func (s *PGStore) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	const q = `
		SELECT id, dispute_id, seq, submitter, payload_ref, submitted_at
		FROM dispute_evidence
		WHERE dispute_id=$1
		ORDER BY seq
	`
	rows, err := s.pool.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.Seq, &ev.Submitter, &ev.PayloadRef, &ev.SubmittedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func (s *PGStore) CountEvidenceBy(ctx context.Context, tx pgx.Tx, disputeID, submitter string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM dispute_evidence WHERE dispute_id=$1 AND submitter=$2
	`, disputeID, submitter).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dispute: count evidence: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListExpiredWindows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const q = `
		SELECT id FROM disputes
		WHERE phase=$1 AND window_ends_at < $2
		ORDER BY window_ends_at
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, q, string(PhaseEvidenceCollection), now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list expired windows: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate ids: %w", err)
	}
	return ids, nil
}
