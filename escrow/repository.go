package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence surface the Manager drives. Mutating calls run
// inside a Manager-owned transaction so the row lock taken by GetForUpdate
// serializes all state changes for one escrow id.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, txn Transaction) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	SetInvoice(ctx context.Context, tx pgx.Tx, id, ref, request string) error
	MarkFunded(ctx context.Context, tx pgx.Tx, id string, fundedAt time.Time) error
	MarkDisputed(ctx context.Context, tx pgx.Tx, id string) error
	MarkTerminal(ctx context.Context, tx pgx.Tx, id string, status Status, resolvedAt time.Time, refundReason *string) error
	ClearHold(ctx context.Context, tx pgx.Tx, id string) error
	UpdateConditions(ctx context.Context, tx pgx.Tx, id string, conditions []Condition) error
	RecordPayoutFault(ctx context.Context, id string, attempts int, fault string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, id, eventType string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ListUnfundedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListPendingFunding(ctx context.Context, limit int) ([]string, error)
	ListReleasableBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// PGStore implements Store against Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds a store over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const escrowColumns = `
	id, payer, payee, arbitrator, amount_sats, fee_sats, conditions, status,
	hold, invoice_ref, invoice_request, payout_attempts, payout_fault,
	refund_reason, created_at, funded_at, resolved_at
`

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, txn Transaction) error {
	conditions, err := json.Marshal(txn.Conditions)
	if err != nil {
		return fmt.Errorf("escrow: marshal conditions: %w", err)
	}
	const q = `
		INSERT INTO escrows (id, payer, payee, amount_sats, fee_sats, conditions, status, hold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	`
	if _, err := tx.Exec(ctx, q,
		txn.ID, txn.Payer, txn.Payee, txn.AmountSats, txn.FeeSats,
		conditions, string(txn.Status), txn.Hold, txn.CreatedAt,
	); err != nil {
		return fmt.Errorf("escrow: insert: %w", err)
	}
	return nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	row := tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=$1 FOR UPDATE`, id)
	return scanTransaction(row)
}

func (s *PGStore) Get(ctx context.Context, id string) (Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=$1`, id)
	return scanTransaction(row)
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn        Transaction
		status     string
		conditions []byte
	)
	err := row.Scan(
		&txn.ID, &txn.Payer, &txn.Payee, &txn.Arbitrator, &txn.AmountSats, &txn.FeeSats,
		&conditions, &status, &txn.Hold, &txn.InvoiceRef, &txn.InvoiceRequest,
		&txn.PayoutAttempts, &txn.PayoutFault, &txn.RefundReason,
		&txn.CreatedAt, &txn.FundedAt, &txn.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: scan: %w", err)
	}
	txn.Status = Status(status)
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &txn.Conditions); err != nil {
			return Transaction{}, fmt.Errorf("escrow: decode conditions: %w", err)
		}
	}
	return txn, nil
}

func (s *PGStore) SetInvoice(ctx context.Context, tx pgx.Tx, id, ref, request string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET invoice_ref=$2, invoice_request=$3 WHERE id=$1
	`, id, ref, request); err != nil {
		return fmt.Errorf("escrow: set invoice: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFunded(ctx context.Context, tx pgx.Tx, id string, fundedAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET status=$2, funded_at=$3 WHERE id=$1
	`, id, string(StatusFunded), fundedAt); err != nil {
		return fmt.Errorf("escrow: mark funded: %w", err)
	}
	return nil
}

func (s *PGStore) MarkDisputed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET status=$2 WHERE id=$1
	`, id, string(StatusDisputed)); err != nil {
		return fmt.Errorf("escrow: mark disputed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkTerminal(ctx context.Context, tx pgx.Tx, id string, status Status, resolvedAt time.Time, refundReason *string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET status=$2, resolved_at=$3, refund_reason=coalesce($4, refund_reason), payout_fault=NULL
		WHERE id=$1
	`, id, string(status), resolvedAt, refundReason); err != nil {
		return fmt.Errorf("escrow: mark terminal: %w", err)
	}
	return nil
}

func (s *PGStore) ClearHold(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE escrows SET hold=false WHERE id=$1`, id); err != nil {
		return fmt.Errorf("escrow: clear hold: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateConditions(ctx context.Context, tx pgx.Tx, id string, conditions []Condition) error {
	payload, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("escrow: marshal conditions: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE escrows SET conditions=$2::jsonb WHERE id=$1`, id, payload); err != nil {
		return fmt.Errorf("escrow: update conditions: %w", err)
	}
	return nil
}

// RecordPayoutFault writes on the pool, outside any transaction. Callers
// must have rolled their transaction back first: this UPDATE targets the
// same escrows row and would queue behind the caller's row lock.
func (s *PGStore) RecordPayoutFault(ctx context.Context, id string, attempts int, fault string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE escrows SET payout_attempts=$2, payout_fault=$3 WHERE id=$1
	`, id, attempts, fault); err != nil {
		return fmt.Errorf("escrow: record payout fault: %w", err)
	}
	return nil
}

func (s *PGStore) AppendEvent(ctx context.Context, tx pgx.Tx, id, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}
	const q = `
		INSERT INTO escrow_events (escrow_id, seq, type, payload)
		VALUES ($1, (SELECT coalesce(max(seq),0)+1 FROM escrow_events WHERE escrow_id=$1), $2, $3::jsonb)
	`
	if _, err := tx.Exec(ctx, q, id, eventType, body); err != nil {
		return fmt.Errorf("escrow: append event: %w", err)
	}
	return nil
}

func (s *PGStore) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

func (s *PGStore) ListUnfundedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM escrows
		WHERE status=$1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, string(StatusCreated), cutoff, limit)
}

func (s *PGStore) ListPendingFunding(ctx context.Context, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM escrows
		WHERE status=$1 AND invoice_ref IS NOT NULL
		ORDER BY created_at
		LIMIT $2
	`, string(StatusCreated), limit)
}

func (s *PGStore) ListReleasableBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM escrows
		WHERE status=$1 AND NOT hold AND funded_at < $2
		ORDER BY funded_at
		LIMIT $3
	`, string(StatusFunded), cutoff, limit)
}

func (s *PGStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate ids: %w", err)
	}
	return ids, nil
}
