package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository persists assessments for audit and assembles the history
// snapshots the detector scores against.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository builds a repository over the given pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert stores an assessment. Assessments are append-only.
func (r *PGRepository) Insert(ctx context.Context, a Assessment) error {
	signals, err := json.Marshal(a.Signals)
	if err != nil {
		return fmt.Errorf("fraud: marshal signals: %w", err)
	}
	const q = `
		INSERT INTO risk_assessments (id, transaction_id, score, signals, recommendation, evaluated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`
	if _, err := r.pool.Exec(ctx, q, a.ID, a.TransactionID, a.Score, signals, string(a.Recommendation), a.EvaluatedAt); err != nil {
		return fmt.Errorf("fraud: insert assessment: %w", err)
	}
	return nil
}

// ListByTransaction returns prior assessments for a transaction, newest first.
func (r *PGRepository) ListByTransaction(ctx context.Context, transactionID string) ([]Assessment, error) {
	const q = `
		SELECT id, transaction_id, score, signals, recommendation, evaluated_at
		FROM risk_assessments
		WHERE transaction_id=$1
		ORDER BY evaluated_at DESC
	`
	rows, err := r.pool.Query(ctx, q, transactionID)
	if err != nil {
		return nil, fmt.Errorf("fraud: list assessments: %w", err)
	}
	defer rows.Close()

	out := make([]Assessment, 0, 4)
	for rows.Next() {
		var (
			a       Assessment
			rec     string
			signals []byte
		)
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Score, &signals, &rec, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("fraud: scan assessment: %w", err)
		}
		a.Recommendation = Recommendation(rec)
		if err := json.Unmarshal(signals, &a.Signals); err != nil {
			return nil, fmt.Errorf("fraud: decode signals: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fraud: iterate assessments: %w", err)
	}
	return out, nil
}

// Snapshot assembles one party's behavioural history from the escrows and
// disputes tables. Trust scores are filled in by the caller.
func (r *PGRepository) Snapshot(ctx context.Context, agentID string, velocityWindow time.Duration) (PartyHistory, error) {
	var h PartyHistory

	const q = `
		SELECT
			count(*) FILTER (WHERE payer=$1 AND created_at > now() - make_interval(secs => $2)),
			count(*) FILTER (WHERE status IN ('released','refunded','resolved') AND (payer=$1 OR payee=$1)),
			coalesce(avg(amount_sats) FILTER (WHERE payer=$1 OR payee=$1), 0),
			coalesce(stddev_pop(amount_sats) FILTER (WHERE payer=$1 OR payee=$1), 0),
			count(*) FILTER (WHERE status IN ('disputed','resolved') AND (payer=$1 OR payee=$1))
		FROM escrows
	`
	var disputeCount int
	if err := r.pool.QueryRow(ctx, q, agentID, velocityWindow.Seconds()).Scan(
		&h.OpenedInWindow,
		&h.Completed,
		&h.AmountMean,
		&h.AmountStddev,
		&disputeCount,
	); err != nil {
		return PartyHistory{}, fmt.Errorf("fraud: snapshot %s: %w", agentID, err)
	}

	if h.Completed > 0 {
		h.DisputeRate = float64(disputeCount) / float64(h.Completed)
	}
	return h, nil
}
