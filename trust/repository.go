package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository persists trust records in Postgres. The trust_records row is
// locked for the duration of an update so concurrent observations for the
// same agent fold in one at a time.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository builds a repository over the given pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Apply folds one observation into the agent's component statistics inside a
// single transaction and persists the recomputed composite.
func (r *PGRepository) Apply(ctx context.Context, agentID string, dim Dimension, value float64, lambda float64, composite func(map[Dimension]Stat) float64) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("trust: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize per-agent updates on the trust_records row. The composite is
	// recomputed below before this transaction commits.
	if _, err := tx.Exec(ctx, `
		INSERT INTO trust_records (agent_id, composite, last_updated)
		VALUES ($1, 0, now())
		ON CONFLICT (agent_id) DO NOTHING
	`, agentID); err != nil {
		return Record{}, fmt.Errorf("trust: ensure record: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM trust_records WHERE agent_id=$1 FOR UPDATE`, agentID); err != nil {
		return Record{}, fmt.Errorf("trust: lock record: %w", err)
	}

	const upsert = `
		INSERT INTO trust_components (agent_id, dimension, observations, total, decayed)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (agent_id, dimension) DO UPDATE
		SET observations = trust_components.observations + 1,
		    total = trust_components.total + $3,
		    decayed = $4 * trust_components.decayed + (1 - $4) * $3
	`
	if _, err := tx.Exec(ctx, upsert, agentID, string(dim), value, lambda); err != nil {
		return Record{}, fmt.Errorf("trust: upsert component: %w", err)
	}

	components, err := loadComponents(ctx, tx, agentID)
	if err != nil {
		return Record{}, err
	}

	score := composite(components)
	var updated time.Time
	if err := tx.QueryRow(ctx, `
		UPDATE trust_records
		SET composite=$2, last_updated=now()
		WHERE agent_id=$1
		RETURNING last_updated
	`, agentID, score).Scan(&updated); err != nil {
		return Record{}, fmt.Errorf("trust: update composite: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("trust: commit: %w", err)
	}

	return Record{
		AgentID:     agentID,
		Components:  components,
		Composite:   score,
		LastUpdated: updated,
	}, nil
}

// Get returns the stored record for the agent.
func (r *PGRepository) Get(ctx context.Context, agentID string) (Record, bool, error) {
	var rec Record
	err := r.pool.QueryRow(ctx, `
		SELECT agent_id, composite, last_updated
		FROM trust_records
		WHERE agent_id=$1
	`, agentID).Scan(&rec.AgentID, &rec.Composite, &rec.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("trust: get record: %w", err)
	}

	components, err := loadComponents(ctx, r.pool, agentID)
	if err != nil {
		return Record{}, false, err
	}
	rec.Components = components
	return rec, true, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadComponents(ctx context.Context, q querier, agentID string) (map[Dimension]Stat, error) {
	rows, err := q.Query(ctx, `
		SELECT dimension, observations, total, decayed
		FROM trust_components
		WHERE agent_id=$1
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("trust: load components: %w", err)
	}
	defer rows.Close()

	components := make(map[Dimension]Stat, len(Dimensions))
	for rows.Next() {
		var (
			dim  string
			stat Stat
		)
		if err := rows.Scan(&dim, &stat.Observations, &stat.Total, &stat.Decayed); err != nil {
			return nil, fmt.Errorf("trust: scan component: %w", err)
		}
		components[Dimension(dim)] = stat
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trust: iterate components: %w", err)
	}
	return components, nil
}
