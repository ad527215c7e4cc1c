package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested agent does not exist.
var ErrNotFound = errors.New("directory: agent not found")

// Repository persists agent registrations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const agentColumns = `id, name, payout_address, services, created_at, updated_at`

// Create inserts a new agent registration.
func (r *Repository) Create(ctx context.Context, a Agent) error {
	const query = `
		INSERT INTO agents (id, name, payout_address, services, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`
	if _, err := r.pool.Exec(ctx, query, a.ID, a.Name, a.PayoutAddress, a.Services, a.CreatedAt); err != nil {
		return fmt.Errorf("directory: create agent: %w", err)
	}
	return nil
}

// GetByID fetches an agent by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)

	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.PayoutAddress, &a.Services, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("directory: query agent: %w", err)
	}
	return a, nil
}

// UpdatePayoutAddress replaces the agent's rail destination.
func (r *Repository) UpdatePayoutAddress(ctx context.Context, id, address string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET payout_address = $2, updated_at = now() WHERE id = $1
	`, id, address)
	if err != nil {
		return fmt.Errorf("directory: update payout address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByService fetches agents offering the named service.
func (r *Repository) ListByService(ctx context.Context, service string, limit int) ([]Agent, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, name, payout_address, services, created_at, updated_at
		FROM agents
		WHERE $1 = ANY(services)
		ORDER BY name ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, service, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: list by service: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0, limit)
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.PayoutAddress, &a.Services, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("directory: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate agents: %w", err)
	}
	return agents, nil
}
