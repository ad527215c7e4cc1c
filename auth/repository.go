package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrKeyNotFound signals that the API key does not exist.
var ErrKeyNotFound = errors.New("auth: api key not found")

// Repository handles credential storage.
type Repository interface {
	CreateKey(ctx context.Context, key APIKey) error
	GetKeyByID(ctx context.Context, id string) (APIKey, error)
	TouchKey(ctx context.Context, id string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateKey inserts a new API key record.
func (r *PGRepository) CreateKey(ctx context.Context, key APIKey) error {
	const insertSQL = `
		INSERT INTO api_keys (id, agent_id, role, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.pool.Exec(ctx, insertSQL, key.ID, key.AgentID, string(key.Role), key.SecretHash, key.CreatedAt); err != nil {
		return fmt.Errorf("auth: create key: %w", err)
	}
	return nil
}

// GetKeyByID retrieves an API key by its public identifier.
func (r *PGRepository) GetKeyByID(ctx context.Context, id string) (APIKey, error) {
	const selectSQL = `
		SELECT id, agent_id, role, secret_hash, created_at, last_used_at
		FROM api_keys
		WHERE id = $1
	`

	var (
		key  APIKey
		role string
	)
	err := r.pool.QueryRow(ctx, selectSQL, id).Scan(
		&key.ID, &key.AgentID, &role, &key.SecretHash, &key.CreatedAt, &key.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrKeyNotFound
		}
		return APIKey{}, fmt.Errorf("auth: get key: %w", err)
	}
	key.Role = Role(role)
	return key, nil
}

// TouchKey records the key's last successful use.
func (r *PGRepository) TouchKey(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("auth: touch key: %w", err)
	}
	return nil
}
