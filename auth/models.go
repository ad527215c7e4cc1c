package auth

import "time"

type Role string

const (
	RoleAgent      Role = "agent"
	RoleArbitrator Role = "arbitrator"
	RoleOperator   Role = "operator"
)

// APIKey is the stored credential for one agent. Only the bcrypt hash of the
// secret is persisted; the plaintext is shown once at issue time.
type APIKey struct {
	ID         string
	AgentID    string
	Role       Role
	SecretHash string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
