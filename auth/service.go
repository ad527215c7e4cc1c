package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals a malformed or wrong API key.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

const keyPrefix = "ba"

// Service issues agent API keys and exchanges them for short-lived JWTs.
type Service struct {
	repo      Repository
	jwtSecret []byte
	nowFn     func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// IssuedKey bundles the one-time plaintext with the stored record.
type IssuedKey struct {
	Plaintext string
	Key       APIKey
}

// IssueKey mints a new API key for the agent. The plaintext is returned once
// and never stored.
func (s *Service) IssueKey(ctx context.Context, agentID string, role Role) (IssuedKey, error) {
	if agentID == "" {
		return IssuedKey{}, fmt.Errorf("auth: agent id required")
	}
	if !isValidRole(role) {
		return IssuedKey{}, fmt.Errorf("auth: invalid role %q", role)
	}

	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return IssuedKey{}, fmt.Errorf("auth: generate secret: %w", err)
	}
	secretHex := hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secretHex), bcrypt.DefaultCost)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("auth: hash secret: %w", err)
	}

	key := APIKey{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Role:       role,
		SecretHash: string(hash),
		CreatedAt:  s.nowFn(),
	}
	if err := s.repo.CreateKey(ctx, key); err != nil {
		return IssuedKey{}, err
	}

	return IssuedKey{
		Plaintext: strings.Join([]string{keyPrefix, key.ID, secretHex}, "_"),
		Key:       key,
	}, nil
}

// Exchange validates an API key and returns a JWT carrying the agent id and
// role. Lookup goes through the key's public id segment, so a wrong secret
// costs one bcrypt comparison and nothing more.
func (s *Service) Exchange(ctx context.Context, plaintext string) (string, error) {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return "", ErrInvalidCredentials
	}

	key, err := s.repo.GetKeyByID(ctx, parts[1])
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(parts[2])); err != nil {
		return "", ErrInvalidCredentials
	}
	if err := s.repo.TouchKey(ctx, key.ID); err != nil {
		return "", err
	}

	token, err := s.generateToken(key.AgentID, key.Role)
	if err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a JWT and returns the agent id and role it carries.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		agentID, ok := claims["agent_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid agent_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
		}
		return agentID, role, nil
	}

	return "", "", fmt.Errorf("auth: invalid token")
}

func (s *Service) generateToken(agentID string, role Role) (string, error) {
	now := s.nowFn()
	claims := jwt.MapClaims{
		"agent_id": agentID,
		"role":     role,
		"exp":      now.Add(24 * time.Hour).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleArbitrator, RoleOperator:
		return true
	default:
		return false
	}
}
