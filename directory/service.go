package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoPayoutAddress signals an agent registered without a rail destination.
var ErrNoPayoutAddress = errors.New("directory: agent has no payout address")

// AgentStore abstracts repository operations for the service.
type AgentStore interface {
	Create(ctx context.Context, a Agent) error
	GetByID(ctx context.Context, id string) (Agent, error)
	UpdatePayoutAddress(ctx context.Context, id, address string) error
	ListByService(ctx context.Context, service string, limit int) ([]Agent, error)
}

// TrustScorer supplies composite trust scores for ranked listings.
type TrustScorer interface {
	CompositeScore(ctx context.Context, agentID string) (float64, error)
}

// Service exposes agent registration, payout-destination lookup and
// trust-ranked provider discovery.
type Service struct {
	repo  AgentStore
	trust TrustScorer
	nowFn func() time.Time
}

// NewService builds the directory service.
func NewService(repo AgentStore, trust TrustScorer) *Service {
	return &Service{
		repo:  repo,
		trust: trust,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// RegisterParams describes a new agent.
type RegisterParams struct {
	Name          string
	PayoutAddress string
	Services      []string
}

// Register creates a new agent record and returns it.
func (s *Service) Register(ctx context.Context, p RegisterParams) (Agent, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return Agent{}, fmt.Errorf("directory: agent name required")
	}

	a := Agent{
		ID:            uuid.NewString(),
		Name:          name,
		PayoutAddress: strings.TrimSpace(p.PayoutAddress),
		Services:      p.Services,
		CreatedAt:     s.nowFn(),
	}
	a.UpdatedAt = a.CreatedAt
	if err := s.repo.Create(ctx, a); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// Get returns the agent record.
func (s *Service) Get(ctx context.Context, id string) (Agent, error) {
	return s.repo.GetByID(ctx, id)
}

// SetPayoutAddress updates where the rail delivers the agent's funds.
func (s *Service) SetPayoutAddress(ctx context.Context, id, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("directory: payout address required")
	}
	return s.repo.UpdatePayoutAddress(ctx, id, address)
}

// PayoutDestination resolves an agent id to its rail destination. The escrow
// engine calls this before every payout.
func (s *Service) PayoutDestination(ctx context.Context, agentID string) (string, error) {
	a, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		return "", err
	}
	if a.PayoutAddress == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPayoutAddress, agentID)
	}
	return a.PayoutAddress, nil
}

// ListProviders returns agents offering the named service, ordered by
// descending composite trust score.
func (s *Service) ListProviders(ctx context.Context, service string, limit int) ([]Provider, error) {
	agents, err := s.repo.ListByService(ctx, service, limit)
	if err != nil {
		return nil, err
	}

	providers := make([]Provider, 0, len(agents))
	for _, a := range agents {
		score, err := s.trust.CompositeScore(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		providers = append(providers, Provider{Agent: a, Trust: score})
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Trust > providers[j].Trust
	})
	return providers, nil
}
