package arbitrator

import (
	"context"

	"github.com/intrinsicinvestment91/bitagent/dispute"
)

// PoolLister abstracts repository operations for the selector.
type PoolLister interface {
	ListActive(ctx context.Context, limit int) ([]Profile, error)
}

// TrustScorer ranks candidates by their composite trust score.
type TrustScorer interface {
	CompositeScore(ctx context.Context, agentID string) (float64, error)
}

// Selector picks the most trusted eligible arbitrator for a dispute. Parties
// to the dispute are never eligible to arbitrate it.
type Selector struct {
	repo  PoolLister
	trust TrustScorer
}

// NewSelector builds a Selector over the pool repository and trust ledger.
func NewSelector(repo PoolLister, trust TrustScorer) *Selector {
	return &Selector{repo: repo, trust: trust}
}

// Select returns the id of the highest-trust active arbitrator outside the
// exclusion list, or dispute.ErrNoArbitratorAvailable when the pool has no
// eligible member.
func (s *Selector) Select(ctx context.Context, exclude []string) (string, error) {
	profiles, err := s.repo.ListActive(ctx, 100)
	if err != nil {
		return "", err
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	best := ""
	bestScore := -1.0
	for _, p := range profiles {
		if _, skip := excluded[p.ID]; skip {
			continue
		}
		score, err := s.trust.CompositeScore(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if score > bestScore {
			best = p.ID
			bestScore = score
		}
	}
	if best == "" {
		return "", dispute.ErrNoArbitratorAvailable
	}
	return best, nil
}
