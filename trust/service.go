package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intrinsicinvestment91/bitagent/config"
)

var (
	// ErrInvalidDimension signals an unknown trust dimension.
	ErrInvalidDimension = errors.New("trust: invalid dimension")
	// ErrInvalidValue signals an observation outside [0,1].
	ErrInvalidValue = errors.New("trust: observation must be in [0,1]")
)

// Repository is the persistence surface the ledger needs. Implementations
// must serialize concurrent updates to the same agent id.
type Repository interface {
	// Apply folds one observation into the agent's component statistics and
	// persists the recomputed composite, all within a single transaction. It
	// returns the post-update record.
	Apply(ctx context.Context, agentID string, dim Dimension, value float64, lambda float64, composite func(map[Dimension]Stat) float64) (Record, error)
	// Get returns the stored record for the agent, reporting found=false when
	// the agent has no history yet.
	Get(ctx context.Context, agentID string) (Record, bool, error)
}

// Ledger maintains decayed per-agent trust scores. Absence of history is a
// valid state: queries for unknown agents synthesize a neutral record instead
// of failing.
type Ledger struct {
	repo Repository
	cfg  config.Trust
}

// NewLedger constructs a ledger over the given storage backend.
func NewLedger(repo Repository, cfg config.Trust) *Ledger {
	return &Ledger{repo: repo, cfg: cfg}
}

// RecordOutcome folds a single observation into the agent's running decayed
// average for the dimension and recomputes the composite score.
func (l *Ledger) RecordOutcome(ctx context.Context, agentID string, dim Dimension, value float64) (Record, error) {
	if agentID == "" {
		return Record{}, fmt.Errorf("trust: agent id required")
	}
	if !dim.Valid() {
		return Record{}, fmt.Errorf("%w: %s", ErrInvalidDimension, dim)
	}
	if value < 0 || value > 1 {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}
	return l.repo.Apply(ctx, agentID, dim, value, l.cfg.Lambda, l.Composite)
}

// Query returns the agent's record, or a synthesized neutral record when the
// agent has never transacted.
func (l *Ledger) Query(ctx context.Context, agentID string) (Record, error) {
	if agentID == "" {
		return Record{}, fmt.Errorf("trust: agent id required")
	}
	rec, found, err := l.repo.Get(ctx, agentID)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return l.Neutral(agentID), nil
	}
	return rec, nil
}

// CompositeScore returns just the composite for ranking callers.
func (l *Ledger) CompositeScore(ctx context.Context, agentID string) (float64, error) {
	rec, err := l.Query(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return rec.Composite, nil
}

// Neutral builds the record handed out for agents with no history.
func (l *Ledger) Neutral(agentID string) Record {
	return Record{
		AgentID:     agentID,
		Components:  map[Dimension]Stat{},
		Composite:   l.cfg.NeutralPrior,
		LastUpdated: time.Time{},
	}
}

// Composite deterministically combines component statistics into a [0,1]
// score. Unseen dimensions contribute the neutral prior so new agents are not
// penalized for having no history. The dispute dimension counts against the
// agent, so its contribution is inverted.
func (l *Ledger) Composite(components map[Dimension]Stat) float64 {
	weights := map[Dimension]float64{
		DimensionPaymentReliability: l.cfg.ReliabilityWeight,
		DimensionServiceQuality:     l.cfg.QualityWeight,
		DimensionResponseLatency:    l.cfg.LatencyWeight,
		DimensionDisputeRate:        l.cfg.DisputeWeight,
	}

	var weighted, total float64
	for _, dim := range Dimensions {
		w := weights[dim]
		if w <= 0 {
			continue
		}
		contribution := l.cfg.NeutralPrior
		if stat, ok := components[dim]; ok && stat.Observations > 0 {
			contribution = stat.Decayed
			if dim == DimensionDisputeRate {
				contribution = 1 - stat.Decayed
			}
		}
		weighted += w * contribution
		total += w
	}
	if total == 0 {
		return l.cfg.NeutralPrior
	}

	score := weighted / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
