// Package fraud scores proposed escrow transactions against rule-based risk
// signals. Each signal contributes a configurable weighted increment; the
// aggregate is clamped to [0,1] and mapped to an allow/hold/block
// recommendation by configured cuts. The detector is a pure function of the
// candidate and a history snapshot, which keeps it independently testable.
package fraud

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/intrinsicinvestment91/bitagent/config"
	"github.com/intrinsicinvestment91/bitagent/observability"
)

// Detector evaluates candidates against configured weights and thresholds.
type Detector struct {
	cfg   config.Fraud
	nowFn func() time.Time
}

// NewDetector builds a detector from configuration.
func NewDetector(cfg config.Fraud) *Detector {
	return &Detector{cfg: cfg, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock, for deterministic tests.
func (d *Detector) SetNowFunc(now func() time.Time) {
	if now == nil {
		d.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	d.nowFn = now
}

// Assess produces a fresh risk assessment for the candidate.
func (d *Detector) Assess(candidate Candidate, history History) Assessment {
	signals := map[string]float64{}

	if v := d.velocitySignal(history); v > 0 {
		signals[SignalVelocity] = v
	}
	if v := d.amountSignal(candidate, history); v > 0 {
		signals[SignalAmountAnomaly] = v
	}
	if v := d.newPartySignal(history); v > 0 {
		signals[SignalNewParty] = v
	}
	if v := d.disputeRateSignal(history); v > 0 {
		signals[SignalDisputeRate] = v
	}
	if v := d.trustFloorSignal(history); v > 0 {
		signals[SignalTrustFloor] = v
	}

	var score float64
	for _, v := range signals {
		score += v
	}
	if score > 1 {
		score = 1
	}

	rec := RecommendAllow
	switch {
	case score >= d.cfg.BlockCut:
		rec = RecommendBlock
	case score >= d.cfg.AllowCut:
		rec = RecommendHold
	}

	metrics := observability.Fraud()
	metrics.Verdicts.WithLabelValues(string(rec)).Inc()
	metrics.Scores.Observe(score)

	return Assessment{
		ID:             uuid.NewString(),
		TransactionID:  candidate.TransactionID,
		Score:          score,
		Signals:        signals,
		Recommendation: rec,
		EvaluatedAt:    d.nowFn(),
	}
}

// velocitySignal fires when the payer opened more escrows inside the rolling
// window than the configured maximum.
func (d *Detector) velocitySignal(history History) float64 {
	if d.cfg.VelocityMax <= 0 || history.Payer.OpenedInWindow < d.cfg.VelocityMax {
		return 0
	}
	return d.cfg.VelocityWeight
}

// amountSignal fires when the amount deviates beyond the configured number of
// standard deviations from either party's historical average, or exceeds the
// absolute high-amount threshold.
func (d *Detector) amountSignal(candidate Candidate, history History) float64 {
	if d.cfg.HighAmountSats > 0 && candidate.AmountSats >= d.cfg.HighAmountSats {
		return d.cfg.AmountWeight
	}
	amount := float64(candidate.AmountSats)
	for _, party := range []PartyHistory{history.Payer, history.Payee} {
		if party.Completed == 0 || party.AmountStddev <= 0 {
			continue
		}
		if math.Abs(amount-party.AmountMean) > d.cfg.AmountSigma*party.AmountStddev {
			return d.cfg.AmountWeight
		}
	}
	return 0
}

// newPartySignal fires when either party has fewer completed transactions
// than the configured minimum.
func (d *Detector) newPartySignal(history History) float64 {
	if history.Payer.Completed < d.cfg.MinCompleted || history.Payee.Completed < d.cfg.MinCompleted {
		return d.cfg.NewPartyWeight
	}
	return 0
}

// disputeRateSignal fires when either party's historical dispute rate exceeds
// the configured threshold.
func (d *Detector) disputeRateSignal(history History) float64 {
	if history.Payer.DisputeRate > d.cfg.DisputeRateMax || history.Payee.DisputeRate > d.cfg.DisputeRateMax {
		return d.cfg.DisputeRateWeight
	}
	return 0
}

// trustFloorSignal fires when either party's composite trust score sits below
// the configured floor.
func (d *Detector) trustFloorSignal(history History) float64 {
	if history.Payer.TrustScore < d.cfg.TrustFloor || history.Payee.TrustScore < d.cfg.TrustFloor {
		return d.cfg.TrustFloorWeight
	}
	return 0
}
