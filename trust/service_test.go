package trust

import (
	"context"
	"math"
	"testing"

	"github.com/intrinsicinvestment91/bitagent/config"
)

func testTrustConfig() config.Trust {
	return config.Trust{
		Lambda:            0.4,
		NeutralPrior:      0.5,
		ReliabilityWeight: 0.4,
		QualityWeight:     0.3,
		LatencyWeight:     0.1,
		DisputeWeight:     0.2,
	}
}

type fakeTrustRepo struct {
	records map[string]Record
	lambda  float64
}

func newFakeTrustRepo() *fakeTrustRepo {
	return &fakeTrustRepo{records: map[string]Record{}}
}

func (f *fakeTrustRepo) Apply(ctx context.Context, agentID string, dim Dimension, value float64, lambda float64, composite func(map[Dimension]Stat) float64) (Record, error) {
	f.lambda = lambda
	rec, ok := f.records[agentID]
	if !ok {
		rec = Record{AgentID: agentID, Components: map[Dimension]Stat{}}
	}
	stat := rec.Components[dim]
	if stat.Observations == 0 {
		stat.Decayed = value
	} else {
		stat.Decayed = lambda*stat.Decayed + (1-lambda)*value
	}
	stat.Observations++
	stat.Total += value
	rec.Components[dim] = stat
	rec.Composite = composite(rec.Components)
	f.records[agentID] = rec
	return rec, nil
}

func (f *fakeTrustRepo) Get(ctx context.Context, agentID string) (Record, bool, error) {
	rec, ok := f.records[agentID]
	return rec, ok, nil
}

func TestQueryUnknownAgentReturnsNeutralPrior(t *testing.T) {
	ledger := NewLedger(newFakeTrustRepo(), testTrustConfig())

	rec, err := ledger.Query(context.Background(), "agent-unknown")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Composite != 0.5 {
		t.Fatalf("expected neutral composite 0.5, got %v", rec.Composite)
	}
	if len(rec.Components) != 0 {
		t.Fatalf("expected no components for unknown agent")
	}
}

func TestCompositeStaysBounded(t *testing.T) {
	ledger := NewLedger(newFakeTrustRepo(), testTrustConfig())
	ctx := context.Background()

	// All-failure history.
	for i := 0; i < 20; i++ {
		for _, dim := range Dimensions {
			value := 0.0
			if dim == DimensionDisputeRate {
				value = 1.0
			}
			if _, err := ledger.RecordOutcome(ctx, "agent-bad", dim, value); err != nil {
				t.Fatalf("record outcome: %v", err)
			}
		}
	}
	rec, err := ledger.Query(ctx, "agent-bad")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Composite < 0 || rec.Composite > 1 {
		t.Fatalf("composite out of bounds: %v", rec.Composite)
	}
	if rec.Composite > 0.1 {
		t.Fatalf("all-failure history should drive composite near zero, got %v", rec.Composite)
	}

	// All-success history.
	for i := 0; i < 20; i++ {
		for _, dim := range Dimensions {
			value := 1.0
			if dim == DimensionDisputeRate {
				value = 0.0
			}
			if _, err := ledger.RecordOutcome(ctx, "agent-good", dim, value); err != nil {
				t.Fatalf("record outcome: %v", err)
			}
		}
	}
	rec, err = ledger.Query(ctx, "agent-good")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Composite < 0.9 || rec.Composite > 1 {
		t.Fatalf("all-success history should drive composite near one, got %v", rec.Composite)
	}
}

func TestRecentOutcomesDominateDecayedAverage(t *testing.T) {
	repo := newFakeTrustRepo()
	ledger := NewLedger(repo, testTrustConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := ledger.RecordOutcome(ctx, "agent", DimensionPaymentReliability, 1.0); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := ledger.RecordOutcome(ctx, "agent", DimensionPaymentReliability, 0.0); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}

	stat := repo.records["agent"].Components[DimensionPaymentReliability]
	// lambda=0.4: three zeros drop the decayed average to 0.4^3 of its prior.
	want := math.Pow(0.4, 3)
	if math.Abs(stat.Decayed-want) > 1e-9 {
		t.Fatalf("expected decayed average %v, got %v", want, stat.Decayed)
	}
	if stat.Rate(0.5) <= stat.Decayed {
		t.Fatalf("plain mean %v should exceed decayed average %v after recent failures", stat.Rate(0.5), stat.Decayed)
	}
}

func TestRecordOutcomeRejectsBadInput(t *testing.T) {
	ledger := NewLedger(newFakeTrustRepo(), testTrustConfig())
	ctx := context.Background()

	if _, err := ledger.RecordOutcome(ctx, "agent", Dimension("bogus"), 0.5); err == nil {
		t.Fatalf("expected invalid dimension error")
	}
	if _, err := ledger.RecordOutcome(ctx, "agent", DimensionServiceQuality, 1.5); err == nil {
		t.Fatalf("expected out-of-range value error")
	}
	if _, err := ledger.RecordOutcome(ctx, "", DimensionServiceQuality, 0.5); err == nil {
		t.Fatalf("expected missing agent id error")
	}
}

func TestDisputeDimensionLowersComposite(t *testing.T) {
	ledger := NewLedger(newFakeTrustRepo(), testTrustConfig())
	ctx := context.Background()

	clean, err := ledger.RecordOutcome(ctx, "agent-clean", DimensionDisputeRate, 0.0)
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	disputed, err := ledger.RecordOutcome(ctx, "agent-disputed", DimensionDisputeRate, 1.0)
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if disputed.Composite >= clean.Composite {
		t.Fatalf("dispute observation should lower composite: clean=%v disputed=%v", clean.Composite, disputed.Composite)
	}
}
