package trust

import "time"

// Dimension names one tracked axis of an agent's behaviour.
type Dimension string

const (
	DimensionPaymentReliability Dimension = "payment_reliability"
	DimensionServiceQuality     Dimension = "service_quality"
	DimensionResponseLatency    Dimension = "response_latency"
	DimensionDisputeRate        Dimension = "dispute_rate"
)

// Dimensions lists every tracked dimension in a stable order.
var Dimensions = []Dimension{
	DimensionPaymentReliability,
	DimensionServiceQuality,
	DimensionResponseLatency,
	DimensionDisputeRate,
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionPaymentReliability, DimensionServiceQuality, DimensionResponseLatency, DimensionDisputeRate:
		return true
	default:
		return false
	}
}

// Stat is the running statistic kept per dimension. Observations are raw
// values in [0,1]; for dispute_rate a 1 marks a dispute and a 0 a clean
// outcome, so Decayed is a decayed dispute rate where higher is worse. Every
// other dimension records goodness where higher is better.
type Stat struct {
	Observations int64
	Total        float64
	Decayed      float64
}

// Record is the trust ledger entry for one agent. Composite is always derived
// from Components and never stored independently of them.
type Record struct {
	AgentID     string
	Components  map[Dimension]Stat
	Composite   float64
	LastUpdated time.Time
}

// Rate returns the arithmetic mean of raw observations, or fallback when the
// dimension has no history.
func (s Stat) Rate(fallback float64) float64 {
	if s.Observations == 0 {
		return fallback
	}
	return s.Total / float64(s.Observations)
}
