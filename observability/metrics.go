package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks escrow state-machine activity.
type EscrowMetrics struct {
	Transitions   *prometheus.CounterVec
	PayoutRetries prometheus.Counter
	PayoutFaults  prometheus.Counter
	SweepActions  *prometheus.CounterVec
	OpLatency     *prometheus.HistogramVec
}

// FraudMetrics tracks detector verdicts.
type FraudMetrics struct {
	Verdicts *prometheus.CounterVec
	Scores   prometheus.Histogram
}

var (
	escrowOnce sync.Once
	escrowReg  *EscrowMetrics

	fraudOnce sync.Once
	fraudReg  *FraudMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowReg = &EscrowMetrics{
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bitagent",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow state transitions segmented by target state.",
			}, []string{"to"}),
			PayoutRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bitagent",
				Subsystem: "escrow",
				Name:      "payout_retries_total",
				Help:      "Payout attempts that failed and were retried.",
			}),
			PayoutFaults: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bitagent",
				Subsystem: "escrow",
				Name:      "payout_faults_total",
				Help:      "Payouts that exhausted all retry attempts.",
			}),
			SweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bitagent",
				Subsystem: "escrow",
				Name:      "sweep_actions_total",
				Help:      "Timeout sweep outcomes segmented by action.",
			}, []string{"action"}),
			OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bitagent",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of escrow manager operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			escrowReg.Transitions,
			escrowReg.PayoutRetries,
			escrowReg.PayoutFaults,
			escrowReg.SweepActions,
			escrowReg.OpLatency,
		)
	})
	return escrowReg
}

// Fraud returns the lazily-initialised fraud metrics registry.
func Fraud() *FraudMetrics {
	fraudOnce.Do(func() {
		fraudReg = &FraudMetrics{
			Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bitagent",
				Subsystem: "fraud",
				Name:      "verdicts_total",
				Help:      "Risk assessment recommendations segmented by verdict.",
			}, []string{"verdict"}),
			Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bitagent",
				Subsystem: "fraud",
				Name:      "score",
				Help:      "Distribution of aggregate risk scores.",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			}),
		}
		prometheus.MustRegister(fraudReg.Verdicts, fraudReg.Scores)
	})
	return fraudReg
}
