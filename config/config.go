package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable for the escrow engine. Detection weights,
// trust decay and escrow windows are deliberately file-driven so operators can
// retune them without a redeploy.
type Config struct {
	DatabaseURL string `toml:"DatabaseURL"`
	JWTSecret   string `toml:"JWTSecret"`
	Environment string `toml:"Environment"`

	Rail   Rail   `toml:"Rail"`
	Escrow Escrow `toml:"Escrow"`
	Fraud  Fraud  `toml:"Fraud"`
	Trust  Trust  `toml:"Trust"`
}

// Rail configures the LNbits payment rail client.
type Rail struct {
	BaseURL string   `toml:"BaseURL"`
	APIKey  string   `toml:"APIKey"`
	Timeout Duration `toml:"Timeout"`
}

// Escrow configures state-machine windows and the payout retry policy.
type Escrow struct {
	// DefaultFeeBps is applied when a caller does not supply an explicit fee.
	DefaultFeeBps int `toml:"DefaultFeeBps"`
	// FundingWindow bounds how long a Created escrow may sit unfunded before
	// the sweep cancels it.
	FundingWindow Duration `toml:"FundingWindow"`
	// ReleaseWindow bounds how long a Funded escrow with satisfied conditions
	// waits for a dispute before the sweep auto-releases it.
	ReleaseWindow  Duration `toml:"ReleaseWindow"`
	SweepInterval  Duration `toml:"SweepInterval"`
	PayoutAttempts int      `toml:"PayoutAttempts"`
	PayoutBackoff  Duration `toml:"PayoutBackoff"`
	EvidenceWindow Duration `toml:"EvidenceWindow"`
}

// Fraud configures signal weights and recommendation cuts.
type Fraud struct {
	AllowCut float64 `toml:"AllowCut"`
	BlockCut float64 `toml:"BlockCut"`

	VelocityWeight    float64 `toml:"VelocityWeight"`
	AmountWeight      float64 `toml:"AmountWeight"`
	NewPartyWeight    float64 `toml:"NewPartyWeight"`
	DisputeRateWeight float64 `toml:"DisputeRateWeight"`
	TrustFloorWeight  float64 `toml:"TrustFloorWeight"`

	VelocityWindow Duration `toml:"VelocityWindow"`
	VelocityMax    int      `toml:"VelocityMax"`
	AmountSigma    float64  `toml:"AmountSigma"`
	HighAmountSats int64    `toml:"HighAmountSats"`
	MinCompleted   int      `toml:"MinCompleted"`
	DisputeRateMax float64  `toml:"DisputeRateMax"`
	TrustFloor     float64  `toml:"TrustFloor"`
}

// Trust configures decay and composite weighting for the trust ledger.
type Trust struct {
	// Lambda is the weight the previous running average keeps on every new
	// observation, in (0,1). Smaller values make recent outcomes dominate.
	Lambda       float64 `toml:"Lambda"`
	NeutralPrior float64 `toml:"NeutralPrior"`

	ReliabilityWeight float64 `toml:"ReliabilityWeight"`
	QualityWeight     float64 `toml:"QualityWeight"`
	LatencyWeight     float64 `toml:"LatencyWeight"`
	DisputeWeight     float64 `toml:"DisputeWeight"`
}

// Duration wraps time.Duration so TOML values can be written as "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding for duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Load reads the TOML file at path, fills defaults and applies environment
// overrides for secrets (DATABASE_URL, LNBITS_API_KEY, JWT_SECRET).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LNBITS_API_KEY"); v != "" {
		cfg.Rail.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the engine defaults. The fraud constants mirror the rules
// the marketplace shipped with: 1M sat high-amount flag, five escrows per
// five-minute window, and a three-completed-transaction floor for new parties.
func Default() *Config {
	return &Config{
		Environment: "dev",
		Rail: Rail{
			BaseURL: "https://legend.lnbits.com",
			Timeout: Duration{15 * time.Second},
		},
		Escrow: Escrow{
			DefaultFeeBps:  100,
			FundingWindow:  Duration{24 * time.Hour},
			ReleaseWindow:  Duration{72 * time.Hour},
			SweepInterval:  Duration{time.Minute},
			PayoutAttempts: 3,
			PayoutBackoff:  Duration{2 * time.Second},
			EvidenceWindow: Duration{48 * time.Hour},
		},
		Fraud: Fraud{
			AllowCut:          0.3,
			BlockCut:          0.7,
			VelocityWeight:    0.8,
			AmountWeight:      0.5,
			NewPartyWeight:    0.2,
			DisputeRateWeight: 0.6,
			TrustFloorWeight:  0.6,
			VelocityWindow:    Duration{5 * time.Minute},
			VelocityMax:       5,
			AmountSigma:       3,
			HighAmountSats:    1_000_000,
			MinCompleted:      3,
			DisputeRateMax:    0.25,
			TrustFloor:        0.2,
		},
		Trust: Trust{
			Lambda:            0.4,
			NeutralPrior:      0.5,
			ReliabilityWeight: 0.4,
			QualityWeight:     0.3,
			LatencyWeight:     0.1,
			DisputeWeight:     0.2,
		},
	}
}

// Validate rejects configurations that would break scoring invariants.
func (c *Config) Validate() error {
	if c.Fraud.AllowCut < 0 || c.Fraud.BlockCut > 1 || c.Fraud.AllowCut >= c.Fraud.BlockCut {
		return fmt.Errorf("config: fraud cuts must satisfy 0 <= AllowCut < BlockCut <= 1")
	}
	if c.Trust.Lambda <= 0 || c.Trust.Lambda >= 1 {
		return fmt.Errorf("config: trust lambda must be in (0,1)")
	}
	if c.Trust.NeutralPrior < 0 || c.Trust.NeutralPrior > 1 {
		return fmt.Errorf("config: neutral prior must be in [0,1]")
	}
	total := c.Trust.ReliabilityWeight + c.Trust.QualityWeight + c.Trust.LatencyWeight + c.Trust.DisputeWeight
	if total <= 0 {
		return fmt.Errorf("config: trust weights must sum to a positive value")
	}
	if c.Escrow.PayoutAttempts <= 0 {
		return fmt.Errorf("config: payout attempts must be positive")
	}
	if strings.TrimSpace(c.Rail.BaseURL) == "" {
		return fmt.Errorf("config: rail base url required")
	}
	return nil
}
