package directory

import "time"

// Agent is one registered participant: a payer, payee or service provider
// known to the platform.
type Agent struct {
	ID            string
	Name          string
	PayoutAddress string
	Services      []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Provider pairs an agent with its composite trust score for ranked listings.
type Provider struct {
	Agent Agent
	Trust float64
}
