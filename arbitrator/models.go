package arbitrator

import "time"

// Profile captures one member of the arbitrator pool.
type Profile struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}
