package domain

import (
	"context"
	"time"
)

// UpstreamClient is the capability set the blended backend dispatches
// across. legacy and modern each implement it.
type UpstreamClient interface {
	Name() Backend
	Fetch(ctx context.Context, siteNos []string, modifiedSince *time.Duration) (map[string]GaugeReading, error)
}

// StateStore is the persistence boundary the poll loop writes through.
type StateStore interface {
	Load() (*State, error)
	Save(*State) error
	Lock() error
	Unlock() error
}

// Clock is the time source every learner and the scheduler depend on,
// so tests can drive synthetic sequences of "now".
type Clock interface {
	Now() time.Time
}
