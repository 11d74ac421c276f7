package state

import (
	"context"
	"time"

	"github.com/relaycore/relaycore"
)

// Manager stores the small amount of relay state that must survive outside
// a single controller instance: emergency route-disable windows and cached
// cost-profile snapshots. The in-memory implementation is appropriate for a
// single service instance; the Valkey implementation shares disable windows
// across horizontally scaled deployments.
type Manager interface {
	// Checks if the route is allowed to be used. If not, returns false and
	// the duration to wait before retrying.
	Allow(ctx context.Context, route relaycore.Route) (bool, time.Duration, error)

	// Disables the route for a given duration.
	Disable(ctx context.Context, route relaycore.Route, duration time.Duration) error

	// Saves the cache for a given key with a given duration.
	SaveCache(ctx context.Context, key string, value []byte, duration time.Duration) error

	// Loads the cache for a given key. Returns nil without error on miss.
	LoadCache(ctx context.Context, key string) ([]byte, error)
}
