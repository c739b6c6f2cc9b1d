package health

import (
	"context"
	"fmt"
	"time"

	"github.com/avauthz/groupd/internal/closure"
	"github.com/avauthz/groupd/internal/graph"
)

// sharedCachePingTimeout bounds the redis probe so a hung connection
// cannot stall the readiness endpoint.
const sharedCachePingTimeout = 2 * time.Second

// GraphCheck probes the graph store. The store is in-memory and cannot
// fail once constructed; the probe reports the committed version so
// operators can compare instances.
func GraphCheck(store *graph.Store) CheckFunc {
	return func() Check {
		return Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("snapshot version %d", store.Version()),
		}
	}
}

// ClosureCacheCheck probes the closure cache and reports its occupancy.
func ClosureCacheCheck(coord *closure.Coordinator) CheckFunc {
	return func() Check {
		hits, misses, size := coord.Stats()
		return Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d entries, %d hits, %d misses", size, hits, misses),
		}
	}
}

// SharedCacheCheck probes the redis closure tier. A failing tier only
// degrades the instance: reads fall back to local recomputation.
func SharedCacheCheck(shared *closure.SharedCache) CheckFunc {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), sharedCachePingTimeout)
		defer cancel()

		if err := shared.Ping(ctx); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
