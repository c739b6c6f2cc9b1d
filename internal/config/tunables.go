package config

import "sync/atomic"

// Tunables holds the engine limits that may be adjusted at runtime by
// the configuration watcher. Readers load the values atomically on every
// traversal, so a reload takes effect without restarting the service.
type Tunables struct {
	cycleCheckCeiling atomic.Int64
	traversalCeiling  atomic.Int64
}

// NewTunables creates Tunables seeded from the engine configuration.
func NewTunables(cfg EngineConfig) *Tunables {
	t := &Tunables{}
	t.Apply(cfg)
	return t
}

// Apply updates the tunables from the engine configuration. Non-positive
// values are ignored so a partial config cannot disable the ceilings.
func (t *Tunables) Apply(cfg EngineConfig) {
	if cfg.CycleCheckCeiling > 0 {
		t.cycleCheckCeiling.Store(int64(cfg.CycleCheckCeiling))
	}
	if cfg.TraversalCeiling > 0 {
		t.traversalCeiling.Store(int64(cfg.TraversalCeiling))
	}
}

// CycleCheckCeiling returns the current cycle-guard visit ceiling.
func (t *Tunables) CycleCheckCeiling() int {
	return int(t.cycleCheckCeiling.Load())
}

// TraversalCeiling returns the current closure traversal ceiling.
func (t *Tunables) TraversalCeiling() int {
	return int(t.traversalCeiling.Load())
}
