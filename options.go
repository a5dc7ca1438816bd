package pmwcas

import "time"

// PoolOption configures how a Pool is opened or created.
type PoolOption func(*poolConfig)

type poolConfig struct {
	capacity   int
	spinRounds int
	backoff    time.Duration
	maxThreads int
	dirtyFlag  bool
	oneWriter  bool
	metrics    *Metrics
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		capacity:   DefaultCapacity,
		spinRounds: DefaultSpinRounds,
		backoff:    DefaultBackoff,
		maxThreads: 128,
		dirtyFlag:  true,
		metrics:    nil,
	}
}

// WithCapacity overrides K, the number of targets a descriptor can
// carry, for a pool being created fresh. Reopening a pool with a
// different K than it was created with is ErrCapacityMismatch.
func WithCapacity(k int) PoolOption {
	return func(c *poolConfig) { c.capacity = k }
}

// WithSpinRounds overrides R, the bounded inner-spin budget the
// Resolver and Target.install use before backing off.
func WithSpinRounds(r int) PoolOption {
	return func(c *poolConfig) { c.spinRounds = r }
}

// WithBackoff overrides B, the Resolver's back-off sleep after the
// inner spin budget is exhausted.
func WithBackoff(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.backoff = d }
}

// WithMaxThreads overrides the pool's descriptor-slot count, for a
// pool being created fresh.
func WithMaxThreads(n int) PoolOption {
	return func(c *poolConfig) { c.maxThreads = n }
}

// WithDirtyFlag records whether a pool uses the dirty-bit PCAS protocol
// in the pool header at creation. OpenPool adopts the stored setting and
// does not compare it with a value passed here. Pcas and Descriptor run
// the dirty-bit protocol either way; the setting does not change the
// algorithm.
func WithDirtyFlag(enabled bool) PoolOption {
	return func(c *poolConfig) { c.dirtyFlag = enabled }
}

// WithOneWriter acquires an exclusive file lock (flock) on a sidecar
// .lock file, ensuring only one writer process at a time. If another
// writer already holds the lock, Open fails with ErrLocked.
func WithOneWriter() PoolOption {
	return func(c *poolConfig) { c.oneWriter = true }
}

// WithMetrics wires a Metrics recorder into the pool. A nil Metrics is
// the default and records nothing.
func WithMetrics(m *Metrics) PoolOption {
	return func(c *poolConfig) { c.metrics = m }
}

func applyOptions(opts []PoolOption) poolConfig {
	cfg := defaultPoolConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}
