package outbox

import (
	"github.com/sourced-io/sourced/bus"
	"github.com/sourced-io/sourced/config"
)

// NewWorkerFromConfig builds a worker from the outbox config section:
// batch_size, lease, max_attempts, and the drain interval used by Run
// and RunPool. Further options apply on top of the configured values.
func NewWorkerFromConfig(store Store, pub bus.Publisher, cfg config.OutboxConfig, opts ...WorkerOption) *Worker {
	var base []WorkerOption
	if cfg.BatchSize > 0 {
		base = append(base, BatchSize(cfg.BatchSize))
	}
	if cfg.MaxAttempts > 0 {
		base = append(base, MaxAttempts(cfg.MaxAttempts))
	}
	base = append(base,
		Lease(cfg.LeaseDuration()),
		Interval(cfg.IntervalDuration()),
	)
	return NewWorker(store, pub, append(base, opts...)...)
}
