package scratch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Janitor periodically sweeps job directories that outlived maxAge, e.g. when
// a Release failed. maxAge must exceed the longest a live job can go without
// touching its directory.
type Janitor struct {
	manager  *Manager
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
	running  atomic.Bool
	swept    atomic.Int64
}

func NewJanitor(manager *Manager, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		manager:  manager,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Start sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	if j.running.Swap(true) {
		return
	}
	defer j.running.Store(false)

	j.logger.Info("scratch janitor started", "interval", j.interval, "max_age", j.maxAge)
	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("scratch janitor stopping")
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) IsRunning() bool {
	return j.running.Load()
}

// Swept returns the number of directories removed since start.
func (j *Janitor) Swept() int64 {
	return j.swept.Load()
}

func (j *Janitor) sweep() {
	n, err := j.manager.Sweep(j.maxAge)
	if err != nil {
		j.logger.Warn("scratch sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.swept.Add(int64(n))
		j.logger.Info("removed stale scratch dirs", "count", n)
	}
}
