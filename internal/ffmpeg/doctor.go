package ffmpeg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/clipd/internal/logging"
)

const defaultCacheTTL = 5 * time.Minute

// Prober reports the installed tool's version. *Runner implements it.
type Prober interface {
	Version(ctx context.Context) (string, error)
	Binary() string
}

// CachedDoctor caches tool probes so health checks don't spawn a process on
// every request.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedDoctor creates a caching wrapper around version probes.
func NewCachedDoctor(prober Prober, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CachedDoctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) Capabilities {
	d.mu.RLock()
	if d.cached != nil && d.now().Sub(d.cached.ProbedAt) < d.ttl {
		caps := *d.cached
		d.mu.RUnlock()
		return caps
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Refresh forces a new probe regardless of cache freshness. A failed probe
// keeps serving a previously successful result until the next refresh.
func (d *CachedDoctor) Refresh(ctx context.Context) Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	version, err := d.prober.Version(ctx)
	if err != nil {
		d.logger.Warn("media tool probe failed", "binary", d.prober.Binary(), "error", err)
		if d.cached != nil && d.cached.Available {
			d.logger.Info("returning stale capabilities cache")
			return *d.cached
		}
		d.cached = &Capabilities{
			Available: false,
			Path:      d.prober.Binary(),
			Error:     err.Error(),
			ProbedAt:  d.now(),
		}
		return *d.cached
	}

	d.cached = &Capabilities{
		Available: true,
		Path:      d.prober.Binary(),
		Version:   version,
		ProbedAt:  d.now(),
	}
	return *d.cached
}
