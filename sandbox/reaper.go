package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courselab/runbox/config"
)

// Reaper is a background safety net for sessions that escaped normal
// cleanup, e.g. a controller crash mid-session. It periodically removes
// containers carrying the orchestrator's name prefix once they exceed a
// maximum age, and never touches containers outside that prefix.
type Reaper struct {
	logger   *zap.Logger
	engine   *Engine
	prefix   string
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper from configuration
func NewReaper(logger *zap.Logger, cfg *config.Config, engine *Engine) *Reaper {
	return &Reaper{
		logger:   logger,
		engine:   engine,
		prefix:   cfg.Engine.NamePrefix,
		interval: cfg.ReaperInterval(),
		maxAge:   cfg.ReaperMaxAge(),
		now:      time.Now,
	}
}

// Start launches the background sweep loop. Calling Start on a running
// reaper is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Warn("reaper sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Sweep removes all owned containers older than the maximum age and
// returns how many were reaped. It is idempotent: a container already
// gone by removal time is not an error.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	containers, err := r.engine.ListContainers(ctx, r.prefix)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.maxAge)
	reaped := 0
	for _, container := range containers {
		if container.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.engine.RemoveContainer(ctx, container.Name); err != nil {
			r.logger.Warn("failed to reap stale container",
				zap.String("container", container.Name), zap.Error(err))
			continue
		}
		r.logger.Info("reaped stale container",
			zap.String("container", container.Name),
			zap.Time("created_at", container.CreatedAt))
		reaped++
	}

	return reaped, nil
}
