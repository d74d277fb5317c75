package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/config"
)

const (
	DefaultReapInterval = time.Minute
	DefaultReapGrace    = 5 * time.Minute
)

type ownership interface {
	Owns(identity string) bool
}

// Reaper removes worker units that outlived their deadline and that no
// handle of this process supervises, such as units left behind by a
// previous process.
type Reaper struct {
	backend  Backend
	owner    ownership
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewReaper(backend Backend, owner ownership, cfg *config.WorkerConfig, logger *zap.Logger) *Reaper {
	interval := cfg.ReapInterval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	grace := cfg.ReapGrace
	if grace <= 0 {
		grace = DefaultReapGrace
	}
	return &Reaper{
		backend:  backend,
		owner:    owner,
		interval: interval,
		grace:    grace,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.CleanupExpired(ctx, time.Now()); err != nil {
				r.logger.Warn("worker sweep failed", zap.Error(err))
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

func (r *Reaper) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanupExpired stops every unowned unit whose deadline plus the grace
// period is before now, and returns how many were stopped.
func (r *Reaper) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	units, err := r.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}

	reaped := 0
	for _, u := range units {
		if u.Identity == "" || u.Deadline.IsZero() {
			continue
		}
		if r.owner.Owns(u.Identity) || now.Before(u.Deadline.Add(r.grace)) {
			continue
		}

		if err := r.backend.Stop(ctx, u.Identity); err != nil {
			r.logger.Error("failed to remove expired worker",
				zap.String("identity", u.Identity),
				zap.String("unit", u.ID),
				zap.Error(err))
			continue
		}
		r.logger.Info("removed expired worker",
			zap.String("identity", u.Identity),
			zap.String("unit", u.ID),
			zap.Time("deadline", u.Deadline))
		reaped++
	}
	return reaped, nil
}
