// Package maintenance runs the scheduled store sweep: it closes voice
// session rows whose teardown never ran and deletes ended rows past the
// retention horizon. Aggregates are never touched.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chillpanda/bamboo/internal/config"
	"github.com/chillpanda/bamboo/pkg/store"
)

// sweepTimeout bounds the store work of one scheduled pass.
const sweepTimeout = 5 * time.Minute

// Sweeper owns the cron schedule for the usage store sweep.
type Sweeper struct {
	store store.UsageMaintenance
	cfg   config.MaintenanceConfig
	cron  *cron.Cron
	now   func() time.Time
}

// Option configures a Sweeper beyond its required dependencies.
type Option func(*Sweeper)

// WithClock overrides the sweep's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New builds a Sweeper. The schedule does not run until Start is called.
func New(st store.UsageMaintenance, cfg config.MaintenanceConfig, opts ...Option) *Sweeper {
	s := &Sweeper{store: st, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the sweep on its cron schedule and launches the
// scheduler. An empty schedule disables the sweep.
func (s *Sweeper) Start() error {
	if s.cfg.Schedule == "" {
		slog.Info("maintenance sweep disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	slog.Info("maintenance sweep scheduled", "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.Sweep(ctx)
}

// Sweep runs one pass now and reports how many rows it archived and
// deleted. Store failures are logged, not returned; the next scheduled
// pass retries.
func (s *Sweeper) Sweep(ctx context.Context) (archived, deleted int64) {
	now := s.now().UTC()

	if s.cfg.ArchiveIdleHours > 0 {
		idleSince := now.Add(-time.Duration(s.cfg.ArchiveIdleHours) * time.Hour)
		n, err := s.store.ArchiveIdleSessions(ctx, idleSince)
		if err != nil {
			slog.Error("maintenance: archive idle sessions failed", "err", err)
		} else if n > 0 {
			slog.Info("archived idle voice sessions", "count", n, "idle_since", idleSince)
		}
		archived = n
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
		n, err := s.store.DeleteSessionsEndedBefore(ctx, cutoff)
		if err != nil {
			slog.Error("maintenance: delete expired sessions failed", "err", err)
		} else if n > 0 {
			slog.Info("deleted expired voice sessions", "count", n, "cutoff", cutoff)
		}
		deleted = n
	}

	return archived, deleted
}
