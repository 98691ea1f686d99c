package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPruneEvery is how often the event log is pruned when retention is on.
const DefaultPruneEvery = time.Hour

// EventPruner trims the audit log.
type EventPruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

type retention struct {
	pruner EventPruner
	keep   time.Duration
	every  time.Duration
	last   time.Time
}

// WithRetention makes the loop delete event streams idle for longer than keep
// and vacuum the database afterwards. A non-positive keep disables pruning.
func (s *Scheduler) WithRetention(p EventPruner, keep time.Duration) *Scheduler {
	s.retention = &retention{pruner: p, keep: keep, every: DefaultPruneEvery}
	return s
}

// prune runs at most once per retention.every.
func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	r := s.retention
	if r == nil || r.pruner == nil || r.keep <= 0 {
		return
	}
	if !r.last.IsZero() && now.Sub(r.last) < r.every {
		return
	}
	r.last = now

	n, err := r.pruner.PruneEvents(ctx, now.Add(-r.keep))
	if err != nil {
		s.logger.Error("failed to prune events", slog.String("error", err.Error()))
		return
	}
	if n == 0 {
		return
	}
	s.logger.Info("pruned events", slog.Int64("count", n), slog.Duration("retention", r.keep))
	if err := r.pruner.Vacuum(ctx); err != nil {
		s.logger.Warn("vacuum after prune failed", slog.String("error", err.Error()))
	}
}
