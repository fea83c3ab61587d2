package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/icron"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

// Pruner removes terminal jobs older than a cutoff age.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

var _ Pruner = (*jobs.Queue)(nil)

// Retention sweeps old terminal jobs on a cron schedule.
type Retention struct {
	pruner   Pruner
	maxAge   time.Duration
	cronExpr string
	cron     *cron.Cron
	group    singleflight.Group
}

func NewRetention(pruner Pruner, maxAge time.Duration, cronExpr string, c *cron.Cron) *Retention {
	return &Retention{
		pruner:   pruner,
		maxAge:   maxAge,
		cronExpr: cronExpr,
		cron:     c,
	}
}

// Schedule registers the sweep with the cron runner. ctx bounds each sweep.
func (r *Retention) Schedule(ctx context.Context) error {
	log.Info("Scheduling retention sweep %q for jobs older than %s", r.cronExpr, r.maxAge)
	_, err := r.cron.AddFunc(r.cronExpr, func() {
		if _, err := r.Sweep(ctx); err != nil {
			log.Error("Retention sweep failed: %v", err)
		}
	})
	return err
}

// Sweep prunes once. Overlapping calls share a single run.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	v, err, shared := r.group.Do("sweep", func() (any, error) {
		start := time.Now()
		n, err := r.pruner.Prune(ctx, r.maxAge)
		if err != nil {
			return 0, err
		}
		log.Info("Retention sweep removed %d jobs in %s", n, time.Since(start).Round(time.Millisecond))
		return n, nil
	})
	if shared {
		log.Debug("Retention sweep already in progress, joined it")
	}
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// NextRun reports when the sweep fires next relative to now.
func (r *Retention) NextRun(now time.Time) (*icron.TriggerInfo, error) {
	return icron.GetTriggerInfo(r.cronExpr, now)
}
