// Package scheduler drives the periodic jobs: the trailing-stop scan and the
// health check. It stands in for external scheduling infrastructure; the jobs
// themselves only see a plain func.
package scheduler

import (
	"context"
	"time"

	"signaltrader/internal/logger"
)

type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewInterval(ctx context.Context, name string, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Name:     name,
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, invoking task every Interval until the context is canceled.
// A slow task delays the next tick rather than overlapping it: position scans
// must not run concurrently with themselves.
func (s *IntervalScheduler) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	logger.Infof("scheduler %s: started interval=%s run_immediately=%v",
		s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task()
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("scheduler %s: ctx done, exit", s.Name)
			return
		case <-ticker.C:
			task()
		}
	}
}
