package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"taxosync/internal/job"
)

// JobRunner job.Orchestrator 提供
type JobRunner interface {
	Start(kind job.Kind, params job.Params) (job.Status, error)
	Get(id string) (job.Status, error)
}

// Sweeper 定期执行 archive-plan，成功后执行 archive-push
type Sweeper struct {
	jobs     JobRunner
	interval time.Duration
	poll     time.Duration
	logger   *zap.Logger
}

func NewSweeper(jobs JobRunner, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{jobs: jobs, interval: interval, poll: time.Second, logger: logger}
}

// Run 阻塞直到 ctx 结束；interval <= 0 时直接返回
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.logger.Info("Retention sweep scheduled", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep 槽位被占用时跳过本轮
func (s *Sweeper) Sweep(ctx context.Context) {
	plan, ok := s.runToEnd(ctx, job.KindArchivePlan)
	if !ok || plan.State != job.StateSucceeded {
		return
	}
	s.runToEnd(ctx, job.KindArchivePush)
}

func (s *Sweeper) runToEnd(ctx context.Context, kind job.Kind) (job.Status, bool) {
	st, err := s.jobs.Start(kind, job.Params{})
	if errors.Is(err, job.ErrJobConflict) {
		s.logger.Info("Retention sweep skipped, slot busy",
			zap.String("kind", string(kind)),
			zap.String("active_job_id", st.ID),
		)
		return job.Status{}, false
	}
	if err != nil {
		s.logger.Error("Retention sweep failed to start job", zap.String("kind", string(kind)), zap.Error(err))
		return job.Status{}, false
	}

	id := st.ID
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for !st.State.Terminal() {
		select {
		case <-ctx.Done():
			return st, false
		case <-ticker.C:
		}
		if st, err = s.jobs.Get(id); err != nil {
			s.logger.Error("Retention sweep lost track of job", zap.String("job_id", id), zap.Error(err))
			return job.Status{}, false
		}
	}
	s.logger.Info("Retention sweep job finished",
		zap.String("job_id", st.ID),
		zap.String("kind", string(kind)),
		zap.String("state", string(st.State)),
	)
	return st, true
}
