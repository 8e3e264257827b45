package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"taxosync/internal/job"
	"taxosync/internal/retention"
	"taxosync/internal/syncer"
)

// Planner retention.Evaluator 提供
type Planner interface {
	Plan(ctx context.Context, maxRows int, rep job.Reporter) (retention.PlanResult, error)
}

// Drainer syncer.Worker 提供
type Drainer interface {
	DrainArchive(ctx context.Context, batchSize int, dryRun bool, rep job.Reporter) (syncer.Result, error)
	DrainLabels(ctx context.Context, batchSize int, dryRun bool, rep job.Reporter) (syncer.Result, error)
}

// BulkEnqueuer repository.MessageRepository 提供
type BulkEnqueuer interface {
	EnqueueLabelPushPage(ctx context.Context, afterID int64, limit int) (lastID int64, scanned, inserted int, err error)
	CountAssignedUnarchived(ctx context.Context) (int, error)
}

type Jobs struct {
	Planner      Planner
	Drainer      Drainer
	Bulk         BulkEnqueuer
	PlanMaxRows  int
	BulkPageSize int
	Logger       *zap.Logger
}

// Register 所有 job kind 在这里绑定到各自的 WorkFunc
func (j *Jobs) Register(o *job.Orchestrator) error {
	for _, kind := range job.Kinds {
		fn, err := j.workFor(kind)
		if err != nil {
			return err
		}
		if err := o.Register(kind, fn); err != nil {
			return err
		}
	}
	return nil
}

func (j *Jobs) workFor(kind job.Kind) (job.WorkFunc, error) {
	switch kind {
	case job.KindArchivePlan:
		return j.archivePlan, nil
	case job.KindArchivePush:
		return j.archivePush, nil
	case job.KindLabelPushBulk:
		return j.labelPushBulk, nil
	case job.KindLabelPushIncremental:
		return j.labelPushIncremental, nil
	default:
		return nil, fmt.Errorf("%w: %s", job.ErrUnknownKind, kind)
	}
}

func (j *Jobs) archivePlan(ctx context.Context, r job.Reporter, p job.Params) error {
	maxRows := p.MaxRows
	if maxRows <= 0 {
		maxRows = j.PlanMaxRows
	}
	_, err := j.Planner.Plan(ctx, maxRows, r)
	return err
}

func (j *Jobs) archivePush(ctx context.Context, r job.Reporter, p job.Params) error {
	_, err := j.Drainer.DrainArchive(ctx, p.BatchSize, p.DryRun, r)
	return err
}

func (j *Jobs) labelPushIncremental(ctx context.Context, r job.Reporter, p job.Params) error {
	_, err := j.Drainer.DrainLabels(ctx, p.BatchSize, p.DryRun, r)
	return err
}

// labelPushBulk 先把所有有分配的未归档邮件入队，再 drain label-push outbox。
// dry-run 不入队，只统计当前 outbox。
// drain 阶段的进度接在入队进度之后，processed 在整个任务内不回退。
func (j *Jobs) labelPushBulk(ctx context.Context, r job.Reporter, p job.Params) error {
	var scanned int
	if !p.DryRun {
		n, err := j.enqueueAll(ctx, r, p.MaxRows)
		if err != nil {
			return err
		}
		scanned = n
	}
	_, err := j.Drainer.DrainLabels(ctx, p.BatchSize, p.DryRun, offsetReporter{Reporter: r, offset: scanned})
	return err
}

// offsetReporter 把后续阶段的进度平移到前一阶段之后
type offsetReporter struct {
	job.Reporter
	offset int
}

func (o offsetReporter) SetProgress(processed, total int) {
	if total > 0 {
		total += o.offset
	}
	o.Reporter.SetProgress(processed+o.offset, total)
}

func (j *Jobs) enqueueAll(ctx context.Context, r job.Reporter, maxRows int) (int, error) {
	pageSize := j.BulkPageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	total, err := j.Bulk.CountAssignedUnarchived(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count assigned messages: %w", err)
	}
	if maxRows > 0 && maxRows < total {
		total = maxRows
	}

	r.SetPhase("enqueue")
	r.SetProgress(0, total)
	var (
		after    int64
		scanned  int
		inserted int
	)
	for {
		if err := ctx.Err(); err != nil {
			return scanned, err
		}
		limit := pageSize
		if maxRows > 0 && maxRows-scanned < limit {
			limit = maxRows - scanned
		}
		if limit <= 0 {
			break
		}
		last, n, ins, err := j.Bulk.EnqueueLabelPushPage(ctx, after, limit)
		if err != nil {
			return scanned, fmt.Errorf("failed to enqueue label push page after %d: %w", after, err)
		}
		scanned += n
		inserted += ins
		r.SetProgress(scanned, total)
		if n < limit {
			break
		}
		after = last
	}

	j.Logger.Info("Label push bulk enqueue completed",
		zap.Int("scanned", scanned),
		zap.Int("inserted", inserted),
		zap.Int("already_pending", scanned-inserted),
	)
	return scanned, nil
}
