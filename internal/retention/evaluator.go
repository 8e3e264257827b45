package retention

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"taxosync/internal/job"
	"taxosync/internal/model"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/metrics"
	"taxosync/pkg/outbox"
)

const (
	DefaultPageSize  = 500
	DefaultMaxRows   = 5000
	MaxRowsLimit     = 5000000
	MaxPreviewSample = 200
)

// Store 评估器只读取邮件，只写 archive outbox
type Store interface {
	ListUnarchivedAssignments(ctx context.Context, afterID int64, limit int) ([]model.MessageAssignments, error)
	// EnqueueArchive 必须在单个事务中完成，出错时不留下部分写入
	EnqueueArchive(ctx context.Context, messageIDs []int64, reason string) (int, error)
	CountPendingArchive(ctx context.Context) (int, error)
}

// TreeSource taxonomy.Service 提供
type TreeSource interface {
	LoadTree(ctx context.Context) (*taxonomy.Tree, error)
	DefaultRetentionDays(ctx context.Context) (int, error)
}

// Candidate 满足归档条件的邮件
type Candidate struct {
	MessageID         int64     `json:"message_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Subject           string    `json:"subject"`
	FromDomain        string    `json:"from_domain"`
	GoverningLabelID  int64     `json:"governing_label_id"`
	GoverningLabel    string    `json:"governing_label"`
	RetentionDays     int       `json:"retention_days"`
	EligibleAt        time.Time `json:"eligible_at"`
	AssignmentCount   int       `json:"assignment_count"`
}

type PlanResult struct {
	Scanned         int `json:"scanned"`
	Candidates      int `json:"candidates"`
	Planned         int `json:"planned"`
	SkippedExisting int `json:"skipped_existing"`
	Unresolved      int `json:"unresolved"`
	PendingOutbox   int `json:"pending_outbox"`
}

type PreviewResult struct {
	Scanned       int         `json:"scanned"`
	EligibleCount int         `json:"eligible_count"`
	Unresolved    int         `json:"unresolved"`
	DefaultDays   int         `json:"retention_default_days"`
	Sample        []Candidate `json:"sample"`
}

type Evaluator struct {
	store    Store
	tree     TreeSource
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

func NewEvaluator(store Store, tree TreeSource, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:    store,
		tree:     tree,
		pageSize: DefaultPageSize,
		logger:   logger,
		now:      time.Now,
	}
}

type scanStats struct {
	scanned    int
	unresolved int
}

// scan 遍历未归档邮件，对每个满足条件的候选调用 visit；visit 返回 false 停止
func (e *Evaluator) scan(ctx context.Context, rep job.Reporter, visit func(Candidate) bool) (scanStats, int, error) {
	var stats scanStats

	tree, err := e.tree.LoadTree(ctx)
	if err != nil {
		return stats, 0, err
	}
	defaultDays, err := e.tree.DefaultRetentionDays(ctx)
	if err != nil {
		return stats, 0, err
	}

	now := e.now()
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return stats, defaultDays, err
		}
		page, err := e.store.ListUnarchivedAssignments(ctx, afterID, e.pageSize)
		if err != nil {
			return stats, defaultDays, fmt.Errorf("failed to scan messages: %w", err)
		}
		if len(page) == 0 {
			return stats, defaultDays, nil
		}

		for _, ma := range page {
			afterID = ma.Message.ID
			stats.scanned++

			el, ok := taxonomy.EligibleAt(ma.Assignments, tree, defaultDays)
			if !ok {
				stats.unresolved++
				continue
			}
			if now.Before(el.EligibleAt) {
				continue
			}
			c := Candidate{
				MessageID:         ma.Message.ID,
				ProviderMessageID: ma.Message.ProviderMessageID,
				Subject:           ma.Message.Subject,
				FromDomain:        ma.Message.FromDomain,
				GoverningLabelID:  el.GoverningLabel,
				RetentionDays:     el.RetentionDays,
				EligibleAt:        el.EligibleAt,
				AssignmentCount:   el.AssignmentCount,
			}
			if l, ok := tree.Label(el.GoverningLabel); ok {
				c.GoverningLabel = taxonomy.ProviderLabelNameIn(tree, l)
			}
			if !visit(c) {
				return stats, defaultDays, nil
			}
		}
		rep.SetProgress(stats.scanned, 0)

		if len(page) < e.pageSize {
			return stats, defaultDays, nil
		}
	}
}

// Plan 扫描满足条件的邮件并写入 archive outbox。
// 写入在一个事务中完成；store 不可用时整体失败，不产生部分写入。
func (e *Evaluator) Plan(ctx context.Context, maxRows int, rep job.Reporter) (PlanResult, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if maxRows > MaxRowsLimit {
		maxRows = MaxRowsLimit
	}
	if rep == nil {
		rep = job.NopReporter{}
	}

	rep.SetPhase("scan")
	var ids []int64
	stats, _, err := e.scan(ctx, rep, func(c Candidate) bool {
		ids = append(ids, c.MessageID)
		return len(ids) < maxRows
	})
	if err != nil {
		return PlanResult{}, err
	}

	rep.SetPhase("enqueue")
	inserted, err := e.store.EnqueueArchive(ctx, ids, outbox.ReasonRetentionDue)
	if err != nil {
		return PlanResult{}, fmt.Errorf("failed to enqueue archive candidates: %w", err)
	}
	pending, err := e.store.CountPendingArchive(ctx)
	if err != nil {
		return PlanResult{}, fmt.Errorf("failed to count pending archive entries: %w", err)
	}

	res := PlanResult{
		Scanned:         stats.scanned,
		Candidates:      len(ids),
		Planned:         inserted,
		SkippedExisting: len(ids) - inserted,
		Unresolved:      stats.unresolved,
		PendingOutbox:   pending,
	}
	metrics.AddRetentionPlanned(inserted)
	rep.SetProgress(stats.scanned, stats.scanned)
	rep.AddCounters(job.Counters{Inserted: res.Planned, Skipped: res.SkippedExisting})

	e.logger.Info("Archive plan completed",
		zap.Int("scanned", res.Scanned),
		zap.Int("candidates", res.Candidates),
		zap.Int("planned", res.Planned),
		zap.Int("skipped_existing", res.SkippedExisting),
		zap.Int("unresolved", res.Unresolved),
		zap.Int("pending_outbox", res.PendingOutbox),
		zap.Int("max_rows", maxRows),
	)
	return res, nil
}

// Preview 只读，统计满足条件的邮件并返回最多 sampleLimit 个样本（最近满足条件的在前）
func (e *Evaluator) Preview(ctx context.Context, sampleLimit int) (PreviewResult, error) {
	if sampleLimit < 0 {
		sampleLimit = 0
	}
	if sampleLimit > MaxPreviewSample {
		sampleLimit = MaxPreviewSample
	}
	res := PreviewResult{Sample: []Candidate{}}
	stats, defaultDays, err := e.scan(ctx, job.NopReporter{}, func(c Candidate) bool {
		res.EligibleCount++
		i := sort.Search(len(res.Sample), func(i int) bool {
			return res.Sample[i].EligibleAt.Before(c.EligibleAt)
		})
		if i < sampleLimit {
			res.Sample = slices.Insert(res.Sample, i, c)
			if len(res.Sample) > sampleLimit {
				res.Sample = res.Sample[:sampleLimit]
			}
		}
		return true
	})
	if err != nil {
		return PreviewResult{}, err
	}
	res.Scanned = stats.scanned
	res.Unresolved = stats.unresolved
	res.DefaultDays = defaultDays
	return res, nil
}
