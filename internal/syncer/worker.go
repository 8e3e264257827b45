package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taxosync/internal/job"
	"taxosync/internal/model"
	"taxosync/internal/provider"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/circuitbreaker"
	"taxosync/pkg/metrics"
	"taxosync/pkg/outbox"
)

var (
	// ErrLabelUnresolved taxonomy 标签还没有同步到 provider
	ErrLabelUnresolved = errors.New("taxonomy label has no provider label id")
	// ErrBatchUnavailable 整批调用都因为 provider 不可用而失败
	ErrBatchUnavailable = errors.New("provider unavailable for the whole batch")
)

const (
	DefaultBatchSize   = 100
	MaxBatchSize       = 1000
	DefaultConcurrency = 4
)

// TreeLoader taxonomy.Service 提供
type TreeLoader interface {
	LoadTree(ctx context.Context) (*taxonomy.Tree, error)
}

// AssignmentSource label-push 需要邮件当前的全部分配
type AssignmentSource interface {
	AssignmentsForMessage(ctx context.Context, messageID int64) ([]model.Assignment, error)
}

type Config struct {
	BatchSize   int
	Concurrency int
}

// Result drain 的统计
type Result struct {
	Flavor    outbox.Flavor `json:"flavor"`
	DryRun    bool          `json:"dry_run"`
	Batches   int           `json:"batches"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	// Pending drain 开始时 outbox 中未处理的记录数；dry-run 只抽查第一批，完整规模看这里
	Pending int `json:"pending"`
}

func (r *Result) add(o Result) {
	r.Batches += o.Batches
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// mutation 一条 outbox 记录解析后的 provider 调用
type mutation struct {
	add    []string
	remove []string
	// noop 没有需要推送的标签，直接标记为已处理
	noop bool
}

// Worker 消费两个 outbox。两个 flavor 共用 drain 流程，但解析方式不同
type Worker struct {
	labels      outbox.Store
	archive     outbox.Store
	provider    provider.Provider
	breaker     *circuitbreaker.CircuitBreaker
	tree        TreeLoader
	assignments AssignmentSource
	archiveTag  *ArchiveLabel
	cfg         Config
	logger      *zap.Logger
}

func NewWorker(
	labels, archive outbox.Store,
	p provider.Provider,
	breaker *circuitbreaker.CircuitBreaker,
	tree TreeLoader,
	assignments AssignmentSource,
	archiveTag *ArchiveLabel,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Worker{
		labels:      labels,
		archive:     archive,
		provider:    p,
		breaker:     breaker,
		tree:        tree,
		assignments: assignments,
		archiveTag:  archiveTag,
		cfg:         cfg,
		logger:      logger,
	}
}

// DrainArchive 消费 archive-push outbox
func (w *Worker) DrainArchive(ctx context.Context, batchSize int, dryRun bool, rep job.Reporter) (Result, error) {
	return w.drain(ctx, w.archive, batchSize, dryRun, rep)
}

// DrainLabels 消费 label-push outbox
func (w *Worker) DrainLabels(ctx context.Context, batchSize int, dryRun bool, rep job.Reporter) (Result, error) {
	return w.drain(ctx, w.labels, batchSize, dryRun, rep)
}

// drain 重复领取批次直到 outbox 中没有可领取的记录。
// 单条失败只记录在该记录上；只有 store 错误或整批 provider 不可用才返回 error。
// dry-run 只查看第一批，不调用 provider，也不修改 outbox；待处理总数记在 Result.Pending
// 和进度的 total 中。
func (w *Worker) drain(ctx context.Context, store outbox.Store, batchSize int, dryRun bool, rep job.Reporter) (Result, error) {
	if rep == nil {
		rep = job.NopReporter{}
	}
	if batchSize <= 0 {
		batchSize = w.cfg.BatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	flavor := store.Flavor()
	total := Result{Flavor: flavor, DryRun: dryRun}
	start := time.Now()
	defer func() { metrics.RecordOutboxDrain(string(flavor), time.Since(start)) }()

	pending, err := store.CountPending(ctx)
	if err != nil {
		return total, err
	}
	total.Pending = pending
	rep.SetPhase(string(flavor))
	rep.SetProgress(0, pending)

	res, err := w.newResolver(ctx, flavor, dryRun)
	if err != nil {
		return total, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var entries []outbox.Entry
		if dryRun {
			entries, err = store.NextPendingBatch(ctx, batchSize)
		} else {
			entries, err = store.ClaimPendingBatch(ctx, batchSize)
		}
		if err != nil {
			return total, fmt.Errorf("failed to fetch %s batch: %w", flavor, err)
		}
		if len(entries) == 0 {
			break
		}

		batch, err := w.processBatch(ctx, store, res, entries, dryRun, rep, &total, pending)
		total.add(batch)
		if err != nil {
			return total, err
		}

		w.logger.Info("Outbox batch processed",
			zap.String("flavor", string(flavor)),
			zap.Bool("dry_run", dryRun),
			zap.Int("attempted", batch.Attempted),
			zap.Int("succeeded", batch.Succeeded),
			zap.Int("failed", batch.Failed),
			zap.Int("skipped", batch.Skipped),
		)

		if dryRun {
			break
		}
	}

	w.logger.Info("Outbox drain completed",
		zap.String("flavor", string(flavor)),
		zap.Bool("dry_run", dryRun),
		zap.Int("pending", total.Pending),
		zap.Int("batches", total.Batches),
		zap.Int("attempted", total.Attempted),
		zap.Int("succeeded", total.Succeeded),
		zap.Int("failed", total.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return total, nil
}

// batchState 批内并发计数
type batchState struct {
	mu          sync.Mutex
	res         Result
	unavailable int
}

func (w *Worker) processBatch(
	ctx context.Context,
	store outbox.Store,
	res resolver,
	entries []outbox.Entry,
	dryRun bool,
	rep job.Reporter,
	running *Result,
	pending int,
) (Result, error) {
	flavor := store.Flavor()
	st := &batchState{res: Result{Batches: 1}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			out, itemErr, storeErr := w.processEntry(gctx, store, res, e, dryRun)
			if storeErr != nil {
				return storeErr
			}

			st.mu.Lock()
			delta := job.Counters{}
			switch out {
			case outcomeSucceeded:
				st.res.Attempted++
				st.res.Succeeded++
				delta.Inserted = 1
			case outcomeSkipped:
				st.res.Skipped++
				delta.Skipped = 1
			case outcomeFailed:
				st.res.Attempted++
				st.res.Failed++
				delta.Failed = 1
				if isUnavailable(itemErr) {
					st.unavailable++
				}
			}
			processed := running.Attempted + running.Skipped + st.res.Attempted + st.res.Skipped
			st.mu.Unlock()

			if !dryRun {
				metrics.RecordOutboxResult(string(flavor), out != outcomeFailed)
			}
			if itemErr != nil {
				rep.RecordError(fmt.Sprintf("%s entry %d (message %s): %v", flavor, e.ID, e.ProviderMessageID, itemErr))
			}
			rep.AddCounters(delta)
			rep.SetProgress(processed, pending)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st.res, err
	}

	if st.res.Attempted > 0 && st.res.Succeeded == 0 && st.unavailable == st.res.Failed {
		return st.res, fmt.Errorf("%w: %d %s entries failed", ErrBatchUnavailable, st.res.Failed, flavor)
	}
	return st.res, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// processEntry 返回 (结果, 单条错误, store 错误)。store 错误会终止 drain。
func (w *Worker) processEntry(ctx context.Context, store outbox.Store, res resolver, e outbox.Entry, dryRun bool) (outcome, error, error) {
	m, err := res.resolve(ctx, e)
	if err != nil {
		if dryRun {
			return outcomeFailed, err, nil
		}
		if markErr := store.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			return outcomeFailed, err, markErr
		}
		return outcomeFailed, err, nil
	}

	if m.noop {
		if dryRun {
			return outcomeSkipped, nil, nil
		}
		if err := store.MarkProcessed(ctx, e.ID); err != nil {
			return outcomeSkipped, nil, err
		}
		return outcomeSkipped, nil, nil
	}
	if dryRun {
		return outcomeSucceeded, nil, nil
	}

	callErr := w.breaker.Execute(func() error {
		return w.provider.ModifyMessageLabels(ctx, e.ProviderMessageID, m.add, m.remove)
	})
	if errors.Is(callErr, provider.ErrNotFound) && store.Flavor() == outbox.ArchivePush {
		gone, err := w.recheckArchive(ctx, e, m)
		if gone {
			w.logger.Warn("Message no longer exists at provider, archive entry closed",
				zap.Int64("outbox_id", e.ID),
				zap.String("provider_message_id", e.ProviderMessageID),
			)
			if err := store.MarkProcessed(ctx, e.ID); err != nil {
				return outcomeSkipped, nil, fmt.Errorf("failed to mark %s entry %d processed: %w", store.Flavor(), e.ID, err)
			}
			return outcomeSkipped, nil, nil
		}
		callErr = err
	}
	if callErr != nil {
		if markErr := store.MarkFailed(ctx, e.ID, callErr.Error()); markErr != nil {
			return outcomeFailed, callErr, markErr
		}
		return outcomeFailed, callErr, nil
	}

	// provider 调用成功到这里之间崩溃会导致重复调用，modify 是幂等的
	if err := store.MarkProcessed(ctx, e.ID); err != nil {
		return outcomeSucceeded, nil, fmt.Errorf("failed to mark %s entry %d processed: %w", store.Flavor(), e.ID, err)
	}
	return outcomeSucceeded, nil, nil
}

// recheckArchive archive 调用返回 not found 后重新解析归档标记。
// 标记 id 没变说明是邮件已不存在，返回 gone；标记被重建时用新 id 重试一次。
func (w *Worker) recheckArchive(ctx context.Context, e outbox.Entry, m mutation) (gone bool, err error) {
	stale := ""
	if len(m.add) > 0 {
		stale = m.add[0]
	}
	w.archiveTag.Forget()
	id, err := w.archiveTag.Ensure(ctx)
	if err != nil {
		return false, err
	}
	if id == stale {
		return true, nil
	}

	err = w.breaker.Execute(func() error {
		return w.provider.ModifyMessageLabels(ctx, e.ProviderMessageID, []string{id}, m.remove)
	})
	if errors.Is(err, provider.ErrNotFound) {
		return true, nil
	}
	return false, err
}

func isUnavailable(err error) bool {
	return provider.IsUnavailable(err) || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen)
}

// resolver 把 outbox 记录转换成 provider 调用
type resolver interface {
	resolve(ctx context.Context, e outbox.Entry) (mutation, error)
}

func (w *Worker) newResolver(ctx context.Context, flavor outbox.Flavor, dryRun bool) (resolver, error) {
	switch flavor {
	case outbox.ArchivePush:
		if dryRun {
			return archiveResolver{placeholder: "(" + w.archiveTag.Name() + ")"}, nil
		}
		if _, err := w.archiveTag.Ensure(ctx); err != nil {
			return nil, err
		}
		return archiveResolver{tag: w.archiveTag}, nil
	case outbox.LabelPush:
		tree, err := w.tree.LoadTree(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load taxonomy: %w", err)
		}
		return &labelResolver{tree: tree, assignments: w.assignments}, nil
	default:
		return nil, fmt.Errorf("%w: %s", outbox.ErrUnknownFlavor, flavor)
	}
}

// archiveResolver 固定的归档动作：加归档标记，移出 inbox。
// 每条记录都从 ArchiveLabel 取 id，Forget 之后的记录使用重新解析的标记。
type archiveResolver struct {
	tag         *ArchiveLabel
	placeholder string
}

func (r archiveResolver) resolve(ctx context.Context, _ outbox.Entry) (mutation, error) {
	id := r.placeholder
	if r.tag != nil {
		var err error
		if id, err = r.tag.Ensure(ctx); err != nil {
			return mutation{}, err
		}
	}
	return mutation{add: []string{id}, remove: []string{provider.InboxLabelID}}, nil
}

// labelResolver 把邮件的 taxonomy 分配解析为 provider 标签 id
type labelResolver struct {
	tree        *taxonomy.Tree
	assignments AssignmentSource
}

func (r *labelResolver) resolve(ctx context.Context, e outbox.Entry) (mutation, error) {
	assignments, err := r.assignments.AssignmentsForMessage(ctx, e.MessageID)
	if err != nil {
		return mutation{}, fmt.Errorf("failed to load assignments: %w", err)
	}

	var add []string
	for _, a := range assignments {
		l, ok := r.tree.Label(a.LabelID)
		if !ok || !l.IsActive {
			continue
		}
		if l.ProviderLabelID == nil || *l.ProviderLabelID == "" {
			return mutation{}, fmt.Errorf("%w: %s", ErrLabelUnresolved, taxonomy.ProviderLabelNameIn(r.tree, l))
		}
		add = append(add, *l.ProviderLabelID)
	}
	if len(add) == 0 {
		return mutation{noop: true}, nil
	}
	return mutation{add: add}, nil
}
