package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taxosync/pkg/metrics"
)

var (
	ErrJobConflict   = errors.New("a job is already running")
	ErrJobNotFound   = errors.New("job not found")
	ErrNotRegistered = errors.New("job kind has no registered work function")
)

// DefaultHistorySize 内存中保留的已结束任务数
const DefaultHistorySize = 50

// Listener 每次状态变更后调用，调用发生在锁外
type Listener func(Status)

// Orchestrator 持有唯一的 "current job" 槽位。
// 所有读取都通过它进行，外部不能直接修改任务状态。
type Orchestrator struct {
	mu        sync.Mutex
	registry  map[Kind]WorkFunc
	current   *Status
	history   map[string]*Status
	order     []string
	maxHist   int
	listeners []Listener

	baseCtx context.Context
	wg      sync.WaitGroup
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrchestrator ctx 取消时正在运行的任务会收到取消信号
func NewOrchestrator(ctx context.Context, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		registry: make(map[Kind]WorkFunc),
		history:  make(map[string]*Status),
		maxHist:  DefaultHistorySize,
		baseCtx:  ctx,
		logger:   logger,
		now:      time.Now,
	}
}

// Register 每个 Kind 只能注册一次
func (o *Orchestrator) Register(kind Kind, fn WorkFunc) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.registry[kind]; ok {
		return fmt.Errorf("job kind %q already registered", kind)
	}
	o.registry[kind] = fn
	return nil
}

// AddListener 注册状态变更监听
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Start 占用槽位并异步运行任务；已有未结束任务时立即返回 ErrJobConflict，不排队
func (o *Orchestrator) Start(kind Kind, params Params) (Status, error) {
	o.mu.Lock()
	fn, ok := o.registry[kind]
	if !ok {
		o.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrNotRegistered, kind)
	}
	if o.current != nil && !o.current.State.Terminal() {
		active := o.current.clone()
		o.mu.Unlock()
		o.logger.Warn("Job start rejected, slot busy",
			zap.String("kind", string(kind)),
			zap.String("active_job_id", active.ID),
			zap.String("active_kind", string(active.Kind)),
		)
		return active, ErrJobConflict
	}

	now := o.now()
	st := &Status{
		ID:        newJobID(now, kind),
		Kind:      kind,
		State:     StateQueued,
		Params:    params,
		StartedAt: now,
		UpdatedAt: now,
		Seq:       1,
	}
	o.current = st
	o.remember(st)
	queued := st.clone()
	listeners := o.listeners

	// queued 之后立即进入 running
	st.State = StateRunning
	st.Seq++
	st.UpdatedAt = o.now()
	running := st.clone()
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.IncrementJobTransition(string(kind), string(StateQueued))
	metrics.IncrementJobTransition(string(kind), string(StateRunning))
	o.logger.Info("Job started",
		zap.String("job_id", st.ID),
		zap.String("kind", string(kind)),
		zap.Int("max_rows", params.MaxRows),
		zap.Int("batch_size", params.BatchSize),
		zap.Bool("dry_run", params.DryRun),
	)
	notify(listeners, queued)
	notify(listeners, running)

	go o.run(st.ID, fn, params)
	return running, nil
}

func (o *Orchestrator) run(id string, fn WorkFunc, params Params) {
	defer o.wg.Done()

	rep := &reporter{o: o, id: id}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return fn(o.baseCtx, rep, params)
	}()

	o.finish(id, err)
}

func (o *Orchestrator) finish(id string, runErr error) {
	o.mu.Lock()
	st, ok := o.history[id]
	if !ok || st.State.Terminal() {
		o.mu.Unlock()
		return
	}
	now := o.now()
	if runErr != nil {
		st.State = StateFailed
		st.Message = runErr.Error()
	} else {
		st.State = StateSucceeded
		if st.Message == "" {
			st.Message = summary(*st)
		}
	}
	st.UpdatedAt = now
	st.FinishedAt = &now
	st.Seq++
	final := st.clone()
	listeners := o.listeners
	o.mu.Unlock()

	metrics.IncrementJobTransition(string(final.Kind), string(final.State))
	fields := []zap.Field{
		zap.String("job_id", final.ID),
		zap.String("kind", string(final.Kind)),
		zap.String("state", string(final.State)),
		zap.Int("processed", final.Progress.Processed),
		zap.Int("inserted", final.Counters.Inserted),
		zap.Int("skipped", final.Counters.Skipped),
		zap.Int("failed", final.Counters.Failed),
		zap.Duration("duration", now.Sub(final.StartedAt)),
	}
	if runErr != nil {
		o.logger.Error("Job failed", append(fields, zap.Error(runErr))...)
	} else {
		o.logger.Info("Job succeeded", fields...)
	}
	notify(listeners, final)
}

// update 在锁内修改任务，结束后的任务不再变化
func (o *Orchestrator) update(id string, mutate func(st *Status) bool) {
	o.mu.Lock()
	st, ok := o.history[id]
	if !ok || st.State.Terminal() {
		o.mu.Unlock()
		return
	}
	if !mutate(st) {
		o.mu.Unlock()
		return
	}
	st.UpdatedAt = o.now()
	st.Seq++
	snap := st.clone()
	listeners := o.listeners
	o.mu.Unlock()

	notify(listeners, snap)
}

// Current 返回当前槽位中的任务（可能已结束），没有任务时 ok 为 false
func (o *Orchestrator) Current() (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Status{}, false
	}
	return o.current.clone(), true
}

// Get 按 id 查询任务状态
func (o *Orchestrator) Get(id string) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.history[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return st.clone(), nil
}

// History 最近的任务，最新的在前
func (o *Orchestrator) History() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.order))
	for i := len(o.order) - 1; i >= 0; i-- {
		out = append(out, o.history[o.order[i]].clone())
	}
	return out
}

// Wait 等待所有已启动的任务结束
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// remember 调用方持有锁
func (o *Orchestrator) remember(st *Status) {
	o.history[st.ID] = st
	o.order = append(o.order, st.ID)
	for len(o.order) > o.maxHist {
		oldest := o.order[0]
		if s := o.history[oldest]; s != nil && !s.State.Terminal() {
			break
		}
		delete(o.history, oldest)
		o.order = o.order[1:]
	}
}

func notify(listeners []Listener, st Status) {
	for _, l := range listeners {
		l(st)
	}
}

func newJobID(now time.Time, kind Kind) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("job-%s-%s-%s", now.UTC().Format("20060102-150405"), kind, suffix)
}

func summary(st Status) string {
	return fmt.Sprintf("processed=%d inserted=%d skipped=%d failed=%d",
		st.Progress.Processed, st.Counters.Inserted, st.Counters.Skipped, st.Counters.Failed)
}

// reporter 绑定到某个任务 id
type reporter struct {
	o  *Orchestrator
	id string
}

func (r *reporter) SetPhase(phase string) {
	r.o.update(r.id, func(st *Status) bool {
		if st.Phase == phase {
			return false
		}
		st.Phase = phase
		return true
	})
}

func (r *reporter) SetProgress(processed, total int) {
	r.o.update(r.id, func(st *Status) bool {
		if processed < st.Progress.Processed {
			processed = st.Progress.Processed
		}
		var t *int
		if total > 0 {
			t = &total
		} else {
			t = st.Progress.Total
		}
		st.Progress.Processed = processed
		st.Progress.Total = t
		st.Progress.Percent = computePercent(processed, t)
		return true
	})
}

func (r *reporter) AddCounters(delta Counters) {
	if delta == (Counters{}) {
		return
	}
	r.o.update(r.id, func(st *Status) bool {
		st.Counters.Inserted += delta.Inserted
		st.Counters.Skipped += delta.Skipped
		st.Counters.Failed += delta.Failed
		return true
	})
}

func (r *reporter) RecordError(sample string) {
	r.o.update(r.id, func(st *Status) bool {
		if len(st.ErrorSamples) >= MaxErrorSamples {
			return false
		}
		st.ErrorSamples = append(st.ErrorSamples, sample)
		return true
	})
}
