package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taxosync/internal/job"
	"taxosync/internal/retention"
	"taxosync/internal/syncer"
)

type fakePlanner struct {
	mu      sync.Mutex
	maxRows []int
	err     error
}

func (f *fakePlanner) Plan(_ context.Context, maxRows int, r job.Reporter) (retention.PlanResult, error) {
	f.mu.Lock()
	f.maxRows = append(f.maxRows, maxRows)
	f.mu.Unlock()
	r.AddCounters(job.Counters{Inserted: 2})
	return retention.PlanResult{Planned: 2}, f.err
}

type drainCall struct {
	flavor    string
	batchSize int
	dryRun    bool
}

type fakeDrainer struct {
	mu    sync.Mutex
	calls []drainCall
	block chan struct{}
	// report 在 DrainLabels 中调用，模拟 worker 的进度上报
	report func(r job.Reporter)
}

func (f *fakeDrainer) record(c drainCall) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeDrainer) DrainArchive(_ context.Context, batchSize int, dryRun bool, _ job.Reporter) (syncer.Result, error) {
	f.record(drainCall{"archive", batchSize, dryRun})
	return syncer.Result{}, nil
}

func (f *fakeDrainer) DrainLabels(_ context.Context, batchSize int, dryRun bool, r job.Reporter) (syncer.Result, error) {
	f.record(drainCall{"labels", batchSize, dryRun})
	if f.report != nil {
		f.report(r)
	}
	return syncer.Result{}, nil
}

func (f *fakeDrainer) seen() []drainCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]drainCall(nil), f.calls...)
}

// fakeBulk 模拟 message id 1..n 都有分配
type fakeBulk struct {
	n      int
	limits []int
}

func (f *fakeBulk) EnqueueLabelPushPage(_ context.Context, afterID int64, limit int) (int64, int, int, error) {
	f.limits = append(f.limits, limit)
	count := 0
	last := afterID
	for id := afterID + 1; id <= int64(f.n) && count < limit; id++ {
		count++
		last = id
	}
	return last, count, count, nil
}

func (f *fakeBulk) CountAssignedUnarchived(context.Context) (int, error) {
	return f.n, nil
}

func newJobs(planner *fakePlanner, drainer *fakeDrainer, bulk *fakeBulk) (*job.Orchestrator, *Jobs) {
	o := job.NewOrchestrator(context.Background(), zap.NewNop())
	j := &Jobs{
		Planner:      planner,
		Drainer:      drainer,
		Bulk:         bulk,
		PlanMaxRows:  5000,
		BulkPageSize: 4,
		Logger:       zap.NewNop(),
	}
	return o, j
}

func runJob(t *testing.T, o *job.Orchestrator, kind job.Kind, p job.Params) job.Status {
	t.Helper()
	st, err := o.Start(kind, p)
	require.NoError(t, err)
	o.Wait()
	final, err := o.Get(st.ID)
	require.NoError(t, err)
	return final
}

func TestJobs_RegisterBindsEveryKind(t *testing.T) {
	planner, drainer, bulk := &fakePlanner{}, &fakeDrainer{}, &fakeBulk{}
	o, j := newJobs(planner, drainer, bulk)
	require.NoError(t, j.Register(o))

	st := runJob(t, o, job.KindArchivePlan, job.Params{})
	assert.Equal(t, job.StateSucceeded, st.State)
	assert.Equal(t, 2, st.Counters.Inserted)
	runJob(t, o, job.KindArchivePlan, job.Params{MaxRows: 7})
	assert.Equal(t, []int{5000, 7}, planner.maxRows)

	runJob(t, o, job.KindArchivePush, job.Params{BatchSize: 25, DryRun: true})
	runJob(t, o, job.KindLabelPushIncremental, job.Params{})
	assert.Equal(t, []drainCall{
		{"archive", 25, true},
		{"labels", 0, false},
	}, drainer.seen())

	// 重复注册会失败
	assert.Error(t, j.Register(o))
}

func TestJobs_PlanFailureFailsJob(t *testing.T) {
	o, j := newJobs(&fakePlanner{err: errors.New("database is down")}, &fakeDrainer{}, &fakeBulk{})
	require.NoError(t, j.Register(o))

	st := runJob(t, o, job.KindArchivePlan, job.Params{})
	assert.Equal(t, job.StateFailed, st.State)
	assert.Contains(t, st.Message, "database is down")
}

func TestJobs_LabelPushBulkPagesThenDrains(t *testing.T) {
	drainer, bulk := &fakeDrainer{}, &fakeBulk{n: 10}
	o, j := newJobs(&fakePlanner{}, drainer, bulk)
	require.NoError(t, j.Register(o))

	st := runJob(t, o, job.KindLabelPushBulk, job.Params{})
	assert.Equal(t, job.StateSucceeded, st.State)
	assert.Equal(t, []int{4, 4, 4}, bulk.limits)
	assert.Equal(t, 10, st.Progress.Processed)
	assert.Equal(t, []drainCall{{"labels", 0, false}}, drainer.seen())
}

func TestJobs_LabelPushBulkDrainProgressAdvances(t *testing.T) {
	drainer := &fakeDrainer{report: func(r job.Reporter) {
		r.SetPhase("label_push")
		r.SetProgress(0, 10)
		r.SetProgress(3, 10)
	}}
	o, j := newJobs(&fakePlanner{}, drainer, &fakeBulk{n: 10})
	require.NoError(t, j.Register(o))

	var (
		mu     sync.Mutex
		pushes []job.Status
	)
	o.AddListener(func(st job.Status) {
		if st.Phase == "label_push" && !st.State.Terminal() {
			mu.Lock()
			pushes = append(pushes, st)
			mu.Unlock()
		}
	})

	st := runJob(t, o, job.KindLabelPushBulk, job.Params{})
	assert.Equal(t, job.StateSucceeded, st.State)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushes, 3)
	last := pushes[len(pushes)-1]
	assert.Equal(t, 13, last.Progress.Processed)
	require.NotNil(t, last.Progress.Total)
	assert.Equal(t, 20, *last.Progress.Total)
	require.NotNil(t, last.Progress.Percent)
	assert.InDelta(t, 65.0, *last.Progress.Percent, 0.01)

	// drain 开始时入队进度仍然保留
	assert.Equal(t, 10, pushes[0].Progress.Processed)
}

func TestJobs_LabelPushBulkRespectsMaxRows(t *testing.T) {
	bulk := &fakeBulk{n: 10}
	o, j := newJobs(&fakePlanner{}, &fakeDrainer{}, bulk)
	require.NoError(t, j.Register(o))

	st := runJob(t, o, job.KindLabelPushBulk, job.Params{MaxRows: 6})
	assert.Equal(t, []int{4, 2}, bulk.limits)
	require.NotNil(t, st.Progress.Total)
	assert.Equal(t, 6, *st.Progress.Total)
}

func TestJobs_LabelPushBulkDryRunDoesNotEnqueue(t *testing.T) {
	drainer, bulk := &fakeDrainer{}, &fakeBulk{n: 10}
	o, j := newJobs(&fakePlanner{}, drainer, bulk)
	require.NoError(t, j.Register(o))

	runJob(t, o, job.KindLabelPushBulk, job.Params{DryRun: true})
	assert.Empty(t, bulk.limits)
	assert.Equal(t, []drainCall{{"labels", 0, true}}, drainer.seen())
}

func TestSweeper_PlanThenPush(t *testing.T) {
	drainer := &fakeDrainer{}
	o, j := newJobs(&fakePlanner{}, drainer, &fakeBulk{})
	require.NoError(t, j.Register(o))
	s := NewSweeper(o, time.Hour, zap.NewNop())
	s.poll = 5 * time.Millisecond

	s.Sweep(context.Background())
	o.Wait()

	assert.Equal(t, []drainCall{{"archive", 0, false}}, drainer.seen())
	history := o.History()
	require.Len(t, history, 2)
	assert.Equal(t, job.KindArchivePush, history[0].Kind)
	assert.Equal(t, job.KindArchivePlan, history[1].Kind)
}

func TestSweeper_SkipsPushWhenPlanFails(t *testing.T) {
	drainer := &fakeDrainer{}
	o, j := newJobs(&fakePlanner{err: errors.New("boom")}, drainer, &fakeBulk{})
	require.NoError(t, j.Register(o))
	s := NewSweeper(o, time.Hour, zap.NewNop())
	s.poll = 5 * time.Millisecond

	s.Sweep(context.Background())
	o.Wait()
	assert.Empty(t, drainer.seen())
}

func TestSweeper_SkipsWhenSlotBusy(t *testing.T) {
	drainer := &fakeDrainer{block: make(chan struct{})}
	planner := &fakePlanner{}
	o, j := newJobs(planner, drainer, &fakeBulk{})
	require.NoError(t, j.Register(o))

	_, err := o.Start(job.KindLabelPushIncremental, job.Params{})
	require.NoError(t, err)

	NewSweeper(o, time.Hour, zap.NewNop()).Sweep(context.Background())
	assert.Empty(t, planner.maxRows)

	close(drainer.block)
	o.Wait()
}
