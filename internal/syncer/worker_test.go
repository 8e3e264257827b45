package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taxosync/internal/job"
	"taxosync/internal/model"
	"taxosync/internal/provider"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/circuitbreaker"
	"taxosync/pkg/outbox"
)

// memOutbox 内存 outbox，领取/租约/退避语义与 PostgreSQL 实现一致
type memOutbox struct {
	mu       sync.Mutex
	flavor   outbox.Flavor
	entries  []*outbox.Entry
	archived map[int64]bool
	now      time.Time
	nextID   int64

	// failMarkProcessed 接下来 N 次 MarkProcessed 返回错误（模拟崩溃）
	failMarkProcessed int
}

func newMemOutbox(flavor outbox.Flavor) *memOutbox {
	return &memOutbox{
		flavor:   flavor,
		archived: map[int64]bool{},
		now:      time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memOutbox) enqueue(messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, &outbox.Entry{
		ID:                s.nextID,
		MessageID:         messageID,
		ProviderMessageID: fmt.Sprintf("m-%d", messageID),
		Reason:            "test",
		CreatedAt:         s.now.Add(time.Duration(s.nextID) * time.Millisecond),
	})
}

func (s *memOutbox) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

func (s *memOutbox) Flavor() outbox.Flavor { return s.flavor }

func (s *memOutbox) eligible(e *outbox.Entry) bool {
	if !e.Pending() {
		return false
	}
	if e.NextAttemptAt != nil && e.NextAttemptAt.After(s.now) {
		return false
	}
	return e.ClaimedAt == nil || e.ClaimedAt.Before(s.now.Add(-outbox.DefaultLease))
}

func (s *memOutbox) ClaimPendingBatch(_ context.Context, limit int) ([]outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Entry
	for _, e := range s.entries {
		if len(out) == limit {
			break
		}
		if s.eligible(e) {
			now := s.now
			e.ClaimedAt = &now
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memOutbox) NextPendingBatch(_ context.Context, limit int) ([]outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Entry
	for _, e := range s.entries {
		if len(out) == limit {
			break
		}
		if e.Pending() {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memOutbox) find(id int64) *outbox.Entry {
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *memOutbox) MarkProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMarkProcessed > 0 {
		s.failMarkProcessed--
		return errors.New("connection reset by peer")
	}
	e := s.find(id)
	if e == nil || !e.Pending() {
		return nil
	}
	now := s.now
	e.ProcessedAt = &now
	e.LastError = nil
	e.ClaimedAt = nil
	if s.flavor == outbox.ArchivePush {
		s.archived[e.MessageID] = true
	}
	return nil
}

func (s *memOutbox) MarkFailed(_ context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil || !e.Pending() {
		return nil
	}
	e.Attempts++
	msg := outbox.TruncateError(cause)
	e.LastError = &msg
	e.ClaimedAt = nil
	next := s.now.Add(outbox.Backoff(e.Attempts))
	e.NextAttemptAt = &next
	return nil
}

func (s *memOutbox) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Pending() {
			n++
		}
	}
	return n, nil
}

func (s *memOutbox) snapshot() []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

type staticTree struct {
	labels []model.TaxonomyLabel
}

func (s staticTree) LoadTree(context.Context) (*taxonomy.Tree, error) {
	return taxonomy.NewTree(s.labels)
}

type staticAssignments map[int64][]model.Assignment

func (s staticAssignments) AssignmentsForMessage(_ context.Context, id int64) ([]model.Assignment, error) {
	return s[id], nil
}

type countingReporter struct {
	mu        sync.Mutex
	counters  job.Counters
	errors    []string
	processed []int
}

func (r *countingReporter) SetPhase(string) {}
func (r *countingReporter) SetProgress(processed, _ int) {
	r.mu.Lock()
	r.processed = append(r.processed, processed)
	r.mu.Unlock()
}
func (r *countingReporter) AddCounters(d job.Counters) {
	r.mu.Lock()
	r.counters.Inserted += d.Inserted
	r.counters.Skipped += d.Skipped
	r.counters.Failed += d.Failed
	r.mu.Unlock()
}
func (r *countingReporter) RecordError(s string) {
	r.mu.Lock()
	r.errors = append(r.errors, s)
	r.mu.Unlock()
}

type fixture struct {
	labels   *memOutbox
	archive  *memOutbox
	provider *provider.Memory
	breaker  *circuitbreaker.CircuitBreaker
	worker   *Worker
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T, tree []model.TaxonomyLabel, assignments staticAssignments) *fixture {
	t.Helper()
	f := &fixture{
		labels:   newMemOutbox(outbox.LabelPush),
		archive:  newMemOutbox(outbox.ArchivePush),
		provider: provider.NewMemory(),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    1,
			Timeout:             time.Hour,
			HalfOpenMaxRequests: 1,
			IsFailure:           provider.IsUnavailable,
		}),
	}
	f.worker = NewWorker(
		f.labels, f.archive, f.provider, f.breaker,
		staticTree{labels: tree}, assignments,
		NewArchiveLabel(f.provider, ""),
		Config{BatchSize: 4, Concurrency: 3},
		zap.NewNop(),
	)
	return f
}

func TestDrainArchive_ItemFailureIsIsolated(t *testing.T) {
	f := newFixture(t, nil, nil)
	for id := int64(1); id <= 10; id++ {
		f.archive.enqueue(id)
	}
	f.provider.Fail = func(op, messageID string) error {
		if op == "messages.modify" && messageID == "m-4" {
			return errors.New("invalid message id")
		}
		return nil
	}
	rep := &countingReporter{}

	res, err := f.worker.DrainArchive(context.Background(), 10, false, rep)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Attempted)
	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, rep.counters.Failed)
	assert.Equal(t, 9, rep.counters.Inserted)
	require.Len(t, rep.errors, 1)
	assert.Contains(t, rep.errors[0], "m-4")

	processed, pending := 0, 0
	for _, e := range f.archive.snapshot() {
		if e.Pending() {
			pending++
			assert.Equal(t, int64(4), e.MessageID)
			require.NotNil(t, e.LastError)
			assert.Contains(t, *e.LastError, "invalid message id")
			assert.Equal(t, 1, e.Attempts)
		} else {
			processed++
			assert.True(t, f.archive.archived[e.MessageID])
		}
	}
	assert.Equal(t, 9, processed)
	assert.Equal(t, 1, pending)

	sorted := append([]int(nil), rep.processed...)
	sort.Ints(sorted)
	assert.Equal(t, 10, sorted[len(sorted)-1])
}

func TestDrainArchive_AppliesMarkerAndLeavesInbox(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.archive.enqueue(1)

	_, err := f.worker.DrainArchive(context.Background(), 0, false, nil)
	require.NoError(t, err)

	labels, err := f.provider.ListLabels(context.Background())
	require.NoError(t, err)
	var markerID string
	for _, l := range labels {
		if l.Name == taxonomy.ArchiveLabelName {
			markerID = l.ID
		}
	}
	require.NotEmpty(t, markerID)
	assert.Equal(t, []string{markerID}, f.provider.MessageLabels("m-1"))
}

func TestDrainArchive_CrashReplayConverges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.archive.enqueue(1)
	f.archive.failMarkProcessed = 1

	// provider 调用成功，但 markProcessed 之前"崩溃"
	_, err := f.worker.DrainArchive(ctx, 10, false, nil)
	require.Error(t, err)
	after := f.provider.MessageLabels("m-1")
	assert.NotContains(t, after, provider.InboxLabelID)
	require.True(t, f.archive.snapshot()[0].Pending())

	// 租约过期后重新领取
	f.archive.advance(outbox.DefaultLease + time.Second)
	res, err := f.worker.DrainArchive(ctx, 10, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	assert.Equal(t, after, f.provider.MessageLabels("m-1"), "second modify is a no-op")
	assert.Equal(t, 2, f.provider.Calls("messages.modify"))
	entry := f.archive.snapshot()[0]
	assert.False(t, entry.Pending())
	assert.True(t, f.archive.archived[1])
}

func TestDrain_DryRunDoesNotMutate(t *testing.T) {
	f := newFixture(t, nil, nil)
	for id := int64(1); id <= 3; id++ {
		f.archive.enqueue(id)
	}

	res, err := f.worker.DrainArchive(context.Background(), 10, true, nil)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, f.provider.Calls("messages.modify"))
	assert.Equal(t, 0, f.provider.Calls("labels.create"))
	for _, e := range f.archive.snapshot() {
		assert.True(t, e.Pending())
		assert.Nil(t, e.ClaimedAt)
	}
}

func TestDrain_DryRunReportsFullBacklog(t *testing.T) {
	f := newFixture(t, nil, nil)
	for id := int64(1); id <= 10; id++ {
		f.archive.enqueue(id)
	}

	res, err := f.worker.DrainArchive(context.Background(), 4, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, 10, res.Pending)
}

func TestDrainArchive_MissingMessageClosesEntry(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.archive.enqueue(1)
	f.archive.enqueue(2)
	f.provider.Fail = func(op, messageID string) error {
		if op == "messages.modify" && messageID == "m-1" {
			return fmt.Errorf("%w: message m-1", provider.ErrNotFound)
		}
		return nil
	}
	rep := &countingReporter{}

	res, err := f.worker.DrainArchive(context.Background(), 10, false, rep)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, rep.counters.Skipped)
	assert.Empty(t, rep.errors)
	assert.Equal(t, 1, f.provider.Calls("labels.create"))

	for _, e := range f.archive.snapshot() {
		assert.False(t, e.Pending(), "entry %d", e.ID)
		assert.Equal(t, 0, e.Attempts)
		assert.Nil(t, e.LastError)
	}
}

func TestDrainArchive_StaleMarkerIsReresolved(t *testing.T) {
	f := newFixture(t, nil, nil)
	for id := int64(1); id <= 3; id++ {
		f.archive.enqueue(id)
	}
	// 缓存里是一个已被删除的标记 id
	f.worker.archiveTag.id = "Label_deleted"

	res, err := f.worker.DrainArchive(context.Background(), 10, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 1, f.provider.Calls("labels.create"))

	markerID, err := f.worker.archiveTag.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "Label_deleted", markerID)
	for id := int64(1); id <= 3; id++ {
		assert.Equal(t, []string{markerID}, f.provider.MessageLabels(fmt.Sprintf("m-%d", id)))
	}
	for _, e := range f.archive.snapshot() {
		assert.False(t, e.Pending())
	}
}

func TestDrain_WholeBatchUnavailableFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	for id := int64(1); id <= 2; id++ {
		f.archive.enqueue(id)
	}
	// 先让标记标签存在，再让 modify 全部失败
	_, err := f.worker.archiveTag.Ensure(context.Background())
	require.NoError(t, err)
	f.provider.Fail = func(op, _ string) error {
		if op == "messages.modify" {
			return fmt.Errorf("%w: status 503", provider.ErrUnavailable)
		}
		return nil
	}

	res, err := f.worker.DrainArchive(context.Background(), 10, false, nil)
	assert.ErrorIs(t, err, ErrBatchUnavailable)
	assert.Equal(t, 2, res.Failed)
	for _, e := range f.archive.snapshot() {
		assert.True(t, e.Pending())
		require.NotNil(t, e.LastError)
	}
}

func TestDrain_BreakerOpenCountsAsUnavailable(t *testing.T) {
	f := newFixture(t, nil, nil)
	for id := int64(1); id <= 4; id++ {
		f.archive.enqueue(id)
	}
	_, err := f.worker.archiveTag.Ensure(context.Background())
	require.NoError(t, err)
	f.provider.Fail = func(op, _ string) error {
		if op == "messages.modify" {
			return provider.ErrUnavailable
		}
		return nil
	}

	_, err = f.worker.DrainArchive(context.Background(), 4, false, nil)
	assert.ErrorIs(t, err, ErrBatchUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.GetState())
	assert.LessOrEqual(t, f.provider.Calls("messages.modify"), 4)
}

func TestDrainLabels_ResolvesProviderIDs(t *testing.T) {
	tree := []model.TaxonomyLabel{
		{ID: 1, Tier: model.TierTop, Name: "Finance", IsActive: true, ProviderLabelID: strPtr("Label_1")},
		{ID: 2, Tier: model.TierChild, Name: "Receipts", ParentID: ptr64(1), IsActive: true},
		{ID: 3, Tier: model.TierTop, Name: "Old", IsActive: false},
	}
	assignments := staticAssignments{
		1: {{MessageID: 1, LabelID: 1}},
		2: {{MessageID: 2, LabelID: 2}},
		3: {{MessageID: 3, LabelID: 3}},
	}
	f := newFixture(t, tree, assignments)
	created, err := f.provider.CreateLabel(context.Background(), "Finance")
	require.NoError(t, err)
	require.Equal(t, "Label_1", created.ID)

	for id := int64(1); id <= 3; id++ {
		f.labels.enqueue(id)
	}
	rep := &countingReporter{}
	res, err := f.worker.DrainLabels(context.Background(), 10, false, rep)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{provider.InboxLabelID, "Label_1"}, f.provider.MessageLabels("m-1"))

	for _, e := range f.labels.snapshot() {
		switch e.MessageID {
		case 2:
			assert.True(t, e.Pending())
			require.NotNil(t, e.LastError)
			assert.Contains(t, *e.LastError, "Finance/Receipts")
		default:
			assert.False(t, e.Pending())
		}
	}
	require.Len(t, rep.errors, 1)
	assert.Contains(t, rep.errors[0], ErrLabelUnresolved.Error())
}

func TestDrain_EmptyOutbox(t *testing.T) {
	f := newFixture(t, nil, nil)
	res, err := f.worker.DrainLabels(context.Background(), 10, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 0, res.Attempted)
}

func ptr64(v int64) *int64 { return &v }
