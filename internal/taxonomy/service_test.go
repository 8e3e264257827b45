package taxonomy

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taxosync/internal/model"
)

type memRepo struct {
	mu     sync.Mutex
	nextID int64
	labels map[int64]model.TaxonomyLabel
	counts map[int64]int
	writes int
}

func newMemRepo(labels ...model.TaxonomyLabel) *memRepo {
	r := &memRepo{labels: make(map[int64]model.TaxonomyLabel), counts: make(map[int64]int)}
	for _, l := range labels {
		r.labels[l.ID] = l
		if l.ID > r.nextID {
			r.nextID = l.ID
		}
	}
	return r
}

func (r *memRepo) ListLabels(_ context.Context, includeInactive bool) ([]model.TaxonomyLabel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TaxonomyLabel, 0, len(r.labels))
	for _, l := range r.labels {
		if includeInactive || l.IsActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) GetLabel(_ context.Context, id int64) (model.TaxonomyLabel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.labels[id]
	if !ok {
		return model.TaxonomyLabel{}, ErrLabelNotFound
	}
	return l, nil
}

func (r *memRepo) CreateLabel(_ context.Context, l model.TaxonomyLabel) (model.TaxonomyLabel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	l.ID = r.nextID
	r.labels[l.ID] = l
	r.writes++
	return l, nil
}

func (r *memRepo) UpdateLabel(_ context.Context, id int64, upd LabelUpdate) (model.TaxonomyLabel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.labels[id]
	if !ok {
		return model.TaxonomyLabel{}, ErrLabelNotFound
	}
	if upd.Name != nil {
		l.Name = *upd.Name
	}
	if upd.RetentionSet {
		l.RetentionDays = upd.RetentionDays
	}
	if upd.IsActive != nil {
		l.IsActive = *upd.IsActive
	}
	r.labels[id] = l
	r.writes++
	return l, nil
}

func (r *memRepo) DeleteLabel(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[id] > 0 {
		return ErrLabelInUse
	}
	delete(r.labels, id)
	return nil
}

func (r *memRepo) BulkSetRetention(_ context.Context, items []RetentionUpdate) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range items {
		l, ok := r.labels[it.LabelID]
		if !ok {
			continue
		}
		l.RetentionDays = it.RetentionDays
		r.labels[it.LabelID] = l
		n++
	}
	r.writes++
	return n, nil
}

func (r *memRepo) SetSyncFields(_ context.Context, id int64, f SyncFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.labels[id]
	if !ok {
		return ErrLabelNotFound
	}
	if f.ProviderLabelIDSet {
		l.ProviderLabelID = f.ProviderLabelID
	}
	l.SyncStatus = f.Status
	l.SyncError = f.Error
	r.labels[id] = l
	return nil
}

func (r *memRepo) AssignedCounts(context.Context) (map[int64]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out, nil
}

type memSettings struct {
	values map[string]int
}

func (s *memSettings) GetInt(_ context.Context, key string) (int, bool, error) {
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memSettings) SetInt(_ context.Context, key string, value int) error {
	if s.values == nil {
		s.values = make(map[string]int)
	}
	s.values[key] = value
	return nil
}

func TestService_DefaultRetentionDays(t *testing.T) {
	ctx := context.Background()
	settings := &memSettings{}
	svc := NewService(newMemRepo(), settings, 730, zap.NewNop())

	days, err := svc.DefaultRetentionDays(ctx)
	require.NoError(t, err)
	assert.Equal(t, 730, days)

	require.NoError(t, svc.SetDefaultRetentionDays(ctx, 90))
	days, err = svc.DefaultRetentionDays(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90, days)

	assert.ErrorIs(t, svc.SetDefaultRetentionDays(ctx, 0), ErrInvalidRetention)

	// 存储中的越界值回退到配置的默认值
	settings.values[KeyRetentionDefaultDays] = 99999
	days, err = svc.DefaultRetentionDays(ctx)
	require.NoError(t, err)
	assert.Equal(t, 730, days)
}

func TestService_ListLabelsResolvesEffectiveRetention(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(
		top(1, "Finance", nil),
		child(2, 1, "Receipts", nil),
		top(3, "Marketing", intPtr(180)),
	)
	repo.counts[2] = 4
	inactive := top(4, "Old", intPtr(10))
	inactive.IsActive = false
	repo.labels[4] = inactive

	svc := NewService(repo, &memSettings{}, 730, zap.NewNop())

	views, err := svc.ListLabels(ctx, false)
	require.NoError(t, err)
	require.Len(t, views, 3)

	byID := map[int64]LabelView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.Equal(t, 730, byID[2].EffectiveRetentionDays)
	assert.Equal(t, "Finance/Receipts", byID[2].ProviderLabelName)
	assert.Equal(t, 4, byID[2].AssignedMessageCount)
	assert.Equal(t, 180, byID[3].EffectiveRetentionDays)

	all, err := svc.ListLabels(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestService_ListLabelsInTreeOrder(t *testing.T) {
	repo := newMemRepo(
		top(1, "Finance", nil),
		child(2, 1, "Receipts", nil),
		top(3, "Marketing", nil),
		child(4, 3, "Promotions", nil),
		child(5, 1, "Invoices", nil),
	)
	svc := NewService(repo, &memSettings{}, 730, zap.NewNop())

	views, err := svc.ListLabels(context.Background(), false)
	require.NoError(t, err)
	ids := make([]int64, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []int64{1, 2, 5, 3, 4}, ids)
}

func TestService_CreateLabel(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(top(1, "Finance", nil))
	svc := NewService(repo, &memSettings{}, 730, zap.NewNop())

	parent := int64(1)
	created, err := svc.CreateLabel(ctx, CreateLabelInput{Name: " Receipts ", ParentID: &parent, IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, model.TierChild, created.Tier)
	assert.Equal(t, "Receipts", created.Name)
	assert.Equal(t, "finance--receipts", created.Slug)

	childID := created.ID
	_, err = svc.CreateLabel(ctx, CreateLabelInput{Name: "Deep", ParentID: &childID})
	assert.ErrorIs(t, err, ErrParentNotTop)

	_, err = svc.CreateLabel(ctx, CreateLabelInput{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidLabel)

	_, err = svc.CreateLabel(ctx, CreateLabelInput{Name: "Bad", RetentionDays: intPtr(4000)})
	assert.ErrorIs(t, err, ErrInvalidRetention)
}

func TestService_UpdateLabelValidatesRetention(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(top(1, "Marketing", intPtr(180)))
	svc := NewService(repo, &memSettings{}, 730, zap.NewNop())

	_, err := svc.UpdateLabel(ctx, 1, LabelUpdate{RetentionSet: true, RetentionDays: intPtr(0)})
	assert.ErrorIs(t, err, ErrInvalidRetention)
	assert.Equal(t, 0, repo.writes)

	updated, err := svc.UpdateLabel(ctx, 1, LabelUpdate{RetentionSet: true})
	require.NoError(t, err)
	assert.Nil(t, updated.RetentionDays, "clearing retention makes the label inherit")
}

func TestService_BulkSetRetentionIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(top(1, "A", nil), top(2, "B", nil))
	svc := NewService(repo, &memSettings{}, 730, zap.NewNop())

	_, err := svc.BulkSetRetention(ctx, []RetentionUpdate{
		{LabelID: 1, RetentionDays: intPtr(30)},
		{LabelID: 2, RetentionDays: intPtr(-1)},
	})
	assert.ErrorIs(t, err, ErrInvalidRetention)
	assert.Equal(t, 0, repo.writes)
	assert.Nil(t, repo.labels[1].RetentionDays)

	n, err := svc.BulkSetRetention(ctx, []RetentionUpdate{
		{LabelID: 1, RetentionDays: intPtr(30)},
		{LabelID: 2, RetentionDays: nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 30, *repo.labels[1].RetentionDays)
}

func TestService_DeleteLabelInUse(t *testing.T) {
	repo := newMemRepo(top(1, "A", nil))
	repo.counts[1] = 1
	svc := NewService(repo, &memSettings{}, 730, zap.NewNop())

	assert.ErrorIs(t, svc.DeleteLabel(context.Background(), 1), ErrLabelInUse)
}
