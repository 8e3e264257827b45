package taxonomy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"taxosync/internal/model"
)

var (
	ErrLabelNotFound    = errors.New("taxonomy label not found")
	ErrInvalidHierarchy = errors.New("invalid taxonomy hierarchy")
)

// Tree 内存中的两级 taxonomy，构建后只读，可以并发访问
type Tree struct {
	byID     map[int64]model.TaxonomyLabel
	children map[int64][]int64
}

// NewTree 校验层级约束并构建 Tree：tier-1 没有 parent，tier-2 的 parent 必须是 tier-1
func NewTree(labels []model.TaxonomyLabel) (*Tree, error) {
	t := &Tree{
		byID:     make(map[int64]model.TaxonomyLabel, len(labels)),
		children: make(map[int64][]int64),
	}
	for _, l := range labels {
		if _, dup := t.byID[l.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate label id %d", ErrInvalidHierarchy, l.ID)
		}
		t.byID[l.ID] = l
	}

	for _, l := range labels {
		switch l.Tier {
		case model.TierTop:
			if l.ParentID != nil {
				return nil, fmt.Errorf("%w: tier-1 label %d has a parent", ErrInvalidHierarchy, l.ID)
			}
		case model.TierChild:
			if l.ParentID == nil {
				return nil, fmt.Errorf("%w: tier-2 label %d has no parent", ErrInvalidHierarchy, l.ID)
			}
			parent, ok := t.byID[*l.ParentID]
			if !ok {
				return nil, fmt.Errorf("%w: tier-2 label %d references missing parent %d", ErrInvalidHierarchy, l.ID, *l.ParentID)
			}
			if parent.Tier != model.TierTop {
				return nil, fmt.Errorf("%w: parent %d of label %d is not tier-1", ErrInvalidHierarchy, parent.ID, l.ID)
			}
			t.children[parent.ID] = append(t.children[parent.ID], l.ID)
		default:
			return nil, fmt.Errorf("%w: label %d has tier %d", ErrInvalidHierarchy, l.ID, l.Tier)
		}
	}

	for _, ids := range t.children {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return t, nil
}

// Label returns the label with the given id.
func (t *Tree) Label(id int64) (model.TaxonomyLabel, bool) {
	l, ok := t.byID[id]
	return l, ok
}

// Parent returns the tier-1 parent of a tier-2 label.
func (t *Tree) Parent(l model.TaxonomyLabel) (model.TaxonomyLabel, bool) {
	if l.ParentID == nil {
		return model.TaxonomyLabel{}, false
	}
	p, ok := t.byID[*l.ParentID]
	return p, ok
}

// Children returns the tier-2 labels under a tier-1 label ordered by id.
func (t *Tree) Children(id int64) []model.TaxonomyLabel {
	ids := t.children[id]
	out := make([]model.TaxonomyLabel, 0, len(ids))
	for _, cid := range ids {
		out = append(out, t.byID[cid])
	}
	return out
}

// Labels returns every label ordered by tier then id.
func (t *Tree) Labels() []model.TaxonomyLabel {
	out := make([]model.TaxonomyLabel, 0, len(t.byID))
	for _, l := range t.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *Tree) Len() int {
	return len(t.byID)
}

// EffectiveRetention 解析标签的有效保留天数：自身 -> tier-1 parent -> 全局默认。
// 只有两级，所以是一次直接的 parent 解引用而不是递归。
func (t *Tree) EffectiveRetention(labelID int64, defaultDays int) (int, error) {
	l, ok := t.byID[labelID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrLabelNotFound, labelID)
	}
	if l.RetentionDays != nil {
		return *l.RetentionDays, nil
	}
	if l.IsChild() {
		if p, ok := t.Parent(l); ok && p.RetentionDays != nil {
			return *p.RetentionDays, nil
		}
	}
	return defaultDays, nil
}

// ResolveEffectiveRetention 多标签时取最短的有效保留期。没有可解析的分配时 ok 为 false。
func ResolveEffectiveRetention(assignments []model.Assignment, tree *Tree, defaultDays int) (days int, ok bool) {
	for _, a := range assignments {
		d, err := tree.EffectiveRetention(a.LabelID, defaultDays)
		if err != nil {
			continue
		}
		if !ok || d < days {
			days, ok = d, true
		}
	}
	return days, ok
}

// Eligibility 一封邮件的归档时间点以及决定它的标签
type Eligibility struct {
	EligibleAt      time.Time
	GoverningLabel  int64
	RetentionDays   int
	AssignmentCount int
}

// EligibleAt 计算 min(assigned_at + 有效保留期)。未分配标签的邮件永远不会自动满足条件。
func EligibleAt(assignments []model.Assignment, tree *Tree, defaultDays int) (Eligibility, bool) {
	var (
		best  Eligibility
		found bool
	)
	for _, a := range assignments {
		d, err := tree.EffectiveRetention(a.LabelID, defaultDays)
		if err != nil {
			continue
		}
		at := a.AssignedAt.Add(time.Duration(d) * 24 * time.Hour)
		if !found || at.Before(best.EligibleAt) || (at.Equal(best.EligibleAt) && a.LabelID < best.GoverningLabel) {
			best = Eligibility{EligibleAt: at, GoverningLabel: a.LabelID, RetentionDays: d}
			found = true
		}
	}
	best.AssignmentCount = len(assignments)
	return best, found
}
