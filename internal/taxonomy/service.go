package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taxosync/internal/model"
)

// KeyRetentionDefaultDays pipeline_kv 中全局默认保留天数的 key
const KeyRetentionDefaultDays = "retention_default_days"

var (
	ErrLabelInUse   = errors.New("taxonomy label is referenced by messages")
	ErrInvalidLabel = errors.New("invalid taxonomy label")
	ErrParentNotTop = errors.New("parent must be a tier-1 label")
)

// LabelUpdate 部分更新；RetentionSet 为 true 时 RetentionDays（可为 nil）会被写入
type LabelUpdate struct {
	Name          *string
	Description   *string
	RetentionSet  bool
	RetentionDays *int
	IsActive      *bool
}

// RetentionUpdate 批量更新中的一项，RetentionDays 为 nil 表示清除（改为继承）
type RetentionUpdate struct {
	LabelID       int64
	RetentionDays *int
}

// SyncFields provider 同步结果；ProviderLabelIDSet 为 false 时不改动已存储的 id
type SyncFields struct {
	ProviderLabelIDSet bool
	ProviderLabelID    *string
	Status             string
	Error              *string
}

// Repository taxonomy 持久化接口
type Repository interface {
	ListLabels(ctx context.Context, includeInactive bool) ([]model.TaxonomyLabel, error)
	GetLabel(ctx context.Context, id int64) (model.TaxonomyLabel, error)
	CreateLabel(ctx context.Context, label model.TaxonomyLabel) (model.TaxonomyLabel, error)
	UpdateLabel(ctx context.Context, id int64, upd LabelUpdate) (model.TaxonomyLabel, error)
	DeleteLabel(ctx context.Context, id int64) error
	BulkSetRetention(ctx context.Context, items []RetentionUpdate) (int, error)
	SetSyncFields(ctx context.Context, id int64, f SyncFields) error
	AssignedCounts(ctx context.Context) (map[int64]int, error)
}

// SettingsRepository 简单的 key/value 设置
type SettingsRepository interface {
	GetInt(ctx context.Context, key string) (int, bool, error)
	SetInt(ctx context.Context, key string, value int) error
}

// LabelView 列表展示用，附带解析后的有效保留期
type LabelView struct {
	model.TaxonomyLabel
	EffectiveRetentionDays int
	ProviderLabelName      string
	AssignedMessageCount   int
}

// Service taxonomy 管理与 retention 设置的写入边界
type Service struct {
	repo        Repository
	settings    SettingsRepository
	defaultDays int
	logger      *zap.Logger
}

// NewService fallbackDefaultDays 在 pipeline_kv 没有设置时使用
func NewService(repo Repository, settings SettingsRepository, fallbackDefaultDays int, logger *zap.Logger) *Service {
	return &Service{
		repo:        repo,
		settings:    settings,
		defaultDays: fallbackDefaultDays,
		logger:      logger,
	}
}

// LoadTree 加载全部标签（包含 inactive）
func (s *Service) LoadTree(ctx context.Context) (*Tree, error) {
	labels, err := s.repo.ListLabels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list taxonomy labels: %w", err)
	}
	return NewTree(labels)
}

// DefaultRetentionDays 读取全局默认保留天数
func (s *Service) DefaultRetentionDays(ctx context.Context) (int, error) {
	days, ok, err := s.settings.GetInt(ctx, KeyRetentionDefaultDays)
	if err != nil {
		return 0, fmt.Errorf("failed to read retention default: %w", err)
	}
	if !ok || days < MinRetentionDays || days > MaxRetentionDays {
		return s.defaultDays, nil
	}
	return days, nil
}

// SetDefaultRetentionDays 校验后写入全局默认保留天数
func (s *Service) SetDefaultRetentionDays(ctx context.Context, days int) error {
	if err := ValidateRetentionDays(&days); err != nil {
		return err
	}
	if err := s.settings.SetInt(ctx, KeyRetentionDefaultDays, days); err != nil {
		return fmt.Errorf("failed to write retention default: %w", err)
	}
	s.logger.Info("Retention default updated", zap.Int("retention_default_days", days))
	return nil
}

// ListLabels 返回带有效保留期的标签列表
func (s *Service) ListLabels(ctx context.Context, includeInactive bool) ([]LabelView, error) {
	tree, err := s.LoadTree(ctx)
	if err != nil {
		return nil, err
	}
	defaultDays, err := s.DefaultRetentionDays(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.AssignedCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}

	// 按树的顺序输出：每个 tier-1 后面紧跟它的 tier-2
	labels := make([]model.TaxonomyLabel, 0, tree.Len())
	for _, l := range tree.Labels() {
		if l.Tier != model.TierTop {
			continue
		}
		labels = append(labels, l)
		labels = append(labels, tree.Children(l.ID)...)
	}
	out := make([]LabelView, 0, len(labels))
	for _, l := range labels {
		if !includeInactive && !l.IsActive {
			continue
		}
		eff, err := tree.EffectiveRetention(l.ID, defaultDays)
		if err != nil {
			return nil, err
		}
		out = append(out, LabelView{
			TaxonomyLabel:          l,
			EffectiveRetentionDays: eff,
			ProviderLabelName:      ProviderLabelNameIn(tree, l),
			AssignedMessageCount:   counts[l.ID],
		})
	}
	return out, nil
}

// CreateLabelInput 新标签；ParentID 为 nil 时创建 tier-1
type CreateLabelInput struct {
	Name          string
	Description   string
	ParentID      *int64
	RetentionDays *int
	IsActive      bool
}

// CreateLabel 创建标签，tier 由 parent 推导
func (s *Service) CreateLabel(ctx context.Context, in CreateLabelInput) (model.TaxonomyLabel, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > 200 {
		return model.TaxonomyLabel{}, fmt.Errorf("%w: name must be 1..200 characters", ErrInvalidLabel)
	}
	if err := ValidateRetentionDays(in.RetentionDays); err != nil {
		return model.TaxonomyLabel{}, err
	}

	label := model.TaxonomyLabel{
		Tier:          model.TierTop,
		Slug:          Slugify(name),
		Name:          name,
		Description:   in.Description,
		RetentionDays: in.RetentionDays,
		IsActive:      in.IsActive,
	}
	if in.ParentID != nil {
		parent, err := s.repo.GetLabel(ctx, *in.ParentID)
		if err != nil {
			return model.TaxonomyLabel{}, fmt.Errorf("failed to load parent %d: %w", *in.ParentID, err)
		}
		if parent.Tier != model.TierTop {
			return model.TaxonomyLabel{}, ErrParentNotTop
		}
		label.Tier = model.TierChild
		label.ParentID = &parent.ID
		label.Slug = ChildSlug(parent.Slug, name)
	}

	created, err := s.repo.CreateLabel(ctx, label)
	if err != nil {
		return model.TaxonomyLabel{}, fmt.Errorf("failed to create label: %w", err)
	}
	s.logger.Info("Taxonomy label created",
		zap.Int64("label_id", created.ID),
		zap.Int("tier", created.Tier),
		zap.String("slug", created.Slug),
	)
	return created, nil
}

// UpdateLabel 部分更新，保留天数在写入前校验
func (s *Service) UpdateLabel(ctx context.Context, id int64, upd LabelUpdate) (model.TaxonomyLabel, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" || len(name) > 200 {
			return model.TaxonomyLabel{}, fmt.Errorf("%w: name must be 1..200 characters", ErrInvalidLabel)
		}
		upd.Name = &name
	}
	if upd.RetentionSet {
		if err := ValidateRetentionDays(upd.RetentionDays); err != nil {
			return model.TaxonomyLabel{}, err
		}
	}
	return s.repo.UpdateLabel(ctx, id, upd)
}

// DeleteLabel 被引用的标签不能删除
func (s *Service) DeleteLabel(ctx context.Context, id int64) error {
	return s.repo.DeleteLabel(ctx, id)
}

// BulkSetRetention 全部校验通过后才写入，任意一项非法则整体拒绝
func (s *Service) BulkSetRetention(ctx context.Context, items []RetentionUpdate) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if len(items) > 2000 {
		return 0, fmt.Errorf("%w: at most 2000 items per request", ErrInvalidRetention)
	}
	for _, it := range items {
		if it.LabelID <= 0 {
			return 0, fmt.Errorf("%w: label id %d", ErrInvalidLabel, it.LabelID)
		}
		if err := ValidateRetentionDays(it.RetentionDays); err != nil {
			return 0, fmt.Errorf("label %d: %w", it.LabelID, err)
		}
	}
	n, err := s.repo.BulkSetRetention(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk update retention: %w", err)
	}
	s.logger.Info("Bulk retention update", zap.Int("requested", len(items)), zap.Int("updated", n))
	return n, nil
}

// RecordSync 写入 provider 同步结果
func (s *Service) RecordSync(ctx context.Context, id int64, f SyncFields) error {
	if err := s.repo.SetSyncFields(ctx, id, f); err != nil {
		return fmt.Errorf("failed to record sync for label %d: %w", id, err)
	}
	return nil
}
