package model

import "time"

const (
	TierTop   = 1
	TierChild = 2
)

const (
	SyncStatusOK    = "ok"
	SyncStatusStale = "stale"
	SyncStatusError = "error"
)

// TaxonomyLabel 两级分类标签
type TaxonomyLabel struct {
	ID          int64
	Tier        int
	Slug        string
	Name        string
	Description string
	// ParentID 仅 tier-2 有值，且必须指向 tier-1
	ParentID *int64
	// RetentionDays 为 nil 表示继承
	RetentionDays   *int
	IsActive        bool
	ProviderLabelID *string
	LastSyncAt      *time.Time
	SyncStatus      string
	SyncError       *string
}

// IsChild reports whether the label is a tier-2 label.
func (l TaxonomyLabel) IsChild() bool {
	return l.Tier == TierChild
}
