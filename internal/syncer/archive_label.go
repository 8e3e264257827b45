package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taxosync/internal/provider"
	"taxosync/internal/taxonomy"
)

// ArchiveLabel 解析并缓存归档标记标签的 provider id，不存在时创建
type ArchiveLabel struct {
	p    provider.Provider
	name string

	mu sync.Mutex
	id string
}

func NewArchiveLabel(p provider.Provider, name string) *ArchiveLabel {
	if name == "" {
		name = taxonomy.ArchiveLabelName
	}
	return &ArchiveLabel{p: p, name: name}
}

func (a *ArchiveLabel) Name() string {
	return a.name
}

// Ensure 返回标记标签 id；并发创建导致 409 时重新列出并复用已有标签
func (a *ArchiveLabel) Ensure(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.id != "" {
		return a.id, nil
	}

	id, err := a.find(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		created, err := a.p.CreateLabel(ctx, a.name)
		switch {
		case err == nil:
			id = created.ID
		case errors.Is(err, provider.ErrLabelConflict):
			if id, err = a.find(ctx); err != nil {
				return "", err
			}
			if id == "" {
				return "", fmt.Errorf("archive label %q reported as existing but not listed", a.name)
			}
		default:
			return "", fmt.Errorf("failed to create archive label %q: %w", a.name, err)
		}
	}
	a.id = id
	return id, nil
}

// Forget 丢弃缓存，provider 返回 not found 时调用
func (a *ArchiveLabel) Forget() {
	a.mu.Lock()
	a.id = ""
	a.mu.Unlock()
}

func (a *ArchiveLabel) find(ctx context.Context) (string, error) {
	labels, err := a.p.ListLabels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list provider labels: %w", err)
	}
	want := taxonomy.NormalizeLabelName(a.name)
	for _, l := range labels {
		if taxonomy.NormalizeLabelName(l.Name) == want {
			return l.ID, nil
		}
	}
	return "", nil
}
