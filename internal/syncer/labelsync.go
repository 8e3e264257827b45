package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"taxosync/internal/model"
	"taxosync/internal/provider"
	"taxosync/internal/taxonomy"
)

// SyncRecorder taxonomy.Service 提供
type SyncRecorder interface {
	LoadTree(ctx context.Context) (*taxonomy.Tree, error)
	RecordSync(ctx context.Context, id int64, f taxonomy.SyncFields) error
}

// LabelSyncResult 标签存在性同步的统计
type LabelSyncResult struct {
	Created   int      `json:"created"`
	Renamed   int      `json:"renamed"`
	Linked    int      `json:"linked"`
	Unchanged int      `json:"unchanged"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
	DryRun    bool     `json:"dry_run"`
}

// LabelSync 保证每个 active taxonomy 标签在 provider 上存在且名称一致。
// 可重复执行：已同步的标签不会产生 provider 写调用。
type LabelSync struct {
	taxonomy   SyncRecorder
	provider   provider.Provider
	archiveTag *ArchiveLabel
	logger     *zap.Logger
}

func NewLabelSync(tx SyncRecorder, p provider.Provider, archiveTag *ArchiveLabel, logger *zap.Logger) *LabelSync {
	return &LabelSync{taxonomy: tx, provider: p, archiveTag: archiveTag, logger: logger}
}

type remoteIndex struct {
	byID   map[string]provider.Label
	byName map[string]provider.Label
}

func (ls *LabelSync) loadRemote(ctx context.Context) (remoteIndex, error) {
	labels, err := ls.provider.ListLabels(ctx)
	if err != nil {
		return remoteIndex{}, fmt.Errorf("failed to list provider labels: %w", err)
	}
	idx := remoteIndex{
		byID:   make(map[string]provider.Label, len(labels)),
		byName: make(map[string]provider.Label, len(labels)),
	}
	for _, l := range labels {
		idx.byID[l.ID] = l
		idx.byName[taxonomy.NormalizeLabelName(l.Name)] = l
	}
	return idx, nil
}

// Sync tier-1 先于 tier-2 处理，provider 不可用时整体中止。
// dryRun 只计算需要的动作，不调用 provider 写接口，也不更新 taxonomy。
func (ls *LabelSync) Sync(ctx context.Context, dryRun bool) (LabelSyncResult, error) {
	res := LabelSyncResult{DryRun: dryRun}

	tree, err := ls.taxonomy.LoadTree(ctx)
	if err != nil {
		return res, err
	}
	remote, err := ls.loadRemote(ctx)
	if err != nil {
		return res, err
	}

	for _, l := range tree.Labels() {
		if !l.IsActive {
			continue
		}
		desired := taxonomy.ProviderLabelNameIn(tree, l)
		action, id, err := ls.syncOne(ctx, l, desired, &remote, dryRun)
		if err != nil {
			if provider.IsUnavailable(err) {
				return res, err
			}
			res.Failed++
			msg := err.Error()
			if len(res.Errors) < 20 {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", desired, msg))
			}
			ls.logger.Warn("Label sync failed",
				zap.Int64("label_id", l.ID),
				zap.String("provider_label_name", desired),
				zap.Error(err),
			)
			if dryRun {
				continue
			}
			if recErr := ls.taxonomy.RecordSync(ctx, l.ID, taxonomy.SyncFields{Status: model.SyncStatusError, Error: &msg}); recErr != nil {
				return res, recErr
			}
			continue
		}

		switch action {
		case "created":
			res.Created++
		case "renamed":
			res.Renamed++
		case "linked":
			res.Linked++
		default:
			res.Unchanged++
		}
		if dryRun {
			continue
		}
		if err := ls.taxonomy.RecordSync(ctx, l.ID, taxonomy.SyncFields{
			ProviderLabelIDSet: true,
			ProviderLabelID:    &id,
			Status:             model.SyncStatusOK,
		}); err != nil {
			return res, err
		}
	}

	if ls.archiveTag != nil && !dryRun {
		if _, err := ls.archiveTag.Ensure(ctx); err != nil {
			return res, err
		}
	}

	ls.logger.Info("Label sync completed",
		zap.Int("created", res.Created),
		zap.Int("renamed", res.Renamed),
		zap.Int("linked", res.Linked),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("failed", res.Failed),
		zap.Bool("dry_run", dryRun),
	)
	return res, nil
}

// syncOne 返回执行的动作和最终的 provider 标签 id
func (ls *LabelSync) syncOne(ctx context.Context, l model.TaxonomyLabel, desired string, remote *remoteIndex, dryRun bool) (string, string, error) {
	key := taxonomy.NormalizeLabelName(desired)

	if l.ProviderLabelID != nil {
		if cur, ok := remote.byID[*l.ProviderLabelID]; ok {
			if cur.Name == desired {
				return "unchanged", cur.ID, nil
			}
			if dryRun {
				return "renamed", cur.ID, nil
			}
			renamed, err := ls.provider.RenameLabel(ctx, cur.ID, desired)
			if errors.Is(err, provider.ErrLabelConflict) {
				// 目标名称已被另一个标签占用，改为关联到它
				if existing, ok := remote.byName[key]; ok {
					return "linked", existing.ID, nil
				}
				if err := ls.refresh(ctx, remote); err != nil {
					return "", "", err
				}
				if existing, ok := remote.byName[key]; ok {
					return "linked", existing.ID, nil
				}
			}
			if err != nil {
				return "", "", err
			}
			delete(remote.byName, taxonomy.NormalizeLabelName(cur.Name))
			remote.byID[renamed.ID] = renamed
			remote.byName[key] = renamed
			return "renamed", renamed.ID, nil
		}
	}

	if existing, ok := remote.byName[key]; ok {
		return "linked", existing.ID, nil
	}
	if dryRun {
		return "created", "", nil
	}

	created, err := ls.provider.CreateLabel(ctx, desired)
	if errors.Is(err, provider.ErrLabelConflict) {
		if err := ls.refresh(ctx, remote); err != nil {
			return "", "", err
		}
		if existing, ok := remote.byName[key]; ok {
			return "linked", existing.ID, nil
		}
	}
	if err != nil {
		return "", "", err
	}
	remote.byID[created.ID] = created
	remote.byName[key] = created
	return "created", created.ID, nil
}

func (ls *LabelSync) refresh(ctx context.Context, remote *remoteIndex) error {
	idx, err := ls.loadRemote(ctx)
	if err != nil {
		return err
	}
	*remote = idx
	return nil
}
