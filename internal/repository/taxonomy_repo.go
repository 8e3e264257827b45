package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taxosync/internal/model"
	"taxosync/internal/taxonomy"
)

const labelColumns = `id, tier, slug, name, description, parent_id, retention_days, is_active,
	provider_label_id, last_sync_at, sync_status, sync_error`

type TaxonomyRepository struct {
	db *pgxpool.Pool
}

func NewTaxonomyRepository(db *pgxpool.Pool) *TaxonomyRepository {
	return &TaxonomyRepository{db: db}
}

func scanLabel(row pgx.Row) (model.TaxonomyLabel, error) {
	var l model.TaxonomyLabel
	err := row.Scan(
		&l.ID,
		&l.Tier,
		&l.Slug,
		&l.Name,
		&l.Description,
		&l.ParentID,
		&l.RetentionDays,
		&l.IsActive,
		&l.ProviderLabelID,
		&l.LastSyncAt,
		&l.SyncStatus,
		&l.SyncError,
	)
	return l, err
}

// ListLabels 按 tier、id 排序
func (r *TaxonomyRepository) ListLabels(ctx context.Context, includeInactive bool) ([]model.TaxonomyLabel, error) {
	query := `SELECT ` + labelColumns + ` FROM taxonomy_labels`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY tier, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []model.TaxonomyLabel
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func (r *TaxonomyRepository) GetLabel(ctx context.Context, id int64) (model.TaxonomyLabel, error) {
	l, err := scanLabel(r.db.QueryRow(ctx, `SELECT `+labelColumns+` FROM taxonomy_labels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaxonomyLabel{}, fmt.Errorf("%w: %d", taxonomy.ErrLabelNotFound, id)
	}
	return l, err
}

// CreateLabel slug 冲突返回 ErrInvalidLabel
func (r *TaxonomyRepository) CreateLabel(ctx context.Context, l model.TaxonomyLabel) (model.TaxonomyLabel, error) {
	query := `
		INSERT INTO taxonomy_labels (tier, slug, name, description, parent_id, retention_days, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + labelColumns

	created, err := scanLabel(r.db.QueryRow(ctx, query,
		l.Tier, l.Slug, l.Name, l.Description, l.ParentID, l.RetentionDays, l.IsActive,
	))
	if isUniqueViolation(err) {
		return model.TaxonomyLabel{}, fmt.Errorf("%w: slug %q already exists", taxonomy.ErrInvalidLabel, l.Slug)
	}
	return created, err
}

// UpdateLabel 只更新传入的字段
func (r *TaxonomyRepository) UpdateLabel(ctx context.Context, id int64, upd taxonomy.LabelUpdate) (model.TaxonomyLabel, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
		// 改名后 provider 上的标签需要重新同步
		sets = append(sets, "sync_status = 'stale'")
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.RetentionSet {
		add("retention_days", upd.RetentionDays)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}

	query := `UPDATE taxonomy_labels SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + labelColumns
	l, err := scanLabel(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaxonomyLabel{}, fmt.Errorf("%w: %d", taxonomy.ErrLabelNotFound, id)
	}
	return l, err
}

// DeleteLabel 被邮件或子标签引用时返回 ErrLabelInUse
func (r *TaxonomyRepository) DeleteLabel(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM taxonomy_labels WHERE id = $1`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %d", taxonomy.ErrLabelInUse, id)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", taxonomy.ErrLabelNotFound, id)
	}
	return nil
}

// BulkSetRetention 单事务写入，返回实际更新的行数
func (r *TaxonomyRepository) BulkSetRetention(ctx context.Context, items []taxonomy.RetentionUpdate) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			UPDATE taxonomy_labels SET retention_days = $2, updated_at = NOW() WHERE id = $1
		`, it.LabelID, it.RetentionDays)
	}
	results := tx.SendBatch(ctx, batch)
	updated := 0
	for range items {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, err
		}
		updated += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return updated, nil
}

func (r *TaxonomyRepository) SetSyncFields(ctx context.Context, id int64, f taxonomy.SyncFields) error {
	query := `
		UPDATE taxonomy_labels
		SET sync_status = $2,
		    sync_error = $3,
		    last_sync_at = NOW(),
		    provider_label_id = CASE WHEN $4 THEN $5 ELSE provider_label_id END,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, f.Status, f.Error, f.ProviderLabelIDSet, f.ProviderLabelID)
	return err
}

func (r *TaxonomyRepository) AssignedCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT label_id, COUNT(*) FROM message_taxonomy_assignments GROUP BY label_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			id int64
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
