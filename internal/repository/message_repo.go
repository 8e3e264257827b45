package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taxosync/internal/model"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/outbox"
)

// MessageRepository email_messages、assignments 以及两个 outbox 的写入入口
type MessageRepository struct {
	db          *pgxpool.Pool
	labelOutbox *outbox.Repository
	archOutbox  *outbox.Repository
}

func NewMessageRepository(db *pgxpool.Pool, labelOutbox, archiveOutbox *outbox.Repository) *MessageRepository {
	return &MessageRepository{db: db, labelOutbox: labelOutbox, archOutbox: archiveOutbox}
}

// UpsertMessage 按 provider_message_id 插入或更新，返回内部 id
func (r *MessageRepository) UpsertMessage(ctx context.Context, m model.EmailMessage) (int64, error) {
	labels := m.ProviderLabelIDs
	if labels == nil {
		labels = []string{}
	}
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO email_messages (provider_message_id, subject, from_domain, provider_label_ids)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_message_id) DO UPDATE
		SET subject = EXCLUDED.subject,
		    from_domain = EXCLUDED.from_domain,
		    provider_label_ids = EXCLUDED.provider_label_ids
		RETURNING id
	`, m.ProviderMessageID, m.Subject, m.FromDomain, labels).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert message %s: %w", m.ProviderMessageID, err)
	}
	return id, nil
}

// Assign 写入分配并在同一事务中入队 label-push。
// assigned_at 只在首次写入时设置，重复分配只更新 confidence。
func (r *MessageRepository) Assign(ctx context.Context, messageID, labelID int64, assignedAt time.Time, confidence *float64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO message_taxonomy_assignments (message_id, label_id, assigned_at, confidence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, label_id) DO UPDATE SET confidence = EXCLUDED.confidence
		RETURNING (xmax = 0)
	`, messageID, labelID, assignedAt, confidence).Scan(&inserted)
	if isForeignKeyViolation(err) {
		return false, fmt.Errorf("%w: %d", taxonomy.ErrLabelNotFound, labelID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write assignment %d/%d: %w", messageID, labelID, err)
	}

	if inserted {
		if _, err := r.labelOutbox.Enqueue(ctx, tx, messageID, outbox.ReasonAssignment); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return inserted, nil
}

// ListUnarchivedAssignments 按 message id 分页返回未归档且有分配的邮件
func (r *MessageRepository) ListUnarchivedAssignments(ctx context.Context, afterID int64, limit int) ([]model.MessageAssignments, error) {
	rows, err := r.db.Query(ctx, `
		WITH page AS (
			SELECT m.id
			FROM email_messages m
			WHERE m.archived_at IS NULL
			AND m.id > $1
			AND EXISTS (SELECT 1 FROM message_taxonomy_assignments a WHERE a.message_id = m.id)
			ORDER BY m.id
			LIMIT $2
		)
		SELECT m.id, m.provider_message_id, m.subject, m.from_domain,
		       a.label_id, a.assigned_at, a.confidence
		FROM page
		JOIN email_messages m ON m.id = page.id
		JOIN message_taxonomy_assignments a ON a.message_id = m.id
		ORDER BY m.id, a.label_id
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unarchived assignments: %w", err)
	}
	defer rows.Close()

	var out []model.MessageAssignments
	for rows.Next() {
		var (
			m model.EmailMessage
			a model.Assignment
		)
		if err := rows.Scan(&m.ID, &m.ProviderMessageID, &m.Subject, &m.FromDomain,
			&a.LabelID, &a.AssignedAt, &a.Confidence); err != nil {
			return nil, err
		}
		a.MessageID = m.ID
		if n := len(out); n == 0 || out[n-1].Message.ID != m.ID {
			out = append(out, model.MessageAssignments{Message: m})
		}
		last := &out[len(out)-1]
		last.Assignments = append(last.Assignments, a)
	}
	return out, rows.Err()
}

// AssignmentsForMessage returns every assignment of one message.
func (r *MessageRepository) AssignmentsForMessage(ctx context.Context, messageID int64) ([]model.Assignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT message_id, label_id, assigned_at, confidence
		FROM message_taxonomy_assignments
		WHERE message_id = $1
		ORDER BY label_id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.MessageID, &a.LabelID, &a.AssignedAt, &a.Confidence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EnqueueArchive 在单个事务中为候选邮件入队 archive-push，任何错误都整体回滚。
// 返回实际插入的行数，其余是已有 pending 记录的邮件。
func (r *MessageRepository) EnqueueArchive(ctx context.Context, messageIDs []int64, reason string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, id := range messageIDs {
		ok, err := r.archOutbox.Enqueue(ctx, tx, id, reason)
		if err != nil {
			return 0, err
		}
		if ok {
			inserted++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit archive plan: %w", err)
	}
	return inserted, nil
}

// CountPendingArchive returns the archive-push backlog.
func (r *MessageRepository) CountPendingArchive(ctx context.Context) (int, error) {
	return r.archOutbox.CountPending(ctx)
}

// EnqueueLabelPushPage 为一页有分配的未归档邮件入队 label-push（bulk push 使用）。
// 返回 (本页最后的 message id, 扫描数, 插入数)。
func (r *MessageRepository) EnqueueLabelPushPage(ctx context.Context, afterID int64, limit int) (int64, int, int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.id
		FROM email_messages m
		WHERE m.archived_at IS NULL
		AND m.id > $1
		AND EXISTS (SELECT 1 FROM message_taxonomy_assignments a WHERE a.message_id = m.id)
		ORDER BY m.id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return afterID, 0, 0, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return afterID, 0, 0, err
	}
	if len(ids) == 0 {
		return afterID, 0, 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return afterID, 0, 0, err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, id := range ids {
		ok, err := r.labelOutbox.Enqueue(ctx, tx, id, outbox.ReasonBulkPush)
		if err != nil {
			return afterID, 0, 0, err
		}
		if ok {
			inserted++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return afterID, 0, 0, err
	}
	return ids[len(ids)-1], len(ids), inserted, nil
}

// CountAssignedUnarchived 用于 bulk push 的进度总数
func (r *MessageRepository) CountAssignedUnarchived(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM email_messages m
		WHERE m.archived_at IS NULL
		AND EXISTS (SELECT 1 FROM message_taxonomy_assignments a WHERE a.message_id = m.id)
	`).Scan(&n)
	return n, err
}
