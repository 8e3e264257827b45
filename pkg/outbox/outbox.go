package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Flavor 两种互相独立的 outbox，不能合并成一个队列
type Flavor string

const (
	LabelPush   Flavor = "label_push"
	ArchivePush Flavor = "archive_push"
)

const (
	// MaxErrorLen last_error 的最大字节数
	MaxErrorLen = 5000

	DefaultLease      = 5 * time.Minute
	RetryBackoffStep  = 30 * time.Second
	RetryBackoffLimit = time.Hour
)

var (
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrUnknownFlavor = errors.New("unknown outbox flavor")
)

// Table 返回 flavor 对应的表名
func (f Flavor) Table() (string, error) {
	switch f {
	case LabelPush:
		return "label_push_outbox", nil
	case ArchivePush:
		return "archive_push_outbox", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFlavor, string(f))
	}
}

// ParseFlavor 接受 "label"/"label_push"/"archive"/"archive_push"
func ParseFlavor(s string) (Flavor, error) {
	switch s {
	case "label", string(LabelPush), "label-push":
		return LabelPush, nil
	case "archive", string(ArchivePush), "archive-push":
		return ArchivePush, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFlavor, s)
	}
}

// Entry 一条 outbox 记录，ProcessedAt 为 nil 表示 pending
type Entry struct {
	ID                int64      `json:"id"`
	MessageID         int64      `json:"message_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	Reason            string     `json:"reason"`
	CreatedAt         time.Time  `json:"created_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	Attempts          int        `json:"attempts"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
}

// Reason codes written to the reason column.
const (
	ReasonAssignment   = "assignment"
	ReasonBulkPush     = "bulk_push"
	ReasonRetentionDue = "retention_due"
)

// Pending reports whether the entry still waits for a successful push.
func (e Entry) Pending() bool {
	return e.ProcessedAt == nil
}

// Store Sync Worker 依赖的 outbox 操作
type Store interface {
	Flavor() Flavor
	// ClaimPendingBatch 原子地领取一批 pending 记录（写入 claimed_at 租约）
	ClaimPendingBatch(ctx context.Context, limit int) ([]Entry, error)
	// NextPendingBatch 只读查看，不领取；dry-run 使用
	NextPendingBatch(ctx context.Context, limit int) ([]Entry, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	CountPending(ctx context.Context) (int, error)
}

// Repository 基于 PostgreSQL 的 outbox，每个 flavor 一个实例
type Repository struct {
	db     *pgxpool.Pool
	flavor Flavor
	table  string
	lease  time.Duration
}

// NewRepository 创建指定 flavor 的 outbox Repository
func NewRepository(db *pgxpool.Pool, flavor Flavor) (*Repository, error) {
	table, err := flavor.Table()
	if err != nil {
		return nil, err
	}
	return &Repository{db: db, flavor: flavor, table: table, lease: DefaultLease}, nil
}

func (r *Repository) Flavor() Flavor {
	return r.flavor
}

// Enqueue 在调用方的事务中插入记录，必须与业务写入在同一事务。
// 同一 message 已有 pending 记录时不插入，返回 false。
// archive outbox 由部分唯一索引保证；label outbox 按 NOT EXISTS 合并。
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, messageID int64, reason string) (bool, error) {
	var query string
	switch r.flavor {
	case ArchivePush:
		query = fmt.Sprintf(`
			INSERT INTO %s (message_id, reason)
			VALUES ($1, $2)
			ON CONFLICT (message_id) WHERE processed_at IS NULL DO NOTHING
		`, r.table)
	default:
		query = fmt.Sprintf(`
			INSERT INTO %[1]s (message_id, reason)
			SELECT $1, $2
			WHERE NOT EXISTS (
				SELECT 1 FROM %[1]s WHERE message_id = $1 AND processed_at IS NULL
			)
		`, r.table)
	}

	tag, err := tx.Exec(ctx, query, messageID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s entry for message %d: %w", r.flavor, messageID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPendingBatch 按 created_at 先进先出领取；租约过期的记录会被重新领取
func (r *Repository) ClaimPendingBatch(ctx context.Context, limit int) ([]Entry, error) {
	query := fmt.Sprintf(`
		WITH picked AS (
			SELECT id FROM %[1]s
			WHERE processed_at IS NULL
			AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s o
		SET claimed_at = NOW()
		FROM picked, email_messages m
		WHERE o.id = picked.id AND m.id = o.message_id
		RETURNING o.id, o.message_id, m.provider_message_id, o.reason, o.created_at,
		          o.processed_at, o.last_error, o.attempts, o.next_attempt_at, o.claimed_at
	`, r.table)

	rows, err := r.db.Query(ctx, query, limit, r.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s batch: %w", r.flavor, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING 不保证顺序
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// NextPendingBatch 只读，不修改 outbox 状态
func (r *Repository) NextPendingBatch(ctx context.Context, limit int) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT o.id, o.message_id, m.provider_message_id, o.reason, o.created_at,
		       o.processed_at, o.last_error, o.attempts, o.next_attempt_at, o.claimed_at
		FROM %s o
		JOIN email_messages m ON m.id = o.message_id
		WHERE o.processed_at IS NULL
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $1
	`, r.table)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s entries: %w", r.flavor, err)
	}
	return scanEntries(rows)
}

// MarkProcessed 标记为已处理。archive flavor 在同一事务中写入 email_messages.archived_at。
// 对已处理的记录重复调用是 no-op。
func (r *Repository) MarkProcessed(ctx context.Context, id int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var messageID int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET processed_at = NOW(), last_error = NULL, claimed_at = NULL
		WHERE id = $1 AND processed_at IS NULL
		RETURNING message_id
	`, r.table), id).Scan(&messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark %s entry %d processed: %w", r.flavor, id, err)
	}

	if r.flavor == ArchivePush {
		_, err = tx.Exec(ctx, `
			UPDATE email_messages
			SET archived_at = COALESCE(archived_at, NOW())
			WHERE id = $1
		`, messageID)
		if err != nil {
			return fmt.Errorf("failed to set archived_at for message %d: %w", messageID, err)
		}
	}

	return tx.Commit(ctx)
}

// MarkFailed 记录错误并释放租约，记录保持 pending，按 attempts 线性退避
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET attempts = attempts + 1,
		    last_error = $2,
		    claimed_at = NULL,
		    next_attempt_at = NOW() + make_interval(secs => LEAST((attempts + 1) * $3::float8, $4::float8))
		WHERE id = $1 AND processed_at IS NULL
	`, r.table)

	_, err := r.db.Exec(ctx, query, id, TruncateError(cause), RetryBackoffStep.Seconds(), RetryBackoffLimit.Seconds())
	if err != nil {
		return fmt.Errorf("failed to mark %s entry %d failed: %w", r.flavor, id, err)
	}
	return nil
}

// CountPending 返回 pending 记录数（包括退避中的）
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE processed_at IS NULL`, r.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending %s entries: %w", r.flavor, err)
	}
	return n, nil
}

// ListFailed 带错误的 pending 记录（用于管理界面）
func (r *Repository) ListFailed(ctx context.Context, limit int) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT o.id, o.message_id, m.provider_message_id, o.reason, o.created_at,
		       o.processed_at, o.last_error, o.attempts, o.next_attempt_at, o.claimed_at
		FROM %s o
		JOIN email_messages m ON m.id = o.message_id
		WHERE o.processed_at IS NULL AND o.last_error IS NOT NULL
		ORDER BY o.created_at DESC
		LIMIT $1
	`, r.table)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed %s entries: %w", r.flavor, err)
	}
	return scanEntries(rows)
}

// Replay 清除退避与租约，使记录在下一次 drain 时立即可领取。
// 已处理的记录不能重放。
func (r *Repository) Replay(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET attempts = 0, next_attempt_at = NULL, claimed_at = NULL
		WHERE id = $1 AND processed_at IS NULL
	`, r.table), id)
	if err != nil {
		return fmt.Errorf("failed to replay %s entry %d: %w", r.flavor, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %d", ErrEntryNotFound, r.flavor, id)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID,
			&e.MessageID,
			&e.ProviderMessageID,
			&e.Reason,
			&e.CreatedAt,
			&e.ProcessedAt,
			&e.LastError,
			&e.Attempts,
			&e.NextAttemptAt,
			&e.ClaimedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TruncateError 截断到 MaxErrorLen 字节，不切断 UTF-8 字符
func TruncateError(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Backoff 第 attempts 次失败后的等待时间，与 MarkFailed 的 SQL 一致
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := time.Duration(attempts) * RetryBackoffStep
	if d > RetryBackoffLimit {
		return RetryBackoffLimit
	}
	return d
}
