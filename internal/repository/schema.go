package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type migration struct {
	version int
	sql     string
}

// migrations 按版本顺序执行，每个版本只执行一次
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS taxonomy_labels (
	id                BIGSERIAL PRIMARY KEY,
	tier              SMALLINT NOT NULL CHECK (tier IN (1, 2)),
	slug              TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	parent_id         BIGINT REFERENCES taxonomy_labels(id) ON DELETE RESTRICT,
	retention_days    INTEGER CHECK (retention_days IS NULL OR retention_days BETWEEN 1 AND 3650),
	is_active         BOOLEAN NOT NULL DEFAULT TRUE,
	provider_label_id TEXT,
	last_sync_at      TIMESTAMPTZ,
	sync_status       TEXT NOT NULL DEFAULT 'stale',
	sync_error        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((tier = 1 AND parent_id IS NULL) OR (tier = 2 AND parent_id IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS email_messages (
	id                  BIGSERIAL PRIMARY KEY,
	provider_message_id TEXT NOT NULL UNIQUE,
	subject             TEXT NOT NULL DEFAULT '',
	from_domain         TEXT NOT NULL DEFAULT '',
	archived_at         TIMESTAMPTZ,
	provider_label_ids  TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS message_taxonomy_assignments (
	message_id  BIGINT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	label_id    BIGINT NOT NULL REFERENCES taxonomy_labels(id) ON DELETE RESTRICT,
	assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	confidence  DOUBLE PRECISION,
	PRIMARY KEY (message_id, label_id)
);

CREATE TABLE IF NOT EXISTS label_push_outbox (
	id              BIGSERIAL PRIMARY KEY,
	message_id      BIGINT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	reason          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at    TIMESTAMPTZ,
	last_error      TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ,
	claimed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS archive_push_outbox (
	id              BIGSERIAL PRIMARY KEY,
	message_id      BIGINT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
	reason          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at    TIMESTAMPTZ,
	last_error      TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ,
	claimed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS pipeline_kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_archive_push_outbox_pending
	ON archive_push_outbox(message_id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_label_push_outbox_pending
	ON label_push_outbox(created_at, id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_archive_push_outbox_pending
	ON archive_push_outbox(created_at, id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_label_push_outbox_message
	ON label_push_outbox(message_id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_assignments_label
	ON message_taxonomy_assignments(label_id);
CREATE INDEX IF NOT EXISTS idx_email_messages_unarchived
	ON email_messages(id) WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_taxonomy_labels_parent
	ON taxonomy_labels(parent_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// Migrate 检查当前 schema 版本并执行未应用的 migration
func Migrate(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) error {
	var exists bool
	err := db.QueryRow(ctx, `SELECT to_regclass('schema_version') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	current := 0
	if exists {
		if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		logger.Info("Applied schema migration", zap.Int("version", m.version))
	}
	return nil
}
