package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SettingsRepository pipeline_kv 上的简单设置读写
type SettingsRepository struct {
	db *pgxpool.Pool
}

func NewSettingsRepository(db *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetInt 不存在时 ok 为 false；无法解析的值视为不存在
func (r *SettingsRepository) GetInt(ctx context.Context, key string) (int, bool, error) {
	var raw string
	err := r.db.QueryRow(ctx, `SELECT value FROM pipeline_kv WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

func (r *SettingsRepository) SetInt(ctx context.Context, key string, value int) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO pipeline_kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, strconv.Itoa(value))
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", key, err)
	}
	return nil
}
