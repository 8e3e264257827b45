package outbox_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taxosync/internal/repository"
	"taxosync/pkg/outbox"
)

// newPostgresPool 每个测试使用独立 schema，结束后删除
func newPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TAXOSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TAXOSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("outbox_it_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		admin.Close()
	})

	require.NoError(t, repository.Migrate(ctx, pool, zap.NewNop()))
	return pool
}

func insertMessage(t *testing.T, pool *pgxpool.Pool, providerID string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO email_messages (provider_message_id) VALUES ($1) RETURNING id`, providerID).Scan(&id)
	require.NoError(t, err)
	return id
}

func enqueue(t *testing.T, pool *pgxpool.Pool, repo *outbox.Repository, messageID int64) bool {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	ok, err := repo.Enqueue(ctx, tx, messageID, outbox.ReasonRetentionDue)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	return ok
}

func newRepo(t *testing.T, pool *pgxpool.Pool, flavor outbox.Flavor) *outbox.Repository {
	t.Helper()
	repo, err := outbox.NewRepository(pool, flavor)
	require.NoError(t, err)
	return repo
}

func TestPostgres_EnqueueKeepsOnePendingPerMessage(t *testing.T) {
	pool := newPostgresPool(t)
	ctx := context.Background()
	msg := insertMessage(t, pool, "m-1")

	for _, flavor := range []outbox.Flavor{outbox.ArchivePush, outbox.LabelPush} {
		t.Run(string(flavor), func(t *testing.T) {
			repo := newRepo(t, pool, flavor)

			assert.True(t, enqueue(t, pool, repo, msg))
			assert.False(t, enqueue(t, pool, repo, msg), "second pending row is merged")
			n, err := repo.CountPending(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			entries, err := repo.ClaimPendingBatch(ctx, 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.NoError(t, repo.MarkProcessed(ctx, entries[0].ID))

			// 处理完成后可以再次入队
			assert.True(t, enqueue(t, pool, repo, msg))
		})
	}
}

func TestPostgres_ClaimLeasesAndSkipsLockedRows(t *testing.T) {
	pool := newPostgresPool(t)
	ctx := context.Background()
	repo := newRepo(t, pool, outbox.ArchivePush)

	var ids []int64
	for i := 1; i <= 6; i++ {
		msg := insertMessage(t, pool, fmt.Sprintf("m-%d", i))
		require.True(t, enqueue(t, pool, repo, msg))
		ids = append(ids, msg)
	}

	first, err := repo.ClaimPendingBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].MessageID)
	assert.Equal(t, ids[1], first[1].MessageID)
	assert.Equal(t, "m-1", first[0].ProviderMessageID)
	require.NotNil(t, first[0].ClaimedAt)

	// 并发领取剩下的 4 条，不会重复
	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := repo.ClaimPendingBatch(ctx, 4)
			assert.NoError(t, err)
			mu.Lock()
			for _, e := range entries {
				claimed[e.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, claimed, 4)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "entry %d claimed more than once", id)
	}

	rest, err := repo.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rest, "leased rows are not claimable")

	n, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestPostgres_MarkProcessedWritesArchivedAt(t *testing.T) {
	pool := newPostgresPool(t)
	ctx := context.Background()
	archive := newRepo(t, pool, outbox.ArchivePush)
	labels := newRepo(t, pool, outbox.LabelPush)

	archivedMsg := insertMessage(t, pool, "m-archive")
	labelMsg := insertMessage(t, pool, "m-label")
	require.True(t, enqueue(t, pool, archive, archivedMsg))
	require.True(t, enqueue(t, pool, labels, labelMsg))

	archivedAt := func(id int64) *time.Time {
		var at *time.Time
		require.NoError(t, pool.QueryRow(ctx, `SELECT archived_at FROM email_messages WHERE id = $1`, id).Scan(&at))
		return at
	}

	entries, err := archive.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, archive.MarkProcessed(ctx, entries[0].ID))
	first := archivedAt(archivedMsg)
	require.NotNil(t, first)

	// 重复调用是 no-op，archived_at 不变
	require.NoError(t, archive.MarkProcessed(ctx, entries[0].ID))
	again := archivedAt(archivedMsg)
	require.NotNil(t, again)
	assert.True(t, first.Equal(*again))

	entries, err = labels.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, labels.MarkProcessed(ctx, entries[0].ID))
	assert.Nil(t, archivedAt(labelMsg), "label push never archives")

	n, err := archive.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgres_MarkFailedBacksOffUntilReplay(t *testing.T) {
	pool := newPostgresPool(t)
	ctx := context.Background()
	repo := newRepo(t, pool, outbox.LabelPush)
	require.True(t, enqueue(t, pool, repo, insertMessage(t, pool, "m-1")))

	entries, err := repo.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].ID
	require.NoError(t, repo.MarkFailed(ctx, id, "provider unavailable"))

	entries, err = repo.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "backing off")

	failed, err := repo.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "provider unavailable", *failed[0].LastError)

	require.NoError(t, repo.Replay(ctx, id))
	entries, err = repo.ClaimPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	require.NoError(t, repo.MarkProcessed(ctx, id))
	assert.ErrorIs(t, repo.Replay(ctx, id), outbox.ErrEntryNotFound)
}
