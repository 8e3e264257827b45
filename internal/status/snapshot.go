package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taxosync/internal/job"
)

const (
	DefaultSnapshotTTL = 24 * time.Hour
	snapshotKeyPrefix  = "taxosync:job:"
)

// SnapshotStore 把任务状态保存到 Redis，进程重启后 GetStatus 仍能返回最近的任务
type SnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSnapshotStore(rdb *redis.Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{rdb: rdb, ttl: ttl}
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id
}

// Save 只会用更新的 Seq 覆盖已有快照
func (s *SnapshotStore) Save(ctx context.Context, st job.Status) error {
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := snapshotKey(st.ID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var old job.Status
			if json.Unmarshal(prev, &old) == nil && old.Seq >= st.Seq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *SnapshotStore) Get(ctx context.Context, id string) (job.Status, error) {
	body, err := s.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Status{}, fmt.Errorf("%w: %s", job.ErrJobNotFound, id)
	}
	if err != nil {
		return job.Status{}, err
	}
	var st job.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return job.Status{}, fmt.Errorf("corrupt job snapshot %s: %w", id, err)
	}
	return st, nil
}
