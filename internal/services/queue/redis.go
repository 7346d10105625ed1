package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	perr "shutter/internal/platform/errors"
	"shutter/internal/services/jobs/domain"
)

// Redis key layout. The delayed zset scores by due time in unix millis and
// carries only job ids; snapshots live in a companion hash so CancelDelayed
// can remove by id.
const (
	readyKey       = "shutter:queue:ready"
	delayedKey     = "shutter:queue:delayed"
	delayedDataKey = "shutter:queue:delayed:data"
)

// Redis is a Queue backed by a Redis list plus a sorted set, for deployments
// where workers run on more than one node
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing client
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Enqueue pushes s onto the ready list
func (r *Redis) Enqueue(ctx context.Context, s domain.Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "encode snapshot")
	}
	if err := r.rdb.LPush(ctx, readyKey, raw).Err(); err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnavailable, "enqueue")
	}
	return nil
}

// Dequeue pops the oldest ready snapshot, or nil when the list is empty
func (r *Redis) Dequeue(ctx context.Context) (*domain.Snapshot, error) {
	raw, err := r.rdb.RPop(ctx, readyKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnavailable, "dequeue")
	}
	var s domain.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeJSON, "decode snapshot")
	}
	return &s, nil
}

// Size reports the ready list depth
func (r *Redis) Size(ctx context.Context) (int64, error) {
	n, err := r.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeUnavailable, "queue size")
	}
	return n, nil
}

// EnqueueDelayed schedules s for promotion at due
func (r *Redis) EnqueueDelayed(ctx context.Context, s domain.Snapshot, due time.Time) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "encode snapshot")
	}
	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: s.JobID})
	pipe.HSet(ctx, delayedDataKey, s.JobID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return perr.Wrap(err, perr.ErrorCodeUnavailable, "enqueue delayed")
	}
	return nil
}

// CancelDelayed removes a pending delayed entry by job id
func (r *Redis) CancelDelayed(ctx context.Context, jobID string) (bool, error) {
	pipe := r.rdb.TxPipeline()
	zrem := pipe.ZRem(ctx, delayedKey, jobID)
	pipe.HDel(ctx, delayedDataKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, perr.Wrap(err, perr.ErrorCodeUnavailable, "cancel delayed")
	}
	return zrem.Val() > 0, nil
}

// PromoteDue moves entries whose due time has passed onto the ready list.
// A promotion that loses the ZRem race (another promoter took the entry)
// is skipped, so concurrent promoters never double-promote.
func (r *Redis) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, perr.Wrap(err, perr.ErrorCodeUnavailable, "scan delayed")
	}

	moved := 0
	for _, id := range ids {
		removed, err := r.rdb.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return moved, perr.Wrap(err, perr.ErrorCodeUnavailable, "claim delayed entry")
		}
		if removed == 0 {
			continue
		}
		raw, err := r.rdb.HGet(ctx, delayedDataKey, id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return moved, perr.Wrap(err, perr.ErrorCodeUnavailable, "load delayed entry")
		}
		pipe := r.rdb.TxPipeline()
		pipe.HDel(ctx, delayedDataKey, id)
		pipe.LPush(ctx, readyKey, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, perr.Wrap(err, perr.ErrorCodeUnavailable, "promote delayed entry")
		}
		moved++
	}
	return moved, nil
}
