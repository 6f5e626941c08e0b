package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const failedRetention = 24 * time.Hour

// claimScript atomically pops due jobs from the pending set into the active
// set and returns their bodies.
// KEYS[1] = pending zset, KEYS[2] = active set
// ARGV[1] = body key prefix, ARGV[2] = now (unix ms), ARGV[3] = limit
var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, ARGV[3])
local out = {}
for i, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("SADD", KEYS[2], id)
    out[i] = redis.call("GET", ARGV[1] .. id)
end
return out
`)

// removeScript deletes a job only while it is still pending.
// KEYS[1] = pending zset
// ARGV[1] = body key prefix, ARGV[2] = job id
var removeScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[2]) == 1 then
    redis.call("DEL", ARGV[1] .. ARGV[2])
    return 1
end
return 0
`)

// RedisStore implements Store on Redis. Pending jobs live in a ZSET scored
// by due time; bodies are JSON strings; the active set and failed list keep
// in-flight and parked jobs observable.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a job store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisStoreFromClient wraps an existing client (shared with the cache).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func pendingKey(queue string) string { return "jobs:" + queue + ":pending" }
func activeKey(queue string) string  { return "jobs:" + queue + ":active" }
func failedKey(queue string) string  { return "jobs:" + queue + ":failed" }
func bodyPrefix(queue string) string { return "jobs:" + queue + ":body:" }

func (s *RedisStore) writeBody(ctx context.Context, job *Job, ttl time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return s.client.Set(ctx, bodyPrefix(job.Queue)+job.ID, body, ttl).Err()
}

func (s *RedisStore) Add(ctx context.Context, job *Job) error {
	if err := s.writeBody(ctx, job, 0); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, pendingKey(job.Queue), redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: job.ID,
	}).Err()
}

func (s *RedisStore) Claim(ctx context.Context, queue string, now time.Time, limit int) ([]*Job, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey(queue), activeKey(queue)},
		bodyPrefix(queue), now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("claim jobs: unexpected script result %T", res)
	}

	var out []*Job
	for _, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue // body vanished between ZREM and GET; skip the orphan
		}
		var j Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			continue
		}
		j.State = StateActive
		out = append(out, &j)
	}
	return out, nil
}

func (s *RedisStore) Scan(ctx context.Context, queue string, states ...JobState) ([]*Job, error) {
	now := time.Now()
	want := make(map[JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var out []*Job
	appendJob := func(id string, state JobState) error {
		body, err := s.client.Get(ctx, bodyPrefix(queue)+id).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return err
		}
		var j Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil
		}
		j.State = state
		out = append(out, &j)
		return nil
	}

	if want[StateDelayed] || want[StateWaiting] {
		entries, err := s.client.ZRangeWithScores(ctx, pendingKey(queue), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		for _, e := range entries {
			id, _ := e.Member.(string)
			state := StateWaiting
			if e.Score > float64(now.UnixMilli()) {
				state = StateDelayed
			}
			if !want[state] {
				continue
			}
			if err := appendJob(id, state); err != nil {
				return nil, err
			}
		}
	}

	if want[StateActive] {
		ids, err := s.client.SMembers(ctx, activeKey(queue)).Result()
		if err != nil {
			return nil, fmt.Errorf("scan active: %w", err)
		}
		for _, id := range ids {
			if err := appendJob(id, StateActive); err != nil {
				return nil, err
			}
		}
	}

	if want[StateFailed] {
		ids, err := s.client.LRange(ctx, failedKey(queue), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		for _, id := range ids {
			if err := appendJob(id, StateFailed); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, queue, id string) (bool, error) {
	res, err := removeScript.Run(ctx, s.client,
		[]string{pendingKey(queue)}, bodyPrefix(queue), id).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Complete(ctx context.Context, job *Job) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, activeKey(job.Queue), job.ID)
	pipe.Del(ctx, bodyPrefix(job.Queue)+job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Retry(ctx context.Context, job *Job, runAt time.Time) error {
	cp := *job
	cp.State = StateDelayed
	cp.RunAt = runAt
	if err := s.writeBody(ctx, &cp, 0); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, activeKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, pendingKey(job.Queue), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Fail(ctx context.Context, job *Job) error {
	cp := *job
	cp.State = StateFailed
	if err := s.writeBody(ctx, &cp, failedRetention); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, activeKey(job.Queue), job.ID)
	pipe.LPush(ctx, failedKey(job.Queue), job.ID)
	pipe.Expire(ctx, failedKey(job.Queue), failedRetention)
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
