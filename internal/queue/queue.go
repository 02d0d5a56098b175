// Package queue is a small Redis-backed job queue with duplicate
// suppression, delayed retries and bounded worker pools. Every pipeline
// stage of the solver consumes one of these queues.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultTTL = time.Hour

// Options controls a single enqueue.
type Options struct {
	// Delay defers the first attempt.
	Delay time.Duration
	// TTL bounds both the duplicate-suppression window and the payload
	// lifetime. Producers pass the intent's remaining validity.
	TTL time.Duration
	// MaxAttempts caps handler executions, the scheduling delays between
	// them included. Zero means one attempt.
	MaxAttempts int
}

// Job is one unit of work. Handlers may replace Payload before returning
// an error; the mutated payload is what the retry will see.
type Job struct {
	ID          string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// Stats is a point-in-time view of a queue, for the admin surface.
type Stats struct {
	Name    string `json:"name"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
}

// Queue names a Redis-backed job list.
type Queue struct {
	rdb  *redis.Client
	name string
	log  *zap.Logger
}

func New(rdb *redis.Client, name string, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, name: name, log: log.With(zap.String("queue", name))}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(part string) string {
	return "q:" + q.name + ":" + part
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

func (q *Queue) dedupKey(id string) string {
	return q.key("dedup:" + id)
}

// Enqueue adds a job unless one with the same id is already outstanding.
// The bool result reports whether the job was accepted.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte, opts Options) (bool, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if min := opts.Delay + time.Minute; ttl < min {
		ttl = min
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	ok, err := q.rdb.SetNX(ctx, q.dedupKey(id), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", id, err)
	}
	if !ok {
		q.log.Debug("duplicate job suppressed", zap.String("job", id))
		return false, nil
	}

	if err := q.rdb.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"payload":     payload,
		"attempts":    0,
		"maxattempts": maxAttempts,
		"enqueued":    time.Now().UnixMilli(),
	}).Err(); err != nil {
		return false, fmt.Errorf("store job %s: %w", id, err)
	}
	if err := q.rdb.Expire(ctx, q.jobKey(id), ttl).Err(); err != nil {
		return false, fmt.Errorf("expire job %s: %w", id, err)
	}

	if opts.Delay > 0 {
		err = q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(time.Now().Add(opts.Delay).UnixMilli()),
			Member: id,
		}).Err()
	} else {
		err = q.rdb.RPush(ctx, q.key("wait"), id).Err()
	}
	if err != nil {
		return false, fmt.Errorf("queue job %s: %w", id, err)
	}
	q.log.Debug("job enqueued", zap.String("job", id), zap.Duration("delay", opts.Delay))
	return true, nil
}

// finish drops every trace of a job, releasing its duplicate key.
func (q *Queue) finish(ctx context.Context, id string) {
	if err := q.rdb.Del(ctx, q.jobKey(id), q.dedupKey(id)).Err(); err != nil {
		q.log.Warn("job cleanup failed", zap.String("job", id), zap.Error(err))
	}
}

// Recover moves jobs stranded on the active list by a previous crash back
// to the wait list. Call once at startup, before the workers.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read active list: %w", err)
	}
	for _, id := range ids {
		if err := q.rdb.RPush(ctx, q.key("wait"), id).Err(); err != nil {
			return 0, fmt.Errorf("requeue %s: %w", id, err)
		}
	}
	if err := q.rdb.Del(ctx, q.key("active")).Err(); err != nil {
		return 0, fmt.Errorf("clear active list: %w", err)
	}
	if len(ids) > 0 {
		q.log.Info("recovered stranded jobs", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Stats returns the queue depths.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	waiting, err := q.rdb.LLen(ctx, q.key("wait")).Result()
	if err != nil {
		return nil, err
	}
	active, err := q.rdb.LLen(ctx, q.key("active")).Result()
	if err != nil {
		return nil, err
	}
	delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return nil, err
	}
	return &Stats{Name: q.name, Waiting: waiting, Active: active, Delayed: delayed}, nil
}

// Peek returns up to n waiting jobs without consuming them.
func (q *Queue) Peek(ctx context.Context, n int) ([]*Job, error) {
	ids, err := q.rdb.LRange(ctx, q.key("wait"), 0, int64(n)-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		data, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		attempts, _ := strconv.Atoi(data["attempts"])
		maxAttempts, _ := strconv.Atoi(data["maxattempts"])
		jobs = append(jobs, &Job{
			ID:          id,
			Payload:     []byte(data["payload"]),
			Attempt:     attempts,
			MaxAttempts: maxAttempts,
		})
	}
	return jobs, nil
}
