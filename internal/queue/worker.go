package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HandlerFunc processes one job. A nil return completes the job, any error
// schedules a retry until the attempt budget runs out.
type HandlerFunc func(ctx context.Context, job *Job) error

type retryAfterError struct {
	delay time.Duration
	err   error
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// RetryAfter wraps err so the worker delays the next attempt by d instead
// of its default backoff.
func RetryAfter(d time.Duration, err error) error {
	return &retryAfterError{delay: d, err: err}
}

// Worker drains a queue with a bounded pool of goroutines.
type Worker struct {
	q           *Queue
	concurrency int
	backoff     time.Duration
	handler     HandlerFunc
	log         *zap.Logger

	// OnExhausted, when set, observes jobs that ran out of attempts.
	OnExhausted func(ctx context.Context, job *Job, err error)
}

func NewWorker(q *Queue, concurrency int, backoff time.Duration, handler HandlerFunc) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Worker{
		q:           q,
		concurrency: concurrency,
		backoff:     backoff,
		handler:     handler,
		log:         q.log,
	}
}

// Run blocks until ctx is done, processing jobs with the configured
// concurrency and promoting delayed jobs whose time has come.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promote(ctx)
	}()
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.q.rdb.BLPop(ctx, time.Second, w.q.key("wait")).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("queue pop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		w.process(ctx, res[1])
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	data, err := w.q.rdb.HGetAll(ctx, w.q.jobKey(id)).Result()
	if err != nil {
		w.log.Warn("job load failed", zap.String("job", id), zap.Error(err))
		return
	}
	if len(data) == 0 {
		// Payload expired while waiting.
		w.q.finish(ctx, id)
		return
	}

	attempt, err := w.q.rdb.HIncrBy(ctx, w.q.jobKey(id), "attempts", 1).Result()
	if err != nil {
		w.log.Warn("attempt bump failed", zap.String("job", id), zap.Error(err))
		return
	}
	maxAttempts, _ := strconv.Atoi(data["maxattempts"])
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	job := &Job{
		ID:          id,
		Payload:     []byte(data["payload"]),
		Attempt:     int(attempt),
		MaxAttempts: maxAttempts,
	}

	w.q.rdb.RPush(ctx, w.q.key("active"), id)
	defer w.q.rdb.LRem(ctx, w.q.key("active"), 1, id)

	handlerErr := w.handler(ctx, job)
	if handlerErr == nil {
		w.q.finish(ctx, id)
		return
	}

	if job.Attempt >= job.MaxAttempts {
		w.log.Error("job failed, attempts exhausted",
			zap.String("job", id),
			zap.Int("attempts", job.Attempt),
			zap.Error(handlerErr))
		if w.OnExhausted != nil {
			w.OnExhausted(ctx, job, handlerErr)
		}
		w.q.finish(ctx, id)
		return
	}

	delay := w.backoff
	var ra *retryAfterError
	if errors.As(handlerErr, &ra) {
		delay = ra.delay
	}
	w.log.Info("job retry scheduled",
		zap.String("job", id),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(handlerErr))

	// Persist payload mutations made by the handler for the next attempt.
	if err := w.q.rdb.HSet(ctx, w.q.jobKey(id), "payload", job.Payload).Err(); err != nil {
		w.log.Warn("payload persist failed", zap.String("job", id), zap.Error(err))
	}
	if err := w.q.rdb.ZAdd(ctx, w.q.key("delayed"), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		w.log.Warn("retry schedule failed", zap.String("job", id), zap.Error(err))
	}
}

// promote moves due delayed jobs onto the wait list.
func (w *Worker) promote(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		ids, err := w.q.rdb.ZRangeByScore(ctx, w.q.key("delayed"), &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("delayed scan failed", zap.Error(err))
			}
			continue
		}
		for _, id := range ids {
			removed, err := w.q.rdb.ZRem(ctx, w.q.key("delayed"), id).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := w.q.rdb.RPush(ctx, w.q.key("wait"), id).Err(); err != nil {
				w.log.Warn("delayed promote failed", zap.String("job", id), zap.Error(err))
			}
		}
	}
}
