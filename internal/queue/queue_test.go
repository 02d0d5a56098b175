package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test", zap.NewNop())
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitAttempt(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job attempt")
		return 0
	}
}

func TestEnqueueSuppressesDuplicates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, "job-1", []byte("a"), Options{TTL: time.Minute})
	if err != nil || !ok {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = q.Enqueue(ctx, "job-1", []byte("b"), Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Fatal("duplicate job was accepted")
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1", stats.Waiting)
	}
}

func TestWorkerProcessesJob(t *testing.T) {
	q := newTestQueue(t)
	got := make(chan string, 1)

	w := NewWorker(q, 2, time.Second, func(ctx context.Context, job *Job) error {
		got <- string(job.Payload)
		return nil
	})
	runWorker(t, w)

	if _, err := q.Enqueue(context.Background(), "job-1", []byte("payload"), Options{TTL: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case p := <-got:
		if p != "payload" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job never processed")
	}

	// Completion releases the duplicate key.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := q.Enqueue(context.Background(), "job-1", []byte("again"), Options{TTL: time.Minute})
		if err != nil {
			t.Fatalf("re-enqueue: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dedup key not released after completion")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerRetriesUntilExhausted(t *testing.T) {
	q := newTestQueue(t)
	attempts := make(chan int, 10)

	w := NewWorker(q, 1, 10*time.Millisecond, func(ctx context.Context, job *Job) error {
		attempts <- job.Attempt
		return errors.New("boom")
	})
	var mu sync.Mutex
	var exhausted []string
	w.OnExhausted = func(ctx context.Context, job *Job, err error) {
		mu.Lock()
		exhausted = append(exhausted, job.ID)
		mu.Unlock()
	}
	runWorker(t, w)

	if _, err := q.Enqueue(context.Background(), "job-1", []byte("x"), Options{TTL: time.Minute, MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for want := 1; want <= 3; want++ {
		if got := waitAttempt(t, attempts); got != want {
			t.Fatalf("attempt = %d, want %d", got, want)
		}
	}
	select {
	case n := <-attempts:
		t.Fatalf("unexpected attempt %d after exhaustion", n)
	case <-time.After(300 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if len(exhausted) != 1 || exhausted[0] != "job-1" {
		t.Fatalf("exhausted = %v, want [job-1]", exhausted)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	q := newTestQueue(t)
	attempts := make(chan int, 4)

	w := NewWorker(q, 1, time.Hour, func(ctx context.Context, job *Job) error {
		attempts <- job.Attempt
		if job.Attempt == 1 {
			return RetryAfter(50*time.Millisecond, errors.New("come back soon"))
		}
		return nil
	})
	runWorker(t, w)

	if _, err := q.Enqueue(context.Background(), "job-1", []byte("x"), Options{TTL: time.Minute, MaxAttempts: 5}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitAttempt(t, attempts)
	// With the hour-long default backoff the second attempt can only come
	// from the RetryAfter schedule.
	if got := waitAttempt(t, attempts); got != 2 {
		t.Fatalf("attempt = %d, want 2", got)
	}
}

func TestPayloadMutationSurvivesRetry(t *testing.T) {
	q := newTestQueue(t)
	payloads := make(chan string, 4)

	w := NewWorker(q, 1, 10*time.Millisecond, func(ctx context.Context, job *Job) error {
		payloads <- string(job.Payload)
		if job.Attempt == 1 {
			job.Payload = []byte("rewritten")
			return errors.New("retry with new payload")
		}
		return nil
	})
	runWorker(t, w)

	if _, err := q.Enqueue(context.Background(), "job-1", []byte("original"), Options{TTL: time.Minute, MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := <-payloads; got != "original" {
		t.Fatalf("first payload = %q", got)
	}
	select {
	case got := <-payloads:
		if got != "rewritten" {
			t.Fatalf("second payload = %q, want rewritten", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry never ran")
	}
}

func TestDelayedEnqueue(t *testing.T) {
	q := newTestQueue(t)
	processed := make(chan time.Time, 1)

	w := NewWorker(q, 1, time.Second, func(ctx context.Context, job *Job) error {
		processed <- time.Now()
		return nil
	})
	runWorker(t, w)

	start := time.Now()
	if _, err := q.Enqueue(context.Background(), "job-1", []byte("x"), Options{TTL: time.Minute, Delay: 300 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case at := <-processed:
		if elapsed := at.Sub(start); elapsed < 250*time.Millisecond {
			t.Fatalf("job ran after %s, want the configured delay", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestRecoverRequeuesActiveJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "job-1", []byte("x"), Options{TTL: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a crash mid-processing: job sits on the active list.
	id, err := q.rdb.LPop(ctx, q.key("wait")).Result()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := q.rdb.RPush(ctx, q.key("active"), id).Err(); err != nil {
		t.Fatalf("push active: %v", err)
	}

	n, err := q.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 || stats.Active != 0 {
		t.Fatalf("stats = %+v, want the job back on wait", stats)
	}
}

func TestPeek(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, id, []byte("payload-"+id), Options{TTL: time.Minute, MaxAttempts: 10}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	jobs, err := q.Peek(ctx, 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("peeked %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != "a" || string(jobs[0].Payload) != "payload-a" {
		t.Fatalf("first job = %+v", jobs[0])
	}
	if jobs[0].MaxAttempts != 10 {
		t.Fatalf("maxattempts = %d, want 10", jobs[0].MaxAttempts)
	}
}
