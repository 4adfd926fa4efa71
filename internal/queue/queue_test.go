package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/datacleanse/internal/config"
)

// =============================================================================
// WORK QUEUE TESTS (miniredis)
// =============================================================================

func setupQueue(t *testing.T, cfg config.QueueConfig) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Millisecond
	}
	return New(client, cfg), mr
}

func testTask(id string) *Task {
	return &Task{
		TaskID:    id,
		FileID:    "file-" + id,
		FilePath:  "/tmp/" + id + ".csv",
		FileName:  id + ".csv",
		FileType:  "csv",
		TotalRows: 42,
	}
}

// leaseEventually retries Lease until a task appears or the deadline
// passes, to absorb second-granularity retry scheduling.
func leaseEventually(t *testing.T, q *Queue, workerID string, within time.Duration) *Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		task, err := q.Lease(context.Background(), workerID)
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if task != nil {
			return task
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("no task became leasable in time")
	return nil
}

func TestQueue_EnqueueLeaseAck(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	st, err := q.Status(ctx, "job-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != StatusPending || st.Attempts != 0 {
		t.Errorf("after enqueue: %+v", st)
	}

	task, err := q.Lease(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.TaskID != "job-1" || task.Attempts != 1 || task.TotalRows != 42 {
		t.Errorf("leased task: %+v", task)
	}

	st, _ = q.Status(ctx, "job-1")
	if st.Status != StatusProcessing || st.WorkerID != "worker-a" || st.StartedAt == 0 {
		t.Errorf("after lease: %+v", st)
	}

	// Queue is drained: a second lease comes back empty.
	if extra, err := q.Lease(ctx, "worker-b"); err != nil || extra != nil {
		t.Errorf("second lease = %+v, %v; want nil, nil", extra, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	st, _ = q.Status(ctx, "job-1")
	if st.Status != StatusCompleted || st.CompletedAt == 0 {
		t.Errorf("after ack: %+v", st)
	}

	stats, err := q.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 0 || stats.Processing != 0 || stats.Delayed != 0 || stats.DeadLetter != 0 {
		t.Errorf("queue not empty after ack: %+v", stats)
	}
}

func TestQueue_LeaseIsFIFO(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{})
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := q.Enqueue(ctx, testTask(id)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"job-1", "job-2", "job-3"} {
		task, err := q.Lease(ctx, "w")
		if err != nil || task == nil {
			t.Fatalf("Lease: %+v, %v", task, err)
		}
		if task.TaskID != want {
			t.Errorf("leased %s, want %s", task.TaskID, want)
		}
	}
}

func TestQueue_HeartbeatRequiresLease(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{})
	ctx := context.Background()

	if err := q.Heartbeat(ctx, "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("heartbeat on unleased task = %v, want ErrTaskNotFound", err)
	}

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := q.Heartbeat(ctx, "job-1"); err != nil {
		t.Errorf("heartbeat on leased task: %v", err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Heartbeat(ctx, "job-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("heartbeat after ack = %v, want ErrTaskNotFound", err)
	}
}

func TestQueue_RetryableFailureIsRedelivered(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, "job-1", errors.New("transient io error"), true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	st, _ := q.Status(ctx, "job-1")
	if st.Status != StatusPending {
		t.Errorf("retryable failure status = %q, want pending", st.Status)
	}
	if st.LastError != "transient io error" {
		t.Errorf("lastError = %q", st.LastError)
	}

	// Backoff is sub-second, so the retry becomes leasable within ~1s.
	task := leaseEventually(t, q, "w", 3*time.Second)
	if task.TaskID != "job-1" || task.Attempts != 2 {
		t.Errorf("redelivered task: %+v", task)
	}
}

func TestQueue_ExhaustedRetriesDeadLetter(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{MaxRetryAttempts: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, "job-1", errors.New("boom"), true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	st, _ := q.Status(ctx, "job-1")
	if st.Status != StatusFailed || st.CompletedAt == 0 {
		t.Errorf("after exhausted retries: %+v", st)
	}

	stats, _ := q.QueueStats(ctx)
	if stats.DeadLetter != 1 || stats.Delayed != 0 {
		t.Errorf("stats after dead-letter: %+v", stats)
	}
}

func TestQueue_NonRetryableFailureDeadLettersImmediately(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{MaxRetryAttempts: 3})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, "job-1", errors.New("corrupted file"), false); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	st, _ := q.Status(ctx, "job-1")
	if st.Status != StatusFailed {
		t.Errorf("status = %q, want failed", st.Status)
	}
	stats, _ := q.QueueStats(ctx)
	if stats.DeadLetter != 1 {
		t.Errorf("dead letter count = %d, want 1", stats.DeadLetter)
	}
}

func TestQueue_FailWithoutLease(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{})
	err := q.Fail(context.Background(), "ghost", errors.New("x"), true)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Fail on unleased task = %v, want ErrTaskNotFound", err)
	}
}

func TestQueue_ReclaimExpired(t *testing.T) {
	// Zero task timeout makes the lease expire the moment it is taken.
	q, _ := setupQueue(t, config.QueueConfig{TaskTimeout: -time.Second, MaxRetryAttempts: 3})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w"); err != nil {
		t.Fatal(err)
	}

	n, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d tasks, want 1", n)
	}

	// Reclaimed task is rescheduled as a retry.
	st, _ := q.Status(ctx, "job-1")
	if st.Status != StatusPending {
		t.Errorf("status after reclaim = %q, want pending", st.Status)
	}
	task := leaseEventually(t, q, "w2", 3*time.Second)
	if task.TaskID != "job-1" || task.Attempts != 2 {
		t.Errorf("reclaimed task: %+v", task)
	}
}

func TestQueue_ReclaimLeavesLiveLeasesAlone(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{TaskTimeout: 30 * time.Minute})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask("job-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Lease(ctx, "w"); err != nil {
		t.Fatal(err)
	}

	n, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed %d live tasks, want 0", n)
	}
}

func TestQueue_StatusUnknownTask(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{})
	st, err := q.Status(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != nil {
		t.Errorf("unknown task status = %+v, want nil", st)
	}
}

func TestQueue_Backoff(t *testing.T) {
	q, _ := setupQueue(t, config.QueueConfig{
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
	})

	for attempts, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	} {
		d := q.backoff(attempts)
		if d < base {
			t.Errorf("backoff(%d) = %v, below base %v", attempts, d, base)
		}
		if d > base+base/4 {
			t.Errorf("backoff(%d) = %v, jitter exceeds 25%% of %v", attempts, d, base)
		}
	}

	// Large attempt counts clamp to the maximum.
	if d := q.backoff(30); d > 60*time.Second {
		t.Errorf("backoff(30) = %v, exceeds cap", d)
	}
}
