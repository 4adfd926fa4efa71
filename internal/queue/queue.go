package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/datacleanse/internal/config"
)

// =============================================================================
// WORK QUEUE - Redis-backed at-least-once task queue
// =============================================================================
// Structures:
//   cleanse:queue:pending     LIST  - FIFO of taskIds awaiting a worker
//   cleanse:queue:processing  ZSET  - leased taskIds, score = visibility deadline
//   cleanse:queue:delayed     ZSET  - retry-scheduled taskIds, score = ready time
//   cleanse:queue:dlq         LIST  - exhausted taskIds
//   cleanse:queue:status:<id> HASH  - status, attempts, worker, timestamps
//   cleanse:task:<id>         STRING - task payload JSON
//
// A taskId lives in at most one of pending/processing/delayed/dlq; every
// move is done in a Lua script so the queue mutation and the status
// mutation commit together.

const (
	keyPending    = "cleanse:queue:pending"
	keyProcessing = "cleanse:queue:processing"
	keyDelayed    = "cleanse:queue:delayed"
	keyDLQ        = "cleanse:queue:dlq"
	keyStatus     = "cleanse:queue:status:%s" // taskId
	keyTask       = "cleanse:task:%s"         // taskId
)

// completedTaskTTL keeps terminal task state queryable for a day.
const completedTaskTTL = 24 * time.Hour

// Task statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

var (
	// ErrTaskNotFound is returned for heartbeat/ack/fail on an unknown
	// or no-longer-leased task.
	ErrTaskNotFound = errors.New("task not found in processing set")
)

// Task is one queued unit of work bound to an uploaded file.
type Task struct {
	TaskID    string    `json:"taskId"` // equals the jobId
	FileID    string    `json:"fileId"`
	FilePath  string    `json:"filePath"`
	FileName  string    `json:"fileName"`
	FileType  string    `json:"fileType"`
	TotalRows int       `json:"totalRows"`
	CreatedAt time.Time `json:"createdAt"`

	// Populated from the status hash on lease.
	Attempts int `json:"-"`
}

// Status is the queryable lifecycle record of a task.
type Status struct {
	TaskID      string `json:"taskId"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	WorkerID    string `json:"workerId,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Deadline    int64  `json:"visibilityDeadline,omitempty"`
}

// Stats is a point-in-time census of the queue structures.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"deadLetter"`
}

// leaseLuaScript pops the oldest pending task and leases it: move to
// the processing zset with the visibility deadline, bump attempts, and
// flip the status hash, all in one round trip.
const leaseLuaScript = `
local taskId = redis.call("LPOP", KEYS[1])
if not taskId then
    return false
end
local statusKey = "cleanse:queue:status:" .. taskId
redis.call("ZADD", KEYS[2], ARGV[1], taskId)
local attempts = redis.call("HINCRBY", statusKey, "attempts", 1)
redis.call("HSET", statusKey,
    "status", "processing",
    "workerId", ARGV[2],
    "deadline", ARGV[1])
redis.call("HSETNX", statusKey, "startedAt", ARGV[3])
return {taskId, attempts}
`

// heartbeatLuaScript extends the visibility deadline, but only while
// the task is still leased.
const heartbeatLuaScript = `
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
    return 0
end
redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[1])
redis.call("HSET", "cleanse:queue:status:" .. ARGV[1], "deadline", ARGV[2])
return 1
`

// ackLuaScript removes the lease and marks the task terminal.
const ackLuaScript = `
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
    return 0
end
local statusKey = "cleanse:queue:status:" .. ARGV[1]
redis.call("HSET", statusKey, "status", "completed", "completedAt", ARGV[2])
redis.call("HDEL", statusKey, "deadline")
redis.call("EXPIRE", statusKey, ARGV[3])
redis.call("EXPIRE", "cleanse:task:" .. ARGV[1], ARGV[3])
return 1
`

// failLuaScript terminates or reschedules a leased task. ARGV[2] is the
// retry ready-time (unix); ARGV[2] == "0" dead-letters instead.
const failLuaScript = `
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
    return 0
end
local statusKey = "cleanse:queue:status:" .. ARGV[1]
redis.call("HSET", statusKey, "lastError", ARGV[3])
redis.call("HDEL", statusKey, "deadline")
if ARGV[2] == "0" then
    redis.call("RPUSH", KEYS[3], ARGV[1])
    redis.call("HSET", statusKey, "status", ARGV[4], "completedAt", ARGV[5])
    redis.call("EXPIRE", statusKey, ARGV[6])
    redis.call("EXPIRE", "cleanse:task:" .. ARGV[1], ARGV[6])
else
    redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
    redis.call("HSET", statusKey, "status", "pending")
end
return 1
`

// promoteLuaScript moves due delayed tasks back onto the pending list.
const promoteLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, taskId in ipairs(due) do
    redis.call("ZREM", KEYS[1], taskId)
    redis.call("RPUSH", KEYS[2], taskId)
end
return #due
`

// Queue is the Redis-backed work queue shared by the API producer and
// the worker consumer.
type Queue struct {
	redis   *redis.Client
	cfg     config.QueueConfig
	rng     *rand.Rand
	lease   *redis.Script
	beat    *redis.Script
	ack     *redis.Script
	fail    *redis.Script
	promote *redis.Script
}

// New creates a queue over an existing Redis client.
func New(client *redis.Client, cfg config.QueueConfig) *Queue {
	return &Queue{
		redis:   client,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		lease:   redis.NewScript(leaseLuaScript),
		beat:    redis.NewScript(heartbeatLuaScript),
		ack:     redis.NewScript(ackLuaScript),
		fail:    redis.NewScript(failLuaScript),
		promote: redis.NewScript(promoteLuaScript),
	}
}

// Enqueue stores the task payload, initializes its status record, and
// pushes it onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyTask, task.TaskID), payload, 0)
	pipe.HSet(ctx, fmt.Sprintf(keyStatus, task.TaskID),
		"status", StatusPending,
		"attempts", 0,
		"createdAt", task.CreatedAt.Unix())
	pipe.RPush(ctx, keyPending, task.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.TaskID, err)
	}
	log.Printf("[Queue] Enqueued task %s (file %s)", task.TaskID, task.FileName)
	return nil
}

// Lease promotes due retries and atomically claims the next pending
// task for workerID. Returns nil when the queue is empty.
func (q *Queue) Lease(ctx context.Context, workerID string) (*Task, error) {
	now := time.Now()
	if _, err := q.promote.Run(ctx, q.redis, []string{keyDelayed, keyPending}, now.Unix()).Result(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	deadline := now.Add(q.cfg.TaskTimeout).Unix()
	res, err := q.lease.Run(ctx, q.redis,
		[]string{keyPending, keyProcessing},
		deadline, workerID, now.Unix(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("lease: unexpected script result %v", res)
	}
	taskID, _ := pair[0].(string)
	attempts, _ := pair[1].(int64)

	task, err := q.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.Attempts = int(attempts)
	return task, nil
}

// Heartbeat extends the visibility deadline of a leased task.
func (q *Queue) Heartbeat(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(q.cfg.TaskTimeout).Unix()
	n, err := q.beat.Run(ctx, q.redis, []string{keyProcessing}, taskID, deadline).Int64()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", taskID, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Ack marks a leased task completed and releases the lease.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	n, err := q.ack.Run(ctx, q.redis,
		[]string{keyProcessing},
		taskID, time.Now().Unix(), int(completedTaskTTL.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("ack %s: %w", taskID, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Fail terminates or reschedules a leased task. Retryable failures
// below the attempt cap go to the delayed set with exponential backoff;
// everything else dead-letters with the given terminal status.
func (q *Queue) Fail(ctx context.Context, taskID string, taskErr error, retryable bool) error {
	return q.failWithStatus(ctx, taskID, taskErr, retryable, StatusFailed)
}

func (q *Queue) failWithStatus(ctx context.Context, taskID string, taskErr error, retryable bool, terminalStatus string) error {
	attempts, err := q.redis.HGet(ctx, fmt.Sprintf(keyStatus, taskID), "attempts").Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("fail %s: read attempts: %w", taskID, err)
	}

	readyAt := int64(0)
	if retryable && attempts < q.cfg.MaxRetryAttempts {
		readyAt = time.Now().Add(q.backoff(attempts)).Unix()
	}

	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	n, err := q.fail.Run(ctx, q.redis,
		[]string{keyProcessing, keyDelayed, keyDLQ},
		taskID, readyAt, msg, terminalStatus, time.Now().Unix(), int(completedTaskTTL.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("fail %s: %w", taskID, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}

	if readyAt > 0 {
		log.Printf("[Queue] Task %s failed (attempt %d/%d), retrying at %s: %v",
			taskID, attempts, q.cfg.MaxRetryAttempts, time.Unix(readyAt, 0).Format(time.RFC3339), taskErr)
	} else {
		log.Printf("[Queue] Task %s dead-lettered after %d attempts (%s): %v",
			taskID, attempts, terminalStatus, taskErr)
	}
	return nil
}

// ReclaimExpired sweeps the processing set for tasks whose visibility
// deadline has passed. Each is treated as a retryable timeout; tasks
// out of attempts dead-letter with status timeout. Returns the number
// of tasks reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	expired, err := q.redis.ZRangeByScore(ctx, keyProcessing, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim scan: %w", err)
	}

	reclaimed := 0
	for _, taskID := range expired {
		err := q.failWithStatus(ctx, taskID, errors.New("visibility deadline expired"), true, StatusTimeout)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue // raced with heartbeat or ack
			}
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		log.Printf("[Queue] Reclaimed %d expired task(s)", reclaimed)
	}
	return reclaimed, nil
}

// Status returns the lifecycle record for a task.
func (q *Queue) Status(ctx context.Context, taskID string) (*Status, error) {
	fields, err := q.redis.HGetAll(ctx, fmt.Sprintf(keyStatus, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	st := &Status{TaskID: taskID, Status: fields["status"], WorkerID: fields["workerId"], LastError: fields["lastError"]}
	st.Attempts = parseIntField(fields, "attempts")
	st.CreatedAt = parseInt64Field(fields, "createdAt")
	st.StartedAt = parseInt64Field(fields, "startedAt")
	st.CompletedAt = parseInt64Field(fields, "completedAt")
	st.Deadline = parseInt64Field(fields, "deadline")
	return st, nil
}

// QueueStats counts entries in each queue structure.
func (q *Queue) QueueStats(ctx context.Context) (*Stats, error) {
	pipe := q.redis.Pipeline()
	pending := pipe.LLen(ctx, keyPending)
	processing := pipe.ZCard(ctx, keyProcessing)
	delayed := pipe.ZCard(ctx, keyDelayed)
	dlq := pipe.LLen(ctx, keyDLQ)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		DeadLetter: dlq.Val(),
	}, nil
}

// backoff implements min(base * 2^(attempts-1), max) with up to 25%
// additive jitter to spread retry bursts.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.cfg.BaseBackoff << uint(attempts-1)
	if delay > q.cfg.MaxBackoff || delay <= 0 {
		delay = q.cfg.MaxBackoff
	}
	jitter := time.Duration(q.rng.Int63n(int64(delay)/4 + 1))
	if delay+jitter > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return delay + jitter
}

func (q *Queue) getTask(ctx context.Context, taskID string) (*Task, error) {
	payload, err := q.redis.Get(ctx, fmt.Sprintf(keyTask, taskID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s: payload missing", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &task, nil
}

func parseIntField(fields map[string]string, name string) int {
	var v int
	fmt.Sscanf(fields[name], "%d", &v)
	return v
}

func parseInt64Field(fields map[string]string, name string) int64 {
	var v int64
	fmt.Sscanf(fields[name], "%d", &v)
	return v
}
