package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/datacleanse/internal/config"
	"github.com/ignite/datacleanse/internal/parser"
	"github.com/ignite/datacleanse/internal/pkg/logger"
	"github.com/ignite/datacleanse/internal/processor"
	"github.com/ignite/datacleanse/internal/progress"
	"github.com/ignite/datacleanse/internal/queue"
	"github.com/ignite/datacleanse/internal/rules"
	"github.com/ignite/datacleanse/internal/storage"
)

// =============================================================================
// TASK CONSUMER - leases tasks and drives parse -> process -> persist
// =============================================================================
// One consumer handles one task at a time: lease, snapshot the rule
// configuration, stream the file through the processor, drain clean and
// exception batches into the persister, and finalize. Heartbeats run
// for the lease lifetime; a separate sweeper reclaims tasks whose
// owners died.

// errNonRetryable wraps failures that must not requeue.
type errNonRetryable struct{ err error }

func (e errNonRetryable) Error() string { return e.err.Error() }
func (e errNonRetryable) Unwrap() error { return e.err }

// nonRetryable marks an error as terminal for the task.
func nonRetryable(err error) error { return errNonRetryable{err: err} }

// Consumer pulls tasks off the queue and processes them.
type Consumer struct {
	workerID  string
	cfg       *config.Config
	queue     *queue.Queue
	files     *storage.FileRepo
	persister *storage.Persister
	tracker   *progress.Tracker
	rules     *rules.Store
	engine    *rules.Engine
}

func NewConsumer(workerID string, cfg *config.Config, q *queue.Queue, files *storage.FileRepo, persister *storage.Persister, tracker *progress.Tracker, store *rules.Store, engine *rules.Engine) *Consumer {
	return &Consumer{
		workerID:  workerID,
		cfg:       cfg,
		queue:     q,
		files:     files,
		persister: persister,
		tracker:   tracker,
		rules:     store,
		engine:    engine,
	}
}

// Run leases and processes tasks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	log.Printf("[Consumer] Worker %s started", c.workerID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Consumer] Worker %s stopping", c.workerID)
			return
		default:
		}

		task, err := c.queue.Lease(ctx, c.workerID)
		if err != nil {
			log.Printf("[Consumer] Lease error: %v", err)
			c.sleep(ctx, c.cfg.Queue.PollInterval)
			continue
		}
		if task == nil {
			c.sleep(ctx, c.cfg.Queue.PollInterval)
			continue
		}

		c.processTask(ctx, task)
	}
}

// RunReclaimer sweeps expired leases until ctx is cancelled. Run one
// per worker process; the sweep is idempotent across processes.
func (c *Consumer) RunReclaimer(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Queue.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.queue.ReclaimExpired(ctx); err != nil {
				log.Printf("[Consumer] Reclaim error: %v", err)
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (c *Consumer) processTask(ctx context.Context, task *queue.Task) {
	jobID := task.TaskID
	log.Printf("[Consumer] Processing task %s (attempt %d, file %s)", jobID, task.Attempts, task.FileName)

	// The whole job runs under the visibility timeout.
	taskCtx, cancel := context.WithTimeout(ctx, c.cfg.Queue.TaskTimeout)
	defer cancel()

	// Heartbeats keep the lease alive while we work.
	hbCtx, stopHeartbeat := context.WithCancel(taskCtx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, jobID)

	started := time.Now()
	err := c.runJob(taskCtx, task, started)
	if err == nil {
		if ackErr := c.queue.Ack(ctx, jobID); ackErr != nil {
			log.Printf("[Consumer] Ack %s failed: %v", jobID, ackErr)
		}
		logger.Info("job completed",
			"jobId", jobID,
			"fileName", task.FileName,
			"attempts", task.Attempts,
			"durationMs", time.Since(started).Milliseconds())
		return
	}

	var terminal errNonRetryable
	if errors.As(err, &terminal) {
		if dbErr := c.files.MarkFailed(ctx, jobID, err.Error()); dbErr != nil && !errors.Is(dbErr, storage.ErrNotFound) {
			log.Printf("[Consumer] Mark failed %s: %v", jobID, dbErr)
		}
		if qErr := c.queue.Fail(ctx, jobID, err, false); qErr != nil {
			log.Printf("[Consumer] Fail %s: %v", jobID, qErr)
		}
		logger.Error("job failed permanently",
			"jobId", jobID,
			"fileName", task.FileName,
			"attempts", task.Attempts,
			"error", err.Error())
		return
	}

	// Retryable: the queue decides between backoff-requeue and DLQ.
	if qErr := c.queue.Fail(ctx, jobID, err, true); qErr != nil {
		log.Printf("[Consumer] Fail %s: %v", jobID, qErr)
	}
	log.Printf("[Consumer] Task %s failed (retryable): %v", jobID, err)
}

func (c *Consumer) heartbeatLoop(ctx context.Context, taskID string) {
	interval := c.cfg.Queue.HeartbeatInterval
	if interval <= 0 || interval >= c.cfg.Queue.TaskTimeout/3 {
		interval = c.cfg.Queue.TaskTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.Heartbeat(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Consumer] Heartbeat %s: %v", taskID, err)
			}
		}
	}
}

// runJob executes one task end to end. A nil return means the file
// record is completed and counters are final.
func (c *Consumer) runJob(ctx context.Context, task *queue.Task, started time.Time) (err error) {
	jobID := task.TaskID

	// Any failure freezes the job as failed before its in-memory state
	// is dropped; the Redis snapshot keeps it queryable.
	defer func() {
		if err != nil {
			c.tracker.Finish(jobID, progress.PhaseFailed, 0, 0)
			c.tracker.Checkpoint(context.WithoutCancel(ctx), jobID)
		}
		c.tracker.Remove(jobID)
	}()

	if err := c.files.TransitionStatus(ctx, jobID, storage.FileStatusPending, storage.FileStatusProcessing); err != nil {
		// Already processing on a retried attempt is fine.
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("transition to processing: %w", err)
		}
		rec, getErr := c.files.GetByJobID(ctx, jobID)
		if getErr != nil {
			return fmt.Errorf("load file record: %w", getErr)
		}
		if rec.Status != storage.FileStatusProcessing {
			return nonRetryable(fmt.Errorf("file record in unexpected status %q", rec.Status))
		}
	}

	// The job runs under the configuration active at lease time; later
	// updates apply to later jobs only.
	snapshot := c.rules.Get()

	totalRows := task.TotalRows
	if totalRows == 0 {
		counted, err := parser.CountRows(ctx, task.FilePath, task.FileType)
		if err != nil {
			return classifyParseErr(err)
		}
		totalRows = counted
		if err := c.files.SetTotalRows(ctx, jobID, totalRows); err != nil {
			log.Printf("[Consumer] Set total rows %s: %v", jobID, err)
		}
	}

	workerCount := processor.WorkerCount(snapshot.GlobalSettings, totalRows,
		c.cfg.Processing.MaxWorkers, c.cfg.Processing.ParallelThreshold)
	mode := "sequential"
	if workerCount > 1 {
		mode = "parallel"
	}

	c.tracker.Start(jobID, int64(totalRows), workerCount, mode)
	c.tracker.Checkpoint(ctx, jobID)

	samplerCtx, stopSampler := context.WithCancel(ctx)
	defer stopSampler()
	go progress.NewSampler(c.tracker, progress.DefaultSampleInterval).Run(samplerCtx, jobID)

	// The run gets its own cancellation so a persist failure unwinds the
	// parser and processor instead of leaving them blocked on full batch
	// channels until the task timeout.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	c.tracker.SetPhase(jobID, progress.PhaseParsing)
	stream, err := parser.Parse(runCtx, task.FilePath, task.FileType)
	if err != nil {
		return classifyParseErr(err)
	}

	c.tracker.SetPhase(jobID, progress.PhaseCleaning)
	proc := processor.New(c.engine, processor.Options{
		BatchSize:  c.cfg.Processing.BatchSize,
		RowTimeout: c.cfg.Processing.RowTimeout,
		ChannelCap: c.cfg.Processing.ChannelCapacity,
		OnRowDone: func(workerID int) {
			c.tracker.IncProcessed(jobID, 1, workerID)
		},
	})
	run := proc.Process(runCtx, stream, snapshot, workerCount)

	var wg sync.WaitGroup
	var persistErr error
	var persistMu sync.Mutex
	recordErr := func(err error) {
		persistMu.Lock()
		if persistErr == nil {
			persistErr = err
		}
		persistMu.Unlock()
		cancelRun()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		for batch := range run.Clean {
			c.tracker.SetPhase(jobID, progress.PhaseSavingBatch)
			if err := c.persister.PersistClean(runCtx, jobID, batch); err != nil {
				recordErr(err)
				for range run.Clean {
				}
				return
			}
			c.tracker.SetPhase(jobID, progress.PhaseCleaning)
			c.tracker.Checkpoint(ctx, jobID)
		}
	}()
	go func() {
		defer wg.Done()
		for batch := range run.Exceptions {
			if err := c.persister.PersistExceptions(runCtx, jobID, batch); err != nil {
				recordErr(err)
				for range run.Exceptions {
				}
				return
			}
			c.tracker.Checkpoint(ctx, jobID)
		}
	}()
	wg.Wait()

	if persistErr != nil {
		return fmt.Errorf("persist results: %w", persistErr)
	}
	if err := run.Err(); err != nil {
		if errors.Is(err, processor.ErrTooManyErrors) {
			return nonRetryable(fmt.Errorf("job exceeded maxErrors (%d)", snapshot.GlobalSettings.MaxErrors))
		}
		return fmt.Errorf("processing: %w", err)
	}
	if err := stream.Err(); err != nil {
		return classifyParseErr(err)
	}

	c.tracker.SetPhase(jobID, progress.PhaseFinalizing)
	cleanRows := run.Counters.CleanRows()
	exceptionRows := run.Counters.ExceptionRows()
	total := run.Counters.TotalRows()

	if err := c.files.MarkCompleted(ctx, jobID, int(total), int(cleanRows), int(exceptionRows), time.Since(started)); err != nil {
		return fmt.Errorf("finalize file record: %w", err)
	}

	report := c.tracker.Finish(jobID, progress.PhaseCompleted, cleanRows, exceptionRows)
	c.tracker.Checkpoint(ctx, jobID)
	if err := c.tracker.SaveReport(ctx, report); err != nil {
		log.Printf("[Consumer] Save report %s: %v", jobID, err)
	}
	return nil
}

// classifyParseErr maps parser failures onto the retry policy: format
// and structure problems are permanent, I/O problems retry.
func classifyParseErr(err error) error {
	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat),
		errors.Is(err, parser.ErrCorruptedStructure),
		errors.Is(err, parser.ErrEmptyFile):
		return nonRetryable(err)
	default:
		return err
	}
}
