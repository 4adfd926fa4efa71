package processor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/datacleanse/internal/parser"
	"github.com/ignite/datacleanse/internal/rules"
)

// =============================================================================
// PARALLEL PROCESSOR - sharded row evaluation with ordered aggregation
// =============================================================================
// A bounded input channel (the parser's row channel) feeds workerCount
// workers. Each worker evaluates rows through the rule engine under one
// shared config snapshot. Outcomes funnel through a reorder buffer so
// clean batches leave in ascending row-number order; exception batches
// carry their row numbers but are not reordered beyond that.

// ErrTooManyErrors aborts the job when the configured error cap is hit.
var ErrTooManyErrors = errors.New("error cap exceeded")

// Options tune one processing run.
type Options struct {
	BatchSize  int
	RowTimeout time.Duration
	ChannelCap int
	// OnRowDone is invoked after each row completes, with the worker
	// shard that handled it. May be nil.
	OnRowDone func(workerID int)
}

// Counters aggregates run totals. Read with the atomic accessors.
type Counters struct {
	totalRows     atomic.Int64
	cleanRows     atomic.Int64
	exceptionRows atomic.Int64
	errorCount    atomic.Int64
}

func (c *Counters) TotalRows() int64     { return c.totalRows.Load() }
func (c *Counters) CleanRows() int64     { return c.cleanRows.Load() }
func (c *Counters) ExceptionRows() int64 { return c.exceptionRows.Load() }
func (c *Counters) ErrorCount() int64    { return c.errorCount.Load() }

// Run is one in-flight processing run.
type Run struct {
	Clean      <-chan []rules.RowOutcome
	Exceptions <-chan []rules.RowOutcome
	Counters   *Counters

	mu  sync.Mutex
	err error
}

// Err reports the fatal run error, if any, after both channels close.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Processor shards row streams across an engine-backed worker pool.
type Processor struct {
	engine *rules.Engine
	opts   Options
}

// New creates a processor. Zero option fields get working defaults.
func New(engine *rules.Engine, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.RowTimeout <= 0 {
		opts.RowTimeout = 5 * time.Second
	}
	if opts.ChannelCap <= 0 {
		opts.ChannelCap = 16
	}
	return &Processor{engine: engine, opts: opts}
}

// WorkerCount decides the shard count for a job: sequential below the
// parallel threshold, otherwise bounded by configuration and CPU count.
func WorkerCount(settings rules.GlobalSettings, totalRows, maxWorkers, parallelThreshold int) int {
	if !settings.ParallelProcessing || (totalRows > 0 && totalRows < parallelThreshold) {
		return 1
	}
	count := settings.MaxParallelTasks
	if count <= 0 || count > runtime.NumCPU() {
		count = runtime.NumCPU()
	}
	if maxWorkers > 0 && count > maxWorkers {
		count = maxWorkers
	}
	if count < 1 {
		count = 1
	}
	return count
}

// Process consumes the row stream and returns the run handle. Cancel
// ctx to abort; in-flight rows finish, queued batches are dropped.
func (p *Processor) Process(ctx context.Context, stream *parser.RowStream, cfg *rules.RuleConfiguration, workerCount int) *Run {
	if workerCount < 1 {
		workerCount = 1
	}

	cleanCh := make(chan []rules.RowOutcome, p.opts.ChannelCap)
	exceptionCh := make(chan []rules.RowOutcome, p.opts.ChannelCap)
	outcomes := make(chan rules.RowOutcome, workerCount*2)

	run := &Run{Clean: cleanCh, Exceptions: exceptionCh, Counters: &Counters{}}

	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go p.worker(runCtx, i, stream, cfg, outcomes, run, &wg)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	go p.aggregate(runCtx, cancel, cfg, outcomes, cleanCh, exceptionCh, run)

	return run
}

// worker pulls rows off the shared stream and evaluates them.
func (p *Processor) worker(ctx context.Context, workerID int, stream *parser.RowStream, cfg *rules.RuleConfiguration, outcomes chan<- rules.RowOutcome, run *Run, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-stream.Rows:
			if !ok {
				return
			}
			outcome := p.evaluateRow(row, cfg)
			if p.opts.OnRowDone != nil {
				p.opts.OnRowDone(workerID)
			}
			select {
			case outcomes <- outcome:
			case <-ctx.Done():
				return
			}
		}
	}
}

// evaluateRow applies the engine with a soft per-row timeout. A row
// that blows the ceiling, or a strategy that panics, becomes an
// exception row with a processing-error entry; work continues.
func (p *Processor) evaluateRow(row parser.Row, cfg *rules.RuleConfiguration) rules.RowOutcome {
	if row.ParseErr != "" {
		return rules.RowOutcome{
			RowNumber: row.Number,
			Original:  row.Fields,
			Errors: []rules.RowError{{
				Field:        "_row",
				RuleName:     "parse",
				ErrorMessage: row.ParseErr,
			}},
		}
	}

	done := make(chan rules.RowOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- processingError(row, fmt.Sprintf("row evaluation panicked: %v", r))
			}
		}()
		done <- p.engine.EvaluateRow(row.Number, row.Fields, cfg)
	}()

	timer := time.NewTimer(p.opts.RowTimeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		return outcome
	case <-timer.C:
		return processingError(row, fmt.Sprintf("row processing exceeded %s", p.opts.RowTimeout))
	}
}

func processingError(row parser.Row, msg string) rules.RowOutcome {
	return rules.RowOutcome{
		RowNumber: row.Number,
		Original:  row.Fields,
		Errors: []rules.RowError{{
			Field:        "_row",
			RuleName:     "processing",
			ErrorMessage: msg,
		}},
	}
}

// aggregate reorders outcomes so clean rows leave in ascending row
// order, batches both sides, and enforces the error cap.
func (p *Processor) aggregate(ctx context.Context, cancel context.CancelFunc, cfg *rules.RuleConfiguration, outcomes <-chan rules.RowOutcome, cleanCh, exceptionCh chan<- []rules.RowOutcome, run *Run) {
	defer close(cleanCh)
	defer close(exceptionCh)
	defer cancel()

	pending := &outcomeHeap{}
	heap.Init(pending)
	next := 1

	var cleanBatch, exceptionBatch []rules.RowOutcome
	maxErrors := int64(cfg.GlobalSettings.MaxErrors)

	flush := func(ch chan<- []rules.RowOutcome, batch []rules.RowOutcome) bool {
		if len(batch) == 0 {
			return true
		}
		select {
		case ch <- batch:
			return true
		case <-ctx.Done():
			run.setErr(ctx.Err())
			return false
		}
	}

	emit := func(outcome rules.RowOutcome) bool {
		run.Counters.totalRows.Add(1)
		if outcome.Clean {
			run.Counters.cleanRows.Add(1)
			cleanBatch = append(cleanBatch, outcome)
			if len(cleanBatch) >= p.opts.BatchSize {
				if !flush(cleanCh, cleanBatch) {
					return false
				}
				cleanBatch = nil
			}
			return true
		}

		run.Counters.exceptionRows.Add(1)
		if run.Counters.errorCount.Add(int64(len(outcome.Errors))) > maxErrors {
			run.setErr(ErrTooManyErrors)
			return false
		}
		exceptionBatch = append(exceptionBatch, outcome)
		if len(exceptionBatch) >= p.opts.BatchSize {
			if !flush(exceptionCh, exceptionBatch) {
				return false
			}
			exceptionBatch = nil
		}
		return true
	}

	for outcome := range outcomes {
		heap.Push(pending, outcome)
		for pending.Len() > 0 && (*pending)[0].RowNumber == next {
			if !emit(heap.Pop(pending).(rules.RowOutcome)) {
				return
			}
			next++
		}
	}

	// Stream ended: drain whatever is buffered. Row numbers are unique,
	// so the heap drains in ascending order even if gaps exist after a
	// partial run.
	for pending.Len() > 0 {
		if !emit(heap.Pop(pending).(rules.RowOutcome)) {
			return
		}
	}

	flush(cleanCh, cleanBatch)
	flush(exceptionCh, exceptionBatch)
}

// outcomeHeap is a min-heap over row numbers.
type outcomeHeap []rules.RowOutcome

func (h outcomeHeap) Len() int            { return len(h) }
func (h outcomeHeap) Less(i, j int) bool  { return h[i].RowNumber < h[j].RowNumber }
func (h outcomeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *outcomeHeap) Push(x any)         { *h = append(*h, x.(rules.RowOutcome)) }
func (h *outcomeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
