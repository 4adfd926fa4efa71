package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// PROGRESS TRACKER - per-job counters, phases, ETA and runtime metrics
// =============================================================================
// Progress lives in process memory; Checkpoint writes a short-lived
// Redis snapshot so the API process can answer progress queries for
// jobs running in the worker process.

// Processing phases, in rough lifecycle order.
const (
	PhaseEstimating   = "estimating"
	PhasePreparing    = "preparing"
	PhaseInitializing = "initializing"
	PhaseParsing      = "parsing"
	PhaseCleaning     = "cleaning"
	PhaseSavingBatch  = "saving_batch"
	PhaseFinalizing   = "finalizing"
	PhaseCompleted    = "completed"
	PhaseFailed       = "failed"
)

const (
	snapshotKey = "cleanse:progress:%s" // jobId
	metricsKey  = "cleanse:metrics:%s"  // jobId
	reportKey   = "cleanse:report:%s"   // jobId
	snapshotTTL = time.Hour
	reportTTL   = 24 * time.Hour
)

// throughputWindow is the number of samples in the moving average.
const throughputWindow = 10

// WorkerProgress is one shard's row counter.
type WorkerProgress struct {
	WorkerID      int   `json:"workerId"`
	ProcessedRows int64 `json:"processedRows"`
}

// Progress is the queryable per-job state.
type Progress struct {
	JobID                  string           `json:"jobId"`
	OverallProgress        float64          `json:"overallProgress"`
	ProcessedRows          int64            `json:"processedRows"`
	TotalRows              int64            `json:"totalRows"`
	CurrentPhase           string           `json:"currentPhase"`
	WorkerProgress         []WorkerProgress `json:"workerProgress"`
	EstimatedTimeRemaining *float64         `json:"estimatedTimeRemaining,omitempty"` // seconds
	IsProcessing           bool             `json:"isProcessing"`
	StartedAt              time.Time        `json:"startedAt"`
	LastUpdated            time.Time        `json:"lastUpdated"`
}

// Metrics is one sampled runtime reading.
type Metrics struct {
	JobID        string    `json:"jobId"`
	CPUUsage     float64   `json:"cpuUsage"`    // percent
	MemoryUsage  float64   `json:"memoryUsage"` // RSS MB
	Throughput   float64   `json:"throughput"`  // rows/s
	WorkerCount  int       `json:"workerCount"`
	Timestamp    time.Time `json:"timestamp"`
	IsProcessing bool      `json:"isProcessing"`
}

// PerformanceReport is the terminal summary of one job.
type PerformanceReport struct {
	JobID            string  `json:"jobId"`
	ProcessingMode   string  `json:"processingMode"` // parallel | sequential
	WorkerCount      int     `json:"workerCount"`
	AvgCPU           float64 `json:"avgCpu"`
	PeakCPU          float64 `json:"peakCpu"`
	AvgMemoryMB      float64 `json:"avgMemory"`
	PeakMemoryMB     float64 `json:"peakMemory"`
	AvgThroughput    float64 `json:"avgThroughput"`
	PeakThroughput   float64 `json:"peakThroughput"`
	ProcessingTimeMS int64   `json:"processingTimeMs"`
	TotalRows        int64   `json:"totalRows"`
	SuccessCount     int64   `json:"successCount"`
	ErrorCount       int64   `json:"errorCount"`
}

type jobState struct {
	totalRows   int64
	processed   int64
	phase       string
	startedAt   time.Time
	lastUpdated time.Time
	perWorker   map[int]int64
	workerCount int
	mode        string

	// moving average ring of (time, processed) samples
	samples []sample

	lastMetrics *Metrics
	sampleCount int64
	cpuSum      float64
	cpuPeak     float64
	memSum      float64
	memPeak     float64
	tpSum       float64
	tpPeak      float64

	report *PerformanceReport
}

type sample struct {
	at        time.Time
	processed int64
}

// Tracker tracks per-job progress and metrics.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*jobState
	redis *redis.Client // optional snapshot target
}

// NewTracker creates a tracker. client may be nil to disable snapshots.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{jobs: make(map[string]*jobState), redis: client}
}

// Start registers a job. totalRows may be 0 when unknown.
func (t *Tracker) Start(jobID string, totalRows int64, workerCount int, mode string) {
	now := time.Now()
	t.mu.Lock()
	t.jobs[jobID] = &jobState{
		totalRows:   totalRows,
		phase:       PhaseInitializing,
		startedAt:   now,
		lastUpdated: now,
		perWorker:   make(map[int]int64),
		workerCount: workerCount,
		mode:        mode,
		samples:     []sample{{at: now}},
	}
	t.mu.Unlock()
}

// SetTotalRows updates the denominator once parsing has counted rows.
func (t *Tracker) SetTotalRows(jobID string, totalRows int64) {
	t.mu.Lock()
	if st, ok := t.jobs[jobID]; ok {
		st.totalRows = totalRows
		st.lastUpdated = time.Now()
	}
	t.mu.Unlock()
}

// SetPhase moves the job to a new phase.
func (t *Tracker) SetPhase(jobID, phase string) {
	t.mu.Lock()
	if st, ok := t.jobs[jobID]; ok {
		st.phase = phase
		st.lastUpdated = time.Now()
	}
	t.mu.Unlock()
}

// IncProcessed advances the processed counter for one shard.
// Monotonic: n must be >= 0.
func (t *Tracker) IncProcessed(jobID string, n int64, workerID int) {
	if n < 0 {
		return
	}
	t.mu.Lock()
	if st, ok := t.jobs[jobID]; ok {
		st.processed += n
		st.perWorker[workerID] += n
		st.lastUpdated = time.Now()
	}
	t.mu.Unlock()
}

// Snapshot returns the current progress, or nil if the job is unknown.
func (t *Tracker) Snapshot(jobID string) *Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	return t.snapshotLocked(jobID, st)
}

func (t *Tracker) snapshotLocked(jobID string, st *jobState) *Progress {
	p := &Progress{
		JobID:         jobID,
		ProcessedRows: st.processed,
		TotalRows:     st.totalRows,
		CurrentPhase:  st.phase,
		IsProcessing:  st.phase != PhaseCompleted && st.phase != PhaseFailed,
		StartedAt:     st.startedAt,
		LastUpdated:   st.lastUpdated,
	}
	if st.totalRows > 0 {
		p.OverallProgress = float64(st.processed) / float64(st.totalRows) * 100
		if p.OverallProgress > 100 {
			p.OverallProgress = 100
		}
	}
	if st.phase == PhaseCompleted {
		p.OverallProgress = 100
	}

	for workerID, rows := range st.perWorker {
		p.WorkerProgress = append(p.WorkerProgress, WorkerProgress{WorkerID: workerID, ProcessedRows: rows})
	}

	if tp := st.movingThroughput(); tp > 0 && st.totalRows > st.processed && p.IsProcessing {
		eta := float64(st.totalRows-st.processed) / tp
		p.EstimatedTimeRemaining = &eta
	}
	return p
}

// movingThroughput is rows/s over the sample window.
func (st *jobState) movingThroughput() float64 {
	if len(st.samples) < 2 {
		return 0
	}
	first, last := st.samples[0], st.samples[len(st.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.processed-first.processed) / elapsed
}

// RecordSample folds one metrics reading into the job's aggregates.
// Called by the sampler at its cadence.
func (t *Tracker) RecordSample(jobID string, cpuPercent, rssMB float64) *Metrics {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		return nil
	}

	st.samples = append(st.samples, sample{at: now, processed: st.processed})
	if len(st.samples) > throughputWindow {
		st.samples = st.samples[len(st.samples)-throughputWindow:]
	}
	throughput := st.movingThroughput()

	st.sampleCount++
	st.cpuSum += cpuPercent
	st.memSum += rssMB
	st.tpSum += throughput
	if cpuPercent > st.cpuPeak {
		st.cpuPeak = cpuPercent
	}
	if rssMB > st.memPeak {
		st.memPeak = rssMB
	}
	if throughput > st.tpPeak {
		st.tpPeak = throughput
	}

	m := &Metrics{
		JobID:        jobID,
		CPUUsage:     cpuPercent,
		MemoryUsage:  rssMB,
		Throughput:   throughput,
		WorkerCount:  st.workerCount,
		Timestamp:    now,
		IsProcessing: st.phase != PhaseCompleted && st.phase != PhaseFailed,
	}
	st.lastMetrics = m
	return m
}

// Metrics returns the latest sampled reading, or nil.
func (t *Tracker) Metrics(jobID string) *Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.jobs[jobID]
	if !ok || st.lastMetrics == nil {
		return nil
	}
	m := *st.lastMetrics
	return &m
}

// Finish marks the job terminal and freezes the performance report.
func (t *Tracker) Finish(jobID, phase string, successCount, errorCount int64) *PerformanceReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	st.phase = phase
	st.lastUpdated = time.Now()

	report := &PerformanceReport{
		JobID:            jobID,
		ProcessingMode:   st.mode,
		WorkerCount:      st.workerCount,
		PeakCPU:          st.cpuPeak,
		PeakMemoryMB:     st.memPeak,
		PeakThroughput:   st.tpPeak,
		ProcessingTimeMS: time.Since(st.startedAt).Milliseconds(),
		TotalRows:        st.totalRows,
		SuccessCount:     successCount,
		ErrorCount:       errorCount,
	}
	if st.sampleCount > 0 {
		report.AvgCPU = st.cpuSum / float64(st.sampleCount)
		report.AvgMemoryMB = st.memSum / float64(st.sampleCount)
		report.AvgThroughput = st.tpSum / float64(st.sampleCount)
	}
	st.report = report
	return report
}

// Report returns the terminal report, or nil if the job has not
// finished.
func (t *Tracker) Report(jobID string) *PerformanceReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.jobs[jobID]; ok && st.report != nil {
		r := *st.report
		return &r
	}
	return nil
}

// Remove drops a job's in-memory state.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()
}

// Checkpoint writes the progress snapshot (and latest metrics, if any)
// to Redis so other processes can serve progress queries.
func (t *Tracker) Checkpoint(ctx context.Context, jobID string) error {
	if t.redis == nil {
		return nil
	}
	p := t.Snapshot(jobID)
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(snapshotKey, jobID), payload, snapshotTTL)
	if m := t.Metrics(jobID); m != nil {
		if mp, err := json.Marshal(m); err == nil {
			pipe.Set(ctx, fmt.Sprintf(metricsKey, jobID), mp, snapshotTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint progress %s: %w", jobID, err)
	}
	return nil
}

// LoadSnapshot reads a progress snapshot written by another process.
func LoadSnapshot(ctx context.Context, client *redis.Client, jobID string) (*Progress, error) {
	payload, err := client.Get(ctx, fmt.Sprintf(snapshotKey, jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress %s: %w", jobID, err)
	}
	var p Progress
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal progress %s: %w", jobID, err)
	}
	return &p, nil
}

// SaveReport persists a terminal report so the API process can serve
// it after the job ends.
func (t *Tracker) SaveReport(ctx context.Context, report *PerformanceReport) error {
	if t.redis == nil || report == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := t.redis.Set(ctx, fmt.Sprintf(reportKey, report.JobID), payload, reportTTL).Err(); err != nil {
		return fmt.Errorf("save report %s: %w", report.JobID, err)
	}
	return nil
}

// LoadReport reads a terminal report written by another process.
func LoadReport(ctx context.Context, client *redis.Client, jobID string) (*PerformanceReport, error) {
	payload, err := client.Get(ctx, fmt.Sprintf(reportKey, jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", jobID, err)
	}
	var r PerformanceReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report %s: %w", jobID, err)
	}
	return &r, nil
}

// LoadMetrics reads a metrics snapshot written by another process.
func LoadMetrics(ctx context.Context, client *redis.Client, jobID string) (*Metrics, error) {
	payload, err := client.Get(ctx, fmt.Sprintf(metricsKey, jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metrics %s: %w", jobID, err)
	}
	var m Metrics
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metrics %s: %w", jobID, err)
	}
	return &m, nil
}
