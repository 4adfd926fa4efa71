package progress

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Sampler reads process CPU and RSS at a fixed cadence while a job is
// active and feeds the tracker's metrics aggregates. Readings come
// from /proc/self; on platforms without procfs the CPU reading is zero
// and memory falls back to the Go heap.

// DefaultSampleInterval is the 1 Hz cadence.
const DefaultSampleInterval = time.Second

// clockTicksPerSecond is the Linux USER_HZ constant.
const clockTicksPerSecond = 100.0

type Sampler struct {
	tracker  *Tracker
	interval time.Duration
}

func NewSampler(tracker *Tracker, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{tracker: tracker, interval: interval}
}

// Run samples until ctx is cancelled, checkpointing each reading. Call
// in its own goroutine for the lifetime of one job.
func (s *Sampler) Run(ctx context.Context, jobID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	lastCPU, _ := readCPUTicks()
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			cpuPercent := 0.0
			if ticks, err := readCPUTicks(); err == nil {
				elapsed := now.Sub(lastAt).Seconds()
				if elapsed > 0 && ticks >= lastCPU {
					cpuPercent = float64(ticks-lastCPU) / clockTicksPerSecond / elapsed * 100
				}
				lastCPU = ticks
			}
			lastAt = now

			s.tracker.RecordSample(jobID, cpuPercent, readRSSMB())
			s.tracker.Checkpoint(ctx, jobID)
		}
	}
}

// readCPUTicks returns utime+stime from /proc/self/stat.
func readCPUTicks() (uint64, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, err
	}
	// comm may contain spaces; fields count from after the closing paren
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed /proc/self/stat")
	}
	fields := strings.Fields(string(data)[idx+1:])
	// utime and stime are fields 14 and 15 overall, 12 and 13 after comm
	if len(fields) < 13 {
		return 0, fmt.Errorf("short /proc/self/stat")
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

// readRSSMB returns resident memory in MB from /proc/self/statm, with
// a Go-heap fallback.
func readRSSMB() float64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return float64(pages) * float64(os.Getpagesize()) / 1024 / 1024
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / 1024 / 1024
}
