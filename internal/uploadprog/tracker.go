package uploadprog

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// UPLOAD PROGRESS TRACKER - in-flight HTTP body ingestion bytes
// =============================================================================
// Tracks bytes as the multipart body streams in and fans updates out to
// SSE subscribers over bounded channels. Entries self-expire: completed
// after 5 minutes, failed after 1 minute, stale after 10 minutes of
// silence.

// Upload statuses.
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	completedTTL  = 5 * time.Minute
	failedTTL     = time.Minute
	staleAfter    = 10 * time.Minute
	gcInterval    = time.Minute
	subscriberCap = 16
)

// Progress is one upload's state.
type Progress struct {
	UploadID       string    `json:"uploadId"`
	FileName       string    `json:"fileName"`
	TotalSize      int64     `json:"totalSize"`
	UploadedSize   int64     `json:"uploadedSize"`
	Progress       float64   `json:"progress"` // percent
	Speed          int64     `json:"speed"`    // bytes/s
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	StartTime      time.Time `json:"startTime"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
}

type entry struct {
	progress    Progress
	expiresAt   time.Time
	subscribers map[chan Progress]struct{}
}

// Tracker tracks active uploads and their subscribers.
type Tracker struct {
	mu      sync.RWMutex
	uploads map[string]*entry
	done    chan struct{}
	once    sync.Once
}

func NewTracker() *Tracker {
	t := &Tracker{
		uploads: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go t.gcLoop()
	return t
}

// Close stops the expiry sweeper.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}

// StartTracking registers a new in-flight upload.
func (t *Tracker) StartTracking(uploadID, fileName string, totalSize int64) {
	now := time.Now()
	t.mu.Lock()
	t.uploads[uploadID] = &entry{
		progress: Progress{
			UploadID:       uploadID,
			FileName:       fileName,
			TotalSize:      totalSize,
			Status:         StatusUploading,
			StartTime:      now,
			LastUpdateTime: now,
		},
		subscribers: make(map[chan Progress]struct{}),
	}
	t.mu.Unlock()
}

// UpdateProgress records the cumulative byte count and recomputes
// speed from the delta since the previous update.
func (t *Tracker) UpdateProgress(uploadID string, uploadedSize int64) {
	now := time.Now()
	t.mu.Lock()
	e, ok := t.uploads[uploadID]
	if !ok || e.progress.Status != StatusUploading {
		t.mu.Unlock()
		return
	}

	deltaBytes := uploadedSize - e.progress.UploadedSize
	deltaMS := now.Sub(e.progress.LastUpdateTime).Milliseconds()
	if deltaMS > 0 && deltaBytes > 0 {
		e.progress.Speed = deltaBytes * 1000 / deltaMS
	}
	e.progress.UploadedSize = uploadedSize
	if e.progress.TotalSize > 0 {
		e.progress.Progress = float64(uploadedSize) / float64(e.progress.TotalSize) * 100
		if e.progress.Progress > 100 {
			e.progress.Progress = 100
		}
	}
	e.progress.LastUpdateTime = now
	t.publishLocked(e)
	t.mu.Unlock()
}

// CompleteUpload marks the upload finished.
func (t *Tracker) CompleteUpload(uploadID string) {
	t.terminate(uploadID, StatusCompleted, "", completedTTL)
}

// FailUpload marks the upload failed with a message.
func (t *Tracker) FailUpload(uploadID, errMsg string) {
	t.terminate(uploadID, StatusFailed, errMsg, failedTTL)
}

func (t *Tracker) terminate(uploadID, status, errMsg string, ttl time.Duration) {
	now := time.Now()
	t.mu.Lock()
	if e, ok := t.uploads[uploadID]; ok {
		e.progress.Status = status
		e.progress.Error = errMsg
		e.progress.LastUpdateTime = now
		if status == StatusCompleted {
			e.progress.Progress = 100
			e.progress.UploadedSize = e.progress.TotalSize
		}
		e.expiresAt = now.Add(ttl)
		t.publishLocked(e)
	}
	t.mu.Unlock()
}

// GetProgress returns a copy of one upload's state.
func (t *Tracker) GetProgress(uploadID string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.uploads[uploadID]; ok {
		return e.progress, true
	}
	return Progress{}, false
}

// GetAllActive returns uploads still in flight.
func (t *Tracker) GetAllActive() []Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Progress
	for _, e := range t.uploads {
		if e.progress.Status == StatusUploading {
			out = append(out, e.progress)
		}
	}
	return out
}

// Subscribe returns a bounded channel of updates for uploadID plus a
// cancel func. The current state is delivered immediately; a slow
// subscriber drops intermediate updates rather than blocking uploads.
func (t *Tracker) Subscribe(ctx context.Context, uploadID string) (<-chan Progress, func(), bool) {
	t.mu.Lock()
	e, ok := t.uploads[uploadID]
	if !ok {
		t.mu.Unlock()
		return nil, nil, false
	}
	ch := make(chan Progress, subscriberCap)
	e.subscribers[ch] = struct{}{}
	ch <- e.progress
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if e, ok := t.uploads[uploadID]; ok {
			delete(e.subscribers, ch)
		}
		t.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, true
}

func (t *Tracker) publishLocked(e *entry) {
	for ch := range e.subscribers {
		select {
		case ch <- e.progress:
		default:
		}
	}
}

func (t *Tracker) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for id, e := range t.uploads {
				expired := !e.expiresAt.IsZero() && now.After(e.expiresAt)
				stale := e.progress.Status == StatusUploading && now.Sub(e.progress.LastUpdateTime) > staleAfter
				if expired || stale {
					for ch := range e.subscribers {
						close(ch)
					}
					delete(t.uploads, id)
				}
			}
			t.mu.Unlock()
		}
	}
}
