package uploadprog

import (
	"context"
	"testing"
	"time"
)

// =============================================================================
// UPLOAD PROGRESS TRACKER TESTS
// =============================================================================

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker()
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_UpdateProgress(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "data.csv", 1000)

	p, ok := tr.GetProgress("up-1")
	if !ok {
		t.Fatal("tracked upload not found")
	}
	if p.Status != StatusUploading || p.Progress != 0 {
		t.Errorf("initial state: %+v", p)
	}

	time.Sleep(5 * time.Millisecond)
	tr.UpdateProgress("up-1", 500)
	p, _ = tr.GetProgress("up-1")
	if p.UploadedSize != 500 || p.Progress != 50 {
		t.Errorf("mid-upload: %+v", p)
	}
	if p.Speed <= 0 {
		t.Errorf("speed = %d, want > 0", p.Speed)
	}

	// Over-reporting clamps the percentage.
	tr.UpdateProgress("up-1", 2000)
	p, _ = tr.GetProgress("up-1")
	if p.Progress != 100 {
		t.Errorf("over-report progress = %v, want 100", p.Progress)
	}
}

func TestTracker_CompleteUpload(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "data.csv", 1000)
	tr.UpdateProgress("up-1", 400)
	tr.CompleteUpload("up-1")

	p, _ := tr.GetProgress("up-1")
	if p.Status != StatusCompleted || p.Progress != 100 || p.UploadedSize != 1000 {
		t.Errorf("completed state: %+v", p)
	}

	// Terminal uploads ignore further byte updates.
	tr.UpdateProgress("up-1", 999)
	p, _ = tr.GetProgress("up-1")
	if p.UploadedSize != 1000 {
		t.Errorf("update after completion changed state: %+v", p)
	}
}

func TestTracker_FailUpload(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "data.csv", 1000)
	tr.FailUpload("up-1", "connection dropped")

	p, _ := tr.GetProgress("up-1")
	if p.Status != StatusFailed || p.Error != "connection dropped" {
		t.Errorf("failed state: %+v", p)
	}
}

func TestTracker_GetAllActive(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "a.csv", 10)
	tr.StartTracking("up-2", "b.csv", 10)
	tr.StartTracking("up-3", "c.csv", 10)
	tr.CompleteUpload("up-2")
	tr.FailUpload("up-3", "x")

	active := tr.GetAllActive()
	if len(active) != 1 || active[0].UploadID != "up-1" {
		t.Errorf("active uploads: %+v", active)
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "data.csv", 100)

	ch, cancel, ok := tr.Subscribe(context.Background(), "up-1")
	if !ok {
		t.Fatal("Subscribe failed for tracked upload")
	}
	defer cancel()

	// Current state arrives immediately.
	select {
	case p := <-ch:
		if p.Status != StatusUploading || p.UploadedSize != 0 {
			t.Errorf("initial event: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial event")
	}

	tr.UpdateProgress("up-1", 50)
	select {
	case p := <-ch:
		if p.UploadedSize != 50 {
			t.Errorf("update event: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no update event")
	}

	tr.CompleteUpload("up-1")
	select {
	case p := <-ch:
		if p.Status != StatusCompleted {
			t.Errorf("terminal event: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal event")
	}
}

func TestTracker_SubscribeUnknownUpload(t *testing.T) {
	tr := newTracker(t)
	if _, _, ok := tr.Subscribe(context.Background(), "nope"); ok {
		t.Error("Subscribe must fail for unknown upload")
	}
}

func TestTracker_SlowSubscriberDoesNotBlock(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "data.csv", 10_000)

	_, cancel, ok := tr.Subscribe(context.Background(), "up-1")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	defer cancel()

	// Never read from the channel; publishing must still return.
	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 100; i++ {
			tr.UpdateProgress("up-1", i*100)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestTracker_SubscribeCancelViaContext(t *testing.T) {
	tr := newTracker(t)
	tr.StartTracking("up-1", "data.csv", 100)

	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, ok := tr.Subscribe(ctx, "up-1")
	if !ok {
		t.Fatal("Subscribe failed")
	}
	<-ch // initial event
	cancelCtx()

	// After the context ends the subscription is detached; updates stop
	// arriving (the channel stays open but silent).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tr.UpdateProgress("up-1", 50)
		select {
		case <-ch:
			// Raced with the detach goroutine; keep trying.
			time.Sleep(10 * time.Millisecond)
			continue
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
	t.Fatal("subscription still receiving after context cancel")
}
