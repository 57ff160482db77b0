package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockUntilCancelled is work that runs until its context is cancelled.
func blockUntilCancelled(started chan<- struct{}) Work {
	return func(ctx context.Context) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run %s did not finish", h.RunID)
	}
}

// ---------------------------------------------------------------------------
// Start / Get basics
// ---------------------------------------------------------------------------

func TestStartAndGet(t *testing.T) {
	r := NewRegistry()
	h := r.Start(context.Background(), "s1", "prompt", func(context.Context) error { return nil })
	waitDone(t, h)

	got := r.Get("s1")
	if got != h {
		t.Fatal("expected registered handle")
	}
	status, err := h.Status()
	if status != StatusCompleted || err != nil {
		t.Fatalf("expected completed without error, got %s %v", status, err)
	}
	if h.RunID == "" {
		t.Fatal("expected run id")
	}
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry()
	if r.Get("nope") != nil {
		t.Fatal("expected nil for missing session")
	}
}

func TestFailedWork(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	h := r.Start(context.Background(), "s1", "", func(context.Context) error { return boom })
	if err := h.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if status, _ := h.Status(); status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	r := NewRegistry()
	h := r.Start(context.Background(), "s1", "", func(context.Context) error { panic("kaboom") })
	if err := h.Wait(); err == nil {
		t.Fatal("expected error from panicking work")
	}
	if status, _ := h.Status(); status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
}

// ---------------------------------------------------------------------------
// Replacement
// ---------------------------------------------------------------------------

func TestStartReplacesLiveRun(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	first := r.Start(context.Background(), "S", "", blockUntilCancelled(started))
	<-started

	second := r.Start(context.Background(), "S", "", blockUntilCancelled(nil))
	waitDone(t, first)

	if n := first.CancelRequests(); n != 1 {
		t.Fatalf("expected exactly one cancel on first run, got %d", n)
	}
	if second.CancelRequests() != 0 {
		t.Fatal("second run should not be cancelled")
	}
	if r.Get("S") != second {
		t.Fatal("registry should point at the second run")
	}
	if status, _ := first.Status(); status != StatusCancelled {
		t.Fatalf("expected first run cancelled, got %s", status)
	}
	if second.Terminated() {
		t.Fatal("second run should still be live")
	}
	r.Cancel("S")
	waitDone(t, second)
}

func TestStartAfterCompletionDoesNotCancel(t *testing.T) {
	r := NewRegistry()
	first := r.Start(context.Background(), "S", "", func(context.Context) error { return nil })
	waitDone(t, first)

	second := r.Start(context.Background(), "S", "", func(context.Context) error { return nil })
	waitDone(t, second)

	if first.CancelRequests() != 0 {
		t.Fatal("finished run must not receive a cancel")
	}
	sum, statuses := r.Summary(nil)
	if sum.Total != 1 || len(statuses) != 1 || statuses[0].RunID != second.RunID {
		t.Fatalf("expected single entry for second run, got %+v %+v", sum, statuses)
	}
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

func TestCancelLiveRun(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	h := r.Start(context.Background(), "s1", "", blockUntilCancelled(started))
	<-started

	if !r.Cancel("s1") {
		t.Fatal("expected cancel to find live run")
	}
	waitDone(t, h)
	if status, _ := h.Status(); status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	// entry stays after the run ends
	if r.Get("s1") != h {
		t.Fatal("entry should remain after cancellation")
	}
}

func TestCancelNotFound(t *testing.T) {
	r := NewRegistry()
	if r.Cancel("missing") {
		t.Fatal("expected false for unknown session")
	}
}

func TestCancelFinishedRun(t *testing.T) {
	r := NewRegistry()
	h := r.Start(context.Background(), "s1", "", func(context.Context) error { return nil })
	waitDone(t, h)
	if r.Cancel("s1") {
		t.Fatal("expected false for finished run")
	}
	if r.Get("s1") != nil {
		t.Fatal("expected finished run to be dropped")
	}
}

func TestSummaryAfterDroppingFinishedRun(t *testing.T) {
	r := NewRegistry()
	h := r.Start(context.Background(), "s1", "", func(context.Context) error { return nil })
	waitDone(t, h)
	r.Cancel("s1")

	sum, statuses := r.Summary(nil)
	if sum.Total != 0 || len(statuses) != 0 {
		t.Fatalf("expected empty listing, got %+v %+v", sum, statuses)
	}
}

func TestRestartAfterDroppingFinishedRunListedOnce(t *testing.T) {
	r := NewRegistry()
	first := r.Start(context.Background(), "s1", "", func(context.Context) error { return nil })
	waitDone(t, first)
	r.Cancel("s1")
	second := r.Start(context.Background(), "s1", "", func(context.Context) error { return nil })
	waitDone(t, second)

	sum, statuses := r.Summary(nil)
	if sum.Total != 1 || len(statuses) != 1 || statuses[0].RunID != second.RunID {
		t.Fatalf("expected single entry for second run, got %+v %+v", sum, statuses)
	}
}

func TestCleanExitAfterCancelRequestIsCompleted(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	h := r.Start(context.Background(), "s1", "", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started
	if !r.Cancel("s1") {
		t.Fatal("expected cancel to find live run")
	}
	waitDone(t, h)
	if status, _ := h.Status(); status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if h.CancelRequests() != 1 {
		t.Fatalf("expected one cancel request, got %d", h.CancelRequests())
	}
}

func TestParentContextCancelsRun(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h := r.Start(ctx, "s1", "", blockUntilCancelled(started))
	<-started
	cancel()
	waitDone(t, h)
	if status, _ := h.Status(); status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
}

func TestCancelAll(t *testing.T) {
	r := NewRegistry()
	a := r.Start(context.Background(), "a", "", blockUntilCancelled(nil))
	b := r.Start(context.Background(), "b", "", blockUntilCancelled(nil))
	if n := r.CancelAll(); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	waitDone(t, a)
	waitDone(t, b)
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

func TestSummaryCountsAndFilter(t *testing.T) {
	r := NewRegistry()
	ok := r.Start(context.Background(), "ok", "p1", func(context.Context) error { return nil })
	bad := r.Start(context.Background(), "bad", "p2", func(context.Context) error { return errors.New("x") })
	live := r.Start(context.Background(), "live", "p3", blockUntilCancelled(nil))
	waitDone(t, ok)
	waitDone(t, bad)

	sum, statuses := r.Summary(nil)
	if sum.Total != 3 || sum.Completed != 1 || sum.Failed != 1 || sum.Running != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if statuses[0].SessionID != "ok" || statuses[1].Error != "x" || statuses[2].Label != "p3" {
		t.Fatalf("unexpected statuses %+v", statuses)
	}

	sum, statuses = r.Summary([]string{"live"})
	if sum.Total != 1 || statuses[0].Status != StatusRunning {
		t.Fatalf("unexpected filtered summary %+v %+v", sum, statuses)
	}
	r.Cancel("live")
	waitDone(t, live)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentStartsLeaveOneLiveRun(t *testing.T) {
	r := NewRegistry()
	const n = 50
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Start(context.Background(), "S", "", blockUntilCancelled(nil))
		}(i)
	}
	wg.Wait()

	current := r.Get("S")
	live := 0
	for _, h := range handles {
		if h == current {
			continue
		}
		waitDone(t, h)
		if h.CancelRequests() != 1 {
			t.Fatalf("replaced run %s got %d cancels", h.RunID, h.CancelRequests())
		}
	}
	for _, h := range handles {
		if !h.Terminated() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected one live run, got %d", live)
	}
	r.Cancel("S")
	waitDone(t, current)
}
