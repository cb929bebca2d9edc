package prioritizer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTask is a controllable Task: it reports itself running until its
// shared release channel is closed or its context is cancelled, and counts
// how many times Start/Abort were invoked so tests can observe resumption
// after a pause.
type fakeTask struct {
	running    atomic.Bool
	runCount   atomic.Int32
	abortCount atomic.Int32
	release    chan struct{}
}

func newFakeTask() *fakeTask {
	return &fakeTask{release: make(chan struct{})}
}

func (f *fakeTask) Start(ctx context.Context) error {
	f.running.Store(true)
	f.runCount.Add(1)
	defer f.running.Store(false)

	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTask) Abort() {
	f.abortCount.Add(1)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestImmediateTasksRunConcurrently(t *testing.T) {
	t.Parallel()

	p := New(nil, 0, 5)
	ctx := context.Background()

	t1, t2 := newFakeTask(), newFakeTask()
	defer close(t1.release)
	defer close(t2.release)

	p.Submit(ctx, t1, 0)
	p.Submit(ctx, t2, 0)

	waitUntil(t, func() bool { return t1.running.Load() && t2.running.Load() })
}

func TestGatedBlockedByImmediate(t *testing.T) {
	t.Parallel()

	p := New(nil, 0, 5)
	ctx := context.Background()

	immediate, gated := newFakeTask(), newFakeTask()
	defer close(gated.release)

	immID := p.Submit(ctx, immediate, 0)
	waitUntil(t, immediate.running.Load)

	p.Submit(ctx, gated, 3)
	time.Sleep(20 * time.Millisecond)
	if gated.runCount.Load() != 0 {
		t.Fatal("gated task should not start while an immediate task is running")
	}

	p.Cancel(immID)
	waitUntil(t, gated.running.Load)
}

func TestPauseableDemotedThenResumesOnRelease(t *testing.T) {
	t.Parallel()

	p := New(nil, 0, 5)
	ctx := context.Background()

	pauseable := newFakeTask()
	defer close(pauseable.release)

	pauseID := p.Submit(ctx, pauseable, 10)
	waitUntil(t, pauseable.running.Load)

	blocker := newFakeTask()
	blockerID := p.Submit(ctx, blocker, 0)

	waitUntil(t, func() bool { return !pauseable.running.Load() })
	if pauseable.abortCount.Load() != 0 {
		t.Error("preemption should not call Abort; that is reserved for explicit Cancel")
	}

	p.Cancel(blockerID)
	waitUntil(t, pauseable.running.Load)
	if pauseable.runCount.Load() != 2 {
		t.Errorf("pauseable task should have been (re)started twice, got %d", pauseable.runCount.Load())
	}

	p.Cancel(pauseID)
}

func TestUpdatePriorityPromoteAndDemote(t *testing.T) {
	t.Parallel()

	p := New(nil, 0, 5)
	ctx := context.Background()

	a := newFakeTask()
	defer close(a.release)
	aID := p.Submit(ctx, a, 2) // gated
	waitUntil(t, a.running.Load)

	b := newFakeTask()
	defer close(b.release)
	bID := p.Submit(ctx, b, 0) // immediate, blocks the gated task a
	waitUntil(t, b.running.Load)
	waitUntil(t, func() bool { return !a.running.Load() })

	p.UpdatePriority(aID, -1) // promote a into the immediate tier
	waitUntil(t, a.running.Load)

	p.UpdatePriority(aID, 10) // demote a to pauseable, still blocked by b
	waitUntil(t, func() bool { return !a.running.Load() })

	p.Cancel(bID)
}

func TestCancelCallsAbortAndFreesSlot(t *testing.T) {
	t.Parallel()

	p := New(nil, 0, 5)
	ctx := context.Background()

	task := newFakeTask()
	id := p.Submit(ctx, task, 0)
	waitUntil(t, task.running.Load)

	p.Cancel(id)
	waitUntil(t, func() bool { return task.abortCount.Load() == 1 })

	p.mu.Lock()
	_, stillTracked := p.entries[id]
	p.mu.Unlock()
	if stillTracked {
		t.Error("cancelled task should be removed from the entry table")
	}
}
