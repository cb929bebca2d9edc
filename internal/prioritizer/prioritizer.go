// Package prioritizer implements a multi-tier admission scheduler over a
// generic Task, grounded on transcode.Pool's worker-pool start/stop/cancel
// shape but generalized from a fixed worker count to priority admission.
package prioritizer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Task is the generic unit of work the prioritizer schedules. Start must
// return once ctx is cancelled; Abort is called on explicit cancellation to
// release any resources immediately regardless of Start's return.
type Task interface {
	Start(ctx context.Context) error
	Abort()
}

type runState int

const (
	stateWaiting runState = iota
	stateRunning
	statePaused
)

type tier int

const (
	tierImmediate tier = iota
	tierGated
	tierPauseable
)

type entry struct {
	id       uint64
	task     Task
	priority int
	state    runState
	parent   context.Context
	cancel   context.CancelFunc
}

// Prioritizer is a multi-level scheduler with two configured thresholds:
// high and low, with high < low (lower integer = higher priority). Tasks
// with priority <= high run immediately and concurrently; tasks with
// priority in (high, low] run only while no strictly-higher-priority task
// is running; tasks with priority > low are pauseable, preempted whenever a
// strictly-higher-priority task becomes active.
type Prioritizer struct {
	log  *slog.Logger
	high int
	low  int

	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64
}

// New creates a Prioritizer with the given admission thresholds.
func New(log *slog.Logger, high, low int) *Prioritizer {
	if log == nil {
		log = slog.Default()
	}
	return &Prioritizer{
		log:     log.With("component", "prioritizer"),
		high:    high,
		low:     low,
		entries: make(map[uint64]*entry),
	}
}

func (p *Prioritizer) tierOf(priority int) tier {
	switch {
	case priority <= p.high:
		return tierImmediate
	case priority <= p.low:
		return tierGated
	default:
		return tierPauseable
	}
}

// Submit registers a task at the given priority and returns a handle used
// for UpdatePriority and Cancel. ctx is the parent for the task's own
// cancelable context; cancelling ctx externally has the same effect as
// calling Cancel.
func (p *Prioritizer) Submit(ctx context.Context, task Task, priority int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.entries[id] = &entry{id: id, task: task, priority: priority, parent: ctx, state: stateWaiting}
	p.scheduleLocked()
	return id
}

// UpdatePriority changes a task's priority, promoting (resuming) or
// demoting (pausing) it as admission rules require. A handle for a task
// that has already completed or been cancelled is silently ignored.
func (p *Prioritizer) UpdatePriority(id uint64, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	e.priority = priority
	p.scheduleLocked()
}

// Cancel ends the task and releases its slot. Safe to call more than once
// or on an already-completed handle.
func (p *Prioritizer) Cancel(id uint64) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, id)
	cancel := e.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.task.Abort()

	p.mu.Lock()
	p.scheduleLocked()
	p.mu.Unlock()
}

// scheduleLocked recomputes running/paused state for every entry. Entries
// are grouped by priority (ascending, so lower-numbered/more-urgent groups
// are decided first); a group runs unless a strictly lower-numbered group
// already has a running entry, except the immediate tier which always
// runs. Callers must hold p.mu.
func (p *Prioritizer) scheduleLocked() {
	byPriority := make(map[int][]*entry)
	for _, e := range p.entries {
		byPriority[e.priority] = append(byPriority[e.priority], e)
	}
	priorities := make([]int, 0, len(byPriority))
	for pr := range byPriority {
		priorities = append(priorities, pr)
	}
	sort.Ints(priorities)

	hasHigherRunning := false
	for _, pr := range priorities {
		t := p.tierOf(pr)
		groupRunning := false
		for _, e := range byPriority[pr] {
			shouldRun := t == tierImmediate || !hasHigherRunning
			p.applyLocked(e, shouldRun)
			if e.state == stateRunning {
				groupRunning = true
			}
		}
		if groupRunning {
			hasHigherRunning = true
		}
	}
}

func (p *Prioritizer) applyLocked(e *entry, shouldRun bool) {
	switch {
	case shouldRun && e.state != stateRunning:
		ctx, cancel := context.WithCancel(e.parent)
		e.cancel = cancel
		e.state = stateRunning
		go p.runEntry(e, ctx)

	case !shouldRun && e.state == stateRunning:
		if e.cancel != nil {
			e.cancel()
		}
		e.state = statePaused
	}
}

// runEntry drives one task to completion or preemption. On natural
// completion the entry is removed and a reschedule runs to admit whatever
// it was blocking; on preemption the entry was already marked paused by
// scheduleLocked and is left in place, re-runnable on the next promotion.
func (p *Prioritizer) runEntry(e *entry, ctx context.Context) {
	err := e.task.Start(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.entries[e.id]
	if !ok || cur != e {
		return // cancelled, or superseded by a resubmit under the same id
	}
	if ctx.Err() != nil {
		return // preempted; scheduleLocked already moved it to paused
	}

	if err != nil {
		p.log.Debug("task ended with error", "priority", e.priority, "err", err)
	}
	delete(p.entries, e.id)
	p.scheduleLocked()
}
