package eventloop

import (
	"context"
	"sync"
	"time"
)

// Outcome is the settled result of a host asynchronous operation.
type Outcome struct {
	Value any
	Err   error
}

// Pending is a host operation whose outcome must be applied on the
// runtime's goroutine once it arrives. Target identifies what the outcome
// settles; the loop never inspects it.
type Pending struct {
	ResultCh <-chan Outcome
	Target   any
}

// timerEntry represents a pending setTimeout or setInterval callback.
// The callback itself lives in the guest; Go only tracks scheduling
// metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
	cleared  bool
}

// EventLoop tracks Go-backed timers and pending host operations for one
// runtime. Producers may run on any goroutine; draining must happen on the
// runtime's goroutine because it calls back into the engine.
type EventLoop struct {
	mu      sync.Mutex
	timers  map[int]*timerEntry
	nextID  int
	pending []*Pending
	wake    chan struct{}
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
	}
}

// RegisterTimer creates a timer entry and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	if delay < 0 {
		delay = 0
	}
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// AddPending registers a host operation whose outcome will be delivered
// through p.ResultCh.
func (el *EventLoop) AddPending(p *Pending) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.pending = append(el.pending, p)
}

// Notify wakes a goroutine blocked in Wait. Producers call it after sending
// an outcome.
func (el *EventLoop) Notify() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// DrainPending does non-blocking reads on all pending channels and calls
// settle for each completed one, removing it from the list. Returns true if
// any operation completed.
func (el *EventLoop) DrainPending(settle func(p *Pending, o Outcome)) bool {
	el.mu.Lock()
	if len(el.pending) == 0 {
		el.mu.Unlock()
		return false
	}
	// Snapshot the current list; we'll rebuild it without completed entries.
	pending := el.pending
	el.pending = nil
	el.mu.Unlock()

	var remaining []*Pending
	didWork := false
	for _, p := range pending {
		select {
		case o := <-p.ResultCh:
			settle(p, o)
			didWork = true
		default:
			remaining = append(remaining, p)
		}
	}

	el.mu.Lock()
	// Settlement callbacks may have added new pending operations, so
	// prepend the survivors to them.
	el.pending = append(remaining, el.pending...)
	el.mu.Unlock()
	return didWork
}

// RunDueTimers fires every timer whose deadline has passed and returns how
// many fired. Intervals are rescheduled, timeouts removed.
func (el *EventLoop) RunDueTimers(fire func(id int)) int {
	now := time.Now()

	el.mu.Lock()
	var due []*timerEntry
	for _, t := range el.timers {
		if !t.cleared && !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	el.mu.Unlock()

	// Fire in deadline order, ties broken by registration order.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && earlier(due[j], due[j-1]); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}

	fired := 0
	for _, t := range due {
		el.mu.Lock()
		if t.cleared {
			el.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			t.deadline = time.Now().Add(t.interval)
		} else {
			delete(el.timers, t.id)
		}
		el.mu.Unlock()

		fire(t.id)
		fired++
	}
	return fired
}

func earlier(a, b *timerEntry) bool {
	if a.deadline.Equal(b.deadline) {
		return a.id < b.id
	}
	return a.deadline.Before(b.deadline)
}

// NextDeadline reports the earliest live timer deadline.
func (el *EventLoop) NextDeadline() (time.Time, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next time.Time
	found := false
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if !found || t.deadline.Before(next) {
			next = t.deadline
			found = true
		}
	}
	return next, found
}

// Wait blocks until a producer calls Notify, the next timer is due, or ctx
// is done. It returns ctx.Err() in the last case.
func (el *EventLoop) Wait(ctx context.Context) error {
	var timerC <-chan time.Time
	if deadline, ok := el.NextDeadline(); ok {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-el.wake:
		return nil
	case <-timerC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasPending returns true if there are any active timers or pending host
// operations.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.pending) > 0
}

// Reset clears all timers and pending operations. Outcomes that arrive for
// dropped operations are never read.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.pending = nil
}
