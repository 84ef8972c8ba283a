package jshost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InterruptHandler is polled while guest code runs. Returning true aborts
// the running evaluation, which then yields an Interrupted failure result.
// Returning an error aborts it as well and the evaluation call returns that
// error instead of a result. The handler runs on a watchdog goroutine.
type InterruptHandler func() (bool, error)

// ShouldInterruptAfterDeadline returns a handler that interrupts once
// deadline has passed.
func ShouldInterruptAfterDeadline(deadline time.Time) InterruptHandler {
	return func() (bool, error) {
		return !time.Now().Before(deadline), nil
	}
}

// InterruptAfter returns a handler that interrupts d after it is created.
func InterruptAfter(d time.Duration) InterruptHandler {
	return ShouldInterruptAfterDeadline(time.Now().Add(d))
}

var errInterruptRequested = errors.New("interrupt handler requested stop")

// interruptState tracks the evaluations active on a runtime. Evaluations
// nest when host functions evaluate code, so active is a stack; an
// interrupt is delivered to the realm at its top.
type interruptState struct {
	mu      sync.Mutex
	handler InterruptHandler
	active  []*Context
	gen     uint64

	fired      bool
	reason     error
	handlerErr error
	fault      error

	// hit lists the contexts whose realms were interrupted since the
	// outermost evaluation began.
	hit map[*Context]struct{}

	stop chan struct{}
}

// interruptLocked interrupts the realm of c and remembers it.
func (in *interruptState) interruptLocked(c *Context) {
	if in.hit == nil {
		in.hit = make(map[*Context]struct{})
	}
	in.hit[c] = struct{}{}
	c.realm.Interrupt()
}

// evalOutcome is what an evaluation learns about interrupts when it ends.
type evalOutcome struct {
	interrupted bool
	reason      error
	handlerErr  error
	fault       error
}

// SetInterruptHandler installs h, replacing any previous handler. A nil
// handler disables polling.
func (rt *Runtime) SetInterruptHandler(h InterruptHandler) {
	in := &rt.intr
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handler = h
	if h != nil && len(in.active) > 0 {
		rt.startWatchdogLocked()
	}
}

// RemoveInterruptHandler disables interrupt polling.
func (rt *Runtime) RemoveInterruptHandler() {
	rt.SetInterruptHandler(nil)
}

// beginEval registers an evaluation in c and returns the function that ends
// it. ctx cancellation interrupts the evaluation.
func (rt *Runtime) beginEval(ctx context.Context, c *Context) func() evalOutcome {
	in := &rt.intr
	in.mu.Lock()
	if len(in.active) == 0 {
		in.gen++
		in.fired, in.reason, in.handlerErr = false, nil, nil
	}
	in.active = append(in.active, c)
	gen := in.gen
	if in.handler != nil {
		rt.startWatchdogLocked()
	}
	in.mu.Unlock()

	stopAfter := func() bool { return true }
	if ctx != nil && ctx.Done() != nil {
		stopAfter = context.AfterFunc(ctx, func() {
			rt.requestInterrupt(gen, ctx.Err())
		})
	}

	return func() evalOutcome {
		stopAfter()
		in.mu.Lock()
		out := evalOutcome{
			interrupted: in.fired,
			reason:      in.reason,
			handlerErr:  in.handlerErr,
			fault:       in.fault,
		}
		in.fault = nil
		in.active = in.active[:len(in.active)-1]
		// A fault aborts only this evaluation; an interrupt it left
		// unobserved must not reach the evaluation it returns to.
		clearOwn := out.fault != nil && !in.fired && len(in.active) > 0
		var hit map[*Context]struct{}
		switch {
		case len(in.active) == 0:
			rt.stopWatchdogLocked()
			hit, in.hit = in.hit, nil
		case in.fired:
			// The enclosing evaluation resumes in guest code; it must unwind
			// too.
			in.interruptLocked(in.active[len(in.active)-1])
		}
		in.mu.Unlock()

		if clearOwn {
			c.realm.ClearInterrupt()
		}
		for hc := range hit {
			if hc == c || hc.Alive() {
				hc.realm.ClearInterrupt()
			}
		}
		return out
	}
}

// reassertInterrupt keeps an interrupt pending while host code runs on
// behalf of an interrupted evaluation, so that guest code cannot resume
// past it.
func (rt *Runtime) reassertInterrupt() {
	in := &rt.intr
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fired && len(in.active) > 0 {
		in.interruptLocked(in.active[len(in.active)-1])
	}
}

// requestInterrupt interrupts the evaluation generation gen, if it is still
// running.
func (rt *Runtime) requestInterrupt(gen uint64, reason error) {
	in := &rt.intr
	in.mu.Lock()
	if len(in.active) == 0 || in.gen != gen || in.fired {
		in.mu.Unlock()
		return
	}
	in.fired = true
	in.reason = reason
	in.interruptLocked(in.active[len(in.active)-1])
	// The engine clears its flag when it enters a script, so a request
	// that lands before entry would be lost; the watchdog keeps raising
	// it until the evaluation unwinds.
	rt.startWatchdogLocked()
	in.mu.Unlock()

	rt.log.Info("interrupting evaluation", zap.Error(reason))
}

// interruptNow interrupts whatever evaluation is active.
func (rt *Runtime) interruptNow(reason error) {
	rt.intr.mu.Lock()
	gen := rt.intr.gen
	rt.intr.mu.Unlock()
	rt.requestInterrupt(gen, reason)
}

// raiseFault aborts the innermost evaluation; its caller receives err
// instead of a result. The enclosing evaluations are not interrupted.
func (rt *Runtime) raiseFault(err error) {
	in := &rt.intr
	in.mu.Lock()
	if len(in.active) == 0 {
		in.mu.Unlock()
		return
	}
	in.fault = err
	in.interruptLocked(in.active[len(in.active)-1])
	in.mu.Unlock()
}

func (rt *Runtime) startWatchdogLocked() {
	if rt.intr.stop != nil {
		return
	}
	stop := make(chan struct{})
	rt.intr.stop = stop
	go rt.watchdog(stop, rt.cfg.InterruptPollInterval)
}

func (rt *Runtime) stopWatchdogLocked() {
	if rt.intr.stop != nil {
		close(rt.intr.stop)
		rt.intr.stop = nil
	}
}

// watchdog polls the interrupt handler while evaluations are active and,
// once an interrupt has fired, re-raises it on every tick.
func (rt *Runtime) watchdog(stop chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	defer func() {
		rt.intr.mu.Lock()
		if rt.intr.stop == stop {
			rt.intr.stop = nil
		}
		rt.intr.mu.Unlock()
	}()
	for {
		if rt.pollInterrupt() {
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// pollInterrupt runs one watchdog tick and reports whether no evaluation
// is left to watch.
func (rt *Runtime) pollInterrupt() bool {
	in := &rt.intr
	in.mu.Lock()
	if len(in.active) == 0 {
		in.mu.Unlock()
		return true
	}
	if in.fired {
		in.interruptLocked(in.active[len(in.active)-1])
		in.mu.Unlock()
		return false
	}
	h, gen := in.handler, in.gen
	in.mu.Unlock()
	if h == nil {
		return false
	}

	stop, err := callInterruptHandler(h)
	if err == nil && !stop {
		return false
	}
	if err != nil {
		in.mu.Lock()
		if in.gen == gen {
			in.handlerErr = err
		}
		in.mu.Unlock()
		rt.requestInterrupt(gen, err)
		return false
	}
	rt.requestInterrupt(gen, errInterruptRequested)
	return false
}

func callInterruptHandler(h InterruptHandler) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interrupt handler panicked: %v", r)
		}
	}()
	return h()
}
