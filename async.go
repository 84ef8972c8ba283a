package jshost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PendingOp is the host work an async host function asks for. The guest
// stack stays suspended until the driver resumes it with the outcome.
type PendingOp interface {
	Execute(ctx context.Context) (any, error)
}

// OpFunc adapts a function to PendingOp.
type OpFunc func(ctx context.Context) (any, error)

// Execute calls f.
func (f OpFunc) Execute(ctx context.Context) (any, error) {
	return f(ctx)
}

// AsyncFunction is a host function that may suspend the calling guest
// code. It runs synchronously up to the point it returns a PendingOp; the
// op's value becomes the guest-visible return value, its error is thrown.
// Returning a nil op returns undefined without suspending.
type AsyncFunction func(c *Context, this *Handle, args []*Handle) (PendingOp, error)

// SuspensionState is the state of a runtime's single suspension slot.
type SuspensionState int32

const (
	SuspensionIdle SuspensionState = iota
	SuspensionRunning
	SuspensionSuspended
)

func (s SuspensionState) String() string {
	switch s {
	case SuspensionRunning:
		return "running"
	case SuspensionSuspended:
		return "suspended"
	default:
		return "idle"
	}
}

// YieldResult carries the outcome of a PendingOp back to the guest.
type YieldResult struct {
	Value any
	Err   error
}

// StepStatus says why Step returned.
type StepStatus int

const (
	StepSuspended StepStatus = iota // Op must be executed and fed back
	StepDone                        // Result is set
	StepCanceled                    // the runtime was disposed or the evaluation canceled
)

// StepResult is the outcome of one Evaluation.Step.
type StepResult struct {
	Status   StepStatus
	Op       PendingOp
	Function string
	Result   *Result
}

type suspension struct {
	name string
	op   PendingOp
}

type resumption struct {
	value    any
	err      error
	canceled bool
}

type evalResult struct {
	res *Result
	err error
}

// suspender is the per-runtime suspension slot. At most one asynchronous
// evaluation holds it at a time.
type suspender struct {
	mu    sync.Mutex
	state SuspensionState
	cur   *Evaluation
}

func (s *suspender) State() SuspensionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *suspender) acquire(ev *Evaluation, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SuspensionIdle {
		return newFault(FaultReentrantSuspension, op)
	}
	s.state = SuspensionRunning
	s.cur = ev
	return nil
}

func (s *suspender) release(ev *Evaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == ev {
		s.state = SuspensionIdle
		s.cur = nil
	}
}

func (s *suspender) setRunning(ev *Evaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == ev {
		s.state = SuspensionRunning
	}
}

// suspend parks the calling guest stack until the driver resumes it. It
// runs on the evaluation goroutine, or on the driver's goroutine when the
// driver evaluates code while a suspension is outstanding.
func (s *suspender) suspend(name string, op PendingOp) (any, error) {
	s.mu.Lock()
	switch s.state {
	case SuspensionIdle:
		s.mu.Unlock()
		return nil, &GuestError{
			Name:    "TypeError",
			Message: fmt.Sprintf("async host function %s called outside an asynchronous evaluation", name),
			Kind:    KindException,
		}
	case SuspensionSuspended:
		s.mu.Unlock()
		return nil, newFault(FaultReentrantSuspension, name)
	}
	ev := s.cur
	if ev.isCanceled() {
		s.mu.Unlock()
		return nil, newFault(FaultCanceled, name)
	}
	s.state = SuspensionSuspended
	s.mu.Unlock()

	ev.yield <- suspension{name: name, op: op}
	r := <-ev.resume
	if r.canceled {
		return nil, newFault(FaultCanceled, name)
	}
	return r.value, r.err
}

// cancel aborts the evaluation holding the slot. A suspended guest stack is
// resumed with a cancellation and unwinds; the slot is released when the
// evaluation goroutine exits.
func (s *suspender) cancel(rt *Runtime) {
	s.mu.Lock()
	ev := s.cur
	state := s.state
	if ev == nil {
		s.mu.Unlock()
		return
	}
	ev.markCanceled()
	started := ev.isStarted()
	if state == SuspensionSuspended {
		s.state = SuspensionRunning
	}
	if !started {
		s.state = SuspensionIdle
		s.cur = nil
	}
	s.mu.Unlock()

	switch {
	case !started:
	case state == SuspensionSuspended:
		rt.log.Debug("canceling suspended evaluation")
		ev.resume <- resumption{canceled: true}
	default:
		rt.interruptNow(ErrCanceled)
	}
}

// Evaluation is one asynchronous evaluation, driven step by step by the
// host. Guest code runs on a goroutine of its own; Step hands control to it
// and returns when it suspends or finishes.
type Evaluation struct {
	c      *AsyncContext
	src    string
	opts   EvalOptions
	yield  chan suspension
	resume chan resumption
	done   chan evalResult

	mu       sync.Mutex
	started  bool
	finished bool
	canceled bool
	pending  *suspension
}

func (ev *Evaluation) isCanceled() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.canceled
}

func (ev *Evaluation) isStarted() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.started
}

func (ev *Evaluation) markCanceled() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.canceled = true
	ev.pending = nil
}

// Step starts the evaluation (yr must be nil on the first call) or resumes
// it with the outcome of the op the previous step returned. Cancelling ctx
// interrupts the guest code; the step then completes with an Interrupted
// result.
func (ev *Evaluation) Step(ctx context.Context, yr *YieldResult) (StepResult, error) {
	ev.mu.Lock()
	switch {
	case ev.finished:
		ev.mu.Unlock()
		return StepResult{}, errors.New("jshost: evaluation already finished")
	case ev.canceled:
		// Either never started or its guest stack was unwound by
		// disposal; a resumption has nowhere to go.
		ev.finished = true
		ev.mu.Unlock()
		if yr != nil {
			ev.c.rt.log.Debug("discarding resumption of canceled evaluation")
		}
		return StepResult{Status: StepCanceled}, nil
	}

	if !ev.started {
		if yr != nil {
			ev.mu.Unlock()
			return StepResult{}, errors.New("jshost: first Step takes no yield result")
		}
		ev.started = true
		ev.mu.Unlock()
		go ev.run()
		return ev.wait(ctx)
	}

	if ev.pending == nil {
		ev.mu.Unlock()
		return StepResult{}, errors.New("jshost: evaluation is not suspended")
	}
	if yr == nil {
		ev.mu.Unlock()
		return StepResult{}, errors.New("jshost: resuming requires a yield result")
	}
	ev.pending = nil
	ev.mu.Unlock()

	ev.c.rt.susp.setRunning(ev)
	ev.resume <- resumption{value: yr.Value, err: yr.Err}
	return ev.wait(ctx)
}

func (ev *Evaluation) wait(ctx context.Context) (StepResult, error) {
	done := ctx.Done()
	for {
		select {
		case s := <-ev.yield:
			ev.mu.Lock()
			ev.pending = &s
			ev.mu.Unlock()
			return StepResult{Status: StepSuspended, Op: s.op, Function: s.name}, nil
		case out := <-ev.done:
			ev.mu.Lock()
			ev.finished = true
			canceled := ev.canceled
			ev.mu.Unlock()
			if canceled {
				out.res.Dispose()
				return StepResult{Status: StepCanceled}, nil
			}
			return StepResult{Status: StepDone, Result: out.res}, out.err
		case <-done:
			ev.c.rt.interruptNow(ctx.Err())
			done = nil
		}
	}
}

// run is the evaluation goroutine.
func (ev *Evaluation) run() {
	c := ev.c.Context
	var out evalResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("asynchronous evaluation panicked: %v", r)
			}
		}()
		out.res, out.err = c.evalCode(c.rt.lifetime, "AsyncContext.EvalCodeAsync", ev.src, ev.opts)
	}()
	c.rt.susp.release(ev)
	ev.done <- out
}

// Cancel aborts the evaluation and waits for its guest code to unwind. A
// later Step reports StepCanceled.
func (ev *Evaluation) Cancel() {
	s := ev.c.rt.susp
	s.mu.Lock()
	held := s.cur == ev
	s.mu.Unlock()
	if !held {
		return
	}
	started := ev.isStarted()
	s.cancel(ev.c.rt)
	if started {
		out := <-ev.done
		out.res.Dispose()
		ev.mu.Lock()
		ev.finished = true
		ev.mu.Unlock()
	}
}

// AsyncRuntime is a Runtime whose contexts can host async functions.
type AsyncRuntime struct {
	*Runtime
}

// NewContext creates an asynchronous context.
func (rt *AsyncRuntime) NewContext(opts ContextOptions) (*AsyncContext, error) {
	c, err := newContext(rt.Runtime, opts)
	if err != nil {
		return nil, err
	}
	return &AsyncContext{Context: c}, nil
}

// SuspensionState reports the state of the runtime's suspension slot.
func (rt *AsyncRuntime) SuspensionState() SuspensionState {
	return rt.susp.State()
}

// AsyncContext is a Context of an AsyncRuntime.
type AsyncContext struct {
	*Context
}

// NewAsyncFunction creates a guest function backed by fn. Guest code calling
// it is suspended until the op fn returns has been executed by the driver.
func (c *AsyncContext) NewAsyncFunction(name string, fn AsyncFunction) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("AsyncContext.NewAsyncFunction: nil function")
	}
	return c.newFunction("AsyncContext.NewAsyncFunction", &hostFunc{name: name, async: fn})
}

// BeginEval reserves the runtime's suspension slot for an evaluation of
// src. The evaluation starts on the first Step. Only one asynchronous
// evaluation per runtime may be in flight.
func (c *AsyncContext) BeginEval(src string, opts EvalOptions) (*Evaluation, error) {
	const op = "AsyncContext.BeginEval"
	if err := c.use(op); err != nil {
		return nil, err
	}
	ev := &Evaluation{
		c:      c,
		src:    src,
		opts:   opts,
		yield:  make(chan suspension),
		resume: make(chan resumption, 1),
		done:   make(chan evalResult, 1),
	}
	if err := c.rt.susp.acquire(ev, op); err != nil {
		return nil, err
	}
	return ev, nil
}

// EvalCodeAsync evaluates src, executing every op requested by async host
// functions on the calling goroutine until the evaluation finishes. Ops
// receive a context cancelled with ctx or by runtime disposal.
func (c *AsyncContext) EvalCodeAsync(ctx context.Context, src string, opts EvalOptions) (*Result, error) {
	const op = "AsyncContext.EvalCodeAsync"
	ev, err := c.BeginEval(src, opts)
	if err != nil {
		return nil, err
	}
	var yr *YieldResult
	for {
		step, err := ev.Step(ctx, yr)
		if err != nil {
			return step.Result, err
		}
		switch step.Status {
		case StepDone:
			return step.Result, nil
		case StepCanceled:
			return nil, newFault(FaultCanceled, op)
		}
		v, opErr := c.executeOp(ctx, step)
		yr = &YieldResult{Value: v, Err: opErr}
	}
}

func (c *AsyncContext) executeOp(ctx context.Context, step StepResult) (v any, err error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.rt.lifetime, cancel)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op of %s panicked: %v", step.Function, r)
		}
	}()
	return step.Op.Execute(opCtx)
}

// callAsync runs an async host function from the dispatcher.
func (c *Context) callAsync(hf *hostFunc, this *Handle, args []*Handle) (*Handle, error) {
	s := c.rt.susp
	if s == nil {
		return nil, fmt.Errorf("async host function %s in a synchronous runtime", hf.name)
	}
	op, err := callAsyncHost(hf, c, this, args)
	if err != nil || op == nil {
		return nil, err
	}
	v, err := s.suspend(hf.name, op)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			switch f.Kind {
			case FaultReentrantSuspension:
				c.log.Warn("suspension requested while suspended", zap.String("function", hf.name))
				c.rt.raiseFault(err)
			case FaultCanceled:
				c.rt.interruptNow(ErrCanceled)
			}
		}
		return nil, err
	}
	return c.NewValue(v)
}

func callAsyncHost(hf *hostFunc, c *Context, this *Handle, args []*Handle) (op PendingOp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host function %s panicked: %v", hf.name, r)
		}
	}()
	return hf.async(c, this, args)
}
