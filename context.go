package jshost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cryguy/jshost/internal/core"
	"go.uber.org/zap"
)

var contextIDs atomic.Uint64

// Context is one isolated global environment inside a Runtime. Handles,
// host functions and promises all belong to exactly one Context.
//
// A Context is not safe for concurrent use. Host functions it calls may use
// it re-entrantly from the calling goroutine.
type Context struct {
	id    uint64
	rt    *Runtime
	realm core.Realm
	log   *zap.Logger
	opts  ContextOptions

	// ownsRuntime is set for contexts created directly from a module; their
	// runtime is disposed with them.
	ownsRuntime bool

	mu           sync.Mutex
	live         int
	funcs        map[uint32]*hostFunc
	nextFunc     uint32
	depth        int
	disposed     bool
	closePending bool
}

// Result is the outcome of an evaluation or call: exactly one of Value and
// Err is set. Guest exceptions are results, not Go errors.
type Result struct {
	Value *Handle
	Err   *Handle
}

// Failed reports whether the guest threw.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Dispose releases whichever handle the result holds.
func (r *Result) Dispose() {
	if r == nil {
		return
	}
	r.Value.Dispose()
	r.Err.Dispose()
}

func newContext(rt *Runtime, opts ContextOptions) (*Context, error) {
	const op = "Runtime.NewContext"
	if !rt.Alive() {
		return nil, newFault(FaultUseAfterDispose, op)
	}
	realm, err := rt.engine.NewRealm()
	if err != nil {
		return nil, fmt.Errorf("creating realm: %w", err)
	}

	id := contextIDs.Add(1)
	c := &Context{
		id:    id,
		rt:    rt,
		realm: realm,
		log:   rt.log.With(zap.Uint64("context", id)),
		opts:  opts,
		funcs: make(map[uint32]*hostFunc),
	}
	if err := c.install(); err != nil {
		_ = realm.Close()
		return nil, err
	}
	if !rt.addContext(c) {
		_ = realm.Close()
		return nil, newFault(FaultUseAfterDispose, op)
	}
	c.log.Debug("context created")
	return c, nil
}

// install registers the host entry points and runs the prelude.
func (c *Context) install() error {
	if err := c.realm.RegisterFunc(hostDispatchName, c.dispatch); err != nil {
		return fmt.Errorf("registering host dispatcher: %w", err)
	}
	if c.opts.Console {
		if err := c.realm.RegisterFunc(hostLogName, c.consoleLog); err != nil {
			return fmt.Errorf("registering console: %w", err)
		}
	}
	if c.opts.Timers {
		if err := c.realm.RegisterFunc(hostTimerSetName, c.setTimer); err != nil {
			return fmt.Errorf("registering timers: %w", err)
		}
		if err := c.realm.RegisterFunc(hostTimerClrName, c.clearTimer); err != nil {
			return fmt.Errorf("registering timers: %w", err)
		}
	}
	if err := c.realm.Eval(preludeJS); err != nil {
		return fmt.Errorf("installing prelude: %w", err)
	}
	if names := c.opts.DisabledIntrinsics.globals(); len(names) > 0 {
		list, _ := json.Marshal(names)
		if _, err := c.realm.EvalString(opExpr("strip", string(list))); err != nil {
			return fmt.Errorf("removing intrinsics: %w", err)
		}
	}
	return nil
}

// Runtime returns the runtime the context belongs to.
func (c *Context) Runtime() *Runtime {
	return c.rt
}

// Alive reports whether the context can still be used.
func (c *Context) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disposed
}

// LiveHandles returns the number of undisposed handles of this context.
func (c *Context) LiveHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Dispose invalidates every handle of the context at once and releases the
// realm. If guest code of this context is still on the stack, for example
// when called from a host function, the realm is released once that code
// has unwound. Dispose is idempotent.
func (c *Context) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	leaked := c.live
	c.live = 0
	c.funcs = nil
	deferClose := c.depth > 0
	c.closePending = deferClose
	c.mu.Unlock()

	if leaked > 0 {
		c.log.Debug("reclaimed undisposed handles", zap.Int("count", leaked))
	}
	c.rt.forgetContext(c)
	if !deferClose {
		c.closeRealm()
	}
	if c.ownsRuntime {
		c.rt.Dispose()
	}
	c.log.Debug("context disposed")
}

func (c *Context) closeRealm() {
	if err := c.realm.Close(); err != nil {
		c.log.Debug("closing realm", zap.Error(err))
	}
	c.rt.realmClosed(c)
}

// enter marks an engine call in progress so that disposal waits for it.
func (c *Context) enter(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return newFault(FaultUseAfterDispose, op)
	}
	c.depth++
	return nil
}

func (c *Context) leave() {
	c.mu.Lock()
	c.depth--
	closeNow := c.depth == 0 && c.closePending
	if closeNow {
		c.closePending = false
	}
	c.mu.Unlock()
	if closeNow {
		c.closeRealm()
	}
}

// use checks that every non-nil handle belongs to c and is alive.
func (c *Context) use(op string, hs ...*Handle) error {
	if !c.Alive() {
		return newFault(FaultUseAfterDispose, op)
	}
	for _, h := range hs {
		if h == nil {
			continue
		}
		if h.ctx != c {
			return newFault(FaultCrossContext, op)
		}
		if h.disposed.Load() {
			return newFault(FaultUseAfterDispose, op)
		}
	}
	return nil
}

// exec runs a prelude expression that cannot enter guest code.
func (c *Context) exec(op, expr string) (string, error) {
	if err := c.enter(op); err != nil {
		return "", err
	}
	defer c.leave()
	out, err := c.realm.EvalString(expr)
	c.rt.reassertInterrupt()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// run executes a prelude expression that may run guest code, under the
// runtime's interrupt handling. interrupted reports that the expression was
// aborted by an interrupt.
func (c *Context) run(ctx context.Context, op, expr string) (out string, interrupted bool, err error) {
	if err := c.enter(op); err != nil {
		return "", false, err
	}
	defer c.leave()

	end := c.rt.beginEval(ctx, c)
	out, evalErr := c.realm.EvalString(expr)
	st := end()
	switch {
	case st.fault != nil:
		return "", false, st.fault
	case st.handlerErr != nil:
		return "", false, fmt.Errorf("%s: interrupt handler: %w", op, st.handlerErr)
	case evalErr != nil && st.interrupted:
		if errors.Is(st.reason, ErrCanceled) {
			return "", false, newFault(FaultCanceled, op)
		}
		return "", true, nil
	case evalErr != nil:
		return "", false, fmt.Errorf("%s: %w", op, evalErr)
	}
	return out, false, nil
}

// adopt wraps a ref the prelude has just counted for the host.
func (c *Context) adopt(ref uint32) *Handle {
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
	return &Handle{ctx: c, ref: ref}
}

// keep evaluates a prelude expression returning a fresh ref.
func (c *Context) keep(op, expr string) (*Handle, error) {
	out, err := c.exec(op, expr)
	if err != nil {
		return nil, err
	}
	ref, err := parseRef(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.adopt(ref), nil
}

func (c *Context) release(h *Handle) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.live--
	c.mu.Unlock()
	if _, err := c.exec("Handle.Dispose", opExpr("release", refArg(h.ref))); err != nil {
		c.log.Debug("releasing handle", zap.Uint32("ref", h.ref), zap.Error(err))
	}
}

func (c *Context) dup(h *Handle) (*Handle, error) {
	if _, err := c.exec("Handle.Dup", opExpr("dup", refArg(h.ref))); err != nil {
		return nil, err
	}
	return c.adopt(h.ref), nil
}

// decodeReply turns a {"ok"|"err": ref} reply into a Result.
func (c *Context) decodeReply(op, out string) (*Result, error) {
	var r reply
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, fmt.Errorf("%s: malformed reply %q: %w", op, out, err)
	}
	switch {
	case r.Err != nil:
		return &Result{Err: c.adopt(*r.Err)}, nil
	case r.OK != nil && *r.OK != 0:
		return &Result{Value: c.adopt(*r.OK)}, nil
	case r.OK != nil:
		return &Result{}, nil
	}
	return nil, fmt.Errorf("%s: empty reply", op)
}

// call runs a prelude operation that answers with a reply, translating a
// guest throw into a *GuestError.
func (c *Context) call(ctx context.Context, op, expr string) (*Handle, error) {
	res, err := c.runResult(ctx, op, expr)
	if err != nil {
		return nil, err
	}
	return c.Unwrap(res)
}

func (c *Context) runResult(ctx context.Context, op, expr string) (*Result, error) {
	out, interrupted, err := c.run(ctx, op, expr)
	if err != nil {
		return nil, err
	}
	if interrupted {
		return c.interruptedResult(op)
	}
	return c.decodeReply(op, out)
}

// interruptedResult is the failure result of an aborted evaluation.
func (c *Context) interruptedResult(op string) (*Result, error) {
	h, err := c.newError("InternalError", "interrupted", string(KindInterrupted))
	if err != nil {
		return nil, newFault(FaultInterrupted, op)
	}
	return &Result{Err: h}, nil
}

// failure turns a host-side error into a failure result.
func (c *Context) failure(err error) (*Result, error) {
	h, herr := c.NewError(err)
	if herr != nil {
		return nil, herr
	}
	return &Result{Err: h}, nil
}

// EvalCode evaluates src. Guest exceptions, including interrupts, come back
// as a failure Result; the returned error is reserved for host faults and
// interrupt handler errors. Cancelling ctx interrupts the evaluation.
func (c *Context) EvalCode(ctx context.Context, src string, opts EvalOptions) (*Result, error) {
	return c.evalCode(ctx, "Context.EvalCode", src, opts)
}

func (c *Context) evalCode(ctx context.Context, op, src string, opts EvalOptions) (*Result, error) {
	if err := c.use(op); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return c.interruptedResult(op)
	}
	code, err := c.prepareSource(src, opts)
	if err != nil {
		return c.failure(err)
	}
	return c.runResult(ctx, op, opExpr("eval", jsString(code)))
}

// CallFunction calls fn with the given receiver and arguments. A nil this
// or argument is passed as undefined.
func (c *Context) CallFunction(ctx context.Context, fn, this *Handle, args ...*Handle) (*Result, error) {
	const op = "Context.CallFunction"
	if fn == nil {
		return nil, fmt.Errorf("%s: nil function handle", op)
	}
	if err := c.use(op, append([]*Handle{fn, this}, args...)...); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return c.interruptedResult(op)
	}
	refs := make([]uint32, len(args))
	for i, a := range args {
		refs[i] = refOf(a)
	}
	return c.runResult(ctx, op, opExpr("call", refArg(fn.ref), refArg(refOf(this)), jsRefs(refs)))
}

// refOf maps a nil handle to the undefined ref.
func refOf(h *Handle) uint32 {
	if h == nil {
		return 0
	}
	return h.ref
}

// Unwrap returns the value of a successful result. For a failure it
// disposes the error handle and returns the translated *GuestError.
func (c *Context) Unwrap(res *Result) (*Handle, error) {
	if res.Err != nil {
		err := c.ErrorOf(res.Err)
		res.Err.Dispose()
		return nil, err
	}
	if res.Value == nil {
		return c.Undefined()
	}
	return res.Value, nil
}

// ErrorOf translates a thrown guest value into a *GuestError. The handle is
// not disposed.
func (c *Context) ErrorOf(h *Handle) error {
	const op = "Context.ErrorOf"
	if err := c.use(op, h); err != nil {
		return err
	}
	out, interrupted, err := c.run(context.Background(), op, opExpr("errorInfo", refArg(h.ref)))
	if err != nil {
		return err
	}
	if interrupted {
		return newFault(FaultInterrupted, op)
	}
	var info errorInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return fmt.Errorf("%s: malformed error info: %w", op, err)
	}
	return info.translate()
}
