package jshost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cryguy/jshost/internal/eventloop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DeferredState is the settlement state of a Deferred.
type DeferredState int

const (
	DeferredPending DeferredState = iota
	DeferredResolved
	DeferredRejected
)

func (s DeferredState) String() string {
	switch s {
	case DeferredResolved:
		return "resolved"
	case DeferredRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Deferred pairs a guest promise with the host's right to settle it. It
// settles at most once; later calls, and calls after its context is gone,
// do nothing.
type Deferred struct {
	ctx     *Context
	promise *Handle
	resolve *Handle
	reject  *Handle

	mu      sync.Mutex
	state   DeferredState
	settled chan struct{}
}

// NewPromise creates a pending guest promise.
func (c *Context) NewPromise() (*Deferred, error) {
	const op = "Context.NewPromise"
	out, err := c.exec(op, opExpr("promise"))
	if err != nil {
		return nil, err
	}
	var r promiseReply
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w", op, err)
	}
	return &Deferred{
		ctx:     c,
		promise: c.adopt(r.Promise),
		resolve: c.adopt(r.Resolve),
		reject:  c.adopt(r.Reject),
		settled: make(chan struct{}),
	}, nil
}

// NewPromiseFrom starts fn on its own goroutine and returns a promise for
// its outcome. fn receives a context cancelled when the runtime is
// disposed. The outcome is applied by ExecutePendingJobs or ResolvePromise
// on the runtime's goroutine; a returned value is converted with NewValue,
// an error with NewError.
func (c *Context) NewPromiseFrom(fn func(ctx context.Context) (any, error)) (*Deferred, error) {
	d, err := c.NewPromise()
	if err != nil {
		return nil, err
	}
	rt := c.rt
	ch := make(chan eventloop.Outcome, 1)
	rt.loop.AddPending(&eventloop.Pending{ResultCh: ch, Target: d})
	go func() {
		v, err := runHostOp(rt.lifetime, fn)
		ch <- eventloop.Outcome{Value: v, Err: err}
		rt.loop.Notify()
	}()
	return d, nil
}

func runHostOp(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Handle returns the promise handle. It stays owned by the Deferred.
func (d *Deferred) Handle() *Handle {
	return d.promise
}

// State returns the current settlement state.
func (d *Deferred) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Settled is closed once the Deferred resolves or rejects.
func (d *Deferred) Settled() <-chan struct{} {
	return d.settled
}

// Resolve fulfils the promise with v; nil resolves with undefined.
func (d *Deferred) Resolve(v *Handle) error {
	return d.settle(DeferredResolved, v)
}

// Reject rejects the promise with v; nil rejects with undefined.
func (d *Deferred) Reject(v *Handle) error {
	return d.settle(DeferredRejected, v)
}

// RejectError rejects the promise with a guest error built from err.
func (d *Deferred) RejectError(err error) error {
	if !d.ctx.Alive() {
		return nil
	}
	h, herr := d.ctx.NewError(err)
	if herr != nil {
		return herr
	}
	defer h.Dispose()
	return d.Reject(h)
}

func (d *Deferred) settle(to DeferredState, v *Handle) error {
	if !d.ctx.Alive() {
		return nil
	}
	op := "Deferred.Resolve"
	fn := d.resolve
	if to == DeferredRejected {
		op, fn = "Deferred.Reject", d.reject
	}
	if err := d.ctx.use(op, v); err != nil {
		return err
	}

	d.mu.Lock()
	if d.state != DeferredPending {
		d.mu.Unlock()
		return nil
	}
	d.state = to
	close(d.settled)
	d.mu.Unlock()

	if !fn.Alive() {
		// Disposed before settling; the guest promise stays pending.
		return nil
	}
	res, err := d.ctx.CallFunction(context.Background(), fn, nil, v)
	if err != nil {
		return err
	}
	res.Dispose()
	d.resolve.Dispose()
	d.reject.Dispose()
	return nil
}

// settleOutcome applies a host operation outcome.
func (d *Deferred) settleOutcome(o eventloop.Outcome) error {
	if !d.ctx.Alive() {
		return nil
	}
	if o.Err != nil {
		return d.RejectError(o.Err)
	}
	h, err := d.ctx.NewValue(o.Value)
	if err != nil {
		return multierr.Append(err, d.RejectError(err))
	}
	defer h.Dispose()
	return d.Resolve(h)
}

// Dispose releases the promise and settle functions. A pending promise
// stays pending in the guest.
func (d *Deferred) Dispose() {
	d.promise.Dispose()
	d.resolve.Dispose()
	d.reject.Dispose()
}

// ResolvePromise waits for the guest promise h to settle, applying host
// outcomes, timers and microtasks meanwhile. A non-promise value counts as
// already fulfilled. The returned Result holds the fulfilment value or the
// rejection reason.
func (c *Context) ResolvePromise(ctx context.Context, h *Handle) (*Result, error) {
	const op = "Context.ResolvePromise"
	if err := c.use(op, h); err != nil {
		return nil, err
	}
	for {
		res, err := c.watch(ctx, op, h)
		if err != nil || res != nil {
			return res, err
		}
		if _, err := c.rt.executePendingJobs(ctx); err != nil {
			c.log.Debug("pending job failed while resolving promise", zap.Error(err))
		}
		if res, err := c.watch(ctx, op, h); err != nil || res != nil {
			return res, err
		}
		if !c.rt.loop.HasPending() {
			return nil, fmt.Errorf("%s: %w", op, errPromiseStuck)
		}
		if err := c.rt.loop.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
}

// watch reports the settled result of h, or nil while it is pending.
// Adopting a thenable reads its then property, which may run guest code.
func (c *Context) watch(ctx context.Context, op string, h *Handle) (*Result, error) {
	if err := c.use(op, h); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out, interrupted, err := c.run(ctx, op, opExpr("watch", refArg(h.ref)))
	if err != nil {
		return nil, err
	}
	if interrupted {
		return c.interruptedResult(op)
	}
	var w watchReply
	if err := json.Unmarshal([]byte(out), &w); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w", op, err)
	}
	switch {
	case w.State == 1 && w.OK != nil:
		return &Result{Value: c.adopt(*w.OK)}, nil
	case w.State == 2 && w.Err != nil:
		return &Result{Err: c.adopt(*w.Err)}, nil
	}
	return nil, nil
}
