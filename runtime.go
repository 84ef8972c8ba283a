package jshost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cryguy/jshost/internal/core"
	"github.com/cryguy/jshost/internal/eventloop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var runtimeIDs atomic.Uint64

// errPromiseStuck is returned by ResolvePromise when nothing left in the
// runtime could ever settle the promise.
var errPromiseStuck = errors.New("jshost: promise cannot settle: no pending jobs")

// Runtime is one isolated guest engine instance with its own heap, memory
// limit, interrupt handler and job queue. Contexts created from it share
// those and nothing else.
type Runtime struct {
	id     uint64
	cfg    Config
	engine core.Engine
	log    *zap.Logger
	loop   *eventloop.EventLoop
	susp   *suspender

	// lifetime is cancelled on Dispose; host operations started by
	// NewPromiseFrom receive it.
	lifetime context.Context
	cancel   context.CancelFunc

	intr interruptState

	mu       sync.Mutex
	contexts map[*Context]struct{}
	open     int
	timers   map[int]timerOwner
	disposed bool
	closed   bool
}

func newRuntime(cfg Config, opts RuntimeOptions, async bool) *Runtime {
	id := runtimeIDs.Add(1)
	lifetime, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		id:       id,
		cfg:      cfg,
		engine:   newEngine(cfg.engineConfig(opts.MemoryLimitMB)),
		log:      cfg.Logger.With(zap.Uint64("runtime", id)),
		loop:     eventloop.New(),
		lifetime: lifetime,
		cancel:   cancel,
		contexts: make(map[*Context]struct{}),
		timers:   make(map[int]timerOwner),
	}
	rt.intr.handler = opts.InterruptHandler
	if async {
		rt.susp = &suspender{}
	}
	rt.log.Debug("runtime created", zap.Bool("async", async))
	return rt
}

// NewContext creates a context in the runtime.
func (rt *Runtime) NewContext(opts ContextOptions) (*Context, error) {
	return newContext(rt, opts)
}

// Alive reports whether the runtime has not been disposed.
func (rt *Runtime) Alive() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return !rt.disposed
}

// Dispose disposes every context, drops all pending host operations and
// timers, and releases the engine. If an asynchronous evaluation is
// suspended, its guest stack is unwound first and the engine is released
// once it has exited. Dispose is idempotent.
func (rt *Runtime) Dispose() {
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		return
	}
	rt.disposed = true
	contexts := make([]*Context, 0, len(rt.contexts))
	for c := range rt.contexts {
		contexts = append(contexts, c)
	}
	rt.mu.Unlock()

	rt.cancel()
	rt.loop.Reset()
	if rt.susp != nil {
		rt.susp.cancel(rt)
	}
	for _, c := range contexts {
		c.Dispose()
	}
	rt.maybeClose()
	rt.log.Debug("runtime disposed")
}

func (rt *Runtime) addContext(c *Context) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.disposed {
		return false
	}
	rt.contexts[c] = struct{}{}
	rt.open++
	return true
}

// forgetContext drops a disposed context and its timers.
func (rt *Runtime) forgetContext(c *Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.contexts, c)
	for id, owner := range rt.timers {
		if owner.c == c {
			delete(rt.timers, id)
			rt.loop.ClearTimer(id)
		}
	}
}

// realmClosed is called once per context after its realm is released.
func (rt *Runtime) realmClosed(*Context) {
	rt.mu.Lock()
	rt.open--
	rt.mu.Unlock()
	rt.maybeClose()
}

func (rt *Runtime) maybeClose() {
	rt.mu.Lock()
	if !rt.disposed || rt.closed || rt.open > 0 {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.mu.Unlock()
	if err := rt.engine.Close(); err != nil {
		rt.log.Warn("closing engine", zap.Error(err))
	}
}

func (rt *Runtime) liveContexts() []*Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Context, 0, len(rt.contexts))
	for c := range rt.contexts {
		out = append(out, c)
	}
	return out
}

// HasPendingJob reports whether host operations or timers are waiting to
// be applied. Engine microtasks are always drained by ExecutePendingJobs
// and are not counted.
func (rt *Runtime) HasPendingJob() bool {
	return rt.Alive() && rt.loop.HasPending()
}

// ExecutePendingJobs applies completed host operations, fires due timers
// and drains the microtask queue of every context. It returns the number
// of jobs that ran; guest exceptions thrown by timer callbacks and failed
// settlements are combined into the error.
func (rt *Runtime) ExecutePendingJobs() (int, error) {
	return rt.executePendingJobs(context.Background())
}

// executePendingJobs is ExecutePendingJobs with guest code interrupted
// once ctx is done.
func (rt *Runtime) executePendingJobs(ctx context.Context) (int, error) {
	if !rt.Alive() {
		return 0, newFault(FaultUseAfterDispose, "Runtime.ExecutePendingJobs")
	}
	n := 0
	var errs error
	rt.loop.DrainPending(func(p *eventloop.Pending, o eventloop.Outcome) {
		n++
		if d, ok := p.Target.(*Deferred); ok {
			errs = multierr.Append(errs, d.settleOutcome(o))
		}
	})
	n += rt.loop.RunDueTimers(func(id int) {
		rt.mu.Lock()
		t, ok := rt.timers[id]
		if ok && !t.interval {
			delete(rt.timers, id)
		}
		rt.mu.Unlock()
		if ok {
			errs = multierr.Append(errs, t.c.fireTimer(ctx, id))
		}
	})
	for _, c := range rt.liveContexts() {
		n += c.runMicrotasks(ctx)
	}
	return n, errs
}
