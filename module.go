package jshost

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Variant tells the synchronous and asynchronous engine modules apart.
type Variant int

const (
	VariantSync Variant = iota
	VariantAsync
)

func (v Variant) String() string {
	if v == VariantAsync {
		return "async"
	}
	return "sync"
}

// EngineModule is what both module variants offer: contexts that own
// their runtime, and one-shot evaluation.
type EngineModule interface {
	Variant() Variant
	NewContext(opts ContextOptions) (*Context, error)
	EvalCode(ctx context.Context, src string) (any, error)
}

var (
	_ EngineModule = (*Module)(nil)
	_ EngineModule = (*AsyncModule)(nil)
)

// base is the state shared by both module variants.
type base struct {
	cfg     Config
	variant Variant
}

func newBase(ctx context.Context, cfg Config, variant Variant) (base, error) {
	b := base{cfg: cfg.withDefaults(), variant: variant}
	if err := b.selfTest(ctx); err != nil {
		return base{}, fmt.Errorf("instantiating %s engine module: %w", variant, err)
	}
	b.cfg.Logger.Debug("engine module ready", zap.Stringer("variant", variant))
	return b, nil
}

// selfTest creates a throwaway runtime and evaluates a trivial expression
// through the full handle protocol.
func (b base) selfTest(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- func() error {
			rt := newRuntime(b.cfg, RuntimeOptions{}, false)
			defer rt.Dispose()
			c, err := rt.NewContext(ContextOptions{})
			if err != nil {
				return err
			}
			res, err := c.EvalCode(context.Background(), "1 + 1", EvalOptions{Filename: "selftest.js"})
			if err != nil {
				return err
			}
			defer res.Dispose()
			if res.Failed() {
				return c.ErrorOf(res.Err)
			}
			n, err := c.GetNumber(res.Value)
			if err != nil {
				return err
			}
			if n != 2 {
				return fmt.Errorf("self-test evaluated 1 + 1 to %v", n)
			}
			return nil
		}()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evalOnce evaluates src in a fresh context and dumps the result. A guest
// exception is returned as *GuestError.
func evalOnce(ctx context.Context, c *Context, src string) (any, error) {
	defer c.Dispose()
	res, err := c.EvalCode(ctx, src, EvalOptions{})
	if err != nil {
		return nil, err
	}
	h, err := c.Unwrap(res)
	if err != nil {
		return nil, err
	}
	defer h.Dispose()
	return c.Dump(h)
}

// Module creates synchronous runtimes.
type Module struct {
	base
}

// NewModule instantiates the synchronous engine module.
func NewModule(ctx context.Context, cfg Config) (*Module, error) {
	b, err := newBase(ctx, cfg, VariantSync)
	if err != nil {
		return nil, err
	}
	return &Module{base: b}, nil
}

// Variant returns VariantSync.
func (m *Module) Variant() Variant { return VariantSync }

// NewRuntime creates an isolated runtime.
func (m *Module) NewRuntime(opts RuntimeOptions) *Runtime {
	return newRuntime(m.cfg, opts, false)
}

// NewContext creates a context in a runtime of its own; disposing the
// context disposes the runtime.
func (m *Module) NewContext(opts ContextOptions) (*Context, error) {
	rt := m.NewRuntime(RuntimeOptions{})
	c, err := rt.NewContext(opts)
	if err != nil {
		rt.Dispose()
		return nil, err
	}
	c.ownsRuntime = true
	return c, nil
}

// EvalCode evaluates src in a throwaway context and returns the dumped
// result.
func (m *Module) EvalCode(ctx context.Context, src string) (any, error) {
	c, err := m.NewContext(ContextOptions{})
	if err != nil {
		return nil, err
	}
	return evalOnce(ctx, c, src)
}

// AsyncModule creates runtimes whose contexts can host async functions.
type AsyncModule struct {
	base
}

// NewAsyncModule instantiates the asynchronous engine module.
func NewAsyncModule(ctx context.Context, cfg Config) (*AsyncModule, error) {
	b, err := newBase(ctx, cfg, VariantAsync)
	if err != nil {
		return nil, err
	}
	return &AsyncModule{base: b}, nil
}

// Variant returns VariantAsync.
func (m *AsyncModule) Variant() Variant { return VariantAsync }

// NewRuntime creates an isolated asynchronous runtime.
func (m *AsyncModule) NewRuntime(opts RuntimeOptions) *AsyncRuntime {
	return &AsyncRuntime{Runtime: newRuntime(m.cfg, opts, true)}
}

// NewContext creates a context in an asynchronous runtime of its own.
func (m *AsyncModule) NewContext(opts ContextOptions) (*Context, error) {
	c, err := m.NewAsyncContext(opts)
	if err != nil {
		return nil, err
	}
	return c.Context, nil
}

// NewAsyncContext is NewContext returning the asynchronous view.
func (m *AsyncModule) NewAsyncContext(opts ContextOptions) (*AsyncContext, error) {
	rt := m.NewRuntime(RuntimeOptions{})
	c, err := rt.NewContext(opts)
	if err != nil {
		rt.Dispose()
		return nil, err
	}
	c.ownsRuntime = true
	return c, nil
}

// EvalCode evaluates src in a throwaway context and returns the dumped
// result.
func (m *AsyncModule) EvalCode(ctx context.Context, src string) (any, error) {
	c, err := m.NewContext(ContextOptions{})
	if err != nil {
		return nil, err
	}
	return evalOnce(ctx, c, src)
}

// Process-wide modules, created on first use and never torn down.
var (
	sharedMu    sync.Mutex
	sharedSync  *Module
	sharedAsync *AsyncModule
	sharedInit  singleflight.Group
)

// GetModule returns the shared synchronous module, instantiating it on
// first use. Concurrent first callers share one instantiation.
func GetModule(ctx context.Context) (*Module, error) {
	if m, err := CurrentModule(); err == nil {
		return m, nil
	}
	v, err, _ := sharedInit.Do("sync", func() (any, error) {
		if m, err := CurrentModule(); err == nil {
			return m, nil
		}
		m, err := NewModule(ctx, DefaultConfig())
		if err != nil {
			return nil, err
		}
		sharedMu.Lock()
		sharedSync = m
		sharedMu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

// GetAsyncModule returns the shared asynchronous module, instantiating it
// on first use.
func GetAsyncModule(ctx context.Context) (*AsyncModule, error) {
	if m, err := CurrentAsyncModule(); err == nil {
		return m, nil
	}
	v, err, _ := sharedInit.Do("async", func() (any, error) {
		if m, err := CurrentAsyncModule(); err == nil {
			return m, nil
		}
		m, err := NewAsyncModule(ctx, DefaultConfig())
		if err != nil {
			return nil, err
		}
		sharedMu.Lock()
		sharedAsync = m
		sharedMu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AsyncModule), nil
}

// CurrentModule returns the shared synchronous module, or ErrNotInitialized
// before GetModule has completed.
func CurrentModule() (*Module, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedSync == nil {
		return nil, newFault(FaultNotInitialized, "CurrentModule")
	}
	return sharedSync, nil
}

// CurrentAsyncModule returns the shared asynchronous module, or
// ErrNotInitialized before GetAsyncModule has completed.
func CurrentAsyncModule() (*AsyncModule, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedAsync == nil {
		return nil, newFault(FaultNotInitialized, "CurrentAsyncModule")
	}
	return sharedAsync, nil
}
