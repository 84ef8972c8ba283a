//go:build !v8

package quickjs

import (
	"fmt"
	"sync"

	"github.com/cryguy/jshost/internal/core"
	"modernc.org/quickjs"
)

// Engine groups the QuickJS VMs of one host runtime. modernc.org/quickjs
// pairs every JSContext with its own JSRuntime, so each realm is a separate
// VM and the engine applies one memory policy to all of them.
type Engine struct {
	cfg    core.EngineConfig
	mu     sync.Mutex
	realms map[*qjsRealm]struct{}
	closed bool
}

var _ core.Engine = (*Engine)(nil)

// NewEngine creates an empty QuickJS engine with the given configuration.
func NewEngine(cfg core.EngineConfig) *Engine {
	return &Engine{
		cfg:    cfg,
		realms: make(map[*qjsRealm]struct{}),
	}
}

// NewRealm creates a QuickJS VM with the engine's memory limit applied.
func (e *Engine) NewRealm() (core.Realm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("quickjs engine is closed")
	}

	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if e.cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(e.cfg.MemoryLimitMB) * 1024 * 1024)
	}

	jobs, err := newJobQueue(vm)
	if err != nil {
		vm.Close()
		return nil, err
	}

	r := &qjsRealm{vm: vm, jobs: jobs, engine: e}
	e.realms[r] = struct{}{}
	return r, nil
}

// Close closes every VM still open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	realms := make([]*qjsRealm, 0, len(e.realms))
	for r := range e.realms {
		realms = append(realms, r)
	}
	e.realms = nil
	e.mu.Unlock()

	for _, r := range realms {
		r.closeVM()
	}
	return nil
}

func (e *Engine) forget(r *qjsRealm) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.realms, r)
}
