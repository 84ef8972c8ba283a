//go:build v8

package v8engine

import (
	"fmt"
	"sync"

	"github.com/cryguy/jshost/internal/core"
	v8 "github.com/tommie/v8go"
)

// Engine owns one V8 isolate; each realm is a v8.Context on it.
type Engine struct {
	iso    *v8.Isolate
	mu     sync.Mutex
	realms map[*v8Realm]struct{}
	closed bool
}

var _ core.Engine = (*Engine)(nil)

// NewEngine creates an isolate, constrained to MemoryLimitMB when set.
func NewEngine(cfg core.EngineConfig) *Engine {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &Engine{
		iso:    iso,
		realms: make(map[*v8Realm]struct{}),
	}
}

// NewRealm creates a new context on the engine's isolate.
func (e *Engine) NewRealm() (core.Realm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("v8 engine is closed")
	}
	r := &v8Realm{iso: e.iso, ctx: v8.NewContext(e.iso), engine: e}
	e.realms[r] = struct{}{}
	return r, nil
}

// Close closes every context and disposes the isolate.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	realms := make([]*v8Realm, 0, len(e.realms))
	for r := range e.realms {
		realms = append(realms, r)
	}
	e.realms = nil
	e.mu.Unlock()

	for _, r := range realms {
		r.closeCtx()
	}
	e.iso.Dispose()
	return nil
}

func (e *Engine) forget(r *v8Realm) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.realms, r)
}
