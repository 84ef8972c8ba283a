//go:build !v8

package quickjs

import (
	"fmt"
	"sync"

	"github.com/cryguy/jshost/internal/core"
	"modernc.org/quickjs"
)

// qjsRealm implements core.Realm for a single QuickJS VM.
type qjsRealm struct {
	vm     *quickjs.VM
	jobs   jobQueue
	engine *Engine

	closeOnce sync.Once
}

var _ core.Realm = (*qjsRealm)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *qjsRealm) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRealm) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are unwrapped: on success the wrapper
// returns T, on error it throws a TypeError. The QuickJS Go wrapper hands
// multi-value results to JS as arrays, hence the shim.
func (r *qjsRealm) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// Interrupt raises the VM's interrupt flag. QuickJS polls it from its
// interrupt handler and throws an uncatchable error.
func (r *qjsRealm) Interrupt() {
	r.vm.Interrupt()
}

// interruptFlushJS runs long enough for QuickJS to poll its interrupt
// handler several times.
const interruptFlushJS = `(function () { for (var i = 0; i < 50000; i++) {} })()`

// ClearInterrupt lets a pending interrupt fire on a throwaway loop.
func (r *qjsRealm) ClearInterrupt() {
	_ = r.Eval(interruptFlushJS)
}

// RunMicrotasks pumps the QuickJS job queue.
func (r *qjsRealm) RunMicrotasks() int {
	return r.jobs.drain()
}

// Close closes the VM and detaches it from its engine.
func (r *qjsRealm) Close() error {
	r.engine.forget(r)
	r.closeVM()
	return nil
}

func (r *qjsRealm) closeVM() {
	r.closeOnce.Do(func() {
		r.vm.Close()
	})
}
