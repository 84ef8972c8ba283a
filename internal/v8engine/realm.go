//go:build v8

package v8engine

import (
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/cryguy/jshost/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Realm implements core.Realm for one V8 context.
type v8Realm struct {
	iso    *v8.Isolate
	ctx    *v8.Context
	engine *Engine

	closeOnce sync.Once
}

var _ core.Realm = (*v8Realm)(nil)

// Eval evaluates JavaScript and discards the result.
func (r *v8Realm) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Realm) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterFunc binds fn as the global function name. fn takes string, int,
// float64 or bool arguments and returns nothing, one such value, or one
// such value and an error; a non-nil error is thrown as a string. The
// signature is checked once, here, rather than on every call.
func (r *v8Realm) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("v8engine: %s is %T, not a function", name, fn)
	}
	for i := 0; i < ft.NumIn(); i++ {
		if !scalarKind(ft.In(i).Kind()) {
			return fmt.Errorf("v8engine: %s: unsupported argument type %s", name, ft.In(i))
		}
	}
	switch {
	case ft.NumOut() > 2,
		ft.NumOut() >= 1 && !scalarKind(ft.Out(0).Kind()),
		ft.NumOut() == 2 && ft.Out(1) != errorType:
		return fmt.Errorf("v8engine: %s: unsupported signature %s", name, ft)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < ft.NumIn() {
			return r.throw(fmt.Sprintf("%s takes %d argument(s), got %d", name, ft.NumIn(), len(args)))
		}
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			in[i] = fromJS(args[i], ft.In(i))
		}
		out := fv.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return r.throw(fmt.Sprintf("calling %s: %v", name, out[1].Interface()))
		}
		if len(out) == 0 {
			return nil
		}
		return toJS(r.iso, out[0])
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *v8Realm) throw(msg string) *v8.Value {
	v, err := v8.NewValue(r.iso, msg)
	if err != nil {
		return nil
	}
	return r.iso.ThrowException(v)
}

// Interrupt terminates whatever is running on the isolate. Realms share
// the isolate, and only one of them runs at a time.
func (r *v8Realm) Interrupt() {
	r.iso.TerminateExecution()
}

// ClearInterrupt enters JavaScript once so that a pending termination
// fires; V8 drops it when the terminated script returns.
func (r *v8Realm) ClearInterrupt() {
	_ = r.Eval("(function () {})()")
}

// RunMicrotasks pumps the V8 microtask queue. V8 does not report how many
// jobs ran, so any checkpoint counts as one.
func (r *v8Realm) RunMicrotasks() int {
	r.ctx.PerformMicrotaskCheckpoint()
	return 0
}

// Close closes the context and detaches it from its engine.
func (r *v8Realm) Close() error {
	r.engine.forget(r)
	r.closeCtx()
	return nil
}

func (r *v8Realm) closeCtx() {
	r.closeOnce.Do(func() {
		r.ctx.Close()
	})
}

func scalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Int, reflect.Float64, reflect.Bool:
		return true
	}
	return false
}

// fromJS converts an argument to one of the kinds scalarKind accepts.
func fromJS(val *v8.Value, t reflect.Type) reflect.Value {
	var v any
	switch t.Kind() {
	case reflect.String:
		v = val.String()
	case reflect.Int:
		v = int(val.Integer())
	case reflect.Float64:
		v = val.Number()
	case reflect.Bool:
		v = val.Boolean()
	}
	return reflect.ValueOf(v).Convert(t)
}

// toJS converts a result of one of the kinds scalarKind accepts. Integers
// outside the int32 range become doubles.
func toJS(iso *v8.Isolate, val reflect.Value) *v8.Value {
	var (
		v   *v8.Value
		err error
	)
	switch val.Kind() {
	case reflect.String:
		v, err = v8.NewValue(iso, val.String())
	case reflect.Int:
		if n := val.Int(); n >= math.MinInt32 && n <= math.MaxInt32 {
			v, err = v8.NewValue(iso, int32(n))
		} else {
			v, err = v8.NewValue(iso, float64(n))
		}
	case reflect.Float64:
		v, err = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, err = v8.NewValue(iso, val.Bool())
	}
	if err != nil {
		return nil
	}
	return v
}
