//go:build !v8

package quickjs

import (
	"errors"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// jobQueue is the C runtime behind one VM. modernc.org/quickjs never runs
// JS_ExecutePendingJob itself, so promise reactions are drained through
// the C entry point directly.
type jobQueue struct {
	rt  uintptr
	tls *libc.TLS
}

// newJobQueue locates the unexported runtime of vm.
//
// Layout relied on (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    ...
//	    runtime *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func newJobQueue(vm *quickjs.VM) (jobQueue, error) {
	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return jobQueue{}, errors.New("quickjs: VM has no runtime field")
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	cRuntime := rtVal.FieldByName("cRuntime")
	tlsField := rtVal.FieldByName("tls")
	if !cRuntime.IsValid() || !tlsField.IsValid() || tlsField.IsNil() {
		return jobQueue{}, errors.New("quickjs: unexpected runtime layout")
	}
	return jobQueue{
		rt:  uintptr(cRuntime.Uint()),
		tls: (*libc.TLS)(unsafe.Pointer(tlsField.Pointer())),
	}, nil
}

// drain runs queued jobs until the queue is empty or a job fails, and
// returns how many completed. A job that threw has already rejected its
// promise; a failure that is an interrupt leaves the rest queued.
func (q jobQueue) drain() int {
	n := 0
	for lib.XJS_ExecutePendingJob(q.tls, q.rt, 0) > 0 {
		n++
	}
	return n
}
