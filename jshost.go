// Package jshost runs untrusted JavaScript inside isolated guest engines
// and exchanges values with it through explicitly owned handles.
//
// A Module creates Runtimes; a Runtime owns an engine heap, a memory limit,
// an interrupt handler and a job queue, and creates Contexts; a Context is
// one global environment. Guest values are reached only through Handles,
// each of which must be disposed exactly once:
//
//	m, err := jshost.GetModule(ctx)
//	rt := m.NewRuntime(jshost.RuntimeOptions{InterruptHandler: jshost.InterruptAfter(time.Second)})
//	defer rt.Dispose()
//	c, err := rt.NewContext(jshost.ContextOptions{})
//	res, err := c.EvalCode(ctx, "1 + 1", jshost.EvalOptions{})
//	v, err := c.Unwrap(res)
//	defer v.Dispose()
//
// Guest exceptions are results, not Go errors: EvalCode returns a Result
// whose Err handle holds the thrown value, and ErrorOf translates it into a
// *GuestError. Go errors are reserved for host faults (*Fault) such as use
// after dispose.
//
// The asynchronous variant (AsyncModule) lets host functions suspend the
// guest stack while the host performs blocking work; see Evaluation.
//
// The default engine is QuickJS compiled to Go; build with -tags v8 to use
// V8 instead.
package jshost
