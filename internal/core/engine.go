package core

// Engine is one guest engine instance. Every realm created by an engine
// shares its memory policy, and closing the engine closes all of its
// realms.
type Engine interface {
	// NewRealm creates a fresh evaluation environment with its own global
	// object.
	NewRealm() (Realm, error)

	// Close releases the engine and every realm it created.
	Close() error
}

// Realm abstracts one JavaScript context (QuickJS VM or V8 context) behind
// the small set of typed entry points the host protocol needs. Values never
// cross this boundary as engine objects: the host addresses guest values by
// the opaque refs kept in the realm's prelude slot table, and all replies
// are JSON text.
type Realm interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Backends accept string, int, float64 and bool parameters and results,
	// optionally followed by an error result; on error the JS wrapper throws
	// a TypeError.
	RegisterFunc(name string, fn any) error

	// Interrupt aborts the script running in this realm at its next safe
	// point, or the next script to run long enough to reach one. Safe to
	// call from any goroutine.
	Interrupt()

	// ClearInterrupt absorbs an interrupt request that no script observed,
	// so that the next evaluation starts clean. Called on the evaluating
	// goroutine once no script of the realm is on the stack.
	ClearInterrupt()

	// RunMicrotasks pumps the microtask queue and reports how many jobs ran.
	// V8: PerformMicrotaskCheckpoint, QuickJS: ExecutePendingJob loop.
	RunMicrotasks() int

	// Close releases the realm. Idempotent.
	Close() error
}
