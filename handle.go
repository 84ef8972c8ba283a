package jshost

import (
	"sync/atomic"
)

// Handle is a host reference to one guest value. Each Handle holds exactly
// one count on its guest slot; Dup takes another. A Handle is bound to the
// Context that created it and dies with it.
type Handle struct {
	ctx      *Context
	ref      uint32
	disposed atomic.Bool
}

// Alive reports whether the handle and its context are still usable.
func (h *Handle) Alive() bool {
	return h != nil && !h.disposed.Load() && h.ctx.Alive()
}

// Context returns the owning context.
func (h *Handle) Context() *Context {
	return h.ctx
}

// Ref returns the opaque slot reference. Two handles from Dup share a ref.
func (h *Handle) Ref() uint32 {
	return h.ref
}

// Dispose releases the handle's count on its guest value. Calling it again,
// or after the owning context is gone, does nothing.
func (h *Handle) Dispose() {
	if h == nil || !h.disposed.CompareAndSwap(false, true) {
		return
	}
	h.ctx.release(h)
}

// Dup returns an independent handle to the same guest value.
func (h *Handle) Dup() (*Handle, error) {
	if err := h.check("Handle.Dup"); err != nil {
		return nil, err
	}
	return h.ctx.dup(h)
}

// Consume runs fn with the handle and disposes it afterwards, whether fn
// returns normally, fails or panics.
func (h *Handle) Consume(fn func(*Handle) error) error {
	if err := h.check("Handle.Consume"); err != nil {
		return err
	}
	defer h.Dispose()
	return fn(h)
}

func (h *Handle) check(op string) error {
	if h == nil || h.disposed.Load() || !h.ctx.Alive() {
		return newFault(FaultUseAfterDispose, op)
	}
	return nil
}
