package jshost

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"go.uber.org/zap"
)

// HostFunction implements a guest-callable function in Go. this and args
// are disposed when the function returns; the returned handle, if any, is
// consumed. A returned error is thrown into the guest: a *Thrown error
// throws its value unchanged, anything else is translated with NewError.
type HostFunction func(c *Context, this *Handle, args []*Handle) (*Handle, error)

type hostFunc struct {
	name  string
	fn    HostFunction
	async AsyncFunction
}

// NewFunction creates a guest function backed by fn.
func (c *Context) NewFunction(name string, fn HostFunction) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("Context.NewFunction: nil function")
	}
	return c.newFunction("Context.NewFunction", &hostFunc{name: name, fn: fn})
}

func (c *Context) newFunction(op string, hf *hostFunc) (*Handle, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, newFault(FaultUseAfterDispose, op)
	}
	c.nextFunc++
	id := c.nextFunc
	c.funcs[id] = hf
	c.mu.Unlock()

	h, err := c.keep(op, opExpr("fn", strconv.FormatUint(uint64(id), 10), jsString(hf.name)))
	if err != nil {
		c.mu.Lock()
		delete(c.funcs, id)
		c.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// dispatch is the single Go entry point guest code calls into. It always
// answers with a reply; failures are thrown by the guest-side wrapper.
func (c *Context) dispatch(payload string) (string, error) {
	var req dispatchRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil || len(req.Refs) == 0 {
		return c.throwReply(fmt.Errorf("malformed host call: %q", payload)), nil
	}

	this := c.adopt(req.Refs[0])
	args := make([]*Handle, len(req.Refs)-1)
	for i, ref := range req.Refs[1:] {
		args[i] = c.adopt(ref)
	}
	scope := NewScope()
	scope.Manage(this)
	for _, a := range args {
		scope.Manage(a)
	}
	defer func() {
		if err := scope.Dispose(); err != nil {
			c.log.Debug("disposing host call arguments", zap.Error(err))
		}
	}()

	c.mu.Lock()
	hf := c.funcs[req.Func]
	c.mu.Unlock()
	if hf == nil {
		return c.throwReply(newFault(FaultUseAfterDispose, "host function")), nil
	}

	var (
		ret *Handle
		err error
	)
	if hf.async != nil {
		ret, err = c.callAsync(hf, this, args)
	} else {
		ret, err = callHost(hf, c, this, args)
	}
	if err != nil {
		return c.throwReply(err), nil
	}
	if ret == nil {
		return `{"ok":0}`, nil
	}
	defer ret.Dispose()
	if ret.ctx != c {
		return c.throwReply(newFault(FaultCrossContext, hf.name)), nil
	}
	if !ret.Alive() {
		return c.throwReply(newFault(FaultUseAfterDispose, hf.name)), nil
	}
	dup, err := ret.Dup()
	if err != nil {
		return c.throwReply(err), nil
	}
	// The guest wrapper releases the reply's count itself.
	c.forget(dup)
	return fmt.Sprintf(`{"ok":%d}`, dup.ref), nil
}

func callHost(hf *hostFunc, c *Context, this *Handle, args []*Handle) (ret *Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("host function panicked",
				zap.String("function", hf.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("host function %s panicked: %v", hf.name, r)
		}
	}()
	return hf.fn(c, this, args)
}

// throwReply builds a reply that makes the guest wrapper throw for err.
func (c *Context) throwReply(err error) string {
	var thrown *Thrown
	if errors.As(err, &thrown) && thrown.Value != nil && thrown.Value.ctx == c && thrown.Value.Alive() {
		defer thrown.Value.Dispose()
		if dup, derr := thrown.Value.Dup(); derr == nil {
			c.forget(dup)
			return fmt.Sprintf(`{"err":%d}`, dup.ref)
		}
	}
	h, herr := c.NewError(err)
	if herr != nil {
		c.log.Warn("cannot throw host error into guest", zap.Error(err), zap.NamedError("cause", herr))
		return `{"ok":0}`
	}
	c.forget(h)
	return fmt.Sprintf(`{"err":%d}`, h.ref)
}

// forget hands a handle's guest count over to the prelude without
// releasing it.
func (c *Context) forget(h *Handle) {
	if h.disposed.CompareAndSwap(false, true) {
		c.mu.Lock()
		if !c.disposed {
			c.live--
		}
		c.mu.Unlock()
	}
}
