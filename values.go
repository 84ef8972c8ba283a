package jshost

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// NewString creates a guest string.
func (c *Context) NewString(s string) (*Handle, error) {
	return c.keep("Context.NewString", opExpr("keep", jsString(s)))
}

// NewNumber creates a guest number.
func (c *Context) NewNumber(f float64) (*Handle, error) {
	return c.keep("Context.NewNumber", opExpr("keep", jsNumber(f)))
}

// NewBool creates a guest boolean.
func (c *Context) NewBool(b bool) (*Handle, error) {
	return c.keep("Context.NewBool", opExpr("keep", strconv.FormatBool(b)))
}

// Undefined returns a handle to undefined.
func (c *Context) Undefined() (*Handle, error) {
	return c.keep("Context.Undefined", opExpr("keep", "undefined"))
}

// Null returns a handle to null.
func (c *Context) Null() (*Handle, error) {
	return c.keep("Context.Null", opExpr("keep", "null"))
}

// Global returns a handle to the context's global object.
func (c *Context) Global() (*Handle, error) {
	return c.keep("Context.Global", opExpr("global"))
}

// NewObject creates an empty plain object.
func (c *Context) NewObject() (*Handle, error) {
	return c.keep("Context.NewObject", opExpr("object", "0"))
}

// NewObjectWithProto creates an empty object whose prototype is proto.
func (c *Context) NewObjectWithProto(proto *Handle) (*Handle, error) {
	const op = "Context.NewObjectWithProto"
	if err := c.use(op, proto); err != nil {
		return nil, err
	}
	if proto == nil {
		return c.keep(op, opExpr("object", "0"))
	}
	return c.keep(op, opExpr("object", refArg(proto.ref)))
}

// NewArray creates an empty array.
func (c *Context) NewArray() (*Handle, error) {
	return c.keep("Context.NewArray", opExpr("array"))
}

// NewValue converts a Go value into a guest value. Strings, numbers, bools
// and nil map directly; a *Handle is duplicated; anything else goes through
// encoding/json.
func (c *Context) NewValue(v any) (*Handle, error) {
	const op = "Context.NewValue"
	switch x := v.(type) {
	case nil:
		return c.Null()
	case *Handle:
		if err := c.use(op, x); err != nil {
			return nil, err
		}
		return x.Dup()
	case string:
		return c.NewString(x)
	case bool:
		return c.NewBool(x)
	case float64:
		return c.NewNumber(x)
	case float32:
		return c.NewNumber(float64(x))
	case int:
		return c.NewNumber(float64(x))
	case int32:
		return c.NewNumber(float64(x))
	case int64:
		return c.NewNumber(float64(x))
	case uint32:
		return c.NewNumber(float64(x))
	case json.RawMessage:
		return c.keep(op, opExpr("parse", jsString(string(x))))
	case error:
		return c.NewError(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.keep(op, opExpr("parse", jsString(string(b))))
}

// NewError creates a guest error value from a host error. A *GuestError
// keeps its name, a *ModuleLoadError becomes a ModuleLoadError and a host
// fault becomes an InternalError marked as such.
func (c *Context) NewError(err error) (*Handle, error) {
	if err == nil {
		return nil, fmt.Errorf("Context.NewError: nil error")
	}
	name, message, kind := guestErrorShape(err)
	return c.newError(name, message, kind)
}

func (c *Context) newError(name, message, kind string) (*Handle, error) {
	return c.keep("Context.NewError", opExpr("error", jsString(name), jsString(message), jsString(kind)))
}

// propKey renders a property key: string or integer index.
func propKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return jsString(k), nil
	case int:
		return strconv.Itoa(k), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), nil
	}
	return "", fmt.Errorf("unsupported property key type %T", key)
}

// GetProp reads obj[key]. key is a string or an integer index. A throwing
// getter yields a *GuestError.
func (c *Context) GetProp(obj *Handle, key any) (*Handle, error) {
	const op = "Context.GetProp"
	if err := c.use(op, obj); err != nil {
		return nil, err
	}
	k, err := propKey(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.call(context.Background(), op, opExpr("getProp", refArg(refOf(obj)), k))
}

// SetProp assigns obj[key] = val. A nil val assigns undefined.
func (c *Context) SetProp(obj *Handle, key any, val *Handle) error {
	const op = "Context.SetProp"
	if err := c.use(op, obj, val); err != nil {
		return err
	}
	k, err := propKey(key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.discard(c.call(context.Background(), op, opExpr("setProp", refArg(refOf(obj)), k, refArg(refOf(val)))))
}

// DeleteProp removes obj[key]. Deleting a non-configurable property is an
// error.
func (c *Context) DeleteProp(obj *Handle, key any) error {
	const op = "Context.DeleteProp"
	if err := c.use(op, obj); err != nil {
		return err
	}
	k, err := propKey(key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.discard(c.call(context.Background(), op, opExpr("deleteProp", refArg(refOf(obj)), k)))
}

func (c *Context) discard(h *Handle, err error) error {
	h.Dispose()
	return err
}

// maxSafeInteger is the largest length a guest object can report.
const maxSafeInteger = 1<<53 - 1

// GetLength returns Number(obj.length). A length that is not a
// non-negative integer is an error.
func (c *Context) GetLength(obj *Handle) (int, error) {
	h, err := c.GetProp(obj, "length")
	if err != nil {
		return 0, err
	}
	defer h.Dispose()
	n, err := c.GetNumber(h)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(n) || n < 0 || n > maxSafeInteger || n != math.Trunc(n) {
		return 0, fmt.Errorf("Context.GetLength: length %v is not an array length", n)
	}
	return int(n), nil
}

// TypeOf returns the JavaScript typeof of the value.
func (c *Context) TypeOf(h *Handle) (string, error) {
	const op = "Context.TypeOf"
	if err := c.use(op, h); err != nil {
		return "", err
	}
	return c.exec(op, opExpr("typeOf", refArg(refOf(h))))
}

// GetString returns String(value).
func (c *Context) GetString(h *Handle) (string, error) {
	const op = "Context.GetString"
	r, err := c.scalar(op, "str", h)
	if err != nil {
		return "", err
	}
	if r.S == nil {
		return "", fmt.Errorf("%s: malformed reply", op)
	}
	return *r.S, nil
}

// GetNumber returns Number(value).
func (c *Context) GetNumber(h *Handle) (float64, error) {
	const op = "Context.GetNumber"
	r, err := c.scalar(op, "num", h)
	if err != nil {
		return 0, err
	}
	if r.N == nil {
		return 0, fmt.Errorf("%s: malformed reply", op)
	}
	return parseJSNumber(*r.N)
}

// GetBool returns the truthiness of the value.
func (c *Context) GetBool(h *Handle) (bool, error) {
	const op = "Context.GetBool"
	if err := c.use(op, h); err != nil {
		return false, err
	}
	out, err := c.exec(op, opExpr("bool", refArg(refOf(h))))
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

func (c *Context) scalar(op, fn string, h *Handle) (*scalarReply, error) {
	if err := c.use(op, h); err != nil {
		return nil, err
	}
	out, interrupted, err := c.run(context.Background(), op, opExpr(fn, refArg(refOf(h))))
	if err != nil {
		return nil, err
	}
	if interrupted {
		return nil, newFault(FaultInterrupted, op)
	}
	var r scalarReply
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w", op, err)
	}
	if r.Err != nil {
		_, err := c.Unwrap(&Result{Err: c.adopt(*r.Err)})
		return nil, err
	}
	return &r, nil
}

// Dump converts a guest value into a Go value: JSON-compatible values decode
// as encoding/json would, numbers as float64, undefined as nil, errors as
// *GuestError, and bigints, symbols and functions as their string form.
func (c *Context) Dump(h *Handle) (any, error) {
	const op = "Context.Dump"
	if err := c.use(op, h); err != nil {
		return nil, err
	}
	out, interrupted, err := c.run(context.Background(), op, opExpr("dump", refArg(refOf(h))))
	if err != nil {
		return nil, err
	}
	if interrupted {
		return nil, newFault(FaultInterrupted, op)
	}
	var d dumpReply
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w", op, err)
	}
	switch {
	case d.Type == "undefined":
		return nil, nil
	case d.Type == "number":
		return parseJSNumber(d.Number)
	case d.Type == "error" && d.Error != nil:
		return d.Error.translate(), nil
	case d.String != nil:
		return *d.String, nil
	case d.JSON != nil:
		var v any
		if err := json.Unmarshal([]byte(*d.JSON), &v); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return v, nil
	}
	return nil, nil
}
