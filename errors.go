package jshost

import (
	"errors"
	"fmt"
	"strings"
)

// FaultKind classifies host-side faults: bugs in the embedding code rather
// than conditions raised by guest scripts.
type FaultKind int

const (
	FaultUseAfterDispose FaultKind = iota + 1
	FaultCrossContext
	FaultReentrantSuspension
	FaultNotInitialized
	FaultCanceled
	FaultInterrupted
)

func (k FaultKind) String() string {
	switch k {
	case FaultUseAfterDispose:
		return "use after dispose"
	case FaultCrossContext:
		return "cross-context use"
	case FaultReentrantSuspension:
		return "reentrant suspension"
	case FaultNotInitialized:
		return "not initialized"
	case FaultCanceled:
		return "canceled"
	case FaultInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// marker is the tag stored on guest error values that were produced by a
// host fault of this kind.
func (k FaultKind) marker() string {
	return "fault:" + strings.ReplaceAll(k.String(), " ", "-")
}

func faultKindFromMarker(m string) (FaultKind, bool) {
	for k := FaultUseAfterDispose; k <= FaultInterrupted; k++ {
		if k.marker() == m {
			return k, true
		}
	}
	return 0, false
}

// Fault is a host-side programming error. Faults are never delivered as
// guest values; they are returned from the operation that detected them.
type Fault struct {
	Kind FaultKind
	Op   string // operation that detected the fault, empty for sentinels
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return "jshost: " + f.Kind.String()
	}
	return "jshost: " + f.Op + ": " + f.Kind.String()
}

// Is matches any Fault of the same kind, so errors.Is(err, ErrUseAfterDispose)
// holds for every use-after-dispose fault regardless of the operation.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Kind == f.Kind
}

// Sentinels for errors.Is.
var (
	ErrUseAfterDispose     = &Fault{Kind: FaultUseAfterDispose}
	ErrCrossContext        = &Fault{Kind: FaultCrossContext}
	ErrReentrantSuspension = &Fault{Kind: FaultReentrantSuspension}
	ErrNotInitialized      = &Fault{Kind: FaultNotInitialized}
	ErrCanceled            = &Fault{Kind: FaultCanceled}
	ErrInterrupted         = &Fault{Kind: FaultInterrupted}
)

func newFault(kind FaultKind, op string) *Fault {
	return &Fault{Kind: kind, Op: op}
}

// ErrorKind marks what produced a guest-visible failure value.
type ErrorKind string

const (
	// KindException is an ordinary value thrown by script code or by a host
	// function returning a plain error.
	KindException ErrorKind = "exception"
	// KindInterrupted means the interrupt handler or a context deadline
	// aborted the evaluation.
	KindInterrupted ErrorKind = "interrupted"
	// KindModuleLoad means the host module loader failed.
	KindModuleLoad ErrorKind = "module-load"
	// KindHostFault means a host fault was thrown into the guest from inside
	// a host function.
	KindHostFault ErrorKind = "host-fault"
)

// GuestError is the host-side translation of a value thrown inside the
// guest. Any value can be thrown; for non-Error values Message holds its
// string form and Value its JSON text when it has one.
type GuestError struct {
	Name    string
	Message string
	Stack   string
	Value   string
	Kind    ErrorKind
	Cause   error
}

func (e *GuestError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

func (e *GuestError) Unwrap() error {
	return e.Cause
}

// Interrupted reports whether the failure came from an interrupt rather
// than from script code.
func (e *GuestError) Interrupted() bool {
	return e.Kind == KindInterrupted
}

// Thrown is returned by a host function to throw an existing guest value
// as-is instead of a translated Error. The handle is consumed.
type Thrown struct {
	Value *Handle
}

func (t *Thrown) Error() string {
	return "jshost: thrown guest value"
}

// ErrModuleNotFound is returned by module loaders that have no source for a
// specifier.
var ErrModuleNotFound = errors.New("module not found")

// ModuleLoadError reports that the host module loader could not supply a
// module. It reaches the guest as a ModuleLoadError exception.
type ModuleLoadError struct {
	Specifier string
	Err       error
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("could not load module %q: %v", e.Specifier, e.Err)
}

func (e *ModuleLoadError) Unwrap() error {
	return e.Err
}

// errorInfo is the prelude's description of a thrown guest value.
type errorInfo struct {
	IsError bool    `json:"isError"`
	Name    *string `json:"name"`
	Message *string `json:"message"`
	Stack   string  `json:"stack"`
	Value   string  `json:"value"`
	Kind    string  `json:"kind"`
}

// translate turns the prelude's error description into a GuestError.
func (info *errorInfo) translate() *GuestError {
	ge := &GuestError{
		Stack: info.Stack,
		Value: info.Value,
		Kind:  KindException,
	}
	if info.Name != nil {
		ge.Name = *info.Name
	}
	if info.Message != nil {
		ge.Message = *info.Message
	}
	switch {
	case info.Kind == string(KindInterrupted):
		ge.Kind = KindInterrupted
		ge.Cause = ErrInterrupted
	case info.Kind == string(KindModuleLoad):
		ge.Kind = KindModuleLoad
	case strings.HasPrefix(info.Kind, "fault:"):
		ge.Kind = KindHostFault
		if k, ok := faultKindFromMarker(info.Kind); ok {
			ge.Cause = &Fault{Kind: k}
		}
	}
	return ge
}

// guestErrorShape picks the guest constructor name, message and marker used
// when a host error is thrown into the guest.
func guestErrorShape(err error) (name, message, kind string) {
	var ge *GuestError
	if errors.As(err, &ge) {
		k := ""
		if ge.Kind != KindException {
			k = string(ge.Kind)
		}
		return ge.Name, ge.Message, k
	}
	var mle *ModuleLoadError
	if errors.As(err, &mle) {
		return "ModuleLoadError", mle.Error(), string(KindModuleLoad)
	}
	var f *Fault
	if errors.As(err, &f) {
		return "InternalError", err.Error(), f.Kind.marker()
	}
	return "Error", err.Error(), ""
}
