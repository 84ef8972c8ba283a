package jshost

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Scope collects handles and cleanup functions and releases them together,
// in reverse registration order. A failing cleanup never stops the ones
// after it; all failures are combined into the returned error.
type Scope struct {
	mu       sync.Mutex
	cleanups []func() error
	disposed bool
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// WithScope runs fn with a fresh scope and disposes it when fn returns or
// panics. Errors from fn and from cleanup are combined.
func WithScope(fn func(s *Scope) error) (err error) {
	s := NewScope()
	defer func() {
		err = multierr.Append(err, s.Dispose())
	}()
	return fn(s)
}

// Manage registers h for disposal and returns it, so construction and
// registration fit in one expression. A nil handle is ignored.
func (s *Scope) Manage(h *Handle) *Handle {
	if h == nil {
		return nil
	}
	s.Defer(func() error {
		h.Dispose()
		return nil
	})
	return h
}

// Defer registers a cleanup function. Registering on a disposed scope runs
// the cleanup immediately.
func (s *Scope) Defer(fn func() error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		if err := runCleanup(fn); err != nil {
			Logger().Debug("cleanup on disposed scope failed", zap.Error(err))
		}
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Dispose runs every registered cleanup once, last registered first.
func (s *Scope) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var errs error
	for i := len(cleanups) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, runCleanup(cleanups[i]))
	}
	return errs
}

func runCleanup(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scope cleanup panicked: %v", r)
		}
	}()
	return fn()
}
