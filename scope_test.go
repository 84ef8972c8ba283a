package jshost

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestScope_RunsCleanupsInReverse(t *testing.T) {
	var order []int
	s := NewScope()
	for i := 1; i <= 3; i++ {
		i := i
		s.Defer(func() error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, s.Dispose())
	assert.Equal(t, []int{3, 2, 1}, order)

	require.NoError(t, s.Dispose())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestScope_AggregatesErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	ran := 0

	s := NewScope()
	s.Defer(func() error { ran++; return errA })
	s.Defer(func() error { ran++; return nil })
	s.Defer(func() error { ran++; return errB })

	err := s.Dispose()
	assert.Equal(t, 3, ran)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestScope_RecoversPanics(t *testing.T) {
	ran := false
	s := NewScope()
	s.Defer(func() error { ran = true; return nil })
	s.Defer(func() error { panic("cleanup exploded") })

	err := s.Dispose()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup exploded")
	assert.True(t, ran)
}

func TestScope_DeferAfterDisposeRunsImmediately(t *testing.T) {
	s := NewScope()
	require.NoError(t, s.Dispose())

	ran := false
	s.Defer(func() error { ran = true; return nil })
	assert.True(t, ran)
}

func TestScope_ManagesHandles(t *testing.T) {
	c := newTestContext(t, ContextOptions{})

	var kept *Handle
	err := WithScope(func(s *Scope) error {
		a := s.Manage(evalHandle(t, c, `({ n: 1 })`))
		n, err := c.GetProp(a, "n")
		if err != nil {
			return err
		}
		s.Manage(n)
		kept = a
		assert.Nil(t, s.Manage(nil))
		assert.Equal(t, 2, c.LiveHandles())
		return nil
	})
	require.NoError(t, err)
	assert.False(t, kept.Alive())
	assert.Equal(t, 0, c.LiveHandles())
}

func TestScope_FailingCleanupStillDisposesHandles(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	cleanupErr := errors.New("cleanup failed")
	base := guestSlots(t, c)

	s := NewScope()
	var handles []*Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, s.Manage(evalHandle(t, c, `({})`)))
		if i == 2 {
			s.Defer(func() error { return cleanupErr })
		}
	}
	s.Defer(func() error { panic("last cleanup exploded") })

	err := s.Dispose()
	assert.ErrorIs(t, err, cleanupErr)
	assert.Contains(t, err.Error(), "last cleanup exploded")
	for i, h := range handles {
		assert.False(t, h.Alive(), "handle %d", i)
	}
	assert.Equal(t, 0, c.LiveHandles())
	assert.Equal(t, base, guestSlots(t, c))
}

func TestWithScope_CombinesErrors(t *testing.T) {
	fnErr := errors.New("fn failed")
	cleanupErr := errors.New("cleanup failed")

	err := WithScope(func(s *Scope) error {
		s.Defer(func() error { return cleanupErr })
		return fnErr
	})
	assert.ErrorIs(t, err, fnErr)
	assert.ErrorIs(t, err, cleanupErr)
}

func TestWithScope_DisposesOnPanic(t *testing.T) {
	cleaned := false
	assert.Panics(t, func() {
		_ = WithScope(func(s *Scope) error {
			s.Defer(func() error { cleaned = true; return nil })
			panic("inside scope")
		})
	})
	assert.True(t, cleaned)
}
