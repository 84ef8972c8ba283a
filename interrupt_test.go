package jshost

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireInterrupted(t *testing.T, c *Context, res *Result) {
	t.Helper()
	require.True(t, res.Failed())
	defer res.Dispose()
	var gerr *GuestError
	require.ErrorAs(t, c.ErrorOf(res.Err), &gerr)
	assert.True(t, gerr.Interrupted())
	assert.Equal(t, KindInterrupted, gerr.Kind)
	assert.ErrorIs(t, gerr, ErrInterrupted)
}

func TestInterrupt_DeadlineStopsInfiniteLoop(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{
		InterruptHandler: ShouldInterruptAfterDeadline(time.Now().Add(-time.Second)),
	})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)

	res, err := c.EvalCode(context.Background(), "while (true) {}", EvalOptions{})
	require.NoError(t, err)
	requireInterrupted(t, c, res)

	// The context stays usable once the handler is gone.
	rt.RemoveInterruptHandler()
	assert.Equal(t, float64(3), evalDump(t, c, "1 + 2"))
}

func TestInterrupt_FiresBeforeScriptStarts(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{
		InterruptHandler: ShouldInterruptAfterDeadline(time.Now().Add(-time.Second)),
	})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)

	// Parsing the comment keeps the engine busy long after the handler
	// has fired.
	src := "/*" + strings.Repeat("x", 16<<20) + "*/ while (true) {}"

	done := make(chan struct{})
	var res *Result
	go func() {
		defer close(done)
		res, err = c.EvalCode(context.Background(), src, EvalOptions{})
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("infinite loop kept running past its deadline")
	}
	require.NoError(t, err)
	requireInterrupted(t, c, res)
}

func TestInterrupt_CanceledBeforeScriptStarts(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	src := "/*" + strings.Repeat("x", 16<<20) + "*/ while (true) {}"

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = c.EvalCode(ctx, src, EvalOptions{})
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("infinite loop kept running past its context deadline")
	}
	require.NoError(t, err)
	requireInterrupted(t, c, res)
}

func TestInterrupt_InterruptAfter(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)
	rt.SetInterruptHandler(InterruptAfter(30 * time.Millisecond))

	start := time.Now()
	res, err := c.EvalCode(context.Background(), "for (;;) {}", EvalOptions{})
	require.NoError(t, err)
	requireInterrupted(t, c, res)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInterrupt_CatchCannotSwallow(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{InterruptHandler: InterruptAfter(20 * time.Millisecond)})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)

	res, err := c.EvalCode(context.Background(), `
for (;;) {
	try { for (;;) {} } catch (e) {}
}`, EvalOptions{})
	require.NoError(t, err)
	requireInterrupted(t, c, res)
}

func TestInterrupt_HandlerError(t *testing.T) {
	boom := errors.New("handler failed")
	rt := newTestRuntime(t, RuntimeOptions{InterruptHandler: func() (bool, error) {
		return false, boom
	}})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)

	res, err := c.EvalCode(context.Background(), "while (true) {}", EvalOptions{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
}

func TestInterrupt_HandlerPanics(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{InterruptHandler: func() (bool, error) {
		panic("handler exploded")
	}})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)

	_, err = c.EvalCode(context.Background(), "while (true) {}", EvalOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
}

func TestInterrupt_HandlerNotPolledWhenIdle(t *testing.T) {
	var polls atomic.Int32
	rt := newTestRuntime(t, RuntimeOptions{InterruptHandler: func() (bool, error) {
		polls.Add(1)
		return false, nil
	}})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)

	assert.Equal(t, float64(1), evalDump(t, c, "1"))
	time.Sleep(30 * time.Millisecond)
	settled := polls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, polls.Load())
}

func TestInterrupt_ContextCancellation(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := c.EvalCode(ctx, "while (true) {}", EvalOptions{})
	require.NoError(t, err)
	requireInterrupted(t, c, res)

	assert.Equal(t, "ok", evalDump(t, c, `"ok"`))
}

func TestInterrupt_NestedEvaluationUnwindsOuter(t *testing.T) {
	rt := newTestRuntime(t, RuntimeOptions{})
	c, err := rt.NewContext(ContextOptions{})
	require.NoError(t, err)
	setGlobalFunc(t, c, "spinInside", func(c *Context, _ *Handle, _ []*Handle) (*Handle, error) {
		res, err := c.EvalCode(context.Background(), "while (true) {}", EvalOptions{})
		if err != nil {
			return nil, err
		}
		return c.Unwrap(res)
	})
	rt.SetInterruptHandler(InterruptAfter(30 * time.Millisecond))

	// The outer script swallows the nested failure and keeps spinning; it
	// must be interrupted as well.
	res, err := c.EvalCode(context.Background(), `
try { spinInside(); } catch (e) {}
while (true) {}
`, EvalOptions{})
	require.NoError(t, err)
	requireInterrupted(t, c, res)
}
