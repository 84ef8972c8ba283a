package jshost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRuntime(t *testing.T, opts RuntimeOptions) *Runtime {
	t.Helper()
	rt := newRuntime(DefaultConfig().withDefaults(), opts, false)
	t.Cleanup(rt.Dispose)
	return rt
}

func newTestRuntimeWithLogger(t *testing.T, log *zap.Logger) *Runtime {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = log
	rt := newRuntime(cfg.withDefaults(), RuntimeOptions{}, false)
	t.Cleanup(rt.Dispose)
	return rt
}

func newTestContext(t *testing.T, opts ContextOptions) *Context {
	t.Helper()
	c, err := newTestRuntime(t, RuntimeOptions{}).NewContext(opts)
	require.NoError(t, err)
	return c
}

func newTestAsyncRuntime(t *testing.T) *AsyncRuntime {
	t.Helper()
	rt := &AsyncRuntime{Runtime: newRuntime(DefaultConfig().withDefaults(), RuntimeOptions{}, true)}
	t.Cleanup(rt.Dispose)
	return rt
}

// evalHandle evaluates src and requires it to succeed.
func evalHandle(t *testing.T, c *Context, src string) *Handle {
	t.Helper()
	res, err := c.EvalCode(context.Background(), src, EvalOptions{})
	require.NoError(t, err)
	h, err := c.Unwrap(res)
	require.NoError(t, err)
	return h
}

// evalDump evaluates src and returns the dumped value.
func evalDump(t *testing.T, c *Context, src string) any {
	t.Helper()
	h := evalHandle(t, c, src)
	defer h.Dispose()
	v, err := c.Dump(h)
	require.NoError(t, err)
	return v
}

// evalError evaluates src, requires it to throw and returns the
// translated error.
func evalError(t *testing.T, c *Context, src string) *GuestError {
	t.Helper()
	res, err := c.EvalCode(context.Background(), src, EvalOptions{})
	require.NoError(t, err)
	require.True(t, res.Failed(), "expected %q to throw", src)
	defer res.Dispose()
	gerr, ok := c.ErrorOf(res.Err).(*GuestError)
	require.True(t, ok)
	return gerr
}

// guestSlots returns the number of values held in the guest slot table.
func guestSlots(t *testing.T, c *Context) int {
	t.Helper()
	out, err := c.exec("test", opExpr("live"))
	require.NoError(t, err)
	ref, err := parseRef(out)
	require.NoError(t, err)
	return int(ref)
}
