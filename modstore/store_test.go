package modstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/jshost"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "modules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetReplace(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.Put(ctx, "lib/a.js", "export const a = 1;"))
	src, err := s.LoadModule("lib/a.js")
	require.NoError(t, err)
	assert.Equal(t, "export const a = 1;", src)

	require.NoError(t, s.Put(ctx, "lib/a.js", "export const a = 2;"))
	src, err = s.Get(ctx, "lib/a.js")
	require.NoError(t, err)
	assert.Equal(t, "export const a = 2;", src)
}

func TestStore_MissingModule(t *testing.T) {
	s := openTemp(t)
	_, err := s.LoadModule("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, jshost.ErrModuleNotFound)
	assert.Contains(t, err.Error(), "nope")
}

func TestStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	for _, name := range []string{"b", "a", "c"} {
		require.NoError(t, s.Put(ctx, name, "export default 0;"))
	}
	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "b"))
	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestStore_EmptyName(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.Put(context.Background(), "", "x"))
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "modules.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "keep", "export const k = true;"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	src, err := s.LoadModule("keep")
	require.NoError(t, err)
	assert.Equal(t, "export const k = true;", src)
}

func TestStore_ServesContextImports(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(ctx, "math", "export function square(x) { return x * x; }"))

	m, err := jshost.GetModule(ctx)
	require.NoError(t, err)
	rt := m.NewRuntime(jshost.RuntimeOptions{})
	defer rt.Dispose()
	c, err := rt.NewContext(jshost.ContextOptions{ModuleLoader: s})
	require.NoError(t, err)

	res, err := c.EvalCode(ctx, `import { square } from "math"; export const nine = square(3);`,
		jshost.EvalOptions{Type: jshost.EvalModule})
	require.NoError(t, err)
	ns, err := c.Unwrap(res)
	require.NoError(t, err)
	defer ns.Dispose()

	v, err := c.Dump(ns)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"nine": float64(9)}, v)
}
