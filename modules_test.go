package jshost

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalModule(t *testing.T, c *Context, src string, opts EvalOptions) *Result {
	t.Helper()
	opts.Type = EvalModule
	res, err := c.EvalCode(context.Background(), src, opts)
	require.NoError(t, err)
	return res
}

func TestModules_ImportsThroughLoader(t *testing.T) {
	c := newTestContext(t, ContextOptions{ModuleLoader: MapLoader{
		"lib/add.js":   `export function add(a, b) { return a + b; }`,
		"lib/twice.js": `import { add } from "./add.js"; export const twice = (x) => add(x, x);`,
		"config.json":  `{ "base": 10 }`,
	}})

	res := evalModule(t, c, `
import { add } from "./lib/add.js";
import { twice } from "./lib/twice.js";
import cfg from "./config.json";
export const three = add(1, 2);
export const eight = twice(4);
export const base = cfg.base;
`, EvalOptions{})
	ns, err := c.Unwrap(res)
	require.NoError(t, err)
	defer ns.Dispose()

	v, err := c.Dump(ns)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"three": float64(3), "eight": float64(8), "base": float64(10)}, v)
}

func TestModules_TypeScriptModule(t *testing.T) {
	c := newTestContext(t, ContextOptions{ModuleLoader: MapLoader{
		"util.ts": `export function shout(s: string): string { return s.toUpperCase() + "!"; }`,
	}})

	res := evalModule(t, c, `
import { shout } from "./util.ts";
export const out: string = shout("hey");
`, EvalOptions{TypeScript: true})
	ns, err := c.Unwrap(res)
	require.NoError(t, err)
	defer ns.Dispose()
	out, err := c.GetProp(ns, "out")
	require.NoError(t, err)
	defer out.Dispose()
	s, err := c.GetString(out)
	require.NoError(t, err)
	assert.Equal(t, "HEY!", s)
}

func TestModules_MissingModule(t *testing.T) {
	c := newTestContext(t, ContextOptions{ModuleLoader: MapLoader{}})

	res := evalModule(t, c, `import { x } from "nowhere"; export default x;`, EvalOptions{})
	require.True(t, res.Failed())
	defer res.Dispose()

	var gerr *GuestError
	require.ErrorAs(t, c.ErrorOf(res.Err), &gerr)
	assert.Equal(t, KindModuleLoad, gerr.Kind)
	assert.Equal(t, "ModuleLoadError", gerr.Name)
	assert.Contains(t, gerr.Message, "nowhere")
}

func TestModules_NoLoaderConfigured(t *testing.T) {
	c := newTestContext(t, ContextOptions{})

	res := evalModule(t, c, `import "./side-effect.js";`, EvalOptions{})
	require.True(t, res.Failed())
	defer res.Dispose()
	var gerr *GuestError
	require.ErrorAs(t, c.ErrorOf(res.Err), &gerr)
	assert.Equal(t, KindModuleLoad, gerr.Kind)
}

func TestModules_CustomNormalizer(t *testing.T) {
	var seen []string
	c := newTestContext(t, ContextOptions{
		ModuleLoader: MapLoader{"pkg/std/math": `export const pi = 3;`},
		ModuleNormalizer: func(base, specifier string) (string, error) {
			seen = append(seen, specifier)
			if specifier == "forbidden" {
				return "", errors.New("not allowed")
			}
			return "pkg/std/" + specifier, nil
		},
	})

	res := evalModule(t, c, `import { pi } from "math"; export const value = pi;`, EvalOptions{})
	ns, err := c.Unwrap(res)
	require.NoError(t, err)
	ns.Dispose()
	assert.Equal(t, []string{"math"}, seen)

	res = evalModule(t, c, `import "forbidden";`, EvalOptions{})
	require.True(t, res.Failed())
	defer res.Dispose()
	var gerr *GuestError
	require.ErrorAs(t, c.ErrorOf(res.Err), &gerr)
	assert.Equal(t, KindModuleLoad, gerr.Kind)
	assert.Contains(t, gerr.Message, "not allowed")
}

func TestModules_SyntaxErrorInImport(t *testing.T) {
	c := newTestContext(t, ContextOptions{ModuleLoader: MapLoader{"broken.js": `export const = 1;`}})

	res := evalModule(t, c, `import "./broken.js";`, EvalOptions{})
	require.True(t, res.Failed())
	defer res.Dispose()
	var gerr *GuestError
	require.ErrorAs(t, c.ErrorOf(res.Err), &gerr)
	assert.Equal(t, "SyntaxError", gerr.Name)
	assert.Equal(t, KindException, gerr.Kind)
}

func TestModules_RuntimeErrorInModule(t *testing.T) {
	c := newTestContext(t, ContextOptions{ModuleLoader: MapLoader{"fails.js": `throw new Error("at load");`}})

	res := evalModule(t, c, `import "./fails.js";`, EvalOptions{})
	require.True(t, res.Failed())
	defer res.Dispose()
	assert.EqualError(t, c.ErrorOf(res.Err), "Error: at load")
}

func TestDefaultNormalize(t *testing.T) {
	cases := []struct {
		base, specifier, want string
	}{
		{"main.js", "./a.js", "a.js"},
		{"lib/b.js", "./c.js", "lib/c.js"},
		{"lib/deep/b.js", "../c.js", "lib/c.js"},
		{"lib/b.js", "bare", "bare"},
	}
	for _, tc := range cases {
		got, err := DefaultNormalize(tc.base, tc.specifier)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s from %s", tc.specifier, tc.base)
	}
	_, err := DefaultNormalize("main.js", "")
	assert.Error(t, err)
}

func TestFileLoader(t *testing.T) {
	fsys := fstest.MapFS{
		"lib/a.js":    {Data: []byte("export const a = 1;")},
		"lib/b.ts":    {Data: []byte("export const b: number = 2;")},
		"lib/exact.x": {Data: []byte("exact")},
	}
	l := FileLoader(fsys)

	src, err := l.LoadModule("lib/a")
	require.NoError(t, err)
	assert.Equal(t, "export const a = 1;", src)

	src, err = l.LoadModule("lib/b")
	require.NoError(t, err)
	assert.Contains(t, src, "number")

	src, err = l.LoadModule("/lib/../lib/exact.x")
	require.NoError(t, err)
	assert.Equal(t, "exact", src)

	_, err = l.LoadModule("lib/missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestMapLoader(t *testing.T) {
	l := MapLoader{"a": "1"}
	src, err := l.LoadModule("a")
	require.NoError(t, err)
	assert.Equal(t, "1", src)
	_, err = l.LoadModule("b")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}
