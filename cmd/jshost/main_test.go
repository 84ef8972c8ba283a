package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/jshost/modstore"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseArgs_Defaults(t *testing.T) {
	var out bytes.Buffer
	opts, err := parseArgs([]string{"main.ts"}, &out)
	require.NoError(t, err)
	require.NotNil(t, opts)

	assert.Equal(t, "main.ts", opts.Script)
	assert.True(t, opts.TypeScript)
	assert.True(t, opts.Console)
	assert.True(t, opts.Timers)
	assert.False(t, opts.Async)
	assert.Equal(t, "info", opts.LogLevel)
}

func TestParseArgs_Help(t *testing.T) {
	var out bytes.Buffer
	opts, err := parseArgs([]string{"-h"}, &out)
	require.NoError(t, err)
	assert.Nil(t, opts)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParseArgs_MissingScript(t *testing.T) {
	var out bytes.Buffer
	_, err := parseArgs(nil, &out)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestParseArgs_FlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "jshost.hcl", `
timeout             = "2s"
memory_limit_mb     = 32
console             = false
log_level           = "debug"
disabled_intrinsics = ["Eval"]
`)
	var out bytes.Buffer
	opts, err := parseArgs([]string{"-config", cfg, "-timeout", "5s", "-disable", "Proxy", "main.js"}, &out)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 32, opts.MemoryLimitMB)
	assert.False(t, opts.Console)
	assert.True(t, opts.Timers)
	assert.Equal(t, "debug", opts.LogLevel)
	assert.Equal(t, []string{"Eval", "Proxy"}, opts.DisabledIntrinsics)
}

func TestLoadConfigFile_Errors(t *testing.T) {
	dir := t.TempDir()

	opts := defaultOptions()
	err := loadConfigFile(writeFile(t, dir, "bad.hcl", `timeout = `), &opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	opts = defaultOptions()
	err = loadConfigFile(writeFile(t, dir, "dur.hcl", `timeout = "soon"`), &opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")

	opts = defaultOptions()
	err = loadConfigFile(writeFile(t, dir, "unknown.hcl", `colour = "red"`), &opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode config file")
}

func TestRun_PrintsResult(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "main.js", `({ sum: 1 + 1, list: [1, "two"] })`)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"-log-level", "error", script})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum": 2, "list": [1, "two"]}`, stdout.String())
}

func TestRun_Stdin(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(`"hi " + "there"`), &stdout, &stderr, []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "\"hi there\"\n", stdout.String())
}

func TestRun_ResolvesPromiseAndTimers(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "main.js", `new Promise(function (resolve) { setTimeout(function () { resolve(42); }, 5); })`)

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{script}))
	assert.Equal(t, "42\n", stdout.String())
}

func TestRun_GuestErrorExitsOne(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "main.js", `throw new RangeError("out of range")`)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{script})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "RangeError")
	assert.Contains(t, exitErr.Message, "out of range")
}

func TestRun_TimeoutInterrupts(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "spin.js", `while (true) {}`)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"-timeout", "50ms", script})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "interrupted")
}

func TestRun_ModuleFromDirectoryAndStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib/math.js", `export function double(x) { return x * 2; }`)

	dbPath := filepath.Join(dir, "modules.db")
	store, err := modstore.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "greet", `export const greeting = "hello";`))
	require.NoError(t, store.Close())

	script := writeFile(t, dir, "main.js", `
import { double } from "./lib/math.js";
import { greeting } from "greet";
export const answer = double(21);
export const word = greeting;
`)

	var stdout, stderr bytes.Buffer
	err = run(context.Background(), strings.NewReader(""), &stdout, &stderr,
		[]string{"-module", "-modules", dir, "-db", dbPath, script})
	require.NoError(t, err, stderr.String())
	assert.JSONEq(t, `{"answer": 42, "word": "hello"}`, stdout.String())
}

func TestRun_AsyncSleep(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "main.ts", `
const started: number = Date.now();
sleep(20);
Date.now() - started >= 15;
`)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"-async", script})
	require.NoError(t, err, stderr.String())
	assert.Equal(t, "true\n", stdout.String())
}

func TestRun_UnknownIntrinsic(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, dir, "main.js", `1`)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(""), &stdout, &stderr, []string{"-disable", "Teleport", script})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}
