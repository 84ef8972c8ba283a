// Command jshost evaluates a JavaScript or TypeScript file in a sandboxed
// runtime and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cryguy/jshost"
	"github.com/cryguy/jshost/modstore"
)

// ExitError carries the process exit code for a failed run.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Message != "" {
				fmt.Fprintln(os.Stderr, exitErr.Message)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseArgs resolves flags and the optional config file into options. A
// nil result with a nil error means the program should exit cleanly.
func parseArgs(args []string, output io.Writer) (*options, error) {
	flagSet := flag.NewFlagSet("jshost", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
jshost - evaluate JavaScript in a sandboxed runtime.

Usage:
  jshost [options] SCRIPT

Arguments:
  SCRIPT
    Path to a .js or .ts file, or "-" to read standard input.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to an HCL configuration file.")
	timeoutFlag := flagSet.Duration("timeout", 0, "Interrupt the guest after this long. 0 disables the deadline.")
	asyncFlag := flagSet.Bool("async", false, "Use the asynchronous engine; sleep() suspends the guest instead of blocking.")
	moduleFlag := flagSet.Bool("module", false, "Evaluate SCRIPT as an ES module and print its namespace.")
	tsFlag := flagSet.Bool("ts", false, "Treat SCRIPT as TypeScript. Implied by a .ts extension.")
	modulesFlag := flagSet.String("modules", "", "Directory that imports are loaded from.")
	dbFlag := flagSet.String("db", "", "SQLite module registry that imports are loaded from.")
	memFlag := flagSet.Int("memory", 0, "Heap limit in MiB. 0 for none.")
	consoleFlag := flagSet.Bool("console", true, "Route console.* to the log.")
	timersFlag := flagSet.Bool("timers", true, "Provide setTimeout and setInterval.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")
	disableFlag := flagSet.String("disable", "", "Comma-separated intrinsics to remove, e.g. 'Eval,Proxy'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil
		}
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return nil, &ExitError{Code: 2}
	}

	opts := defaultOptions()
	if *configFlag != "" {
		if err := loadConfigFile(*configFlag, &opts); err != nil {
			return nil, &ExitError{Code: 2, Message: err.Error()}
		}
	}
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "timeout":
			opts.Timeout = *timeoutFlag
		case "async":
			opts.Async = *asyncFlag
		case "modules":
			opts.ModulesDir = *modulesFlag
		case "db":
			opts.ModuleDB = *dbFlag
		case "memory":
			opts.MemoryLimitMB = *memFlag
		case "console":
			opts.Console = *consoleFlag
		case "timers":
			opts.Timers = *timersFlag
		case "log-level":
			opts.LogLevel = *logLevelFlag
		case "disable":
			for _, name := range strings.Split(*disableFlag, ",") {
				if name = strings.TrimSpace(name); name != "" {
					opts.DisabledIntrinsics = append(opts.DisabledIntrinsics, name)
				}
			}
		}
	})
	opts.Script = flagSet.Arg(0)
	opts.Module = *moduleFlag
	opts.TypeScript = *tsFlag || strings.HasSuffix(opts.Script, ".ts")
	return &opts, nil
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("invalid log-level %q", level)}
	}
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args, stderr)
	if err != nil || opts == nil {
		return err
	}
	log, err := newLogger(opts.LogLevel, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	jshost.SetLogger(log)

	src, err := readScript(opts.Script, stdin)
	if err != nil {
		return err
	}

	ctxOpts, closeLoader, err := contextOptions(opts)
	if err != nil {
		return err
	}
	defer closeLoader()

	v, err := evaluate(ctx, opts, ctxOpts, src)
	if err != nil {
		var guestErr *jshost.GuestError
		if errors.As(err, &guestErr) {
			msg := guestErr.Error()
			if guestErr.Stack != "" {
				msg += "\n" + guestErr.Stack
			}
			return &ExitError{Code: 1, Message: msg}
		}
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readScript(name string, stdin io.Reader) (string, error) {
	var (
		b   []byte
		err error
	)
	if name == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(b), nil
}

// contextOptions builds the context configuration. The returned func
// closes the module registry, if one was opened.
func contextOptions(opts *options) (jshost.ContextOptions, func(), error) {
	disabled, err := jshost.ParseIntrinsics(opts.DisabledIntrinsics)
	if err != nil {
		return jshost.ContextOptions{}, nil, &ExitError{Code: 2, Message: err.Error()}
	}
	co := jshost.ContextOptions{
		DisabledIntrinsics: disabled,
		Console:            opts.Console,
		Timers:             opts.Timers,
	}
	closer := func() {}

	var loaders []jshost.ModuleLoader
	if opts.ModuleDB != "" {
		store, err := modstore.Open(opts.ModuleDB)
		if err != nil {
			return jshost.ContextOptions{}, nil, err
		}
		loaders = append(loaders, store)
		closer = func() { _ = store.Close() }
	}
	if opts.ModulesDir != "" {
		loaders = append(loaders, jshost.FileLoader(os.DirFS(opts.ModulesDir)))
	}
	switch len(loaders) {
	case 0:
	case 1:
		co.ModuleLoader = loaders[0]
	default:
		co.ModuleLoader = firstFound(loaders)
	}
	return co, closer, nil
}

// firstFound tries each loader in turn, moving on only when a module is
// missing.
func firstFound(loaders []jshost.ModuleLoader) jshost.ModuleLoader {
	return jshost.ModuleLoaderFunc(func(name string) (string, error) {
		var err error
		for _, l := range loaders {
			var src string
			src, err = l.LoadModule(name)
			if err == nil || !errors.Is(err, jshost.ErrModuleNotFound) {
				return src, err
			}
		}
		return "", err
	})
}

func evalOptions(opts *options) jshost.EvalOptions {
	eo := jshost.EvalOptions{
		Filename:   filepath.Base(opts.Script),
		TypeScript: opts.TypeScript,
	}
	if opts.Script == "-" {
		eo.Filename = ""
	}
	if opts.Module {
		eo.Type = jshost.EvalModule
	}
	return eo
}

// evaluate runs src and returns the dumped result, following a returned
// promise to its settlement.
func evaluate(ctx context.Context, opts *options, co jshost.ContextOptions, src string) (any, error) {
	ro := jshost.RuntimeOptions{MemoryLimitMB: opts.MemoryLimitMB}
	if opts.Timeout > 0 {
		ro.InterruptHandler = jshost.InterruptAfter(opts.Timeout)
	}

	var (
		c   *jshost.Context
		res *jshost.Result
	)
	if opts.Async {
		m, err := jshost.GetAsyncModule(ctx)
		if err != nil {
			return nil, err
		}
		rt := m.NewRuntime(ro)
		defer rt.Dispose()
		ac, err := rt.NewContext(co)
		if err != nil {
			return nil, err
		}
		sleep, err := ac.NewAsyncFunction("sleep", asyncSleep)
		if err != nil {
			return nil, err
		}
		if err := setGlobal(ac.Context, "sleep", sleep); err != nil {
			return nil, err
		}
		c = ac.Context
		res, err = ac.EvalCodeAsync(ctx, src, evalOptions(opts))
		if err != nil {
			return nil, err
		}
	} else {
		m, err := jshost.GetModule(ctx)
		if err != nil {
			return nil, err
		}
		rt := m.NewRuntime(ro)
		defer rt.Dispose()
		c, err = rt.NewContext(co)
		if err != nil {
			return nil, err
		}
		sleep, err := c.NewFunction("sleep", syncSleep)
		if err != nil {
			return nil, err
		}
		if err := setGlobal(c, "sleep", sleep); err != nil {
			return nil, err
		}
		res, err = c.EvalCode(ctx, src, evalOptions(opts))
		if err != nil {
			return nil, err
		}
	}

	h, err := c.Unwrap(res)
	if err != nil {
		return nil, err
	}
	defer h.Dispose()

	settled, err := c.ResolvePromise(ctx, h)
	if err != nil {
		return nil, err
	}
	v, err := c.Unwrap(settled)
	if err != nil {
		return nil, err
	}
	defer v.Dispose()
	return c.Dump(v)
}

// setGlobal installs fn on the global object and releases it.
func setGlobal(c *jshost.Context, name string, fn *jshost.Handle) error {
	defer fn.Dispose()
	global, err := c.Global()
	if err != nil {
		return err
	}
	defer global.Dispose()
	return c.SetProp(global, name, fn)
}

func sleepArg(c *jshost.Context, args []*jshost.Handle) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	ms, err := c.GetNumber(args[0])
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// syncSleep blocks the runtime for the requested number of milliseconds.
func syncSleep(c *jshost.Context, _ *jshost.Handle, args []*jshost.Handle) (*jshost.Handle, error) {
	d, err := sleepArg(c, args)
	if err != nil {
		return nil, err
	}
	time.Sleep(d)
	return c.Undefined()
}

// asyncSleep suspends the guest while the host waits.
func asyncSleep(c *jshost.Context, _ *jshost.Handle, args []*jshost.Handle) (jshost.PendingOp, error) {
	d, err := sleepArg(c, args)
	if err != nil {
		return nil, err
	}
	return jshost.OpFunc(func(ctx context.Context) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}
