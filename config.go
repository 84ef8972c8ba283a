package jshost

import (
	"fmt"
	"strings"
	"time"

	"github.com/cryguy/jshost/internal/core"
	"go.uber.org/zap"
)

// Config holds module-wide settings. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	MemoryLimitMB         int           // per-runtime heap limit, 0 for none
	InterruptPollInterval time.Duration // how often the interrupt handler is polled
	Logger                *zap.Logger   // nil uses the package logger
}

// DefaultInterruptPollInterval is used when Config leaves the interval unset.
const DefaultInterruptPollInterval = 5 * time.Millisecond

// DefaultConfig returns the configuration used by GetModule.
func DefaultConfig() Config {
	return Config{
		InterruptPollInterval: DefaultInterruptPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.InterruptPollInterval <= 0 {
		c.InterruptPollInterval = DefaultInterruptPollInterval
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return c
}

func (c Config) engineConfig(memoryLimitMB int) core.EngineConfig {
	if memoryLimitMB <= 0 {
		memoryLimitMB = c.MemoryLimitMB
	}
	return core.EngineConfig{
		MemoryLimitMB: memoryLimitMB,
		PollInterval:  c.InterruptPollInterval,
	}
}

// RuntimeOptions configures one runtime.
type RuntimeOptions struct {
	MemoryLimitMB    int // overrides Config.MemoryLimitMB when positive
	InterruptHandler InterruptHandler
}

// Intrinsics is a set of standard built-ins.
type Intrinsics uint32

const (
	IntrinsicDate Intrinsics = 1 << iota
	IntrinsicEval
	IntrinsicRegExp
	IntrinsicJSON
	IntrinsicProxy
	IntrinsicMapSet
	IntrinsicTypedArrays
	IntrinsicPromise
	IntrinsicBigInt
	IntrinsicWeakRef
)

var intrinsicGlobals = map[Intrinsics][]string{
	IntrinsicDate:   {"Date"},
	IntrinsicEval:   {"eval"},
	IntrinsicRegExp: {"RegExp"},
	IntrinsicJSON:   {"JSON"},
	IntrinsicProxy:  {"Proxy"},
	IntrinsicMapSet: {"Map", "Set", "WeakMap", "WeakSet"},
	IntrinsicTypedArrays: {
		"ArrayBuffer", "SharedArrayBuffer", "DataView", "Atomics",
		"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array",
		"Int32Array", "Uint32Array", "Float32Array", "Float64Array",
	},
	IntrinsicPromise: {"Promise"},
	IntrinsicBigInt:  {"BigInt", "BigInt64Array", "BigUint64Array"},
	IntrinsicWeakRef: {"WeakRef", "FinalizationRegistry"},
}

// globals lists the global names to remove for the intrinsics in the set.
func (in Intrinsics) globals() []string {
	var names []string
	for bit := IntrinsicDate; bit <= IntrinsicWeakRef; bit <<= 1 {
		if in&bit != 0 {
			names = append(names, intrinsicGlobals[bit]...)
		}
	}
	return names
}

var intrinsicNames = map[string]Intrinsics{
	"date":        IntrinsicDate,
	"eval":        IntrinsicEval,
	"regexp":      IntrinsicRegExp,
	"json":        IntrinsicJSON,
	"proxy":       IntrinsicProxy,
	"mapset":      IntrinsicMapSet,
	"typedarrays": IntrinsicTypedArrays,
	"promise":     IntrinsicPromise,
	"bigint":      IntrinsicBigInt,
	"weakref":     IntrinsicWeakRef,
}

// ParseIntrinsics builds a set from case-insensitive names such as "Eval"
// or "TypedArrays".
func ParseIntrinsics(names []string) (Intrinsics, error) {
	var in Intrinsics
	for _, n := range names {
		bit, ok := intrinsicNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown intrinsic %q", n)
		}
		in |= bit
	}
	return in, nil
}

// ContextOptions configures one context.
type ContextOptions struct {
	// DisabledIntrinsics lists built-ins removed from the global object.
	DisabledIntrinsics Intrinsics

	// ModuleLoader supplies source for imports in module evaluations. Nil
	// makes every import fail with a ModuleLoadError.
	ModuleLoader ModuleLoader

	// ModuleNormalizer resolves an import specifier against the importing
	// module's name. Nil uses DefaultNormalize.
	ModuleNormalizer ModuleNormalizer

	Console bool // route console.* to the logger
	Timers  bool // provide setTimeout and friends
}

// EvalType selects how source is evaluated.
type EvalType int

const (
	EvalGlobal EvalType = iota // classic script; result is the completion value
	EvalModule                 // ES module; result is the namespace object
)

// EvalOptions configures one EvalCode call.
type EvalOptions struct {
	Filename   string
	Type       EvalType
	TypeScript bool
}

func (o EvalOptions) filename() string {
	if o.Filename != "" {
		return o.Filename
	}
	if o.TypeScript {
		return "eval.ts"
	}
	return "eval.js"
}
