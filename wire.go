package jshost

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// reply is the prelude's answer to an operation that may throw. A zero ref
// in OK stands for undefined.
type reply struct {
	OK  *uint32 `json:"ok"`
	Err *uint32 `json:"err"`
}

type promiseReply struct {
	Promise uint32 `json:"p"`
	Resolve uint32 `json:"res"`
	Reject  uint32 `json:"rej"`
}

type watchReply struct {
	State int     `json:"s"`
	OK    *uint32 `json:"ok"`
	Err   *uint32 `json:"err"`
}

type dispatchRequest struct {
	Func uint32   `json:"f"`
	Refs []uint32 `json:"r"`
}

type dumpReply struct {
	Type   string     `json:"t"`
	Number string     `json:"n"`
	String *string    `json:"s"`
	JSON   *string    `json:"j"`
	Error  *errorInfo `json:"e"`
}

type scalarReply struct {
	S   *string `json:"s"`
	N   *string `json:"n"`
	Err *uint32 `json:"err"`
}

// jsString renders s as a JavaScript string literal. encoding/json already
// escapes U+2028 and U+2029, which JavaScript literals did not always allow.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// jsNumber renders f as a JavaScript numeric expression.
func jsNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0 && math.Signbit(f):
		return "-0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func jsRefs(refs []uint32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, r := range refs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(r), 10))
	}
	sb.WriteByte(']')
	return sb.String()
}

// opExpr builds a call expression against the prelude.
func opExpr(op string, args ...string) string {
	return "__hx." + op + "(" + strings.Join(args, ",") + ")"
}

func refArg(ref uint32) string {
	return strconv.FormatUint(uint64(ref), 10)
}

func parseRef(out string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(out), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed ref %q: %w", out, err)
	}
	return uint32(n), nil
}

// parseJSNumber parses the String() form of a JavaScript number.
func parseJSNumber(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}
