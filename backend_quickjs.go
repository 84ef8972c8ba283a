//go:build !v8

package jshost

import (
	"github.com/cryguy/jshost/internal/core"
	"github.com/cryguy/jshost/internal/quickjs"
)

func newEngine(cfg core.EngineConfig) core.Engine {
	return quickjs.NewEngine(cfg)
}
