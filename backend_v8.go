//go:build v8

package jshost

import (
	"github.com/cryguy/jshost/internal/core"
	"github.com/cryguy/jshost/internal/v8engine"
)

func newEngine(cfg core.EngineConfig) core.Engine {
	return v8engine.NewEngine(cfg)
}
