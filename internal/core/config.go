package core

import "time"

// EngineConfig holds the engine-level settings a backend needs.
type EngineConfig struct {
	MemoryLimitMB int           // per-engine heap limit, 0 for none
	PollInterval  time.Duration // interrupt handler polling period
}
