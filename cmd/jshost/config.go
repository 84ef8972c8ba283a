package main

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// fileConfig is the HCL configuration file. Every attribute is optional;
// flags given on the command line override it.
//
//	memory_limit_mb     = 64
//	timeout             = "2s"
//	async               = true
//	console             = true
//	timers              = true
//	modules_dir         = "lib"
//	module_db           = "modules.db"
//	log_level           = "debug"
//	disabled_intrinsics = ["Eval", "Proxy"]
type fileConfig struct {
	MemoryLimitMB      int      `hcl:"memory_limit_mb,optional"`
	Timeout            string   `hcl:"timeout,optional"`
	Async              bool     `hcl:"async,optional"`
	Console            *bool    `hcl:"console,optional"`
	Timers             *bool    `hcl:"timers,optional"`
	ModulesDir         string   `hcl:"modules_dir,optional"`
	ModuleDB           string   `hcl:"module_db,optional"`
	LogLevel           string   `hcl:"log_level,optional"`
	DisabledIntrinsics []string `hcl:"disabled_intrinsics,optional"`
}

// options is the resolved configuration of one invocation.
type options struct {
	Script     string
	Module     bool
	TypeScript bool
	Async      bool
	Console    bool
	Timers     bool

	Timeout            time.Duration
	MemoryLimitMB      int
	ModulesDir         string
	ModuleDB           string
	LogLevel           string
	DisabledIntrinsics []string
}

func defaultOptions() options {
	return options{
		Console:  true,
		Timers:   true,
		LogLevel: "info",
	}
}

// loadConfigFile decodes the HCL file at path into opts.
func loadConfigFile(path string, opts *options) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, nil, &fc); diags.HasErrors() {
		return fmt.Errorf("failed to decode config file %s: %w", path, diags)
	}

	if fc.Timeout != "" {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return fmt.Errorf("config file %s: invalid timeout: %w", path, err)
		}
		opts.Timeout = d
	}
	if fc.MemoryLimitMB != 0 {
		opts.MemoryLimitMB = fc.MemoryLimitMB
	}
	if fc.ModulesDir != "" {
		opts.ModulesDir = fc.ModulesDir
	}
	if fc.ModuleDB != "" {
		opts.ModuleDB = fc.ModuleDB
	}
	if fc.LogLevel != "" {
		opts.LogLevel = fc.LogLevel
	}
	opts.Async = opts.Async || fc.Async
	if fc.Console != nil {
		opts.Console = *fc.Console
	}
	if fc.Timers != nil {
		opts.Timers = *fc.Timers
	}
	opts.DisabledIntrinsics = append(opts.DisabledIntrinsics, fc.DisabledIntrinsics...)
	return nil
}
