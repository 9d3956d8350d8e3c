package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/secforge/plugrun/runtime/sandbox"
)

// Engine sandbox engine config struct. Duration fields hold the raw
// string form and are parsed during validation.
type Engine struct {
	MaxMemoryPages          int
	MaxInstances            int
	CompileTimeout          string
	DefaultExecutionTimeout string
	EnvWhitelist            []string
	SandboxRoot             string

	compileTimeout   time.Duration
	executionTimeout time.Duration
}

func getEngineConfig(v *viper.Viper) *Engine {
	return &Engine{
		MaxMemoryPages:          v.GetInt("engine.max_memory_pages"),
		MaxInstances:            v.GetInt("engine.max_instances"),
		CompileTimeout:          v.GetString("engine.compile_timeout"),
		DefaultExecutionTimeout: v.GetString("engine.default_execution_timeout"),
		EnvWhitelist:            v.GetStringSlice("engine.env_whitelist"),
		SandboxRoot:             v.GetString("engine.sandbox_root"),
	}
}

// Validate checks the engine section and parses its durations
func (e *Engine) Validate() error {
	if e.MaxMemoryPages < 1 {
		return fmt.Errorf("engine.max_memory_pages must be greater than 0")
	}
	if e.MaxInstances < 1 {
		return fmt.Errorf("engine.max_instances must be greater than 0")
	}
	var err error
	if e.compileTimeout, err = time.ParseDuration(e.CompileTimeout); err != nil {
		return fmt.Errorf("engine.compile_timeout: %w", err)
	}
	if e.executionTimeout, err = time.ParseDuration(e.DefaultExecutionTimeout); err != nil {
		return fmt.Errorf("engine.default_execution_timeout: %w", err)
	}
	if e.compileTimeout <= 0 || e.executionTimeout <= 0 {
		return fmt.Errorf("engine timeouts must be positive")
	}
	return nil
}

// EngineConfig converts the section into the sandbox package's config
func (e *Engine) EngineConfig() *sandbox.Config {
	return &sandbox.Config{
		MaxMemoryPages:          uint32(e.MaxMemoryPages),
		MaxInstances:            e.MaxInstances,
		CompileTimeout:          e.compileTimeout,
		DefaultExecutionTimeout: e.executionTimeout,
		EnvWhitelist:            e.EnvWhitelist,
		SandboxRoot:             e.SandboxRoot,
	}
}
