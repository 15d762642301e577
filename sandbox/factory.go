package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/metering"
)

// Config holds the engine settings an Executor is built from
type Config struct {
	Backend         string
	EntryPoint      string
	AllowFloats     bool
	MaxPayloadBytes uint32
	CacheSize       int
	Schedule        metering.Schedule
	HostCosts       HostCosts
}

// NewFromConfig creates an Executor for the configured backend. metrics may
// be nil.
func NewFromConfig(logger *zap.Logger, config *Config, metrics *Metrics, opts ...ExecutorOption) (*Executor, error) {
	switch config.Backend {
	case BackendCompiler, BackendInterpreter:
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}

	compiler := NewCompiler(logger,
		WithBackend(config.Backend),
		WithAllowFloats(config.AllowFloats),
		WithSchedule(config.Schedule),
		WithCompilerMetrics(metrics),
	)
	builder := NewHostImportBuilder(
		WithHostCosts(config.HostCosts),
		WithMaxPayload(config.MaxPayloadBytes),
		WithHostLogger(logger),
	)

	executorOpts := []ExecutorOption{
		WithEntryPoint(config.EntryPoint),
		WithCacheSize(config.CacheSize),
		WithHostImportBuilder(builder),
		WithMetrics(metrics),
	}
	return NewExecutor(logger, compiler, append(executorOpts, opts...)...)
}
