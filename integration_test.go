package integration

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/wasmbox/config"
	"github.com/isdmx/wasmbox/internal/wasmtest"
	"github.com/isdmx/wasmbox/logger"
	"github.com/isdmx/wasmbox/mcpserver"
	"github.com/isdmx/wasmbox/metering"
	"github.com/isdmx/wasmbox/provider"
	"github.com/isdmx/wasmbox/sandbox"
)

func integrationConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Engine: config.EngineConfig{
			Backend:         sandbox.BackendInterpreter,
			EntryPoint:      sandbox.DefaultEntryPoint,
			MaxPayloadBytes: 1 << 20,
			CacheSize:       8,
		},
		Gas: config.GasConfig{
			Schedule: metering.DefaultSchedule(),
			Host:     sandbox.DefaultHostCosts(),
		},
		Storage: config.StorageConfig{
			Backend: "badger",
			Badger:  config.BadgerConfig{InMemory: true},
		},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "info",
		},
		Defaults: config.DefaultsConfig{
			GasLimit:         1_000_000,
			MemoryLimitBytes: 4 * sandbox.PageSize,
		},
	}
}

// TestIntegrationEngine wires config, logger, storage and executor the way
// the server does and checks the engine guarantees end to end.
func TestIntegrationEngine(t *testing.T) {
	cfg := integrationConfig()
	ctx := context.Background()

	testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	require.NoError(t, err)
	testLogger.Info("Integration test started")

	store, err := provider.NewStoreFromConfig(ctx, cfg, testLogger)
	require.NoError(t, err)
	defer store.Close()
	host := provider.NewHost(store, testLogger)

	reg := prometheus.NewRegistry()
	metrics := sandbox.NewMetrics(reg)
	executor, err := sandbox.NewFromConfig(testLogger, cfg.EngineConfig(), metrics)
	require.NoError(t, err)
	defer executor.Close(ctx)

	action := func(code, input []byte) sandbox.Action {
		return sandbox.Action{
			Code:        code,
			MemoryLimit: cfg.Defaults.MemoryLimitBytes,
			GasLimit:    cfg.Defaults.GasLimit,
			Input:       input,
		}
	}

	t.Run("IdentityConsumesGas", func(t *testing.T) {
		res, err := executor.Execute(ctx, host, action(wasmtest.Identity(), []byte("integration")))
		require.NoError(t, err)
		assert.Equal(t, []byte("integration"), res.Data)
		assert.Less(t, res.GasLeft, cfg.Defaults.GasLimit)
	})

	t.Run("ZeroGasRunsOutOfGas", func(t *testing.T) {
		a := action(wasmtest.Identity(), nil)
		a.GasLimit = 0
		_, err := executor.Execute(ctx, host, a)
		assert.ErrorIs(t, err, sandbox.ErrOutOfGas)
	})

	t.Run("MalformedBytecodeIsCompileError", func(t *testing.T) {
		_, err := executor.Execute(ctx, host, action([]byte{0x00, 0x61, 0x73, 0x6d, 0x02}, nil))
		var compileErr *sandbox.CompileError
		assert.ErrorAs(t, err, &compileErr)
	})

	t.Run("HostPointerOutOfBoundsTraps", func(t *testing.T) {
		_, err := executor.Execute(ctx, host, action(wasmtest.LogOutOfBounds(), nil))
		var execErr *sandbox.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.ErrorIs(t, err, sandbox.ErrMemoryAccess)
	})

	t.Run("PageCeilingNeverExceeded", func(t *testing.T) {
		for pages := byte(1); pages <= 5; pages++ {
			res, err := executor.Execute(ctx, host, action(wasmtest.Grower(), []byte{pages, 0, 0, 0, 0, 0, 0, 0}))
			require.NoError(t, err)
			grown := int32(binary.LittleEndian.Uint32(res.Data[0:4]))
			size := binary.LittleEndian.Uint32(res.Data[4:8])
			assert.LessOrEqual(t, size, uint32(4), "pages=%d", pages)
			if 1+uint32(pages) > 4 {
				assert.Equal(t, int32(-1), grown, "growth must fail whole")
				assert.Equal(t, uint32(1), size)
			} else {
				assert.Equal(t, int32(1), grown)
				assert.Equal(t, 1+uint32(pages), size)
			}
		}
	})

	t.Run("ReusedModuleBehavesIdentically", func(t *testing.T) {
		code := wasmtest.StorageEcho()
		mod, err := executor.Compiler().Compile(ctx, code, cfg.Defaults.MemoryLimitBytes)
		require.NoError(t, err)
		defer mod.Close(ctx)

		fresh, err := executor.Execute(ctx, host, action(code, []byte("reuse")))
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			again, err := executor.ExecuteModule(ctx, host, mod, action(code, []byte("reuse")))
			require.NoError(t, err)
			assert.Equal(t, fresh, again)
		}
	})

	t.Run("ConcurrentMatchesSequential", func(t *testing.T) {
		inputs := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
		want := make([]sandbox.ResultData, len(inputs))
		for i, in := range inputs {
			want[i], err = executor.Execute(ctx, host, action(wasmtest.Identity(), in))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		got := make([]sandbox.ResultData, len(inputs)*4)
		errs := make([]error, len(got))
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got[i], errs[i] = executor.Execute(ctx, host, action(wasmtest.Identity(), inputs[i%len(inputs)]))
			}(i)
		}
		wg.Wait()
		for i := range got {
			require.NoError(t, errs[i])
			assert.Equal(t, want[i%len(inputs)], got[i])
		}
	})

	t.Run("MetricsRecorded", func(t *testing.T) {
		completed := testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues(sandbox.OutcomeCompleted))
		assert.Greater(t, completed, 0.0)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues(sandbox.OutcomeOutOfGas)))
		assert.Greater(t, testutil.ToFloat64(metrics.CacheHits), 0.0)
	})
}

// TestIntegrationMCPServer drives the execute_wasm tool through a server
// built from configuration.
func TestIntegrationMCPServer(t *testing.T) {
	cfg := integrationConfig()
	cfg.Storage = config.StorageConfig{Backend: "memory"}
	ctx := context.Background()
	testLogger := zaptest.NewLogger(t)

	executor, err := sandbox.NewFromConfig(testLogger, cfg.EngineConfig(), nil)
	require.NoError(t, err)
	defer executor.Close(ctx)
	store := provider.NewMemoryStore()

	server, err := mcpserver.New(cfg, testLogger, executor, executor.Compiler(), provider.NewHost(store, testLogger))
	require.NoError(t, err)

	request, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name": "execute_wasm",
			"arguments": map[string]any{
				"code":  base64.StdEncoding.EncodeToString(wasmtest.StorageEcho()),
				"input": base64.StdEncoding.EncodeToString([]byte("persisted")),
			},
		},
	})
	require.NoError(t, err)

	response := server.GetMCPServer().HandleMessage(ctx, request)
	_, isError := response.(mcp.JSONRPCError)
	require.False(t, isError, "tools/call failed: %+v", response)

	v, err := store.Get(ctx, []byte("persisted"))
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), v)
}

// TestIntegrationFailureKinds checks that each failure kind is reported as
// a distinct error type.
func TestIntegrationFailureKinds(t *testing.T) {
	cfg := integrationConfig()
	testLogger := zaptest.NewLogger(t)
	executor, err := sandbox.NewFromConfig(testLogger, cfg.EngineConfig(), nil)
	require.NoError(t, err)
	defer executor.Close(context.Background())
	host := provider.NewHost(provider.NewMemoryStore(), testLogger)

	run := func(code []byte) error {
		_, err := executor.Execute(context.Background(), host, sandbox.Action{
			Code:        code,
			MemoryLimit: 2 * sandbox.PageSize,
			GasLimit:    100_000,
		})
		return err
	}

	var (
		compileErr *sandbox.CompileError
		instErr    *sandbox.InstantiationError
		execErr    *sandbox.ExecutionError
	)
	assert.ErrorAs(t, run(wasmtest.WithMemory(3, -1)), &compileErr)
	assert.ErrorAs(t, run(wasmtest.ImportsFrom("env", "missing")), &instErr)
	assert.ErrorAs(t, run(wasmtest.Trap()), &execErr)
	assert.True(t, errors.Is(run(wasmtest.Loop()), sandbox.ErrOutOfGas))
}
