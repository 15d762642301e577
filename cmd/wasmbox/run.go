package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/config"
	"github.com/isdmx/wasmbox/logger"
	"github.com/isdmx/wasmbox/provider"
	"github.com/isdmx/wasmbox/sandbox"
)

type runOptions struct {
	input       string
	inputFile   string
	gasLimit    uint64
	memoryLimit uint64
	backend     string
}

type runResult struct {
	GasLeft uint64 `json:"gas_left"`
	GasUsed uint64 `json:"gas_used"`
	Output  string `json:"output"`
}

func newRunCmd(configPath *string) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <module.wasm>",
		Short: "Execute a module once and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if opts.backend != "" {
				cfg.Engine.Backend = opts.backend
			}
			if !cmd.Flags().Changed("gas") {
				opts.gasLimit = cfg.Defaults.GasLimit
			}
			if !cmd.Flags().Changed("memory") {
				opts.memoryLimit = cfg.Defaults.MemoryLimitBytes
			}

			log, err := logger.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			return runModule(cmd, cfg, log, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "input passed to the entry point")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "read the input from a file")
	cmd.Flags().Uint64VarP(&opts.gasLimit, "gas", "g", 0, "gas limit (default: defaults.gas_limit)")
	cmd.Flags().Uint64VarP(&opts.memoryLimit, "memory", "m", 0, "memory limit in bytes (default: defaults.memory_limit_bytes)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "engine backend, compiler or interpreter")
	return cmd
}

func runModule(cmd *cobra.Command, cfg *config.Config, log *zap.Logger, path string, opts *runOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}
	input := []byte(opts.input)
	if opts.inputFile != "" {
		input, err = os.ReadFile(opts.inputFile)
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}

	store, err := provider.NewStoreFromConfig(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	executor, err := sandbox.NewFromConfig(log, cfg.EngineConfig(), nil, sandbox.WithCacheSize(0))
	if err != nil {
		return err
	}
	defer executor.Close(ctx)

	res, err := executor.Execute(ctx, provider.NewHost(store, log), sandbox.Action{
		Code:        code,
		MemoryLimit: opts.memoryLimit,
		GasLimit:    opts.gasLimit,
		Input:       input,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(runResult{
		GasLeft: res.GasLeft,
		GasUsed: opts.gasLimit - res.GasLeft,
		Output:  base64.StdEncoding.EncodeToString(res.Data),
	})
}
