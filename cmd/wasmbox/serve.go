package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/config"
	"github.com/isdmx/wasmbox/logger"
	"github.com/isdmx/wasmbox/mcpserver"
	"github.com/isdmx/wasmbox/provider"
	"github.com/isdmx/wasmbox/sandbox"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution engine over MCP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(appOptions(*configPath))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func appOptions(configPath string) fx.Option {
	return fx.Options(
		// Provide dependencies
		fx.Provide(
			// Config
			func() (*config.Config, error) {
				return config.Load(configPath)
			},

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics registry and engine collectors
			newRegistry,
			newMetrics,

			// Contract storage and the host capabilities built on it
			newStore,
			newHost,

			// Execution engine
			newExecutor,
			func(e *sandbox.Executor) sandbox.Engine { return e },
			func(e *sandbox.Executor) *sandbox.Compiler { return e.Compiler() },

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(serveMetrics),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(cfg *config.Config, reg *prometheus.Registry) *sandbox.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return sandbox.NewMetrics(reg)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (provider.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := provider.NewStoreFromConfig(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newHost(store provider.Store, log *zap.Logger) sandbox.Provider {
	return provider.NewHost(store, log)
}

func newExecutor(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, metrics *sandbox.Metrics) (*sandbox.Executor, error) {
	executor, err := sandbox.NewFromConfig(log, cfg.EngineConfig(), metrics)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: executor.Close,
	})
	return executor, nil
}

// serveMetrics exposes the registry on metrics.addr when metrics are
// enabled.
func serveMetrics(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting metrics endpoint",
				zap.String("addr", cfg.Metrics.Addr),
				zap.String("path", cfg.Metrics.Path))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics endpoint stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
