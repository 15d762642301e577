// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and WASMBOX_ prefixed environment
// variables. It covers the server transport, the execution engine, gas
// costs, contract storage, logging, metrics and the default limits applied
// to requests.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	executor, err := sandbox.NewFromConfig(logger, cfg.EngineConfig(), metrics)
package config
