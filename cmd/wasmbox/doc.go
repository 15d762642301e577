// Package main is the entry point for the wasmbox server and CLI.
//
// wasmbox runs untrusted WebAssembly modules under a gas budget and a
// linear memory ceiling. `wasmbox serve` exposes the engine as a Model
// Context Protocol (MCP) server over stdio or HTTP, with contract storage
// in memory, badger or redis and an optional Prometheus endpoint.
// `wasmbox run` executes a single module file and prints the result.
//
// The server uses Uber's fx framework for dependency injection and
// lifecycle management, cobra for the command line, zap for structured
// logging and viper for configuration.
package main
