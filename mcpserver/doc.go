// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the execution engine as MCP tools using the
// mark3labs/mcp-go library. execute_wasm runs a base64-encoded module under
// a gas and memory limit and returns its output with the gas accounting;
// validate_wasm compiles a module without running it.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, executor, executor.Compiler(), host)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
