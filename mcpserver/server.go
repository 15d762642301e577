package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/config"
	"github.com/isdmx/wasmbox/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    sandbox.Engine
	compiler  *sandbox.Compiler
	provider  sandbox.Provider
	validate  *validator.Validate
	mcpServer *server.MCPServer
}

// executeArgs are the decoded arguments of execute_wasm. Limits are
// pointers so an explicit zero is told apart from an absent argument.
type executeArgs struct {
	Code        string  `json:"code" validate:"required,base64"`
	Input       string  `json:"input" validate:"omitempty,base64"`
	GasLimit    *uint64 `json:"gas_limit"`
	MemoryLimit *uint64 `json:"memory_limit"`
}

// executeResult is the JSON body returned by execute_wasm
type executeResult struct {
	Status  string `json:"status"`
	GasLeft uint64 `json:"gas_left"`
	GasUsed uint64 `json:"gas_used"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, engine sandbox.Engine, compiler *sandbox.Compiler, provider sandbox.Provider) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		engine:   engine,
		compiler: compiler,
		provider: provider,
		validate: validator.New(),
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("engine.backend", s.config.Engine.Backend),
		zap.String("engine.entry_point", s.config.Engine.EntryPoint),
		zap.Bool("engine.allow_floats", s.config.Engine.AllowFloats),
		zap.Int("engine.cache_size", s.config.Engine.CacheSize),
		zap.String("storage.backend", s.config.Storage.Backend),
		zap.Bool("metrics.enabled", s.config.Metrics.Enabled),
		zap.Uint64("defaults.gas_limit", s.config.Defaults.GasLimit),
		zap.Uint64("defaults.memory_limit_bytes", s.config.Defaults.MemoryLimitBytes),
	)

	s.mcpServer = server.NewMCPServer("wasmbox", "A metered WebAssembly execution server")

	s.registerExecuteTool()
	s.registerValidateTool()

	return s, nil
}

func (s *MCPServer) registerExecuteTool() {
	tool := mcp.Tool{
		Name:        "execute_wasm",
		Description: "Execute a WebAssembly module under a gas and memory limit",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Base64-encoded WebAssembly binary",
				},
				"input": map[string]any{
					"type":        "string",
					"description": "Base64-encoded input passed to the entry point (optional)",
				},
				"gas_limit": map[string]any{
					"type":        "integer",
					"description": "Gas available to the execution (optional)",
				},
				"memory_limit": map[string]any{
					"type":        "integer",
					"description": "Linear memory ceiling in bytes (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecute)
}

func (s *MCPServer) registerValidateTool() {
	tool := mcp.Tool{
		Name:        "validate_wasm",
		Description: "Check that a WebAssembly module is accepted by the engine without running it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Base64-encoded WebAssembly binary",
				},
				"memory_limit": map[string]any{
					"type":        "integer",
					"description": "Linear memory ceiling in bytes (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleValidate)
}

func (s *MCPServer) parseArgs(request mcp.CallToolRequest) (executeArgs, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return executeArgs{}, fmt.Errorf("code parameter is required: %w", err)
	}
	var args executeArgs
	if err := request.BindArguments(&args); err != nil {
		return executeArgs{}, fmt.Errorf("invalid arguments: %w", err)
	}
	args.Code = code
	if args.GasLimit == nil {
		args.GasLimit = &s.config.Defaults.GasLimit
	}
	if args.MemoryLimit == nil {
		args.MemoryLimit = &s.config.Defaults.MemoryLimitBytes
	}
	if err := s.validate.Struct(args); err != nil {
		return executeArgs{}, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.parseArgs(request)
	if err != nil {
		return nil, err
	}

	code, err := base64.StdEncoding.DecodeString(args.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to decode code: %w", err)
	}
	input, err := base64.StdEncoding.DecodeString(args.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}

	s.logger.Info("executing wasm module",
		zap.Int("code_size", len(code)),
		zap.Int("input_size", len(input)),
		zap.Uint64("gas_limit", *args.GasLimit),
		zap.Uint64("memory_limit", *args.MemoryLimit))

	action := sandbox.Action{
		Code:        code,
		MemoryLimit: *args.MemoryLimit,
		GasLimit:    *args.GasLimit,
		Input:       input,
	}
	res, err := s.engine.Execute(ctx, s.provider, action)
	if err != nil {
		s.logger.Info("wasm execution failed", zap.Error(err))
		return jsonResult(executeResult{
			Status:  status(err),
			GasUsed: gasUsed(action.GasLimit, err),
			Error:   err.Error(),
		}, true)
	}

	s.logger.Info("wasm execution completed",
		zap.Uint64("gas_left", res.GasLeft),
		zap.Int("output_size", len(res.Data)))

	return jsonResult(executeResult{
		Status:  "completed",
		GasLeft: res.GasLeft,
		GasUsed: action.GasLimit - res.GasLeft,
		Output:  base64.StdEncoding.EncodeToString(res.Data),
	}, false)
}

func (s *MCPServer) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.parseArgs(request)
	if err != nil {
		return nil, err
	}
	code, err := base64.StdEncoding.DecodeString(args.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to decode code: %w", err)
	}

	mod, err := s.compiler.Compile(ctx, code, *args.MemoryLimit)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Module rejected: %v", err),
				},
			},
			IsError: true,
		}, nil
	}
	defer mod.Close(ctx)

	body, err := json.Marshal(map[string]any{
		"valid":   true,
		"pages":   mod.Pages(),
		"exports": mod.Exports(),
		"sha256":  fmt.Sprintf("%x", mod.Hash()),
	})
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
	}, nil
}

func status(err error) string {
	var (
		compileErr *sandbox.CompileError
		instErr    *sandbox.InstantiationError
	)
	switch {
	case errors.Is(err, sandbox.ErrOutOfGas):
		return sandbox.OutcomeOutOfGas
	case errors.As(err, &compileErr):
		return sandbox.OutcomeCompileError
	case errors.As(err, &instErr):
		return sandbox.OutcomeInstantiationError
	default:
		return sandbox.OutcomeTrapped
	}
}

func gasUsed(limit uint64, err error) uint64 {
	if errors.Is(err, sandbox.ErrOutOfGas) {
		return limit
	}
	return 0
}

func jsonResult(v executeResult, isError bool) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
		IsError: isError,
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
