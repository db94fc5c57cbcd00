package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/sandbox"
)

// ProfileLister lists the execution profiles callers may choose from.
// *sandbox.Registry implements it.
type ProfileLister interface {
	Names() []string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  sandbox.Executor
	profiles  ProfileLister
	mcpServer *server.MCPServer
}

// Version is reported to MCP clients during initialization
const Version = "0.1.0"

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, profiles ProfileLister) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		profiles: profiles,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("server.executor", s.config.Server.Executor),
		zap.String("runtime.backend", s.config.Runtime.Backend),
		zap.String("broker.queue", s.config.Broker.Queue),
		zap.Strings("profiles", profiles.Names()),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("gradebox", Version, server.WithToolCapabilities(false))

	s.registerRunSandboxedTool()
	s.registerListProfilesTool()

	return s, nil
}

// MCP returns the underlying protocol server
func (s *MCPServer) MCP() *server.MCPServer {
	return s.mcpServer
}

// registerRunSandboxedTool registers the run_sandboxed tool
func (s *MCPServer) registerRunSandboxedTool() {
	names := s.profiles.Names()
	profile := map[string]any{
		"type":        "string",
		"description": "Execution profile",
	}
	if len(names) > 0 {
		profile["enum"] = names
	}

	tool := mcp.Tool{
		Name:        "run_sandboxed",
		Description: "Run a shell command in an isolated container with resource limits",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"profile": profile,
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command, run with /bin/sh -c in the working directory",
				},
				"files": map[string]any{
					"type":                 "object",
					"description":          "Files to create before running, keyed by relative path",
					"additionalProperties": map[string]any{"type": "string"},
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Data written to the command's standard input (optional)",
				},
				"limits": map[string]any{
					"type":        "object",
					"description": "Resource limits; -1 disables a limit",
					"properties": map[string]any{
						"cputime":  map[string]any{"type": "integer", "description": "CPU seconds"},
						"realtime": map[string]any{"type": "integer", "description": "Wall-clock seconds"},
						"memory":   map[string]any{"type": "integer", "description": "Memory in MB"},
						"numprocs": map[string]any{"type": "integer", "description": "Maximum processes"},
					},
				},
			},
			Required: []string{"profile", "command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunSandboxed)
}

// registerListProfilesTool registers the list_profiles tool
func (s *MCPServer) registerListProfilesTool() {
	tool := mcp.Tool{
		Name:        "list_profiles",
		Description: "List the execution profiles available to run_sandboxed",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListProfiles)
}

type runResult struct {
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	ExitCode  *int    `json:"exit_code"`
	Timeout   bool    `json:"timeout"`
	OOMKilled bool    `json:"oom_killed"`
	Duration  float64 `json:"duration"`
}

// handleRunSandboxed handles the run_sandboxed tool
func (s *MCPServer) handleRunSandboxed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profile, err := request.RequireString("profile")
	if err != nil {
		return nil, fmt.Errorf("profile parameter is required: %w", err)
	}

	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	args := request.GetArguments()

	files, err := parseFiles(args["files"])
	if err != nil {
		return nil, err
	}

	limits, err := parseLimits(args["limits"])
	if err != nil {
		return nil, err
	}

	var stdin []byte
	if v := request.GetString("stdin", ""); v != "" {
		stdin = []byte(v)
	}

	s.logger.Info("executing command in sandbox",
		zap.String("profile", profile),
		zap.Int("files", len(files)),
		zap.Bool("has_stdin", len(stdin) > 0))

	result, err := s.executor.Run(ctx, sandbox.RunRequest{
		Profile: profile,
		Command: command,
		Files:   files,
		Limits:  limits,
		Stdin:   stdin,
	})
	if err != nil {
		s.logger.Error("sandbox execution failed",
			zap.Error(err),
			zap.String("profile", profile),
			zap.String("command", command))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed (%s): %v", sandbox.KindOf(err), err),
				},
			},
			IsError: true,
		}, nil
	}

	s.logger.Info("command execution completed",
		zap.String("profile", profile),
		zap.Stringer("result", result))

	data, err := json.Marshal(runResult{
		Stdout:    string(result.Stdout),
		Stderr:    string(result.Stderr),
		ExitCode:  result.ExitCode,
		Timeout:   result.Timeout,
		OOMKilled: result.OOMKilled,
		Duration:  result.DurationSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

// handleListProfiles handles the list_profiles tool
func (s *MCPServer) handleListProfiles(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string][]string{"profiles": s.profiles.Names()})
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func parseFiles(v any) ([]sandbox.FileSpec, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("files must be an object of path to content")
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make([]sandbox.FileSpec, 0, len(m))
	for _, name := range names {
		content, ok := m[name].(string)
		if !ok {
			return nil, fmt.Errorf("content of file %s must be a string", name)
		}
		files = append(files, sandbox.FileSpec{Name: name, Content: []byte(content)})
	}
	return files, nil
}

func parseLimits(v any) (*sandbox.Limits, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("limits must be an object")
	}

	var limits sandbox.Limits
	fields := map[string]**int{
		"cputime":  &limits.CPUTimeSeconds,
		"realtime": &limits.WallTimeSeconds,
		"memory":   &limits.MemoryMB,
		"numprocs": &limits.MaxProcesses,
	}
	for key, raw := range m {
		field, ok := fields[key]
		if !ok {
			return nil, fmt.Errorf("unknown limit: %s", key)
		}
		n, ok := raw.(float64)
		if !ok || n != float64(int(n)) {
			return nil, fmt.Errorf("limit %s must be an integer", key)
		}
		*field = sandbox.Int(int(n))
	}
	return &limits, nil
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
