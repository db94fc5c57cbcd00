package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/sandbox"
)

// MockExecutor implements sandbox.Executor for testing
type MockExecutor struct {
	runResult sandbox.ExecutionResult
	runError  error
	lastRun   sandbox.RunRequest
}

func (m *MockExecutor) Run(_ context.Context, req sandbox.RunRequest) (sandbox.ExecutionResult, error) {
	m.lastRun = req
	return m.runResult, m.runError
}

func (*MockExecutor) Create(context.Context, sandbox.CreateRequest) (*sandbox.Sandbox, error) {
	return nil, nil
}

func (*MockExecutor) Start(context.Context, *sandbox.Sandbox, sandbox.StartRequest) (sandbox.ExecutionResult, error) {
	return sandbox.ExecutionResult{}, nil
}

func (*MockExecutor) Destroy(context.Context, *sandbox.Sandbox) error {
	return nil
}

func (*MockExecutor) AcquireWorkdir(context.Context) (*sandbox.WorkingDirectory, error) {
	return nil, nil
}

func (*MockExecutor) ReleaseWorkdir(context.Context, *sandbox.WorkingDirectory) error {
	return nil
}

type staticProfiles []string

func (p staticProfiles) Names() []string { return p }

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", HTTPPort: 8080, Executor: "local"},
		Runtime: config.RuntimeConfig{Backend: "docker"},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "run_sandboxed"
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	mockExecutor := &MockExecutor{}

	server, err := New(cfg, logger, mockExecutor, staticProfiles{"python"})
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, cfg, server.config)
	assert.Equal(t, logger, server.logger)
	assert.Equal(t, mockExecutor, server.executor)
	assert.NotNil(t, server.MCP())
}

func TestHandleRunSandboxed(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		code := 0
		mockExecutor := &MockExecutor{runResult: sandbox.ExecutionResult{
			ExitCode:        &code,
			Stdout:          []byte("42\n"),
			DurationSeconds: 0.2,
		}}
		server, err := New(testConfig(), zaptest.NewLogger(t), mockExecutor, staticProfiles{"python"})
		require.NoError(t, err)

		res, err := server.handleRunSandboxed(ctx, callRequest(map[string]any{
			"profile": "python",
			"command": "python3 main.py",
			"files":   map[string]any{"main.py": "print(42)", "lib/util.py": "X = 1"},
			"stdin":   "input",
			"limits":  map[string]any{"cputime": float64(2), "memory": float64(-1)},
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var out runResult
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
		assert.Equal(t, "42\n", out.Stdout)
		require.NotNil(t, out.ExitCode)
		assert.Equal(t, 0, *out.ExitCode)

		req := mockExecutor.lastRun
		assert.Equal(t, "python", req.Profile)
		assert.Equal(t, "python3 main.py", req.Command)
		assert.Equal(t, []byte("input"), req.Stdin)
		require.Len(t, req.Files, 2)
		assert.Equal(t, "lib/util.py", req.Files[0].Name)
		assert.Equal(t, "main.py", req.Files[1].Name)
		require.NotNil(t, req.Limits)
		assert.Equal(t, 2, *req.Limits.CPUTimeSeconds)
		assert.Equal(t, sandbox.Unlimited, *req.Limits.MemoryMB)
		assert.Nil(t, req.Limits.WallTimeSeconds)
	})

	t.Run("TimeoutHasNullExitCode", func(t *testing.T) {
		mockExecutor := &MockExecutor{runResult: sandbox.ExecutionResult{Timeout: true}}
		server, err := New(testConfig(), zaptest.NewLogger(t), mockExecutor, staticProfiles{})
		require.NoError(t, err)

		res, err := server.handleRunSandboxed(ctx, callRequest(map[string]any{"profile": "python", "command": "sleep 10"}))
		require.NoError(t, err)
		assert.Contains(t, resultText(t, res), `"exit_code":null`)
		assert.Contains(t, resultText(t, res), `"timeout":true`)
		assert.Nil(t, mockExecutor.lastRun.Limits)
		assert.Nil(t, mockExecutor.lastRun.Files)
	})

	t.Run("ExecutorError", func(t *testing.T) {
		mockExecutor := &MockExecutor{runError: sandbox.NewError(sandbox.KindUnknownProfile, "profile not found: cobol")}
		server, err := New(testConfig(), zaptest.NewLogger(t), mockExecutor, staticProfiles{})
		require.NoError(t, err)

		res, err := server.handleRunSandboxed(ctx, callRequest(map[string]any{"profile": "cobol", "command": "true"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "UnknownProfile")
	})

	t.Run("InvalidParameters", func(t *testing.T) {
		server, err := New(testConfig(), zaptest.NewLogger(t), &MockExecutor{}, staticProfiles{})
		require.NoError(t, err)

		tests := []struct {
			name string
			args map[string]any
		}{
			{name: "MissingProfile", args: map[string]any{"command": "true"}},
			{name: "MissingCommand", args: map[string]any{"profile": "python"}},
			{name: "FilesNotObject", args: map[string]any{"profile": "python", "command": "true", "files": "main.py"}},
			{name: "FileContentNotString", args: map[string]any{"profile": "python", "command": "true", "files": map[string]any{"a": 1.0}}},
			{name: "UnknownLimit", args: map[string]any{"profile": "python", "command": "true", "limits": map[string]any{"disk": 1.0}}},
			{name: "FractionalLimit", args: map[string]any{"profile": "python", "command": "true", "limits": map[string]any{"cputime": 1.5}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := server.handleRunSandboxed(ctx, callRequest(tt.args))
				assert.Error(t, err)
			})
		}
	})
}

func TestHandleListProfiles(t *testing.T) {
	server, err := New(testConfig(), zaptest.NewLogger(t), &MockExecutor{}, staticProfiles{"gcc", "python"})
	require.NoError(t, err)

	res, err := server.handleListProfiles(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"profiles":["gcc","python"]}`, resultText(t, res))
}
