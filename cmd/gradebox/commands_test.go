package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/sandbox"
)

const cliConfig = `
runtime:
  backend: podman
profiles:
  - name: python
    image: python:3.12-slim
    command: python3 main.py
  - name: bash
    image: bash:5
`

type stubExecutor struct {
	sandbox.Executor
	got    sandbox.RunRequest
	remote bool
	result sandbox.ExecutionResult
	err    error
}

func (s *stubExecutor) Run(_ context.Context, req sandbox.RunRequest) (sandbox.ExecutionResult, error) {
	s.got = req
	return s.result, s.err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliConfig), 0o600))
	return path
}

func execute(t *testing.T, exec *stubExecutor, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	factory := func(_ context.Context, _ *config.Config, _ *zap.Logger, remote bool) (sandbox.Executor, func(), error) {
		exec.remote = remote
		return exec, func() {}, nil
	}

	cmd := newRootCmd(factory)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestProfilesCommand(t *testing.T) {
	path := writeConfig(t)

	stdout, _, err := execute(t, nil, "", "profiles", "--config", path)
	require.NoError(t, err)
	assert.Equal(t,
		"bash\tbash:5\ttrue\npython\tpython:3.12-slim\tpython3 main.py\n",
		stdout)

	_, _, err = execute(t, nil, "", "profiles", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunCommand(t *testing.T) {
	path := writeConfig(t)
	zero := 0

	t.Run("Success", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "main.py")
		require.NoError(t, os.WriteFile(src, []byte("print(1)\n"), 0o600))

		exec := &stubExecutor{result: sandbox.ExecutionResult{ExitCode: &zero, Stdout: []byte("1\n"), Stderr: []byte("warn\n")}}
		stdout, stderr, err := execute(t, exec, "",
			"run", "--config", path, "--file", "app/main.py="+src, "--memory", "256", "--cputime=-1",
			"python", "python3", "app/main.py")
		require.NoError(t, err)
		assert.Equal(t, "1\n", stdout)
		assert.Equal(t, "warn\n", stderr)

		assert.Equal(t, "python", exec.got.Profile)
		assert.Equal(t, "python3 app/main.py", exec.got.Command)
		require.Len(t, exec.got.Files, 1)
		assert.Equal(t, "app/main.py", exec.got.Files[0].Name)
		assert.Equal(t, "print(1)\n", string(exec.got.Files[0].Content))

		require.NotNil(t, exec.got.Limits)
		assert.Equal(t, 256, *exec.got.Limits.MemoryMB)
		assert.Equal(t, -1, *exec.got.Limits.CPUTimeSeconds)
		assert.Nil(t, exec.got.Limits.WallTimeSeconds)
		assert.Nil(t, exec.got.Limits.MaxProcesses)
	})

	t.Run("NoLimitFlags", func(t *testing.T) {
		exec := &stubExecutor{result: sandbox.ExecutionResult{ExitCode: &zero}}
		_, _, err := execute(t, exec, "", "run", "--config", path, "bash", "true")
		require.NoError(t, err)
		assert.Nil(t, exec.got.Limits)
		assert.Empty(t, exec.got.Files)
		assert.False(t, exec.remote)
	})

	t.Run("Remote", func(t *testing.T) {
		exec := &stubExecutor{result: sandbox.ExecutionResult{ExitCode: &zero}}
		_, _, err := execute(t, exec, "", "--remote", "run", "--config", path, "bash", "true")
		require.NoError(t, err)
		assert.True(t, exec.remote)
	})

	t.Run("StdinFromProcess", func(t *testing.T) {
		exec := &stubExecutor{result: sandbox.ExecutionResult{ExitCode: &zero}}
		_, _, err := execute(t, exec, "hello\n", "run", "--config", path, "--stdin", "-", "bash", "cat")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(exec.got.Stdin))
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		code := 3
		exec := &stubExecutor{result: sandbox.ExecutionResult{ExitCode: &code}}
		_, _, err := execute(t, exec, "", "run", "--config", path, "bash", "exit", "3")

		var exitErr *exitCodeError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 3, exitErr.code)
	})

	t.Run("Timeout", func(t *testing.T) {
		exec := &stubExecutor{result: sandbox.ExecutionResult{Timeout: true}}
		_, stderr, err := execute(t, exec, "", "run", "--config", path, "bash", "sleep", "10")

		var exitErr *exitCodeError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, exitCodeKilled, exitErr.code)
		assert.Contains(t, stderr, "time limit exceeded")
	})

	t.Run("JSON", func(t *testing.T) {
		exec := &stubExecutor{result: sandbox.ExecutionResult{ExitCode: &zero, Stdout: []byte("hi\n"), DurationSeconds: 0.5}}
		stdout, _, err := execute(t, exec, "", "run", "--config", path, "--json", "bash", "echo", "hi")
		require.NoError(t, err)
		assert.JSONEq(t, `{"stdout":"hi\n","stderr":"","exit_code":0,"timeout":false,"oom_killed":false,"duration":0.5}`, stdout)
	})

	t.Run("ExecutorError", func(t *testing.T) {
		exec := &stubExecutor{err: sandbox.NewError(sandbox.KindUnknownProfile, "profile not found: cobol")}
		_, _, err := execute(t, exec, "", "run", "--config", path, "cobol", "true")
		require.Error(t, err)
		assert.True(t, sandbox.IsKind(err, sandbox.KindUnknownProfile))
	})

	t.Run("MissingFile", func(t *testing.T) {
		exec := &stubExecutor{}
		_, _, err := execute(t, exec, "", "run", "--config", path, "--file", filepath.Join(t.TempDir(), "nope.py"), "bash", "true")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read")
	})

	t.Run("NeedsCommand", func(t *testing.T) {
		_, _, err := execute(t, &stubExecutor{}, "", "run", "--config", path, "bash")
		require.Error(t, err)
	})
}
