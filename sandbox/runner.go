package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
	RunCommandWithInput(ctx context.Context, args []string, input []byte) (stdout, stderr string, exitCode int, err error)
	// StartCommand starts a long-running command with its standard streams
	// attached. Closing the returned Streams reaps the process.
	StartCommand(ctx context.Context, args []string) (*Streams, error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	return r.RunCommandWithInput(ctx, args, nil)
}

// RunCommandWithInput executes the command with input on its stdin
func (RealCommandRunner) RunCommandWithInput(ctx context.Context, args []string, input []byte) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// StartCommand starts the command with piped standard streams
func (RealCommandRunner) StartCommand(ctx context.Context, args []string) (*Streams, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var once sync.Once
	reap := closerFunc(func() error {
		once.Do(func() {
			// A no-op once the process has exited; unblocks Wait otherwise.
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		})
		return nil
	})
	return NewStreams(stdin, stdout, stderr, reap), nil
}
