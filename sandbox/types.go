package sandbox

import (
	"context"
	"fmt"
)

// Default engine-wide limits, used when neither the call nor the profile
// specifies a value.
const (
	DefaultCPUTimeSeconds  = 1
	DefaultWallTimeSeconds = 5
	DefaultMemoryMB        = 64

	// Unlimited explicitly disables a limit dimension.
	Unlimited = -1
)

// DefaultWorkdir is the directory inside the container where files are
// materialized and commands are started.
const DefaultWorkdir = "/sandbox"

// DefaultMaxOutputBytes caps each of stdout and stderr.
const DefaultMaxOutputBytes = 1 << 20

// Limits is an abstract set of resource ceilings. A nil field is not set at
// this level and inherits from the next one; Unlimited (-1) turns the
// dimension off explicitly.
type Limits struct {
	CPUTimeSeconds  *int `json:"cputime,omitempty" yaml:"cputime,omitempty" mapstructure:"cputime"`
	WallTimeSeconds *int `json:"realtime,omitempty" yaml:"realtime,omitempty" mapstructure:"realtime"`
	MemoryMB        *int `json:"memory,omitempty" yaml:"memory,omitempty" mapstructure:"memory"`
	MaxProcesses    *int `json:"numprocs,omitempty" yaml:"numprocs,omitempty" mapstructure:"numprocs"`
}

// Int returns a pointer to v, for building Limits literals.
func Int(v int) *int {
	return &v
}

// DefaultLimits returns the engine-wide defaults.
func DefaultLimits() Limits {
	return Limits{
		CPUTimeSeconds:  Int(DefaultCPUTimeSeconds),
		WallTimeSeconds: Int(DefaultWallTimeSeconds),
		MemoryMB:        Int(DefaultMemoryMB),
		MaxProcesses:    Int(Unlimited),
	}
}

// FileSpec is a file materialized into the sandbox working directory before
// the command starts.
type FileSpec struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// ExecutionResult is the outcome of one sandboxed command.
//
// ExitCode is nil when the process was killed for exceeding its time limits
// or memory ceiling before exiting on its own.
type ExecutionResult struct {
	ExitCode        *int    `json:"exit_code"`
	Stdout          []byte  `json:"stdout"`
	Stderr          []byte  `json:"stderr"`
	DurationSeconds float64 `json:"duration"`
	Timeout         bool    `json:"timeout"`
	OOMKilled       bool    `json:"oom_killed"`
}

// String renders the result for logs, truncating captured output.
func (r ExecutionResult) String() string {
	exitCode := "null"
	if r.ExitCode != nil {
		exitCode = fmt.Sprint(*r.ExitCode)
	}
	return fmt.Sprintf("exit_code=%s timeout=%t oom_killed=%t duration=%.3f stdout=%q stderr=%q",
		exitCode, r.Timeout, r.OOMKilled, r.DurationSeconds,
		truncateForLog(r.Stdout), truncateForLog(r.Stderr))
}

const maxLoggedOutput = 100

func truncateForLog(b []byte) string {
	if len(b) <= maxLoggedOutput {
		return string(b)
	}
	return string(b[:maxLoggedOutput]) + " *** truncated ***"
}

// RunRequest describes a complete create, start and destroy cycle.
type RunRequest struct {
	Profile string
	Command string
	Files   []FileSpec
	Limits  *Limits
	Stdin   []byte
	Workdir *WorkingDirectory
}

// CreateRequest describes a sandbox to provision.
type CreateRequest struct {
	Profile string
	Files   []FileSpec
	Limits  *Limits
	Workdir *WorkingDirectory
}

// StartRequest describes the command to execute in a created sandbox.
// An empty Command falls back to the profile's default command.
type StartRequest struct {
	Command string
	Stdin   []byte
}

// Executor is the sandbox operation set. It is implemented by the local
// Engine and by the RPC client stub, so callers can switch between in-process
// and remote execution without code changes.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (ExecutionResult, error)
	Create(ctx context.Context, req CreateRequest) (*Sandbox, error)
	Start(ctx context.Context, sb *Sandbox, req StartRequest) (ExecutionResult, error)
	Destroy(ctx context.Context, sb *Sandbox) error
	AcquireWorkdir(ctx context.Context) (*WorkingDirectory, error)
	ReleaseWorkdir(ctx context.Context, wd *WorkingDirectory) error
}
