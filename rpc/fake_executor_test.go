package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/gradebox/sandbox"
)

// fakeExecutor answers commands of the form "echo TEXT" and counts calls.
// The profile "python" is the only one registered. Like the engine, a
// working directory release waits until no sandbox is attached to it.
type fakeExecutor struct {
	mu        sync.Mutex
	sandboxes map[string]string // id -> workdir name, "" when none
	workdirs  map[string]int    // name -> attached sandboxes
	nextID    int

	runs      atomic.Int32
	destroys  atomic.Int32
	releases  atomic.Int32
	block     chan struct{} // Run waits on it when set
	lastStdin []byte
}

var _ sandbox.Executor = (*fakeExecutor)(nil)

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		sandboxes: make(map[string]string),
		workdirs:  make(map[string]int),
	}
}

func (f *fakeExecutor) exec(command string, stdin []byte) sandbox.ExecutionResult {
	code := 0
	result := sandbox.ExecutionResult{ExitCode: &code, DurationSeconds: 0.01}
	switch {
	case strings.HasPrefix(command, "echo "):
		result.Stdout = []byte(strings.TrimPrefix(command, "echo ") + "\n")
	case command == "cat":
		result.Stdout = stdin
	case command == "sleep":
		result.ExitCode = nil
		result.Timeout = true
	default:
		code = 127
		result.Stderr = []byte("sh: " + command + ": not found\n")
	}
	return result
}

func (f *fakeExecutor) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.ExecutionResult, error) {
	f.runs.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return sandbox.ExecutionResult{}, ctx.Err()
		}
	}
	if req.Profile != "python" {
		return sandbox.ExecutionResult{}, sandbox.NewError(sandbox.KindUnknownProfile, "profile not found: %s", req.Profile)
	}
	if req.Workdir != nil {
		f.mu.Lock()
		_, ok := f.workdirs[req.Workdir.Name]
		f.mu.Unlock()
		if !ok {
			return sandbox.ExecutionResult{}, sandbox.NewError(sandbox.KindInvalidSandbox, "unknown working directory: %s", req.Workdir.Name)
		}
	}
	f.mu.Lock()
	f.lastStdin = req.Stdin
	f.mu.Unlock()
	return f.exec(req.Command, req.Stdin), nil
}

func (f *fakeExecutor) Create(_ context.Context, req sandbox.CreateRequest) (*sandbox.Sandbox, error) {
	if req.Profile != "python" {
		return nil, sandbox.NewError(sandbox.KindUnknownProfile, "profile not found: %s", req.Profile)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	workdir := ""
	if req.Workdir != nil {
		if _, ok := f.workdirs[req.Workdir.Name]; !ok {
			return nil, sandbox.NewError(sandbox.KindInvalidSandbox, "unknown working directory: %s", req.Workdir.Name)
		}
		workdir = req.Workdir.Name
		f.workdirs[workdir]++
	}
	f.nextID++
	id := fmt.Sprintf("sb-%d", f.nextID)
	f.sandboxes[id] = workdir
	return &sandbox.Sandbox{ID: id, Profile: req.Profile, Workdir: req.Workdir}, nil
}

func (f *fakeExecutor) Start(_ context.Context, sb *sandbox.Sandbox, req sandbox.StartRequest) (sandbox.ExecutionResult, error) {
	if sb == nil {
		return sandbox.ExecutionResult{}, sandbox.NewError(sandbox.KindInvalidRequest, "sandbox is nil")
	}
	f.mu.Lock()
	_, ok := f.sandboxes[sb.ID]
	f.mu.Unlock()
	if !ok {
		return sandbox.ExecutionResult{}, sandbox.NewError(sandbox.KindInvalidSandbox, "unknown or destroyed sandbox: %s", sb.ID)
	}
	return f.exec(req.Command, req.Stdin), nil
}

func (f *fakeExecutor) Destroy(_ context.Context, sb *sandbox.Sandbox) error {
	if sb == nil {
		return sandbox.NewError(sandbox.KindInvalidRequest, "sandbox is nil")
	}
	f.destroys.Add(1)
	f.mu.Lock()
	if workdir, ok := f.sandboxes[sb.ID]; ok && workdir != "" {
		f.workdirs[workdir]--
	}
	delete(f.sandboxes, sb.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) AcquireWorkdir(context.Context) (*sandbox.WorkingDirectory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	name := fmt.Sprintf("vol-%d", f.nextID)
	f.workdirs[name] = 0
	return &sandbox.WorkingDirectory{Name: name}, nil
}

func (f *fakeExecutor) ReleaseWorkdir(ctx context.Context, wd *sandbox.WorkingDirectory) error {
	if wd == nil {
		return sandbox.NewError(sandbox.KindInvalidRequest, "working directory is nil")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		f.mu.Lock()
		if f.workdirs[wd.Name] == 0 {
			delete(f.workdirs, wd.Name)
			f.mu.Unlock()
			f.releases.Add(1)
			return nil
		}
		f.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return sandbox.NewError(sandbox.KindInvalidSandbox, "working directory %s is still in use", wd.Name)
		}
	}
}

func (f *fakeExecutor) live() (sandboxes, workdirs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sandboxes), len(f.workdirs)
}
