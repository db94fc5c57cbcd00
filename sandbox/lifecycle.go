package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exit codes of a shell whose child was killed by SIGKILL or SIGXCPU. With a
// CPU-time ulimit set and no OOM kill, they mean the CPU budget ran out.
const (
	exitCodeSIGKILL = 128 + 9
	exitCodeSIGXCPU = 128 + 24
)

// killGrace is how long the watchdog waits for the container to exit after
// a kill before tearing down the attached streams.
const killGrace = 5 * time.Second

// State is the lifecycle state of a sandbox.
type State int

// Sandbox states
const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateOOMKilled
	StateErrored
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateOOMKilled:
		return "oom_killed"
	case StateErrored:
		return "errored"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Sandbox is a handle to one provisioned execution environment. It becomes
// invalid once destroyed.
type Sandbox struct {
	ID      string            `json:"id"`
	Profile string            `json:"profile"`
	Workdir *WorkingDirectory `json:"workdir,omitempty"`
}

type sandboxState struct {
	id          string
	profile     Profile
	constraints Constraints
	files       []FileSpec
	workdir     *workdirState
	runtime     ContainerRuntime
	logger      *zap.Logger

	mu          sync.Mutex
	state       State
	containerID string
}

func (s *sandboxState) handle() *Sandbox {
	sb := &Sandbox{ID: s.id, Profile: s.profile.Name}
	if s.workdir != nil && !s.workdir.private {
		sb.Workdir = &WorkingDirectory{Name: s.workdir.name}
	}
	return sb
}

// Create provisions a sandbox: it resolves the profile, validates the files,
// merges the limits and attaches a working directory. A private one is
// allocated when files are given without a working directory. The container
// itself is instantiated by Start, once the command is known.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	profile, err := e.registry.Resolve(req.Profile)
	if err != nil {
		return nil, err
	}

	files, err := ValidateFiles(req.Files)
	if err != nil {
		return nil, err
	}

	limits := MergeLimits(req.Limits, profile.Limits, e.defaults, e.cpuToWallTime)

	var workdir *workdirState
	switch {
	case req.Workdir != nil:
		workdir, err = e.attachWorkdir(req.Workdir.Name)
		if err != nil {
			return nil, err
		}
	case len(files) > 0:
		workdir, err = e.createWorkdir(ctx, true)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		workdir.ref()
		e.mu.Unlock()
	}

	// A sandbox runs where its volume lives
	runtime := e.Runtime()
	if workdir != nil {
		runtime = workdir.runtime
	}

	id := e.newID()
	st := &sandboxState{
		id:          id,
		profile:     profile,
		constraints: Apply(limits),
		files:       files,
		workdir:     workdir,
		runtime:     runtime,
		logger:      e.logger.With(zap.String("sandbox_id", id), zap.String("profile", profile.Name)),
		state:       StateCreated,
	}

	e.mu.Lock()
	e.sandboxes[id] = st
	e.mu.Unlock()

	e.observer.SandboxCreated(profile.Name)
	st.logger.Debug("Sandbox created", zap.Int("files", len(files)))
	return st.handle(), nil
}

// Start runs command in a created sandbox and returns its result. A sandbox
// can be started once.
func (e *Engine) Start(ctx context.Context, sb *Sandbox, req StartRequest) (ExecutionResult, error) {
	st, err := e.lookup(sb)
	if err != nil {
		return ExecutionResult{}, err
	}

	st.mu.Lock()
	switch st.state {
	case StateCreated:
		st.state = StateRunning
	case StateDestroyed:
		st.mu.Unlock()
		return ExecutionResult{}, NewError(KindInvalidSandbox, "sandbox %s is destroyed", st.id)
	default:
		st.mu.Unlock()
		return ExecutionResult{}, NewError(KindInvalidSandbox, "sandbox %s was already started", st.id)
	}
	st.mu.Unlock()

	result, outcome, err := e.execute(ctx, st, req)

	st.mu.Lock()
	if st.state == StateRunning {
		st.state = outcome
	}
	st.mu.Unlock()

	e.observer.ExecutionFinished(st.profile.Name, outcome.String(),
		time.Duration(result.DurationSeconds*float64(time.Second)))

	if err != nil {
		st.logger.Warn("Sandbox execution failed", zap.Error(err))
		return ExecutionResult{}, err
	}
	st.logger.Info("Sandbox execution finished",
		zap.String("outcome", outcome.String()),
		zap.Stringer("result", result))
	return result, nil
}

// Destroy force-removes the sandbox's container whatever its state and drops
// its working directory reference. Destroying twice is a no-op, and cleanup
// failures are logged rather than returned.
func (e *Engine) Destroy(ctx context.Context, sb *Sandbox) error {
	if sb == nil {
		return NewError(KindInvalidRequest, "sandbox is nil")
	}

	e.mu.Lock()
	st, ok := e.sandboxes[sb.ID]
	delete(e.sandboxes, sb.ID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	containerID := st.containerID
	st.containerID = ""
	st.state = StateDestroyed
	st.mu.Unlock()

	if containerID != "" {
		e.removeContainer(ctx, st.runtime, st.logger, containerID)
	}
	if st.workdir != nil {
		e.detachWorkdir(ctx, st.workdir)
	}

	e.observer.SandboxDestroyed(st.profile.Name)
	st.logger.Debug("Sandbox destroyed")
	return nil
}

// SandboxState reports the lifecycle state of sb.
func (e *Engine) SandboxState(sb *Sandbox) State {
	st, err := e.lookup(sb)
	if err != nil {
		return StateDestroyed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

func (e *Engine) lookup(sb *Sandbox) (*sandboxState, error) {
	if sb == nil {
		return nil, NewError(KindInvalidRequest, "sandbox is nil")
	}
	e.mu.Lock()
	st, ok := e.sandboxes[sb.ID]
	e.mu.Unlock()
	if !ok {
		return nil, NewError(KindInvalidSandbox, "unknown or destroyed sandbox: %s", sb.ID)
	}
	return st, nil
}

func (e *Engine) containerSpec(st *sandboxState, command string) ContainerSpec {
	spec := ContainerSpec{
		Name:            e.namePrefix + st.id,
		Image:           st.profile.Image,
		Cmd:             []string{"/bin/sh", "-c", command},
		User:            st.profile.user(),
		WorkingDir:      DefaultWorkdir,
		NetworkDisabled: !st.profile.NetworkEnabled,
		ReadOnly:        st.profile.ReadOnly,
		Constraints:     st.constraints,
		Labels: map[string]string{
			"gradebox.sandbox": st.id,
			"gradebox.profile": st.profile.Name,
		},
	}
	if st.workdir != nil {
		spec.Volume = st.workdir.name
	}
	return spec
}

// execute instantiates the container, copies the files in and runs it to
// termination.
func (e *Engine) execute(ctx context.Context, st *sandboxState, req StartRequest) (ExecutionResult, State, error) {
	command := req.Command
	if command == "" {
		command = st.profile.Command
	}
	if command == "" {
		command = DefaultCommand
	}

	containerID, err := st.runtime.CreateContainer(ctx, e.containerSpec(st, command))
	if err != nil {
		return ExecutionResult{}, StateErrored,
			classifyRuntime(err, KindRuntimeError, "failed to create container for sandbox %s", st.id)
	}

	st.mu.Lock()
	if st.state == StateDestroyed {
		st.mu.Unlock()
		e.removeContainer(ctx, st.runtime, st.logger, containerID)
		return ExecutionResult{}, StateErrored, NewError(KindInvalidSandbox, "sandbox %s was destroyed while starting", st.id)
	}
	st.containerID = containerID
	st.mu.Unlock()

	logger := st.logger.With(zap.String("container_id", containerID))

	if len(st.files) > 0 {
		archive, err := BuildArchive(st.files)
		if err != nil {
			return ExecutionResult{}, StateErrored, WrapError(err, KindInternal, "failed to build file archive")
		}
		if err := st.runtime.CopyToContainer(ctx, containerID, DefaultWorkdir, archive); err != nil {
			return ExecutionResult{}, StateErrored,
				classifyRuntime(err, KindRuntimeError, "failed to copy files into sandbox %s", st.id)
		}
	}

	return e.attachAndWait(ctx, logger, st, containerID, req.Stdin)
}

// attachAndWait starts the container and runs four sibling tasks: stdout and
// stderr draining, the exit wait and the wall-time watchdog, plus writing
// stdin. All of them are joined before it returns.
func (e *Engine) attachAndWait(ctx context.Context, logger *zap.Logger, st *sandboxState, containerID string, stdin []byte) (ExecutionResult, State, error) {
	stdout := newCappedBuffer(e.maxOutputBytes)
	stderr := newCappedBuffer(e.maxOutputBytes)

	started := time.Now()
	streams, err := st.runtime.StartContainer(ctx, containerID)
	if err != nil {
		return ExecutionResult{}, StateErrored,
			classifyRuntime(err, KindRuntimeError, "failed to start sandbox %s", st.id)
	}
	defer streams.Close()

	var (
		timedOut atomic.Bool
		exit     ExitState
		exited   = make(chan struct{})
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if streams.Stdin == nil {
			return nil
		}
		if len(stdin) > 0 {
			// The process may exit without reading its input.
			_, _ = streams.Stdin.Write(stdin)
		}
		_ = streams.Stdin.Close()
		return nil
	})
	g.Go(func() error {
		return drain(stdout, streams.Stdout)
	})
	g.Go(func() error {
		return drain(stderr, streams.Stderr)
	})
	g.Go(func() error {
		defer close(exited)
		state, err := st.runtime.WaitContainer(gctx, containerID)
		if err != nil {
			return err
		}
		exit = state
		return nil
	})
	g.Go(func() error {
		var deadline <-chan time.Time
		if st.constraints.WallTime > 0 {
			timer := time.NewTimer(st.constraints.WallTime)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-exited:
			return nil
		case <-deadline:
			timedOut.Store(true)
			logger.Info("Wall time exceeded, killing container", zap.Duration("wall_time", st.constraints.WallTime))
		case <-gctx.Done():
			logger.Info("Execution cancelled, killing container", zap.Error(context.Cause(gctx)))
		}

		e.killContainer(ctx, st.runtime, logger, containerID)
		select {
		case <-exited:
		case <-time.After(killGrace):
			logger.Warn("Container did not exit after kill, closing streams")
			_ = streams.Close()
		}
		return nil
	})

	waitErr := g.Wait()
	duration := time.Since(started)

	if stdout.Truncated() || stderr.Truncated() {
		logger.Debug("Output truncated",
			zap.Bool("stdout", stdout.Truncated()),
			zap.Bool("stderr", stderr.Truncated()),
			zap.Int("max_output_bytes", e.maxOutputBytes))
	}

	result := ExecutionResult{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		DurationSeconds: duration.Seconds(),
	}

	st.mu.Lock()
	destroyed := st.state == StateDestroyed
	st.mu.Unlock()

	switch {
	case destroyed:
		// The kill was a removal, not a limit
		return result, StateErrored, NewError(KindInvalidSandbox, "sandbox %s was destroyed while running", st.id)
	case timedOut.Load():
		result.Timeout = true
		return result, StateTimedOut, nil
	case ctx.Err() != nil:
		return result, StateErrored, WrapError(ctx.Err(), KindInternal, "execution of sandbox %s was cancelled", st.id)
	case waitErr != nil:
		return result, StateErrored, classifyRuntime(waitErr, KindRuntimeError, "failed to wait for sandbox %s", st.id)
	case exit.OOMKilled:
		result.OOMKilled = true
		return result, StateOOMKilled, nil
	case st.constraints.CPUSeconds > 0 && (exit.ExitCode == exitCodeSIGKILL || exit.ExitCode == exitCodeSIGXCPU):
		result.Timeout = true
		return result, StateTimedOut, nil
	default:
		code := exit.ExitCode
		result.ExitCode = &code
		return result, StateCompleted, nil
	}
}

func (e *Engine) killContainer(ctx context.Context, runtime ContainerRuntime, logger *zap.Logger, containerID string) {
	killCtx, cancel := e.cleanupContext(ctx)
	defer cancel()
	if err := runtime.KillContainer(killCtx, containerID); err != nil {
		// Usually the container already exited.
		logger.Debug("Failed to kill container", zap.Error(err))
	}
}

func (e *Engine) removeContainer(ctx context.Context, runtime ContainerRuntime, logger *zap.Logger, containerID string) {
	cleanupCtx, cancel := e.cleanupContext(ctx)
	defer cancel()
	if err := runtime.RemoveContainer(cleanupCtx, containerID); err != nil {
		e.cleanupFailed("container", containerID, err)
		return
	}
	logger.Debug("Container removed", zap.String("container_id", containerID))
}
