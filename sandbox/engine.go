package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultNamePrefix prefixes container and volume names created by the
// engine, so leftovers are easy to find and reap.
const DefaultNamePrefix = "gradebox-"

// DefaultCleanupTimeout bounds container and volume removal. Cleanup runs
// detached from the caller's context so it also happens after cancellation.
const DefaultCleanupTimeout = 30 * time.Second

// Observer receives engine events. It is implemented by the metrics package.
type Observer interface {
	SandboxCreated(profile string)
	SandboxDestroyed(profile string)
	ExecutionFinished(profile, outcome string, duration time.Duration)
	WorkdirAcquired()
	WorkdirReleased()
	CleanupFailed(resource string)
}

type noopObserver struct{}

func (noopObserver) SandboxCreated(string)                           {}
func (noopObserver) SandboxDestroyed(string)                         {}
func (noopObserver) ExecutionFinished(string, string, time.Duration) {}
func (noopObserver) WorkdirAcquired()                                {}
func (noopObserver) WorkdirReleased()                                {}
func (noopObserver) CleanupFailed(string)                            {}

// RuntimeFactory connects to the container runtime at endpoint
type RuntimeFactory func(endpoint string) (ContainerRuntime, error)

// runtimeRef boxes the current runtime for atomic swaps
type runtimeRef struct {
	ContainerRuntime
}

// Engine runs commands in sandboxes on a container runtime. It is the local
// implementation of Executor.
type Engine struct {
	logger         *zap.Logger
	registry       *Registry
	runtime        atomic.Pointer[runtimeRef]
	newRuntime     RuntimeFactory
	observer       Observer
	defaults       Limits
	maxOutputBytes int
	cpuToWallTime  int
	namePrefix     string
	cleanupTimeout time.Duration
	newID          func() string

	mu        sync.Mutex
	sandboxes map[string]*sandboxState
	workdirs  map[string]*workdirState

	// runtimes replaced by Configure, closed by Close
	retired []ContainerRuntime
}

var _ Executor = (*Engine)(nil)

// EngineOption defines a functional option for Engine
type EngineOption func(*Engine)

// WithDefaultLimits replaces the engine-wide default limits. Fields left nil
// keep the built-in defaults.
func WithDefaultLimits(l Limits) EngineOption {
	return func(e *Engine) {
		overlay(&e.defaults, l)
	}
}

// WithMaxOutputBytes caps each captured output stream. Zero or less
// disables the cap.
func WithMaxOutputBytes(n int) EngineOption {
	return func(e *Engine) {
		e.maxOutputBytes = n
	}
}

// WithCPUToWallTimeFactor derives the wall time from the CPU time when
// neither the call nor the profile sets one.
func WithCPUToWallTimeFactor(factor int) EngineOption {
	return func(e *Engine) {
		e.cpuToWallTime = factor
	}
}

// WithNamePrefix sets the prefix for container and volume names
func WithNamePrefix(prefix string) EngineOption {
	return func(e *Engine) {
		e.namePrefix = prefix
	}
}

// WithObserver sets the receiver of engine events
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithCleanupTimeout bounds container and volume removal
func WithCleanupTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.cleanupTimeout = d
	}
}

// WithIDGenerator replaces the UUID generator used for sandbox and volume
// names.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *Engine) {
		e.newID = fn
	}
}

// WithRuntimeFactory lets Configure reconnect to a new runtime endpoint.
// Without it the endpoint is fixed at construction.
func WithRuntimeFactory(factory RuntimeFactory) EngineOption {
	return func(e *Engine) {
		e.newRuntime = factory
	}
}

// NewEngine creates an Engine over the given registry and runtime.
func NewEngine(logger *zap.Logger, registry *Registry, runtime ContainerRuntime, opts ...EngineOption) *Engine {
	engine := &Engine{
		logger:         logger,
		registry:       registry,
		observer:       noopObserver{},
		defaults:       DefaultLimits(),
		maxOutputBytes: DefaultMaxOutputBytes,
		namePrefix:     DefaultNamePrefix,
		cleanupTimeout: DefaultCleanupTimeout,
		newID:          uuid.NewString,
		sandboxes:      make(map[string]*sandboxState),
		workdirs:       make(map[string]*workdirState),
	}

	engine.runtime.Store(&runtimeRef{runtime})

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// Configure replaces the registered profiles and runtime endpoint. A new
// endpoint is connected through the runtime factory; sandboxes and working
// directories created before keep the runtime they were created on.
func (e *Engine) Configure(profiles []Profile, runtimeEndpoint string) error {
	if runtimeEndpoint == e.registry.RuntimeEndpoint() {
		return e.registry.Configure(profiles, runtimeEndpoint)
	}
	if e.newRuntime == nil {
		return NewError(KindInvalidRequest, "runtime endpoint cannot change from %q to %q without a runtime factory",
			e.registry.RuntimeEndpoint(), runtimeEndpoint)
	}

	runtime, err := e.newRuntime(runtimeEndpoint)
	if err != nil {
		return classifyRuntime(err, KindRuntimeUnavailable, "failed to connect to runtime at %s", runtimeEndpoint)
	}
	if err := e.registry.Configure(profiles, runtimeEndpoint); err != nil {
		if closer, ok := runtime.(io.Closer); ok {
			_ = closer.Close()
		}
		return err
	}

	old := e.runtime.Swap(&runtimeRef{runtime})
	e.mu.Lock()
	e.retired = append(e.retired, old.ContainerRuntime)
	e.mu.Unlock()

	e.logger.Info("Runtime endpoint reconfigured", zap.String("endpoint", runtimeEndpoint))
	return nil
}

// Runtime returns the runtime new sandboxes are created on
func (e *Engine) Runtime() ContainerRuntime {
	return e.runtime.Load().ContainerRuntime
}

// Close closes the current runtime and those replaced by Configure.
// Call it after Shutdown.
func (e *Engine) Close() error {
	e.mu.Lock()
	runtimes := append([]ContainerRuntime{e.Runtime()}, e.retired...)
	e.retired = nil
	e.mu.Unlock()

	var errs []error
	for _, rt := range runtimes {
		if closer, ok := rt.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// Registry returns the profile registry the engine resolves against
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Run creates a sandbox, starts command in it and destroys it, whatever the
// outcome.
func (e *Engine) Run(ctx context.Context, req RunRequest) (ExecutionResult, error) {
	sb, err := e.Create(ctx, CreateRequest{
		Profile: req.Profile,
		Files:   req.Files,
		Limits:  req.Limits,
		Workdir: req.Workdir,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	defer func() {
		_ = e.Destroy(ctx, sb)
	}()

	return e.Start(ctx, sb, StartRequest{Command: req.Command, Stdin: req.Stdin})
}

// Shutdown destroys every live sandbox and releases every working directory
// still registered.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(e.sandboxes))
	for _, st := range e.sandboxes {
		sandboxes = append(sandboxes, st.handle())
	}
	var workdirs []*WorkingDirectory
	for _, w := range e.workdirs {
		if !w.private {
			workdirs = append(workdirs, &WorkingDirectory{Name: w.name})
		}
	}
	e.mu.Unlock()

	for _, sb := range sandboxes {
		_ = e.Destroy(ctx, sb)
	}
	for _, wd := range workdirs {
		if err := e.ReleaseWorkdir(ctx, wd); err != nil {
			e.logger.Warn("Failed to release working directory on shutdown",
				zap.String("volume", wd.Name), zap.Error(err))
		}
	}
}

func (e *Engine) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
}

func (e *Engine) cleanupFailed(resource, name string, err error) {
	e.observer.CleanupFailed(resource)
	e.logger.Error("Cleanup failed",
		zap.String("kind", string(KindCleanupFailure)),
		zap.String("resource", resource),
		zap.String("name", name),
		zap.Error(err))
}

// classifyRuntime keeps the classification a runtime already gave err and
// applies kind otherwise.
func classifyRuntime(err error, kind ErrorKind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return WrapError(err, kind, format, args...)
}
