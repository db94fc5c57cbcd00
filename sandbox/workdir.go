package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WorkingDirectory is a runtime volume that can be shared by several
// sandboxes to pass files between consecutive executions, e.g. compile then
// run.
type WorkingDirectory struct {
	Name string `json:"name"`
}

// WorkdirManager acquires and releases working directories. Both the Engine
// and the RPC client implement it.
type WorkdirManager interface {
	AcquireWorkdir(ctx context.Context) (*WorkingDirectory, error)
	ReleaseWorkdir(ctx context.Context, wd *WorkingDirectory) error
}

// DefaultReleaseTimeout bounds how long WithWorkingDirectory waits for a
// release once fn has returned.
const DefaultReleaseTimeout = 30 * time.Second

// WithWorkingDirectory acquires a working directory, passes it to fn and
// releases it on every exit path, including panics and cancellation of ctx.
// The release outcome never replaces the result of fn; failures are logged
// by whoever owns the volume.
func WithWorkingDirectory(ctx context.Context, m WorkdirManager, fn func(ctx context.Context, wd *WorkingDirectory) error) error {
	wd, err := m.AcquireWorkdir(ctx)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultReleaseTimeout)
		defer cancel()
		_ = m.ReleaseWorkdir(releaseCtx, wd)
	}()
	return fn(ctx, wd)
}

// workdirState tracks the sandboxes referencing a volume. idle is closed
// whenever refs is zero.
type workdirState struct {
	name      string
	private   bool
	refs      int
	releasing bool
	idle      chan struct{}
	runtime   ContainerRuntime
}

func newWorkdirState(name string, private bool, runtime ContainerRuntime) *workdirState {
	idle := make(chan struct{})
	close(idle)
	return &workdirState{name: name, private: private, idle: idle, runtime: runtime}
}

func (w *workdirState) ref() {
	if w.refs == 0 {
		w.idle = make(chan struct{})
	}
	w.refs++
}

func (w *workdirState) unref() {
	if w.refs == 0 {
		return
	}
	w.refs--
	if w.refs == 0 {
		close(w.idle)
	}
}

// AcquireWorkdir creates a new, empty working directory.
func (e *Engine) AcquireWorkdir(ctx context.Context) (*WorkingDirectory, error) {
	w, err := e.createWorkdir(ctx, false)
	if err != nil {
		return nil, err
	}
	return &WorkingDirectory{Name: w.name}, nil
}

func (e *Engine) createWorkdir(ctx context.Context, private bool) (*workdirState, error) {
	name := e.namePrefix + e.newID()
	runtime := e.Runtime()
	if err := runtime.CreateVolume(ctx, name); err != nil {
		return nil, classifyRuntime(err, KindRuntimeUnavailable, "failed to create volume %s", name)
	}

	w := newWorkdirState(name, private, runtime)
	e.mu.Lock()
	e.workdirs[name] = w
	e.mu.Unlock()

	e.observer.WorkdirAcquired()
	e.logger.Debug("Working directory created", zap.String("volume", name), zap.Bool("private", private))
	return w, nil
}

// ReleaseWorkdir deletes the working directory once no live sandbox
// references it. It waits for referencing sandboxes to be destroyed, bounded
// by ctx. Releasing twice is a no-op.
func (e *Engine) ReleaseWorkdir(ctx context.Context, wd *WorkingDirectory) error {
	if wd == nil {
		return NewError(KindInvalidRequest, "working directory is nil")
	}

	e.mu.Lock()
	w, ok := e.workdirs[wd.Name]
	if !ok || w.private || w.releasing {
		e.mu.Unlock()
		return nil
	}
	w.releasing = true
	idle := w.idle
	e.mu.Unlock()

	select {
	case <-idle:
	default:
		select {
		case <-idle:
		case <-ctx.Done():
			e.mu.Lock()
			w.releasing = false
			e.mu.Unlock()
			return WrapError(ctx.Err(), KindInvalidSandbox, "working directory %s is still in use", wd.Name)
		}
	}

	e.removeWorkdir(ctx, w)
	return nil
}

// attachWorkdir adds a sandbox reference to a registered working directory.
func (e *Engine) attachWorkdir(name string) (*workdirState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workdirs[name]
	if !ok || w.private {
		return nil, NewError(KindInvalidSandbox, "unknown working directory: %s", name)
	}
	if w.releasing {
		return nil, NewError(KindInvalidSandbox, "working directory %s is being released", name)
	}
	w.ref()
	return w, nil
}

// detachWorkdir drops a sandbox reference; a private working directory is
// removed with its only sandbox.
func (e *Engine) detachWorkdir(ctx context.Context, w *workdirState) {
	e.mu.Lock()
	w.unref()
	remove := w.private && w.refs == 0 && !w.releasing
	if remove {
		w.releasing = true
	}
	e.mu.Unlock()

	if remove {
		e.removeWorkdir(ctx, w)
	}
}

func (e *Engine) removeWorkdir(ctx context.Context, w *workdirState) {
	e.mu.Lock()
	delete(e.workdirs, w.name)
	e.mu.Unlock()
	e.observer.WorkdirReleased()

	cleanupCtx, cancel := e.cleanupContext(ctx)
	defer cancel()
	if err := w.runtime.RemoveVolume(cleanupCtx, w.name); err != nil {
		e.cleanupFailed("volume", w.name, err)
		return
	}
	e.logger.Debug("Working directory removed", zap.String("volume", w.name))
}
