package sandbox

import (
	"context"
	"io"
)

// ContainerSpec is everything a runtime needs to instantiate a stopped
// container for one sandbox.
type ContainerSpec struct {
	Name            string
	Image           string
	Cmd             []string
	User            string
	WorkingDir      string
	NetworkDisabled bool
	ReadOnly        bool
	Constraints     Constraints
	// Volume is mounted read-write at WorkingDir when set.
	Volume string
	Labels map[string]string
}

// Streams are the attached standard streams of a started container.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	closer io.Closer
}

// NewStreams bundles attached streams. closer tears down the attachment and
// may be nil.
func NewStreams(stdin io.WriteCloser, stdout, stderr io.Reader, closer io.Closer) *Streams {
	return &Streams{Stdin: stdin, Stdout: stdout, Stderr: stderr, closer: closer}
}

// Close releases the attachment. Pending reads return promptly afterwards.
func (s *Streams) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ExitState is the terminal state of a container.
type ExitState struct {
	ExitCode  int
	OOMKilled bool
}

// ContainerRuntime is the capability the engine drives. Implementations
// classify failures as KindRuntimeUnavailable when the runtime cannot be
// reached and KindRuntimeError otherwise. Removing something that no longer
// exists is not an error.
type ContainerRuntime interface {
	// Ping checks that the runtime is reachable
	Ping(ctx context.Context) error
	// CreateContainer instantiates a stopped container and returns its ID
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// CopyToContainer extracts an uncompressed tar archive at dstPath
	CopyToContainer(ctx context.Context, id, dstPath string, archive []byte) error
	// StartContainer attaches to the standard streams and starts the container
	StartContainer(ctx context.Context, id string) (*Streams, error)
	// WaitContainer blocks until the container is no longer running
	WaitContainer(ctx context.Context, id string) (ExitState, error)
	// KillContainer sends SIGKILL
	KillContainer(ctx context.Context, id string) error
	// RemoveContainer force-removes the container and its anonymous volumes
	RemoveContainer(ctx context.Context, id string) error
	// CreateVolume creates a named volume
	CreateVolume(ctx context.Context, name string) error
	// RemoveVolume deletes a named volume
	RemoveVolume(ctx context.Context, name string) error
}
