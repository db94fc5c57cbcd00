package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// DockerRuntime implements ContainerRuntime on the Docker Engine API
type DockerRuntime struct {
	logger     *zap.Logger
	client     *client.Client
	endpoint   string
	pullImages bool
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerPullImages makes CreateContainer pull images that are missing
// locally instead of failing.
func WithDockerPullImages(pull bool) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.pullImages = pull
	}
}

// WithDockerClient sets a preconfigured Docker client
func WithDockerClient(cli *client.Client) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.client = cli
	}
}

// NewDockerRuntime creates a DockerRuntime. An empty endpoint uses the
// DOCKER_HOST environment, otherwise something like
// unix:///var/run/docker.sock or tcp://10.0.0.5:2375.
func NewDockerRuntime(logger *zap.Logger, endpoint string, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	runtime := &DockerRuntime{
		logger:   logger,
		endpoint: endpoint,
	}

	for _, opt := range opts {
		opt(runtime)
	}

	if runtime.client == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if endpoint != "" {
			clientOpts = append(clientOpts, client.WithHost(endpoint))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		runtime.client = cli
	}

	return runtime, nil
}

// Close releases the client's connections
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Ping checks that the daemon answers
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return d.classify(err, "failed to ping docker at %q", d.endpoint)
	}
	return nil
}

// CreateContainer creates a stopped container with stdin open for one attach
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if d.pullImages {
		if err := d.ensureImage(ctx, spec.Image); err != nil {
			return "", err
		}
	}

	cfg, hostCfg := dockerContainerConfig(spec)
	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", d.classify(err, "failed to create container %s", spec.Name)
	}
	for _, warning := range resp.Warnings {
		d.logger.Warn("Docker warning on container create",
			zap.String("container", spec.Name), zap.String("warning", warning))
	}
	return resp.ID, nil
}

// dockerContainerConfig maps a ContainerSpec onto Docker's create options
func dockerContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		User:            spec.User,
		WorkingDir:      spec.WorkingDir,
		Labels:          spec.Labels,
		NetworkDisabled: spec.NetworkDisabled,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: spec.ReadOnly,
	}
	if spec.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	c := spec.Constraints
	if c.MemoryBytes > 0 {
		hostCfg.Memory = c.MemoryBytes
		// Same value as memory disables swap.
		hostCfg.MemorySwap = c.MemoryBytes
	}
	if c.PidsLimit != nil {
		pids := *c.PidsLimit
		hostCfg.PidsLimit = &pids
	}
	if c.CPUSeconds > 0 {
		hostCfg.Ulimits = append(hostCfg.Ulimits, &container.Ulimit{
			Name: "cpu",
			Soft: c.CPUSeconds,
			Hard: c.CPUSeconds,
		})
	}

	if spec.Volume != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: spec.Volume,
			Target: spec.WorkingDir,
		})
	}

	return cfg, hostCfg
}

// CopyToContainer extracts a tar archive into the container's filesystem
func (d *DockerRuntime) CopyToContainer(ctx context.Context, id, dstPath string, archive []byte) error {
	err := d.client.CopyToContainer(ctx, id, dstPath, bytes.NewReader(archive), container.CopyToContainerOptions{})
	if err != nil {
		return d.classify(err, "failed to copy files into container %s", id)
	}
	return nil
}

// StartContainer attaches to the container and starts it. Attaching first
// guarantees no output is lost.
func (d *DockerRuntime) StartContainer(ctx context.Context, id string) (*Streams, error) {
	resp, err := d.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, d.classify(err, "failed to attach to container %s", id)
	}

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		resp.Close()
		return nil, d.classify(err, "failed to start container %s", id)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	stdin := &hijackedStdin{write: resp.Conn.Write, closeWrite: resp.CloseWrite}
	closer := closerFunc(func() error {
		resp.Close()
		return nil
	})
	return NewStreams(stdin, stdoutR, stderrR, closer), nil
}

// hijackedStdin writes to the attached connection; Close half-closes it so
// the process sees EOF on stdin.
type hijackedStdin struct {
	write      func([]byte) (int, error)
	closeWrite func() error
}

func (h *hijackedStdin) Write(p []byte) (int, error) {
	return h.write(p)
}

func (h *hijackedStdin) Close() error {
	return h.closeWrite()
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// WaitContainer waits until the container stops and reports whether the
// kernel OOM killer terminated it.
func (d *DockerRuntime) WaitContainer(ctx context.Context, id string) (ExitState, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	var code int
	select {
	case err := <-errCh:
		return ExitState{}, d.classify(err, "failed to wait for container %s", id)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return ExitState{}, NewError(KindRuntimeError, "wait for container %s: %s", id, status.Error.Message)
		}
		code = int(status.StatusCode)
	case <-ctx.Done():
		return ExitState{}, ctx.Err()
	}

	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		d.logger.Warn("Failed to inspect exited container", zap.String("container_id", id), zap.Error(err))
		return ExitState{ExitCode: code}, nil
	}
	oomKilled := info.State != nil && info.State.OOMKilled
	return ExitState{ExitCode: code, OOMKilled: oomKilled}, nil
}

// KillContainer sends SIGKILL
func (d *DockerRuntime) KillContainer(ctx context.Context, id string) error {
	if err := d.client.ContainerKill(ctx, id, "KILL"); err != nil {
		return d.classify(err, "failed to kill container %s", id)
	}
	return nil
}

// RemoveContainer force-removes the container with its anonymous volumes
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			d.logger.Warn("Container already removed", zap.String("container_id", id))
			return nil
		}
		return d.classify(err, "failed to remove container %s", id)
	}
	return nil
}

// CreateVolume creates a local named volume
func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) error {
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		Labels: map[string]string{"gradebox.workdir": "true"},
	})
	if err != nil {
		return d.classify(err, "failed to create volume %s", name)
	}
	return nil
}

// RemoveVolume deletes a named volume
func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, true); err != nil {
		if client.IsErrNotFound(err) {
			d.logger.Warn("Volume not found", zap.String("volume", name))
			return nil
		}
		return d.classify(err, "failed to remove volume %s", name)
	}
	return nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return d.classify(err, "failed to inspect image %s", imageName)
	}

	d.logger.Info("Pulling image", zap.String("image", imageName))
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return d.classify(err, "failed to pull image %s", imageName)
	}
	defer reader.Close()

	// Drain output to wait for pull to completion
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return d.classify(err, "failed to pull image %s", imageName)
	}
	return nil
}

// classify maps Docker client errors onto error kinds. Connection failures
// and timeouts are transient; everything else, including a missing image, is
// not.
func (*DockerRuntime) classify(err error, format string, args ...any) error {
	kind := KindRuntimeError
	if client.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindRuntimeUnavailable
	}
	return WrapError(err, kind, format, args...)
}
