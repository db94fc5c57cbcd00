package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PodmanRuntime implements ContainerRuntime by driving the podman CLI
type PodmanRuntime struct {
	logger     *zap.Logger
	binary     string
	endpoint   string
	pullImages bool
	cmdRunner  CommandRunner
}

var _ ContainerRuntime = (*PodmanRuntime)(nil)

// PodmanRuntimeOption defines a functional option for PodmanRuntime
type PodmanRuntimeOption func(*PodmanRuntime)

// WithPodmanCommandRunner sets the CommandRunner for PodmanRuntime
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanBinary sets the podman executable
func WithPodmanBinary(binary string) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.binary = binary
	}
}

// WithPodmanPullImages pulls missing images on create instead of failing
func WithPodmanPullImages(pull bool) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.pullImages = pull
	}
}

// NewPodmanRuntime creates a PodmanRuntime. A non-empty endpoint is passed
// as --url, talking to a remote podman service.
func NewPodmanRuntime(logger *zap.Logger, endpoint string, opts ...PodmanRuntimeOption) *PodmanRuntime {
	runtime := &PodmanRuntime{
		logger:    logger,
		binary:    "podman",
		endpoint:  endpoint,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

func (p *PodmanRuntime) command(args ...string) []string {
	cmd := []string{p.binary}
	if p.endpoint != "" {
		cmd = append(cmd, "--url", p.endpoint)
	}
	return append(cmd, args...)
}

// run executes a podman subcommand and returns its trimmed stdout
func (p *PodmanRuntime) run(ctx context.Context, input []byte, args ...string) (string, error) {
	cmd := p.command(args...)

	var (
		stdout, stderr string
		exitCode       int
		err            error
	)
	if input != nil {
		stdout, stderr, exitCode, err = p.cmdRunner.RunCommandWithInput(ctx, cmd, input)
	} else {
		stdout, stderr, exitCode, err = p.cmdRunner.RunCommand(ctx, cmd)
	}
	if err != nil {
		return "", WrapError(err, KindRuntimeUnavailable, "failed to run podman %s", args[0])
	}
	if exitCode != 0 {
		return "", &podmanError{args: args, exitCode: exitCode, stderr: strings.TrimSpace(stderr)}
	}
	return strings.TrimSpace(stdout), nil
}

// podmanError is a failed podman invocation
type podmanError struct {
	args     []string
	exitCode int
	stderr   string
}

func (e *podmanError) Error() string {
	return fmt.Sprintf("podman %s exited with code %d: %s", strings.Join(e.args, " "), e.exitCode, e.stderr)
}

func (e *podmanError) notFound() bool {
	msg := strings.ToLower(e.stderr)
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such volume") ||
		strings.Contains(msg, "no such object")
}

func (e *podmanError) unavailable() bool {
	msg := strings.ToLower(e.stderr)
	return strings.Contains(msg, "cannot connect to podman") ||
		strings.Contains(msg, "connection refused")
}

func isPodmanNotFound(err error) bool {
	pe, ok := err.(*podmanError)
	return ok && pe.notFound()
}

func (*PodmanRuntime) classify(err error, format string, args ...any) error {
	if KindOf(err) != KindInternal {
		return err
	}
	kind := KindRuntimeError
	if pe, ok := err.(*podmanError); ok && pe.unavailable() {
		kind = KindRuntimeUnavailable
	}
	return WrapError(err, kind, format, args...)
}

// Ping checks that podman can reach its engine
func (p *PodmanRuntime) Ping(ctx context.Context) error {
	if _, err := p.run(ctx, nil, "info", "--format", "{{.Version.Version}}"); err != nil {
		return p.classify(err, "failed to reach podman")
	}
	return nil
}

// podmanCreateArgs maps a ContainerSpec onto podman create flags
func podmanCreateArgs(spec ContainerSpec, pull bool) []string {
	args := []string{
		"create",
		"--name", spec.Name,
		"--interactive",
		"--workdir", spec.WorkingDir,
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if pull {
		args = append(args, "--pull", "missing")
	} else {
		args = append(args, "--pull", "never")
	}
	if spec.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	if spec.ReadOnly {
		args = append(args, "--read-only")
	}

	c := spec.Constraints
	if c.MemoryBytes > 0 {
		mem := strconv.FormatInt(c.MemoryBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if c.PidsLimit != nil {
		args = append(args, "--pids-limit", strconv.FormatInt(*c.PidsLimit, 10))
	}
	if c.CPUSeconds > 0 {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", c.CPUSeconds, c.CPUSeconds))
	}

	if spec.Volume != "" {
		args = append(args, "--mount", fmt.Sprintf("type=volume,source=%s,target=%s", spec.Volume, spec.WorkingDir))
	}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, spec.Image)
	return append(args, spec.Cmd...)
}

// CreateContainer creates a stopped container and returns its ID
func (p *PodmanRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	id, err := p.run(ctx, nil, podmanCreateArgs(spec, p.pullImages)...)
	if err != nil {
		return "", p.classify(err, "failed to create container %s", spec.Name)
	}
	return id, nil
}

// CopyToContainer streams the archive to podman cp
func (p *PodmanRuntime) CopyToContainer(ctx context.Context, id, dstPath string, archive []byte) error {
	if _, err := p.run(ctx, archive, "cp", "-", id+":"+dstPath); err != nil {
		return p.classify(err, "failed to copy files into container %s", id)
	}
	return nil
}

// StartContainer starts the container attached to its standard streams
func (p *PodmanRuntime) StartContainer(ctx context.Context, id string) (*Streams, error) {
	streams, err := p.cmdRunner.StartCommand(ctx, p.command("start", "--attach", "--interactive", id))
	if err != nil {
		return nil, WrapError(err, KindRuntimeUnavailable, "failed to start container %s", id)
	}
	return streams, nil
}

// WaitContainer waits for the container to exit, then inspects it for an
// OOM kill
func (p *PodmanRuntime) WaitContainer(ctx context.Context, id string) (ExitState, error) {
	out, err := p.run(ctx, nil, "wait", "--condition", "exited", id)
	if err != nil {
		return ExitState{}, p.classify(err, "failed to wait for container %s", id)
	}
	code, err := strconv.Atoi(lastLine(out))
	if err != nil {
		return ExitState{}, WrapError(err, KindRuntimeError, "unexpected podman wait output %q", out)
	}

	oom, err := p.run(ctx, nil, "inspect", "--format", "{{.State.OOMKilled}}", id)
	if err != nil {
		p.logger.Warn("Failed to inspect exited container", zap.String("container_id", id), zap.Error(err))
		return ExitState{ExitCode: code}, nil
	}
	return ExitState{ExitCode: code, OOMKilled: oom == "true"}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// KillContainer sends SIGKILL
func (p *PodmanRuntime) KillContainer(ctx context.Context, id string) error {
	if _, err := p.run(ctx, nil, "kill", "--signal", "KILL", id); err != nil {
		return p.classify(err, "failed to kill container %s", id)
	}
	return nil
}

// RemoveContainer force-removes the container with its anonymous volumes
func (p *PodmanRuntime) RemoveContainer(ctx context.Context, id string) error {
	if _, err := p.run(ctx, nil, "rm", "--force", "--volumes", id); err != nil {
		if isPodmanNotFound(err) {
			p.logger.Warn("Container already removed", zap.String("container_id", id))
			return nil
		}
		return p.classify(err, "failed to remove container %s", id)
	}
	return nil
}

// CreateVolume creates a named volume
func (p *PodmanRuntime) CreateVolume(ctx context.Context, name string) error {
	if _, err := p.run(ctx, nil, "volume", "create", "--label", "gradebox.workdir=true", name); err != nil {
		return p.classify(err, "failed to create volume %s", name)
	}
	return nil
}

// RemoveVolume deletes a named volume
func (p *PodmanRuntime) RemoveVolume(ctx context.Context, name string) error {
	if _, err := p.run(ctx, nil, "volume", "rm", "--force", name); err != nil {
		if isPodmanNotFound(err) {
			p.logger.Warn("Volume not found", zap.String("volume", name))
			return nil
		}
		return p.classify(err, "failed to remove volume %s", name)
	}
	return nil
}
