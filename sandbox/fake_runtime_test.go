package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeRuntime is an in-memory ContainerRuntime. Containers run a tiny
// command language instead of a shell:
//
//	echo TEXT         print TEXT and a newline
//	err TEXT          print TEXT to stderr
//	cat [FILE]        copy stdin, or FILE from the working directory
//	write FILE TEXT   write TEXT to FILE in the working directory
//	python3 FILE      run print(...) statements from FILE
//	sleep SECONDS     sleep, interrupted by kill
//	alloc MB          allocate MB, OOM killed beyond the memory limit
//	spin              burn CPU until the CPU-time ulimit fires
//	flood BYTES       print BYTES bytes
//	exit CODE         stop with CODE
//	true              do nothing
//
// Commands are joined with " && ".
type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	volumes    map[string]map[string][]byte

	created        []string
	removed        []string
	specs          []ContainerSpec
	volumesMade    []string
	volumesRemoved []string

	pingErr         error
	createErr       error
	startErr        error
	createVolumeErr error
	removeVolumeErr error

	closed int
}

type fakeContainer struct {
	id    string
	spec  ContainerSpec
	files map[string][]byte

	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	exit     ExitState
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		volumes:    make(map[string]map[string][]byte),
	}
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRuntime) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}
	if spec.Volume != "" {
		if _, ok := f.volumes[spec.Volume]; !ok {
			return "", NewError(KindRuntimeError, "no such volume: %s", spec.Volume)
		}
	}

	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		id:     id,
		spec:   spec,
		files:  make(map[string][]byte),
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	f.created = append(f.created, id)
	f.specs = append(f.specs, spec)
	return id, nil
}

// fileStore returns the map backing the container's working directory
func (f *fakeRuntime) fileStore(c *fakeContainer) map[string][]byte {
	if c.spec.Volume != "" {
		return f.volumes[c.spec.Volume]
	}
	return c.files
}

func (f *fakeRuntime) CopyToContainer(_ context.Context, id, dstPath string, archive []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return NewError(KindRuntimeError, "no such container: %s", id)
	}
	if dstPath != c.spec.WorkingDir {
		return fmt.Errorf("unexpected destination %s", dstPath)
	}

	store := f.fileStore(c)
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		store[path.Clean(hdr.Name)] = content
	}
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) (*Streams, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	startErr := f.startErr
	f.mu.Unlock()

	if !ok {
		return nil, NewError(KindRuntimeError, "no such container: %s", id)
	}
	if startErr != nil {
		return nil, startErr
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		exit := f.execute(c, stdinR, stdoutW, stderrW)
		f.mu.Lock()
		c.exit = exit
		f.mu.Unlock()
		stdinR.CloseWithError(io.ErrClosedPipe)
		stdoutW.Close()
		stderrW.Close()
		close(c.done)
	}()

	return NewStreams(stdinW, stdoutR, stderrR, nil), nil
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (ExitState, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return ExitState{}, NewError(KindRuntimeError, "no such container: %s", id)
	}

	select {
	case <-c.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return c.exit, nil
	case <-ctx.Done():
		return ExitState{}, ctx.Err()
	}
}

func (f *fakeRuntime) KillContainer(_ context.Context, id string) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return NewError(KindRuntimeError, "no such container: %s", id)
	}
	select {
	case <-c.done:
		return NewError(KindRuntimeError, "container %s is not running", id)
	default:
	}
	c.killOnce.Do(func() { close(c.killed) })
	return nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	if ok {
		delete(f.containers, id)
		f.removed = append(f.removed, id)
	}
	f.mu.Unlock()

	if ok {
		c.killOnce.Do(func() { close(c.killed) })
	}
	return nil
}

func (f *fakeRuntime) CreateVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createVolumeErr != nil {
		return f.createVolumeErr
	}
	f.volumes[name] = make(map[string][]byte)
	f.volumesMade = append(f.volumesMade, name)
	return nil
}

func (f *fakeRuntime) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeVolumeErr != nil {
		return f.removeVolumeErr
	}
	delete(f.volumes, name)
	f.volumesRemoved = append(f.volumesRemoved, name)
	return nil
}

func (f *fakeRuntime) counts() (created, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.removed)
}

func (f *fakeRuntime) liveVolumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

func (f *fakeRuntime) lastSpec() ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

var (
	errKilled = errors.New("killed")
	errOOM    = errors.New("out of memory")
)

func (f *fakeRuntime) execute(c *fakeContainer, stdin io.Reader, stdout, stderr io.Writer) ExitState {
	script := ""
	if len(c.spec.Cmd) == 3 && c.spec.Cmd[0] == "/bin/sh" && c.spec.Cmd[1] == "-c" {
		script = c.spec.Cmd[2]
	}

	for _, command := range strings.Split(script, " && ") {
		code, err := f.step(c, strings.TrimSpace(command), stdin, stdout, stderr)
		switch {
		case errors.Is(err, errKilled):
			return ExitState{ExitCode: exitCodeSIGKILL}
		case errors.Is(err, errOOM):
			return ExitState{ExitCode: exitCodeSIGKILL, OOMKilled: true}
		}
		if code != 0 {
			return ExitState{ExitCode: code}
		}
	}
	return ExitState{}
}

func (f *fakeRuntime) step(c *fakeContainer, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	name, arg, _ := strings.Cut(command, " ")
	switch name {
	case "", "true":
		return 0, nil
	case "echo":
		fmt.Fprintln(stdout, arg)
		return 0, nil
	case "err":
		fmt.Fprintln(stderr, arg)
		return 0, nil
	case "cat":
		if arg == "" {
			_, _ = io.Copy(stdout, stdin)
			return 0, nil
		}
		content, ok := f.readFile(c, arg)
		if !ok {
			fmt.Fprintf(stderr, "cat: %s: No such file or directory\n", arg)
			return 1, nil
		}
		_, _ = stdout.Write(content)
		return 0, nil
	case "write":
		file, text, _ := strings.Cut(arg, " ")
		f.mu.Lock()
		if store := f.fileStore(c); store != nil {
			store[file] = []byte(text)
		}
		f.mu.Unlock()
		return 0, nil
	case "python3":
		content, ok := f.readFile(c, arg)
		if !ok {
			fmt.Fprintf(stderr, "python3: can't open file '%s'\n", arg)
			return 2, nil
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "print(") && strings.HasSuffix(line, ")") {
				fmt.Fprintln(stdout, strings.TrimSuffix(strings.TrimPrefix(line, "print("), ")"))
			}
		}
		return 0, nil
	case "sleep":
		secs, _ := strconv.ParseFloat(arg, 64)
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			return 0, nil
		case <-c.killed:
			return 0, errKilled
		}
	case "alloc":
		mb, _ := strconv.ParseInt(arg, 10, 64)
		limit := c.spec.Constraints.MemoryBytes
		if limit > 0 && mb*1024*1024 > limit {
			return 0, errOOM
		}
		return 0, nil
	case "spin":
		if c.spec.Constraints.CPUSeconds > 0 {
			return 0, errKilled
		}
		<-c.killed
		return 0, errKilled
	case "flood":
		n, _ := strconv.Atoi(arg)
		_, _ = stdout.Write(bytes.Repeat([]byte("x"), n))
		return 0, nil
	case "exit":
		code, _ := strconv.Atoi(arg)
		return code, nil
	default:
		fmt.Fprintf(stderr, "sh: %s: not found\n", name)
		return 127, nil
	}
}

func (f *fakeRuntime) readFile(c *fakeContainer, name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.fileStore(c)[path.Clean(name)]
	return content, ok
}
