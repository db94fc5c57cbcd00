package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/logger"
	"github.com/isdmx/gradebox/rpc"
	"github.com/isdmx/gradebox/sandbox"
)

// exitCodeError carries the sandboxed command's exit status to main
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Exit status when the command was killed without an exit code
const exitCodeKilled = 124

// executorFactory builds the executor for a command and a function
// releasing it
type executorFactory func(ctx context.Context, cfg *config.Config, log *zap.Logger, remote bool) (sandbox.Executor, func(), error)

func defaultExecutorFactory(ctx context.Context, cfg *config.Config, log *zap.Logger, remote bool) (sandbox.Executor, func(), error) {
	if remote {
		broker, err := rpc.NewBrokerFromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return rpc.NewClientFromConfig(log, cfg, broker), func() { _ = broker.Close() }, nil
	}

	registry, err := sandbox.NewRegistryFromConfig(cfg, sandbox.OSFileReader{})
	if err != nil {
		return nil, nil, err
	}
	runtime, err := sandbox.NewRuntimeFromConfig(log, cfg)
	if err != nil {
		return nil, nil, err
	}
	engine := sandbox.NewEngine(log, registry, runtime, sandbox.EngineOptionsFromConfig(cfg)...)
	release := func() {
		engine.Shutdown(context.WithoutCancel(ctx))
		_ = engine.Close()
	}
	return engine, release, nil
}

type rootOptions struct {
	configPath string
	remote     bool
	verbose    bool
}

func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	log, err := logger.New("development", level, "stderr")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, log, nil
}

func newRootCmd(factory executorFactory) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gradebox",
		Short: "gradebox - run untrusted commands in sandboxes",
		Long: `gradebox runs commands in short-lived containers with CPU, wall-clock,
memory and process limits, either on the local container runtime or on
remote workers reached through the broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: ./config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.remote, "remote", false, "Send the work to remote workers over the broker")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(opts, factory))
	cmd.AddCommand(newProfilesCmd(opts))

	return cmd
}

type runOptions struct {
	files    []string
	stdin    string
	cputime  int
	realtime int
	memory   int
	numprocs int
	json     bool
}

func newRunCmd(root *rootOptions, factory executorFactory) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run PROFILE -- COMMAND...",
		Short: "Run a command in a sandbox",
		Long: `Run a command in a fresh sandbox of the given profile.

Files are copied into the working directory first: --file main.py copies
./main.py, --file src/app.py=/tmp/app.py copies /tmp/app.py to src/app.py.
The process exits with the command's exit status, or 124 when it was killed
for exceeding its limits.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := sandbox.RunRequest{
				Profile: args[0],
				Command: strings.Join(args[1:], " "),
			}

			files, err := readFiles(opts.files)
			if err != nil {
				return err
			}
			req.Files = files

			if opts.stdin != "" {
				req.Stdin, err = readInput(cmd.InOrStdin(), opts.stdin)
				if err != nil {
					return err
				}
			}

			req.Limits = limitsFromFlags(cmd, opts)

			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			executor, release, err := factory(ctx, cfg, log, root.remote)
			if err != nil {
				return err
			}
			defer release()

			result, err := executor.Run(ctx, req)
			if err != nil {
				return err
			}
			return writeResult(cmd, result, opts.json)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.files, "file", "f", nil, "File to copy in, as PATH or NAME=PATH (repeatable)")
	cmd.Flags().StringVar(&opts.stdin, "stdin", "", "File to feed on standard input, - for this process's stdin")
	cmd.Flags().IntVar(&opts.cputime, "cputime", 0, "CPU time limit in seconds, -1 for none")
	cmd.Flags().IntVar(&opts.realtime, "realtime", 0, "Wall-clock limit in seconds, -1 for none")
	cmd.Flags().IntVar(&opts.memory, "memory", 0, "Memory limit in MB, -1 for none")
	cmd.Flags().IntVar(&opts.numprocs, "numprocs", 0, "Process limit, -1 for none")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the result as JSON")

	return cmd
}

func newProfilesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured execution profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			registry, err := sandbox.NewRegistryFromConfig(cfg, sandbox.OSFileReader{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range registry.Names() {
				p, err := registry.Resolve(name)
				if err != nil {
					return err
				}
				command := p.Command
				if command == "" {
					command = sandbox.DefaultCommand
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", p.Name, p.Image, command)
			}
			return nil
		},
	}
}

// readFiles reads PATH or NAME=PATH arguments
func readFiles(args []string) ([]sandbox.FileSpec, error) {
	files := make([]sandbox.FileSpec, 0, len(args))
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok {
			path = arg
			name = filepath.ToSlash(filepath.Clean(arg))
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = append(files, sandbox.FileSpec{Name: name, Content: content})
	}
	return files, nil
}

func readInput(stdin io.Reader, source string) ([]byte, error) {
	if source == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin file: %w", err)
	}
	return data, nil
}

// limitsFromFlags sets only the limits given on the command line, so the
// rest inherit from the profile and the defaults
func limitsFromFlags(cmd *cobra.Command, opts *runOptions) *sandbox.Limits {
	var limits sandbox.Limits
	set := false
	for flag, field := range map[string]struct {
		value int
		dst   **int
	}{
		"cputime":  {opts.cputime, &limits.CPUTimeSeconds},
		"realtime": {opts.realtime, &limits.WallTimeSeconds},
		"memory":   {opts.memory, &limits.MemoryMB},
		"numprocs": {opts.numprocs, &limits.MaxProcesses},
	} {
		if cmd.Flags().Changed(flag) {
			*field.dst = sandbox.Int(field.value)
			set = true
		}
	}
	if !set {
		return nil
	}
	return &limits
}

func writeResult(cmd *cobra.Command, result sandbox.ExecutionResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Stdout    string  `json:"stdout"`
			Stderr    string  `json:"stderr"`
			ExitCode  *int    `json:"exit_code"`
			Timeout   bool    `json:"timeout"`
			OOMKilled bool    `json:"oom_killed"`
			Duration  float64 `json:"duration"`
		}{
			Stdout:    string(result.Stdout),
			Stderr:    string(result.Stderr),
			ExitCode:  result.ExitCode,
			Timeout:   result.Timeout,
			OOMKilled: result.OOMKilled,
			Duration:  result.DurationSeconds,
		}); err != nil {
			return err
		}
	} else {
		_, _ = cmd.OutOrStdout().Write(result.Stdout)
		_, _ = cmd.ErrOrStderr().Write(result.Stderr)
		switch {
		case result.Timeout:
			fmt.Fprintln(cmd.ErrOrStderr(), "gradebox: time limit exceeded")
		case result.OOMKilled:
			fmt.Fprintln(cmd.ErrOrStderr(), "gradebox: memory limit exceeded")
		}
	}

	switch {
	case result.ExitCode == nil:
		return &exitCodeError{code: exitCodeKilled}
	case *result.ExitCode != 0:
		return &exitCodeError{code: *result.ExitCode}
	}
	return nil
}
