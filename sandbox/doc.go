// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in short-lived containers. A Registry maps profile names to images
// and default limits; the Engine turns a request into a container
// lifecycle (create, start with stdin, watch the wall-time deadline, collect
// capped output, destroy) on a ContainerRuntime. Docker is driven through
// the Engine API and Podman through its CLI.
//
// Usage:
//
//	registry, _ := sandbox.NewRegistry([]sandbox.Profile{
//	    {Name: "python", Image: "python:3.12-slim"},
//	}, "")
//	runtime, _ := sandbox.NewDockerRuntime(logger, "")
//	engine := sandbox.NewEngine(logger, registry, runtime)
//
//	result, err := engine.Run(ctx, sandbox.RunRequest{
//	    Profile: "python",
//	    Command: "python3 main.py",
//	    Files:   []sandbox.FileSpec{{Name: "main.py", Content: []byte("print(42)")}},
//	    Limits:  &sandbox.Limits{CPUTimeSeconds: sandbox.Int(1), MemoryMB: sandbox.Int(64)},
//	})
//
// Working directories let consecutive sandboxes share files:
//
//	err := sandbox.WithWorkingDirectory(ctx, engine, func(ctx context.Context, wd *sandbox.WorkingDirectory) error {
//	    if _, err := engine.Run(ctx, sandbox.RunRequest{Profile: "gcc", Command: "gcc -o app main.c", Files: files, Workdir: wd}); err != nil {
//	        return err
//	    }
//	    _, err := engine.Run(ctx, sandbox.RunRequest{Profile: "gcc", Command: "./app", Workdir: wd})
//	    return err
//	})
//
// Exceeding a limit is not an error: it is reported through the Timeout and
// OOMKilled fields of ExecutionResult.
package sandbox
