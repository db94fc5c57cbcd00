// Package main is the gradebox command-line client.
//
// It runs one command in a sandbox, either on the local container runtime or
// through remote workers with --remote, and lists the configured profiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Interrupting a run still destroys its sandbox
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(defaultExecutorFactory).ExecuteContext(ctx)
	stop()

	if err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
