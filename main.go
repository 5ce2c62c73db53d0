// ./main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/warden/cmd"
	"github.com/xkilldash9x/warden/internal/observability"
)

// Exit codes follow the usual scanner convention.
const (
	exitClean   = 0
	exitThreats = 1
	exitError   = 2
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

// main is the entry point for the warden CLI.
func main() {
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := exitCode(cmd.Execute(ctx))
	stop()
	osExit(code)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var threats *cmd.ThreatsFoundError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitClean
	case errors.As(err, &threats):
		return exitThreats
	default:
		return exitError
	}
}

// handlePanic flushes the logger and reports the stack before exiting.
func handlePanic() {
	if r := recover(); r != nil {
		observability.Sync()
		fmt.Fprintf(os.Stderr, "panic: %v\n\n%s\n", r, debug.Stack())
		osExit(exitError)
	}
}
