/*
Copyright © 2025 Kyle McAllister (xkilldash9x@proton.me)
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/stepwise/cmd"
	"github.com/xkilldash9x/stepwise/internal/observability"
)

const panicLogName = "panic.log"

var (
	osWriteFile = os.WriteFile
	osMkdirAll  = os.MkdirAll
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
			return
		}
		osExit(1)
	}
}

// handlePanic records a crash to ~/.stepwise/panic.log before exiting.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	path, err := panicLogPath()
	if err == nil {
		err = osWriteFile(path, []byte(msg), 0o644)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", msg)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "stepwise crashed. Details logged to %s\n", path)
	osExit(2)
}

func panicLogPath() (string, error) {
	dir, err := homedir.Expand("~/.stepwise")
	if err != nil {
		return "", err
	}
	if err := osMkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, panicLogName), nil
}
