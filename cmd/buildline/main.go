// Command buildline serves build lineage and promotes builds between
// environments.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relicta-tech/buildline/internal/cli"
	buildversion "github.com/relicta-tech/buildline/internal/version"
)

// Version information set by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// forceExitAfter bounds how long a canceled command may take to stop.
var forceExitAfter = 30 * time.Second

func main() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	cli.SetVersionInfo(buildversion.Resolve(version), commit, date)
	code := run(context.Background(), signals, cli.ExecuteContext, cli.Cleanup, os.Stderr, os.Exit)
	os.Exit(code)
}

// run executes the command and maps its outcome to an exit code: 0 on
// success, 130 when canceled, 1 on error.
func run(
	parent context.Context,
	signals <-chan os.Signal,
	execute func(context.Context) error,
	cleanup func(),
	stderr io.Writer,
	exit func(int),
) int {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	if signals != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchSignals(signals, cancel, done, stderr, exit)
		}()
	}

	err := execute(ctx)
	close(done)
	wg.Wait()
	cleanup()

	switch {
	case err == nil:
		return 0
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "Operation canceled")
		return 130
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

// watchSignals cancels the command on the first signal. A second signal,
// or a command that does not stop in time, exits immediately.
func watchSignals(signals <-chan os.Signal, cancel context.CancelFunc, done <-chan struct{}, stderr io.Writer, exit func(int)) {
	select {
	case sig := <-signals:
		fmt.Fprintf(stderr, "\nReceived signal %v, shutting down...\n", sig)
		cancel()
	case <-done:
		return
	}

	timer := time.NewTimer(forceExitAfter)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		fmt.Fprintf(stderr, "Shutdown took longer than %v, forcing exit\n", forceExitAfter)
		exit(1)
	case sig := <-signals:
		fmt.Fprintf(stderr, "Received second signal %v, forcing exit\n", sig)
		exit(1)
	}
}
