//go:build !windows
// +build !windows

package window

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/pty"
)

// IsTask reports whether this process was started as a window task.
func IsTask() bool {
	_, ok := os.LookupEnv(EnvTask)
	return ok
}

// TaskMain runs the window task described by the environment and exits
// the process: 0 when the child program ended, non-zero on a fatal error.
// It never returns.
func TaskMain() {
	os.Exit(runTask())
}

func runTask() int {
	raw := os.Getenv(EnvTask)
	// The child program must not think it is a task.
	os.Unsetenv(EnvTask)

	var spec TaskSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "myscreen: window task: bad spec: %v\n", err)
		return 2
	}

	logging.Init(spec.Log)
	defer logging.Shutdown()

	h, err := pty.Adopt(masterFD, spec.Slave)
	if err != nil {
		return fail(spec, err)
	}
	t := NewTask(spec, h)
	defer t.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer stop()

	if err := t.Start(); err != nil {
		return fail(spec, err)
	}
	if err := t.Run(ctx); err != nil {
		return fail(spec, err)
	}
	taskLog.Info("task_exit", slog.String("window", spec.Name))
	return 0
}

// fail logs a fatal task error, dumps recent log lines next to the log and
// returns the exit status.
func fail(spec TaskSpec, err error) int {
	taskLog.Error("task_failed",
		slog.String("window", spec.Name),
		slog.String("kind", fault.KindOf(err).String()),
		slog.String("error", err.Error()))
	fmt.Fprintf(os.Stderr, "myscreen: window %s: %v\n", spec.Name, err)

	if spec.CrashDir != "" {
		path := filepath.Join(spec.CrashDir, fmt.Sprintf("crash-%d.log", os.Getpid()))
		if mkErr := os.MkdirAll(spec.CrashDir, 0o700); mkErr == nil {
			_ = logging.DumpRingBuffer(path)
		}
	}
	return 1
}
