//go:build !windows
// +build !windows

// Package window runs window tasks: background processes that own a PTY,
// serve it on a session socket and forward bytes between the PTY and at
// most one attached client.
//
// A task is started by re-executing the current binary with EnvTask set to
// a JSON TaskSpec and the PTY master passed as descriptor 3. The binary's
// main must call TaskMain first thing when IsTask reports true.
package window

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/pty"
	"github.com/asheshgoplani/myscreen/internal/registry"
	"github.com/asheshgoplani/myscreen/internal/socket"
)

var taskLog = logging.ForComponent(logging.CompTask)

// EnvTask marks a process as a window task and carries its TaskSpec.
const EnvTask = "MYSCREEN_WINDOW_TASK"

// masterFD is where the task finds the PTY master (first ExtraFiles entry).
const masterFD = 3

// TaskSpec is everything a window task needs from the driver.
type TaskSpec struct {
	// Name of the window, for logs.
	Name string `json:"name"`

	// SocketBase is combined with the task's pid into the socket path.
	SocketBase string `json:"socket_base"`

	// Slave is the PTY slave path the child program runs on.
	Slave string `json:"slave"`

	// Argv is the program to run; empty runs a shell.
	Argv  []string `json:"argv,omitempty"`
	Shell string   `json:"shell,omitempty"`

	// Termios and Size are the driver terminal's settings, applied to the
	// slave before the child starts. Nil when the driver has no terminal.
	Termios *unix.Termios `json:"termios,omitempty"`
	Size    *pty.Winsize  `json:"size,omitempty"`

	// Log configures the task's own log file.
	Log logging.Config `json:"log"`

	// CrashDir receives crash-<pid>.log when the task dies on a fatal
	// error. Empty disables crash dumps.
	CrashDir string `json:"crash_dir,omitempty"`
}

// SpawnOptions tunes how the task process is started.
type SpawnOptions struct {
	// Executable to re-execute (default os.Executable()).
	Executable string

	// Args are passed to the executable.
	Args []string

	// Stderr receives the task's standard error before it has a log.
	// Default /dev/null.
	Stderr io.Writer
}

// Start spawns a window task for spec on h and returns its registry record
// and process. The driver's copy of the master is released: the task is its
// sole owner from here on.
func Start(h *pty.Handle, spec TaskSpec, opts SpawnOptions) (*registry.Window, *Process, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get executable path: %w", err)
		}
	}
	spec.Slave = h.SlavePath
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("encode task spec: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, opts.Args...)
	cmd.Env = append(os.Environ(), EnvTask+"="+string(payload))
	cmd.ExtraFiles = []*os.File{h.Master}
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	// New session: the task must outlive the driver's terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start window task: %w", err)
	}
	_ = h.Release()

	pid := cmd.Process.Pid
	w := &registry.Window{
		Name:   spec.Name,
		Device: spec.Slave,
		Socket: socket.PathFor(spec.SocketBase, pid),
		PID:    pid,
	}
	taskLog.Info("task_spawned",
		slog.String("window", w.Name),
		slog.Int("pid", pid),
		slog.String("socket", w.Socket))
	return w, newProcess(cmd), nil
}

// Process is a window task started by this process. It reaps the task
// when it exits so kill leaves no zombie behind.
type Process struct {
	pid   int
	done  chan struct{}
	state *os.ProcessState
	err   error
}

func newProcess(cmd *exec.Cmd) *Process {
	p := &Process{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = cmd.Wait()
		p.state = cmd.ProcessState
	}()
	return p
}

// PID returns the task's process id.
func (p *Process) PID() int { return p.pid }

// Done is closed once the task has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the task's exit code, or -1 while it runs or when it
// was killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		if p.state == nil {
			return -1
		}
		return p.state.ExitCode()
	default:
		return -1
	}
}

// reapTimeout bounds how long Kill waits for the task to be reaped.
const reapTimeout = 5 * time.Second

// Kill sends SIGKILL to the task behind w and waits until it is reaped.
func (p *Process) Kill(w *registry.Window) error {
	if w != nil && w.PID != p.pid {
		return Kill(w)
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill window task %d: %w", p.pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("window task %d not reaped after %s", p.pid, reapTimeout)
	}
}

// Kill sends SIGKILL to the task behind w. The task gets no chance to clean
// up; its socket file is left for the next Listen on that path to remove.
func Kill(w *registry.Window) error {
	if err := unix.Kill(w.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill window task %d: %w", w.PID, err)
	}
	return nil
}

// Killer kills windows that are not children of this process.
type Killer struct{}

// Kill implements client.Killer.
func (Killer) Kill(w *registry.Window) error { return Kill(w) }
