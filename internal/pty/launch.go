//go:build !windows
// +build !windows

package pty

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	cpty "github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/asheshgoplani/myscreen/internal/fault"
)

// DefaultShell runs when no program is given, $SHELL is unset and the
// caller passes no shell of its own.
const DefaultShell = "bash"

// Launch starts argv on the handle's slave and returns without waiting.
//
// The child runs in a new session with the slave as its controlling
// terminal and as stdin, stdout and stderr. attrs and size, when non-nil,
// are applied to the slave first. An empty argv runs an interactive shell:
// $SHELL, else shell, else DefaultShell.
//
// On failure a diagnostic is written to the slave when it could be opened,
// so whoever attaches later sees why the window is empty.
func Launch(h *Handle, attrs *unix.Termios, size *Winsize, argv []string, shell string) (*exec.Cmd, error) {
	slave, err := os.OpenFile(h.SlavePath, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fault.New(fault.KindResource, "open pty slave "+h.SlavePath, err)
	}
	// The child has its own copies via fd 0/1/2.
	defer slave.Close()

	if attrs != nil {
		if err := SetTermios(int(slave.Fd()), attrs); err != nil {
			report(slave, "set terminal attributes: %v", err)
			return nil, fault.New(fault.KindIO, "set terminal attributes", err)
		}
	}
	if size != nil {
		if err := cpty.Setsize(slave, size); err != nil {
			report(slave, "set window size: %v", err)
			return nil, fault.New(fault.KindIO, "set window size", err)
		}
	}

	argv = Command(argv, shell)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave
	}

	if err := cmd.Start(); err != nil {
		report(slave, "exec %s: %v", argv[0], err)
		return nil, fault.New(fault.KindIO, "exec "+argv[0], err)
	}
	ptyLog.Info("pty_child_started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("argv0", argv[0]),
		slog.String("slave", h.SlavePath))
	return cmd, nil
}

// Command returns argv, or the shell to run when argv is empty.
func Command(argv []string, shell string) []string {
	if len(argv) > 0 {
		return argv
	}
	if env := os.Getenv("SHELL"); env != "" {
		return []string{env}
	}
	if shell != "" {
		return []string{shell}
	}
	return []string{DefaultShell}
}

func report(slave *os.File, format string, args ...any) {
	fmt.Fprintf(slave, "myscreen: "+format+"\r\n", args...)
}
