//go:build !windows
// +build !windows

// Package pty allocates pseudo-terminals and starts programs on them.
//
// A Handle is owned by exactly one process at a time. The driver acquires
// it and passes the master descriptor to the window task, which adopts it,
// launches the child program on the slave and keeps the master for the
// lifetime of the window.
package pty

import (
	"log/slog"
	"os"

	cpty "github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
)

var ptyLog = logging.ForComponent(logging.CompPTY)

// Winsize is the PTY window size (rows, columns, pixels).
type Winsize = cpty.Winsize

// Handle is an allocated PTY: the master descriptor and the slave's
// device path.
type Handle struct {
	Master    *os.File
	SlavePath string
}

// Acquire opens a new master/slave pair. The slave is closed again right
// away; Launch reopens it by path in the process that starts the child.
// Failure is a fault.KindResource error.
func Acquire() (*Handle, error) {
	master, slave, err := cpty.Open()
	if err != nil {
		return nil, fault.New(fault.KindResource, "allocate pty", err)
	}
	path := slave.Name()
	if err := slave.Close(); err != nil {
		master.Close()
		return nil, fault.New(fault.KindResource, "close pty slave", err)
	}
	ptyLog.Debug("pty_acquired", slog.String("slave", path))
	return &Handle{Master: master, SlavePath: path}, nil
}

// Adopt wraps a master descriptor inherited from another process. The
// descriptor is marked close-on-exec, so the child program does not inherit
// it, and switched to non-blocking mode so reads go through the runtime
// poller and Release unblocks them.
func Adopt(fd uintptr, slavePath string) (*Handle, error) {
	unix.CloseOnExec(int(fd))
	if err := unix.SetNonblock(int(fd), true); err != nil {
		return nil, fault.New(fault.KindResource, "adopt pty master", err)
	}
	return &Handle{Master: os.NewFile(fd, "/dev/ptmx"), SlavePath: slavePath}, nil
}

// Release closes the master. It is a no-op on a nil handle.
func (h *Handle) Release() error {
	if h == nil || h.Master == nil {
		return nil
	}
	err := h.Master.Close()
	h.Master = nil
	return err
}

// SetSize applies a window size to the PTY.
func (h *Handle) SetSize(rows, cols uint16) error {
	// Fd() would put the master back into blocking mode; go through the
	// raw conn instead.
	rc, err := h.Master.SyscallConn()
	if err != nil {
		return err
	}
	var ioctlErr error
	err = rc.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
	})
	if err != nil {
		return err
	}
	return ioctlErr
}

// Size returns the PTY's current window size.
func (h *Handle) Size() (*Winsize, error) {
	rc, err := h.Master.SyscallConn()
	if err != nil {
		return nil, err
	}
	var ws *unix.Winsize
	var ioctlErr error
	err = rc.Control(func(fd uintptr) {
		ws, ioctlErr = unix.IoctlGetWinsize(int(fd), unix.TIOCGWINSZ)
	})
	if err != nil {
		return nil, err
	}
	if ioctlErr != nil {
		return nil, ioctlErr
	}
	return &Winsize{Rows: ws.Row, Cols: ws.Col, X: ws.Xpixel, Y: ws.Ypixel}, nil
}

// GetSize returns the window size of the terminal open as f.
func GetSize(f *os.File) (*Winsize, error) {
	return cpty.GetsizeFull(f)
}
