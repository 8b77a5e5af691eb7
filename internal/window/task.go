//go:build !windows
// +build !windows

package window

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/pty"
	"github.com/asheshgoplani/myscreen/internal/socket"
	"github.com/asheshgoplani/myscreen/internal/wire"
)

// Task is the runtime state of a window task: the PTY master, the listening
// socket and the child program. At most one client is served at a time.
type Task struct {
	spec     TaskSpec
	pty      *pty.Handle
	path     string
	listener *net.UnixListener
	cmd      *exec.Cmd

	// childExit delivers the child's exit once; nil after it has.
	childExit chan error
	childGone bool
}

// NewTask prepares a task that serves h. Start must be called before Run.
func NewTask(spec TaskSpec, h *pty.Handle) *Task {
	return &Task{spec: spec, pty: h}
}

// Start listens on the session socket, then launches the child program.
// Listening comes first: a client may try to connect as soon as the child
// is running.
func (t *Task) Start() error {
	t.path = socket.PathFor(t.spec.SocketBase, os.Getpid())
	l, err := socket.Listen(t.path)
	if err != nil {
		return err
	}
	t.listener = l

	cmd, err := pty.Launch(t.pty, t.spec.Termios, t.spec.Size, t.spec.Argv, t.spec.Shell)
	if err != nil {
		return err
	}
	t.cmd = cmd
	t.childExit = make(chan error, 1)
	go func() { t.childExit <- cmd.Wait() }()

	taskLog.Info("task_started",
		slog.String("window", t.spec.Name),
		slog.String("socket", t.path),
		slog.Int("child_pid", cmd.Process.Pid))
	return nil
}

// Close stops listening, removes the socket file and releases the PTY.
func (t *Task) Close() {
	if t.listener != nil {
		t.listener.Close()
	}
	if t.path != "" {
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			taskLog.Warn("task_socket_remove_failed", slog.String("error", err.Error()))
		}
	}
	if err := t.pty.Release(); err != nil {
		taskLog.Warn("task_pty_release_failed", slog.String("error", err.Error()))
	}
}

// Run forwards between the PTY and one client at a time until the child
// program is gone or ctx ends. A clean end returns nil; any other error is
// fatal for the task.
func (t *Task) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan []byte)
	ptyDone := make(chan error, 1)
	go readPTY(ctx, t.pty.Master, chunks, ptyDone)

	for {
		if t.childGone {
			// Nobody is attached to see output that may still be buffered.
			taskLog.Info("task_child_exited_idle", slog.String("window", t.spec.Name))
			return nil
		}

		conn, exit, err := t.waitClient(ctx, ptyDone)
		if exit || err != nil {
			return err
		}

		exit, err = t.serve(ctx, conn, chunks, ptyDone)
		if exit || err != nil {
			return err
		}
	}
}

type acceptResult struct {
	conn *net.UnixConn
	err  error
}

// waitClient blocks until a client connects. exit is true when the task
// should end instead.
func (t *Task) waitClient(ctx context.Context, ptyDone <-chan error) (*net.UnixConn, bool, error) {
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := socket.Accept(t.listener)
		accepted <- acceptResult{conn: conn, err: err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, true, nil
			}
			return nil, true, r.err
		}
		taskLog.Info("task_client_attached", slog.String("window", t.spec.Name))
		return r.conn, false, nil

	case err := <-t.childExit:
		t.noteChildExit(err)
		return nil, true, nil

	case err := <-ptyDone:
		return nil, true, ptyClosed(err)

	case <-ctx.Done():
		return nil, true, nil
	}
}

// serve forwards between the PTY and conn until the client detaches
// (exit false) or the task must end (exit true).
func (t *Task) serve(ctx context.Context, conn *net.UnixConn, chunks <-chan []byte, ptyDone <-chan error) (bool, error) {
	defer conn.Close()

	cmds := make(chan wire.Command)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go readCommands(bufio.NewReader(conn), cmds, readErr, stop)

	for {
		select {
		case chunk := <-chunks:
			if err := wire.Write(conn, chunk, "write pty output to client"); err != nil {
				if detaching(err) {
					t.detached("write")
					return false, nil
				}
				return true, err
			}
			logging.Aggregate(logging.CompTask, "pty_to_client_bytes", len(chunk))

		case err := <-ptyDone:
			return true, ptyClosed(err)

		case c := <-cmds:
			if err := t.handle(c); err != nil {
				return true, err
			}

		case err := <-readErr:
			if detaching(err) {
				t.detached("eof")
				return false, nil
			}
			return true, err

		case err := <-t.childExit:
			// Keep forwarding: output written before the exit is still in
			// the PTY and the read side reports the end.
			t.noteChildExit(err)

		case <-ctx.Done():
			return true, nil
		}
	}
}

// handle applies one client command to the PTY.
func (t *Task) handle(c wire.Command) error {
	switch c.Tag {
	case wire.TagChar:
		if err := wire.Write(t.pty.Master, []byte{c.Char}, "write char to pty"); err != nil {
			return err
		}
		logging.Aggregate(logging.CompTask, "client_to_pty_bytes", 1)
	case wire.TagWinch:
		if err := t.pty.SetSize(c.Rows, c.Cols); err != nil {
			return fault.New(fault.KindIO, "set pty window size", err)
		}
		taskLog.Debug("task_window_resized",
			slog.Int("rows", int(c.Rows)),
			slog.Int("cols", int(c.Cols)))
	}
	return nil
}

func (t *Task) detached(reason string) {
	taskLog.Info("task_client_detached",
		slog.String("window", t.spec.Name),
		slog.String("reason", reason))
}

func (t *Task) noteChildExit(err error) {
	t.childGone = true
	t.childExit = nil
	attrs := []any{slog.String("window", t.spec.Name)}
	if err != nil {
		attrs = append(attrs, slog.String("status", err.Error()))
	}
	taskLog.Info("task_child_exited", attrs...)
}

// readPTY reads the master in chunks of at most wire.MaxChunk bytes. The
// channel is unbuffered: one chunk is in flight at a time and nothing is
// kept for clients that are not attached.
func readPTY(ctx context.Context, master io.Reader, chunks chan<- []byte, done chan<- error) {
	for {
		buf := make([]byte, wire.MaxChunk)
		n, err := master.Read(buf)
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// readCommands decodes client commands until the first error.
func readCommands(r io.Reader, cmds chan<- wire.Command, errc chan<- error, stop <-chan struct{}) {
	for {
		c, err := wire.ReadCommand(r)
		if err != nil {
			errc <- err
			return
		}
		select {
		case cmds <- c:
		case <-stop:
			return
		}
	}
}

// ptyClosed maps the error that ended the PTY reader. EOF and EIO mean
// every slave descriptor is closed: the child program is gone.
func ptyClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		taskLog.Info("task_pty_closed")
		return nil
	}
	return fault.New(fault.KindIO, "read pty", err)
}

// detaching reports whether a socket error ends only the session. Anything
// fault.Fatal accepts ends the task.
func detaching(err error) bool {
	return !fault.Fatal(err) || clientGone(err)
}

// clientGone reports whether err means the client vanished without a
// clean close.
func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
