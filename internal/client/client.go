// Package client runs the interactive side of a session: terminal input
// goes to the window task as wire commands, task output goes to the
// terminal, and the escape key detaches from or kills the window.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/muesli/cancelreader"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/registry"
	"github.com/asheshgoplani/myscreen/internal/tty"
	"github.com/asheshgoplani/myscreen/internal/wire"
)

var clientLog = logging.ForComponent(logging.CompClient)

// DefaultEscape is Ctrl-A.
const DefaultEscape byte = 1

// Escape commands, the byte typed after the escape key.
const (
	CmdDetach byte = 'd'
	CmdKill   byte = 'k'
)

// ErrDaemonClosed is returned when the window task closes the connection.
var ErrDaemonClosed = errors.New("daemon closed connection")

// Disposition tells the caller what to do with the window after Run.
type Disposition int

const (
	// Retain keeps the window in the registry; its task is still running.
	Retain Disposition = iota

	// Discard drops the window; its task was killed or is gone.
	Discard
)

func (d Disposition) String() string {
	switch d {
	case Retain:
		return "retain"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Killer terminates a window's task.
type Killer interface {
	Kill(w *registry.Window) error
}

// SizeFunc reports the terminal's current size.
type SizeFunc func() (rows, cols uint16, err error)

// Session is one attachment of a terminal to a window task.
type Session struct {
	// Conn is the session socket, closed when Run returns.
	Conn io.ReadWriteCloser

	// Input is the terminal in raw mode; Output is where task output goes.
	Input  io.Reader
	Output io.Writer

	Window *registry.Window
	Killer Killer

	// Escape is the command key (default Ctrl-A).
	Escape byte

	// Size is queried on entry and after every NotifyResize. Nil disables
	// window-change commands.
	Size SizeFunc

	// Diag prints detach and kill announcements. May be nil.
	Diag *tty.Diag

	resize chan struct{}
}

// New returns a session on conn for window w with the default escape key.
func New(conn io.ReadWriteCloser, w *registry.Window) *Session {
	return &Session{
		Conn:   conn,
		Window: w,
		Escape: DefaultEscape,
		resize: make(chan struct{}, 1),
	}
}

// NotifyResize tells the loop the terminal size changed. It never blocks
// and does no I/O, so it is safe to call from a signal-forwarding
// goroutine; notifications that arrive while one is pending coalesce.
func (s *Session) NotifyResize() {
	select {
	case s.resize <- struct{}{}:
	default:
	}
}

// Run bridges the terminal and the task until detach, kill, or failure.
// The connection is closed on return; restoring the terminal is the
// caller's job.
func (s *Session) Run(ctx context.Context) (Disposition, error) {
	if s.resize == nil {
		s.resize = make(chan struct{}, 1)
	}
	if s.Escape == 0 {
		s.Escape = DefaultEscape
	}

	input, err := cancelreader.NewReader(s.Input)
	if err != nil {
		s.Conn.Close()
		return Retain, fmt.Errorf("input reader: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	sockData := make(chan []byte)
	sockErr := make(chan error, 1)
	inData := make(chan []byte)
	inErr := make(chan error, 1)
	inDone := make(chan struct{})
	g.Go(func() error {
		pump(gctx, s.Conn, wire.MaxChunk, sockData, sockErr)
		return nil
	})
	go func() {
		defer close(inDone)
		pump(gctx, input, wire.MaxChunk, inData, inErr)
	}()

	defer func() {
		cancel()
		s.Conn.Close()
		_ = g.Wait()
		// Readers that cannot be cancelled are left blocked; the next
		// byte typed goes nowhere.
		if input.Cancel() {
			<-inDone
		}
		input.Close()
	}()

	return s.loop(ctx, sockData, sockErr, inData, inErr)
}

func (s *Session) loop(ctx context.Context, sockData <-chan []byte, sockErr <-chan error, inData <-chan []byte, inErr <-chan error) (Disposition, error) {
	// Match the PTY to this terminal before anything is drawn.
	if err := s.sendSize(); err != nil {
		return Discard, err
	}

	esc := escaper{key: s.Escape}
	for {
		select {
		case <-s.resize:
			if err := s.sendSize(); err != nil {
				return Discard, err
			}

		case chunk := <-sockData:
			if _, err := s.Output.Write(chunk); err != nil {
				// A hung-up terminal ends the session, not the window.
				return Retain, fault.New(fault.KindIO, "write terminal", err)
			}
			logging.Aggregate(logging.CompClient, "socket_to_terminal_bytes", len(chunk))

		case err := <-sockErr:
			if errors.Is(err, io.EOF) {
				clientLog.Info("client_daemon_closed", s.windowAttrs()...)
				return Discard, ErrDaemonClosed
			}
			return Discard, fault.New(fault.KindIO, "read socket", err)

		case in := <-inData:
			if disp, done, err := s.input(&esc, in); done {
				return disp, err
			}

		case err := <-inErr:
			// The terminal went away; the window lives on.
			clientLog.Info("client_input_closed", append(s.windowAttrs(), slog.String("reason", err.Error()))...)
			if errors.Is(err, io.EOF) || errors.Is(err, cancelreader.ErrCanceled) {
				return Retain, nil
			}
			return Retain, fault.New(fault.KindIO, "read terminal", err)

		case <-ctx.Done():
			return Retain, ctx.Err()
		}
	}
}

// input handles one chunk of terminal input byte by byte. done is true when
// an escape command ended the session.
func (s *Session) input(esc *escaper, in []byte) (Disposition, bool, error) {
	out := make([]byte, 0, 2*len(in))
	flush := func() error {
		if len(out) == 0 {
			return nil
		}
		err := wire.Write(s.Conn, out, "send input")
		out = out[:0]
		return err
	}

	for _, b := range in {
		switch esc.feed(b) {
		case actForward:
			out = append(out, wire.CharCommand(b)...)
		case actDetach:
			if err := flush(); err != nil {
				return Discard, true, err
			}
			s.announce("Detach from window")
			clientLog.Info("client_detach", s.windowAttrs()...)
			return Retain, true, nil
		case actKill:
			if err := flush(); err != nil {
				return Discard, true, err
			}
			if s.Killer != nil {
				if err := s.Killer.Kill(s.Window); err != nil {
					return Retain, true, fmt.Errorf("kill window: %w", err)
				}
			}
			s.announce("Kill window")
			clientLog.Info("client_kill", s.windowAttrs()...)
			return Discard, true, nil
		}
	}
	if err := flush(); err != nil {
		return Discard, true, err
	}
	logging.Aggregate(logging.CompClient, "terminal_to_socket_bytes", len(in))
	return Retain, false, nil
}

func (s *Session) sendSize() error {
	if s.Size == nil {
		return nil
	}
	rows, cols, err := s.Size()
	if err != nil {
		clientLog.Warn("client_size_failed", slog.String("error", err.Error()))
		return nil
	}
	return wire.Write(s.Conn, wire.WinchCommand(rows, cols), "send window size")
}

func (s *Session) announce(what string) {
	if s.Diag == nil || s.Window == nil {
		return
	}
	s.Diag.Printf("%s %s: pid %d", what, s.Window.Name, s.Window.PID)
}

func (s *Session) windowAttrs() []any {
	if s.Window == nil {
		return nil
	}
	return []any{slog.String("window", s.Window.Name), slog.Int("pid", s.Window.PID)}
}

// pump reads r in chunks of at most size bytes and hands them to data
// until the first error, which goes to errc.
func pump(ctx context.Context, r io.Reader, size int, data chan<- []byte, errc chan<- error) {
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case data <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}
