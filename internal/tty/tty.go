// Package tty wraps the controlling terminal: raw mode, window size and
// diagnostics that stay readable in either mode.
package tty

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNotATerminal is returned when raw mode is requested on a descriptor
// that is not a terminal.
var ErrNotATerminal = errors.New("not a terminal")

// Guard holds the terminal state saved before entering raw mode. Restore
// may be called from any exit path, including a signal handler goroutine;
// only the first call has an effect.
type Guard struct {
	fd    int
	state *term.State
	once  sync.Once
}

// MakeRaw puts fd into raw mode and returns a Guard that restores it.
func MakeRaw(fd int) (*Guard, error) {
	if !term.IsTerminal(fd) {
		return nil, ErrNotATerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to set raw mode: %w", err)
	}
	return &Guard{fd: fd, state: state}, nil
}

// Restore puts the terminal back the way MakeRaw found it. Nil-safe.
func (g *Guard) Restore() error {
	if g == nil {
		return nil
	}
	var err error
	g.once.Do(func() {
		err = term.Restore(g.fd, g.state)
	})
	return err
}

// IsTerminal reports whether fd is a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Size returns the rows and columns of the terminal at fd.
func Size(fd int) (rows, cols uint16, err error) {
	width, height, err := term.GetSize(fd)
	if err != nil {
		return 0, 0, err
	}
	return uint16(height), uint16(width), nil
}

// Mode selects the line ending of diagnostics.
type Mode int

const (
	// Normal ends lines with "\n"; used before raw mode.
	Normal Mode = iota

	// Raw ends lines with "\r\n" since raw mode turns off output
	// newline translation.
	Raw
)

// Diag writes user-facing diagnostics with the line ending of the
// terminal's current mode.
type Diag struct {
	mu     sync.Mutex
	w      io.Writer
	mode   Mode
	prefix string
}

// NewDiag returns a Diag in Normal mode. prefix, when set, starts every
// error line ("myscreen: ").
func NewDiag(w io.Writer, prefix string) *Diag {
	return &Diag{w: w, prefix: prefix}
}

// SetMode switches the line ending for later diagnostics.
func (d *Diag) SetMode(m Mode) {
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
}

// Printf writes one line.
func (d *Diag) Printf(format string, args ...any) {
	d.write(fmt.Sprintf(format, args...))
}

// Error writes err as one prefixed line.
func (d *Diag) Error(err error) {
	d.write(d.prefix + err.Error())
}

// Errorf writes one prefixed line.
func (d *Diag) Errorf(format string, args ...any) {
	d.write(d.prefix + fmt.Sprintf(format, args...))
}

func (d *Diag) write(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	line = strings.TrimRight(line, "\r\n")
	end := "\n"
	if d.mode == Raw {
		// Embedded newlines need the carriage return too.
		line = strings.ReplaceAll(line, "\n", "\r\n")
		end = "\r\n"
	}
	_, _ = io.WriteString(d.w, line+end)
}
