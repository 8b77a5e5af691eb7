// Package wire implements the session socket protocol spoken between a
// client and a window task.
//
// Client to task, each command is a one-byte tag followed by a fixed-size
// payload:
//
//	'c' <byte>                 forward one keystroke to the PTY
//	'w' <rows u16> <cols u16>  resize the PTY (platform-native byte order)
//
// Task to client there is no framing: PTY output is forwarded verbatim, at
// most MaxChunk bytes per read. A zero-length read on either side means the
// peer closed the connection.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/asheshgoplani/myscreen/internal/fault"
)

const (
	// TagChar forwards a single keystroke byte to the PTY master.
	TagChar byte = 'c'

	// TagWinch carries a new window size: rows then columns.
	TagWinch byte = 'w'
)

// MaxChunk is the largest read performed on either side of the forwarding
// loops. Output is forwarded in chunks of at most this many bytes.
const MaxChunk = 256

// winchPayloadLength is rows (2 bytes) + columns (2 bytes).
const winchPayloadLength = 4

// ErrUnknownCommand is returned for a command tag outside the protocol.
var ErrUnknownCommand = errors.New("unknown command from socket")

// Command is one decoded client command.
type Command struct {
	Tag  byte
	Char byte
	Rows uint16
	Cols uint16
}

// CharCommand encodes a character-forward command.
func CharCommand(b byte) []byte {
	return []byte{TagChar, b}
}

// WinchCommand encodes a window-change command.
func WinchCommand(rows, cols uint16) []byte {
	buf := make([]byte, 1+winchPayloadLength)
	buf[0] = TagWinch
	binary.NativeEndian.PutUint16(buf[1:3], rows)
	binary.NativeEndian.PutUint16(buf[3:5], cols)
	return buf
}

// ParseWinch decodes the 4-byte payload of a window-change command.
func ParseWinch(payload []byte) (rows, cols uint16, err error) {
	if len(payload) != winchPayloadLength {
		return 0, 0, fmt.Errorf("window size payload must be %d bytes, got %d", winchPayloadLength, len(payload))
	}
	rows = binary.NativeEndian.Uint16(payload[0:2])
	cols = binary.NativeEndian.Uint16(payload[2:4])
	return rows, cols, nil
}

// ReadCommand reads exactly one command from r.
//
// A clean end of stream before the tag byte returns a fault.KindPeerClosed
// error wrapping io.EOF: the client detached. A stream that ends inside a
// payload is a fault.KindIO error. An unrecognized tag is a
// fault.KindProtocol error wrapping ErrUnknownCommand; the protocol has no
// recovery for it.
func ReadCommand(r io.Reader) (Command, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Command{}, fault.New(fault.KindPeerClosed, "read command tag", io.EOF)
		}
		return Command{}, fault.New(fault.KindIO, "read command tag", err)
	}

	switch tag[0] {
	case TagChar:
		var payload [1]byte
		if _, err := io.ReadFull(r, payload[:]); err != nil {
			return Command{}, fault.New(fault.KindIO, "read char from socket", noEOF(err))
		}
		return Command{Tag: TagChar, Char: payload[0]}, nil

	case TagWinch:
		var payload [winchPayloadLength]byte
		if _, err := io.ReadFull(r, payload[:]); err != nil {
			return Command{}, fault.New(fault.KindIO, "read window size from socket", noEOF(err))
		}
		rows, cols, _ := ParseWinch(payload[:])
		return Command{Tag: TagWinch, Rows: rows, Cols: cols}, nil

	default:
		return Command{}, fault.New(fault.KindProtocol, fmt.Sprintf("command %q", tag[0]), ErrUnknownCommand)
	}
}

// Write writes all of p to w. A write that reports fewer bytes than
// requested without an error is a fault.KindShortWrite failure.
func Write(w io.Writer, p []byte, op string) error {
	n, err := w.Write(p)
	if err != nil {
		return fault.New(fault.KindIO, op, err)
	}
	if n != len(p) {
		return fault.New(fault.KindShortWrite, op, fmt.Errorf("wrote %d of %d bytes: %w", n, len(p), io.ErrShortWrite))
	}
	return nil
}

// noEOF turns a bare EOF inside a payload into ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
