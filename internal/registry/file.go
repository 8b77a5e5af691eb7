package registry

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
)

var regLog = logging.ForComponent(logging.CompRegistry)

// FileStore persists a registry as text, one window per line:
//
//	name device socket pid
//
// Fields are separated by single spaces and cannot contain spaces
// themselves.
type FileStore struct {
	Path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load appends the windows stored in the file to reg, creating an empty
// file if none exists. Blank lines are skipped.
//
// A malformed record stops loading with a fault.KindParse error. Windows
// read before it stay in reg.
func (s *FileStore) Load(reg *Registry) error {
	f, err := os.OpenFile(s.Path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fault.New(fault.KindIO, "open registry", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		w, err := ParseRecord(line)
		if err != nil {
			return fault.New(fault.KindParse, fmt.Sprintf("%s:%d", s.Path, lineNo), err)
		}
		reg.Add(w)
	}
	if err := scanner.Err(); err != nil {
		return fault.New(fault.KindIO, "read registry", err)
	}
	regLog.Debug("registry_loaded", slog.String("path", s.Path), slog.Int("windows", reg.Len()))
	return nil
}

// Save rewrites the file with one record per window, in registry order.
// The new contents are written to a temp file and renamed into place.
func (s *FileStore) Save(reg *Registry) error {
	var buf bytes.Buffer
	for _, w := range reg.Windows() {
		line, err := FormatRecord(w)
		if err != nil {
			return fault.New(fault.KindIO, "save registry", err)
		}
		buf.WriteString(line)
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fault.New(fault.KindIO, "create registry directory", err)
	}
	tmpPath := s.Path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fault.New(fault.KindIO, "write registry", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fault.New(fault.KindIO, "write registry", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fault.New(fault.KindIO, "sync registry", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fault.New(fault.KindIO, "write registry", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return fault.New(fault.KindIO, "finalize registry", err)
	}
	regLog.Debug("registry_saved", slog.String("path", s.Path), slog.Int("windows", reg.Len()))
	return nil
}

// ParseRecord decodes one line (without its newline).
func ParseRecord(line string) (*Window, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: want 4 fields, got %d", ErrMalformedRecord, len(fields))
	}
	for i, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("%w: field %d is empty", ErrMalformedRecord, i+1)
		}
	}
	pid, err := strconv.Atoi(fields[3])
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("%w: bad pid %q", ErrMalformedRecord, fields[3])
	}
	return &Window{Name: fields[0], Device: fields[1], Socket: fields[2], PID: pid}, nil
}

// FormatRecord encodes w as one newline-terminated line.
func FormatRecord(w *Window) (string, error) {
	for _, f := range []string{w.Name, w.Device, w.Socket} {
		if f == "" || strings.ContainsAny(f, " \n") {
			return "", fmt.Errorf("window %q: field %q cannot be stored", w.Name, f)
		}
	}
	return fmt.Sprintf("%s %s %s %d\n", w.Name, w.Device, w.Socket, w.PID), nil
}
