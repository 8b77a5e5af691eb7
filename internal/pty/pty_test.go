//go:build !windows
// +build !windows

package pty

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/asheshgoplani/myscreen/internal/fault"
)

// readUntil reads from the master until want appears or the deadline passes.
func readUntil(t *testing.T, f *os.File, want string, timeout time.Duration) string {
	t.Helper()
	var got bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 256)
		for {
			n, err := f.Read(buf)
			got.Write(buf[:n])
			if err != nil || bytes.Contains(got.Bytes(), []byte(want)) {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %q", want)
	}
	return got.String()
}

func TestAcquireRelease(t *testing.T) {
	h, err := Acquire()
	require.NoError(t, err)
	assert.NotNil(t, h.Master)
	assert.NotEmpty(t, h.SlavePath)

	require.NoError(t, h.Release())
	assert.Nil(t, h.Master)
	assert.NoError(t, h.Release(), "second release is a no-op")
}

func TestReleaseNilHandle(t *testing.T) {
	var h *Handle
	assert.NoError(t, h.Release())
}

func TestLaunchRunsProgramOnSlave(t *testing.T) {
	h, err := Acquire()
	require.NoError(t, err)
	defer h.Release()

	cmd, err := Launch(h, nil, &Winsize{Rows: 40, Cols: 100}, []string{"sh", "-c", "stty size; echo launched"}, "")
	require.NoError(t, err)
	require.NotNil(t, cmd.Process)

	out := readUntil(t, h.Master, "launched", 5*time.Second)
	assert.Contains(t, out, "40 100")
	_ = cmd.Wait()
}

func TestLaunchAppliesTermios(t *testing.T) {
	h, err := Acquire()
	require.NoError(t, err)
	defer h.Release()

	slave, err := os.OpenFile(h.SlavePath, os.O_RDWR, 0)
	require.NoError(t, err)
	attrs, err := GetTermios(int(slave.Fd()))
	slave.Close()
	require.NoError(t, err)

	cmd, err := Launch(h, attrs, nil, []string{"sh", "-c", "echo termios-ok"}, "")
	require.NoError(t, err)
	readUntil(t, h.Master, "termios-ok", 5*time.Second)
	_ = cmd.Wait()
}

func TestLaunchMissingProgram(t *testing.T) {
	h, err := Acquire()
	require.NoError(t, err)
	defer h.Release()

	_, err = Launch(h, nil, nil, []string{"/nonexistent/myscreen-test-program"}, "")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindIO))
	readUntil(t, h.Master, "myscreen: exec", 5*time.Second)
}

func TestSetSize(t *testing.T) {
	h, err := Acquire()
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, h.SetSize(24, 80))
	ws, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, uint16(24), ws.Rows)
	assert.Equal(t, uint16(80), ws.Cols)
}

func TestCommand(t *testing.T) {
	t.Setenv("SHELL", "")
	assert.Equal(t, []string{"vim", "x"}, Command([]string{"vim", "x"}, "zsh"))
	assert.Equal(t, []string{"zsh"}, Command(nil, "zsh"))
	assert.Equal(t, []string{DefaultShell}, Command(nil, ""))

	t.Setenv("SHELL", "/bin/fish")
	assert.Equal(t, []string{"/bin/fish"}, Command(nil, "zsh"))
}

func TestAdoptDuplicatedMaster(t *testing.T) {
	h, err := Acquire()
	require.NoError(t, err)
	defer h.Release()

	fd, err := unix.Dup(int(h.Master.Fd()))
	require.NoError(t, err)
	adopted, err := Adopt(uintptr(fd), h.SlavePath)
	require.NoError(t, err)
	defer adopted.Release()

	require.NoError(t, adopted.SetSize(50, 132))
	ws, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, uint16(50), ws.Rows)
	assert.Equal(t, uint16(132), ws.Cols)
}
