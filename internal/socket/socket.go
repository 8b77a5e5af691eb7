//go:build !windows
// +build !windows

// Package socket implements the session socket: a local stream endpoint
// named by a filesystem path, served by a window task and dialed by clients.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
)

var sockLog = logging.ForComponent(logging.CompSocket)

// Backlog is the listen queue length of a session socket.
const Backlog = 5

// PathFor derives the socket path of the window task created by pid.
func PathFor(base string, pid int) string {
	return fmt.Sprintf("%s.%d", base, pid)
}

// Listen creates a stream socket at path and starts listening. A stale
// endpoint left at path by an earlier task is removed first. Failure is a
// fault.KindResource error.
func Listen(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.KindResource, "remove stale socket "+path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fault.New(fault.KindResource, "create socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fault.New(fault.KindResource, "bind "+path, err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, fault.New(fault.KindResource, "listen "+path, err)
	}

	// FileListener dups the descriptor; f only carries it across.
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		os.Remove(path)
		return nil, fault.New(fault.KindResource, "listen "+path, err)
	}
	sockLog.Debug("socket_listening", slog.String("path", path))
	return l.(*net.UnixListener), nil
}

// Accept blocks until one client connects.
func Accept(l *net.UnixListener) (*net.UnixConn, error) {
	conn, err := l.AcceptUnix()
	if err != nil {
		return nil, fault.New(fault.KindIO, "accept", err)
	}
	return conn, nil
}

// Options tunes Dial.
type Options struct {
	// InitialWait is how long to wait for a missing endpoint to appear
	// before the first attempt (default 1s).
	InitialWait time.Duration

	// RetryInterval paces attempts refused by a task that is not listening
	// yet (default 50ms).
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialWait <= 0 {
		o.InitialWait = time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	return o
}

// Dial connects to the session socket at path, tolerating a task that has
// not started listening yet. Refused and missing endpoints are retried until
// ctx ends; any other failure returns at once. Errors are fault.KindIO and
// never terminate the process.
func Dial(ctx context.Context, path string, opts Options) (*net.UnixConn, error) {
	opts = opts.withDefaults()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		waitForPath(ctx, path, opts.InitialWait)
	}

	limiter := rate.NewLimiter(rate.Every(opts.RetryInterval), 1)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, fault.Errorf(fault.KindIO, "connect "+path, "gave up after %d attempts: %w", attempt-1, lastErr)
		}

		conn, err := connectOnce(ctx, path)
		if err == nil {
			sockLog.Debug("socket_connected", slog.String("path", path), slog.Int("attempts", attempt))
			return conn, nil
		}
		if !retryable(err) {
			return nil, fault.New(fault.KindIO, "connect "+path, err)
		}
		lastErr = err
	}
}

// retryable reports whether a connect failure means the task is not ready
// yet rather than unreachable.
func retryable(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EAGAIN)
}

// connectOnce makes one non-blocking connect, polling for completion when
// the kernel reports it in progress.
func connectOnce(ctx context.Context, path string) (*net.UnixConn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	switch {
	case err == nil:
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		if err := waitConnected(ctx, fd); err != nil {
			unix.Close(fd)
			return nil, err
		}
	default:
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return c.(*net.UnixConn), nil
}

// pollSlice bounds each poll so ctx is rechecked.
const pollSlice = 100 * time.Millisecond

// waitConnected polls fd for writability and returns the connect result.
func waitConnected(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollSlice/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			break
		}
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}

// waitForPath blocks until path is created, d elapses or ctx ends. Errors
// are logged; the connect loop that follows reports the real failure.
func waitForPath(ctx context.Context, path string, d time.Duration) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sockLog.Warn("socket_watch_failed", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		sockLog.Warn("socket_watch_failed", slog.String("dir", filepath.Dir(path)), slog.String("error", err.Error()))
		return
	}
	// The endpoint may have appeared before the watch was in place.
	if _, err := os.Stat(path); err == nil {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			sockLog.Debug("socket_wait_timeout", slog.String("path", path))
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(path) && event.Op&fsnotify.Create != 0 {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			sockLog.Warn("socket_watch_error", slog.String("error", err.Error()))
		}
	}
}
