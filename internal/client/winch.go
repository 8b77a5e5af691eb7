//go:build !windows
// +build !windows

package client

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchResize forwards SIGWINCH to s.NotifyResize until ctx ends. The
// returned function stops the watcher and waits for it.
func WatchResize(ctx context.Context, s *Session) (stop func()) {
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-sigwinch:
				s.NotifyResize()
			}
		}
	}()

	return func() {
		signal.Stop(sigwinch)
		close(done)
		<-exited
	}
}
