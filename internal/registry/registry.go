// Package registry keeps the windows known to the driver and persists them
// between invocations.
package registry

import (
	"errors"
)

// Window is one managed session. Records are immutable once added.
type Window struct {
	// Name is the user-visible identifier, unique within a registry.
	Name string

	// Device is the PTY slave path. Informational only.
	Device string

	// Socket is the session socket path, the durable handle on the task.
	Socket string

	// PID is the window task's process id; kill signals it.
	PID int
}

// Events journaled by stores that support it.
const (
	EventStarted  = "started"
	EventDetached = "detached"
	EventKilled   = "killed"
	EventLost     = "lost"
	EventImported = "imported"
)

// ErrMalformedRecord is wrapped by load errors for records that do not
// have the expected fields.
var ErrMalformedRecord = errors.New("malformed window record")

// Store loads and saves a registry.
type Store interface {
	Load(reg *Registry) error
	Save(reg *Registry) error
}

// Journal is implemented by stores that keep a history of window events.
type Journal interface {
	Record(w *Window, event string) error
}

// Registry is an ordered collection of windows.
type Registry struct {
	windows []*Window
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Len returns the number of windows.
func (r *Registry) Len() int {
	return len(r.windows)
}

// Get returns the i-th window, or nil when i is out of range.
func (r *Registry) Get(i int) *Window {
	if i < 0 || i >= len(r.windows) {
		return nil
	}
	return r.windows[i]
}

// Find returns the first window named name, or nil.
func (r *Registry) Find(name string) *Window {
	for _, w := range r.windows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// Add appends w. Names are assumed unique but not checked.
func (r *Registry) Add(w *Window) {
	r.windows = append(r.windows, w)
}

// Remove deletes w, matched by identity, and reports whether it was present.
//
// The last window is moved into the freed slot, so removal does not keep
// the order of the remaining windows. Nothing depends on that order.
func (r *Registry) Remove(w *Window) bool {
	for i, cur := range r.windows {
		if cur != w {
			continue
		}
		last := len(r.windows) - 1
		r.windows[i] = r.windows[last]
		r.windows[last] = nil
		r.windows = r.windows[:last]
		return true
	}
	return false
}

// Windows returns a copy of the windows in registry order.
func (r *Registry) Windows() []*Window {
	out := make([]*Window, len(r.windows))
	copy(out, r.windows)
	return out
}

// Prune removes every window whose task alive reports as gone and returns
// the removed windows.
func (r *Registry) Prune(alive func(pid int) bool) []*Window {
	var dead []*Window
	for _, w := range r.Windows() {
		if !alive(w.PID) {
			r.Remove(w)
			dead = append(dead, w)
		}
	}
	return dead
}
