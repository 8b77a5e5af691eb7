package statedb

import (
	"log/slog"

	"github.com/asheshgoplani/myscreen/internal/fault"
	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/registry"
)

var dbLog = logging.ForComponent(logging.CompStateDB)

// WindowStore adapts a StateDB to registry.Store and registry.Journal.
type WindowStore struct {
	db *StateDB
}

// NewWindowStore returns a registry store backed by db.
func NewWindowStore(db *StateDB) *WindowStore {
	return &WindowStore{db: db}
}

// Load appends the stored windows to reg in saved order.
func (s *WindowStore) Load(reg *registry.Registry) error {
	rows, err := s.db.LoadWindows()
	if err != nil {
		return fault.New(fault.KindIO, "load windows", err)
	}
	for _, r := range rows {
		reg.Add(&registry.Window{Name: r.Name, Device: r.Device, Socket: r.Socket, PID: r.PID})
	}
	return nil
}

// Save replaces the stored windows with reg's, keeping registry order.
func (s *WindowStore) Save(reg *registry.Registry) error {
	windows := reg.Windows()
	rows := make([]*WindowRow, len(windows))
	for i, w := range windows {
		rows[i] = &WindowRow{Name: w.Name, Device: w.Device, Socket: w.Socket, PID: w.PID, Order: i}
	}
	if err := s.db.SaveWindows(rows); err != nil {
		return fault.New(fault.KindIO, "save windows", err)
	}
	return nil
}

// Record journals event for w. Journal failures are logged, not returned
// to the driver, since they never change what happens to the window.
func (s *WindowStore) Record(w *registry.Window, event string) error {
	if err := s.db.RecordEvent(w.Name, w.PID, event); err != nil {
		dbLog.Warn("window_event_record_failed",
			slog.String("window", w.Name),
			slog.String("event", event),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
