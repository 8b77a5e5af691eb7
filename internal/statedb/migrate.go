package statedb

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/asheshgoplani/myscreen/internal/registry"
)

// metaImportedFrom records the flat registry file a database was seeded from.
const metaImportedFrom = "imported_from"

// ImportFile seeds an empty database from a flat registry file, so switching
// registry.backend to sqlite keeps the windows already known. It does
// nothing when the database has windows, when it was imported before, or
// when the file does not exist. Returns the number of windows imported.
//
// A malformed record stops the import like it stops a normal load; the
// windows before it are still imported.
func ImportFile(path string, db *StateDB) (int, error) {
	if prev, err := db.GetMeta(metaImportedFrom); err != nil {
		return 0, fmt.Errorf("read import marker: %w", err)
	} else if prev != "" {
		return 0, nil
	}
	empty, err := db.IsEmpty()
	if err != nil {
		return 0, fmt.Errorf("check windows: %w", err)
	}
	if !empty {
		return 0, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	reg := registry.New()
	loadErr := registry.NewFileStore(path).Load(reg)
	if reg.Len() == 0 && loadErr != nil {
		return 0, loadErr
	}

	if err := NewWindowStore(db).Save(reg); err != nil {
		return 0, err
	}
	for _, w := range reg.Windows() {
		if err := db.RecordEvent(w.Name, w.PID, registry.EventImported); err != nil {
			dbLog.Warn("journal_record_failed",
				slog.String("window", w.Name),
				slog.String("error", err.Error()))
		}
	}
	if err := db.SetMeta(metaImportedFrom, fmt.Sprintf("%s@%d", path, time.Now().Unix())); err != nil {
		return reg.Len(), fmt.Errorf("write import marker: %w", err)
	}
	return reg.Len(), loadErr
}
