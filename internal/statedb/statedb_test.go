package statedb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asheshgoplani/myscreen/internal/registry"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	// Open and write
	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveWindows([]*WindowRow{
		{Name: "myscreen.0", Device: "/dev/pts/3", Socket: "/tmp/myscreen.100", PID: 101},
	}); err != nil {
		t.Fatalf("SaveWindows: %v", err)
	}
	db1.Close()

	// Reopen and verify
	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	rows, err := db2.LoadWindows()
	if err != nil {
		t.Fatalf("LoadWindows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(rows))
	}
	if rows[0].Name != "myscreen.0" || rows[0].PID != 101 {
		t.Errorf("Unexpected data: %+v", rows[0])
	}
}

func TestSaveLoadWindows(t *testing.T) {
	db := newTestDB(t)

	windows := []*WindowRow{
		{Name: "b", Device: "/dev/pts/2", Socket: "/tmp/myscreen.2", PID: 2, Order: 0},
		{Name: "a", Device: "/dev/pts/1", Socket: "/tmp/myscreen.1", PID: 1, Order: 1},
	}
	if err := db.SaveWindows(windows); err != nil {
		t.Fatalf("SaveWindows: %v", err)
	}

	loaded, err := db.LoadWindows()
	if err != nil {
		t.Fatalf("LoadWindows: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 windows, got %d", len(loaded))
	}
	if loaded[0].Name != "b" || loaded[1].Name != "a" {
		t.Errorf("Order not kept: %s, %s", loaded[0].Name, loaded[1].Name)
	}
	if loaded[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestSaveWindowsDeletesMissingAndKeepsCreatedAt(t *testing.T) {
	db := newTestDB(t)

	created := time.Unix(1700000000, 0)
	if err := db.SaveWindows([]*WindowRow{
		{Name: "keep", Device: "/dev/pts/1", Socket: "/tmp/s.1", PID: 1, CreatedAt: created},
		{Name: "drop", Device: "/dev/pts/2", Socket: "/tmp/s.2", PID: 2},
	}); err != nil {
		t.Fatalf("SaveWindows: %v", err)
	}

	if err := db.SaveWindows([]*WindowRow{
		{Name: "keep", Device: "/dev/pts/9", Socket: "/tmp/s.1", PID: 1},
	}); err != nil {
		t.Fatalf("SaveWindows: %v", err)
	}

	loaded, err := db.LoadWindows()
	if err != nil {
		t.Fatalf("LoadWindows: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 window, got %d", len(loaded))
	}
	if loaded[0].Device != "/dev/pts/9" {
		t.Errorf("Device not updated: %q", loaded[0].Device)
	}
	if !loaded[0].CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed: %v", loaded[0].CreatedAt)
	}

	if err := db.SaveWindows(nil); err != nil {
		t.Fatalf("SaveWindows(nil): %v", err)
	}
	empty, _ := db.IsEmpty()
	if !empty {
		t.Error("Expected empty after saving no windows")
	}
}

func TestEventJournal(t *testing.T) {
	db := newTestDB(t)

	for _, ev := range []string{registry.EventStarted, registry.EventDetached, registry.EventKilled} {
		if err := db.RecordEvent("myscreen.0", 42, ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	if err := db.RecordEvent("myscreen.1", 43, registry.EventStarted); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	events, err := db.LoadEvents("myscreen.0", 0)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Event != registry.EventStarted || events[2].Event != registry.EventKilled {
		t.Errorf("Unexpected order: %s ... %s", events[0].Event, events[2].Event)
	}
	if events[0].DriverPID != os.Getpid() {
		t.Errorf("DriverPID = %d, want %d", events[0].DriverPID, os.Getpid())
	}

	all, _ := db.LoadEvents("", 0)
	if len(all) != 4 {
		t.Errorf("Expected 4 events in total, got %d", len(all))
	}
	limited, _ := db.LoadEvents("", 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit 2, got %d", len(limited))
	}
}

func TestPruneEvents(t *testing.T) {
	db := newTestDB(t)

	old := time.Now().Add(-48 * time.Hour).UnixNano()
	if _, err := db.DB().Exec(
		"INSERT INTO window_events (window, pid, event, driver_pid, at) VALUES (?, ?, ?, ?, ?)",
		"old", 1, registry.EventStarted, 1, old,
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.RecordEvent("new", 2, registry.EventStarted); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	n, err := db.PruneEvents(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned, got %d", n)
	}
}

func TestConcurrentAccess(t *testing.T) {
	db := newTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = db.LoadWindows()
				_, _ = db.LoadEvents("", 10)
			}
		}()
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				name := fmt.Sprintf("myscreen.%d", idx)
				_ = db.SaveWindows([]*WindowRow{{Name: name, Device: "d", Socket: "s", PID: idx + 1}})
				_ = db.RecordEvent(name, idx+1, registry.EventStarted)
			}
		}(i)
	}

	wg.Wait()
}

func TestIsEmpty(t *testing.T) {
	db := newTestDB(t)

	empty, err := db.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Error("Expected empty db")
	}

	if err := db.SaveWindows([]*WindowRow{{Name: "x", Device: "d", Socket: "s", PID: 1}}); err != nil {
		t.Fatalf("SaveWindows: %v", err)
	}

	empty, _ = db.IsEmpty()
	if empty {
		t.Error("Expected non-empty after insert")
	}
}

func TestMetadata(t *testing.T) {
	db := newTestDB(t)

	// Missing key returns empty
	val, err := db.GetMeta("nonexistent")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if val != "" {
		t.Errorf("Expected empty, got %q", val)
	}

	if err := db.SetMeta("test_key", "test_value"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("test_key")
	if val != "test_value" {
		t.Errorf("Expected 'test_value', got %q", val)
	}

	// Overwrite
	if err := db.SetMeta("test_key", "new_value"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("test_key")
	if val != "new_value" {
		t.Errorf("Expected 'new_value', got %q", val)
	}
}

func TestWindowStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewWindowStore(db)

	reg := registry.New()
	reg.Add(&registry.Window{Name: "myscreen.0", Device: "/dev/pts/3", Socket: "/tmp/myscreen.10", PID: 11})
	reg.Add(&registry.Window{Name: "myscreen.1", Device: "/dev/pts/4", Socket: "/tmp/myscreen.20", PID: 21})
	if err := store.Save(reg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := registry.New()
	if err := store.Load(loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("Expected 2 windows, got %d", loaded.Len())
	}
	for i := 0; i < 2; i++ {
		if *loaded.Get(i) != *reg.Get(i) {
			t.Errorf("window %d: got %+v, want %+v", i, loaded.Get(i), reg.Get(i))
		}
	}

	if err := store.Record(reg.Get(0), registry.EventDetached); err != nil {
		t.Fatalf("Record: %v", err)
	}
	events, _ := db.LoadEvents("myscreen.0", 0)
	if len(events) != 1 || events[0].Event != registry.EventDetached {
		t.Errorf("Unexpected journal: %+v", events)
	}
}

func TestImportFile(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "myscreen")
	content := "myscreen.0 /dev/pts/3 /tmp/myscreen.10 11\nmyscreen.1 /dev/pts/4 /tmp/myscreen.20 21\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n, err := ImportFile(path, db)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 imported, got %d", n)
	}

	// Second import is a no-op even after the table is emptied.
	if err := db.SaveWindows(nil); err != nil {
		t.Fatalf("SaveWindows: %v", err)
	}
	n, err = ImportFile(path, db)
	if err != nil || n != 0 {
		t.Errorf("Expected no-op re-import, got n=%d err=%v", n, err)
	}
}

func TestImportFileMissing(t *testing.T) {
	db := newTestDB(t)
	n, err := ImportFile(filepath.Join(t.TempDir(), "absent"), db)
	if err != nil || n != 0 {
		t.Errorf("Expected no-op for missing file, got n=%d err=%v", n, err)
	}
}

func TestImportFileStopsAtMalformedRecord(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "myscreen")
	content := "myscreen.0 /dev/pts/3 /tmp/myscreen.10 11\nbroken line\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n, err := ImportFile(path, db)
	if err == nil {
		t.Fatal("Expected parse error")
	}
	if n != 1 {
		t.Errorf("Expected the window before the bad record, got %d", n)
	}
}
