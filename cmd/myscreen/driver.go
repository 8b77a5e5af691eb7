package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/myscreen/internal/client"
	"github.com/asheshgoplani/myscreen/internal/config"
	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/pty"
	"github.com/asheshgoplani/myscreen/internal/registry"
	"github.com/asheshgoplani/myscreen/internal/socket"
	"github.com/asheshgoplani/myscreen/internal/statedb"
	"github.com/asheshgoplani/myscreen/internal/tty"
	"github.com/asheshgoplani/myscreen/internal/window"
)

var driverLog = logging.ForComponent(logging.CompDriver)

// driver starts one window, runs a session on it and keeps the registry
// up to date.
type driver struct {
	cfg    *config.Config
	argv   []string
	stdin  *os.File
	stdout io.Writer
	diag   *tty.Diag

	store   registry.Store
	journal registry.Journal
	db      *statedb.StateDB
	reg     *registry.Registry

	guard *tty.Guard

	// spawn is window.SpawnOptions for the task; tests point it at the
	// test binary.
	spawn window.SpawnOptions
}

func newDriver(cfg *config.Config, argv []string, stdin *os.File, stdout io.Writer, diag *tty.Diag) *driver {
	return &driver{cfg: cfg, argv: argv, stdin: stdin, stdout: stdout, diag: diag}
}

// run is the whole start-a-window flow. The registry is saved and the
// terminal restored on every path out, including termination signals.
func (d *driver) run() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	if err := d.openStore(); err != nil {
		d.diag.Error(err)
		return exitFatal
	}
	defer d.closeStore()
	d.loadRegistry()

	status := d.start(ctx)

	d.saveRegistry()
	d.restore()
	if ctx.Err() != nil {
		driverLog.Info("driver_signalled")
		return exitFatal
	}
	return status
}

func (d *driver) openStore() error {
	if d.cfg.Registry.Backend != config.BackendSQLite {
		d.store = registry.NewFileStore(d.cfg.Store)
		return nil
	}

	if err := os.MkdirAll(d.cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	db, err := statedb.Open(d.cfg.StateDBPath())
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return err
	}
	n, err := statedb.ImportFile(d.cfg.Store, db)
	if err != nil {
		d.diag.Errorf("import %s: %v", d.cfg.Store, err)
	}
	if n > 0 {
		driverLog.Info("registry_imported",
			slog.String("from", d.cfg.Store),
			slog.Int("windows", n))
	}

	if n, err := db.PruneEvents(d.cfg.JournalMaxAge()); err != nil {
		driverLog.Warn("journal_prune_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		driverLog.Debug("journal_pruned", slog.Int64("events", n))
	}

	ws := statedb.NewWindowStore(db)
	d.db, d.store, d.journal = db, ws, ws
	return nil
}

func (d *driver) closeStore() {
	if d.db != nil {
		d.db.Close()
	}
}

// loadRegistry reads known windows and forgets the ones whose task is gone.
// A load error is reported but not fatal: windows read before it are kept.
func (d *driver) loadRegistry() {
	d.reg = registry.New()
	if err := d.store.Load(d.reg); err != nil {
		d.diag.Error(err)
	}
	for _, w := range d.reg.Prune(registry.ProcessAlive) {
		attrs := []any{slog.String("window", w.Name), slog.Int("pid", w.PID)}
		if last := d.lastEvent(w); last != nil {
			attrs = append(attrs,
				slog.String("last_event", last.Event),
				slog.Time("last_event_at", last.At))
		}
		driverLog.Info("window_lost", attrs...)
		d.record(w, registry.EventLost)
	}
}

// lastEvent returns the newest journal entry of w's task, or nil without a
// journal.
func (d *driver) lastEvent(w *registry.Window) *statedb.EventRow {
	if d.db == nil {
		return nil
	}
	events, err := d.db.LoadEvents(w.Name, 0)
	if err != nil {
		driverLog.Warn("journal_read_failed", slog.String("window", w.Name), slog.String("error", err.Error()))
		return nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].PID == w.PID {
			return events[i]
		}
	}
	return nil
}

// nextName returns the first myscreen.<n> no known window uses. Pruning
// leaves gaps, so the registry size alone may name a live window.
func nextName(reg *registry.Registry) string {
	for n := reg.Len(); ; n++ {
		if name := config.WindowName(n); reg.Find(name) == nil {
			return name
		}
	}
}

func (d *driver) saveRegistry() {
	if err := d.store.Save(d.reg); err != nil {
		d.diag.Error(err)
	}
}

func (d *driver) record(w *registry.Window, event string) {
	if d.journal != nil {
		_ = d.journal.Record(w, event)
	}
}

// start spawns a window task, attaches to it and files the window
// according to how the session ended.
func (d *driver) start(ctx context.Context) int {
	h, err := pty.Acquire()
	if err != nil {
		d.diag.Error(err)
		return exitFatal
	}

	name := nextName(d.reg)
	spec := window.TaskSpec{
		Name:       name,
		SocketBase: d.cfg.SocketBase,
		Argv:       d.argv,
		Shell:      d.cfg.Shell,
		Log:        d.cfg.Logging("task-" + name + ".log"),
		CrashDir:   d.cfg.LogDir(),
	}
	fd := int(d.stdin.Fd())
	if tty.IsTerminal(fd) {
		// The window starts out looking like the terminal it came from.
		if attrs, err := pty.GetTermios(fd); err == nil {
			spec.Termios = attrs
		}
		if ws, err := pty.GetSize(d.stdin); err == nil {
			spec.Size = ws
		}
	}

	w, proc, err := window.Start(h, spec, d.spawn)
	if err != nil {
		_ = h.Release()
		d.diag.Error(err)
		return exitFatal
	}
	d.record(w, registry.EventStarted)

	guard, err := tty.MakeRaw(fd)
	switch {
	case err == nil:
		d.guard = guard
		d.diag.SetMode(tty.Raw)
	case !errors.Is(err, tty.ErrNotATerminal):
		_ = proc.Kill(w)
		d.diag.Error(err)
		return exitFatal
	}

	disp, err := d.interact(ctx, w, proc)
	driverLog.Info("session_ended",
		slog.String("window", w.Name),
		slog.String("disposition", disp.String()))

	if disp == client.Discard && err != nil && !exited(proc) {
		// The session failed but the window did not; keep it reachable.
		driverLog.Warn("window_kept_after_error",
			slog.String("window", w.Name),
			slog.String("error", err.Error()))
		disp = client.Retain
	}
	switch disp {
	case client.Retain:
		d.reg.Add(w)
		d.record(w, registry.EventDetached)
	case client.Discard:
		d.discard(w, err)
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, client.ErrDaemonClosed):
		// The program in the window exited.
		d.diag.Error(err)
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitFatal
	default:
		d.diag.Error(err)
		return exitFatal
	}
}

// interact connects to the task and runs a session until it ends.
func (d *driver) interact(ctx context.Context, w *registry.Window, proc *window.Process) (client.Disposition, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout())
	conn, err := socket.Dial(dialCtx, w.Socket, socket.Options{
		InitialWait:   d.cfg.InitialWait(),
		RetryInterval: d.cfg.RetryInterval(),
	})
	cancel()
	if err != nil {
		return client.Discard, fmt.Errorf("connect to window %s: %w", w.Name, err)
	}

	s := client.New(conn, w)
	s.Input = d.stdin
	s.Output = d.stdout
	s.Killer = proc
	s.Escape = d.cfg.Escape
	s.Diag = d.diag
	if fd := int(d.stdin.Fd()); tty.IsTerminal(fd) {
		s.Size = func() (uint16, uint16, error) { return tty.Size(fd) }
	}

	stopResize := client.WatchResize(ctx, s)
	defer stopResize()
	return s.Run(ctx)
}

// exitGrace is how long a task that ended the session gets to exit on its
// own before it counts as still running.
const exitGrace = 500 * time.Millisecond

// exited reports whether the task is gone, waiting up to exitGrace.
func exited(proc *window.Process) bool {
	select {
	case <-proc.Done():
		return true
	case <-time.After(exitGrace):
		return false
	}
}

// discard drops a window whose task is gone. Only the kill command ends a
// task; discard never signals one. The socket file a killed task could not
// remove is deleted.
func (d *driver) discard(w *registry.Window, err error) {
	event := registry.EventKilled
	if err != nil {
		event = registry.EventLost
	}
	if rerr := os.Remove(w.Socket); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		driverLog.Warn("socket_remove_failed",
			slog.String("socket", w.Socket),
			slog.String("error", rerr.Error()))
	}
	d.record(w, event)
}

func (d *driver) restore() {
	if err := d.guard.Restore(); err != nil {
		d.diag.Errorf("restore terminal: %v", err)
	}
	d.diag.SetMode(tty.Normal)
}
