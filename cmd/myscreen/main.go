package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/asheshgoplani/myscreen/internal/config"
	"github.com/asheshgoplani/myscreen/internal/logging"
	"github.com/asheshgoplani/myscreen/internal/tty"
	"github.com/asheshgoplani/myscreen/internal/window"
)

const Version = "0.3.0"

// Exit statuses.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

type options struct {
	list    bool
	attach  bool
	config  string
	write   bool
	debug   bool
	help    bool
	version bool
	argv    []string
}

func main() {
	// A re-executed window task never gets past this point.
	if window.IsTask() {
		window.TaskMain()
	}
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func newFlagSet(opts *options, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("myscreen", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	// Everything after the first program argument belongs to the program.
	fs.SetInterspersed(false)
	fs.BoolVarP(&opts.list, "list", "l", false, "list windows (unimplemented)")
	fs.BoolVarP(&opts.attach, "attach", "a", false, "attach to a window (unimplemented)")
	fs.StringVarP(&opts.config, "config", "c", "", "config file (default ~/"+config.FileName+")")
	fs.BoolVar(&opts.write, "write-config", false, "write the effective config to the config file and exit")
	fs.BoolVar(&opts.debug, "debug", false, "write logs to the state directory")
	fs.BoolVarP(&opts.help, "help", "h", false, "show this help")
	fs.BoolVarP(&opts.version, "version", "v", false, "print the version")
	return fs
}

func parseArgs(args []string, stderr io.Writer) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	fs := newFlagSet(opts, stderr)
	fs.Usage = func() {}
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	opts.argv = fs.Args()
	return opts, fs, nil
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "myscreen: simple window manager")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  myscreen -l|--list")
	fmt.Fprintln(w, "  myscreen -a|--attach winspec")
	fmt.Fprintln(w, "  myscreen [cmd [arg0...]]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Inside a window, Ctrl-A d detaches and Ctrl-A k kills the window.")
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	opts, fs, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, fs)
			return exitOK
		}
		fmt.Fprintf(stderr, "myscreen: %v\n\n", err)
		printUsage(stderr, fs)
		return exitUsage
	}

	switch {
	case opts.help:
		printUsage(stdout, fs)
		return exitOK
	case opts.version:
		fmt.Fprintf(stdout, "myscreen v%s\n", Version)
		return exitOK
	case opts.list, opts.attach:
		fmt.Fprintln(stderr, "myscreen: unimplemented --list and --attach options")
		return exitFatal
	}

	diag := tty.NewDiag(stderr, "myscreen: ")

	cfg, err := config.Load(opts.config)
	if cfg == nil {
		diag.Error(err)
		return exitFatal
	}
	if err != nil {
		// Defaults are in effect; say why.
		diag.Errorf("warning: %v", err)
	}
	if opts.debug {
		cfg.Logs.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		diag.Errorf("config: %v", err)
		return exitFatal
	}

	if opts.write {
		return writeConfig(opts.config, cfg, stdout, diag)
	}

	logging.Init(cfg.Logging("myscreen.log"))
	defer logging.Shutdown()

	d := newDriver(cfg, opts.argv, stdin, stdout, diag)
	return d.run()
}

// writeConfig saves cfg, defaults and environment overrides included, so
// it can be edited from a complete file.
func writeConfig(path string, cfg *config.Config, stdout io.Writer, diag *tty.Diag) int {
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			diag.Error(err)
			return exitFatal
		}
	}
	if err := config.Save(path, cfg); err != nil {
		diag.Errorf("write config: %v", err)
		return exitFatal
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return exitOK
}
