// Package config loads myscreen's user configuration from ~/.myscreen.toml,
// overlaid with MYSCREEN_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/asheshgoplani/myscreen/internal/logging"
)

// FileName is the TOML config file, relative to $HOME.
const FileName = ".myscreen.toml"

// EnvPrefix prefixes every environment override (MYSCREEN_SOCKET_BASE, ...).
const EnvPrefix = "MYSCREEN"

// Registry backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrNoHome is returned when $HOME is unset or empty.
var ErrNoHome = errors.New("HOME environment variable not set")

// Config represents user-facing configuration in TOML format
type Config struct {
	// StateDir holds logs, crash dumps and the sqlite state database
	StateDir string `toml:"state_dir" split_words:"true"`

	// Store is the flat window registry file (default ~/.myscreen)
	Store string `toml:"store" split_words:"true"`

	// SocketBase is the prefix of every session socket path; the window
	// task's creator appends ".<pid>"
	SocketBase string `toml:"socket_base" split_words:"true"`

	// Shell runs when no command is given and $SHELL is unset
	Shell string `toml:"shell" split_words:"true"`

	// Escape is the command key byte (default 1, Ctrl-A)
	Escape uint8 `toml:"escape" split_words:"true"`

	Registry RegistrySettings `toml:"registry" split_words:"true"`
	Connect  ConnectSettings  `toml:"connect" split_words:"true"`
	Logs     LogSettings      `toml:"logs" split_words:"true"`
}

// RegistrySettings selects where known windows are persisted.
type RegistrySettings struct {
	// Backend is "file" (default, one line per window) or "sqlite"
	Backend string `toml:"backend" split_words:"true"`

	// JournalMaxAgeDays is how long sqlite window events are kept (default 30)
	JournalMaxAgeDays int `toml:"journal_max_age_days" split_words:"true"`
}

// ConnectSettings tunes how a client reaches a freshly started window task.
type ConnectSettings struct {
	// InitialWaitMS is how long to wait for the socket to appear (default 1000)
	InitialWaitMS int `toml:"initial_wait_ms" split_words:"true"`

	// RetryIntervalMS paces refused connection attempts (default 50)
	RetryIntervalMS int `toml:"retry_interval_ms" split_words:"true"`

	// TimeoutMS bounds the whole connect, retries included (default 5000)
	TimeoutMS int `toml:"timeout_ms" split_words:"true"`
}

// LogSettings mirrors logging.Config
type LogSettings struct {
	Level      string `toml:"level" split_words:"true"`
	Format     string `toml:"format" split_words:"true"`
	MaxSizeMB  int    `toml:"max_size_mb" split_words:"true"`
	MaxBackups int    `toml:"max_backups" split_words:"true"`
	MaxAgeDays int    `toml:"max_age_days" split_words:"true"`
	Compress   bool   `toml:"compress" split_words:"true"`

	// Debug writes logs even when they would otherwise be discarded
	Debug bool `toml:"debug" split_words:"true"`
}

// Default returns the built-in configuration for the given home directory.
func Default(home string) *Config {
	return &Config{
		StateDir:   filepath.Join(home, ".myscreen.d"),
		Store:      filepath.Join(home, ".myscreen"),
		SocketBase: "/tmp/myscreen",
		Shell:      "bash",
		Escape:     1,
		Registry:   RegistrySettings{Backend: BackendFile, JournalMaxAgeDays: 30},
		Connect: ConnectSettings{
			InitialWaitMS:   1000,
			RetryIntervalMS: 50,
			TimeoutMS:       5000,
		},
		Logs: LogSettings{Level: "info", Format: "json"},
	}
}

// Home returns $HOME without a trailing slash.
func Home() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return "", ErrNoHome
	}
	if home != "/" {
		home = strings.TrimSuffix(home, "/")
	}
	return home, nil
}

// DefaultPath returns ~/.myscreen.toml.
func DefaultPath() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, FileName), nil
}

// Load reads the config at path (DefaultPath when empty) and applies
// environment overrides. A missing file yields the defaults. A file that
// fails to parse also yields the defaults, together with the parse error so
// the caller can show it.
func Load(path string) (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(home, FileName)
	}

	cfg := Default(home)
	var parseErr error
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			cfg = Default(home)
			parseErr = fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.normalize(home)
	return cfg, parseErr
}

// normalize fills zero values back in and expands "~/" prefixes.
func (c *Config) normalize(home string) {
	def := Default(home)
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.Store == "" {
		c.Store = def.Store
	}
	if c.SocketBase == "" {
		c.SocketBase = def.SocketBase
	}
	if c.Shell == "" {
		c.Shell = def.Shell
	}
	if c.Escape == 0 {
		c.Escape = def.Escape
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = BackendFile
	}
	if c.Registry.JournalMaxAgeDays <= 0 {
		c.Registry.JournalMaxAgeDays = def.Registry.JournalMaxAgeDays
	}
	if c.Connect.InitialWaitMS <= 0 {
		c.Connect.InitialWaitMS = def.Connect.InitialWaitMS
	}
	if c.Connect.RetryIntervalMS <= 0 {
		c.Connect.RetryIntervalMS = def.Connect.RetryIntervalMS
	}
	if c.Connect.TimeoutMS <= 0 {
		c.Connect.TimeoutMS = def.Connect.TimeoutMS
	}
	c.StateDir = expandHome(c.StateDir, home)
	c.Store = expandHome(c.Store, home)
	c.SocketBase = expandHome(c.SocketBase, home)
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate rejects settings the rest of the program cannot honor.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("registry.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Registry.Backend)
	}
	if strings.ContainsAny(c.SocketBase, " \n") {
		return fmt.Errorf("socket_base %q must not contain spaces", c.SocketBase)
	}
	return nil
}

// LogDir is where log files and crash dumps are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// StateDBPath is the sqlite registry location.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// Logging converts the log settings for a process writing to fileName.
// Logs go to LogDir only in debug mode; otherwise they stay in memory.
func (c *Config) Logging(fileName string) logging.Config {
	cfg := logging.Config{
		FileName:   fileName,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
		Debug:      c.Logs.Debug,
	}
	if c.Logs.Debug {
		cfg.LogDir = c.LogDir()
	}
	return cfg
}

// InitialWait is how long Dial waits for a missing socket to appear.
func (c *Config) InitialWait() time.Duration {
	return time.Duration(c.Connect.InitialWaitMS) * time.Millisecond
}

// RetryInterval paces refused connection attempts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Connect.RetryIntervalMS) * time.Millisecond
}

// JournalMaxAge is how old a window event may get before it is pruned.
func (c *Config) JournalMaxAge() time.Duration {
	return time.Duration(c.Registry.JournalMaxAgeDays) * 24 * time.Hour
}

// ConnectTimeout bounds a whole connect.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Connect.TimeoutMS) * time.Millisecond
}

// WindowName names the n-th window started from a registry.
func WindowName(n int) string {
	return fmt.Sprintf("myscreen.%d", n)
}

// Save writes cfg to path using write-to-temp, fsync, rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# myscreen configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if f, err := os.Open(tmpPath); err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}
