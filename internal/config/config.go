package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/runner"
	"github.com/specialistvlad/forgegrid/internal/signature"
	"github.com/specialistvlad/forgegrid/internal/value"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "forgegrid.hcl"

// Config holds every setting of a forgegrid invocation.
type Config struct {
	// Root is the directory relative paths are resolved against: the
	// directory of the config file, or the working directory.
	Root string
	// File is the config file that was read, empty when none existed.
	File string

	Workers       int
	Sandbox       monitor.Mode
	Timeout       time.Duration
	KeepGoing     bool
	CancelPolicy  runner.CancelPolicy
	SignatureMode signature.Mode
	FlushEvery    int

	GraphPath    string
	HistoryPath  string
	ManifestPath []string

	LogLevel  string
	LogFormat string

	Monitor    MonitorConfig
	StatusFeed StatusFeedConfig
	Watch      WatchConfig

	Variables value.Table
}

// MonitorConfig extends the sandbox of every operation.
type MonitorConfig struct {
	Ignore     []string
	AllowRead  []string
	AllowWrite []string
}

// StatusFeedConfig configures the live status server. An empty Listen
// address disables it.
type StatusFeedConfig struct {
	Listen string
}

// WatchConfig tunes watch mode.
type WatchConfig struct {
	Debounce time.Duration
}

// Default returns the built-in settings rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Root:          dir,
		Sandbox:       monitor.ModeAdvisory,
		CancelPolicy:  runner.CancelWait,
		SignatureMode: signature.ModeTimestamp,
		FlushEvery:    1,
		GraphPath:     filepath.Join(".forgegrid", "graph.bin"),
		HistoryPath:   filepath.Join(".forgegrid", "history.bin"),
		ManifestPath:  []string{"operations.hcl"},
		LogLevel:      "info",
		LogFormat:     "text",
		Monitor: MonitorConfig{
			Ignore:     []string{"/proc/**", "/dev/**", "/sys/**"},
			AllowRead:  []string{"/usr/**", "/lib/**", "/lib64/**", "/bin/**", "/sbin/**", "/etc/**"},
			AllowWrite: []string{"/tmp/**"},
		},
		Watch:     WatchConfig{Debounce: 300 * time.Millisecond},
		Variables: value.Table{},
	}
}

// Resolve makes path absolute against the config root.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, path)
}

// Validate checks values that cannot be caught while parsing.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.FlushEvery < 0 {
		return fmt.Errorf("flush_every must not be negative, got %d", c.FlushEvery)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q: must be 'debug', 'info', 'warn', or 'error'", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: must be 'text' or 'json'", c.LogFormat)
	}
	if c.GraphPath == "" || c.HistoryPath == "" {
		return fmt.Errorf("graph_path and history_path are required")
	}
	p := monitor.Policy{Ignore: c.Monitor.Ignore, AllowRead: c.Monitor.AllowRead, AllowWrite: c.Monitor.AllowWrite}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// RunOptions maps the settings onto runner options.
func (c *Config) RunOptions() runner.Options {
	return runner.Options{
		SandboxMode: c.Sandbox,
		Sandbox: runner.Sandbox{
			AllowRead:  c.Monitor.AllowRead,
			AllowWrite: c.Monitor.AllowWrite,
			Ignore:     c.Monitor.Ignore,
		},
		Workers:          c.Workers,
		OperationTimeout: c.Timeout,
		CancelPolicy:     c.CancelPolicy,
		KeepGoing:        c.KeepGoing,
		FlushEvery:       c.FlushEvery,
		Variables:        c.Variables,
	}
}
