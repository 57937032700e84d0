package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/specialistvlad/forgegrid/internal/config"
	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/fsys"
	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/signature"
	"github.com/specialistvlad/forgegrid/internal/statusfeed"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	logger  *slog.Logger
	config  *config.Config
	fs      fsys.FS
	sigs    *signature.Store
	history *history.Store
	env     map[string]string
	monitor monitor.Monitor

	feedOnce sync.Once
	feed     *statusfeed.Server
	feedErr  error
}

// Option customizes an App.
type Option func(*App)

// WithMonitor replaces the access monitor chosen from the sandbox mode.
func WithMonitor(m monitor.Monitor) Option {
	return func(a *App) { a.monitor = m }
}

// NewApp is the constructor for the main application. Logs are written to
// logW.
func NewApp(logW io.Writer, cfg *config.Config, opts ...Option) (*App, error) {
	logger := NewLogger(cfg.LogLevel, cfg.LogFormat, logW)
	logger.Debug("Logger configured successfully.", "level", cfg.LogLevel, "format", cfg.LogFormat)

	fs := fsys.NewOS()
	sigs, err := signature.NewStore(fs, cfg.SignatureMode)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature store: %w", err)
	}

	a := &App{
		logger:  logger,
		config:  cfg,
		fs:      fs,
		sigs:    sigs,
		history: history.NewStore(fs, cfg.Resolve(cfg.HistoryPath)),
		env:     environMap(os.Environ()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Context attaches the application logger to ctx.
func (a *App) Context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.config }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// accessMonitor returns the monitor runs are launched through. Sandboxed
// runs re-execute this binary as the tracing helper.
func (a *App) accessMonitor() (monitor.Monitor, error) {
	if a.monitor != nil {
		return a.monitor, nil
	}
	if a.config.Sandbox == monitor.ModeDisabled {
		return monitor.Direct{}, nil
	}
	c, err := monitor.NewController()
	if err != nil {
		return nil, fmt.Errorf("failed to start access monitor: %w", err)
	}
	a.monitor = c
	return c, nil
}

// statusFeed starts the configured status feed on first use. It returns
// nil when none is configured.
func (a *App) statusFeed(ctx context.Context) (*statusfeed.Server, error) {
	if a.config.StatusFeed.Listen == "" {
		return nil, nil
	}
	a.feedOnce.Do(func() {
		a.feed, a.feedErr = statusfeed.Listen(ctx, a.config.StatusFeed.Listen)
	})
	return a.feed, a.feedErr
}

// Close releases the status feed.
func (a *App) Close() error {
	if a.feed == nil {
		return nil
	}
	a.logger.Debug("Closing status feed...")
	return a.feed.Close()
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
