package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/runner"
	"github.com/specialistvlad/forgegrid/internal/signature"
	"github.com/specialistvlad/forgegrid/internal/value"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "FORGEGRID_"

// LoadOptions locate the configuration sources.
type LoadOptions struct {
	// Path is the config file. When empty, DefaultFile in Dir is used if it
	// exists.
	Path string
	// Dir defaults to the working directory.
	Dir string
	// EnvFile defaults to .env in the config root. A missing file is fine.
	EnvFile string
	// Environ defaults to os.Environ().
	Environ []string
}

// fileRoot is the schema of forgegrid.hcl.
type fileRoot struct {
	Workers       *int     `hcl:"workers,optional"`
	Sandbox       *string  `hcl:"sandbox,optional"`
	Timeout       *string  `hcl:"timeout,optional"`
	KeepGoing     *bool    `hcl:"keep_going,optional"`
	CancelPolicy  *string  `hcl:"cancel_policy,optional"`
	SignatureMode *string  `hcl:"signature_mode,optional"`
	FlushEvery    *int     `hcl:"flush_every,optional"`
	GraphPath     *string  `hcl:"graph_path,optional"`
	HistoryPath   *string  `hcl:"history_path,optional"`
	Manifest      []string `hcl:"manifest,optional"`
	LogLevel      *string  `hcl:"log_level,optional"`
	LogFormat     *string  `hcl:"log_format,optional"`

	Monitor    *monitorBlock    `hcl:"monitor,block"`
	StatusFeed *statusFeedBlock `hcl:"status_feed,block"`
	Watch      *watchBlock      `hcl:"watch,block"`
	Variables  *variablesBlock  `hcl:"variables,block"`
}

type monitorBlock struct {
	Ignore     []string `hcl:"ignore,optional"`
	AllowRead  []string `hcl:"allow_read,optional"`
	AllowWrite []string `hcl:"allow_write,optional"`
}

type statusFeedBlock struct {
	Listen string `hcl:"listen"`
}

type watchBlock struct {
	Debounce string `hcl:"debounce,optional"`
}

type variablesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Load builds the configuration from defaults, the config file and the
// environment.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	logger := ctxlog.FromContext(ctx)

	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		dir = wd
	}
	path := opts.Path
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, DefaultFile)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	cfg := Default(dir)
	if explicit {
		cfg.Root = filepath.Dir(path)
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = filepath.Join(cfg.Root, ".env")
	}
	env, err := mergeEnv(envFile, environ)
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		cfg.Root = filepath.Dir(path)
		cfg.File = path
		if err := cfg.applyFile(path, env); err != nil {
			return nil, err
		}
		logger.Debug("Config file loaded.", "path", path)
	case errors.Is(statErr, fs.ErrNotExist) && !explicit:
		logger.Debug("No config file found, using defaults.", "path", path)
	default:
		return nil, fmt.Errorf("read config %s: %w", path, statErr)
	}

	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeEnv reads envFile and lets environ win over it.
func mergeEnv(envFile string, environ []string) (map[string]string, error) {
	env := map[string]string{}
	fromFile, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		for k, v := range fromFile {
			env[k] = v
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", envFile, err)
	}
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

func (c *Config) applyFile(path string, env map[string]string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	if root.Workers != nil {
		c.Workers = *root.Workers
	}
	if root.KeepGoing != nil {
		c.KeepGoing = *root.KeepGoing
	}
	if root.FlushEvery != nil {
		c.FlushEvery = *root.FlushEvery
	}
	if root.Manifest != nil {
		c.ManifestPath = root.Manifest
	}
	for key, raw := range map[string]*string{
		"sandbox":        root.Sandbox,
		"timeout":        root.Timeout,
		"cancel_policy":  root.CancelPolicy,
		"signature_mode": root.SignatureMode,
		"graph_path":     root.GraphPath,
		"history_path":   root.HistoryPath,
		"log_level":      root.LogLevel,
		"log_format":     root.LogFormat,
	} {
		if raw == nil {
			continue
		}
		if err := settings[key](c, *raw); err != nil {
			return fmt.Errorf("%s: %s: %w", path, key, err)
		}
	}

	if m := root.Monitor; m != nil {
		c.Monitor.Ignore = append(c.Monitor.Ignore, m.Ignore...)
		c.Monitor.AllowRead = append(c.Monitor.AllowRead, m.AllowRead...)
		c.Monitor.AllowWrite = append(c.Monitor.AllowWrite, m.AllowWrite...)
	}
	if root.StatusFeed != nil {
		c.StatusFeed.Listen = root.StatusFeed.Listen
	}
	if root.Watch != nil && root.Watch.Debounce != "" {
		d, err := time.ParseDuration(root.Watch.Debounce)
		if err != nil {
			return fmt.Errorf("%s: watch.debounce: %w", path, err)
		}
		c.Watch.Debounce = d
	}
	if root.Variables != nil {
		vars, err := decodeVariables(root.Variables.Body, env)
		if err != nil {
			return fmt.Errorf("%s: variables: %w", path, err)
		}
		c.Variables = vars
	}
	return nil
}

// decodeVariables evaluates every attribute of the variables block. The
// expressions can refer to the environment as env.NAME.
func decodeVariables(body hcl.Body, env map[string]string) (value.Table, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	envVals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		envVals[k] = cty.StringVal(v)
	}
	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{"env": cty.ObjectVal(envVals)}}

	vars := make(value.Table, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, diags
		}
		converted, err := value.FromCty(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		vars[name] = converted
	}
	return vars, nil
}

// settings parse the scalar settings shared by the file and the
// environment.
var settings = map[string]func(*Config, string) error{
	"workers": func(c *Config, s string) (err error) {
		c.Workers, err = strconv.Atoi(s)
		return err
	},
	"sandbox": func(c *Config, s string) (err error) {
		c.Sandbox, err = monitor.ParseMode(s)
		return err
	},
	"timeout": func(c *Config, s string) (err error) {
		if s == "" || s == "0" {
			c.Timeout = 0
			return nil
		}
		c.Timeout, err = time.ParseDuration(s)
		return err
	},
	"keep_going": func(c *Config, s string) (err error) {
		c.KeepGoing, err = strconv.ParseBool(s)
		return err
	},
	"cancel_policy": func(c *Config, s string) (err error) {
		c.CancelPolicy, err = runner.ParseCancelPolicy(s)
		return err
	},
	"signature_mode": func(c *Config, s string) (err error) {
		c.SignatureMode, err = signature.ParseMode(s)
		return err
	},
	"flush_every": func(c *Config, s string) (err error) {
		c.FlushEvery, err = strconv.Atoi(s)
		return err
	},
	"graph_path":   func(c *Config, s string) error { c.GraphPath = s; return nil },
	"history_path": func(c *Config, s string) error { c.HistoryPath = s; return nil },
	"log_level":    func(c *Config, s string) error { c.LogLevel = strings.ToLower(s); return nil },
	"log_format":   func(c *Config, s string) error { c.LogFormat = strings.ToLower(s); return nil },
	"status_listen": func(c *Config, s string) error {
		c.StatusFeed.Listen = s
		return nil
	},
	"manifest": func(c *Config, s string) error {
		c.ManifestPath = filepath.SplitList(s)
		return nil
	},
}

// Set applies a single setting by its file name, as the cli does for
// flags.
func (c *Config) Set(key, raw string) error {
	set, ok := settings[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := set(c, strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// applyEnv applies FORGEGRID_<SETTING> overrides.
func (c *Config) applyEnv(env map[string]string) error {
	for key, set := range settings {
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := env[name]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := set(c, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
