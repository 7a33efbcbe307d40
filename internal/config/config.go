// Package config loads mirrorctl settings from YAML or TOML files.
//
// Files are decoded into a generic tree, validated against the embedded CUE
// schema (unknown keys and bad values are rejected), then merged over
// Default. Command-line flags override the result in the cli package.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mirror/internal/scheduler"
)

//go:embed schema.cue
var schemaSource string

// Error codes.
const (
	CodeReadFailed      = "READ_FAILED"
	CodeParseFailed     = "PARSE_FAILED"
	CodeUnknownFormat   = "UNKNOWN_FORMAT"
	CodeSchemaViolation = "SCHEMA_VIOLATION"
)

// Error reports a configuration file that could not be used.
type Error struct {
	File    string
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.File == "" {
		return fmt.Sprintf("config: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("config %s: %s: %s", e.File, e.Code, e.Message)
}

// IsError returns true if err is or wraps a *Error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Format names a file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the syntax from a file extension. JSON is read as YAML.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", &Error{File: path, Code: CodeUnknownFormat, Message: "expected .yaml, .yml, .json or .toml"}
	}
}

// Config is the resolved configuration.
type Config struct {
	Log         LogConfig
	Scheduler   string
	Replication ReplicationConfig
	Boot        BootConfig
	Tabs        TabsConfig

	// Workspaces seeds the worker.
	Workspaces []string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string
	Format string
}

// ReplicationConfig tunes patch senders.
type ReplicationConfig struct {
	Window    time.Duration
	QueueSize int
	Digest    bool
}

// BootConfig shapes the simulated window/worker pair.
type BootConfig struct {
	Latency      time.Duration
	StartupDelay time.Duration
}

// TabsConfig locates the cross-process tab channel.
type TabsConfig struct {
	DB           string
	Channel      string
	PollInterval time.Duration
	Retention    time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: "default",
		Replication: ReplicationConfig{
			Window:    50 * time.Millisecond,
			QueueSize: 256,
			Digest:    true,
		},
		Tabs: TabsConfig{
			DB:           "mirror-tabs.db",
			Channel:      "mirror.tabs",
			PollInterval: 25 * time.Millisecond,
			Retention:    time.Minute,
		},
	}
}

// SchedulerPolicy resolves the store effect policy.
func (c Config) SchedulerPolicy() (scheduler.Policy, error) {
	if c.Scheduler == "default" || c.Scheduler == "" {
		return scheduler.Default(), nil
	}
	return scheduler.FromName(c.Scheduler, c.Replication.Window)
}

// file mirrors the schema. Pointers tell absent keys from zero values.
type file struct {
	Log *struct {
		Level  *string `json:"level"`
		Format *string `json:"format"`
	} `json:"log"`
	Scheduler   *string `json:"scheduler"`
	Replication *struct {
		Window    *string `json:"window"`
		QueueSize *int    `json:"queue_size"`
		Digest    *bool   `json:"digest"`
	} `json:"replication"`
	Boot *struct {
		Latency      *string `json:"latency"`
		StartupDelay *string `json:"startup_delay"`
	} `json:"boot"`
	Tabs *struct {
		DB           *string `json:"db"`
		Channel      *string `json:"channel"`
		PollInterval *string `json:"poll_interval"`
		Retention    *string `json:"retention"`
	} `json:"tabs"`
	Workspaces []string `json:"workspaces"`
}

// Load reads path and returns Default overlaid with its settings.
func Load(path string) (Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{File: path, Code: CodeReadFailed, Message: err.Error()}
	}
	cfg, err := Parse(data, format)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.File = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data in the given format, validates it and merges it over
// Default.
func Parse(data []byte, format Format) (Config, error) {
	tree := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return Config{}, &Error{Code: CodeParseFailed, Message: err.Error()}
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &tree); err != nil {
			return Config{}, &Error{Code: CodeParseFailed, Message: err.Error()}
		}
	default:
		return Config{}, &Error{Code: CodeUnknownFormat, Message: fmt.Sprintf("unsupported format %q", format)}
	}
	if tree == nil {
		tree = map[string]any{}
	}

	v, err := validate(tree)
	if err != nil {
		return Config{}, err
	}
	var f file
	if err := v.Decode(&f); err != nil {
		return Config{}, &Error{Code: CodeSchemaViolation, Message: err.Error()}
	}
	return merge(Default(), f)
}

// validate unifies tree with #Config and requires a concrete result.
func validate(tree map[string]any) (cue.Value, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(tree))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, schemaError(err)
	}
	return v, nil
}

func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Code: CodeSchemaViolation, Message: err.Error()}
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return &Error{Code: CodeSchemaViolation, Message: strings.Join(msgs, "; ")}
}

func merge(cfg Config, f file) (Config, error) {
	if f.Log != nil {
		setString(&cfg.Log.Level, f.Log.Level)
		setString(&cfg.Log.Format, f.Log.Format)
	}
	setString(&cfg.Scheduler, f.Scheduler)
	if r := f.Replication; r != nil {
		if err := setDuration(&cfg.Replication.Window, r.Window, "replication.window"); err != nil {
			return Config{}, err
		}
		if r.QueueSize != nil {
			cfg.Replication.QueueSize = *r.QueueSize
		}
		if r.Digest != nil {
			cfg.Replication.Digest = *r.Digest
		}
	}
	if b := f.Boot; b != nil {
		if err := setDuration(&cfg.Boot.Latency, b.Latency, "boot.latency"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&cfg.Boot.StartupDelay, b.StartupDelay, "boot.startup_delay"); err != nil {
			return Config{}, err
		}
	}
	if t := f.Tabs; t != nil {
		setString(&cfg.Tabs.DB, t.DB)
		setString(&cfg.Tabs.Channel, t.Channel)
		if err := setDuration(&cfg.Tabs.PollInterval, t.PollInterval, "tabs.poll_interval"); err != nil {
			return Config{}, err
		}
		if err := setDuration(&cfg.Tabs.Retention, t.Retention, "tabs.retention"); err != nil {
			return Config{}, err
		}
	}
	if f.Workspaces != nil {
		cfg.Workspaces = f.Workspaces
	}
	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, key string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return &Error{Code: CodeSchemaViolation, Message: fmt.Sprintf("%s: %v", key, err)}
	}
	*dst = d
	return nil
}
