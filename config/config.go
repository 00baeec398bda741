// Package config loads migration settings from defaults, a YAML or TOML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration error. Configuration errors are
// raised before any store is opened.
var ErrInvalid = errors.New("invalid configuration")

// Format is a config file encoding.
type Format string

const (
	YAML Format = "yaml"
	TOML Format = "toml"
)

// StoreConfig selects the document store.
type StoreConfig struct {
	Backend  string `yaml:"backend" toml:"backend"` // "mongo", "sqlite", "json", "memory"
	URI      string `yaml:"uri" toml:"uri"`
	Database string `yaml:"database" toml:"database"`
	DataDir  string `yaml:"data_dir" toml:"data_dir"`
	Timeout  string `yaml:"timeout" toml:"timeout"`
}

// MigrationConfig holds the defaults of every migration command.
type MigrationConfig struct {
	Collections []string `yaml:"collections" toml:"collections"`
	BatchSize   int      `yaml:"batch_size" toml:"batch_size"`
	Parallelism int      `yaml:"parallelism" toml:"parallelism"`
	SourceTZ    string   `yaml:"source_tz" toml:"source_tz"`
	ZoneField   string   `yaml:"zone_field" toml:"zone_field"`
	ArchiveDir  string   `yaml:"archive_dir" toml:"archive_dir"`
	MaxSamples  int      `yaml:"max_samples" toml:"max_samples"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // "debug", "info", "warn", "error"
	Output string `yaml:"output" toml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file" toml:"file"`
}

// ServerConfig holds the admin API settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" toml:"listen_address"`
}

// Config holds all settings of the migration tool.
type Config struct {
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Migration MigrationConfig `yaml:"migration" toml:"migration"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	// Schemas overrides the verification schema per collection.
	Schemas map[string]map[string]any `yaml:"schemas" toml:"schemas"`
}

// Default returns a Config with all default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:  "mongo",
			Database: "bionexo",
			DataDir:  "./data",
			Timeout:  "10s",
		},
		Migration: MigrationConfig{
			BatchSize:   500,
			Parallelism: 2,
			SourceTZ:    "UTC",
			MaxSamples:  5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "bionexo-migrate.log",
		},
		Server: ServerConfig{
			ListenAddress: ":8090",
		},
	}
}

// Load reads configuration from r, overwriting defaults. A nil or empty
// reader yields the defaults.
func Load(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	switch format {
	case YAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal config yaml: %v", ErrInvalid, err)
		}
	case TOML:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to decode config toml: %v", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown config format %q", ErrInvalid, format)
	}
	return cfg, nil
}

// FormatOf picks the file format from the extension. Anything that is not
// .toml is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOML
	}
	return YAML
}

// LoadFile reads configuration from path. An empty path yields the defaults.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open config file %s: %v", ErrInvalid, path, err)
	}
	defer file.Close()
	return Load(file, FormatOf(path))
}

// ApplyEnv overrides settings from environment variables. lookup is
// os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("MONGODB_URI"); ok && v != "" {
		c.Store.URI = v
	}
	if v, ok := lookup("BIONEXO_DB"); ok && v != "" {
		c.Store.Database = v
	}
	if v, ok := lookup("STORE_BACKEND"); ok && v != "" {
		c.Store.Backend = v
	}
	if v, ok := lookup("DATA_DIR"); ok && v != "" {
		c.Store.DataDir = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("BIONEXO_BATCH_SIZE"); ok && v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			c.Migration.BatchSize = n
		}
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "mongo", "":
		if c.Store.URI == "" {
			return fmt.Errorf("%w: mongo backend needs a connection string (MONGODB_URI or --uri)", ErrInvalid)
		}
		if c.Store.Database == "" {
			return fmt.Errorf("%w: database name is empty", ErrInvalid)
		}
	case "sqlite", "json":
		if c.Store.DataDir == "" {
			return fmt.Errorf("%w: %s backend needs a data directory", ErrInvalid, c.Store.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalid, c.Migration.BatchSize)
	}
	if c.Migration.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be at least 1, got %d", ErrInvalid, c.Migration.Parallelism)
	}
	if _, err := c.SourceZone(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.Store.Timeout); c.Store.Timeout != "" && err != nil {
		return fmt.Errorf("%w: store timeout %q: %v", ErrInvalid, c.Store.Timeout, err)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr", "file", "none":
	default:
		return fmt.Errorf("%w: unknown log output %q", ErrInvalid, c.Logging.Output)
	}
	return nil
}

// SourceZone loads the zone naive timestamps are interpreted in.
func (c *Config) SourceZone() (*time.Location, error) {
	name := c.Migration.SourceTZ
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: source time zone %q: %v", ErrInvalid, name, err)
	}
	return loc, nil
}

// StoreTimeout is the parsed store timeout, 10s when unset.
func (c *Config) StoreTimeout() time.Duration {
	d, err := time.ParseDuration(c.Store.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. Files get JSON lines, terminals get
// text. The returned closer releases the log file.
func NewLogger(lc LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(lc.Output) {
	case "stdout":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nopCloser{}, nil
	case "stderr", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nopCloser{}, nil
	case "file":
		file, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", lc.File, err)
		}
		return slog.New(slog.NewJSONHandler(file, opts)), file, nil
	case "none":
		return slog.New(slog.NewTextHandler(io.Discard, opts)), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown log output %q", ErrInvalid, lc.Output)
}
