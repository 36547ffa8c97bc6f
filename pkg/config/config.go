package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srgg/blesense/internal/analyzer"
	"github.com/srgg/blesense/internal/tracker"
)

// Config holds application configuration: the ambient CLI/logging surface
// plus every tunable the packet tracker, analyzer, and scan orchestrator
// expose.
type Config struct {
	LogLevel      logrus.Level  `json:"log_level" yaml:"-"`
	ScanTimeout   time.Duration `json:"scan_timeout" yaml:"-"`
	DeviceTimeout time.Duration `json:"device_timeout" yaml:"-"`
	OutputFormat  string        `json:"output_format" yaml:"output_format" default:"table"`

	Tracker  tracker.Config  `yaml:"tracker"`
	Analyzer analyzer.Config `yaml:"analyzer"`
	Scan     ScanConfig      `yaml:"scan"`
	Store    StoreConfig     `yaml:"store"`
}

// LoadOp identifies which stage of Load failed.
type LoadOp string

const (
	OpRead  LoadOp = "read"
	OpParse LoadOp = "parse"
)

// LoadError wraps a configuration load failure with the stage it failed at.
// Is allows errors.Is(err, &config.LoadError{Op: config.OpParse}) to test
// for a specific failure stage regardless of the underlying error text.
type LoadError struct {
	Op   LoadOp
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("config: %s %q: %s", e.Op, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is allows errors.Is to compare LoadError values by Op.
func (e *LoadError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LoadError)
	if !ok {
		return false
	}
	return e.Op == t.Op
}

// ScanConfig governs the orchestrator's per-source and overall deadlines.
type ScanConfig struct {
	PerSourceTimeoutMs int64 `yaml:"per_source_timeout_ms" default:"10000"`
	OverallTimeoutMs   int64 `yaml:"overall_timeout_ms" default:"30000"`
}

// StoreConfig governs the embedded SQL persistence layer.
type StoreConfig struct {
	Path string `yaml:"path" default:"blesense.db"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:      logrus.InfoLevel,
		ScanTimeout:   10 * time.Second,
		DeviceTimeout: 30 * time.Second,
		OutputFormat:  "table", // table, json, csv
		Tracker:       tracker.DefaultConfig(),
		Analyzer:      analyzer.DefaultConfig(),
		Scan:          ScanConfig{PerSourceTimeoutMs: 10_000, OverallTimeoutMs: 30_000},
		Store:         StoreConfig{Path: "blesense.db"},
	}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file at path and layers it over DefaultConfig.
// A missing file is not an error: callers get defaults back unmodified.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &LoadError{Op: OpRead, Path: path, Err: err}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &LoadError{Op: OpParse, Path: path, Err: err}
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
