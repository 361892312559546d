// Package config loads lattice settings from lattice.yml, an optional .env
// file and LATTICE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/V3idt/lattice-audit/internal/logging"
)

const (
	DefaultFile   = "lattice.yml"
	DefaultDotEnv = ".env"
)

// Environment variables consulted by Load.
const (
	EnvWorkers        = "LATTICE_WORKERS"
	EnvPatternTimeout = "LATTICE_PATTERN_TIMEOUT"
	EnvMaxFileBytes   = "LATTICE_MAX_FILE_BYTES"
	EnvLogLevel       = "LATTICE_LOG_LEVEL"
	EnvLogFormat      = "LATTICE_LOG_FORMAT"
)

type Config struct {
	Scan       ScanConfig    `yaml:"scan"`
	Logging    LoggingConfig `yaml:"logging"`
	PolicyPath string        `yaml:"policy_path"`

	// File is the config file that was read, empty when defaults were used.
	File string `yaml:"-"`
}

type ScanConfig struct {
	Workers        int               `yaml:"workers"`
	PatternTimeout time.Duration     `yaml:"pattern_timeout"`
	MaxFileBytes   int64             `yaml:"max_file_bytes"`
	SnippetMax     int               `yaml:"snippet_max"`
	Dedupe         bool              `yaml:"dedupe"`
	Exclude        []string          `yaml:"exclude"`
	IgnoreDirs     []string          `yaml:"ignore_dirs"`
	Extensions     map[string]string `yaml:"extensions"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Scan: ScanConfig{
			PatternTimeout: 2 * time.Second,
			MaxFileBytes:   5 << 20,
			SnippetMax:     200,
			Dedupe:         true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		PolicyPath: "policy.yml",
	}
}

// Source tells Load where to look.
type Source struct {
	// Path is an explicit config file, which must exist. Empty probes
	// DefaultFile in the working directory and tolerates its absence.
	Path string
	// DotEnv is the .env file to read. Empty means DefaultDotEnv.
	DotEnv string
	// Lookup reads the process environment. Nil means os.LookupEnv.
	Lookup func(string) (string, bool)
}

func Load(src Source) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(src.Path)
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.File = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	lookup, err := envLookup(src)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	log.Debug().
		Str("file", cfg.File).
		Int("workers", cfg.Scan.Workers).
		Dur("pattern_timeout", cfg.Scan.PatternTimeout).
		Msg("Configuration loaded")
	return cfg, nil
}

// envLookup layers the process environment over the .env file, so exported
// variables win over file entries.
func envLookup(src Source) (func(string) (string, bool), error) {
	lookup := src.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	dotenv := strings.TrimSpace(src.DotEnv)
	if dotenv == "" {
		dotenv = DefaultDotEnv
	}
	fileVars, err := godotenv.Read(dotenv)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", dotenv, err)
	}
	log.Debug().Str("file", dotenv).Msg("Loaded .env file")

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := nonEmpty(lookup, EnvWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvWorkers, v)
		}
		c.Scan.Workers = n
	}
	if v, ok := nonEmpty(lookup, EnvPatternTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPatternTimeout, err)
		}
		c.Scan.PatternTimeout = d
	}
	if v, ok := nonEmpty(lookup, EnvMaxFileBytes); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvMaxFileBytes, v)
		}
		c.Scan.MaxFileBytes = n
	}
	if v, ok := nonEmpty(lookup, EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := nonEmpty(lookup, EnvLogFormat); ok {
		c.Logging.Format = v
	}
	return nil
}

func nonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Validate rejects settings that would make a scan misbehave.
func (c Config) Validate() error {
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must not be negative, got %d", c.Scan.Workers)
	}
	if c.Scan.PatternTimeout < 0 {
		return fmt.Errorf("scan.pattern_timeout must not be negative, got %s", c.Scan.PatternTimeout)
	}
	if c.Scan.SnippetMax < 0 {
		return fmt.Errorf("scan.snippet_max must not be negative, got %d", c.Scan.SnippetMax)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error or disabled, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("logging.format must be auto, json or console, got %q", c.Logging.Format)
	}
	return nil
}
