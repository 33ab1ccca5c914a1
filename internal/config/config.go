// Package config loads recipehub configuration: defaults, then a YAML file,
// then environment overrides (optionally seeded from a .env file). The
// result is validated against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/matthewbaird/recipehub/internal/ledger"
	"github.com/matthewbaird/recipehub/internal/logging"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override the file.
const (
	EnvAddr       = "RECIPEHUB_ADDR"
	EnvBackendURL = "RECIPEHUB_BACKEND_URL"
	EnvDatabase   = "DATABASE_URL"
	EnvLogLevel   = "RECIPEHUB_LOG_LEVEL"
	EnvDataDir    = "RECIPEHUB_DATA_DIR"
	EnvStorage    = "RECIPEHUB_STORAGE"
	EnvQuota      = "RECIPEHUB_QUOTA"
)

// Config is the full process configuration.
type Config struct {
	Addr        string `yaml:"addr" json:"addr"`
	BackendURL  string `yaml:"backend_url" json:"backend_url"`
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	// Storage selects the local kv backend: memory, dir or sqlite.
	Storage  string `yaml:"storage" json:"storage"`
	Quota    int    `yaml:"quota" json:"quota"` // bytes, 0 = unlimited
	Timezone string `yaml:"timezone" json:"timezone"`

	Log    logging.Config `yaml:"log" json:"log"`
	Ledger LedgerConfig   `yaml:"ledger" json:"ledger"`
}

// LedgerConfig tunes the activity ledger.
type LedgerConfig struct {
	MaxEntries   int      `yaml:"max_entries" json:"max_entries"`
	WriteRetries int      `yaml:"write_retries" json:"write_retries"`
	ForwardQueue int      `yaml:"forward_queue" json:"forward_queue"`
	StreakTypes  []string `yaml:"streak_types" json:"streak_types,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := ".recipehub"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".recipehub")
	}
	return Config{
		Addr:    ":8080",
		DataDir: dataDir,
		Storage: "sqlite",
		Quota:   5 << 20,
		Log:     logging.Config{Level: "info"},
		Ledger: LedgerConfig{
			MaxEntries:   ledger.DefaultMaxEntries,
			WriteRetries: ledger.DefaultWriteRetries,
			ForwardQueue: ledger.DefaultForwardQueue,
		},
	}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	set := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	set(EnvAddr, &c.Addr)
	set(EnvBackendURL, &c.BackendURL)
	set(EnvDatabase, &c.DatabaseURL)
	set(EnvLogLevel, &c.Log.Level)
	set(EnvDataDir, &c.DataDir)
	set(EnvStorage, &c.Storage)
	if v, ok := os.LookupEnv(EnvQuota); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvQuota, err)
		}
		c.Quota = n
	}
	return nil
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Location returns the time zone for calendar-day computations.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Limits returns the ledger limits for c.
func (c Config) Limits() ledger.Limits {
	return ledger.Limits{
		MaxEntries:   c.Ledger.MaxEntries,
		WriteRetries: c.Ledger.WriteRetries,
		ForwardQueue: c.Ledger.ForwardQueue,
	}
}
