// Package config loads process settings from defaults, an optional YAML
// file, QB_ environment variables and command-line flags, in that order of
// precedence (later wins).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"querybuilder/internal/domain"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	envPrefix      = "QB_"
	DefaultOwnerID = "local"
	dbFileName     = "querybuilder.db"
)

// configFileNames are searched in the working directory when no file is
// given explicitly.
var configFileNames = []string{"querybuilder.yaml", "querybuilder.yml"}

// envSections are the nested key groups; QB_POOL_ACQUIRE_TIMEOUT maps to
// pool.acquire_timeout while QB_DATA_DIR stays data_dir.
var envSections = []string{"log", "pool", "optimizer", "secrets"}

type Config struct {
	DataDir   string          `koanf:"data_dir"`
	DBPath    string          `koanf:"db_path"`
	OwnerID   string          `koanf:"owner_id"`
	Log       LogConfig       `koanf:"log"`
	Pool      PoolConfig      `koanf:"pool"`
	Optimizer OptimizerConfig `koanf:"optimizer"`
	Secrets   SecretsConfig   `koanf:"secrets"`

	// File is the config file that was read, empty when none was found.
	File string `koanf:"-"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PoolConfig tunes the pool manager. Bounds and idle timeout are per
// connection and live in its options.
type PoolConfig struct {
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
	ReapInterval   time.Duration `koanf:"reap_interval"`
	ProbeRetries   int           `koanf:"probe_retries"`
	WarmUp         bool          `koanf:"warm_up"`
}

type OptimizerConfig struct {
	// Explain runs EXPLAIN for every executed SELECT.
	Explain bool `koanf:"explain"`
}

type SecretsConfig struct {
	Backend string `koanf:"backend"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".querybuilder"
	}
	return filepath.Join(home, ".local", "share", "querybuilder")
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":             defaultDataDir(),
		"db_path":              "",
		"owner_id":             DefaultOwnerID,
		"log.level":            "info",
		"log.format":           "text",
		"pool.acquire_timeout": "30s",
		"pool.reap_interval":   "1m",
		"pool.probe_retries":   3,
		"pool.warm_up":         true,
		"optimizer.explain":    false,
		"secrets.backend":      "keychain",
	}
}

// findConfigFile returns the explicit path, else the first default file
// present in the working directory.
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range configFileNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range envSections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

// flagKeys maps persistent flag names onto config keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"db-path":    "db_path",
	"data-dir":   "data_dir",
	"owner":      "owner_id",
}

// Load reads the configuration. path may be empty; flags may be nil.
// Only flags the user set override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	used := findConfigFile(path)
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: read config file %s: %w", domain.ErrConfiguration, used, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", domain.ErrConfiguration, err)
	}
	cfg.File = used
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if strings.TrimSpace(c.OwnerID) == "" {
		errs = multierror.Append(errs, fmt.Errorf("owner_id is required"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("pool.acquire_timeout must be positive"))
	}
	if c.Pool.ReapInterval < 0 {
		errs = multierror.Append(errs, fmt.Errorf("pool.reap_interval must not be negative"))
	}
	if c.Pool.ProbeRetries < 1 {
		errs = multierror.Append(errs, fmt.Errorf("pool.probe_retries must be at least 1"))
	}
	switch c.Secrets.Backend {
	case "keychain", "memory":
	default:
		errs = multierror.Append(errs, fmt.Errorf("secrets.backend %q must be keychain or memory", c.Secrets.Backend))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	return nil
}

// SlogLevel parses the level name (debug, info, warn, error).
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
