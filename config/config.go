// Package config loads rune-deploy settings. Sources, lowest precedence
// first: built-in defaults, the config file, RUNE_DEPLOY_* environment
// variables, and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppName names the configuration directory.
	AppName = "rune-deploy"
	// FileName is the config file inside the configuration directory.
	FileName = "config.toml"
	// EnvPrefix prefixes environment variable overrides.
	EnvPrefix = "RUNE_DEPLOY"
)

// Keys. Flags of the same name are bound to them.
const (
	KeyRegistry       = "registry"
	KeyRegistries     = "registries"
	KeyCacheDir       = "cache-dir"
	KeyTimeout        = "timeout"
	KeyRetries        = "retries"
	KeyJobs           = "jobs"
	KeyGo             = "go"
	KeyRuntimeDir     = "runtime-dir"
	KeyRuntimeVersion = "runtime-version"
	KeyVerbosity      = "verbosity"
)

// Config is the resolved tool configuration.
type Config struct {
	// Registry is the default registry index URL.
	Registry string `mapstructure:"registry"`
	// Registries maps registry names to index URLs.
	Registries map[string]string `mapstructure:"registries"`
	// CacheDir overrides the cache root. Empty means <UserCacheDir>/.rune.
	CacheDir string `mapstructure:"cache-dir"`
	// Timeout bounds the toolchain step. Zero means none.
	Timeout time.Duration `mapstructure:"timeout"`
	// Retries after a transient resolution failure.
	Retries int `mapstructure:"retries"`
	// Jobs bounds parallel precompilation. Zero means GOMAXPROCS.
	Jobs int `mapstructure:"jobs"`
	// Go is the go command.
	Go string `mapstructure:"go"`
	// RuntimeDir is a local checkout of the runtime module.
	RuntimeDir string `mapstructure:"runtime-dir"`
	// RuntimeVersion pins the runtime module version.
	RuntimeVersion string `mapstructure:"runtime-version"`
	Verbosity      int    `mapstructure:"verbosity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Registries: map[string]string{},
		Retries:    3,
		Go:         "go",
	}
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// File is an explicit config file; it must exist.
	File string
	// Dir overrides the configuration directory.
	Dir string
	// Flags are bound by key name. Only flags that were set override.
	Flags *pflag.FlagSet
}

// Dir returns the configuration directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// Load resolves the configuration. It returns the config file that was
// read, or "" when defaults, environment, and flags were all there was.
func Load(opts LoadOptions) (*Config, string, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault(KeyRegistry, defaults.Registry)
	v.SetDefault(KeyRegistries, defaults.Registries)
	v.SetDefault(KeyCacheDir, defaults.CacheDir)
	v.SetDefault(KeyTimeout, defaults.Timeout)
	v.SetDefault(KeyRetries, defaults.Retries)
	v.SetDefault(KeyJobs, defaults.Jobs)
	v.SetDefault(KeyGo, defaults.Go)
	v.SetDefault(KeyRuntimeDir, defaults.RuntimeDir)
	v.SetDefault(KeyRuntimeVersion, defaults.RuntimeVersion)
	v.SetDefault(KeyVerbosity, defaults.Verbosity)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := opts.File
	if path == "" {
		dir := opts.Dir
		if dir == "" {
			var err error
			if dir, err = Dir(); err != nil {
				return nil, "", err
			}
		}
		path = filepath.Join(dir, FileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if opts.Flags != nil {
		for _, key := range []string{
			KeyRegistry, KeyCacheDir, KeyTimeout, KeyRetries, KeyJobs,
			KeyGo, KeyRuntimeDir, KeyRuntimeVersion, KeyVerbosity,
		} {
			if f := opts.Flags.Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, "", fmt.Errorf("invalid config: %s must not be negative", KeyRetries)
	}
	if cfg.Timeout < 0 {
		return nil, "", fmt.Errorf("invalid config: %s must not be negative", KeyTimeout)
	}
	return &cfg, path, nil
}
