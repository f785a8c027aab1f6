// Package config loads kcache settings from kcache.toml and KCACHE_*
// environment variables. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"

	"kcache/internal/cachekey"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the merged configuration.
type Config struct {
	Cache     CacheConfig     `toml:"cache"`
	Toolchain ToolchainConfig `toml:"toolchain"`
	Build     BuildConfig     `toml:"build"`
	Log       LogConfig       `toml:"log"`

	// Path is the file the configuration was read from, empty if none.
	Path string `toml:"-"`
}

// CacheConfig controls the persistent artifact store.
type CacheConfig struct {
	// Dir is the cache directory. Empty disables persistence.
	Dir       string `toml:"dir"        env:"KCACHE_DIR"`
	CreateDir bool   `toml:"create_dir" env:"KCACHE_CREATE_DIR"`
	LoadJobs  int    `toml:"load_jobs"  env:"KCACHE_LOAD_JOBS"`
}

// ToolchainConfig locates the CUDA tools.
type ToolchainConfig struct {
	ToolkitDir string   `toml:"toolkit_dir" env:"KCACHE_TOOLKIT_DIR"`
	LLC        string   `toml:"llc"         env:"KCACHE_LLC"`
	Ptxas      string   `toml:"ptxas"       env:"KCACHE_PTXAS"`
	PtxasFlags []string `toml:"ptxas_flags" env:"KCACHE_PTXAS_FLAGS" envSeparator:" "`
}

// BuildConfig holds defaults for kcache build.
type BuildConfig struct {
	Arch                 string `toml:"arch"                  env:"KCACHE_ARCH"`
	Jobs                 int    `toml:"jobs"                  env:"KCACHE_JOBS"`
	DisableOptimizations bool   `toml:"disable_optimizations" env:"KCACHE_DISABLE_OPTIMIZATIONS"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level" env:"KCACHE_LOG_LEVEL"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Build: BuildConfig{Arch: "8.6"},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// Path is an explicit config file. It must exist when set.
	Path string
	// StartDir is where the upward search for kcache.toml begins when Path is
	// empty. Defaults to the working directory.
	StartDir string
	// NoSearch skips the upward search.
	NoSearch bool
	// Environ replaces the process environment, for tests.
	Environ map[string]string
}

// Load returns defaults overlaid with the config file and then the
// environment.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := opts.Path
	if path == "" && !opts.NoSearch {
		found, ok, err := Find(opts.StartDir)
		if err != nil {
			return cfg, err
		}
		if ok {
			path = found
		}
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	envOpts := env.Options{}
	if opts.Environ != nil {
		envOpts.Environment = opts.Environ
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func decodeFile(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%s: %w: unknown keys %s", path, ErrInvalid, strings.Join(keys, ", "))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.Path = abs
	// Relative paths in the file are relative to the file.
	base := filepath.Dir(abs)
	if meta.IsDefined("cache", "dir") {
		cfg.Cache.Dir = resolve(base, cfg.Cache.Dir)
	}
	if meta.IsDefined("toolchain", "toolkit_dir") {
		cfg.Toolchain.ToolkitDir = resolve(base, cfg.Toolchain.ToolkitDir)
	}
	return nil
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Cache.LoadJobs < 0 {
		return fmt.Errorf("%w: cache.load_jobs must not be negative", ErrInvalid)
	}
	if c.Build.Jobs < 0 {
		return fmt.Errorf("%w: build.jobs must not be negative", ErrInvalid)
	}
	if c.Build.Arch != "" {
		if _, err := cachekey.ParseArch(c.Build.Arch); err != nil {
			return fmt.Errorf("%w: build.arch: %w", ErrInvalid, err)
		}
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	return nil
}

// Arch returns the parsed default architecture.
func (c Config) Arch() (cachekey.Arch, error) {
	return cachekey.ParseArch(c.Build.Arch)
}

// Options returns the compile options implied by the configuration.
func (c Config) Options() cachekey.Options {
	return cachekey.Options{
		DisableOptimizations: c.Build.DisableOptimizations,
		ToolkitDir:           c.Toolchain.ToolkitDir,
		ExtraFlags:           append([]string(nil), c.Toolchain.PtxasFlags...),
	}
}
