// Package config loads the dbhelm TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/dbhelm/internal/instance"
	"github.com/loykin/dbhelm/internal/logger"
)

const (
	EnvPrefix      = "DBHELM"
	DefaultDataDir = "~/.local/share/dbhelm"
)

var ErrUnknownEngine = errors.New("unknown engine in config")

var validate = validator.New()

type Config struct {
	Paths      PathsConfig             `mapstructure:"paths"`
	Log        LogConfig               `mapstructure:"log"`
	Env        EnvConfig               `mapstructure:"env"`
	Supervisor SupervisorConfig        `mapstructure:"supervisor"`
	Reconciler ReconcilerConfig        `mapstructure:"reconciler"`
	AutoStart  AutoStartConfig         `mapstructure:"autostart"`
	Helper     HelperConfig            `mapstructure:"helper"`
	Server     ServerConfig            `mapstructure:"server"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	History    HistoryConfig           `mapstructure:"history"`
	Cleanup    CleanupConfig           `mapstructure:"cleanup"`
	Secrets    SecretsConfig           `mapstructure:"secrets"`
	Engines    map[string]EngineConfig `mapstructure:"engines"`
}

// PathsConfig locates persisted state. Empty file paths derive from DataDir.
type PathsConfig struct {
	DataDir   string `mapstructure:"data_dir" validate:"required"`
	StateFile string `mapstructure:"state_file"`
	BanFile   string `mapstructure:"ban_file"`
	LogDir    string `mapstructure:"log_dir"`
}

// LogConfig covers the application log and the rotation of engine logs.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=text json color"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// EnvConfig is the base environment handed to engine processes.
type EnvConfig struct {
	Vars     []string `mapstructure:"vars"`
	Files    []string `mapstructure:"files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

type SupervisorConfig struct {
	StartGrace   time.Duration `mapstructure:"start_grace" validate:"gte=0"`
	StopGrace    time.Duration `mapstructure:"stop_grace" validate:"gte=0"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gte=0"`
	CheckPort    bool          `mapstructure:"check_port"`
}

type ReconcilerConfig struct {
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type AutoStartConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Spacing     time.Duration `mapstructure:"spacing" validate:"gte=0"`
	VerifyDelay time.Duration `mapstructure:"verify_delay" validate:"gte=0"`
}

type HelperConfig struct {
	Socket          string        `mapstructure:"socket"`
	LockFile        string        `mapstructure:"lock_file"`
	InstallDir      string        `mapstructure:"install_dir"`
	Label           string        `mapstructure:"label" validate:"required"`
	Scope           string        `mapstructure:"scope" validate:"oneof=user system"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RestartDelay    time.Duration `mapstructure:"restart_delay" validate:"gte=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gte=0"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen" validate:"required,hostname_port"`
	BasePath string `mapstructure:"base_path" validate:"omitempty,startswith=/"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HistoryConfig enables lifecycle history when DSN is set
// (sqlite://, postgres://, clickhouse://).
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CleanupConfig struct {
	MinAge  time.Duration `mapstructure:"min_age" validate:"gte=0"`
	Grace   time.Duration `mapstructure:"grace" validate:"gte=0"`
	OnStart bool          `mapstructure:"on_start"`
	Correct bool          `mapstructure:"correct"`
}

// SecretsConfig picks the credential store. An empty backend means the
// OS keychain; "file" uses an encrypted file under FileDir.
type SecretsConfig struct {
	Backend  string `mapstructure:"backend" validate:"omitempty,oneof=keychain file memory"`
	FileDir  string `mapstructure:"file_dir"`
	Password string `mapstructure:"password"`
}

type EngineConfig struct {
	BinDir string `mapstructure:"bin_dir"`
}

// Validate checks struct tags and engine section names.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	for name := range c.Engines {
		if !instance.EngineType(name).Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownEngine, name)
		}
	}
	return nil
}

// EngineDirs returns the configured bin dirs keyed by engine type.
func (c *Config) EngineDirs() map[instance.EngineType]string {
	out := make(map[instance.EngineType]string, len(c.Engines))
	for name, e := range c.Engines {
		if e.BinDir != "" {
			out[instance.EngineType(name)] = e.BinDir
		}
	}
	return out
}

// CleanupTimeout is the helper budget for a cleanup request. A sweep may
// wait out the full kill grace, so the plain request timeout is added on
// top of it.
func (c *Config) CleanupTimeout() time.Duration {
	return c.Cleanup.Grace + c.Helper.Timeout
}

// EngineLog is the rotation config for engine stdout/stderr files.
func (c *Config) EngineLog() logger.Config {
	return logger.Config{
		Dir:        c.Paths.LogDir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// LoggerOptions is the application logger setup.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
		Rotate: c.EngineLog(),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.data_dir", DefaultDataDir)
	v.SetDefault("paths.state_file", "")
	v.SetDefault("paths.ban_file", "")
	v.SetDefault("paths.log_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("env.vars", []string{})
	v.SetDefault("env.files", []string{})
	v.SetDefault("env.use_os_env", true)

	v.SetDefault("supervisor.start_grace", "1s")
	v.SetDefault("supervisor.stop_grace", "10s")
	v.SetDefault("supervisor.probe_timeout", "500ms")
	v.SetDefault("supervisor.check_port", true)

	v.SetDefault("reconciler.debounce", "300ms")

	v.SetDefault("autostart.enabled", true)
	v.SetDefault("autostart.spacing", "1s")
	v.SetDefault("autostart.verify_delay", "2s")

	v.SetDefault("helper.socket", "")
	v.SetDefault("helper.lock_file", "")
	v.SetDefault("helper.install_dir", "")
	v.SetDefault("helper.label", "io.dbhelm.helper")
	v.SetDefault("helper.scope", "user")
	v.SetDefault("helper.timeout", "5s")
	v.SetDefault("helper.restart_delay", "1s")
	v.SetDefault("helper.cleanup_interval", "1m")

	v.SetDefault("server.listen", "127.0.0.1:7420")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.dsn", "")

	v.SetDefault("cleanup.min_age", "10s")
	v.SetDefault("cleanup.grace", "5s")
	v.SetDefault("cleanup.on_start", true)
	v.SetDefault("cleanup.correct", true)

	v.SetDefault("secrets.backend", "")
	v.SetDefault("secrets.file_dir", "")
	v.SetDefault("secrets.password", "")
}

// Load reads path (optional) on top of defaults and DBHELM_* environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish expands ~ and derives the file paths left empty.
func (c *Config) finish() error {
	home, _ := os.UserHomeDir()
	c.Paths.DataDir = expandPath(home, c.Paths.DataDir)
	if c.Paths.DataDir != "" {
		abs, err := filepath.Abs(c.Paths.DataDir)
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		c.Paths.DataDir = abs
	}
	c.Paths.StateFile = orJoin(expandPath(home, c.Paths.StateFile), c.Paths.DataDir, "instances.json")
	c.Paths.BanFile = orJoin(expandPath(home, c.Paths.BanFile), c.Paths.DataDir, "banned-ports.json")
	c.Paths.LogDir = orJoin(expandPath(home, c.Paths.LogDir), c.Paths.DataDir, "logs")
	c.Log.File = expandPath(home, c.Log.File)
	c.Helper.InstallDir = orJoin(expandPath(home, c.Helper.InstallDir), c.Paths.DataDir, "helper")
	c.Helper.Socket = expandPath(home, c.Helper.Socket)
	c.Helper.LockFile = expandPath(home, c.Helper.LockFile)
	if c.Secrets.FileDir == "" && c.Secrets.Backend == "file" {
		c.Secrets.FileDir = filepath.Join(c.Paths.DataDir, "secrets")
	}
	for name, e := range c.Engines {
		e.BinDir = expandPath(home, e.BinDir)
		c.Engines[name] = e
	}
	return nil
}

func orJoin(v, dir, name string) string {
	if v != "" {
		return v
	}
	return filepath.Join(dir, name)
}

func expandPath(home, p string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// GlobalEnv merges the engine base environment: OS env (when enabled), then
// env files in order, then the inline vars.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.Env.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.Env.Files {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env.Vars {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; # starts a comment line.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
