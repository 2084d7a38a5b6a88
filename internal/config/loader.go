// Package config loads gonube settings.
//
// Precedence, lowest first: built-in defaults, the config file, GONUBE_*
// environment variables, runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file, env prefix and data directory.
	AppName = "gonube"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "GONUBE"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Migrate MigrateConfig `mapstructure:"migrate"`
	API     APIConfig     `mapstructure:"api"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StoreConfig locates the provider database. URL (libsql://) wins over Path.
type StoreConfig struct {
	Path         string `mapstructure:"path"`
	URL          string `mapstructure:"url"`
	AuthToken    string `mapstructure:"auth_token"`
	IdentityFile string `mapstructure:"identity_file"`
}

type MigrateConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	// RunsDir holds persisted migration run records.
	RunsDir string `mapstructure:"runs_dir"`
}

// APIConfig bounds per-client request rates on the HTTP API.
type APIConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load reads configuration from the default locations.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile reads configuration, using file instead of the search path when
// it is not empty. A missing file is an error only when named explicitly.
func LoadFile(ctx context.Context, file string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Store.Path == "" && cfg.Store.URL == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	if cfg.Migrate.RunsDir == "" {
		cfg.Migrate.RunsDir = DefaultRunsDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// DefaultStorePath is the provider database location under the app data dir.
func DefaultStorePath() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "providers.db")
}

// DefaultRunsDir is the migration run registry location under the app data dir.
func DefaultRunsDir() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "runs")
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Migrate.Concurrency < 1:
		return fmt.Errorf("migrate.concurrency must be >= 1, got %d", c.Migrate.Concurrency)
	case c.Migrate.RateLimit < 0:
		return fmt.Errorf("migrate.rate_limit must not be negative")
	case c.API.RateLimit < 0:
		return fmt.Errorf("api.rate_limit must not be negative")
	case c.API.RateLimit > 0 && c.API.Burst < 1:
		return fmt.Errorf("api.burst must be >= 1 when api.rate_limit is set")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.identity_file", "")

	v.SetDefault("migrate.concurrency", 4)
	v.SetDefault("migrate.rate_limit", 0)
	v.SetDefault("migrate.runs_dir", "")

	v.SetDefault("api.rate_limit", 20)
	v.SetDefault("api.burst", 40)
}

func getEnvSpecs() []EnvSpec {
	pairs := [][2]string{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_FORMAT", "logging.format"},
		{"LOG_FILE", "logging.file"},
		{"STORE_PATH", "store.path"},
		{"STORE_URL", "store.url"},
		{"STORE_AUTH_TOKEN", "store.auth_token"},
		{"IDENTITY_FILE", "store.identity_file"},
		{"MIGRATE_CONCURRENCY", "migrate.concurrency"},
		{"MIGRATE_RATE_LIMIT", "migrate.rate_limit"},
		{"RUNS_DIR", "migrate.runs_dir"},
		{"API_RATE_LIMIT", "api.rate_limit"},
		{"API_BURST", "api.burst"},
	}
	specs := make([]EnvSpec, 0, len(pairs))
	for _, p := range pairs {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + p[0], Path: p[1]})
	}
	return specs
}

// getUserConfigPaths lists the config search path: the working directory,
// then the user config directory.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
