// Package config resolves CLI and engine assembly settings. Precedence,
// lowest to highest: built-in defaults, an optional reqon.yaml document,
// REQON_* environment variables. Command-line flags override on top of
// the loaded Config in the CLI layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// AppName names the config file (reqon.yaml) and config directories.
	AppName = "reqon"

	// EnvPrefix scopes environment overrides: REQON_BACKEND,
	// REQON_SQLITE_PATH, and so on. Dots and dashes in keys map to
	// underscores.
	EnvPrefix = "REQON"
)

// Config is the resolved configuration.
type Config struct {
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Backend selects the execution-state store: memory, file, sqlite,
	// postgres or redis.
	Backend string `mapstructure:"backend"`

	// StateDir is where the file backend keeps execution state.
	StateDir string `mapstructure:"state_dir"`
	// StoreDir roots relative file and sqlite destination-store paths.
	StoreDir string `mapstructure:"store_dir"`

	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Fetch    FetchConfig    `mapstructure:"fetch"`

	// File is the config file actually read, empty when none was found.
	// Set by Load, never read from the document.
	File string `mapstructure:"-"`
}

// SQLiteConfig locates the sqlite backend's database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig carries the postgres backend's connection string.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig carries the redis backend's client settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// FetchConfig is the default retry policy applied to fetch requests.
type FetchConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// Load resolves the configuration. cfgFile forces a specific config file
// and fails when it cannot be read; empty means discovery: reqon.yaml in
// the working directory, then under $HOME/.config/reqon. A missing file
// during discovery is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", AppName))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// setDefaults registers a default for every key. Environment overrides
// only reach Unmarshal for keys viper already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "console")
	v.SetDefault("log_file", "")

	v.SetDefault("backend", "memory")
	v.SetDefault("state_dir", ".reqon/executions")
	v.SetDefault("store_dir", "")

	v.SetDefault("sqlite.path", ".reqon/reqon.db")

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "reqon")

	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff", 500*time.Millisecond)
	v.SetDefault("fetch.max_backoff", 30*time.Second)
	v.SetDefault("fetch.backoff_multiplier", 2.0)
}
