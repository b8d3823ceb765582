// Package config provides shared configuration functionality using Viper
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthPubKey AuthMode = "pubkey"
	AuthToken  AuthMode = "token"
	AuthPAM    AuthMode = "pam"
)

const EnvProduction = "production"

type PAMConfig struct {
	ServiceName string `mapstructure:"service_name"` // e.g. "login" or "remotemon"
}

type GatewayConfig struct {
	Port     int    `mapstructure:"port"`
	Hostname string `mapstructure:"hostname"`
}

type PoolConfig struct {
	WorkerSource   string        `mapstructure:"worker_source"`
	StagedPath     string        `mapstructure:"staged_path"`
	StagedMode     uint32        `mapstructure:"staged_mode"`
	Transport      string        `mapstructure:"transport"`
	Framing        string        `mapstructure:"framing"`
	MaxFrame       int           `mapstructure:"max_frame"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Denylist       []string      `mapstructure:"denylist"`
}

type AuthConfig struct {
	Mode         AuthMode      `mapstructure:"mode"`
	DefaultUser  string        `mapstructure:"default_user"`
	TokenSecret  string        `mapstructure:"token_secret"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	PAM          PAMConfig     `mapstructure:"pam"`
}

type AllowlistConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type AdminConfig struct {
	Port     int    `mapstructure:"port"`
	Hostname string `mapstructure:"hostname"`
	GrpcPort int    `mapstructure:"grpc_port"`
}

type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	WriteDelay  time.Duration `mapstructure:"write_delay"`
	MaxBuffered int           `mapstructure:"max_buffered"`
}

// Config holds common configuration values shared across all services
type Config struct {
	// Basic configuration
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Allowlist AllowlistConfig `mapstructure:"allowlist"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Store     StoreConfig     `mapstructure:"store"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func setGatewayDefaults(v *viper.Viper) {
	v.SetDefault("gateway.port", 8000)
	v.SetDefault("gateway.hostname", "")
}

func setPoolDefaults(v *viper.Viper) {
	v.SetDefault("pool.worker_source", "build/remotemon-worker")
	v.SetDefault("pool.staged_path", filepath.Join(os.TempDir(), "remotemon-worker"))
	v.SetDefault("pool.staged_mode", 0o750)
	v.SetDefault("pool.transport", "stdio")
	v.SetDefault("pool.framing", "length")
	v.SetDefault("pool.max_frame", 64<<20)
	v.SetDefault("pool.request_timeout", 10*time.Second)
	v.SetDefault("pool.denylist", []string{"observe"})
}

func setAuthDefaults(v *viper.Viper) {
	v.SetDefault("auth.mode", AuthNone)
	v.SetDefault("auth.default_user", "")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.query_timeout", 10*time.Second)
	v.SetDefault("auth.pam.service_name", "remotemon")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	setGatewayDefaults(v)
	setPoolDefaults(v)
	setAuthDefaults(v)

	v.SetDefault("allowlist.enabled", true)
	v.SetDefault("allowlist.interval", time.Second)

	v.SetDefault("admin.port", 8001)
	v.SetDefault("admin.hostname", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 0)

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	v.SetDefault("store.path", filepath.Join(home, ".config", "remotemon", "config.json"))
	v.SetDefault("store.write_delay", 1500*time.Millisecond)
	v.SetDefault("store.max_buffered", 20)
}

func ConfigureViper(v *viper.Viper) {
	// We can pull config from env variables with a `REMOTEMON_` prefix
	v.SetEnvPrefix("REMOTEMON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName("config")
	v.AddConfigPath(".")
}

func init() {
	ConfigureViper(viper.GetViper())
}

// Load loads shared configuration using Viper with defaults, exiting on failure
func Load(configPath string, overrideStr string) *Config {
	cfg, err := LoadFrom(viper.GetViper(), configPath, overrideStr)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	return cfg
}

// LoadFrom does the work of Load against a caller-supplied viper instance
func LoadFrom(v *viper.Viper, configPath string, overrideStr string) (*Config, error) {
	setDefaults(v)

	// If a custom config path is provided, use it
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	err := v.ReadInConfig()
	if err != nil {
		// Ignore file not found errors (config is optional)
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file %q: %w", v.ConfigFileUsed(), err)
		}
		slog.Info("No config file found, using defaults")
	} else {
		slog.Info("Loaded config file", "path", v.ConfigFileUsed())
	}

	// Process override flag if provided (after loading config to ensure highest precedence)
	if overrideStr != "" {
		pairs := strings.Split(overrideStr, ",")
		for _, pair := range pairs {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid override %q, expected key:value", pair)
			}
			v.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case AuthNone, AuthPubKey, AuthPAM:
	case AuthToken:
		if c.Auth.TokenSecret == "" {
			return errors.New("auth.mode token requires auth.token_secret")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	switch c.Pool.Transport {
	case "stdio", "packet":
	default:
		return fmt.Errorf("unknown pool.transport %q", c.Pool.Transport)
	}
	if c.Pool.StagedPath == "" {
		return errors.New("pool.staged_path must not be empty")
	}
	return nil
}

// BindFlags binds pflags to viper keys. bindFlags is a map of pflag names to viper keys.
func BindFlags(bindFlags map[string]string) {
	for flagName, viperKey := range bindFlags {
		if err := viper.BindPFlag(viperKey, pflag.Lookup(flagName)); err != nil {
			slog.Error("Failed to bind flag", "flag", flagName, "error", err)
			os.Exit(1)
		}
	}
}
