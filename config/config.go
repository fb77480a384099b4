// Package config loads bridge settings from HOSTBRIDGE_* environment
// variables. Commands overlay their flags on top of the parsed values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"hostbridge/codec"
)

// HostConfig configures the privileged host.
type HostConfig struct {
	Socket         string        `env:"HOSTBRIDGE_SOCKET"`
	SettingsPath   string        `env:"HOSTBRIDGE_SETTINGS_PATH"`
	AutostartDir   string        `env:"HOSTBRIDGE_AUTOSTART_DIR"`
	AppName        string        `env:"HOSTBRIDGE_APP_NAME" envDefault:"hostbridge-app"`
	AppExec        string        `env:"HOSTBRIDGE_APP_EXEC"`
	RateLimit      float64       `env:"HOSTBRIDGE_RATE_LIMIT" envDefault:"50"`
	RateBurst      int           `env:"HOSTBRIDGE_RATE_BURST" envDefault:"20"`
	HandlerTimeout time.Duration `env:"HOSTBRIDGE_HANDLER_TIMEOUT" envDefault:"10s"`
	ShutdownGrace  time.Duration `env:"HOSTBRIDGE_SHUTDOWN_GRACE" envDefault:"5s"`
	EtcdEndpoints  []string      `env:"HOSTBRIDGE_ETCD_ENDPOINTS" envSeparator:","`
	Verbose        bool          `env:"HOSTBRIDGE_VERBOSE"`
}

// ClientConfig configures the sandboxed client.
type ClientConfig struct {
	Socket            string        `env:"HOSTBRIDGE_SOCKET"`
	Codec             string        `env:"HOSTBRIDGE_CODEC" envDefault:"json"`
	HeartbeatInterval time.Duration `env:"HOSTBRIDGE_HEARTBEAT" envDefault:"30s"`
	EtcdEndpoints     []string      `env:"HOSTBRIDGE_ETCD_ENDPOINTS" envSeparator:","`
	Verbose           bool          `env:"HOSTBRIDGE_VERBOSE"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadHost parses HostConfig and fills path defaults that depend on the
// user's directories.
func LoadHost() (HostConfig, error) {
	var cfg HostConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket()
	}
	if cfg.SettingsPath == "" || cfg.AutostartDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return cfg, fmt.Errorf("locating user config directory: %w", err)
		}
		if cfg.SettingsPath == "" {
			cfg.SettingsPath = filepath.Join(configDir, cfg.AppName, "settings.json")
		}
		if cfg.AutostartDir == "" {
			cfg.AutostartDir = filepath.Join(configDir, "autostart")
		}
	}
	return cfg, nil
}

// LoadClient parses ClientConfig.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket()
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c HostConfig) Validate() error {
	if c.AppExec == "" {
		return fmt.Errorf("HOSTBRIDGE_APP_EXEC is required")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate limit and burst must be positive")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler timeout must be positive")
	}
	return nil
}

// CodecType resolves the configured codec name.
func (c ClientConfig) CodecType() (codec.CodecType, error) {
	return codec.ParseType(c.Codec)
}

// DefaultSocket is $XDG_RUNTIME_DIR/hostbridge.sock, or a per-user path in
// the temp directory when no runtime dir is set.
func DefaultSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hostbridge.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("hostbridge-%d.sock", os.Getuid()))
}
