// Package config holds the daemon's runtime configuration: a YAML
// file, overridden by environment variables, with defaults applied
// last.
package config

import (
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Admin    AdminConfig    `yaml:"admin"`
	Redis    RedisConfig    `yaml:"redis"`
	Effector EffectorConfig `yaml:"effector"`
	LogLevel string         `yaml:"log_level"`
}

// SocketConfig is the privileged unix socket /begin_enroll is served on.
type SocketConfig struct {
	Path string `yaml:"path"`
	Mode uint32 `yaml:"mode"`
}

// NetworkConfig is the TCP listener /enroll and /unlock are served on.
type NetworkConfig struct {
	IP   string `yaml:"ip"`
	Port string `yaml:"port"`
}

// Addr joins the host and port into the form net.Listen expects.
func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.IP, n.Port)
}

// StorageConfig is where durable state (keys, nonce files) lives.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// AdminConfig is the observability surface (C7).
type AdminConfig struct {
	Addr    string `yaml:"addr"`
	Disable bool   `yaml:"disable"`
}

// RedisConfig configures the optional cross-process event relay.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// EffectorConfig describes the external unlock command to shell out to.
type EffectorConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loaded once from the path
// named by REMOTE_UNLOCK_CONFIG_PATH (default "config.yaml") with
// environment overrides and defaults applied.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found")
		}

		path := getEnv("REMOTE_UNLOCK_CONFIG_PATH", "config.yaml")
		cfg, err := LoadConfig(path)
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "path", path, "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and decodes a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Socket.Path = getEnv("REMOTE_UNLOCK_SOCKET_PATH", c.Socket.Path)
	c.Network.IP = getEnv("REMOTE_UNLOCK_SERVER_IP", c.Network.IP)
	c.Network.Port = getEnv("REMOTE_UNLOCK_SERVER_PORT", c.Network.Port)
	c.Storage.Dir = getEnv("REMOTE_UNLOCK_STORAGE_DIR", c.Storage.Dir)
	c.Admin.Addr = getEnv("REMOTE_UNLOCK_ADMIN_ADDR", c.Admin.Addr)
	c.Admin.Disable = getEnvBool("REMOTE_UNLOCK_ADMIN_DISABLE", c.Admin.Disable)
	c.Redis.Addr = getEnv("REMOTE_UNLOCK_REDIS_ADDR", c.Redis.Addr)
	c.LogLevel = getEnv("REMOTE_UNLOCK_LOG_LEVEL", c.LogLevel)
}

func (c *Config) applyDefaults() {
	if c.Socket.Path == "" {
		c.Socket.Path = "/tmp/remote_unlock.sock"
	}
	if c.Socket.Mode == 0 {
		c.Socket.Mode = 0o777
	}
	if c.Network.IP == "" {
		c.Network.IP = "0.0.0.0"
	}
	if c.Network.Port == "" {
		c.Network.Port = "8142"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./var/lib/remote_unlock"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:8143"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "remoteunlock:events"
	}
	if c.Effector.Path == "" {
		c.Effector.Path = "/usr/bin/loginctl"
		c.Effector.Args = []string{"unlock-session"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}
