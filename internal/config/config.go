// Package config handles configuration loading, validation, and persistence
// for the gatekeeper login server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/util"
	"github.com/energizer-project/gatekeeper/internal/world"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultLoginPort  = 8484
	DefaultAPIPort    = 5000
)

// Session backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root configuration structure for gatekeeper.
type Config struct {
	mu   sync.RWMutex
	path string

	Server      ServerConfig      `json:"server"`
	Login       LoginConfig       `json:"login"`
	Session     SessionConfig     `json:"session"`
	Database    DatabaseConfig    `json:"database"`
	Worlds      []world.WorldSpec `json:"worlds"`
	Capacity    CapacityConfig    `json:"capacity"`
	API         APIConfig         `json:"api"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Logging     util.LogConfig    `json:"logging"`
}

// ServerConfig describes the client-facing listener of this instance.
type ServerConfig struct {
	InstanceID     string `json:"instance_id"`
	ListenAddress  string `json:"listen_address"`
	Port           int    `json:"port"`
	ReadTimeoutSec int    `json:"read_timeout_sec"`
	CloseOnBan     bool   `json:"close_on_ban"`
	MaxConnections int    `json:"max_connections"`
}

// LoginConfig toggles the optional login behaviours.
type LoginConfig struct {
	AutoRegister    bool `json:"auto_register"`
	HashMigration   bool `json:"hash_migration"`
	BcryptCost      int  `json:"bcrypt_cost"`
	StoreTimeoutSec int  `json:"store_timeout_sec"`
}

// SessionConfig selects and tunes the session coordinator.
type SessionConfig struct {
	Backend       string `json:"backend"`
	RedisURL      string `json:"redis_url"`
	PoolSize      int    `json:"pool_size"`
	MinIdleConns  int    `json:"min_idle_conns"`
	PendingTTLSec int    `json:"pending_ttl_sec"`
	ActiveTTLSec  int    `json:"active_ttl_sec"`
	LockTTLSec    int    `json:"lock_ttl_sec"`
}

// DatabaseConfig points at the account store.
type DatabaseConfig struct {
	Driver             string `json:"driver"`
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
}

// CapacityConfig holds the world status thresholds.
type CapacityConfig struct {
	Alert         float64 `json:"alert"`
	Full          float64 `json:"full"`
	ChannelTTLSec int     `json:"channel_ttl_sec"`
}

// APIConfig holds admin API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	Token          string   `json:"token"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// MaintenanceConfig schedules the background health checks and log
// housekeeping. An interval of 0 disables that check.
type MaintenanceConfig struct {
	BackendCheckSec  int     `json:"backend_check_sec"`
	ChannelCheckSec  int     `json:"channel_check_sec"`
	DiskCheckSec     int     `json:"disk_check_sec"`
	DiskAlertPercent float64 `json:"disk_alert_percent"`
	// LogCleanupTime is the local HH:MM at which old log files are pruned.
	LogCleanupTime string `json:"log_cleanup_time"`
	StatsSec       int    `json:"stats_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			InstanceID:     "login-0",
			ListenAddress:  "0.0.0.0",
			Port:           DefaultLoginPort,
			ReadTimeoutSec: 60,
			CloseOnBan:     true,
			MaxConnections: 5000,
		},
		Login: LoginConfig{
			AutoRegister:    false,
			HashMigration:   true,
			BcryptCost:      12,
			StoreTimeoutSec: 5,
		},
		Session: SessionConfig{
			Backend:       BackendRedis,
			RedisURL:      "redis://localhost:6379/0",
			PoolSize:      10,
			MinIdleConns:  2,
			PendingTTLSec: 120,
			ActiveTTLSec:  300,
			LockTTLSec:    5,
		},
		Database: DatabaseConfig{
			Driver:             "sqlite",
			DSN:                "data/gatekeeper.db",
			MaxOpenConns:       10,
			ConnMaxLifetimeSec: 1800,
		},
		Worlds: []world.WorldSpec{{
			ID:   0,
			Name: "Scania",
			Channels: []world.ChannelSpec{
				{Host: "127.0.0.1", Port: 7575, Capacity: 100},
				{Host: "127.0.0.1", Port: 7576, Capacity: 100},
			},
		}},
		Capacity: CapacityConfig{
			Alert:         0.8,
			Full:          1.0,
			ChannelTTLSec: 90,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "gatekeeper",
		},
		Maintenance: MaintenanceConfig{
			BackendCheckSec:  30,
			ChannelCheckSec:  30,
			DiskCheckSec:     300,
			DiskAlertPercent: 90,
			LogCleanupTime:   "04:00",
			StatsSec:         3600,
		},
		Logging: util.DefaultLogConfig(),
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so new default fields show up in the file.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath overrides where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// WorldSpecs returns a copy of the configured worlds.
func (c *Config) WorldSpecs() []world.WorldSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]world.WorldSpec, len(c.Worlds))
	copy(out, c.Worlds)
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ReadTimeout is the idle limit on a client socket.
func (s ServerConfig) ReadTimeout() time.Duration { return seconds(s.ReadTimeoutSec) }

// StoreTimeout bounds every account store call.
func (l LoginConfig) StoreTimeout() time.Duration { return seconds(l.StoreTimeoutSec) }

func (s SessionConfig) PendingTTL() time.Duration { return seconds(s.PendingTTLSec) }
func (s SessionConfig) ActiveTTL() time.Duration  { return seconds(s.ActiveTTLSec) }
func (s SessionConfig) LockTTL() time.Duration    { return seconds(s.LockTTLSec) }

func (d DatabaseConfig) ConnMaxLifetime() time.Duration { return seconds(d.ConnMaxLifetimeSec) }

// ChannelTTL is how long a channel stays online without a heartbeat.
func (c CapacityConfig) ChannelTTL() time.Duration { return seconds(c.ChannelTTLSec) }

func (m MaintenanceConfig) BackendCheck() time.Duration { return seconds(m.BackendCheckSec) }
func (m MaintenanceConfig) ChannelCheck() time.Duration { return seconds(m.ChannelCheckSec) }
func (m MaintenanceConfig) DiskCheck() time.Duration    { return seconds(m.DiskCheckSec) }
func (m MaintenanceConfig) Stats() time.Duration        { return seconds(m.StatsSec) }

// Thresholds converts to the router's threshold type.
func (c CapacityConfig) Thresholds() world.Thresholds {
	return world.Thresholds{Alert: c.Alert, Full: c.Full}
}
