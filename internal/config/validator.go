package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateServer(&cfg.Server, result)
	validateLogin(&cfg.Login, result)
	validateSession(&cfg.Session, result)
	validateDatabase(&cfg.Database, result)
	validateWorlds(cfg, result)
	validateAPI(&cfg.API, cfg.Server.Port, result)
	validateMQTT(&cfg.MQTT, result)
	validateMaintenance(&cfg.Maintenance, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.InstanceID) == "" {
		result.AddError("server.instance_id", "instance id is required")
	}
	if s.ListenAddress != "" && net.ParseIP(s.ListenAddress) == nil {
		result.AddError("server.listen_address", fmt.Sprintf("not an IP address: %s", s.ListenAddress))
	}
	validatePort(s.Port, "server.port", result)
	if s.ReadTimeoutSec < 10 {
		result.AddWarning("server.read_timeout_sec", "read timeout below 10s disconnects slow clients")
	}
	if s.MaxConnections < 0 {
		result.AddError("server.max_connections", "must not be negative")
	}
}

func validateLogin(l *LoginConfig, result *ValidationResult) {
	if l.BcryptCost < 4 || l.BcryptCost > 31 {
		result.AddError("login.bcrypt_cost", fmt.Sprintf("bcrypt cost %d out of range 4-31", l.BcryptCost))
	} else if l.BcryptCost < 10 {
		result.AddWarning("login.bcrypt_cost", "bcrypt cost below 10 is weak")
	}
	if l.StoreTimeoutSec < 1 {
		result.AddError("login.store_timeout_sec", "store timeout must be at least 1s")
	}
	if l.AutoRegister {
		result.AddWarning("login.auto_register", "unknown names are registered on first login")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	switch s.Backend {
	case BackendMemory:
		result.AddWarning("session.backend", "memory backend is local to this instance, use it for single-instance deployments only")
	case BackendRedis:
		if _, err := url.Parse(s.RedisURL); err != nil || !strings.HasPrefix(s.RedisURL, "redis") {
			result.AddError("session.redis_url", fmt.Sprintf("invalid redis url: %q", s.RedisURL))
		}
		if s.PoolSize < 1 {
			result.AddError("session.pool_size", "pool size must be at least 1")
		}
	default:
		result.AddError("session.backend", fmt.Sprintf("unknown backend %q (memory or redis)", s.Backend))
	}

	if s.PendingTTLSec < 1 {
		result.AddError("session.pending_ttl_sec", "pending ttl must be at least 1s")
	}
	if s.ActiveTTLSec < 1 {
		result.AddError("session.active_ttl_sec", "active ttl must be at least 1s")
	}
	if s.LockTTLSec < 1 {
		result.AddError("session.lock_ttl_sec", "lock ttl must be at least 1s")
	}
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	switch d.Driver {
	case "sqlite", "mysql":
	default:
		result.AddError("database.driver", fmt.Sprintf("unknown driver %q (sqlite or mysql)", d.Driver))
	}
	if strings.TrimSpace(d.DSN) == "" {
		result.AddError("database.dsn", "dsn is required")
	}
}

func validateWorlds(cfg *Config, result *ValidationResult) {
	if len(cfg.Worlds) == 0 {
		result.AddError("worlds", "at least one world is required")
	}

	seen := make(map[int]bool, len(cfg.Worlds))
	for i, w := range cfg.Worlds {
		field := fmt.Sprintf("worlds[%d]", i)
		if seen[w.ID] {
			result.AddError(field+".id", fmt.Sprintf("duplicate world id %d", w.ID))
		}
		seen[w.ID] = true

		if len(w.Channels) == 0 {
			result.AddError(field+".channels", "world has no channels")
		}
		for j, ch := range w.Channels {
			chField := fmt.Sprintf("%s.channels[%d]", field, j)
			// The ServerIP reply carries exactly four address bytes.
			if ip := net.ParseIP(ch.Host); ip == nil || ip.To4() == nil {
				result.AddError(chField+".host", fmt.Sprintf("channel host must be an IPv4 address: %q", ch.Host))
			}
			validatePort(ch.Port, chField+".port", result)
			if ch.Capacity < 1 {
				result.AddError(chField+".capacity", "capacity must be at least 1")
			}
		}
	}

	c := cfg.Capacity
	if c.Full <= 0 || c.Alert <= 0 || c.Alert > c.Full {
		result.AddError("capacity", fmt.Sprintf("thresholds must satisfy 0 < alert <= full (got %.2f/%.2f)", c.Alert, c.Full))
	}
	if c.ChannelTTLSec == 0 {
		result.AddWarning("capacity.channel_ttl_sec", "stale channel detection is disabled")
	}
}

func validateAPI(a *APIConfig, loginPort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == loginPort {
		result.AddError("api.port", "port conflict detected: api and login ports must differ")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if a.Token == "" {
		result.AddWarning("api.token", "admin routes are unauthenticated")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "cert_file and key_file must be set together")
	}
}

func validateMaintenance(m *MaintenanceConfig, result *ValidationResult) {
	for field, v := range map[string]int{
		"maintenance.backend_check_sec": m.BackendCheckSec,
		"maintenance.channel_check_sec": m.ChannelCheckSec,
		"maintenance.disk_check_sec":    m.DiskCheckSec,
		"maintenance.stats_sec":         m.StatsSec,
	} {
		if v < 0 {
			result.AddError(field, "must not be negative")
		}
	}
	if m.DiskAlertPercent <= 0 || m.DiskAlertPercent > 100 {
		result.AddError("maintenance.disk_alert_percent", "must be in (0, 100]")
	}
	if m.LogCleanupTime != "" {
		if _, err := time.Parse("15:04", m.LogCleanupTime); err != nil {
			result.AddError("maintenance.log_cleanup_time", fmt.Sprintf("not a HH:MM time: %s", m.LogCleanupTime))
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
