package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gatekeeper/internal/world"
)

func fieldsOf(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	assert.True(t, result.IsValid(), "errors: %v", result.Errors)
	assert.NotContains(t, fieldsOf(result.Warnings), "session.backend")
}

func TestDefaultSessionBackendIsShared(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, BackendRedis, cfg.Session.Backend)

	cfg.Session.Backend = BackendMemory
	result := Validate(cfg)
	assert.True(t, result.IsValid())
	assert.Contains(t, fieldsOf(result.Warnings), "session.backend")
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())
	assert.Equal(t, DefaultLoginPort, cfg.Server.Port)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := map[string]any{
		"server":  map[string]any{"port": 9000, "instance_id": "login-7"},
		"session": map[string]any{"backend": "redis", "redis_url": "redis://cache:6379/1"},
	}
	data, err := json.Marshal(partial)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), data, 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "login-7", cfg.Server.InstanceID)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
	assert.Equal(t, 120, cfg.Session.PendingTTLSec, "unset fields keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Login.StoreTimeout())

	// The re-save persisted the defaults for fields the file lacked.
	raw, err := os.ReadFile(cfg.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pending_ttl_sec")
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidateCatchesBadSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.Backend = "etcd"
	cfg.Database.Driver = "postgres"
	cfg.API.Port = cfg.Server.Port
	cfg.Login.BcryptCost = 2
	cfg.Capacity.Alert = 1.5
	cfg.Maintenance.LogCleanupTime = "25:99"
	cfg.Maintenance.DiskAlertPercent = 0
	cfg.Worlds = append(cfg.Worlds, world.WorldSpec{
		ID:       0,
		Channels: []world.ChannelSpec{{Host: "::1", Port: 0, Capacity: 0}},
	})

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := fieldsOf(result.Errors)
	for _, want := range []string{
		"session.backend",
		"database.driver",
		"api.port",
		"login.bcrypt_cost",
		"capacity",
		"worlds[1].id",
		"worlds[1].channels[0].host",
		"worlds[1].channels[0].port",
		"worlds[1].channels[0].capacity",
		"maintenance.log_cleanup_time",
		"maintenance.disk_alert_percent",
	} {
		assert.Contains(t, fields, want)
	}
}

func TestValidateRedisURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.Backend = BackendRedis
	cfg.Session.RedisURL = "http://nope"

	result := Validate(cfg)
	assert.Contains(t, fieldsOf(result.Errors), "session.redis_url")
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Login.AutoRegister = true
	cfg.Capacity.ChannelTTLSec = 0

	result := Validate(cfg)
	assert.True(t, result.IsValid())
	warnings := fieldsOf(result.Warnings)
	assert.Contains(t, warnings, "login.auto_register")
	assert.Contains(t, warnings, "capacity.channel_ttl_sec")
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2*time.Minute, cfg.Session.PendingTTL())
	assert.Equal(t, 5*time.Minute, cfg.Session.ActiveTTL())
	assert.Equal(t, 90*time.Second, cfg.Capacity.ChannelTTL())
	assert.Equal(t, world.Thresholds{Alert: 0.8, Full: 1.0}, cfg.Capacity.Thresholds())
	assert.Equal(t, 30*time.Second, cfg.Maintenance.BackendCheck())
	assert.Equal(t, time.Hour, cfg.Maintenance.Stats())
}
