// Package health runs periodic checks on the gatekeeper's dependencies:
// account store and session backend reachability, channel availability and
// local disk usage. State changes are logged and emitted as health alerts.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/util"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// Alert levels.
const (
	LevelRecovered = "recovered"
	LevelWarning   = "warning"
	LevelError     = "error"
)

// pingTimeout bounds a single backend probe.
const pingTimeout = 3 * time.Second

// Pinger is a backend that can be probed for reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type channelKey struct {
	world, channel int
}

// Manager runs the health checks.
type Manager struct {
	cfg      config.MaintenanceConfig
	eventBus *events.EventBus
	router   *world.Router
	backends map[string]Pinger
	dataDir  string
	logger   zerolog.Logger

	// usage is swapped in tests.
	usage func(path string) util.HostUsage

	mu          sync.Mutex
	backendDown map[string]bool
	channelDown map[channelKey]bool
	diskAlerted bool
}

// NewManager creates a health manager. eventBus may be nil.
func NewManager(cfg config.MaintenanceConfig, eventBus *events.EventBus, router *world.Router, dataDir string) *Manager {
	return &Manager{
		cfg:         cfg,
		eventBus:    eventBus,
		router:      router,
		backends:    make(map[string]Pinger),
		dataDir:     dataDir,
		logger:      log.With().Str("component", "health").Logger(),
		usage:       util.GetHostUsage,
		backendDown: make(map[string]bool),
		channelDown: make(map[channelKey]bool),
	}
}

// AddBackend registers a backend probed by the backend check. Call before
// Start.
func (m *Manager) AddBackend(name string, p Pinger) {
	m.backends[name] = p
}

// Start launches every enabled check and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"backends", m.cfg.BackendCheck(), m.checkBackends},
		{"channels", m.cfg.ChannelCheck(), m.checkChannels},
		{"disk_utilization", m.cfg.DiskCheck(), m.checkDisk},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// checkBackends pings every registered backend and alerts on transitions.
func (m *Manager) checkBackends(ctx context.Context) {
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := m.backends[name].Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		wasDown := m.backendDown[name]
		m.backendDown[name] = err != nil
		m.mu.Unlock()

		switch {
		case err != nil && !wasDown:
			m.logger.Error().Err(err).Str("backend", name).Msg("backend unreachable")
			m.alert(ctx, "backend."+name, LevelError, fmt.Sprintf("%s unreachable: %v", name, err))
		case err == nil && wasDown:
			m.logger.Info().Str("backend", name).Msg("backend recovered")
			m.alert(ctx, "backend."+name, LevelRecovered, name+" reachable again")
		}
	}
}

// checkChannels reports channels that stopped or resumed accepting
// players, including those that went stale without an explicit report.
func (m *Manager) checkChannels(ctx context.Context) {
	for _, w := range m.router.Snapshot() {
		online := 0
		for _, ch := range w.Channels {
			key := channelKey{world: w.ID, channel: ch.Index}

			m.mu.Lock()
			wasDown := m.channelDown[key]
			m.channelDown[key] = !ch.Online
			m.mu.Unlock()

			if ch.Online {
				online++
			}
			check := fmt.Sprintf("channel.%d.%d", w.ID, ch.Index)
			switch {
			case !ch.Online && !wasDown:
				m.logger.Warn().Int("world", w.ID).Int("channel", ch.Index).Time("last_seen", ch.LastSeen).Msg("channel unavailable")
				m.alert(ctx, check, LevelWarning, fmt.Sprintf("%s channel %d unavailable", w.Name, ch.Index))
			case ch.Online && wasDown:
				m.logger.Info().Int("world", w.ID).Int("channel", ch.Index).Msg("channel available again")
				m.alert(ctx, check, LevelRecovered, fmt.Sprintf("%s channel %d available", w.Name, ch.Index))
			}
		}
		if online == 0 && len(w.Channels) > 0 {
			m.logger.Warn().Int("world", w.ID).Str("name", w.Name).Msg("world has no online channels")
		}
	}
}

// checkDisk alerts once when disk usage of the data directory crosses the
// configured threshold, and again when it drops back below.
func (m *Manager) checkDisk(ctx context.Context) {
	usage := m.usage(m.dataDir)

	m.logger.Debug().
		Float64("disk_percent", usage.DiskPercent).
		Float64("memory_percent", usage.MemoryPercent).
		Float64("cpu_percent", usage.CPUPercent).
		Msg("host utilization")

	m.mu.Lock()
	alerted := m.diskAlerted
	over := usage.DiskPercent >= m.cfg.DiskAlertPercent
	m.diskAlerted = over
	m.mu.Unlock()

	switch {
	case over && !alerted:
		msg := fmt.Sprintf("disk usage at %.1f%% (threshold %.0f%%)", usage.DiskPercent, m.cfg.DiskAlertPercent)
		m.logger.Warn().Str("path", m.dataDir).Msg(msg)
		m.alert(ctx, "disk_utilization", LevelWarning, msg)
	case !over && alerted:
		m.alert(ctx, "disk_utilization", LevelRecovered, fmt.Sprintf("disk usage at %.1f%%", usage.DiskPercent))
	}
}

func (m *Manager) alert(ctx context.Context, check, level, message string) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.New(events.EventHealthAlert, "health", events.HealthAlertPayload{
		Check:   check,
		Level:   level,
		Message: message,
	}))
}
