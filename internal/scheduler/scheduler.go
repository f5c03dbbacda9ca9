// Package scheduler runs the gatekeeper's periodic housekeeping: daily log
// pruning and an hourly occupancy summary.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/util"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// ConnectionCounter reports the number of live client connections.
type ConnectionCounter interface {
	Count() int
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     config.MaintenanceConfig
	logging util.LogConfig
	router  *world.Router
	conns   ConnectionCounter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewScheduler creates a new task scheduler. conns may be nil.
func NewScheduler(cfg config.MaintenanceConfig, logging util.LogConfig, router *world.Router, conns ConnectionCounter) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		logging: logging,
		router:  router,
		conns:   conns,
		logger:  log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	done := make(chan struct{}, 2)
	running := 0

	if s.logging.Directory != "" && s.logging.MaxBackups > 0 {
		running++
		go func() {
			s.runLogCleanerLoop(ctx)
			done <- struct{}{}
		}()
	}
	if s.cfg.Stats() > 0 {
		running++
		go func() {
			s.runStatsLoop(ctx)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	for ; running > 0; running-- {
		<-done
	}
	s.logger.Info().Msg("scheduler stopped")
}

// runLogCleanerLoop prunes old log files once a day at the configured time.
func (s *Scheduler) runLogCleanerLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleep := nextRun.Sub(s.now())
		if sleep <= 0 {
			sleep = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleep).
			Msg("log cleaner scheduled")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.cleanLogs()
		}
	}
}

func (s *Scheduler) cleanLogs() int {
	removed := util.CleanOldLogs(s.logging.Directory, s.logging.MaxBackups)
	s.logger.Info().
		Str("directory", s.logging.Directory).
		Int("deleted_files", removed).
		Msg("log cleaner completed")
	return removed
}

func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Stats())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

// Stats is one occupancy summary.
type Stats struct {
	Worlds      int
	Channels    int
	Online      int
	Players     int
	Capacity    int
	Connections int
}

func (s *Scheduler) collectStats() Stats {
	var st Stats
	for _, w := range s.router.Snapshot() {
		st.Worlds++
		for _, ch := range w.Channels {
			st.Channels++
			st.Players += ch.Players
			st.Capacity += ch.Capacity
			if ch.Online {
				st.Online++
			}
		}
	}
	if s.conns != nil {
		st.Connections = s.conns.Count()
	}

	s.logger.Info().
		Int("worlds", st.Worlds).
		Int("channels", st.Channels).
		Int("online_channels", st.Online).
		Int("players", st.Players).
		Int("capacity", st.Capacity).
		Int("connections", st.Connections).
		Msg("occupancy stats collected")
	return st
}

// nextCleanupTime returns the next occurrence of the configured HH:MM.
func (s *Scheduler) nextCleanupTime() time.Time {
	parts := strings.Split(s.cfg.LogCleanupTime, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
