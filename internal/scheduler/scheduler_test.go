package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/dependencies/mocks"
	"github.com/energizer-project/gatekeeper/internal/util"
	"github.com/energizer-project/gatekeeper/internal/world"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func newRouter(t *testing.T) *world.Router {
	t.Helper()
	return world.NewRouter([]world.WorldSpec{{
		ID:   0,
		Name: "Scania",
		Channels: []world.ChannelSpec{
			{Host: "10.0.0.1", Port: 7575, Capacity: 10},
			{Host: "10.0.0.2", Port: 7576, Capacity: 20},
		},
	}}, world.Options{}, mocks.NewMockClock(time.Now()), mocks.NewMockRandom())
}

func TestNextCleanupTime(t *testing.T) {
	s := NewScheduler(config.MaintenanceConfig{LogCleanupTime: "04:30"}, util.LogConfig{}, newRouter(t), nil)

	s.now = func() time.Time { return time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC), s.nextCleanupTime())

	s.now = func() time.Time { return time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), s.nextCleanupTime())

	s.cfg.LogCleanupTime = ""
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC), s.nextCleanupTime())
}

func TestCollectStats(t *testing.T) {
	router := newRouter(t)
	require.NoError(t, router.ReportChannel(0, 1, 4, true))
	require.NoError(t, router.ReportChannel(0, 2, 5, false))

	s := NewScheduler(config.MaintenanceConfig{}, util.LogConfig{}, router, fixedCount(3))
	st := s.collectStats()
	assert.Equal(t, Stats{Worlds: 1, Channels: 2, Online: 1, Players: 9, Capacity: 30, Connections: 3}, st)
}

func TestCleanLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"gatekeeper_2026-01-01.log", "gatekeeper_2026-01-02.log", "gatekeeper_2026-01-03.log", "other.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	s := NewScheduler(config.MaintenanceConfig{}, util.LogConfig{Directory: dir, MaxBackups: 1}, newRouter(t), nil)
	assert.Equal(t, 2, s.cleanLogs())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"gatekeeper_2026-01-03.log", "other.txt"}, names)
}

func TestStartStops(t *testing.T) {
	s := NewScheduler(config.MaintenanceConfig{StatsSec: 1, LogCleanupTime: "04:00"},
		util.LogConfig{Directory: t.TempDir(), MaxBackups: 3}, newRouter(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
