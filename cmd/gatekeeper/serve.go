package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/gatekeeper/internal/account"
	"github.com/energizer-project/gatekeeper/internal/api"
	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/db"
	"github.com/energizer-project/gatekeeper/internal/dependencies/clock"
	"github.com/energizer-project/gatekeeper/internal/dependencies/random"
	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/gateway"
	"github.com/energizer-project/gatekeeper/internal/health"
	"github.com/energizer-project/gatekeeper/internal/login"
	"github.com/energizer-project/gatekeeper/internal/network"
	"github.com/energizer-project/gatekeeper/internal/scheduler"
	"github.com/energizer-project/gatekeeper/internal/session"
	"github.com/energizer-project/gatekeeper/internal/telemetry"
	"github.com/energizer-project/gatekeeper/internal/util"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the login server",
		Long: `Run the login listener, the admin API and the background checks until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "client listen port (overrides config)")

	return cmd
}

// loadConfig loads, validates and applies the logging section.
func loadConfig() (*config.Config, error) {
	// Defaults first; reconfigured once the file is read.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	if err := util.InitLogger(cfg.Logging); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return nil, fmt.Errorf("configuration validation failed with %d errors", len(validation.Errors))
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*db.AccountStore, *account.BcryptHasher, error) {
	hasher := account.NewBcryptHasher(cfg.Login.BcryptCost)
	store, err := db.NewAccountStore(db.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	}, hasher)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open account store: %w", err)
	}
	return store, hasher, nil
}

// coordinatorBackend is the coordinator plus its teardown and, for shared
// backends, the pinger used by the health checks.
type coordinatorBackend struct {
	session.Coordinator
	pinger health.Pinger
	close  func() error
}

func newCoordinator(cfg *config.Config, clk clock.Clock, rnd random.Random) (coordinatorBackend, error) {
	scfg := session.Config{
		URL:          cfg.Session.RedisURL,
		PoolSize:     cfg.Session.PoolSize,
		MinIdleConns: cfg.Session.MinIdleConns,
		InstanceID:   cfg.Server.InstanceID,
		PendingTTL:   cfg.Session.PendingTTL(),
		ActiveTTL:    cfg.Session.ActiveTTL(),
		LockTTL:      cfg.Session.LockTTL(),
	}

	if cfg.Session.Backend == config.BackendRedis {
		rc, err := session.NewRedisCoordinator(scfg, clk, rnd)
		if err != nil {
			return coordinatorBackend{}, err
		}
		return coordinatorBackend{Coordinator: rc, pinger: rc, close: rc.Close}, nil
	}

	log.Warn().Msg("session backend is in-process memory, sessions are not shared with other instances")
	mc := session.NewMemoryCoordinator(scfg, clk)
	return coordinatorBackend{Coordinator: mc, close: func() error { return nil }}, nil
}

func runServe(parent context.Context, port int) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	fmt.Printf(banner, version)
	fmt.Println()

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("instance", cfg.Server.InstanceID).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting gatekeeper")

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	clk := clock.New()
	rnd := random.New()

	store, hasher, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	coord, err := newCoordinator(cfg, clk, rnd)
	if err != nil {
		return fmt.Errorf("failed to start session coordinator: %w", err)
	}
	defer coord.close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	eventBus := events.NewEventBus()

	router := world.NewRouter(cfg.WorldSpecs(), world.Options{
		Thresholds: cfg.Capacity.Thresholds(),
		ChannelTTL: cfg.Capacity.ChannelTTL(),
	}, clk, rnd)
	telemetry.RouteChannelStatus(eventBus, router)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)
	metrics.Attach(eventBus)

	loginSvc := login.NewService(store, hasher, coord, clk, login.Policy{
		AutoRegister:  cfg.Login.AutoRegister,
		HashMigration: cfg.Login.HashMigration,
		StoreTimeout:  cfg.Login.StoreTimeout(),
	})

	gw := gateway.New(gateway.Deps{
		Store:       store,
		Coordinator: coord,
		Router:      router,
		Login:       loginSvc,
		Bus:         eventBus,
		Clock:       clk,
	}, gateway.Options{
		CloseOnBan:  cfg.Server.CloseOnBan,
		CallTimeout: cfg.Login.StoreTimeout(),
	})

	listenOpts := network.DefaultOptions()
	listenOpts.Address = cfg.Server.ListenAddress
	listenOpts.Port = cfg.Server.Port
	listenOpts.ReadTimeout = cfg.Server.ReadTimeout()
	listenOpts.MaxConnections = cfg.Server.MaxConnections
	listener := network.NewListener(listenOpts, gw)

	dataDir := filepath.Dir(cfg.Database.DSN)

	healthMgr := health.NewManager(cfg.Maintenance, eventBus, router, dataDir)
	healthMgr.AddBackend("account_store", store)
	if coord.pinger != nil {
		healthMgr.AddBackend("session_coordinator", coord.pinger)
	}

	sched := scheduler.NewScheduler(cfg.Maintenance, cfg.Logging, router, listener.Registry())

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, api.Deps{
			InstanceID:  cfg.Server.InstanceID,
			Router:      router,
			Coordinator: coord,
			Connections: listener.Registry(),
			Bus:         eventBus,
			Gatherer:    registry,
			DataDir:     dataDir,
		})
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, cfg.Server.InstanceID, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil {
			log.Error().Err(err).Msg("login listener failed")
			errCh <- fmt.Errorf("login listener: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	case <-parent.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	eventBus.Emit(context.Background(), events.New(events.EventShutdown, "main", nil))
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("gatekeeper stopped")
	return runErr
}
