package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/gateway"
	intnet "github.com/energizer-project/gatekeeper/internal/network"
	"github.com/energizer-project/gatekeeper/internal/session"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// Connections is the live client view the API reports on.
type Connections interface {
	Count() int
	Clients() []gateway.ClientInfo
}

// Deps are the components the API reads from and acts on.
type Deps struct {
	InstanceID  string
	Router      *world.Router
	Coordinator session.Coordinator
	Connections Connections
	// Bus carries channel reports and forced closures. May be nil.
	Bus *events.EventBus
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// DataDir is the path whose disk usage /api/health reports.
	DataDir string
}

// Server is the admin REST API.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	started time.Time
	logger  zerolog.Logger

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the API and its routes. Call Start to serve.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.DataDir == "" {
		deps.DataDir = "."
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
		logger:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort("", fmt.Sprint(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	lc := intnet.ListenConfig(30 * time.Second)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/health", s.handleHealth)
	}

	admin := router.Group("/api")
	admin.Use(RequireToken(s.cfg.Token))
	{
		admin.GET("/worlds", s.handleGetWorlds)
		admin.GET("/worlds/:id", s.handleGetWorld)
		admin.POST("/worlds/:id/channels/:channel", s.handleReportChannel)

		admin.GET("/sessions/:account", s.handleGetSession)
		admin.POST("/sessions/:account/refresh", s.handleRefreshSession)
		admin.DELETE("/sessions/:account", s.handleCloseSession)

		admin.GET("/connections", s.handleGetConnections)
	}

	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
