package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/energizer-project/netsession/internal/config"
	"github.com/energizer-project/netsession/internal/connection"
	"github.com/energizer-project/netsession/internal/events"
	"github.com/energizer-project/netsession/internal/registry"
	"github.com/energizer-project/netsession/internal/session"
	"github.com/energizer-project/netsession/internal/transport"
	"github.com/energizer-project/netsession/internal/util"
)

// Controller is the part of the connection manager the API drives.
type Controller interface {
	State() connection.StateID
	Snapshot() connection.Snapshot
	StartClientIP(playerName, address string, port int) error
	StartClientSession(playerName string) error
	StartHostIP(playerName, address string, port int) error
	StartHostSession(playerName string) error
	StartServerIP(address string, port int) error
	RequestShutdown()
}

// Sessions is the session service facade as seen by the API.
type Sessions interface {
	Enabled() bool
	CurrentSession() *session.Session
	TryCreateSession(ctx context.Context, name string, maxPlayers int, isPrivate bool) (*session.Session, error)
	TryJoinSessionByCode(ctx context.Context, code string) (*session.Session, error)
	TryJoinSessionByID(ctx context.Context, id string) (*session.Session, error)
	TryQuickJoinSession(ctx context.Context) (*session.Session, error)
	RetrieveAndPublishSessionList(ctx context.Context) ([]session.Session, error)
	LeaveSession(ctx context.Context) error
}

// Players lists the registry contents.
type Players interface {
	Players() []registry.PlayerData
	ConnectedCount() int
}

// Server is the REST API of a running peer.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	control  Controller
	sessions Sessions
	players  Players
	logger   zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server. The router is built immediately so it
// can be exercised without listening.
func NewServer(cfg *config.Config, eventBus *events.EventBus, control Controller, sessions Sessions, players Players) *Server {
	if cfg.View().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		control:  control,
		sessions: sessions,
		players:  players,
		logger:   util.ComponentLogger("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetAPI().Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := transport.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("API server shutdown")
		}
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/system", s.handleSystem)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.AuthToken))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/players", s.handlePlayers)
		monitor.GET("/transitions", s.handleTransitions)
		monitor.GET("/resources", s.handleResources)
		monitor.GET("/sessions", s.handleListSessions)
		monitor.GET("/session", s.handleCurrentSession)
	}

	control := protected.Group("/control")
	{
		control.POST("/host", s.handleHost)
		control.POST("/join", s.handleJoin)
		control.POST("/server", s.handleServer)
		control.POST("/shutdown", s.handleShutdown)
		control.POST("/session/create", s.handleCreateSession)
		control.POST("/session/join", s.handleJoinSession)
		control.POST("/session/quick_join", s.handleQuickJoin)
		control.POST("/session/leave", s.handleLeaveSession)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/field", s.handleSetField)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
	return router
}

// Stop gracefully stops a started server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, connection.ErrCommandUnavailable), errors.Is(err, connection.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrNoActiveSession):
		return http.StatusPreconditionFailed
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	s.logger.Warn().Err(err).Str("op", op).Msg("API request failed")
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "op": op})
}
