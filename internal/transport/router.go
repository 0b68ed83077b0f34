package transport

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/liveserver/interaction/internal/auth"
	"github.com/liveserver/interaction/internal/health"
	"github.com/liveserver/interaction/internal/middleware"
	"github.com/liveserver/interaction/internal/ratelimit"
)

// Router bundles the Service and the dependencies only the transport layer
// itself needs (auth, rate limiting, health, CORS), and builds the gin
// engine serving every operation in spec §6.
type Router struct {
	svc         *Service
	validator   auth.TokenValidator
	rateLimiter *ratelimit.RateLimiter
	health      *health.Handler
	corsOrigins []string
}

// Config bundles Router's dependencies.
type Config struct {
	Service     *Service
	Validator   auth.TokenValidator
	RateLimiter *ratelimit.RateLimiter
	Health      *health.Handler
	CORSOrigins []string
}

// NewRouter builds the gin engine. Grounded on the teacher's
// cmd/v1/session/main.go router assembly: gin recovery (no per-request
// logger), OpenTelemetry request spans, correlation IDs, gin-contrib/cors, a
// /metrics Prometheus endpoint, and a plain /health endpoint, extended here
// with the admission rate limiter and bearer-token auth the teacher's router
// also carries.
func NewRouter(cfg Config) *gin.Engine {
	rt := &Router{
		svc:         cfg.Service,
		validator:   cfg.Validator,
		rateLimiter: cfg.RateLimiter,
		health:      cfg.Health,
		corsOrigins: cfg.CORSOrigins,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("liveserver-interaction"))
	engine.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = rt.corsOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AddAllowHeaders("Authorization")
	engine.Use(cors.New(corsConfig))

	engine.GET("/health", rt.health.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rooms := engine.Group("/rooms")
	rooms.Use(RequireAuth(rt.validator))
	if rt.rateLimiter != nil {
		rooms.Use(rt.rateLimiter.Middleware())
	}
	{
		rooms.POST("/:interactionId/join", rt.handleJoinRoom)
		rooms.POST("/:interactionId/leave", rt.handleLeaveRoom)
		rooms.POST("/:interactionId/start", rt.handleStart)
		rooms.POST("/:interactionId/pause", rt.handlePause)
		rooms.POST("/:interactionId/resume", rt.handleResume)
		rooms.POST("/:interactionId/turn", rt.handleTakeTurn)
		rooms.POST("/:interactionId/skip", rt.handleSkipTurn)
		rooms.POST("/:interactionId/backtrack", rt.handleBacktrackTurn)
		rooms.GET("/:interactionId/state", rt.handleGetRoomState)
		rooms.POST("/:interactionId/chat", rt.handleSendChatMessage)
		rooms.GET("/:interactionId/chat", rt.handleGetChatHistory)
	}

	ws := engine.Group("/ws")
	ws.Use(RequireAuth(rt.validator))
	ws.GET("/rooms/:interactionId", rt.handleRoomUpdates)

	return engine
}
