// Command liveserver runs the Live Interaction Server: it wires the Room
// Manager, Connection Handler, Chat Service, Error Recovery, and
// Persistence Gateway behind the HTTP/WebSocket transport and serves them
// until terminated. Adapted from the teacher's cmd/v1/session/main.go:
// same env-file discovery, same SKIP_AUTH dev escape hatch, same
// gin.Recovery + CORS + Prometheus + /health assembly, same
// signal.Notify-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/auth"
	"github.com/liveserver/interaction/internal/broadcaster"
	"github.com/liveserver/interaction/internal/chat"
	"github.com/liveserver/interaction/internal/config"
	"github.com/liveserver/interaction/internal/connection"
	"github.com/liveserver/interaction/internal/health"
	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/persistence"
	"github.com/liveserver/interaction/internal/ratelimit"
	"github.com/liveserver/interaction/internal/recovery"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/tracing"
	"github.com/liveserver/interaction/internal/transport"

	"github.com/joho/godotenv"
)

func main() {
	loadDotenv()

	cfg, err := config.ValidateEnv()
	if err != nil {
		// logging isn't initialized yet; this mirrors the teacher's
		// fail-fast-before-logger-exists path.
		println("configuration error: " + err.Error())
		os.Exit(1)
	}

	development := cfg.LogLevel == "DEBUG"
	if err := logging.Initialize(development); err != nil {
		println("failed to initialize logger: " + err.Error())
		os.Exit(1)
	}
	ctx := context.Background()

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "liveserver-interaction", collector)
		if err != nil {
			logging.Warn(ctx, "tracer initialization failed, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	gateway, err := persistence.NewGateway(cfg.RedisAddr, cfg.RedisPassword, "liveserver")
	if err != nil {
		logging.Fatal(ctx, "failed to construct persistence gateway", zap.Error(err))
	}

	bc := broadcaster.New(cfg.MessageBatchSize, cfg.MessageBatchTimeout)

	manager := room.NewManager(room.ManagerConfig{
		Broadcaster:       bc,
		Gateway:           gateway,
		MaxRooms:          cfg.MaxRoomsPerServer,
		TurnTimeLimit:     cfg.TurnTimeLimit,
		InactivityTimeout: cfg.RoomInactivityTimeout,
	})
	defer manager.Shutdown()

	connections := connection.NewHandler(connection.Config{
		Manager:           manager,
		Notifier:          bc,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		ConnectionTimeout: cfg.WSConnectionTimeout,
	})
	defer connections.Shutdown()

	chatService, err := chat.New(chat.Config{
		SystemUserId: "system",
	})
	if err != nil {
		logging.Fatal(ctx, "failed to construct chat service", zap.Error(err))
	}

	recoveryService := recovery.New(recovery.Config{})

	validator := buildValidator(ctx)

	var rateLimitRedis *redis.Client
	if cfg.RedisAddr != "" {
		rateLimitRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests, rateLimitRedis)
	if err != nil {
		logging.Fatal(ctx, "failed to construct rate limiter", zap.Error(err))
	}

	healthHandler := health.NewHandler(gateway, manager, cfg.HealthCheckTimeout, time.Now())

	svc := &transport.Service{
		Manager:     manager,
		Connections: connections,
		Chat:        chatService,
		Recovery:    recoveryService,
		Broadcaster: bc,
	}

	engine := transport.NewRouter(transport.Config{
		Service:     svc,
		Validator:   validator,
		RateLimiter: rateLimiter,
		Health:      healthHandler,
		CORSOrigins: auth.GetAllowedOriginsFromEnv("CORS_ORIGINS", []string{"http://localhost:3000"}),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		logging.Info(ctx, "liveserver starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "liveserver exited")
}

// buildValidator picks the Clerk-backed Validator, or, when SKIP_AUTH=true,
// the development MockValidator. Mirrors the teacher's Auth0-domain
// fail-fast check, re-pointed at Clerk's frontend-API host.
func buildValidator(ctx context.Context) auth.TokenValidator {
	if os.Getenv("SKIP_AUTH") == "true" {
		logging.Warn(ctx, "authentication disabled via SKIP_AUTH, do not use in production")
		return &auth.MockValidator{}
	}

	frontendAPI := os.Getenv("CLERK_FRONTEND_API")
	if frontendAPI == "" {
		logging.Fatal(ctx, "CLERK_FRONTEND_API must be set when SKIP_AUTH is not true")
	}

	validator, err := auth.NewValidator(ctx, frontendAPI)
	if err != nil {
		logging.Fatal(ctx, "failed to construct auth validator", zap.Error(err))
	}
	return validator
}

// loadDotenv tries the same relative paths the teacher tries, to support
// running the binary from the repo root or from its own cmd directory.
func loadDotenv() {
	envPaths := []string{".env", "../../.env", "../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}
