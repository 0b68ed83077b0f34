// Package health implements the `health` operation of spec §6:
// {status, uptime, services:{persistence, websocket}, stats:{activeRooms,
// totalParticipants}}, HTTP 200 when healthy, 503 when degraded. Adapted
// from the teacher's internal/v1/health/handler.go, re-targeted from
// Redis bus + Rust SFU gRPC checks onto this domain's two live
// dependencies: the persistence gateway and the room manager.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/room"
)

// PersistenceChecker reports whether the persistence gateway can reach
// its backing store. Satisfied by *persistence.Gateway.
type PersistenceChecker interface {
	HealthCheck(ctx context.Context) error
}

// RoomStats reports live room/participant counts. Satisfied by
// *room.Manager.
type RoomStats interface {
	GetStats() room.Stats
}

// Handler serves the health operation's HTTP surface.
type Handler struct {
	persistence PersistenceChecker
	rooms       RoomStats
	timeout     time.Duration
	startedAt   time.Time
}

// NewHandler constructs a Handler. timeout bounds the persistence
// connectivity check (spec's healthCheckTimeout).
func NewHandler(persistence PersistenceChecker, rooms RoomStats, timeout time.Duration, startedAt time.Time) *Handler {
	return &Handler{persistence: persistence, rooms: rooms, timeout: timeout, startedAt: startedAt}
}

// Services reports the reachability of each live dependency.
type Services struct {
	Persistence string `json:"persistence"`
	Websocket   string `json:"websocket"`
}

// Stats reports live room/participant counts.
type Stats struct {
	ActiveRooms       int `json:"activeRooms"`
	TotalParticipants int `json:"totalParticipants"`
}

// Response is the JSON body returned by the health operation.
type Response struct {
	Status   string   `json:"status"`
	Uptime   float64  `json:"uptime"`
	Services Services `json:"services"`
	Stats    Stats    `json:"stats"`
}

// Health handles GET /health. The websocket service is reported healthy
// whenever this process can serve the request at all (it is served from
// the same process as persistence and room state); only persistence
// connectivity can make it report degraded.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	persistenceStatus := "healthy"
	if err := h.persistence.HealthCheck(ctx); err != nil {
		logging.Error(ctx, "persistence health check failed", zap.Error(err))
		persistenceStatus = "unhealthy"
	}

	stats := h.rooms.GetStats()

	status := "healthy"
	statusCode := http.StatusOK
	if persistenceStatus != "healthy" {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, Response{
		Status: status,
		Uptime: time.Since(h.startedAt).Seconds(),
		Services: Services{
			Persistence: persistenceStatus,
			Websocket:   "healthy",
		},
		Stats: Stats{
			ActiveRooms:       stats.ActiveRooms,
			TotalParticipants: stats.TotalParticipants,
		},
	})
}
