package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/liveserver/interaction/internal/room"
)

type fakePersistence struct {
	err error
}

func (f *fakePersistence) HealthCheck(ctx context.Context) error { return f.err }

type fakeRoomStats struct {
	stats room.Stats
}

func (f *fakeRoomStats) GetStats() room.Stats { return f.stats }

func TestHealth_ReturnsHealthyWhenPersistenceReachable(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&fakePersistence{}, &fakeRoomStats{stats: room.Stats{ActiveRooms: 3, TotalParticipants: 7}}, time.Second, time.Now().Add(-time.Minute))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)

	handler.Health(c)

	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"persistence":"healthy"`)
	assert.Contains(t, body, `"websocket":"healthy"`)
	assert.Contains(t, body, `"activeRooms":3`)
	assert.Contains(t, body, `"totalParticipants":7`)
}

func TestHealth_ReturnsDegradedWhenPersistenceUnreachable(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&fakePersistence{err: errors.New("connection refused")}, &fakeRoomStats{}, time.Second, time.Now())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)

	handler.Health(c)

	assert.Equal(t, 503, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"status":"degraded"`)
	assert.Contains(t, body, `"persistence":"unhealthy"`)
}

func TestHealth_ReportsUptimeSinceStart(t *testing.T) {
	gin.SetMode(gin.TestMode)

	started := time.Now().Add(-5 * time.Second)
	handler := NewHandler(&fakePersistence{}, &fakeRoomStats{}, time.Second, started)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)

	handler.Health(c)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"uptime":`)
}
