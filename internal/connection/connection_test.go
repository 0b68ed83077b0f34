package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveserver/interaction/internal/broadcaster"
	"github.com/liveserver/interaction/internal/engine"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/types"
)

func newTestHandler(t *testing.T, cfg Config) (*Handler, *room.Manager) {
	t.Helper()
	m := room.NewManager(room.ManagerConfig{
		Engine:             engine.New(),
		Broadcaster:        broadcaster.New(10, time.Hour),
		MaxRooms:           10,
		TurnTimeLimit:      time.Hour,
		InactivityTimeout:  time.Hour,
		CleanupGracePeriod: 10 * time.Millisecond,
	})
	cfg.Manager = m
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	}
	h := NewHandler(cfg)
	t.Cleanup(func() {
		h.Shutdown()
		m.Shutdown()
	})
	return h, m
}

func TestHandler_RegisterCreatesConnectedSession(t *testing.T) {
	h, _ := newTestHandler(t, Config{})

	sess := h.Register("user-1", "int-1", "conn-1", false)
	assert.Equal(t, StatusConnected, sess.Status)

	got, ok := h.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestHandler_DisconnectThenStaleSweepEvicts(t *testing.T) {
	h, _ := newTestHandler(t, Config{
		ConnectionTimeout:    time.Millisecond,
		MaxReconnectAttempts: 2,
		HeartbeatInterval:    5 * time.Millisecond,
	})

	h.Register("user-1", "int-1", "conn-1", false)
	h.Disconnect("user-1", "client closed")

	sess, ok := h.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, StatusDisconnected, sess.Status)

	assert.Eventually(t, func() bool {
		_, ok := h.Get("user-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_HeartbeatTimeoutDisconnectsConnectedSession(t *testing.T) {
	h, _ := newTestHandler(t, Config{
		ConnectionTimeout: time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})

	h.Register("user-1", "int-1", "conn-1", false)

	assert.Eventually(t, func() bool {
		sess, ok := h.Get("user-1")
		return ok && sess.Status == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_UpdateHeartbeatKeepsSessionAlive(t *testing.T) {
	h, _ := newTestHandler(t, Config{
		ConnectionTimeout: 50 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
	})

	h.Register("user-1", "int-1", "conn-1", false)

	stop := time.After(80 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(5 * time.Millisecond):
			assert.True(t, h.UpdateHeartbeat("user-1"))
		}
	}

	sess, ok := h.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, StatusConnected, sess.Status)
}

func TestHandler_DMDisconnectArmsGraceTimerAndPausesRoom(t *testing.T) {
	h, m := newTestHandler(t, Config{DMGracePeriod: 10 * time.Millisecond})

	_, _, err := m.JoinRoom(context.Background(), "int-1", "dm-1", "dm-char", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	r, ok := m.GetRoomByInteractionId("int-1")
	require.True(t, ok)
	require.NoError(t, r.Start())

	h.Register("dm-1", "int-1", "conn-1", true)
	h.Disconnect("dm-1", "client closed")

	assert.Eventually(t, func() bool {
		return r.GetState().Status == types.RoomStatusPaused
	}, time.Second, 5*time.Millisecond)
}

func TestHandler_DMReconnectAfterGraceExpiryResumesRoom(t *testing.T) {
	h, m := newTestHandler(t, Config{DMGracePeriod: 5 * time.Millisecond})

	_, _, err := m.JoinRoom(context.Background(), "int-1", "dm-1", "dm-char", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	r, ok := m.GetRoomByInteractionId("int-1")
	require.True(t, ok)
	require.NoError(t, r.Start())

	h.Register("dm-1", "int-1", "conn-1", true)
	h.Disconnect("dm-1", "client closed")

	assert.Eventually(t, func() bool {
		return r.GetState().Status == types.RoomStatusPaused
	}, time.Second, 5*time.Millisecond)

	h.Register("dm-1", "int-1", "conn-2", true)

	assert.Equal(t, types.RoomStatusActive, r.GetState().Status)
}

func TestHandler_DMReconnectBeforeGraceWindowCancelsPause(t *testing.T) {
	h, m := newTestHandler(t, Config{DMGracePeriod: 200 * time.Millisecond})

	_, _, err := m.JoinRoom(context.Background(), "int-1", "dm-1", "dm-char", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	r, ok := m.GetRoomByInteractionId("int-1")
	require.True(t, ok)
	require.NoError(t, r.Start())

	h.Register("dm-1", "int-1", "conn-1", true)
	h.Disconnect("dm-1", "client closed")
	h.Register("dm-1", "int-1", "conn-2", true)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, types.RoomStatusActive, r.GetState().Status)
}
