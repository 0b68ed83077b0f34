package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveserver/interaction/internal/broadcaster"
	"github.com/liveserver/interaction/internal/engine"
	"github.com/liveserver/interaction/internal/types"
)

func newTestManager(t *testing.T, maxRooms int) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		Engine:             engine.New(),
		Broadcaster:        broadcaster.New(10, time.Hour),
		MaxRooms:           maxRooms,
		TurnTimeLimit:      time.Hour,
		InactivityTimeout:  time.Hour,
		CleanupGracePeriod: 10 * time.Millisecond,
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_CreateRoomIsIdempotentPerInteraction(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	r1, err := m.CreateRoom(ctx, "int-1", nil)
	require.NoError(t, err)
	r2, err := m.CreateRoom(ctx, "int-1", nil)
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, 1, m.GetStats().ActiveRooms)
}

func TestManager_CreateRoomFailsAtCapacity(t *testing.T) {
	m := newTestManager(t, 1)
	ctx := context.Background()

	_, err := m.CreateRoom(ctx, "int-1", nil)
	require.NoError(t, err)

	_, err = m.CreateRoom(ctx, "int-2", nil)
	require.Error(t, err)
}

func TestManager_JoinRoomAndLeaveRoom(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	_, state, err := m.JoinRoom(ctx, "int-1", "user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	assert.Contains(t, state.Participants, types.EntityIdType("char-A"))

	require.NoError(t, m.LeaveRoom("int-1", "user-1"))
}

func TestManager_LeaveRoomUnknownInteractionFails(t *testing.T) {
	m := newTestManager(t, 10)
	assert.Error(t, m.LeaveRoom("does-not-exist", "user-1"))
}

func TestManager_EmptyRoomIsRemovedAfterGracePeriod(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	_, _, err := m.JoinRoom(ctx, "int-1", "user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, m.LeaveRoom("int-1", "user-1"))

	assert.Eventually(t, func() bool {
		_, ok := m.GetRoomByInteractionId("int-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ReconnectCancelsPendingCleanup(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	_, _, err := m.JoinRoom(ctx, "int-1", "user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, m.LeaveRoom("int-1", "user-1"))

	_, _, err = m.JoinRoom(ctx, "int-1", "user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, ok := m.GetRoomByInteractionId("int-1")
	assert.True(t, ok, "room should survive once a new participant joined during the cleanup grace period")
}

func TestManager_PauseResumeCompleteRoom(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	r, _, err := m.JoinRoom(ctx, "int-1", "user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	require.NoError(t, m.PauseRoom("int-1", "break"))
	require.NoError(t, m.ResumeRoom("int-1"))

	final, err := m.CompleteRoom(ctx, "int-1", "session ended")
	require.NoError(t, err)
	assert.Equal(t, types.RoomStatusCompleted, final.Status)
}
