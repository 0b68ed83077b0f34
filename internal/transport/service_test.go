package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveserver/interaction/internal/broadcaster"
	"github.com/liveserver/interaction/internal/chat"
	"github.com/liveserver/interaction/internal/connection"
	"github.com/liveserver/interaction/internal/engine"
	"github.com/liveserver/interaction/internal/liveerr"
	"github.com/liveserver/interaction/internal/recovery"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/types"
)

func newTestService(t *testing.T) (*Service, *broadcaster.Broadcaster) {
	t.Helper()
	bc := broadcaster.New(10, time.Hour)
	manager := room.NewManager(room.ManagerConfig{
		Engine:             engine.New(),
		Broadcaster:        bc,
		TurnTimeLimit:      time.Hour,
		InactivityTimeout:  time.Hour,
		CleanupGracePeriod: 10 * time.Millisecond,
	})
	t.Cleanup(manager.Shutdown)

	chatSvc, err := chat.New(chat.Config{})
	require.NoError(t, err)

	connections := connection.NewHandler(connection.Config{Manager: manager, Notifier: bc})
	t.Cleanup(connections.Shutdown)

	return &Service{
		Manager:     manager,
		Connections: connections,
		Chat:        chatSvc,
		Recovery:    recovery.New(recovery.Config{}),
		Broadcaster: bc,
	}, bc
}

func TestService_JoinRoomRecordsDMRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, state, err := svc.JoinRoom(ctx, "int-1", "dm-user", "dm-entity", types.EntityTypeNPC, true, "conn-1")
	require.NoError(t, err)

	sp, ok := r.GetParticipant("dm-user")
	require.True(t, ok)
	assert.True(t, sp.IsDM)
	assert.Contains(t, state.Participants, types.EntityIdType("dm-entity"))
}

func TestService_StartRejectsNonDM(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.JoinRoom(ctx, "int-1", "player-1", "char-A", types.EntityTypePlayerCharacter, false, "conn-1")
	require.NoError(t, err)

	err = svc.Start("player-1", "int-1")
	require.Error(t, err)

	var lerr *liveerr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, liveerr.CodeForbidden, lerr.Code)
}

func TestService_StartSucceedsForDM(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.JoinRoom(ctx, "int-1", "dm-user", "dm-entity", types.EntityTypeNPC, true, "conn-1")
	require.NoError(t, err)

	require.NoError(t, svc.Start("dm-user", "int-1"))

	state, err := svc.GetRoomState("int-1")
	require.NoError(t, err)
	assert.Equal(t, types.RoomStatusActive, state.Status)
}

func TestService_TakeTurnReturnsValidationFailureWithoutError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, _, err := svc.JoinRoom(ctx, "int-1", "player-1", "char-A", types.EntityTypePlayerCharacter, false, "conn-1")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	// The room is active and it is char-A's turn, but the move carries no
	// target position, so it is rejected by validation rather than erroring.
	result, _, err := svc.TakeTurn(ctx, "int-1", types.TurnAction{
		EntityId: "char-A",
		Type:     types.ActionMove,
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestService_SendChatMessageEnforcesDMChannelFromRoomState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.JoinRoom(ctx, "int-1", "dm-user", "dm-entity", types.EntityTypeNPC, true, "conn-1")
	require.NoError(t, err)
	_, _, err = svc.JoinRoom(ctx, "int-1", "player-1", "char-A", types.EntityTypePlayerCharacter, false, "conn-2")
	require.NoError(t, err)

	state, err := svc.SendChatMessage(ctx, "dm-user", "int-1", "hidden note", types.ChatTypeDM, nil, "dm-entity")
	require.NoError(t, err)
	require.Len(t, state.ChatLog, 1)

	_, err = svc.SendChatMessage(ctx, "player-1", "int-1", "can I see this?", types.ChatTypeDM, nil, "char-A")
	require.Error(t, err)

	var lerr *liveerr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, liveerr.CodeForbidden, lerr.Code)
}

func TestService_RoomNotFoundReturnsLiveerrNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetRoomState("missing")
	require.Error(t, err)

	var lerr *liveerr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, liveerr.CodeNotFound, lerr.Code)
}
