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

func newTestRoom(t *testing.T) (*Room, *broadcaster.Broadcaster) {
	t.Helper()
	bc := broadcaster.New(10, time.Hour)
	r := New("room-1", "int-1", types.GameState{InteractionId: "int-1"}, Config{
		Engine:        engine.New(),
		Broadcaster:   bc,
		TurnTimeLimit: time.Hour,
	})
	return r, bc
}

func TestRoom_JoinCreatesParticipantAndInitiativeEntry(t *testing.T) {
	r, _ := newTestRoom(t)

	state, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)

	assert.Contains(t, state.Participants, types.EntityIdType("char-A"))
	assert.Len(t, state.InitiativeOrder, 1)
	assert.Equal(t, 1, r.ParticipantCount())
}

func TestRoom_JoinIsIdempotentForSameUser(t *testing.T) {
	r, _ := newTestRoom(t)

	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	state, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)

	assert.Len(t, state.InitiativeOrder, 1)
	assert.Equal(t, 1, r.ParticipantCount())
}

func TestRoom_LeaveTriggersOnEmptyCallback(t *testing.T) {
	bc := broadcaster.New(10, time.Hour)
	emptied := make(chan types.RoomIdType, 1)
	r := New("room-1", "int-1", types.GameState{InteractionId: "int-1"}, Config{
		Engine:      engine.New(),
		Broadcaster: bc,
		OnEmpty:     func(id types.RoomIdType) { emptied <- id },
	})

	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, r.Leave("user-1"))

	select {
	case id := <-emptied:
		assert.Equal(t, types.RoomIdType("room-1"), id)
	case <-time.After(time.Second):
		t.Fatal("onEmpty callback was not invoked")
	}
}

func TestRoom_StartActivatesFirstInitiativeEntry(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)

	require.NoError(t, r.Start())

	state := r.GetState()
	assert.Equal(t, types.RoomStatusActive, state.Status)
	currentId, ok := state.CurrentEntityId()
	require.True(t, ok)
	assert.Contains(t, []types.EntityIdType{"char-A", "char-B"}, currentId)
}

func TestRoom_ProcessTurnActionRejectsOutOfTurn(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	state := r.GetState()
	currentId, _ := state.CurrentEntityId()
	var otherId types.EntityIdType
	for id := range state.Participants {
		if id != currentId {
			otherId = id
		}
	}

	result, _, err := r.ProcessTurnAction(types.TurnAction{EntityId: otherId, Type: types.ActionEnd})
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestRoom_ProcessTurnActionEndAdvancesTurn(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	before := r.GetState()
	currentId, _ := before.CurrentEntityId()

	result, after, err := r.ProcessTurnAction(types.TurnAction{EntityId: currentId, Type: types.ActionEnd})
	require.NoError(t, err)
	require.True(t, result.Valid)
	assert.NotEqual(t, before.CurrentTurnIndex, after.CurrentTurnIndex)
	require.Len(t, after.TurnHistory, 1)
}

func TestRoom_PauseThenResume(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	require.NoError(t, r.Pause("DM called a break"))
	assert.Equal(t, types.RoomStatusPaused, r.GetState().Status)

	require.Error(t, r.Pause("double pause"))

	require.NoError(t, r.Resume())
	assert.Equal(t, types.RoomStatusActive, r.GetState().Status)
}

func TestRoom_UpdateGameStateRefusesAfterComplete(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Complete(context.Background(), "session ended")
	require.NoError(t, err)

	err = r.UpdateGameState(types.GameState{InteractionId: "int-1"})
	assert.Error(t, err)
}

func TestRoom_SkipTurnRecordsSkippedStatus(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	state, err := r.SkipTurn("DM override")
	require.NoError(t, err)
	require.Len(t, state.TurnHistory, 1)
	assert.Equal(t, types.TurnRecordStatusSkipped, state.TurnHistory[0].Status)
}

func newTestRoomWithBatching(t *testing.T, batchCap int) (*Room, *broadcaster.Broadcaster) {
	t.Helper()
	bc := broadcaster.New(batchCap, 10*time.Millisecond)
	initial := types.GameState{
		InteractionId: "int-1",
		MapState:      types.MapState{Width: 20, Height: 20},
	}
	r := New("room-1", "int-1", initial, Config{
		Engine:        engine.New(),
		Broadcaster:   bc,
		TurnTimeLimit: time.Hour,
	})
	return r, bc
}

func TestRoom_ProcessTurnActionMoveEmitsMapDeltaWithEntityPosition(t *testing.T) {
	r, bc := newTestRoomWithBatching(t, 1)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	// Join seeds entities with Speed 0; give the active actor some movement
	// budget before exercising the move.
	before := r.GetState()
	currentId, _ := before.CurrentEntityId()
	actor := before.Participants[currentId]
	actor.Speed = 5
	before.Participants[currentId] = actor
	require.NoError(t, r.UpdateGameState(before))

	sub := bc.Subscribe("int-1", "watcher", "watcher-user", false)
	defer bc.Unsubscribe("int-1", "watcher")

	dest := types.Position{X: actor.Position.X + 1, Y: actor.Position.Y}

	result, _, err := r.ProcessTurnAction(types.TurnAction{EntityId: currentId, Type: types.ActionMove, Position: &dest})
	require.NoError(t, err)
	require.True(t, result.Valid, "errors: %v", result.Errors)

	select {
	case batch := <-sub.Events:
		require.Len(t, batch, 1)
		delta, ok := batch[0].Payload.(types.StateDelta)
		require.True(t, ok)
		assert.Equal(t, types.DeltaMap, delta.Type)
		assert.Equal(t, dest, delta.EntityPositions[currentId])
	case <-time.After(time.Second):
		t.Fatal("expected a map delta event")
	}
}

func TestRoom_ProcessTurnActionAttackEmitsParticipantDeltaWithUpdatedHP(t *testing.T) {
	r, bc := newTestRoomWithBatching(t, 1)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)
	require.NoError(t, r.Start())

	sub := bc.Subscribe("int-1", "watcher", "watcher-user", false)
	defer bc.Unsubscribe("int-1", "watcher")

	state := r.GetState()
	currentId, _ := state.CurrentEntityId()
	var targetId types.EntityIdType
	for id := range state.Participants {
		if id != currentId {
			targetId = id
		}
	}

	// Join seeds every entity at 1/1 HP; a 5-damage hit should clamp to 0.
	result, _, err := r.ProcessTurnAction(types.TurnAction{
		EntityId: currentId, Type: types.ActionAttack, TargetId: targetId,
		Parameters: map[string]any{"damage": 5},
	})
	require.NoError(t, err)
	require.True(t, result.Valid, "errors: %v", result.Errors)

	select {
	case batch := <-sub.Events:
		require.Len(t, batch, 1)
		delta, ok := batch[0].Payload.(types.StateDelta)
		require.True(t, ok)
		assert.Equal(t, types.DeltaParticipant, delta.Type)
		require.NotNil(t, delta.Participant)
		assert.Equal(t, targetId, delta.Participant.EntityId)
		assert.Equal(t, 0, delta.Participant.CurrentHP)
	case <-time.After(time.Second):
		t.Fatal("expected a participant delta event")
	}
}

func TestRoom_LeaveDropsPlayerCharacterFromInitiativeAndParticipants(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)
	_, err = r.Join("user-2", "char-B", types.EntityTypePlayerCharacter, "conn-2")
	require.NoError(t, err)

	require.NoError(t, r.Leave("user-1"))

	state := r.GetState()
	assert.NotContains(t, state.Participants, types.EntityIdType("char-A"))
	require.Len(t, state.InitiativeOrder, 1)
	assert.Equal(t, types.EntityIdType("char-B"), state.InitiativeOrder[0].EntityId)
}

func TestRoom_LeaveKeepsNPCEntityAliveForDM(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("dm-1", "goblin-1", types.EntityTypeNPC, "conn-1")
	require.NoError(t, err)

	require.NoError(t, r.Leave("dm-1"))

	state := r.GetState()
	assert.Contains(t, state.Participants, types.EntityIdType("goblin-1"))
	require.Len(t, state.InitiativeOrder, 1)
}

func TestRoom_GetStateReturnsIndependentCopy(t *testing.T) {
	r, _ := newTestRoom(t)
	_, err := r.Join("user-1", "char-A", types.EntityTypePlayerCharacter, "conn-1")
	require.NoError(t, err)

	snap := r.GetState()
	snap.Status = types.RoomStatusCompleted

	assert.NotEqual(t, types.RoomStatusCompleted, r.GetState().Status)
}
