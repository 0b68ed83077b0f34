// Package room implements the Room (C3) and Room Manager (C4): the
// single-writer owner of one interaction's GameState, and the directory
// that creates, looks up, and retires Rooms. Grounded on the teacher's
// internal/v1/session/room.go and hub.go — same RWMutex-per-room
// concurrency model and the same grace-period cleanup timer pattern,
// generalized from video-conference participant roles to turn-based
// combat state.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/broadcaster"
	"github.com/liveserver/interaction/internal/engine"
	"github.com/liveserver/interaction/internal/liveerr"
	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/metrics"
	"github.com/liveserver/interaction/internal/persistence"
	"github.com/liveserver/interaction/internal/types"
)

// DefaultTurnTimeLimit is how long a turn may sit active before the Room
// auto-skips it.
const DefaultTurnTimeLimit = 90 * time.Second

// snapshotRingCapacity bounds the per-room rollback ring. A slice-based ring
// is used instead of stdlib container/ring, grounded on the teacher's
// list.List-based chatHistory trim: both are "append then drop the oldest
// once a cap is hit", just expressed over a slice here.
const snapshotRingCapacity = 10

// SessionParticipant is the Room's connection-facing view of a participant,
// distinct from the GameState Participant the engine manipulates.
type SessionParticipant struct {
	UserId       types.UserIdType
	EntityId     types.EntityIdType
	EntityType   types.EntityType
	ConnectionId string
	IsConnected  bool
	IsDM         bool
	LastActivity time.Time
}

// Room owns one interaction's authoritative GameState. All mutating methods
// acquire the write lock; readers acquire the read lock and always return a
// deep copy, never an internal pointer.
type Room struct {
	mu sync.RWMutex

	id            types.RoomIdType
	interactionId types.InteractionIdType
	state         types.GameState
	participants  map[types.UserIdType]*SessionParticipant

	createdAt    time.Time
	lastActivity time.Time

	snapshots []types.Snapshot

	turnTimer     *time.Timer
	turnTimeLimit time.Duration

	eng *engine.Engine
	bc  *broadcaster.Broadcaster
	gw  *persistence.Gateway

	onEmpty func(types.RoomIdType)
}

// Config bundles a Room's fixed dependencies.
type Config struct {
	Engine        *engine.Engine
	Broadcaster   *broadcaster.Broadcaster
	Gateway       *persistence.Gateway
	TurnTimeLimit time.Duration
	OnEmpty       func(types.RoomIdType)
}

// New constructs a Room around an already-resolved initial GameState.
func New(id types.RoomIdType, interactionId types.InteractionIdType, initial types.GameState, cfg Config) *Room {
	turnLimit := cfg.TurnTimeLimit
	if turnLimit <= 0 {
		turnLimit = DefaultTurnTimeLimit
	}
	if initial.Status == "" {
		initial.Status = types.RoomStatusWaiting
	}
	if initial.Participants == nil {
		initial.Participants = make(map[types.EntityIdType]types.Participant)
	}
	if initial.RoundNumber == 0 {
		initial.RoundNumber = 1
	}

	r := &Room{
		id:            id,
		interactionId: interactionId,
		state:         initial,
		participants:  make(map[types.UserIdType]*SessionParticipant),
		createdAt:     time.Now(),
		lastActivity:  time.Now(),
		turnTimeLimit: turnLimit,
		eng:           cfg.Engine,
		bc:            cfg.Broadcaster,
		gw:            cfg.Gateway,
		onEmpty:       cfg.OnEmpty,
	}
	if r.eng == nil {
		r.eng = engine.New()
	}
	return r
}

// Id returns the Room's stable identifier.
func (r *Room) Id() types.RoomIdType { return r.id }

// InteractionId returns the interaction this Room is hosting.
func (r *Room) InteractionId() types.InteractionIdType { return r.interactionId }

// GetState returns a deep copy of the current GameState.
func (r *Room) GetState() types.GameState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// GetParticipant returns a copy of a session participant's record.
func (r *Room) GetParticipant(userId types.UserIdType) (SessionParticipant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userId]
	if !ok {
		return SessionParticipant{}, false
	}
	return *p, true
}

// ParticipantCount returns the number of session participants currently
// joined, connected or not.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// IsEmpty reports whether the Room currently has no session participants.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}

// Join admits a userId controlling entityId into the Room. If entityId is
// not already tracked in the GameState, a fresh Participant is created with
// the given entityType and joined to the initiative order.
func (r *Room) Join(userId types.UserIdType, entityId types.EntityIdType, entityType types.EntityType, connectionId string) (types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return types.GameState{}, liveerr.New(liveerr.CodeFailedPrecondition, "interaction already completed")
	}

	r.touchLocked()

	if sp, exists := r.participants[userId]; exists {
		sp.IsConnected = true
		sp.ConnectionId = connectionId
		sp.LastActivity = time.Now()
	} else {
		r.participants[userId] = &SessionParticipant{
			UserId:       userId,
			EntityId:     entityId,
			EntityType:   entityType,
			ConnectionId: connectionId,
			IsConnected:  true,
			LastActivity: time.Now(),
		}
	}

	if _, exists := r.state.Participants[entityId]; !exists {
		r.state.Participants[entityId] = types.Participant{
			EntityId:         entityId,
			EntityType:       entityType,
			UserId:           userId,
			CurrentHP:        1,
			MaxHP:            1,
			AvailableActions: []string{"move", "attack", "cast", "useItem", "end", "interact"},
			TurnStatus:       types.TurnStatusWaiting,
		}
		r.state.InitiativeOrder = append(r.state.InitiativeOrder, types.InitiativeEntry{
			EntityId:   entityId,
			EntityType: entityType,
			UserId:     userId,
		})
		r.state = engine.RebuildInitiative(r.state)
	}

	metrics.RoomParticipants.WithLabelValues(string(r.interactionId)).Set(float64(len(r.participants)))
	metrics.TurnActionsTotal.WithLabelValues("join", "success").Inc()

	r.emit(types.GameEvent{
		Type: types.EventParticipantJoined,
		Payload: types.ParticipantJoinedPayload{
			EntityId: entityId, EntityType: entityType, UserId: userId,
		},
	})

	return r.state.Clone(), nil
}

// Leave removes userId's session participation. A departing player
// character is also dropped from GameState.Participants/InitiativeOrder and
// the initiative order is rebuilt; NPC and monster tokens stay in
// GameState.Participants so the DM keeps controlling them after the
// controlling session disconnects.
func (r *Room) Leave(userId types.UserIdType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.participants[userId]
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "participant not in room")
	}
	entityId := sp.EntityId
	delete(r.participants, userId)
	r.touchLocked()

	if sp.EntityType == types.EntityTypePlayerCharacter {
		r.removeEntityLocked(entityId)
	}

	metrics.RoomParticipants.WithLabelValues(string(r.interactionId)).Set(float64(len(r.participants)))

	r.emit(types.GameEvent{
		Type:    types.EventParticipantLeft,
		Payload: types.ParticipantLeftPayload{EntityId: entityId, UserId: userId},
	})

	if len(r.participants) == 0 && r.onEmpty != nil {
		go func() {
			defer func() {
				if recover() != nil {
					logging.Error(nil, "panic in room onEmpty callback", zap.String("room", string(r.id)))
				}
			}()
			r.onEmpty(r.id)
		}()
	}
	return nil
}

// removeEntityLocked drops entityId from the GameState's participant map,
// map entities, and initiative order, then rebuilds initiative so the
// remaining entries resort cleanly. Caller must hold r.mu.
func (r *Room) removeEntityLocked(entityId types.EntityIdType) {
	delete(r.state.Participants, entityId)
	delete(r.state.MapState.Entities, entityId)
	for i, entry := range r.state.InitiativeOrder {
		if entry.EntityId == entityId {
			r.state.InitiativeOrder = append(r.state.InitiativeOrder[:i], r.state.InitiativeOrder[i+1:]...)
			break
		}
	}
	if len(r.state.InitiativeOrder) == 0 {
		r.state.CurrentTurnIndex = 0
		return
	}
	if r.state.CurrentTurnIndex >= len(r.state.InitiativeOrder) {
		r.state.CurrentTurnIndex = 0
	}
	r.state = engine.RebuildInitiative(r.state)
}

// SetParticipantRole records whether userId is acting as this room's DM. The
// spec flags entityType-based DM inference as brittle; the caller (the
// transport layer, backed by the session's own authorization data) supplies
// this explicitly instead, once at join time.
func (r *Room) SetParticipantRole(userId types.UserIdType, isDM bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.participants[userId]
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "participant not in room")
	}
	sp.IsDM = isDM
	if p, exists := r.state.Participants[sp.EntityId]; exists {
		p.IsDM = isDM
		r.state.Participants[sp.EntityId] = p
	}
	return nil
}

// UpdateParticipantConnection records a reconnect/disconnect transition for
// an already-joined userId without touching GameState.
func (r *Room) UpdateParticipantConnection(userId types.UserIdType, isConnected bool, connectionId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, ok := r.participants[userId]
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "participant not in room")
	}
	sp.IsConnected = isConnected
	if isConnected {
		sp.ConnectionId = connectionId
	}
	sp.LastActivity = time.Now()
	return nil
}

// ProcessTurnAction validates and, if valid, applies a TurnAction. On
// success it emits exactly one StateDelta event; on failure it emits none.
func (r *Room) ProcessTurnAction(action types.TurnAction) (types.ValidationResult, types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusActive {
		return types.ValidationResult{}, types.GameState{}, liveerr.New(liveerr.CodeFailedPrecondition, "interaction is not active")
	}

	result := engine.Validate(r.state, action)
	if !result.Valid {
		metrics.TurnActionsTotal.WithLabelValues(string(action.Type), "rejected").Inc()
		return result, types.GameState{}, nil
	}

	prevTurnIndex := r.state.CurrentTurnIndex
	r.state = r.eng.Apply(r.state, action)
	r.touchLocked()
	r.captureSnapshotLocked()

	metrics.TurnActionsTotal.WithLabelValues(string(action.Type), "success").Inc()

	if delta := actionDeltaPayload(action, r.state); delta != nil {
		r.emit(types.GameEvent{Type: types.EventStateDelta, Payload: *delta})
	}

	if r.state.CurrentTurnIndex != prevTurnIndex {
		r.emit(types.GameEvent{
			Type: types.EventStateDelta,
			Payload: types.StateDelta{
				Type:             types.DeltaTurn,
				CurrentTurnIndex: intPtr(r.state.CurrentTurnIndex),
				RoundNumber:      intPtr(r.state.RoundNumber),
				Timestamp:        time.Now(),
			},
		})
		r.rearmTurnClockLocked()
	}

	return result, r.state.Clone(), nil
}

// actionDeltaPayload builds the StateDelta that describes what a successful
// TurnAction actually changed, so a subscriber replaying deltas can
// reconstruct post-action state without a full resync: a move reports the
// entity's new position, an attack/cast reports the target's updated
// Participant, and useItem reports the actor's updated Participant. end and
// interact change nothing on their own beyond the turn advance handled
// separately, so they report no delta.
func actionDeltaPayload(action types.TurnAction, state types.GameState) *types.StateDelta {
	switch action.Type {
	case types.ActionMove:
		pos := state.Participants[action.EntityId].Position
		return &types.StateDelta{
			Type:            types.DeltaMap,
			EntityPositions: map[types.EntityIdType]types.Position{action.EntityId: pos},
			Timestamp:       time.Now(),
		}
	case types.ActionAttack, types.ActionCast:
		target := state.Participants[action.TargetId]
		return &types.StateDelta{
			Type:        types.DeltaParticipant,
			Participant: &target,
			Timestamp:   time.Now(),
		}
	case types.ActionUseItem:
		actor := state.Participants[action.EntityId]
		return &types.StateDelta{
			Type:        types.DeltaParticipant,
			Participant: &actor,
			Timestamp:   time.Now(),
		}
	default:
		return nil
	}
}

// SkipTurn force-advances the current turn (DM override). Permission
// enforcement is the transport layer's responsibility.
func (r *Room) SkipTurn(reason string) (types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusActive {
		return types.GameState{}, liveerr.New(liveerr.CodeFailedPrecondition, "interaction is not active")
	}

	currentId, _ := r.state.CurrentEntityId()
	r.state = engine.AdvanceTurn(r.state, types.TurnRecordStatusSkipped)
	r.touchLocked()
	r.captureSnapshotLocked()
	r.rearmTurnClockLocked()

	r.emit(types.GameEvent{
		Type:    types.EventTurnSkipped,
		Payload: types.TurnSkippedPayload{EntityId: currentId, Reason: reason},
	})

	return r.state.Clone(), nil
}

// BacktrackTurn rolls the GameState back to the snapshot captured nearest to
// (but not after) turnNumber. Used by DM-resolution and error-recovery
// rollback paths.
func (r *Room) BacktrackTurn(turnNumber int, reason string) (types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *types.Snapshot
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if len(r.snapshots[i].State.TurnHistory) <= turnNumber {
			target = &r.snapshots[i]
			break
		}
	}
	if target == nil {
		return types.GameState{}, liveerr.New(liveerr.CodeNotFound, "no snapshot available for requested turn")
	}

	// Restore the snapshot's turn/participant/map content but keep the
	// Room's current lifecycle status: status is governed by
	// Pause/Resume/Complete, not by whatever it happened to be when the
	// snapshot was captured.
	restored := target.State.Clone()
	restored.Status = r.state.Status
	r.state = restored
	r.touchLocked()
	r.rearmTurnClockLocked()

	r.emit(types.GameEvent{
		Type: types.EventTurnBacktracked,
		Payload: types.StateDelta{
			Type:      types.DeltaTurn,
			FullSync:  true,
			FullState: &r.state,
			Timestamp: time.Now(),
		},
	})
	logging.Info(nil, "turn backtracked", zap.String("room", string(r.id)), zap.Int("turnNumber", turnNumber), zap.String("reason", reason))

	return r.state.Clone(), nil
}

// maxChatHistorySize bounds the ring-trimmed chatLog kept on GameState.
const maxChatHistorySize = 10

// AppendChatMessage appends msg to the Room's chat log, ring-trimming it to
// maxChatHistorySize, and emits a CHAT_MESSAGE event scoped to msg's
// visibility: party/system messages go to everyone, private messages carry
// Recipients, and dm messages are marked DMOnly so only the DM role
// receives them.
func (r *Room) AppendChatMessage(msg types.ChatMessage) (types.GameState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return types.GameState{}, liveerr.New(liveerr.CodeFailedPrecondition, "interaction already completed")
	}

	r.state.ChatLog = append(r.state.ChatLog, msg)
	if len(r.state.ChatLog) > maxChatHistorySize {
		r.state.ChatLog = r.state.ChatLog[len(r.state.ChatLog)-maxChatHistorySize:]
	}
	r.touchLocked()

	ev := types.GameEvent{
		Type:      types.EventChatMessage,
		Payload:   msg,
		Timestamp: time.Now(),
	}
	switch msg.Type {
	case types.ChatTypePrivate:
		ev.Recipients = append([]types.UserIdType{msg.UserId}, msg.Recipients...)
	case types.ChatTypeDM:
		ev.DMOnly = true
	}
	r.emit(ev)

	return r.state.Clone(), nil
}

// UpdateGameState overwrites the Room's GameState wholesale. Reserved for
// Error Recovery rollback; refuses once the interaction has completed.
func (r *Room) UpdateGameState(newState types.GameState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status == types.RoomStatusCompleted {
		return liveerr.New(liveerr.CodeFailedPrecondition, "cannot update a completed interaction")
	}
	r.state = newState.Clone()
	r.touchLocked()
	r.captureSnapshotLocked()

	r.emit(types.GameEvent{
		Type: types.EventStateDelta,
		Payload: types.StateDelta{
			Type:      types.DeltaParticipant,
			FullSync:  true,
			FullState: &r.state,
			Timestamp: time.Now(),
		},
	})
	return nil
}

// Start transitions a waiting interaction to active, activating the first
// entry in the initiative order and arming the turn clock. Not named in the
// spec's operation list but required to reach `status=active` from the
// `waiting` state a freshly created Room starts in; DM-only, enforced by
// the transport layer.
func (r *Room) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusWaiting {
		return liveerr.New(liveerr.CodeFailedPrecondition, "interaction is not waiting to start")
	}
	if len(r.state.InitiativeOrder) == 0 {
		return liveerr.New(liveerr.CodeFailedPrecondition, "cannot start with no participants")
	}

	r.state = engine.RebuildInitiative(r.state)
	r.state.Status = types.RoomStatusActive
	r.state.CurrentTurnIndex = 0
	firstId := r.state.InitiativeOrder[0].EntityId
	if p, ok := r.state.Participants[firstId]; ok {
		p.TurnStatus = types.TurnStatusActive
		r.state.Participants[firstId] = p
	}
	r.touchLocked()
	r.captureSnapshotLocked()
	r.rearmTurnClockLocked()

	r.emit(types.GameEvent{Type: types.EventTurnStarted, Payload: types.TurnStartedPayload{EntityId: firstId, RoundNumber: r.state.RoundNumber}})
	return nil
}

// Pause suspends an active interaction. DM-only; enforced by the transport
// layer.
func (r *Room) Pause(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusActive {
		return liveerr.New(liveerr.CodeFailedPrecondition, "interaction is not active")
	}
	r.state.Status = types.RoomStatusPaused
	r.touchLocked()
	r.stopTurnClockLocked()

	r.emit(types.GameEvent{Type: types.EventInteractionPaused, Payload: reason})
	return nil
}

// Resume reactivates a paused interaction and rearms the turn clock.
func (r *Room) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusPaused {
		return liveerr.New(liveerr.CodeFailedPrecondition, "interaction is not paused")
	}
	r.state.Status = types.RoomStatusActive
	r.touchLocked()
	r.rearmTurnClockLocked()

	r.emit(types.GameEvent{Type: types.EventInteractionResume, Payload: nil})
	return nil
}

// Complete marks the interaction finished, persists the final state, and
// stops the turn clock. reason is logged but not modeled in GameState.
func (r *Room) Complete(ctx context.Context, reason string) (types.GameState, error) {
	r.mu.Lock()
	r.state.Status = types.RoomStatusCompleted
	r.touchLocked()
	r.stopTurnClockLocked()
	final := r.state.Clone()
	r.mu.Unlock()

	if r.gw != nil {
		if err := r.gw.Write(ctx, persistence.CollectionCompletion, string(r.interactionId), final); err != nil {
			logging.Error(ctx, "failed to persist completion record", zap.String("room", string(r.id)), zap.Error(err))
		}
	}

	r.emit(types.GameEvent{Type: types.EventStateDelta, Payload: types.StateDelta{
		Type: types.DeltaParticipant, FullSync: true, FullState: &final, Timestamp: time.Now(),
	}})
	logging.Info(ctx, "interaction completed", zap.String("room", string(r.id)), zap.String("reason", reason))

	return final, nil
}

// StartTurnClock activates the turn clock once the interaction transitions
// from waiting to active.
func (r *Room) StartTurnClock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rearmTurnClockLocked()
}

func (r *Room) rearmTurnClockLocked() {
	r.stopTurnClockLocked()
	if r.state.Status != types.RoomStatusActive {
		return
	}
	r.turnTimer = time.AfterFunc(r.turnTimeLimit, r.handleTurnTimeout)
}

func (r *Room) stopTurnClockLocked() {
	if r.turnTimer != nil {
		r.turnTimer.Stop()
		r.turnTimer = nil
	}
}

// handleTurnTimeout is invoked from a timer goroutine. It re-acquires the
// Room's own lock rather than mutating state directly from that goroutine,
// preserving the single-writer serialization guarantee.
func (r *Room) handleTurnTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != types.RoomStatusActive {
		return
	}
	currentId, ok := r.state.CurrentEntityId()
	if !ok {
		return
	}

	r.state = engine.AdvanceTurn(r.state, types.TurnRecordStatusTimeout)
	r.touchLocked()
	r.captureSnapshotLocked()
	metrics.TurnTimeoutsTotal.Inc()

	r.emit(types.GameEvent{
		Type:    types.EventTurnSkipped,
		Payload: types.TurnSkippedPayload{EntityId: currentId, Reason: "turn deadline exceeded"},
	})

	r.turnTimer = time.AfterFunc(r.turnTimeLimit, r.handleTurnTimeout)
}

func (r *Room) captureSnapshotLocked() {
	snap := types.Snapshot{State: r.state.Clone(), CapturedAt: time.Now()}
	r.snapshots = append(r.snapshots, snap)
	if len(r.snapshots) > snapshotRingCapacity {
		r.snapshots = r.snapshots[len(r.snapshots)-snapshotRingCapacity:]
	}
}

// Snapshots returns a copy of the current rollback ring, newest last.
func (r *Room) Snapshots() []types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

func (r *Room) touchLocked() {
	r.lastActivity = time.Now()
	r.state.Timestamp = r.lastActivity
}

// LastActivity reports the last time this Room was mutated.
func (r *Room) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

func (r *Room) emit(ev types.GameEvent) {
	if r.bc == nil {
		return
	}
	r.bc.Broadcast(r.interactionId, ev)
}

func intPtr(v int) *int { return &v }
