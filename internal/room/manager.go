package room

import (
	"context"
	"fmt"
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

// DefaultMaxRoomsPerServer bounds how many Rooms a single Manager will
// admit before CreateRoom fails with liveerr.CodeResourceExhausted.
const DefaultMaxRoomsPerServer = 500

// DefaultInactivityTimeout is how long a Room may sit without a mutation
// before the sweep retires it.
const DefaultInactivityTimeout = 30 * time.Minute

// DefaultCleanupGracePeriod mirrors the teacher's Hub.cleanupGracePeriod:
// an empty room is not deleted immediately, so a client refresh/reconnect
// doesn't race a fresh room into existence.
const DefaultCleanupGracePeriod = 5 * time.Second

// Stats is a point-in-time snapshot of the Manager's directory.
type Stats struct {
	ActiveRooms       int
	TotalParticipants int
}

// ManagerConfig bundles a Manager's fixed dependencies and tunables.
type ManagerConfig struct {
	Engine             *engine.Engine
	Broadcaster        *broadcaster.Broadcaster
	Gateway            *persistence.Gateway
	MaxRooms           int
	TurnTimeLimit      time.Duration
	InactivityTimeout  time.Duration
	CleanupGracePeriod time.Duration
}

// Manager is the directory of live Rooms, keyed by interactionId. Grounded
// on the teacher's Hub: same mutex-protected registry, same grace-period
// cleanup-timer pattern, generalized from a per-connection WebSocket
// upgrade hub into a plain room directory callable from any transport.
type Manager struct {
	mu                 sync.RWMutex
	rooms              map[types.InteractionIdType]*Room
	pendingCleanups    map[types.InteractionIdType]*time.Timer
	maxRooms           int
	cleanupGracePeriod time.Duration
	inactivityTimeout  time.Duration

	eng *engine.Engine
	bc  *broadcaster.Broadcaster
	gw  *persistence.Gateway
	cfg ManagerConfig

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// NewManager constructs a Manager and starts its inactivity sweep ticker.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = DefaultMaxRoomsPerServer
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.CleanupGracePeriod <= 0 {
		cfg.CleanupGracePeriod = DefaultCleanupGracePeriod
	}
	if cfg.Engine == nil {
		cfg.Engine = engine.New()
	}

	m := &Manager{
		rooms:              make(map[types.InteractionIdType]*Room),
		pendingCleanups:    make(map[types.InteractionIdType]*time.Timer),
		maxRooms:           cfg.MaxRooms,
		cleanupGracePeriod: cfg.CleanupGracePeriod,
		inactivityTimeout:  cfg.InactivityTimeout,
		eng:                cfg.Engine,
		bc:                 cfg.Broadcaster,
		gw:                 cfg.Gateway,
		cfg:                cfg,
		stopSweep:          make(chan struct{}),
	}

	interval := cfg.InactivityTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	m.sweepTicker = time.NewTicker(interval)
	go m.sweepLoop()

	return m
}

func (m *Manager) sweepLoop() {
	for {
		select {
		case <-m.sweepTicker.C:
			m.cleanupInactiveRooms(context.Background())
		case <-m.stopSweep:
			return
		}
	}
}

// Shutdown stops the sweep ticker. Call once during graceful shutdown.
func (m *Manager) Shutdown() {
	m.sweepTicker.Stop()
	close(m.stopSweep)
}

// CreateRoom creates a Room for interactionId. If initial is nil, the
// initial GameState is read through the Persistence Gateway; absent that,
// a fresh waiting-status GameState is used.
func (m *Manager) CreateRoom(ctx context.Context, interactionId types.InteractionIdType, initial *types.GameState) (*Room, error) {
	m.mu.Lock()
	if existing, ok := m.rooms[interactionId]; ok {
		m.cancelPendingCleanupLocked(interactionId)
		m.mu.Unlock()
		return existing, nil
	}
	if len(m.rooms) >= m.maxRooms {
		m.mu.Unlock()
		return nil, liveerr.New(liveerr.CodeResourceExhausted, "server is at capacity for active rooms")
	}
	m.mu.Unlock()

	state := types.GameState{InteractionId: interactionId, Status: types.RoomStatusWaiting, RoundNumber: 1}
	if initial != nil {
		state = *initial
	} else if m.gw != nil {
		var loaded types.GameState
		found, err := m.gw.Read(ctx, persistence.CollectionGameState, string(interactionId), &loaded)
		if err != nil {
			logging.Warn(ctx, "persistence read-through failed, starting fresh", zap.String("interactionId", string(interactionId)), zap.Error(err))
		} else if found {
			state = loaded
		}
	}

	roomId := types.RoomIdType(fmt.Sprintf("room-%s", interactionId))
	r := New(roomId, interactionId, state, Config{
		Engine:        m.eng,
		Broadcaster:   m.bc,
		Gateway:       m.gw,
		TurnTimeLimit: m.cfg.TurnTimeLimit,
		OnEmpty:       m.scheduleCleanup,
	})

	m.mu.Lock()
	m.rooms[interactionId] = r
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	if m.bc != nil {
		m.bc.Broadcast(interactionId, types.GameEvent{Type: types.EventStateDelta, Payload: types.StateDelta{
			Type: types.DeltaParticipant, FullSync: true, FullState: &state, Timestamp: time.Now(),
		}})
	}
	logging.Info(ctx, "room created", zap.String("interactionId", string(interactionId)), zap.String("roomId", string(roomId)))

	return r, nil
}

// GetRoomByInteractionId looks up a Room by interactionId.
func (m *Manager) GetRoomByInteractionId(interactionId types.InteractionIdType) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[interactionId]
	return r, ok
}

// GetAllRooms returns every currently tracked Room.
func (m *Manager) GetAllRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// GetStats summarizes the directory for the health/status endpoints.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	stats := Stats{ActiveRooms: len(rooms)}
	for _, r := range rooms {
		stats.TotalParticipants += r.ParticipantCount()
	}
	return stats
}

// JoinRoom is a thin wrapper that routes a join through the target Room.
func (m *Manager) JoinRoom(ctx context.Context, interactionId types.InteractionIdType, userId types.UserIdType, entityId types.EntityIdType, entityType types.EntityType, connectionId string) (*Room, types.GameState, error) {
	r, err := m.CreateRoom(ctx, interactionId, nil)
	if err != nil {
		return nil, types.GameState{}, err
	}
	state, err := r.Join(userId, entityId, entityType, connectionId)
	if err != nil {
		return nil, types.GameState{}, err
	}
	return r, state, nil
}

// LeaveRoom is a thin wrapper that routes a leave through the target Room.
func (m *Manager) LeaveRoom(interactionId types.InteractionIdType, userId types.UserIdType) error {
	r, ok := m.GetRoomByInteractionId(interactionId)
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "interaction not found")
	}
	return r.Leave(userId)
}

// PauseRoom, ResumeRoom, CompleteRoom are thin state-transition wrappers.
func (m *Manager) PauseRoom(interactionId types.InteractionIdType, reason string) error {
	r, ok := m.GetRoomByInteractionId(interactionId)
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "interaction not found")
	}
	return r.Pause(reason)
}

func (m *Manager) ResumeRoom(interactionId types.InteractionIdType) error {
	r, ok := m.GetRoomByInteractionId(interactionId)
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "interaction not found")
	}
	return r.Resume()
}

func (m *Manager) CompleteRoom(ctx context.Context, interactionId types.InteractionIdType, reason string) (types.GameState, error) {
	r, ok := m.GetRoomByInteractionId(interactionId)
	if !ok {
		return types.GameState{}, liveerr.New(liveerr.CodeNotFound, "interaction not found")
	}
	final, err := r.Complete(ctx, reason)
	if err != nil {
		return types.GameState{}, err
	}
	if m.bc != nil {
		m.bc.Broadcast(interactionId, types.GameEvent{Type: types.EventStateDelta, Payload: types.StateDelta{
			Type: types.DeltaParticipant, FullSync: true, FullState: &final, Timestamp: time.Now(),
		}})
	}
	m.scheduleCleanup(r.Id())
	return final, nil
}

// scheduleCleanup arms a grace-period timer before retiring an empty room,
// grounded on the teacher's Hub.removeRoom.
func (m *Manager) scheduleCleanup(roomId types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var interactionId types.InteractionIdType
	for id, r := range m.rooms {
		if r.Id() == roomId {
			interactionId = id
			break
		}
	}
	if interactionId == "" {
		return
	}
	m.cancelPendingCleanupLocked(interactionId)

	timer := time.AfterFunc(m.cleanupGracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		r, ok := m.rooms[interactionId]
		if !ok {
			return
		}
		if r.IsEmpty() {
			delete(m.rooms, interactionId)
			delete(m.pendingCleanups, interactionId)
			metrics.ActiveRooms.Dec()
			metrics.RoomParticipants.DeleteLabelValues(string(interactionId))
			logging.Info(nil, "removed empty room after grace period", zap.String("interactionId", string(interactionId)))
		} else {
			delete(m.pendingCleanups, interactionId)
		}
	})
	m.pendingCleanups[interactionId] = timer
}

func (m *Manager) cancelPendingCleanupLocked(interactionId types.InteractionIdType) {
	if timer, ok := m.pendingCleanups[interactionId]; ok {
		timer.Stop()
		delete(m.pendingCleanups, interactionId)
	}
}

// cleanupInactiveRooms removes rooms whose lastActivity exceeds
// inactivityTimeout, persisting final state first.
func (m *Manager) cleanupInactiveRooms(ctx context.Context) {
	m.mu.RLock()
	candidates := make([]*Room, 0)
	for _, r := range m.rooms {
		if time.Since(r.LastActivity()) > m.inactivityTimeout {
			candidates = append(candidates, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range candidates {
		state := r.GetState()
		if m.gw != nil {
			if err := m.gw.Write(ctx, persistence.CollectionGameState, string(r.InteractionId()), state); err != nil {
				logging.Warn(ctx, "failed to persist inactive room before eviction", zap.String("interactionId", string(r.InteractionId())), zap.Error(err))
			}
		}

		m.mu.Lock()
		delete(m.rooms, r.InteractionId())
		m.cancelPendingCleanupLocked(r.InteractionId())
		m.mu.Unlock()

		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(r.InteractionId()))
		logging.Info(ctx, "evicted inactive room", zap.String("interactionId", string(r.InteractionId())))
	}
}
