// Package connection implements the Connection Handler (spec §4.5): the
// per-user session state machine (absent/connected/disconnected/evicted),
// the heartbeat watchdog, and the DM-grace/reconnect timer logic. Grounded
// on the teacher's session.Client connection-state fields and the
// Hub.pendingRoomCleanups timer idiom in session/hub.go, generalized from a
// single WebSocket-bound Client struct into a Room-independent session
// registry so any transport (HTTP polling or WebSocket) can drive it.
package connection

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/metrics"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/types"
)

// Status is a session's position in the per-user state machine.
type Status string

const (
	StatusAbsent       Status = "absent"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusEvicted      Status = "evicted"
)

// DefaultHeartbeatInterval is how often the watchdog scans for stale sessions.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultConnectionTimeout is how long a session may go without a heartbeat
// before being marked disconnected.
const DefaultConnectionTimeout = 60 * time.Second

// DefaultMaxReconnectAttempts bounds how many watchdog sweeps a session may
// spend disconnected before being evicted from the room. Each sweep that
// finds the session still disconnected counts one attempt; reconnecting
// resets the count.
const DefaultMaxReconnectAttempts = 5

// DefaultDMGracePeriod is how long a Room stays active after its DM
// disconnects before auto-pausing.
const DefaultDMGracePeriod = 120 * time.Second

// Session is a per-user connection record.
type Session struct {
	UserId            types.UserIdType
	InteractionId     types.InteractionIdType
	ConnectionId      string
	Status            Status
	IsDM              bool
	LastSeen          time.Time
	ReconnectAttempts int
	DisconnectReason  string
}

// FullSyncNotifier delivers a full GameState snapshot to a single
// reconnecting subscriber ahead of any queued partial deltas.
type FullSyncNotifier interface {
	FlushFullSync(interactionId types.InteractionIdType, subscriberId string, state types.GameState)
}

// Handler owns every active Session and the watchdog that expires stale
// ones. One Handler instance is shared by the whole server, mirroring the
// teacher's single Hub instance.
type Handler struct {
	mu       sync.Mutex
	sessions map[types.UserIdType]*Session

	dmGraceTimers map[types.InteractionIdType]*time.Timer

	heartbeatInterval   time.Duration
	connectionTimeout   time.Duration
	maxReconnectAttempts int
	dmGracePeriod       time.Duration

	manager  *room.Manager
	notifier FullSyncNotifier

	stopWatchdog chan struct{}
}

// Config bundles a Handler's tunables and dependencies.
type Config struct {
	Manager              *room.Manager
	Notifier             FullSyncNotifier
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	MaxReconnectAttempts int
	DMGracePeriod        time.Duration
}

// NewHandler constructs a Handler and starts its heartbeat watchdog.
func NewHandler(cfg Config) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.DMGracePeriod <= 0 {
		cfg.DMGracePeriod = DefaultDMGracePeriod
	}

	h := &Handler{
		sessions:             make(map[types.UserIdType]*Session),
		dmGraceTimers:        make(map[types.InteractionIdType]*time.Timer),
		heartbeatInterval:    cfg.HeartbeatInterval,
		connectionTimeout:    cfg.ConnectionTimeout,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		dmGracePeriod:        cfg.DMGracePeriod,
		manager:              cfg.Manager,
		notifier:             cfg.Notifier,
		stopWatchdog:         make(chan struct{}),
	}

	go h.watchdogLoop()
	return h
}

// Shutdown stops the heartbeat watchdog.
func (h *Handler) Shutdown() {
	close(h.stopWatchdog)
}

func (h *Handler) watchdogLoop() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweepStaleSessions()
		case <-h.stopWatchdog:
			return
		}
	}
}

// Register transitions a user into StatusConnected. When isDM is true it
// cancels any armed DM grace timer for the interaction and resumes the
// interaction's room if that room is paused.
func (h *Handler) Register(userId types.UserIdType, interactionId types.InteractionIdType, connectionId string, isDM bool) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, existed := h.sessions[userId]
	wasDisconnected := existed && sess.Status == StatusDisconnected

	if !existed {
		sess = &Session{UserId: userId, InteractionId: interactionId, IsDM: isDM}
		h.sessions[userId] = sess
	}
	sess.ConnectionId = connectionId
	sess.Status = StatusConnected
	sess.LastSeen = time.Now()
	sess.ReconnectAttempts = 0
	sess.DisconnectReason = ""
	metrics.ActiveConnections.Inc()

	if isDM {
		h.cancelDMGraceLocked(interactionId)
		h.resumeIfPausedForDMLocked(interactionId)
	}

	if wasDisconnected {
		h.emitReconnect(sess)
	}
	return sess
}

// resumeIfPausedForDMLocked resumes interactionId's room if it is currently
// paused. It does not check why the room was paused: a pause made by the DM
// grace window, by an explicit pause request or by error recovery is resumed
// alike, on a DM's first registration as well as on a reconnect.
// Called with h.mu held; Room has its own lock so this nests safely.
func (h *Handler) resumeIfPausedForDMLocked(interactionId types.InteractionIdType) {
	if h.manager == nil {
		return
	}
	r, ok := h.manager.GetRoomByInteractionId(interactionId)
	if !ok {
		return
	}
	if r.GetState().Status != types.RoomStatusPaused {
		return
	}
	if err := r.Resume(); err != nil {
		logging.Warn(nil, "failed to resume room on DM reconnect", zap.String("interactionId", string(interactionId)), zap.Error(err))
	}
}

// UpdateHeartbeat refreshes a connected session's LastSeen.
func (h *Handler) UpdateHeartbeat(userId types.UserIdType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[userId]
	if !ok || sess.Status != StatusConnected {
		return false
	}
	sess.LastSeen = time.Now()
	return true
}

// Disconnect explicitly closes a session's connection (e.g. a clean
// WebSocket close), transitioning it to StatusDisconnected and, if the user
// is the interaction's DM, arming the DM grace timer.
func (h *Handler) Disconnect(userId types.UserIdType, reason string) {
	h.mu.Lock()
	sess, ok := h.sessions[userId]
	if !ok || sess.Status != StatusConnected {
		h.mu.Unlock()
		return
	}
	sess.Status = StatusDisconnected
	sess.DisconnectReason = reason
	metrics.ActiveConnections.Dec()

	h.emitDisconnect(sess)

	if sess.IsDM {
		h.armDMGraceLocked(sess.InteractionId)
	}
	h.mu.Unlock()
}

func (h *Handler) emitDisconnect(sess *Session) {
	evType := types.EventPlayerDisconnect
	if sess.IsDM {
		evType = types.EventDMDisconnect
	}
	logging.Info(nil, "participant disconnected", zap.String("userId", string(sess.UserId)), zap.String("interactionId", string(sess.InteractionId)), zap.String("event", string(evType)))
}

func (h *Handler) emitReconnect(sess *Session) {
	evType := types.EventPlayerReconnect
	if sess.IsDM {
		evType = types.EventDMReconnect
	}
	logging.Info(nil, "participant reconnected", zap.String("userId", string(sess.UserId)), zap.String("interactionId", string(sess.InteractionId)), zap.String("event", string(evType)))

	if h.notifier == nil {
		return
	}
	var state types.GameState
	if h.manager != nil {
		if r, ok := h.manager.GetRoomByInteractionId(sess.InteractionId); ok {
			state = r.GetState()
		}
	}
	h.notifier.FlushFullSync(sess.InteractionId, string(sess.UserId), state)
}

// armDMGraceLocked starts (or restarts) the DM-grace-window timer for an
// interaction. Must be called with h.mu held.
func (h *Handler) armDMGraceLocked(interactionId types.InteractionIdType) {
	if timer, ok := h.dmGraceTimers[interactionId]; ok {
		timer.Stop()
	}
	h.dmGraceTimers[interactionId] = time.AfterFunc(h.dmGracePeriod, func() {
		h.handleDMGraceExpired(interactionId)
	})
}

func (h *Handler) cancelDMGraceLocked(interactionId types.InteractionIdType) {
	if timer, ok := h.dmGraceTimers[interactionId]; ok {
		timer.Stop()
		delete(h.dmGraceTimers, interactionId)
	}
}

func (h *Handler) handleDMGraceExpired(interactionId types.InteractionIdType) {
	h.mu.Lock()
	delete(h.dmGraceTimers, interactionId)
	h.mu.Unlock()

	if h.manager == nil {
		return
	}
	if err := h.manager.PauseRoom(interactionId, "DM disconnected"); err != nil {
		logging.Warn(nil, "failed to auto-pause room after DM grace window", zap.String("interactionId", string(interactionId)), zap.Error(err))
	}
}

// sweepStaleSessions transitions connected sessions whose heartbeat has
// lapsed into disconnected, and evicts sessions that have exhausted their
// reconnect budget.
func (h *Handler) sweepStaleSessions() {
	h.mu.Lock()
	now := time.Now()
	var toDisconnect []*Session
	var toEvict []*Session
	for _, sess := range h.sessions {
		switch sess.Status {
		case StatusConnected:
			if now.Sub(sess.LastSeen) > h.connectionTimeout {
				sess.Status = StatusDisconnected
				sess.DisconnectReason = "heartbeat timeout"
				metrics.ActiveConnections.Dec()
				toDisconnect = append(toDisconnect, sess)
				if sess.IsDM {
					h.armDMGraceLocked(sess.InteractionId)
				}
			}
		case StatusDisconnected:
			sess.ReconnectAttempts++
			if sess.ReconnectAttempts >= h.maxReconnectAttempts {
				sess.Status = StatusEvicted
				toEvict = append(toEvict, sess)
			}
		}
	}
	h.mu.Unlock()

	for _, sess := range toDisconnect {
		h.emitDisconnect(sess)
	}
	for _, sess := range toEvict {
		if h.manager != nil {
			if err := h.manager.LeaveRoom(sess.InteractionId, sess.UserId); err != nil {
				logging.Warn(nil, "failed to leave room for evicted session", zap.String("userId", string(sess.UserId)), zap.Error(err))
			}
		}
		h.mu.Lock()
		delete(h.sessions, sess.UserId)
		h.mu.Unlock()
	}
}

// Get returns a copy of a user's current session, if tracked.
func (h *Handler) Get(userId types.UserIdType) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[userId]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}
