// Package transport wires the Room Manager, Connection Handler, Chat
// Service, and Error Recovery into the external request/response and
// subscription surfaces named in spec §6. Grounded on the teacher's
// cmd/v1/session/main.go router wiring and session.Hub.ServeWs, generalized
// from a single video-room hub into the eleven operations below, each
// reachable over HTTP; joining, takeTurn and sendChatMessage are also
// reachable through the roomUpdates WebSocket stream.
package transport

import (
	"context"

	"github.com/liveserver/interaction/internal/broadcaster"
	"github.com/liveserver/interaction/internal/chat"
	"github.com/liveserver/interaction/internal/connection"
	"github.com/liveserver/interaction/internal/liveerr"
	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/recovery"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/types"

	"go.uber.org/zap"
)

// Service implements spec §6's request/response operations against the core
// components. Both the HTTP handlers and the WebSocket read pump call these
// same methods, so the two transports never diverge in business logic.
type Service struct {
	Manager     *room.Manager
	Connections *connection.Handler
	Chat        *chat.Service
	Recovery    *recovery.Recovery
	Broadcaster *broadcaster.Broadcaster
}

func (s *Service) room(interactionId types.InteractionIdType) (*room.Room, error) {
	r, ok := s.Manager.GetRoomByInteractionId(interactionId)
	if !ok {
		return nil, liveerr.New(liveerr.CodeNotFound, "interaction not found")
	}
	return r, nil
}

// requireDM enforces that userId is the room's recorded DM.
func requireDM(r *room.Room, userId types.UserIdType) error {
	sp, ok := r.GetParticipant(userId)
	if !ok {
		return liveerr.New(liveerr.CodeNotFound, "participant not in room")
	}
	if !sp.IsDM {
		return liveerr.New(liveerr.CodeForbidden, "operation is restricted to the interaction's DM")
	}
	return nil
}

// JoinRoom implements joinRoom(interactionId, entityId, entityType).
func (s *Service) JoinRoom(ctx context.Context, interactionId types.InteractionIdType, userId types.UserIdType, entityId types.EntityIdType, entityType types.EntityType, isDM bool, connectionId string) (*room.Room, types.GameState, error) {
	r, state, err := s.Manager.JoinRoom(ctx, interactionId, userId, entityId, entityType, connectionId)
	if err != nil {
		return nil, types.GameState{}, err
	}
	if isDM {
		if err := r.SetParticipantRole(userId, true); err != nil {
			logging.Warn(ctx, "failed to record DM role", zap.String("userId", string(userId)), zap.Error(err))
		} else {
			state = r.GetState()
		}
	}
	if s.Connections != nil {
		s.Connections.Register(userId, interactionId, connectionId, isDM)
	}
	return r, state, nil
}

// LeaveRoom implements leaveRoom(interactionId).
func (s *Service) LeaveRoom(interactionId types.InteractionIdType, userId types.UserIdType) error {
	return s.Manager.LeaveRoom(interactionId, userId)
}

// Start transitions a waiting interaction to active. DM-only; not itself a
// spec-named operation, but required to reach status=active from the
// waiting state a freshly created room starts in.
func (s *Service) Start(userId types.UserIdType, interactionId types.InteractionIdType) error {
	r, err := s.room(interactionId)
	if err != nil {
		return err
	}
	if err := requireDM(r, userId); err != nil {
		return err
	}
	return r.Start()
}

// Pause implements pauseInteraction(interactionId, reason?). DM-only.
func (s *Service) Pause(userId types.UserIdType, interactionId types.InteractionIdType, reason string) error {
	r, err := s.room(interactionId)
	if err != nil {
		return err
	}
	if err := requireDM(r, userId); err != nil {
		return err
	}
	return r.Pause(reason)
}

// Resume implements resumeInteraction(interactionId). DM-only.
func (s *Service) Resume(userId types.UserIdType, interactionId types.InteractionIdType) error {
	r, err := s.room(interactionId)
	if err != nil {
		return err
	}
	if err := requireDM(r, userId); err != nil {
		return err
	}
	return r.Resume()
}

// TakeTurn implements takeTurn(TurnAction). On success it runs the applied
// state through Error Recovery's invariant check, grounded on spec §8
// scenario 6: a corrupted state is detected, rolled back, and resumed
// without ever reaching a caller.
func (s *Service) TakeTurn(ctx context.Context, interactionId types.InteractionIdType, action types.TurnAction) (types.ValidationResult, types.GameState, error) {
	r, err := s.room(interactionId)
	if err != nil {
		return types.ValidationResult{}, types.GameState{}, err
	}

	result, state, err := r.ProcessTurnAction(action)
	if err != nil {
		return types.ValidationResult{}, types.GameState{}, err
	}
	if !result.Valid {
		return result, types.GameState{}, nil
	}

	if s.Recovery != nil {
		if kind := recovery.ClassifyInvariantViolation(state); kind != "" {
			outcome := s.Recovery.Recover(ctx, r, kind, "invariant violation detected after takeTurn", len(state.TurnHistory), nil)
			logging.Warn(ctx, "invariant violation recovered", zap.String("interactionId", string(interactionId)), zap.String("strategy", string(outcome.Strategy)), zap.Bool("escalated", outcome.Escalated))
			state = r.GetState()
		}
	}

	return result, state, nil
}

// SkipTurn implements skipTurn(interactionId, reason?). DM-only.
func (s *Service) SkipTurn(userId types.UserIdType, interactionId types.InteractionIdType, reason string) (types.GameState, error) {
	r, err := s.room(interactionId)
	if err != nil {
		return types.GameState{}, err
	}
	if err := requireDM(r, userId); err != nil {
		return types.GameState{}, err
	}
	return r.SkipTurn(reason)
}

// BacktrackTurn implements backtrackTurn(interactionId, turnNumber, reason?). DM-only.
func (s *Service) BacktrackTurn(userId types.UserIdType, interactionId types.InteractionIdType, turnNumber int, reason string) (types.GameState, error) {
	r, err := s.room(interactionId)
	if err != nil {
		return types.GameState{}, err
	}
	if err := requireDM(r, userId); err != nil {
		return types.GameState{}, err
	}
	return r.BacktrackTurn(turnNumber, reason)
}

// GetRoomState implements getRoomState(interactionId).
func (s *Service) GetRoomState(interactionId types.InteractionIdType) (types.GameState, error) {
	r, err := s.room(interactionId)
	if err != nil {
		return types.GameState{}, err
	}
	return r.GetState(), nil
}

// SendChatMessage implements sendChatMessage per spec §4.7.
func (s *Service) SendChatMessage(ctx context.Context, userId types.UserIdType, interactionId types.InteractionIdType, content string, channel types.ChatType, recipients []types.UserIdType, entityId types.EntityIdType) (types.GameState, error) {
	r, err := s.room(interactionId)
	if err != nil {
		return types.GameState{}, err
	}
	sp, ok := r.GetParticipant(userId)
	isDM := ok && sp.IsDM
	return s.Chat.SendMessage(ctx, r, userId, isDM, content, channel, recipients, entityId)
}

// GetChatHistory implements getChatHistory per spec §4.7.
func (s *Service) GetChatHistory(interactionId types.InteractionIdType, userId types.UserIdType, channel *types.ChatType, limit int) ([]types.ChatMessage, error) {
	r, err := s.room(interactionId)
	if err != nil {
		return nil, err
	}
	sp, ok := r.GetParticipant(userId)
	isDM := ok && sp.IsDM
	return chat.GetChatHistory(r.GetState(), userId, isDM, channel, limit), nil
}
