package transport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/liveerr"
	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/types"
)

// writeError maps a liveerr.Error to its HTTP status per spec §7; any other
// error is logged with its cause and surfaced as a generic 500, never
// leaking internal detail to the caller.
func writeError(c *gin.Context, err error) {
	var lerr *liveerr.Error
	if errors.As(err, &lerr) {
		c.JSON(liveerr.HTTPStatus(lerr.Code), errorResponse{Code: string(lerr.Code), Message: lerr.Message})
		return
	}
	logging.Error(c.Request.Context(), "unhandled transport error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorResponse{Code: string(liveerr.CodeInternal), Message: "internal error"})
}

func requestUserId(c *gin.Context) types.UserIdType {
	identity, _ := identityFromContext(c)
	if identity == nil {
		return ""
	}
	return types.UserIdType(identity.UserId)
}

func interactionIdParam(c *gin.Context) types.InteractionIdType {
	return types.InteractionIdType(c.Param("interactionId"))
}

// handleJoinRoom implements POST /rooms/:interactionId/join.
func (rt *Router) handleJoinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: string(liveerr.CodeInvalidArgument), Message: err.Error()})
		return
	}

	userId := requestUserId(c)
	interactionId := interactionIdParam(c)
	connectionId := uuid.NewString()

	r, state, err := rt.svc.JoinRoom(c.Request.Context(), interactionId, userId, req.EntityId, req.EntityType, req.IsDM, connectionId)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, joinRoomResponse{
		Success:          true,
		RoomId:           r.Id(),
		GameState:        state,
		ParticipantCount: r.ParticipantCount(),
	})
}

// handleLeaveRoom implements POST /rooms/:interactionId/leave.
func (rt *Router) handleLeaveRoom(c *gin.Context) {
	userId := requestUserId(c)
	interactionId := interactionIdParam(c)

	if err := rt.svc.LeaveRoom(interactionId, userId); err != nil {
		writeError(c, err)
		return
	}
	if rt.svc.Connections != nil {
		rt.svc.Connections.Disconnect(userId, "left room")
	}
	c.JSON(http.StatusOK, leaveRoomResponse{Success: true, Message: "left interaction"})
}

// handleStart implements the DM-only start operation.
func (rt *Router) handleStart(c *gin.Context) {
	if err := rt.svc.Start(requestUserId(c), interactionIdParam(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handlePause implements POST /rooms/:interactionId/pause.
func (rt *Router) handlePause(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	if err := rt.svc.Pause(requestUserId(c), interactionIdParam(c), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleResume implements POST /rooms/:interactionId/resume.
func (rt *Router) handleResume(c *gin.Context) {
	if err := rt.svc.Resume(requestUserId(c), interactionIdParam(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleTakeTurn implements POST /rooms/:interactionId/turn.
func (rt *Router) handleTakeTurn(c *gin.Context) {
	var action types.TurnAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: string(liveerr.CodeInvalidArgument), Message: err.Error()})
		return
	}

	result, state, err := rt.svc.TakeTurn(c.Request.Context(), interactionIdParam(c), action)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, takeTurnResponse{Success: result.Valid, Result: result, GameState: state})
}

// handleSkipTurn implements POST /rooms/:interactionId/skip.
func (rt *Router) handleSkipTurn(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)

	state, err := rt.svc.SkipTurn(requestUserId(c), interactionIdParam(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, takeTurnResponse{Success: true, GameState: state})
}

// handleBacktrackTurn implements POST /rooms/:interactionId/backtrack.
func (rt *Router) handleBacktrackTurn(c *gin.Context) {
	var req backtrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: string(liveerr.CodeInvalidArgument), Message: err.Error()})
		return
	}

	state, err := rt.svc.BacktrackTurn(requestUserId(c), interactionIdParam(c), req.TurnNumber, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, takeTurnResponse{Success: true, GameState: state})
}

// handleGetRoomState implements GET /rooms/:interactionId/state.
func (rt *Router) handleGetRoomState(c *gin.Context) {
	state, err := rt.svc.GetRoomState(interactionIdParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleSendChatMessage implements POST /rooms/:interactionId/chat.
func (rt *Router) handleSendChatMessage(c *gin.Context) {
	var req sendChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: string(liveerr.CodeInvalidArgument), Message: err.Error()})
		return
	}

	state, err := rt.svc.SendChatMessage(c.Request.Context(), requestUserId(c), interactionIdParam(c), req.Content, req.Channel, req.Recipients, req.EntityId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleGetChatHistory implements GET /rooms/:interactionId/chat.
func (rt *Router) handleGetChatHistory(c *gin.Context) {
	var channelFilter *types.ChatType
	if raw := c.Query("channel"); raw != "" {
		ct := types.ChatType(raw)
		channelFilter = &ct
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	history, err := rt.svc.GetChatHistory(interactionIdParam(c), requestUserId(c), channelFilter, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a positive integer")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
