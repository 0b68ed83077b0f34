package transport

import "github.com/liveserver/interaction/internal/types"

// joinRoomRequest is the body for POST /rooms/:interactionId/join.
type joinRoomRequest struct {
	EntityId   types.EntityIdType `json:"entityId" binding:"required"`
	EntityType types.EntityType   `json:"entityType" binding:"required"`
	IsDM       bool               `json:"isDM"`
}

// joinRoomResponse is the body returned by joinRoom.
type joinRoomResponse struct {
	Success          bool             `json:"success"`
	RoomId           types.RoomIdType `json:"roomId"`
	GameState        types.GameState  `json:"gameState"`
	ParticipantCount int              `json:"participantCount"`
}

// leaveRoomResponse is the body returned by leaveRoom.
type leaveRoomResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// reasonRequest is the optional-reason body shared by pause/skip/backtrack.
type reasonRequest struct {
	Reason string `json:"reason"`
}

// backtrackRequest is the body for POST /rooms/:interactionId/backtrack.
type backtrackRequest struct {
	TurnNumber int    `json:"turnNumber" binding:"required"`
	Reason     string `json:"reason"`
}

// takeTurnResponse is the body returned by takeTurn.
type takeTurnResponse struct {
	Success   bool                   `json:"success"`
	Result    types.ValidationResult `json:"result"`
	GameState types.GameState        `json:"gameState"`
}

// sendChatMessageRequest is the body for POST /rooms/:interactionId/chat.
type sendChatMessageRequest struct {
	Content    string             `json:"content" binding:"required"`
	Channel    types.ChatType     `json:"channel" binding:"required"`
	Recipients []types.UserIdType `json:"recipients,omitempty"`
	EntityId   types.EntityIdType `json:"entityId,omitempty"`
}

// errorResponse is the JSON body returned for every liveerr.Error.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
