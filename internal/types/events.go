package types

import "time"

// EventType enumerates the GameEvent taxonomy broadcast over the
// subscription surface (spec §4.4).
type EventType string

const (
	EventParticipantJoined EventType = "PARTICIPANT_JOINED"
	EventParticipantLeft   EventType = "PARTICIPANT_LEFT"
	EventTurnStarted       EventType = "TURN_STARTED"
	EventTurnCompleted     EventType = "TURN_COMPLETED"
	EventTurnSkipped       EventType = "TURN_SKIPPED"
	EventTurnBacktracked   EventType = "TURN_BACKTRACKED"
	EventStateDelta        EventType = "STATE_DELTA"
	EventChatMessage       EventType = "CHAT_MESSAGE"
	EventInitiativeUpdated EventType = "INITIATIVE_UPDATED"
	EventInteractionPaused EventType = "INTERACTION_PAUSED"
	EventInteractionResume EventType = "INTERACTION_RESUMED"
	EventPlayerDisconnect  EventType = "PLAYER_DISCONNECTED"
	EventPlayerReconnect   EventType = "PLAYER_RECONNECTED"
	EventDMDisconnect      EventType = "DM_DISCONNECTED"
	EventDMReconnect       EventType = "DM_RECONNECTED"
	EventError             EventType = "ERROR"
)

// GameEvent is a typed message fanned out to room subscribers.
type GameEvent struct {
	Type          EventType          `json:"type"`
	InteractionId InteractionIdType  `json:"interactionId"`
	Payload       any                `json:"payload"`
	Timestamp     time.Time          `json:"timestamp"`

	// Visibility restricts delivery. Nil/empty means deliver to every
	// subscriber of the interaction.
	OnlyUserId UserIdType   `json:"-"`
	Recipients []UserIdType `json:"-"`
	DMOnly     bool         `json:"-"`
}

// Visible reports whether the event should be delivered to subscriberUserId.
func (e GameEvent) Visible(subscriberUserId UserIdType, subscriberIsDM bool) bool {
	if e.OnlyUserId != "" {
		return subscriberUserId == e.OnlyUserId
	}
	if e.DMOnly {
		return subscriberIsDM
	}
	if len(e.Recipients) > 0 {
		for _, r := range e.Recipients {
			if r == subscriberUserId {
				return true
			}
		}
		return false
	}
	return true
}

// ErrorEventPayload is the payload carried by an EventError GameEvent.
type ErrorEventPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParticipantJoinedPayload accompanies EventParticipantJoined.
type ParticipantJoinedPayload struct {
	EntityId    EntityIdType `json:"entityId"`
	EntityType  EntityType   `json:"entityType"`
	UserId      UserIdType   `json:"userId,omitempty"`
	DisplayName string       `json:"displayName,omitempty"`
}

// ParticipantLeftPayload accompanies EventParticipantLeft.
type ParticipantLeftPayload struct {
	EntityId EntityIdType `json:"entityId"`
	UserId   UserIdType   `json:"userId,omitempty"`
}

// TurnSkippedPayload accompanies EventTurnSkipped.
type TurnSkippedPayload struct {
	EntityId EntityIdType `json:"entityId"`
	Reason   string       `json:"reason"`
}

// TurnStartedPayload accompanies EventTurnStarted.
type TurnStartedPayload struct {
	EntityId    EntityIdType `json:"entityId"`
	RoundNumber int          `json:"roundNumber"`
}

// ValidationResult is the outcome of validating a TurnAction.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
