package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/liveerr"
	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/types"
)

// writeWait bounds how long a single WebSocket frame write may block.
const writeWait = 10 * time.Second

// inboundMessage is the envelope a roomUpdates subscriber may send back over
// the same socket to submit a turn action or chat message without opening a
// second HTTP request, mirroring the teacher's single-socket
// request+subscription channel.
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// checkOrigin validates a WebSocket upgrade's Origin header against the
// configured allowlist. Grounded verbatim on the teacher's
// session.Hub.ServeWs CheckOrigin: scheme+host comparison, not a raw string
// match, and non-browser clients (no Origin header) are allowed through.
func (rt *Router) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range rt.corsOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// handleRoomUpdates implements the roomUpdates(interactionId) subscription
// surface (spec §4.4): it joins the caller into the room, subscribes it to
// the broadcaster, flushes a full-sync snapshot, and then pumps batched
// GameEvents out while accepting turnAction/chatMessage/heartbeat frames in.
func (rt *Router) handleRoomUpdates(c *gin.Context) {
	userId := requestUserId(c)
	if userId == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Message: "credential not provided"})
		return
	}
	interactionId := interactionIdParam(c)

	entityId := types.EntityIdType(c.Query("entityId"))
	entityType := types.EntityType(c.Query("entityType"))
	isDM := c.Query("isDM") == "true"
	if entityId == "" || entityType == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_ARGUMENT", Message: "entityId and entityType query parameters are required"})
		return
	}

	connectionId := uuid.NewString()
	_, state, err := rt.svc.JoinRoom(c.Request.Context(), interactionId, userId, entityId, entityType, isDM, connectionId)
	if err != nil {
		writeError(c, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: rt.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	sub := rt.svc.Broadcaster.Subscribe(interactionId, string(userId), userId, isDM)
	rt.svc.Broadcaster.FlushFullSync(interactionId, string(userId), state)

	sess := &wsSession{
		conn:          conn,
		svc:           rt.svc,
		userId:        userId,
		interactionId: interactionId,
		entityId:      entityId,
	}

	go sess.writePump(sub.Events)
	sess.readPump()
}

// wsSession is one connected client's read/write pump pair. Grounded on the
// teacher's Client.readPump/writePump shape, generalized from protobuf
// frames over a priority/normal channel pair to JSON frames over the
// broadcaster's own batched channel.
type wsSession struct {
	conn          *websocket.Conn
	svc           *Service
	userId        types.UserIdType
	interactionId types.InteractionIdType
	entityId      types.EntityIdType

	writeMu sync.Mutex
}

func (s *wsSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// writePump forwards batched GameEvents from the broadcaster to the socket
// until the subscriber channel is closed (on Unsubscribe) or the write
// fails.
func (s *wsSession) writePump(events <-chan []types.GameEvent) {
	ctx := context.Background()
	defer s.conn.Close()
	for batch := range events {
		if err := s.writeJSON(batch); err != nil {
			logging.Warn(ctx, "websocket write failed", zap.String("userId", string(s.userId)), zap.Error(err))
			return
		}
	}
}

// readPump processes inbound frames until the connection closes, then
// unregisters the subscriber and marks the session disconnected.
func (s *wsSession) readPump() {
	defer func() {
		s.svc.Broadcaster.Unsubscribe(s.interactionId, string(s.userId))
		if s.svc.Connections != nil {
			s.svc.Connections.Disconnect(s.userId, "connection closed")
		}
		s.conn.Close()
	}()

	ctx := context.Background()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "heartbeat":
			if s.svc.Connections != nil {
				s.svc.Connections.UpdateHeartbeat(s.userId)
			}
		case "turnAction":
			var action types.TurnAction
			if err := json.Unmarshal(msg.Payload, &action); err != nil {
				continue
			}
			result, state, err := s.svc.TakeTurn(ctx, s.interactionId, action)
			if err != nil {
				s.writeErrorEvent(err)
				continue
			}
			if !result.Valid {
				s.writeJSON([]types.GameEvent{{
					Type:          types.EventError,
					InteractionId: s.interactionId,
					Payload:       types.ErrorEventPayload{Code: "ACTION_REJECTED", Message: joinErrors(result.Errors)},
					Timestamp:     time.Now(),
				}})
				continue
			}
			_ = state
		case "chatMessage":
			var req sendChatMessageRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				continue
			}
			if _, err := s.svc.SendChatMessage(ctx, s.userId, s.interactionId, req.Content, req.Channel, req.Recipients, req.EntityId); err != nil {
				s.writeErrorEvent(err)
			}
		}
	}
}

func (s *wsSession) writeErrorEvent(err error) {
	code, message := classifyForEvent(err)
	s.writeJSON([]types.GameEvent{{
		Type:          types.EventError,
		InteractionId: s.interactionId,
		Payload:       types.ErrorEventPayload{Code: code, Message: message},
		Timestamp:     time.Now(),
	}})
}

// classifyForEvent maps an error to the (code, message) pair an ERROR
// GameEvent carries, mirroring writeError's liveerr handling for the HTTP
// surface.
func classifyForEvent(err error) (string, string) {
	var lerr *liveerr.Error
	if errors.As(err, &lerr) {
		return string(lerr.Code), lerr.Message
	}
	return string(liveerr.CodeInternal), "internal error"
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}
