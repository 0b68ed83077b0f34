// Package chat implements the Chat Service (spec §4.7): message
// validation, permission enforcement, per-user rate limiting, an optional
// content filter, and visibility-filtered history retrieval. Grounded on
// the teacher's internal/v1/ratelimit/limiter.go (ulule/limiter, memory
// store) for the sliding-window limit, and on internal/v1/session/chat_helpers.go
// / internal/v1/room/chat_helpers.go for the build-message/store-in-history
// shape, generalized from a single unstructured text event to the typed
// party/dm/private/system channel model.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/liveserver/interaction/internal/liveerr"
	"github.com/liveserver/interaction/internal/metrics"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/types"
)

// DefaultMaxMessageLength bounds a message's content after trimming.
const DefaultMaxMessageLength = 1000

// DefaultRateLimitWindow is the sliding window used for the per-user chat limit.
const DefaultRateLimitWindow = 60 * time.Second

// DefaultRateLimitMaxRequests is how many messages a user may send per window.
const DefaultRateLimitMaxRequests = 5

// Service enforces chat validation, permissions, and rate limiting before
// appending a message to a Room.
type Service struct {
	maxMessageLength int
	limiterInstance  *limiter.Limiter
	filterWords      map[string]struct{}
	systemUserId     types.UserIdType
}

// Config bundles a Service's tunables.
type Config struct {
	MaxMessageLength     int
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int64
	// FilteredWords, if non-empty, are masked (replaced with '*' of equal
	// length) wherever one of them is a whole whitespace-separated word of
	// the outgoing message content, compared case-insensitively and ignoring
	// surrounding punctuation. Substrings of longer words are not masked.
	FilteredWords []string
	// SystemUserId identifies the process-level system identity allowed to
	// post to the "system" channel.
	SystemUserId types.UserIdType
}

// New constructs a Service, defaulting unset tunables.
func New(cfg Config) (*Service, error) {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	maxReq := cfg.RateLimitMaxRequests
	if maxReq <= 0 {
		maxReq = DefaultRateLimitMaxRequests
	}

	rate := limiter.Rate{Period: window, Limit: maxReq}
	store := memory.NewStore()

	filter := make(map[string]struct{}, len(cfg.FilteredWords))
	for _, w := range cfg.FilteredWords {
		filter[strings.ToLower(w)] = struct{}{}
	}

	return &Service{
		maxMessageLength: cfg.MaxMessageLength,
		limiterInstance:  limiter.New(store, rate),
		filterWords:      filter,
		systemUserId:     cfg.SystemUserId,
	}, nil
}

// SendMessage validates, rate-limits, and permission-checks a chat message
// before appending it to r's chat log.
func (s *Service) SendMessage(ctx context.Context, r *room.Room, userId types.UserIdType, isDM bool, content string, channel types.ChatType, recipients []types.UserIdType, entityId types.EntityIdType) (types.GameState, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return types.GameState{}, liveerr.New(liveerr.CodeInvalidArgument, "message content must not be empty")
	}
	if len(content) > s.maxMessageLength {
		return types.GameState{}, liveerr.New(liveerr.CodeInvalidArgument, fmt.Sprintf("message content exceeds %d characters", s.maxMessageLength))
	}

	if err := s.checkPermission(r, userId, isDM, channel, recipients); err != nil {
		return types.GameState{}, err
	}

	// Fail open: an unavailable limiter store should not block chat.
	if limiterCtx, err := s.limiterInstance.Get(ctx, string(userId)); err == nil && limiterCtx.Reached {
		return types.GameState{}, liveerr.New(liveerr.CodeResourceExhausted, "chat rate limit exceeded")
	}

	msg := types.ChatMessage{
		Id:         uuid.NewString(),
		UserId:     userId,
		EntityId:   entityId,
		Content:    s.applyFilter(content),
		Type:       channel,
		Recipients: recipients,
		Timestamp:  time.Now(),
	}

	state, err := r.AppendChatMessage(msg)
	if err != nil {
		return types.GameState{}, err
	}

	metrics.ChatMessagesTotal.WithLabelValues(string(channel)).Inc()
	return state, nil
}

func (s *Service) checkPermission(r *room.Room, userId types.UserIdType, isDM bool, channel types.ChatType, recipients []types.UserIdType) error {
	switch channel {
	case types.ChatTypeParty:
		if _, ok := r.GetParticipant(userId); !ok {
			return liveerr.New(liveerr.CodeForbidden, "sender is not a room participant")
		}
	case types.ChatTypeDM:
		if !isDM {
			return liveerr.New(liveerr.CodeForbidden, "only the DM may post to the dm channel")
		}
	case types.ChatTypePrivate:
		if _, ok := r.GetParticipant(userId); !ok {
			return liveerr.New(liveerr.CodeForbidden, "sender is not a room participant")
		}
		if len(recipients) == 0 {
			return liveerr.New(liveerr.CodeInvalidArgument, "private messages require at least one recipient")
		}
		for _, recipient := range recipients {
			if _, ok := r.GetParticipant(recipient); !ok {
				return liveerr.New(liveerr.CodeInvalidArgument, "private message recipient is not a room participant")
			}
		}
	case types.ChatTypeSystem:
		if userId != s.systemUserId || s.systemUserId == "" {
			return liveerr.New(liveerr.CodeForbidden, "only the system identity may post to the system channel")
		}
	default:
		return liveerr.New(liveerr.CodeInvalidArgument, "unknown chat channel")
	}
	return nil
}

func (s *Service) applyFilter(content string) string {
	if len(s.filterWords) == 0 {
		return content
	}
	words := strings.Fields(content)
	for i, w := range words {
		bare := strings.Trim(w, ".,!?;:")
		if _, blocked := s.filterWords[strings.ToLower(bare)]; blocked {
			words[i] = strings.Replace(w, bare, strings.Repeat("*", len(bare)), 1)
		}
	}
	return strings.Join(words, " ")
}

// GetChatHistory returns a Room's chat log, newest-first, filtered by
// visibility (private messages only reach their sender and recipients, dm
// messages only reach the DM role) and optionally scoped to a single
// channel and capped to limit entries.
func GetChatHistory(state types.GameState, userId types.UserIdType, isDM bool, channel *types.ChatType, limit int) []types.ChatMessage {
	var visible []types.ChatMessage
	for _, msg := range state.ChatLog {
		if channel != nil && msg.Type != *channel {
			continue
		}
		if msg.Type == types.ChatTypePrivate && !isRecipient(msg, userId) {
			continue
		}
		if msg.Type == types.ChatTypeDM && !isDM {
			continue
		}
		visible = append(visible, msg)
	}

	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].Timestamp.After(visible[j].Timestamp)
	})

	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}
	return visible
}

func isRecipient(msg types.ChatMessage, userId types.UserIdType) bool {
	if msg.UserId == userId {
		return true
	}
	for _, r := range msg.Recipients {
		if r == userId {
			return true
		}
	}
	return false
}
