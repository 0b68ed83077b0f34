// Package broadcaster implements the Event Broadcaster (spec §4.4): fan-out
// of typed GameEvents to per-interaction subscribers, with per-user
// addressing and batched delivery. Grounded on the teacher's per-client
// buffered channel plus non-blocking select broadcast in
// internal/v1/session/room.go (broadcast/broadcastToClientMap), generalized
// from a fixed set of UI roles to arbitrary subscriber visibility rules.
package broadcaster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/metrics"
	"github.com/liveserver/interaction/internal/types"
)

// DefaultBatchSize caps how many events are coalesced before a forced flush.
const DefaultBatchSize = 10

// DefaultBatchTimeout caps how long a partial batch waits before flushing.
const DefaultBatchTimeout = 100 * time.Millisecond

// Subscriber is a single registered listener for one interaction's events.
type Subscriber struct {
	Id       string
	UserId   types.UserIdType
	IsDM     bool
	Events   chan []types.GameEvent
	closed   bool
	mu       sync.Mutex
	buf      []types.GameEvent
	flushAt  *time.Timer
	batchCap int
	batchTO  time.Duration
}

func newSubscriber(id string, userId types.UserIdType, isDM bool, batchCap int, batchTO time.Duration) *Subscriber {
	return &Subscriber{
		Id:       id,
		UserId:   userId,
		IsDM:     isDM,
		Events:   make(chan []types.GameEvent, 64),
		batchCap: batchCap,
		batchTO:  batchTO,
	}
}

// enqueue appends ev to the subscriber's pending batch, flushing immediately
// if the batch reaches batchCap. Batch boundaries never reorder events: a
// flushed batch is always the oldest contiguous prefix of pending events.
func (s *Subscriber) enqueue(ev types.GameEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, ev)
	if len(s.buf) >= s.batchCap {
		s.flushLocked()
		return
	}
	if s.flushAt == nil {
		s.flushAt = time.AfterFunc(s.batchTO, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.flushLocked()
		})
	}
}

func (s *Subscriber) flushLocked() {
	if s.flushAt != nil {
		s.flushAt.Stop()
		s.flushAt = nil
	}
	if len(s.buf) == 0 || s.closed {
		return
	}
	batch := s.buf
	s.buf = nil
	select {
	case s.Events <- batch:
		metrics.BroadcasterBatchSize.Observe(float64(len(batch)))
	default:
		logging.Warn(nil, "subscriber channel full, dropping batch", zap.String("subscriber", s.Id))
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.flushAt != nil {
		s.flushAt.Stop()
	}
	close(s.Events)
}

// Broadcaster fans out GameEvents to subscribers grouped by interactionId.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[types.InteractionIdType]map[string]*Subscriber
	batchCap    int
	batchTO     time.Duration
}

// New creates a Broadcaster using the given batching parameters.
func New(batchCap int, batchTO time.Duration) *Broadcaster {
	if batchCap <= 0 {
		batchCap = DefaultBatchSize
	}
	if batchTO <= 0 {
		batchTO = DefaultBatchTimeout
	}
	return &Broadcaster{
		subscribers: make(map[types.InteractionIdType]map[string]*Subscriber),
		batchCap:    batchCap,
		batchTO:     batchTO,
	}
}

// Subscribe registers a new subscriber for an interaction and returns it.
// The subscriber's Events channel delivers in the order the interaction's
// Room produced them (spec §5 ordering guarantee).
func (b *Broadcaster) Subscribe(interactionId types.InteractionIdType, subscriberId string, userId types.UserIdType, isDM bool) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscriber(subscriberId, userId, isDM, b.batchCap, b.batchTO)
	if b.subscribers[interactionId] == nil {
		b.subscribers[interactionId] = make(map[string]*Subscriber)
	}
	b.subscribers[interactionId][subscriberId] = sub
	metrics.ActiveSubscribers.WithLabelValues(string(interactionId)).Inc()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broadcaster) Unsubscribe(interactionId types.InteractionIdType, subscriberId string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[interactionId]
	if subs == nil {
		return
	}
	if sub, ok := subs[subscriberId]; ok {
		sub.close()
		delete(subs, subscriberId)
		metrics.ActiveSubscribers.WithLabelValues(string(interactionId)).Dec()
	}
	if len(subs) == 0 {
		delete(b.subscribers, interactionId)
	}
}

// Broadcast delivers ev to every subscriber of interactionId for which
// ev.Visible returns true.
func (b *Broadcaster) Broadcast(interactionId types.InteractionIdType, ev types.GameEvent) {
	ev.InteractionId = interactionId
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers[interactionId]))
	for _, s := range b.subscribers[interactionId] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if ev.Visible(s.UserId, s.IsDM) {
			s.enqueue(ev)
		}
	}
	metrics.BroadcasterEventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

// BroadcastToUser addresses a single user within an interaction.
func (b *Broadcaster) BroadcastToUser(interactionId types.InteractionIdType, userId types.UserIdType, ev types.GameEvent) {
	ev.OnlyUserId = userId
	b.Broadcast(interactionId, ev)
}

// FlushFullSync immediately delivers a full-sync StateDelta event to one
// subscriber ahead of any further partial deltas, per spec §5's ordering
// guarantee for reconnecting/joining subscribers. It bypasses batching so
// the full state lands before whatever is already queued behind it.
func (b *Broadcaster) FlushFullSync(interactionId types.InteractionIdType, subscriberId string, state types.GameState) {
	b.mu.RLock()
	sub := b.subscribers[interactionId][subscriberId]
	b.mu.RUnlock()
	if sub == nil {
		return
	}

	ev := types.GameEvent{
		Type:      types.EventStateDelta,
		Timestamp: time.Now(),
		Payload: types.StateDelta{
			Type:      types.DeltaParticipant,
			FullSync:  true,
			FullState: &state,
			Timestamp: time.Now(),
		},
	}

	sub.mu.Lock()
	select {
	case sub.Events <- []types.GameEvent{ev}:
	default:
		logging.Warn(nil, "subscriber channel full, dropping full-sync")
	}
	sub.flushLocked() // now drain anything that was pending, behind the full-sync
	sub.mu.Unlock()
}
