// Package recovery implements Error Recovery (spec §4.6): classifying a
// failure into an ErrorKind, selecting a Strategy, and executing it against
// the owning Room. Grounded on the teacher's circuit-breaker-driven
// degradation in internal/persistence (retry/backoff around a flaky
// downstream) and its OnStateChange-style escalation, generalized from
// "the Redis call is unhealthy" to "this interaction's state is unhealthy".
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/metrics"
	"github.com/liveserver/interaction/internal/room"
	"github.com/liveserver/interaction/internal/types"
)

// ErrorKind classifies a failure for strategy selection.
type ErrorKind string

const (
	KindStateCorruption          ErrorKind = "STATE_CORRUPTION"
	KindConcurrentActionConflict ErrorKind = "CONCURRENT_ACTION_CONFLICT"
	KindInvalidGameState         ErrorKind = "INVALID_GAME_STATE"
	KindPersistenceFailure       ErrorKind = "PERSISTENCE_FAILURE"
	KindNetworkError             ErrorKind = "NETWORK_ERROR"
	KindValidationError          ErrorKind = "VALIDATION_ERROR"
	KindTimeoutError             ErrorKind = "TIMEOUT_ERROR"
)

// Strategy is the recovery action dispatched for a classified error.
type Strategy string

const (
	StrategyRollbackToSnapshot Strategy = "ROLLBACK_TO_SNAPSHOT"
	StrategyFirstActionWins    Strategy = "FIRST_ACTION_WINS"
	StrategyDMResolution       Strategy = "DM_RESOLUTION"
	StrategyPauseAndNotify     Strategy = "PAUSE_AND_NOTIFY"
	StrategyForceComplete      Strategy = "FORCE_COMPLETE"
	StrategyRetryOperation     Strategy = "RETRY_OPERATION"
)

// defaultStrategies is the spec's default error-kind-to-strategy table.
var defaultStrategies = map[ErrorKind]Strategy{
	KindStateCorruption:          StrategyRollbackToSnapshot,
	KindConcurrentActionConflict: StrategyFirstActionWins,
	KindInvalidGameState:         StrategyRollbackToSnapshot,
	KindPersistenceFailure:       StrategyRetryOperation,
	KindNetworkError:             StrategyRetryOperation,
	KindValidationError:          StrategyPauseAndNotify,
	KindTimeoutError:             StrategyDMResolution,
}

// DefaultMaxRetryAttempts bounds RETRY_OPERATION before escalating to
// PAUSE_AND_NOTIFY.
const DefaultMaxRetryAttempts = 3

// DefaultRecoveryTimeout bounds how long a single recovery attempt may run.
const DefaultRecoveryTimeout = 30 * time.Second

// ErrNoSnapshotAvailable is returned by ROLLBACK_TO_SNAPSHOT when a Room's
// snapshot ring is empty.
var ErrNoSnapshotAvailable = &NoSnapshotAvailableError{}

// NoSnapshotAvailableError reports that a rollback was requested but the
// Room's snapshot ring held nothing usable.
type NoSnapshotAvailableError struct{}

func (*NoSnapshotAvailableError) Error() string { return "no snapshot available for rollback" }

// Outcome describes what a recovery attempt actually did, for logging and
// for the caller to decide whether to notify connected clients.
type Outcome struct {
	Strategy  Strategy
	Escalated bool
	Err       error
}

// retryKey scopes a retry budget to one interaction and one ErrorKind, so a
// room's PERSISTENCE_FAILURE retries never bleed into its STATE_CORRUPTION
// escalation threshold or vice versa.
type retryKey struct {
	interactionId types.InteractionIdType
	kind          ErrorKind
}

// Recovery executes recovery strategies against Rooms and tracks per-room,
// per-kind retry counts so repeated failures escalate per spec.
type Recovery struct {
	mu                 sync.Mutex
	retryAttempts      map[retryKey]int
	maxRetryAttempts   int
	recoveryTimeout    time.Duration
	unrecoverableKinds map[ErrorKind]bool
}

// Config bundles a Recovery's tunables.
type Config struct {
	MaxRetryAttempts int
	RecoveryTimeout  time.Duration
}

// New constructs a Recovery with the given tunables, defaulting unset ones.
func New(cfg Config) *Recovery {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return &Recovery{
		retryAttempts:    make(map[retryKey]int),
		maxRetryAttempts: cfg.MaxRetryAttempts,
		recoveryTimeout:  cfg.RecoveryTimeout,
		unrecoverableKinds: map[ErrorKind]bool{
			KindStateCorruption: true,
		},
	}
}

// StrategyFor returns the default strategy for an ErrorKind.
func StrategyFor(kind ErrorKind) Strategy {
	return defaultStrategies[kind]
}

// Recover classifies kind, selects a strategy (applying escalation), and
// executes it against r. turnNumber is only consulted by
// ROLLBACK_TO_SNAPSHOT; op is only consulted by RETRY_OPERATION.
func (rc *Recovery) Recover(ctx context.Context, r *room.Room, kind ErrorKind, reason string, turnNumber int, op func(context.Context) error) Outcome {
	ctx, cancel := context.WithTimeout(ctx, rc.recoveryTimeout)
	defer cancel()

	strategy := rc.selectStrategy(r.InteractionId(), kind)
	metrics.RecoveryEventsTotal.WithLabelValues(string(strategy), string(kind)).Inc()

	var err error
	escalated := strategy != defaultStrategies[kind]

	switch strategy {
	case StrategyRollbackToSnapshot:
		err = rc.rollbackToSnapshot(r, turnNumber, reason)
		if err != nil {
			if rc.bumpRetryLocked(r.InteractionId(), kind) >= rc.maxRetryAttempts {
				escalated = true
			}
		} else {
			rc.resetRetryLocked(r.InteractionId(), kind)
		}
	case StrategyFirstActionWins:
		// The Room's single writer already serializes concurrent
		// ProcessTurnAction calls; the second caller simply observes a
		// state that no longer matches its precondition. Nothing further
		// to do here beyond logging — the rejection itself happens at
		// the transport layer via the ordinary error path.
		logging.Info(ctx, "concurrent action conflict resolved first-action-wins", zap.String("room", string(r.Id())))
	case StrategyDMResolution:
		err = r.Pause("awaiting DM resolution: " + reason)
	case StrategyPauseAndNotify:
		err = r.Pause(reason)
	case StrategyForceComplete:
		_, err = r.Complete(ctx, reason)
	case StrategyRetryOperation:
		err = rc.retryOperation(ctx, op)
		if err != nil {
			if rc.bumpRetryLocked(r.InteractionId(), kind) >= rc.maxRetryAttempts {
				escalated = true
				err = r.Pause("recovery retry budget exhausted: " + reason)
			}
		} else {
			rc.resetRetryLocked(r.InteractionId(), kind)
		}
	}

	if err != nil {
		logging.Error(ctx, "recovery strategy failed", zap.String("room", string(r.Id())), zap.String("strategy", string(strategy)), zap.Error(err))
	}

	return Outcome{Strategy: strategy, Escalated: escalated, Err: err}
}

// selectStrategy applies the escalation rules on top of the default table:
// an unrecoverable kind whose retry budget is exhausted force-completes;
// every other known kind gets its default strategy, and an unknown kind gets
// PAUSE_AND_NOTIFY. The pause that follows an exhausted RETRY_OPERATION
// budget is applied by Recover itself, not here.
func (rc *Recovery) selectStrategy(interactionId types.InteractionIdType, kind ErrorKind) Strategy {
	if rc.unrecoverableKinds[kind] {
		rc.mu.Lock()
		attempts := rc.retryAttempts[retryKey{interactionId, kind}]
		rc.mu.Unlock()
		if attempts >= rc.maxRetryAttempts {
			return StrategyForceComplete
		}
	}
	strategy, ok := defaultStrategies[kind]
	if !ok {
		return StrategyPauseAndNotify
	}
	return strategy
}

// rollbackToSnapshot implements ROLLBACK_TO_SNAPSHOT: pause the room,
// replace its GameState with the newest usable snapshot, then resume. Pause
// is best-effort — a room that isn't active (already paused, say) simply
// skips straight to the backtrack — but Resume always runs after a
// successful backtrack so subscribers observe the INTERACTION_RESUMED event
// that marks recovery complete.
func (rc *Recovery) rollbackToSnapshot(r *room.Room, turnNumber int, reason string) error {
	snapshots := r.Snapshots()
	if len(snapshots) == 0 {
		return ErrNoSnapshotAvailable
	}

	wasActive := r.GetState().Status == types.RoomStatusActive
	if wasActive {
		if err := r.Pause(reason); err != nil {
			return err
		}
	}

	if _, err := r.BacktrackTurn(turnNumber, reason); err != nil {
		return err
	}

	if wasActive {
		return r.Resume()
	}
	return nil
}

func (rc *Recovery) retryOperation(ctx context.Context, op func(context.Context) error) error {
	if op == nil {
		return nil
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(rc.maxRetryAttempts)))
	return err
}

func (rc *Recovery) bumpRetryLocked(interactionId types.InteractionIdType, kind ErrorKind) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	key := retryKey{interactionId, kind}
	rc.retryAttempts[key]++
	return rc.retryAttempts[key]
}

func (rc *Recovery) resetRetryLocked(interactionId types.InteractionIdType, kind ErrorKind) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.retryAttempts, retryKey{interactionId, kind})
}

// ClassifyInvariantViolation inspects a GameState for the invariant breaches
// listed in the spec's testable-properties section and returns the
// corresponding ErrorKind, or "" if the state looks sound.
func ClassifyInvariantViolation(state types.GameState) ErrorKind {
	if state.Status == types.RoomStatusActive {
		if state.CurrentTurnIndex < 0 || state.CurrentTurnIndex >= len(state.InitiativeOrder) {
			return KindInvalidGameState
		}
	}
	for _, entry := range state.InitiativeOrder {
		if _, ok := state.Participants[entry.EntityId]; !ok {
			return KindStateCorruption
		}
	}
	for _, p := range state.Participants {
		if p.CurrentHP < 0 || p.CurrentHP > p.MaxHP {
			return KindStateCorruption
		}
	}
	return ""
}
