// Package engine implements the Game State Engine (spec §4.3): a stateless
// validator and transition function over types.GameState and
// types.TurnAction. It performs no I/O and holds no locks — every exported
// function is a pure function of its arguments, grounded on the turn/action
// handling logic in the teacher's internal/v1/session/methods.go, generalized
// from video-conference room controls to tabletop turn mechanics.
package engine

import (
	"sort"
	"time"

	"github.com/liveserver/interaction/internal/types"
)

// DamageResolver computes the damage an action deals. The engine clamps the
// result to [0, maxHP] itself; the resolver is the pluggable "calculator"
// spec §4.3 describes as delegated (rule-engine correctness is a Non-goal).
type DamageResolver interface {
	Resolve(action types.TurnAction, attacker, target types.Participant) int
}

// ParameterDamageResolver reads a numeric "damage" key out of the action's
// Parameters map. It is the default resolver shipped with the engine.
type ParameterDamageResolver struct{}

func (ParameterDamageResolver) Resolve(action types.TurnAction, _, _ types.Participant) int {
	if action.Parameters == nil {
		return 0
	}
	switch v := action.Parameters["damage"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Engine bundles the pluggable parts of the transition function.
type Engine struct {
	Damage DamageResolver
}

// New returns an Engine using the default parameter-based damage resolver.
func New() *Engine {
	return &Engine{Damage: ParameterDamageResolver{}}
}

// Validate enforces spec §4.3's validation rules against a proposed action.
// It never mutates state.
func Validate(state types.GameState, action types.TurnAction) types.ValidationResult {
	var errs []string

	actor, ok := state.Participants[action.EntityId]
	if !ok {
		return types.ValidationResult{Valid: false, Errors: []string{"unknown entity"}}
	}

	if state.Status != types.RoomStatusActive {
		errs = append(errs, "interaction is not active")
	}

	currentId, isActiveTurn := state.CurrentEntityId()
	if !action.OutOfTurn() {
		if !isActiveTurn || currentId != action.EntityId {
			errs = append(errs, "not your turn")
		}
	} else if action.Type != types.ActionInteract {
		// Only reactions (type=interact, outOfTurn=true) may bypass turn
		// order; everything else must respect initiative even if flagged.
		errs = append(errs, "out-of-turn actions are only permitted for reactions")
	} else {
		// Reactions are rejected by default per spec §4.1 unless a caller
		// has explicitly allowlisted the entity via Parameters.
		if allowed, _ := action.Parameters["outOfTurnAllowed"].(bool); !allowed {
			errs = append(errs, "out-of-turn action rejected")
		}
	}

	if actor.TurnStatus == types.TurnStatusCompleted || actor.TurnStatus == types.TurnStatusSkipped {
		errs = append(errs, "entity has already completed its turn")
	}

	if !containsAction(actor.AvailableActions, string(action.Type)) {
		errs = append(errs, "action type not available to entity")
	}

	switch action.Type {
	case types.ActionMove:
		if action.Position == nil {
			errs = append(errs, "move requires a target position")
		} else if err := validateMove(state, actor, *action.Position); err != "" {
			errs = append(errs, err)
		}
	case types.ActionAttack, types.ActionCast:
		if action.TargetId == "" {
			errs = append(errs, "attack/cast requires a target")
		} else if _, ok := state.Participants[action.TargetId]; !ok {
			errs = append(errs, "target does not exist")
		}
		if action.Type == types.ActionCast && action.SpellId == "" {
			errs = append(errs, "cast requires a spellId")
		}
		if dmg, ok := action.Parameters["damage"]; ok {
			if !isWellFormedDamage(dmg) {
				errs = append(errs, "malformed damage parameter")
			}
		}
	case types.ActionUseItem:
		if action.ItemId == "" {
			errs = append(errs, "useItem requires an itemId")
		} else if !hasItem(actor, action.ItemId) {
			errs = append(errs, "item not in inventory")
		}
	case types.ActionEnd:
		// no additional checks
	case types.ActionInteract:
		// reactions validated above
	default:
		errs = append(errs, "unknown action type")
	}

	return types.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func isWellFormedDamage(v any) bool {
	switch n := v.(type) {
	case int:
		return n >= 0
	case float64:
		return n >= 0
	default:
		return false
	}
}

func containsAction(available []string, want string) bool {
	for _, a := range available {
		if a == want {
			return true
		}
	}
	return false
}

func hasItem(p types.Participant, itemId string) bool {
	for _, it := range p.Inventory.Items {
		if it.ItemId == itemId && it.Quantity > 0 {
			return true
		}
	}
	return false
}

// validateMove checks the Manhattan/Chebyshev movement rule from spec §4.3:
// diagonal steps count as 1, distance must be within the actor's speed, and
// the path must avoid obstacles. Returns a non-empty error string on
// violation.
func validateMove(state types.GameState, actor types.Participant, dest types.Position) string {
	if dest.X < 0 || dest.Y < 0 || dest.X >= state.MapState.Width || dest.Y >= state.MapState.Height {
		return "destination out of bounds"
	}
	dist := chebyshev(actor.Position, dest)
	if dist > actor.Speed {
		return "destination exceeds movement speed"
	}
	if pathBlocked(actor.Position, dest, state.MapState.Obstacles) {
		return "path to destination is blocked by an obstacle"
	}
	return ""
}

// pathBlocked steps from start to end one tile at a time (inclusive of end)
// and reports whether any stepped tile is an obstacle, so a move can't hop
// over one sitting between the actor and its destination.
func pathBlocked(start, end types.Position, obstacles []types.Position) bool {
	dist := chebyshev(start, end)
	if dist == 0 {
		return false
	}
	for step := 1; step <= dist; step++ {
		p := types.Position{
			X: start.X + (end.X-start.X)*step/dist,
			Y: start.Y + (end.Y-start.Y)*step/dist,
		}
		for _, obs := range obstacles {
			if obs == p {
				return true
			}
		}
	}
	return false
}

func chebyshev(a, b types.Position) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Apply computes the post-action state. The caller must have already
// confirmed Validate(state, action).Valid. Apply returns a new GameState and
// never mutates its input.
func (e *Engine) Apply(state types.GameState, action types.TurnAction) types.GameState {
	next := state.Clone()
	actor := next.Participants[action.EntityId]

	switch action.Type {
	case types.ActionMove:
		actor.Position = *action.Position
		next.Participants[action.EntityId] = actor
		ent := next.MapState.Entities[action.EntityId]
		ent.Position = *action.Position
		next.MapState.Entities[action.EntityId] = ent

	case types.ActionAttack, types.ActionCast:
		target := next.Participants[action.TargetId]
		dmg := e.resolver().Resolve(action, actor, target)
		target.CurrentHP = clamp(target.CurrentHP-dmg, 0, target.MaxHP)
		next.Participants[action.TargetId] = target

	case types.ActionUseItem:
		for i, it := range actor.Inventory.Items {
			if it.ItemId == action.ItemId {
				actor.Inventory.Items[i].Quantity--
				break
			}
		}
		filtered := actor.Inventory.Items[:0]
		for _, it := range actor.Inventory.Items {
			if it.Quantity > 0 {
				filtered = append(filtered, it)
			}
		}
		actor.Inventory.Items = filtered
		next.Participants[action.EntityId] = actor

	case types.ActionEnd:
		// turn advancement happens below for all terminal actions
	}

	now := time.Now()
	if now.After(next.Timestamp) {
		next.Timestamp = now
	}

	if action.Type == types.ActionEnd || turnBudgetExhausted(next, action.EntityId) {
		next = AdvanceTurn(next, types.TurnRecordStatusCompleted)
	}

	return next
}

func (e *Engine) resolver() DamageResolver {
	if e.Damage != nil {
		return e.Damage
	}
	return ParameterDamageResolver{}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// turnBudgetExhausted reports whether the acting entity has used its
// actions-per-turn budget. The engine keeps no per-turn action budget, so
// this always reports false: a non-"end" action never auto-advances the
// turn, and actions accumulate until "end" (or a turn timeout).
func turnBudgetExhausted(types.GameState, types.EntityIdType) bool {
	return false
}

// AdvanceTurn closes out the current turn, appends a TurnRecord, and moves
// currentTurnIndex/roundNumber forward per spec §4.3. status describes how
// the closing turn ended.
func AdvanceTurn(state types.GameState, status types.TurnRecordStatus) types.GameState {
	next := state.Clone()
	if len(next.InitiativeOrder) == 0 {
		return next
	}

	currentId, ok := next.CurrentEntityId()
	if ok {
		actor := next.Participants[currentId]
		switch status {
		case types.TurnRecordStatusSkipped, types.TurnRecordStatusTimeout:
			actor.TurnStatus = types.TurnStatusSkipped
		default:
			actor.TurnStatus = types.TurnStatusCompleted
		}
		next.Participants[currentId] = actor

		next.TurnHistory = append(next.TurnHistory, types.TurnRecord{
			EntityId:    currentId,
			TurnNumber:  len(next.TurnHistory) + 1,
			RoundNumber: next.RoundNumber,
			Status:      status,
			EndTime:     time.Now(),
		})
	}

	next.CurrentTurnIndex++
	if next.CurrentTurnIndex >= len(next.InitiativeOrder) {
		next.CurrentTurnIndex = 0
		next.RoundNumber++
	}

	newActorId := next.InitiativeOrder[next.CurrentTurnIndex].EntityId
	if p, ok := next.Participants[newActorId]; ok {
		p.TurnStatus = types.TurnStatusActive
		next.Participants[newActorId] = p
	}

	return next
}

// RebuildInitiative re-sorts the initiative order deterministically
// (descending initiative, lexicographic entityId tie-break) and preserves
// the current actor's identity across the resort — its index may shift but
// it remains the active entry.
func RebuildInitiative(state types.GameState) types.GameState {
	next := state.Clone()

	currentId, hadActive := next.CurrentEntityId()

	sort.SliceStable(next.InitiativeOrder, func(i, j int) bool {
		a, b := next.InitiativeOrder[i], next.InitiativeOrder[j]
		if a.Initiative != b.Initiative {
			return a.Initiative > b.Initiative
		}
		return a.EntityId < b.EntityId
	})

	if hadActive {
		for i, e := range next.InitiativeOrder {
			if e.EntityId == currentId {
				next.CurrentTurnIndex = i
				break
			}
		}
	}

	return next
}
