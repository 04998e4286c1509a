// Package engine provides the deterministic tick resolver, the shared
// core state it runs against, and the scheduler that drives it.
package engine

// Persisted event types.
const (
	EventWorldStarted       = "WORLD_STARTED"
	EventWorldResetExtinct  = "WORLD_RESET_IF_EXTINCT"
	EventWorldReset         = "WORLD_RESET"
	EventAgentEntered       = "AGENT_ENTERED"
	EventActionSubmitted    = "ACTION_SUBMITTED"
	EventTickResolved       = "TICK_RESOLVED"
	EventAgentMoved         = "AGENT_MOVED"
	EventResourceGathered   = "RESOURCE_GATHERED"
	EventAgentRested        = "AGENT_RESTED"
	EventTradeCompleted     = "TRADE_COMPLETED"
	EventCombatHit          = "COMBAT_HIT"
	EventCombatKill         = "COMBAT_KILL"
	EventBetrayalDetected   = "BETRAYAL_DETECTED"
	EventReputationChanged  = "REPUTATION_CHANGED"
	EventAgentDamaged       = "AGENT_DAMAGED"
	EventAgentDied          = "AGENT_DIED"
	EventMarketPriceUpdated = "MARKET_PRICE_UPDATED"
	EventStateAnchored      = "STATE_ANCHORED"
	EventTickDone           = "TICK_DONE"
	EventActionRejected     = "ACTION_REJECTED"
	EventDQNLog             = "DQN_LOG"
	EventGameFinalized      = "GAME_FINALIZED"
)

// Rejection reasons carried in ACTION_REJECTED payloads. Rejections are
// events, never errors: a bad action simply has no effect.
const (
	RejectInvalidMove         = "invalid_move"
	RejectNoResource          = "no_resource"
	RejectInsufficientRes     = "insufficient_resource"
	RejectInvalidTradeTarget  = "invalid_trade_target"
	RejectInvalidAttackTarget = "invalid_attack_target"
	RejectTargetNotAdjacent   = "target_not_adjacent"
	RejectUnknownAction       = "unknown_action"
)

// Event is one immutable record produced by the resolver. Payload holds
// the type-specific fields.
type Event struct {
	Type    string         `json:"type"`
	Tick    int            `json:"tick"`
	AgentID string         `json:"agent_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func newEvent(typ string, tick int, agentID string, payload map[string]any) Event {
	return Event{Type: typ, Tick: tick, AgentID: agentID, Payload: payload}
}

func rejected(tick int, agentID, reason string) Event {
	return newEvent(EventActionRejected, tick, agentID, map[string]any{"reason": reason})
}
