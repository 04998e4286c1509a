package engine

// Action kinds accepted by the resolver.
const (
	ActionMove   = "move"
	ActionGather = "gather"
	ActionRest   = "rest"
	ActionTrade  = "trade"
	ActionAttack = "attack"
)

// Action is one agent's request for the next tick. Requests arrive as
// loose JSON; parsing happens at the HTTP boundary and anything the
// resolver does not recognize becomes an ACTION_REJECTED event, never an
// error.
type Action struct {
	Type   string `json:"type"`
	DX     int    `json:"dx,omitempty"`
	DY     int    `json:"dy,omitempty"`
	Target string `json:"target,omitempty"`
	Amount int    `json:"amount,omitempty"`
}

// Rest is the default when an agent submits nothing for a tick.
func Rest() Action {
	return Action{Type: ActionRest}
}
