package engine

import (
	"github.com/talgya/last-oasis/internal/world"
)

// Cadences within the tick cycle.
const (
	reputationDecayEvery = 10
	anchorEvery          = 50
)

// Resolve advances the world exactly one tick: market repricing, tile
// physics, reputation decay, one action per alive agent in registry
// insertion order, hazard damage, and periodic state anchoring. It is the
// only writer of world state and must run under the core's world lock.
//
// Resolve is pure in-memory and deterministic: the same world and action
// set always produce the same world and events, which is what makes
// snapshot + replay recovery exact.
func Resolve(w *world.World, actions map[string]Action) []Event {
	w.Tick++
	tick := w.Tick
	events := []Event{}

	// Reprice from the pre-physics grid.
	oldPrice := w.MarketPrice
	w.MarketPrice = w.CalculateMarketPrice()
	if diff := w.MarketPrice - oldPrice; diff > 0.05 || diff < -0.05 {
		events = append(events, newEvent(EventMarketPriceUpdated, tick, "", map[string]any{
			"old_price": world.Round(oldPrice, 3),
			"new_price": world.Round(w.MarketPrice, 3),
		}))
	}

	for y := 0; y < w.Size; y++ {
		for x := 0; x < w.Size; x++ {
			w.Grid[y][x].Advance(tick)
		}
	}

	// Trust drifts toward neutral every tenth tick.
	if tick%reputationDecayEvery == 0 {
		for _, id := range w.AgentOrder {
			a := w.Agents[id]
			if a.TrustScore > 100.0 {
				a.TrustScore = max(100.0, a.TrustScore-0.5)
			} else if a.TrustScore < 100.0 {
				a.TrustScore = min(100.0, a.TrustScore+0.5)
			}
		}
	}

	for _, id := range w.AgentOrder {
		a := w.Agents[id]
		if !a.Alive {
			continue
		}
		act, ok := actions[id]
		if !ok {
			act = Rest()
		}
		events = append(events, applyAction(w, a, act)...)
	}

	// Tick-end hazard damage on every alive agent's current tile.
	for _, id := range w.AgentOrder {
		a := w.Agents[id]
		if !a.Alive {
			continue
		}
		t := w.TileAt(a.X, a.Y)
		dmg := world.HazardDamage(t.Hazard, t.Degradation)
		if dmg == 0 {
			continue
		}
		a.HP -= dmg
		events = append(events, newEvent(EventAgentDamaged, tick, id, map[string]any{"amount": dmg}))
		if a.HP <= 0 {
			a.Kill()
			events = append(events, newEvent(EventAgentDied, tick, id, map[string]any{"x": a.X, "y": a.Y}))
		}
	}

	if tick%anchorEvery == 0 {
		w.StateHash = w.ComputeStateHash()
		w.LastAnchorTick = tick
		events = append(events, newEvent(EventStateAnchored, tick, "", map[string]any{
			"state_hash":   w.StateHash,
			"alive_agents": w.AliveCount(),
		}))
	}

	events = append(events, newEvent(EventTickDone, tick, "", map[string]any{"tick": tick}))
	return events
}

// applyAction applies one agent's action. Failures reject with an event
// and leave no partial effect.
func applyAction(w *world.World, a *world.Agent, act Action) []Event {
	tick := w.Tick

	switch act.Type {
	case ActionMove:
		nx, ny := a.X+act.DX, a.Y+act.DY
		if abs(act.DX)+abs(act.DY) != 1 || !w.InBounds(nx, ny) {
			return []Event{rejected(tick, a.AgentID, RejectInvalidMove)}
		}
		a.X, a.Y = nx, ny
		return []Event{newEvent(EventAgentMoved, tick, a.AgentID, map[string]any{"x": nx, "y": ny})}

	case ActionGather:
		t := w.TileAt(a.X, a.Y)
		if t.Resource <= 0 {
			return []Event{rejected(tick, a.AgentID, RejectNoResource)}
		}
		t.Resource--
		a.AddResource(1)
		return []Event{newEvent(EventResourceGathered, tick, a.AgentID, map[string]any{"amount": 1})}

	case ActionRest:
		if a.HP < world.MaxHP {
			a.HP++
			return []Event{newEvent(EventAgentRested, tick, a.AgentID, map[string]any{"hp": a.HP})}
		}
		return nil

	case ActionTrade:
		return applyTrade(w, a, act)

	case ActionAttack:
		return applyAttack(w, a, act)
	}

	return []Event{rejected(tick, a.AgentID, RejectUnknownAction)}
}

func applyTrade(w *world.World, a *world.Agent, act Action) []Event {
	tick := w.Tick
	target, ok := w.Agents[act.Target]
	if !ok || !target.Alive {
		return []Event{rejected(tick, a.AgentID, RejectInvalidTradeTarget)}
	}
	if act.Amount <= 0 || a.Resource() < act.Amount {
		return []Event{rejected(tick, a.AgentID, RejectInsufficientRes)}
	}

	a.AddResource(-act.Amount)
	target.AddResource(act.Amount)

	tradeValue := float64(act.Amount) * w.MarketPrice
	a.RecordTrade(world.TradeRecord{
		Tick: tick, Partner: target.AgentID, Amount: act.Amount,
		Value: world.Round(tradeValue, 2), Role: "giver",
	})
	target.RecordTrade(world.TradeRecord{
		Tick: tick, Partner: a.AgentID, Amount: act.Amount,
		Value: world.Round(tradeValue, 2), Role: "receiver",
	})
	w.RecordRecentTrade(world.RecentTrade{
		Tick: tick, AgentID: a.AgentID, TargetID: target.AgentID, Amount: act.Amount,
	})

	// Cooperation pays both sides, up to +5 per trade.
	trustGain := min(5.0, float64(act.Amount)*0.5)

	events := []Event{newEvent(EventTradeCompleted, tick, a.AgentID, map[string]any{
		"target_id":    target.AgentID,
		"amount":       act.Amount,
		"market_price": world.Round(w.MarketPrice, 3),
		"trade_value":  world.Round(tradeValue, 2),
	})}
	events = append(events,
		reputationChanged(tick, a, trustGain, "successful_trade"),
		reputationChanged(tick, target, trustGain, "successful_trade"),
	)
	return events
}

func applyAttack(w *world.World, a *world.Agent, act Action) []Event {
	tick := w.Tick
	target, ok := w.Agents[act.Target]
	if !ok || !target.Alive {
		return []Event{rejected(tick, a.AgentID, RejectInvalidAttackTarget)}
	}
	if abs(a.X-target.X)+abs(a.Y-target.Y) > 1 {
		return []Event{rejected(tick, a.AgentID, RejectTargetNotAdjacent)}
	}

	isBetrayal := w.DetectBetrayal(a.AgentID, target.AgentID)

	// Base damage 3; the attacker spends 1 hp as stamina.
	const attackDamage = 3
	a.HP--
	if a.HP < 0 {
		a.HP = 0
	}
	target.HP -= attackDamage

	events := []Event{newEvent(EventCombatHit, tick, a.AgentID, map[string]any{
		"target_id":   target.AgentID,
		"damage":      attackDamage,
		"attacker_hp": a.HP,
		"target_hp":   target.HP,
		"is_betrayal": isBetrayal,
	})}

	if isBetrayal {
		a.Betrayals++
		events = append(events,
			reputationChanged(tick, a, -25.0, "betrayal"),
			newEvent(EventBetrayalDetected, tick, "", map[string]any{
				"betrayer_id":     a.AgentID,
				"victim_id":       target.AgentID,
				"total_betrayals": a.Betrayals,
			}),
		)
	} else {
		events = append(events, reputationChanged(tick, a, -3.0, "combat"))
	}

	if target.HP <= 0 {
		target.Kill()
		loot := target.Resource() / 2
		if loot > 0 {
			target.AddResource(-loot)
			a.AddResource(loot)
		}
		events = append(events, newEvent(EventCombatKill, tick, a.AgentID, map[string]any{
			"target_id": target.AgentID,
			"loot":      loot,
		}))
	}
	if a.HP <= 0 {
		a.Kill()
		events = append(events, newEvent(EventAgentDied, tick, a.AgentID, map[string]any{"x": a.X, "y": a.Y}))
	}
	return events
}

func reputationChanged(tick int, a *world.Agent, change float64, reason string) Event {
	oldScore, newScore := a.AdjustTrust(change)
	return newEvent(EventReputationChanged, tick, a.AgentID, map[string]any{
		"old_score": world.Round(oldScore, 1),
		"new_score": world.Round(newScore, 1),
		"change":    world.Round(change, 1),
		"reason":    reason,
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
