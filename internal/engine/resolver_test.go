package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/last-oasis/internal/world"
)

func eventsOfType(events []Event, typ string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestLoneAgentSurvivesOnSafeTile(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("solo")
	// A tile whose hazard never crosses the damage threshold.
	a.X, a.Y = 9, 2

	for i := 0; i < 100; i++ {
		Resolve(w, nil)
	}

	assert.Equal(t, 100, w.Tick)
	assert.True(t, a.Alive)
	assert.Equal(t, world.MaxHP, a.HP)
	assert.Equal(t, 0, a.Resource())
	assert.Equal(t, 100.0, a.TrustScore)
}

func TestIdleAgentDefaultsToRest(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("idle")
	a.X, a.Y = 9, 2
	a.HP = 10

	events := Resolve(w, nil)

	assert.Equal(t, 11, a.HP)
	require.Len(t, eventsOfType(events, EventAgentRested), 1)
}

func TestRestAtFullHPIsSilent(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("full")
	a.X, a.Y = 9, 2

	events := Resolve(w, map[string]Action{"full": {Type: ActionRest}})

	assert.Equal(t, world.MaxHP, a.HP)
	assert.Empty(t, eventsOfType(events, EventAgentRested))
	assert.Empty(t, eventsOfType(events, EventActionRejected))
}

func TestMoveAndRejections(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("mover")
	a.X, a.Y = 5, 5

	events := Resolve(w, map[string]Action{"mover": {Type: ActionMove, DX: 1}})
	require.Len(t, eventsOfType(events, EventAgentMoved), 1)
	assert.Equal(t, 6, a.X)
	assert.Equal(t, 5, a.Y)

	// Diagonal and multi-step moves are rejected in place.
	events = Resolve(w, map[string]Action{"mover": {Type: ActionMove, DX: 1, DY: 1}})
	rejections := eventsOfType(events, EventActionRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectInvalidMove, rejections[0].Payload["reason"])
	assert.Equal(t, 6, a.X)

	// Off-grid moves too.
	a.X, a.Y = 0, 0
	events = Resolve(w, map[string]Action{"mover": {Type: ActionMove, DX: -1}})
	require.Len(t, eventsOfType(events, EventActionRejected), 1)
	assert.Equal(t, 0, a.X)
}

func TestGatherMovesResourceToInventory(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("digger")
	a.X, a.Y = 4, 0

	before := w.TileAt(a.X, a.Y).Resource
	events := Resolve(w, map[string]Action{"digger": {Type: ActionGather}})

	require.Len(t, eventsOfType(events, EventResourceGathered), 1)
	assert.Equal(t, 1, a.Resource())
	// The tile also advanced this tick, so compare against pure physics.
	assert.Less(t, w.TileAt(a.X, a.Y).Resource, before)
}

func TestGatherOnEmptyTileRejected(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("digger")
	a.X, a.Y = 4, 0
	// Degraded enough that tile physics does not regenerate the unit
	// before the gather is applied.
	w.TileAt(4, 0).Resource = 0
	w.TileAt(4, 0).Degradation = 0.3

	events := Resolve(w, map[string]Action{"digger": {Type: ActionGather}})
	rejections := eventsOfType(events, EventActionRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectNoResource, rejections[0].Payload["reason"])
	assert.Equal(t, 0, a.Resource())
}

func TestTradeTransfersAndBuildsTrust(t *testing.T) {
	w := world.New(20)
	giver := w.AddAgent("giver")
	taker := w.AddAgent("taker")
	giver.X, giver.Y = 4, 0
	taker.X, taker.Y = 5, 0
	giver.AddResource(10)
	giver.TrustScore = 50
	taker.TrustScore = 50

	events := Resolve(w, map[string]Action{
		"giver": {Type: ActionTrade, Target: "taker", Amount: 4},
	})

	require.Len(t, eventsOfType(events, EventTradeCompleted), 1)
	assert.Equal(t, 6, giver.Resource())
	assert.Equal(t, 4, taker.Resource())

	// Both sides gain min(5, amount*0.5).
	assert.InDelta(t, 52.0, giver.TrustScore, 1e-9)
	assert.InDelta(t, 52.0, taker.TrustScore, 1e-9)

	repEvents := eventsOfType(events, EventReputationChanged)
	require.Len(t, repEvents, 2)
	assert.Equal(t, 2.0, repEvents[0].Payload["change"])
	assert.Equal(t, "successful_trade", repEvents[0].Payload["reason"])

	require.Len(t, giver.TradeHistory, 1)
	assert.Equal(t, "giver", giver.TradeHistory[0].Role)
	assert.Equal(t, "receiver", taker.TradeHistory[0].Role)
	require.Len(t, w.RecentTrades, 1)
}

func TestTradeRejections(t *testing.T) {
	w := world.New(20)
	a := w.AddAgent("a")
	a.AddResource(2)

	events := Resolve(w, map[string]Action{"a": {Type: ActionTrade, Target: "ghost", Amount: 1}})
	rejections := eventsOfType(events, EventActionRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectInvalidTradeTarget, rejections[0].Payload["reason"])

	w.AddAgent("b")
	events = Resolve(w, map[string]Action{"a": {Type: ActionTrade, Target: "b", Amount: 5}})
	rejections = eventsOfType(events, EventActionRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectInsufficientRes, rejections[0].Payload["reason"])
	assert.Equal(t, 2, a.Resource())
}

func TestAttackAfterTradeIsBetrayal(t *testing.T) {
	w := world.New(20)
	atk := w.AddAgent("atk")
	vic := w.AddAgent("vic")
	// Adjacent tiles that deal no hazard damage for the duration.
	atk.X, atk.Y = 4, 0
	vic.X, vic.Y = 5, 0
	atk.AddResource(5)

	// Tick 1: a cooperative trade.
	Resolve(w, map[string]Action{"atk": {Type: ActionTrade, Target: "vic", Amount: 4}})

	// Ticks 2-4: nothing.
	for i := 0; i < 3; i++ {
		Resolve(w, nil)
	}

	// Tick 5: the knife comes out.
	events := Resolve(w, map[string]Action{"atk": {Type: ActionAttack, Target: "vic"}})

	hits := eventsOfType(events, EventCombatHit)
	require.Len(t, hits, 1)
	assert.Equal(t, true, hits[0].Payload["is_betrayal"])
	require.Len(t, eventsOfType(events, EventBetrayalDetected), 1)

	assert.Equal(t, 1, atk.Betrayals)
	assert.InDelta(t, 75.0, atk.TrustScore, 1e-9)
	// The hit lands for 3, then the victim's defaulted rest heals 1 back.
	assert.Equal(t, 18, vic.HP)
	// The attacker spends 1 hp as stamina.
	assert.Equal(t, 19, atk.HP)
}

func TestAttackWithoutRecentTradeIsNotBetrayal(t *testing.T) {
	w := world.New(20)
	atk := w.AddAgent("atk")
	vic := w.AddAgent("vic")
	atk.X, atk.Y = 4, 0
	vic.X, vic.Y = 5, 0

	events := Resolve(w, map[string]Action{"atk": {Type: ActionAttack, Target: "vic"}})

	hits := eventsOfType(events, EventCombatHit)
	require.Len(t, hits, 1)
	assert.Equal(t, false, hits[0].Payload["is_betrayal"])
	assert.Empty(t, eventsOfType(events, EventBetrayalDetected))
	// Ordinary combat still costs reputation.
	assert.InDelta(t, 97.0, atk.TrustScore, 1e-9)
}

func TestAttackRequiresAdjacency(t *testing.T) {
	w := world.New(20)
	atk := w.AddAgent("atk")
	vic := w.AddAgent("vic")
	atk.X, atk.Y = 2, 2
	vic.X, vic.Y = 5, 5

	events := Resolve(w, map[string]Action{"atk": {Type: ActionAttack, Target: "vic"}})
	rejections := eventsOfType(events, EventActionRejected)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectTargetNotAdjacent, rejections[0].Payload["reason"])
	assert.Equal(t, world.MaxHP, vic.HP)
}

func TestKillLootsHalfTheInventory(t *testing.T) {
	w := world.New(20)
	atk := w.AddAgent("atk")
	vic := w.AddAgent("vic")
	atk.X, atk.Y = 4, 0
	vic.X, vic.Y = 5, 0
	vic.HP = 3
	vic.AddResource(10)

	events := Resolve(w, map[string]Action{"atk": {Type: ActionAttack, Target: "vic"}})

	kills := eventsOfType(events, EventCombatKill)
	require.Len(t, kills, 1)
	assert.False(t, vic.Alive)
	assert.Equal(t, 5, atk.Resource())
	assert.Equal(t, 5, vic.Resource())
}

func TestReputationDecaysTowardNeutral(t *testing.T) {
	w := world.New(20)
	low := w.AddAgent("low")
	low.X, low.Y = 9, 2
	low.TrustScore = 50

	for i := 0; i < 10; i++ {
		Resolve(w, nil)
	}
	assert.InDelta(t, 50.5, low.TrustScore, 1e-9)

	// Decay also applies to the dead.
	low.Kill()
	for i := 0; i < 10; i++ {
		Resolve(w, nil)
	}
	assert.InDelta(t, 51.0, low.TrustScore, 1e-9)
}

func TestMarketRepricesAsWorldDegrades(t *testing.T) {
	w := world.New(20)

	events := Resolve(w, nil)
	updates := eventsOfType(events, EventMarketPriceUpdated)
	require.Len(t, updates, 1, "first tick reprices off the genesis grid")

	for i := 0; i < 29; i++ {
		Resolve(w, nil)
	}

	assert.Greater(t, w.MarketPrice, 1.8)
	assert.LessOrEqual(t, w.MarketPrice, 5.0)
}

func TestStateAnchorCadence(t *testing.T) {
	w := world.New(6)
	var anchors []Event
	for i := 0; i < 120; i++ {
		events := Resolve(w, nil)
		anchors = append(anchors, eventsOfType(events, EventStateAnchored)...)
	}

	require.Len(t, anchors, 2)
	assert.Equal(t, 50, anchors[0].Tick)
	assert.Equal(t, 100, anchors[1].Tick)

	hash, _ := anchors[1].Payload["state_hash"].(string)
	assert.Len(t, hash, 64)
	assert.Equal(t, w.StateHash, hash)
	assert.Equal(t, 100, w.LastAnchorTick)
}

func TestTickDoneAlwaysEmitted(t *testing.T) {
	w := world.New(6)
	events := Resolve(w, nil)
	done := eventsOfType(events, EventTickDone)
	require.Len(t, done, 1)
	assert.Equal(t, done[len(done)-1], events[len(events)-1])
}

func TestDeterministicResolution(t *testing.T) {
	run := func() string {
		w := world.New(10)
		w.AddAgent("one")
		w.AddAgent("two")
		for i := 0; i < 60; i++ {
			actions := map[string]Action{"one": {Type: ActionGather}}
			if i%3 == 0 {
				actions["two"] = Action{Type: ActionMove, DX: 1}
			}
			Resolve(w, actions)
		}
		return w.ComputeStateHash()
	}
	assert.Equal(t, run(), run())
}
