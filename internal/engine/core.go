package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/last-oasis/internal/store"
	"github.com/talgya/last-oasis/internal/world"
)

// Submission errors surfaced to callers. Everything else about an action
// is decided inside the tick and reported as events.
var (
	ErrAgentNotFound = errors.New("agent_not_found")
	ErrAgentDead     = errors.New("agent_dead")
)

// AnchorSink receives periodic state hashes for external attestation.
// Fire and forget: a false return means the hash was not anchored, and
// the simulation does not care.
type AnchorSink interface {
	AnchorState(ctx context.Context, tick int, stateHash string, aliveAgents int) bool
}

// Core owns the authoritative world and the pending action slot map.
// mu is the world lock: observation, submission, session entry, and tick
// resolution all run under it. The store serializes itself and is only
// ever called after mu has been released — never the other way around, so
// database I/O cannot stall the simulation.
type Core struct {
	mu      sync.Mutex
	world   *world.World
	pending map[string]Action

	store         *store.Store
	anchor        AnchorSink
	snapshotEvery int
}

// NewCore wires the world to its store. anchor may be nil.
func NewCore(w *world.World, st *store.Store, snapshotEvery int, anchor AnchorSink) *Core {
	return &Core{
		world:         w,
		pending:       map[string]Action{},
		store:         st,
		anchor:        anchor,
		snapshotEvery: snapshotEvery,
	}
}

// CurrentTick returns the world's tick counter.
func (c *Core) CurrentTick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.world.Tick
}

// View runs fn with read access to the world under the world lock. fn
// must not retain references to world internals.
func (c *Core) View(fn func(w *world.World)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.world)
}

// Observe extracts the caller's observation, or nil when unregistered.
func (c *Core) Observe(agentID string, radius int) *world.Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.world.Observe(agentID, radius)
}

// SubmitAction writes the agent's pending slot (last write wins within a
// tick) and records the submission against the next tick.
func (c *Core) SubmitAction(agentID string, act Action) (int, error) {
	c.mu.Lock()
	a, ok := c.world.Agents[agentID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrAgentNotFound
	}
	if !a.Alive {
		c.mu.Unlock()
		return 0, ErrAgentDead
	}
	c.pending[agentID] = act
	targetTick := c.world.Tick + 1
	c.mu.Unlock()

	if err := c.store.AppendEvent(targetTick, EventActionSubmitted, agentID, act); err != nil {
		return 0, err
	}
	return targetTick, nil
}

// AdmitAgent registers a freshly credentialed agent. When the registry has
// no alive agents left, the world is reset first (extinction rule) and the
// pending slots are dropped with it. Returns the reset flag, the current
// tick, the agent's serialized state, and, after a reset, a fresh world
// snapshot so recovery replay starts from the reset world rather than the
// extinct one.
func (c *Core) AdmitAgent(agentID, name, walletAddress string) (didReset bool, tick int, state, snapshot json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	didReset = c.world.AliveCount() == 0
	if didReset {
		c.world.ResetSession()
		c.pending = map[string]Action{}
	}
	a := c.world.AddAgent(agentID)
	a.Name = name
	a.WalletAddress = walletAddress

	raw, err := json.Marshal(a)
	if err != nil {
		// A fixed struct cannot fail to marshal; log and carry on.
		slog.Error("marshal admitted agent", "agent_id", agentID, "error", err)
	}
	if didReset {
		if blob, err := c.world.Serialize(); err == nil {
			snapshot = blob
		} else {
			slog.Error("serialize reset world", "error", err)
		}
	}
	return didReset, c.world.Tick, raw, snapshot
}

// AddDemoAgent registers a demo agent without the extinction check.
func (c *Core) AddDemoAgent(agentID, name string) (tick int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.world.AddAgent(agentID)
	a.Name = name
	return c.world.Tick
}

// ResetWorld replaces the world with a genesis one and drops all pending
// actions. Returns the tick the old world had reached.
func (c *Core) ResetWorld(size int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldTick := c.world.Tick
	c.world = world.New(size)
	c.pending = map[string]Action{}
	return oldTick
}

// Step resolves one tick: atomically swap the pending slot map for a
// fresh one, run the resolver, then persist outside the world lock. When
// force is false (scheduler path) the tick is skipped entirely while the
// world has no alive agents and nothing pending.
func (c *Core) Step(force bool) (tick int, eventCount int, resolved bool) {
	c.mu.Lock()
	if !force && c.world.AliveCount() == 0 && len(c.pending) == 0 {
		tick = c.world.Tick
		c.mu.Unlock()
		return tick, 0, false
	}

	actions := c.pending
	c.pending = map[string]Action{}
	events := Resolve(c.world, actions)
	tick = c.world.Tick

	// Serialize everything persistence needs while still under the world
	// lock, so the snapshot and agent rows reflect exactly this tick.
	var snapshot []byte
	if c.snapshotEvery > 0 && tick%c.snapshotEvery == 0 {
		if raw, err := c.world.Serialize(); err == nil {
			snapshot = raw
		} else {
			slog.Error("serialize world for snapshot", "tick", tick, "error", err)
		}
	}
	agentStates := make(map[string]json.RawMessage, len(c.world.Agents))
	for id, a := range c.world.Agents {
		if raw, err := json.Marshal(a); err == nil {
			agentStates[id] = raw
		}
	}
	c.mu.Unlock()

	c.persistTick(tick, actions, events, agentStates, snapshot)
	c.dispatchAnchors(events)
	return tick, len(events), true
}

// persistTick writes the tick's records under the db lock. A transient
// failure is retried once; after that it is logged with a correlation id
// and the scheduler moves on — persistence trouble must never kill the
// simulation.
func (c *Core) persistTick(tick int, actions map[string]Action, events []Event, agentStates map[string]json.RawMessage, snapshot []byte) {
	write := func() error {
		err := c.store.AppendEvent(tick, EventTickResolved, "", map[string]any{
			"actions": actions,
			"events":  events,
		})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := c.store.AppendEvent(tick, ev.Type, ev.AgentID, ev.Payload); err != nil {
				return err
			}
		}
		for id, raw := range agentStates {
			key, ok, err := c.store.AgentKey(id)
			if err != nil {
				return err
			}
			if !ok {
				// No credential row (pruned or replay-only agent); skip.
				continue
			}
			if err := c.store.UpsertAgent(id, key, raw); err != nil {
				return err
			}
		}
		if snapshot != nil {
			return c.store.UpsertSnapshot(tick, snapshot)
		}
		return nil
	}

	err := write()
	if err != nil {
		slog.Warn("tick persistence failed, retrying", "tick", tick, "error", err)
		err = write()
	}
	if err != nil {
		slog.Error("tick persistence failed",
			"tick", tick,
			"error", err,
			"correlation_id", uuid.NewString(),
		)
	}
}

// dispatchAnchors hands STATE_ANCHORED hashes to the anchor sink in the
// background. Failures are the sink's problem, not ours.
func (c *Core) dispatchAnchors(events []Event) {
	if c.anchor == nil {
		return
	}
	for _, ev := range events {
		if ev.Type != EventStateAnchored {
			continue
		}
		hash, _ := ev.Payload["state_hash"].(string)
		alive, _ := ev.Payload["alive_agents"].(int)
		tick := ev.Tick
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if !c.anchor.AnchorState(ctx, tick, hash, alive) {
				slog.Warn("state anchor not submitted", "tick", tick)
			}
		}()
	}
}
