package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/talgya/last-oasis/internal/store"
	"github.com/talgya/last-oasis/internal/world"
)

// LoadWorld restores the world from the store on startup: latest snapshot
// plus a deterministic replay of every persisted action up to the last
// resolved tick. With an empty store it creates a genesis world of the
// given size and records its tick-zero snapshot.
func LoadWorld(st *store.Store, size int) (*world.World, error) {
	snapTick, raw, ok, err := st.LatestSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		w := world.New(size)
		blob, err := w.Serialize()
		if err != nil {
			return nil, fmt.Errorf("serialize genesis world: %w", err)
		}
		if err := st.UpsertSnapshot(0, blob); err != nil {
			return nil, fmt.Errorf("write genesis snapshot: %w", err)
		}
		slog.Info("genesis world created", "size", size)
		return w, nil
	}

	w, err := world.Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot at tick %d: %w", snapTick, err)
	}

	maxTick, err := st.MaxResolvedTick()
	if err != nil {
		return nil, err
	}
	for t := snapTick + 1; t <= maxTick; t++ {
		rows, err := st.ActionsForTick(t)
		if err != nil {
			return nil, err
		}
		// Bucket by agent, last write wins, exactly like the live slot map.
		actions := make(map[string]Action, len(rows))
		for _, r := range rows {
			if r.AgentID == "" {
				continue
			}
			var act Action
			if err := json.Unmarshal(r.Payload, &act); err != nil {
				slog.Warn("skipping undecodable action", "tick", t, "agent_id", r.AgentID, "error", err)
				continue
			}
			actions[r.AgentID] = act
		}
		Resolve(w, actions)
	}

	if maxTick > snapTick {
		slog.Info("world replayed", "snapshot_tick", snapTick, "tick", w.Tick)
	} else {
		slog.Info("world restored from snapshot", "tick", w.Tick)
	}
	return w, nil
}
