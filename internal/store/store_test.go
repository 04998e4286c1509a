package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAppendAndListEvents(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.AppendEvent(1, "TICK_DONE", "", map[string]any{"tick": 1}))
	require.NoError(t, st.AppendEvent(2, "AGENT_MOVED", "a1", map[string]any{"x": 3, "y": 4}))
	require.NoError(t, st.AppendEvent(2, "TICK_DONE", "", map[string]any{"tick": 2}))

	events, err := st.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, "TICK_DONE", events[0].Type)
	assert.Equal(t, 2, events[0].Tick)
	assert.Equal(t, "AGENT_MOVED", events[1].Type)
	assert.Equal(t, "a1", events[1].AgentID)
	assert.Equal(t, "", events[2].AgentID)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, 3, payload["x"])

	limited, err := st.RecentEvents(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestActionsForTick(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.AppendEvent(5, "ACTION_SUBMITTED", "a1", map[string]any{"type": "gather"}))
	require.NoError(t, st.AppendEvent(5, "ACTION_SUBMITTED", "a2", map[string]any{"type": "rest"}))
	require.NoError(t, st.AppendEvent(5, "ACTION_SUBMITTED", "a1", map[string]any{"type": "move"}))
	require.NoError(t, st.AppendEvent(6, "ACTION_SUBMITTED", "a1", map[string]any{"type": "rest"}))
	require.NoError(t, st.AppendEvent(5, "TICK_DONE", "", map[string]any{}))

	rows, err := st.ActionsForTick(5)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Append order is preserved so replay can apply last-write-wins.
	assert.Equal(t, "a1", rows[0].AgentID)
	assert.Equal(t, "a2", rows[1].AgentID)
	assert.Equal(t, "a1", rows[2].AgentID)
}

func TestMaxResolvedTick(t *testing.T) {
	st := openTestStore(t)

	tick, err := st.MaxResolvedTick()
	require.NoError(t, err)
	assert.Equal(t, 0, tick)

	require.NoError(t, st.AppendEvent(3, "TICK_RESOLVED", "", map[string]any{}))
	require.NoError(t, st.AppendEvent(7, "TICK_RESOLVED", "", map[string]any{}))
	require.NoError(t, st.AppendEvent(9, "TICK_DONE", "", map[string]any{}))

	tick, err = st.MaxResolvedTick()
	require.NoError(t, err)
	assert.Equal(t, 7, tick)
}

func TestSnapshotOneRowPerTick(t *testing.T) {
	st := openTestStore(t)

	_, _, ok, err := st.LatestSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.UpsertSnapshot(10, []byte(`{"tick":10}`)))
	require.NoError(t, st.UpsertSnapshot(10, []byte(`{"tick":10,"v":2}`)))
	require.NoError(t, st.UpsertSnapshot(20, []byte(`{"tick":20}`)))

	tick, state, ok, err := st.LatestSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20, tick)
	assert.JSONEq(t, `{"tick":20}`, string(state))
}

func TestAgentCredentials(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.AgentIDByKey("nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.UpsertAgent("a1", "key-1", map[string]any{"hp": 20}))

	id, ok, err := st.AgentIDByKey("key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", id)

	key, ok, err := st.AgentKey("a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "key-1", key)

	// Upsert replaces state and key for the same agent.
	require.NoError(t, st.UpsertAgent("a1", "key-2", map[string]any{"hp": 12}))
	_, ok, err = st.AgentIDByKey("key-1")
	require.NoError(t, err)
	assert.False(t, ok)
	id, ok, err = st.AgentIDByKey("key-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", id)
}

func TestResetAll(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.AppendEvent(1, "TICK_DONE", "", map[string]any{}))
	require.NoError(t, st.UpsertSnapshot(0, []byte(`{}`)))
	require.NoError(t, st.UpsertAgent("a1", "key-1", map[string]any{}))
	require.NoError(t, st.InsertEntry("demo_1", "a1", "USDC", "1.0"))

	require.NoError(t, st.ResetAll())

	events, err := st.RecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, _, ok, err := st.LatestSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = st.AgentKey("a1")
	require.NoError(t, err)
	assert.False(t, ok)
}
