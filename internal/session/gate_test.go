package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/last-oasis/internal/config"
	"github.com/talgya/last-oasis/internal/engine"
	"github.com/talgya/last-oasis/internal/store"
	"github.com/talgya/last-oasis/internal/world"
)

func newTestGate(t *testing.T, verifier PaymentVerifier) (*Gate, *engine.Core, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		MapSize:          6,
		EntryPriceAsset:  "USDC",
		EntryPriceAmount: "1.0",
		EntryDemoSecret:  "demo",
	}
	if verifier != nil {
		cfg.ChainRPCURL = "http://localhost:8545"
		cfg.EntryFeeContract = "0x00000000000000000000000000000000000000aa"
	}

	core := engine.NewCore(world.New(cfg.MapSize), st, 10, nil)
	return NewGate(core, st, cfg, verifier), core, st
}

type stubVerifier struct {
	paid bool
	err  error
}

func (v *stubVerifier) VerifyPayment(ctx context.Context, txRef, agentAddress string) (bool, error) {
	return v.paid, v.err
}

func hasEvent(t *testing.T, st *store.Store, typ string) bool {
	t.Helper()
	events, err := st.RecentEvents(100)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestQuoteTrustMode(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)
	q := gate.Quote()
	assert.Equal(t, "USDC", q.Asset)
	assert.Equal(t, "1.0", q.Amount)
	assert.Equal(t, "trust", q.Mode)
	assert.Equal(t, "x402", q.Protocol)
	assert.Empty(t, q.Contract)
	assert.Contains(t, q.Instructions, "demo")
}

func TestConfirmTrustMode(t *testing.T) {
	gate, core, st := newTestGate(t, nil)

	adm, err := gate.Confirm(context.Background(), "demo_tx1", "Wanderer", "")
	require.NoError(t, err)
	assert.NotEmpty(t, adm.AgentID)
	assert.NotEmpty(t, adm.APIKey)
	assert.True(t, adm.WorldReset, "first entry into an empty world resets the session")

	core.View(func(w *world.World) {
		a := w.Agents[adm.AgentID]
		require.NotNil(t, a)
		assert.Equal(t, "Wanderer", a.Name)
		assert.True(t, a.Alive)
	})

	id, err := gate.Authenticate(adm.APIKey)
	require.NoError(t, err)
	assert.Equal(t, adm.AgentID, id)

	assert.True(t, hasEvent(t, st, engine.EventAgentEntered))
}

func TestConfirmRejectsBadTxRef(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	_, err := gate.Confirm(context.Background(), "nope_tx1", "X", "")
	assert.ErrorIs(t, err, ErrInvalidTxRef)

	_, err = gate.Confirm(context.Background(), "   ", "X", "")
	assert.ErrorIs(t, err, ErrInvalidTxRef)
}

func TestConfirmChainMode(t *testing.T) {
	verifier := &stubVerifier{paid: true}
	gate, _, _ := newTestGate(t, verifier)

	// Chain mode insists on the paying address.
	_, err := gate.Confirm(context.Background(), "0xabc", "X", "")
	assert.ErrorIs(t, err, ErrMissingAgentAddress)

	adm, err := gate.Confirm(context.Background(), "0xabc", "X", "0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	assert.NotEmpty(t, adm.APIKey)

	verifier.paid = false
	_, err = gate.Confirm(context.Background(), "0xdef", "Y", "0x00000000000000000000000000000000000000bb")
	assert.ErrorIs(t, err, ErrPaymentRequired)

	verifier.err = errors.New("dial tcp: connection refused")
	_, err = gate.Confirm(context.Background(), "0xdef", "Y", "0x00000000000000000000000000000000000000bb")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPaymentRequired)
}

func TestAuthenticate(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	_, err := gate.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = gate.Authenticate("bogus")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtinctionResetOnEntry(t *testing.T) {
	gate, core, st := newTestGate(t, nil)

	first, err := gate.Confirm(context.Background(), "demo_tx1", "First", "")
	require.NoError(t, err)

	// Wear the world down, then kill the only inhabitant.
	for i := 0; i < 12; i++ {
		core.Step(true)
	}
	core.View(func(w *world.World) { w.Agents[first.AgentID].Kill() })

	second, err := gate.Confirm(context.Background(), "demo_tx2", "Second", "")
	require.NoError(t, err)
	assert.True(t, second.WorldReset)

	core.View(func(w *world.World) {
		// The grid is back to genesis and only the newcomer remains.
		assert.Equal(t, world.New(6).Grid, w.Grid)
		assert.Equal(t, []string{second.AgentID}, w.AgentOrder)
		assert.Equal(t, 1, w.AliveCount())
	})

	assert.True(t, hasEvent(t, st, engine.EventWorldResetExtinct))

	// Recovery starts from the reset world, not the extinct one.
	snapTick, _, ok, err := st.LatestSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, snapTick)
}
