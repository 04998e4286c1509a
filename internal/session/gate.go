// Package session implements the entry gate: payment verification,
// credential minting, and token authentication for the request surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/talgya/last-oasis/internal/config"
	"github.com/talgya/last-oasis/internal/engine"
	"github.com/talgya/last-oasis/internal/store"
)

// Gate errors, mapped to response codes at the HTTP boundary.
var (
	ErrMissingToken        = errors.New("missing_token")
	ErrInvalidToken        = errors.New("invalid_token")
	ErrInvalidTxRef        = errors.New("invalid_tx_ref")
	ErrMissingAgentAddress = errors.New("missing_agent_address")
	ErrPaymentRequired     = errors.New("payment_required")
)

// PaymentVerifier answers whether a tx reference corresponds to a settled
// entry fee. Satisfied by chain.EntryFeeVerifier.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, txRef, agentAddress string) (bool, error)
}

// Gate admits agents into the world after their entry fee checks out.
type Gate struct {
	core     *engine.Core
	store    *store.Store
	cfg      *config.Config
	verifier PaymentVerifier
}

// NewGate wires the gate. verifier may be nil, which forces trust mode.
func NewGate(core *engine.Core, st *store.Store, cfg *config.Config, verifier PaymentVerifier) *Gate {
	return &Gate{core: core, store: st, cfg: cfg, verifier: verifier}
}

// Quote is the advertised entry price.
type Quote struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Protocol string `json:"protocol"`
	Mode     string `json:"mode"`
	// Contract is set in chain mode so clients know where to pay.
	Contract     string         `json:"contract,omitempty"`
	Instructions map[string]any `json:"instructions"`
}

// Quote returns the current entry price and payment mode.
func (g *Gate) Quote() Quote {
	q := Quote{
		Asset:    g.cfg.EntryPriceAsset,
		Amount:   g.cfg.EntryPriceAmount,
		Protocol: "x402",
		Mode:     "trust",
		Instructions: map[string]any{
			"demo": map[string]any{
				"confirm_endpoint": "/entry/confirm",
				"tx_ref_format":    g.cfg.EntryDemoSecret + "_<anything>",
			},
		},
	}
	if g.chainMode() {
		q.Mode = "chain"
		q.Contract = g.cfg.EntryFeeContract
		q.Instructions = map[string]any{
			"chain": map[string]any{
				"confirm_endpoint": "/entry/confirm",
				"pay_to_contract":  g.cfg.EntryFeeContract,
			},
		}
	}
	return q
}

// Admission is the result of a confirmed entry.
type Admission struct {
	AgentID    string `json:"agent_id"`
	APIKey     string `json:"api_key"`
	Tick       int    `json:"tick"`
	WorldReset bool   `json:"world_reset"`
}

// Confirm verifies the entry payment, mints credentials, and admits the
// agent into the world. When the world has no alive agents left, admission
// triggers a session reset first.
func (g *Gate) Confirm(ctx context.Context, txRef, name, agentAddress string) (Admission, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return Admission{}, ErrInvalidTxRef
	}

	if g.chainMode() {
		if strings.TrimSpace(agentAddress) == "" {
			return Admission{}, ErrMissingAgentAddress
		}
		paid, err := g.verifier.VerifyPayment(ctx, txRef, agentAddress)
		if err != nil {
			return Admission{}, err
		}
		if !paid {
			return Admission{}, ErrPaymentRequired
		}
	} else if !strings.HasPrefix(txRef, g.cfg.EntryDemoSecret+"_") {
		return Admission{}, ErrInvalidTxRef
	}

	agentID := "agent_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	token := strings.ReplaceAll(uuid.NewString(), "-", "")

	didReset, tick, state, snapshot := g.core.AdmitAgent(agentID, name, agentAddress)

	if didReset {
		err := g.store.AppendEvent(tick, engine.EventWorldResetExtinct, "", map[string]any{
			"reason": "no_alive_agents",
		})
		if err != nil {
			slog.Error("record extinction reset", "error", err)
		}
		if snapshot != nil {
			if err := g.store.UpsertSnapshot(tick, []byte(snapshot)); err != nil {
				slog.Error("snapshot reset world", "error", err)
			}
		}
	}
	if err := g.store.UpsertAgent(agentID, token, state); err != nil {
		return Admission{}, fmt.Errorf("persist agent: %w", err)
	}
	if err := g.store.InsertEntry(txRef, agentID, g.cfg.EntryPriceAsset, g.cfg.EntryPriceAmount); err != nil {
		return Admission{}, fmt.Errorf("persist entry: %w", err)
	}
	err := g.store.AppendEvent(tick, engine.EventAgentEntered, agentID, map[string]any{
		"name":        name,
		"tx_ref":      txRef,
		"paid_asset":  g.cfg.EntryPriceAsset,
		"paid_amount": g.cfg.EntryPriceAmount,
	})
	if err != nil {
		slog.Error("record agent entry", "agent_id", agentID, "error", err)
	}

	slog.Info("agent admitted", "agent_id", agentID, "name", name, "world_reset", didReset)
	return Admission{AgentID: agentID, APIKey: token, Tick: tick, WorldReset: didReset}, nil
}

// Authenticate resolves an agent token to its agent id.
func (g *Gate) Authenticate(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	id, ok, err := g.store.AgentIDByKey(token)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	if !ok {
		return "", ErrInvalidToken
	}
	return id, nil
}

func (g *Gate) chainMode() bool {
	return g.verifier != nil && g.cfg.ChainEntryMode()
}
