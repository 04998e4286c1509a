// Command oasisd runs the Last Oasis survival world: a persistent grid
// simulation where paying agents gather, trade, and fight while the
// environment degrades around them.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/talgya/last-oasis/internal/api"
	"github.com/talgya/last-oasis/internal/chain"
	"github.com/talgya/last-oasis/internal/config"
	"github.com/talgya/last-oasis/internal/engine"
	"github.com/talgya/last-oasis/internal/session"
	"github.com/talgya/last-oasis/internal/store"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Last Oasis — persistent survival world")

	// ── Database ──────────────────────────────────────────────────────
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── World: snapshot + replay, or genesis ──────────────────────────
	w, err := engine.LoadWorld(st, cfg.MapSize)
	if err != nil {
		slog.Error("failed to load world", "error", err)
		os.Exit(1)
	}

	// ── Chain collaborators (optional) ────────────────────────────────
	var verifier session.PaymentVerifier
	if cfg.ChainEntryMode() {
		v, err := chain.NewEntryFeeVerifier(cfg.ChainRPCURL, cfg.EntryFeeContract)
		if err != nil {
			slog.Error("failed to build entry fee verifier", "error", err)
			os.Exit(1)
		}
		verifier = v
		slog.Info("entry fees verified on chain", "contract", cfg.EntryFeeContract)
	} else {
		slog.Info("entry fees in trust mode", "secret_prefix", cfg.EntryDemoSecret+"_")
	}

	var anchor engine.AnchorSink
	if cfg.AnchorEnabled() {
		a, err := chain.NewStateAnchor(cfg.ChainRPCURL, cfg.StateAnchorContract, cfg.OracleKey)
		if err != nil {
			slog.Error("failed to build state anchor", "error", err)
			os.Exit(1)
		}
		anchor = a
		slog.Info("state anchoring enabled", "contract", cfg.StateAnchorContract)
	}

	// ── Core + gate + HTTP ────────────────────────────────────────────
	core := engine.NewCore(w, st, cfg.SnapshotEveryTicks, anchor)
	gate := session.NewGate(core, st, cfg, verifier)

	err = st.AppendEvent(core.CurrentTick(), engine.EventWorldStarted, "", map[string]any{
		"size":          cfg.MapSize,
		"tick_interval": cfg.TickInterval.String(),
	})
	if err != nil {
		slog.Error("record world start", "error", err)
	}

	server := &api.Server{Core: core, Gate: gate, Store: st, Cfg: cfg}
	server.Start()

	// ── Tick loop until interrupted ───────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := engine.NewScheduler(core, cfg.TickInterval)
	scheduler.Run(ctx)

	slog.Info("shutdown complete", "tick", core.CurrentTick())
}
