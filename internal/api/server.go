// Package api exposes the simulation over HTTP: the entry gate, the
// authenticated agent surface, public world views, and the admin control
// plane. Agent endpoints authenticate with the X-Agent-Token header minted
// at entry.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/talgya/last-oasis/internal/chain"
	"github.com/talgya/last-oasis/internal/config"
	"github.com/talgya/last-oasis/internal/engine"
	"github.com/talgya/last-oasis/internal/session"
	"github.com/talgya/last-oasis/internal/store"
	"github.com/talgya/last-oasis/internal/world"
)

const maxDemoAgents = 10

var demoNames = []string{
	"Explorer_A", "Explorer_B", "Scavenger_C", "Nomad_D", "Warden_E",
	"Drifter_F", "Trader_G", "Sentinel_H", "Forager_I", "Outrider_J",
}

// Server serves the simulation over HTTP.
type Server struct {
	Core  *engine.Core
	Gate  *session.Gate
	Store *store.Store
	Cfg   *config.Config
}

// Handler builds the full route table. Split out from Start so tests can
// drive it with httptest.
func (s *Server) Handler() http.Handler {
	entryLimiter := NewRateLimiter(30, time.Minute)

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/entry/quote", s.handleEntryQuote).Methods(http.MethodPost)
	r.HandleFunc("/entry/confirm", entryLimiter.Middleware(s.handleEntryConfirm)).Methods(http.MethodPost)

	r.HandleFunc("/world/observation", s.authed(s.handleObserve)).Methods(http.MethodGet)
	r.HandleFunc("/world/action", s.authed(s.handleAction)).Methods(http.MethodPost)

	r.HandleFunc("/world/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/world/grid", s.handleGrid).Methods(http.MethodGet)
	r.HandleFunc("/world/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/world/market", s.handleMarket).Methods(http.MethodGet)
	r.HandleFunc("/world/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	r.HandleFunc("/world/reputation", s.handleReputation).Methods(http.MethodGet)

	r.HandleFunc("/admin/tick", s.handleAdminTick).Methods(http.MethodPost)
	r.HandleFunc("/admin/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/admin/reset-world", s.handleResetWorld).Methods(http.MethodPost)
	r.HandleFunc("/admin/spawn-demo-agents", s.handleSpawnDemoAgents).Methods(http.MethodPost)
	r.HandleFunc("/admin/dqn-log", s.handleDQNLog).Methods(http.MethodPost)
	r.HandleFunc("/admin/finalize-game", s.handleFinalizeGame).Methods(http.MethodPost)

	return corsMiddleware(r)
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Cfg.Port)
	slog.Info("HTTP API starting", "addr", addr)

	handler := s.Handler()
	go func() {
		if err := http.ListenAndServe(addr, handler); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// corsMiddleware allows localhost dev servers plus any origins named in
// CORS_ORIGINS (comma-separated).
func corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowed[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Agent-Token")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authed resolves the X-Agent-Token header before calling the handler.
func (s *Server) authed(next func(w http.ResponseWriter, r *http.Request, agentID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, err := s.Gate.Authenticate(r.Header.Get("X-Agent-Token"))
		if err != nil {
			switch {
			case errors.Is(err, session.ErrMissingToken):
				writeError(w, http.StatusUnauthorized, "missing_token")
			case errors.Is(err, session.ErrInvalidToken):
				writeError(w, http.StatusUnauthorized, "invalid_token")
			default:
				slog.Error("authenticate", "error", err)
				writeError(w, http.StatusInternalServerError, "internal_error")
			}
			return
		}
		next(w, r, agentID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"tick":   s.Core.CurrentTick(),
	})
}

func (s *Server) handleEntryQuote(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Gate.Quote())
}

func (s *Server) handleEntryConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxRef        string `json:"tx_ref"`
		Name         string `json:"name"`
		AgentAddress string `json:"agent_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	admission, err := s.Gate.Confirm(r.Context(), req.TxRef, req.Name, req.AgentAddress)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidTxRef):
			writeError(w, http.StatusBadRequest, "invalid_tx_ref")
		case errors.Is(err, session.ErrMissingAgentAddress):
			writeError(w, http.StatusBadRequest, "missing_agent_address")
		case errors.Is(err, session.ErrPaymentRequired):
			writeError(w, http.StatusPaymentRequired, "payment_required")
		case errors.Is(err, chain.ErrRPCUnreachable):
			writeError(w, http.StatusBadGateway, "chain_rpc_unreachable")
		default:
			slog.Error("entry confirm", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	writeJSON(w, admission)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request, agentID string) {
	obs := s.Core.Observe(agentID, s.Cfg.ObsRadius)
	if obs == nil {
		writeError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	writeJSON(w, obs)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, agentID string) {
	var act engine.Action
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	tick, err := s.Core.SubmitAction(agentID, act)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAgentNotFound):
			writeError(w, http.StatusNotFound, "agent_not_found")
		case errors.Is(err, engine.ErrAgentDead):
			writeError(w, http.StatusForbidden, "agent_dead")
		default:
			slog.Error("submit action", "agent_id", agentID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	writeJSON(w, map[string]any{"ok": true, "queued_for_tick": tick})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status map[string]any
	s.Core.View(func(ww *world.World) {
		cells := float64(ww.Size * ww.Size)
		status = map[string]any{
			"tick":             ww.Tick,
			"size":             ww.Size,
			"alive_agents":     ww.AliveCount(),
			"total_agents":     len(ww.AgentOrder),
			"market_price":     world.Round(ww.MarketPrice, 3),
			"avg_degradation":  world.Round(ww.TotalDegradation()/cells, 4),
			"last_anchor_tick": ww.LastAnchorTick,
			"state_hash":       ww.StateHash,
		}
	})
	writeJSON(w, status)
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	var out map[string]any
	s.Core.View(func(ww *world.World) {
		tiles := make([]map[string]any, 0, ww.Size*ww.Size)
		for y := 0; y < ww.Size; y++ {
			for x := 0; x < ww.Size; x++ {
				t := ww.TileAt(x, y)
				tiles = append(tiles, map[string]any{
					"x":           x,
					"y":           y,
					"resource":    t.Resource,
					"hazard":      world.Round(t.Hazard, 4),
					"degradation": world.Round(t.Degradation, 4),
				})
			}
		}
		agents := make([]map[string]any, 0, len(ww.AgentOrder))
		for _, id := range ww.AgentOrder {
			a := ww.Agents[id]
			agents = append(agents, map[string]any{
				"agent_id":    a.AgentID,
				"name":        a.Name,
				"x":           a.X,
				"y":           a.Y,
				"hp":          a.HP,
				"alive":       a.Alive,
				"resource":    a.Resource(),
				"score":       a.HP + a.Resource(),
				"trust_score": world.Round(a.TrustScore, 1),
				"betrayals":   a.Betrayals,
			})
		}
		out = map[string]any{"tick": ww.Tick, "size": ww.Size, "tiles": tiles, "agents": agents}
	})
	writeJSON(w, out)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	var out map[string]any
	s.Core.View(func(ww *world.World) {
		agents := make([]map[string]any, 0, len(ww.AgentOrder))
		for _, id := range ww.AgentOrder {
			a := ww.Agents[id]
			agents = append(agents, map[string]any{
				"agent_id":  a.AgentID,
				"x":         a.X,
				"y":         a.Y,
				"hp":        a.HP,
				"alive":     a.Alive,
				"inventory": a.Inventory,
			})
		}
		out = map[string]any{"tick": ww.Tick, "agents": agents}
	})
	writeJSON(w, out)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	var out map[string]any
	s.Core.View(func(ww *world.World) {
		agentRes := 0
		for _, id := range ww.AgentOrder {
			if a := ww.Agents[id]; a.Alive {
				agentRes += a.Resource()
			}
		}
		cells := float64(ww.Size * ww.Size)
		out = map[string]any{
			"tick":                  ww.Tick,
			"market_price":          world.Round(ww.MarketPrice, 3),
			"total_world_resources": ww.TotalResources(),
			"total_agent_resources": agentRes,
			"avg_degradation":       world.Round(ww.TotalDegradation()/cells, 4),
			"recent_trades_count":   len(ww.RecentTrades),
		}
	})
	writeJSON(w, out)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	type repEntry struct {
		AgentID    string  `json:"agent_id"`
		Name       string  `json:"name,omitempty"`
		TrustScore float64 `json:"trust_score"`
		Betrayals  int     `json:"betrayals"`
		TradeCount int     `json:"trade_count"`
		Alive      bool    `json:"alive"`
	}
	var tick int
	entries := []repEntry{}
	s.Core.View(func(ww *world.World) {
		tick = ww.Tick
		for _, id := range ww.AgentOrder {
			a := ww.Agents[id]
			entries = append(entries, repEntry{
				AgentID:    a.AgentID,
				Name:       a.Name,
				TrustScore: world.Round(a.TrustScore, 1),
				Betrayals:  a.Betrayals,
				TradeCount: len(a.TradeHistory),
				Alive:      a.Alive,
			})
		}
	})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TrustScore > entries[j].TrustScore
	})
	writeJSON(w, map[string]any{"tick": tick, "items": entries})
}

type leaderboardEntry struct {
	AgentID    string  `json:"agent_id"`
	Name       string  `json:"name,omitempty"`
	Alive      bool    `json:"alive"`
	HP         int     `json:"hp"`
	Resources  int     `json:"resources"`
	Score      int     `json:"score"`
	TrustScore float64 `json:"trust_score"`
	Betrayals  int     `json:"betrayals"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries := s.standings()
	if len(entries) > 20 {
		entries = entries[:20]
	}
	writeJSON(w, map[string]any{"tick": s.Core.CurrentTick(), "leaderboard": entries})
}

// standings snapshots all agents, the living ranked above the dead,
// then by score (hp plus hoarded resources), trust as the tiebreaker.
func (s *Server) standings() []leaderboardEntry {
	entries := []leaderboardEntry{}
	s.Core.View(func(ww *world.World) {
		for _, id := range ww.AgentOrder {
			a := ww.Agents[id]
			entries = append(entries, leaderboardEntry{
				AgentID:    a.AgentID,
				Name:       a.Name,
				Alive:      a.Alive,
				HP:         a.HP,
				Resources:  a.Resource(),
				Score:      a.HP + a.Resource(),
				TrustScore: world.Round(a.TrustScore, 1),
				Betrayals:  a.Betrayals,
			})
		}
	})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Alive != entries[j].Alive {
			return entries[i].Alive
		}
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].TrustScore > entries[j].TrustScore
	})
	return entries
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n >= 1 && n <= 200 {
			limit = n
		}
	}

	events, err := s.Store.RecentEvents(limit)
	if err != nil {
		slog.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, map[string]any{"items": events})
}

// handleAdminTick forces one tick through the same path the scheduler
// uses, so a paused or slow world can be driven by hand.
func (s *Server) handleAdminTick(w http.ResponseWriter, r *http.Request) {
	tick, events, _ := s.Core.Step(true)
	writeJSON(w, map[string]any{"ok": true, "tick": tick, "events": events})
}

func (s *Server) handleResetWorld(w http.ResponseWriter, r *http.Request) {
	size := s.Cfg.MapSize
	var req struct {
		Size int `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Size > 0 {
		size = req.Size
	}

	previousTick := s.Core.ResetWorld(size)
	if err := s.Store.ResetAll(); err != nil {
		slog.Error("reset store", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	var genesis []byte
	s.Core.View(func(ww *world.World) {
		genesis, _ = ww.Serialize()
	})
	if genesis != nil {
		if err := s.Store.UpsertSnapshot(0, genesis); err != nil {
			slog.Error("snapshot genesis world", "error", err)
		}
	}
	err := s.Store.AppendEvent(0, engine.EventWorldReset, "", map[string]any{
		"previous_tick": previousTick,
		"size":          size,
	})
	if err != nil {
		slog.Error("record world reset", "error", err)
	}

	slog.Info("world reset by admin", "previous_tick", previousTick, "size", size)
	writeJSON(w, map[string]any{"status": "reset", "previous_tick": previousTick, "size": size})
}

func (s *Server) handleSpawnDemoAgents(w http.ResponseWriter, r *http.Request) {
	count := 3
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Count > 0 {
		count = req.Count
	}
	if count > maxDemoAgents {
		count = maxDemoAgents
	}

	type spawned struct {
		AgentID string `json:"agent_id"`
		Name    string `json:"name"`
	}
	result := make([]spawned, 0, count)
	var tick int
	for i := 0; i < count; i++ {
		id := "demo_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		key := strings.ReplaceAll(uuid.NewString(), "-", "")
		name := demoNames[i%len(demoNames)]
		tick = s.Core.AddDemoAgent(id, name)

		// Demo agents get real credentials so their state is persisted
		// like any paying entrant.
		if err := s.Store.UpsertAgent(id, key, map[string]any{}); err != nil {
			slog.Error("register demo agent", "agent_id", id, "error", err)
		}
		if err := s.Store.InsertEntry("demo_"+id, id, "DEMO", "0"); err != nil {
			slog.Error("record demo entry row", "agent_id", id, "error", err)
		}
		err := s.Store.AppendEvent(tick, engine.EventAgentEntered, id, map[string]any{
			"name": name,
			"demo": true,
		})
		if err != nil {
			slog.Error("record demo entry", "agent_id", id, "error", err)
		}
		result = append(result, spawned{AgentID: id, Name: name})
	}

	slog.Info("demo agents spawned", "count", count, "tick", tick)
	writeJSON(w, map[string]any{"spawned": result, "tick": tick})
}

// tail keeps the last n elements of a JSON array value.
func tail(v any, n int) []any {
	list, _ := v.([]any)
	if list == nil {
		return []any{}
	}
	if len(list) > n {
		list = list[len(list)-n:]
	}
	return list
}

func numOr(v any, fallback float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return fallback
}

func (s *Server) handleDQNLog(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	agentID, _ := payload["agent_id"].(string)

	// Training telemetry can grow without bound; keep only the recent tail.
	trimmed := map[string]any{
		"agent_id":        agentID,
		"mistakes":        tail(payload["mistakes"], 20),
		"episode_rewards": tail(payload["episode_rewards"], 50),
		"loss_history":    tail(payload["loss_history"], 50),
		"step_count":      numOr(payload["step_count"], 0),
		"epsilon":         numOr(payload["epsilon"], 1.0),
		"total_reward":    numOr(payload["total_reward"], 0),
	}

	if err := s.Store.AppendEvent(s.Core.CurrentTick(), engine.EventDQNLog, agentID, trimmed); err != nil {
		slog.Error("record dqn log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, map[string]any{"status": "logged"})
}

const zeroAddress = "0x0000000000000000000000000000000000000000"

func (s *Server) handleFinalizeGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Survivors []map[string]any `json:"survivors"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	tick := s.Core.CurrentTick()
	survivors := req.Survivors
	if len(survivors) == 0 {
		// Caller did not settle payouts; default to the agents still
		// standing, with no payout address.
		s.Core.View(func(ww *world.World) {
			for _, id := range ww.AgentOrder {
				if a := ww.Agents[id]; a.Alive {
					survivors = append(survivors, map[string]any{
						"address":  zeroAddress,
						"agent_id": a.AgentID,
						"ticks":    tick,
					})
				}
			}
		})
	}

	entries := s.standings()
	winnerID := ""
	if len(entries) > 0 {
		winnerID = entries[0].AgentID
	}

	err := s.Store.AppendEvent(tick, engine.EventGameFinalized, "", map[string]any{
		"survivors": survivors,
		"end_tick":  tick,
	})
	if err != nil {
		slog.Error("record game finalized", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	slog.Info("game finalized", "tick", tick, "survivors", len(survivors))
	writeJSON(w, map[string]any{
		"status":    "finalized",
		"tick":      tick,
		"survivors": len(survivors),
		"winner_id": winnerID,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
