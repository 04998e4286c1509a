package world

import (
	"fmt"
	"math"
)

// Spawn ring around the grid centre: candidates are accepted when their
// squared distance from centre falls in [inner², outer²].
const (
	spawnInnerRadius = 2
	spawnOuterRadius = 3
	spawnAttempts    = 8
)

// recentTradeCap bounds the betrayal-detection window.
const recentTradeCap = 20

// betrayalWindowTicks is how far back a trade still counts as recent when
// deciding whether an attack is a betrayal.
const betrayalWindowTicks = 10

// RecentTrade is one entry in the world-level trade window.
type RecentTrade struct {
	Tick     int    `json:"tick"`
	AgentID  string `json:"agent_id"`
	TargetID string `json:"target_id"`
	Amount   int    `json:"amount"`
}

// World is the complete simulation state. The agent registry keeps an
// explicit insertion-order slice because resolution order must be stable
// and Go map iteration is not.
type World struct {
	Size           int               `json:"size"`
	Tick           int               `json:"tick"`
	Grid           [][]Tile          `json:"grid"` // indexed [y][x]
	AgentOrder     []string          `json:"agent_order"`
	Agents         map[string]*Agent `json:"agents"`
	MarketPrice    float64           `json:"market_price"`
	RecentTrades   []RecentTrade     `json:"recent_trades"`
	LastAnchorTick int               `json:"last_anchor_tick"`
	StateHash      string            `json:"state_hash"`
}

// New creates a genesis world at tick 0.
func New(size int) *World {
	w := &World{
		Size:         size,
		MarketPrice:  1.0,
		AgentOrder:   []string{},
		Agents:       map[string]*Agent{},
		RecentTrades: []RecentTrade{},
	}
	w.regenerateGrid()
	return w
}

func (w *World) regenerateGrid() {
	grid := make([][]Tile, w.Size)
	for y := 0; y < w.Size; y++ {
		row := make([]Tile, w.Size)
		for x := 0; x < w.Size; x++ {
			row[x] = NewTile(x, y)
		}
		grid[y] = row
	}
	w.Grid = grid
}

// InBounds reports whether (x, y) is inside the grid.
func (w *World) InBounds(x, y int) bool {
	return x >= 0 && x < w.Size && y >= 0 && y < w.Size
}

// TileAt returns the tile at (x, y). Callers must check bounds first.
func (w *World) TileAt(x, y int) *Tile {
	return &w.Grid[y][x]
}

// AddAgent registers a new agent near the grid centre using deterministic
// ring sampling: up to 8 hash-seeded candidate offsets, first one landing
// in the spawn annulus wins, otherwise the last candidate stands.
func (w *World) AddAgent(id string) *Agent {
	cx := w.Size/2 - 1
	cy := w.Size/2 - 1

	x, y := w.spawnCandidate(id, 0, cx, cy)
	for attempt := 1; attempt < spawnAttempts; attempt++ {
		dx, dy := x-cx, y-cy
		dist2 := dx*dx + dy*dy
		if dist2 >= spawnInnerRadius*spawnInnerRadius && dist2 <= spawnOuterRadius*spawnOuterRadius {
			break
		}
		x, y = w.spawnCandidate(id, attempt, cx, cy)
	}

	a := newAgent(id, x, y)
	w.Agents[id] = a
	w.AgentOrder = append(w.AgentOrder, id)
	return a
}

func (w *World) spawnCandidate(id string, attempt, cx, cy int) (int, int) {
	sx := stableUnit(fmtSeed("spawnx", id, attempt))
	sy := stableUnit(fmtSeed("spawny", id, attempt))
	x := cx + int((sx-0.5)*2*spawnOuterRadius)
	y := cy + int((sy-0.5)*2*spawnOuterRadius)
	if x < 0 {
		x = 0
	} else if x >= w.Size {
		x = w.Size - 1
	}
	if y < 0 {
		y = 0
	} else if y >= w.Size {
		y = w.Size - 1
	}
	return x, y
}

// ResetSession regenerates the grid from its genesis seeds and clears the
// agent registry. Used by the session gate when extinction is observed at
// entry time.
func (w *World) ResetSession() {
	w.regenerateGrid()
	w.Agents = map[string]*Agent{}
	w.AgentOrder = []string{}
}

// AliveCount returns the number of alive agents.
func (w *World) AliveCount() int {
	n := 0
	for _, id := range w.AgentOrder {
		if w.Agents[id].Alive {
			n++
		}
	}
	return n
}

// TotalResources sums resource across the whole grid.
func (w *World) TotalResources() int {
	total := 0
	for y := range w.Grid {
		for x := range w.Grid[y] {
			total += w.Grid[y][x].Resource
		}
	}
	return total
}

// TotalDegradation sums degradation across the whole grid.
func (w *World) TotalDegradation() float64 {
	total := 0.0
	for y := range w.Grid {
		for x := range w.Grid[y] {
			total += w.Grid[y][x].Degradation
		}
	}
	return total
}

// CalculateMarketPrice derives the resource price from scarcity and average
// degradation. Base 1.0, capped at 5.0; monotone in both inputs.
func (w *World) CalculateMarketPrice() float64 {
	maxResources := float64(w.Size * w.Size * 100)
	scarcity := 1.0 - float64(w.TotalResources())/maxResources
	avgDegradation := w.TotalDegradation() / float64(w.Size*w.Size)

	price := 1.0 * (1 + scarcity*2.5) * (1 + avgDegradation*1.5)
	return math.Min(5.0, price)
}

// RecordRecentTrade appends to the betrayal-detection window, keeping only
// the most recent entries.
func (w *World) RecordRecentTrade(rec RecentTrade) {
	w.RecentTrades = append(w.RecentTrades, rec)
	if len(w.RecentTrades) > recentTradeCap {
		w.RecentTrades = w.RecentTrades[len(w.RecentTrades)-recentTradeCap:]
	}
}

// DetectBetrayal reports whether the attacker traded with the victim, in
// either direction, within the last 10 ticks.
func (w *World) DetectBetrayal(attackerID, victimID string) bool {
	for _, tr := range w.RecentTrades {
		if w.Tick-tr.Tick > betrayalWindowTicks {
			continue
		}
		if (tr.AgentID == attackerID && tr.TargetID == victimID) ||
			(tr.AgentID == victimID && tr.TargetID == attackerID) {
			return true
		}
	}
	return false
}

// Round rounds to the given number of decimal places. Event payloads and
// read-outs round consistently so replayed logs match live ones.
func Round(x float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(x*p) / p
}

func fmtSeed(label, id string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", label, id, attempt)
}
