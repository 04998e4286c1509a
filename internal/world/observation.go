package world

// TileView is one visible tile in an observation.
type TileView struct {
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Degradation float64 `json:"degradation"`
	Resource    int     `json:"resource"`
	Hazard      float64 `json:"hazard"`
}

// AgentView is the public projection of another agent.
type AgentView struct {
	AgentID    string  `json:"agent_id"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	HP         int     `json:"hp"`
	TrustScore float64 `json:"trust_score"`
}

// Observation is what an agent sees: its own full state, tiles within
// Chebyshev radius R, nearby agents, and world-level aggregates. All parts
// reflect the same tick.
type Observation struct {
	Tick         int         `json:"tick"`
	Radius       int         `json:"radius"`
	Agent        *Agent      `json:"agent"`
	Tiles        []TileView  `json:"tiles"`
	NearbyAgents []AgentView `json:"nearby_agents"`
	AllAgents    []AgentView `json:"all_agents"`
	AliveAgents  int         `json:"alive_agents"`
	MarketPrice  float64     `json:"market_price"`
}

// Observe extracts the observation for agentID, or nil when the agent is
// not registered. Dead callers get an empty view of the surroundings.
func (w *World) Observe(agentID string, radius int) *Observation {
	agent, ok := w.Agents[agentID]
	if !ok {
		return nil
	}

	// The snapshot must stay valid after the world lock is released, so
	// the caller gets a deep copy, never the live agent.
	obs := &Observation{
		Tick:         w.Tick,
		Radius:       radius,
		Agent:        agent.Clone(),
		Tiles:        []TileView{},
		NearbyAgents: []AgentView{},
		AllAgents:    []AgentView{},
		AliveAgents:  w.AliveCount(),
		MarketPrice:  Round(w.MarketPrice, 3),
	}
	if !agent.Alive {
		return obs
	}

	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			x, y := agent.X+dx, agent.Y+dy
			if !w.InBounds(x, y) {
				continue
			}
			t := w.TileAt(x, y)
			obs.Tiles = append(obs.Tiles, TileView{
				X:           x,
				Y:           y,
				Degradation: t.Degradation,
				Resource:    t.Resource,
				Hazard:      t.Hazard,
			})
		}
	}

	for _, id := range w.AgentOrder {
		other := w.Agents[id]
		if id == agentID || !other.Alive {
			continue
		}
		view := AgentView{
			AgentID:    other.AgentID,
			X:          other.X,
			Y:          other.Y,
			HP:         other.HP,
			TrustScore: Round(other.TrustScore, 1),
		}
		obs.AllAgents = append(obs.AllAgents, view)
		if abs(other.X-agent.X) <= radius && abs(other.Y-agent.Y) <= radius {
			obs.NearbyAgents = append(obs.NearbyAgents, view)
		}
	}
	return obs
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
