package world

// MaxHP is the vital ceiling for every agent.
const MaxHP = 20

// tradeHistoryCap bounds each agent's personal trade log.
const tradeHistoryCap = 50

// TradeRecord is one entry in an agent's personal trade history.
type TradeRecord struct {
	Tick    int     `json:"tick"`
	Partner string  `json:"partner"`
	Amount  int     `json:"amount"`
	Value   float64 `json:"value"`
	Role    string  `json:"role"` // "giver" or "receiver"
}

// Agent is one registered participant. Dead agents stay in the registry as
// read-only tombstones until the next world reset.
type Agent struct {
	AgentID       string `json:"agent_id"`
	Name          string `json:"name,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`

	X     int  `json:"x"`
	Y     int  `json:"y"`
	HP    int  `json:"hp"`
	Alive bool `json:"alive"`

	// Only the "resource" key is recognized.
	Inventory map[string]int `json:"inventory"`

	TrustScore   float64       `json:"trust_score"`
	TradeHistory []TradeRecord `json:"trade_history"`
	Betrayals    int           `json:"betrayals"`
	Alliances    []string      `json:"alliances"`
}

func newAgent(id string, x, y int) *Agent {
	return &Agent{
		AgentID:      id,
		X:            x,
		Y:            y,
		HP:           MaxHP,
		Alive:        true,
		Inventory:    map[string]int{"resource": 0},
		TrustScore:   100.0,
		TradeHistory: []TradeRecord{},
		Alliances:    []string{},
	}
}

// Resource returns the agent's resource inventory.
func (a *Agent) Resource() int {
	return a.Inventory["resource"]
}

// AddResource adjusts the agent's resource inventory by delta.
func (a *Agent) AddResource(delta int) {
	a.Inventory["resource"] += delta
}

// AdjustTrust applies a clamped reputation change and returns the score
// before and after.
func (a *Agent) AdjustTrust(change float64) (old, updated float64) {
	old = a.TrustScore
	a.TrustScore += change
	if a.TrustScore < 0 {
		a.TrustScore = 0
	}
	if a.TrustScore > 100 {
		a.TrustScore = 100
	}
	return old, a.TrustScore
}

// RecordTrade appends to the agent's trade history, keeping only the most
// recent entries.
func (a *Agent) RecordTrade(rec TradeRecord) {
	a.TradeHistory = append(a.TradeHistory, rec)
	if len(a.TradeHistory) > tradeHistoryCap {
		a.TradeHistory = a.TradeHistory[len(a.TradeHistory)-tradeHistoryCap:]
	}
}

// Clone deep-copies the agent so callers can hold it outside the world
// lock.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Inventory = make(map[string]int, len(a.Inventory))
	for k, v := range a.Inventory {
		c.Inventory[k] = v
	}
	c.TradeHistory = append([]TradeRecord{}, a.TradeHistory...)
	c.Alliances = append([]string{}, a.Alliances...)
	return &c
}

// Kill marks the agent dead. The transition is one-way until world reset.
func (a *Agent) Kill() {
	a.HP = 0
	a.Alive = false
}
