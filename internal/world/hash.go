package world

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// The anchor hash covers a canonical projection of the world: tick, every
// agent's position/vitals/resource/trust (2 decimal places), and the grid
// totals. encoding/json writes map keys in lexicographic order, which
// fixes the byte stream; this is the one canonical encoding and it must
// not change, or historical anchors stop verifying.

type anchorAgent struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	HP        int     `json:"hp"`
	Resources int     `json:"resources"`
	Alive     bool    `json:"alive"`
	Trust     float64 `json:"trust"`
}

type anchorProjection struct {
	Tick             int                    `json:"tick"`
	Agents           map[string]anchorAgent `json:"agents"`
	TotalDegradation float64                `json:"total_degradation"`
	TotalResources   int                    `json:"total_resources"`
}

// ComputeStateHash returns the lowercase hex SHA-256 of the canonical
// state projection.
func (w *World) ComputeStateHash() string {
	proj := anchorProjection{
		Tick:             w.Tick,
		Agents:           make(map[string]anchorAgent, len(w.Agents)),
		TotalDegradation: w.TotalDegradation(),
		TotalResources:   w.TotalResources(),
	}
	for id, a := range w.Agents {
		proj.Agents[id] = anchorAgent{
			X:         a.X,
			Y:         a.Y,
			HP:        a.HP,
			Resources: a.Resource(),
			Alive:     a.Alive,
			Trust:     Round(a.TrustScore, 2),
		}
	}

	// Marshal of a fixed struct cannot fail.
	raw, _ := json.Marshal(proj)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Serialize returns the full world state in its snapshot encoding. Replay
// equality is byte equality of this form.
func (w *World) Serialize() ([]byte, error) {
	return json.Marshal(w)
}

// Deserialize rebuilds a world from its snapshot encoding.
func Deserialize(raw []byte) (*World, error) {
	var w World
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}
