// Package world owns the grid, the agent registry, and the derived
// economy state (market price, recent trades, anchor hash). Nothing in
// here locks; the engine core serializes all access under its world lock,
// and the resolver is the only writer.
package world

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Tile is one cell of the grid. Values stay inside their domains
// ([0,1] for degradation and hazard, [0,100] for resource) across every
// tick; Advance clamps on the way out.
type Tile struct {
	Degradation float64 `json:"degradation"`
	Resource    int     `json:"resource"`
	Hazard      float64 `json:"hazard"`
}

// NewTile builds the genesis tile for a coordinate. Both seeds are pure
// hashes of the coordinate, so a regenerated grid is bit-identical to the
// original genesis grid.
func NewTile(x, y int) Tile {
	r := stableUnit(fmt.Sprintf("resource:%d:%d", x, y))
	h := stableUnit(fmt.Sprintf("hazard:%d:%d", x, y))
	return Tile{
		Degradation: 0.0,
		Resource:    int(60 + r*40),
		Hazard:      0.05 + h*0.25,
	}
}

// Advance applies one tick of environmental wear: degradation creeps up,
// hazard follows degradation, and the tile drains resource faster the more
// degraded it is. Lightly degraded tiles still regenerate.
func (t *Tile) Advance(tick int) {
	t.Degradation = clamp01(t.Degradation + 0.006 + float64(tick%7)*0.0005)
	t.Hazard = clamp01(t.Hazard + 0.0015*t.Degradation)

	drain := 1 + int(3*t.Degradation)
	t.Resource -= drain
	if t.Resource < 0 {
		t.Resource = 0
	}
	if t.Degradation < 0.25 && t.Resource < 100 {
		t.Resource++
	}
}

// HazardDamage maps a tile's danger to hp loss for an agent standing on it
// at tick end.
func HazardDamage(hazard, degradation float64) int {
	x := hazard * (0.6 + degradation)
	switch {
	case x < 0.15:
		return 0
	case x < 0.35:
		return 1
	case x < 0.65:
		return 2
	default:
		return 3
	}
}

// stableUnit projects a seed string into [0,1). Every pseudo-random choice
// in the engine goes through this instead of a stateful RNG so that replay
// reproduces identical worlds.
func stableUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n%1_000_000) / 1_000_000.0
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
