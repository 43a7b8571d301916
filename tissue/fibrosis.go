package tissue

import (
	"math"

	"github.com/ojrac/opensimplex-go"
	"gonum.org/v1/gonum/floats"
)

// FibrosisPattern describes a patchy non-conducting region generated from
// coherent noise. The Density fraction of Tissue nodes with the lowest noise
// values become Boundary.
type FibrosisPattern struct {
	Density float64 // 0 disables, 1 blocks everything
	Scale   float64 // noise frequency per node
	Seed    int64

	// Optional half-open box restricting the pattern. Nil means the whole grid.
	Lo, Hi []int
}

// AddFibrosis applies p to the grid and returns the number of nodes turned
// into Boundary. The pattern is deterministic for a given seed.
func (g *Grid) AddFibrosis(p FibrosisPattern) int {
	if p.Density <= 0 {
		return 0
	}
	scale := p.Scale
	if scale <= 0 {
		scale = 0.1
	}
	noise := opensimplex.NewNormalized(p.Seed)

	lo, hi := p.Lo, p.Hi
	if lo == nil || hi == nil {
		lo = make([]int, g.Dims())
		hi = append([]int(nil), g.Shape...)
	}

	var nodes []int
	var values []float64
	g.forEachInBox(lo, hi, func(idx int) {
		if g.Nodes[idx] != Tissue {
			return
		}
		c := g.Coords(idx)
		var v float64
		switch len(c) {
		case 1:
			v = noise.Eval2(float64(c[0])*scale, 0)
		case 2:
			v = noise.Eval2(float64(c[0])*scale, float64(c[1])*scale)
		default:
			v = noise.Eval3(float64(c[0])*scale, float64(c[1])*scale, float64(c[2])*scale)
		}
		nodes = append(nodes, idx)
		values = append(values, v)
	})
	if len(nodes) == 0 {
		return 0
	}

	// Rank by noise value and block the lowest round(Density·n).
	count := len(nodes)
	if p.Density < 1 {
		count = int(math.Round(p.Density * float64(len(nodes))))
	}
	order := make([]int, len(nodes))
	floats.Argsort(values, order)
	for _, k := range order[:count] {
		g.Nodes[nodes[k]] = Boundary
	}
	g.active = nil
	return count
}
