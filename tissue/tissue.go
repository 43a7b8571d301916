// Package tissue holds the tissue grid, its active index set, the stencil
// builder and the explicit diffusion update.
package tissue

import (
	"math"

	"github.com/pthm-cable/cardio/simerr"
)

// NodeType classifies a grid node.
type NodeType uint8

const (
	Empty    NodeType = iota // outside the tissue
	Tissue                   // excitable myocardium
	Boundary                 // non-conducting obstacle (scar, fibrosis)
)

func (n NodeType) String() string {
	switch n {
	case Empty:
		return "empty"
	case Tissue:
		return "tissue"
	case Boundary:
		return "boundary"
	default:
		return "invalid"
	}
}

// MaxDims is the highest supported grid dimension.
const MaxDims = 3

// fiberTolerance bounds |‖f‖ - 1| for fiber vectors on tissue nodes.
const fiberTolerance = 1e-6

// Grid is an N-dimensional structured tissue mesh. Nodes are stored
// row-major with the last axis varying fastest. A grid is built once and
// must not change after the active index set has been read.
type Grid struct {
	Shape []int
	Nodes []NodeType

	// Fibers holds one vector per node (len = Len()*Dims()), or nil.
	Fibers []float64

	strides []int
	active  []int
}

// New creates a grid of the given shape with every node set to Tissue.
func New(shape ...int) (*Grid, error) {
	if len(shape) == 0 || len(shape) > MaxDims {
		return nil, simerr.Configf("grid", "shape", simerr.ErrInvalidShape, "%d dimensions", len(shape))
	}
	n := 1
	for axis, ext := range shape {
		if ext <= 0 {
			return nil, simerr.Configf("grid", "shape", simerr.ErrInvalidShape, "extent %d on axis %d", ext, axis)
		}
		n *= ext
	}

	g := &Grid{
		Shape:   append([]int(nil), shape...),
		Nodes:   make([]NodeType, n),
		strides: make([]int, len(shape)),
	}
	stride := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		g.strides[axis] = stride
		stride *= shape[axis]
	}
	for i := range g.Nodes {
		g.Nodes[i] = Tissue
	}
	return g, nil
}

// Dims returns the number of spatial dimensions.
func (g *Grid) Dims() int { return len(g.Shape) }

// Len returns the total number of nodes in the bounding box.
func (g *Grid) Len() int { return len(g.Nodes) }

// Strides returns the flat-index stride of each axis.
func (g *Grid) Strides() []int { return g.strides }

// Index flattens node coordinates. Coordinates are not bounds-checked.
func (g *Grid) Index(coords ...int) int {
	idx := 0
	for axis, c := range coords {
		idx += c * g.strides[axis]
	}
	return idx
}

// Coords expands a flat index into coordinates.
func (g *Grid) Coords(idx int) []int {
	out := make([]int, len(g.Shape))
	for axis, s := range g.strides {
		out[axis] = idx / s
		idx %= s
	}
	return out
}

// InBounds reports whether coords lie inside the grid.
func (g *Grid) InBounds(coords []int) bool {
	if len(coords) != len(g.Shape) {
		return false
	}
	for axis, c := range coords {
		if c < 0 || c >= g.Shape[axis] {
			return false
		}
	}
	return true
}

// IsActive reports whether the node at idx takes part in the computation.
func (g *Grid) IsActive(idx int) bool {
	return g.Nodes[idx] == Tissue
}

// SetRegion sets every node in the half-open box [lo, hi) to t. The box is
// clipped to the grid.
func (g *Grid) SetRegion(lo, hi []int, t NodeType) {
	g.forEachInBox(lo, hi, func(idx int) {
		g.Nodes[idx] = t
	})
	g.active = nil
}

// AddBoundaries marks the outermost layer of the grid as Empty, giving the
// tissue a closed zero-flux border.
func (g *Grid) AddBoundaries() {
	coords := make([]int, len(g.Shape))
	for idx := range g.Nodes {
		for axis, s := range g.strides {
			coords[axis] = (idx / s) % g.Shape[axis]
		}
		for axis, c := range coords {
			if c == 0 || c == g.Shape[axis]-1 {
				g.Nodes[idx] = Empty
				break
			}
		}
	}
	g.active = nil
}

// SetFibers installs a fiber field. f holds Dims() components per node.
func (g *Grid) SetFibers(f []float64) error {
	if len(f) != g.Len()*g.Dims() {
		return simerr.Configf("grid", "fibers", simerr.ErrFiberShape,
			"got %d components, want %d", len(f), g.Len()*g.Dims())
	}
	g.Fibers = f
	return g.validateFibers()
}

// SetUniformFibers assigns the same in-plane fiber direction to every node.
// angle is measured in radians from the first axis towards the second.
func (g *Grid) SetUniformFibers(angle float64) error {
	dims := g.Dims()
	if dims < 2 {
		return simerr.Configf("grid", "fibers", simerr.ErrFiberShape, "fibers need at least 2 dimensions")
	}
	f := make([]float64, g.Len()*dims)
	c, s := math.Cos(angle), math.Sin(angle)
	for i := 0; i < g.Len(); i++ {
		f[i*dims] = c
		f[i*dims+1] = s
	}
	g.Fibers = f
	return nil
}

// HasFibers reports whether a fiber field is present.
func (g *Grid) HasFibers() bool { return g.Fibers != nil }

// Fiber returns the fiber vector of node idx. It aliases the grid storage.
func (g *Grid) Fiber(idx int) []float64 {
	d := g.Dims()
	return g.Fibers[idx*d : (idx+1)*d]
}

// Validate checks node codes and the fiber field.
func (g *Grid) Validate() error {
	for idx, n := range g.Nodes {
		if n > Boundary {
			return simerr.Configf("grid", "nodes", simerr.ErrInvalidNodeType,
				"code %d at %v", n, g.Coords(idx))
		}
	}
	if g.Fibers != nil {
		if len(g.Fibers) != g.Len()*g.Dims() {
			return simerr.Configf("grid", "fibers", simerr.ErrFiberShape,
				"got %d components, want %d", len(g.Fibers), g.Len()*g.Dims())
		}
		return g.validateFibers()
	}
	return nil
}

func (g *Grid) validateFibers() error {
	for idx, n := range g.Nodes {
		if n != Tissue {
			continue
		}
		var sq float64
		for _, c := range g.Fiber(idx) {
			sq += c * c
		}
		if math.Abs(math.Sqrt(sq)-1) > fiberTolerance {
			return simerr.Configf("grid", "fibers", simerr.ErrFiberNorm,
				"norm %g at %v", math.Sqrt(sq), g.Coords(idx))
		}
	}
	return nil
}

// ActiveIndices returns the flat indices of all Tissue nodes in ascending
// order. The slice is computed once and shared; callers must not modify it.
func (g *Grid) ActiveIndices() []int {
	if g.active != nil {
		return g.active
	}
	active := make([]int, 0, len(g.Nodes))
	for idx, n := range g.Nodes {
		if n == Tissue {
			active = append(active, idx)
		}
	}
	g.active = active
	return active
}

// forEachInBox visits every flat index inside [lo, hi) clipped to the grid.
func (g *Grid) forEachInBox(lo, hi []int, fn func(idx int)) {
	dims := g.Dims()
	if len(lo) != dims || len(hi) != dims {
		return
	}
	var from, to [MaxDims]int
	for axis := 0; axis < dims; axis++ {
		from[axis] = max(lo[axis], 0)
		to[axis] = min(hi[axis], g.Shape[axis])
		if from[axis] >= to[axis] {
			return
		}
	}
	var cur [MaxDims]int
	copy(cur[:], from[:dims])
	for {
		idx := 0
		for axis := 0; axis < dims; axis++ {
			idx += cur[axis] * g.strides[axis]
		}
		fn(idx)

		axis := dims - 1
		for ; axis >= 0; axis-- {
			cur[axis]++
			if cur[axis] < to[axis] {
				break
			}
			cur[axis] = from[axis]
		}
		if axis < 0 {
			return
		}
	}
}

// BoxIndices returns the flat indices of active nodes inside [lo, hi).
func (g *Grid) BoxIndices(lo, hi []int) []int {
	var out []int
	g.forEachInBox(lo, hi, func(idx int) {
		if g.Nodes[idx] == Tissue {
			out = append(out, idx)
		}
	})
	return out
}
