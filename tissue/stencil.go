package tissue

import (
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/cardio/simerr"
)

// StencilKind selects the discretization of div(D grad u).
type StencilKind uint8

const (
	Isotropic   StencilKind = iota // 2*dims face neighbours, scalar D
	Anisotropic                    // faces and edge diagonals, fiber tensor
)

func (k StencilKind) String() string {
	if k == Anisotropic {
		return "anisotropic"
	}
	return "isotropic"
}

// SelectKind returns Anisotropic when the grid carries a fiber field and
// Isotropic otherwise.
func SelectKind(g *Grid) StencilKind {
	if g.HasFibers() {
		return Anisotropic
	}
	return Isotropic
}

// Coefficients holds the diffusion coefficients for a stencil build.
type Coefficients struct {
	D      float64 // isotropic coefficient
	Along  float64 // along-fiber coefficient
	Across float64 // cross-fiber coefficient

	// Field optionally scales the coefficient per node (len = grid Len()).
	Field []float64
}

// Stencil holds precomputed diffusion weights for every active node. Row a
// of the stencil belongs to Active[a] and occupies Slots consecutive
// entries of Neighbors and Weights. Weights already include dt/dr². Unused
// slots point back at the node itself with weight zero.
type Stencil struct {
	Kind      StencilKind
	Slots     int
	Active    []int
	Neighbors []int
	Weights   []float64

	offsets [][MaxDims]int
	dims    int
}

// Offsets returns the neighbour offset of each slot.
func (s *Stencil) Offsets() [][]int {
	out := make([][]int, len(s.offsets))
	for k, o := range s.offsets {
		out[k] = append([]int(nil), o[:s.dims]...)
	}
	return out
}

// Row returns the neighbour indices and weights of active row a.
func (s *Stencil) Row(a int) ([]int, []float64) {
	base := a * s.Slots
	return s.Neighbors[base : base+s.Slots], s.Weights[base : base+s.Slots]
}

// Center returns the implied self weight of row a, the negated sum of the
// neighbour weights. Including it, each row sums to zero.
func (s *Stencil) Center(a int) float64 {
	_, w := s.Row(a)
	var c float64
	for _, v := range w {
		c -= v
	}
	return c
}

// BuildStencil computes the weights for every active node of g.
func BuildStencil(g *Grid, kind StencilKind, coeff Coefficients, dt, dr float64) (*Stencil, error) {
	if dt <= 0 || dr <= 0 {
		return nil, simerr.Configf("stencil", "dt", simerr.ErrInvalidTimeStep, "dt=%g dr=%g", dt, dr)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if coeff.Field != nil && len(coeff.Field) != g.Len() {
		return nil, simerr.Configf("stencil", "field", simerr.ErrFiberShape,
			"coefficient field has %d values, want %d", len(coeff.Field), g.Len())
	}
	switch kind {
	case Isotropic:
		if coeff.D <= 0 {
			return nil, simerr.Configf("stencil", "d", simerr.ErrMissingCoefficient, "isotropic D=%g", coeff.D)
		}
	case Anisotropic:
		if !g.HasFibers() {
			return nil, simerr.Configf("stencil", "fibers", simerr.ErrFiberShape, "anisotropic stencil without fiber field")
		}
		if coeff.Along <= 0 || coeff.Across <= 0 {
			return nil, simerr.Configf("stencil", "along", simerr.ErrMissingCoefficient,
				"along=%g across=%g", coeff.Along, coeff.Across)
		}
	}

	b := newStencilBuilder(g, kind, coeff, dt/(dr*dr))
	active := g.ActiveIndices()
	s := &Stencil{
		Kind:      kind,
		Slots:     len(b.offsets),
		Active:    active,
		Neighbors: make([]int, len(active)*len(b.offsets)),
		Weights:   make([]float64, len(active)*len(b.offsets)),
		offsets:   b.offsets,
		dims:      g.Dims(),
	}
	for a, idx := range active {
		nbrs, w := s.Row(a)
		b.row(idx, nbrs, w)
	}
	return s, nil
}

// stencilBuilder accumulates flux coefficients on the 3^dims neighbourhood
// of one node at a time.
type stencilBuilder struct {
	g      *Grid
	kind   StencilKind
	coeff  Coefficients
	factor float64

	offsets [][MaxDims]int

	center [MaxDims]int
	coef   [27]float64
	used   [27]bool
}

func newStencilBuilder(g *Grid, kind StencilKind, coeff Coefficients, factor float64) *stencilBuilder {
	b := &stencilBuilder{g: g, kind: kind, coeff: coeff, factor: factor}
	dims := g.Dims()
	if kind == Isotropic {
		for axis := 0; axis < dims; axis++ {
			for _, s := range [2]int{-1, 1} {
				var o [MaxDims]int
				o[axis] = s
				b.offsets = append(b.offsets, o)
			}
		}
		return b
	}
	// Faces and edge diagonals; corners never carry a coefficient.
	total := 1
	for i := 0; i < dims; i++ {
		total *= 3
	}
	for c := 0; c < total; c++ {
		var o [MaxDims]int
		nnz, rest := 0, c
		for axis := 0; axis < dims; axis++ {
			o[axis] = rest%3 - 1
			rest /= 3
			if o[axis] != 0 {
				nnz++
			}
		}
		if nnz == 0 || nnz > 2 {
			continue
		}
		b.offsets = append(b.offsets, o)
	}
	return b
}

// code maps an offset in {-1,0,1}^3 to 0..26.
func code(o [MaxDims]int) int {
	return (o[0] + 1) + 3*(o[1]+1) + 9*(o[2]+1)
}

// at resolves an offset from the current centre to a flat index.
func (b *stencilBuilder) at(o [MaxDims]int) (int, bool) {
	dims := b.g.Dims()
	idx := 0
	for axis := 0; axis < dims; axis++ {
		c := b.center[axis] + o[axis]
		if c < 0 || c >= b.g.Shape[axis] {
			return 0, false
		}
		idx += c * b.g.strides[axis]
	}
	return idx, b.g.Nodes[idx] == Tissue
}

// tensor returns the diffusion tensor of node idx.
func (b *stencilBuilder) tensor(idx int) *mat.SymDense {
	dims := b.g.Dims()
	scale := 1.0
	if b.coeff.Field != nil {
		scale = b.coeff.Field[idx]
	}
	t := mat.NewSymDense(dims, nil)
	if b.kind == Isotropic {
		for axis := 0; axis < dims; axis++ {
			t.SetSym(axis, axis, b.coeff.D*scale)
		}
		return t
	}
	for axis := 0; axis < dims; axis++ {
		t.SetSym(axis, axis, b.coeff.Across*scale)
	}
	f := mat.NewVecDense(dims, append([]float64(nil), b.g.Fiber(idx)...))
	t.SymRankOne(t, (b.coeff.Along-b.coeff.Across)*scale, f)
	return t
}

func (b *stencilBuilder) add(o [MaxDims]int, w float64) {
	c := code(o)
	b.coef[c] += w
	b.used[c] = true
}

// row fills the neighbour indices and weights of node idx.
func (b *stencilBuilder) row(idx int, nbrs []int, weights []float64) {
	dims := b.g.Dims()
	b.coef = [27]float64{}
	b.used = [27]bool{}
	b.center = [MaxDims]int{}
	copy(b.center[:], b.g.Coords(idx))

	own := b.tensor(idx)
	for axis := 0; axis < dims; axis++ {
		for _, s := range [2]int{-1, 1} {
			var face [MaxDims]int
			face[axis] = s
			j, ok := b.at(face)
			if !ok {
				continue
			}
			d := mat.NewSymDense(dims, nil)
			d.AddSym(own, b.tensor(j))
			d.ScaleSym(0.5, d)

			// Face flux oriented along +axis, between lo and hi.
			var lo, hi [MaxDims]int
			if s > 0 {
				hi = face
			} else {
				lo = face
			}
			w := float64(s) * b.factor * d.At(axis, axis)
			b.add(hi, w)
			b.add(lo, -w)

			if b.kind == Isotropic {
				continue
			}
			for cross := 0; cross < dims; cross++ {
				if cross == axis {
					continue
				}
				dab := d.At(axis, cross)
				if dab == 0 {
					continue
				}
				b.crossTerm(lo, hi, cross, float64(s)*b.factor*dab)
			}
		}
	}

	for k, o := range b.offsets {
		c := code(o)
		if n, ok := b.at(o); ok && b.used[c] {
			nbrs[k] = n
			weights[k] = b.coef[c]
			continue
		}
		nbrs[k] = idx
		weights[k] = 0
	}
}

// crossTerm adds scale * du/dx_cross evaluated on the face between lo and
// hi. The transverse derivative averages the one-sided differences whose
// nodes are all active.
func (b *stencilBuilder) crossTerm(lo, hi [MaxDims]int, cross int, scale float64) {
	var sides [2]int
	n := 0
	for _, sigma := range [2]int{-1, 1} {
		l, h := lo, hi
		l[cross] += sigma
		h[cross] += sigma
		if _, ok := b.at(l); !ok {
			continue
		}
		if _, ok := b.at(h); !ok {
			continue
		}
		sides[n] = sigma
		n++
	}
	if n == 0 {
		return
	}
	for _, sigma := range sides[:n] {
		w := scale * float64(sigma) / float64(2*n)
		l, h := lo, hi
		l[cross] += sigma
		h[cross] += sigma
		b.add(l, w)
		b.add(h, w)
		b.add(lo, -w)
		b.add(hi, -w)
	}
}
