package tissue

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/cardio/simerr"
)

// Apply runs the explicit diffusion update for active rows [lo, hi):
//
//	next[i] = u[i] + sum_k w_k * (u[n_k] - u[i])
//
// Only next is written. Rows are independent, so disjoint ranges may run
// concurrently.
func (s *Stencil) Apply(u, next []float64, lo, hi int) {
	k := s.Slots
	for a := lo; a < hi; a++ {
		i := s.Active[a]
		ui := u[i]
		base := a * k
		nbrs := s.Neighbors[base : base+k]
		w := s.Weights[base : base+k]

		var sum float64
		for j, n := range nbrs {
			sum += w[j] * (u[n] - ui)
		}
		next[i] = ui + sum
	}
}

// Flux returns the diffusive change of row a for state u, scaled by dt.
func (s *Stencil) Flux(u []float64, a int) float64 {
	nbrs, w := s.Row(a)
	ui := u[s.Active[a]]
	var sum float64
	for j, n := range nbrs {
		sum += w[j] * (u[n] - ui)
	}
	return sum
}

// MaxCoefficient returns the largest diffusion coefficient used by a
// stencil of the given kind.
func MaxCoefficient(kind StencilKind, coeff Coefficients) float64 {
	d := coeff.D
	if kind == Anisotropic {
		d = max(coeff.Along, coeff.Across)
	}
	scale := 1.0
	if len(coeff.Field) > 0 {
		scale = floats.Max(coeff.Field)
	}
	return d * scale
}

// StableDT returns the classical explicit-scheme bound dr²/(2·dims·Dmax).
func StableDT(kind StencilKind, coeff Coefficients, dr float64, dims int) float64 {
	d := MaxCoefficient(kind, coeff)
	if d <= 0 || dims <= 0 {
		return 0
	}
	return dr * dr / (2 * float64(dims) * d)
}

// CheckStability returns an error wrapping simerr.ErrUnstableTimeStep when
// dt exceeds the explicit stability bound. Callers treat it as a warning.
func CheckStability(kind StencilKind, coeff Coefficients, dt, dr float64, dims int) error {
	limit := StableDT(kind, coeff, dr, dims)
	if limit > 0 && dt > limit {
		return fmt.Errorf("%w: dt=%g limit=%g (D=%g dr=%g dims=%d)",
			simerr.ErrUnstableTimeStep, dt, limit, MaxCoefficient(kind, coeff), dr, dims)
	}
	return nil
}
