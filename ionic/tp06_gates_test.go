package ionic

import (
	"math"
	"testing"
)

var tp06VoltageGates = []struct {
	name     string
	index    int
	kinetics func(u float64) (inf, tau float64)
}{
	{"m", tpM, tp06GateM},
	{"h", tpH, tp06GateH},
	{"j", tpJ, tp06GateJ},
	{"d", tpD, tp06GateD},
	{"f", tpF, tp06GateF},
	{"f2", tpF2, tp06GateF2},
	{"r", tpR, tp06GateR},
	{"s", tpS, tp06GateS},
	{"xr1", tpXr1, tp06GateXr1},
	{"xr2", tpXr2, tp06GateXr2},
	{"xs", tpXs, tp06GateXs},
}

func TestRushLarsenExactDecay(t *testing.T) {
	x := 0.0
	const inf, tau, dt = 0.8, 3.0, 0.25
	for n := 1; n <= 40; n++ {
		x = rushLarsen(x, inf, tau, dt)
		want := inf - inf*math.Exp(-float64(n)*dt/tau)
		if math.Abs(x-want) > 1e-12 {
			t.Fatalf("step %d: x = %v, want %v", n, x, want)
		}
	}
}

func TestTP06GatesConvergeMonotonically(t *testing.T) {
	for _, g := range tp06VoltageGates {
		for _, u := range []float64{-90, -84.5, -45, -40, -20, 0, 15, 35} {
			inf, tau := g.kinetics(u)
			if !(tau > 0) || inf < 0 || inf > 1 {
				t.Fatalf("gate %s at %v mV: inf=%v tau=%v", g.name, u, inf, tau)
			}
			dt := tau / 20
			for _, x0 := range []float64{0, 1} {
				x := x0
				dist := math.Abs(x - inf)
				side := math.Signbit(x - inf)
				for n := 0; n < 2000; n++ {
					x = rushLarsen(x, inf, tau, dt)
					d := math.Abs(x - inf)
					if d > dist+1e-15 {
						t.Fatalf("gate %s at %v mV from %v: distance grew at step %d", g.name, u, x0, n)
					}
					if d > 1e-12 && math.Signbit(x-inf) != side {
						t.Fatalf("gate %s at %v mV from %v: overshot steady state", g.name, u, x0)
					}
					dist = d
				}
				if dist > 1e-9 {
					t.Errorf("gate %s at %v mV from %v: residual %v", g.name, u, x0, dist)
				}
			}
		}
	}
}

func TestTP06KernelGatesAtClampedPotential(t *testing.T) {
	const (
		clamp = -20.0
		dt    = 0.01
		steps = 5000
	)
	c := newCell(NewTP06(), 1)
	c.u[0] = clamp

	prev := make([]float64, len(tp06VoltageGates))
	for k, g := range tp06VoltageGates {
		inf, _ := g.kinetics(clamp)
		prev[k] = math.Abs(c.vars[g.index][0] - inf)
	}

	for n := 0; n < steps; n++ {
		// The potential stays clamped: next is discarded every step.
		copy(c.next, c.u)
		c.k.Integrate(c.u, c.next, c.vars, c.idx, dt)
		for k, g := range tp06VoltageGates {
			inf, _ := g.kinetics(clamp)
			d := math.Abs(c.vars[g.index][0] - inf)
			if d > prev[k]+1e-15 {
				t.Fatalf("gate %s moved away from steady state at step %d", g.name, n)
			}
			prev[k] = d
		}
	}

	for k, g := range tp06VoltageGates {
		inf, tau := g.kinetics(clamp)
		x0 := tp06Variables[g.index].Initial
		want := math.Abs(x0-inf) * math.Exp(-steps*dt/tau)
		if math.Abs(prev[k]-want) > 1e-9 {
			t.Errorf("gate %s residual %v, want %v", g.name, prev[k], want)
		}
	}
}
