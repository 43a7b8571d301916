package ionic

import "github.com/pthm-cable/cardio/tissue"

// AlievPanfilovModel is the two-variable phenomenological model of Aliev and
// Panfilov (1996). Potential and time are dimensionless.
type AlievPanfilovModel struct {
	A   float64 // excitation threshold
	K   float64 // reaction scale
	Eap float64 // recovery time scale
	Mu1 float64
	Mu2 float64
	D   float64 // default diffusion coefficient

	params *Params
}

// NewAlievPanfilov returns the model with its published parameters.
func NewAlievPanfilov() *AlievPanfilovModel {
	m := &AlievPanfilovModel{
		A:   0.1,
		K:   8,
		Eap: 0.01,
		Mu1: 0.2,
		Mu2: 0.3,
		D:   1,
	}
	m.params = newParams(AlievPanfilov.String())
	m.params.bind("a", &m.A)
	m.params.bind("k", &m.K)
	m.params.bind("eap", &m.Eap)
	m.params.bind("mu_1", &m.Mu1)
	m.params.bind("mu_2", &m.Mu2)
	m.params.bind("d_model", &m.D)
	return m
}

func (m *AlievPanfilovModel) Kind() Kind                { return AlievPanfilov }
func (m *AlievPanfilovModel) RestingPotential() float64 { return 0 }
func (m *AlievPanfilovModel) DefaultDiffusion() float64 { return m.D }
func (m *AlievPanfilovModel) Params() *Params           { return m.params }
func (m *AlievPanfilovModel) Variables() []Variable     { return []Variable{{Name: "v", Initial: 0}} }
func (m *AlievPanfilovModel) SelectStencil(g *tissue.Grid) tissue.StencilKind {
	return defaultStencil(g)
}

// Integrate advances the recovery variable with an explicit step and adds
// the cubic reaction term, evaluated with the updated recovery value.
func (m *AlievPanfilovModel) Integrate(u, next []float64, vars [][]float64, idx []int, dt float64) {
	a, k, eap, mu1, mu2 := m.A, m.K, m.Eap, m.Mu1, m.Mu2
	v := vars[0]
	for _, i := range idx {
		ui := u[i]
		vi := v[i]
		vi += -dt * (eap + mu1*vi/(mu2+ui)) * (vi + k*ui*(ui-a-1))
		v[i] = vi
		next[i] += dt * (-k*ui*(ui-a)*(ui-1) - ui*vi)
	}
}
