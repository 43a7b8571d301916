package ionic

import (
	"math"

	"github.com/pthm-cable/cardio/tissue"
)

// FentonKarmaModel is the three-variable Fenton–Karma model with a fast
// inward, slow outward and slow inward current.
type FentonKarmaModel struct {
	TauR  float64
	TauO  float64
	TauD  float64
	TauSi float64
	TauVm float64
	TauVp float64
	TauWm float64
	TauWp float64
	K     float64
	Uc    float64
	UcSi  float64
	D     float64

	params *Params
}

// NewFentonKarma returns the model with its standard parameter set.
func NewFentonKarma() *FentonKarmaModel {
	m := &FentonKarmaModel{
		TauR:  33.33,
		TauO:  12.5,
		TauD:  0.41,
		TauSi: 29,
		TauVm: 19.6,
		TauVp: 3.33,
		TauWm: 41,
		TauWp: 870,
		K:     10,
		Uc:    0.13,
		UcSi:  0.85,
		D:     1,
	}
	p := newParams(FentonKarma.String())
	p.bind("tau_r", &m.TauR)
	p.bind("tau_o", &m.TauO)
	p.bind("tau_d", &m.TauD)
	p.bind("tau_si", &m.TauSi)
	p.bind("tau_v_m", &m.TauVm)
	p.bind("tau_v_p", &m.TauVp)
	p.bind("tau_w_m", &m.TauWm)
	p.bind("tau_w_p", &m.TauWp)
	p.bind("k", &m.K)
	p.bind("u_c", &m.Uc)
	p.bind("uc_si", &m.UcSi)
	p.bind("d_model", &m.D)
	m.params = p
	return m
}

func (m *FentonKarmaModel) Kind() Kind                { return FentonKarma }
func (m *FentonKarmaModel) RestingPotential() float64 { return 0 }
func (m *FentonKarmaModel) DefaultDiffusion() float64 { return m.D }
func (m *FentonKarmaModel) Params() *Params           { return m.params }
func (m *FentonKarmaModel) SelectStencil(g *tissue.Grid) tissue.StencilKind {
	return defaultStencil(g)
}

func (m *FentonKarmaModel) Variables() []Variable {
	return []Variable{{Name: "v", Initial: 1}, {Name: "w", Initial: 1}}
}

// Integrate evaluates the three currents from the pre-step gates, then
// advances both gates with explicit steps.
func (m *FentonKarmaModel) Integrate(u, next []float64, vars [][]float64, idx []int, dt float64) {
	v, w := vars[0], vars[1]
	for _, i := range idx {
		ui := u[i]
		vi, wi := v[i], w[i]

		p := 0.0
		if ui >= m.Uc {
			p = 1
		}
		jfi := -vi * p * (1 - ui) * (ui - m.Uc) / m.TauD
		jso := ui*(1-p)/m.TauO + p/m.TauR
		jsi := -wi * (1 + math.Tanh(m.K*(ui-m.UcSi))) / (2 * m.TauSi)

		v[i] = vi + dt*((1-p)*(1-vi)/m.TauVm-p*vi/m.TauVp)
		w[i] = wi + dt*((1-p)*(1-wi)/m.TauWm-p*wi/m.TauWp)
		next[i] -= dt * (jfi + jso + jsi)
	}
}
