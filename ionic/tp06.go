package ionic

import (
	"math"

	"github.com/pthm-cable/cardio/tissue"
)

// TP06 state variable indices into the vars slice.
const (
	tpCai = iota
	tpCasr
	tpCass
	tpNai
	tpKi
	tpM
	tpH
	tpJ
	tpXr1
	tpXr2
	tpXs
	tpR
	tpS
	tpD
	tpF
	tpF2
	tpFcass
	tpRR
	tpOO
	tpNumVars
)

var tp06Variables = [tpNumVars]Variable{
	tpCai:   {"cai", 0.00007},
	tpCasr:  {"casr", 1.3},
	tpCass:  {"cass", 0.00007},
	tpNai:   {"nai", 7.67},
	tpKi:    {"ki", 138.3},
	tpM:     {"m", 0},
	tpH:     {"h", 0.75},
	tpJ:     {"j", 0.75},
	tpXr1:   {"xr1", 0},
	tpXr2:   {"xr2", 1},
	tpXs:    {"xs", 0},
	tpR:     {"r", 0},
	tpS:     {"s", 1},
	tpD:     {"d", 0},
	tpF:     {"f", 1},
	tpF2:    {"f2", 1},
	tpFcass: {"fcass", 1},
	tpRR:    {"rr", 1},
	tpOO:    {"oo", 0},
}

// TP06Model is the ten Tusscher–Panfilov 2006 human ventricular epicardial
// cell model. Potential in mV, time in ms, concentrations in mM.
type TP06Model struct {
	// Extracellular concentrations
	Ko, Cao, Nao float64

	// Compartment volumes and capacitance
	Vc, Vsr, Vss, Cap float64

	// Buffers
	Bufc, Kbufc, Bufsr, Kbufsr, Bufss, Kbufss float64

	// SR uptake, release and leak
	Vmaxup, Kup, Vrel, K1, K2, K3, K4, EC, MaxSR, MinSR, Vleak, Vxfer float64

	// Physical constants
	R, F, T, RTONF float64

	// Conductances
	Gkr, Gks, Gk1, Gto, Gna, Gbna, Gcal, Gbca, Gpca, Gpk float64

	// Pumps and exchanger
	KpCa, PKNa, KmK, KmNa, Knak, Knaca, KmNai, KmCa, Ksat, N float64

	D float64

	params *Params
}

// NewTP06 returns the epicardial parameter set.
func NewTP06() *TP06Model {
	m := &TP06Model{
		Ko: 5.4, Cao: 2.0, Nao: 140.0,
		Vc: 0.016404, Vsr: 0.001094, Vss: 0.00005468, Cap: 0.185,
		Bufc: 0.2, Kbufc: 0.001, Bufsr: 10.0, Kbufsr: 0.3, Bufss: 0.4, Kbufss: 0.00025,
		Vmaxup: 0.006375, Kup: 0.00025, Vrel: 0.102,
		K1: 0.15, K2: 0.045, K3: 0.060, K4: 0.005,
		EC: 1.5, MaxSR: 2.5, MinSR: 1.0, Vleak: 0.00036, Vxfer: 0.0038,
		R: 8314.472, F: 96485.3415, T: 310.0, RTONF: 26.71376,
		Gkr: 0.153, Gks: 0.392, Gk1: 5.405, Gto: 0.294, Gna: 14.838,
		Gbna: 0.00029, Gcal: 0.00003980, Gbca: 0.000592, Gpca: 0.1238, Gpk: 0.0146,
		KpCa: 0.0005, PKNa: 0.03, KmK: 1.0, KmNa: 40.0, Knak: 2.724,
		Knaca: 1000, KmNai: 87.5, KmCa: 1.38, Ksat: 0.1, N: 0.35,
		D: 0.154,
	}
	p := newParams(TP06.String())
	for _, b := range []struct {
		name string
		ptr  *float64
	}{
		{"ko", &m.Ko}, {"cao", &m.Cao}, {"nao", &m.Nao},
		{"vc", &m.Vc}, {"vsr", &m.Vsr}, {"vss", &m.Vss}, {"capacitance", &m.Cap},
		{"bufc", &m.Bufc}, {"kbufc", &m.Kbufc}, {"bufsr", &m.Bufsr},
		{"kbufsr", &m.Kbufsr}, {"bufss", &m.Bufss}, {"kbufss", &m.Kbufss},
		{"vmaxup", &m.Vmaxup}, {"kup", &m.Kup}, {"vrel", &m.Vrel},
		{"k1_", &m.K1}, {"k2_", &m.K2}, {"k3", &m.K3}, {"k4", &m.K4},
		{"ec", &m.EC}, {"maxsr", &m.MaxSR}, {"minsr", &m.MinSR},
		{"vleak", &m.Vleak}, {"vxfer", &m.Vxfer},
		{"r", &m.R}, {"f", &m.F}, {"t", &m.T}, {"rtonf", &m.RTONF},
		{"gkr", &m.Gkr}, {"gks", &m.Gks}, {"gk1", &m.Gk1}, {"gto", &m.Gto},
		{"gna", &m.Gna}, {"gbna", &m.Gbna}, {"gcal", &m.Gcal}, {"gbca", &m.Gbca},
		{"gpca", &m.Gpca}, {"gpk", &m.Gpk},
		{"kpca", &m.KpCa}, {"pkna", &m.PKNa}, {"kmk", &m.KmK}, {"kmna", &m.KmNa},
		{"knak", &m.Knak}, {"knaca", &m.Knaca}, {"kmnai", &m.KmNai},
		{"kmca", &m.KmCa}, {"ksat", &m.Ksat}, {"n", &m.N},
		{"d_model", &m.D},
	} {
		p.bind(b.name, b.ptr)
	}
	m.params = p
	return m
}

func (m *TP06Model) Kind() Kind                { return TP06 }
func (m *TP06Model) RestingPotential() float64 { return -84.5 }
func (m *TP06Model) DefaultDiffusion() float64 { return m.D }
func (m *TP06Model) Params() *Params           { return m.params }
func (m *TP06Model) SelectStencil(g *tissue.Grid) tissue.StencilKind {
	return defaultStencil(g)
}

func (m *TP06Model) Variables() []Variable {
	return append([]Variable(nil), tp06Variables[:]...)
}

// Integrate advances every gate with Rush–Larsen, the three calcium pools
// with the closed-form buffering solution, sodium and potassium with
// explicit Euler, and subtracts dt times the total ionic current.
func (m *TP06Model) Integrate(u, next []float64, vars [][]float64, idx []int, dt float64) {
	cai, casr, cass := vars[tpCai], vars[tpCasr], vars[tpCass]
	nai, ki := vars[tpNai], vars[tpKi]
	gm, gh, gj := vars[tpM], vars[tpH], vars[tpJ]
	xr1, xr2, xs := vars[tpXr1], vars[tpXr2], vars[tpXs]
	gr, gs := vars[tpR], vars[tpS]
	gd, gf, gf2, fcass := vars[tpD], vars[tpF], vars[tpF2], vars[tpFcass]
	rr, oo := vars[tpRR], vars[tpOO]

	frt := m.F / (m.R * m.T)
	sqrtKo := math.Sqrt(m.Ko / 5.4)

	for _, i := range idx {
		ui := u[i]
		caiI, casrI, cassI := cai[i], casr[i], cass[i]
		naiI, kiI := nai[i], ki[i]

		// Reversal potentials from current concentrations.
		ek := m.RTONF * math.Log(m.Ko/kiI)
		ena := m.RTONF * math.Log(m.Nao/naiI)
		eks := m.RTONF * math.Log((m.Ko+m.PKNa*m.Nao)/(kiI+m.PKNa*naiI))
		eca := 0.5 * m.RTONF * math.Log(m.Cao/caiI)

		// Fast sodium current.
		inf, tau := tp06GateM(ui)
		gm[i] = rushLarsen(gm[i], inf, tau, dt)
		inf, tau = tp06GateH(ui)
		gh[i] = rushLarsen(gh[i], inf, tau, dt)
		inf, tau = tp06GateJ(ui)
		gj[i] = rushLarsen(gj[i], inf, tau, dt)
		mi := gm[i]
		ina := m.Gna * mi * mi * mi * gh[i] * gj[i] * (ui - ena)

		// L-type calcium current.
		inf, tau = tp06GateD(ui)
		gd[i] = rushLarsen(gd[i], inf, tau, dt)
		inf, tau = tp06GateF(ui)
		gf[i] = rushLarsen(gf[i], inf, tau, dt)
		inf, tau = tp06GateF2(ui)
		gf2[i] = rushLarsen(gf2[i], inf, tau, dt)
		inf, tau = tp06GateFCaSS(cassI)
		fcass[i] = rushLarsen(fcass[i], inf, tau, dt)
		ical := m.calciumL(ui, gd[i]*gf[i]*gf2[i]*fcass[i], cassI)

		// Transient outward current.
		inf, tau = tp06GateR(ui)
		gr[i] = rushLarsen(gr[i], inf, tau, dt)
		inf, tau = tp06GateS(ui)
		gs[i] = rushLarsen(gs[i], inf, tau, dt)
		ito := m.Gto * gr[i] * gs[i] * (ui - ek)

		// Rapid and slow delayed rectifiers.
		inf, tau = tp06GateXr1(ui)
		xr1[i] = rushLarsen(xr1[i], inf, tau, dt)
		inf, tau = tp06GateXr2(ui)
		xr2[i] = rushLarsen(xr2[i], inf, tau, dt)
		ikr := m.Gkr * sqrtKo * xr1[i] * xr2[i] * (ui - ek)

		inf, tau = tp06GateXs(ui)
		xs[i] = rushLarsen(xs[i], inf, tau, dt)
		iks := m.Gks * xs[i] * xs[i] * (ui - eks)

		// Inward rectifier.
		ak1 := 0.1 / (1 + math.Exp(0.06*(ui-ek-200)))
		bk1 := (3*math.Exp(0.0002*(ui-ek+100)) + math.Exp(0.1*(ui-ek-10))) / (1 + math.Exp(-0.5*(ui-ek)))
		ik1 := m.Gk1 * ak1 / (ak1 + bk1) * (ui - ek)

		// Pumps, exchanger and background currents.
		inaca := m.Knaca * (1 / (m.KmNai*m.KmNai*m.KmNai + m.Nao*m.Nao*m.Nao)) * (1 / (m.KmCa + m.Cao)) *
			(1 / (1 + m.Ksat*math.Exp((m.N-1)*ui*frt))) *
			(math.Exp(m.N*ui*frt)*naiI*naiI*naiI*m.Cao - math.Exp((m.N-1)*ui*frt)*m.Nao*m.Nao*m.Nao*caiI*2.5)
		inak := m.Knak * (m.Ko / (m.Ko + m.KmK)) * (naiI / (naiI + m.KmNa)) /
			(1 + 0.1245*math.Exp(-0.1*ui*frt) + 0.0353*math.Exp(-ui*frt))
		ipca := m.Gpca * caiI / (m.KpCa + caiI)
		ipk := m.Gpk / (1 + math.Exp((25-ui)/5.98)) * (ui - ek)
		ibna := m.Gbna * (ui - ena)
		ibca := m.Gbca * (ui - eca)

		// SR release channel.
		kcasr := m.MaxSR - (m.MaxSR-m.MinSR)/(1+(m.EC/casrI)*(m.EC/casrI))
		k1 := m.K1 / kcasr
		k2 := m.K2 * kcasr
		rr[i] += dt * (m.K4*(1-rr[i]) - k2*cassI*rr[i])
		oo[i] = k1 * cassI * cassI * rr[i] / (m.K3 + k1*cassI*cassI)

		irel := m.Vrel * oo[i] * (casrI - cassI)
		ileak := m.Vleak * (casrI - caiI)
		iup := m.Vmaxup / (1 + (m.Kup*m.Kup)/(caiI*caiI))
		ixfer := m.Vxfer * (cassI - caiI)

		// Buffered calcium pools.
		casr[i] = bufferedCalcium(casrI, m.Bufsr, m.Kbufsr, dt*(iup-irel-ileak))
		cass[i] = bufferedCalcium(cassI, m.Bufss, m.Kbufss,
			dt*(-ixfer*(m.Vc/m.Vss)+irel*(m.Vsr/m.Vss)-ical/(2*m.Vss*m.F)*m.Cap))
		cai[i] = bufferedCalcium(caiI, m.Bufc, m.Kbufc,
			dt*(-(ibca+ipca-2*inaca)/(2*m.Vc*m.F)*m.Cap-(iup-ileak)*(m.Vsr/m.Vc)+ixfer))

		nai[i] = naiI + dt*(-(ina+ibna+3*inak+3*inaca)/(m.Vc*m.F)*m.Cap)
		ki[i] = kiI + dt*(-(ik1+ito+ikr+iks-2*inak+ipk)/(m.Vc*m.F)*m.Cap)

		next[i] -= dt * (ikr + iks + ik1 + ito + ina + ibna + ical + ibca + inak + inaca + ipca + ipk)
	}
}

// calciumL returns I_CaL for gate product g. At V = 15 mV the GHK form is
// 0/0; its limit is used there.
func (m *TP06Model) calciumL(u, g, cass float64) float64 {
	if u == 15 {
		return m.Gcal * g * 2 * m.F * (0.25*cass - m.Cao)
	}
	rt := m.R * m.T
	ex := math.Exp(2 * (u - 15) * m.F / rt)
	return m.Gcal * g * 4 * (u - 15) * (m.F * m.F / rt) * (0.25*ex*cass - m.Cao) / (ex - 1)
}

// bufferedCalcium returns the free concentration after adding delta total
// calcium to a pool with instantaneous buffering of capacity buf and
// dissociation constant k: the positive root of x² + b·x − c = 0.
func bufferedCalcium(ca, buf, k, delta float64) float64 {
	bound := buf * ca / (ca + k)
	b := buf - bound - delta - ca + k
	c := k * (bound + delta + ca)
	return (math.Sqrt(b*b+4*c) - b) / 2
}

func tp06GateM(u float64) (inf, tau float64) {
	am := 1 / (1 + math.Exp((-60-u)/5))
	bm := 0.1/(1+math.Exp((u+35)/5)) + 0.10/(1+math.Exp((u-50)/200))
	e := 1 + math.Exp((-56.86-u)/9.03)
	return 1 / (e * e), am * bm
}

func tp06GateH(u float64) (inf, tau float64) {
	var ah, bh float64
	if u >= -40 {
		bh = 0.77 / (0.13 * (1 + math.Exp(-(u+10.66)/11.1)))
	} else {
		ah = 0.057 * math.Exp(-(u+80)/6.8)
		bh = 2.7*math.Exp(0.079*u) + 3.1e5*math.Exp(0.3485*u)
	}
	e := 1 + math.Exp((u+71.55)/7.43)
	return 1 / (e * e), 1 / (ah + bh)
}

func tp06GateJ(u float64) (inf, tau float64) {
	var aj, bj float64
	if u >= -40 {
		bj = 0.6 * math.Exp(0.057*u) / (1 + math.Exp(-0.1*(u+32)))
	} else {
		aj = (-2.5428e4*math.Exp(0.2444*u) - 6.948e-6*math.Exp(-0.04391*u)) * (u + 37.78) /
			(1 + math.Exp(0.311*(u+79.23)))
		bj = 0.02424 * math.Exp(-0.01052*u) / (1 + math.Exp(-0.1378*(u+40.14)))
	}
	e := 1 + math.Exp((u+71.55)/7.43)
	return 1 / (e * e), 1 / (aj + bj)
}

func tp06GateD(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((-8-u)/7.5))
	ad := 1.4/(1+math.Exp((-35-u)/13)) + 0.25
	bd := 1.4 / (1 + math.Exp((u+5)/5))
	cd := 1 / (1 + math.Exp((50-u)/20))
	return inf, ad*bd + cd
}

func tp06GateF(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((u+20)/7))
	tau = 1102.5*math.Exp(-(u+27)*(u+27)/225) + 200/(1+math.Exp((13-u)/10)) + 180/(1+math.Exp((u+30)/10)) + 20
	return inf, tau
}

func tp06GateF2(u float64) (inf, tau float64) {
	inf = 0.67/(1+math.Exp((u+35)/7)) + 0.33
	tau = 600*math.Exp(-(u+25)*(u+25)/170) + 31/(1+math.Exp((25-u)/10)) + 16/(1+math.Exp((u+30)/10))
	return inf, tau
}

// tp06GateFCaSS depends on subspace calcium rather than potential.
func tp06GateFCaSS(cass float64) (inf, tau float64) {
	x := (cass / 0.05) * (cass / 0.05)
	return 0.6/(1+x) + 0.4, 80/(1+x) + 2
}

func tp06GateR(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((20-u)/6))
	return inf, 9.5*math.Exp(-(u+40)*(u+40)/1800) + 0.8
}

func tp06GateS(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((u+20)/5))
	return inf, 85*math.Exp(-(u+45)*(u+45)/320) + 5/(1+math.Exp((u-20)/5)) + 3
}

func tp06GateXr1(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((-26-u)/7))
	return inf, 450 / (1 + math.Exp((-45-u)/10)) * 6 / (1 + math.Exp((u+30)/11.5))
}

func tp06GateXr2(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((u+88)/24))
	return inf, 3 / (1 + math.Exp((-60-u)/20)) * 1.12 / (1 + math.Exp((u-60)/20))
}

func tp06GateXs(u float64) (inf, tau float64) {
	inf = 1 / (1 + math.Exp((-5-u)/14))
	tau = 1400/math.Sqrt(1+math.Exp((5-u)/6))*(1/(1+math.Exp((u-35)/15))) + 80
	return inf, tau
}
