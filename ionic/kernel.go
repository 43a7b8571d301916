// Package ionic provides the pluggable reaction term of the monodomain
// model: per-node membrane kinetics integrated over the active index set.
package ionic

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/tissue"
)

// PotentialName is the state-variable name of the transmembrane potential.
const PotentialName = "u"

// Kind enumerates the available ionic models.
type Kind uint8

const (
	AlievPanfilov Kind = iota
	FentonKarma
	TP06
)

var kindNames = map[Kind]string{
	AlievPanfilov: "aliev_panfilov",
	FentonKarma:   "fenton_karma",
	TP06:          "tp06",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind resolves a model name such as "aliev_panfilov" or "tp06".
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, simerr.Configf("kernel", "kind", simerr.ErrUnknownModel, "%q", s)
}

// Variable describes one model state variable besides the potential.
type Variable struct {
	Name    string
	Initial float64
}

// Kernel integrates the reaction term of one ionic model.
//
// Integrate advances nodes idx by dt. It reads the pre-step potential from
// u, adds the reaction contribution to next (which already holds the
// diffusion result) and updates vars in place, one slice per Variables()
// entry, each indexed by flat node index. Disjoint idx chunks may be
// integrated concurrently.
type Kernel interface {
	Kind() Kind
	Variables() []Variable
	RestingPotential() float64
	DefaultDiffusion() float64
	SelectStencil(g *tissue.Grid) tissue.StencilKind
	Integrate(u, next []float64, vars [][]float64, idx []int, dt float64)
	Params() *Params
}

// New returns a kernel of the given kind with its default parameters.
func New(kind Kind) (Kernel, error) {
	switch kind {
	case AlievPanfilov:
		return NewAlievPanfilov(), nil
	case FentonKarma:
		return NewFentonKarma(), nil
	case TP06:
		return NewTP06(), nil
	}
	return nil, simerr.Configf("kernel", "kind", simerr.ErrUnknownModel, "%v", kind)
}

// NewWithParams returns a kernel of the given kind and overrides the named
// parameters.
func NewWithParams(kind Kind, params map[string]float64) (Kernel, error) {
	k, err := New(kind)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := k.Params().Set(name, params[name]); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Params exposes a model's named scalar parameters. Values are bound to the
// model's fields, so Set takes effect on the next Integrate call.
type Params struct {
	model  string
	names  []string
	values map[string]*float64
}

func newParams(model string) *Params {
	return &Params{model: model, values: make(map[string]*float64)}
}

func (p *Params) bind(name string, ptr *float64) {
	p.names = append(p.names, name)
	p.values[name] = ptr
}

// Names lists the parameter names in declaration order.
func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// Get returns the value of a named parameter.
func (p *Params) Get(name string) (float64, error) {
	ptr, ok := p.values[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w: %q", p.model, simerr.ErrUnknownParameter, name)
	}
	return *ptr, nil
}

// Set assigns a named parameter. Non-finite values are rejected.
func (p *Params) Set(name string, v float64) error {
	ptr, ok := p.values[name]
	if !ok {
		return fmt.Errorf("%s: %w: %q", p.model, simerr.ErrUnknownParameter, name)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: parameter %q: non-finite value %v", p.model, name, v)
	}
	*ptr = v
	return nil
}

// Snapshot copies all parameter values.
func (p *Params) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(p.names))
	for _, name := range p.names {
		out[name] = *p.values[name]
	}
	return out
}

// rushLarsen advances a gate obeying dx/dt = (inf - x)/tau exactly for
// constant inf and tau.
func rushLarsen(x, inf, tau, dt float64) float64 {
	return inf - (inf-x)*math.Exp(-dt/tau)
}

// defaultStencil applies the fiber-presence rule shared by all models.
func defaultStencil(g *tissue.Grid) tissue.StencilKind {
	return tissue.SelectKind(g)
}
