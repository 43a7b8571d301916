// Package stim implements time-windowed, region-based stimulation of the
// potential field.
package stim

import (
	"fmt"
	"math"
	"sort"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/tissue"
)

// Kind selects how a stimulus acts on the potential.
type Kind uint8

const (
	// Voltage overwrites the potential once per window.
	Voltage Kind = iota
	// Current adds amplitude*dt on every step inside the window.
	Current
)

func (k Kind) String() string {
	switch k {
	case Voltage:
		return "voltage"
	case Current:
		return "current"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind resolves "voltage" or "current".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "voltage":
		return Voltage, nil
	case "current":
		return Current, nil
	}
	return 0, fmt.Errorf("unknown stimulus kind %q", s)
}

// Region is a half-open box [Lo, Hi) in grid coordinates. It is clipped to
// the grid and only selects active nodes.
type Region struct {
	Lo []int
	Hi []int
}

// Stimulus describes one stimulation event. The window is [Start, End).
// Value is the potential written by a voltage stimulus or the amplitude of
// a current stimulus.
type Stimulus struct {
	Kind   Kind
	Start  float64
	End    float64
	Value  float64
	Region Region
}

// NewVoltage returns a voltage stimulus that fires on the first step at or
// after start.
func NewVoltage(start, value float64, r Region) Stimulus {
	return Stimulus{Kind: Voltage, Start: start, End: math.Inf(1), Value: value, Region: r}
}

// NewVoltageWindow returns a voltage stimulus that only fires inside
// [start, end).
func NewVoltageWindow(start, end, value float64, r Region) Stimulus {
	return Stimulus{Kind: Voltage, Start: start, End: end, Value: value, Region: r}
}

// NewCurrent returns a current stimulus active for duration from start.
func NewCurrent(start, duration, amplitude float64, r Region) Stimulus {
	return Stimulus{Kind: Current, Start: start, End: start + duration, Value: amplitude, Region: r}
}

// Window reports whether t lies inside the stimulus window.
func (s Stimulus) Window(t float64) bool {
	return t >= s.Start && t < s.End
}

// Components stored per stimulus entity.
type (
	window struct {
		start, end float64
		seq        int
	}
	region struct {
		lo, hi []int
		nodes  []int
	}
	effect struct {
		kind    Kind
		value   float64
		applied bool
	}
)

// due is a stimulus selected for the current step.
type due struct {
	seq    int
	region *region
	effect *effect
}

// Sequence is an ordered collection of stimuli. Stimuli are entities in an
// ark world; insertion order is kept in the window component so overlapping
// voltage stimuli resolve deterministically.
type Sequence struct {
	world  *ecs.World
	mapper *ecs.Map3[window, region, effect]
	filter *ecs.Filter3[window, region, effect]

	count int
	due   []due
}

// NewSequence creates a sequence holding the given stimuli in order.
func NewSequence(stimuli ...Stimulus) *Sequence {
	world := ecs.NewWorld()
	s := &Sequence{
		world:  world,
		mapper: ecs.NewMap3[window, region, effect](world),
		filter: ecs.NewFilter3[window, region, effect](world),
	}
	for _, st := range stimuli {
		s.Add(st)
	}
	return s
}

// Add appends a stimulus. Stimuli added after Initialize are resolved
// against the bound grid on the next Initialize call.
func (s *Sequence) Add(st Stimulus) {
	w := window{start: st.Start, end: st.End, seq: s.count}
	r := region{
		lo: append([]int(nil), st.Region.Lo...),
		hi: append([]int(nil), st.Region.Hi...),
	}
	e := effect{kind: st.Kind, value: st.Value}
	s.mapper.NewEntity(&w, &r, &e)
	s.count++
}

// Len returns the number of stimuli.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return s.count
}

// Initialize resolves every region to the grid's active nodes and clears
// the applied flags of voltage stimuli.
func (s *Sequence) Initialize(g *tissue.Grid) error {
	if s == nil {
		return nil
	}
	dims := g.Dims()
	var err error
	query := s.filter.Query()
	for query.Next() {
		w, r, e := query.Get()
		if err != nil {
			continue
		}
		switch {
		case len(r.lo) != dims || len(r.hi) != dims:
			err = simerr.Configf("stimulus", "region", simerr.ErrInvalidRegion,
				"stimulus %d: region has %d/%d coordinates for a %d-D grid", w.seq, len(r.lo), len(r.hi), dims)
			continue
		case !(w.end > w.start):
			err = simerr.Configf("stimulus", "window", simerr.ErrInvalidRegion,
				"stimulus %d: empty window [%g, %g)", w.seq, w.start, w.end)
			continue
		}
		for axis := range r.lo {
			if r.lo[axis] > r.hi[axis] {
				err = simerr.Configf("stimulus", "region", simerr.ErrInvalidRegion,
					"stimulus %d: lo %d > hi %d on axis %d", w.seq, r.lo[axis], r.hi[axis], axis)
				break
			}
		}
		r.nodes = g.BoxIndices(r.lo, r.hi)
		e.applied = false
	}
	return err
}

// Apply overlays every stimulus whose window contains t onto next, in
// sequence order. Voltage stimuli write their value once and are then
// flagged; current stimuli add value*dt on every call.
func (s *Sequence) Apply(next []float64, t, dt float64) {
	if s == nil || s.count == 0 {
		return
	}
	s.due = s.due[:0]
	query := s.filter.Query()
	for query.Next() {
		w, r, e := query.Get()
		if t < w.start || t >= w.end {
			continue
		}
		if e.kind == Voltage && e.applied {
			continue
		}
		s.due = append(s.due, due{seq: w.seq, region: r, effect: e})
	}
	sort.Slice(s.due, func(i, j int) bool { return s.due[i].seq < s.due[j].seq })

	for _, d := range s.due {
		switch d.effect.kind {
		case Voltage:
			for _, i := range d.region.nodes {
				next[i] = d.effect.value
			}
			d.effect.applied = true
		case Current:
			inc := d.effect.value * dt
			for _, i := range d.region.nodes {
				next[i] += inc
			}
		}
	}
}

// Active returns the number of stimuli whose window contains t.
func (s *Sequence) Active(t float64) int {
	if s == nil {
		return 0
	}
	n := 0
	query := s.filter.Query()
	for query.Next() {
		w, _, _ := query.Get()
		if t >= w.start && t < w.end {
			n++
		}
	}
	return n
}

// Stimuli returns the stimuli in sequence order.
func (s *Sequence) Stimuli() []Stimulus {
	if s == nil {
		return nil
	}
	out := make([]Stimulus, s.count)
	query := s.filter.Query()
	for query.Next() {
		w, r, e := query.Get()
		out[w.seq] = Stimulus{
			Kind:   e.kind,
			Start:  w.start,
			End:    w.end,
			Value:  e.value,
			Region: Region{Lo: append([]int(nil), r.lo...), Hi: append([]int(nil), r.hi...)},
		}
	}
	return out
}
