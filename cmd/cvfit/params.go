// Package main fits tissue and model parameters so that a planar wave in a
// 1D cable reaches a target conduction velocity and action potential
// duration.
package main

import (
	"fmt"
	"strings"

	"github.com/pthm-cable/cardio/config"
	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/tissue"
)

// diffusionParam names the isotropic diffusion coefficient.
const diffusionParam = "d"

// stabilityMargin keeps the fitted D below the explicit stability bound.
const stabilityMargin = 0.9

// ParamSpec defines a single optimizable parameter.
type ParamSpec struct {
	Name    string  // "d" or a model parameter name
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Starting value
}

// ParamVector holds the set of optimizable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the parameter set for base: the diffusion
// coefficient, bounded by the 1D stability limit, followed by the named
// model parameters, each allowed to move by spread around its base value.
func NewParamVector(base *config.Config, model []string, spread float64) (*ParamVector, error) {
	kernel, err := ionic.NewWithParams(base.Derived.Kind, base.Model.Params)
	if err != nil {
		return nil, err
	}
	coeff := base.DiffusionFor(kernel)
	maxD := stabilityMargin * tissue.StableDT(tissue.Isotropic, tissue.Coefficients{D: 1}, base.Numerics.DR, 1) /
		base.Numerics.DT
	d := min(coeff.D, maxD)

	pv := &ParamVector{Specs: []ParamSpec{
		{Name: diffusionParam, Path: "diffusion.d", Min: maxD / 100, Max: maxD, Default: d},
	}}
	for _, name := range model {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, err := kernel.Params().Get(name)
		if err != nil {
			return nil, err
		}
		lo, hi := v*(1-spread), v*(1+spread)
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo == hi {
			return nil, fmt.Errorf("parameter %q is zero and has no search range", name)
		}
		pv.Specs = append(pv.Specs, ParamSpec{
			Name: name, Path: "model.params." + name, Min: lo, Max: hi, Default: v,
		})
	}
	return pv, nil
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = min(max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig writes clamped parameter values into cfg. The diffusion
// coefficient is applied isotropically.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	clamped := pv.Clamp(values)
	for i, spec := range pv.Specs {
		if spec.Name == diffusionParam {
			cfg.Diffusion.D = clamped[i]
			cfg.Diffusion.Along, cfg.Diffusion.Across = 0, 0
			continue
		}
		if cfg.Model.Params == nil {
			cfg.Model.Params = make(map[string]float64)
		}
		cfg.Model.Params[spec.Name] = clamped[i]
	}
}

// Format renders values as name=value pairs for logs.
func (pv *ParamVector) Format(values []float64) string {
	parts := make([]string, len(pv.Specs))
	for i, spec := range pv.Specs {
		parts[i] = fmt.Sprintf("%s=%.6g", spec.Name, values[i])
	}
	return strings.Join(parts, " ")
}
