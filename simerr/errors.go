// Package simerr defines the error taxonomy shared by the simulation packages.
package simerr

import (
	"errors"
	"fmt"
)

// Configuration errors. These are fatal and raised before a run starts.
var (
	ErrInvalidShape       = errors.New("invalid grid shape")
	ErrInvalidNodeType    = errors.New("invalid node type")
	ErrFiberShape         = errors.New("fiber field shape does not match grid")
	ErrFiberNorm          = errors.New("fiber vector is not unit length")
	ErrMissingCoefficient = errors.New("diffusion coefficient not set")
	ErrMissingBinding     = errors.New("required binding missing")
	ErrUnknownVariable    = errors.New("unknown state variable")
	ErrUnknownParameter   = errors.New("unknown model parameter")
	ErrUnknownModel       = errors.New("unknown ionic model")
	ErrInvalidRegion      = errors.New("invalid stimulus region")
	ErrInvalidTimeStep    = errors.New("invalid time or space step")
)

// Lifecycle errors returned by the engine when stepped out of order.
var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrFinished       = errors.New("engine run finished")
)

// ErrUnstableTimeStep marks a time step above the explicit-scheme stability
// bound. It is reported as a warning, never returned as a fatal error.
var ErrUnstableTimeStep = errors.New("time step exceeds explicit stability bound")

// ErrDiverged is returned when the potential became non-finite during a run.
var ErrDiverged = errors.New("potential diverged")

// ConfigError wraps a configuration failure with the component that rejected it.
type ConfigError struct {
	Component string // grid, stencil, kernel, stimulus, engine, config
	Field     string
	Err       error
}

// Configf builds a ConfigError whose message is formatted from args and
// whose wrapped error is sentinel.
func Configf(component, field string, sentinel error, format string, args ...any) *ConfigError {
	return &ConfigError{
		Component: component,
		Field:     field,
		Err:       fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...),
	}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// HookError wraps a tracker or command failure with the step it occurred in.
// Hook errors never abort a step.
type HookError struct {
	Hook string
	Step int
	Time float64
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s at step %d (t=%g): %v", e.Hook, e.Step, e.Time, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
