package simerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestConfigErrorWrapping(t *testing.T) {
	err := Configf("grid", "shape", ErrInvalidShape, "extent %d on axis %d", -1, 0)

	if !errors.Is(err, ErrInvalidShape) {
		t.Errorf("errors.Is(ErrInvalidShape) = false for %v", err)
	}
	if !IsConfig(err) {
		t.Error("IsConfig = false for a ConfigError")
	}

	wrapped := fmt.Errorf("building tissue: %w", err)
	if !IsConfig(wrapped) {
		t.Error("IsConfig = false through fmt.Errorf wrapping")
	}

	want := "grid.shape: invalid grid shape: extent -1 on axis 0"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestConfigErrorNoField(t *testing.T) {
	err := &ConfigError{Component: "engine", Err: ErrMissingBinding}
	if err.Error() != "engine: required binding missing" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHookError(t *testing.T) {
	base := errors.New("disk full")
	err := &HookError{Hook: "ecg", Step: 12, Time: 0.12, Err: base}

	if !errors.Is(err, base) {
		t.Error("HookError does not unwrap to its cause")
	}
	if IsConfig(err) {
		t.Error("HookError reported as config error")
	}
}
