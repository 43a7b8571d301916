package command

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pthm-cable/cardio/engine"
	"github.com/pthm-cable/cardio/ionic"
	"github.com/pthm-cable/cardio/simerr"
	"github.com/pthm-cable/cardio/tissue"
)

func newEngine(t *testing.T, tmax float64, cmds ...engine.ScheduledMutator) *engine.Engine {
	t.Helper()
	g, err := tissue.New(8)
	if err != nil {
		t.Fatal(err)
	}
	e := engine.New(engine.Options{Workers: 1, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	for _, c := range cmds {
		e.AddMutator(c)
	}
	err = e.Initialize(engine.Setup{
		Grid:   g,
		Kernel: ionic.NewAlievPanfilov(),
		DT:     0.01,
		DR:     0.25,
		TMax:   tmax,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestSetParameter(t *testing.T) {
	e := newEngine(t, 0.1, SetParameter{At: 0.03, Param: "mu_1", Value: 0.5})

	for e.Time() < 0.015 {
		if err := e.Step(); err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := e.Parameter("mu_1"); v != 0.2 {
		t.Errorf("mu_1 changed early: %v at t=%v", v, e.Time())
	}
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if v, _ := e.Parameter("mu_1"); v != 0.5 {
		t.Errorf("mu_1 = %v after run", v)
	}
	if e.HookErrors() != 0 {
		t.Errorf("hook errors = %d", e.HookErrors())
	}
}

func TestSetUnknownParameter(t *testing.T) {
	e := newEngine(t, 0.05, SetParameter{At: 0, Param: "nope", Value: 1})
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if e.HookErrors() != 1 {
		t.Errorf("hook errors = %d, want 1", e.HookErrors())
	}
}

func TestSequenceOrdersByTime(t *testing.T) {
	var order []string
	record := func(label string) Func {
		return Func{Label: label, Fn: func(m engine.Mutable) error {
			order = append(order, label)
			return nil
		}}
	}
	seq := Sequence(
		SetParameter{At: 2, Param: "k", Value: 7},
		SetParameter{At: 1, Param: "k", Value: 9},
		SetParameter{At: 1, Param: "a", Value: 0.12},
	)
	got := make([]string, len(seq))
	for i, m := range seq {
		got[i] = m.(SetParameter).Name()
	}
	want := []string{"set k", "set a", "set k"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if seq[2].(SetParameter).At != 2 {
		t.Error("latest command not last")
	}

	first, second := record("first"), record("second")
	second.At = 0.02
	e := newEngine(t, 0.05, second, first)
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v", order)
	}
}

func TestFuncErrorIsIsolated(t *testing.T) {
	boom := Func{Fn: func(engine.Mutable) error { return errors.New("boom") }}
	if boom.Name() != "func" {
		t.Errorf("name = %q", boom.Name())
	}
	e := newEngine(t, 0.05, boom)
	if err := e.Run(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if e.HookErrors() != 1 {
		t.Errorf("hook errors = %d, want 1", e.HookErrors())
	}
	if err := (SetParameter{Param: "x"}).Execute(e); !errors.Is(err, simerr.ErrUnknownParameter) {
		t.Errorf("Execute unknown = %v", err)
	}
}
