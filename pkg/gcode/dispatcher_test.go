package gcode

import (
	"strings"
	"testing"

	"filament-host/pkg/errors"
)

func TestRegisterAndExecute(t *testing.T) {
	d := NewDispatcher()

	var got *Command
	if err := d.RegisterCommand("TEST_CMD", "test", func(c *Command) error {
		got = c
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.Execute("TEST_CMD VALUE=42"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got == nil || got.Params["VALUE"] != "42" {
		t.Fatalf("handler not invoked with params: %+v", got)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	d := NewDispatcher()
	noop := func(c *Command) error { return nil }
	if err := d.RegisterCommand("DUP", "", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := d.RegisterCommand("DUP", "", noop); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestUnknownCommand(t *testing.T) {
	d := NewDispatcher()
	err := d.Execute("NOT_A_COMMAND")
	if err == nil {
		t.Fatal("unknown command did not error")
	}
	if !errors.Is(err, errors.ErrGCodeUnknownCmd) {
		t.Errorf("wrong error kind: %v", err)
	}
}

func TestMuxDispatch(t *testing.T) {
	d := NewDispatcher()

	var hit string
	mk := func(name string) HandlerFunc {
		return func(c *Command) error {
			hit = name
			return nil
		}
	}
	if err := d.RegisterMuxCommand("CUT", "SENSOR", "tool0", mk("tool0"), "cut"); err != nil {
		t.Fatalf("register tool0: %v", err)
	}
	if err := d.RegisterMuxCommand("CUT", "SENSOR", "tool1", mk("tool1"), "cut"); err != nil {
		t.Fatalf("register tool1: %v", err)
	}

	if err := d.Execute("CUT SENSOR=tool1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if hit != "tool1" {
		t.Errorf("dispatched to %q, want tool1", hit)
	}

	if err := d.Execute("CUT SENSOR=tool9"); err == nil {
		t.Error("unknown mux value accepted")
	}
	if err := d.Execute("CUT"); err == nil {
		t.Error("missing mux key accepted")
	}
}

func TestMuxDefaultHandler(t *testing.T) {
	d := NewDispatcher()

	var hit string
	d.RegisterMuxCommand("QUERY_PROBE", "PROBE", "side", func(c *Command) error {
		hit = "side"
		return nil
	}, "")
	d.RegisterMuxCommand("QUERY_PROBE", "PROBE", "", func(c *Command) error {
		hit = "default"
		return nil
	}, "")

	if err := d.Execute("QUERY_PROBE"); err != nil {
		t.Fatalf("execute without key: %v", err)
	}
	if hit != "default" {
		t.Errorf("dispatched to %q, want default", hit)
	}
}

func TestMuxKeyConflict(t *testing.T) {
	d := NewDispatcher()
	noop := func(c *Command) error { return nil }
	d.RegisterMuxCommand("MIXED", "SENSOR", "a", noop, "")
	if err := d.RegisterMuxCommand("MIXED", "HEATER", "b", noop, ""); err == nil {
		t.Fatal("conflicting mux keys accepted")
	}
}

func TestRunScriptStopsOnError(t *testing.T) {
	d := NewDispatcher()

	var ran []string
	d.RegisterCommand("STEP_A", "", func(c *Command) error {
		ran = append(ran, "A")
		return nil
	})
	d.RegisterCommand("STEP_B", "", func(c *Command) error {
		ran = append(ran, "B")
		return errors.RuntimeError("boom")
	})
	d.RegisterCommand("STEP_C", "", func(c *Command) error {
		ran = append(ran, "C")
		return nil
	})

	err := d.RunScript("STEP_A\nSTEP_B\nSTEP_C")
	if err == nil {
		t.Fatal("script error swallowed")
	}
	if len(ran) != 2 || ran[1] != "B" {
		t.Errorf("ran %v, want [A B]", ran)
	}
}

func TestRespondOutputs(t *testing.T) {
	d := NewDispatcher()

	var lines []string
	d.AddOutputHandler(func(msg string) {
		lines = append(lines, msg)
	})

	d.RespondInfo("filament detected")
	d.RespondError("heater fault")
	d.RespondRaw("ok")

	want := []string{"// filament detected", "!! heater fault", "ok"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %v, want %d", len(lines), lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRenameCommand(t *testing.T) {
	d := NewDispatcher()

	var hit string
	d.RegisterCommand("PAUSE", "", func(c *Command) error {
		hit = "base"
		return nil
	})
	if err := d.RenameCommand("PAUSE", "PAUSE_BASE"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	d.RegisterCommand("PAUSE", "", func(c *Command) error {
		hit = "override"
		return nil
	})

	d.Execute("PAUSE")
	if hit != "override" {
		t.Errorf("PAUSE dispatched to %q", hit)
	}
	d.Execute("PAUSE_BASE")
	if hit != "base" {
		t.Errorf("PAUSE_BASE dispatched to %q", hit)
	}
}

func TestHelpListsCommands(t *testing.T) {
	d := NewDispatcher()
	d.RegisterCommand("UNLOAD_FILAMENT", "Unload filament from the toolhead", func(c *Command) error { return nil })

	var out strings.Builder
	d.AddOutputHandler(func(msg string) {
		out.WriteString(msg)
		out.WriteString("\n")
	})
	if err := d.Execute("HELP"); err != nil {
		t.Fatalf("HELP: %v", err)
	}
	if !strings.Contains(out.String(), "UNLOAD_FILAMENT") {
		t.Errorf("HELP output missing command: %s", out.String())
	}
}

func TestRespondCommand(t *testing.T) {
	d := NewDispatcher()
	var lines []string
	d.AddOutputHandler(func(msg string) {
		lines = append(lines, msg)
	})

	if err := d.Execute("RESPOND TYPE=echo MSG=hello"); err != nil {
		t.Fatalf("RESPOND: %v", err)
	}
	if len(lines) != 1 || lines[0] != "echo: hello" {
		t.Errorf("lines = %v", lines)
	}
	if err := d.Execute("RESPOND TYPE=bogus MSG=x"); err == nil {
		t.Error("bad TYPE accepted")
	}
}
