package gcode

import (
	"testing"
)

func TestParseClassicCommand(t *testing.T) {
	cmd := parseLine("G1 X10.5 Y-2 E-5 F3000")
	if cmd == nil {
		t.Fatal("parseLine returned nil")
	}
	if cmd.Name != "G1" {
		t.Errorf("name = %q, want G1", cmd.Name)
	}
	for key, want := range map[string]string{"X": "10.5", "Y": "-2", "E": "-5", "F": "3000"} {
		if got := cmd.Params[key]; got != want {
			t.Errorf("param %s = %q, want %q", key, got, want)
		}
	}
}

func TestParseClassicAxisFlag(t *testing.T) {
	cmd := parseLine("G28 X")
	if cmd == nil {
		t.Fatal("parseLine returned nil")
	}
	if v, ok := cmd.Params["X"]; !ok || v != "" {
		t.Errorf("G28 X flag parsed as %q (present=%v)", v, ok)
	}
}

func TestParseExtendedCommand(t *testing.T) {
	cmd := parseLine("unload_filament TEMPERATURE=250 toolhead=Load_T0")
	if cmd == nil {
		t.Fatal("parseLine returned nil")
	}
	if cmd.Name != "UNLOAD_FILAMENT" {
		t.Errorf("name = %q, want UNLOAD_FILAMENT", cmd.Name)
	}
	if got := cmd.Params["TEMPERATURE"]; got != "250" {
		t.Errorf("TEMPERATURE = %q", got)
	}
	if got := cmd.Params["TOOLHEAD"]; got != "Load_T0" {
		t.Errorf("TOOLHEAD = %q, value case must be preserved", got)
	}
}

func TestParseExtendedFlagWord(t *testing.T) {
	cmd := parseLine("T0 PARK")
	if cmd == nil {
		t.Fatal("parseLine returned nil")
	}
	if cmd.Name != "T0" {
		t.Errorf("name = %q, want T0", cmd.Name)
	}
	if _, ok := cmd.Params["PARK"]; !ok {
		t.Error("PARK flag missing")
	}
}

func TestParseComments(t *testing.T) {
	if cmd := parseLine("; just a comment"); cmd != nil {
		t.Errorf("comment line parsed as %+v", cmd)
	}
	if cmd := parseLine("   "); cmd != nil {
		t.Errorf("blank line parsed as %+v", cmd)
	}
	cmd := parseLine("G1 X5 ; move over")
	if cmd == nil || cmd.Params["X"] != "5" {
		t.Fatalf("inline comment broke parse: %+v", cmd)
	}
	cmd = parseLine("G1 (inline note) X7")
	if cmd == nil || cmd.Params["X"] != "7" {
		t.Fatalf("paren comment broke parse: %+v", cmd)
	}
}

func TestGetFloatWithBounds(t *testing.T) {
	cmd := parseLine("CUT SENSOR=tool0 TEMPERATURE=220")
	v, err := cmd.GetFloatWithBounds("TEMPERATURE", 220.0, 200.0, 250.0)
	if err != nil || v != 220.0 {
		t.Fatalf("in-range value: got %v, %v", v, err)
	}

	cmd = parseLine("CUT TEMPERATURE=190")
	if _, err := cmd.GetFloatWithBounds("TEMPERATURE", 220.0, 200.0, 250.0); err == nil {
		t.Error("below-minimum value accepted")
	}
	cmd = parseLine("CUT TEMPERATURE=260")
	if _, err := cmd.GetFloatWithBounds("TEMPERATURE", 220.0, 200.0, 250.0); err == nil {
		t.Error("above-maximum value accepted")
	}

	cmd = parseLine("CUT")
	v, err = cmd.GetFloatWithBounds("TEMPERATURE", 220.0, 200.0, 250.0)
	if err != nil || v != 220.0 {
		t.Fatalf("default not applied: %v, %v", v, err)
	}
}

func TestGetBool(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"CUT MOVE_TO_LAST_POS=1", true},
		{"CUT MOVE_TO_LAST_POS=true", true},
		{"CUT MOVE_TO_LAST_POS=0", false},
		{"CUT MOVE_TO_LAST_POS=no", false},
		{"CUT MOVE_TO_LAST_POS", true},
	}
	for _, tc := range cases {
		cmd := parseLine(tc.line)
		got, err := cmd.GetBool("MOVE_TO_LAST_POS", false)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.line, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.line, got, tc.want)
		}
	}

	cmd := parseLine("CUT MOVE_TO_LAST_POS=maybe")
	if _, err := cmd.GetBool("MOVE_TO_LAST_POS", false); err == nil {
		t.Error("malformed boolean accepted")
	}
}

func TestRequire(t *testing.T) {
	cmd := parseLine("QUERY_FILAMENT_SENSOR SENSOR=tool0")
	v, err := cmd.Require("SENSOR")
	if err != nil || v != "tool0" {
		t.Fatalf("Require present: %q, %v", v, err)
	}
	cmd = parseLine("QUERY_FILAMENT_SENSOR")
	if _, err := cmd.Require("SENSOR"); err == nil {
		t.Error("Require on absent parameter did not error")
	}
}

func TestGetIntInvalid(t *testing.T) {
	cmd := parseLine("SET_FILAMENT_SENSOR ENABLE=two")
	if _, err := cmd.GetInt("ENABLE", 1); err == nil {
		t.Error("malformed integer accepted")
	}
}
