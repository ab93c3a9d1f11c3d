package filament

import (
	"os"
	"path/filepath"
	"testing"

	"filament-host/pkg/config"
	"filament-host/pkg/machine"
)

func writeTestConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filament.cfg")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestSavePositionPersistsToolheadXY(t *testing.T) {
	h := newTestHost(t)
	path := writeTestConfig(t, "[cutter_sensor toolhead]\n"+
		"cutter_position_xy: 50, 50\n"+
		"pre_cutter_position_xy: 40, 50\n")
	store, err := config.LoadAutosave(path)
	if err != nil {
		t.Fatalf("load autosave: %v", err)
	}
	if _, err := NewPositionSaver(h.d, h.sim, store); err != nil {
		t.Fatalf("new position saver: %v", err)
	}

	if err := h.d.Execute("G28"); err != nil {
		t.Fatalf("home: %v", err)
	}
	if err := h.sim.ManualMove(machine.F(120), machine.F(80), nil, nil, 100); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := h.d.Execute("CUTTER_SAVE_POSITION SENSOR=toolhead POSITION=pre_cut"); err != nil {
		t.Fatalf("save position: %v", err)
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload saved config: %v", err)
	}
	section, err := saved.GetSection("cutter_sensor toolhead")
	if err != nil {
		t.Fatalf("saved section: %v", err)
	}
	got, err := section.Get("pre_cutter_position_xy")
	if err != nil {
		t.Fatalf("saved option: %v", err)
	}
	if got != "120.000, 80.000" {
		t.Errorf("pre_cutter_position_xy = %q, want %q", got, "120.000, 80.000")
	}
	// The untouched option survives the rewrite.
	if got, _ := section.Get("cutter_position_xy"); got != "50, 50" {
		t.Errorf("cutter_position_xy = %q, want %q", got, "50, 50")
	}
	if h.countOutput("Saved pre_cutter_position_xy") != 1 {
		t.Errorf("save confirmation missing from output: %v", h.outputLines())
	}
}

func TestSavePositionDefaultsToCut(t *testing.T) {
	h := newTestHost(t)
	path := writeTestConfig(t, "[cutter_sensor toolhead]\n"+
		"cutter_position_xy: 50, 50\n")
	store, err := config.LoadAutosave(path)
	if err != nil {
		t.Fatalf("load autosave: %v", err)
	}
	if _, err := NewPositionSaver(h.d, h.sim, store); err != nil {
		t.Fatalf("new position saver: %v", err)
	}
	if err := h.d.Execute("G28"); err != nil {
		t.Fatalf("home: %v", err)
	}
	if err := h.sim.ManualMove(machine.F(33), machine.F(44), nil, nil, 100); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := h.d.Execute("CUTTER_SAVE_POSITION SENSOR=toolhead"); err != nil {
		t.Fatalf("save position: %v", err)
	}

	saved, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload saved config: %v", err)
	}
	section, err := saved.GetSection("cutter_sensor toolhead")
	if err != nil {
		t.Fatalf("saved section: %v", err)
	}
	if got, _ := section.Get("cutter_position_xy"); got != "33.000, 44.000" {
		t.Errorf("cutter_position_xy = %q, want %q", got, "33.000, 44.000")
	}
}

func TestSavePositionRejectsBadArguments(t *testing.T) {
	h := newTestHost(t)
	path := writeTestConfig(t, "[cutter_sensor toolhead]\n"+
		"cutter_position_xy: 50, 50\n")
	store, err := config.LoadAutosave(path)
	if err != nil {
		t.Fatalf("load autosave: %v", err)
	}
	if _, err := NewPositionSaver(h.d, h.sim, store); err != nil {
		t.Fatalf("new position saver: %v", err)
	}

	if err := h.d.Execute("CUTTER_SAVE_POSITION POSITION=cut"); err == nil {
		t.Error("missing SENSOR accepted")
	}
	if err := h.d.Execute("CUTTER_SAVE_POSITION SENSOR=toolhead POSITION=sideways"); err == nil {
		t.Error("unknown POSITION accepted")
	}
	if err := h.d.Execute("CUTTER_SAVE_POSITION SENSOR=nope"); err == nil {
		t.Error("unknown sensor accepted")
	}
}
