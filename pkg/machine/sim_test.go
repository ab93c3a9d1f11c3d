package machine

import (
	"strings"
	"testing"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/gcode"
	"filament-host/pkg/reactor"
)

func newTestMachine(t *testing.T, cfg SimConfig) (*Simulator, *gcode.Dispatcher) {
	t.Helper()
	r := reactor.New()
	t.Cleanup(r.End)
	sim := NewSimulator(r, cfg)
	d := gcode.NewDispatcher()
	if err := sim.RegisterCommands(d); err != nil {
		t.Fatalf("register commands: %v", err)
	}
	return sim, d
}

func run(t *testing.T, d *gcode.Dispatcher, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if err := d.Execute(line); err != nil {
			t.Fatalf("execute %q: %v", line, err)
		}
	}
}

func TestMoveRequiresHoming(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	err := d.Execute("G1 X10")
	if !errors.Is(err, errors.ErrOpMotion) {
		t.Fatalf("move before homing: got %v, want motion error", err)
	}

	run(t, d, "G28", "G1 X10 Y5")
	if got := sim.HomedAxes(); got != "xyz" {
		t.Errorf("homed axes = %q, want xyz", got)
	}
	x, y, _, _ := sim.Position()
	if x != 10 || y != 5 {
		t.Errorf("position = (%v, %v), want (10, 5)", x, y)
	}
}

func TestPartialHoming(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	run(t, d, "G28 X")
	if got := sim.HomedAxes(); got != "x" {
		t.Errorf("homed axes = %q, want x", got)
	}
	if err := d.Execute("G1 Y10"); !errors.Is(err, errors.ErrOpMotion) {
		t.Errorf("Y move with only X homed: got %v, want motion error", err)
	}
}

func TestRelativeCoordinates(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	run(t, d, "G28", "G91", "G1 X10", "G1 X10")
	x, _, _, _ := sim.Position()
	if x != 20 {
		t.Errorf("after two relative moves x = %v, want 20", x)
	}

	run(t, d, "G90", "G1 X5")
	x, _, _, _ = sim.Position()
	if x != 5 {
		t.Errorf("after absolute move x = %v, want 5", x)
	}
}

func TestExtrudeModes(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	run(t, d, "M83", "G1 E5", "G1 E5")
	_, _, _, e := sim.Position()
	if e != 10 {
		t.Errorf("relative extrude e = %v, want 10", e)
	}

	run(t, d, "G92 E0.0")
	_, _, _, e = sim.Position()
	if e != 0 {
		t.Errorf("after G92 e = %v, want 0", e)
	}

	run(t, d, "M82", "G1 E3")
	_, _, _, e = sim.Position()
	if e != 3 {
		t.Errorf("absolute extrude e = %v, want 3", e)
	}
}

func TestExtrudeFactor(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	run(t, d, "M221 S200", "M83", "G1 E5")
	if got := sim.ExtrudeFactor(); got != 2.0 {
		t.Errorf("extrude factor = %v, want 2.0", got)
	}
	_, _, _, e := sim.Position()
	if e != 10 {
		t.Errorf("scaled extrude e = %v, want 10", e)
	}
}

func TestHeaterInstant(t *testing.T) {
	sim, _ := newTestMachine(t, DefaultSimConfig())

	if err := sim.SetTarget(220, true); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	cur, target := sim.Measured()
	if cur != 220 || target != 220 {
		t.Errorf("measured = (%v, %v), want (220, 220)", cur, target)
	}

	if err := sim.SetTarget(0, true); err != nil {
		t.Fatalf("SetTarget zero with wait: %v", err)
	}
}

func TestHeaterRamp(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.HeatRate = 0.001
	sim, _ := newTestMachine(t, cfg)

	if err := sim.SetTarget(200, false); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	cur, target := sim.Measured()
	if target != 200 {
		t.Errorf("target = %v, want 200", target)
	}
	if cur > cfg.Ambient+1 {
		t.Errorf("measured = %v right after SetTarget, want near ambient %v", cur, cfg.Ambient)
	}
}

func TestHeaterWaitBlocksUntilTolerance(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.HeatRate = 200.0
	sim, _ := newTestMachine(t, cfg)

	if err := sim.SetTarget(45, true); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	cur, _ := sim.Measured()
	if cur < 45-heaterTolerance {
		t.Errorf("measured = %v after wait, want >= %v", cur, 45-heaterTolerance)
	}
}

func TestSoftBounds(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	run(t, d, "G28")

	sim.SetXYBounds(0, 0, 50, 50)
	if err := d.Execute("G1 X60"); !errors.Is(err, errors.ErrOpMotion) {
		t.Errorf("move past bound: got %v, want motion error", err)
	}
	run(t, d, "G1 X40 Y40")

	sim.RestoreDefaultBounds()
	run(t, d, "G1 X60")
	x, _, _, _ := sim.Position()
	if x != 60 {
		t.Errorf("x = %v after restoring bounds, want 60", x)
	}
}

func TestManualMoveSparse(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	run(t, d, "G28", "G1 X10 Y20 Z5")

	if err := sim.ManualMove(F(15), nil, nil, nil, 100); err != nil {
		t.Fatalf("ManualMove: %v", err)
	}
	x, y, z, _ := sim.Position()
	if x != 15 || y != 20 || z != 5 {
		t.Errorf("position = (%v, %v, %v), want (15, 20, 5)", x, y, z)
	}

	if err := sim.ManualMove(nil, nil, nil, F(-7), 50); err != nil {
		t.Fatalf("ManualMove extruder: %v", err)
	}
	_, _, _, e := sim.Position()
	if e != -7 {
		t.Errorf("e = %v, want -7", e)
	}
}

func TestSaveRestoreGCodeState(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	run(t, d, "G28", "G1 X30 Y20 Z5", "M83", "G92 E0.0",
		"SAVE_GCODE_STATE NAME=unload",
		"G1 X1 Y1 Z1", "M82", "G1 E9",
		"RESTORE_GCODE_STATE NAME=unload MOVE=1 MOVE_SPEED=100")

	x, y, z, e := sim.Position()
	if x != 30 || y != 20 || z != 5 {
		t.Errorf("position = (%v, %v, %v), want (30, 20, 5)", x, y, z)
	}
	if e != 0 {
		t.Errorf("e = %v after restore, want 0", e)
	}

	// Relative extrusion was saved, so the next E move is incremental.
	run(t, d, "G1 E5", "G1 E5")
	_, _, _, e = sim.Position()
	if e != 10 {
		t.Errorf("e = %v, want 10 (relative extrusion restored)", e)
	}

	err := d.Execute("RESTORE_GCODE_STATE NAME=missing")
	if !errors.Is(err, errors.ErrGCodeInvalidParam) {
		t.Errorf("restore unknown state: got %v, want invalid parameter error", err)
	}
}

func TestDualCarriage(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	run(t, d, "T1", "SAVE_DUAL_CARRIAGE_STATE NAME=unload_carriage_state", "T0")
	if got := sim.ActiveCarriage(); got != 0 {
		t.Fatalf("active carriage = %d, want 0", got)
	}
	run(t, d, "RESTORE_DUAL_CARRIAGE_STATE NAME=unload_carriage_state MOVE=0")
	if got := sim.ActiveCarriage(); got != 1 {
		t.Errorf("active carriage = %d, want 1", got)
	}

	run(t, d, "T0 PARK")
	if got := sim.ParkedTool(); got != 0 {
		t.Errorf("parked tool = %d, want 0", got)
	}
}

func TestPauseResume(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	var out []string
	d.AddOutputHandler(func(msg string) { out = append(out, msg) })

	run(t, d, "PAUSE")
	if !sim.IsPaused() {
		t.Fatal("expected paused after PAUSE")
	}
	run(t, d, "PAUSE") // second pause is a no-op
	run(t, d, "RESUME")
	if sim.IsPaused() {
		t.Fatal("expected not paused after RESUME")
	}

	var actions []string
	for _, line := range out {
		if strings.HasPrefix(line, "// action:") {
			actions = append(actions, line)
		}
	}
	want := []string{"// action:paused", "// action:resumed"}
	if len(actions) != len(want) {
		t.Fatalf("action lines = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestJobState(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())

	sim.StartJob("benchy.gcode")
	if !sim.IsPrinting() || !sim.JobFileActive() {
		t.Fatal("expected printing with an active job file")
	}
	run(t, d, "CANCEL_PRINT")
	if sim.IsPrinting() || sim.JobFileActive() {
		t.Error("expected idle after CANCEL_PRINT")
	}
}

func TestShutdown(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	calls := 0
	sim.SetShutdownHandler(func(reason string) { calls++ })

	run(t, d, "G28")
	if err := d.Execute("M112"); err != nil {
		t.Fatalf("M112: %v", err)
	}
	if !sim.IsShutdown() {
		t.Fatal("expected shutdown after M112")
	}
	if got := sim.ShutdownReason(); got != "M112 emergency stop" {
		t.Errorf("reason = %q", got)
	}
	if err := d.Execute("G1 X5"); !errors.Is(err, errors.ErrRuntime) {
		t.Errorf("move after shutdown: got %v, want runtime error", err)
	}
	if err := sim.SetTarget(200, false); !errors.Is(err, errors.ErrRuntime) {
		t.Errorf("heat after shutdown: got %v, want runtime error", err)
	}
	_, target := sim.Measured()
	if target != 0 {
		t.Errorf("heater target = %v after shutdown, want 0", target)
	}

	sim.Shutdown("again")
	if calls != 1 {
		t.Errorf("shutdown handler ran %d times, want 1", calls)
	}
}

func TestPositionReport(t *testing.T) {
	_, d := newTestMachine(t, DefaultSimConfig())
	var out []string
	d.AddOutputHandler(func(msg string) { out = append(out, msg) })

	run(t, d, "G28", "G1 X1.5 Y2.5", "M114")
	found := false
	for _, line := range out {
		if strings.Contains(line, "X:1.500 Y:2.500") {
			found = true
		}
	}
	if !found {
		t.Errorf("M114 output missing position, got %v", out)
	}
}

func TestDisplayMessage(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	run(t, d, "M117 Filament runout")
	if got := sim.DisplayMessage(); got != "Filament runout" {
		t.Errorf("display message = %q, want %q", got, "Filament runout")
	}
}

func TestHistory(t *testing.T) {
	sim, d := newTestMachine(t, DefaultSimConfig())
	run(t, d, "G28", "M83", "G92 E0.0")
	h := sim.History()
	if len(h) != 3 || h[0] != "G28" || h[1] != "M83" || h[2] != "G92 E0.0" {
		t.Errorf("history = %v", h)
	}
}

func TestLoadSimConfig(t *testing.T) {
	cfg, err := config.LoadString(`
[machine]
ambient_temperature: 20
heat_rate: 4.5
position_max_x: 420
`)
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}
	sc, err := LoadSimConfig(cfg)
	if err != nil {
		t.Fatalf("LoadSimConfig: %v", err)
	}
	if sc.Ambient != 20 || sc.HeatRate != 4.5 || sc.MaxX != 420 {
		t.Errorf("config = %+v", sc)
	}
	if sc.MaxY != 300 {
		t.Errorf("MaxY = %v, want default 300", sc.MaxY)
	}

	empty, _ := config.LoadString("[other]\nx: 1\n")
	sc, err = LoadSimConfig(empty)
	if err != nil {
		t.Fatalf("LoadSimConfig without section: %v", err)
	}
	if sc.Ambient != 25 {
		t.Errorf("default ambient = %v, want 25", sc.Ambient)
	}
}
