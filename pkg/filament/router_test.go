package filament

import (
	"strings"
	"sync"
	"testing"
	"time"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/event"
	"filament-host/pkg/gcode"
	"filament-host/pkg/machine"
	"filament-host/pkg/reactor"
)

// testHost wires a reactor, simulated machine, dispatcher and bus the way
// the daemon does, with the operator output captured for assertions.
type testHost struct {
	r      *reactor.Reactor
	d      *gcode.Dispatcher
	bus    *event.Bus
	sim    *machine.Simulator
	macros *gcode.MacroSet

	mu     sync.Mutex
	output []string
}

func newTestHost(t *testing.T) *testHost {
	return newTestHostWithConfig(t, machine.DefaultSimConfig())
}

func newTestHostWithConfig(t *testing.T, simCfg machine.SimConfig) *testHost {
	t.Helper()
	r := reactor.New()
	r.Run()
	t.Cleanup(r.End)

	sim := machine.NewSimulator(r, simCfg)
	d := gcode.NewDispatcher()
	if err := sim.RegisterCommands(d); err != nil {
		t.Fatalf("register machine commands: %v", err)
	}
	h := &testHost{
		r:      r,
		d:      d,
		bus:    event.NewBus(),
		sim:    sim,
		macros: gcode.NewMacroSet(d),
	}
	d.AddOutputHandler(func(msg string) {
		h.mu.Lock()
		h.output = append(h.output, msg)
		h.mu.Unlock()
	})
	return h
}

func (h *testHost) outputLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.output...)
}

func (h *testHost) countOutput(substr string) int {
	n := 0
	for _, line := range h.outputLines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func (h *testHost) countHistory(substr string) int {
	n := 0
	for _, line := range h.sim.History() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sectionFromString(t *testing.T, text, name string) *config.Section {
	t.Helper()
	cfg, err := config.LoadString(text)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	section, err := cfg.GetSection(name)
	if err != nil {
		t.Fatalf("section %s: %v", name, err)
	}
	return section
}

func newTestRouter(t *testing.T, h *testHost, extra string) *CutterSensor {
	t.Helper()
	text := "[cutter_sensor toolhead]\n" +
		"cutter_position_xy: 50, 50\n" +
		"pre_cutter_position_xy: 40, 50\n" +
		extra
	section := sectionFromString(t, text, "cutter_sensor toolhead")
	cs, err := NewCutterSensor(h.r, h.d, h.bus, h.sim, h.macros, nil, section)
	if err != nil {
		t.Fatalf("new cutter sensor: %v", err)
	}
	return cs
}

// openQuietPeriod backdates the quiet deadline so the next transition is
// acted on immediately.
func openQuietPeriod(cs *CutterSensor) {
	cs.mu.Lock()
	cs.minEventSystime = 0
	cs.mu.Unlock()
}

type stubActivity struct{ started bool }

func (s *stubActivity) Started() bool { return s.started }

func TestRouterQuietPeriodSuppressesRapidToggles(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "insert_gcode: M117 filament_in\nevent_delay: 0.1\n")
	openQuietPeriod(cs)

	var presentEvents int
	h.bus.Subscribe(event.TopicFilamentPresent, func(eventtime float64) { presentEvents++ })

	cs.OnPresenceChanged(0, 1)
	// The reaction is still rendering; these arrive inside the closed
	// quiet period and must only update the presence state.
	cs.OnPresenceChanged(0, 0)
	cs.OnPresenceChanged(0, 1)

	waitFor(t, "insert reaction", func() bool { return h.countHistory("M117 filament_in") > 0 })
	if got := h.countHistory("M117 filament_in"); got != 1 {
		t.Errorf("insert reaction ran %d times, want 1", got)
	}
	if presentEvents != 1 {
		t.Errorf("filament_present published %d times, want 1", presentEvents)
	}
	if !cs.FilamentDetected() {
		t.Error("presence state lost during quiet period")
	}
}

func TestRouterRunoutWhilePrinting(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "runout_gcode: M117 runout_fired\nevent_delay: 0.2\n")
	h.sim.StartJob("part.gcode")
	openQuietPeriod(cs)

	var noFilamentEvents int
	h.bus.Subscribe(event.TopicNoFilament, func(eventtime float64) { noFilamentEvents++ })

	// Filament appears while printing: presence tracked, no reaction.
	cs.OnPresenceChanged(0, 1)
	if got := h.countHistory("M117"); got != 0 {
		t.Fatalf("insert while printing ran a reaction: %d M117 lines", got)
	}

	before := h.r.Monotonic()
	cs.OnPresenceChanged(0, 0)
	// Extra toggles inside the reaction's quiet window are no-ops.
	cs.OnPresenceChanged(0, 1)
	cs.OnPresenceChanged(0, 0)

	waitFor(t, "runout reaction", func() bool { return h.countHistory("M117 runout_fired") > 0 })
	if got := h.countHistory("M117 runout_fired"); got != 1 {
		t.Errorf("runout reaction ran %d times, want 1", got)
	}
	if noFilamentEvents != 1 {
		t.Errorf("no_filament published %d times, want 1", noFilamentEvents)
	}

	waitFor(t, "quiet period re-armed", func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return cs.minEventSystime < reactor.NEVER
	})
	cs.mu.Lock()
	quiet := cs.minEventSystime
	cs.mu.Unlock()
	if quiet < before+0.2 {
		t.Errorf("quiet deadline %.3f not extended by event_delay past %.3f", quiet, before)
	}
}

func TestRouterMacroFailureStillRearmsQuietPeriod(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "runout_gcode: NO_SUCH_COMMAND\nevent_delay: 0.1\n")
	h.sim.StartJob("part.gcode")
	openQuietPeriod(cs)

	cs.OnPresenceChanged(0, 1)
	cs.OnPresenceChanged(0, 0)

	// The script fails to dispatch but the router must recover.
	waitFor(t, "quiet period re-armed after failed macro", func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return cs.minEventSystime < reactor.NEVER
	})
}

func TestRouterDisabledSensorTracksPresenceOnly(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "insert_gcode: M117 filament_in\n")
	openQuietPeriod(cs)
	cs.SetEnabled(false)

	cs.OnPresenceChanged(0, 1)
	if !cs.FilamentDetected() {
		t.Error("disabled sensor stopped tracking presence")
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.countHistory("M117 filament_in"); got != 0 {
		t.Errorf("disabled sensor ran %d reactions, want 0", got)
	}
}

func TestRouterFinishesCutOnClearingAbsent(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "")
	openQuietPeriod(cs)
	cs.WatchOperation(&stubActivity{started: true})

	// Mark an in-flight clearing phase, as if Cut had just returned.
	cs.cutter.mu.Lock()
	cs.cutter.state = cutClearing
	cs.cutter.mu.Unlock()

	cs.OnPresenceChanged(0, 1)
	cs.OnPresenceChanged(0, 0)

	if got := cs.cutter.State(); got != "idle" {
		t.Errorf("cutter state = %q after sensor cleared, want idle", got)
	}
	if got := h.countOutput("[CUTTER] Cut done."); got != 1 {
		t.Errorf("cut completion announced %d times, want 1", got)
	}
	if wt := cs.cutter.pulseTimer.Waketime(); wt < reactor.NEVER {
		t.Errorf("pulse timer still armed at %.3f", wt)
	}
}

func TestRouterStopsCutSilentlyOnIdleRunout(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "runout_gcode: M117 runout_fired\nevent_delay: 0.1\n")
	openQuietPeriod(cs)

	cs.cutter.mu.Lock()
	cs.cutter.state = cutClearing
	cs.cutter.mu.Unlock()

	cs.OnPresenceChanged(0, 1)
	openQuietPeriod(cs)
	cs.OnPresenceChanged(0, 0)

	waitFor(t, "runout reaction", func() bool { return h.countHistory("M117 runout_fired") > 0 })
	if got := cs.cutter.State(); got != "idle" {
		t.Errorf("cutter state = %q, want idle", got)
	}
	if got := h.countOutput("[CUTTER] Cut done."); got != 0 {
		t.Errorf("idle runout announced cut completion %d times, want 0", got)
	}
}

func TestRouterNormalizesModesAfterEveryTransition(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "")
	openQuietPeriod(cs)

	run := func(line string) {
		t.Helper()
		if err := h.d.Execute(line); err != nil {
			t.Fatalf("execute %q: %v", line, err)
		}
	}
	run("G28")
	run("G91")
	run("M82")

	cs.OnPresenceChanged(0, 1)

	status := h.sim.Status()
	if status["absolute_coord"] != true {
		t.Error("coordinates not normalized to absolute")
	}
	if status["absolute_extrude"] != false {
		t.Error("extrusion not normalized to relative")
	}
	_, _, _, e := h.sim.Position()
	if e != 0 {
		t.Errorf("extruder origin = %v, want 0", e)
	}
}

func TestRouterSensorCommands(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "")

	if err := h.d.Execute("QUERY_FILAMENT_SENSOR SENSOR=toolhead"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := h.countOutput("[CUTTER] No filament detected"); got != 1 {
		t.Errorf("query output seen %d times, want 1", got)
	}

	if err := h.d.Execute("SET_FILAMENT_SENSOR SENSOR=toolhead ENABLE=0"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cs.IsEnabled() {
		t.Error("sensor still enabled after SET_FILAMENT_SENSOR ENABLE=0")
	}

	err := h.d.Execute("QUERY_FILAMENT_SENSOR SENSOR=nope")
	if !errors.Is(err, errors.ErrGCodeInvalidParam) {
		t.Errorf("unknown sensor target: got %v, want invalid parameter error", err)
	}
}

func TestRouterStatus(t *testing.T) {
	h := newTestHost(t)
	cs := newTestRouter(t, h, "")
	openQuietPeriod(cs)

	status := cs.Status()
	if status["filament_detect"] != false || status["enabled"] != true {
		t.Errorf("initial status = %v", status)
	}

	cs.OnPresenceChanged(0, 1)
	status = cs.Status()
	if status["filament_detect"] != true {
		t.Errorf("status after insert = %v", status)
	}
}
