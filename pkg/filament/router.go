// Package filament implements the filament-handling coordination core:
// the cutter sensor router, the cut and unload operations, the auxiliary
// runout sensors, and the staging helpers they share.
//
// All decision making runs on reactor time. The sensor router classifies
// each presence transition into exactly one reaction; operations run on
// the goroutine of whoever requested them and yield only at explicit
// suspension points (heater settle polls, pause delays).
package filament

import (
	"strings"
	"sync"

	"filament-host/pkg/config"
	"filament-host/pkg/event"
	"filament-host/pkg/gcode"
	"filament-host/pkg/log"
	"filament-host/pkg/machine"
	"filament-host/pkg/reactor"
)

// Activity is implemented by load/unload style operations the router
// consults before classifying a sensor event.
type Activity interface {
	Started() bool
}

// CutterSensor routes presence transitions from the cutter's filament
// sensor. It owns the presence state and the quiet period, and it owns
// the Cutter operation for its blade.
type CutterSensor struct {
	name        string
	sectionName string
	r           *reactor.Reactor
	d           *gcode.Dispatcher
	bus         *event.Bus
	mach        machine.Machine
	logger      *log.Logger

	mu              sync.Mutex
	filamentPresent bool
	sensorEnabled   bool
	minEventSystime float64
	ops             []Activity

	eventDelay    float64
	pauseDelay    float64
	pauseOnRunout bool

	runoutTemplate *gcode.Template
	insertTemplate *gcode.Template

	cutter *Cutter
}

// NewCutterSensor builds the router and its cut operation from one
// "cutter_sensor <name>" config section and registers the per-sensor
// console commands. boundary may be nil.
func NewCutterSensor(r *reactor.Reactor, d *gcode.Dispatcher, bus *event.Bus, mach machine.Machine, macros *gcode.MacroSet, boundary *Boundary, section *config.Section) (*CutterSensor, error) {
	parts := strings.Fields(section.GetName())
	name := parts[len(parts)-1]

	cs := &CutterSensor{
		name:            name,
		sectionName:     section.GetName(),
		r:               r,
		d:               d,
		bus:             bus,
		mach:            mach,
		logger:          log.GetLogger("cutter_sensor." + name),
		sensorEnabled:   true,
		minEventSystime: reactor.NEVER,
	}

	var err error
	if cs.eventDelay, err = section.GetFloatWithBounds("event_delay",
		config.FloatBounds{Above: fptr(0.0)}, 0.3); err != nil {
		return nil, err
	}
	if cs.pauseDelay, err = section.GetFloatWithBounds("pause_delay",
		config.FloatBounds{Above: fptr(0.0)}, 0.5); err != nil {
		return nil, err
	}
	if cs.pauseOnRunout, err = section.GetBool("pause_on_runout", false); err != nil {
		return nil, err
	}
	if section.HasOption("runout_gcode") {
		if cs.runoutTemplate, err = macros.LoadTemplate(section, "runout_gcode", ""); err != nil {
			return nil, err
		}
	}
	if section.HasOption("insert_gcode") {
		if cs.insertTemplate, err = macros.LoadTemplate(section, "insert_gcode", ""); err != nil {
			return nil, err
		}
	}

	cutCfg, err := loadCutterConfig(section)
	if err != nil {
		return nil, err
	}
	cs.cutter = NewCutter(name, r, d, bus, mach, boundary, cutCfg)

	if err := d.RegisterMuxCommand("CUT", "SENSOR", name, cs.cmdCut,
		"Cut the filament at the toolhead cutter"); err != nil {
		return nil, err
	}
	if err := d.RegisterMuxCommand("QUERY_FILAMENT_SENSOR", "SENSOR", name, cs.cmdQuery,
		"Query the status of the cutter sensor"); err != nil {
		return nil, err
	}
	if err := d.RegisterMuxCommand("SET_FILAMENT_SENSOR", "SENSOR", name, cs.cmdSetEnable,
		"Enable or disable the cutter sensor"); err != nil {
		return nil, err
	}
	return cs, nil
}

// Name returns the sensor instance name.
func (cs *CutterSensor) Name() string { return cs.name }

// GetName returns the config section name.
func (cs *CutterSensor) GetName() string { return cs.sectionName }

// Cutter returns the cut operation owned by this sensor.
func (cs *CutterSensor) Cutter() *Cutter { return cs.cutter }

// WatchOperation adds an operation whose activity gates branch selection.
func (cs *CutterSensor) WatchOperation(op Activity) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ops = append(cs.ops, op)
}

// HandleReady opens the initial quiet period once the host is up.
func (cs *CutterSensor) HandleReady(eventtime float64) {
	cs.mu.Lock()
	cs.minEventSystime = cs.r.Monotonic() + 2.0
	cs.mu.Unlock()
}

// FilamentDetected reports the stored presence state.
func (cs *CutterSensor) FilamentDetected() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.filamentPresent
}

// SetEnabled gates reaction processing. Presence tracking continues while
// the sensor is disabled.
func (cs *CutterSensor) SetEnabled(enabled bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.sensorEnabled = enabled
}

// IsEnabled reports whether reaction processing is enabled.
func (cs *CutterSensor) IsEnabled() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sensorEnabled
}

// Status reports the sensor state for QUERY commands and the API.
func (cs *CutterSensor) Status() map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return map[string]interface{}{
		"filament_detect": cs.filamentPresent,
		"enabled":         cs.sensorEnabled,
	}
}

// OnPresenceChanged is the hardware button callback. It debounces the
// transition, enforces the quiet period, classifies the event into
// exactly one reaction, and re-normalizes the G-code modes afterwards.
func (cs *CutterSensor) OnPresenceChanged(eventtime float64, state int) {
	present := state != 0

	cs.mu.Lock()
	if present == cs.filamentPresent {
		cs.mu.Unlock()
		return
	}
	cs.filamentPresent = present

	now := cs.r.Monotonic()
	if now < cs.minEventSystime || !cs.sensorEnabled {
		cs.mu.Unlock()
		return
	}
	opActive := false
	for _, op := range cs.ops {
		if op.Started() {
			opActive = true
			break
		}
	}
	runout := cs.runoutTemplate
	insert := cs.insertTemplate
	cs.mu.Unlock()

	printing := cs.mach.IsPrinting()

	var reaction func()
	switch {
	case opActive:
		if present {
			cs.bus.Publish(event.TopicFilamentPresent, now)
		} else {
			cs.cutter.FinishCut()
			cs.bus.Publish(event.TopicNoFilament, now)
		}
	case present:
		if !printing && insert != nil {
			cs.bus.Publish(event.TopicFilamentPresent, now)
			cs.armReaction()
			cs.logger.Info("filament detected at %.3f, scheduling insert reaction", now)
			reaction = cs.insertEventHandler
		}
	case !printing && runout != nil:
		cs.cutter.StopCut()
		cs.bus.Publish(event.TopicNoFilament, now)
		cs.armReaction()
		cs.logger.Info("no filament at %.3f, scheduling runout reaction", now)
		reaction = cs.runoutEventHandler
	case printing && runout != nil:
		cs.bus.Publish(event.TopicNoFilament, now)
		cs.armReaction()
		cs.logger.Info("runout at %.3f while printing, scheduling runout reaction", now)
		reaction = cs.runoutEventHandler
	}

	cs.normalizeModes()

	if reaction != nil {
		go reaction()
	}
}

// armReaction closes the quiet period until the scheduled reaction
// finishes and re-opens it.
func (cs *CutterSensor) armReaction() {
	cs.mu.Lock()
	cs.minEventSystime = reactor.NEVER
	cs.mu.Unlock()
}

// normalizeModes leaves the console in absolute coordinates with relative
// extrusion and a zeroed extruder origin, whatever the reaction left
// behind.
func (cs *CutterSensor) normalizeModes() {
	for _, script := range []string{"G90\nM400", "M83\nM400", "G92 E0.0\nM400"} {
		if err := cs.d.RunScript(script); err != nil {
			cs.logger.Error("mode normalization failed: %v", err)
		}
	}
}

func (cs *CutterSensor) insertEventHandler() {
	cs.execGCode("", cs.insertTemplate)
}

func (cs *CutterSensor) runoutEventHandler() {
	prefix := ""
	if cs.pauseOnRunout {
		if err := cs.d.RunScript("PAUSE"); err != nil {
			cs.logger.Error("pause request failed: %v", err)
		}
		prefix = "PAUSE\n"
		cs.r.Pause(cs.r.Monotonic() + cs.pauseDelay)
	}
	cs.execGCode(prefix, cs.runoutTemplate)
}

// execGCode renders and runs a reaction script, then re-opens the quiet
// period from the moment the script finished, success or not.
func (cs *CutterSensor) execGCode(prefix string, tmpl *gcode.Template) {
	if tmpl != nil {
		script := prefix + tmpl.Render(nil) + "\nM400"
		if err := cs.d.RunScript(script); err != nil {
			cs.logger.Error("reaction script error: %v", err)
		}
	}
	cs.mu.Lock()
	cs.minEventSystime = cs.r.Monotonic() + cs.eventDelay
	cs.mu.Unlock()
}

func (cs *CutterSensor) cmdCut(c *gcode.Command) error {
	returnToPrior, err := c.GetBool("MOVE_TO_LAST_POS", false)
	if err != nil {
		return err
	}
	powerOff, err := c.GetBool("TURN_OFF_HEATER", false)
	if err != nil {
		return err
	}
	temp, err := c.GetFloatWithBounds("TEMPERATURE", 220.0, 200.0, 250.0)
	if err != nil {
		return err
	}
	go func() {
		if err := cs.cutter.Cut(returnToPrior, powerOff, temp); err != nil {
			cs.d.RespondError("[CUTTER] %v", err)
		}
	}()
	return nil
}

func (cs *CutterSensor) cmdQuery(c *gcode.Command) error {
	if cs.FilamentDetected() {
		c.RespondInfo("[CUTTER] Filament Detected")
	} else {
		c.RespondInfo("[CUTTER] No filament detected")
	}
	return nil
}

func (cs *CutterSensor) cmdSetEnable(c *gcode.Command) error {
	enable, err := c.GetInt("ENABLE", 1)
	if err != nil {
		return err
	}
	cs.SetEnabled(enable != 0)
	return nil
}
