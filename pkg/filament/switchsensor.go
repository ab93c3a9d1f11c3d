package filament

import (
	"strings"
	"sync"

	"filament-host/pkg/config"
	"filament-host/pkg/gcode"
	"filament-host/pkg/log"
	"filament-host/pkg/machine"
	"filament-host/pkg/reactor"
)

// SwitchSensor is a runout-helper style filament sensor: the end-of-path
// switch and the flow (motion) sensor are both instances. It tracks
// presence, runs insert/runout reaction scripts behind a quiet period,
// and can be disabled while an operation deliberately moves filament.
type SwitchSensor struct {
	name        string
	kind        string
	sectionName string
	r           *reactor.Reactor
	d           *gcode.Dispatcher
	mach        machine.Machine
	macros      *gcode.MacroSet
	logger      *log.Logger

	mu              sync.Mutex
	filamentPresent bool
	sensorEnabled   bool
	minEventSystime float64

	pauseOnRunout  bool
	pauseDelay     float64
	eventDelay     float64
	runoutTemplate *gcode.Template
	insertTemplate *gcode.Template
}

// NewSwitchSensor builds a sensor from a "filament_switch_sensor <name>"
// or "filament_motion_sensor <name>" config section and registers its
// console commands.
func NewSwitchSensor(r *reactor.Reactor, d *gcode.Dispatcher, mach machine.Machine, macros *gcode.MacroSet, section *config.Section) (*SwitchSensor, error) {
	parts := strings.Fields(section.GetName())
	name := parts[len(parts)-1]
	kind := parts[0]

	ss := &SwitchSensor{
		name:            name,
		kind:            kind,
		sectionName:     section.GetName(),
		r:               r,
		d:               d,
		mach:            mach,
		macros:          macros,
		logger:          log.GetLogger(kind + "." + name),
		sensorEnabled:   true,
		minEventSystime: reactor.NEVER,
	}

	if err := ss.readOptions(section); err != nil {
		return nil, err
	}

	if err := d.RegisterMuxCommand("QUERY_FILAMENT_SENSOR", "SENSOR", name, ss.cmdQuery,
		"Query the status of the filament sensor"); err != nil {
		return nil, err
	}
	if err := d.RegisterMuxCommand("SET_FILAMENT_SENSOR", "SENSOR", name, ss.cmdSetEnable,
		"Enable or disable the filament sensor"); err != nil {
		return nil, err
	}
	return ss, nil
}

// readOptions loads the tunable options from a config section. Values are
// staged locally and committed together so a failed read leaves the sensor
// unchanged.
func (ss *SwitchSensor) readOptions(section *config.Section) error {
	pauseOnRunout, err := section.GetBool("pause_on_runout", true)
	if err != nil {
		return err
	}
	pauseDelay, err := section.GetFloatWithBounds("pause_delay",
		config.FloatBounds{Above: fptr(0.0)}, 0.5)
	if err != nil {
		return err
	}
	eventDelay, err := section.GetFloatWithBounds("event_delay",
		config.FloatBounds{Above: fptr(0.0)}, 3.0)
	if err != nil {
		return err
	}
	var runoutTmpl, insertTmpl *gcode.Template
	if section.HasOption("runout_gcode") {
		if runoutTmpl, err = ss.macros.LoadTemplate(section, "runout_gcode", ""); err != nil {
			return err
		}
	}
	if section.HasOption("insert_gcode") {
		if insertTmpl, err = ss.macros.LoadTemplate(section, "insert_gcode", ""); err != nil {
			return err
		}
	}

	ss.mu.Lock()
	ss.pauseOnRunout = pauseOnRunout
	ss.pauseDelay = pauseDelay
	ss.eventDelay = eventDelay
	ss.runoutTemplate = runoutTmpl
	ss.insertTemplate = insertTmpl
	ss.mu.Unlock()
	return nil
}

// Name returns the sensor instance name.
func (ss *SwitchSensor) Name() string { return ss.name }

// GetName returns the config section name.
func (ss *SwitchSensor) GetName() string { return ss.sectionName }

// CanReload reports that the sensor's tunables can be swapped at runtime.
// Presence state and console command registrations are untouched by a
// reload.
func (ss *SwitchSensor) CanReload() bool { return true }

// Reload re-reads the reaction options from a changed config section.
func (ss *SwitchSensor) Reload(section *config.Section) error {
	if err := ss.readOptions(section); err != nil {
		return err
	}
	ss.logger.Info("options reloaded")
	return nil
}

// HandleReady opens the initial quiet period once the host is up.
func (ss *SwitchSensor) HandleReady(eventtime float64) {
	ss.mu.Lock()
	ss.minEventSystime = ss.r.Monotonic() + 2.0
	ss.mu.Unlock()
}

// FilamentDetected reports the stored presence state.
func (ss *SwitchSensor) FilamentDetected() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.filamentPresent
}

// SetEnabled gates reaction processing. Presence tracking continues while
// the sensor is disabled.
func (ss *SwitchSensor) SetEnabled(enabled bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sensorEnabled = enabled
}

// IsEnabled reports whether reaction processing is enabled.
func (ss *SwitchSensor) IsEnabled() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.sensorEnabled
}

// Status reports the sensor state for QUERY commands and the API.
func (ss *SwitchSensor) Status() map[string]interface{} {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return map[string]interface{}{
		"filament_detected": ss.filamentPresent,
		"enabled":           ss.sensorEnabled,
	}
}

// OnButtonState is the hardware button callback.
func (ss *SwitchSensor) OnButtonState(eventtime float64, state int) {
	ss.NoteFilamentPresent(state != 0)
}

// NoteFilamentPresent handles a presence transition: debounce, quiet
// period, then at most one reaction.
func (ss *SwitchSensor) NoteFilamentPresent(present bool) {
	ss.mu.Lock()
	if present == ss.filamentPresent {
		ss.mu.Unlock()
		return
	}
	ss.filamentPresent = present

	now := ss.r.Monotonic()
	if now < ss.minEventSystime || !ss.sensorEnabled {
		ss.mu.Unlock()
		return
	}
	runout := ss.runoutTemplate
	insert := ss.insertTemplate
	ss.mu.Unlock()

	printing := ss.mach.IsPrinting()

	if present {
		if !printing && insert != nil {
			ss.armReaction()
			ss.logger.Info("insert event detected at %.3f", now)
			go ss.insertEventHandler()
		}
		return
	}
	if printing && runout != nil {
		ss.armReaction()
		ss.logger.Info("runout event detected at %.3f", now)
		go ss.runoutEventHandler()
	}
}

func (ss *SwitchSensor) armReaction() {
	ss.mu.Lock()
	ss.minEventSystime = reactor.NEVER
	ss.mu.Unlock()
}

func (ss *SwitchSensor) insertEventHandler() {
	ss.mu.Lock()
	tmpl := ss.insertTemplate
	ss.mu.Unlock()
	ss.execGCode("", tmpl)
}

func (ss *SwitchSensor) runoutEventHandler() {
	ss.mu.Lock()
	pause := ss.pauseOnRunout
	pauseDelay := ss.pauseDelay
	tmpl := ss.runoutTemplate
	ss.mu.Unlock()

	prefix := ""
	if pause {
		if err := ss.d.RunScript("PAUSE"); err != nil {
			ss.logger.Error("pause request failed: %v", err)
		}
		prefix = "PAUSE\n"
		ss.r.Pause(ss.r.Monotonic() + pauseDelay)
	}
	ss.execGCode(prefix, tmpl)
}

func (ss *SwitchSensor) execGCode(prefix string, tmpl *gcode.Template) {
	if tmpl != nil {
		script := prefix + tmpl.Render(nil) + "\nM400"
		if err := ss.d.RunScript(script); err != nil {
			ss.logger.Error("reaction script error: %v", err)
		}
	}
	ss.mu.Lock()
	ss.minEventSystime = ss.r.Monotonic() + ss.eventDelay
	ss.mu.Unlock()
}

func (ss *SwitchSensor) cmdQuery(c *gcode.Command) error {
	if ss.FilamentDetected() {
		c.RespondInfo("Filament Sensor %s: filament detected", ss.name)
	} else {
		c.RespondInfo("Filament Sensor %s: filament not detected", ss.name)
	}
	return nil
}

func (ss *SwitchSensor) cmdSetEnable(c *gcode.Command) error {
	enable, err := c.GetInt("ENABLE", 1)
	if err != nil {
		return err
	}
	ss.SetEnabled(enable != 0)
	return nil
}
