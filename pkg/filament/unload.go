// Filament unload sequence.
//
// Copyright (C) 2026  Filament Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package filament

import (
	"fmt"
	"strings"
	"sync"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/event"
	"filament-host/pkg/gcode"
	"filament-host/pkg/log"
	"filament-host/pkg/machine"
	"filament-host/pkg/reactor"
)

const (
	// Switch sensor poll spacing while filament is still present.
	switchPollInterval = 1.25
	// Delay before the first switch sensor verification poll.
	switchPollDelay = 5.0
	// Flow sensor poll spacing while flow is detected.
	flowPollPresent = 1.0
	// Flow sensor poll spacing once flow has stopped.
	flowPollAbsent = 1.25
)

// Unload sequence states.
type unloadState int

const (
	unloadIdle unloadState = iota
	unloadHoming
	unloadStateSaved
	unloadSensorsOff
	unloadHeating
	unloadStaged
	unloadExtracting
	unloadVerifying
	unloadRestoring
)

func (s unloadState) String() string {
	switch s {
	case unloadIdle:
		return "idle"
	case unloadHoming:
		return "homing"
	case unloadStateSaved:
		return "state_saved"
	case unloadSensorsOff:
		return "sensors_disabled"
	case unloadHeating:
		return "heating"
	case unloadStaged:
		return "staged"
	case unloadExtracting:
		return "extracting"
	case unloadVerifying:
		return "verifying"
	case unloadRestoring:
		return "restoring"
	}
	return "unknown"
}

// PresenceSensor is the slice of the runout helpers the unload operation
// needs: presence polling, and an enable gate so a deliberate unload does
// not trigger a runout pause.
type PresenceSensor interface {
	FilamentDetected() bool
	SetEnabled(enabled bool)
}

// UnloadConfig holds the unload section options.
type UnloadConfig struct {
	Idex              bool
	HasCustomBoundary bool
	TravelSpeed       float64 // mm/s
	Bucket            bool
	FlowSensorName    string
	SwitchSensorName  string
	Park              *[2]float64 // optional end-of-unload park position
	UnloadSpeed       float64     // mm/s, retraction pulse speed
	CutterName        string
	PulseBudget       int // 0 when no pulse ceiling is configured
}

// DefaultUnloadConfig returns the unload defaults.
func DefaultUnloadConfig() UnloadConfig {
	return UnloadConfig{
		TravelSpeed: 100.0,
		UnloadSpeed: 50.0,
	}
}

// LoadUnloadConfig reads the unload_filament section. The sensor and
// cutter name options only name collaborators; resolving them to objects
// is the caller's job.
func LoadUnloadConfig(section *config.Section) (UnloadConfig, error) {
	cfg := DefaultUnloadConfig()
	var err error
	if cfg.Idex, err = section.GetBool("idex", false); err != nil {
		return cfg, err
	}
	if cfg.HasCustomBoundary, err = section.GetBool("has_custom_boundary", false); err != nil {
		return cfg, err
	}
	if cfg.TravelSpeed, err = section.GetFloatWithBounds("travel_speed",
		config.FloatBounds{MinVal: fptr(50.0), MaxVal: fptr(500.0)}, cfg.TravelSpeed); err != nil {
		return cfg, err
	}
	if cfg.Bucket, err = section.GetBool("bucket", false); err != nil {
		return cfg, err
	}
	// A waste bucket replaces the flow sensor as the place the filament
	// end goes, so the flow sensor option is only honored without one.
	if !cfg.Bucket {
		if cfg.FlowSensorName, err = section.Get("filament_flow_sensor_name", ""); err != nil {
			return cfg, err
		}
	}
	if cfg.SwitchSensorName, err = section.Get("filament_switch_sensor_name", ""); err != nil {
		return cfg, err
	}
	if cfg.Park, err = optionalFloatPair(section, "park_xy"); err != nil {
		return cfg, err
	}
	if cfg.UnloadSpeed, err = section.GetFloatWithBounds("unload_speed",
		config.FloatBounds{MinVal: fptr(10.0), MaxVal: fptr(100.0)}, cfg.UnloadSpeed); err != nil {
		return cfg, err
	}
	if cfg.CutterName, err = section.Get("cutter_sensor_name", ""); err != nil {
		return cfg, err
	}
	if section.HasOption("timeout") {
		lo, hi := 10, 1000
		if cfg.PulseBudget, err = section.GetIntWithBounds("timeout", &lo, &hi); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// UnloadDeps holds the collaborators resolved at startup from the names
// in UnloadConfig. A nil field means the feature is not configured.
type UnloadDeps struct {
	Cutter       *Cutter
	FlowSensor   PresenceSensor
	SwitchSensor PresenceSensor
	Bucket       *Bucket
	Boundary     *Boundary
}

// Unloader drives a full filament unload: save machine state, quiet the
// runout sensors, heat, extract the filament (cut delegation or retraction
// pulses), verify it left the path, then restore the machine. One instance
// serves the host; a second request while one is in flight is an advisory
// no-op.
type Unloader struct {
	r      *reactor.Reactor
	d      *gcode.Dispatcher
	bus    *event.Bus
	mach   machine.Machine
	logger *log.Logger
	cfg    UnloadConfig
	deps   UnloadDeps

	mu         sync.Mutex
	state      unloadState
	pulseCount int
	stateSaved bool
	sensorsOff bool

	unextrudeTimer    *reactor.Timer
	verifyFlowTimer   *reactor.Timer
	verifySwitchTimer *reactor.Timer
}

// NewUnloader creates the unload operation and registers its console
// commands. When a cutter is present it also subscribes to the cutter
// sensor's no-filament notification to accelerate clearance detection.
func NewUnloader(r *reactor.Reactor, d *gcode.Dispatcher, bus *event.Bus, mach machine.Machine, cfg UnloadConfig, deps UnloadDeps) (*Unloader, error) {
	u := &Unloader{
		r:      r,
		d:      d,
		bus:    bus,
		mach:   mach,
		logger: log.GetLogger("unload_filament"),
		cfg:    cfg,
		deps:   deps,
	}
	u.unextrudeTimer = r.RegisterTimer(u.unextrude, reactor.NEVER)
	u.verifyFlowTimer = r.RegisterTimer(u.verifyFlowState, reactor.NEVER)
	u.verifySwitchTimer = r.RegisterTimer(u.verifySwitchState, reactor.NEVER)

	if deps.Cutter != nil {
		bus.Subscribe(event.TopicNoFilament, u.HandleCutterNoFilament)
	}

	if err := d.RegisterCommand("UNLOAD_FILAMENT",
		"Unload filament, using the cutter or retraction pulses as configured", u.cmdUnload); err != nil {
		return nil, err
	}
	if err := d.RegisterCommand("QUERY_UNLOAD",
		"Report the state of the unload operation", u.cmdQueryUnload); err != nil {
		return nil, err
	}
	return u, nil
}

// Started reports whether an unload is in flight. The restore phase no
// longer counts: its timers are parked and its motion is the machine
// returning to normal service.
func (u *Unloader) Started() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state != unloadIdle && u.state != unloadRestoring
}

// State returns the current unload state name.
func (u *Unloader) State() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.String()
}

// PulseCount returns the retraction pulses spent by the current or most
// recent unload.
func (u *Unloader) PulseCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pulseCount
}

// GetName returns the config section name.
func (u *Unloader) GetName() string { return "unload_filament" }

// Status reports the unload state for QUERY commands and the API.
func (u *Unloader) Status() map[string]interface{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return map[string]interface{}{
		"state":          u.state.String(),
		"unload_started": u.state != unloadIdle && u.state != unloadRestoring,
		"pulse_count":    u.pulseCount,
	}
}

func (u *Unloader) setState(next unloadState) {
	u.mu.Lock()
	prev := u.state
	u.state = next
	u.mu.Unlock()
	if prev != next {
		u.logger.Debug("state %s -> %s", prev, next)
	}
}

// Unload runs the unload sequence on the calling goroutine, blocking at
// the heater settle and while a configured cutter runs its cycle. The
// retraction and verification timers it arms outlive the call; unloadEnd
// finishes the operation once the filament is confirmed out.
func (u *Unloader) Unload(temp float64, toolhead string) error {
	u.mu.Lock()
	if u.state != unloadIdle {
		u.mu.Unlock()
		u.d.RespondInfo("Printer already unloading filament")
		return nil
	}
	u.state = unloadHoming
	u.pulseCount = 0
	u.mu.Unlock()

	// A live print gets paused instead of unloaded from under.
	if u.mach.IsPrinting() && !u.mach.IsPaused() && u.mach.JobFileActive() {
		u.setState(unloadIdle)
		u.d.RespondInfo("Pausing the print before unloading filament")
		return u.d.RunScript("PAUSE")
	}

	if err := u.homeIfNeeded(); err != nil {
		u.setState(unloadIdle)
		return err
	}

	u.setState(unloadStateSaved)
	if err := u.saveState(); err != nil {
		u.setState(unloadIdle)
		return err
	}

	u.setState(unloadSensorsOff)
	u.disableSensors()

	if u.cfg.Idex {
		macro := "T1 UNLOAD"
		if toolhead == "Load_T0" {
			macro = "T0 UNLOAD"
		}
		if err := u.d.RunScript(macro); err != nil {
			u.unloadEnd()
			return errors.MacroError(macro, err)
		}
	}

	u.bus.Publish(event.TopicUnloadStart, u.r.Monotonic())
	u.d.RespondInfo("[UNLOAD FILAMENT] Start")
	u.logger.Info("unload started: temp=%.1f toolhead=%q", temp, toolhead)

	for _, script := range []string{"G91\nM400", "M83\nM400"} {
		if err := u.d.RunScript(script); err != nil {
			u.unloadEnd()
			return err
		}
	}

	u.setState(unloadHeating)
	if err := u.mach.SetTarget(temp, false); err != nil {
		u.unloadEnd()
		return err
	}

	// Stage over the bucket while the heater climbs, then settle.
	u.setState(unloadStaged)
	if u.deps.Bucket != nil {
		if err := u.deps.Bucket.MoveTo(); err != nil {
			u.unloadEnd()
			return err
		}
	}
	if err := u.mach.SetTarget(temp, true); err != nil {
		u.unloadEnd()
		return err
	}
	if err := u.mach.WaitForIdle(); err != nil {
		u.unloadEnd()
		return err
	}

	u.setState(unloadExtracting)
	if u.deps.Cutter != nil {
		if err := u.deps.Cutter.Cut(false, false, temp); err != nil {
			u.unloadEnd()
			return err
		}
	}
	if u.deps.Cutter == nil && u.cfg.PulseBudget > 0 {
		u.r.UpdateTimer(u.unextrudeTimer, reactor.NOW)
		if u.deps.FlowSensor != nil {
			u.r.UpdateTimer(u.verifyFlowTimer, reactor.NOW)
		}
	}

	if u.deps.SwitchSensor != nil {
		u.setState(unloadVerifying)
		u.d.RespondInfo("[UNLOAD FILAMENT] Starting filament switch sensor unload verification in 5 seconds")
		u.r.UpdateTimer(u.verifySwitchTimer, u.r.Monotonic()+switchPollDelay)
	}
	return nil
}

// unloadEnd finishes the unload: restore the machine state pushed at the
// start, re-enable the runout sensors, and cool down. Idempotent; a
// second call reports false and repeats neither the end notification nor
// the restore.
func (u *Unloader) unloadEnd() bool {
	u.mu.Lock()
	if u.state == unloadIdle || u.state == unloadRestoring {
		u.mu.Unlock()
		return false
	}
	u.state = unloadRestoring
	stateSaved, sensorsOff := u.stateSaved, u.sensorsOff
	u.stateSaved, u.sensorsOff = false, false
	pulses := u.pulseCount
	u.mu.Unlock()

	u.bus.Publish(event.TopicUnloadEnd, u.r.Monotonic())
	if err := u.mach.WaitForIdle(); err != nil {
		u.logger.Error("wait for idle failed: %v", err)
	}
	for _, script := range []string{"G91\nM400", "M83\nM400", "G92 E0.0\nM400", "M82\nM400"} {
		if err := u.d.RunScript(script); err != nil {
			u.logger.Error("mode restore script failed: %v", err)
		}
	}
	if err := u.mach.WaitForIdle(); err != nil {
		u.logger.Error("wait for idle failed: %v", err)
	}
	u.d.RespondInfo("Cooling down extruder")

	if stateSaved {
		u.restoreState()
	}
	if sensorsOff {
		u.enableSensors()
	}
	if u.deps.Boundary != nil {
		u.deps.Boundary.SetCustom()
	}
	if err := u.mach.SetTarget(0, false); err != nil {
		u.logger.Error("heater off failed: %v", err)
	}
	if u.cfg.Idex {
		u.d.RespondInfo("Parking toolhead 0")
		if err := u.d.RunScript("T0 PARK\nM400"); err != nil {
			u.logger.Error("tool park failed: %v", err)
		}
	}
	if u.cfg.Park != nil {
		if err := u.mach.ManualMove(machine.F(u.cfg.Park[0]), machine.F(u.cfg.Park[1]), nil, nil, u.cfg.TravelSpeed); err != nil {
			u.logger.Error("park move failed: %v", err)
		}
	}
	if err := u.mach.WaitForIdle(); err != nil {
		u.logger.Error("wait for idle failed: %v", err)
	}

	u.setState(unloadIdle)
	u.d.RespondInfo("[UNLOAD FILAMENT] Finished.")
	u.logger.Info("unload finished after %d pulse(s)", pulses)
	return true
}

// HandleCutterNoFilament reacts to the cutter sensor reporting no
// filament while an unload is in flight: the cut already pulled the
// filament past the blade, so the retraction loop starts immediately
// instead of waiting for its next scheduled tick.
func (u *Unloader) HandleCutterNoFilament(eventtime float64) {
	if !u.Started() {
		return
	}
	u.d.RespondInfo("Pulling filament out of the printer wait....")
	u.r.UpdateTimer(u.unextrudeTimer, reactor.NOW)
}

// unextrude is the retraction pulse timer callback: one stride backward
// per tick at a constant linear rate, bounded by the pulse budget when
// one is configured. Budget exhaustion forces completion.
func (u *Unloader) unextrude(eventtime float64) float64 {
	if !u.Started() {
		return reactor.NEVER
	}
	if u.cfg.PulseBudget > 0 {
		u.mu.Lock()
		if u.pulseCount >= u.cfg.PulseBudget {
			u.mu.Unlock()
			u.logger.Info("retraction budget of %d pulse(s) spent, forcing completion", u.cfg.PulseBudget)
			u.bus.Publish(event.TopicUnloadTimeout, eventtime)
			u.r.UpdateTimer(u.verifySwitchTimer, reactor.NEVER)
			u.unloadEnd()
			return reactor.NEVER
		}
		u.pulseCount++
		u.mu.Unlock()
	}
	if err := u.moveExtruder(-pulseStride, u.cfg.UnloadSpeed, false); err != nil {
		u.logger.Error("retraction pulse failed: %v", err)
		u.r.UpdateTimer(u.verifySwitchTimer, reactor.NEVER)
		u.unloadEnd()
		return reactor.NEVER
	}
	return eventtime + pulseStride/u.cfg.UnloadSpeed
}

// verifySwitchState polls the end-of-path switch sensor. The instant it
// reports the filament gone, the retraction loop stops and the unload
// completes.
func (u *Unloader) verifySwitchState(eventtime float64) float64 {
	if !u.Started() {
		return reactor.NEVER
	}
	if u.deps.SwitchSensor.FilamentDetected() {
		return eventtime + switchPollInterval
	}
	u.r.UpdateTimer(u.unextrudeTimer, reactor.NEVER)
	u.unloadEnd()
	return reactor.NEVER
}

// verifyFlowState watches the flow sensor while the retraction loop runs,
// polling faster while flow persists. It only observes; clearance is
// decided by the switch sensor or the pulse budget.
func (u *Unloader) verifyFlowState(eventtime float64) float64 {
	if !u.Started() {
		return reactor.NEVER
	}
	if u.deps.FlowSensor == nil {
		return reactor.NEVER
	}
	if u.deps.FlowSensor.FilamentDetected() {
		u.logger.Debug("flow sensor still reports filament")
		return eventtime + flowPollPresent
	}
	return eventtime + flowPollAbsent
}

func (u *Unloader) homeIfNeeded() error {
	if strings.Contains(u.mach.HomedAxes(), "xyz") {
		return nil
	}
	if err := u.d.RunScript("G28\nM400"); err != nil {
		return errors.HomingError(err.Error())
	}
	return nil
}

// saveState pushes the coordinate state, plus the carriage state in
// dual-carriage mode. restoreState pops them in the opposite order.
func (u *Unloader) saveState() error {
	if u.cfg.Idex {
		if err := u.d.RunScript("SAVE_DUAL_CARRIAGE_STATE NAME=unload_carriage_state\nM400"); err != nil {
			return err
		}
	}
	if err := u.d.RunScript("SAVE_GCODE_STATE NAME=_UNLOAD_STATE\nM400"); err != nil {
		return err
	}
	u.mu.Lock()
	u.stateSaved = true
	u.mu.Unlock()
	return nil
}

func (u *Unloader) restoreState() {
	script := fmt.Sprintf("RESTORE_GCODE_STATE NAME=_UNLOAD_STATE MOVE=1 MOVE_SPEED=%g\nM400", u.cfg.TravelSpeed)
	if err := u.d.RunScript(script); err != nil {
		u.logger.Error("state restore failed: %v", err)
	}
	if u.cfg.Idex {
		if err := u.d.RunScript("RESTORE_DUAL_CARRIAGE_STATE NAME=unload_carriage_state MOVE=0\nM400"); err != nil {
			u.logger.Error("carriage restore failed: %v", err)
		}
	}
}

// disableSensors quiets the runout helpers so pulling the filament out
// does not fire a runout pause mid-unload.
func (u *Unloader) disableSensors() {
	if u.deps.FlowSensor != nil {
		u.deps.FlowSensor.SetEnabled(false)
	}
	if u.deps.SwitchSensor != nil {
		u.deps.SwitchSensor.SetEnabled(false)
		u.d.RespondInfo("filament switch sensor is not enabled")
	}
	u.mu.Lock()
	u.sensorsOff = true
	u.mu.Unlock()
}

func (u *Unloader) enableSensors() {
	if u.deps.FlowSensor != nil {
		u.deps.FlowSensor.SetEnabled(true)
	}
	if u.deps.SwitchSensor != nil {
		u.d.RespondInfo("filament switch sensor is now enabled")
		u.deps.SwitchSensor.SetEnabled(true)
	}
}

// moveExtruder feeds the extruder by distance mm, scaled by the active
// extrude factor, at speed mm/s.
func (u *Unloader) moveExtruder(distance, speed float64, wait bool) error {
	_, _, _, e := u.mach.Position()
	target := e + distance*u.mach.ExtrudeFactor()
	if err := u.mach.ManualMove(nil, nil, nil, machine.F(target), speed); err != nil {
		return err
	}
	if wait {
		return u.mach.WaitForIdle()
	}
	return nil
}

func (u *Unloader) cmdUnload(c *gcode.Command) error {
	temp, err := c.GetFloatWithBounds("TEMPERATURE", 250.0, 210.0, 260.0)
	if err != nil {
		return err
	}
	toolhead := ""
	if u.cfg.Idex {
		th, ok := c.Get("TOOLHEAD")
		if !ok {
			return errors.GCodeMissingParameterError(c.Name, "TOOLHEAD")
		}
		toolhead = th
	}
	go func() {
		if err := u.Unload(temp, toolhead); err != nil {
			u.d.RespondError("[UNLOAD] %v", err)
		}
	}()
	return nil
}

func (u *Unloader) cmdQueryUnload(c *gcode.Command) error {
	u.mu.Lock()
	st := u.state
	pulses := u.pulseCount
	u.mu.Unlock()
	if st == unloadIdle {
		c.RespondInfo("Unload: idle")
	} else {
		c.RespondInfo("Unload: %s (pulse count %d)", st, pulses)
	}
	return nil
}
