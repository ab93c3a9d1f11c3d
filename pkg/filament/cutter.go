// Filament cutter sequence.
//
// Copyright (C) 2026  Filament Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package filament

import (
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
	// Settle band around a heater target.
	heatTolerance = 5.0
	// Spacing of the temperature poll while settling.
	heatPollInterval = 1.0
	// Extruder distance per pulse tick.
	pulseStride = 10.0
)

// Cut sequence states. The cutter stays in cutClearing after Cut returns,
// feeding filament toward the sensor; FinishCut and StopCut are the two
// external paths back to cutIdle.
type cutState int

const (
	cutIdle cutState = iota
	cutHoming
	cutHeating
	cutPositioning
	cutCutting
	cutClearing
)

func (s cutState) String() string {
	switch s {
	case cutIdle:
		return "idle"
	case cutHoming:
		return "homing"
	case cutHeating:
		return "heating"
	case cutPositioning:
		return "positioning"
	case cutCutting:
		return "cutting"
	case cutClearing:
		return "clearing"
	}
	return "unknown"
}

// CutterConfig holds the cut sequence geometry and speeds.
type CutterConfig struct {
	ExtrudeLength   float64 // mm fed past the blade after the cut
	RetractLength   float64 // negative, pre-cut retraction
	RetractToSensor float64 // negative, full pull back to the sensor
	ExtrudeSpeed    float64 // mm/s
	TravelSpeed     float64 // mm/s
	CutSpeed        float64 // mm/s, return stroke through the blade
	CutterPos       [2]float64
	PreCutterPos    [2]float64
	BucketPos       *[2]float64 // optional staging position
}

// DefaultCutterConfig returns the cutter defaults.
func DefaultCutterConfig() CutterConfig {
	return CutterConfig{
		ExtrudeLength:   5.0,
		RetractLength:   -5.0,
		RetractToSensor: -10.0,
		ExtrudeSpeed:    2.0,
		TravelSpeed:     100.0,
		CutSpeed:        100.0,
	}
}

func loadCutterConfig(section *config.Section) (CutterConfig, error) {
	cfg := DefaultCutterConfig()
	var err error
	if cfg.ExtrudeLength, err = section.GetFloatWithBounds("extrude_length_mm",
		config.FloatBounds{MinVal: fptr(1.0), MaxVal: fptr(100.0)}, cfg.ExtrudeLength); err != nil {
		return cfg, err
	}
	if cfg.RetractLength, err = section.GetFloatWithBounds("retract_length_mm",
		config.FloatBounds{MinVal: fptr(-30.0), MaxVal: fptr(-0.5)}, cfg.RetractLength); err != nil {
		return cfg, err
	}
	if cfg.RetractToSensor, err = section.GetFloatWithBounds("retract_to_sensor_mm",
		config.FloatBounds{MinVal: fptr(-50.0), MaxVal: fptr(-0.5)}, cfg.RetractToSensor); err != nil {
		return cfg, err
	}
	if cfg.ExtrudeSpeed, err = section.GetFloatWithBounds("extrude_speed",
		config.FloatBounds{Above: fptr(0.0), MinVal: fptr(1.0), MaxVal: fptr(50.0)}, cfg.ExtrudeSpeed); err != nil {
		return cfg, err
	}
	if cfg.TravelSpeed, err = section.GetFloatWithBounds("travel_speed",
		config.FloatBounds{Above: fptr(0.0), MinVal: fptr(30.0), MaxVal: fptr(600.0)}, cfg.TravelSpeed); err != nil {
		return cfg, err
	}
	if cfg.CutSpeed, err = section.GetFloatWithBounds("cut_speed",
		config.FloatBounds{Above: fptr(50.0), MinVal: fptr(50.0), MaxVal: fptr(300.0)}, cfg.CutSpeed); err != nil {
		return cfg, err
	}
	var x, y float64
	if x, y, err = floatPair(section, "cutter_position_xy"); err != nil {
		return cfg, err
	}
	cfg.CutterPos = [2]float64{x, y}
	if x, y, err = floatPair(section, "pre_cutter_position_xy"); err != nil {
		return cfg, err
	}
	cfg.PreCutterPos = [2]float64{x, y}
	if cfg.BucketPos, err = optionalFloatPair(section, "bucket_position_xy"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Cutter drives one filament-cut cycle and the follow-up feed that pushes
// the cut end back out to the sensor.
type Cutter struct {
	name     string
	r        *reactor.Reactor
	d        *gcode.Dispatcher
	bus      *event.Bus
	mach     machine.Machine
	boundary *Boundary
	logger   *log.Logger
	cfg      CutterConfig

	mu       sync.Mutex
	state    cutState
	prevPos  [3]float64
	havePrev bool

	pulseTimer *reactor.Timer
}

// NewCutter creates the cut operation for one cutter sensor. boundary may
// be nil when no work rectangle is configured, bus when nobody listens for
// cut lifecycle events.
func NewCutter(name string, r *reactor.Reactor, d *gcode.Dispatcher, bus *event.Bus, mach machine.Machine, boundary *Boundary, cfg CutterConfig) *Cutter {
	c := &Cutter{
		name:     name,
		r:        r,
		d:        d,
		bus:      bus,
		mach:     mach,
		boundary: boundary,
		logger:   log.GetLogger("cutter." + name),
		cfg:      cfg,
	}
	c.pulseTimer = r.RegisterTimer(c.unextrude, reactor.NEVER)
	return c
}

func (c *Cutter) publish(topic string) {
	if c.bus != nil {
		c.bus.Publish(topic, c.r.Monotonic())
	}
}

// InFlight reports whether a cut cycle is running or clearing.
func (c *Cutter) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != cutIdle
}

// State returns the current cut state name.
func (c *Cutter) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Status reports the cutter state for QUERY commands and the API.
func (c *Cutter) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"state":      c.state.String(),
		"is_cutting": c.state != cutIdle,
	}
}

func (c *Cutter) setState(next cutState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.logger.Debug("state %s -> %s", prev, next)
	}
}

// Cut runs the cut cycle: home, heat, retract, stroke through the blade,
// re-extrude, then arm the pulse feed toward the sensor. On success the
// cutter remains clearing; the sensor router returns it to idle once the
// filament end is seen leaving the blade. The state is restored to idle on
// every failure path.
func (c *Cutter) Cut(returnToPrior, powerOffHeater bool, temp float64) error {
	c.mu.Lock()
	if c.state != cutIdle {
		c.mu.Unlock()
		c.d.RespondInfo("[CUTTER] Already cutting filament")
		return nil
	}
	c.state = cutHoming
	c.mu.Unlock()
	c.logger.Info("cut started: temp=%.1f return=%v heater_off=%v",
		temp, returnToPrior, powerOffHeater)
	c.publish(event.TopicCutStart)

	armed := false
	defer func() {
		if !armed {
			c.setState(cutIdle)
			c.publish(event.TopicCutFailed)
		}
	}()

	if err := c.homeIfNeeded(); err != nil {
		return err
	}
	if err := c.mach.WaitForIdle(); err != nil {
		return err
	}
	if !strings.Contains(c.mach.HomedAxes(), "xyz") {
		c.d.RespondInfo("[CUTTER] Printer needs to be homed for filament cutting.")
		return nil
	}

	x, y, z, _ := c.mach.Position()
	c.mu.Lock()
	c.prevPos = [3]float64{x, y, z}
	c.havePrev = true
	c.mu.Unlock()
	for _, script := range []string{"G90\nM400", "M83\nM400", "G92 E0.0\nM400"} {
		if err := c.d.RunScript(script); err != nil {
			return err
		}
	}

	c.setState(cutHeating)
	c.d.RespondInfo("[CUTTER] Heating extruder.")
	aborted, err := c.heatAndWait(temp)
	if err != nil {
		return err
	}
	if aborted {
		c.logger.Warn("cut aborted: machine shut down while heating")
		return nil
	}

	c.setState(cutPositioning)
	if c.cfg.BucketPos != nil {
		if err := c.moveToBucket(); err != nil {
			return err
		}
	}
	// Relieve filament pressure, then retract toward the blade.
	if err := c.moveExtruder(10, c.cfg.ExtrudeSpeed, false); err != nil {
		return err
	}
	if err := c.moveExtruder(c.cfg.RetractLength, c.cfg.ExtrudeSpeed, false); err != nil {
		return err
	}

	c.setState(cutCutting)
	if err := c.moveXY(c.cfg.PreCutterPos, c.cfg.TravelSpeed, true); err != nil {
		return err
	}
	if err := c.moveXY(c.cfg.CutterPos, c.cfg.TravelSpeed, false); err != nil {
		return err
	}
	if err := c.moveXY(c.cfg.PreCutterPos, c.cfg.CutSpeed, true); err != nil {
		return err
	}

	c.setState(cutClearing)
	if c.cfg.BucketPos != nil {
		if err := c.moveToBucket(); err != nil {
			return err
		}
	}
	// Relieve pressure on the blade, then push the cut end past it.
	if err := c.moveExtruder(-2.0, c.cfg.ExtrudeSpeed, false); err != nil {
		return err
	}
	if err := c.moveExtruder(c.cfg.ExtrudeLength+10, c.cfg.ExtrudeSpeed, false); err != nil {
		return err
	}

	c.r.UpdateTimer(c.pulseTimer, reactor.NOW)
	armed = true

	if returnToPrior {
		if err := c.moveBack(); err != nil {
			return err
		}
		if c.boundary != nil {
			c.boundary.SetCustom()
		}
	}
	if powerOffHeater {
		if err := c.mach.SetTarget(0, false); err != nil {
			return err
		}
	}
	return nil
}

// FinishCut ends the clearing phase once the sensor confirms the filament
// left the blade. Reports whether a cut was actually in flight.
func (c *Cutter) FinishCut() bool {
	c.mu.Lock()
	if c.state == cutIdle {
		c.mu.Unlock()
		return false
	}
	c.state = cutIdle
	c.mu.Unlock()
	c.r.UpdateTimer(c.pulseTimer, reactor.NEVER)
	c.d.RespondInfo("[CUTTER] Cut done.")
	c.logger.Info("cut finished")
	c.publish(event.TopicCutEnd)
	return true
}

// StopCut cancels the pulse feed without an operator announcement, used
// when a runout reaction supersedes the clearing phase.
func (c *Cutter) StopCut() bool {
	c.mu.Lock()
	if c.state == cutIdle {
		c.mu.Unlock()
		return false
	}
	c.state = cutIdle
	c.mu.Unlock()
	c.r.UpdateTimer(c.pulseTimer, reactor.NEVER)
	c.logger.Info("cut stopped")
	c.publish(event.TopicCutFailed)
	return true
}

// unextrude is the pulse timer callback: feed the cut end toward the
// sensor, one stride per tick, at a constant linear rate. It parks itself
// the moment the cutter leaves the clearing state.
func (c *Cutter) unextrude(eventtime float64) float64 {
	c.mu.Lock()
	clearing := c.state == cutClearing
	c.mu.Unlock()
	if !clearing {
		return reactor.NEVER
	}
	if err := c.moveExtruder(-pulseStride, c.cfg.ExtrudeSpeed, false); err != nil {
		c.logger.Error("pulse retract failed: %v", err)
		c.setState(cutIdle)
		c.publish(event.TopicCutFailed)
		return reactor.NEVER
	}
	return eventtime + pulseStride/c.cfg.ExtrudeSpeed
}

func (c *Cutter) homeIfNeeded() error {
	if strings.Contains(c.mach.HomedAxes(), "xyz") {
		c.d.RespondInfo("Printer already homed.")
		return nil
	}
	c.d.RespondInfo("Homing.")
	if err := c.d.RunScript("G28\nM400"); err != nil {
		return errors.HomingError(err.Error())
	}
	return nil
}

// heatAndWait holds until the measured temperature enters the settle band
// around target. aborted is true when the machine shut down mid-wait.
func (c *Cutter) heatAndWait(temp float64) (aborted bool, err error) {
	if err := c.mach.SetTarget(temp, false); err != nil {
		return false, errors.HeatingError("extruder", temp, err.Error())
	}
	eventtime := c.r.Monotonic()
	for {
		if c.mach.IsShutdown() {
			return true, nil
		}
		c.d.RespondInfo("Waiting for temperature to stabilize.")
		current, _ := c.mach.Measured()
		if current >= temp-heatTolerance && current <= temp+heatTolerance {
			return false, nil
		}
		eventtime = c.r.Pause(eventtime + heatPollInterval)
	}
}

// moveExtruder feeds the extruder by distance mm, scaled by the active
// extrude factor, at speed mm/s.
func (c *Cutter) moveExtruder(distance, speed float64, wait bool) error {
	_, _, _, e := c.mach.Position()
	target := e + distance*c.mach.ExtrudeFactor()
	if err := c.mach.ManualMove(nil, nil, nil, machine.F(target), speed); err != nil {
		return err
	}
	if wait {
		return c.mach.WaitForIdle()
	}
	return nil
}

func (c *Cutter) moveXY(pos [2]float64, speed float64, wait bool) error {
	if err := c.mach.ManualMove(machine.F(pos[0]), machine.F(pos[1]), nil, nil, speed); err != nil {
		return err
	}
	if wait {
		return c.mach.WaitForIdle()
	}
	return nil
}

// moveToBucket stages at the cutter's waste position, opening the machine
// envelope first when a narrow work boundary is applied.
func (c *Cutter) moveToBucket() error {
	if c.boundary != nil {
		c.d.RespondInfo("Restoring original printer Boundaries.")
		c.boundary.RestoreDefault()
	}
	return c.moveXY(*c.cfg.BucketPos, c.cfg.TravelSpeed, true)
}

// moveBack replays the position captured when the cut started.
func (c *Cutter) moveBack() error {
	c.mu.Lock()
	havePrev, prev := c.havePrev, c.prevPos
	c.mu.Unlock()
	if !havePrev {
		return nil
	}
	if err := c.mach.ManualMove(machine.F(prev[0]), machine.F(prev[1]), machine.F(prev[2]), nil, c.cfg.TravelSpeed); err != nil {
		return err
	}
	return c.mach.WaitForIdle()
}
