package machine

import (
	"fmt"
	"strings"
	"sync"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/gcode"
	"filament-host/pkg/log"
	"filament-host/pkg/reactor"
)

// Temperature band treated as "at target" by blocking heat waits.
const heaterTolerance = 5.0

const historyLimit = 200

// SimConfig tunes the simulated machine.
type SimConfig struct {
	Ambient  float64 // ambient temperature, degC
	HeatRate float64 // heating slope degC/s, 0 means instant
	CoolRate float64 // cooling slope degC/s, 0 means instant

	// Default XY soft bounds.
	MinX, MinY float64
	MaxX, MaxY float64
}

// DefaultSimConfig returns the simulator defaults: instant thermals on a
// 300x300 bed.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Ambient: 25.0,
		MinX:    0, MinY: 0,
		MaxX: 300, MaxY: 300,
	}
}

// LoadSimConfig reads the optional [machine] section.
func LoadSimConfig(cfg *config.Config) (SimConfig, error) {
	sc := DefaultSimConfig()
	section := cfg.GetSectionOptional("machine")
	if section == nil {
		return sc, nil
	}
	var err error
	if sc.Ambient, err = section.GetFloat("ambient_temperature", sc.Ambient); err != nil {
		return sc, err
	}
	if sc.HeatRate, err = section.GetFloat("heat_rate", sc.HeatRate); err != nil {
		return sc, err
	}
	if sc.CoolRate, err = section.GetFloat("cool_rate", sc.CoolRate); err != nil {
		return sc, err
	}
	if sc.MinX, err = section.GetFloat("position_min_x", sc.MinX); err != nil {
		return sc, err
	}
	if sc.MinY, err = section.GetFloat("position_min_y", sc.MinY); err != nil {
		return sc, err
	}
	if sc.MaxX, err = section.GetFloat("position_max_x", sc.MaxX); err != nil {
		return sc, err
	}
	if sc.MaxY, err = section.GetFloat("position_max_y", sc.MaxY); err != nil {
		return sc, err
	}
	return sc, nil
}

type savedGCodeState struct {
	position      [4]float64
	absCoords     bool
	absExtrude    bool
	feedrate      float64
	speedFactor   float64
	extrudeFactor float64
}

// Simulator is a deterministic in-process machine. Motion completes
// instantly; the heater approaches its target on reactor time at the
// configured slope.
type Simulator struct {
	r      *reactor.Reactor
	cfg    SimConfig
	logger *log.Logger

	mu sync.Mutex

	position [4]float64 // X, Y, Z, E
	homed    [3]bool
	feedrate float64 // mm/s

	absCoords     bool
	absExtrude    bool
	speedFactor   float64
	extrudeFactor float64

	// Heater state is rebased lazily: measured temperature is computed
	// from the slope and the reactor time elapsed since heaterAt.
	heaterTemp   float64
	heaterAt     float64
	heaterTarget float64

	printing bool
	paused   bool
	jobFile  string

	shutdown       bool
	shutdownReason string
	onShutdown     func(reason string)

	savedStates    map[string]savedGCodeState
	activeCarriage int
	savedCarriage  map[string]int
	parkedTool     int

	boundMinX, boundMinY float64
	boundMaxX, boundMaxY float64

	displayMessage string
	history        []string
}

// NewSimulator creates a simulated machine on the given reactor.
func NewSimulator(r *reactor.Reactor, cfg SimConfig) *Simulator {
	return &Simulator{
		r:             r,
		cfg:           cfg,
		logger:        log.GetLogger("machine"),
		feedrate:      25.0,
		absCoords:     true,
		absExtrude:    true,
		speedFactor:   1.0,
		extrudeFactor: 1.0,
		heaterTemp:    cfg.Ambient,
		heaterTarget:  0,
		savedStates:   make(map[string]savedGCodeState),
		savedCarriage: make(map[string]int),
		parkedTool:    -1,
		boundMinX:     cfg.MinX,
		boundMinY:     cfg.MinY,
		boundMaxX:     cfg.MaxX,
		boundMaxY:     cfg.MaxY,
	}
}

// Position implements Motion.
func (s *Simulator) Position() (x, y, z, e float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position[0], s.position[1], s.position[2], s.position[3]
}

// HomedAxes implements Motion.
func (s *Simulator) HomedAxes() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homedAxesLocked()
}

func (s *Simulator) homedAxesLocked() string {
	out := ""
	if s.homed[0] {
		out += "x"
	}
	if s.homed[1] {
		out += "y"
	}
	if s.homed[2] {
		out += "z"
	}
	return out
}

// ExtrudeFactor implements Motion.
func (s *Simulator) ExtrudeFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extrudeFactor
}

// ManualMove implements Motion. Targets are absolute coordinates; nil
// leaves the axis where it is.
func (s *Simulator) ManualMove(x, y, z, e *float64, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.RuntimeError("machine is shutdown")
	}

	target := s.position
	if x != nil {
		target[0] = *x
	}
	if y != nil {
		target[1] = *y
	}
	if z != nil {
		target[2] = *z
	}
	if e != nil {
		target[3] = *e
	}
	if err := s.checkMoveLocked(target, x != nil, y != nil, z != nil); err != nil {
		return err
	}

	s.position = target
	if speed > 0 {
		s.feedrate = speed
	}
	return nil
}

func (s *Simulator) checkMoveLocked(target [4]float64, moveX, moveY, moveZ bool) error {
	if moveX && !s.homed[0] {
		return errors.MotionError("must home X axis first")
	}
	if moveY && !s.homed[1] {
		return errors.MotionError("must home Y axis first")
	}
	if moveZ && !s.homed[2] {
		return errors.MotionError("must home Z axis first")
	}
	if moveX && (target[0] < s.boundMinX || target[0] > s.boundMaxX) {
		return errors.MotionError(fmt.Sprintf("move out of range: X%.3f", target[0]))
	}
	if moveY && (target[1] < s.boundMinY || target[1] > s.boundMaxY) {
		return errors.MotionError(fmt.Sprintf("move out of range: Y%.3f", target[1]))
	}
	return nil
}

// WaitForIdle implements Motion. Simulated moves finish immediately, so
// this only checks for shutdown.
func (s *Simulator) WaitForIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.RuntimeError("machine is shutdown")
	}
	return nil
}

func (s *Simulator) measuredLocked(now float64) float64 {
	goal := s.heaterTarget
	if goal < s.cfg.Ambient {
		goal = s.cfg.Ambient
	}
	cur := s.heaterTemp
	elapsed := now - s.heaterAt
	if elapsed < 0 {
		elapsed = 0
	}
	if cur < goal {
		if s.cfg.HeatRate <= 0 {
			return goal
		}
		cur += s.cfg.HeatRate * elapsed
		if cur > goal {
			cur = goal
		}
	} else if cur > goal {
		if s.cfg.CoolRate <= 0 {
			return goal
		}
		cur -= s.cfg.CoolRate * elapsed
		if cur < goal {
			cur = goal
		}
	}
	return cur
}

// Measured implements Heat.
func (s *Simulator) Measured() (current, target float64) {
	now := s.r.Monotonic()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.measuredLocked(now), s.heaterTarget
}

// SetTarget implements Heat. A blocking wait polls on reactor time until
// the measured temperature is within tolerance; waits on a zero target
// return immediately.
func (s *Simulator) SetTarget(temp float64, wait bool) error {
	now := s.r.Monotonic()
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.RuntimeError("machine is shutdown")
	}
	s.heaterTemp = s.measuredLocked(now)
	s.heaterAt = now
	s.heaterTarget = temp
	s.mu.Unlock()

	if !wait || temp <= 0 {
		return nil
	}
	for {
		if s.IsShutdown() {
			return errors.HeatingError("extruder", temp, "machine shutdown while heating")
		}
		cur, _ := s.Measured()
		if cur >= temp-heaterTolerance && cur <= temp+heaterTolerance {
			return nil
		}
		s.r.Pause(s.r.Monotonic() + 0.25)
	}
}

// IsPrinting implements PrintState.
func (s *Simulator) IsPrinting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.printing
}

// IsPaused implements PrintState.
func (s *Simulator) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// JobFileActive implements PrintState.
func (s *Simulator) JobFileActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobFile != ""
}

// StartJob marks a virtual print job as running.
func (s *Simulator) StartJob(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobFile = filename
	s.printing = true
	s.paused = false
}

// FinishJob clears the virtual print job.
func (s *Simulator) FinishJob() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobFile = ""
	s.printing = false
	s.paused = false
}

// IsShutdown implements Machine.
func (s *Simulator) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown transitions the machine to the shutdown state. The heater
// target drops to zero and further motion is rejected. The transition
// fires at most once.
func (s *Simulator) Shutdown(reason string) {
	now := s.r.Monotonic()
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.shutdownReason = reason
	s.heaterTemp = s.measuredLocked(now)
	s.heaterAt = now
	s.heaterTarget = 0
	handler := s.onShutdown
	s.mu.Unlock()

	s.logger.Error("machine shutdown: %s", reason)
	if handler != nil {
		handler(reason)
	}
}

// SetShutdownHandler installs a hook that runs once when the machine
// shuts down.
func (s *Simulator) SetShutdownHandler(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = fn
}

// ShutdownReason returns the recorded shutdown cause, if any.
func (s *Simulator) ShutdownReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownReason
}

// SetXYBounds narrows the XY soft limits, typically to a staging
// boundary.
func (s *Simulator) SetXYBounds(minX, minY, maxX, maxY float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundMinX, s.boundMinY = minX, minY
	s.boundMaxX, s.boundMaxY = maxX, maxY
}

// RestoreDefaultBounds resets the XY soft limits to the configured
// machine envelope.
func (s *Simulator) RestoreDefaultBounds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundMinX, s.boundMinY = s.cfg.MinX, s.cfg.MinY
	s.boundMaxX, s.boundMaxY = s.cfg.MaxX, s.cfg.MaxY
}

// ActiveCarriage returns the selected tool carriage (0 or 1).
func (s *Simulator) ActiveCarriage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCarriage
}

// ParkedTool returns the tool last parked via "Tn PARK", or -1.
func (s *Simulator) ParkedTool() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parkedTool
}

// DisplayMessage returns the last M117 text.
func (s *Simulator) DisplayMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayMessage
}

// History returns the most recent console lines the machine executed.
func (s *Simulator) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Simulator) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) >= historyLimit {
		s.history = s.history[1:]
	}
	s.history = append(s.history, line)
}

// Status reports the machine state for API clients.
func (s *Simulator) Status() map[string]interface{} {
	now := s.r.Monotonic()
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"position":         []float64{s.position[0], s.position[1], s.position[2], s.position[3]},
		"homed_axes":       s.homedAxesLocked(),
		"extruder_temp":    s.measuredLocked(now),
		"extruder_target":  s.heaterTarget,
		"absolute_coord":   s.absCoords,
		"absolute_extrude": s.absExtrude,
		"speed_factor":     s.speedFactor,
		"extrude_factor":   s.extrudeFactor,
		"printing":         s.printing,
		"paused":           s.paused,
		"job_file":         s.jobFile,
		"active_carriage":  s.activeCarriage,
		"shutdown":         s.shutdown,
	}
}

// RegisterCommands installs the base machine command set on the console.
func (s *Simulator) RegisterCommands(d *gcode.Dispatcher) error {
	type cmdDef struct {
		name, help string
		fn         gcode.HandlerFunc
	}
	defs := []cmdDef{
		{"G0", "Linear move", s.cmdG1},
		{"G1", "Linear move", s.cmdG1},
		{"G28", "Home axes", s.cmdG28},
		{"G90", "Absolute coordinates", s.cmdG90},
		{"G91", "Relative coordinates", s.cmdG91},
		{"G92", "Set position", s.cmdG92},
		{"M82", "Absolute extrusion", s.cmdM82},
		{"M83", "Relative extrusion", s.cmdM83},
		{"M104", "Set extruder temperature", s.cmdM104},
		{"M105", "Report temperatures", s.cmdM105},
		{"M109", "Set extruder temperature and wait", s.cmdM109},
		{"M112", "Emergency stop", s.cmdM112},
		{"M114", "Report position", s.cmdM114},
		{"M117", "Set display message", s.cmdM117},
		{"M220", "Set speed factor", s.cmdM220},
		{"M221", "Set extrude factor", s.cmdM221},
		{"M400", "Wait for moves to finish", s.cmdM400},
		{"PAUSE", "Pause the current print", func(c *gcode.Command) error { return s.cmdPause(d, c) }},
		{"RESUME", "Resume the paused print", func(c *gcode.Command) error { return s.cmdResume(d, c) }},
		{"CANCEL_PRINT", "Cancel the current print", s.cmdCancelPrint},
		{"SAVE_GCODE_STATE", "Save coordinate state", s.cmdSaveGCodeState},
		{"RESTORE_GCODE_STATE", "Restore coordinate state", s.cmdRestoreGCodeState},
		{"SAVE_DUAL_CARRIAGE_STATE", "Save active carriage", s.cmdSaveCarriageState},
		{"RESTORE_DUAL_CARRIAGE_STATE", "Restore active carriage", s.cmdRestoreCarriageState},
		{"T0", "Select tool 0", s.cmdTool(0)},
		{"T1", "Select tool 1", s.cmdTool(1)},
	}
	for _, def := range defs {
		fn := def.fn
		if err := d.RegisterCommand(def.name, def.help, func(c *gcode.Command) error {
			s.record(c.Raw)
			return fn(c)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) cmdG1(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.RuntimeError("machine is shutdown")
	}

	target := s.position
	moved := [3]bool{}
	for i, axis := range []string{"X", "Y", "Z"} {
		v, ok := c.Get(axis)
		if !ok || v == "" {
			continue
		}
		f, err := c.GetFloat(axis, 0)
		if err != nil {
			return err
		}
		if s.absCoords {
			target[i] = f
		} else {
			target[i] += f
		}
		moved[i] = true
	}
	if v, ok := c.Get("E"); ok && v != "" {
		f, err := c.GetFloat("E", 0)
		if err != nil {
			return err
		}
		f *= s.extrudeFactor
		if s.absExtrude {
			target[3] = f
		} else {
			target[3] += f
		}
	}
	if v, ok := c.Get("F"); ok && v != "" {
		f, err := c.GetFloat("F", 0)
		if err != nil {
			return err
		}
		if f > 0 {
			s.feedrate = f / 60.0
		}
	}

	if err := s.checkMoveLocked(target, moved[0], moved[1], moved[2]); err != nil {
		return err
	}
	s.position = target
	return nil
}

func (s *Simulator) cmdG28(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.RuntimeError("machine is shutdown")
	}

	all := !c.Has("X") && !c.Has("Y") && !c.Has("Z")
	if all || c.Has("X") {
		s.homed[0] = true
		s.position[0] = 0
	}
	if all || c.Has("Y") {
		s.homed[1] = true
		s.position[1] = 0
	}
	if all || c.Has("Z") {
		s.homed[2] = true
		s.position[2] = 0
	}
	return nil
}

func (s *Simulator) cmdG90(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absCoords = true
	return nil
}

func (s *Simulator) cmdG91(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absCoords = false
	return nil
}

func (s *Simulator) cmdG92(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, axis := range []string{"X", "Y", "Z", "E"} {
		if v, ok := c.Get(axis); ok && v != "" {
			f, err := c.GetFloat(axis, 0)
			if err != nil {
				return err
			}
			s.position[i] = f
		}
	}
	return nil
}

func (s *Simulator) cmdM82(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absExtrude = true
	return nil
}

func (s *Simulator) cmdM83(c *gcode.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absExtrude = false
	return nil
}

func (s *Simulator) cmdM104(c *gcode.Command) error {
	temp, err := c.GetFloat("S", 0)
	if err != nil {
		return err
	}
	return s.SetTarget(temp, false)
}

func (s *Simulator) cmdM105(c *gcode.Command) error {
	cur, target := s.Measured()
	c.RespondInfo("T:%.1f /%.1f", cur, target)
	return nil
}

func (s *Simulator) cmdM109(c *gcode.Command) error {
	temp, err := c.GetFloat("S", 0)
	if err != nil {
		return err
	}
	return s.SetTarget(temp, true)
}

func (s *Simulator) cmdM112(c *gcode.Command) error {
	s.Shutdown("M112 emergency stop")
	return nil
}

func (s *Simulator) cmdM114(c *gcode.Command) error {
	x, y, z, e := s.Position()
	c.RespondInfo("X:%.3f Y:%.3f Z:%.3f E:%.3f", x, y, z, e)
	return nil
}

func (s *Simulator) cmdM117(c *gcode.Command) error {
	msg := strings.TrimSpace(c.Raw)
	if idx := strings.IndexByte(msg, ';'); idx >= 0 {
		msg = strings.TrimSpace(msg[:idx])
	}
	if len(msg) >= len(c.Name) {
		msg = strings.TrimSpace(msg[len(c.Name):])
	}
	s.mu.Lock()
	s.displayMessage = msg
	s.mu.Unlock()
	return nil
}

func (s *Simulator) cmdM220(c *gcode.Command) error {
	pct, err := c.GetFloat("S", 100)
	if err != nil {
		return err
	}
	if pct <= 0 {
		return errors.GCodeInvalidParameterError(c.Name, "S", c.GetString("S", ""), "must be positive")
	}
	s.mu.Lock()
	s.speedFactor = pct / 100.0
	s.mu.Unlock()
	return nil
}

func (s *Simulator) cmdM221(c *gcode.Command) error {
	pct, err := c.GetFloat("S", 100)
	if err != nil {
		return err
	}
	if pct <= 0 {
		return errors.GCodeInvalidParameterError(c.Name, "S", c.GetString("S", ""), "must be positive")
	}
	s.mu.Lock()
	s.extrudeFactor = pct / 100.0
	s.mu.Unlock()
	return nil
}

func (s *Simulator) cmdM400(c *gcode.Command) error {
	return s.WaitForIdle()
}

func (s *Simulator) cmdPause(d *gcode.Dispatcher, c *gcode.Command) error {
	s.mu.Lock()
	already := s.paused
	s.paused = true
	s.mu.Unlock()
	if !already {
		d.RespondRaw("// action:paused")
	}
	return nil
}

func (s *Simulator) cmdResume(d *gcode.Dispatcher, c *gcode.Command) error {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if wasPaused {
		d.RespondRaw("// action:resumed")
	}
	return nil
}

func (s *Simulator) cmdCancelPrint(c *gcode.Command) error {
	s.FinishJob()
	return nil
}

func (s *Simulator) cmdSaveGCodeState(c *gcode.Command) error {
	name := c.GetString("NAME", "default")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedStates[name] = savedGCodeState{
		position:      s.position,
		absCoords:     s.absCoords,
		absExtrude:    s.absExtrude,
		feedrate:      s.feedrate,
		speedFactor:   s.speedFactor,
		extrudeFactor: s.extrudeFactor,
	}
	return nil
}

func (s *Simulator) cmdRestoreGCodeState(c *gcode.Command) error {
	name := c.GetString("NAME", "default")
	move, err := c.GetBool("MOVE", false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	saved, ok := s.savedStates[name]
	if !ok {
		s.mu.Unlock()
		return errors.GCodeInvalidParameterError(c.Name, "NAME", name, "unknown saved state")
	}
	s.absCoords = saved.absCoords
	s.absExtrude = saved.absExtrude
	s.feedrate = saved.feedrate
	s.speedFactor = saved.speedFactor
	s.extrudeFactor = saved.extrudeFactor
	s.position[3] = saved.position[3]
	s.mu.Unlock()

	if !move {
		return nil
	}
	speed, err := c.GetFloat("MOVE_SPEED", saved.feedrate)
	if err != nil {
		return err
	}
	return s.ManualMove(F(saved.position[0]), F(saved.position[1]), F(saved.position[2]), nil, speed)
}

func (s *Simulator) cmdSaveCarriageState(c *gcode.Command) error {
	name := c.GetString("NAME", "default")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedCarriage[name] = s.activeCarriage
	return nil
}

func (s *Simulator) cmdRestoreCarriageState(c *gcode.Command) error {
	name := c.GetString("NAME", "default")
	s.mu.Lock()
	defer s.mu.Unlock()
	carriage, ok := s.savedCarriage[name]
	if !ok {
		return errors.GCodeInvalidParameterError(c.Name, "NAME", name, "unknown saved state")
	}
	s.activeCarriage = carriage
	return nil
}

func (s *Simulator) cmdTool(tool int) gcode.HandlerFunc {
	return func(c *gcode.Command) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.shutdown {
			return errors.RuntimeError("machine is shutdown")
		}
		s.activeCarriage = tool
		if c.Has("PARK") {
			s.parkedTool = tool
		}
		return nil
	}
}
