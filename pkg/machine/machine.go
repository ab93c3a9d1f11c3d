// Package machine presents the printing machine to the filament modules
// as a small set of facades: motion, heat, and print state. The modules
// never talk to motion planning or firmware directly; they drive the
// facades and the shared G-code console.
//
// The package ships one implementation, Simulator, which models the
// machine state deterministically on reactor time. It backs the daemon in
// bench mode and every package test.
package machine

// Motion is the toolhead facade for travel and extrusion moves. All
// coordinates are absolute machine positions in mm; speeds are mm/s.
type Motion interface {
	// Position returns the current X, Y, Z, E position.
	Position() (x, y, z, e float64)

	// ManualMove moves the axes with non-nil targets. Moving an unhomed
	// X, Y or Z axis is an error.
	ManualMove(x, y, z, e *float64, speed float64) error

	// WaitForIdle blocks until all queued motion has completed.
	WaitForIdle() error

	// HomedAxes returns the homed axes as a subset of "xyz".
	HomedAxes() string

	// ExtrudeFactor returns the current extrusion multiplier (M221).
	ExtrudeFactor() float64
}

// Heat is the extruder heater facade.
type Heat interface {
	// SetTarget sets the heater target in degrees Celsius. With wait set
	// it blocks until the measured temperature is within tolerance of a
	// positive target.
	SetTarget(temp float64, wait bool) error

	// Measured returns the current and target temperature.
	Measured() (current, target float64)
}

// PrintState reports whether a print job is in flight. It is the single
// authority the filament modules consult; there is no separate idle
// timeout state to disagree with it.
type PrintState interface {
	IsPrinting() bool
	IsPaused() bool
	JobFileActive() bool
}

// Bounds controls the XY soft limits. Staging helpers narrow them to a
// work boundary and widen them back for travel to parked positions.
type Bounds interface {
	SetXYBounds(minX, minY, maxX, maxY float64)
	RestoreDefaultBounds()
}

// Machine bundles the facades the filament modules depend on.
type Machine interface {
	Motion
	Heat
	PrintState
	Bounds

	// IsShutdown reports whether the machine has entered the shutdown
	// state (M112 or a fault). Operations abort their wait loops when it
	// flips.
	IsShutdown() bool
}

// F returns a pointer to v, for building sparse ManualMove calls.
func F(v float64) *float64 { return &v }
