package filament

import (
	"sync"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/log"
	"filament-host/pkg/machine"
)

func fptr(v float64) *float64 { return &v }

// floatPair reads a required "x, y" option.
func floatPair(section *config.Section, option string) (x, y float64, err error) {
	vals, err := section.GetFloatList(option, ",")
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, errors.RuntimeErrorInit(section.GetName(),
			option+" must be two comma separated values")
	}
	return vals[0], vals[1], nil
}

// optionalFloatPair reads an "x, y" option, returning nil when absent.
func optionalFloatPair(section *config.Section, option string) (*[2]float64, error) {
	if !section.HasOption(option) {
		return nil, nil
	}
	x, y, err := floatPair(section, option)
	if err != nil {
		return nil, err
	}
	return &[2]float64{x, y}, nil
}

// Boundary narrows the machine's XY soft limits to a configured work
// rectangle. Operations that must reach parked positions outside the
// rectangle restore the default envelope first and re-apply the rectangle
// when they finish.
type Boundary struct {
	mach        machine.Machine
	sectionName string
	logger      *log.Logger

	mu         sync.Mutex
	minX, minY float64
	maxX, maxY float64
	active     bool
}

// NewBoundary reads the work rectangle from its config section.
func NewBoundary(mach machine.Machine, section *config.Section) (*Boundary, error) {
	b := &Boundary{mach: mach, sectionName: section.GetName(), logger: log.GetLogger("bed_boundary")}
	var err error
	if b.minX, err = section.GetFloat("min_x"); err != nil {
		return nil, err
	}
	if b.minY, err = section.GetFloat("min_y"); err != nil {
		return nil, err
	}
	if b.maxX, err = section.GetFloat("max_x"); err != nil {
		return nil, err
	}
	if b.maxY, err = section.GetFloat("max_y"); err != nil {
		return nil, err
	}
	return b, nil
}

// SetCustom applies the narrow rectangle.
func (b *Boundary) SetCustom() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mach.SetXYBounds(b.minX, b.minY, b.maxX, b.maxY)
	b.active = true
	b.logger.Debug("custom boundary applied: x [%.1f, %.1f] y [%.1f, %.1f]",
		b.minX, b.maxX, b.minY, b.maxY)
}

// RestoreDefault re-opens the full machine envelope.
func (b *Boundary) RestoreDefault() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mach.RestoreDefaultBounds()
	b.active = false
	b.logger.Debug("default boundary restored")
}

// Active reports whether the narrow rectangle is currently applied.
func (b *Boundary) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// GetName returns the config section name.
func (b *Boundary) GetName() string { return b.sectionName }

// Bucket is the parked waste position used while purging or unloading.
type Bucket struct {
	mach        machine.Machine
	sectionName string
	x, y        float64
	travelSpeed float64
}

// NewBucket reads the bucket position from its config section.
func NewBucket(mach machine.Machine, section *config.Section) (*Bucket, error) {
	x, y, err := floatPair(section, "position_xy")
	if err != nil {
		return nil, err
	}
	speed, err := section.GetFloatWithBounds("travel_speed",
		config.FloatBounds{MinVal: fptr(30.0), MaxVal: fptr(600.0)}, 100.0)
	if err != nil {
		return nil, err
	}
	return &Bucket{mach: mach, sectionName: section.GetName(), x: x, y: y, travelSpeed: speed}, nil
}

// GetName returns the config section name.
func (bk *Bucket) GetName() string { return bk.sectionName }

// MoveTo travels to the bucket position and waits for the move to finish.
func (bk *Bucket) MoveTo() error {
	if err := bk.mach.ManualMove(machine.F(bk.x), machine.F(bk.y), nil, nil, bk.travelSpeed); err != nil {
		return err
	}
	return bk.mach.WaitForIdle()
}

// Position returns the bucket XY coordinates.
func (bk *Bucket) Position() (x, y float64) {
	return bk.x, bk.y
}
