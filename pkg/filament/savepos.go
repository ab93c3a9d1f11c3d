package filament

import (
	"fmt"
	"strings"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/gcode"
	"filament-host/pkg/log"
	"filament-host/pkg/machine"
)

// savePositionOptions maps the POSITION parameter of CUTTER_SAVE_POSITION
// to the config option it persists.
var savePositionOptions = map[string]string{
	"cut":     "cutter_position_xy",
	"pre_cut": "pre_cutter_position_xy",
	"bucket":  "bucket_position_xy",
}

// PositionSaver records the current toolhead XY into a cutter sensor's
// config section. It backs the blade calibration flow: jog the toolhead
// onto the cutter arm, then persist that spot so the next cut lands on it.
type PositionSaver struct {
	mach   machine.Machine
	store  *config.AutosaveConfig
	logger *log.Logger
}

// NewPositionSaver registers the CUTTER_SAVE_POSITION console command.
func NewPositionSaver(d *gcode.Dispatcher, mach machine.Machine, store *config.AutosaveConfig) (*PositionSaver, error) {
	ps := &PositionSaver{
		mach:   mach,
		store:  store,
		logger: log.GetLogger("save_position"),
	}
	err := d.RegisterCommand("CUTTER_SAVE_POSITION",
		"Save the current toolhead XY as a cutter position: "+
			"CUTTER_SAVE_POSITION SENSOR=<name> [POSITION=cut|pre_cut|bucket]",
		ps.cmdSavePosition)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PositionSaver) cmdSavePosition(c *gcode.Command) error {
	sensor, err := c.Require("SENSOR")
	if err != nil {
		return err
	}
	position := strings.ToLower(c.GetString("POSITION", "cut"))
	option, ok := savePositionOptions[position]
	if !ok {
		return errors.GCodeInvalidParameterError(c.Name, "POSITION", position,
			"must be cut, pre_cut or bucket")
	}
	// Re-read the file first so the save keeps edits made since startup.
	if err := ps.store.ReloadFromDisk(); err != nil {
		return err
	}
	sectionName := "cutter_sensor " + sensor
	if !ps.store.HasSection(sectionName) {
		return errors.GCodeInvalidParameterError(c.Name, "SENSOR", sensor,
			"no such cutter sensor")
	}

	x, y, _, _ := ps.mach.Position()
	value := fmt.Sprintf("%.3f, %.3f", x, y)
	if err := ps.store.SetOption(sectionName, option, value); err != nil {
		return err
	}
	if err := ps.store.SaveChanges(""); err != nil {
		return err
	}
	ps.logger.Info("saved %s = %s for [%s]", option, value, sectionName)
	c.RespondInfo("Saved %s: %s for [%s]. Restart to apply.",
		option, value, sectionName)
	return nil
}
