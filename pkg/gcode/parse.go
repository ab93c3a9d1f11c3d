package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"filament-host/pkg/errors"
)

var (
	reParenComment = regexp.MustCompile(`\([^)]*\)`)
	reClassicCmd   = regexp.MustCompile(`^[GM]\d+(\.\d+)?$`)
)

// Command is a single parsed console line bound to the dispatcher that
// received it. Handlers read parameters through the typed accessors and
// reply through the Respond methods.
type Command struct {
	Name   string
	Params map[string]string
	Raw    string

	d *Dispatcher
}

// parseLine splits a console line into a command name and parameters.
// Returns nil for blank lines and comment-only lines.
//
// Classic commands (G1, M104, ...) use letter-prefixed parameters
// ("G1 X10 E-5"). Extended commands use KEY=VALUE parameters
// ("UNLOAD_FILAMENT TEMPERATURE=250"); a bare word on an extended command
// becomes a valueless flag ("T0 PARK").
func parseLine(line string) *Command {
	ln := strings.TrimSpace(line)
	if ln == "" {
		return nil
	}
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil
	}

	fields := strings.Fields(ln)
	name := strings.ToUpper(fields[0])
	params := make(map[string]string, len(fields)-1)
	classic := reClassicCmd.MatchString(name)

	for _, f := range fields[1:] {
		if i := strings.IndexByte(f, '='); i >= 0 {
			k := strings.ToUpper(strings.TrimSpace(f[:i]))
			if k != "" {
				params[k] = strings.TrimSpace(f[i+1:])
			}
			continue
		}
		if classic {
			// Letter-prefixed value, possibly a bare axis flag ("G28 X").
			k := strings.ToUpper(f[:1])
			params[k] = strings.TrimSpace(f[1:])
			continue
		}
		params[strings.ToUpper(f)] = ""
	}
	return &Command{Name: name, Params: params, Raw: line}
}

// Get returns the raw value of a parameter and whether it was present.
func (c *Command) Get(key string) (string, bool) {
	v, ok := c.Params[strings.ToUpper(key)]
	return v, ok
}

// Has reports whether the parameter was present on the command line.
func (c *Command) Has(key string) bool {
	_, ok := c.Params[strings.ToUpper(key)]
	return ok
}

// GetString returns a string parameter, or def when absent.
func (c *Command) GetString(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Require returns a string parameter, erroring when it is absent or empty.
func (c *Command) Require(key string) (string, error) {
	v, ok := c.Get(key)
	if !ok || v == "" {
		return "", errors.GCodeMissingParameterError(c.Name, strings.ToUpper(key))
	}
	return v, nil
}

// GetFloat returns a float parameter, or def when absent.
func (c *Command) GetFloat(key string, def float64) (float64, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(key), v, "not a number")
	}
	return f, nil
}

// GetFloatWithBounds returns a float parameter clamped-checked against
// [min, max], or def when absent. Values outside the range are rejected,
// not clamped.
func (c *Command) GetFloatWithBounds(key string, def, min, max float64) (float64, error) {
	f, err := c.GetFloat(key, def)
	if err != nil {
		return 0, err
	}
	if f < min {
		return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(key),
			strconv.FormatFloat(f, 'g', -1, 64), "below minimum "+strconv.FormatFloat(min, 'g', -1, 64))
	}
	if f > max {
		return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(key),
			strconv.FormatFloat(f, 'g', -1, 64), "above maximum "+strconv.FormatFloat(max, 'g', -1, 64))
	}
	return f, nil
}

// GetInt returns an integer parameter, or def when absent.
func (c *Command) GetInt(key string, def int) (int, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(key), v, "not an integer")
	}
	return n, nil
}

// GetBool returns a boolean parameter, or def when absent. Accepts
// 1/0, true/false, yes/no and on/off; a bare flag counts as true.
func (c *Command) GetBool(key string, def bool) (bool, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "", "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.GCodeInvalidParameterError(c.Name, strings.ToUpper(key), v, "not a boolean")
}

// RespondInfo sends an informational message to the console outputs.
func (c *Command) RespondInfo(format string, args ...interface{}) {
	c.d.RespondInfo(format, args...)
}

// RespondError sends an error message to the console outputs.
func (c *Command) RespondError(format string, args ...interface{}) {
	c.d.RespondError(format, args...)
}
