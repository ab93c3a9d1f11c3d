// Package gcode provides the operator console for the filament host: a
// registry of G-code style commands, KEY=VALUE parameter parsing, and the
// response fanout that feeds every attached console (stdin REPL, API
// clients, tests).
//
// Modules register commands at construction time; scripts run through the
// same dispatch path as interactive input, so a macro behaves exactly like
// an operator typing the same lines.
package gcode

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"filament-host/pkg/errors"
	"filament-host/pkg/log"
)

// HandlerFunc executes one parsed command.
type HandlerFunc func(c *Command) error

type commandEntry struct {
	fn   HandlerFunc
	help string

	// Mux commands dispatch on the value of one parameter, so several
	// modules can share a command name (CUT SENSOR=tool0 / SENSOR=tool1).
	muxKey    string
	muxValues map[string]HandlerFunc
}

// Dispatcher routes console lines to registered command handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	commands map[string]*commandEntry
	outputs  []func(string)
	logger   *log.Logger
}

// NewDispatcher creates a console dispatcher with the built-in HELP and
// RESPOND commands registered.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		commands: make(map[string]*commandEntry),
		logger:   log.GetLogger("gcode"),
	}
	d.RegisterCommand("HELP", "List available commands", d.cmdHelp)
	d.RegisterCommand("RESPOND", "Echo a message to all consoles", d.cmdRespond)
	return d
}

// RegisterCommand registers a handler for a command name. Registering a
// name twice is an error; use RenameCommand first to keep the old handler
// reachable.
func (d *Dispatcher) RegisterCommand(name, help string, fn HandlerFunc) error {
	name = strings.ToUpper(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.commands[name]; exists {
		return errors.RuntimeError(fmt.Sprintf("command %s already registered", name))
	}
	d.commands[name] = &commandEntry{fn: fn, help: help}
	return nil
}

// RegisterMuxCommand registers a handler for one value of a command's mux
// parameter. All registrations of the same command must use the same key.
// Registering with an empty value installs the fallback handler used when
// the key parameter is absent.
func (d *Dispatcher) RegisterMuxCommand(name, key, value string, fn HandlerFunc, help string) error {
	name = strings.ToUpper(name)
	key = strings.ToUpper(key)
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.commands[name]
	if !exists {
		entry = &commandEntry{
			help:      help,
			muxKey:    key,
			muxValues: make(map[string]HandlerFunc),
		}
		d.commands[name] = entry
	}
	if entry.muxValues == nil {
		return errors.RuntimeError(fmt.Sprintf("command %s already registered without mux", name))
	}
	if entry.muxKey != key {
		return errors.RuntimeError(fmt.Sprintf("mux command %s: conflicting keys %s and %s", name, entry.muxKey, key))
	}
	if _, dup := entry.muxValues[value]; dup {
		return errors.RuntimeError(fmt.Sprintf("mux command %s %s=%s already registered", name, key, value))
	}
	entry.muxValues[value] = fn
	return nil
}

// UnregisterCommand removes a command. Returns the handler that was
// registered, or nil.
func (d *Dispatcher) UnregisterCommand(name string) HandlerFunc {
	name = strings.ToUpper(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, exists := d.commands[name]
	if !exists {
		return nil
	}
	delete(d.commands, name)
	return entry.fn
}

// RenameCommand moves an existing handler to a new name, freeing the old
// name for re-registration. Used by macros that override built-ins while
// keeping the original reachable.
func (d *Dispatcher) RenameCommand(oldName, newName string) error {
	oldName = strings.ToUpper(oldName)
	newName = strings.ToUpper(newName)
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.commands[oldName]
	if !exists {
		return errors.RuntimeError(fmt.Sprintf("cannot rename unknown command %s", oldName))
	}
	if _, taken := d.commands[newName]; taken {
		return errors.RuntimeError(fmt.Sprintf("cannot rename %s: %s already registered", oldName, newName))
	}
	d.commands[newName] = entry
	delete(d.commands, oldName)
	return nil
}

// Execute parses and runs a single console line. Blank lines and comments
// are ignored.
func (d *Dispatcher) Execute(line string) error {
	cmd := parseLine(line)
	if cmd == nil {
		return nil
	}
	cmd.d = d

	d.mu.RLock()
	entry, exists := d.commands[cmd.Name]
	var fn HandlerFunc
	var muxKey, muxValue string
	var muxMiss bool
	if exists {
		fn = entry.fn
		if entry.muxValues != nil {
			muxKey = entry.muxKey
			muxValue, _ = cmd.Get(muxKey)
			mfn, ok := entry.muxValues[muxValue]
			if !ok {
				// Fall back to the default registration when the key
				// is absent or names no specific handler.
				mfn, ok = entry.muxValues[""]
			}
			fn, muxMiss = mfn, !ok
		}
	}
	d.mu.RUnlock()

	if !exists {
		return errors.GCodeUnknownCommandError(cmd.Name)
	}
	if muxMiss {
		if muxValue == "" {
			return errors.GCodeMissingParameterError(cmd.Name, muxKey)
		}
		return errors.GCodeInvalidParameterError(cmd.Name, muxKey, muxValue, "no such target")
	}

	d.logger.Debug("dispatch %s", cmd.Name)
	return fn(cmd)
}

// RunScript executes newline-separated commands, stopping at the first
// error.
func (d *Dispatcher) RunScript(script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := d.Execute(line); err != nil {
			return err
		}
	}
	return nil
}

// AddOutputHandler attaches a console output sink. Every Respond call is
// copied to all sinks.
func (d *Dispatcher) AddOutputHandler(fn func(msg string)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.outputs = append(d.outputs, fn)
	d.mu.Unlock()
}

func (d *Dispatcher) emit(line string) {
	d.mu.RLock()
	outs := d.outputs
	d.mu.RUnlock()
	for _, out := range outs {
		out(line)
	}
}

// RespondInfo sends an informational message to all console outputs, one
// "// " prefixed line per input line.
func (d *Dispatcher) RespondInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Info("%s", msg)
	for _, line := range strings.Split(msg, "\n") {
		d.emit("// " + line)
	}
}

// RespondError sends an error message to all console outputs with the
// "!! " prefix.
func (d *Dispatcher) RespondError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Error("%s", msg)
	for _, line := range strings.Split(msg, "\n") {
		d.emit("!! " + line)
	}
}

// RespondRaw sends a message to all console outputs without a prefix.
func (d *Dispatcher) RespondRaw(msg string) {
	d.emit(msg)
}

// Help returns a snapshot of registered commands and their help strings.
func (d *Dispatcher) Help() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.commands))
	for name, entry := range d.commands {
		out[name] = entry.help
	}
	return out
}

func (d *Dispatcher) cmdHelp(c *Command) error {
	help := d.Help()
	names := make([]string, 0, len(help))
	for name := range help {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:")
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
		if h := help[name]; h != "" {
			b.WriteString(": ")
			b.WriteString(h)
		}
	}
	c.RespondInfo("%s", b.String())
	return nil
}

func (d *Dispatcher) cmdRespond(c *Command) error {
	msg := c.GetString("MSG", "")
	prefix := c.GetString("PREFIX", "")
	switch strings.ToLower(c.GetString("TYPE", "echo")) {
	case "echo":
		if prefix == "" {
			prefix = "echo:"
		}
		d.RespondRaw(prefix + " " + msg)
	case "command":
		d.RespondRaw("// " + msg)
	case "error":
		d.RespondError("%s", msg)
	default:
		return errors.GCodeInvalidParameterError(c.Name, "TYPE", c.GetString("TYPE", ""), "must be echo, command or error")
	}
	return nil
}
