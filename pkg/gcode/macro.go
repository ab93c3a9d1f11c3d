// G-code macros with template expansion.
//
// Copyright (C) 2026  Filament Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"filament-host/pkg/config"
	"filament-host/pkg/errors"
	"filament-host/pkg/log"
)

var reTemplateVar = regexp.MustCompile(`\{(\w+(?:\.\w+)*)\}`)

// Template is a G-code script with {variable} and {params.NAME}
// placeholders. Unresolved placeholders are left in place so the rendered
// script fails loudly at dispatch rather than silently dropping text.
type Template struct {
	name   string
	script string
}

// NewTemplate creates a template from a raw script.
func NewTemplate(name, script string) *Template {
	return &Template{name: name, script: script}
}

// Name returns the template's identifier.
func (t *Template) Name() string { return t.name }

// Render substitutes context values into the template. Dotted paths walk
// nested maps; params values come from the "params" entry.
func (t *Template) Render(context map[string]interface{}) string {
	return reTemplateVar.ReplaceAllStringFunc(t.script, func(match string) string {
		path := match[1 : len(match)-1]
		if val, ok := resolvePath(context, path); ok {
			return fmt.Sprintf("%v", val)
		}
		return match
	})
}

func resolvePath(context map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = context
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		default:
			return nil, false
		}
	}
	return current, true
}

// Macro is an operator-defined command backed by a template. Rendering
// context carries the macro's variables plus the invocation parameters.
type Macro struct {
	name        string
	alias       string
	template    *Template
	description string
	variables   map[string]interface{}
	inScript    bool
	mu          sync.Mutex
}

// Name returns the macro's configured name.
func (m *Macro) Name() string { return m.name }

// Variables returns a copy of the macro's variable map.
func (m *Macro) Variables() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]interface{}, len(m.variables))
	for k, v := range m.variables {
		out[k] = v
	}
	return out
}

// SetVariable updates a variable declared in the macro's config section.
func (m *Macro) SetVariable(name string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variables[name]; !ok {
		return errors.RuntimeError(fmt.Sprintf("macro %s has no variable '%s'", m.alias, name))
	}
	m.variables[name] = value
	return nil
}

func (m *Macro) run(d *Dispatcher, c *Command) error {
	m.mu.Lock()
	if m.inScript {
		m.mu.Unlock()
		return errors.MacroError(m.alias, fmt.Errorf("macro called recursively"))
	}
	m.inScript = true
	context := make(map[string]interface{}, len(m.variables)+1)
	for k, v := range m.variables {
		context[k] = v
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inScript = false
		m.mu.Unlock()
	}()

	context["params"] = c.Params
	script := m.template.Render(context)
	if err := d.RunScript(script); err != nil {
		return errors.MacroError(m.alias, err)
	}
	return nil
}

// MacroSet owns the macros loaded from [gcode_macro NAME] config sections
// and the SET_GCODE_VARIABLE command that mutates them.
type MacroSet struct {
	d      *Dispatcher
	logger *log.Logger

	mu     sync.RWMutex
	macros map[string]*Macro
}

// NewMacroSet creates an empty macro registry bound to a dispatcher and
// registers SET_GCODE_VARIABLE.
func NewMacroSet(d *Dispatcher) *MacroSet {
	ms := &MacroSet{
		d:      d,
		logger: log.GetLogger("gcode_macro"),
		macros: make(map[string]*Macro),
	}
	d.RegisterCommand("SET_GCODE_VARIABLE", "Set a gcode_macro variable", ms.cmdSetGCodeVariable)
	return ms
}

// LoadConfig registers a macro command for every [gcode_macro NAME]
// section. A rename_existing option moves the current handler of NAME to
// the given name before the macro takes NAME over.
func (ms *MacroSet) LoadConfig(cfg *config.Config) error {
	for _, section := range cfg.GetPrefixSections("gcode_macro") {
		parts := strings.Fields(section.GetName())
		if len(parts) != 2 {
			return errors.RuntimeError(fmt.Sprintf("section [%s] needs a macro name", section.GetName()))
		}
		if err := ms.loadMacro(parts[1], section); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MacroSet) loadMacro(name string, section *config.Section) error {
	script, err := section.Get("gcode")
	if err != nil {
		return err
	}
	description, _ := section.Get("description", "G-Code macro")
	renameExisting, _ := section.Get("rename_existing", "")

	alias := strings.ToUpper(name)
	m := &Macro{
		name:        name,
		alias:       alias,
		template:    NewTemplate(name+":gcode", script),
		description: description,
		variables:   make(map[string]interface{}),
	}
	for _, opt := range section.GetPrefixOptions("variable_") {
		value, err := section.Get(opt)
		if err != nil {
			return err
		}
		m.variables[strings.TrimPrefix(opt, "variable_")] = value
	}

	if renameExisting != "" {
		if err := ms.d.RenameCommand(alias, renameExisting); err != nil {
			return err
		}
	}
	if err := ms.d.RegisterCommand(alias, description, func(c *Command) error {
		return m.run(ms.d, c)
	}); err != nil {
		return err
	}

	ms.mu.Lock()
	ms.macros[alias] = m
	ms.mu.Unlock()
	ms.logger.Info("registered macro %s", alias)
	return nil
}

// LoadTemplate reads an inline script option from a config section and
// wraps it as a template. Callers pass a default of "" for optional
// scripts.
func (ms *MacroSet) LoadTemplate(section *config.Section, option, def string) (*Template, error) {
	script, err := section.Get(option, def)
	if err != nil {
		return nil, err
	}
	return NewTemplate(section.GetName()+":"+option, script), nil
}

// Get returns a loaded macro by name, or nil.
func (ms *MacroSet) Get(name string) *Macro {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.macros[strings.ToUpper(name)]
}

func (ms *MacroSet) cmdSetGCodeVariable(c *Command) error {
	macroName, err := c.Require("MACRO")
	if err != nil {
		return err
	}
	variable, err := c.Require("VARIABLE")
	if err != nil {
		return err
	}
	value, ok := c.Get("VALUE")
	if !ok {
		return errors.GCodeMissingParameterError(c.Name, "VALUE")
	}

	m := ms.Get(macroName)
	if m == nil {
		return errors.GCodeInvalidParameterError(c.Name, "MACRO", macroName, "no such macro")
	}
	return m.SetVariable(variable, value)
}
