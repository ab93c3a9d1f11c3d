// Unified error handling for the filament host
//
// Copyright (C) 2026  Filament Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Operation errors
	ErrOpBusy    ErrorCode = "OP_BUSY"
	ErrOpHoming  ErrorCode = "OP_HOMING"
	ErrOpMotion  ErrorCode = "OP_MOTION"
	ErrOpHeating ErrorCode = "OP_HEATING"
	ErrOpTimeout ErrorCode = "OP_TIMEOUT"
	ErrOpMacro   ErrorCode = "OP_MACRO"

	// G-code parsing errors
	ErrGCodeParse        ErrorCode = "GCODE_PARSE"
	ErrGCodeUnknownCmd   ErrorCode = "GCODE_UNKNOWN_CMD"
	ErrGCodeMissingParam ErrorCode = "GCODE_MISSING_PARAM"
	ErrGCodeInvalidParam ErrorCode = "GCODE_INVALID_PARAM"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Op is the operation or command the error belongs to
	Op string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetOp sets the operation name
func (e *HostError) SetOp(op string) *HostError {
	e.Op = op
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Operation errors

// BusyError reports that an operation rejected a re-entrant start.
func BusyError(op string) *HostError {
	return New(ErrOpBusy, fmt.Sprintf("%s already in progress", op)).SetOp(op)
}

// HomingError reports that homing did not leave all axes homed.
func HomingError(message string) *HostError {
	return New(ErrOpHoming, message)
}

// MotionError reports a failed motion request.
func MotionError(message string) *HostError {
	return New(ErrOpMotion, message)
}

// HeatingError reports that a heater could not reach or hold its target.
func HeatingError(heater string, target float64, reason string) *HostError {
	return New(ErrOpHeating, fmt.Sprintf("heater '%s' target %.1f: %s", heater, target, reason)).
		SetContext("heater", heater).
		SetContext("target", target)
}

// TimeoutError reports that a bounded retry budget was exhausted.
func TimeoutError(op string, attempts int) *HostError {
	return New(ErrOpTimeout, fmt.Sprintf("%s exceeded retry budget after %d attempts", op, attempts)).
		SetOp(op).
		SetContext("attempts", attempts)
}

// MacroError reports a failed macro expansion or execution.
func MacroError(name string, err error) *HostError {
	return Wrap(err, ErrOpMacro, fmt.Sprintf("macro '%s' failed", name)).SetOp(name)
}

// G-code errors

// GCodeParseError creates an error for G-code parsing failure
func GCodeParseError(line string, reason string) *HostError {
	return New(ErrGCodeParse, fmt.Sprintf("failed to parse G-code: %s (reason: %s)", line, reason))
}

// GCodeUnknownCommandError creates an error for unknown G-code command
func GCodeUnknownCommandError(command string) *HostError {
	return New(ErrGCodeUnknownCmd, fmt.Sprintf("unknown G-code command: %s", command))
}

// GCodeMissingParameterError creates an error for missing G-code parameter
func GCodeMissingParameterError(command, param string) *HostError {
	return New(ErrGCodeMissingParam, fmt.Sprintf("G-code command '%s' missing required parameter: %s", command, param))
}

// GCodeInvalidParameterError creates an error for invalid G-code parameter
func GCodeInvalidParameterError(command, param, value string, reason string) *HostError {
	return New(ErrGCodeInvalidParam, fmt.Sprintf("G-code command '%s': invalid parameter '%s=%s' (%s)", command, param, value, reason))
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *HostError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *HostError {
	if r := recover(); r != nil {
		var err error
		switch x := r.(type) {
		case string:
			err = RuntimeError(fmt.Sprintf("panic: %s", x))
		case error:
			err = RuntimeError(x.Error())
		case runtime.Error:
			err = RuntimeError(x.Error())
		default:
			err = RuntimeError(fmt.Sprintf("panic: %v", x))
		}
		return err.(*HostError)
	}
	return nil
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	if hostErr, ok := err.(*HostError); ok {
		return hostErr.Code == code
	}
	return false
}

// IsBusy checks if error is a re-entrancy rejection
func IsBusy(err error) bool {
	return Is(err, ErrOpBusy)
}

// IsTimeout checks if error is a retry budget exhaustion
func IsTimeout(err error) bool {
	return Is(err, ErrOpTimeout)
}

// IsGCode checks if error is a G-code error
func IsGCode(err error) bool {
	return Is(err, ErrGCodeParse) ||
		Is(err, ErrGCodeUnknownCmd) ||
		Is(err, ErrGCodeMissingParam) ||
		Is(err, ErrGCodeInvalidParam)
}
