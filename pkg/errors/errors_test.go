// Unified error handling tests
//
// Copyright (C) 2026  Filament Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := New(ErrRuntime, "something broke")
	if got := err.Error(); got != "[RUNTIME] something broke" {
		t.Errorf("unexpected error string: %q", got)
	}

	err = BusyError("cut")
	if got := err.Error(); got != "[OP_BUSY:cut] cut already in progress" {
		t.Errorf("unexpected busy error string: %q", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := Wrap(cause, ErrOpMotion, "move rejected")

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match cause via errors.Is")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestBusyError(t *testing.T) {
	err := BusyError("unload")
	if !IsBusy(err) {
		t.Error("IsBusy should be true")
	}
	if IsTimeout(err) {
		t.Error("IsTimeout should be false")
	}
	if err.Op != "unload" {
		t.Errorf("Op = %q, want unload", err.Op)
	}
}

func TestTimeoutError(t *testing.T) {
	err := TimeoutError("unload", 5)
	if !IsTimeout(err) {
		t.Error("IsTimeout should be true")
	}
	if err.Context["attempts"] != 5 {
		t.Errorf("attempts context = %v, want 5", err.Context["attempts"])
	}
	if !strings.Contains(err.Error(), "5 attempts") {
		t.Errorf("message should mention attempts: %q", err.Error())
	}
}

func TestHeatingError(t *testing.T) {
	err := HeatingError("extruder", 220.0, "never reached band")
	if !Is(err, ErrOpHeating) {
		t.Error("expected heating error code")
	}
	if !strings.Contains(err.Error(), "extruder") || !strings.Contains(err.Error(), "220.0") {
		t.Errorf("message missing details: %q", err.Error())
	}
}

func TestMacroError(t *testing.T) {
	cause := fmt.Errorf("unknown command")
	err := MacroError("CUT_DONE", cause)
	if !Is(err, ErrOpMacro) {
		t.Error("expected macro error code")
	}
	if !stderrors.Is(err, cause) {
		t.Error("macro error should wrap its cause")
	}
}

func TestGCodeErrors(t *testing.T) {
	cases := []struct {
		err  *HostError
		code ErrorCode
	}{
		{GCodeParseError("G1 X", "dangling parameter"), ErrGCodeParse},
		{GCodeUnknownCommandError("M999"), ErrGCodeUnknownCmd},
		{GCodeMissingParameterError("CUT", "TEMPERATURE"), ErrGCodeMissingParam},
		{GCodeInvalidParameterError("CUT", "TEMPERATURE", "abc", "not a number"), ErrGCodeInvalidParam},
	}
	for _, c := range cases {
		if c.err.Code != c.code {
			t.Errorf("code = %s, want %s", c.err.Code, c.code)
		}
		if !IsGCode(c.err) {
			t.Errorf("IsGCode false for %s", c.code)
		}
	}
	if IsGCode(RuntimeError("x")) {
		t.Error("IsGCode should be false for runtime errors")
	}
}

func TestRecoverPanic(t *testing.T) {
	fn := func() (err *HostError) {
		defer func() {
			err = RecoverPanic()
		}()
		panic("boom")
	}

	err := fn()
	if err == nil {
		t.Fatal("expected recovered error")
	}
	if !Is(err, ErrRuntime) {
		t.Errorf("recovered code = %s, want RUNTIME", err.Code)
	}
	if !strings.Contains(err.Message, "boom") {
		t.Errorf("recovered message = %q", err.Message)
	}
}
