package safety

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Mock implementations for testing

type mockHeater struct {
	disabled atomic.Bool
}

func (h *mockHeater) DisableHeater() error {
	h.disabled.Store(true)
	return nil
}

type mockMachine struct {
	mu      sync.Mutex
	reasons []string
	onHalt  func(reason string)
}

func (m *mockMachine) Shutdown(reason string) {
	m.mu.Lock()
	m.reasons = append(m.reasons, reason)
	cb := m.onHalt
	m.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

func (m *mockMachine) halts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.reasons))
	copy(out, m.reasons)
	return out
}

func newReady(t *testing.T) *Manager {
	t.Helper()
	m := New()
	if err := m.SetReady(); err != nil {
		t.Fatalf("SetReady failed: %v", err)
	}
	return m
}

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New returned nil")
	}

	if m.GetState() != StateStartup {
		t.Errorf("Initial state should be Startup, got %s", m.GetState())
	}

	if m.IsShutdown() {
		t.Error("Should not be shutdown initially")
	}

	if m.IsOperational() {
		t.Error("Should not be operational before SetReady")
	}

	if m.HostState() != "startup" {
		t.Errorf("HostState should be 'startup', got %s", m.HostState())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStartup, "startup"},
		{StateReady, "ready"},
		{StateShuttingDown, "shutting_down"},
		{StateShutdown, "shutdown"},
		{StateError, "error"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("State %d String() = %s, want %s", tt.state, tt.state.String(), tt.expected)
		}
	}
}

func TestHostLabel(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStartup, "startup"},
		{StateReady, "ready"},
		{StateShuttingDown, "shutdown"},
		{StateShutdown, "shutdown"},
		{StateError, "error"},
	}

	for _, tt := range tests {
		if tt.state.HostLabel() != tt.expected {
			t.Errorf("State %s HostLabel() = %s, want %s", tt.state, tt.state.HostLabel(), tt.expected)
		}
	}
}

func TestSetReady(t *testing.T) {
	m := New()

	if err := m.SetReady(); err != nil {
		t.Fatalf("SetReady failed: %v", err)
	}

	if !m.IsOperational() {
		t.Error("Should be operational after SetReady")
	}
	if m.HostState() != "ready" {
		t.Errorf("HostState should be 'ready', got %s", m.HostState())
	}

	// A second ready transition is invalid
	if err := m.SetReady(); err == nil {
		t.Error("SetReady should fail when already ready")
	}
}

func TestEmergencyStop(t *testing.T) {
	m := newReady(t)

	heater := &mockHeater{}
	mach := &mockMachine{}
	m.RegisterHeater(heater)
	m.RegisterMachine(mach)

	err := m.EmergencyStop("test emergency stop")
	if err != nil {
		t.Errorf("EmergencyStop failed: %v", err)
	}

	// Check state
	if m.GetState() != StateError {
		t.Errorf("State should be Error, got %s", m.GetState())
	}
	if m.HostState() != "error" {
		t.Errorf("HostState should be 'error', got %s", m.HostState())
	}

	// Check components were halted
	if !heater.disabled.Load() {
		t.Error("Heater should be disabled")
	}
	if got := mach.halts(); len(got) != 1 || got[0] != "test emergency stop" {
		t.Errorf("Machine halts = %v", got)
	}

	// Check shutdown info
	reason, msg, shutdownTime := m.GetShutdownInfo()
	if reason != ReasonEmergencyStop {
		t.Errorf("Shutdown reason should be EmergencyStop, got %s", reason)
	}
	if msg != "test emergency stop" {
		t.Errorf("Shutdown message incorrect: %s", msg)
	}
	if shutdownTime.IsZero() {
		t.Error("Shutdown time should be set")
	}
}

func TestSignalShutdown(t *testing.T) {
	m := newReady(t)

	err := m.SignalShutdown("SIGTERM")
	if err != nil {
		t.Errorf("SignalShutdown failed: %v", err)
	}

	// Signal shutdown is graceful, not an error
	if m.GetState() != StateShutdown {
		t.Errorf("State should be Shutdown for a signal, got %s", m.GetState())
	}

	reason, msg, _ := m.GetShutdownInfo()
	if reason != ReasonSignal {
		t.Errorf("Shutdown reason should be Signal, got %s", reason)
	}
	if msg != "received SIGTERM" {
		t.Errorf("Shutdown message incorrect: %s", msg)
	}
}

func TestMachineFault(t *testing.T) {
	m := newReady(t)

	err := m.MachineFault("M112 emergency stop")
	if err != nil {
		t.Errorf("MachineFault failed: %v", err)
	}

	if m.GetState() != StateError {
		t.Errorf("State should be Error, got %s", m.GetState())
	}

	reason, _, _ := m.GetShutdownInfo()
	if reason != ReasonMachineFault {
		t.Errorf("Shutdown reason should be MachineFault, got %s", reason)
	}
}

func TestReentrantShutdown(t *testing.T) {
	m := newReady(t)

	// The machine halt routes back into the manager, like the real
	// machine shutdown handler does.
	mach := &mockMachine{}
	mach.onHalt = func(reason string) {
		m.MachineFault("echo: " + reason)
	}
	m.RegisterMachine(mach)

	if err := m.EmergencyStop("operator stop"); err != nil {
		t.Errorf("EmergencyStop failed: %v", err)
	}

	// The first trigger wins
	reason, msg, _ := m.GetShutdownInfo()
	if reason != ReasonEmergencyStop {
		t.Errorf("Reason should be EmergencyStop, got %s", reason)
	}
	if msg != "operator stop" {
		t.Errorf("Message should be 'operator stop', got %s", msg)
	}
	if got := mach.halts(); len(got) != 1 {
		t.Errorf("Machine should be halted exactly once, got %v", got)
	}
}

func TestDoubleShutdown(t *testing.T) {
	m := newReady(t)

	// First shutdown
	m.EmergencyStop("first")

	// Second shutdown should be no-op
	err := m.SignalShutdown("SIGINT")
	if err != nil {
		t.Errorf("Second shutdown should not error: %v", err)
	}

	// Should still have first shutdown reason
	reason, msg, _ := m.GetShutdownInfo()
	if reason != ReasonEmergencyStop {
		t.Error("Reason should still be EmergencyStop")
	}
	if msg != "first" {
		t.Errorf("Message should still be 'first', got %s", msg)
	}
	if m.GetState() != StateError {
		t.Errorf("State should still be Error, got %s", m.GetState())
	}
}

func TestCheckOperational(t *testing.T) {
	m := New()

	// Not ready during startup
	if err := m.CheckOperational(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady during startup, got %v", err)
	}

	m.SetReady()
	if err := m.CheckOperational(); err != nil {
		t.Errorf("Should be operational when ready: %v", err)
	}

	m.EmergencyStop("test")
	if err := m.CheckOperational(); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown after stop, got %v", err)
	}
}

func TestOnShutdownCallback(t *testing.T) {
	m := newReady(t)

	var callbackReason Reason
	var callbackMsg string
	called := false

	m.OnShutdown(func(reason Reason, msg string) {
		called = true
		callbackReason = reason
		callbackMsg = msg
	})

	m.EmergencyStop("callback test")

	if !called {
		t.Error("Shutdown callback should have been called")
	}
	if callbackReason != ReasonEmergencyStop {
		t.Errorf("Callback reason should be EmergencyStop, got %s", callbackReason)
	}
	if callbackMsg != "callback test" {
		t.Errorf("Callback message incorrect: %s", callbackMsg)
	}
}

func TestOnStateChangeCallback(t *testing.T) {
	m := New()

	var transitions [][2]State
	m.OnStateChange(func(old, new State) {
		transitions = append(transitions, [2]State{old, new})
	})

	m.SetReady()
	m.EmergencyStop("state change test")

	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0] != [2]State{StateStartup, StateReady} {
		t.Errorf("First transition = %v", transitions[0])
	}
	if transitions[1] != [2]State{StateReady, StateError} {
		t.Errorf("Second transition = %v", transitions[1])
	}
}

func TestWatchdog(t *testing.T) {
	m := newReady(t)
	m.Configure(Config{
		WatchdogTimeout: 100 * time.Millisecond,
	})

	m.StartWatchdog()

	// Send heartbeats for a while
	for i := 0; i < 5; i++ {
		m.Heartbeat()
		time.Sleep(30 * time.Millisecond)
	}

	// Should still be running
	if !m.IsOperational() {
		t.Error("Should still be operational while sending heartbeats")
	}

	m.StopWatchdog()
}

func TestWatchdogTrigger(t *testing.T) {
	m := newReady(t)
	m.Configure(Config{
		WatchdogTimeout: 50 * time.Millisecond,
	})

	m.StartWatchdog()

	// Don't send heartbeats, wait for timeout with retries
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !m.IsOperational() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if m.IsOperational() {
		t.Error("Should have triggered watchdog timeout")
	}

	reason, _, _ := m.GetShutdownInfo()
	if reason != ReasonWatchdogTimeout {
		t.Errorf("Reason should be WatchdogTimeout, got %s", reason)
	}
}

func TestStatus(t *testing.T) {
	m := New()

	status := m.Status()
	if status["state"] != "startup" {
		t.Errorf("Status state should be 'startup', got %v", status["state"])
	}
	if status["operational"] != false {
		t.Error("Status should not show operational during startup")
	}
	if _, ok := status["reason"]; ok {
		t.Error("Status should not carry a reason before shutdown")
	}

	m.SetReady()
	status = m.Status()
	if status["state"] != "ready" || status["operational"] != true {
		t.Errorf("Ready status = %v", status)
	}

	m.EmergencyStop("status test")
	status = m.Status()
	if status["state"] != "error" {
		t.Errorf("Status state should be 'error', got %v", status["state"])
	}
	if status["host_state"] != "error" {
		t.Errorf("Status host_state should be 'error', got %v", status["host_state"])
	}
	if status["reason"] != string(ReasonEmergencyStop) {
		t.Errorf("Status reason incorrect: %v", status["reason"])
	}
	if status["message"] != "status test" {
		t.Errorf("Status message incorrect: %v", status["message"])
	}
}

func TestConfigure(t *testing.T) {
	m := New()

	m.Configure(Config{
		WatchdogTimeout: 10 * time.Second,
	})

	if m.watchdogTimeout != 10*time.Second {
		t.Error("Watchdog timeout not configured correctly")
	}

	// Zero value leaves the default alone
	m.Configure(Config{})
	if m.watchdogTimeout != 10*time.Second {
		t.Error("Zero timeout should not override")
	}
}
