// Package safety tracks the host lifecycle and runs the shutdown
// sequence. The manager owns the startup -> ready -> shutdown/error
// state machine, halts the machine on the way down, and fans the event
// out to registered callbacks. Everything else learns about shutdown
// from here: the API reports the state, metrics count the reasons, and
// the machine facade flips the flag the operation wait loops poll.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"filament-host/pkg/log"
)

// State represents the host lifecycle state.
type State int

const (
	// StateStartup indicates the host is still wiring itself up.
	StateStartup State = iota

	// StateReady indicates normal operation.
	StateReady

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates a graceful shutdown completed.
	StateShutdown

	// StateError indicates an error-triggered shutdown.
	StateError
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HostLabel maps the state onto the four labels the API reports.
func (s State) HostLabel() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "shutdown"
	}
}

// Reason describes why the host was shut down.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonEmergencyStop   Reason = "emergency_stop"
	ReasonMachineFault    Reason = "machine_fault"
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
	ReasonSignal          Reason = "signal"
	ReasonInternalError   Reason = "internal_error"
)

// Common errors
var (
	ErrShutdown = errors.New("safety: host is shut down")
	ErrNotReady = errors.New("safety: host is not ready")
)

// HeaterDisabler turns a heater off during shutdown.
type HeaterDisabler interface {
	DisableHeater() error
}

// MachineHalter forces the machine into its shutdown state so the
// operation wait loops abort. machine.Simulator satisfies it directly.
type MachineHalter interface {
	Shutdown(reason string)
}

// Manager manages the host lifecycle and shutdown sequence.
type Manager struct {
	mu sync.RWMutex

	// Current state
	state        State
	reason       Reason
	message      string
	shutdownTime time.Time

	// Registered components
	heaters  []HeaterDisabler
	machines []MachineHalter

	// Watchdog
	watchdogCtx     context.Context
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	// Callbacks
	onShutdown    []func(reason Reason, msg string)
	onStateChange []func(oldState, newState State)

	logger *log.Logger
}

// New creates a new safety Manager in the startup state.
func New() *Manager {
	return &Manager{
		state:           StateStartup,
		watchdogTimeout: 5 * time.Second,
		logger:          log.GetLogger("safety"),
	}
}

// Config holds configuration for the safety manager.
type Config struct {
	WatchdogTimeout time.Duration
}

// Configure applies configuration to the manager.
func (m *Manager) Configure(cfg Config) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if cfg.WatchdogTimeout > 0 {
		m.watchdogTimeout = cfg.WatchdogTimeout
	}
}

// RegisterHeater registers a heater to turn off during shutdown.
func (m *Manager) RegisterHeater(h HeaterDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heaters = append(m.heaters, h)
}

// RegisterMachine registers a machine to halt during shutdown.
func (m *Manager) RegisterMachine(mach MachineHalter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines = append(m.machines, mach)
}

// OnShutdown registers a callback for when shutdown occurs.
func (m *Manager) OnShutdown(fn func(reason Reason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// SetReady marks startup as complete.
func (m *Manager) SetReady() error {
	m.mu.Lock()
	if m.state != StateStartup {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("safety: ready transition from %s", state)
	}
	m.state = StateReady
	onStateChange := make([]func(State, State), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	m.logger.Info("host ready")
	for _, fn := range onStateChange {
		fn(StateStartup, StateReady)
	}
	return nil
}

// GetState returns the current lifecycle state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// HostState returns the state as one of the four API labels.
func (m *Manager) HostState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.HostLabel()
}

// GetShutdownInfo returns shutdown details.
func (m *Manager) GetShutdownInfo() (Reason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason, m.message, m.shutdownTime
}

// IsShutdown returns true once a shutdown has begun.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShuttingDown || m.state == StateShutdown ||
		m.state == StateError
}

// IsOperational returns true if the host is ready for operations.
func (m *Manager) IsOperational() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady
}

// CheckOperational returns an error if the host cannot run operations.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateReady:
		return nil
	case StateStartup:
		return ErrNotReady
	default:
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.reason, m.message)
	}
}

// EmergencyStop triggers an immediate emergency stop.
// This halts the machine and turns heaters off as quickly as possible.
func (m *Manager) EmergencyStop(msg string) error {
	return m.invokeShutdown(ReasonEmergencyStop, msg)
}

// MachineFault records a shutdown that originated inside the machine,
// for example an M112 issued on the console.
func (m *Manager) MachineFault(msg string) error {
	return m.invokeShutdown(ReasonMachineFault, msg)
}

// WatchdogTimeout triggers a shutdown due to watchdog timeout.
func (m *Manager) WatchdogTimeout() error {
	return m.invokeShutdown(ReasonWatchdogTimeout, "main loop heartbeat timeout")
}

// SignalShutdown triggers a graceful shutdown from a process signal.
func (m *Manager) SignalShutdown(sig string) error {
	return m.invokeShutdown(ReasonSignal, "received "+sig)
}

// InternalError triggers a shutdown due to an unrecoverable host error.
func (m *Manager) InternalError(msg string) error {
	return m.invokeShutdown(ReasonInternalError, msg)
}

// invokeShutdown performs the shutdown sequence. Re-entrant calls are
// dropped: the machine halt below fires the machine's own shutdown
// handler, which routes back here.
func (m *Manager) invokeShutdown(reason Reason, msg string) error {
	m.mu.Lock()

	if m.state == StateShuttingDown || m.state == StateShutdown ||
		m.state == StateError {
		m.mu.Unlock()
		return nil
	}

	oldState := m.state
	m.state = StateShuttingDown
	m.reason = reason
	m.message = msg
	m.shutdownTime = time.Now()

	// Copy components to halt without holding the lock
	heaters := make([]HeaterDisabler, len(m.heaters))
	copy(heaters, m.heaters)
	machines := make([]MachineHalter, len(m.machines))
	copy(machines, m.machines)

	m.mu.Unlock()

	m.StopWatchdog()

	// Heaters first
	for _, h := range heaters {
		_ = h.DisableHeater() // Best effort
	}

	// Halt the machine so operation wait loops abort
	for _, mach := range machines {
		mach.Shutdown(msg)
	}

	// Update final state
	m.mu.Lock()
	finalState := StateShutdown
	if reason != ReasonSignal {
		finalState = StateError
	}
	m.state = finalState

	// Copy callbacks
	onShutdown := make([]func(Reason, string), len(m.onShutdown))
	copy(onShutdown, m.onShutdown)
	onStateChange := make([]func(State, State), len(m.onStateChange))
	copy(onStateChange, m.onStateChange)
	m.mu.Unlock()

	if finalState == StateError {
		m.logger.Error("host shutdown: %s (%s)", msg, reason)
	} else {
		m.logger.Info("host shutdown: %s (%s)", msg, reason)
	}

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}

	return nil
}

// StartWatchdog starts the watchdog timer.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		return // Already running
	}

	m.watchdogCtx, m.watchdogCancel = context.WithCancel(context.Background())
	m.lastHeartbeat = time.Now()

	go m.watchdogLoop()
}

// StopWatchdog stops the watchdog timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()

	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat updates the watchdog timer.
// Call this regularly from the reactor.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

// watchdogLoop runs the watchdog timer.
func (m *Manager) watchdogLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.watchdogCtx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Status returns the manager state for the API status surface.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := map[string]interface{}{
		"state":       m.state.String(),
		"host_state":  m.state.HostLabel(),
		"operational": m.state == StateReady,
	}
	if m.reason != ReasonNone {
		status["reason"] = string(m.reason)
		status["message"] = m.message
		status["shutdown_time"] = m.shutdownTime.Unix()
	}
	return status
}
