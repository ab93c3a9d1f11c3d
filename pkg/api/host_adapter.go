// Host adapter bridging the filament runtime to the API server.
package api

import (
	"sort"
	"sync"
)

// HostAdapter adapts the filament host runtime to HostInterface. The
// daemon registers a status provider per module and wires the script and
// shutdown paths.
type HostAdapter struct {
	mu sync.RWMutex

	statusProviders map[string]StatusProvider

	scriptRunner func(script string) error

	emergencyStopHandler func()

	stateGetter func() string
}

// StatusProvider returns the status of one host object.
type StatusProvider func(attrs []string) map[string]any

// NewHostAdapter creates an empty host adapter.
func NewHostAdapter() *HostAdapter {
	return &HostAdapter{
		statusProviders: make(map[string]StatusProvider),
	}
}

// RegisterStatusProvider registers a status provider for an object.
func (ha *HostAdapter) RegisterStatusProvider(name string, provider StatusProvider) {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	ha.statusProviders[name] = provider
}

// UnregisterStatusProvider removes a status provider.
func (ha *HostAdapter) UnregisterStatusProvider(name string) {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	delete(ha.statusProviders, name)
}

// SetScriptRunner sets the console script executor.
func (ha *HostAdapter) SetScriptRunner(runner func(script string) error) {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	ha.scriptRunner = runner
}

// SetEmergencyStopHandler sets the emergency stop handler.
func (ha *HostAdapter) SetEmergencyStopHandler(handler func()) {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	ha.emergencyStopHandler = handler
}

// SetStateGetter sets the host state getter.
func (ha *HostAdapter) SetStateGetter(getter func() string) {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	ha.stateGetter = getter
}

// GetObjectsList implements HostInterface.
func (ha *HostAdapter) GetObjectsList() []string {
	ha.mu.RLock()
	defer ha.mu.RUnlock()

	objects := make([]string, 0, len(ha.statusProviders))
	for name := range ha.statusProviders {
		objects = append(objects, name)
	}
	sort.Strings(objects)
	return objects
}

// GetObjectStatus implements HostInterface.
func (ha *HostAdapter) GetObjectStatus(name string, attrs []string) map[string]any {
	ha.mu.RLock()
	provider, ok := ha.statusProviders[name]
	ha.mu.RUnlock()

	if !ok {
		return nil
	}

	return provider(attrs)
}

// RunScript implements HostInterface.
func (ha *HostAdapter) RunScript(script string) error {
	ha.mu.RLock()
	runner := ha.scriptRunner
	ha.mu.RUnlock()

	if runner != nil {
		return runner(script)
	}
	return nil
}

// EmergencyStop implements HostInterface.
func (ha *HostAdapter) EmergencyStop() {
	ha.mu.RLock()
	handler := ha.emergencyStopHandler
	ha.mu.RUnlock()

	if handler != nil {
		handler()
	}
}

// HostState implements HostInterface.
func (ha *HostAdapter) HostState() string {
	ha.mu.RLock()
	getter := ha.stateGetter
	ha.mu.RUnlock()

	if getter != nil {
		return getter()
	}
	return "ready"
}

// FilterStatus narrows a status map to the requested attributes. An
// empty attrs slice selects everything.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}

	filtered := make(map[string]any)
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}
