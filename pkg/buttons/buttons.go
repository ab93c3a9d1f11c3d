// Package buttons routes presence reports from the sensor controller to
// the modules that registered for them.
package buttons

import (
	"sync"

	"filament-host/pkg/log"
	"filament-host/pkg/reactor"
)

// ButtonCallback is called when a button state changes.
type ButtonCallback func(eventtime float64, state int)

type button struct {
	invert    bool
	callbacks []ButtonCallback
	state     int // last delivered state, -1 before the first report
}

// Registry maps sensor names to the callbacks interested in them. Reports
// are deduplicated per button; only transitions reach the callbacks.
type Registry struct {
	r      *reactor.Reactor
	logger *log.Logger

	mu      sync.Mutex
	buttons map[string]*button
}

// NewRegistry creates an empty button registry.
func NewRegistry(r *reactor.Reactor) *Registry {
	return &Registry{
		r:       r,
		logger:  log.GetLogger("buttons"),
		buttons: make(map[string]*button),
	}
}

// RegisterButton subscribes callback to state transitions of the named
// button. invert swaps the reported polarity.
func (reg *Registry) RegisterButton(name string, invert bool, callback ButtonCallback) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	b, ok := reg.buttons[name]
	if !ok {
		b = &button{invert: invert, state: -1}
		reg.buttons[name] = b
	}
	b.callbacks = append(b.callbacks, callback)
}

// RegisterButtonPush subscribes callback to presses only.
func (reg *Registry) RegisterButtonPush(name string, callback func(eventtime float64)) {
	reg.RegisterButton(name, false, func(eventtime float64, state int) {
		if state != 0 {
			callback(eventtime)
		}
	})
}

// HandleState processes one button report. Repeats of the current state
// are dropped.
func (reg *Registry) HandleState(eventtime float64, name string, state int) {
	if state != 0 {
		state = 1
	}

	reg.mu.Lock()
	b, ok := reg.buttons[name]
	if !ok {
		reg.mu.Unlock()
		reg.logger.Debug("report for unregistered button %q", name)
		return
	}
	if b.invert {
		state ^= 1
	}
	if state == b.state {
		reg.mu.Unlock()
		return
	}
	b.state = state
	callbacks := append([]ButtonCallback(nil), b.callbacks...)
	reg.mu.Unlock()

	for _, cb := range callbacks {
		cb(eventtime, state)
	}
}

// Poke injects a button report, used by tests and the console.
func (reg *Registry) Poke(name string, state int) {
	reg.HandleState(reg.r.Monotonic(), name, state)
}

// Status reports the registered buttons and their last delivered states.
func (reg *Registry) Status() map[string]interface{} {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	states := make(map[string]int, len(reg.buttons))
	for name, b := range reg.buttons {
		states[name] = b.state
	}
	return map[string]interface{}{
		"button_count": len(reg.buttons),
		"states":       states,
	}
}

// Debounce delays state delivery until the line has been stable for the
// configured interval, swallowing contact chatter.
type Debounce struct {
	r      *reactor.Reactor
	action ButtonCallback
	delay  float64

	mu         sync.Mutex
	timer      *reactor.Timer
	physical   int
	physicalAt float64
	logical    int
}

// NewDebounce wraps action with a stability window of delay seconds.
func NewDebounce(r *reactor.Reactor, delay float64, action ButtonCallback) *Debounce {
	db := &Debounce{
		r:        r,
		action:   action,
		delay:    delay,
		physical: -1,
		logical:  -1,
	}
	db.timer = r.RegisterTimer(db.settle, reactor.NEVER)
	return db
}

// ButtonHandler records the raw line state and restarts the stability
// window.
func (db *Debounce) ButtonHandler(eventtime float64, state int) {
	if state != 0 {
		state = 1
	}
	db.mu.Lock()
	db.physical = state
	db.physicalAt = eventtime
	db.mu.Unlock()
	db.r.UpdateTimer(db.timer, eventtime+db.delay)
}

func (db *Debounce) settle(eventtime float64) float64 {
	db.mu.Lock()
	state := db.physical
	deliver := state >= 0 && state != db.logical
	if deliver {
		db.logical = state
	}
	db.mu.Unlock()

	if deliver {
		db.action(eventtime, state)
	}

	// The line may have moved again while the action ran.
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.physical >= 0 && db.physical != db.logical {
		return db.physicalAt + db.delay
	}
	return reactor.NEVER
}
