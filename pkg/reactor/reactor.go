// Package reactor provides the cooperative timer service that drives the
// filament host. All periodic work (sensor debounce deadlines, pulse
// retries, verification polls) runs as timers on a single dispatch
// goroutine; a timer callback receives the current event time and returns
// the time at which it wants to run next.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// NOW schedules a timer for immediate dispatch.
	NOW = 0.0
	// NEVER parks a timer; a callback returns NEVER to stop repeating.
	NEVER = 9999999999999999.0
)

// TimerCallback is invoked when a timer fires. It receives the event time
// and returns the next wake time, or NEVER to stop.
type TimerCallback func(eventtime float64) float64

// Timer is a handle for a registered timer.
type Timer struct {
	id        uint64
	callback  TimerCallback
	waketime  float64
	isRunning bool
	mu        sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion carries the result of an asynchronous operation.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test reports whether the completion already has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the result and wakes any waiters. Only the first call
// has an effect.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or the timeout expires.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	select {
	case <-c.done:
		return c.result
	case <-time.After(timeout):
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// WaitUntil blocks until the completion is done or the wake time is
// reached, whichever comes first.
func (c *Completion) WaitUntil(waketime float64, waketimeResult interface{}) interface{} {
	if waketime >= NEVER {
		select {
		case <-c.done:
			return c.result
		case <-c.reactor.ctx.Done():
			return waketimeResult
		}
	}

	now := c.reactor.Monotonic()
	if waketime <= now {
		select {
		case <-c.done:
			return c.result
		default:
			return waketimeResult
		}
	}

	timeout := time.Duration((waketime - now) * float64(time.Second))
	return c.Wait(timeout, waketimeResult)
}

// Reactor schedules timers and callbacks on a single dispatch goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	asyncQueue chan func()

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a reactor. Run must be called before timers dispatch.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		timers:     make([]*Timer, 0),
		nextWake:   NEVER,
		asyncQueue: make(chan func(), 1000),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Monotonic returns seconds elapsed since the reactor was created. All
// timer wake times are expressed on this clock.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer registers a timer that fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}

	r.mu.Lock()
	r.timers = append(r.timers, timer)
	earlier := waketime < r.nextWake
	if earlier {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	if earlier {
		r.kick()
	}
	return timer
}

// UnregisterTimer removes a timer permanently.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	r.mu.Lock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// UpdateTimer moves a timer to a new wake time. The update is ignored if
// the timer's callback is currently executing; the callback's return
// value wins in that case.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.isRunning {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	earlier := waketime < r.nextWake
	if earlier {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	if earlier {
		r.kick()
	}
}

// Completion creates an unresolved Completion bound to this reactor.
func (r *Reactor) Completion() *Completion {
	return &Completion{
		reactor: r,
		done:    make(chan struct{}),
	}
}

// RegisterCallback schedules a one-shot callback on the dispatch
// goroutine at waketime. The returned Completion resolves with the
// callback's result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()

	r.RegisterTimer(func(eventtime float64) float64 {
		completion.Complete(callback(eventtime))
		return NEVER
	}, waketime)

	return completion
}

// RegisterAsyncCallback schedules a callback from a foreign goroutine.
// It is the only safe way for goroutines outside the dispatch loop to
// inject work. The returned Completion resolves with the callback's
// result, or nil if the queue is saturated.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()

	select {
	case r.asyncQueue <- func() {
		r.RegisterCallback(func(eventtime float64) interface{} {
			result := callback(eventtime)
			completion.Complete(result)
			return result
		}, waketime)
	}:
	default:
		completion.Complete(nil)
	}

	return completion
}

// Pause sleeps the calling goroutine until waketime and returns the
// current time on wake. Timer callbacks must not call Pause; it is meant
// for operation goroutines waiting out settle delays.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}

	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}

	delay := time.Duration((waketime - now) * float64(time.Second))
	select {
	case <-time.After(delay):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}

	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the dispatch loop to stop and releases all Pause callers.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// kick wakes the dispatch loop so a newly scheduled wake time takes
// effect without waiting out the current sleep.
func (r *Reactor) kick() {
	select {
	case r.asyncQueue <- func() {}:
	default:
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		eventtime := r.Monotonic()

		r.processAsyncCallbacks()

		timeout := r.checkTimers(eventtime)

		if timeout > 0 {
			delay := time.Duration(timeout * float64(time.Second))
			if delay > time.Second {
				delay = time.Second
			}

			select {
			case <-time.After(delay):
			case fn := <-r.asyncQueue:
				fn()
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *Reactor) processAsyncCallbacks() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires all due timers and returns the delay until the next
// wake time.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}

	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		waketime := timer.waketime
		if eventtime >= waketime {
			timer.waketime = NEVER
			timer.isRunning = true
			timer.mu.Unlock()

			newWaketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.isRunning = false
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime = timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	return delay
}
