// Filament host metrics definitions
//
// Defines all metrics for the filament host including:
// - Cut and unload operation metrics
// - Sensor presence and event metrics
// - Extruder temperature metrics
// - System metrics
//
// Copyright (C) 2026  Filament Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"

	"filament-host/pkg/event"
)

// hostStates are the values the host state gauge is tracked over.
var hostStates = []string{"startup", "ready", "shutdown", "error"}

// FilamentMetrics holds all filament host metrics
type FilamentMetrics struct {
	// Operation metrics
	CutsStarted      *Counter
	CutsCompleted    *Counter
	CutsFailed       *Counter
	UnloadsStarted   *Counter
	UnloadsCompleted *Counter
	UnloadsTimedOut  *Counter
	OperationSeconds *Histogram

	// Sensor metrics
	RunoutEvents    *Counter
	InsertEvents    *Counter
	FilamentPresent *Gauge
	PulseTicks      *Counter
	PulseCount      *Gauge

	// Extruder metrics
	ExtruderTemperature *Gauge
	ExtruderTarget      *Gauge

	// Host metrics
	HostState      *Gauge
	ShutdownEvents *Counter

	// System metrics
	HostUptime    *Gauge
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	// Internal
	startTime time.Time
	registry  *Registry
	mu        sync.Mutex
	opStart   map[string]float64
	lastPulse map[string]int64
}

// NewFilamentMetrics creates and registers all filament host metrics
func NewFilamentMetrics() *FilamentMetrics {
	fm := &FilamentMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
		opStart:   make(map[string]float64),
		lastPulse: make(map[string]int64),
	}

	// Operation metrics
	fm.CutsStarted = NewCounter("filament_cuts_started_total",
		"Total cut cycles started")
	fm.CutsCompleted = NewCounter("filament_cuts_completed_total",
		"Total cut cycles that reached the sensor-clear announcement")
	fm.CutsFailed = NewCounter("filament_cuts_failed_total",
		"Total cut cycles stopped or aborted before completion")
	fm.UnloadsStarted = NewCounter("filament_unloads_started_total",
		"Total unload sequences started")
	fm.UnloadsCompleted = NewCounter("filament_unloads_completed_total",
		"Total unload sequences that ran to the end")
	fm.UnloadsTimedOut = NewCounter("filament_unloads_timed_out_total",
		"Total unload sequences that exhausted the retraction pulse budget")
	fm.OperationSeconds = NewHistogram("filament_operation_seconds",
		"Duration of cut and unload runs by kind", OperationBuckets())

	// Sensor metrics
	fm.RunoutEvents = NewCounter("filament_runout_events_total",
		"Total filament runout events")
	fm.InsertEvents = NewCounter("filament_insert_events_total",
		"Total filament insert events")
	fm.FilamentPresent = NewGauge("filament_present",
		"Filament presence per sensor (1=present, 0=absent)")
	fm.PulseTicks = NewCounter("filament_pulse_ticks_total",
		"Total retraction pulse timer ticks")
	fm.PulseCount = NewGauge("filament_pulse_count",
		"Pulse count of the current or last run")

	// Extruder metrics
	fm.ExtruderTemperature = NewGauge("filament_extruder_temperature_celsius",
		"Current extruder temperature")
	fm.ExtruderTarget = NewGauge("filament_extruder_target_celsius",
		"Target extruder temperature")

	// Host metrics
	fm.HostState = NewGauge("filament_host_state",
		"Host lifecycle state (1 for the active state, 0 otherwise)")
	fm.ShutdownEvents = NewCounter("filament_shutdown_events_total",
		"Total host shutdown events by reason")

	// System metrics
	fm.HostUptime = NewGauge("filament_host_uptime_seconds",
		"Host uptime in seconds")
	fm.GoGoroutines = NewGauge("filament_go_goroutines",
		"Number of active goroutines")
	fm.GoMemoryHeap = NewGauge("filament_go_memory_heap_bytes",
		"Go heap memory in use")
	fm.GoMemoryAlloc = NewGauge("filament_go_memory_alloc_bytes",
		"Go total memory allocated")
	fm.GoGCCycles = NewCounter("filament_go_gc_cycles_total",
		"Total Go garbage collection cycles")

	// Register all metrics
	fm.registerAll()

	return fm
}

// registerAll registers all metrics with the internal registry
func (fm *FilamentMetrics) registerAll() {
	metrics := []Metric{
		fm.CutsStarted, fm.CutsCompleted, fm.CutsFailed,
		fm.UnloadsStarted, fm.UnloadsCompleted, fm.UnloadsTimedOut,
		fm.OperationSeconds,
		fm.RunoutEvents, fm.InsertEvents, fm.FilamentPresent,
		fm.PulseTicks, fm.PulseCount,
		fm.ExtruderTemperature, fm.ExtruderTarget,
		fm.HostState, fm.ShutdownEvents,
		fm.HostUptime, fm.GoGoroutines, fm.GoMemoryHeap, fm.GoMemoryAlloc,
		fm.GoGCCycles,
	}
	for _, m := range metrics {
		fm.registry.MustRegister(m)
	}
}

// BindBus subscribes the operation and sensor counters to the lifecycle
// topics. Operation durations come from the start and end eventtimes, so
// the histogram sees reactor time rather than scrape time. sensor names
// the presence gauge series the runout and insert topics feed.
func (fm *FilamentMetrics) BindBus(bus *event.Bus, sensor string) {
	bus.Subscribe(event.TopicCutStart, func(eventtime float64) {
		fm.CutsStarted.Inc(nil)
		fm.noteStart("cut", eventtime)
	})
	bus.Subscribe(event.TopicCutEnd, func(eventtime float64) {
		fm.CutsCompleted.Inc(nil)
		fm.noteEnd("cut", eventtime)
	})
	bus.Subscribe(event.TopicCutFailed, func(eventtime float64) {
		fm.CutsFailed.Inc(nil)
		fm.noteEnd("cut", eventtime)
	})
	bus.Subscribe(event.TopicUnloadStart, func(eventtime float64) {
		fm.UnloadsStarted.Inc(nil)
		fm.noteStart("unload", eventtime)
	})
	bus.Subscribe(event.TopicUnloadEnd, func(eventtime float64) {
		fm.UnloadsCompleted.Inc(nil)
		fm.noteEnd("unload", eventtime)
	})
	bus.Subscribe(event.TopicUnloadTimeout, func(eventtime float64) {
		fm.UnloadsTimedOut.Inc(nil)
	})
	bus.Subscribe(event.TopicNoFilament, func(eventtime float64) {
		fm.RunoutEvents.Inc(nil)
		fm.FilamentPresent.Set(Labels{"sensor": sensor}, 0)
	})
	bus.Subscribe(event.TopicFilamentPresent, func(eventtime float64) {
		fm.InsertEvents.Inc(nil)
		fm.FilamentPresent.Set(Labels{"sensor": sensor}, 1)
	})
}

func (fm *FilamentMetrics) noteStart(kind string, eventtime float64) {
	fm.mu.Lock()
	fm.opStart[kind] = eventtime
	fm.mu.Unlock()
}

func (fm *FilamentMetrics) noteEnd(kind string, eventtime float64) {
	fm.mu.Lock()
	start, ok := fm.opStart[kind]
	delete(fm.opStart, kind)
	fm.mu.Unlock()
	if !ok {
		return
	}
	duration := eventtime - start
	if duration < 0 {
		duration = 0
	}
	fm.OperationSeconds.Observe(Labels{"kind": kind}, duration)
}

// SetPresence updates the presence gauge for a sensor
func (fm *FilamentMetrics) SetPresence(sensor string, present bool) {
	val := float64(0)
	if present {
		val = 1
	}
	fm.FilamentPresent.Set(Labels{"sensor": sensor}, val)
}

// RecordPulseCount folds a sampled pulse count into the gauge and the
// tick counter. The source counter resets at the start of each run, so a
// sample below the previous one starts a fresh delta base.
func (fm *FilamentMetrics) RecordPulseCount(module string, count int64) {
	fm.mu.Lock()
	last := fm.lastPulse[module]
	fm.lastPulse[module] = count
	fm.mu.Unlock()

	fm.PulseCount.Set(Labels{"module": module}, float64(count))
	delta := count - last
	if delta < 0 {
		delta = count
	}
	if delta > 0 {
		fm.PulseTicks.Add(Labels{"module": module}, uint64(delta))
	}
}

// SetExtruderStatus updates the extruder temperature gauges
func (fm *FilamentMetrics) SetExtruderStatus(current, target float64) {
	fm.ExtruderTemperature.Set(nil, current)
	fm.ExtruderTarget.Set(nil, target)
}

// SetHostState updates the host state gauge
func (fm *FilamentMetrics) SetHostState(state string) {
	for _, s := range hostStates {
		val := float64(0)
		if s == state {
			val = 1
		}
		fm.HostState.Set(Labels{"state": s}, val)
	}
}

// RecordShutdown records a host shutdown event
func (fm *FilamentMetrics) RecordShutdown(reason string) {
	fm.ShutdownEvents.Inc(Labels{"reason": reason})
}

// UpdateSystemMetrics updates Go runtime metrics
func (fm *FilamentMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	fm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	fm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	fm.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	fm.GoGCCycles.Add(nil, uint64(m.NumGC)-fm.GoGCCycles.Get(nil))
	fm.HostUptime.Set(nil, time.Since(fm.startTime).Seconds())
}

// Gather returns all metrics in Prometheus text format
func (fm *FilamentMetrics) Gather() string {
	fm.UpdateSystemMetrics()
	return fm.registry.Gather()
}

// Registry returns the internal registry
func (fm *FilamentMetrics) Registry() *Registry {
	return fm.registry
}
