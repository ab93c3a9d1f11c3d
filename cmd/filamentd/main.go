// filamentd is the filament handling host. It loads the filament modules
// from an INI config file, runs them on a shared reactor against the
// built-in machine simulator, and serves the WebSocket API and metrics
// endpoints. Sensor hardware reports arrive over a serial link; without
// one the sensors are fed by software (SET_BUTTON or the API).
//
// Usage:
//
//	filamentd -config ~/filament.cfg [options]
//
// Options:
//
//	-config string   Filament host configuration file (required)
//	-api string      API server address (overrides [host] api_bind)
//	-metrics string  Metrics server address (overrides [host] metrics_bind)
//	-serial string   Sensor board serial device (overrides [host] serial_port)
//	-logfile string  Log file path (overrides [host] log_file)
//	-debug           Enable debug logging
//	-console         Read commands from stdin
//
// Examples:
//
//	# Run with the API on the default config addresses
//	filamentd -config ~/filament.cfg
//
//	# Run interactively with sensors fed from the console
//	filamentd -config ~/filament.cfg -console
//
//	# Run against a sensor board with debug logging
//	filamentd -config ~/filament.cfg -serial /dev/ttyACM0 -debug
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"filament-host/pkg/api"
	"filament-host/pkg/buttons"
	"filament-host/pkg/config"
	"filament-host/pkg/event"
	"filament-host/pkg/filament"
	"filament-host/pkg/gcode"
	"filament-host/pkg/log"
	"filament-host/pkg/machine"
	"filament-host/pkg/metrics"
	"filament-host/pkg/reactor"
	"filament-host/pkg/safety"
	"filament-host/pkg/serial"
)

const version = "filament-host-0.1.0"

// heaterOff adapts the simulator to the safety manager's heater hook.
type heaterOff struct {
	sim *machine.Simulator
}

func (h heaterOff) DisableHeater() error {
	return h.sim.SetTarget(0, false)
}

func fatalf(logger *log.Logger, format string, args ...interface{}) {
	logger.Error(format, args...)
	os.Exit(1)
}

func fp(v float64) *float64 { return &v }

func main() {
	configFile := flag.String("config", "", "Filament host configuration file (required)")
	apiAddr := flag.String("api", "", "API server address (overrides [host] api_bind)")
	metricsAddr := flag.String("metrics", "", "Metrics server address (overrides [host] metrics_bind)")
	serialPort := flag.String("serial", "", "Sensor board serial device (overrides [host] serial_port)")
	logFile := flag.String("logfile", "", "Log file path (overrides [host] log_file)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	console := flag.Bool("console", false, "Read commands from stdin")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	hc, err := config.LoadHostConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in [host] section: %v\n", err)
		os.Exit(1)
	}

	// Flags beat the config file.
	if *apiAddr != "" {
		hc.APIBind = *apiAddr
	}
	if *metricsAddr != "" {
		hc.MetricsBind = *metricsAddr
	}
	if *serialPort != "" {
		hc.SerialPort = *serialPort
	}
	if *logFile != "" {
		hc.LogFile = *logFile
	}
	if *debug {
		hc.LogLevel = "debug"
	}

	// Module loggers copy the root logger's settings when they are
	// created, so the root must be fully configured before any module is.
	root := log.New("host")
	root.SetLevel(log.ParseLevel(hc.LogLevel))
	if hc.LogFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{
			Filename: hc.LogFile,
			Compress: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		root.SetWriter(log.NewMultiWriter(os.Stderr, w))
		root.SetColorize(false)
	}
	log.SetDefaultLogger(root)

	root.Info("========================================")
	root.Info("Filament Host Starting")
	root.Info("========================================")
	root.Info("Config: %s", *configFile)
	if hc.SerialPort != "" {
		root.Info("Sensor link: %s @ %d baud", hc.SerialPort, hc.SerialBaud)
	} else {
		root.Info("Sensor link: none (software-fed sensors)")
	}
	if hc.APIBind != "" {
		root.Info("API: %s", hc.APIBind)
	}
	if hc.MetricsBind != "" {
		root.Info("Metrics: %s", hc.MetricsBind)
	}

	r := reactor.New()
	r.Run()

	bus := event.NewBus()
	d := gcode.NewDispatcher()

	simCfg, err := machine.LoadSimConfig(cfg)
	if err != nil {
		fatalf(root, "[machine] section: %v", err)
	}
	sim := machine.NewSimulator(r, simCfg)
	if err := sim.RegisterCommands(d); err != nil {
		fatalf(root, "register machine commands: %v", err)
	}
	macros := gcode.NewMacroSet(d)
	if err := macros.LoadConfig(cfg); err != nil {
		fatalf(root, "gcode_macro config: %v", err)
	}

	mgr := safety.New()
	fm := metrics.NewFilamentMetrics()
	breg := buttons.NewRegistry(r)
	hostAdapter := api.NewHostAdapter()

	// Shutdown plumbing. A machine fault (M112, move out of bounds) and a
	// host-level stop both end in the safety manager, which disables the
	// heater, halts the machine and fans the event out.
	sim.SetShutdownHandler(func(reason string) { mgr.MachineFault(reason) })
	mgr.RegisterMachine(sim)
	mgr.RegisterHeater(heaterOff{sim})
	mgr.OnShutdown(func(reason safety.Reason, msg string) {
		bus.Publish(event.TopicHostShutdown, r.Monotonic())
		fm.RecordShutdown(string(reason))
	})
	mgr.OnStateChange(func(oldState, newState safety.State) {
		fm.SetHostState(newState.HostLabel())
	})
	fm.SetHostState(mgr.HostState())

	hostAdapter.SetScriptRunner(d.RunScript)
	hostAdapter.SetStateGetter(mgr.HostState)
	hostAdapter.SetEmergencyStopHandler(func() {
		mgr.EmergencyStop("API emergency stop")
	})
	hostAdapter.RegisterStatusProvider("machine", func(attrs []string) map[string]any {
		return api.FilterStatus(sim.Status(), attrs)
	})
	hostAdapter.RegisterStatusProvider("safety", func(attrs []string) map[string]any {
		return api.FilterStatus(mgr.Status(), attrs)
	})
	hostAdapter.RegisterStatusProvider("buttons", func(attrs []string) map[string]any {
		return api.FilterStatus(breg.Status(), attrs)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	shutdownCh := make(chan struct{})
	go func() {
		sig := <-sigCh
		root.Info("Received %s", sig)
		mgr.SignalShutdown("received " + sig.String())
		close(shutdownCh)
	}()

	// Module state. RELOAD runs factories from a console or API goroutine
	// after startup, so access goes through the mutex.
	var (
		moduleMu      sync.Mutex
		boundary      *filament.Boundary
		bucket        *filament.Bucket
		cutterSensors []*filament.CutterSensor
		switchSensors = make(map[string]*filament.SwitchSensor)
		unloader      *filament.Unloader
	)

	// wireSensorPin connects an optional switch_pin to the button registry
	// through a debounce stage. Sections without a pin stay software-fed.
	wireSensorPin := func(section *config.Section, action buttons.ButtonCallback) error {
		pin, err := section.GetPinOptional("switch_pin",
			config.PinOptions{CanInvert: true, CanPullup: true})
		if err != nil {
			return err
		}
		if pin == nil {
			return nil
		}
		delay, err := section.GetFloatWithBounds("debounce_delay",
			config.FloatBounds{Above: fp(0.0)}, 0.01)
		if err != nil {
			return err
		}
		db := buttons.NewDebounce(r, delay, action)
		breg.RegisterButton(pin.Name, pin.Invert, db.ButtonHandler)
		return nil
	}

	registry := config.NewRegistry()

	// Staging helpers load first; the sensors and the unloader borrow them.
	registry.Register("bed_custom_bound", func(section *config.Section) (config.Module, error) {
		b, err := filament.NewBoundary(sim, section)
		if err != nil {
			return nil, err
		}
		moduleMu.Lock()
		boundary = b
		moduleMu.Unlock()
		return b, nil
	})
	registry.Register("bucket", func(section *config.Section) (config.Module, error) {
		bk, err := filament.NewBucket(sim, section)
		if err != nil {
			return nil, err
		}
		moduleMu.Lock()
		bucket = bk
		moduleMu.Unlock()
		return bk, nil
	})
	if _, err := registry.LoadModules(cfg); err != nil {
		fatalf(root, "%v", err)
	}

	makeCutterSensor := func(section *config.Section) (config.Module, error) {
		moduleMu.Lock()
		b := boundary
		moduleMu.Unlock()
		cs, err := filament.NewCutterSensor(r, d, bus, sim, macros, b, section)
		if err != nil {
			return nil, err
		}
		if err := wireSensorPin(section, cs.OnPresenceChanged); err != nil {
			return nil, err
		}
		bus.Subscribe(event.TopicHostReady, cs.HandleReady)
		if mgr.GetState() == safety.StateReady {
			// Hot-added sensor; the ready event already fired.
			cs.HandleReady(r.Monotonic())
		}
		hostAdapter.RegisterStatusProvider(cs.GetName(), func(attrs []string) map[string]any {
			return api.FilterStatus(cs.Status(), attrs)
		})
		hostAdapter.RegisterStatusProvider("cutter "+cs.Name(), func(attrs []string) map[string]any {
			return api.FilterStatus(cs.Cutter().Status(), attrs)
		})
		moduleMu.Lock()
		cutterSensors = append(cutterSensors, cs)
		u := unloader
		moduleMu.Unlock()
		if u != nil {
			cs.WatchOperation(u)
		}
		return cs, nil
	}
	registry.RegisterWithPrefix("cutter_sensor ", makeCutterSensor)

	makeSwitchSensor := func(section *config.Section) (config.Module, error) {
		ss, err := filament.NewSwitchSensor(r, d, sim, macros, section)
		if err != nil {
			return nil, err
		}
		if err := wireSensorPin(section, ss.OnButtonState); err != nil {
			return nil, err
		}
		bus.Subscribe(event.TopicHostReady, ss.HandleReady)
		if mgr.GetState() == safety.StateReady {
			ss.HandleReady(r.Monotonic())
		}
		hostAdapter.RegisterStatusProvider(ss.GetName(), func(attrs []string) map[string]any {
			return api.FilterStatus(ss.Status(), attrs)
		})
		moduleMu.Lock()
		switchSensors[ss.Name()] = ss
		moduleMu.Unlock()
		return ss, nil
	}
	registry.RegisterWithPrefix("filament_switch_sensor ", makeSwitchSensor)
	registry.RegisterWithPrefix("filament_motion_sensor ", makeSwitchSensor)
	if _, err := registry.LoadModules(cfg); err != nil {
		fatalf(root, "%v", err)
	}

	// The unloader resolves its collaborators by name, so it loads after
	// every sensor exists.
	registry.Register("unload_filament", func(section *config.Section) (config.Module, error) {
		ucfg, err := filament.LoadUnloadConfig(section)
		if err != nil {
			return nil, err
		}
		moduleMu.Lock()
		defer moduleMu.Unlock()

		deps := filament.UnloadDeps{Boundary: boundary}
		if ucfg.HasCustomBoundary && boundary == nil {
			return nil, fmt.Errorf("has_custom_boundary set but no [bed_custom_bound] section")
		}
		if ucfg.Bucket {
			if bucket == nil {
				return nil, fmt.Errorf("bucket set but no [bucket] section")
			}
			deps.Bucket = bucket
		}
		if ucfg.FlowSensorName != "" {
			fs, ok := switchSensors[ucfg.FlowSensorName]
			if !ok {
				return nil, fmt.Errorf("unknown flow sensor %q", ucfg.FlowSensorName)
			}
			deps.FlowSensor = fs
		}
		if ucfg.SwitchSensorName != "" {
			sw, ok := switchSensors[ucfg.SwitchSensorName]
			if !ok {
				return nil, fmt.Errorf("unknown switch sensor %q", ucfg.SwitchSensorName)
			}
			deps.SwitchSensor = sw
		}
		if ucfg.CutterName != "" {
			var owner *filament.CutterSensor
			for _, cs := range cutterSensors {
				if cs.Name() == ucfg.CutterName {
					owner = cs
					break
				}
			}
			if owner == nil {
				return nil, fmt.Errorf("unknown cutter sensor %q", ucfg.CutterName)
			}
			deps.Cutter = owner.Cutter()
		}

		u, err := filament.NewUnloader(r, d, bus, sim, ucfg, deps)
		if err != nil {
			return nil, err
		}
		unloader = u
		for _, cs := range cutterSensors {
			cs.WatchOperation(u)
		}
		hostAdapter.RegisterStatusProvider("unload_filament", func(attrs []string) map[string]any {
			return api.FilterStatus(u.Status(), attrs)
		})
		return u, nil
	})
	if _, err := registry.LoadModules(cfg); err != nil {
		fatalf(root, "%v", err)
	}

	// Calibration saves go through a separate config handle so writing
	// never touches the sections the running modules were built from.
	store, err := config.LoadAutosave(*configFile)
	if err != nil {
		fatalf(root, "%v", err)
	}
	if _, err := filament.NewPositionSaver(d, sim, store); err != nil {
		fatalf(root, "%v", err)
	}

	rm := config.NewReloadManager(registry, cfg, *configFile)
	err = d.RegisterCommand("RELOAD",
		"Re-read the config file and apply changed sections", func(c *gcode.Command) error {
			results, err := rm.ReloadFromFile()
			if err != nil {
				return err
			}
			if len(results) == 0 {
				c.RespondInfo("Configuration unchanged")
				return nil
			}
			for _, res := range results {
				switch {
				case res.Error != nil:
					c.RespondError("Section [%s]: %v", res.Section, res.Error)
				case res.WasReloaded:
					c.RespondInfo("Section [%s] reloaded", res.Section)
				default:
					c.RespondInfo("Section [%s] changed; restart to apply", res.Section)
				}
			}
			return nil
		})
	if err != nil {
		fatalf(root, "%v", err)
	}

	err = d.RegisterCommand("SET_BUTTON",
		"Inject a sensor state report: SET_BUTTON BUTTON=<name> STATE=<0|1>",
		func(c *gcode.Command) error {
			name, err := c.Require("BUTTON")
			if err != nil {
				return err
			}
			state, err := c.GetInt("STATE", 1)
			if err != nil {
				return err
			}
			breg.Poke(name, state)
			return nil
		})
	if err != nil {
		fatalf(root, "%v", err)
	}

	err = d.RegisterCommand("QUERY_BUTTONS",
		"Report the registered sensor lines and their states", func(c *gcode.Command) error {
			states, _ := breg.Status()["states"].(map[string]int)
			if len(states) == 0 {
				c.RespondInfo("No buttons registered")
				return nil
			}
			names := make([]string, 0, len(states))
			for name := range states {
				names = append(names, name)
			}
			sort.Strings(names)
			parts := make([]string, 0, len(names))
			for _, name := range names {
				parts = append(parts, fmt.Sprintf("%s=%d", name, states[name]))
			}
			c.RespondInfo("buttons: %s", strings.Join(parts, " "))
			return nil
		})
	if err != nil {
		fatalf(root, "%v", err)
	}

	var poller *buttons.Poller
	if hc.SerialPort != "" {
		device, err := serial.ResolveDevice(hc.SerialPort)
		if err != nil {
			fatalf(root, "resolve %s: %v", hc.SerialPort, err)
		}
		scfg := serial.DefaultConfig()
		scfg.Device = device
		scfg.Baud = hc.SerialBaud
		link, err := serial.Open(scfg)
		if err != nil {
			fatalf(root, "open sensor link: %v", err)
		}
		defer link.Close()
		poller = buttons.NewPoller(r, breg, link)
		poller.Start()
		root.Info("Sensor link up on %s", device)
	}

	moduleMu.Lock()
	cutLabel := "cutter"
	if len(cutterSensors) > 0 {
		cutLabel = cutterSensors[0].Name()
	}
	moduleMu.Unlock()
	fm.BindBus(bus, cutLabel)

	// One timer samples the gauges and feeds the watchdog.
	r.RegisterTimer(func(eventtime float64) float64 {
		mgr.Heartbeat()
		current, target := sim.Measured()
		fm.SetExtruderStatus(current, target)
		moduleMu.Lock()
		for _, cs := range cutterSensors {
			fm.SetPresence(cs.Name(), cs.FilamentDetected())
		}
		for name, ss := range switchSensors {
			fm.SetPresence(name, ss.FilamentDetected())
		}
		u := unloader
		moduleMu.Unlock()
		if u != nil {
			fm.RecordPulseCount("unload_filament", int64(u.PulseCount()))
		}
		fm.UpdateSystemMetrics()
		return eventtime + 1.0
	}, r.Monotonic()+1.0)
	mgr.StartWatchdog()

	var apiServer *api.Server
	if hc.APIBind != "" {
		apiServer = api.New(api.Config{
			Addr:    hc.APIBind,
			Host:    hostAdapter,
			Bus:     bus,
			Version: version,
		})
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				mgr.InternalError(fmt.Sprintf("api server: %v", err))
			}
		}()
	}

	var metricsServer *metrics.MetricsServer
	if hc.MetricsBind != "" {
		metricsServer = metrics.NewMetricsServer(fm, hc.MetricsBind)
		errCh := metricsServer.StartAsync()
		go func() {
			if err := <-errCh; err != nil {
				mgr.InternalError(fmt.Sprintf("metrics server: %v", err))
			}
		}()
	}

	if *console {
		d.AddOutputHandler(func(msg string) { fmt.Println(msg) })
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := d.Execute(line); err != nil {
					d.RespondError("%v", err)
				}
			}
		}()
	} else {
		gcodeLog := log.GetLogger("gcode")
		d.AddOutputHandler(func(msg string) { gcodeLog.Info("%s", msg) })
	}

	// Everything the config declares should have found a consumer by now.
	if err := cfg.CheckUnusedSections(); err != nil {
		root.Warn("%v", err)
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		root.Warn("%v", err)
	}

	if err := mgr.SetReady(); err != nil {
		fatalf(root, "%v", err)
	}
	bus.Publish(event.TopicHostReady, r.Monotonic())

	root.Info("========================================")
	root.Info("Filament Host Ready")
	if hc.APIBind != "" {
		root.Info("API listening on %s", hc.APIBind)
	}
	if hc.MetricsBind != "" {
		root.Info("Metrics listening on %s", hc.MetricsBind)
	}
	root.Info("Press Ctrl+C to stop")
	root.Info("========================================")

	<-shutdownCh

	root.Info("Shutting down...")
	if poller != nil {
		poller.Stop()
	}
	if apiServer != nil {
		_ = apiServer.Stop()
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
	}
	mgr.StopWatchdog()
	r.End()
	r.Wait()
	root.Info("Filament host stopped")
}
