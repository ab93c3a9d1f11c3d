// Package config provides INI-style configuration parsing for the
// filament host. Sections map to modules; a registry instantiates each
// module from its section, and access tracking flags anything the
// config file declares that no module consumed.
package config

// HostConfig holds the top-level [host] options consumed by the daemon
// itself rather than by any filament module.
type HostConfig struct {
	// LogFile is the path for rotated file logging. Empty means
	// stderr only.
	LogFile string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// APIBind is the listen address for the websocket API server.
	// Empty disables the server.
	APIBind string

	// MetricsBind is the listen address for the metrics endpoint.
	// Empty disables it.
	MetricsBind string

	// SerialPort is the device path of the sensor board link. Empty
	// means sensors are fed by software (API or simulation).
	SerialPort string

	// SerialBaud is the baud rate for the sensor board link.
	SerialBaud int
}

// LoadHostConfig extracts the [host] section. All options are optional;
// a missing section yields the defaults.
func LoadHostConfig(cfg *Config) (*HostConfig, error) {
	hc := &HostConfig{
		LogLevel:   "info",
		SerialBaud: 250000,
	}

	sec := cfg.GetSectionOptional("host")
	if sec == nil {
		return hc, nil
	}

	var err error
	if hc.LogFile, err = sec.Get("log_file", ""); err != nil {
		return nil, err
	}
	if hc.LogLevel, err = sec.GetChoice("log_level", []string{"debug", "info", "warn", "error"}, "info"); err != nil {
		return nil, err
	}
	if hc.APIBind, err = sec.Get("api_bind", ""); err != nil {
		return nil, err
	}
	if hc.MetricsBind, err = sec.Get("metrics_bind", ""); err != nil {
		return nil, err
	}
	if hc.SerialPort, err = sec.Get("serial_port", ""); err != nil {
		return nil, err
	}
	if hc.SerialBaud, err = sec.GetInt("serial_baud", 250000); err != nil {
		return nil, err
	}
	return hc, nil
}
