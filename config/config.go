// Package config loads the static configuration of a run.
//
// Values are layered, later layers winning: built-in defaults, a YAML file,
// CICPH_ environment variables, then command line flags that were set.
// Environment variables map onto keys by lower-casing and turning "__" into
// the key delimiter, so CICPH_KEITHLEY__ADDR sets keithley.addr.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/electrode-lab/cicph/keithley"
	"github.com/electrode-lab/cicph/phmeter"
	"github.com/electrode-lab/cicph/util"
	"github.com/electrode-lab/cicph/waveform"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "CICPH_"

// Keithley configures the source-measure unit
type Keithley struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Transport is "usb" or "tcp"
	Transport string `koanf:"transport" yaml:"transport"`

	// Addr is host:port for tcp, ignored for usb
	Addr string `koanf:"addr" yaml:"addr"`

	VID uint16 `koanf:"vid" yaml:"vid"`
	PID uint16 `koanf:"pid" yaml:"pid"`

	// Timeout bounds one reply, s
	Timeout float64 `koanf:"timeout" yaml:"timeout"`

	NPLC      float64 `koanf:"nplc" yaml:"nplc"`
	Sense     string  `koanf:"sense" yaml:"sense"`
	Autorange bool    `koanf:"autorange" yaml:"autorange"`
}

// PHMeter configures the serial pH/temperature probe
type PHMeter struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Port is the serial device.  When empty the first port whose name
	// contains PortMatch is used.
	Port      string `koanf:"port" yaml:"port"`
	PortMatch string `koanf:"portmatch" yaml:"portmatch"`

	// VID and PID, when VID is not zero, also match a USB serial adapter
	// by its IDs during discovery
	VID uint16 `koanf:"vid" yaml:"vid"`
	PID uint16 `koanf:"pid" yaml:"pid"`

	Baud     int    `koanf:"baud" yaml:"baud"`
	DataBits int    `koanf:"databits" yaml:"databits"`
	Parity   string `koanf:"parity" yaml:"parity"`
	StopBits int    `koanf:"stopbits" yaml:"stopbits"`

	// Timeout bounds one line, s
	Timeout float64 `koanf:"timeout" yaml:"timeout"`

	Sentinel    string `koanf:"sentinel" yaml:"sentinel"`
	MaxAttempts int    `koanf:"maxattempts" yaml:"maxattempts"`
	FlushLines  int    `koanf:"flushlines" yaml:"flushlines"`
}

// Monitor configures the live HTTP view
type Monitor struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

// Chart sizes the plots, in points
type Chart struct {
	Width  float64 `koanf:"width" yaml:"width"`
	Height float64 `koanf:"height" yaml:"height"`
}

// Config is everything needed to run a session
type Config struct {
	// Name prefixes the exported files
	Name string `koanf:"name" yaml:"name"`

	// DataRoot holds one directory per day of exports
	DataRoot string `koanf:"dataroot" yaml:"dataroot"`

	// PollInterval is the spacing of data points, s
	PollInterval float64 `koanf:"pollinterval" yaml:"pollinterval"`

	Waveform waveform.Plan `koanf:"waveform" yaml:"waveform"`
	Keithley Keithley      `koanf:"keithley" yaml:"keithley"`
	PHMeter  PHMeter       `koanf:"phmeter" yaml:"phmeter"`
	Monitor  Monitor       `koanf:"monitor" yaml:"monitor"`
	Chart    Chart         `koanf:"chart" yaml:"chart"`
}

// Default is the configuration used when nothing overrides it
func Default() Config {
	smu := keithley.DefaultOptions()
	return Config{
		Name:         "combined_CIC_pH",
		DataRoot:     "~/cicph-data",
		PollInterval: 0.1,
		Waveform:     waveform.Default(),
		Keithley: Keithley{
			Enabled:   true,
			Transport: "usb",
			VID:       keithley.VendorID,
			PID:       keithley.ProductID2450,
			Timeout:   keithley.DefaultTimeout.Seconds(),
			NPLC:      smu.NPLC,
			Sense:     smu.Sense,
			Autorange: smu.Autorange,
		},
		PHMeter: PHMeter{
			Enabled:     true,
			PortMatch:   "ttyUSB",
			Baud:        9600,
			DataBits:    8,
			Parity:      "none",
			StopBits:    1,
			Timeout:     phmeter.DefaultTimeout.Seconds(),
			Sentinel:    "$",
			MaxAttempts: phmeter.DefaultMaxAttempts,
			FlushLines:  phmeter.DefaultFlushLines,
		},
		Monitor: Monitor{Enabled: true, Addr: ":8000"},
		Chart:   Chart{Width: 720, Height: 540},
	}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Load layers defaults, the file at path, the environment and flags.  A
// missing file is not an error; an empty path skips the file.  flags may be
// nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		var err error
		if path, err = util.ExpandHome(path); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("config: flags: %w", err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var err error
	if c.DataRoot, err = util.ExpandHome(c.DataRoot); err != nil {
		return Config{}, fmt.Errorf("config: dataroot: %w", err)
	}
	return c, c.Validate()
}

// Validate checks the fields Load cannot type-check
func (c Config) Validate() error {
	var errs error
	if !c.Keithley.Enabled && !c.PHMeter.Enabled {
		errs = multierr.Append(errs, errors.New("no instrument enabled"))
	}
	switch c.Keithley.Transport {
	case "usb":
	case "tcp":
		if c.Keithley.Enabled && c.Keithley.Addr == "" {
			errs = multierr.Append(errs, errors.New("keithley.addr is required for tcp"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("keithley.transport must be usb or tcp, got %q", c.Keithley.Transport))
	}
	switch c.Keithley.Sense {
	case "2wire", "4wire":
	default:
		errs = multierr.Append(errs, fmt.Errorf("keithley.sense must be 2wire or 4wire, got %q", c.Keithley.Sense))
	}
	if _, err := c.PHMeter.ParityByte(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.PollInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("pollinterval must be > 0, got %g", c.PollInterval))
	}
	if err := c.Waveform.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("config: %w", errs)
	}
	return nil
}

// ParityByte maps the parity name to the byte tarm/serial expects
func (p PHMeter) ParityByte() (byte, error) {
	switch strings.ToLower(p.Parity) {
	case "", "none", "n":
		return 'N', nil
	case "odd", "o":
		return 'O', nil
	case "even", "e":
		return 'E', nil
	case "mark", "m":
		return 'M', nil
	case "space", "s":
		return 'S', nil
	}
	return 0, fmt.Errorf("phmeter.parity %q not understood", p.Parity)
}

// Poll is the poll interval as a duration
func (c Config) Poll() time.Duration {
	return util.SecsToDuration(c.PollInterval)
}

// SMUOptions are the measurement options for the Keithley.  The compliance
// voltage comes from the waveform.
func (c Config) SMUOptions() keithley.Options {
	return keithley.Options{
		ComplianceVoltage: c.Waveform.ComplianceVoltage,
		NPLC:              c.Keithley.NPLC,
		Sense:             c.Keithley.Sense,
		Autorange:         c.Keithley.Autorange,
	}
}
