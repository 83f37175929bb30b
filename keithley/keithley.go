// Package keithley drives a Keithley 2450 source-measure unit in TSP mode as a
// current source with voltage readback.
package keithley

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/scpi"
	"github.com/electrode-lab/cicph/util"
)

const (
	// VendorID is Keithley's USB vendor ID
	VendorID = 0x05E6

	// ProductID2450 is the USB product ID of the 2450
	ProductID2450 = 0x2450

	// DefaultTimeout bounds every round trip
	DefaultTimeout = 10 * time.Second

	minVLimit = 0.02
	maxVLimit = 210.0
)

// Options is the source/measure setup applied by Configure
type Options struct {
	// ComplianceVoltage is the voltage limit while sourcing current, V
	ComplianceVoltage float64

	// NPLC is the integration time in power line cycles
	NPLC float64

	// Sense is "2wire" or "4wire"
	Sense string

	// Autorange enables source and measure autoranging
	Autorange bool
}

// DefaultOptions returns the setup used for CIC runs
func DefaultOptions() Options {
	return Options{ComplianceVoltage: 210, NPLC: 1, Sense: "4wire", Autorange: true}
}

// Measurement is one triggered reading
type Measurement struct {
	// Voltage is the measured voltage, V
	Voltage float64

	// Current is the sourced current read back, A
	Current float64

	// Elapsed is the instrument timer, s since Initialize
	Elapsed float64
}

// SMU is a source-measure unit
type SMU struct {
	scpi.SCPI
}

// New wraps an open port
func New(port comm.Port) *SMU {
	return &SMU{SCPI: scpi.SCPI{Port: port}}
}

func onOff(b bool) string {
	if b {
		return "smu.ON"
	}
	return "smu.OFF"
}

func senseConst(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "4wire", "4", "":
		return "smu.SENSE_4WIRE", nil
	case "2wire", "2":
		return "smu.SENSE_2WIRE", nil
	}
	return "", fmt.Errorf("keithley: unknown sense mode %q", s)
}

// Initialize resets the instrument, clears the reading buffer and zeroes
// the timer
func (s *SMU) Initialize() error {
	return s.Write("reset()", "defbuffer1.clear()", "timer.cleartime()")
}

// Configure sets up a DC current source with DC voltage measurement
func (s *SMU) Configure(o Options) error {
	sense, err := senseConst(o.Sense)
	if err != nil {
		return err
	}
	vlim := util.Clamp(o.ComplianceVoltage, minVLimit, maxVLimit)
	if vlim != o.ComplianceVoltage {
		log.Printf("keithley: compliance voltage %g V outside [%g, %g], using %g V", o.ComplianceVoltage, minVLimit, maxVLimit, vlim)
	}
	nplc := o.NPLC
	if nplc <= 0 {
		nplc = 1
	}
	return s.Write(
		"smu.source.func = smu.FUNC_DC_CURRENT",
		"smu.source.autorange = "+onOff(o.Autorange),
		"smu.measure.func = smu.FUNC_DC_VOLTAGE",
		"smu.measure.autorange = "+onOff(o.Autorange),
		fmt.Sprintf("smu.measure.nplc = %g", nplc),
		"smu.measure.sense = "+sense,
		"smu.source.readback = smu.ON",
		fmt.Sprintf("smu.source.vlimit.level = %g", vlim))
}

// SetLevel sets the source current in amps
func (s *SMU) SetLevel(amps float64) error {
	return s.Write(fmt.Sprintf("smu.source.level = %g", amps))
}

// Output turns the source output on or off
func (s *SMU) Output(on bool) error {
	return s.Write("smu.source.output = " + onOff(on))
}

// OutputOn reports whether the source output is on
func (s *SMU) OutputOn() (bool, error) {
	return s.ReadBool("print(smu.source.output)")
}

// Measure triggers one reading into defbuffer1 and returns it with the
// source readback and the timer
func (s *SMU) Measure() (Measurement, error) {
	var m Measurement
	if err := s.Write("smu.measure.read(defbuffer1)"); err != nil {
		return m, err
	}
	var err error
	if m.Voltage, err = s.ReadFloat("print(defbuffer1.readings[defbuffer1.n])"); err != nil {
		return m, err
	}
	if m.Current, err = s.ReadFloat("print(defbuffer1.sourcevalues[defbuffer1.n])"); err != nil {
		return m, err
	}
	if m.Elapsed, err = s.ReadFloat("print(timer.gettime())"); err != nil {
		return m, err
	}
	return m, nil
}

// ClearBuffer empties defbuffer1
func (s *SMU) ClearBuffer() error {
	if n, err := s.ReadInt("print(defbuffer1.n)"); err == nil {
		log.Printf("keithley: clearing %d buffered readings", n)
	}
	return s.Write("defbuffer1.clear()")
}

// Close closes the underlying port
func (s *SMU) Close() error {
	return s.Port.Close()
}
