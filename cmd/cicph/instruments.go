package main

import (
	"fmt"
	"io"
	"log"

	"github.com/tarm/serial"

	"github.com/electrode-lab/cicph/acquisition"
	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/config"
	"github.com/electrode-lab/cicph/discover"
	"github.com/electrode-lab/cicph/keithley"
	"github.com/electrode-lab/cicph/phmeter"
	"github.com/electrode-lab/cicph/usbtmc"
	"github.com/electrode-lab/cicph/util"
)

// openers builds the instrument openers for the enabled instruments
func openers(c config.Config) acquisition.Openers {
	var o acquisition.Openers
	if c.Keithley.Enabled {
		o.SMU = func() (acquisition.Source, error) { return openSMU(c.Keithley) }
	}
	if c.PHMeter.Enabled {
		o.Probe = func() (acquisition.Probe, error) { return openProbe(c.PHMeter) }
	}
	return o
}

func openSMU(c config.Keithley) (acquisition.Source, error) {
	var (
		addr  string
		maker comm.CreationFunc
	)
	timeout := util.SecsToDuration(c.Timeout)
	switch c.Transport {
	case "tcp":
		addr = c.Addr
		maker = comm.TCPMaker(c.Addr, timeout)
	default:
		addr = fmt.Sprintf("usb %04x:%04x", c.VID, c.PID)
		maker = func() (io.ReadWriteCloser, error) { return usbtmc.Open(c.VID, c.PID) }
	}
	rd := comm.NewRemoteDevice(addr, maker, nil)
	rd.Timeout = timeout
	if err := rd.Open(); err != nil {
		return nil, err
	}
	log.Printf("keithley: connected at %s", addr)
	return keithley.New(rd), nil
}

// probeFilter matches the probe's port by name, or by USB IDs when set
func probeFilter(c config.PHMeter) discover.FilterFn {
	byName := discover.NameContains(c.PortMatch)
	if c.VID == 0 {
		return byName
	}
	return discover.Any(byName, discover.USBIDs(c.VID, c.PID))
}

func openProbe(c config.PHMeter) (acquisition.Probe, error) {
	name := c.Port
	if name == "" {
		var err error
		name, err = discover.Find(nil, probeFilter(c))
		if err != nil {
			return nil, fmt.Errorf("no serial port matching %q: %w", c.PortMatch, err)
		}
	}
	parity, err := c.ParityByte()
	if err != nil {
		return nil, err
	}
	timeout := util.SecsToDuration(c.Timeout)
	maker := comm.SerialMaker(&serial.Config{
		Name:        name,
		Baud:        c.Baud,
		ReadTimeout: timeout,
		Size:        byte(c.DataBits),
		Parity:      serial.Parity(parity),
		StopBits:    serial.StopBits(c.StopBits),
	})
	rd := comm.NewRemoteDevice(name, maker, &comm.Terminators{Tx: '\r', Rx: '\n'})
	rd.Timeout = timeout
	if err := rd.Open(); err != nil {
		return nil, err
	}
	log.Printf("ph meter: connected at %s", name)
	m := phmeter.New(rd)
	m.Sentinel = c.Sentinel
	m.MaxAttempts = c.MaxAttempts
	return m, nil
}
