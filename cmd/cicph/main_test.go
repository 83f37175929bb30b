package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial/enumerator"

	"github.com/electrode-lab/cicph/acquisition"
	"github.com/electrode-lab/cicph/chart"
	"github.com/electrode-lab/cicph/config"
)

func TestLayoutOf(t *testing.T) {
	probeOnly := []acquisition.Sample{{PH: acquisition.Some(7)}, {Temperature: acquisition.Some(25)}}
	assert.Equal(t, chart.Layout{Probe: true}, layoutOf(probeOnly))

	both := append(probeOnly, acquisition.Sample{Current: acquisition.Some(4e-3)})
	assert.Equal(t, chart.Layout{SMU: true, Probe: true}, layoutOf(both))
}

func TestOpenersFollowEnabled(t *testing.T) {
	c := config.Default()
	c.Keithley.Enabled = false
	o := openers(c)
	assert.Nil(t, o.SMU)
	assert.NotNil(t, o.Probe)
}

func TestCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "replot", "mkconf", "conf", "version"})
}

func TestProbeFilter(t *testing.T) {
	adapter := &enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "0403", PID: "6001"}
	byName := &enumerator.PortDetails{Name: "/dev/ttyUSB0"}

	c := config.Default().PHMeter
	f := probeFilter(c)
	assert.True(t, f(byName))
	assert.False(t, f(adapter))

	c.VID, c.PID = 0x0403, 0x6001
	f = probeFilter(c)
	assert.True(t, f(byName))
	assert.True(t, f(adapter))
}
