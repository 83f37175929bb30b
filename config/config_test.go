package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrode-lab/cicph/config"
	"github.com/electrode-lab/cicph/waveform"
)

func TestLoadDefaultsWithMissingFile(t *testing.T) {
	c, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"), nil)
	require.NoError(t, err)
	want := config.Default()
	assert.Equal(t, want.Waveform, c.Waveform)
	assert.Equal(t, want.Keithley, c.Keithley)
	assert.Equal(t, want.PHMeter, c.PHMeter)
	assert.Equal(t, 100*time.Millisecond, c.Poll())
	assert.NotContains(t, c.DataRoot, "~")
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cicph.yml")
	yml := `
name: trial
pollinterval: 0.25
waveform:
  numcycles: 2
  anodicfirst: false
  anodic:
    amplitude: 0.001
    duration: 1
  cathodic:
    amplitude: -0.002
    duration: 2
keithley:
  transport: tcp
  addr: 192.168.1.20:5025
phmeter:
  port: /dev/ttyUSB3
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("CICPH_PHMETER__BAUD", "19200")
	t.Setenv("CICPH_NAME", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("dataroot", "/unused", "")
	flags.String("keithley.addr", "", "")
	require.NoError(t, flags.Parse([]string{"--keithley.addr", "10.0.0.5:5025"}))

	c, err := config.Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Name)
	assert.Equal(t, 250*time.Millisecond, c.Poll())
	assert.Equal(t, 2, c.Waveform.NumCycles)
	assert.False(t, c.Waveform.AnodicFirst)
	assert.Equal(t, -0.002, c.Waveform.Cathodic.Amplitude)
	assert.Equal(t, 210., c.Waveform.ComplianceVoltage, "unset keys keep their defaults")
	assert.Equal(t, "tcp", c.Keithley.Transport)
	assert.Equal(t, "10.0.0.5:5025", c.Keithley.Addr)
	assert.Equal(t, "/dev/ttyUSB3", c.PHMeter.Port)
	assert.Equal(t, 19200, c.PHMeter.Baud)
	assert.NotEqual(t, "/unused", c.DataRoot, "flags which were not set do not override")
}

func TestValidate(t *testing.T) {
	c := config.Default()
	assert.NoError(t, c.Validate())

	c.Keithley.Enabled = false
	c.PHMeter.Enabled = false
	assert.Error(t, c.Validate())

	c = config.Default()
	c.Keithley.Transport = "tcp"
	assert.Error(t, c.Validate(), "tcp without an address")

	c = config.Default()
	c.PHMeter.Parity = "sideways"
	assert.Error(t, c.Validate())

	c = config.Default()
	c.Waveform.NumCycles = 0
	err := c.Validate()
	assert.True(t, errors.Is(err, waveform.ErrInvalidPlan), "got %v", err)
}

func TestParityByte(t *testing.T) {
	for in, want := range map[string]byte{"": 'N', "none": 'N', "Odd": 'O', "e": 'E'} {
		got, err := config.PHMeter{Parity: in}.ParityByte()
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestSMUOptionsTakesComplianceFromWaveform(t *testing.T) {
	c := config.Default()
	c.Waveform.ComplianceVoltage = 20
	c.Keithley.Sense = "2wire"
	o := c.SMUOptions()
	assert.Equal(t, 20., o.ComplianceVoltage)
	assert.Equal(t, "2wire", o.Sense)
	assert.Equal(t, 1., o.NPLC)
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "cicph.yml"), []byte("name: homed\ndataroot: ~/runs\n"), 0o644))
	c, err := config.Load("~/cicph.yml", nil)
	require.NoError(t, err)
	assert.Equal(t, "homed", c.Name)
	assert.Equal(t, filepath.Join(home, "runs"), c.DataRoot)
}
