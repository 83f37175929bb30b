package keithley_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/keithley"
)

type scriptPort struct {
	replies map[string]string
	sent    []string
	closed  bool
}

func (p *scriptPort) Write(cmd string) error {
	p.sent = append(p.sent, cmd)
	return nil
}

func (p *scriptPort) Query(cmd string) (string, error) {
	p.sent = append(p.sent, cmd)
	if r, ok := p.replies[cmd]; ok {
		return r, nil
	}
	return "", comm.ErrTimeout
}

func (p *scriptPort) Read() (string, error) { return "", comm.ErrTimeout }

func (p *scriptPort) Close() error {
	p.closed = true
	return nil
}

func TestInitializeSequence(t *testing.T) {
	p := &scriptPort{}
	require.NoError(t, keithley.New(p).Initialize())
	assert.Equal(t, []string{"reset()", "defbuffer1.clear()", "timer.cleartime()"}, p.sent)
}

func TestConfigureDefaults(t *testing.T) {
	p := &scriptPort{}
	require.NoError(t, keithley.New(p).Configure(keithley.DefaultOptions()))
	assert.Equal(t, []string{
		"smu.source.func = smu.FUNC_DC_CURRENT",
		"smu.source.autorange = smu.ON",
		"smu.measure.func = smu.FUNC_DC_VOLTAGE",
		"smu.measure.autorange = smu.ON",
		"smu.measure.nplc = 1",
		"smu.measure.sense = smu.SENSE_4WIRE",
		"smu.source.readback = smu.ON",
		"smu.source.vlimit.level = 210",
	}, p.sent)
}

func TestConfigureClampsCompliance(t *testing.T) {
	p := &scriptPort{}
	o := keithley.DefaultOptions()
	o.ComplianceVoltage = 500
	o.Sense = "2wire"
	require.NoError(t, keithley.New(p).Configure(o))
	assert.Contains(t, p.sent, "smu.source.vlimit.level = 210")
	assert.Contains(t, p.sent, "smu.measure.sense = smu.SENSE_2WIRE")
}

func TestConfigureRejectsUnknownSense(t *testing.T) {
	o := keithley.DefaultOptions()
	o.Sense = "3wire"
	assert.Error(t, keithley.New(&scriptPort{}).Configure(o))
}

func TestSetLevelAndOutput(t *testing.T) {
	p := &scriptPort{}
	smu := keithley.New(p)
	require.NoError(t, smu.SetLevel(-0.0001))
	require.NoError(t, smu.Output(false))
	assert.Equal(t, []string{"smu.source.level = -0.0001", "smu.source.output = smu.OFF"}, p.sent)
}

func TestMeasure(t *testing.T) {
	p := &scriptPort{replies: map[string]string{
		"print(defbuffer1.readings[defbuffer1.n])":     "1.234000000e+00",
		"print(defbuffer1.sourcevalues[defbuffer1.n])": "1.000000000e-04",
		"print(timer.gettime())":                       "2.500000000e+00",
	}}
	m, err := keithley.New(p).Measure()
	require.NoError(t, err)
	assert.Equal(t, keithley.Measurement{Voltage: 1.234, Current: 1e-4, Elapsed: 2.5}, m)
	assert.Equal(t, "smu.measure.read(defbuffer1)", p.sent[0])
}

func TestMeasureTimeout(t *testing.T) {
	p := &scriptPort{replies: map[string]string{
		"print(defbuffer1.readings[defbuffer1.n])": "1.0",
	}}
	_, err := keithley.New(p).Measure()
	assert.True(t, errors.Is(err, comm.ErrTimeout), "got %v", err)
}

func TestClose(t *testing.T) {
	p := &scriptPort{}
	require.NoError(t, keithley.New(p).Close())
	assert.True(t, p.closed)
}

func TestOutputOn(t *testing.T) {
	p := &scriptPort{replies: map[string]string{"print(smu.source.output)": "smu.OFF"}}
	on, err := keithley.New(p).OutputOn()
	require.NoError(t, err)
	assert.False(t, on)

	p.replies["print(smu.source.output)"] = "smu.ON"
	on, err = keithley.New(p).OutputOn()
	require.NoError(t, err)
	assert.True(t, on)
}

func TestClearBuffer(t *testing.T) {
	p := &scriptPort{replies: map[string]string{"print(defbuffer1.n)": "4.200000000e+01"}}
	require.NoError(t, keithley.New(p).ClearBuffer())
	assert.Equal(t, []string{"print(defbuffer1.n)", "defbuffer1.clear()"}, p.sent)

	// an unanswered count does not stop the clear
	p = &scriptPort{}
	require.NoError(t, keithley.New(p).ClearBuffer())
	assert.Equal(t, "defbuffer1.clear()", p.sent[len(p.sent)-1])
}
