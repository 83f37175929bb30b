package scpi_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/scpi"
)

// scriptPort answers queries from a map and records writes
type scriptPort struct {
	replies map[string]string
	writes  []string
}

func (p *scriptPort) Write(cmd string) error {
	p.writes = append(p.writes, cmd)
	return nil
}

func (p *scriptPort) Query(cmd string) (string, error) {
	p.writes = append(p.writes, cmd)
	r, ok := p.replies[cmd]
	if !ok {
		return "", comm.ErrTimeout
	}
	return r, nil
}

func (p *scriptPort) Read() (string, error) { return "", comm.ErrTimeout }
func (p *scriptPort) Close() error          { return nil }

func TestWriteSendsEachLine(t *testing.T) {
	p := &scriptPort{}
	s := scpi.SCPI{Port: p}
	require.NoError(t, s.Write("reset()", "defbuffer1.clear()"))
	assert.Equal(t, []string{"reset()", "defbuffer1.clear()"}, p.writes)
}

func TestReadFloat(t *testing.T) {
	p := &scriptPort{replies: map[string]string{
		"print(timer.gettime())": " 1.250000000e+00 ",
		"print(bad)":             "nil",
	}}
	s := scpi.SCPI{Port: p}
	f, err := s.ReadFloat("print(timer.gettime())")
	require.NoError(t, err)
	assert.Equal(t, 1.25, f)

	_, err = s.ReadFloat("print(bad)")
	assert.True(t, errors.Is(err, comm.ErrMalformed), "got %v", err)

	_, err = s.ReadFloat("print(missing)")
	assert.True(t, errors.Is(err, comm.ErrTimeout), "got %v", err)
}

func TestReadIntAcceptsTSPFloats(t *testing.T) {
	p := &scriptPort{replies: map[string]string{"print(defbuffer1.n)": "3.000000000e+00"}}
	s := scpi.SCPI{Port: p}
	n, err := s.ReadInt("print(defbuffer1.n)")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReadBool(t *testing.T) {
	p := &scriptPort{replies: map[string]string{"print(smu.source.output)": "smu.ON"}}
	s := scpi.SCPI{Port: p}
	b, err := s.ReadBool("print(smu.source.output)")
	require.NoError(t, err)
	assert.True(t, b)
}

func TestClearStatus(t *testing.T) {
	p := &scriptPort{}
	s := scpi.SCPI{Port: p}
	require.NoError(t, s.ClearStatus())
	assert.Equal(t, []string{"*CLS"}, p.writes)
}
