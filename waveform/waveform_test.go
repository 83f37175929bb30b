package waveform_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/electrode-lab/cicph/waveform"
)

func twoCycle() waveform.Plan {
	return waveform.Plan{
		NumCycles:          2,
		AnodicFirst:        true,
		Anodic:             waveform.Pulse{Amplitude: 1e-3, Duration: 1},
		Cathodic:           waveform.Pulse{Amplitude: -1e-3, Duration: 1},
		InterPulseInterval: 2,
		ComplianceVoltage:  10,
	}
}

func TestStepsTwoCycles(t *testing.T) {
	p := twoCycle()
	expected := []waveform.Step{
		{Index: 0, Cycle: 1, Kind: waveform.Anodic, Amplitude: 1e-3, Duration: time.Second},
		{Index: 1, Cycle: 1, Kind: waveform.Cathodic, Amplitude: -1e-3, Duration: time.Second},
		{Index: 2, Cycle: 1, Kind: waveform.Rest, Duration: 2 * time.Second},
		{Index: 3, Cycle: 2, Kind: waveform.Anodic, Amplitude: 1e-3, Duration: time.Second},
		{Index: 4, Cycle: 2, Kind: waveform.Cathodic, Amplitude: -1e-3, Duration: time.Second},
		{Index: 5, Cycle: 2, Kind: waveform.Rest, Duration: 2 * time.Second},
	}
	if diff := cmp.Diff(expected, p.Steps()); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 8*time.Second, p.TotalDuration())
}

func TestStepsCathodicFirst(t *testing.T) {
	p := twoCycle()
	p.AnodicFirst = false
	p.Anodic.Duration = 3
	var kinds []waveform.Kind
	for _, s := range p.Steps()[:3] {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []waveform.Kind{waveform.Cathodic, waveform.Anodic, waveform.Rest}, kinds)
	// each phase keeps its own amplitude and width
	assert.Equal(t, -1e-3, p.Steps()[0].Amplitude)
	assert.Equal(t, time.Second, p.Steps()[0].Duration)
	assert.Equal(t, 3*time.Second, p.Steps()[1].Duration)
}

func TestStepsInterPhaseDelay(t *testing.T) {
	p := twoCycle()
	p.NumCycles = 1
	p.InterPhaseDelay = 0.5
	steps := p.Steps()
	assert.Len(t, steps, 4)
	assert.Equal(t, waveform.InterPhase, steps[1].Kind)
	assert.Equal(t, 0., steps[1].Amplitude)
	assert.Equal(t, 500*time.Millisecond, steps[1].Duration)
	assert.Equal(t, 3, steps[3].Index)
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, twoCycle().Validate())
	assert.NoError(t, waveform.Default().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*waveform.Plan){
		"zero cycles":         func(p *waveform.Plan) { p.NumCycles = 0 },
		"negative duration":   func(p *waveform.Plan) { p.Anodic.Duration = -1 },
		"negative rest":       func(p *waveform.Plan) { p.InterPulseInterval = -0.1 },
		"negative anodic":     func(p *waveform.Plan) { p.Anodic.Amplitude = -1e-3 },
		"positive cathodic":   func(p *waveform.Plan) { p.Cathodic.Amplitude = 1e-3 },
		"zero compliance":     func(p *waveform.Plan) { p.ComplianceVoltage = 0 },
		"negative interphase": func(p *waveform.Plan) { p.InterPhaseDelay = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := twoCycle()
			mutate(&p)
			err := p.Validate()
			assert.True(t, errors.Is(err, waveform.ErrInvalidPlan), "got %v", err)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rest", waveform.Rest.String())
	assert.Equal(t, "cycle 1 anodic 0.001 A for 1s", twoCycle().Steps()[0].String())
}
