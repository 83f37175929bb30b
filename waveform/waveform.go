/*Package waveform describes a biphasic current pulse train and expands it into
the ordered list of phases the acquisition loop executes.

A cycle is two pulses, anodic and cathodic in the order chosen by AnodicFirst,
optionally separated by a zero-current interphase delay, and followed by a
zero-current rest.  A pulse with zero amplitude is a disabled phase: it still
occupies its duration, with the source at 0 A.
*/
package waveform

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/electrode-lab/cicph/util"
)

// ErrInvalidPlan is wrapped by every Validate failure
var ErrInvalidPlan = errors.New("invalid waveform")

// Kind is the kind of a phase
type Kind int

const (
	// Anodic is the positive current pulse
	Anodic Kind = iota
	// Cathodic is the negative current pulse
	Cathodic
	// InterPhase is the zero-current gap between the two pulses
	InterPhase
	// Rest is the zero-current gap after a cycle
	Rest
)

func (k Kind) String() string {
	switch k {
	case Anodic:
		return "anodic"
	case Cathodic:
		return "cathodic"
	case InterPhase:
		return "interphase"
	case Rest:
		return "rest"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Pulse is one constant-current phase
type Pulse struct {
	// Amplitude is the source current, A
	Amplitude float64 `koanf:"amplitude" yaml:"amplitude"`

	// Duration is the phase length, s
	Duration float64 `koanf:"duration" yaml:"duration"`
}

// Plan is a pulse train
type Plan struct {
	NumCycles          int     `koanf:"numcycles" yaml:"numcycles"`
	AnodicFirst        bool    `koanf:"anodicfirst" yaml:"anodicfirst"`
	Anodic             Pulse   `koanf:"anodic" yaml:"anodic"`
	Cathodic           Pulse   `koanf:"cathodic" yaml:"cathodic"`
	InterPhaseDelay    float64 `koanf:"interphasedelay" yaml:"interphasedelay"`
	InterPulseInterval float64 `koanf:"interpulseinterval" yaml:"interpulseinterval"`
	ComplianceVoltage  float64 `koanf:"compliancevoltage" yaml:"compliancevoltage"`
}

// Default is a single 4 mA anodic hour with a disabled cathodic phase
func Default() Plan {
	return Plan{
		NumCycles:          1,
		AnodicFirst:        true,
		Anodic:             Pulse{Amplitude: 4e-3, Duration: 3600},
		Cathodic:           Pulse{Amplitude: 0, Duration: 120},
		InterPhaseDelay:    0,
		InterPulseInterval: 2,
		ComplianceVoltage:  210,
	}
}

func nonNegative(name string, v float64) error {
	if !(v >= 0) {
		return fmt.Errorf("%s must be >= 0, got %g", name, v)
	}
	return nil
}

// Validate reports every violated constraint
func (p Plan) Validate() error {
	var errs error
	if p.NumCycles < 1 {
		errs = multierr.Append(errs, fmt.Errorf("numcycles must be >= 1, got %d", p.NumCycles))
	}
	errs = multierr.Append(errs, nonNegative("anodic duration", p.Anodic.Duration))
	errs = multierr.Append(errs, nonNegative("cathodic duration", p.Cathodic.Duration))
	errs = multierr.Append(errs, nonNegative("interphase delay", p.InterPhaseDelay))
	errs = multierr.Append(errs, nonNegative("interpulse interval", p.InterPulseInterval))
	errs = multierr.Append(errs, nonNegative("anodic amplitude", p.Anodic.Amplitude))
	if !(p.Cathodic.Amplitude <= 0) {
		errs = multierr.Append(errs, fmt.Errorf("cathodic amplitude must be <= 0, got %g", p.Cathodic.Amplitude))
	}
	if !(p.ComplianceVoltage > 0) {
		errs = multierr.Append(errs, fmt.Errorf("compliance voltage must be > 0, got %g", p.ComplianceVoltage))
	}
	if errs != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, errs)
	}
	return nil
}

// Step is one phase execution
type Step struct {
	// Index is the position in the whole plan, from 0
	Index int

	// Cycle is the cycle number, from 1
	Cycle int

	Kind      Kind
	Amplitude float64
	Duration  time.Duration
}

func (s Step) String() string {
	return fmt.Sprintf("cycle %d %s %g A for %v", s.Cycle, s.Kind, s.Amplitude, s.Duration)
}

// Steps expands the plan in execution order
func (p Plan) Steps() []Step {
	first, second := Step{Kind: Anodic, Amplitude: p.Anodic.Amplitude, Duration: util.SecsToDuration(p.Anodic.Duration)},
		Step{Kind: Cathodic, Amplitude: p.Cathodic.Amplitude, Duration: util.SecsToDuration(p.Cathodic.Duration)}
	if !p.AnodicFirst {
		first, second = second, first
	}
	gap := Step{Kind: InterPhase, Duration: util.SecsToDuration(p.InterPhaseDelay)}
	rest := Step{Kind: Rest, Duration: util.SecsToDuration(p.InterPulseInterval)}

	var steps []Step
	for c := 1; c <= p.NumCycles; c++ {
		cycle := []Step{first}
		if p.InterPhaseDelay > 0 {
			cycle = append(cycle, gap)
		}
		cycle = append(cycle, second, rest)
		for _, s := range cycle {
			s.Index = len(steps)
			s.Cycle = c
			steps = append(steps, s)
		}
	}
	return steps
}

// TotalDuration is the sum of every step's duration
func (p Plan) TotalDuration() time.Duration {
	var d time.Duration
	for _, s := range p.Steps() {
		d += s.Duration
	}
	return d
}
