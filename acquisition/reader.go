package acquisition

import (
	"errors"
	"log"
	"strconv"
	"sync"

	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/keithley"
	"github.com/electrode-lab/cicph/phmeter"
)

// Outcome is the result class of one poll
type Outcome int

const (
	// OK means the reading is present
	OK Outcome = iota
	// Disabled means the instrument is not in use; the port was not touched
	Disabled
	// Timeout means no reply arrived in time
	Timeout
	// Malformed means a reply arrived but could not be parsed
	Malformed
	// Failed is any other transport or instrument error
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Disabled:
		return "disabled"
	case Timeout:
		return "timeout"
	case Malformed:
		return "malformed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Classify maps a poll error to its outcome
func Classify(err error) Outcome {
	if err == nil {
		return OK
	}
	if errors.Is(err, comm.ErrTimeout) {
		return Timeout
	}
	if errors.Is(err, comm.ErrMalformed) || errors.Is(err, phmeter.ErrNoReading) {
		return Malformed
	}
	var ne *strconv.NumError
	if errors.As(err, &ne) {
		return Malformed
	}
	return Failed
}

// Source is a source-measure unit
type Source interface {
	Initialize() error
	Configure(keithley.Options) error
	SetLevel(amps float64) error
	Output(on bool) error
	OutputOn() (bool, error)
	Measure() (keithley.Measurement, error)
	ClearBuffer() error
	ClearStatus() error
	Close() error
}

// Probe is a pH/temperature meter
type Probe interface {
	Flush(n int) int
	Read() (phmeter.Reading, error)
	Close() error
}

// SMUResult is the result of one SMU poll
type SMUResult struct {
	Outcome     Outcome
	Measurement keithley.Measurement
	Err         error
}

// Present reports whether the measurement may be recorded
func (r SMUResult) Present() bool { return r.Outcome == OK }

// ProbeResult is the result of one probe poll
type ProbeResult struct {
	Outcome Outcome
	Reading phmeter.Reading
	Err     error
}

// Present reports whether the reading may be recorded
func (r ProbeResult) Present() bool { return r.Outcome == OK }

// gate is the enabled flag shared by both readers
type gate struct {
	mu       sync.Mutex
	disabled bool
}

func (g *gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.disabled
}

func (g *gate) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabled = true
}

// SMUReader polls a Source, turning every failure into an absent result
type SMUReader struct {
	gate
	smu Source
}

// NewSMUReader returns a reader over smu.  A nil smu is disabled.
func NewSMUReader(smu Source) *SMUReader {
	r := &SMUReader{smu: smu}
	if smu == nil {
		r.Disable()
	}
	return r
}

// Poll triggers and reads one measurement.  On failure the status is
// cleared so the next poll starts from a clean link.
func (r *SMUReader) Poll() SMUResult {
	if !r.Enabled() {
		return SMUResult{Outcome: Disabled}
	}
	m, err := r.smu.Measure()
	if err != nil {
		out := Classify(err)
		log.Printf("keithley: measurement %s: %v", out, err)
		if cerr := r.smu.ClearStatus(); cerr != nil {
			log.Printf("keithley: clear status: %v", cerr)
		}
		return SMUResult{Outcome: out, Err: err}
	}
	return SMUResult{Outcome: OK, Measurement: m}
}

// ProbeReader polls a Probe, turning every failure into an absent result
type ProbeReader struct {
	gate
	probe Probe
}

// NewProbeReader returns a reader over p.  A nil p is disabled.
func NewProbeReader(p Probe) *ProbeReader {
	r := &ProbeReader{probe: p}
	if p == nil {
		r.Disable()
	}
	return r
}

// Poll reads one pH/temperature pair
func (r *ProbeReader) Poll() ProbeResult {
	if !r.Enabled() {
		return ProbeResult{Outcome: Disabled}
	}
	rd, err := r.probe.Read()
	if err != nil {
		out := Classify(err)
		log.Printf("ph meter: reading %s: %v", out, err)
		return ProbeResult{Outcome: out, Err: err}
	}
	return ProbeResult{Outcome: OK, Reading: rd}
}
