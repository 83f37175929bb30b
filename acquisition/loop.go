package acquisition

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/electrode-lab/cicph/waveform"
)

// DefaultPollInterval is the start-to-start spacing of data points
const DefaultPollInterval = 100 * time.Millisecond

// Sink receives the record after every append
type Sink interface {
	// Update is called with the buffer after each new sample
	Update(buf *RecordBuffer)

	// Closed is closed when the viewer asks the session to end.  A sink
	// which cannot be closed returns nil.
	Closed() <-chan struct{}
}

// Loop executes waveform steps while collecting data points
type Loop struct {
	SMU    *SMUReader
	Probe  *ProbeReader
	Buffer *RecordBuffer
	State  *RunState
	Sinks  []Sink

	// Now is the wall clock, time.Now if nil
	Now func() time.Time

	// ioMu serializes all instrument I/O with teardown
	ioMu *sync.Mutex

	limiter  *rate.Limiter
	start    time.Time
	outputOn bool

	// offset maps the local clock onto the SMU timer, from the last good
	// SMU poll
	offset float64
	last   float64
}

// NewLoop returns a loop paced at interval, or DefaultPollInterval if
// interval is not positive.  ioMu must be shared with whatever tears the
// instruments down.
func NewLoop(smu *SMUReader, probe *ProbeReader, buf *RecordBuffer, state *RunState, ioMu *sync.Mutex, interval time.Duration, sinks ...Sink) *Loop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Loop{
		SMU:     smu,
		Probe:   probe,
		Buffer:  buf,
		State:   state,
		Sinks:   sinks,
		ioMu:    ioMu,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// MarkStart sets the origin of the local elapsed-time clock to now
func (l *Loop) MarkStart() {
	l.StartAt(l.now())
}

// StartAt sets the origin of the local elapsed-time clock.  It should be the
// moment the SMU timer was cleared, so both clocks share a zero.
func (l *Loop) StartAt(t time.Time) {
	l.start = t
}

// elapsed returns the seconds since the start, from the SMU timer when the
// SMU answered and from the local clock shifted onto the SMU timer when it
// did not.  The result never decreases.
func (l *Loop) elapsed(now time.Time, sr SMUResult) float64 {
	local := now.Sub(l.start).Seconds()
	e := local + l.offset
	if sr.Present() {
		e = sr.Measurement.Elapsed
		l.offset = e - local
	}
	if e < l.last {
		e = l.last
	}
	l.last = e
	return e
}

// CollectDataPoint polls the probe then the SMU, merges both into one
// sample, appends it and updates the sinks.  Nothing is appended once a
// stop was requested.
func (l *Loop) CollectDataPoint(cycle int) (Sample, bool) {
	l.ioMu.Lock()
	if !l.State.Running() {
		l.ioMu.Unlock()
		return Sample{}, false
	}
	pr := l.Probe.Poll()
	sr := l.SMU.Poll()
	now := l.now()
	s := Sample{
		AbsoluteTime: now.Format(TimeLayout),
		ElapsedTime:  l.elapsed(now, sr),
		Cycle:        SomeInt(cycle),
	}
	if sr.Present() {
		s.Voltage = Some(sr.Measurement.Voltage)
		s.Current = Some(sr.Measurement.Current)
	}
	if pr.Present() {
		s.PH = Some(pr.Reading.PH)
		s.Temperature = Some(float64(pr.Reading.Temperature))
	}
	l.Buffer.Append(s)
	l.ioMu.Unlock()

	for _, sink := range l.Sinks {
		sink.Update(l.Buffer)
	}
	return s, true
}

// enter sets the source level for a step, turning the output on with the
// first step
func (l *Loop) enter(step waveform.Step) bool {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	if !l.State.Running() {
		return false
	}
	log.Printf("acquisition: %s", step)
	if !l.SMU.Enabled() {
		return true
	}
	if err := l.SMU.smu.SetLevel(step.Amplitude); err != nil {
		log.Printf("keithley: set level %g A: %v", step.Amplitude, err)
	}
	if !l.outputOn {
		if err := l.SMU.smu.Output(true); err != nil {
			log.Printf("keithley: output on: %v", err)
		} else {
			l.outputOn = true
		}
	}
	return true
}

// RunStep holds one step, collecting paced data points until its duration
// elapsed.  It returns false if the run was stopped or ctx is done.
func (l *Loop) RunStep(ctx context.Context, step waveform.Step) bool {
	if !l.enter(step) {
		return false
	}
	begin := l.now()
	for l.now().Sub(begin) < step.Duration {
		if err := l.limiter.Wait(ctx); err != nil {
			return false
		}
		if _, ok := l.CollectDataPoint(step.Cycle); !ok {
			return false
		}
	}
	return l.State.Running()
}

// Run executes steps in order and reports whether every step completed.
// Once a stop is requested every remaining step is skipped.
func (l *Loop) Run(ctx context.Context, steps []waveform.Step) bool {
	ctx, cancel := l.State.Context(ctx)
	defer cancel()
	if l.start.IsZero() {
		l.MarkStart()
	}
	for _, step := range steps {
		if !l.RunStep(ctx, step) {
			return false
		}
	}
	return l.State.Running()
}
