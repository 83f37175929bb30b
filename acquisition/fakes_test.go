package acquisition_test

import (
	"errors"
	"sync"
	"time"

	"github.com/electrode-lab/cicph/acquisition"
	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/keithley"
	"github.com/electrode-lab/cicph/phmeter"
)

// fakeSMU records every call and measures from a counter
type fakeSMU struct {
	mu sync.Mutex

	levels      []float64
	outputs     []bool
	measures    int
	clears      int
	bufClears   int
	closed      int
	initialized bool
	configured  keithley.Options

	initErr    error
	measureErr error
	onLevel    func(amps float64)

	// stuckOn makes the output ignore off commands
	stuckOn bool
}

func (f *fakeSMU) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return f.initErr
}

func (f *fakeSMU) Configure(o keithley.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = o
	return nil
}

func (f *fakeSMU) SetLevel(amps float64) error {
	f.mu.Lock()
	f.levels = append(f.levels, amps)
	hook := f.onLevel
	f.mu.Unlock()
	if hook != nil {
		hook(amps)
	}
	return nil
}

func (f *fakeSMU) Output(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, on)
	return nil
}

func (f *fakeSMU) OutputOn() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stuckOn {
		return true, nil
	}
	return len(f.outputs) > 0 && f.outputs[len(f.outputs)-1], nil
}

func (f *fakeSMU) Measure() (keithley.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measures++
	if f.measureErr != nil {
		return keithley.Measurement{}, f.measureErr
	}
	n := float64(f.measures)
	return keithley.Measurement{Voltage: n, Current: n * 1e-3, Elapsed: n / 10}, nil
}

func (f *fakeSMU) ClearBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bufClears++
	return nil
}

func (f *fakeSMU) ClearStatus() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeSMU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSMU) offCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, on := range f.outputs {
		if !on {
			n++
		}
	}
	return n
}

func (f *fakeSMU) levelLog() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.levels...)
}

// fakeProbe returns a fixed reading or error
type fakeProbe struct {
	mu      sync.Mutex
	reads   int
	flushed int
	closed  int
	err     error
}

func (p *fakeProbe) Flush(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed += n
	return n
}

func (p *fakeProbe) Read() (phmeter.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.err != nil {
		return phmeter.Reading{}, p.err
	}
	return phmeter.Reading{PH: 7.0, Temperature: 25}, nil
}

func (p *fakeProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// timedSMU has a timer cleared by Initialize and fails every other Measure
type timedSMU struct {
	*fakeSMU

	tmu   sync.Mutex
	zero  time.Time
	polls int
}

func (s *timedSMU) Initialize() error {
	s.tmu.Lock()
	s.zero = time.Now()
	s.tmu.Unlock()
	return s.fakeSMU.Initialize()
}

func (s *timedSMU) Measure() (keithley.Measurement, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.polls++
	if s.polls%2 == 0 {
		return keithley.Measurement{}, errWire
	}
	return keithley.Measurement{Voltage: 1, Current: 1e-3, Elapsed: time.Since(s.zero).Seconds()}, nil
}

// slowProbe takes a while to flush, like a meter timing out on stale lines
type slowProbe struct {
	*fakeProbe
	delay time.Duration
}

func (p *slowProbe) Flush(n int) int {
	time.Sleep(p.delay)
	return p.fakeProbe.Flush(n)
}

// countingExporter records exports
type countingExporter struct {
	mu      sync.Mutex
	calls   int
	samples int
	err     error
}

func (e *countingExporter) Export(samples []acquisition.Sample, name string) (acquisition.Paths, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.samples = len(samples)
	if e.err != nil {
		return acquisition.Paths{}, e.err
	}
	return acquisition.Paths{CSV: name + ".csv", Plot: name + ".png"}, nil
}

// closingSink closes itself after a number of updates
type closingSink struct {
	mu      sync.Mutex
	after   int
	updates int
	seen    int
	closed  chan struct{}
	once    sync.Once
}

func newClosingSink(after int) *closingSink {
	return &closingSink{after: after, closed: make(chan struct{})}
}

func (s *closingSink) Update(buf *acquisition.RecordBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.seen = buf.Len()
	if s.after > 0 && s.updates >= s.after {
		s.once.Do(func() { close(s.closed) })
	}
}

func (s *closingSink) Closed() <-chan struct{} { return s.closed }

var errWire = errors.New("wire fell out")

var errTimeout = comm.ErrTimeout
