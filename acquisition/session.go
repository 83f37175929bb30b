package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/electrode-lab/cicph/keithley"
	"github.com/electrode-lab/cicph/waveform"
)

var (
	// ErrNoInstruments is returned by Start when neither instrument could be
	// initialized
	ErrNoInstruments = errors.New("acquisition: no usable instruments")

	// ErrNotIdle is returned by Start on a session which was already started
	ErrNotIdle = errors.New("acquisition: session already started")

	// ErrOutputStillOn is collected at shutdown when the SMU reports its
	// output on after being turned off
	ErrOutputStillOn = errors.New("acquisition: keithley output still on")
)

// Status is the lifecycle state of a session
type Status int

const (
	// Idle sessions have not been started
	Idle Status = iota
	// Running sessions are executing the waveform
	Running
	// Completed sessions executed every step
	Completed
	// Aborted sessions were stopped early or never started
	Aborted
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Paths are the files written by an export
type Paths struct {
	CSV  string
	Plot string

	// AlreadySaved is set when the record had been exported before and
	// nothing was written
	AlreadySaved bool
}

// Exporter persists a record
type Exporter interface {
	Export(samples []Sample, name string) (Paths, error)
}

// Config is the static setup of a session
type Config struct {
	// Name prefixes the exported files
	Name string

	Plan waveform.Plan
	SMU  keithley.Options

	// PollInterval is the start-to-start spacing of data points
	PollInterval time.Duration

	// FlushLines is the number of probe lines discarded after opening
	FlushLines int

	// State is shared with whatever else must see the stop and saved
	// latches, such as the exporter.  A fresh one is made if nil.
	State *RunState
}

// Openers open the instruments.  A nil opener leaves that instrument
// disabled.
type Openers struct {
	SMU   func() (Source, error)
	Probe func() (Probe, error)
}

// Report summarizes a finished session
type Report struct {
	Status  Status
	Reason  string
	Samples int
	Export  Paths

	// TeardownErr collects every instrument error during shutdown
	TeardownErr error

	// ExportErr is set if the record could not be written
	ExportErr error
}

// Session owns the instruments, the record and the run state of one
// acquisition run
type Session struct {
	State  *RunState
	Buffer *RecordBuffer

	cfg      Config
	open     Openers
	exporter Exporter
	sinks    []Sink

	smu   *SMUReader
	probe *ProbeReader
	loop  *Loop
	ioMu  sync.Mutex

	mu     sync.Mutex
	status Status

	once   sync.Once
	report Report
}

// NewSession returns an idle session
func NewSession(cfg Config, open Openers, exp Exporter, sinks ...Sink) *Session {
	state := cfg.State
	if state == nil {
		state = NewRunState()
	}
	return &Session{
		State:    state,
		Buffer:   &RecordBuffer{},
		cfg:      cfg,
		open:     open,
		exporter: exp,
		sinks:    sinks,
		smu:      NewSMUReader(nil),
		probe:    NewProbeReader(nil),
	}
}

// Status returns the lifecycle state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Instruments reports which instruments are in use
func (s *Session) Instruments() (smu, probe bool) {
	return s.smu.Enabled(), s.probe.Enabled()
}

func (s *Session) openSMU() Source {
	if s.open.SMU == nil {
		return nil
	}
	src, err := s.open.SMU()
	if err != nil {
		log.Printf("keithley: open: %v, continuing without it", err)
		return nil
	}
	opts := s.cfg.SMU
	opts.ComplianceVoltage = s.cfg.Plan.ComplianceVoltage
	err = src.Initialize()
	if err == nil {
		err = src.Configure(opts)
	}
	if err != nil {
		log.Printf("keithley: initialization failed, continuing without it: %v", err)
		if cerr := src.Close(); cerr != nil {
			log.Printf("keithley: close: %v", cerr)
		}
		return nil
	}
	log.Println("keithley: initialized")
	return src
}

func (s *Session) openProbe() Probe {
	if s.open.Probe == nil {
		return nil
	}
	p, err := s.open.Probe()
	if err != nil {
		log.Printf("ph meter: open: %v, continuing without it", err)
		return nil
	}
	if s.cfg.FlushLines > 0 {
		n := p.Flush(s.cfg.FlushLines)
		log.Printf("ph meter: initialized, discarded %d buffered lines", n)
	}
	return p
}

// Start validates the plan and opens the instruments.  An instrument which
// fails to open is left disabled; if none is usable the session is aborted
// and ErrNoInstruments returned.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.status != Idle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.mu.Unlock()

	if err := s.cfg.Plan.Validate(); err != nil {
		s.State.RequestStop(err.Error())
		s.setStatus(Aborted)
		return err
	}
	origin := time.Now()
	smu, probe := s.openSMU(), s.openProbe()
	if smu == nil && probe == nil {
		s.State.RequestStop(ErrNoInstruments.Error())
		s.setStatus(Aborted)
		return ErrNoInstruments
	}
	s.smu = NewSMUReader(smu)
	s.probe = NewProbeReader(probe)
	s.loop = NewLoop(s.smu, s.probe, s.Buffer, s.State, &s.ioMu, s.cfg.PollInterval, s.sinks...)
	s.loop.StartAt(origin)
	s.setStatus(Running)
	return nil
}

// watch aborts the session when ctx is done or a sink is closed
func (s *Session) watch(ctx context.Context, finished <-chan struct{}) {
	trigger := func(c <-chan struct{}, reason string) {
		select {
		case <-c:
			s.Abort(reason)
		case <-finished:
		case <-s.State.Done():
		}
	}
	go trigger(ctx.Done(), ReasonInterrupted)
	for _, sink := range s.sinks {
		if c := sink.Closed(); c != nil {
			go trigger(c, ReasonViewClosed)
		}
	}
}

// Run executes the waveform and shuts the session down, whatever ended it.
// A session which did not start is only shut down.
func (s *Session) Run(ctx context.Context) Report {
	if s.Status() != Running {
		return s.Shutdown()
	}
	finished := make(chan struct{})
	s.watch(ctx, finished)
	completed := s.loop.Run(ctx, s.cfg.Plan.Steps())
	close(finished)
	if completed {
		s.State.RequestStop(ReasonCompleted)
	} else {
		s.State.RequestStop(ReasonInterrupted)
	}
	return s.Shutdown()
}

// Abort requests a stop and shuts down
func (s *Session) Abort(reason string) Report {
	if s.State.RequestStop(reason) {
		log.Printf("acquisition: stopping: %s", reason)
	}
	return s.Shutdown()
}

// Shutdown stops the run, turns the source off, closes the instruments and
// exports the record.  It runs once; every caller gets the same report.
func (s *Session) Shutdown() Report {
	s.once.Do(func() {
		s.report = s.shutdown()
	})
	return s.report
}

func (s *Session) shutdown() Report {
	s.State.RequestStop(ReasonInterrupted)

	var errs error
	s.ioMu.Lock()
	if s.smu.Enabled() {
		smu := s.smu.smu
		if err := smu.Output(false); err != nil {
			log.Printf("keithley: output off: %v", err)
			errs = multierr.Append(errs, fmt.Errorf("keithley output off: %w", err))
		} else if on, err := smu.OutputOn(); err != nil {
			log.Printf("keithley: output state: %v", err)
		} else if on {
			log.Println("keithley: output still on after output off")
			errs = multierr.Append(errs, ErrOutputStillOn)
		}
		if err := smu.ClearBuffer(); err != nil {
			log.Printf("keithley: clear buffer: %v", err)
			errs = multierr.Append(errs, fmt.Errorf("keithley clear buffer: %w", err))
		}
		if err := smu.Close(); err != nil {
			log.Printf("keithley: close: %v", err)
			errs = multierr.Append(errs, fmt.Errorf("keithley close: %w", err))
		}
		s.smu.Disable()
	}
	if s.probe.Enabled() {
		if err := s.probe.probe.Close(); err != nil {
			log.Printf("ph meter: close: %v", err)
			errs = multierr.Append(errs, fmt.Errorf("ph meter close: %w", err))
		}
		s.probe.Disable()
	}
	s.ioMu.Unlock()

	rep := Report{Reason: s.State.Reason(), Samples: s.Buffer.Len(), TeardownErr: errs}
	if s.Status() == Running {
		if rep.Reason == ReasonCompleted {
			s.setStatus(Completed)
		} else {
			s.setStatus(Aborted)
		}
	} else if s.Status() == Idle {
		s.setStatus(Aborted)
	}
	rep.Status = s.Status()

	switch {
	case rep.Samples == 0:
		log.Println("acquisition: no data to export")
	case s.State.Saved():
		log.Println("acquisition: data already saved")
		rep.Export.AlreadySaved = true
	case s.exporter == nil:
		log.Println("acquisition: no exporter configured, record not saved")
	default:
		paths, err := s.exporter.Export(s.Buffer.Snapshot(), s.cfg.Name)
		rep.Export = paths
		if err != nil {
			log.Printf("acquisition: export: %v", err)
			rep.ExportErr = err
		} else {
			s.State.MarkSaved()
		}
	}
	log.Printf("acquisition: session %s (%s), %d samples", rep.Status, rep.Reason, rep.Samples)
	return rep
}
