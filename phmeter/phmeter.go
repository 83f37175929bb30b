/*Package phmeter reads a benchtop pH/temperature meter that streams one line
per reading over a serial port.

A reading line looks like

	p7.012 ... m-12.3mV ... T24.6C ... @2024-05-01 13:45:10

and may be interleaved with header lines beginning with '$'.  Only the pH and
temperature fields are required; millivolts and the meter clock are optional.
*/
package phmeter

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/electrode-lab/cicph/comm"
	"github.com/electrode-lab/cicph/temperature"
)

const (
	// DefaultTimeout bounds a single line read
	DefaultTimeout = 5 * time.Second

	// DefaultMaxAttempts is the number of lines read per poll before giving up
	DefaultMaxAttempts = 5

	// DefaultFlushLines is the number of lines discarded when the port opens
	DefaultFlushLines = 3

	// StampLayout is the layout of the meter's @ timestamp
	StampLayout = "2006-01-02 15:04:05"
)

// ErrNoReading is returned when a poll exhausted its attempts without a
// parseable line
var ErrNoReading = errors.New("ph meter: no valid reading")

var (
	rePH    = regexp.MustCompile(`p(\d+\.\d+)`)
	reTemp  = regexp.MustCompile(`T(\d+\.\d+)([CF])`)
	reMV    = regexp.MustCompile(`m([-+]?\d+\.\d+)mV`)
	reStamp = regexp.MustCompile(`@(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)
)

// Reading is one parsed line
type Reading struct {
	PH          float64
	Temperature temperature.Celsius

	// MilliVolts is the electrode potential, valid if HasMV
	MilliVolts float64
	HasMV      bool

	// Stamp is the meter clock, zero if the line carried none
	Stamp time.Time
}

func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

// ParseLine extracts a reading from one line.  The error wraps
// comm.ErrMalformed when a required field is missing.
func ParseLine(line string) (Reading, error) {
	var r Reading
	line = printable(line)
	ph := rePH.FindStringSubmatch(line)
	tm := reTemp.FindStringSubmatch(line)
	if ph == nil || tm == nil {
		return r, fmt.Errorf("ph meter: %q: %w", line, comm.ErrMalformed)
	}
	var err error
	if r.PH, err = strconv.ParseFloat(ph[1], 64); err != nil {
		return r, fmt.Errorf("ph meter: pH %q: %w", ph[1], comm.ErrMalformed)
	}
	t, err := strconv.ParseFloat(tm[1], 64)
	if err != nil {
		return r, fmt.Errorf("ph meter: temperature %q: %w", tm[1], comm.ErrMalformed)
	}
	if r.Temperature, err = temperature.FromUnit(t, tm[2][0]); err != nil {
		return r, fmt.Errorf("ph meter: %v: %w", err, comm.ErrMalformed)
	}
	if mv := reMV.FindStringSubmatch(line); mv != nil {
		if f, err := strconv.ParseFloat(mv[1], 64); err == nil {
			r.MilliVolts, r.HasMV = f, true
		}
	}
	if st := reStamp.FindStringSubmatch(line); st != nil {
		if ts, err := time.ParseInLocation(StampLayout, st[1], time.Local); err == nil {
			r.Stamp = ts
		}
	}
	return r, nil
}

// Meter is a pH meter on a line-oriented port
type Meter struct {
	port comm.Port

	// Sentinel prefixes lines which are not readings
	Sentinel string

	// MaxAttempts is the number of lines read per Read, at least 1
	MaxAttempts int
}

// New wraps an open port
func New(port comm.Port) *Meter {
	return &Meter{port: port, Sentinel: "$", MaxAttempts: DefaultMaxAttempts}
}

// Flush reads and discards up to n lines, stopping at the first error.
// It returns the number of lines discarded.
func (m *Meter) Flush(n int) int {
	for i := 0; i < n; i++ {
		if _, err := m.port.Read(); err != nil {
			return i
		}
	}
	return n
}

// Read returns the first parseable line among the next MaxAttempts lines.
// Sentinel lines and malformed lines each use an attempt.  A transport
// error, a timeout included, ends the poll at once.
func (m *Meter) Read() (Reading, error) {
	attempts := m.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		line, err := m.port.Read()
		if err != nil {
			return Reading{}, fmt.Errorf("ph meter: %w", err)
		}
		if m.Sentinel != "" && strings.HasPrefix(line, m.Sentinel) {
			continue
		}
		r, err := ParseLine(line)
		if err != nil {
			log.Printf("ph meter: attempt %d: %v", i+1, err)
			last = err
			continue
		}
		return r, nil
	}
	if last != nil {
		return Reading{}, fmt.Errorf("%w after %d lines: %w", ErrNoReading, attempts, last)
	}
	return Reading{}, fmt.Errorf("%w after %d lines", ErrNoReading, attempts)
}

// Close closes the underlying port
func (m *Meter) Close() error {
	return m.port.Close()
}
