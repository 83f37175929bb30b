/*Package export writes a session record to disk as a CSV table and a PNG plot.

Files land in a directory per day under a root, named after the session and
the wall-clock time of the export:

	<root>/2025-01-22/combined_CIC_pH_10_42_07.csv
	<root>/2025-01-22/combined_CIC_pH_10_42_07.png

Existing files are never overwritten: a taken name gets a _1, _2, ... suffix.
A record is exported at most once.
*/
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/electrode-lab/cicph/acquisition"
)

const (
	// DirLayout names the per-day directory
	DirLayout = "2006-01-02"

	// StampLayout is appended to the file names
	StampLayout = "15_04_05"

	// DefaultName is used when a session has no name
	DefaultName = "data"

	// maxSuffix bounds the _1, _2, ... suffixes tried when a name is taken
	maxSuffix = 100
)

// ErrNoSamples is returned when asked to export an empty record
var ErrNoSamples = errors.New("export: no data to export")

// Header is the first row of every CSV
var Header = []string{"absolute_time", "elapsed_time", "current", "voltage", "pH", "temperature", "cycle_number"}

// Plotter renders samples as a PNG
type Plotter interface {
	WritePNG(w io.Writer, samples []acquisition.Sample) error
}

// Exporter writes records under Root
type Exporter struct {
	Root  string
	State *acquisition.RunState
	Plot  Plotter

	// Now is the wall clock, time.Now if nil
	Now func() time.Time

	mu sync.Mutex
}

// New returns an exporter which marks state saved after writing.  A nil
// plot writes the CSV only.
func New(root string, state *acquisition.RunState, plot Plotter) *Exporter {
	if state == nil {
		state = acquisition.NewRunState()
	}
	return &Exporter{Root: root, State: state, Plot: plot}
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Export writes samples once.  Later calls write nothing and return paths
// with AlreadySaved set.  A PNG failure does not undo the CSV.
func (e *Exporter) Export(samples []acquisition.Sample, name string) (acquisition.Paths, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State.Saved() {
		log.Println("export: data already saved")
		return acquisition.Paths{AlreadySaved: true}, nil
	}
	if len(samples) == 0 {
		return acquisition.Paths{}, ErrNoSamples
	}
	if name == "" {
		name = DefaultName
	}
	now := e.now()
	dir := filepath.Join(e.Root, now.Format(DirLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return acquisition.Paths{}, fmt.Errorf("export: %w", err)
	}
	stem := filepath.Join(dir, name+"_"+now.Format(StampLayout))

	var (
		paths   acquisition.Paths
		base    string
		csvPath string
		err     error
	)
	for i := 0; i < maxSuffix; i++ {
		base = stem
		if i > 0 {
			base = fmt.Sprintf("%s_%d", stem, i)
		}
		csvPath = base + ".csv"
		err = writeNew(csvPath, func(w io.Writer) error { return WriteCSV(w, samples) })
		if !errors.Is(err, os.ErrExist) {
			break
		}
	}
	if err != nil {
		return paths, fmt.Errorf("export: %w", err)
	}
	paths.CSV = csvPath
	e.State.MarkSaved()
	log.Printf("export: data saved to %s", csvPath)

	if e.Plot == nil {
		return paths, nil
	}
	pngPath := base + ".png"
	if err := writeNew(pngPath, func(w io.Writer) error { return e.Plot.WritePNG(w, samples) }); err != nil {
		return paths, fmt.Errorf("export: plot: %w", err)
	}
	paths.Plot = pngPath
	log.Printf("export: plot saved to %s", pngPath)
	return paths, nil
}

// writeNew creates path, failing if it exists, and fills it with fill.
// A failed fill removes the partial file.
func writeNew(path string, fill func(io.Writer) error) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	err = multierr.Append(fill(f), f.Close())
	if err != nil {
		os.Remove(path)
	}
	return err
}

// WriteCSV writes the header and one row per sample.  Absent values are
// empty cells.
func WriteCSV(w io.Writer, samples []acquisition.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.AbsoluteTime,
			strconv.FormatFloat(s.ElapsedTime, 'g', -1, 64),
			s.Current.String(),
			s.Voltage.String(),
			s.PH.String(),
			s.Temperature.String(),
			s.Cycle.String(),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseFloat(cell string) (acquisition.Float, error) {
	if cell == "" {
		return acquisition.Float{}, nil
	}
	f, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return acquisition.Float{}, err
	}
	return acquisition.Some(f), nil
}

// ReadCSV parses a file written by WriteCSV.  Empty cells are absent.
func ReadCSV(r io.Reader) ([]acquisition.Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("export: header: %w", err)
	}
	for i, h := range Header {
		if head[i] != h {
			return nil, fmt.Errorf("export: column %d is %q, expected %q", i, head[i], h)
		}
	}
	var out []acquisition.Sample
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		s := acquisition.Sample{AbsoluteTime: row[0]}
		if s.ElapsedTime, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, fmt.Errorf("export: line %d elapsed_time: %w", line, err)
		}
		fields := []*acquisition.Float{&s.Current, &s.Voltage, &s.PH, &s.Temperature}
		for i, dst := range fields {
			if *dst, err = parseFloat(row[2+i]); err != nil {
				return nil, fmt.Errorf("export: line %d %s: %w", line, Header[2+i], err)
			}
		}
		if row[6] != "" {
			c, err := strconv.Atoi(row[6])
			if err != nil {
				return nil, fmt.Errorf("export: line %d cycle_number: %w", line, err)
			}
			s.Cycle = acquisition.SomeInt(c)
		}
		out = append(out, s)
	}
}

// ReadFile reads an exported CSV from disk
func ReadFile(path string) ([]acquisition.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
