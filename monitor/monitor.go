/*Package monitor is the live view of a running session over HTTP.

It is an acquisition.Sink: each update refreshes the latest reading and the
Prometheus metrics.  Routes:

	GET  /samples          every sample, or those from ?since=n on
	GET  /samples/latest   the newest sample
	GET  /voltage, /current, /ph, /temperature   newest present value, {"f64": x}
	GET  /count            number of samples, {"int": n}
	GET  /running          whether the run is still going, {"bool": b}
	GET  /reason           why the run stopped, {"str": s}, 404 while running
	GET  /chart.png        the live chart
	POST /stop             ask the session to stop and export
	GET  /metrics          Prometheus exposition
*/
package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/electrode-lab/cicph/acquisition"
	"github.com/electrode-lab/cicph/generichttp"
)

// Snapshotter renders the live chart
type Snapshotter interface {
	Snapshot(w io.Writer) error
}

// Monitor serves the live view
type Monitor struct {
	RouteTable generichttp.RouteTable

	state *acquisition.RunState
	chart Snapshotter

	mu   sync.Mutex
	buf  *acquisition.RecordBuffer
	seen int

	closed    chan struct{}
	closeOnce sync.Once

	registry *prometheus.Registry
	samples  prometheus.Counter
	absent   *prometheus.CounterVec
	values   *prometheus.GaugeVec
}

// New returns a monitor of state.  chart may be nil.
func New(state *acquisition.RunState, chart Snapshotter) *Monitor {
	m := &Monitor{
		state:    state,
		chart:    chart,
		closed:   make(chan struct{}),
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cicph",
			Name:      "samples_total",
			Help:      "Data points appended to the record.",
		}),
		absent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cicph",
			Name:      "absent_readings_total",
			Help:      "Data points recorded without a reading, per quantity.",
		}, []string{"quantity"}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cicph",
			Name:      "reading",
			Help:      "Newest present reading, per quantity.",
		}, []string{"quantity"}),
	}
	m.registry.MustRegister(m.samples, m.absent, m.values)
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "cicph",
		Name:      "running",
		Help:      "1 while the run has not been asked to stop.",
	}, func() float64 {
		if state.Running() {
			return 1
		}
		return 0
	}))

	m.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/samples"}:        m.Samples,
		{Method: http.MethodGet, Path: "/samples/latest"}: m.Latest,
		{Method: http.MethodGet, Path: "/voltage"}:        generichttp.GetFloat(m.latest("voltage")),
		{Method: http.MethodGet, Path: "/current"}:        generichttp.GetFloat(m.latest("current")),
		{Method: http.MethodGet, Path: "/ph"}:             generichttp.GetFloat(m.latest("ph")),
		{Method: http.MethodGet, Path: "/temperature"}:    generichttp.GetFloat(m.latest("temperature")),
		{Method: http.MethodGet, Path: "/count"}:          generichttp.GetInt(m.count),
		{Method: http.MethodGet, Path: "/running"}:        generichttp.GetBool(func() (bool, error) { return state.Running(), nil }),
		{Method: http.MethodGet, Path: "/reason"}:         generichttp.GetString(m.reason),
		{Method: http.MethodGet, Path: "/chart.png"}:      m.Chart,
		{Method: http.MethodPost, Path: "/stop"}:          m.HTTPStop,
		{Method: http.MethodGet, Path: "/metrics"}:        promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP,
	}
	return m
}

// RT satisfies generichttp.HTTPer
func (m *Monitor) RT() generichttp.RouteTable {
	return m.RouteTable
}

// Registry holds the monitor's metrics
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func quantities(s acquisition.Sample) map[string]acquisition.Float {
	return map[string]acquisition.Float{
		"voltage":     s.Voltage,
		"current":     s.Current,
		"ph":          s.PH,
		"temperature": s.Temperature,
	}
}

// Update records the samples appended since the last call
func (m *Monitor) Update(buf *acquisition.RecordBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = buf
	fresh := buf.Since(m.seen)
	m.seen += len(fresh)
	for _, s := range fresh {
		m.samples.Inc()
		for name, v := range quantities(s) {
			if v.Valid {
				m.values.WithLabelValues(name).Set(v.Value)
			} else {
				m.absent.WithLabelValues(name).Inc()
			}
		}
	}
}

// Closed is closed once a viewer posts /stop
func (m *Monitor) Closed() <-chan struct{} {
	return m.closed
}

// Stop closes the monitor.  It is safe to call more than once.
func (m *Monitor) Stop() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Monitor) snapshot(since int) []acquisition.Sample {
	m.mu.Lock()
	buf := m.buf
	m.mu.Unlock()
	if buf == nil {
		return nil
	}
	return buf.Since(since)
}

func (m *Monitor) last() (acquisition.Sample, bool) {
	m.mu.Lock()
	buf := m.buf
	m.mu.Unlock()
	if buf == nil {
		return acquisition.Sample{}, false
	}
	return buf.Last()
}

func (m *Monitor) count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen, nil
}

func (m *Monitor) reason() (string, error) {
	if m.state.Running() {
		return "", generichttp.NotFound("still running")
	}
	return m.state.Reason(), nil
}

func (m *Monitor) latest(name string) func() (float64, error) {
	return func() (float64, error) {
		s, ok := m.last()
		if !ok {
			return 0, generichttp.NotFound("no samples yet")
		}
		v := quantities(s)[name]
		if !v.Valid {
			return 0, generichttp.NotFound(fmt.Sprintf("no %s in the newest sample", name))
		}
		return v.Value, nil
	}
}

// Samples replies with the record as a JSON array
func (m *Monitor) Samples(w http.ResponseWriter, r *http.Request) {
	since := 0
	if q := r.URL.Query().Get("since"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	out := m.snapshot(since)
	if out == nil {
		out = []acquisition.Sample{}
	}
	generichttp.EncodeJSON(w, out)
}

// Latest replies with the newest sample
func (m *Monitor) Latest(w http.ResponseWriter, r *http.Request) {
	s, ok := m.last()
	if !ok {
		http.Error(w, "no samples yet", http.StatusNotFound)
		return
	}
	generichttp.EncodeJSON(w, s)
}

// Chart replies with a PNG of the live chart
func (m *Monitor) Chart(w http.ResponseWriter, r *http.Request) {
	if m.chart == nil {
		http.Error(w, "no chart configured", http.StatusNotFound)
		return
	}
	var png bytes.Buffer
	if err := m.chart.Snapshot(&png); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png.Bytes())
}

// HTTPStop closes the monitor, which ends the session
func (m *Monitor) HTTPStop(w http.ResponseWriter, r *http.Request) {
	m.Stop()
	w.WriteHeader(http.StatusAccepted)
}
