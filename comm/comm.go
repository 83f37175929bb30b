/*Package comm provides the line-oriented link used to talk to lab hardware.

Most usages of this package will boil down to:
	1.  build a CreationFunc for the transport (SerialMaker, TCPMaker, or a
		closure returning any io.ReadWriteCloser, e.g. a USBTMC device)
	2.  wrap it in a RemoteDevice with the right terminators and timeout
	3.  hand the RemoteDevice to a driver as a Port

A minimal example for a meter that responds to "RD?" with a reading:

	rd := comm.NewRemoteDevice("/dev/ttyUSB0", comm.SerialMaker(&serial.Config{
		Name: "/dev/ttyUSB0", Baud: 9600, ReadTimeout: time.Second}), nil)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.Query("RD?")
*/
package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTimeout is generated when no terminated response arrived in time
	ErrTimeout = errors.New("timeout waiting for response")

	// ErrMalformed is wrapped by drivers when a response arrived but could
	// not be interpreted
	ErrMalformed = errors.New("malformed response")
)

// Port is a duplex, line-oriented channel to one instrument.
type Port interface {
	// Write sends a command and does not wait for a reply
	Write(cmd string) error

	// Query sends a command and returns the next line
	Query(cmd string) (string, error)

	// Read returns the next line without sending anything
	Read() (string, error)

	io.Closer
}

// Terminators holds the transmit and receive line terminators
type Terminators struct {
	Tx byte
	Rx byte
}

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialMaker opens a serial port with the given configuration
func SerialMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPMaker dials addr, giving up after timeout
func TCPMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}

/*RemoteDevice has an address and implements Port.

The device is concurrent-safe; each Write, Query, or Read holds an internal
lock for the whole round trip.  Bytes received past a terminator are kept for
the next Read, so a stream of lines is never lost between calls.
*/
type RemoteDevice struct {
	Addr string

	// Timeout bounds every receive.  Zero blocks until the transport returns.
	Timeout time.Duration

	Term Terminators

	Conn io.ReadWriteCloser

	maker   CreationFunc
	mu      sync.Mutex
	pending []byte
	chunk   []byte
}

// NewRemoteDevice creates a new RemoteDevice instance.  If term is nil, both
// terminators are line feeds.
func NewRemoteDevice(addr string, maker CreationFunc, term *Terminators) *RemoteDevice {
	if term == nil {
		term = &Terminators{Tx: '\n', Rx: '\n'}
	}
	return &RemoteDevice{
		Addr:  addr,
		Term:  *term,
		maker: maker,
		chunk: make([]byte, 512)}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.maker == nil {
		return fmt.Errorf("open %s: no transport configured", rd.Addr)
	}
	// busy ports and refused sockets usually clear up within a second or two;
	// anything else (no such device, permissions) will not, so stop at once
	var permanent error
	op := func() error {
		conn, err := rd.maker()
		if err != nil {
			if transient(err) {
				return err
			}
			permanent = err
			return nil
		}
		rd.Conn = conn
		rd.pending = rd.pending[:0]
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if permanent != nil {
		return fmt.Errorf("open %s: %w", rd.Addr, permanent)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", rd.Addr, err)
	}
	return nil
}

func transient(err error) bool {
	s := strings.ToLower(err.Error())
	for _, frag := range []string{"refused", "busy", "timeout", "temporarily"} {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn == nil {
		return ErrNotConnected
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.pending = nil
	return err
}

// Send writes data to the remote, appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	if rd.Term.Tx != 0 {
		msg = append(msg, rd.Term.Tx)
	}
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv receives one line from the remote and strips the terminator
// (and a trailing carriage return)
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if rd.chunk == nil {
		rd.chunk = make([]byte, 512)
	}
	term := rd.Term.Rx
	var deadline time.Time
	if rd.Timeout > 0 {
		deadline = time.Now().Add(rd.Timeout)
		if d, ok := rd.Conn.(readDeadliner); ok {
			d.SetReadDeadline(deadline)
		}
	}
	for {
		if idx := bytes.IndexByte(rd.pending, term); idx >= 0 {
			line := make([]byte, idx)
			copy(line, rd.pending[:idx])
			rd.pending = rd.pending[idx+1:]
			return bytes.TrimRight(line, "\r\n"), nil
		}
		n, err := rd.Conn.Read(rd.chunk)
		rd.pending = append(rd.pending, rd.chunk[:n]...)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%s: %w", rd.Addr, ErrTimeout)
			}
			return nil, err
		}
		// serial ports return (0, nil) when their own read timeout elapses
		if n == 0 && !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", rd.Addr, ErrTimeout)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.send(b); err != nil {
		return nil, err
	}
	return rd.recv()
}

// Write satisfies Port
func (rd *RemoteDevice) Write(cmd string) error {
	return rd.Send([]byte(cmd))
}

// Query satisfies Port
func (rd *RemoteDevice) Query(cmd string) (string, error) {
	resp, err := rd.SendRecv([]byte(cmd))
	return string(resp), err
}

// Read satisfies Port
func (rd *RemoteDevice) Read() (string, error) {
	resp, err := rd.Recv()
	return string(resp), err
}

// Drain reads and discards up to n lines, stopping at the first error.
// It returns the number of lines discarded.
func (rd *RemoteDevice) Drain(n int) int {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	for i := 0; i < n; i++ {
		if _, err := rd.recv(); err != nil {
			return i
		}
	}
	return n
}
