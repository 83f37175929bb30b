/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, enough to carry the line-oriented command set of a
source-measure unit over its USB port.

It does not implement the class-specific control requests (abort, clear,
status byte), and assumes a response fits in a few bulk transfers.

To send a message:
1.  Prefix the payload with a DEV_DEP_MSG_OUT header
2.  Pad the transfer to a multiple of 4 bytes and write it to the Out endpoint

To receive a message:
1.  Write a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  Read from the In endpoint and strip the 12-byte header

Device wraps both as an io.ReadWriteCloser so it can sit under a
comm.RemoteDevice like any serial port or socket.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12

	msgDevDepOut   = 0x01
	msgRequestIn   = 0x02
	bulkReadSize   = 4096
	writeAlignment = 4
)

// ErrNotFound is returned when no device with the requested IDs is attached
var ErrNotFound = errors.New("usbtmc: no matching device")

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	sync.Mutex

	value byte
	min   byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{value: 0, min: 1}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value < b.min {
		b.value = b.min
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* 0 MsgID, 1 bTag, 2 bTagInverse, 3 reserved
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bit 0 EOM, always set here; one command is one message
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, the device is told to ignore the TermChar
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgRequestIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decodeBulkIn validates a bulk-in transfer against the request tag and
// returns its payload and whether it carried the end of the message
func decodeBulkIn(tag byte, buf []byte) (payload []byte, eom bool, err error) {
	if len(buf) < headerSize {
		return nil, false, fmt.Errorf("usbtmc: only received %d bytes, need at least %d to form header", len(buf), headerSize)
	}
	if buf[0] != msgRequestIn {
		return nil, false, fmt.Errorf("usbtmc: unexpected MsgID %#x", buf[0])
	}
	if buf[1] != tag || buf[2] != invbTag(tag) {
		return nil, false, fmt.Errorf("usbtmc: bTag mismatch, sent %d got %d", tag, buf[1])
	}
	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	data := buf[headerSize:]
	if size < len(data) {
		data = data[:size] // drop alignment padding
	}
	return data, buf[8]&0x01 == 1, nil
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser
type Device struct {
	mu       sync.Mutex
	tagger   *bTagGen
	ctx      *gousb.Context
	device   *gousb.Device
	iface    *gousb.Interface
	closer   func()
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
	deadline time.Time
	pending  []byte
}

// Open opens the first attached device with the given vendor and product ID
func Open(vid, pid uint16) (*Device, error) {
	d := &Device{tagger: newBTagGen(), ctx: gousb.NewContext()}
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if d.device == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("%w (%04x:%04x)", ErrNotFound, vid, pid)
	}
	if err = d.device.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	d.iface, d.closer, err = d.device.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	inNum, outNum := -1, -1
	for _, ep := range d.iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		d.Close()
		return nil, fmt.Errorf("usbtmc: %04x:%04x has no bulk endpoint pair", vid, pid)
	}
	if d.in, err = d.iface.InEndpoint(inNum); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = d.iface.OutEndpoint(outNum); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) opContext() (context.Context, context.CancelFunc) {
	if d.deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), d.deadline)
}

// SetReadDeadline bounds subsequent Reads
func (d *Device) SetReadDeadline(t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadline = t
	return nil
}

// Write frames p as one DEV_DEP_MSG_OUT transfer
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hdr := encBulkOutHeader(d.tagger.nextbTag(), len(p))
	b := append(hdr[:], p...)
	if residual := len(b) % writeAlignment; residual > 0 {
		b = append(b, make([]byte, writeAlignment-residual)...)
	}
	ctx, cancel := d.opContext()
	defer cancel()
	if _, err := d.out.WriteContext(ctx, b); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns payload bytes, requesting a new bulk-in transfer when
// nothing is buffered
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		if err := d.request(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Device) request() error {
	ctx, cancel := d.opContext()
	defer cancel()
	tag := d.tagger.nextbTag()
	hdr := encBulkInHeader(tag, bulkReadSize, nil)
	if _, err := d.out.WriteContext(ctx, hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, bulkReadSize+headerSize)
	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		return err
	}
	payload, _, err := decodeBulkIn(tag, buf[:n])
	if err != nil {
		return err
	}
	d.pending = append(d.pending[:0], payload...)
	return nil
}

// Close releases the interface, the device and the USB context
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
