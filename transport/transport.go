// Package transport is the narrow capability every programmer engine
// transacts through: open a named port, send/recv framed bytes on a
// primary channel, optionally send/recv on a second bulk channel, and
// drain pending input. Four concrete variants exist — OS-serial
// (serial_linux.go), USB-bulk (usb_bulk.go), USB-HID (usb_hid.go) and
// parallel-port (parallel_linux.go) — plus an SPI-backed ISP link in
// the spibang subpackage. Engines never import a concrete variant
// directly; they hold a Device or BulkDevice obtained from Open.
package transport

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// Device is the capability every engine needs at minimum: a primary
// send/recv channel plus drain and close.
type Device interface {
	// Send writes p on the primary channel. Timeouts are transport-
	// defined; callers that need a specific deadline use SetTimeout.
	Send(p []byte) error
	// Recv reads into buf from the primary channel, returning the
	// number of bytes read.
	Recv(buf []byte) (int, error)
	// Drain discards pending input up to an idle timeout. The display
	// flag is accepted, but no variant in this package logs what it
	// discarded.
	Drain(display bool) error
	// SetTimeout changes the primary channel's read/write deadline.
	SetTimeout(d time.Duration) error
	Close() error
}

// BulkDevice additionally exposes a secondary bulk channel, available
// on USB-backed transports. PICkit multiplexes its command and data
// scripts across exactly these two channel pairs (spec §4.4.2).
type BulkDevice interface {
	Device
	// BulkSend fragments p into MaxXfer()-sized packets and MUST
	// terminate with a short packet, sending an extra zero-length
	// packet when len(p) is an exact multiple of MaxXfer().
	BulkSend(p []byte) error
	BulkRecv(buf []byte) (int, error)
	// MaxXfer is the negotiated max packet size bulk transfers
	// fragment to (64 for full-speed USB, 512 for high-speed).
	MaxXfer() int
}

// OpenParams configures how Open resolves a port spec into a Device.
type OpenParams struct {
	// PreferHID forces USB resolution to the usb-hid variant instead
	// of usb-bulk, for programmers that expose both (PICkit's HID
	// mode dongles).
	PreferHID bool
	// DefaultVIDs lists the vendor IDs to enumerate when the port spec
	// is the bare "usb" with no vid/pid/serial qualifier.
	DefaultVIDs []uint16
	// Timeout is the primary-channel read/write timeout applied at
	// open time; 0 means "use the transport's own default".
	Timeout time.Duration
}

// Open resolves a port spec per §6.1 into a Device. Spec forms:
//
//	"usb"            - enumerate OpenParams.DefaultVIDs
//	"usb:VID:PID"    - exact vendor+product match
//	"usb::PID"       - default vendor, explicit product
//	"usb:SERIAL"     - suffix match against the device serial string
//	"usb:BUS:DEVICE" - libusb bus/device path (numeric, no ':' vid:pid form)
//	<os path>        - serial-tty or parallel-port device node
//
// Two-field specs are tried as hex VID:PID first, and decimal digits
// always parse as hex, so "usb:BUS:DEVICE" is read as a vendor and
// product ID; the bus/device selection is not reached.
func Open(spec string, params OpenParams) (Device, error) {
	ps, err := ParsePortSpec(spec)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case PortUSB:
		if params.PreferHID {
			return openHID(ps, params)
		}
		return openUSBBulk(ps, params)
	case PortParallel:
		return openParallel(ps, params)
	case PortSerial:
		return openSerial(ps, params)
	}
	return nil, avrerr.New(avrerr.NotFound, "unrecognized port spec "+spec, nil)
}
