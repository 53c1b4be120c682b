package transport

import (
	"sync/atomic"
	"time"

	hid "github.com/sstallion/go-hid"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// hidReportSize is the fixed HID report length PICkit-family HID-mode
// devices use: every Send/Recv moves exactly one report, zero-padded,
// matching spec §4.1's "fixed frame, no short reads" requirement for
// this variant.
const hidReportSize = 64

// usbHIDDevice is the HID transport variant (spec §4.1 "usb-hid"),
// selected when a PICkit-family device enumerates as a HID interface
// rather than a vendor bulk interface. HID has no secondary data pipe,
// so usbHIDDevice implements Device but never BulkDevice.
type usbHIDDevice struct {
	dev     *hid.Device
	timeout time.Duration
	closed  atomic.Bool
}

func openHID(ps PortSpec, params OpenParams) (Device, error) {
	if err := hid.Init(); err != nil {
		return nil, avrerr.New(avrerr.IoFailure, "hid init", err)
	}

	var dev *hid.Device
	var err error
	switch {
	case ps.HasVID && ps.HasPID:
		dev, err = hid.OpenFirst(ps.VID, ps.PID)
	case ps.HasPID:
		dev, err = openHIDByPID(ps.PID)
	case ps.Serial != "":
		dev, err = openHIDBySerial(ps.Serial, params.DefaultVIDs)
	default:
		dev, err = openHIDByVIDs(params.DefaultVIDs)
	}
	if err != nil {
		return nil, err
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &usbHIDDevice{dev: dev, timeout: timeout}, nil
}

func openHIDByPID(pid uint16) (*hid.Device, error) {
	return openHIDMatching(PortSpec{PID: pid, HasPID: true}, nil)
}

func openHIDBySerial(serial string, vids []uint16) (*hid.Device, error) {
	return openHIDMatching(PortSpec{Serial: serial}, vids)
}

// openHIDMatching enumerates every HID device (optionally restricted
// to vids) and opens the first one whose identity satisfies ps,
// applying the same precedence as the USB-bulk discovery path.
func openHIDMatching(ps PortSpec, vids []uint16) (*hid.Device, error) {
	var found *hid.Device
	match := func(info *hid.DeviceInfo) error {
		if found != nil {
			return nil
		}
		id := USBIdentity{VID: info.VendorID, PID: info.ProductID, Serial: info.SerialNbr}
		if !matchesSpec(id, ps) {
			return nil
		}
		d, err := hid.OpenPath(info.Path)
		if err == nil {
			found = d
		}
		return nil
	}
	if len(vids) == 0 {
		if err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, match); err != nil {
			return nil, avrerr.New(avrerr.IoFailure, "hid enumerate", err)
		}
	} else {
		for _, vid := range vids {
			if err := hid.Enumerate(vid, hid.ProductIDAny, match); err != nil {
				return nil, avrerr.New(avrerr.IoFailure, "hid enumerate", err)
			}
			if found != nil {
				break
			}
		}
	}
	if found == nil {
		return nil, avrerr.New(avrerr.NotFound, "no matching hid device", nil)
	}
	return found, nil
}

func openHIDByVIDs(vids []uint16) (*hid.Device, error) {
	for _, vid := range vids {
		if d, err := hid.OpenFirst(vid, hid.ProductIDAny); err == nil {
			return d, nil
		}
	}
	return nil, avrerr.New(avrerr.NotFound, "no matching hid device", nil)
}

// Send writes one HID report, left-padding the report ID byte
// (always 0, these devices don't use numbered reports) and
// zero-filling the remainder to hidReportSize.
func (d *usbHIDDevice) Send(p []byte) error {
	buf := make([]byte, hidReportSize+1)
	n := copy(buf[1:], p)
	if n < len(p) {
		return avrerr.New(avrerr.InvalidSize, "hid report exceeds fixed frame size", nil)
	}
	if _, err := d.dev.Write(buf); err != nil {
		return avrerr.New(avrerr.IoFailure, "hid write", err)
	}
	return nil
}

func (d *usbHIDDevice) Recv(buf []byte) (int, error) {
	n, err := d.dev.ReadWithTimeout(buf, int(d.timeout/time.Millisecond))
	if err != nil {
		return n, avrerr.New(avrerr.IoFailure, "hid read", err)
	}
	if n == 0 {
		return 0, avrerr.New(avrerr.Timeout, "hid read timeout", nil)
	}
	return n, nil
}

func (d *usbHIDDevice) Drain(display bool) error {
	scratch := make([]byte, hidReportSize)
	for {
		n, err := d.dev.ReadWithTimeout(scratch, 20)
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (d *usbHIDDevice) SetTimeout(dur time.Duration) error {
	d.timeout = dur
	return nil
}

func (d *usbHIDDevice) Close() error {
	if d.closed.Swap(true) {
		return avrerr.Sentinel(avrerr.IoFailure)
	}
	return d.dev.Close()
}
