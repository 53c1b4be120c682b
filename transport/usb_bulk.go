package transport

import (
	"sync/atomic"
	"time"

	"github.com/google/gousb"

	"github.com/avr-go/avrprog/internal/avrerr"
)

// usbBulkDevice is the USB-bulk transport variant (spec §4.1
// "bulk-libusb"), built on google/gousb. PICkit, Micronucleus and DFU
// all select this variant; PICkit is the only one that also uses the
// secondary bulk endpoint pair.
type usbBulkDevice struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	cmdOut  *gousb.OutEndpoint
	cmdIn   *gousb.InEndpoint
	dataOut *gousb.OutEndpoint
	dataIn  *gousb.InEndpoint

	timeout time.Duration
	closed  atomic.Bool
}

// Default command/data endpoint addresses for PICkit-family scripted
// engines (spec §4.4.2): cmd EP 0x81/0x02, data EP 0x83/0x04. Other
// engines (Micronucleus, DFU) use control transfers instead and never
// call BulkSend/BulkRecv.
const (
	epCmdIn   = 0x81
	epCmdOut  = 0x02
	epDataIn  = 0x83
	epDataOut = 0x04
)

func openUSBBulk(ps PortSpec, params OpenParams) (Device, error) {
	ctx := gousb.NewContext()
	dev, err := findUSBDevice(ctx, ps, params)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, avrerr.New(avrerr.NotFound, "set usb config", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, avrerr.New(avrerr.NotFound, "claim usb interface", err)
	}

	d := &usbBulkDevice{ctx: ctx, dev: dev, cfg: cfg, intf: intf, timeout: params.Timeout}
	if d.timeout <= 0 {
		d.timeout = 2 * time.Second
	}

	// Endpoints are opened lazily/best-effort: Micronucleus and DFU
	// only ever use dev.Control(...), so a missing bulk endpoint pair
	// on those devices is not an open-time failure.
	if ep, err := intf.OutEndpoint(epCmdOut); err == nil {
		d.cmdOut = ep
	}
	if ep, err := intf.InEndpoint(epCmdIn); err == nil {
		d.cmdIn = ep
	}
	if ep, err := intf.OutEndpoint(epDataOut); err == nil {
		d.dataOut = ep
	}
	if ep, err := intf.InEndpoint(epDataIn); err == nil {
		d.dataIn = ep
	}
	return d, nil
}

// findUSBDevice implements the enumeration rule of spec §4.1: a serial
// fragment is matched as a suffix of every device's serial string;
// otherwise devices are filtered by (vid,pid), by pid alone or by
// bus:device as given, else by every vid in params.DefaultVIDs.
func findUSBDevice(ctx *gousb.Context, ps PortSpec, params OpenParams) (*gousb.Device, error) {
	var candidates []*gousb.Device

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ps.Serial != "" {
			return true // serial isn't in the descriptor; filtered below once opened
		}
		id := USBIdentity{VID: uint16(desc.Vendor), PID: uint16(desc.Product), Bus: desc.Bus, Address: desc.Address}
		if !ps.HasVID && !ps.HasPID && !ps.HasBusDevice {
			for _, vid := range params.DefaultVIDs {
				if id.VID == vid {
					return true
				}
			}
			return false
		}
		return matchesSpec(id, ps)
	})
	if err != nil {
		return nil, avrerr.New(avrerr.IoFailure, "usb enumeration", err)
	}

	if ps.Serial != "" {
		for _, d := range devs {
			sn, err := d.SerialNumber()
			if err == nil && matchesSpec(USBIdentity{Serial: sn}, ps) {
				candidates = append(candidates, d)
				continue
			}
			d.Close()
		}
	} else {
		candidates = devs
	}

	if len(candidates) == 0 {
		return nil, avrerr.New(avrerr.NotFound, "no matching usb device found", nil)
	}
	for _, extra := range candidates[1:] {
		extra.Close()
	}
	return candidates[0], nil
}

func (d *usbBulkDevice) Send(p []byte) error {
	if d.cmdOut == nil {
		return avrerr.New(avrerr.Unsupported, "no command OUT endpoint", nil)
	}
	n, err := d.cmdOut.Write(p)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "usb bulk write", err)
	}
	if n != len(p) {
		return avrerr.New(avrerr.ShortWrite, "", nil)
	}
	return nil
}

func (d *usbBulkDevice) Recv(buf []byte) (int, error) {
	if d.cmdIn == nil {
		return 0, avrerr.New(avrerr.Unsupported, "no command IN endpoint", nil)
	}
	n, err := d.cmdIn.Read(buf)
	if err != nil {
		return n, avrerr.New(avrerr.IoFailure, "usb bulk read", err)
	}
	return n, nil
}

// BulkSend fragments p into MaxXfer()-sized packets and always ends
// with a short packet, per spec §4.1 and the "bulk-send terminator"
// testable property in §8.
func (d *usbBulkDevice) BulkSend(p []byte) error {
	if d.dataOut == nil {
		return avrerr.New(avrerr.Unsupported, "no data OUT endpoint", nil)
	}
	max := d.MaxXfer()
	off := 0
	for off < len(p) {
		end := off + max
		if end > len(p) {
			end = len(p)
		}
		if _, err := d.dataOut.Write(p[off:end]); err != nil {
			return avrerr.New(avrerr.IoFailure, "usb bulk data write", err)
		}
		off = end
	}
	if len(p) == 0 || len(p)%max == 0 {
		if _, err := d.dataOut.Write(nil); err != nil {
			return avrerr.New(avrerr.IoFailure, "usb bulk zero-length terminator", err)
		}
	}
	return nil
}

func (d *usbBulkDevice) BulkRecv(buf []byte) (int, error) {
	if d.dataIn == nil {
		return 0, avrerr.New(avrerr.Unsupported, "no data IN endpoint", nil)
	}
	n, err := d.dataIn.Read(buf)
	if err != nil {
		return n, avrerr.New(avrerr.IoFailure, "usb bulk data read", err)
	}
	return n, nil
}

func (d *usbBulkDevice) MaxXfer() int {
	if d.dataOut != nil {
		return d.dataOut.Desc.MaxPacketSize
	}
	return 64
}

func (d *usbBulkDevice) Drain(display bool) error {
	if d.cmdIn == nil {
		return nil
	}
	scratch := make([]byte, 512)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		n, err := d.cmdIn.Read(scratch)
		if err != nil || n == 0 {
			return nil
		}
	}
	return nil
}

func (d *usbBulkDevice) SetTimeout(dur time.Duration) error {
	d.timeout = dur
	return nil
}

func (d *usbBulkDevice) Close() error {
	if d.closed.Swap(true) {
		return avrerr.Sentinel(avrerr.IoFailure)
	}
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

// Control issues a vendor/class control transfer, used directly by
// engine/micronucleus and engine/dfu instead of the bulk channel.
func (d *usbBulkDevice) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, value, index, data)
	if err != nil {
		return n, avrerr.New(avrerr.IoFailure, "usb control transfer", err)
	}
	return n, nil
}

// ControlCapable is implemented by transports that can issue raw USB
// control transfers, for engines that don't go through bulk/cmd
// endpoints at all.
type ControlCapable interface {
	Control(rType, request uint8, value, index uint16, data []byte) (int, error)
}
