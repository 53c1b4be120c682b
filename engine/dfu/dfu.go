// Package dfu implements the USB Device Firmware Upgrade class engine
// (C8): class requests on interface 0 endpoint 0 only, a monotonic
// per-session transfer index, and the standard DFU state/status
// enums. Most of the flashing sequence (block sizing, completion
// detection) is left to the caller per spec §4.6 ("other layers drive
// the state machine"); this engine exposes the five class requests
// plus a programmer.Engine adapter built on top of them.
package dfu

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrctx"
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/programmer"
	"github.com/avr-go/avrprog/transport"
)

// Class request codes (spec §4.6).
const (
	reqDetach    = 0
	reqDnload    = 1
	reqUpload    = 2
	reqGetStatus = 3
	reqClrStatus = 4
	reqGetState  = 5
	reqAbort     = 6
)

const (
	ctrlTypeClassOut = 0x21 // host-to-device, class, interface
	ctrlTypeClassIn  = 0xA1 // device-to-host, class, interface
)

// State is the DFU device state machine (USB DFU spec table 6.1).
type State byte

const (
	StateAppIdle              State = 0
	StateAppDetach            State = 1
	StateDfuIdle              State = 2
	StateDfuDnloadSync        State = 3
	StateDfuDnbusy            State = 4
	StateDfuDnloadIdle        State = 5
	StateDfuManifestSync      State = 6
	StateDfuManifest          State = 7
	StateDfuManifestWaitReset State = 8
	StateDfuUploadIdle        State = 9
	StateDfuError             State = 10
)

// Status is the DFU status code (USB DFU spec table 6.2).
type Status byte

const (
	StatusOK             Status = 0x00
	StatusErrTarget      Status = 0x01
	StatusErrFile        Status = 0x02
	StatusErrWrite       Status = 0x03
	StatusErrErase       Status = 0x04
	StatusErrCheckErased Status = 0x05
	StatusErrProg        Status = 0x06
	StatusErrVerify      Status = 0x07
	StatusErrAddress     Status = 0x08
	StatusErrNotDone     Status = 0x09
	StatusErrFirmware    Status = 0x0A
	StatusErrVendor      Status = 0x0B
	StatusErrUsbr        Status = 0x0C
	StatusErrPor         Status = 0x0D
	StatusErrUnknown     Status = 0x0E
	StatusErrStalledPkt  Status = 0x0F
)

// DeviceStatus is the 6-byte GETSTATUS reply.
type DeviceStatus struct {
	Status        Status
	PollTimeout   time.Duration
	State         State
	StringIndex   byte
}

// Engine drives one DFU session.
type Engine struct {
	cx  *avrctx.Context
	log *obslog.Logger
	dev transport.ControlCapable
	raw transport.Device

	index uint16 // monotonically incrementing wIndex for DNLOAD/UPLOAD

	manufacturer, product, serial string
}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "dfu" }

func (e *Engine) Setup(cx *avrctx.Context) error {
	e.cx = cx
	e.log = cx.Log.With("dfu")
	return nil
}

func (e *Engine) Teardown() error { return nil }

func (e *Engine) Open(dev transport.Device) error {
	cc, ok := dev.(transport.ControlCapable)
	if !ok {
		return avrerr.New(avrerr.WrongMode, "dfu requires a USB control-capable transport", nil)
	}
	e.raw = dev
	e.dev = cc
	e.index = 0
	return nil
}

func (e *Engine) Close() error {
	if e.raw != nil {
		return e.raw.Close()
	}
	return nil
}

// ParseExtParams: the DFU engine has no engine-specific knobs (spec §4.3).
func (e *Engine) ParseExtParams(params []programmer.ExtParam) error {
	for _, p := range params {
		if p.Key != "help" {
			return avrerr.New(avrerr.Unsupported, "unknown dfu -x param "+p.Key, nil)
		}
	}
	return nil
}

// Initialize confirms the device answers GETSTATUS; descriptor
// strings (manufacturer/product/serial) are recorded by the transport
// during USB enumeration, out of this engine's scope.
func (e *Engine) Initialize(p *part.Part) error {
	_, err := e.GetStatus()
	if err != nil {
		return avrerr.New(avrerr.NotResponding, "dfu device did not answer GETSTATUS", err)
	}
	return nil
}

// Download issues a DNLOAD transfer with the next wIndex and waits
// out the device-reported poll timeout before returning, matching the
// GETSTATUS/bwPollTimeout testable property in spec §8: the engine
// always sleeps bwPollTimeout after a DNLOAD, even a zero-length one
// that signals end-of-transfer.
func (e *Engine) Download(block []byte) (DeviceStatus, error) {
	idx := e.nextIndex()
	if _, err := e.dev.Control(ctrlTypeClassOut, reqDnload, 0, idx, block); err != nil {
		return DeviceStatus{}, avrerr.New(avrerr.IoFailure, "dnload", err)
	}
	st, err := e.GetStatus()
	if err != nil {
		return st, err
	}
	time.Sleep(st.PollTimeout)
	if st.Status != StatusOK {
		return st, avrerr.New(avrerr.BadResponse, "dnload rejected", nil)
	}
	return st, nil
}

// Upload issues an UPLOAD transfer into buf with the next wIndex.
func (e *Engine) Upload(buf []byte) (int, error) {
	idx := e.nextIndex()
	n, err := e.dev.Control(ctrlTypeClassIn, reqUpload, 0, idx, buf)
	if err != nil {
		return n, avrerr.New(avrerr.IoFailure, "upload", err)
	}
	return n, nil
}

func (e *Engine) nextIndex() uint16 {
	idx := e.index
	e.index++
	return idx
}

// GetStatus issues GETSTATUS and decodes its fixed 6-byte reply:
// status, 3-byte little-endian poll timeout in ms, state, string index.
func (e *Engine) GetStatus() (DeviceStatus, error) {
	buf := make([]byte, 6)
	n, err := e.dev.Control(ctrlTypeClassIn, reqGetStatus, 0, 0, buf)
	if err != nil {
		return DeviceStatus{}, avrerr.New(avrerr.IoFailure, "getstatus", err)
	}
	if n < 6 {
		return DeviceStatus{}, avrerr.New(avrerr.ShortRead, "getstatus reply too short", nil)
	}
	ms := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return DeviceStatus{
		Status:      Status(buf[0]),
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       State(buf[4]),
		StringIndex: buf[5],
	}, nil
}

func (e *Engine) ClrStatus() error {
	_, err := e.dev.Control(ctrlTypeClassOut, reqClrStatus, 0, 0, nil)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "clrstatus", err)
	}
	return nil
}

func (e *Engine) Abort() error {
	_, err := e.dev.Control(ctrlTypeClassOut, reqAbort, 0, 0, nil)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "abort", err)
	}
	return nil
}

// ProgramEnable/ProgramDisable: DFU has no separate enable handshake
// beyond the class state machine Download/Upload already drive.
func (e *Engine) ProgramEnable(p *part.Part) error  { return nil }
func (e *Engine) ProgramDisable(p *part.Part) error { return nil }

// ChipErase: erase is device- and vendor-specific in pure DFU and not
// part of the base class protocol; left to the layer above per §4.6.
func (e *Engine) ChipErase(p *part.Part) error {
	return avrerr.New(avrerr.Unsupported, "dfu base class has no erase request", nil)
}

func (e *Engine) PagedLoad(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := e.Upload(buf)
	if err != nil {
		return nil, err
	}
	return buf[:got], nil
}

func (e *Engine) PagedWrite(p *part.Part, region *part.MemoryRegion, addr uint32, data []byte) (int, error) {
	if region.IsInFlash() && allFF(data) {
		return len(data), nil
	}
	if _, err := e.Download(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func allFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

func (e *Engine) ReadByte(p *part.Part, region *part.MemoryRegion, addr uint32) (byte, error) {
	data, err := e.PagedLoad(p, region, addr, 1)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, avrerr.New(avrerr.ShortRead, "upload returned no data", nil)
	}
	return data[0], nil
}

func (e *Engine) WriteByte(p *part.Part, region *part.MemoryRegion, addr uint32, v byte) error {
	_, err := e.PagedWrite(p, region, addr, []byte{v})
	return err
}

func (e *Engine) ReadSigBytes(p *part.Part) ([3]byte, error) {
	return [3]byte{}, avrerr.New(avrerr.Unsupported, "dfu base class has no signature request", nil)
}

func (e *Engine) ReadSIB(p *part.Part) ([32]byte, error) {
	return [32]byte{}, avrerr.New(avrerr.Unsupported, "dfu has no system information block", nil)
}

func (e *Engine) ReadChipRev(p *part.Part) (byte, error) {
	return 0, avrerr.New(avrerr.Unsupported, "dfu base class has no chip revision request", nil)
}

func (e *Engine) SetSCKPeriod(period time.Duration) (time.Duration, error) {
	return 0, avrerr.New(avrerr.Unsupported, "dfu has no programmable clock", nil)
}

func (e *Engine) SetVTarget(volts float64) error {
	if volts > 0 {
		return avrerr.New(avrerr.Unsupported, "dfu does not supply target power", nil)
	}
	return nil
}

func (e *Engine) GetVTarget() (float64, error) { return 0, nil }

func (e *Engine) PrintParms(sink func(string)) {
	sink("Class      : USB DFU")
}
