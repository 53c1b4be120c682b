package isp

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrctx"
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/programmer"
	"github.com/avr-go/avrprog/transport"
	"github.com/avr-go/avrprog/transport/spibang"
)

// maxPollReads bounds the write-completion polling loop: the engine
// reads back the just-written byte at most this many times before
// giving up, per the decided resolution in spec §9 open question 3.
const maxPollReads = 10

// Engine is the legacy 4-byte-opcode ISP programmer: no script layer,
// every operation synthesises its own opcode from the part's memory
// templates and clocks it directly over whichever physical link was
// opened.
type Engine struct {
	cx   *avrctx.Context
	log  *obslog.Logger
	link link

	clock      time.Duration
	vtarget    float64
	programming bool
}

// New constructs an unopened ISP engine.
func New() *Engine {
	return &Engine{clock: 20 * time.Microsecond}
}

func (e *Engine) Name() string { return "isp" }

func (e *Engine) Setup(cx *avrctx.Context) error {
	e.cx = cx
	e.log = cx.Log.With("isp")
	return nil
}

func (e *Engine) Teardown() error { return nil }

// Open resolves dev into this engine's link. The ISP engine needs
// more than the narrow transport.Device surface (raw bit-bang or SPI
// transact), so it only accepts a Device that is itself a link (the
// spibang adapter) or reopens its own parallel/serial link directly
// via OpenWithSpec when the caller used the generic transport.Open
// path instead.
func (e *Engine) Open(dev transport.Device) error {
	if l, ok := dev.(link); ok {
		e.link = l
		return nil
	}
	return avrerr.New(avrerr.WrongMode, "isp engine requires a bit-bang or spi link, not a framed transport.Device", nil)
}

// OpenWithSpec opens spec directly into the engine's own link type,
// bypassing transport.Device for callers that invoke engine/isp
// directly rather than through the generic transport.Open dispatch.
func (e *Engine) OpenWithSpec(spec string, params transport.OpenParams) error {
	l, err := openLink(spec, params)
	if err != nil {
		return err
	}
	e.link = l
	return nil
}

// OpenSPI opens a spidev-backed ISP link directly, for callers driving
// a programmer wired straight to the target's SPI pins rather than
// through a parallel or serial bit-bang cable.
func (e *Engine) OpenSPI(cfg spibang.Config) error {
	l, err := OpenSPI(cfg)
	if err != nil {
		return err
	}
	e.link = l
	return nil
}

func (e *Engine) Close() error {
	if e.link == nil {
		return nil
	}
	return e.link.Close()
}

// ParseExtParams: the ISP engine has no engine-specific knobs.
func (e *Engine) ParseExtParams(params []programmer.ExtParam) error {
	for _, p := range params {
		if p.Key != "help" {
			return avrerr.New(avrerr.Unsupported, "unknown isp -x param "+p.Key, nil)
		}
	}
	return nil
}

// Initialize only checks that a link is open; RESET is asserted later
// by ProgramEnable, and there is no handshake byte to wait for on the
// plain ISP wire.
func (e *Engine) Initialize(p *part.Part) error {
	if e.link == nil {
		return avrerr.New(avrerr.WrongMode, "engine not open", nil)
	}
	return nil
}

// programEnableOp is the classic AVR "Programming Enable" opcode;
// every part's ISP entry sequence is this fixed 4-byte exchange, not
// one derived from the part's own memory opcode templates.
var programEnableOp = [4]byte{0xAC, 0x53, 0x00, 0x00}

// programEnableMaxAttempts bounds the RESET/retry loop below (spec
// §4.3, §5).
const programEnableMaxAttempts = 32

// ProgramEnable asserts RESET, waits the settle time, and retries the
// Programming Enable exchange since some parts need RESET re-pulsed
// if the first attempt doesn't echo 0x53 back in byte 2.
func (e *Engine) ProgramEnable(p *part.Part) error {
	if e.programming {
		return nil
	}
	if err := e.link.EnterProgramming(); err != nil {
		return avrerr.New(avrerr.IoFailure, "assert reset", err)
	}
	for attempt := 0; attempt < programEnableMaxAttempts; attempt++ {
		reply, err := e.link.Transact(programEnableOp)
		if err != nil {
			return avrerr.New(avrerr.IoFailure, "programming enable", err)
		}
		if reply[2] == 0x53 {
			e.programming = true
			return nil
		}
		_ = e.link.LeaveProgramming()
		time.Sleep(20 * time.Millisecond)
		if err := e.link.EnterProgramming(); err != nil {
			return avrerr.New(avrerr.IoFailure, "assert reset retry", err)
		}
	}
	return avrerr.New(avrerr.NotResponding, "target did not sync after 32 programming-enable attempts", nil)
}

func (e *Engine) ProgramDisable(p *part.Part) error {
	e.programming = false
	return e.link.LeaveProgramming()
}

var chipEraseOp = [4]byte{0xAC, 0x80, 0x00, 0x00}

// ChipErase issues the fixed erase opcode, waits the part's declared
// delay (falling back to a conservative default), and re-syncs.
func (e *Engine) ChipErase(p *part.Part) error {
	if _, err := e.link.Transact(chipEraseOp); err != nil {
		return avrerr.New(avrerr.IoFailure, "chip erase", err)
	}
	delay := 20 * time.Millisecond
	if region, ok := p.Memory("flash"); ok && region.ChipEraseDelayUs > 0 {
		delay = time.Duration(region.ChipEraseDelayUs) * time.Microsecond
	}
	time.Sleep(delay)
	e.programming = false
	return e.ProgramEnable(p)
}

// PagedLoad reads n bytes starting at addr using the region's ReadOp
// template, one 4-byte exchange per byte (the legacy ISP family has no
// burst read primitive).
func (e *Engine) PagedLoad(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		wordAddr := addr + uint32(i)
		opcode := region.ReadOp.Fill(wordAddr, 0)
		reply, err := e.link.Transact(opcode)
		if err != nil {
			return nil, avrerr.New(avrerr.IoFailure, "paged load", err)
		}
		out[i] = reply[3]
	}
	return out, nil
}

// PagedWrite writes data starting at addr, eliding the transfer
// entirely when the page is all-0xFF on flash (spec §4.7), and
// otherwise issuing one write opcode per byte followed by polled
// completion bounded at maxPollReads reads.
func (e *Engine) PagedWrite(p *part.Part, region *part.MemoryRegion, addr uint32, data []byte) (int, error) {
	if region.IsInFlash() && allFF(data) {
		return len(data), nil
	}
	for i, b := range data {
		wordAddr := addr + uint32(i)
		opcode := region.WriteOp.Fill(wordAddr, b)
		if _, err := e.link.Transact(opcode); err != nil {
			return i, avrerr.New(avrerr.IoFailure, "paged write", err)
		}
		if err := e.pollWriteComplete(region, wordAddr, b); err != nil {
			return i, err
		}
	}
	return len(data), nil
}

// pollWriteComplete reads the just-written byte back up to
// maxPollReads times, matching by value; if it never matches, falls
// back to sleeping region.MaxWriteDelayUs instead of failing outright,
// since a part with non-standard polling semantics (e.g. EEPROM with
// a busy bit the basic readback can't see) still needs the operation
// to succeed.
func (e *Engine) pollWriteComplete(region *part.MemoryRegion, addr uint32, want byte) error {
	if region.MinWriteDelayUs == 0 && region.MaxWriteDelayUs == 0 {
		return nil
	}
	for i := 0; i < maxPollReads; i++ {
		opcode := region.ReadOp.Fill(addr, 0)
		reply, err := e.link.Transact(opcode)
		if err != nil {
			return avrerr.New(avrerr.IoFailure, "poll write complete", err)
		}
		if reply[3] == want {
			return nil
		}
		time.Sleep(time.Microsecond * 100)
	}
	if region.MaxWriteDelayUs > 0 {
		time.Sleep(time.Duration(region.MaxWriteDelayUs) * time.Microsecond)
	}
	return nil
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
	return data[0], nil
}

func (e *Engine) WriteByte(p *part.Part, region *part.MemoryRegion, addr uint32, v byte) error {
	_, err := e.PagedWrite(p, region, addr, []byte{v})
	return err
}

var readSigOp = part.Opcode{
	Template: [4]byte{0x30, 0x00, 0x00, 0x00},
	AddrMask: [4]byte{0, 0, 0x03, 0},
}

// ReadSigBytes reads the 3-byte device signature via the fixed 0x30
// opcode family, addr 0-2 in the low byte of the third opcode byte.
func (e *Engine) ReadSigBytes(p *part.Part) ([3]byte, error) {
	var sig [3]byte
	for i := uint32(0); i < 3; i++ {
		reply, err := e.link.Transact(readSigOp.Fill(i, 0))
		if err != nil {
			return sig, avrerr.New(avrerr.IoFailure, "read signature byte", err)
		}
		sig[i] = reply[3]
	}
	return sig, nil
}

// ReadSIB: the plain ISP family predates the SIB concept (UPDI-only).
func (e *Engine) ReadSIB(p *part.Part) ([32]byte, error) {
	return [32]byte{}, avrerr.New(avrerr.Unsupported, "ISP parts have no system information block", nil)
}

var readCalOp = part.Opcode{
	Template: [4]byte{0x38, 0x00, 0x00, 0x00},
}

func (e *Engine) ReadChipRev(p *part.Part) (byte, error) {
	reply, err := e.link.Transact(readCalOp.Fill(0, 0))
	if err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "read calibration byte", err)
	}
	return reply[3], nil
}

// SetSCKPeriod records the requested clock for inter-bit pacing; the
// bit-bang backends have no hardware rate register to program, so the
// "negotiated" rate is whatever this engine chooses to sleep between
// clock edges (none currently, since the host loop overhead already
// dwarfs typical ISP rates) — returned unchanged to signal as much.
func (e *Engine) SetSCKPeriod(period time.Duration) (time.Duration, error) {
	e.clock = period
	return period, nil
}

func (e *Engine) SetVTarget(volts float64) error {
	if volts > 0 {
		return avrerr.New(avrerr.Unsupported, "isp bit-bang links do not supply target power", nil)
	}
	e.vtarget = 0
	return nil
}

func (e *Engine) GetVTarget() (float64, error) {
	return e.vtarget, nil
}

func (e *Engine) PrintParms(sink func(string)) {
	sink("SCK period : bit-bang, no fixed rate")
}
