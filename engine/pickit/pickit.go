package pickit

import (
	"strconv"
	"time"

	"github.com/avr-go/avrprog/internal/avrctx"
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/internal/obslog"
	"github.com/avr-go/avrprog/part"
	"github.com/avr-go/avrprog/programmer"
	"github.com/avr-go/avrprog/transport"
)

// Default clock rates per mode (spec §4.4.1 step 6), before any -b/-B
// override or UPDI capping is applied.
var defaultClock = map[part.ProgrammingMode]uint32{
	part.ModeISP:       125_000,
	part.ModeTPI:       125_000,
	part.ModeDebugWire: 125_000,
	part.ModeUPDI:      200_000,
	part.ModeJTAG:      500_000,
	part.ModePDI:       500_000,
}

// powerSource records how the engine decided to drive Vtarg during
// the Ready transition (spec §4.4.1 step 3).
type powerSource int

const (
	powerExternal powerSource = iota
	powerInternal
	powerNone
)

// deviceInfo is the cached 0xE1 get-firmware-info reply (spec
// §4.4.1 step 2).
type deviceInfo struct {
	appVersion string
	info       string
	serial     string // 19 characters
}

// Engine is the PICkit scripted programmer. A single Engine instance
// is reused across Setup/Open/Close cycles; Initialize resets the
// per-session caches each time a part is bound.
type Engine struct {
	cx  *avrctx.Context
	log *obslog.Logger
	dev transport.Device
	bulk transport.BulkDevice // non-nil when dev supports the secondary data channel

	scripts ScriptSet
	mode    part.ProgrammingMode
	part    *part.Part

	vtargRequest float64 // meaningful only when hasVtargReq is true
	hasVtargReq  bool
	hvUPDI       bool

	info        deviceInfo
	power       powerSource
	measuredVcc float64
	regulatedV  float64
	clock       uint32

	programming bool // true once EnterProgMode has succeeded and ExitProgMode hasn't

	sigCache    [3]byte
	sigCached   bool
	sibCache    [32]byte
	sibCached   bool
	prodsig     []byte
	prodsigBase uint32
}

// New constructs an unopened PICkit engine. ScriptTable must be set
// via SetScriptTable before Initialize, since script tables are
// supplied by the part database, out of this module's scope (the
// Non-goal boundary named in spec §4.3's config-file collaborator).
func New() *Engine {
	return &Engine{}
}

// SetScriptTable binds the per-(part,mode) script set this session
// will dispatch against.
func (e *Engine) SetScriptTable(mode part.ProgrammingMode, scripts ScriptSet) {
	e.mode = mode
	e.scripts = scripts
}

func (e *Engine) Name() string { return "pickit" }

func (e *Engine) Setup(cx *avrctx.Context) error {
	e.cx = cx
	e.log = cx.Log.With("pickit")
	return nil
}

func (e *Engine) Teardown() error {
	return nil
}

// Open binds dev as both the command and (if available) bulk data
// channel, per spec §4.4.2's two-endpoint-pair framing.
func (e *Engine) Open(dev transport.Device) error {
	e.dev = dev
	if bulk, ok := dev.(transport.BulkDevice); ok {
		e.bulk = bulk
	}
	return nil
}

func (e *Engine) Close() error {
	if e.programming {
		_ = e.ProgramDisable(e.part)
	}
	if e.power == powerInternal {
		_ = e.SetVTarget(0)
	}
	if e.dev != nil {
		return e.dev.Close()
	}
	return nil
}

// ParseExtParams applies PICkit's -x knobs: vtarg=<V> (0 disables
// the check), hvupdi, help (spec §6.2).
func (e *Engine) ParseExtParams(params []programmer.ExtParam) error {
	for _, p := range params {
		switch p.Key {
		case "vtarg":
			v, err := strconv.ParseFloat(p.Value, 64)
			if err != nil {
				return avrerr.New(avrerr.InvalidSize, "bad vtarg value "+p.Value, err)
			}
			e.vtargRequest = v
			e.hasVtargReq = true
		case "hvupdi":
			e.hvUPDI = true
		case "help":
			// handled by the caller's help renderer; nothing to do here
		default:
			return avrerr.New(avrerr.Unsupported, "unknown pickit -x param "+p.Key, nil)
		}
	}
	return nil
}

// Initialize runs the session lifecycle of spec §4.4.1 steps 2-6:
// Responsive handshake, Ready power decision, script binding and
// clock negotiation. EnterProgMode itself happens in ProgramEnable,
// matching the generic session's Ready/Programming split.
func (e *Engine) Initialize(p *part.Part) error {
	if e.dev == nil {
		return avrerr.New(avrerr.WrongMode, "engine not open", nil)
	}
	e.part = p
	if err := e.handshake(); err != nil {
		return err
	}
	if err := e.enterReady(); err != nil {
		return err
	}
	if e.scripts == nil {
		return avrerr.New(avrerr.Unsupported, "no script table bound for part/mode", nil)
	}
	return e.negotiateClock(p)
}

// handshake issues the one-byte 0xE1 get-firmware-info command and
// caches the 64-byte reply (spec §4.4.1 step 2).
func (e *Engine) handshake() error {
	if err := e.dev.Send([]byte{0xE1}); err != nil {
		return avrerr.New(avrerr.NotResponding, "get-firmware-info send", err)
	}
	reply := make([]byte, 64)
	n, err := e.dev.Recv(reply)
	if err != nil {
		return avrerr.New(avrerr.NotResponding, "get-firmware-info recv", err)
	}
	if n < 1 || reply[0] != 0xE1 {
		return avrerr.New(avrerr.BadResponse, "get-firmware-info reply missing 0xE1 prefix", nil)
	}
	e.info = deviceInfo{
		appVersion: string(trimZero(reply[1:5])),
		info:       string(trimZero(reply[5:45])),
		serial:     string(trimZero(reply[45:64])),
	}
	return nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// enterReady sets PTG mode, forces power off to discharge caps, waits
// 50ms, measures Vtarg, and decides the power source (spec §4.4.1
// step 3).
func (e *Engine) enterReady() error {
	if err := e.setPTGMode(); err != nil {
		return err
	}
	if err := e.forcePowerOff(); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	measured, err := e.readVtarg()
	if err != nil {
		return err
	}
	e.measuredVcc = measured

	switch {
	case measured >= 1.8:
		e.power = powerExternal
	case e.hasVtargReq && e.vtargRequest > 0:
		if err := e.setRegulator(e.vtargRequest); err != nil {
			return err
		}
		lo := e.vtargRequest - 0.3
		if lo < 4.4 {
			lo = 4.4
		}
		hi := e.vtargRequest + 0.2
		got, err := e.readVtarg()
		if err != nil {
			return err
		}
		if got < lo || got > hi {
			return avrerr.New(avrerr.PowerOutOfRange, "regulated vtarg out of tolerance", nil)
		}
		e.power = powerInternal
		e.measuredVcc = got
	case e.hasVtargReq && e.vtargRequest == 0:
		e.log.Warning("no target power and vtarg disabled; continuing")
		e.power = powerNone
	default:
		return avrerr.New(avrerr.PowerOutOfRange, "no target power detected", nil)
	}
	return nil
}

// setPTGMode, forcePowerOff, readVtarg and setRegulator are the
// bulk-command primitives enterReady composes; they're factored out
// so SetVTarget and GetVTarget can reuse them without re-running the
// whole Ready transition.
func (e *Engine) setPTGMode() error {
	return e.simpleCmd([]byte{0x86}, 4)
}

func (e *Engine) forcePowerOff() error {
	return e.simpleCmd([]byte{0x80, 0x00}, 4)
}

func (e *Engine) readVtarg() (float64, error) {
	reply, err := e.cmd([]byte{0x81})
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, avrerr.New(avrerr.ShortRead, "vtarg reply too short", nil)
	}
	raw := uint16(reply[2]) | uint16(reply[3])<<8
	return float64(raw) / 1000.0, nil
}

func (e *Engine) setRegulator(volts float64) error {
	mv := uint16(volts * 1000)
	return e.simpleCmd([]byte{0x82, byte(mv), byte(mv >> 8)}, 4)
}

// simpleCmd sends a short command and expects an n-byte reply,
// discarding it; used for fire-and-forget bulk commands.
func (e *Engine) simpleCmd(payload []byte, replyLen int) error {
	if err := e.dev.Send(payload); err != nil {
		return avrerr.New(avrerr.IoFailure, "pickit command send", err)
	}
	reply := make([]byte, replyLen)
	if _, err := e.dev.Recv(reply); err != nil {
		return avrerr.New(avrerr.IoFailure, "pickit command recv", err)
	}
	return nil
}

func (e *Engine) cmd(payload []byte) ([]byte, error) {
	if err := e.dev.Send(payload); err != nil {
		return nil, avrerr.New(avrerr.IoFailure, "pickit command send", err)
	}
	reply := make([]byte, 64)
	n, err := e.dev.Recv(reply)
	if err != nil {
		return nil, avrerr.New(avrerr.IoFailure, "pickit command recv", err)
	}
	return reply[:n], nil
}

func (e *Engine) selectEnterProgModeSlot(p *part.Part) Slot {
	if e.hvUPDI {
		switch p.HVVariant() {
		case part.HVOnUPDIPin:
			return SlotEnterProgModeHvSp
		case part.HVOnResetPin, part.HVResetHS:
			return SlotEnterProgModeHvSpRst
		}
	}
	return SlotEnterProgMode
}

// runEnterProgMode issues the chosen EnterProgMode variant as a CMD
// frame and classifies its reply (spec §4.4.1 step 7).
func (e *Engine) runEnterProgMode(slot Slot) error {
	script, ok := e.scripts[slot]
	if !ok {
		return avrerr.New(avrerr.Unsupported, "no "+string(slot)+" script for this part", nil)
	}
	frame := Frame{Type: TypeCmd, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "enter programming mode send", err)
	}
	respBuf := make([]byte, 256)
	n, err := e.dev.Recv(respBuf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "enter programming mode recv", err)
	}
	reply, err := ParseReply(respBuf[:n])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	return nil
}
