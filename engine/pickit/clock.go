package pickit

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/part"
)

// updiLowVoltageCap is the maximum UPDI clock the line can sustain
// below updiLowVoltageThreshold, per the named testable property in
// spec §4.4.1 step 6: "a UPDI clock request is capped to 225kHz
// whenever measured Vtarg is below 2.9V".
const (
	updiLowVoltageThreshold = 2.9
	updiLowVoltageCap       = 225_000

	updiClockMin = 300
	updiClockMax = 900_000

	// asiCtrlAAddr is the UPDI Control/Status Space address of
	// ASI_CTRLA, whose UPDICLKSEL field the handshake below sets to
	// request a clock above the safe default before applying it.
	asiCtrlAAddr     byte = 0x09
	updiClkSelHigh   byte = 0x01
	updiHandshakeHz       = 100_000
)

// negotiateClock picks the clock this session will request, applying
// the UPDI clamp/cap/handshake sequence when in UPDI mode, then issues
// the SetSpeed script if the part's script table has one.
func (e *Engine) negotiateClock(p *part.Part) error {
	rate, ok := defaultClock[e.mode]
	if !ok {
		rate = 125_000
	}
	if e.mode == part.ModeUPDI {
		applied, err := e.prepareUPDIClock(rate)
		if err != nil {
			return err
		}
		rate = applied
	}
	e.clock = rate
	if !e.scripts.has(SlotSetSpeed) {
		return nil
	}
	return e.applySpeed(rate)
}

// prepareUPDIClock implements the UPDI clock negotiation of spec
// §4.4.1 step 6: clamp the request to [300Hz, 900kHz], cap it to
// 225kHz when measured Vtarg is below 2.9V, and otherwise — when the
// (clamped) request exceeds 225kHz — run the CS-register handshake
// before the caller applies it. It returns the rate the caller should
// hand to applySpeed.
func (e *Engine) prepareUPDIClock(requested uint32) (uint32, error) {
	rate := requested
	if rate < updiClockMin {
		rate = updiClockMin
	}
	if rate > updiClockMax {
		rate = updiClockMax
	}
	if e.measuredVcc > 0 && e.measuredVcc < updiLowVoltageThreshold {
		if rate > updiLowVoltageCap {
			rate = updiLowVoltageCap
		}
		return rate, nil
	}
	if rate > updiLowVoltageCap {
		if err := e.runUPDIClockHandshake(); err != nil {
			return 0, err
		}
	}
	return rate, nil
}

// runUPDIClockHandshake implements the mandatory CS-register handshake
// spec §4.4.1 step 6 requires before a UPDI clock above 225kHz is
// applied: drop to a safe 100kHz, write ASI_CTRLA.UPDICLKSEL to
// request the high-speed oscillator, then read the register back to
// confirm the target actually switched before the caller applies the
// real requested rate.
func (e *Engine) runUPDIClockHandshake() error {
	if !e.scripts.has(SlotSetSpeed) {
		return avrerr.New(avrerr.Unsupported, "no SetSpeed script bound for UPDI clock handshake", nil)
	}
	if err := e.applySpeed(updiHandshakeHz); err != nil {
		return err
	}
	if err := e.writeCSreg(asiCtrlAAddr, updiClkSelHigh); err != nil {
		return err
	}
	got, err := e.readCSreg(asiCtrlAAddr)
	if err != nil {
		return err
	}
	if got != updiClkSelHigh {
		return avrerr.New(avrerr.BadResponse, "ASI_CTRLA.UPDICLKSEL readback mismatch", nil)
	}
	return nil
}

// writeCSreg and readCSreg exchange the UPDI Control/Status Space
// WriteCSreg/ReadCSreg scripts, each carrying a one-byte register
// address and (for writes) a one-byte value.
func (e *Engine) writeCSreg(addr, value byte) error {
	script, ok := e.scripts[SlotWriteCSreg]
	if !ok {
		return avrerr.New(avrerr.Unsupported, "no WriteCSreg script bound", nil)
	}
	frame := Frame{Type: TypeCmd, Params: []byte{addr, value}, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "write cs register send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "write cs register recv", err)
	}
	if n < 20 {
		return errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	return nil
}

func (e *Engine) readCSreg(addr byte) (byte, error) {
	script, ok := e.scripts[SlotReadCSreg]
	if !ok {
		return 0, avrerr.New(avrerr.Unsupported, "no ReadCSreg script bound", nil)
	}
	frame := Frame{Type: TypeCmd, Params: []byte{addr}, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "read cs register send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "read cs register recv", err)
	}
	if n < 21 {
		return 0, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return 0, err
	}
	if !reply.OK() {
		return 0, errFromReplyCode(reply.ErrorCode)
	}
	return buf[20], nil
}

func (e *Engine) applySpeed(rate uint32) error {
	params := make([]byte, 4)
	params[0] = byte(rate)
	params[1] = byte(rate >> 8)
	params[2] = byte(rate >> 16)
	params[3] = byte(rate >> 24)
	frame := Frame{Type: TypeCmd, Params: params, Script: e.scripts[SlotSetSpeed]}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "set speed send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "set speed recv", err)
	}
	reply, err := ParseReply(buf[:n])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	return nil
}

// SetSCKPeriod converts a requested clock period into a rate, applies
// the same UPDI clamp/cap/handshake sequence negotiateClock does, and
// reports the rate actually used converted back to a period.
func (e *Engine) SetSCKPeriod(period time.Duration) (time.Duration, error) {
	if period <= 0 {
		return 0, avrerr.New(avrerr.InvalidSize, "sck period must be positive", nil)
	}
	rate := uint32(time.Second / period)
	if e.mode == part.ModeUPDI {
		applied, err := e.prepareUPDIClock(rate)
		if err != nil {
			return 0, err
		}
		rate = applied
	}
	if e.scripts.has(SlotSetSpeed) {
		if err := e.applySpeed(rate); err != nil {
			return 0, err
		}
	}
	e.clock = rate
	return time.Second / time.Duration(rate), nil
}
