package pickit

import (
	"time"

	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/part"
)

// readFuseISP and writeFuseISP implement the ISP fuse sub-protocol of
// spec §4.4.4: synthesise a 4-byte ISP opcode from the region's own
// template, embed it as the parameter block of one "Enable
// Programming" exchange script, and for reads take the third response
// byte (the ISP readback convention every fuse/lock/signature opcode
// shares).
func (e *Engine) readFuseISP(p *part.Part, region *part.MemoryRegion) (byte, error) {
	script, ok := e.scripts[SlotIspEnableProgramming]
	if !ok {
		return 0, avrerr.New(avrerr.Unsupported, "no IspEnableProgramming script bound", nil)
	}
	opcode := region.ReadOp.Fill(region.Offset, 0)
	frame := Frame{Type: TypeCmd, Params: opcode[:], Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "isp fuse read send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "isp fuse read recv", err)
	}
	if n < 23 {
		return 0, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return 0, err
	}
	if !reply.OK() {
		return 0, errFromReplyCode(reply.ErrorCode)
	}
	return buf[22], nil
}

func (e *Engine) writeFuseISP(p *part.Part, region *part.MemoryRegion, v byte) error {
	script, ok := e.scripts[SlotIspEnableProgramming]
	if !ok {
		return avrerr.New(avrerr.Unsupported, "no IspEnableProgramming script bound", nil)
	}
	opcode := region.WriteOp.Fill(region.Offset, v)
	frame := Frame{Type: TypeCmd, Params: opcode[:], Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "isp fuse write send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "isp fuse write recv", err)
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
	if region.MinWriteDelayUs > 0 {
		time.Sleep(time.Duration(region.MinWriteDelayUs) * time.Microsecond)
	}
	return nil
}

// readFuseFallback serves a fuse byte through the mode's dedicated
// sub-protocol when no scripted ReadConfigmemFuse exists for this
// part/mode (spec §4.4.4). Lock regions have no such fallback.
func (e *Engine) readFuseFallback(p *part.Part, region *part.MemoryRegion, n int) ([]byte, error) {
	if n != 1 {
		return nil, avrerr.New(avrerr.InvalidSize, "dedicated fuse sub-protocol reads one byte at a time", nil)
	}
	switch e.mode {
	case part.ModeISP:
		v, err := e.readFuseISP(p, region)
		if err != nil {
			return nil, err
		}
		return []byte{v}, nil
	case part.ModeDebugWire:
		if err := e.switchToISPForFuse(); err != nil {
			return nil, err
		}
		v, err := e.readFuseISP(p, region)
		if err != nil {
			return nil, err
		}
		return []byte{v}, nil
	case part.ModeJTAG:
		v, err := e.readFuseJTAG(region)
		if err != nil {
			return nil, err
		}
		return []byte{v}, nil
	default:
		return nil, avrerr.New(avrerr.Unsupported, "no dedicated fuse sub-protocol for this mode", nil)
	}
}

// writeFuseFallback is readFuseFallback's write-side counterpart.
func (e *Engine) writeFuseFallback(p *part.Part, region *part.MemoryRegion, data []byte) (int, error) {
	if len(data) != 1 {
		return 0, avrerr.New(avrerr.InvalidSize, "dedicated fuse sub-protocol writes one byte at a time", nil)
	}
	switch e.mode {
	case part.ModeISP:
		if err := e.writeFuseISP(p, region, data[0]); err != nil {
			return 0, err
		}
	case part.ModeDebugWire:
		if err := e.switchToISPForFuse(); err != nil {
			return 0, err
		}
		if err := e.writeFuseISP(p, region, data[0]); err != nil {
			return 0, err
		}
	case part.ModeJTAG:
		if err := e.writeFuseJTAG(region, data[0]); err != nil {
			return 0, err
		}
	default:
		return 0, avrerr.New(avrerr.Unsupported, "no dedicated fuse sub-protocol for this mode", nil)
	}
	return len(data), nil
}

// JTAG Program Commands opcodes and poll mask for fuse access (spec
// §4.4.4).
const (
	jtagOpcodeLFuse      uint16 = 0x33
	jtagOpcodeHFuse      uint16 = 0x37
	jtagOpcodeEFuse      uint16 = 0x3B
	jtagEnterFuseWrite   uint16 = 0x2340
	jtagEnterFuseBitRead uint16 = 0x2304
	jtagFusePollBit      uint16 = 0x200
	jtagFusePollBound           = 10
)

// jtagFuseOpcode picks the lfuse/hfuse/efuse select opcode from the
// region's offset within the part's fuse address space (0/1/2, the
// same convention readFuseISP's opcode synthesis relies on via
// region.Offset).
func jtagFuseOpcode(region *part.MemoryRegion) uint16 {
	switch region.Offset {
	case 1:
		return jtagOpcodeHFuse
	case 2:
		return jtagOpcodeEFuse
	default:
		return jtagOpcodeLFuse
	}
}

// readFuseJTAG implements the JTAG fuse sub-protocol of spec §4.4.4:
// select the fuse opcode, enter fuse-bit-read, then poll bit 9 for
// completion bounded at 10 iterations before taking the result.
func (e *Engine) readFuseJTAG(region *part.MemoryRegion) (byte, error) {
	if _, err := e.jtagExchange(jtagFuseOpcode(region)); err != nil {
		return 0, err
	}
	if _, err := e.jtagExchange(jtagEnterFuseBitRead); err != nil {
		return 0, err
	}
	status, err := e.pollJtagFuse()
	if err != nil {
		return 0, err
	}
	return byte(status), nil
}

// writeFuseJTAG selects the fuse opcode, enters fuse write with v
// embedded in the low byte, and polls for completion.
func (e *Engine) writeFuseJTAG(region *part.MemoryRegion, v byte) error {
	if _, err := e.jtagExchange(jtagFuseOpcode(region)); err != nil {
		return err
	}
	if _, err := e.jtagExchange(jtagEnterFuseWrite | uint16(v)); err != nil {
		return err
	}
	if _, err := e.pollJtagFuse(); err != nil {
		return err
	}
	if region.MinWriteDelayUs > 0 {
		time.Sleep(time.Duration(region.MinWriteDelayUs) * time.Microsecond)
	}
	return nil
}

// pollJtagFuse polls bit 9 (0x200) of the program-commands status
// word for completion, bounded at 10 iterations (spec §4.4.4).
func (e *Engine) pollJtagFuse() (uint16, error) {
	for i := 0; i < jtagFusePollBound; i++ {
		status, err := e.jtagExchange(0)
		if err != nil {
			return 0, err
		}
		if status&jtagFusePollBit != 0 {
			return status, nil
		}
	}
	return 0, avrerr.New(avrerr.OperationTimeout, "jtag fuse operation did not complete", nil)
}

// jtagExchange issues one CMD frame against the JtagProgCommands
// script carrying a 16-bit program-commands instruction, returning
// the 16-bit status word the target echoes back.
func (e *Engine) jtagExchange(word uint16) (uint16, error) {
	script, ok := e.scripts[SlotJtagProgCommands]
	if !ok {
		return 0, avrerr.New(avrerr.Unsupported, "no JtagProgCommands script bound", nil)
	}
	params := []byte{byte(word), byte(word >> 8)}
	frame := Frame{Type: TypeCmd, Params: params, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "jtag program commands send", err)
	}
	buf := make([]byte, 22)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return 0, avrerr.New(avrerr.IoFailure, "jtag program commands recv", err)
	}
	if n < 22 {
		return 0, errShortReply
	}
	reply, err := ParseReply(buf[:20])
	if err != nil {
		return 0, err
	}
	if !reply.OK() {
		return 0, errFromReplyCode(reply.ErrorCode)
	}
	return uint16(buf[20]) | uint16(buf[21])<<8, nil
}

// switchToISPForFuse implements the debugWIRE fuse-access sub-protocol
// of spec §4.4.4: dW cannot touch fuses directly, so the engine runs
// the one-way switchtoISP script and rebinds to ISP scripts for this
// session. Returning to debugWIRE afterward needs a power cycle the
// engine can only perform itself when it owns target power.
func (e *Engine) switchToISPForFuse() error {
	script, ok := e.scripts[SlotSwitchToISP]
	if !ok {
		return avrerr.New(avrerr.Unsupported, "no switchtoISP script bound", nil)
	}
	frame := Frame{Type: TypeCmd, Script: script}.Build()
	if err := e.dev.Send(frame); err != nil {
		return avrerr.New(avrerr.IoFailure, "switch to isp send", err)
	}
	buf := make([]byte, 64)
	n, err := e.dev.Recv(buf)
	if err != nil {
		return avrerr.New(avrerr.IoFailure, "switch to isp recv", err)
	}
	reply, err := ParseReply(buf[:n])
	if err != nil {
		return err
	}
	if !reply.OK() {
		return errFromReplyCode(reply.ErrorCode)
	}
	e.mode = part.ModeISP
	if e.power != powerInternal {
		return avrerr.New(avrerr.PowerCycleRequired, "part now in ISP mode; power-cycle and restart to return to debugWIRE", nil)
	}
	return nil
}
