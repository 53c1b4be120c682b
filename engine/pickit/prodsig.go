package pickit

import (
	"github.com/avr-go/avrprog/internal/avrerr"
	"github.com/avr-go/avrprog/part"
)

// prodsigSize is the number of production-signature bytes the engine
// caches on first read; large enough to cover a calibration byte
// fallback request on any supported part (spec §4.4.4).
const prodsigSize = 4

// ensureProdsig populates e.prodsig with prodsigSize cached bytes
// starting at base (a request for more than that re-reads the same
// prodsigSize bytes), reading the production signature row through the
// mode's dedicated sub-protocol on first use (spec §4.4.4). A cache
// keyed to a different base (a second region within the same
// signature row) is re-read rather than reused, since the two
// sub-protocols address the row, not an engine-relative offset.
func (e *Engine) ensureProdsig(p *part.Part, base uint32, n int) error {
	if e.prodsig != nil && e.prodsigBase == base && len(e.prodsig) >= n {
		return nil
	}
	var row []byte
	var err error
	switch e.mode {
	case part.ModeISP:
		row, err = e.readProdsigISP(base, prodsigSize)
	case part.ModeJTAG, part.ModeXMegaJTAG:
		row, err = e.readProdsigJTAG(base, prodsigSize)
	default:
		return avrerr.New(avrerr.Unsupported, "no production signature sub-protocol for this mode", nil)
	}
	if err != nil {
		return err
	}
	e.prodsig = row
	e.prodsigBase = base
	return nil
}

// readCalibrationFromProdsig serves a PagedLoad against the
// calibration memory kind by slicing the cached production signature
// row, for parts whose script table has no dedicated
// ReadCalibrationByte (spec §4.4.3/§4.4.4).
func (e *Engine) readCalibrationFromProdsig(p *part.Part, region *part.MemoryRegion, addr uint32, n int) ([]byte, error) {
	base := region.Offset
	if err := e.ensureProdsig(p, base, int(addr)+n); err != nil {
		return nil, err
	}
	if int(addr)+n > len(e.prodsig) {
		return nil, avrerr.New(avrerr.InvalidAddress, "calibration address beyond cached production signature", nil)
	}
	return e.prodsig[addr : addr+uint32(n)], nil
}

// readProdsigISP reads n bytes of the production signature row
// starting at base using the ISP "Read Calibration Byte" opcode
// family, toggling the address byte of the opcode template for each
// successive byte (spec §4.4.4).
func (e *Engine) readProdsigISP(base uint32, n int) ([]byte, error) {
	script, ok := e.scripts[SlotIspEnableProgramming]
	if !ok {
		return nil, avrerr.New(avrerr.Unsupported, "no IspEnableProgramming script bound", nil)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		opcode := [4]byte{0x38, 0x00, byte(base) + byte(i), 0x00}
		frame := Frame{Type: TypeCmd, Params: opcode[:], Script: script}.Build()
		if err := e.dev.Send(frame); err != nil {
			return nil, avrerr.New(avrerr.IoFailure, "prodsig read send", err)
		}
		buf := make([]byte, 64)
		got, err := e.dev.Recv(buf)
		if err != nil {
			return nil, avrerr.New(avrerr.IoFailure, "prodsig read recv", err)
		}
		if got < 23 {
			return nil, errShortReply
		}
		reply, err := ParseReply(buf[:20])
		if err != nil {
			return nil, err
		}
		if !reply.OK() {
			return nil, errFromReplyCode(reply.ErrorCode)
		}
		out[i] = buf[22]
	}
	return out, nil
}

// readProdsigJTAG reads n bytes of the production signature row
// starting at base over the JTAG Program Commands register, bumping
// the address field of the opcode word for each successive byte
// (spec §4.4.4).
func (e *Engine) readProdsigJTAG(base uint32, n int) ([]byte, error) {
	const jtagOpcodeProdsigBase uint16 = 0x3D00
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		v, err := e.jtagExchange(jtagOpcodeProdsigBase | (uint16(base) + uint16(i)))
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}
